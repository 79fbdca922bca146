// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !nats

// Build without NATS support (default):
//
//	go build ./cmd/platformd

package main

import (
	"github.com/backendcore/platform/internal/config"
	"github.com/backendcore/platform/internal/eventbus"
	"github.com/backendcore/platform/internal/metrics"
)

// newBroker returns no broker in the default build: the bus stays
// purely in-process (eventbus.NopBroker). With EnablePersistence set it
// fails with eventbus.ErrNATSNotEnabled.
func newBroker(cfg *config.Config, _ *metrics.Metrics) (eventbus.Broker, error) {
	if cfg.EventBus.EnablePersistence {
		return nil, eventbus.ErrNATSNotEnabled
	}
	return nil, nil
}
