// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build nats

// Build with NATS JetStream fan-out:
//
//	go build -tags nats ./cmd/platformd

package main

import (
	"time"

	"github.com/backendcore/platform/internal/config"
	"github.com/backendcore/platform/internal/eventbus"
	"github.com/backendcore/platform/internal/logging"
	"github.com/backendcore/platform/internal/metrics"
)

func newBroker(cfg *config.Config, m *metrics.Metrics) (eventbus.Broker, error) {
	if !cfg.EventBus.EnablePersistence {
		return nil, nil
	}
	brokerCfg := eventbus.NATSBrokerConfig{
		URL:                     cfg.EventBus.NATS.URL,
		MaxReconnects:           cfg.EventBus.NATS.MaxReconnects,
		ReconnectWait:           cfg.EventBus.NATS.ReconnectWait,
		ReconnectBuffer:         cfg.EventBus.NATS.ReconnectBuffer,
		CircuitBreakerThreshold: cfg.EventBus.NATS.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   cfg.EventBus.NATS.CircuitBreakerTimeout,
	}
	// No onDrop callback: the bus's relay already counts every failed
	// broker publish in m.BrokerDroppedTotal.
	broker, err := eventbus.NewNATSBroker(brokerCfg, nil)
	if err != nil {
		return nil, err
	}
	logging.Info().Str("url", brokerCfg.URL).Dur("reconnect_wait", brokerCfg.ReconnectWait).
		Time("started_at", time.Now()).Msg("eventbus: NATS broker dialed")
	return broker, nil
}
