// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !nats

package eventbus

import "time"

// NewNATSBroker is unavailable in this build; rebuild with -tags nats to
// link the real watermill-nats broker. A Bus built without that tag
// always falls back to NopBroker and stays purely in-process.
func NewNATSBroker(_ NATSBrokerConfig, _ func()) (Broker, error) {
	return nil, ErrNATSNotEnabled
}

// NATSBrokerConfig mirrors the tagged build's config shape so callers can
// construct one without a build-tag-conditional import.
type NATSBrokerConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectBuffer int

	CircuitBreakerThreshold uint32
	CircuitBreakerTimeout   time.Duration
}

// DefaultNATSBrokerConfig returns a zero-value config; it exists only so
// callers compile identically regardless of the nats build tag.
func DefaultNATSBrokerConfig() NATSBrokerConfig {
	return NATSBrokerConfig{}
}
