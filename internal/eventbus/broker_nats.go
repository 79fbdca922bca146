// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build nats

package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/backendcore/platform/internal/logging"
)

// NATSBrokerConfig configures the remote fan-out broker.
type NATSBrokerConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectBuffer int

	// CircuitBreakerThreshold is consecutive publish failures before the
	// breaker opens and publishes are dropped locally with a counted
	// metric instead of blocking.
	CircuitBreakerThreshold uint32
	CircuitBreakerTimeout   time.Duration
}

// DefaultNATSBrokerConfig returns sane production defaults.
func DefaultNATSBrokerConfig() NATSBrokerConfig {
	return NATSBrokerConfig{
		URL:                     natsgo.DefaultURL,
		MaxReconnects:           -1,
		ReconnectWait:           2 * time.Second,
		ReconnectBuffer:         8 * 1024 * 1024,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   30 * time.Second,
	}
}

// natsBroker relays events to a NATS JetStream subject per
// brokerChannel, with a circuit breaker guarding publish: while
// disconnected, publishes are dropped locally rather than blocking the
// bus, and a dropped-event counter is the caller's responsibility to
// keep via the onDrop callback.
type natsBroker struct {
	pub    message.Publisher
	cb     *gobreaker.CircuitBreaker[bool]
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	closed bool
	onDrop func()
	subs   []message.Subscriber
}

// NewNATSBroker dials the configured NATS server and returns a Broker
// implementation backed by watermill-nats. onDrop, if non-nil, is
// invoked once per failed publish, whether the publish itself failed or
// was suppressed by an open circuit.
func NewNATSBroker(cfg NATSBrokerConfig, onDrop func()) (Broker, error) {
	logger := watermill.NewStdLogger(false, false)

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.ReconnectBufSize(cfg.ReconnectBuffer),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logging.Error().Err(err).Msg("eventbus: broker disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("eventbus: broker reconnected")
		}),
	}

	wmConfig := wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
		},
	}

	pub, err := wmNats.NewPublisher(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill nats publisher: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker[bool](gobreaker.Settings{
		Name:        "eventbus-broker-publish",
		MaxRequests: 1,
		Timeout:     cfg.CircuitBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.CircuitBreakerThreshold
		},
	})

	return &natsBroker{pub: pub, cb: breaker, logger: logger, onDrop: onDrop}, nil
}

func (b *natsBroker) Publish(channel string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	_, err := b.cb.Execute(func() (bool, error) {
		return true, b.pub.Publish(channel, message.NewMessage(newEventID(), payload))
	})
	if err != nil {
		if b.onDrop != nil {
			b.onDrop()
		}
		return err
	}
	return nil
}

func (b *natsBroker) Subscribe(ctx context.Context, pattern string, handler func(channel string, payload []byte)) error {
	subCfg := wmNats.SubscriberConfig{
		URL:         DefaultNATSBrokerConfig().URL,
		Unmarshaler: &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: true,
		},
	}
	sub, err := wmNats.NewSubscriber(subCfg, b.logger)
	if err != nil {
		return fmt.Errorf("create watermill nats subscriber: %w", err)
	}

	msgs, err := sub.Subscribe(ctx, pattern)
	if err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				handler(pattern, msg.Payload)
				msg.Ack()
			}
		}
	}()
	return nil
}

func (b *natsBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var firstErr error
	for _, sub := range b.subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.pub.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
