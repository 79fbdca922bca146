// SPDX-License-Identifier: AGPL-3.0-or-later

package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	json "github.com/goccy/go-json"

	"github.com/backendcore/platform/internal/cache"
	"github.com/backendcore/platform/internal/logging"
	"github.com/backendcore/platform/internal/metrics"
)

// Config configures a Bus.
type Config struct {
	// MaxHistorySize bounds the ring kept per (namespace, topic). 0
	// disables history entirely.
	MaxHistorySize int
	// DefaultTTL is applied to a published event's history entry when
	// PublishOptions.TTL is unset.
	DefaultTTL time.Duration
	// CompressionThreshold is the payload size, in bytes, above which a
	// broker-relayed event is gzip-compressed. A negative value disables
	// compression entirely. Local delivery is never compressed.
	CompressionThreshold int
	// Broker is the optional remote fan-out channel. Nil uses NopBroker.
	Broker Broker
	// ShutdownTimeout bounds how long Close waits for in-flight local
	// deliveries to drain before forcing subscriber goroutines down.
	ShutdownTimeout time.Duration
	Metrics         *metrics.Metrics
}

// DefaultConfig returns sane defaults: 100-entry history per topic held
// for 10 minutes, compression above 8KiB, no broker.
func DefaultConfig() Config {
	return Config{
		MaxHistorySize:       100,
		DefaultTTL:           10 * time.Minute,
		CompressionThreshold: 8 * 1024,
		ShutdownTimeout:      5 * time.Second,
	}
}

// Bus is a topic-based publish/subscribe fabric. See package doc for the
// local-dispatch design.
type Bus struct {
	cfg     Config
	subs    *subTable
	hist    *historyStore
	broker  Broker
	local   *gochannel.GoChannel
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	cancels map[string]context.CancelFunc

	// inFlight counts local deliveries handed to a subscriber's dispatch
	// goroutine but not yet acked, so Close can wait for them to drain
	// (bounded by cfg.ShutdownTimeout) before tearing the goroutines down.
	inFlight sync.WaitGroup

	countMu  sync.Mutex
	total    uint64
	perTopic map[string]uint64
}

// New builds a Bus ready to Publish/Subscribe. Close releases its
// background resources.
func New(cfg Config) *Bus {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	broker := cfg.Broker
	if broker == nil {
		broker = NopBroker{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	local := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NewStdLogger(false, false))

	return &Bus{
		cfg:      cfg,
		subs:     newSubTable(),
		hist:     newHistoryStore(cfg.MaxHistorySize, cfg.DefaultTTL),
		broker:   broker,
		local:    local,
		metrics:  cfg.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		cancels:  make(map[string]context.CancelFunc),
		perTopic: make(map[string]uint64),
	}
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Publish hands data to every matching local subscriber in FIFO order
// per subscription, records it in bounded history, and (if a broker is
// configured) relays it asynchronously for remote fan-out. It returns
// the generated event id.
func (b *Bus) Publish(topic string, data any, opts PublishOptions) (string, error) {
	if b.isClosed() {
		return "", ErrClosed
	}

	ev := Event{
		ID:        newEventID(),
		Topic:     topic,
		Namespace: opts.Namespace,
		Source:    opts.Source,
		Timestamp: time.Now(),
		Data:      data,
	}

	b.hist.record(ev.Namespace, topic, ev, opts.TTL)
	b.metrics.EventHistorySize.WithLabelValues(ev.Namespace, topic).Set(float64(len(b.hist.get(ev.Namespace, topic, 0))))
	b.metrics.EventsPublished.WithLabelValues(ev.Namespace, topic).Inc()
	b.recordCount(ev.Namespace, topic)

	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("eventbus: marshal event: %w", err)
	}

	for _, id := range b.subs.match(ev.Namespace, topic) {
		msg := message.NewMessage(newEventID(), payload)
		b.inFlight.Add(1)
		if pubErr := b.local.Publish(subscriberTopic(id), msg); pubErr != nil {
			b.inFlight.Done()
			logging.Error().Err(pubErr).Str("subscription", id).Msg("eventbus: local dispatch failed")
		}
	}

	if _, ok := b.broker.(NopBroker); !ok {
		go b.relay(ev.Namespace, topic, payload)
	}

	return ev.ID, nil
}

func (b *Bus) relay(namespace, topic string, payload []byte) {
	frame, err := encodeFrame(payload, b.cfg.CompressionThreshold, "application/json")
	if err != nil {
		logging.Error().Err(err).Msg("eventbus: frame encode failed")
		return
	}
	if err := b.broker.Publish(brokerChannel(namespace, topic), frame); err != nil {
		b.metrics.BrokerDroppedTotal.Inc()
		logging.Warn().Err(err).Str("namespace", namespace).Str("topic", topic).Msg("eventbus: broker relay dropped")
	}
}

// Subscribe registers handler against pattern (which may contain "*" and
// a trailing "**") within opts.Namespace. Each subscription gets its own
// dispatch goroutine, so handler invocation order matches publish order
// for that subscription regardless of what other subscribers are doing.
func (b *Bus) Subscribe(pattern string, handler Handler, opts SubscribeOptions) (Subscription, error) {
	if b.isClosed() {
		return Subscription{}, ErrClosed
	}
	if !validPattern(pattern) {
		return Subscription{}, ErrInvalidPattern
	}

	id := newEventID()
	subCtx, cancel := context.WithCancel(b.ctx)
	msgs, err := b.local.Subscribe(subCtx, subscriberTopic(id))
	if err != nil {
		cancel()
		return Subscription{}, fmt.Errorf("eventbus: subscribe: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return Subscription{}, ErrClosed
	}
	b.cancels[id] = cancel
	b.mu.Unlock()

	b.subs.add(id, opts.Namespace, pattern)
	b.metrics.SubscriberCount.Set(float64(b.subs.count()))

	var dedupe *cache.ExactLRU
	if opts.Dedupe {
		window := opts.DedupeWindow
		if window <= 0 {
			window = 10 * time.Minute
		}
		dedupe = cache.NewExactLRU(1024, window)
	}

	go b.dispatch(msgs, handler, opts.Namespace, dedupe)

	return Subscription{id: id}, nil
}

func (b *Bus) dispatch(msgs <-chan *message.Message, handler Handler, namespace string, dedupe *cache.ExactLRU) {
	for msg := range msgs {
		var ev Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			logging.Error().Err(err).Msg("eventbus: decode delivered event failed")
			msg.Ack()
			b.inFlight.Done()
			continue
		}

		if dedupe != nil && dedupe.IsDuplicate(ev.ID) {
			b.metrics.EventsDelivered.WithLabelValues(namespace, ev.Topic, "deduped").Inc()
			msg.Ack()
			b.inFlight.Done()
			continue
		}

		outcome := "success"
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("eventbus: handler panicked: %v", r)
				}
			}()
			return handler(ev)
		}()
		if err != nil {
			outcome = "error"
			b.metrics.EventHandlerErrors.WithLabelValues(namespace, ev.Topic).Inc()
			logging.Warn().Err(err).Str("topic", ev.Topic).Msg("eventbus: handler returned error")
		}
		b.metrics.EventsDelivered.WithLabelValues(namespace, ev.Topic, outcome).Inc()
		msg.Ack()
		b.inFlight.Done()
	}
}

// Unsubscribe stops delivery to the subscription and releases its
// dispatch goroutine. Idempotent.
func (b *Bus) Unsubscribe(sub Subscription) error {
	b.subs.remove(sub.id)

	b.mu.Lock()
	cancel, ok := b.cancels[sub.id]
	delete(b.cancels, sub.id)
	b.mu.Unlock()

	if ok {
		cancel()
	}
	b.metrics.SubscriberCount.Set(float64(b.subs.count()))
	return nil
}

// Request publishes data to topic with an embedded reply-to subscription
// and waits up to opts.Timeout for a single response event. A responder
// reads ReplyTo from the delivered event and Publishes its answer there;
// a responder that declines to reply, or an unmatched topic, surfaces to
// the caller as ErrTimeout, identically — the bus does not distinguish
// "nobody answered" from "the answer was refused".
func (b *Bus) Request(ctx context.Context, topic string, data any, opts RequestOptions) (Event, error) {
	if b.isClosed() {
		return Event{}, ErrClosed
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	replyTopic := "__reply." + newEventID()
	respCh := make(chan Event, 1)

	sub, err := b.Subscribe(replyTopic, func(ev Event) error {
		select {
		case respCh <- ev:
		default:
		}
		return nil
	}, SubscribeOptions{Namespace: opts.Namespace})
	if err != nil {
		return Event{}, err
	}
	defer b.Unsubscribe(sub)

	envelope := requestEnvelope{ReplyTo: replyTopic, Data: data}
	if _, err := b.Publish(topic, envelope, PublishOptions{Namespace: opts.Namespace}); err != nil {
		return Event{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-respCh:
		return ev, nil
	case <-timer.C:
		return Event{}, ErrTimeout
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// requestEnvelope is the Data payload delivered to request subscribers;
// responders publish their answer to ReplyTo.
type requestEnvelope struct {
	ReplyTo string `json:"replyTo"`
	Data    any    `json:"data"`
}

// GetHistory returns the retained events for topic, oldest first.
func (b *Bus) GetHistory(topic string, opts HistoryOptions) []Event {
	return b.hist.get(opts.Namespace, topic, opts.Limit)
}

// GetMetrics returns a point-in-time snapshot of bus-wide counters.
func (b *Bus) GetMetrics() Metrics {
	b.countMu.Lock()
	defer b.countMu.Unlock()

	perTopic := make(map[string]uint64, len(b.perTopic))
	for k, v := range b.perTopic {
		perTopic[k] = v
	}
	return Metrics{
		TotalEvents:     b.total,
		PerTopicCounts:  perTopic,
		SubscriberCount: b.subs.count(),
	}
}

func (b *Bus) recordCount(namespace, topic string) {
	b.countMu.Lock()
	defer b.countMu.Unlock()
	b.total++
	b.perTopic[historyKey(namespace, topic)]++
}

// Close marks the bus closed (subsequent Publish/Subscribe calls return
// ErrClosed), waits up to cfg.ShutdownTimeout for deliveries already
// handed to a dispatch goroutine to finish, then stops all dispatch
// goroutines and disconnects the broker.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancels := make([]context.CancelFunc, 0, len(b.cancels))
	for _, c := range b.cancels {
		cancels = append(cancels, c)
	}
	b.cancels = nil
	b.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		b.inFlight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(b.cfg.ShutdownTimeout):
		logging.Warn().Dur("timeout", b.cfg.ShutdownTimeout).Msg("eventbus: shutdown timeout reached with deliveries still in flight")
	}

	for _, c := range cancels {
		c()
	}
	b.cancel()

	var firstErr error
	if err := b.local.Close(); err != nil {
		firstErr = err
	}
	if _, ok := b.broker.(NopBroker); !ok {
		if err := b.broker.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func subscriberTopic(id string) string {
	return "sub." + id
}
