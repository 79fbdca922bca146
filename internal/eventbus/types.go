// SPDX-License-Identifier: AGPL-3.0-or-later

// Package eventbus is a topic-based publish/subscribe fabric with
// wildcard subscriptions, namespaced isolation, request/response over
// pub/sub, bounded per-topic history, optional payload compression, and
// optional cross-process fan-out through an external broker.
//
// A Bus composes a Subscription Table (topic pattern matching), a History
// Store (bounded ring per topic with TTL eviction), and an optional
// Broker (remote relay). Local dispatch runs over one private Watermill
// gochannel topic per subscription handle, which gives each subscription
// its own goroutine and therefore free per-subscription FIFO delivery —
// publish order in, handler invocation order out — without the bus
// having to implement its own per-subscriber queue.
package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// Event is an immutable record of something that happened. Once
// published it is never mutated; handlers receive their own decoded
// copy.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Namespace string    `json:"namespace"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

func newEventID() string {
	return uuid.NewString()
}

// Handler processes one delivered event. A returned error is logged by
// the bus and never surfaced to the publisher; it also never blocks
// delivery to other subscribers of the same event.
type Handler func(Event) error

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	// Namespace scopes delivery; the default namespace is "".
	Namespace string
	// Ordered is accepted for interface compatibility with callers that
	// expect to request ordered delivery; delivery is always
	// per-subscription FIFO regardless of this flag; see Package doc.
	Ordered bool
	// Dedupe, when true, suppresses redelivery of an event ID this
	// subscription has already handled. It matters only for subscriptions
	// fed by a broker whose delivery guarantee is at-least-once; local-only
	// publishing never redelivers the same ID.
	Dedupe bool
	// DedupeWindow bounds how long a seen event ID is remembered for
	// dedup purposes. Zero uses a 10-minute default.
	DedupeWindow time.Duration
}

// PublishOptions configures a single publish call.
type PublishOptions struct {
	Namespace string
	Source    string
	// TTL overrides the bus-wide default history TTL for this event.
	TTL time.Duration
}

// RequestOptions configures Request.
type RequestOptions struct {
	Namespace string
	Timeout   time.Duration
}

// HistoryOptions configures GetHistory.
type HistoryOptions struct {
	Namespace string
	// Limit caps the number of entries returned, most recent last. A
	// value <= 0 returns every currently retained entry.
	Limit int
}

// Subscription is an opaque handle returned by Subscribe, passed back to
// Unsubscribe.
type Subscription struct {
	id string
}

// Metrics is the snapshot returned by Bus.GetMetrics.
type Metrics struct {
	TotalEvents     uint64
	PerTopicCounts  map[string]uint64
	SubscriberCount int
}
