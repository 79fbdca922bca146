// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pipeline runs named data flows from a source adapter to a
// destination adapter through filter, processor, and transformer stages,
// with bounded concurrency, rate limiting, retry-with-backoff, a
// dead-letter queue for terminally failed items, and interval or cron
// scheduling.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Cursor is returned by Adapter.CreateCursor and paged through by Next.
// A batch shorter than the requested size (including empty) signals the
// end of the source; a cursor that returns a full batch as its final
// batch causes one additional Next call before Engine notices the end.
type Cursor interface {
	Next(ctx context.Context, batchSize int) ([]any, error)
	Close() error
}

// Adapter binds a pipeline to external storage, looked up by Config's
// Source.Type / Destination.Type string in a map owned by the embedder.
type Adapter interface {
	CreateCursor(ctx context.Context, config any) (Cursor, error)
	WriteBatch(ctx context.Context, items []any, config any) error
	Close() error
}

// Processor is a stateful or side-effecting per-item stage, applied
// under the Retry Policy.
type Processor func(ctx context.Context, item any) (any, error)

// Transformer is a pure per-item stage, applied without retry.
type Transformer func(item any) (any, error)

// Filter is a predicate; false drops the item silently before any
// processor or transformer runs.
type Filter func(item any) bool

// AdapterRef names an adapter type and carries its instance-specific
// configuration, opaque to the engine.
type AdapterRef struct {
	Type   string
	Config any
}

// Schedule arms either a plain interval or a cron expression (5- or
// 6-field); at most one should be set, interval taking precedence if
// both are.
type Schedule struct {
	Interval time.Duration
	Cron     string
}

// Config describes a pipeline at registration time.
type Config struct {
	Name            string
	Source          AdapterRef
	Destination     AdapterRef
	Filters         []string
	Processors      []string
	Transformers    []string
	Triggers        []string
	Schedule        *Schedule
	BatchSize       int
	Retries         int
	Concurrency     int
	RateInterval    time.Duration
	RateIntervalCap int
	DedicatedQueue  bool
	Enabled         bool
}

// ExecutionState is the pipeline-execution state machine: pending ->
// fetching -> processing -> writing -> (fetching | done | failed).
type ExecutionState string

const (
	ExecutionPending    ExecutionState = "pending"
	ExecutionFetching   ExecutionState = "fetching"
	ExecutionProcessing ExecutionState = "processing"
	ExecutionWriting    ExecutionState = "writing"
	ExecutionDone       ExecutionState = "done"
	ExecutionFailed     ExecutionState = "failed"
)

// Execution is a read-only snapshot of one execute() invocation.
type Execution struct {
	ID         uuid.UUID
	PipelineID uuid.UUID
	State      ExecutionState
	Processed  int
	StartedAt  time.Time
	EndedAt    time.Time
	Err        error
}

// ExecuteOptions configures one execute() call.
type ExecuteOptions struct {
	// Force runs a disabled pipeline anyway.
	Force bool
	// TriggerEvent, if set, is the event that caused this execution. It
	// is not consumed as pipeline input, and Execute does not pass it on
	// to processors, transformers or filters.
	TriggerEvent *TriggerEvent
}

// TriggerEvent carries the Event Bus delivery that triggered an
// execution, decoupled from eventbus.Event so this package doesn't need
// to import it just to describe "something happened".
type TriggerEvent struct {
	Topic     string
	Namespace string
	Data      any
}

// DLQEntry is one terminally failed item retained in a pipeline's dead
// letter queue.
type DLQEntry struct {
	ID           uuid.UUID
	PipelineID   uuid.UUID
	ExecutionID  uuid.UUID
	Item         any
	Error        string
	AttemptCount int
	FirstFailure time.Time
	LastFailure  time.Time
}

func newID() uuid.UUID {
	return uuid.New()
}
