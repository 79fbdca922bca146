// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/backendcore/platform/internal/eventbus"
	"github.com/backendcore/platform/internal/logging"
	"github.com/backendcore/platform/internal/metrics"
)

// EventBus is the narrow surface the engine needs from an Event Bus: a
// publish/subscribe pair used for pipeline:* lifecycle events and the
// data.* trigger subscription. The engine does not subscribe to any
// pipeline.control.* topic; pause, resume and flush are method calls. Any
// *eventbus.Bus satisfies this structurally; tests can supply a fake.
type EventBus interface {
	Publish(topic string, data any, opts eventbus.PublishOptions) (string, error)
	Subscribe(pattern string, handler eventbus.Handler, opts eventbus.SubscribeOptions) (eventbus.Subscription, error)
	Unsubscribe(sub eventbus.Subscription) error
}

// pipelineState's enabled and sched fields are read from the caller's
// goroutine (Execute, Pause, Resume, Delete, Close) and written from
// Pause/Resume, which may run concurrently with a triggered or scheduled
// Execute; both go through mu rather than the engine-wide e.mu, since
// they're per-pipeline state, not the pipelines map itself.
type pipelineState struct {
	id     uuid.UUID
	name   string
	config Config
	queue  *WorkQueue
	dlq    *dlqStore

	mu      sync.Mutex
	enabled bool
	sched   *scheduler
}

func (p *pipelineState) getEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

func (p *pipelineState) setEnabled(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = v
}

func (p *pipelineState) getSched() *scheduler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sched
}

func (p *pipelineState) setSched(s *scheduler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sched = s
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Adapters map[string]Adapter

	DefaultConcurrency     int
	DefaultRateInterval    time.Duration
	DefaultRateIntervalCap int
	DefaultMaxDLQSize      int
	DefaultRetries         int
	DefaultMinBackoff      time.Duration
	DefaultMaxBackoff      time.Duration

	Bus     EventBus
	Metrics *metrics.Metrics
}

// DefaultEngineConfig returns sane defaults: concurrency 4, no rate
// limit, 1000-entry DLQ, 1 retry with 100ms-10s backoff.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultConcurrency: 4,
		DefaultMaxDLQSize:  1000,
		DefaultRetries:     1,
		DefaultMinBackoff:  100 * time.Millisecond,
		DefaultMaxBackoff:  10 * time.Second,
	}
}

// Engine owns the Pipeline Registry, the named processor/transformer/
// filter registries, a default shared WorkQueue, and per-pipeline
// dedicated WorkQueues for pipelines that request one.
type Engine struct {
	cfg EngineConfig

	mu           sync.RWMutex
	pipelines    map[uuid.UUID]*pipelineState
	processors   map[string]Processor
	transformers map[string]Transformer
	filters      map[string]Filter

	defaultQueue *WorkQueue
	metrics      *metrics.Metrics
	bus          EventBus

	triggerSub   *eventbus.Subscription
	ctx          context.Context
	cancel       context.CancelFunc
	closed       bool
}

// New builds an Engine ready to register pipelines. Start subscribes to
// triggers; Close stops schedulers and drops the trigger subscription.
func New(cfg EngineConfig) *Engine {
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = 4
	}
	if cfg.DefaultMaxDLQSize <= 0 {
		cfg.DefaultMaxDLQSize = 1000
	}
	if cfg.Adapters == nil {
		cfg.Adapters = make(map[string]Adapter)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:          cfg,
		pipelines:    make(map[uuid.UUID]*pipelineState),
		processors:   make(map[string]Processor),
		transformers: make(map[string]Transformer),
		filters:      make(map[string]Filter),
		defaultQueue: NewWorkQueue(cfg.DefaultConcurrency, cfg.DefaultRateInterval, cfg.DefaultRateIntervalCap),
		metrics:      cfg.Metrics,
		bus:          cfg.Bus,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// RegisterProcessor is idempotent: re-registering the same name simply
// overwrites the stored function, so the registry's observable state
// (the set of registered names) never changes from a repeat call.
func (e *Engine) RegisterProcessor(name string, fn Processor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processors[name] = fn
}

func (e *Engine) RegisterTransformer(name string, fn Transformer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transformers[name] = fn
}

func (e *Engine) RegisterFilter(name string, fn Filter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filters[name] = fn
}

// Start subscribes to data.* on the Event Bus so incoming events can
// trigger matching pipelines. It is a no-op if cfg.Bus is nil.
func (e *Engine) Start(ctx context.Context) error {
	if e.bus == nil {
		return nil
	}
	sub, err := e.bus.Subscribe("data.*", e.handleTriggerEvent, eventbus.SubscribeOptions{})
	if err != nil {
		return fmt.Errorf("pipeline: subscribe triggers: %w", err)
	}
	e.triggerSub = &sub
	return nil
}

func (e *Engine) handleTriggerEvent(ev eventbus.Event) error {
	e.mu.RLock()
	matches := make([]*pipelineState, 0)
	for _, p := range e.pipelines {
		if !p.getEnabled() {
			continue
		}
		for _, trigger := range p.config.Triggers {
			if eventbus.MatchTopic(trigger, ev.Topic) {
				matches = append(matches, p)
				break
			}
		}
	}
	e.mu.RUnlock()

	for _, p := range matches {
		trig := &TriggerEvent{Topic: ev.Topic, Namespace: ev.Namespace, Data: ev.Data}
		go func(p *pipelineState) {
			if _, _, _, err := e.Execute(context.Background(), p.id, ExecuteOptions{TriggerEvent: trig}); err != nil {
				logging.Warn().Err(err).Str("pipeline", p.name).Msg("pipeline: triggered execution failed")
			}
		}(p)
	}
	return nil
}

// RegisterPipeline validates the adapter types, creates the pipeline's
// work queue and DLQ, arms its scheduler if one is configured, and
// records it in the registry.
func (e *Engine) RegisterPipeline(cfg Config) (uuid.UUID, error) {
	if cfg.Name == "" {
		return uuid.UUID{}, fmt.Errorf("%w: name required", ErrInvalidConfig)
	}
	if _, ok := e.cfg.Adapters[cfg.Source.Type]; !ok {
		return uuid.UUID{}, fmt.Errorf("%w: source %q", ErrUnknownAdapter, cfg.Source.Type)
	}
	if _, ok := e.cfg.Adapters[cfg.Destination.Type]; !ok {
		return uuid.UUID{}, fmt.Errorf("%w: destination %q", ErrUnknownAdapter, cfg.Destination.Type)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Retries <= 0 {
		cfg.Retries = e.cfg.DefaultRetries
	}

	id := newID()
	state := &pipelineState{
		id:     id,
		name:   cfg.Name,
		config: cfg,
	}
	state.setEnabled(cfg.Enabled)

	if cfg.DedicatedQueue {
		concurrency := cfg.Concurrency
		if concurrency <= 0 {
			concurrency = e.cfg.DefaultConcurrency
		}
		state.queue = NewWorkQueue(concurrency, cfg.RateInterval, cfg.RateIntervalCap)
	} else {
		state.queue = e.defaultQueue
	}

	state.dlq = newDLQStore(e.cfg.DefaultMaxDLQSize, func() {
		e.metrics.DLQOverflowTotal.WithLabelValues(cfg.Name).Inc()
		if e.bus != nil {
			_, _ = e.bus.Publish("dlq:added", map[string]any{"pipeline": cfg.Name, "overflow": true}, eventbus.PublishOptions{})
		}
	})

	e.mu.Lock()
	e.pipelines[id] = state
	e.mu.Unlock()

	if cfg.Schedule != nil {
		sched, err := newScheduler(*cfg.Schedule, func() {
			if _, _, _, err := e.Execute(context.Background(), id, ExecuteOptions{}); err != nil {
				logging.Warn().Err(err).Str("pipeline", cfg.Name).Msg("pipeline: scheduled execution failed")
			}
		})
		if err != nil {
			e.mu.Lock()
			delete(e.pipelines, id)
			e.mu.Unlock()
			return uuid.UUID{}, err
		}
		state.setSched(sched)
	}

	if e.bus != nil {
		_, _ = e.bus.Publish("pipeline:registered", map[string]any{"pipeline": cfg.Name, "id": id.String()}, eventbus.PublishOptions{})
	}

	return id, nil
}

func (e *Engine) get(id uuid.UUID) (*pipelineState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	p, ok := e.pipelines[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// Execute runs one pipeline invocation end to end: fetch batches from
// the source cursor, process and write each, stopping on the first short
// batch or the first destination-write failure.
func (e *Engine) Execute(ctx context.Context, id uuid.UUID, opts ExecuteOptions) (uuid.UUID, int, time.Duration, error) {
	p, err := e.get(id)
	if err != nil {
		return uuid.UUID{}, 0, 0, err
	}
	if !p.getEnabled() && !opts.Force {
		return uuid.UUID{}, 0, 0, ErrDisabled
	}

	execID := newID()
	start := time.Now()

	source := e.cfg.Adapters[p.config.Source.Type]
	dest := e.cfg.Adapters[p.config.Destination.Type]

	cursor, err := source.CreateCursor(ctx, p.config.Source.Config)
	if err != nil {
		e.emitFailed(p, execID, err)
		return execID, 0, time.Since(start), fmt.Errorf("%w: create cursor: %v", ErrAdapterError, err)
	}
	defer cursor.Close()

	totalProcessed := 0
	for {
		batch, err := cursor.Next(ctx, p.config.BatchSize)
		if err != nil {
			e.emitFailed(p, execID, err)
			return execID, totalProcessed, time.Since(start), fmt.Errorf("%w: cursor next: %v", ErrAdapterError, err)
		}

		survivors := e.processBatch(ctx, p, execID, batch)
		totalProcessed += len(batch)

		if len(survivors) > 0 {
			if err := e.writeBatch(ctx, p, dest, survivors); err != nil {
				e.emitFailed(p, execID, err)
				return execID, totalProcessed, time.Since(start), fmt.Errorf("%w: write batch: %v", ErrPipelineFailed, err)
			}
		}

		if e.bus != nil {
			_, _ = e.bus.Publish("pipeline:progress", map[string]any{
				"pipeline":    p.name,
				"executionId": execID.String(),
				"processed":   totalProcessed,
			}, eventbus.PublishOptions{})
		}

		if len(batch) < p.config.BatchSize {
			break
		}
	}

	duration := time.Since(start)
	e.metrics.PipelineExecutions.WithLabelValues(p.name, "success").Inc()
	e.metrics.PipelineExecutionTime.WithLabelValues(p.name).Observe(duration.Seconds())
	if e.bus != nil {
		_, _ = e.bus.Publish("pipeline:completed", map[string]any{
			"pipeline":    p.name,
			"executionId": execID.String(),
			"processed":   totalProcessed,
		}, eventbus.PublishOptions{})
	}
	return execID, totalProcessed, duration, nil
}

func (e *Engine) emitFailed(p *pipelineState, execID uuid.UUID, cause error) {
	e.metrics.PipelineExecutions.WithLabelValues(p.name, "failed").Inc()
	if e.bus != nil {
		_, _ = e.bus.Publish("pipeline:failed", map[string]any{
			"pipeline":    p.name,
			"executionId": execID.String(),
			"error":       cause.Error(),
		}, eventbus.PublishOptions{})
	}
}

// processBatch applies filters, then processors under retry, then
// transformers without retry, to every item concurrently (bounded by the
// pipeline's WorkQueue). Items that fail terminally are pushed to the
// DLQ; surviving items are returned in their original batch order.
func (e *Engine) processBatch(ctx context.Context, p *pipelineState, execID uuid.UUID, batch []any) []any {
	if len(batch) == 0 {
		return nil
	}

	retry := RetryPolicy{
		Retries:    p.config.Retries,
		MinBackoff: e.cfg.DefaultMinBackoff,
		MaxBackoff: e.cfg.DefaultMaxBackoff,
	}

	sampleDone := make(chan struct{})
	go e.sampleInFlight(p, sampleDone)
	defer close(sampleDone)

	results := p.queue.Run(ctx, batch, func(ctx context.Context, item any) (any, error) {
		e.mu.RLock()
		for _, name := range p.config.Filters {
			if f, ok := e.filters[name]; ok && !f(item) {
				e.mu.RUnlock()
				return nil, errFiltered
			}
		}
		e.mu.RUnlock()

		current := item
		attempts := 1
		for _, name := range p.config.Processors {
			e.mu.RLock()
			proc, ok := e.processors[name]
			e.mu.RUnlock()
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownProcessor, name)
			}

			var stepAttempts int
			val, err := retry.Run(ctx, func(ctx context.Context) (any, error) {
				stepAttempts++
				return proc(ctx, current)
			})
			attempts += stepAttempts - 1
			if err != nil {
				return nil, &itemError{cause: err, attempts: attempts}
			}
			current = val
		}

		for _, name := range p.config.Transformers {
			e.mu.RLock()
			tr, ok := e.transformers[name]
			e.mu.RUnlock()
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownProcessor, name)
			}
			val, err := tr(current)
			if err != nil {
				return nil, &itemError{cause: err, attempts: attempts}
			}
			current = val
		}

		return current, nil
	})

	survivors := make([]any, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			survivors = append(survivors, r.Value)
			e.metrics.PipelineItemsProcessed.WithLabelValues(p.name, "success").Inc()
			continue
		}
		if r.Err == errFiltered {
			e.metrics.PipelineItemsProcessed.WithLabelValues(p.name, "filtered").Inc()
			continue
		}

		attempts := 1
		cause := r.Err
		if ie, ok := r.Err.(*itemError); ok {
			attempts = ie.attempts
			cause = ie.cause
		}
		entry := newDLQEntry(p.id, execID, batch[r.Index], cause, attempts)
		p.dlq.add(entry)
		e.metrics.DLQSize.WithLabelValues(p.name).Set(float64(p.dlq.size()))
		e.metrics.PipelineItemsProcessed.WithLabelValues(p.name, "dlq").Inc()
		if e.bus != nil {
			_, _ = e.bus.Publish("dlq:added", map[string]any{"pipeline": p.name, "error": cause.Error()}, eventbus.PublishOptions{})
		}
	}
	return survivors
}

// sampleInFlight periodically publishes the pipeline's live in-flight
// item count until done is closed, so PipelineQueueInFlight reflects
// concurrency during a batch rather than only its settled state.
func (e *Engine) sampleInFlight(p *pipelineState, done <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			e.metrics.PipelineQueueInFlight.WithLabelValues(p.name).Set(0)
			return
		case <-ticker.C:
			e.metrics.PipelineQueueInFlight.WithLabelValues(p.name).Set(float64(p.queue.InFlight()))
		}
	}
}

// errFiltered marks an item dropped by a filter, never retried nor
// sent to the DLQ.
var errFiltered = fmt.Errorf("pipeline: item filtered")

// itemError carries the attempt count alongside the terminal cause so
// processBatch can record an accurate DLQEntry.AttemptCount.
type itemError struct {
	cause    error
	attempts int
}

func (e *itemError) Error() string { return e.cause.Error() }
func (e *itemError) Unwrap() error { return e.cause }

func (e *Engine) writeBatch(ctx context.Context, p *pipelineState, dest Adapter, items []any) error {
	retry := RetryPolicy{
		Retries:    p.config.Retries,
		MinBackoff: e.cfg.DefaultMinBackoff,
		MaxBackoff: e.cfg.DefaultMaxBackoff,
	}
	_, err := retry.Run(ctx, func(ctx context.Context) (any, error) {
		return nil, dest.WriteBatch(ctx, items, p.config.Destination.Config)
	})
	if err != nil {
		return err
	}
	if e.bus != nil {
		_, _ = e.bus.Publish("pipeline.data.written", map[string]any{"pipeline": p.name, "count": len(items)}, eventbus.PublishOptions{})
	}
	return nil
}

// Pause disables a pipeline and stops its scheduler; in-flight work is
// left to drain on its own.
func (e *Engine) Pause(id uuid.UUID) error {
	p, err := e.get(id)
	if err != nil {
		return err
	}
	p.setEnabled(false)
	p.getSched().stop()

	if e.bus != nil {
		_, _ = e.bus.Publish("pipeline:paused", map[string]any{"pipeline": p.name}, eventbus.PublishOptions{})
	}
	return nil
}

// Resume re-enables a pipeline and re-arms its scheduler if it has one.
func (e *Engine) Resume(id uuid.UUID) error {
	p, err := e.get(id)
	if err != nil {
		return err
	}
	p.setEnabled(true)

	if p.config.Schedule != nil {
		sched, err := newScheduler(*p.config.Schedule, func() {
			if _, _, _, err := e.Execute(context.Background(), id, ExecuteOptions{}); err != nil {
				logging.Warn().Err(err).Str("pipeline", p.name).Msg("pipeline: scheduled execution failed")
			}
		})
		if err != nil {
			return err
		}
		p.setSched(sched)
	}

	if e.bus != nil {
		_, _ = e.bus.Publish("pipeline:resumed", map[string]any{"pipeline": p.name}, eventbus.PublishOptions{})
	}
	return nil
}

// Flush blocks until the pipeline's work queue has no in-flight items, or
// ctx is done.
func (e *Engine) Flush(ctx context.Context, id uuid.UUID) error {
	p, err := e.get(id)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.queue.Idle() {
			if e.bus != nil {
				_, _ = e.bus.Publish("pipeline:flushed", map[string]any{"pipeline": p.name}, eventbus.PublishOptions{})
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Delete pauses and removes a pipeline, dropping its record and DLQ.
func (e *Engine) Delete(id uuid.UUID) error {
	p, err := e.get(id)
	if err != nil {
		return err
	}
	p.getSched().stop()

	e.mu.Lock()
	delete(e.pipelines, id)
	e.mu.Unlock()

	if e.bus != nil {
		_, _ = e.bus.Publish("pipeline:deleted", map[string]any{"pipeline": p.name}, eventbus.PublishOptions{})
	}
	return nil
}

// ProcessDeadLetterQueue drains a snapshot of the pipeline's DLQ through
// handler; entries handler rejects (returns false) are re-enqueued.
func (e *Engine) ProcessDeadLetterQueue(id uuid.UUID, handler func(DLQEntry) bool) error {
	p, err := e.get(id)
	if err != nil {
		return err
	}

	for _, entry := range p.dlq.drainSnapshot() {
		if !handler(entry) {
			p.dlq.add(entry)
		}
	}
	e.metrics.DLQSize.WithLabelValues(p.name).Set(float64(p.dlq.size()))
	return nil
}

// DLQSize returns the current number of entries retained for pipeline.
func (e *Engine) DLQSize(id uuid.UUID) (int, error) {
	p, err := e.get(id)
	if err != nil {
		return 0, err
	}
	return p.dlq.size(), nil
}

// Close stops every pipeline's scheduler and the trigger subscription.
// Idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	pipelines := make([]*pipelineState, 0, len(e.pipelines))
	for _, p := range e.pipelines {
		pipelines = append(pipelines, p)
	}
	e.mu.Unlock()

	for _, p := range pipelines {
		p.getSched().stop()
	}
	if e.bus != nil && e.triggerSub != nil {
		_ = e.bus.Unsubscribe(*e.triggerSub)
	}
	e.cancel()
	return nil
}
