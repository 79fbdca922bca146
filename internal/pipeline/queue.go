// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// settledResult is one item's outcome from a WorkQueue.Run call,
// equivalent to a single Promise.allSettled entry: exactly one of Value
// or Err is meaningful, and Index preserves the item's position in the
// submitted batch so callers can restore arrival order once every item
// has settled.
type settledResult struct {
	Index int
	Value any
	Err   error
}

// WorkQueue enforces a concurrency cap and an (interval, intervalCap)
// rate limit over a batch of concurrently processed items. A single
// rejected item neither cancels its siblings nor aborts the batch — all
// results are collected, never short-circuited, matching the source's
// allSettled semantics.
type WorkQueue struct {
	sem     chan struct{}
	limiter *rate.Limiter

	inFlight atomic.Int64
}

// NewWorkQueue builds a queue with concurrency in-flight items at a time
// and up to intervalCap submissions per interval. A non-positive
// interval or intervalCap disables rate limiting entirely.
func NewWorkQueue(concurrency int, interval time.Duration, intervalCap int) *WorkQueue {
	if concurrency <= 0 {
		concurrency = 1
	}

	limit := rate.Inf
	burst := 1
	if interval > 0 && intervalCap > 0 {
		limit = rate.Limit(float64(intervalCap) / interval.Seconds())
		burst = intervalCap
	}

	return &WorkQueue{
		sem:     make(chan struct{}, concurrency),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Run submits every item in items to fn, honoring the concurrency cap
// and rate limit, and blocks until every item has settled. Results are
// returned in the same order as items regardless of completion order.
// An item waits for a free slot (cooperative backpressure) when the queue
// is at capacity; Run itself blocks the caller until the whole batch settles.
func (q *WorkQueue) Run(ctx context.Context, items []any, fn func(ctx context.Context, item any) (any, error)) []settledResult {
	results := make([]settledResult, len(items))
	var wg sync.WaitGroup

	for i, item := range items {
		if err := q.limiter.Wait(ctx); err != nil {
			results[i] = settledResult{Index: i, Err: err}
			continue
		}

		select {
		case q.sem <- struct{}{}:
		case <-ctx.Done():
			results[i] = settledResult{Index: i, Err: ctx.Err()}
			continue
		}

		wg.Add(1)
		q.inFlight.Add(1)
		go func(i int, item any) {
			defer wg.Done()
			defer q.inFlight.Add(-1)
			defer func() { <-q.sem }()

			val, err := fn(ctx, item)
			results[i] = settledResult{Index: i, Value: val, Err: err}
		}(i, item)
	}

	wg.Wait()
	return results
}

// InFlight returns the current number of items being processed.
func (q *WorkQueue) InFlight() int64 {
	return q.inFlight.Load()
}

// Idle reports whether the queue currently has no in-flight work.
func (q *WorkQueue) Idle() bool {
	return q.inFlight.Load() == 0
}
