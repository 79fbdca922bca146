// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkQueueRespectsConcurrencyCap(t *testing.T) {
	const concurrency = 3
	q := NewWorkQueue(concurrency, 0, 0)

	var current atomic.Int64
	var maxSeen atomic.Int64

	items := make([]any, 20)
	for i := range items {
		items[i] = i
	}

	results := q.Run(context.Background(), items, func(ctx context.Context, item any) (any, error) {
		n := current.Add(1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		current.Add(-1)
		return item, nil
	})

	if len(results) != len(items) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(items))
	}
	if maxSeen.Load() > concurrency {
		t.Errorf("max concurrent in-flight = %d, want <= %d", maxSeen.Load(), concurrency)
	}
}

func TestWorkQueuePreservesResultOrder(t *testing.T) {
	q := NewWorkQueue(8, 0, 0)

	items := make([]any, 10)
	for i := range items {
		items[i] = i
	}

	results := q.Run(context.Background(), items, func(ctx context.Context, item any) (any, error) {
		// Sleep longer for earlier items so completion order is reversed.
		time.Sleep(time.Duration(10-item.(int)) * time.Millisecond)
		return item, nil
	})

	for i, r := range results {
		if r.Index != i {
			t.Errorf("results[%d].Index = %d, want %d", i, r.Index, i)
		}
		if r.Value != i {
			t.Errorf("results[%d].Value = %v, want %d", i, r.Value, i)
		}
	}
}

func TestWorkQueueOneFailureDoesNotAbortSiblings(t *testing.T) {
	q := NewWorkQueue(4, 0, 0)

	items := []any{1, 2, 3, 4}
	results := q.Run(context.Background(), items, func(ctx context.Context, item any) (any, error) {
		if item.(int) == 2 {
			return nil, context.DeadlineExceeded
		}
		return item, nil
	})

	successes := 0
	for _, r := range results {
		if r.Err == nil {
			successes++
		}
	}
	if successes != 3 {
		t.Errorf("successes = %d, want 3", successes)
	}
}

func TestWorkQueueIdleReflectsInFlight(t *testing.T) {
	q := NewWorkQueue(2, 0, 0)
	if !q.Idle() {
		t.Fatal("new queue should be idle")
	}

	done := make(chan struct{})
	go func() {
		q.Run(context.Background(), []any{1}, func(ctx context.Context, item any) (any, error) {
			<-done
			return item, nil
		})
	}()

	time.Sleep(10 * time.Millisecond)
	if q.Idle() {
		t.Error("queue should not be idle while a task is running")
	}
	close(done)
	time.Sleep(10 * time.Millisecond)
	if !q.Idle() {
		t.Error("queue should be idle after the task completes")
	}
}
