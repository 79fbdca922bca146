// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type testItem struct {
	ID  int
	Bad bool
}

type sliceCursor struct {
	items []any
	pos   int
}

func (c *sliceCursor) Next(ctx context.Context, batchSize int) ([]any, error) {
	if c.pos >= len(c.items) {
		return nil, nil
	}
	end := c.pos + batchSize
	if end > len(c.items) {
		end = len(c.items)
	}
	batch := c.items[c.pos:end]
	c.pos = end
	return batch, nil
}

func (c *sliceCursor) Close() error { return nil }

type fakeSourceAdapter struct {
	items []any
}

func (a *fakeSourceAdapter) CreateCursor(ctx context.Context, config any) (Cursor, error) {
	return &sliceCursor{items: a.items}, nil
}
func (a *fakeSourceAdapter) WriteBatch(ctx context.Context, items []any, config any) error {
	return nil
}
func (a *fakeSourceAdapter) Close() error { return nil }

type fakeDestAdapter struct {
	mu      sync.Mutex
	written []any
	failN   int // fail the first N WriteBatch calls
	calls   int
}

func (a *fakeDestAdapter) CreateCursor(ctx context.Context, config any) (Cursor, error) {
	return nil, errors.New("not a source")
}

func (a *fakeDestAdapter) WriteBatch(ctx context.Context, items []any, config any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.calls <= a.failN {
		return errors.New("destination unavailable")
	}
	a.written = append(a.written, items...)
	return nil
}
func (a *fakeDestAdapter) Close() error { return nil }

func testEngine(t *testing.T, src Adapter, dest Adapter) (*Engine, uuid.UUID) {
	t.Helper()
	cfg := DefaultEngineConfig()
	cfg.DefaultMinBackoff = time.Millisecond
	cfg.DefaultMaxBackoff = 3 * time.Millisecond
	cfg.Adapters = map[string]Adapter{"mem-src": src, "mem-dst": dest}
	eng := New(cfg)
	t.Cleanup(func() { _ = eng.Close() })

	eng.RegisterProcessor("maybe-fail", func(ctx context.Context, item any) (any, error) {
		ti := item.(testItem)
		if ti.Bad {
			return nil, errors.New("item marked bad")
		}
		return ti, nil
	})

	id, err := eng.RegisterPipeline(Config{
		Name:        "p1",
		Source:      AdapterRef{Type: "mem-src"},
		Destination: AdapterRef{Type: "mem-dst"},
		Processors:  []string{"maybe-fail"},
		BatchSize:   3,
		Retries:     2,
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("RegisterPipeline: %v", err)
	}
	return eng, id
}

func TestExecuteRetriesThenDLQsBadItem(t *testing.T) {
	src := &fakeSourceAdapter{items: []any{
		testItem{ID: 1},
		testItem{ID: 2, Bad: true},
		testItem{ID: 3},
	}}
	dest := &fakeDestAdapter{}
	eng, id := testEngine(t, src, dest)

	_, processed, _, err := eng.Execute(context.Background(), id, ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if processed != 3 {
		t.Errorf("processed = %d, want 3", processed)
	}

	dest.mu.Lock()
	written := append([]any(nil), dest.written...)
	dest.mu.Unlock()
	if len(written) != 2 {
		t.Fatalf("len(written) = %d, want 2", len(written))
	}
	gotIDs := map[int]bool{}
	for _, w := range written {
		gotIDs[w.(testItem).ID] = true
	}
	if !gotIDs[1] || !gotIDs[3] {
		t.Errorf("written = %v, want ids 1 and 3", written)
	}

	dlqSize, err := eng.DLQSize(id)
	if err != nil {
		t.Fatalf("DLQSize: %v", err)
	}
	if dlqSize != 1 {
		t.Fatalf("dlqSize = %d, want 1", dlqSize)
	}

	var captured DLQEntry
	if err := eng.ProcessDeadLetterQueue(id, func(entry DLQEntry) bool {
		captured = entry
		return true // accept, removing it from the DLQ
	}); err != nil {
		t.Fatalf("ProcessDeadLetterQueue: %v", err)
	}
	if captured.Item.(testItem).ID != 2 {
		t.Errorf("DLQ entry item id = %v, want 2", captured.Item)
	}
	if captured.AttemptCount != 3 {
		t.Errorf("DLQ entry attemptCount = %d, want 3", captured.AttemptCount)
	}

	remaining, _ := eng.DLQSize(id)
	if remaining != 0 {
		t.Errorf("remaining DLQ size after accepted drain = %d, want 0", remaining)
	}
}

func TestProcessDeadLetterQueueReenqueuesRejected(t *testing.T) {
	src := &fakeSourceAdapter{items: []any{testItem{ID: 1, Bad: true}}}
	dest := &fakeDestAdapter{}
	eng, id := testEngine(t, src, dest)

	if _, _, _, err := eng.Execute(context.Background(), id, ExecuteOptions{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if err := eng.ProcessDeadLetterQueue(id, func(DLQEntry) bool { return false }); err != nil {
		t.Fatalf("ProcessDeadLetterQueue: %v", err)
	}
	size, _ := eng.DLQSize(id)
	if size != 1 {
		t.Errorf("size after rejected drain = %d, want 1 (re-enqueued)", size)
	}
}

func TestExecuteFailsOnDestinationWriteFailure(t *testing.T) {
	src := &fakeSourceAdapter{items: []any{testItem{ID: 1}, testItem{ID: 2}}}
	dest := &fakeDestAdapter{failN: 10}
	eng, id := testEngine(t, src, dest)

	_, _, _, err := eng.Execute(context.Background(), id, ExecuteOptions{})
	if !errors.Is(err, ErrPipelineFailed) {
		t.Fatalf("err = %v, want ErrPipelineFailed", err)
	}
}

func TestExecuteRefusesDisabledPipelineWithoutForce(t *testing.T) {
	src := &fakeSourceAdapter{items: []any{testItem{ID: 1}}}
	dest := &fakeDestAdapter{}
	cfg := DefaultEngineConfig()
	cfg.Adapters = map[string]Adapter{"mem-src": src, "mem-dst": dest}
	eng := New(cfg)
	t.Cleanup(func() { _ = eng.Close() })

	id, err := eng.RegisterPipeline(Config{
		Name:        "disabled",
		Source:      AdapterRef{Type: "mem-src"},
		Destination: AdapterRef{Type: "mem-dst"},
		BatchSize:   10,
		Enabled:     false,
	})
	if err != nil {
		t.Fatalf("RegisterPipeline: %v", err)
	}

	if _, _, _, err := eng.Execute(context.Background(), id, ExecuteOptions{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
	if _, _, _, err := eng.Execute(context.Background(), id, ExecuteOptions{Force: true}); err != nil {
		t.Fatalf("forced Execute: %v", err)
	}
}

func TestRegisterPipelineRejectsUnknownAdapter(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.Adapters = map[string]Adapter{}
	eng := New(cfg)
	t.Cleanup(func() { _ = eng.Close() })

	_, err := eng.RegisterPipeline(Config{
		Name:        "p",
		Source:      AdapterRef{Type: "nope"},
		Destination: AdapterRef{Type: "nope"},
	})
	if !errors.Is(err, ErrUnknownAdapter) {
		t.Fatalf("err = %v, want ErrUnknownAdapter", err)
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	src := &fakeSourceAdapter{items: []any{testItem{ID: 1}}}
	dest := &fakeDestAdapter{}
	eng, id := testEngine(t, src, dest)

	if err := eng.Pause(id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, _, _, err := eng.Execute(context.Background(), id, ExecuteOptions{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err after pause = %v, want ErrDisabled", err)
	}

	if err := eng.Resume(id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if _, _, _, err := eng.Execute(context.Background(), id, ExecuteOptions{}); err != nil {
		t.Fatalf("Execute after resume: %v", err)
	}
}

func TestFlushWaitsForIdle(t *testing.T) {
	src := &fakeSourceAdapter{items: []any{testItem{ID: 1}, testItem{ID: 2}}}
	dest := &fakeDestAdapter{}
	eng, id := testEngine(t, src, dest)

	done := make(chan error, 1)
	go func() {
		_, _, _, err := eng.Execute(context.Background(), id, ExecuteOptions{})
		done <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := eng.Flush(ctx, id); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestDeleteRemovesPipeline(t *testing.T) {
	src := &fakeSourceAdapter{items: []any{testItem{ID: 1}}}
	dest := &fakeDestAdapter{}
	eng, id := testEngine(t, src, dest)

	if err := eng.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, _, err := eng.Execute(context.Background(), id, ExecuteOptions{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
