// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"sync"

	"github.com/backendcore/platform/internal/pipeline"
)

// memoryAdapter is the example storage adapter wired into the Pipeline
// Engine at startup: as a source it pages through a fixed in-memory
// slice; as a destination it appends written batches to its own slice
// under a mutex. It exists to give cmd/platformd something concrete to
// register pipelines against without pulling in a real database driver.
type memoryAdapter struct {
	mu      sync.Mutex
	items   []any
	written []any
}

func newMemoryAdapter(seed []any) *memoryAdapter {
	return &memoryAdapter{items: seed}
}

func (a *memoryAdapter) CreateCursor(_ context.Context, _ any) (pipeline.Cursor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	snapshot := make([]any, len(a.items))
	copy(snapshot, a.items)
	return &memoryCursor{items: snapshot}, nil
}

func (a *memoryAdapter) WriteBatch(_ context.Context, items []any, _ any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.written = append(a.written, items...)
	return nil
}

func (a *memoryAdapter) Close() error { return nil }

// writtenCount reports how many items this adapter has accepted as a
// destination, used by /healthz to show the engine is doing something.
func (a *memoryAdapter) writtenCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.written)
}

type memoryCursor struct {
	items []any
	pos   int
}

func (c *memoryCursor) Next(_ context.Context, batchSize int) ([]any, error) {
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

func (c *memoryCursor) Close() error { return nil }
