// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// dlqStore is a bounded ring of DLQEntry with drop-oldest eviction,
// one per pipeline. The teacher's dead-letter structure orders entries by
// failure time in a min-heap for O(log n) priority eviction; this engine
// only ever evicts the oldest entry on overflow and never needs priority
// lookup by time, so a plain append-and-trim slice gives the same
// drop-oldest guarantee in simpler code, at the cost of an O(n) shift on
// overflow that is irrelevant at the bounded sizes this queue holds.
type dlqStore struct {
	mu       sync.Mutex
	maxSize  int
	entries  []DLQEntry
	overflow func()
}

func newDLQStore(maxSize int, overflow func()) *dlqStore {
	return &dlqStore{maxSize: maxSize, overflow: overflow}
}

// add appends entry, evicting the oldest if the store is at capacity.
func (d *dlqStore) add(entry DLQEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.entries = append(d.entries, entry)
	if d.maxSize > 0 && len(d.entries) > d.maxSize {
		d.entries = d.entries[1:]
		if d.overflow != nil {
			d.overflow()
		}
	}
}

func (d *dlqStore) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// drainSnapshot removes and returns every currently retained entry.
// Entries that arrive concurrently with the drain are not included and
// are not lost — they simply remain for the next drain.
func (d *dlqStore) drainSnapshot() []DLQEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.entries
	d.entries = nil
	return out
}

func newDLQEntry(pipelineID, execID uuid.UUID, item any, err error, attemptCount int) DLQEntry {
	now := time.Now()
	return DLQEntry{
		ID:           newID(),
		PipelineID:   pipelineID,
		ExecutionID:  execID,
		Item:         item,
		Error:        err.Error(),
		AttemptCount: attemptCount,
		FirstFailure: now,
		LastFailure:  now,
	}
}
