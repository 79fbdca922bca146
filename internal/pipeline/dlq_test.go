// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestDLQStoreEvictsOldestOnOverflow(t *testing.T) {
	var overflowed int
	store := newDLQStore(3, func() { overflowed++ })

	pipelineID := uuid.New()
	execID := uuid.New()
	for i := 0; i < 5; i++ {
		store.add(newDLQEntry(pipelineID, execID, i, errors.New("fail"), 1))
	}

	if store.size() != 3 {
		t.Fatalf("size = %d, want 3", store.size())
	}
	if overflowed != 2 {
		t.Errorf("overflowed = %d, want 2", overflowed)
	}

	snap := store.drainSnapshot()
	if len(snap) != 3 {
		t.Fatalf("len(snap) = %d, want 3", len(snap))
	}
	if snap[0].Item != 2 || snap[2].Item != 4 {
		t.Errorf("snap items = %v, want oldest-retained 2..4", snap)
	}
}

func TestDLQStoreDrainSnapshotClears(t *testing.T) {
	store := newDLQStore(10, nil)
	pipelineID := uuid.New()
	store.add(newDLQEntry(pipelineID, uuid.New(), "item", errors.New("fail"), 1))

	if store.size() != 1 {
		t.Fatalf("size = %d, want 1", store.size())
	}
	snap := store.drainSnapshot()
	if len(snap) != 1 {
		t.Fatalf("len(snap) = %d, want 1", len(snap))
	}
	if store.size() != 0 {
		t.Errorf("size after drain = %d, want 0", store.size())
	}
}

func TestDLQEntryRecordsAttemptCount(t *testing.T) {
	pipelineID := uuid.New()
	execID := uuid.New()
	entry := newDLQEntry(pipelineID, execID, "item", errors.New("boom"), 3)
	if entry.AttemptCount != 3 {
		t.Errorf("AttemptCount = %d, want 3", entry.AttemptCount)
	}
	if entry.Error != "boom" {
		t.Errorf("Error = %q, want boom", entry.Error)
	}
	if entry.PipelineID != pipelineID {
		t.Errorf("PipelineID = %v, want %v", entry.PipelineID, pipelineID)
	}
	if entry.ExecutionID != execID {
		t.Errorf("ExecutionID = %v, want %v", entry.ExecutionID, execID)
	}
}
