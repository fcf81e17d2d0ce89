package sync

import (
	"context"
	"sort"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/munistream/puente/internal/registry"
)

// MemoryOperationStore is an in-process OperationStore.
type MemoryOperationStore struct {
	mu  stdsync.RWMutex
	ops map[uuid.UUID]Operation
}

// NewMemoryOperationStore returns an empty store.
func NewMemoryOperationStore() *MemoryOperationStore {
	return &MemoryOperationStore{ops: make(map[uuid.UUID]Operation)}
}

func (s *MemoryOperationStore) Save(_ context.Context, op *Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[op.ID] = cloneOperation(*op)
	return nil
}

func (s *MemoryOperationStore) Get(_ context.Context, id uuid.UUID) (*Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[id]
	if !ok {
		return nil, ErrNoOperation
	}
	out := cloneOperation(op)
	return &out, nil
}

func (s *MemoryOperationStore) Latest(_ context.Context, linkageID uuid.UUID) (*Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Operation
	for _, op := range s.ops {
		if op.LinkageID != linkageID {
			continue
		}
		if latest == nil || op.StartedAt.After(latest.StartedAt) {
			o := op
			latest = &o
		}
	}
	if latest == nil {
		return nil, ErrNoOperation
	}
	out := cloneOperation(*latest)
	return &out, nil
}

func (s *MemoryOperationStore) ListStale(_ context.Context, startedBefore time.Time) ([]Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Operation
	for _, op := range s.ops {
		if op.Status == StatusPending && op.StartedAt.Before(startedBefore) {
			out = append(out, cloneOperation(op))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func cloneOperation(op Operation) Operation {
	op.OriginDeltas = cloneFields(op.OriginDeltas)
	op.Deltas = cloneFields(op.Deltas)
	op.Previous = cloneFields(op.Previous)
	op.OriginPrevious = cloneFields(op.OriginPrevious)
	if op.CompletedAt != nil {
		at := *op.CompletedAt
		op.CompletedAt = &at
	}
	return op
}

func cloneFields(f registry.Fields) registry.Fields {
	if f == nil {
		return nil
	}
	return f.Clone()
}

// MemorySnapshotStore is an in-process SnapshotStore.
type MemorySnapshotStore struct {
	mu        stdsync.RWMutex
	snapshots map[uuid.UUID]Snapshot
}

// NewMemorySnapshotStore returns an empty store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snapshots: make(map[uuid.UUID]Snapshot)}
}

func (s *MemorySnapshotStore) Get(_ context.Context, linkageID uuid.UUID) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[linkageID]
	if !ok {
		return nil, nil
	}
	snap.Cadastral = cloneFields(snap.Cadastral)
	snap.Registry = cloneFields(snap.Registry)
	return &snap, nil
}

func (s *MemorySnapshotStore) Save(_ context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	cp.Cadastral = cloneFields(snap.Cadastral)
	cp.Registry = cloneFields(snap.Registry)
	s.snapshots[snap.LinkageID] = cp
	return nil
}
