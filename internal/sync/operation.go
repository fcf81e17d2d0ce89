package sync

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/munistream/puente/internal/linkage"
	"github.com/munistream/puente/internal/registry"
)

// Status is the lifecycle state of a synchronization operation. Applied and
// RolledBack are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApplied    Status = "applied"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// Mode distinguishes regular propagation from counterpart stub creation.
type Mode string

const (
	ModeSync   Mode = "sync"
	ModeCreate Mode = "create"
)

// ErrNoOperation is returned when a linkage has no operation to act on.
var ErrNoOperation = errors.New("no synchronization operation found")

// Operation is the journal entry of one attempted cross-registry write. It is
// stored as pending before any registry is touched.
type Operation struct {
	ID             uuid.UUID      `json:"operation_id"`
	LinkageID      uuid.UUID      `json:"linkage_id"`
	Origin         linkage.Origin `json:"origin"`
	Mode           Mode           `json:"mode"`
	OriginKey      string         `json:"origin_key"`
	CounterpartKey string         `json:"counterpart_key,omitempty"`
	// OriginDeltas are the changed fields as named by the origin registry.
	OriginDeltas registry.Fields `json:"origin_deltas"`
	// Deltas are the mapped fields destined for the counterpart.
	Deltas registry.Fields `json:"field_deltas"`
	// Previous is the counterpart's pre-operation value of every mapped field.
	Previous registry.Fields `json:"previous,omitempty"`
	// OriginPrevious holds origin values to restore on rollback.
	OriginPrevious registry.Fields `json:"origin_previous,omitempty"`
	AttemptCount   int             `json:"attempt_count"`
	Status         Status          `json:"status"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

func (op *Operation) complete(status Status, at time.Time) {
	op.Status = status
	op.CompletedAt = &at
}

// OperationStore persists the operation journal.
type OperationStore interface {
	Save(ctx context.Context, op *Operation) error
	Get(ctx context.Context, id uuid.UUID) (*Operation, error)
	// Latest returns the most recently started operation of a linkage.
	Latest(ctx context.Context, linkageID uuid.UUID) (*Operation, error)
	// ListStale returns pending operations started before the given time.
	ListStale(ctx context.Context, startedBefore time.Time) ([]Operation, error)
}

// Snapshot holds both registries' values of the mapped fields at the last
// successful synchronization of a linkage.
type Snapshot struct {
	LinkageID uuid.UUID       `json:"linkage_id"`
	Cadastral registry.Fields `json:"cadastral"`
	Registry  registry.Fields `json:"registry"`
	SyncedAt  time.Time       `json:"synced_at"`
}

func (s *Snapshot) side(o linkage.Origin) registry.Fields {
	if o == linkage.Cadastral {
		return s.Cadastral
	}
	return s.Registry
}

// value returns the last synced value of field on side o, nil if never synced.
func (s *Snapshot) value(o linkage.Origin, field string) *string {
	if s == nil {
		return nil
	}
	v, ok := s.side(o)[field]
	if !ok {
		return nil
	}
	return &v
}

// SnapshotStore persists snapshots. Get returns nil, nil for a linkage that
// never synchronized.
type SnapshotStore interface {
	Get(ctx context.Context, linkageID uuid.UUID) (*Snapshot, error)
	Save(ctx context.Context, s *Snapshot) error
}
