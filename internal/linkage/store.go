package linkage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no linkage matches the lookup.
	ErrNotFound = errors.New("linkage not found")
	// ErrInvalidLinkage is returned for records that break record-level invariants.
	ErrInvalidLinkage = errors.New("invalid linkage")
	// ErrLinkageConflict matches every *ConflictError via errors.Is.
	ErrLinkageConflict = errors.New("linkage conflict")
)

// ConflictError reports an upsert that would attach a cadastral key or folio
// already owned by another linkage. It is never retried.
type ConflictError struct {
	Field       string
	Value       string
	OwnerID     uuid.UUID
	AttemptedID uuid.UUID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("linkage conflict: %s %q already belongs to linkage %s (attempted by %s)",
		e.Field, e.Value, e.OwnerID, e.AttemptedID)
}

// Is lets callers match with errors.Is(err, ErrLinkageConflict).
func (e *ConflictError) Is(target error) bool { return target == ErrLinkageConflict }

// Store is the linkage registry. Implementations must serve reads that
// reflect every committed write and must enforce that a cadastral key and a
// folio each belong to at most one linkage.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*PropertyLinkage, error)
	FindByCadastralKey(ctx context.Context, key string) (*PropertyLinkage, error)
	FindByFolio(ctx context.Context, folio string) (*PropertyLinkage, error)
	// Upsert inserts or replaces the linkage with l.ID. A nil ID is replaced
	// by a fresh one. On a bijection violation it returns *ConflictError and
	// leaves every stored linkage unchanged.
	Upsert(ctx context.Context, l *PropertyLinkage) error
	MarkError(ctx context.Context, id uuid.UUID) error
	MarkSynced(ctx context.Context, id uuid.UUID, at time.Time, origin Origin) error
}

// FindByKey looks a linkage up by the identifier of the given registry.
func FindByKey(ctx context.Context, s Store, o Origin, key string) (*PropertyLinkage, error) {
	if o == Cadastral {
		return s.FindByCadastralKey(ctx, key)
	}
	return s.FindByFolio(ctx, key)
}
