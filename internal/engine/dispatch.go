package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/munistream/puente/internal/linkage"
)

// Invocation is a tagged step call from the host orchestrator.
type Invocation struct {
	Step       Step           `json:"step" validate:"required,oneof=auto_link sync rollback conflict_resolve retry review"`
	Change     *Change        `json:"change,omitempty"`
	LinkageID  uuid.UUID      `json:"linkage_id"`
	ConflictID uuid.UUID      `json:"conflict_id"`
	Winner     linkage.Origin `json:"winner,omitempty" validate:"omitempty,oneof=cadastral registry"`
	Approved   bool           `json:"approved,omitempty"`
}

// Dispatch runs the step named by inv.
func (e *Engine) Dispatch(ctx context.Context, inv Invocation) (*StepResult, error) {
	if err := Validate(inv); err != nil {
		return nil, err
	}
	switch inv.Step {
	case StepAutoLink, StepSync:
		if inv.Change == nil {
			return nil, fmt.Errorf("%w: step %s needs a change", ErrValidation, inv.Step)
		}
		if inv.Step == StepAutoLink {
			return e.AutoLink(ctx, *inv.Change)
		}
		return e.Sync(ctx, *inv.Change)
	case StepConflictResolve:
		if inv.ConflictID == uuid.Nil || inv.Winner == "" {
			return nil, fmt.Errorf("%w: step %s needs a conflict id and a winner", ErrValidation, inv.Step)
		}
		return e.ConflictResolve(ctx, inv.ConflictID, inv.Winner)
	}

	if inv.LinkageID == uuid.Nil {
		return nil, fmt.Errorf("%w: step %s needs a linkage id", ErrValidation, inv.Step)
	}
	switch inv.Step {
	case StepRollback:
		return e.Rollback(ctx, inv.LinkageID)
	case StepRetry:
		return e.Retry(ctx, inv.LinkageID)
	default:
		return e.Review(ctx, inv.LinkageID, inv.Approved)
	}
}
