package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/munistream/puente/internal/linkage"
)

// Reconciler finds operations left pending by crashes or lost timeouts and
// finalizes them so no side effect goes unaccounted for.
type Reconciler struct {
	coordinator     *Coordinator
	pollingInterval time.Duration
	staleAfter      time.Duration
}

// NewReconciler creates a reconciler polling every pollingInterval for
// operations pending for longer than staleAfter.
func NewReconciler(c *Coordinator, pollingInterval, staleAfter time.Duration) *Reconciler {
	return &Reconciler{
		coordinator:     c,
		pollingInterval: pollingInterval,
		staleAfter:      staleAfter,
	}
}

// Start polls until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"interval":    r.pollingInterval,
		"stale_after": r.staleAfter,
	}).Info("Starting stale operation reconciler")

	ticker := time.NewTicker(r.pollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Reconciler stopped due to context cancellation")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil {
				logrus.WithError(err).Error("Failed to reconcile stale operations")
			}
		}
	}
}

// Reconcile runs one pass and returns how many operations it finalized.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	c := r.coordinator
	stale, err := c.ops.ListStale(ctx, c.now().Add(-r.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("failed to list stale operations: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	logrus.WithField("count", len(stale)).Debug("Found stale operations")

	var done int
	for _, op := range stale {
		ok, err := r.abandon(ctx, op)
		if err != nil {
			// continue with the other operations
			logrus.WithError(err).WithField("operation_id", op.ID).Error("Failed to finalize stale operation")
			continue
		}
		if ok {
			done++
		}
	}
	return done, nil
}

func (r *Reconciler) abandon(ctx context.Context, stale Operation) (bool, error) {
	c := r.coordinator
	unlock, err := c.Lock(ctx, stale.LinkageID)
	if err != nil {
		return false, err
	}
	defer unlock()

	op, err := c.ops.Get(ctx, stale.ID)
	if err != nil {
		return false, err
	}
	if op.Status != StatusPending {
		return false, nil
	}
	log := logrus.WithFields(logrus.Fields{
		"linkage_id":   op.LinkageID,
		"operation_id": op.ID,
	})

	op.Error = "abandoned while pending"
	op.complete(StatusFailed, c.now())
	esc := Escalation{
		LinkageID:   op.LinkageID,
		OperationID: op.ID,
		Origin:      op.Origin,
		Reason:      ReasonAbandoned,
		Error:       op.Error,
	}
	if op.Mode == ModeSync {
		if err := c.compensate(ctx, op); err != nil {
			esc.Reason, esc.RollbackFailed, esc.Error = ReasonRollbackFailed, true, err.Error()
			log.WithError(err).Error("Rollback of abandoned operation failed")
		} else {
			op.complete(StatusRolledBack, c.now())
		}
	}
	if err := c.ops.Save(ctx, op); err != nil {
		return false, fmt.Errorf("failed to journal abandoned operation: %w", err)
	}

	if err := c.linkages.MarkError(ctx, op.LinkageID); err != nil && !errors.Is(err, linkage.ErrNotFound) {
		log.WithError(err).Error("Failed to mark linkage as error")
	}
	c.escalate(ctx, esc)
	log.WithField("status", op.Status).Warn("Finalized abandoned operation")
	return true, nil
}
