package sync

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNoCounterpart is returned when a linkage lacks one of its two sides.
	ErrNoCounterpart = errors.New("linkage has no counterpart record")
	// ErrInvalidState is returned for actions the linkage state does not allow.
	ErrInvalidState = errors.New("linkage state does not allow this action")
	// ErrRollbackPending is returned for changes to a linkage whose last
	// failed operation was never reverted.
	ErrRollbackPending = fmt.Errorf("%w: rollback pending", ErrInvalidState)
)

// SyncFailure reports a synchronization that did not apply after every retry.
type SyncFailure struct {
	LinkageID   uuid.UUID
	OperationID uuid.UUID
	Attempts    int
	Err         error
}

func (e *SyncFailure) Error() string {
	return fmt.Sprintf("synchronization %s of linkage %s failed after %d attempt(s): %v",
		e.OperationID, e.LinkageID, e.Attempts, e.Err)
}

func (e *SyncFailure) Unwrap() error { return e.Err }

// RollbackFailure reports a compensating rollback that could not restore the
// registries. The linkage is left in error for manual intervention.
type RollbackFailure struct {
	LinkageID   uuid.UUID
	OperationID uuid.UUID
	Cause       error
	Err         error
}

func (e *RollbackFailure) Error() string {
	msg := fmt.Sprintf("rollback of operation %s for linkage %s failed: %v", e.OperationID, e.LinkageID, e.Err)
	if e.Cause != nil {
		msg += fmt.Sprintf(" (after: %v)", e.Cause)
	}
	return msg
}

func (e *RollbackFailure) Unwrap() error { return e.Err }
