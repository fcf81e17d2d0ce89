// Package sync propagates field changes between the cadastral system and the
// property registry for linked properties.
//
// Every operation is journaled before any registry is touched, retried with
// backoff, and compensated when it fails for good. The linkage registry is
// updated only after the external registries accepted the change.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/munistream/puente/internal/conflict"
	"github.com/munistream/puente/internal/linkage"
	"github.com/munistream/puente/internal/lock"
	"github.com/munistream/puente/internal/metrics"
	"github.com/munistream/puente/internal/registry"
	"github.com/munistream/puente/internal/retry"
)

var tracer = otel.Tracer("github.com/munistream/puente/internal/sync")

// Escalation asks an operator to look at a linkage.
type Escalation struct {
	LinkageID      uuid.UUID      `json:"linkage_id"`
	OperationID    uuid.UUID      `json:"operation_id"`
	Origin         linkage.Origin `json:"origin"`
	Reason         string         `json:"reason"`
	RollbackFailed bool           `json:"rollback_failed"`
	Error          string         `json:"error,omitempty"`
	At             time.Time      `json:"at"`
}

// Escalation reasons.
const (
	ReasonSyncFailed     = "sync_failed"
	ReasonRollbackFailed = "rollback_failed"
	ReasonAbandoned      = "abandoned"
	ReasonOrphanStub     = "orphan_stub"
	ReasonChangeRefused  = "change_refused"
)

// Escalator enqueues escalations for operators.
type Escalator interface {
	Escalate(ctx context.Context, e Escalation) error
}

// Config tunes retries and timeouts.
type Config struct {
	Retry *retry.Config
	// AttemptTimeout bounds every single registry call.
	AttemptTimeout time.Duration
	// Atomic also reverts the origin registry's own change when an operation
	// fails for good and the caller supplied the previous values.
	Atomic bool
}

// DefaultConfig returns three retries at 30s, 60s and 120s with 30s per call.
func DefaultConfig() Config {
	return Config{
		Retry:          retry.SyncDefaults(),
		AttemptTimeout: registry.DefaultTimeout,
	}
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Linkages   linkage.Store
	Operations OperationStore
	Snapshots  SnapshotStore
	Conflicts  conflict.Store
	Cadastral  registry.Registry
	Registry   registry.Registry
	Locker     lock.Locker
	Mapping    *Mapping
	Escalator  Escalator
}

// Coordinator runs synchronization operations.
type Coordinator struct {
	linkages   linkage.Store
	ops        OperationStore
	snapshots  SnapshotStore
	conflicts  conflict.Store
	registries map[linkage.Origin]registry.Registry
	locker     lock.Locker
	mapping    *Mapping
	escalator  Escalator
	resolver   *conflict.Resolver
	cfg        Config
	now        func() time.Time
}

// NewCoordinator wires a coordinator. A nil Locker falls back to an
// in-process keyed mutex and a nil Mapping to the built-in table.
func NewCoordinator(d Deps, cfg Config) *Coordinator {
	if d.Locker == nil {
		d.Locker = lock.NewKeyedMutex()
	}
	if d.Mapping == nil {
		d.Mapping = DefaultMapping()
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.SyncDefaults()
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = registry.DefaultTimeout
	}
	return &Coordinator{
		linkages:  d.Linkages,
		ops:       d.Operations,
		snapshots: d.Snapshots,
		conflicts: d.Conflicts,
		registries: map[linkage.Origin]registry.Registry{
			linkage.Cadastral: d.Cadastral,
			linkage.Registry:  d.Registry,
		},
		locker:    d.Locker,
		mapping:   d.Mapping,
		escalator: d.Escalator,
		resolver:  conflict.NewResolver(),
		cfg:       cfg,
		now:       time.Now,
	}
}

// Mapping returns the field mapping table in use.
func (c *Coordinator) Mapping() *Mapping { return c.mapping }

// Registry returns the registry client for one side.
func (c *Coordinator) Registry(o linkage.Origin) registry.Registry { return c.registries[o] }

// Conflicts lists the conflict records of a linkage in detection order.
func (c *Coordinator) Conflicts(ctx context.Context, linkageID uuid.UUID) ([]conflict.Record, error) {
	return c.conflicts.ListByLinkage(ctx, linkageID)
}

// LinkageLockKey is the lock key serializing work on one linkage.
func LinkageLockKey(id uuid.UUID) string { return lock.Key("linkage", id.String()) }

// Lock takes exclusive ownership of a linkage for callers that need to read
// and synchronize it in one critical section (see SynchronizeLocked).
func (c *Coordinator) Lock(ctx context.Context, id uuid.UUID) (lock.Unlock, error) {
	unlock, err := c.locker.Lock(ctx, LinkageLockKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to lock linkage %s: %w", id, err)
	}
	return unlock, nil
}

// Request describes a change to propagate.
type Request struct {
	LinkageID uuid.UUID
	Origin    linkage.Origin
	// Deltas are the changed fields named as the origin registry names them.
	Deltas registry.Fields
	// ModifiedAt is when the origin changed. Zero means read it from the
	// origin record.
	ModifiedAt time.Time
	// Previous holds the origin's values before the change. Used only when
	// the coordinator is configured for atomic rollback.
	Previous registry.Fields
}

// Outcome is the structured result of an operation. Failures are reported
// here as well as through the returned error.
type Outcome struct {
	Operation      *Operation                     `json:"operation,omitempty"`
	Status         Status                         `json:"status"`
	NoOp           bool                           `json:"no_op,omitempty"`
	Written        registry.Fields                `json:"written,omitempty"`
	BackPropagated registry.Fields                `json:"back_propagated,omitempty"`
	Conflicts      []conflict.Record              `json:"conflicts,omitempty"`
	FieldConflicts []*conflict.FieldConflictError `json:"-"`
	Err            error                          `json:"-"`
}

// Synchronize propagates req to the counterpart registry of the linkage.
func (c *Coordinator) Synchronize(ctx context.Context, req Request) (*Outcome, error) {
	unlock, err := c.Lock(ctx, req.LinkageID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return c.SynchronizeLocked(ctx, req)
}

type fieldDecision struct {
	originField  string
	counterField string
	decision     conflict.Decision
}

type applyResult struct {
	toCounter registry.Fields
	toOrigin  registry.Fields
	current   registry.Fields
	decisions []fieldDecision
}

// SynchronizeLocked is Synchronize for callers already holding the linkage lock.
// A linkage whose last failed operation is still unreverted refuses new
// changes with ErrRollbackPending until an operator rolls it back or retries it.
func (c *Coordinator) SynchronizeLocked(ctx context.Context, req Request) (*Outcome, error) {
	return c.synchronize(ctx, req, nil)
}

// synchronize runs a sync operation. replay is the failed operation being
// retried, whose pre-image the new operation inherits.
func (c *Coordinator) synchronize(ctx context.Context, req Request, replay *Operation) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "sync.Synchronize", trace.WithAttributes(
		attribute.String("linkage_id", req.LinkageID.String()),
		attribute.String("origin", string(req.Origin)),
	))
	defer span.End()
	started := time.Now()
	defer func() {
		metrics.SyncDuration.WithLabelValues(string(ModeSync)).Observe(time.Since(started).Seconds())
	}()

	if !req.Origin.Valid() {
		return nil, fmt.Errorf("invalid origin %q", req.Origin)
	}
	l, err := c.linkages.Get(ctx, req.LinkageID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve linkage %s: %w", req.LinkageID, err)
	}
	counter := req.Origin.Counterpart()
	if l.Key(req.Origin) == "" || l.Key(counter) == "" {
		return nil, fmt.Errorf("%w: linkage %s", ErrNoCounterpart, l.ID)
	}

	log := logrus.WithFields(logrus.Fields{
		"linkage_id": l.ID,
		"origin":     req.Origin,
	})
	if replay == nil && l.SyncState == linkage.Error {
		if err := c.refuseUnreverted(ctx, log, l.ID, req); err != nil {
			return nil, err
		}
	}

	originDeltas := make(registry.Fields)
	for k, v := range req.Deltas {
		if _, ok := c.mapping.Counterpart(req.Origin, k); ok {
			originDeltas[k] = v
		}
	}
	if len(originDeltas) == 0 {
		log.Debug("Change carries no mapped fields, nothing to synchronize")
		return &Outcome{Status: StatusApplied, NoOp: true}, nil
	}

	snap, err := c.snapshots.Get(ctx, l.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for linkage %s: %w", l.ID, err)
	}

	op := &Operation{
		ID:             uuid.New(),
		LinkageID:      l.ID,
		Origin:         req.Origin,
		Mode:           ModeSync,
		OriginKey:      l.Key(req.Origin),
		CounterpartKey: l.Key(counter),
		OriginDeltas:   originDeltas,
		Deltas:         c.mapping.Translate(req.Origin, originDeltas),
		Status:         StatusPending,
		StartedAt:      c.now(),
	}
	if c.cfg.Atomic && len(req.Previous) > 0 {
		op.OriginPrevious = make(registry.Fields)
		for k := range originDeltas {
			if v, ok := req.Previous[k]; ok {
				op.OriginPrevious[k] = v
			}
		}
	}
	if replay != nil && replay.Status == StatusFailed {
		// the counterpart may still hold partial writes of the replayed
		// operation, so its pre-image is the one to restore
		op.Previous = cloneFields(replay.Previous)
		if len(replay.OriginPrevious) > 0 {
			op.OriginPrevious = cloneFields(replay.OriginPrevious)
		}
	}
	if err := c.ops.Save(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to journal operation: %w", err)
	}
	log = log.WithField("operation_id", op.ID)
	span.SetAttributes(attribute.String("operation_id", op.ID.String()))

	var res *applyResult
	err = retry.WithAttempts(ctx, c.cfg.Retry, func(ctx context.Context, attempt uint64) error {
		op.AttemptCount = int(attempt)
		actx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()
		r, err := c.apply(actx, req.ModifiedAt, op, snap)
		if err != nil {
			metrics.SyncAttemptsTotal.WithLabelValues("failure").Inc()
			if isNotFound(err) {
				return retry.Permanent(err)
			}
			return err
		}
		metrics.SyncAttemptsTotal.WithLabelValues("success").Inc()
		res = r
		return nil
	}, "synchronize linkage "+l.ID.String())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return c.fail(ctx, op, err)
	}
	return c.commit(ctx, log, op, snap, res)
}

// apply runs one attempt: read the counterpart, resolve every field and write
// what needs writing.
func (c *Coordinator) apply(ctx context.Context, modifiedAt time.Time, op *Operation, snap *Snapshot) (*applyResult, error) {
	counter := op.Origin.Counterpart()
	dst, err := c.registries[counter].Read(ctx, op.CounterpartKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s record %s: %w", counter, op.CounterpartKey, err)
	}
	if op.Previous == nil {
		op.Previous = make(registry.Fields, len(op.Deltas))
		for k := range op.Deltas {
			op.Previous[k] = dst.Fields[k]
		}
		// the pre-image must be durable before the first write
		if err := c.ops.Save(ctx, op); err != nil {
			return nil, fmt.Errorf("failed to journal pre-image: %w", err)
		}
	}

	originTime := func(string) time.Time { return modifiedAt }
	if modifiedAt.IsZero() {
		src, err := c.registries[op.Origin].Read(ctx, op.OriginKey)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s record %s: %w", op.Origin, op.OriginKey, err)
		}
		originTime = src.FieldTime
	}

	res := &applyResult{
		toCounter: make(registry.Fields),
		toOrigin:  make(registry.Fields),
		current:   dst.Fields,
	}
	for _, originField := range sortedKeys(op.OriginDeltas) {
		counterField, _ := c.mapping.Counterpart(op.Origin, originField)
		src := conflict.Side{
			Value:      op.OriginDeltas[originField],
			ModifiedAt: originTime(originField),
			Synced:     snap.value(op.Origin, originField),
		}
		other := conflict.Side{
			Value:      dst.Fields[counterField],
			ModifiedAt: dst.FieldTime(counterField),
			Synced:     snap.value(counter, counterField),
		}
		f := conflict.Field{Name: originField, RegistryField: counterField, Cadastral: src, Registry: other}
		if op.Origin == linkage.Registry {
			f = conflict.Field{Name: counterField, RegistryField: originField, Cadastral: other, Registry: src}
		}

		d := c.resolver.Resolve(op.LinkageID, op.Origin, f)
		res.decisions = append(res.decisions, fieldDecision{originField: originField, counterField: counterField, decision: d})
		switch {
		case d.Held(), d.InSync:
		case d.Winner == op.Origin:
			res.toCounter[counterField] = d.Value
		default:
			res.toOrigin[originField] = d.Value
		}
	}

	if len(res.toCounter) > 0 {
		if err := c.registries[counter].Write(ctx, op.CounterpartKey, res.toCounter); err != nil {
			return nil, fmt.Errorf("failed to write %s record %s: %w", counter, op.CounterpartKey, err)
		}
	}
	if len(res.toOrigin) > 0 {
		if op.OriginPrevious == nil {
			op.OriginPrevious = make(registry.Fields)
		}
		for k := range res.toOrigin {
			if _, ok := op.OriginPrevious[k]; !ok {
				op.OriginPrevious[k] = op.OriginDeltas[k]
			}
		}
		if err := c.ops.Save(ctx, op); err != nil {
			return nil, fmt.Errorf("failed to journal origin pre-image: %w", err)
		}
		if err := c.registries[op.Origin].Write(ctx, op.OriginKey, res.toOrigin); err != nil {
			return nil, fmt.Errorf("failed to write back to %s record %s: %w", op.Origin, op.OriginKey, err)
		}
	}
	return res, nil
}

func (c *Coordinator) commit(ctx context.Context, log *logrus.Entry, op *Operation, snap *Snapshot, res *applyResult) (*Outcome, error) {
	now := c.now()
	op.Error = ""
	op.complete(StatusApplied, now)
	if err := c.ops.Save(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to journal applied operation %s: %w", op.ID, err)
	}

	out := &Outcome{
		Operation:      op,
		Status:         StatusApplied,
		Written:        res.toCounter,
		BackPropagated: res.toOrigin,
	}
	next := nextSnapshot(op.LinkageID, snap, now)
	counter := op.Origin.Counterpart()
	for _, fd := range res.decisions {
		d := fd.decision
		if rec := d.Record; rec != nil {
			if err := c.conflicts.Save(ctx, rec); err != nil {
				return nil, fmt.Errorf("failed to record conflict on %s: %w", fd.originField, err)
			}
			metrics.ConflictsTotal.WithLabelValues(string(rec.Resolution)).Inc()
			out.Conflicts = append(out.Conflicts, *rec)
			if d.Held() {
				out.FieldConflicts = append(out.FieldConflicts, &conflict.FieldConflictError{
					LinkageID: op.LinkageID, Field: fd.originField, ID: rec.ID,
				})
				log.WithField("field", fd.originField).Warn("Field held for manual adjudication")
				continue
			}
		}
		originValue, counterValue := d.Value, d.Value
		if d.InSync {
			counterValue = res.current[fd.counterField]
		}
		next.side(op.Origin)[fd.originField] = originValue
		next.side(counter)[fd.counterField] = counterValue
	}
	if err := c.snapshots.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to save snapshot for linkage %s: %w", op.LinkageID, err)
	}

	// the linkage registry is updated last
	if err := c.linkages.MarkSynced(ctx, op.LinkageID, now, op.Origin); err != nil {
		return nil, fmt.Errorf("failed to mark linkage %s synced: %w", op.LinkageID, err)
	}
	metrics.SyncOperationsTotal.WithLabelValues(string(ModeSync), string(StatusApplied)).Inc()
	log.WithFields(logrus.Fields{
		"attempts":        op.AttemptCount,
		"written":         len(res.toCounter),
		"back_propagated": len(res.toOrigin),
		"conflicts":       len(out.Conflicts),
	}).Info("Synchronization applied")
	return out, nil
}

// fail finalizes an operation that did not apply: rollback, mark the linkage
// as error and escalate.
func (c *Coordinator) fail(ctx context.Context, op *Operation, cause error) (*Outcome, error) {
	// compensation must run even when the caller gave up
	ctx = context.WithoutCancel(ctx)
	log := logrus.WithFields(logrus.Fields{
		"linkage_id":   op.LinkageID,
		"operation_id": op.ID,
		"attempts":     op.AttemptCount,
	})

	op.Error = cause.Error()
	op.complete(StatusFailed, c.now())
	if err := c.ops.Save(ctx, op); err != nil {
		log.WithError(err).Error("Failed to journal failed operation")
	}
	syncErr := &SyncFailure{LinkageID: op.LinkageID, OperationID: op.ID, Attempts: op.AttemptCount, Err: cause}
	out := &Outcome{Operation: op, Status: StatusFailed, Err: syncErr}
	var result error = syncErr

	esc := Escalation{
		LinkageID:   op.LinkageID,
		OperationID: op.ID,
		Origin:      op.Origin,
		Reason:      ReasonSyncFailed,
		Error:       cause.Error(),
	}
	if rbErr := c.compensate(ctx, op); rbErr != nil {
		rf := &RollbackFailure{LinkageID: op.LinkageID, OperationID: op.ID, Cause: cause, Err: rbErr}
		out.Err, result = rf, rf
		esc.Reason, esc.RollbackFailed, esc.Error = ReasonRollbackFailed, true, rf.Error()
		log.WithError(rf).Error("Rollback failed, manual intervention required")
	} else {
		op.complete(StatusRolledBack, c.now())
		out.Status = StatusRolledBack
		if err := c.ops.Save(ctx, op); err != nil {
			log.WithError(err).Error("Failed to journal rolled back operation")
		}
		log.WithError(cause).Warn("Synchronization failed and was rolled back")
	}

	if err := c.linkages.MarkError(ctx, op.LinkageID); err != nil {
		log.WithError(err).Error("Failed to mark linkage as error")
	}
	metrics.SyncOperationsTotal.WithLabelValues(string(op.Mode), string(out.Status)).Inc()
	c.escalate(ctx, esc)
	return out, result
}

// compensate restores every field the operation may have changed. Each
// registry gets a single bounded attempt.
func (c *Coordinator) compensate(ctx context.Context, op *Operation) error {
	counter := op.Origin.Counterpart()
	if err := c.restore(ctx, counter, op.CounterpartKey, op.Previous); err != nil {
		metrics.RollbacksTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("failed to restore %s record %s: %w", counter, op.CounterpartKey, err)
	}
	if err := c.restore(ctx, op.Origin, op.OriginKey, op.OriginPrevious); err != nil {
		metrics.RollbacksTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("failed to restore %s record %s: %w", op.Origin, op.OriginKey, err)
	}
	metrics.RollbacksTotal.WithLabelValues("success").Inc()
	return nil
}

func (c *Coordinator) restore(ctx context.Context, side linkage.Origin, key string, previous registry.Fields) error {
	if key == "" || len(previous) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()
	reg := c.registries[side]
	cur, err := reg.Read(ctx, key)
	if err != nil {
		return err
	}
	revert := make(registry.Fields)
	for k, v := range previous {
		if cur.Fields[k] != v {
			revert[k] = v
		}
	}
	if len(revert) == 0 {
		return nil
	}
	return reg.Write(ctx, key, revert)
}

func (c *Coordinator) escalate(ctx context.Context, e Escalation) {
	e.At = c.now()
	metrics.EscalationsTotal.WithLabelValues(e.Reason).Inc()
	log := logrus.WithFields(logrus.Fields{
		"linkage_id":   e.LinkageID,
		"operation_id": e.OperationID,
		"reason":       e.Reason,
	})
	if c.escalator == nil {
		log.Error("Escalation required but no escalator configured")
		return
	}
	if err := c.escalator.Escalate(ctx, e); err != nil {
		log.WithError(err).Error("Failed to enqueue escalation")
	}
}

// Rollback compensates the latest failed operation of a linkage in error.
func (c *Coordinator) Rollback(ctx context.Context, linkageID uuid.UUID) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "sync.Rollback", trace.WithAttributes(attribute.String("linkage_id", linkageID.String())))
	defer span.End()

	unlock, err := c.Lock(ctx, linkageID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	op, err := c.latestInError(ctx, linkageID)
	if err != nil {
		return nil, err
	}
	if op.Status != StatusFailed {
		return nil, fmt.Errorf("%w: latest operation %s is %s", ErrInvalidState, op.ID, op.Status)
	}
	if err := c.compensate(ctx, op); err != nil {
		rf := &RollbackFailure{LinkageID: linkageID, OperationID: op.ID, Err: err}
		c.escalate(ctx, Escalation{
			LinkageID: linkageID, OperationID: op.ID, Origin: op.Origin,
			Reason: ReasonRollbackFailed, RollbackFailed: true, Error: rf.Error(),
		})
		return &Outcome{Operation: op, Status: StatusFailed, Err: rf}, rf
	}
	op.complete(StatusRolledBack, c.now())
	if err := c.ops.Save(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to journal rollback of %s: %w", op.ID, err)
	}
	metrics.SyncOperationsTotal.WithLabelValues(string(op.Mode), string(StatusRolledBack)).Inc()
	logrus.WithFields(logrus.Fields{"linkage_id": linkageID, "operation_id": op.ID}).Info("Operation rolled back")
	return &Outcome{Operation: op, Status: StatusRolledBack}, nil
}

// Retry replays the latest unapplied operation of a linkage in error.
func (c *Coordinator) Retry(ctx context.Context, linkageID uuid.UUID) (*Outcome, error) {
	unlock, err := c.Lock(ctx, linkageID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	op, err := c.latestInError(ctx, linkageID)
	if err != nil {
		return nil, err
	}
	if op.Mode != ModeSync || (op.Status != StatusFailed && op.Status != StatusRolledBack) {
		return nil, fmt.Errorf("%w: latest operation %s (%s) cannot be retried", ErrInvalidState, op.ID, op.Status)
	}
	return c.synchronize(ctx, Request{
		LinkageID: linkageID,
		Origin:    op.Origin,
		Deltas:    op.OriginDeltas,
	}, op)
}

// refuseUnreverted rejects a change to a linkage in error whose latest
// operation failed without being rolled back, and escalates it so the change
// is not lost silently.
func (c *Coordinator) refuseUnreverted(ctx context.Context, log *logrus.Entry, linkageID uuid.UUID, req Request) error {
	op, err := c.ops.Latest(ctx, linkageID)
	if errors.Is(err, ErrNoOperation) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load latest operation of %s: %w", linkageID, err)
	}
	if op.Status != StatusFailed {
		return nil
	}
	refused := fmt.Errorf("%w: linkage %s has unreverted operation %s", ErrRollbackPending, linkageID, op.ID)
	log.WithField("operation_id", op.ID).
		WithField("fields", sortedKeys(req.Deltas)).
		Warn("Change refused until the failed operation is rolled back")
	c.escalate(ctx, Escalation{
		LinkageID:      linkageID,
		OperationID:    op.ID,
		Origin:         req.Origin,
		Reason:         ReasonChangeRefused,
		RollbackFailed: true,
		Error:          refused.Error(),
	})
	return refused
}

func (c *Coordinator) latestInError(ctx context.Context, linkageID uuid.UUID) (*Operation, error) {
	l, err := c.linkages.Get(ctx, linkageID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve linkage %s: %w", linkageID, err)
	}
	if l.SyncState != linkage.Error {
		return nil, fmt.Errorf("%w: linkage %s is %s", ErrInvalidState, linkageID, l.SyncState)
	}
	op, err := c.ops.Latest(ctx, linkageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest operation of %s: %w", linkageID, err)
	}
	return op, nil
}

// nextSnapshot copies snap into a fresh snapshot ready to be updated.
func nextSnapshot(linkageID uuid.UUID, snap *Snapshot, at time.Time) *Snapshot {
	next := &Snapshot{LinkageID: linkageID, Cadastral: registry.Fields{}, Registry: registry.Fields{}, SyncedAt: at}
	if snap != nil {
		for k, v := range snap.Cadastral {
			next.Cadastral[k] = v
		}
		for k, v := range snap.Registry {
			next.Registry[k] = v
		}
	}
	return next
}

func isNotFound(err error) bool { return errors.Is(err, registry.ErrNotFound) }

func sortedKeys(f registry.Fields) []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
