package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/munistream/puente/internal/conflict"
	"github.com/munistream/puente/internal/linkage"
	"github.com/munistream/puente/internal/metrics"
	"github.com/munistream/puente/internal/registry"
	"github.com/munistream/puente/internal/retry"
)

// CreateRequest asks for a counterpart stub of a record with no match.
type CreateRequest struct {
	Origin        linkage.Origin
	SourceKey     string
	SourceAccount string
	// Fields are the source record's fields as the origin names them.
	Fields registry.Fields
	// LinkageID reuses an existing linkage, e.g. after a rejected review.
	LinkageID uuid.UUID
}

// CreateOutcome reports the stub created and the linkage persisted.
type CreateOutcome struct {
	Operation *Operation               `json:"operation"`
	Linkage   *linkage.PropertyLinkage `json:"linkage,omitempty"`
	StubKey   string                   `json:"stub_key,omitempty"`
	Status    Status                   `json:"status"`
	Err       error                    `json:"-"`
}

// Create makes a minimal counterpart record and persists a fresh linkage to
// it. It calls the counterpart once: a failure leaves no linkage behind and
// retrying is up to the caller.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*CreateOutcome, error) {
	if req.LinkageID == uuid.Nil {
		req.LinkageID = uuid.New()
	}
	unlock, err := c.Lock(ctx, req.LinkageID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return c.CreateLocked(ctx, req)
}

// CreateLocked is Create for callers already holding the lock of
// req.LinkageID.
func (c *Coordinator) CreateLocked(ctx context.Context, req CreateRequest) (*CreateOutcome, error) {
	if !req.Origin.Valid() {
		return nil, fmt.Errorf("invalid origin %q", req.Origin)
	}
	if req.SourceKey == "" {
		return nil, fmt.Errorf("%w: empty source key", linkage.ErrInvalidLinkage)
	}
	if req.LinkageID == uuid.Nil {
		return nil, fmt.Errorf("%w: create requires a linkage id", linkage.ErrInvalidLinkage)
	}
	id := req.LinkageID
	ctx, span := tracer.Start(ctx, "sync.Create", trace.WithAttributes(
		attribute.String("linkage_id", id.String()),
		attribute.String("origin", string(req.Origin)),
	))
	defer span.End()
	started := time.Now()
	defer func() {
		metrics.SyncDuration.WithLabelValues(string(ModeCreate)).Observe(time.Since(started).Seconds())
	}()

	counter := req.Origin.Counterpart()
	stub := c.mapping.StubFields(req.Origin, req.SourceKey, req.SourceAccount, req.Fields)
	op := &Operation{
		ID:           uuid.New(),
		LinkageID:    id,
		Origin:       req.Origin,
		Mode:         ModeCreate,
		OriginKey:    req.SourceKey,
		OriginDeltas: req.Fields.Clone(),
		Deltas:       stub,
		Status:       StatusPending,
		StartedAt:    c.now(),
	}
	if err := c.ops.Save(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to journal create operation: %w", err)
	}
	log := logrus.WithFields(logrus.Fields{
		"linkage_id":   id,
		"operation_id": op.ID,
		"origin":       req.Origin,
	})

	op.AttemptCount = 1
	cctx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	key, err := c.registries[counter].Create(cctx, stub)
	cancel()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		op.Error = err.Error()
		op.complete(StatusFailed, c.now())
		if serr := c.ops.Save(context.WithoutCancel(ctx), op); serr != nil {
			log.WithError(serr).Error("Failed to journal failed create operation")
		}
		metrics.SyncOperationsTotal.WithLabelValues(string(ModeCreate), string(StatusFailed)).Inc()
		log.WithError(err).Warn("Counterpart stub creation failed")
		sf := &SyncFailure{LinkageID: id, OperationID: op.ID, Attempts: 1, Err: err}
		return &CreateOutcome{Operation: op, Status: StatusFailed, Err: sf}, sf
	}
	op.CounterpartKey = key

	now := c.now()
	l := &linkage.PropertyLinkage{
		ID:               id,
		SyncState:        linkage.Synced,
		LastUpdatedAt:    now,
		LastChangeOrigin: req.Origin,
		LinkScore:        0,
		LinkMethod:       linkage.Automatic,
	}
	l.SetKey(req.Origin, req.SourceKey)
	l.SetKey(counter, key)
	if req.Origin == linkage.Cadastral {
		l.CadastralAccount = req.SourceAccount
	}

	snap := nextSnapshot(id, nil, now)
	for _, f := range c.mapping.Fields(req.Origin) {
		v, ok := req.Fields[f]
		if !ok {
			continue
		}
		cf, _ := c.mapping.Counterpart(req.Origin, f)
		snap.side(req.Origin)[f] = v
		snap.side(counter)[cf] = v
	}
	if err := c.snapshots.Save(ctx, snap); err != nil {
		return nil, c.orphan(ctx, op, fmt.Errorf("failed to save snapshot: %w", err))
	}
	op.complete(StatusApplied, now)
	if err := c.ops.Save(ctx, op); err != nil {
		return nil, c.orphan(ctx, op, fmt.Errorf("failed to journal applied create: %w", err))
	}
	// the linkage registry is updated last
	if err := c.linkages.Upsert(ctx, l); err != nil {
		return nil, c.orphan(ctx, op, fmt.Errorf("failed to persist linkage: %w", err))
	}
	metrics.SyncOperationsTotal.WithLabelValues(string(ModeCreate), string(StatusApplied)).Inc()
	log.WithField("stub_key", key).Info("Counterpart stub created and linked")
	return &CreateOutcome{Operation: op, Linkage: l, StubKey: key, Status: StatusApplied}, nil
}

// orphan escalates a stub that exists in the counterpart registry without a
// linkage pointing to it.
func (c *Coordinator) orphan(ctx context.Context, op *Operation, err error) error {
	c.escalate(context.WithoutCancel(ctx), Escalation{
		LinkageID:   op.LinkageID,
		OperationID: op.ID,
		Origin:      op.Origin,
		Reason:      ReasonOrphanStub,
		Error:       err.Error(),
	})
	return err
}

// ResolveConflict applies an operator's choice for a held field: the winning
// side's value is written to the other side.
func (c *Coordinator) ResolveConflict(ctx context.Context, conflictID uuid.UUID, winner linkage.Origin) (*conflict.Record, error) {
	if !winner.Valid() {
		return nil, fmt.Errorf("invalid winner %q", winner)
	}
	rec, err := c.conflicts.Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "sync.ResolveConflict", trace.WithAttributes(
		attribute.String("linkage_id", rec.LinkageID.String()),
		attribute.String("conflict_id", conflictID.String()),
	))
	defer span.End()

	unlock, err := c.Lock(ctx, rec.LinkageID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// re-read under the lock
	rec, err = c.conflicts.Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if rec.Resolution != conflict.Unresolved {
		return nil, fmt.Errorf("%w: conflict %s is already %s", ErrInvalidState, conflictID, rec.Resolution)
	}
	l, err := c.linkages.Get(ctx, rec.LinkageID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve linkage %s: %w", rec.LinkageID, err)
	}
	loser := winner.Counterpart()
	if l.Key(loser) == "" {
		return nil, fmt.Errorf("%w: linkage %s", ErrNoCounterpart, l.ID)
	}

	value := rec.Value(winner)
	loserField := rec.FieldName
	if loser == linkage.Registry {
		loserField = rec.RegistryField
	}
	err = retry.WithOperation(ctx, c.cfg.Retry, func() error {
		actx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()
		if err := c.registries[loser].Write(actx, l.Key(loser), registry.Fields{loserField: value}); err != nil {
			if isNotFound(err) {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	}, "resolve conflict "+conflictID.String())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, &SyncFailure{LinkageID: l.ID, Attempts: int(c.cfg.Retry.MaxRetries) + 1, Err: err}
	}

	now := c.now()
	snapPrev, err := c.snapshots.Get(ctx, l.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for linkage %s: %w", l.ID, err)
	}
	snap := nextSnapshot(l.ID, snapPrev, now)
	snap.Cadastral[rec.FieldName] = value
	snap.Registry[rec.RegistryField] = value
	if err := c.snapshots.Save(ctx, snap); err != nil {
		return nil, fmt.Errorf("failed to save snapshot for linkage %s: %w", l.ID, err)
	}

	rec.Resolution = conflict.ManuallyResolved
	rec.Winner = winner
	rec.ResolvedValue = value
	rec.ResolvedAt = &now
	if err := c.conflicts.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save conflict %s: %w", conflictID, err)
	}
	metrics.ConflictsTotal.WithLabelValues(string(conflict.ManuallyResolved)).Inc()
	logrus.WithFields(logrus.Fields{
		"linkage_id":  l.ID,
		"conflict_id": conflictID,
		"field":       rec.FieldName,
		"winner":      winner,
	}).Info("Conflict resolved manually")
	return rec, nil
}
