package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/munistream/puente/internal/decision"
	"github.com/munistream/puente/internal/linkage"
	"github.com/munistream/puente/internal/matching"
	"github.com/munistream/puente/internal/metrics"
	"github.com/munistream/puente/internal/registry"
	"github.com/munistream/puente/internal/sync"
)

// AutoLink looks for the counterpart of a record that has no linkage yet and
// acts on the decision: link and synchronize, propose for review, or create a
// counterpart stub. A record that is already linked is only described.
func (e *Engine) AutoLink(ctx context.Context, ch Change) (*StepResult, error) {
	if err := Validate(ch); err != nil {
		return nil, err
	}
	ctx, span := e.startSpan(ctx, StepAutoLink, ch.Origin, ch.Key)
	defer span.End()

	unlock, err := e.locker.Lock(ctx, recordLockKey(ch.Origin, ch.Key))
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s record %s: %w", ch.Origin, ch.Key, err)
	}
	defer unlock()

	res := &StepResult{Step: StepAutoLink}
	existing, err := e.Lookup(ctx, ch.Origin, ch.Key)
	switch {
	case err == nil:
		e.describe(res, existing, ch.Origin)
		return res, nil
	case !errors.Is(err, linkage.ErrNotFound):
		return nil, fmt.Errorf("failed to look up linkage of %s record %s: %w", ch.Origin, ch.Key, err)
	}
	return e.autoLinkLocked(ctx, span, res, ch)
}

// HandleChange is the entry point for change events: records with a linkage
// are synchronized, the others go through AutoLink.
func (e *Engine) HandleChange(ctx context.Context, ch Change) (*StepResult, error) {
	if err := Validate(ch); err != nil {
		return nil, err
	}
	ctx, span := e.startSpan(ctx, StepSync, ch.Origin, ch.Key)
	defer span.End()

	unlock, err := e.locker.Lock(ctx, recordLockKey(ch.Origin, ch.Key))
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s record %s: %w", ch.Origin, ch.Key, err)
	}
	defer unlock()

	existing, err := e.Lookup(ctx, ch.Origin, ch.Key)
	if errors.Is(err, linkage.ErrNotFound) {
		return e.autoLinkLocked(ctx, span, &StepResult{Step: StepAutoLink}, ch)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up linkage of %s record %s: %w", ch.Origin, ch.Key, err)
	}

	res, err := e.syncLinkage(ctx, &StepResult{Step: StepSync}, existing.ID, ch)
	if errors.Is(err, ErrReviewPending) {
		logrus.WithFields(logrus.Fields{
			"linkage_id": existing.ID,
			"origin":     ch.Origin,
		}).Info("Change ignored while linkage awaits review")
		return res, nil
	}
	return res, err
}

// Sync propagates a change of an already linked record.
func (e *Engine) Sync(ctx context.Context, ch Change) (*StepResult, error) {
	if err := Validate(ch); err != nil {
		return nil, err
	}
	ctx, span := e.startSpan(ctx, StepSync, ch.Origin, ch.Key)
	defer span.End()

	l, err := e.Lookup(ctx, ch.Origin, ch.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to look up linkage of %s record %s: %w", ch.Origin, ch.Key, err)
	}
	return e.syncLinkage(ctx, &StepResult{Step: StepSync}, l.ID, ch)
}

// Rollback compensates the last failed synchronization of a linkage in error.
func (e *Engine) Rollback(ctx context.Context, linkageID uuid.UUID) (*StepResult, error) {
	res := &StepResult{Step: StepRollback}
	res.setLinkage(linkageID)
	out, err := e.coordinator.Rollback(ctx, linkageID)
	res.Sync = out
	res.fail(err)
	return res, err
}

// Retry replays the last failed synchronization of a linkage in error.
func (e *Engine) Retry(ctx context.Context, linkageID uuid.UUID) (*StepResult, error) {
	res := &StepResult{Step: StepRetry}
	res.setLinkage(linkageID)
	out, err := e.coordinator.Retry(ctx, linkageID)
	res.Sync = out
	res.fail(err)
	return res, err
}

// ConflictResolve applies an operator's decision on a held field.
func (e *Engine) ConflictResolve(ctx context.Context, conflictID uuid.UUID, winner linkage.Origin) (*StepResult, error) {
	res := &StepResult{Step: StepConflictResolve}
	rec, err := e.coordinator.ResolveConflict(ctx, conflictID, winner)
	if rec != nil {
		res.Conflict = rec
		res.setLinkage(rec.LinkageID)
	}
	res.fail(err)
	return res, err
}

// Review confirms or rejects a linkage proposed for manual review. An
// approved linkage becomes manual with score 100 and is synchronized; a
// rejected one gets a counterpart stub instead.
func (e *Engine) Review(ctx context.Context, linkageID uuid.UUID, approved bool) (*StepResult, error) {
	ctx, span := tracer.Start(ctx, "engine.review", trace.WithAttributes(
		attribute.String("linkage_id", linkageID.String()),
		attribute.Bool("approved", approved),
	))
	defer span.End()

	unlock, err := e.coordinator.Lock(ctx, linkageID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	l, err := e.linkages.Get(ctx, linkageID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve linkage %s: %w", linkageID, err)
	}
	if !e.awaitingReview(l) {
		return nil, fmt.Errorf("%w: linkage %s is not awaiting review", ErrInvalidState, linkageID)
	}
	origin := l.LastChangeOrigin
	counter := origin.Counterpart()
	src, err := e.coordinator.Registry(origin).Read(ctx, l.Key(origin))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s record %s: %w", origin, l.Key(origin), err)
	}

	res := &StepResult{Step: StepReview}
	res.setLinkage(l.ID)
	log := logrus.WithFields(logrus.Fields{"linkage_id": l.ID, "approved": approved})

	if !approved {
		rejected := l.Key(counter)
		l.SetKey(counter, "")
		l.LastUpdatedAt = e.now()
		if err := e.linkages.Upsert(ctx, l); err != nil {
			return nil, fmt.Errorf("failed to release %s record %s: %w", counter, rejected, err)
		}
		account := ""
		if origin == linkage.Cadastral {
			account = l.CadastralAccount
		}
		res.LinkingDecision = decision.CreateNew
		out, err := e.coordinator.CreateLocked(ctx, sync.CreateRequest{
			Origin:        origin,
			SourceKey:     l.Key(origin),
			SourceAccount: account,
			Fields:        src.Fields,
			LinkageID:     l.ID,
		})
		res.Create = out
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			res.fail(err)
			return res, err
		}
		res.LinkingPerformed = true
		res.LinkedRecord = out.StubKey
		log.WithField("rejected", rejected).Info("Proposed linkage rejected, counterpart stub created")
		return res, nil
	}

	l.LinkMethod = linkage.Manual
	l.LinkScore = 100
	l.LastUpdatedAt = e.now()
	if err := e.linkages.Upsert(ctx, l); err != nil {
		return nil, fmt.Errorf("failed to confirm linkage %s: %w", l.ID, err)
	}
	res.LinkingPerformed = true
	res.LinkingDecision = decision.AutoLink
	res.MatchScore = 100
	res.LinkedRecord = l.Key(counter)
	log.Info("Proposed linkage approved")

	deltas := make(registry.Fields)
	for _, f := range e.coordinator.Mapping().Fields(origin) {
		if v, ok := src.Fields[f]; ok {
			deltas[f] = v
		}
	}
	err = e.syncLocked(ctx, res, l, sync.Request{LinkageID: l.ID, Origin: origin, Deltas: deltas})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (e *Engine) autoLinkLocked(ctx context.Context, span trace.Span, res *StepResult, ch Change) (*StepResult, error) {
	counter := ch.Origin.Counterpart()
	source := IdentityOf(ch.Origin, ch.Fields)
	records, err := e.coordinator.Registry(counter).Find(ctx, registry.Criteria{
		Name:           source.Name,
		Address:        source.Address,
		CrossReference: source.CrossReference,
		Limit:          e.candidateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search %s candidates: %w", counter, err)
	}

	candidates := make([]matching.Candidate, 0, len(records))
	byRef := make(map[string]registry.Record, len(records))
	for _, r := range records {
		c := matching.Candidate{Ref: r.Key, Identity: IdentityOf(counter, r.Fields)}
		if _, err := e.Lookup(ctx, counter, r.Key); err == nil {
			c.Linked = true
		} else if !errors.Is(err, linkage.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up linkage of candidate %s: %w", r.Key, err)
		}
		candidates = append(candidates, c)
		byRef[r.Key] = r
	}

	best, err := matching.Best(source, candidates)
	found := !errors.Is(err, matching.ErrNoCandidates)
	action := e.policy.Decide(best.Composite, found)
	res.LinkingDecision = action
	res.MatchScore = best.Composite
	if found {
		res.Match = &best
		metrics.MatchScore.WithLabelValues(string(ch.Origin)).Observe(best.Composite)
	}
	metrics.LinkageDecisionsTotal.WithLabelValues(string(ch.Origin), string(action)).Inc()
	span.SetAttributes(attribute.String("decision", string(action)), attribute.Float64("score", best.Composite))
	logrus.WithFields(logrus.Fields{
		"origin":     ch.Origin,
		"key":        ch.Key,
		"candidates": len(candidates),
		"candidate":  best.Ref,
		"score":      best.Composite,
		"decision":   action,
	}).Info("Linkage decision taken")

	switch action {
	case decision.AutoLink:
		return e.link(ctx, res, ch, best, byRef[best.Ref])
	case decision.ManualReview:
		return e.propose(ctx, res, ch, best, byRef[best.Ref])
	default:
		return e.create(ctx, res, ch)
	}
}

func (e *Engine) newLinkage(ch Change, best matching.Match, candidate registry.Record) *linkage.PropertyLinkage {
	l := &linkage.PropertyLinkage{
		ID:               uuid.New(),
		SyncState:        linkage.Pending,
		LastUpdatedAt:    e.now(),
		LastChangeOrigin: ch.Origin,
		LinkScore:        best.Composite,
		LinkMethod:       linkage.Automatic,
	}
	l.SetKey(ch.Origin, ch.Key)
	l.SetKey(ch.Origin.Counterpart(), best.Ref)
	if ch.Origin == linkage.Cadastral {
		l.CadastralAccount = cadastralAccount(ch)
	} else {
		l.CadastralAccount = candidate.Fields[sync.CadastralAccountField]
	}
	return l
}

// link persists an automatic linkage and synchronizes the change. The
// linkage stays pending until the counterpart accepted the write.
func (e *Engine) link(ctx context.Context, res *StepResult, ch Change, best matching.Match, candidate registry.Record) (*StepResult, error) {
	l := e.newLinkage(ch, best, candidate)
	unlock, err := e.coordinator.Lock(ctx, l.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := e.linkages.Upsert(ctx, l); err != nil {
		res.fail(err)
		return res, fmt.Errorf("failed to persist linkage to %s: %w", best.Ref, err)
	}
	res.setLinkage(l.ID)
	res.LinkingPerformed = true
	res.LinkedRecord = best.Ref

	err = e.syncLocked(ctx, res, l, sync.Request{
		LinkageID:  l.ID,
		Origin:     ch.Origin,
		Deltas:     ch.deltas(),
		ModifiedAt: ch.ModifiedAt,
		Previous:   ch.Previous,
	})
	return res, err
}

// propose persists a pending linkage and asks an operator to review it.
// Neither registry is written.
func (e *Engine) propose(ctx context.Context, res *StepResult, ch Change, best matching.Match, candidate registry.Record) (*StepResult, error) {
	l := e.newLinkage(ch, best, candidate)
	if err := e.linkages.Upsert(ctx, l); err != nil {
		res.fail(err)
		return res, fmt.Errorf("failed to persist proposed linkage to %s: %w", best.Ref, err)
	}
	res.setLinkage(l.ID)
	res.RequiresManualReview = true
	res.LinkedRecord = best.Ref

	task := ReviewTask{
		LinkageID:    l.ID,
		Origin:       ch.Origin,
		SourceKey:    ch.Key,
		CandidateRef: best.Ref,
		Score:        best.Composite,
		Match:        &best,
		RequestedAt:  e.now(),
	}
	log := logrus.WithFields(logrus.Fields{"linkage_id": l.ID, "candidate": best.Ref, "score": best.Composite})
	if e.notifier == nil {
		log.Warn("Linkage needs manual review")
		return res, nil
	}
	if err := e.notifier.ReviewRequested(ctx, task); err != nil {
		log.WithError(err).Error("Failed to request manual review")
	}
	return res, nil
}

func (e *Engine) create(ctx context.Context, res *StepResult, ch Change) (*StepResult, error) {
	out, err := e.coordinator.Create(ctx, sync.CreateRequest{
		Origin:        ch.Origin,
		SourceKey:     ch.Key,
		SourceAccount: cadastralAccount(ch),
		Fields:        ch.Fields,
	})
	res.Create = out
	if err != nil {
		res.fail(err)
		return res, err
	}
	res.setLinkage(out.Linkage.ID)
	res.LinkingPerformed = true
	res.LinkedRecord = out.StubKey
	return res, nil
}

func (e *Engine) syncLinkage(ctx context.Context, res *StepResult, id uuid.UUID, ch Change) (*StepResult, error) {
	unlock, err := e.coordinator.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	l, err := e.linkages.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve linkage %s: %w", id, err)
	}
	res.setLinkage(l.ID)
	res.MatchScore = l.LinkScore
	res.LinkedRecord = l.Key(ch.Origin.Counterpart())
	if e.awaitingReview(l) {
		res.RequiresManualReview = true
		res.LinkingDecision = decision.ManualReview
		return res, fmt.Errorf("%w: linkage %s", ErrReviewPending, l.ID)
	}
	err = e.syncLocked(ctx, res, l, sync.Request{
		LinkageID:  l.ID,
		Origin:     ch.Origin,
		Deltas:     ch.deltas(),
		ModifiedAt: ch.ModifiedAt,
		Previous:   ch.Previous,
	})
	return res, err
}

// syncLocked synchronizes a linkage whose lock the caller holds. A pending
// linkage with nothing to propagate is marked synced directly.
func (e *Engine) syncLocked(ctx context.Context, res *StepResult, l *linkage.PropertyLinkage, req sync.Request) error {
	out, err := e.coordinator.SynchronizeLocked(ctx, req)
	res.Sync = out
	if err != nil {
		res.fail(err)
		return err
	}
	if out.NoOp && l.SyncState == linkage.Pending {
		if err := e.linkages.MarkSynced(ctx, l.ID, e.now(), req.Origin); err != nil {
			return fmt.Errorf("failed to mark linkage %s synced: %w", l.ID, err)
		}
	}
	return nil
}

func (e *Engine) describe(res *StepResult, l *linkage.PropertyLinkage, origin linkage.Origin) {
	res.setLinkage(l.ID)
	res.MatchScore = l.LinkScore
	res.LinkedRecord = l.Key(origin.Counterpart())
	res.LinkingDecision = e.policy.Decide(l.LinkScore, true)
	if l.LinkMethod != linkage.Automatic {
		res.LinkingDecision = decision.AutoLink
	}
	res.RequiresManualReview = e.awaitingReview(l)
}

func (e *Engine) startSpan(ctx context.Context, step Step, o linkage.Origin, key string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "engine."+string(step), trace.WithAttributes(
		attribute.String("origin", string(o)),
		attribute.String("key", key),
	))
}

func cadastralAccount(ch Change) string {
	if ch.Origin != linkage.Cadastral {
		return ""
	}
	if ch.Account != "" {
		return ch.Account
	}
	return ch.Fields[sync.CadastralAccountField]
}
