// Package engine exposes the linkage steps the host orchestrator dispatches:
// AutoLink, Sync, Rollback, ConflictResolve, Retry and Review. Each step is a
// function over the matching engine, the decision policy, the linkage
// registry and the synchronization coordinator.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/munistream/puente/internal/conflict"
	"github.com/munistream/puente/internal/decision"
	"github.com/munistream/puente/internal/linkage"
	"github.com/munistream/puente/internal/lock"
	"github.com/munistream/puente/internal/matching"
	"github.com/munistream/puente/internal/registry"
	"github.com/munistream/puente/internal/sync"
)

var tracer = otel.Tracer("github.com/munistream/puente/internal/engine")

var (
	// ErrReviewPending is returned when a linkage waits for manual review and
	// must not be synchronized.
	ErrReviewPending = errors.New("linkage awaits manual review")
	// ErrInvalidState is returned for steps the linkage state does not allow.
	ErrInvalidState = errors.New("linkage state does not allow this step")
)

// DefaultCandidateLimit bounds how many counterpart records are scored.
const DefaultCandidateLimit = 50

// Step tags a linkage step.
type Step string

const (
	StepAutoLink        Step = "auto_link"
	StepSync            Step = "sync"
	StepRollback        Step = "rollback"
	StepConflictResolve Step = "conflict_resolve"
	StepRetry           Step = "retry"
	StepReview          Step = "review"
)

// Change is a record change reported by one registry.
type Change struct {
	Origin linkage.Origin `json:"origin" validate:"required,oneof=cadastral registry"`
	// Key is the clave catastral or the folio real of the changed record.
	Key     string `json:"key" validate:"required,max=64"`
	Account string `json:"account,omitempty" validate:"omitempty,cuenta_catastral"`
	// Fields is the full record as the origin registry names its fields.
	Fields registry.Fields `json:"fields"`
	// Deltas are the changed fields. Empty means every field in Fields.
	Deltas registry.Fields `json:"deltas,omitempty"`
	// Previous holds the values before the change, for atomic rollback.
	Previous   registry.Fields `json:"previous,omitempty"`
	ModifiedAt time.Time       `json:"modified_at,omitempty"`
}

func (c Change) deltas() registry.Fields {
	if len(c.Deltas) > 0 {
		return c.Deltas
	}
	return c.Fields
}

// ReviewTask asks an operator to confirm or reject a proposed linkage.
type ReviewTask struct {
	LinkageID    uuid.UUID       `json:"linkage_id"`
	Origin       linkage.Origin  `json:"origin"`
	SourceKey    string          `json:"source_key"`
	CandidateRef string          `json:"candidate_ref"`
	Score        float64         `json:"score"`
	Match        *matching.Match `json:"match,omitempty"`
	RequestedAt  time.Time       `json:"requested_at"`
}

// Notifier surfaces review tasks and escalations to operators.
type Notifier interface {
	sync.Escalator
	ReviewRequested(ctx context.Context, task ReviewTask) error
}

// StepResult is the structured result returned to the host orchestrator.
type StepResult struct {
	Step                 Step                `json:"step"`
	LinkingPerformed     bool                `json:"linking_performed"`
	MatchScore           float64             `json:"match_score"`
	LinkingDecision      decision.Action     `json:"linking_decision,omitempty"`
	LinkedRecord         string              `json:"linked_record,omitempty"`
	RequiresManualReview bool                `json:"requires_manual_review"`
	LinkageID            *uuid.UUID          `json:"linkage_id,omitempty"`
	Match                *matching.Match     `json:"match,omitempty"`
	Sync                 *sync.Outcome       `json:"sync,omitempty"`
	Create               *sync.CreateOutcome `json:"create,omitempty"`
	Conflict             *conflict.Record    `json:"conflict,omitempty"`
	Error                string              `json:"error,omitempty"`
}

func (r *StepResult) setLinkage(id uuid.UUID) {
	r.LinkageID = &id
}

func (r *StepResult) fail(err error) {
	if err != nil {
		r.Error = err.Error()
	}
}

// identityFields names the fields holding a property's identity in one registry.
type identityFields struct {
	name, address, surface, crossRef string
}

var identities = map[linkage.Origin]identityFields{
	linkage.Cadastral: {
		name:     "nombre_propietario",
		address:  "direccion_inmueble",
		surface:  "superficie_terreno",
		crossRef: sync.CadastralFolioField,
	},
	linkage.Registry: {
		name:     "propietario_registral",
		address:  "direccion_registral",
		surface:  "superficie_registral",
		crossRef: sync.RegistryKeyField,
	},
}

// IdentityOf extracts the matching identity from a record of registry o.
func IdentityOf(o linkage.Origin, fields registry.Fields) matching.Identity {
	f := identities[o]
	return matching.Identity{
		Name:           fields[f.name],
		Address:        fields[f.address],
		Surface:        fields[f.surface],
		CrossReference: fields[f.crossRef],
	}
}

// Engine runs linkage steps.
type Engine struct {
	linkages       linkage.Store
	coordinator    *sync.Coordinator
	policy         decision.Policy
	locker         lock.Locker
	notifier       Notifier
	candidateLimit int
	now            func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the decision thresholds.
func WithPolicy(p decision.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithLocker sets the locker used for per-record mutual exclusion before a
// linkage exists. Use the same locker as the coordinator.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithCandidateLimit bounds the candidate search.
func WithCandidateLimit(n int) Option {
	return func(e *Engine) { e.candidateLimit = n }
}

// New creates an engine. notifier may be nil, in which case review tasks are
// only logged.
func New(linkages linkage.Store, c *sync.Coordinator, notifier Notifier, opts ...Option) *Engine {
	e := &Engine{
		linkages:       linkages,
		coordinator:    c,
		policy:         decision.DefaultPolicy(),
		notifier:       notifier,
		candidateLimit: DefaultCandidateLimit,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.locker == nil {
		e.locker = lock.NewKeyedMutex()
	}
	return e
}

// Policy returns the decision policy in use.
func (e *Engine) Policy() decision.Policy { return e.policy }

// Linkage returns a linkage by id.
func (e *Engine) Linkage(ctx context.Context, id uuid.UUID) (*linkage.PropertyLinkage, error) {
	return e.linkages.Get(ctx, id)
}

// Conflicts lists the conflict records of a linkage.
func (e *Engine) Conflicts(ctx context.Context, id uuid.UUID) ([]conflict.Record, error) {
	if _, err := e.linkages.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.coordinator.Conflicts(ctx, id)
}

// Lookup returns the linkage holding key on registry o.
func (e *Engine) Lookup(ctx context.Context, o linkage.Origin, key string) (*linkage.PropertyLinkage, error) {
	return linkage.FindByKey(ctx, e.linkages, o, key)
}

// awaitingReview reports whether l was proposed by the matcher and is not
// confirmed yet.
func (e *Engine) awaitingReview(l *linkage.PropertyLinkage) bool {
	return l.SyncState == linkage.Pending &&
		l.LinkMethod == linkage.Automatic &&
		l.Complete() &&
		e.policy.AwaitingReview(l.LinkScore)
}

func recordLockKey(o linkage.Origin, key string) string {
	return lock.Key(string(o), key)
}
