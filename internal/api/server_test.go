package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/munistream/puente/internal/conflict"
	"github.com/munistream/puente/internal/decision"
	"github.com/munistream/puente/internal/engine"
	"github.com/munistream/puente/internal/linkage"
	"github.com/munistream/puente/internal/sync"
)

type fakeSteps struct {
	changes   []engine.Change
	rollbacks []uuid.UUID
	reviews   map[uuid.UUID]bool
	winner    linkage.Origin
	linkages  map[uuid.UUID]*linkage.PropertyLinkage
	err       error
	result    *engine.StepResult
}

func newFakeSteps() *fakeSteps {
	return &fakeSteps{
		reviews:  make(map[uuid.UUID]bool),
		linkages: make(map[uuid.UUID]*linkage.PropertyLinkage),
	}
}

func (f *fakeSteps) step(s engine.Step) (*engine.StepResult, error) {
	res := f.result
	if res == nil {
		res = &engine.StepResult{Step: s}
	}
	return res, f.err
}

func (f *fakeSteps) AutoLink(_ context.Context, ch engine.Change) (*engine.StepResult, error) {
	f.changes = append(f.changes, ch)
	return f.step(engine.StepAutoLink)
}

func (f *fakeSteps) Sync(_ context.Context, ch engine.Change) (*engine.StepResult, error) {
	f.changes = append(f.changes, ch)
	return f.step(engine.StepSync)
}

func (f *fakeSteps) Rollback(_ context.Context, id uuid.UUID) (*engine.StepResult, error) {
	f.rollbacks = append(f.rollbacks, id)
	return f.step(engine.StepRollback)
}

func (f *fakeSteps) Retry(context.Context, uuid.UUID) (*engine.StepResult, error) {
	return f.step(engine.StepRetry)
}

func (f *fakeSteps) Review(_ context.Context, id uuid.UUID, approved bool) (*engine.StepResult, error) {
	f.reviews[id] = approved
	return f.step(engine.StepReview)
}

func (f *fakeSteps) ConflictResolve(_ context.Context, _ uuid.UUID, winner linkage.Origin) (*engine.StepResult, error) {
	f.winner = winner
	return f.step(engine.StepConflictResolve)
}

func (f *fakeSteps) Dispatch(_ context.Context, inv engine.Invocation) (*engine.StepResult, error) {
	return f.step(inv.Step)
}

func (f *fakeSteps) Linkage(_ context.Context, id uuid.UUID) (*linkage.PropertyLinkage, error) {
	l, ok := f.linkages[id]
	if !ok {
		return nil, linkage.ErrNotFound
	}
	return l, nil
}

func (f *fakeSteps) Lookup(_ context.Context, o linkage.Origin, key string) (*linkage.PropertyLinkage, error) {
	for _, l := range f.linkages {
		if l.Key(o) == key {
			return l, nil
		}
	}
	return nil, linkage.ErrNotFound
}

func (f *fakeSteps) Conflicts(ctx context.Context, id uuid.UUID) ([]conflict.Record, error) {
	if _, err := f.Linkage(ctx, id); err != nil {
		return nil, err
	}
	return nil, nil
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChangeRoutesSetOrigin(t *testing.T) {
	steps := newFakeSteps()
	steps.result = &engine.StepResult{
		Step:             engine.StepAutoLink,
		LinkingPerformed: true,
		MatchScore:       100,
		LinkingDecision:  decision.AutoLink,
		LinkedRecord:     "FR-000100",
	}
	h := NewServer(steps).Router()

	rec := do(t, h, http.MethodPost, "/api/catastro-rpp/auto-link", map[string]any{
		"origin": "registry",
		"key":    "09-456-789",
		"fields": map[string]string{"nombre_propietario": "Juan Pérez"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res engine.StepResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.True(t, res.LinkingPerformed)
	assert.Equal(t, "FR-000100", res.LinkedRecord)

	rec = do(t, h, http.MethodPost, "/api/rpp-catastro/sync", map[string]any{"key": "FR-000100"})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, steps.changes, 2)
	assert.Equal(t, linkage.Cadastral, steps.changes[0].Origin, "path wins over body")
	assert.Equal(t, linkage.Registry, steps.changes[1].Origin)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", fmt.Errorf("%w: key", engine.ErrValidation), http.StatusBadRequest},
		{"not linked", fmt.Errorf("lookup: %w", linkage.ErrNotFound), http.StatusNotFound},
		{"bijection", &linkage.ConflictError{Field: "registry_folio", Value: "FR-1"}, http.StatusConflict},
		{"state", fmt.Errorf("%w: synced", sync.ErrInvalidState), http.StatusConflict},
		{"review", engine.ErrReviewPending, http.StatusConflict},
		{"sync failure", &sync.SyncFailure{Attempts: 4, Err: errors.New("timeout")}, http.StatusOK},
		{"rollback failure", &sync.RollbackFailure{Err: errors.New("down")}, http.StatusOK},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, statusFor(tt.err))
		})
	}
}

func TestSyncFailureIsData(t *testing.T) {
	steps := newFakeSteps()
	steps.err = &sync.SyncFailure{LinkageID: uuid.New(), Attempts: 4, Err: errors.New("counterpart unavailable")}
	steps.result = &engine.StepResult{Step: engine.StepSync, Error: steps.err.Error()}
	h := NewServer(steps).Router()

	rec := do(t, h, http.MethodPost, "/api/catastro-rpp/sync", map[string]any{"key": "09-456-789"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "counterpart unavailable")
}

func TestErrorBody(t *testing.T) {
	steps := newFakeSteps()
	steps.err = fmt.Errorf("%w: key", engine.ErrValidation)
	steps.result = nil
	h := NewServer(steps).Router()

	rec := do(t, h, http.MethodPost, "/api/linkages/not-a-uuid/retry", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "bad_request", body.Error)
	assert.Contains(t, body.Description, "not-a-uuid")

	rec = do(t, h, http.MethodPost, "/api/steps", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "empty body is malformed")
}

func TestRollbackByKey(t *testing.T) {
	steps := newFakeSteps()
	l := &linkage.PropertyLinkage{ID: uuid.New(), CadastralKey: "09-456-789", RegistryFolio: "FR-000100"}
	steps.linkages[l.ID] = l
	h := NewServer(steps).Router()

	rec := do(t, h, http.MethodPost, "/api/rpp-catastro/rollback", rollbackRequest{Key: "FR-000100"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, steps.rollbacks, 1)
	assert.Equal(t, l.ID, steps.rollbacks[0])

	rec = do(t, h, http.MethodPost, "/api/rpp-catastro/rollback", rollbackRequest{Key: "FR-404"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/rpp-catastro/rollback", rollbackRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLinkageRoutes(t *testing.T) {
	steps := newFakeSteps()
	l := &linkage.PropertyLinkage{ID: uuid.New(), CadastralKey: "09-456-789", SyncState: linkage.Synced}
	steps.linkages[l.ID] = l
	h := NewServer(steps).Router()

	rec := do(t, h, http.MethodGet, "/api/linkages/"+l.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got linkage.PropertyLinkage
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, l.ID, got.ID)

	rec = do(t, h, http.MethodGet, "/api/linkages/"+l.ID.String()+"/conflicts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	rec = do(t, h, http.MethodGet, "/api/linkages/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/linkages/"+l.ID.String()+"/review", map[string]bool{"approved": false})
	require.Equal(t, http.StatusOK, rec.Code)
	approved, ok := steps.reviews[l.ID]
	require.True(t, ok)
	assert.False(t, approved)

	rec = do(t, h, http.MethodPost, "/api/linkages/"+l.ID.String()+"/review", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "approved must be explicit")
}

func TestResolveConflictRoute(t *testing.T) {
	steps := newFakeSteps()
	h := NewServer(steps).Router()

	rec := do(t, h, http.MethodPost, "/api/conflicts/"+uuid.NewString()+"/resolve", map[string]string{"winner": "registry"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, linkage.Registry, steps.winner)

	rec = do(t, h, http.MethodPost, "/api/conflicts/"+uuid.NewString()+"/resolve", map[string]string{"winner": "notary"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := NewServer(newFakeSteps()).Router()

	rec := do(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")

	rec = do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
