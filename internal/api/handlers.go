package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/munistream/puente/internal/conflict"
	"github.com/munistream/puente/internal/engine"
	"github.com/munistream/puente/internal/linkage"
	"github.com/munistream/puente/internal/registry"
	"github.com/munistream/puente/internal/sync"
)

type changeStep func(ctx context.Context, ch engine.Change) (*engine.StepResult, error)

// handleChange serves auto-link and sync. The origin comes from the path and
// overrides whatever the body says.
func (s *Server) handleChange(origin linkage.Origin, step changeStep) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ch engine.Change
		if !decode(w, r, &ch) {
			return
		}
		ch.Origin = origin
		res, err := step(r.Context(), ch)
		respond(w, r, res, err)
	}
}

type rollbackRequest struct {
	LinkageID uuid.UUID `json:"linkage_id"`
	Key       string    `json:"key"`
}

func (s *Server) handleRollback(origin linkage.Origin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rollbackRequest
		if !decode(w, r, &req) {
			return
		}
		id := req.LinkageID
		if id == uuid.Nil {
			if req.Key == "" {
				writeError(w, fmt.Errorf("%w: linkage_id or key is required", engine.ErrValidation))
				return
			}
			l, err := s.steps.Lookup(r.Context(), origin, req.Key)
			if err != nil {
				writeError(w, err)
				return
			}
			id = l.ID
		}
		res, err := s.steps.Rollback(r.Context(), id)
		respond(w, r, res, err)
	}
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var inv engine.Invocation
	if !decode(w, r, &inv) {
		return
	}
	res, err := s.steps.Dispatch(r.Context(), inv)
	respond(w, r, res, err)
}

func (s *Server) handleGetLinkage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	l, err := s.steps.Linkage(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	records, err := s.steps.Conflicts(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []conflict.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := s.steps.Retry(r.Context(), id)
	respond(w, r, res, err)
}

type reviewRequest struct {
	Approved *bool `json:"approved" validate:"required"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req reviewRequest
	if !decodeValid(w, r, &req) {
		return
	}
	res, err := s.steps.Review(r.Context(), id, *req.Approved)
	respond(w, r, res, err)
}

type resolveRequest struct {
	Winner linkage.Origin `json:"winner" validate:"required,oneof=cadastral registry"`
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if !decodeValid(w, r, &req) {
		return
	}
	res, err := s.steps.ConflictResolve(r.Context(), id, req.Winner)
	respond(w, r, res, err)
}

// decode reads a JSON body. Steps validate their own input.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, fmt.Errorf("%w: malformed JSON body: %v", engine.ErrValidation, err))
		return false
	}
	return true
}

// decodeValid reads a JSON body and checks its validate tags.
func decodeValid(w http.ResponseWriter, r *http.Request, dst any) bool {
	if !decode(w, r, dst) {
		return false
	}
	if err := engine.Validate(dst); err != nil {
		writeError(w, err)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: invalid id %q", engine.ErrValidation, chi.URLParam(r, "id")))
		return uuid.Nil, false
	}
	return id, true
}

// respond writes a step result. Synchronization and rollback failures are
// outcomes, not transport errors, so they are returned with 200.
func respond(w http.ResponseWriter, r *http.Request, res *engine.StepResult, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, res)
		return
	}
	status := statusFor(err)
	entry := logrus.WithError(err).WithFields(logrus.Fields{"path": r.URL.Path, "status": status})
	if status >= http.StatusInternalServerError {
		entry.Error("Step failed")
	} else {
		entry.Info("Step rejected")
	}
	if res == nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, res)
}

func statusFor(err error) int {
	var (
		syncFailure     *sync.SyncFailure
		rollbackFailure *sync.RollbackFailure
	)
	switch {
	case errors.As(err, &syncFailure), errors.As(err, &rollbackFailure):
		return http.StatusOK
	case errors.Is(err, engine.ErrValidation), errors.Is(err, linkage.ErrInvalidLinkage):
		return http.StatusBadRequest
	case errors.Is(err, linkage.ErrNotFound), errors.Is(err, conflict.ErrNotFound),
		errors.Is(err, sync.ErrNoOperation), errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, linkage.ErrLinkageConflict), errors.Is(err, engine.ErrInvalidState),
		errors.Is(err, sync.ErrInvalidState), errors.Is(err, engine.ErrReviewPending),
		errors.Is(err, sync.ErrNoCounterpart):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

var errorCodes = map[int]string{
	http.StatusBadRequest:          "bad_request",
	http.StatusNotFound:            "not_found",
	http.StatusConflict:            "conflict",
	http.StatusInternalServerError: "internal_error",
}

type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusOK {
		status = http.StatusInternalServerError
	}
	body := errorBody{Error: errorCodes[status]}
	if status != http.StatusInternalServerError {
		body.Description = err.Error()
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to encode response")
	}
}
