// Package api exposes the linkage steps to the host orchestrator over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/munistream/puente/internal/conflict"
	"github.com/munistream/puente/internal/engine"
	"github.com/munistream/puente/internal/linkage"
)

// Steps is the part of the engine served over HTTP.
type Steps interface {
	AutoLink(ctx context.Context, ch engine.Change) (*engine.StepResult, error)
	Sync(ctx context.Context, ch engine.Change) (*engine.StepResult, error)
	Rollback(ctx context.Context, linkageID uuid.UUID) (*engine.StepResult, error)
	Retry(ctx context.Context, linkageID uuid.UUID) (*engine.StepResult, error)
	Review(ctx context.Context, linkageID uuid.UUID, approved bool) (*engine.StepResult, error)
	ConflictResolve(ctx context.Context, conflictID uuid.UUID, winner linkage.Origin) (*engine.StepResult, error)
	Dispatch(ctx context.Context, inv engine.Invocation) (*engine.StepResult, error)
	Linkage(ctx context.Context, id uuid.UUID) (*linkage.PropertyLinkage, error)
	Lookup(ctx context.Context, o linkage.Origin, key string) (*linkage.PropertyLinkage, error)
	Conflicts(ctx context.Context, id uuid.UUID) ([]conflict.Record, error)
}

var _ Steps = (*engine.Engine)(nil)

// Server routes HTTP requests to the engine.
type Server struct {
	steps Steps
}

// NewServer returns a server for the given steps.
func NewServer(steps Steps) *Server {
	return &Server{steps: steps}
}

// directions maps the path prefix to the registry that originated the change.
var directions = map[string]linkage.Origin{
	"/catastro-rpp": linkage.Cadastral,
	"/rpp-catastro": linkage.Registry,
}

// Router builds the chi router with every endpoint mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		for prefix, origin := range directions {
			r.Route(prefix, func(r chi.Router) {
				r.Post("/auto-link", s.handleChange(origin, s.steps.AutoLink))
				r.Post("/sync", s.handleChange(origin, s.steps.Sync))
				r.Post("/rollback", s.handleRollback(origin))
			})
		}
		r.Post("/steps", s.handleDispatch)
		r.Route("/linkages/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetLinkage)
			r.Get("/conflicts", s.handleListConflicts)
			r.Post("/retry", s.handleRetry)
			r.Post("/review", s.handleReview)
		})
		r.Post("/conflicts/{id}/resolve", s.handleResolveConflict)
	})
	return r
}

// NewHTTPServer wraps the router in an http.Server with conservative timeouts.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// a synchronization may wait out the full backoff schedule
		WriteTimeout: 10 * time.Minute,
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logrus.WithFields(logrus.Fields{
			"request_id":  middleware.GetReqID(r.Context()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("HTTP request served")
	})
}
