// Package gateapi exposes the dispatch gate and executor over HTTP.
package gateapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/floodgate/internal/dispatch"
	"github.com/linnemanlabs/floodgate/internal/evidence"
	"github.com/linnemanlabs/floodgate/internal/gate"
)

// DispatchService defines the business operations gateapi needs.
type DispatchService interface {
	Policy() gate.Policy
	Evaluate(location string, records []evidence.Record) (gate.Decision, error)
	Assess(ctx context.Context, req dispatch.Request) (*dispatch.Attempt, error)
	Reevaluate(ctx context.Context, id string, req dispatch.Request) (*dispatch.Attempt, error)
	Get(ctx context.Context, id string) (*dispatch.Attempt, bool, error)
	Replay(ctx context.Context, id string) (*dispatch.ReplayResult, error)
	ListDecisions(ctx context.Context, location string, limit int) ([]gate.Decision, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    DispatchService
	auth   func(http.Handler) http.Handler
}

// New creates a new API handler. auth wraps every route that can cause a
// dispatch; nil leaves them open, which is only suitable for tests and
// local runs.
func New(logger log.Logger, svc DispatchService, auth func(http.Handler) http.Handler) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("dispatch service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
		auth:   auth,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/policy", a.handleGetPolicy)
		r.Post("/evaluate", a.handleEvaluate)
		r.Get("/assessments/{id}", a.handleGetAssessment)
		r.Get("/assessments/{id}/replay", a.handleReplay)
		r.Get("/decisions", a.handleListDecisions)

		r.Group(func(r chi.Router) {
			if a.auth != nil {
				r.Use(a.auth)
			}
			r.Post("/assessments", a.handleCreateAssessment)
			r.Post("/assessments/{id}/reevaluate", a.handleReevaluate)
		})
	})
}

func (a *API) handleGetPolicy(w http.ResponseWriter, _ *http.Request) {
	p := a.svc.Policy()
	writeJSON(w, http.StatusOK, map[string]any{
		"policy":      p,
		"policy_hash": p.Digest(),
		"description": p.String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody decodes a JSON body into v. An empty body is allowed when
// optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if optional && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// serviceError maps service errors onto HTTP statuses. Anything unexpected
// is logged and reported as an internal error without detail.
func (a *API) serviceError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, dispatch.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, dispatch.ErrNotHeld), errors.Is(err, dispatch.ErrNoDecision):
		writeError(w, http.StatusConflict, err.Error())
	default:
		a.logger.Error(r.Context(), err, msg)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
