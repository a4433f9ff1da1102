package gateapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/floodgate/internal/authmw"
	"github.com/linnemanlabs/floodgate/internal/dispatch"
	"github.com/linnemanlabs/floodgate/internal/evidence"
	"github.com/linnemanlabs/floodgate/internal/gate"
)

type evaluateRequest struct {
	Location string            `json:"location"`
	Records  []evidence.Record `json:"records"`
}

type assessRequest struct {
	Location    string            `json:"location"`
	Records     []evidence.Record `json:"records,omitempty"`
	RequestedBy string            `json:"requested_by,omitempty"`
}

// requestedBy prefers the authenticated operator over anything the body claims.
func requestedBy(r *http.Request, claimed string) string {
	if op, ok := authmw.Operator(r.Context()); ok {
		return op
	}
	return claimed
}

func (a *API) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	d, err := a.svc.Evaluate(req.Location, req.Records)
	if err != nil {
		a.serviceError(w, r, err, "evaluate failed")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("floodgate.location", d.Location),
		attribute.String("floodgate.outcome", string(d.Outcome)),
	)

	writeJSON(w, http.StatusOK, d)
}

func (a *API) handleCreateAssessment(w http.ResponseWriter, r *http.Request) {
	var req assessRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	att, err := a.svc.Assess(r.Context(), dispatch.Request{
		Location:    req.Location,
		Records:     req.Records,
		RequestedBy: requestedBy(r, req.RequestedBy),
	})
	if err != nil {
		a.serviceError(w, r, err, "assessment failed")
		return
	}

	annotate(r, att)
	writeJSON(w, http.StatusCreated, att)
}

func (a *API) handleGetAssessment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("floodgate.attempt.id", id))

	att, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get attempt", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	annotate(r, att)
	writeJSON(w, http.StatusOK, att)
}

func (a *API) handleReevaluate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req assessRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	att, err := a.svc.Reevaluate(r.Context(), id, dispatch.Request{
		Records:     req.Records,
		RequestedBy: requestedBy(r, req.RequestedBy),
	})
	if err != nil {
		a.serviceError(w, r, err, "re-evaluation failed")
		return
	}

	annotate(r, att)
	writeJSON(w, http.StatusCreated, att)
}

func (a *API) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := a.svc.Replay(r.Context(), id)
	if err != nil {
		a.serviceError(w, r, err, "replay failed")
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("floodgate.attempt.id", id),
		attribute.Bool("floodgate.replay.match", res.Match),
	)
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	location := r.URL.Query().Get("location")

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	ds, err := a.svc.ListDecisions(r.Context(), location, limit)
	if err != nil {
		a.serviceError(w, r, err, "list decisions failed")
		return
	}
	if ds == nil {
		ds = []gate.Decision{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"location":  location,
		"decisions": ds,
	})
}

func annotate(r *http.Request, att *dispatch.Attempt) {
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("floodgate.attempt.id", att.ID),
		attribute.String("floodgate.attempt.state", string(att.State)),
	)
}
