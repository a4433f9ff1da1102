package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/floodgate/internal/evidence"
	"github.com/linnemanlabs/floodgate/internal/gate"
)

// DefaultWindow is how long an approval for a location suppresses a second broadcast.
const DefaultWindow = 30 * time.Minute

var (
	// ErrNotFound is returned when no attempt has the requested ID.
	ErrNotFound = errors.New("attempt not found")

	// ErrNotHeld is returned when re-evaluating an attempt that was not held.
	ErrNotHeld = errors.New("only held attempts can be re-evaluated")

	// ErrNoDecision is returned when replaying an attempt that never reached the gate.
	ErrNoDecision = errors.New("attempt has no decision")

	// ErrInvalidRequest wraps caller mistakes such as a missing location.
	ErrInvalidRequest = errors.New("invalid request")
)

// Notifier performs the external side effect for an approved attempt.
type Notifier interface {
	Send(ctx context.Context, a *Attempt) error
}

// Request asks the executor to assess one location. When Records is empty
// evidence is collected from the configured providers.
type Request struct {
	Location    string            `json:"location"`
	Records     []evidence.Record `json:"records,omitempty"`
	RequestedBy string            `json:"requested_by,omitempty"`

	supersedes string
}

// Service is the business boundary for dispatch operations.
type Service struct {
	store     Store
	gate      *gate.Gate
	providers []evidence.Provider
	guard     Guard
	notifier  Notifier
	window    time.Duration
	hooks     Hooks
	metrics   *Metrics
	logger    log.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithProviders sets the evidence providers used when a request carries no records.
func WithProviders(p ...evidence.Provider) Option {
	return func(s *Service) { s.providers = append(s.providers, p...) }
}

// WithGuard replaces the default in-memory dispatch guard.
func WithGuard(g Guard) Option {
	return func(s *Service) { s.guard = g }
}

// WithNotifier sets the notifier invoked on approval.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithWindow sets the guard window.
func WithWindow(d time.Duration) Option {
	return func(s *Service) { s.window = d }
}

// WithMetrics wires Prometheus metrics through the service hooks. The
// verdict source label is limited to the providers the service ends up with.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithHooks sets lifecycle callbacks directly.
func WithHooks(h Hooks) Option {
	return func(s *Service) { s.hooks = h }
}

// WithClock overrides the service clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new dispatch service.
func NewService(store Store, g *gate.Gate, logger log.Logger, opts ...Option) *Service {
	if store == nil || g == nil {
		panic(xerrors.New("dispatch.NewService: store and gate are required"))
	}
	s := &Service{
		store:    store,
		gate:     g,
		guard:    NewMemGuard(),
		notifier: nopNotifier{},
		window:   DefaultWindow,
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics != nil {
		s.hooks = s.metrics.HooksFor(s.providers)
	}
	return s
}

// Policy returns the policy enforced by the service's gate.
func (s *Service) Policy() gate.Policy { return s.gate.Policy() }

// Evaluate is a dry run: it assesses the records and returns the gate's
// decision without recording or dispatching anything.
func (s *Service) Evaluate(location string, records []evidence.Record) (gate.Decision, error) {
	location = s.location(location)
	if err := validateRecords(location, records); err != nil {
		return gate.Decision{}, err
	}
	now := s.now()
	return gate.Evaluate(location, assessAll(location, records, now), s.gate.Policy(), now), nil
}

// Assess runs one attempt: gather evidence, evaluate, record, and dispatch
// only on approval. The attempt is returned in its final state. Store errors
// are returned; notifier errors are recorded on the attempt instead.
func (s *Service) Assess(ctx context.Context, req Request) (*Attempt, error) {
	req.Location = s.location(req.Location)
	if err := validateRecords(req.Location, req.Records); err != nil {
		s.hooks.request("invalid")
		return nil, err
	}

	start := s.now()
	a := &Attempt{
		ID:           ulid.Make().String(),
		Location:     req.Location,
		State:        StatePending,
		SupersedesID: req.supersedes,
		RequestedBy:  req.RequestedBy,
		CreatedAt:    start,
	}
	if err := s.store.Put(ctx, a); err != nil {
		s.hooks.request("error")
		return nil, fmt.Errorf("create attempt: %w", err)
	}
	s.hooks.request("accepted")

	L := s.logger.With("attempt_id", a.ID, "location", a.Location)

	var verdicts []evidence.Verdict
	if len(req.Records) > 0 {
		verdicts = assessAll(req.Location, req.Records, start)
	} else {
		verdicts = evidence.Collect(ctx, req.Location, start, s.providers...)
	}
	for _, v := range verdicts {
		s.hooks.verdict(v)
		if evidence.Unavailable(v) {
			L.Warn(ctx, "evidence source unavailable", "source", v.SourceID, "rationale", v.Rationale)
		}
	}

	d, err := s.decide(ctx, a.ID, req.Location, verdicts)
	if err != nil {
		return nil, fmt.Errorf("record decision: %w", err)
	}
	s.hooks.decision(d)
	a.Decision = &d
	a.State = StateEvaluated
	if err := s.store.Put(ctx, a); err != nil {
		return nil, fmt.Errorf("update attempt: %w", err)
	}

	L.Info(ctx, "gate decision",
		"outcome", d.Outcome,
		"reason", d.Reason,
		"fingerprint", d.Fingerprint,
		"verdicts", len(d.Verdicts),
		"justification", d.Justification,
	)

	if d.Approved() {
		s.dispatch(ctx, L, a)
	} else {
		a.State = StateHeld
	}

	a.CompletedAt = s.now()
	a.Duration = a.CompletedAt.Sub(start).Seconds()
	if err := s.store.Put(ctx, a); err != nil {
		return nil, fmt.Errorf("complete attempt: %w", err)
	}
	s.hooks.complete(a.State, a.Duration)

	L.Info(ctx, "attempt complete", "state", a.State, "duration", a.Duration)
	return a.Clone(), nil
}

// decide evaluates the verdicts and appends the decision to the audit log.
// Two attempts for one location can land on the same microsecond; the later
// one moves its decided_at forward so the log key stays unique.
func (s *Service) decide(ctx context.Context, attemptID, location string, verdicts []evidence.Verdict) (gate.Decision, error) {
	at := s.now()
	var err error
	for range maxAppendTries {
		d := gate.Evaluate(location, verdicts, s.gate.Policy(), at)
		err = s.store.AppendDecision(ctx, attemptID, d)
		if !errors.Is(err, ErrDuplicateDecision) {
			return d, err
		}
		at = d.DecidedAt.Add(time.Microsecond)
	}
	return gate.Decision{}, err
}

const maxAppendTries = 3

// dispatch performs the guarded side effect. The decision on a is not touched.
func (s *Service) dispatch(ctx context.Context, L log.Logger, a *Attempt) {
	fp := a.Decision.Fingerprint

	acquired, holder, err := s.guard.Acquire(ctx, a.Location, fp, s.window)
	if err != nil {
		// without the guard we cannot promise a single broadcast
		L.Error(ctx, err, "dispatch guard unavailable")
		a.State = StateDispatchFailed
		a.DispatchError = "dispatch guard unavailable: " + err.Error()
		return
	}
	if !acquired {
		L.Warn(ctx, "duplicate approval suppressed", "holder", holder, "window", s.window.String())
		a.State = StateSuppressed
		a.Note = fmt.Sprintf("an alert for %s was already dispatched within %s (decision %s)", a.Location, s.window, holder)
		return
	}

	if err := s.notifier.Send(ctx, a.Clone()); err != nil {
		L.Error(ctx, err, "notification failed")
		a.State = StateDispatchFailed
		a.DispatchError = err.Error()
		if rerr := s.guard.Release(context.WithoutCancel(ctx), a.Location, fp); rerr != nil {
			L.Error(ctx, rerr, "failed to release dispatch guard")
		}
		return
	}
	a.State = StateDispatched
}

// Reevaluate runs a fresh attempt for a held attempt's location. The held
// attempt is left as it was; the new attempt records what it supersedes.
func (s *Service) Reevaluate(ctx context.Context, id string, req Request) (*Attempt, error) {
	prev, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if prev.State != StateHeld {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotHeld, id, prev.State)
	}

	req.Location = prev.Location
	req.supersedes = prev.ID
	return s.Assess(ctx, req)
}

// Get retrieves an attempt by ID.
func (s *Service) Get(ctx context.Context, id string) (*Attempt, bool, error) {
	return s.store.Get(ctx, id)
}

// Replay re-derives the attempt's decision from its stored verdicts and policy.
func (s *Service) Replay(ctx context.Context, id string) (*ReplayResult, error) {
	a, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if a.Decision == nil {
		return nil, ErrNoDecision
	}

	got, err := gate.Replay(*a.Decision)
	res := &ReplayResult{
		AttemptID:  a.ID,
		Stored:     *a.Decision,
		Recomputed: got,
		Match:      err == nil,
	}
	if err != nil {
		if !errors.Is(err, gate.ErrReplayMismatch) {
			return nil, err
		}
		res.Mismatch = err.Error()
		s.logger.Warn(ctx, "replay mismatch", "attempt_id", a.ID, "error", err)
	}
	return res, nil
}

// ListDecisions returns the audit log for a location, newest first.
func (s *Service) ListDecisions(ctx context.Context, location string, limit int) ([]gate.Decision, error) {
	location = s.location(location)
	if err := validateLocation(location); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListDecisions(ctx, location, limit)
}

// location resolves the name an attempt is recorded under. Whitespace is
// cleaned, then the first provider that knows the place supplies its spelling,
// so "bulacan" and "BULACAN" share one guard claim and one decision log.
func (s *Service) location(raw string) string {
	loc := evidence.CleanLocation(raw)
	for _, p := range s.providers {
		l, ok := p.(evidence.Locator)
		if !ok {
			continue
		}
		if name, ok := l.CanonicalLocation(loc); ok {
			return name
		}
	}
	return loc
}

func validateLocation(location string) error {
	if location == "" {
		return fmt.Errorf("%w: location is required", ErrInvalidRequest)
	}
	if evidence.HasControl(location) {
		return fmt.Errorf("%w: location contains control characters", ErrInvalidRequest)
	}
	return nil
}

func validateRecords(location string, records []evidence.Record) error {
	if err := validateLocation(location); err != nil {
		return err
	}
	key := evidence.LocationKey(location)
	for i, r := range records {
		if r.Location != "" && evidence.LocationKey(r.Location) != key {
			return fmt.Errorf("%w: record %d is for %q, not %q", ErrInvalidRequest, i, r.Location, location)
		}
		if strings.TrimSpace(r.SourceID) == "" {
			return fmt.Errorf("%w: record %d has no source_id", ErrInvalidRequest, i)
		}
		if evidence.HasControl(r.SourceID) {
			return fmt.Errorf("%w: record %d source_id contains control characters", ErrInvalidRequest, i)
		}
	}
	return nil
}

func assessAll(location string, records []evidence.Record, asOf time.Time) []evidence.Verdict {
	out := make([]evidence.Verdict, len(records))
	for i, r := range records {
		r.Location = location
		out[i] = evidence.Assess(r, asOf)
	}
	return out
}

type nopNotifier struct{}

func (nopNotifier) Send(context.Context, *Attempt) error { return nil }
