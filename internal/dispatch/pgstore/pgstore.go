// Package pgstore provides a PostgreSQL implementation of dispatch.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/floodgate/internal/dispatch"
	"github.com/linnemanlabs/floodgate/internal/evidence"
	"github.com/linnemanlabs/floodgate/internal/gate"
	"github.com/linnemanlabs/floodgate/internal/postgres"
)

var tracer = otel.Tracer("github.com/linnemanlabs/floodgate/internal/dispatch/pgstore")

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Store persists attempts and the decision log in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const attemptColumns = `a.id, a.location, a.state, a.dispatch_error, a.note, a.supersedes_id,
	a.requested_by, a.created_at, a.completed_at, a.duration_s`

const decisionColumns = `d.location, d.decided_at, d.outcome, d.reason, d.justification,
	d.verdicts, d.policy, d.policy_hash, d.fingerprint`

// startSpan opens the store span and labels the queries beneath it with name
// for the query metrics when no HTTP route is in scope.
func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	ctx = postgres.WithOperation(ctx, name)
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Get retrieves an attempt and its decision, if any.
func (s *Store) Get(ctx context.Context, id string) (*dispatch.Attempt, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	query := `SELECT ` + attemptColumns + `,
		d.decided_at IS NOT NULL, ` + decisionColumns + `
		FROM dispatch_attempts a
		LEFT JOIN gate_decisions d ON d.attempt_id = a.id
		WHERE a.id = $1`

	a, err := scanAttemptRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		fail(span, err)
		return nil, false, err
	}
	if a == nil {
		return nil, false, nil
	}
	return a, true, nil
}

// Put inserts or updates an attempt row. The decision is written separately
// by AppendDecision and is never rewritten here. A row already in a terminal
// state is left alone and ErrTerminal is returned.
func (s *Store) Put(ctx context.Context, a *dispatch.Attempt) error {
	ctx, span := startSpan(ctx, "pgstore.Put", "UPSERT")
	defer span.End()

	var completedAt *time.Time
	if !a.CompletedAt.IsZero() {
		completedAt = &a.CompletedAt
	}

	query := `INSERT INTO dispatch_attempts (
		id, location, state, dispatch_error, note, supersedes_id, requested_by,
		created_at, completed_at, duration_s
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (id) DO UPDATE SET
		state          = EXCLUDED.state,
		dispatch_error = EXCLUDED.dispatch_error,
		note           = EXCLUDED.note,
		completed_at   = EXCLUDED.completed_at,
		duration_s     = EXCLUDED.duration_s
	WHERE dispatch_attempts.state <> ALL($11::text[])`

	tag, err := s.pool.Exec(ctx, query,
		a.ID, a.Location, string(a.State), a.DispatchError, a.Note, a.SupersedesID, a.RequestedBy,
		a.CreatedAt, completedAt, a.Duration, terminalStates(),
	)
	if err != nil {
		err = fmt.Errorf("upsert attempt: %w", err)
		fail(span, err)
		return err
	}
	if tag.RowsAffected() == 0 {
		err = fmt.Errorf("%w: %s", dispatch.ErrTerminal, a.ID)
		fail(span, err)
		return err
	}
	return nil
}

// AppendDecision inserts a decision into the audit log. A second decision
// for the same (location, decided_at) is rejected with ErrDuplicateDecision.
func (s *Store) AppendDecision(ctx context.Context, attemptID string, d gate.Decision) error {
	ctx, span := startSpan(ctx, "pgstore.AppendDecision", "INSERT")
	defer span.End()

	verdictsJSON, err := json.Marshal(d.Verdicts)
	if err != nil {
		return fmt.Errorf("marshal verdicts: %w", err)
	}
	policyJSON, err := json.Marshal(d.Policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO gate_decisions (
			location, decided_at, attempt_id, outcome, reason, justification,
			verdicts, policy, policy_hash, fingerprint
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		d.Location, d.DecidedAt, attemptID, string(d.Outcome), string(d.Reason), d.Justification,
		verdictsJSON, policyJSON, d.PolicyHash, d.Fingerprint,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			err = fmt.Errorf("%w: %s at %s", dispatch.ErrDuplicateDecision, d.Location, d.DecidedAt.Format(time.RFC3339Nano))
		} else {
			err = fmt.Errorf("insert decision: %w", err)
		}
		fail(span, err)
		return err
	}
	return nil
}

// ListDecisions returns up to limit decisions for location, newest first.
func (s *Store) ListDecisions(ctx context.Context, location string, limit int) ([]gate.Decision, error) {
	ctx, span := startSpan(ctx, "pgstore.ListDecisions", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+decisionColumns+` FROM gate_decisions d
		 WHERE lower(d.location) = lower($1) ORDER BY d.decided_at DESC LIMIT $2`,
		location, limit,
	)
	if err != nil {
		err = fmt.Errorf("query decisions: %w", err)
		fail(span, err)
		return nil, err
	}
	defer rows.Close()

	var out []gate.Decision
	for rows.Next() {
		var r decisionRow
		if err := rows.Scan(r.dest()...); err != nil {
			err = fmt.Errorf("scan decision: %w", err)
			fail(span, err)
			return nil, err
		}
		d, err := r.decision()
		if err != nil {
			fail(span, err)
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		err = fmt.Errorf("iterate decisions: %w", err)
		fail(span, err)
		return nil, err
	}
	return out, nil
}

// decisionRow holds the nullable scan targets for one gate_decisions row.
type decisionRow struct {
	location      *string
	decidedAt     *time.Time
	outcome       *string
	reason        *string
	justification *string
	verdictsJSON  []byte
	policyJSON    []byte
	policyHash    *string
	fingerprint   *string
}

func (r *decisionRow) dest() []any {
	return []any{
		&r.location, &r.decidedAt, &r.outcome, &r.reason, &r.justification,
		&r.verdictsJSON, &r.policyJSON, &r.policyHash, &r.fingerprint,
	}
}

func (r *decisionRow) decision() (gate.Decision, error) {
	d := gate.Decision{
		Location:      deref(r.location),
		Outcome:       gate.Outcome(deref(r.outcome)),
		Reason:        gate.Reason(deref(r.reason)),
		Justification: deref(r.justification),
		PolicyHash:    deref(r.policyHash),
		Fingerprint:   deref(r.fingerprint),
	}
	if r.decidedAt != nil {
		d.DecidedAt = r.decidedAt.UTC()
	}
	d.Verdicts = []evidence.Verdict{}
	if err := json.Unmarshal(r.verdictsJSON, &d.Verdicts); err != nil {
		return gate.Decision{}, fmt.Errorf("unmarshal verdicts: %w", err)
	}
	if err := json.Unmarshal(r.policyJSON, &d.Policy); err != nil {
		return gate.Decision{}, fmt.Errorf("unmarshal policy: %w", err)
	}
	return d, nil
}

// scanAttemptRow scans an attempt joined with its optional decision.
// Returns (nil, nil) when no row is found.
func scanAttemptRow(row pgx.Row) (*dispatch.Attempt, error) {
	var (
		a           dispatch.Attempt
		state       string
		completedAt *time.Time
		hasDecision bool
		d           decisionRow
	)

	dest := []any{
		&a.ID, &a.Location, &state, &a.DispatchError, &a.Note, &a.SupersedesID,
		&a.RequestedBy, &a.CreatedAt, &completedAt, &a.Duration,
		&hasDecision,
	}
	dest = append(dest, d.dest()...)

	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	a.State = dispatch.State(state)
	a.CreatedAt = a.CreatedAt.UTC()
	if completedAt != nil {
		a.CompletedAt = completedAt.UTC()
	}

	if hasDecision {
		dec, err := d.decision()
		if err != nil {
			return nil, err
		}
		a.Decision = &dec
	}
	return &a, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func terminalStates() []string {
	out := make([]string, len(dispatch.TerminalStates))
	for i, st := range dispatch.TerminalStates {
		out[i] = string(st)
	}
	return out
}
