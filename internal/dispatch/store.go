package dispatch

import (
	"context"
	"errors"

	"github.com/linnemanlabs/floodgate/internal/gate"
)

// ErrDuplicateDecision is returned when the audit log already holds a
// decision for the same (location, decided_at).
var ErrDuplicateDecision = errors.New("decision already recorded")

// ErrTerminal is returned by Put when the stored attempt already reached a
// terminal state. Finished attempts are never rewritten; a re-evaluation
// creates a new attempt.
var ErrTerminal = errors.New("attempt already finished")

// Store is the persistence interface for attempts and the decision log.
// The decision log is append-only and keyed by (location, decided_at), with
// locations compared by evidence.LocationKey.
type Store interface {
	Get(ctx context.Context, id string) (*Attempt, bool, error)
	Put(ctx context.Context, a *Attempt) error
	AppendDecision(ctx context.Context, attemptID string, d gate.Decision) error
	ListDecisions(ctx context.Context, location string, limit int) ([]gate.Decision, error)
}
