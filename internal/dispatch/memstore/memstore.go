// Package memstore provides an in-memory implementation of dispatch.Store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/floodgate/internal/dispatch"
	"github.com/linnemanlabs/floodgate/internal/evidence"
	"github.com/linnemanlabs/floodgate/internal/gate"
)

type decisionKey struct {
	location  string
	decidedAt time.Time
}

// Store holds attempts and the decision log in memory. Suitable for dev/testing.
type Store struct {
	mu        sync.RWMutex
	attempts  map[string]*dispatch.Attempt // attempt ID -> attempt
	decisions map[string][]gate.Decision   // location key -> decisions, append order
	recorded  map[decisionKey]string       // (location key, decided_at) -> attempt ID
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		attempts:  make(map[string]*dispatch.Attempt),
		decisions: make(map[string][]gate.Decision),
		recorded:  make(map[decisionKey]string),
	}
}

// Get retrieves an attempt by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*dispatch.Attempt, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, false, nil
	}
	return a.Clone(), true, nil
}

// Put stores a copy of the attempt. An attempt that already reached a
// terminal state is not overwritten.
func (s *Store) Put(_ context.Context, a *dispatch.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.attempts[a.ID]; ok && prev.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", dispatch.ErrTerminal, a.ID, prev.State)
	}
	s.attempts[a.ID] = a.Clone()
	return nil
}

// AppendDecision adds a decision to the log. Existing entries are never replaced.
func (s *Store) AppendDecision(_ context.Context, attemptID string, d gate.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := evidence.LocationKey(d.Location)
	key := decisionKey{location: loc, decidedAt: d.DecidedAt.UTC()}
	if prev, ok := s.recorded[key]; ok {
		return fmt.Errorf("%w: %s at %s (attempt %s)", dispatch.ErrDuplicateDecision, d.Location, d.DecidedAt.Format(time.RFC3339Nano), prev)
	}
	s.recorded[key] = attemptID
	s.decisions[loc] = append(s.decisions[loc], d.Clone())
	return nil
}

// ListDecisions returns up to limit decisions for location, newest first.
func (s *Store) ListDecisions(_ context.Context, location string, limit int) ([]gate.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.decisions[evidence.LocationKey(location)]
	out := make([]gate.Decision, 0, len(entries))
	for _, d := range entries {
		out = append(out, d.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DecidedAt.After(out[j].DecidedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
