package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/floodgate/internal/dispatch"
	"github.com/linnemanlabs/floodgate/internal/evidence"
	"github.com/linnemanlabs/floodgate/internal/gate"
)

var t0 = time.Date(2026, 9, 1, 6, 0, 0, 0, time.UTC)

func decision(loc string, at time.Time) gate.Decision {
	return gate.Evaluate(loc, []evidence.Verdict{
		{SourceID: "gauge", Category: evidence.CategoryPrimary, Location: loc, Critical: true, Basis: evidence.BasisStatusLabel, Rationale: "status CRITICAL"},
	}, gate.TwoSource(), at)
}

func TestStore_PutAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	a := &dispatch.Attempt{ID: "a-1", Location: "Bulacan", State: dispatch.StatePending}
	if err := s.Put(ctx, a); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, "a-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected attempt to be found")
	}
	if got.Location != "Bulacan" || got.State != dispatch.StatePending {
		t.Errorf("got %+v", got)
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := New()
	_, ok, err := s.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing ID")
	}
}

func TestStore_PutOverwritesAndCopies(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	d := decision("Bulacan", t0)
	a := &dispatch.Attempt{ID: "a-2", Location: "Bulacan", State: dispatch.StatePending}
	_ = s.Put(ctx, a)

	a.State = dispatch.StateHeld
	a.Decision = &d
	_ = s.Put(ctx, a)

	// mutating the caller's copy after Put must not reach the store
	a.Decision.Verdicts[0].Critical = false

	got, _, _ := s.Get(ctx, "a-2")
	if got.State != dispatch.StateHeld {
		t.Errorf("State = %q, want HELD", got.State)
	}
	if got.Decision == nil || !got.Decision.Verdicts[0].Critical {
		t.Error("stored decision was aliased")
	}
}

func TestStore_AppendDecisionIsAppendOnly(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	if err := s.AppendDecision(ctx, "a-1", decision("Bulacan", t0)); err != nil {
		t.Fatalf("AppendDecision: %v", err)
	}
	err := s.AppendDecision(ctx, "a-2", decision("Bulacan", t0))
	if !errors.Is(err, dispatch.ErrDuplicateDecision) {
		t.Fatalf("err = %v, want ErrDuplicateDecision", err)
	}
	// same instant, other location is a different key
	if err := s.AppendDecision(ctx, "a-3", decision("Pasig", t0)); err != nil {
		t.Fatalf("AppendDecision other location: %v", err)
	}
}

func TestStore_ListDecisionsNewestFirst(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	for i := range 5 {
		_ = s.AppendDecision(ctx, fmt.Sprintf("a-%d", i), decision("Marikina", t0.Add(time.Duration(i)*time.Minute)))
	}
	_ = s.AppendDecision(ctx, "other", decision("Rizal", t0))

	got, err := s.ListDecisions(ctx, "Marikina", 3)
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if !got[0].DecidedAt.Equal(t0.Add(4 * time.Minute)) {
		t.Errorf("first = %v, want newest", got[0].DecidedAt)
	}
	for _, d := range got {
		if d.Location != "Marikina" {
			t.Errorf("leaked decision for %s", d.Location)
		}
	}

	none, err := s.ListDecisions(ctx, "Nowhere", 10)
	if err != nil || len(none) != 0 {
		t.Errorf("unknown location = %v, %v", none, err)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	const n = 100

	var wg sync.WaitGroup
	wg.Add(n * 2)

	for i := range n {
		id := fmt.Sprintf("id-%d", i)
		at := t0.Add(time.Duration(i) * time.Second)

		go func() {
			defer wg.Done()
			_ = s.Put(ctx, &dispatch.Attempt{ID: id, Location: "Bulacan", State: dispatch.StatePending})
			_ = s.AppendDecision(ctx, id, decision("Bulacan", at))
		}()

		go func() {
			defer wg.Done()
			_, _, _ = s.Get(ctx, id)
			_, _ = s.ListDecisions(ctx, "Bulacan", 10)
		}()
	}

	wg.Wait()

	all, _ := s.ListDecisions(ctx, "Bulacan", 0)
	if len(all) != n {
		t.Errorf("decisions = %d, want %d", len(all), n)
	}
}

func TestStore_PutRefusesToRewriteTerminalAttempt(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	a := &dispatch.Attempt{ID: "a-9", Location: "Bulacan", State: dispatch.StateDispatched}
	if err := s.Put(ctx, a); err != nil {
		t.Fatalf("Put: %v", err)
	}

	a.State = dispatch.StateDispatchFailed
	err := s.Put(ctx, a)
	if !errors.Is(err, dispatch.ErrTerminal) {
		t.Fatalf("Put over terminal = %v, want ErrTerminal", err)
	}
	got, _, _ := s.Get(ctx, "a-9")
	if got.State != dispatch.StateDispatched {
		t.Errorf("State = %q, want DISPATCHED", got.State)
	}
}

func TestStore_DecisionLogFoldsLocationCase(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if err := s.AppendDecision(ctx, "a-1", decision("Bulacan", t0)); err != nil {
		t.Fatalf("AppendDecision: %v", err)
	}
	if err := s.AppendDecision(ctx, "a-2", decision("BULACAN", t0.Add(time.Second))); err != nil {
		t.Fatalf("AppendDecision: %v", err)
	}
	err := s.AppendDecision(ctx, "a-3", decision("bulacan", t0))
	if !errors.Is(err, dispatch.ErrDuplicateDecision) {
		t.Errorf("same key in another case = %v, want ErrDuplicateDecision", err)
	}

	got, err := s.ListDecisions(ctx, " bulacan ", 10)
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
}
