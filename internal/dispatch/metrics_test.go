package dispatch

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/floodgate/internal/evidence"
)

func TestMetrics_SourceLabelLimitedToProviders(t *testing.T) {
	t.Parallel()

	m := NewMetrics(prometheus.NewRegistry())
	svc := newTestService(t, newMockStore(), &mockNotifier{}, WithMetrics(m))
	ctx := context.Background()

	_, err := svc.Assess(ctx, Request{Location: "Pasig", Records: []evidence.Record{
		{SourceID: "made-up-7f3a", Category: evidence.CategoryPrimary, Status: evidence.StatusCritical},
		{SourceID: "made-up-91bc", Category: evidence.CategorySecondary, Status: evidence.StatusCritical},
	}})
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if _, err := svc.Assess(ctx, Request{Location: "Bulacan"}); err != nil {
		t.Fatalf("Assess: %v", err)
	}

	// two supplied verdicts collapse into "other", two provider verdicts keep their IDs
	if got := testutil.CollectAndCount(m.VerdictsTotal); got != 4 {
		t.Fatalf("verdict series = %d, want 4", got)
	}
	if got := testutil.ToFloat64(m.VerdictsTotal.WithLabelValues(otherSource, "primary", "true", "status_label")); got != 1 {
		t.Errorf("other/primary verdicts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("accepted")); got != 2 {
		t.Errorf("accepted requests = %v, want 2", got)
	}
}

func TestMetrics_HooksWithoutProvidersUseOther(t *testing.T) {
	t.Parallel()

	m := NewMetrics(prometheus.NewRegistry())
	m.Hooks().verdict(evidence.Verdict{SourceID: "anything", Category: evidence.CategoryCitizen, Basis: evidence.BasisCitizenSignal})

	if got := testutil.ToFloat64(m.VerdictsTotal.WithLabelValues(otherSource, "citizen", "false", "citizen_signal")); got != 1 {
		t.Errorf("other/citizen verdicts = %v, want 1", got)
	}
}
