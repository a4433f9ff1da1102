package dispatch

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/floodgate/internal/evidence"
	"github.com/linnemanlabs/floodgate/internal/gate"
)

// Hooks are optional callbacks fired by the Service. Nil fields are skipped.
type Hooks struct {
	OnVerdict  func(v evidence.Verdict)
	OnDecision func(d gate.Decision)
	OnComplete func(state State, duration float64)
	OnRequest  func(result string)
}

func (h Hooks) verdict(v evidence.Verdict) {
	if h.OnVerdict != nil {
		h.OnVerdict(v)
	}
}

func (h Hooks) decision(d gate.Decision) {
	if h.OnDecision != nil {
		h.OnDecision(d)
	}
}

func (h Hooks) complete(s State, duration float64) {
	if h.OnComplete != nil {
		h.OnComplete(s, duration)
	}
}

func (h Hooks) request(result string) {
	if h.OnRequest != nil {
		h.OnRequest(result)
	}
}

// Metrics holds Prometheus metrics for the dispatch subsystem.
type Metrics struct {
	VerdictsTotal    *prometheus.CounterVec
	DecisionsTotal   *prometheus.CounterVec
	AttemptsTotal    *prometheus.CounterVec
	AttemptDuration  *prometheus.HistogramVec
	RequestsTotal    *prometheus.CounterVec
	VerdictsPerInput prometheus.Histogram
}

// NewMetrics registers and returns dispatch metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		VerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "floodgate_verdicts_total",
			Help: "Risk verdicts by source, category, criticality and basis.",
		}, []string{"source", "category", "critical", "basis"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "floodgate_decisions_total",
			Help: "Gate decisions by outcome and reason.",
		}, []string{"outcome", "reason"}),
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "floodgate_attempts_total",
			Help: "Dispatch attempts by final state.",
		}, []string{"state"}),
		AttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "floodgate_attempt_duration_seconds",
			Help:    "Duration of dispatch attempts in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}, []string{"state"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "floodgate_requests_total",
			Help: "Assessment requests by result.",
		}, []string{"result"}),
		VerdictsPerInput: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "floodgate_verdicts_per_decision",
			Help:    "Number of verdicts considered per decision.",
			Buckets: prometheus.LinearBuckets(0, 1, 8), // 0 .. 7
		}),
	}

	reg.MustRegister(
		m.VerdictsTotal,
		m.DecisionsTotal,
		m.AttemptsTotal,
		m.AttemptDuration,
		m.RequestsTotal,
		m.VerdictsPerInput,
	)

	return m
}

// otherSource is the source label for verdicts from sources that are not
// registered providers, such as records supplied in a request body.
const otherSource = "other"

// Hooks returns Hooks that increment the corresponding metrics. Every
// verdict is labelled source="other"; use HooksFor to label registered sources.
func (m *Metrics) Hooks() Hooks {
	return m.HooksFor(nil)
}

// HooksFor is Hooks with the source label kept for the given providers only,
// so request bodies cannot grow the label set.
func (m *Metrics) HooksFor(providers []evidence.Provider) Hooks {
	known := make(map[string]bool, len(providers))
	for _, p := range providers {
		known[p.SourceID()] = true
	}
	return Hooks{
		OnVerdict: func(v evidence.Verdict) {
			source := otherSource
			if known[v.SourceID] {
				source = v.SourceID
			}
			m.VerdictsTotal.WithLabelValues(source, string(v.Category), strconv.FormatBool(v.Critical), string(v.Basis)).Inc()
		},
		OnDecision: func(d gate.Decision) {
			m.DecisionsTotal.WithLabelValues(string(d.Outcome), string(d.Reason)).Inc()
			m.VerdictsPerInput.Observe(float64(len(d.Verdicts)))
		},
		OnComplete: func(s State, duration float64) {
			m.AttemptsTotal.WithLabelValues(string(s)).Inc()
			m.AttemptDuration.WithLabelValues(string(s)).Observe(duration)
		},
		OnRequest: func(result string) {
			m.RequestsTotal.WithLabelValues(result).Inc()
		},
	}
}
