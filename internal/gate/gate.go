package gate

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/linnemanlabs/floodgate/internal/evidence"
)

// Gate applies one validated policy. It is safe for concurrent use.
type Gate struct {
	policy Policy
	now    func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the clock used to stamp decisions.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New validates p and returns a gate for it. A bad policy is a startup
// error, never a per-decision one.
func New(p Policy, opts ...Option) (*Gate, error) {
	p = p.normalized()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	g := &Gate{policy: p, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// Policy returns the policy the gate enforces.
func (g *Gate) Policy() Policy { return g.policy }

// Evaluate decides for location using the gate's policy and clock.
func (g *Gate) Evaluate(location string, verdicts []evidence.Verdict) Decision {
	return Evaluate(location, verdicts, g.policy, g.now())
}

// Evaluate is the dispatch gate. It performs no I/O and never fails: every
// reason not to act is returned as a BLOCK decision with a quotable
// justification. The same inputs always produce the same decision apart
// from DecidedAt.
func Evaluate(location string, verdicts []evidence.Verdict, p Policy, decidedAt time.Time) Decision {
	p = p.normalized()
	d := Decision{
		Location:   location,
		Verdicts:   slices.Clone(verdicts),
		Policy:     p,
		PolicyHash: p.Digest(),
		DecidedAt:  decidedAt.UTC().Truncate(time.Microsecond),
	}
	if d.Verdicts == nil {
		d.Verdicts = []evidence.Verdict{}
	}

	d.Outcome, d.Reason, d.Justification = decide(location, d.Verdicts, p)
	d.Fingerprint = fingerprint(d)
	return d
}

func decide(loc string, verdicts []evidence.Verdict, p Policy) (Outcome, Reason, string) {
	if err := p.Validate(); err != nil {
		return Block, ReasonInvalidPolicy, fmt.Sprintf("policy rejected, dispatch held for %s: %v", loc, err)
	}

	if len(verdicts) == 0 {
		return Block, ReasonNoEvidence, fmt.Sprintf(
			"no primary evidence: nothing was reported for %s; this is not a confirmed-safe reading", loc)
	}

	var primaries, others []evidence.Verdict
	for _, v := range verdicts {
		if v.Category == evidence.CategoryPrimary {
			primaries = append(primaries, v)
		} else {
			others = append(others, v)
		}
	}

	if len(primaries) == 0 {
		return Block, ReasonNoPrimaryEvidence, fmt.Sprintf(
			"no primary evidence for %s; %s cannot authorize dispatch without a primary source",
			loc, sourceList(others))
	}

	reporting := withEvidence(primaries)
	if len(reporting) == 0 {
		return Block, ReasonNoPrimaryEvidence, fmt.Sprintf(
			"no primary evidence for %s: %s reported nothing", loc, sourceList(primaries))
	}

	critical, calm := split(reporting, func(v evidence.Verdict) bool { return v.Critical })
	if len(critical) > 0 && len(calm) > 0 {
		return Block, ReasonPrimaryDisagreement, fmt.Sprintf(
			"primary sources disagree for %s: %s critical, but %s",
			loc, sourceList(critical), describe(calm))
	}

	if p.HoldOnLabelConflict {
		if conflicted, _ := split(reporting, func(v evidence.Verdict) bool { return v.Conflict }); len(conflicted) > 0 {
			return Block, ReasonLabelConflict, fmt.Sprintf(
				"sensor conflict for %s, manual verification required: %s", loc, explain(conflicted))
		}
	}

	support, against := split(others, func(v evidence.Verdict) bool { return corroborates(v, p) })

	if len(critical) == 0 {
		if len(support) == 0 {
			return Block, ReasonNoCriticalEvidence, fmt.Sprintf(
				"no critical evidence for %s: %s", loc, describe(calm))
		}
		return Block, ReasonConflictingEvidence, fmt.Sprintf(
			"conflicting evidence for %s: primary %s, but %s",
			loc, describe(calm), describeCritical(support))
	}

	agreeing := 1 + len(support)
	if agreeing >= p.RequiredSources {
		names := append([]string{sourceList(critical)}, sourceIDs(support)...)
		return Approve, ReasonConfirmed, fmt.Sprintf(
			"critical evidence for %s confirmed by %d of %d required sources: %s",
			loc, agreeing, p.RequiredSources, strings.Join(names, ", "))
	}

	// citizen signal below the tier is silence, not dissent
	dissent, _ := split(withEvidence(against), func(v evidence.Verdict) bool {
		return v.Category != evidence.CategoryCitizen
	})
	if len(dissent) == 0 {
		return Block, ReasonInsufficientAgreement, fmt.Sprintf(
			"insufficient agreement for %s: primary %s critical but no independent source corroborates (%d of %d required sources)",
			loc, sourceList(critical), agreeing, p.RequiredSources)
	}
	return Block, ReasonConflictingEvidence, fmt.Sprintf(
		"conflicting evidence for %s: primary %s critical, but %s (%d of %d required sources)",
		loc, sourceList(critical), describe(dissent), agreeing, p.RequiredSources)
}

// corroborates reports whether a non-primary verdict counts as an agreeing source.
func corroborates(v evidence.Verdict, p Policy) bool {
	if v.Category == evidence.CategoryCitizen {
		return p.CitizenCorroborates && v.Basis == evidence.BasisCitizenSignal &&
			v.Confidence.AtLeast(p.MinCitizenConfidence)
	}
	return v.Critical
}

func withEvidence(vs []evidence.Verdict) []evidence.Verdict {
	out, _ := split(vs, evidence.Verdict.HasEvidence)
	return out
}

func split(vs []evidence.Verdict, pred func(evidence.Verdict) bool) (yes, no []evidence.Verdict) {
	for _, v := range vs {
		if pred(v) {
			yes = append(yes, v)
		} else {
			no = append(no, v)
		}
	}
	return yes, no
}

func sourceIDs(vs []evidence.Verdict) []string {
	ids := make([]string, 0, len(vs))
	for _, v := range vs {
		ids = append(ids, v.SourceID)
	}
	return ids
}

func sourceList(vs []evidence.Verdict) string {
	if len(vs) == 0 {
		return "no source"
	}
	return strings.Join(sourceIDs(vs), ", ")
}

// describe renders "id not critical (rationale)" so every BLOCK can be quoted as is.
func describe(vs []evidence.Verdict) string {
	parts := make([]string, 0, len(vs))
	for _, v := range vs {
		parts = append(parts, fmt.Sprintf("%s not critical (%s)", v.SourceID, v.Rationale))
	}
	return strings.Join(parts, "; ")
}

func describeCritical(vs []evidence.Verdict) string {
	parts := make([]string, 0, len(vs))
	for _, v := range vs {
		verb := "critical"
		if v.Category == evidence.CategoryCitizen {
			verb = "corroborates"
		}
		parts = append(parts, fmt.Sprintf("%s %s (%s)", v.SourceID, verb, v.Rationale))
	}
	return strings.Join(parts, "; ")
}

func explain(vs []evidence.Verdict) string {
	parts := make([]string, 0, len(vs))
	for _, v := range vs {
		parts = append(parts, v.SourceID+": "+v.Rationale)
	}
	return strings.Join(parts, "; ")
}
