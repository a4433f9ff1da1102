package gate

import (
	"fmt"
	"slices"
	"time"

	"github.com/linnemanlabs/floodgate/internal/evidence"
)

// Outcome is the gate's terminal answer.
type Outcome string

const (
	Approve Outcome = "APPROVE"
	Block   Outcome = "BLOCK"
)

// Reason is a stable code for why the gate decided as it did.
type Reason string

const (
	ReasonConfirmed             Reason = "confirmed"
	ReasonNoEvidence            Reason = "no_evidence"
	ReasonNoPrimaryEvidence     Reason = "no_primary_evidence"
	ReasonPrimaryDisagreement   Reason = "primary_disagreement"
	ReasonLabelConflict         Reason = "label_conflict"
	ReasonNoCriticalEvidence    Reason = "no_critical_evidence"
	ReasonConflictingEvidence   Reason = "conflicting_evidence"
	ReasonInsufficientAgreement Reason = "insufficient_agreement"
	ReasonInvalidPolicy         Reason = "invalid_policy"
)

// Decision is the terminal, auditable result of one evaluation. Everything in
// it except DecidedAt is a pure function of Verdicts and Policy, and
// Fingerprint commits to exactly that content.
type Decision struct {
	Location      string             `json:"location"`
	Outcome       Outcome            `json:"outcome"`
	Reason        Reason             `json:"reason"`
	Verdicts      []evidence.Verdict `json:"verdicts_considered"`
	Justification string             `json:"justification"`
	Policy        Policy             `json:"policy"`
	PolicyHash    string             `json:"policy_hash"`
	Fingerprint   string             `json:"fingerprint"`
	DecidedAt     time.Time          `json:"decided_at"`
}

// Approved reports whether the caller may perform the dispatch side effect.
func (d Decision) Approved() bool { return d.Outcome == Approve }

// Summary is a one-line rendering for logs and notifications.
func (d Decision) Summary() string {
	return fmt.Sprintf("%s %s (%s): %s", d.Outcome, d.Location, d.Reason, d.Justification)
}

// Clone returns a copy that shares no slices with d.
func (d Decision) Clone() Decision {
	d.Verdicts = slices.Clone(d.Verdicts)
	return d
}

// fingerprintView is the content the fingerprint commits to. DecidedAt is
// excluded so that replaying the same evidence reproduces the same value.
type fingerprintView struct {
	Location      string             `json:"location"`
	Outcome       Outcome            `json:"outcome"`
	Reason        Reason             `json:"reason"`
	Verdicts      []evidence.Verdict `json:"verdicts_considered"`
	Justification string             `json:"justification"`
	PolicyHash    string             `json:"policy_hash"`
}

func fingerprint(d Decision) string {
	verdicts := d.Verdicts
	if verdicts == nil {
		verdicts = []evidence.Verdict{}
	}
	sum, err := canonicalDigest(fingerprintView{
		Location:      d.Location,
		Outcome:       d.Outcome,
		Reason:        d.Reason,
		Verdicts:      verdicts,
		Justification: d.Justification,
		PolicyHash:    d.PolicyHash,
	})
	if err != nil {
		// verdicts hold only strings and bools
		panic(err)
	}
	return sum
}
