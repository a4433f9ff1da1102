package gate

import (
	"errors"
	"fmt"
)

// ErrReplayMismatch means a stored decision no longer reproduces from its
// own verdicts and policy.
var ErrReplayMismatch = errors.New("replay mismatch")

// Replay re-runs the gate over the verdicts and policy stored in d and
// returns the recomputed decision. Nothing outside d is consulted. A
// difference in outcome, reason, justification or fingerprint is reported
// as ErrReplayMismatch alongside the recomputed decision.
func Replay(d Decision) (Decision, error) {
	got := Evaluate(d.Location, d.Verdicts, d.Policy, d.DecidedAt)

	var diffs []error
	if d.PolicyHash != "" && got.PolicyHash != d.PolicyHash {
		diffs = append(diffs, fmt.Errorf("policy_hash %s, stored %s", got.PolicyHash, d.PolicyHash))
	}
	if got.Outcome != d.Outcome {
		diffs = append(diffs, fmt.Errorf("outcome %s, stored %s", got.Outcome, d.Outcome))
	}
	if got.Reason != d.Reason {
		diffs = append(diffs, fmt.Errorf("reason %s, stored %s", got.Reason, d.Reason))
	}
	if got.Justification != d.Justification {
		diffs = append(diffs, fmt.Errorf("justification %q, stored %q", got.Justification, d.Justification))
	}
	if got.Fingerprint != d.Fingerprint {
		diffs = append(diffs, fmt.Errorf("fingerprint %s, stored %s", got.Fingerprint, d.Fingerprint))
	}
	if len(diffs) > 0 {
		return got, fmt.Errorf("%w for %s: %w", ErrReplayMismatch, d.Location, errors.Join(diffs...))
	}
	return got, nil
}
