package gate

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/linnemanlabs/floodgate/internal/evidence"
)

// FormatAudit writes the decision as a stable, human-readable record. The
// layout is fixed so that operators can diff two renderings of a replay.
func FormatAudit(w io.Writer, d Decision) error {
	var b strings.Builder

	fmt.Fprintf(&b, "decision:      %s (%s)\n", d.Outcome, d.Reason)
	fmt.Fprintf(&b, "location:      %s\n", d.Location)
	fmt.Fprintf(&b, "decided_at:    %s\n", d.DecidedAt.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "policy:        %s\n", d.Policy)
	fmt.Fprintf(&b, "policy_hash:   %s\n", d.PolicyHash)
	fmt.Fprintf(&b, "fingerprint:   %s\n", d.Fingerprint)
	fmt.Fprintf(&b, "justification: %s\n", d.Justification)

	fmt.Fprintf(&b, "verdicts (%d):\n", len(d.Verdicts))
	if len(d.Verdicts) == 0 {
		b.WriteString("  (none)\n")
	}
	for i, v := range d.Verdicts {
		fmt.Fprintf(&b, "  %d. [%s] %s: %s", i+1, v.Category, v.SourceID, verdictState(v))
		if v.Conflict {
			b.WriteString(" [label conflict]")
		}
		fmt.Fprintf(&b, " - %s\n", v.Rationale)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func verdictState(v evidence.Verdict) string {
	switch {
	case !v.HasEvidence():
		return "no evidence"
	case v.Category == evidence.CategoryCitizen:
		return "confidence " + string(v.Confidence)
	case v.Critical:
		return "CRITICAL"
	default:
		return "not critical"
	}
}
