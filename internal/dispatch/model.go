package dispatch

import (
	"slices"
	"time"

	"github.com/linnemanlabs/floodgate/internal/gate"
)

// State tracks where a dispatch attempt is in its lifecycle.
type State string

const (
	// StatePending means created, evidence being gathered
	StatePending State = "PENDING"

	// StateEvaluated means the gate has produced a decision
	StateEvaluated State = "EVALUATED"

	// StateDispatched means the decision approved and the alert was sent
	StateDispatched State = "DISPATCHED"

	// StateHeld means the gate blocked; terminal unless re-evaluated
	StateHeld State = "HELD"

	// StateDispatchFailed means the gate approved but the notifier failed
	StateDispatchFailed State = "DISPATCH_FAILED"

	// StateSuppressed means an approval for this location was already
	// dispatched inside the guard window
	StateSuppressed State = "SUPPRESSED"
)

// TerminalStates lists the states after which an attempt never changes.
var TerminalStates = []State{StateDispatched, StateHeld, StateDispatchFailed, StateSuppressed}

// Terminal reports whether no further transition will happen.
func (s State) Terminal() bool {
	return slices.Contains(TerminalStates, s)
}

// Attempt is one run of the executor for one location. The embedded
// decision is never modified after it is set.
type Attempt struct {
	ID            string         `json:"id"`
	Location      string         `json:"location"`
	State         State          `json:"state"`
	Decision      *gate.Decision `json:"decision,omitempty"`
	DispatchError string         `json:"dispatch_error,omitempty"`
	Note          string         `json:"note,omitempty"`
	SupersedesID  string         `json:"supersedes_id,omitempty"`
	RequestedBy   string         `json:"requested_by,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	CompletedAt   time.Time      `json:"completed_at,omitzero"`
	Duration      float64        `json:"duration_seconds,omitempty"`
}

// Clone returns a deep copy.
func (a *Attempt) Clone() *Attempt {
	cp := *a
	if a.Decision != nil {
		d := a.Decision.Clone()
		cp.Decision = &d
	}
	return &cp
}

// ReplayResult compares a stored decision with a fresh evaluation of the
// same verdicts and policy.
type ReplayResult struct {
	AttemptID  string        `json:"attempt_id"`
	Stored     gate.Decision `json:"stored"`
	Recomputed gate.Decision `json:"recomputed"`
	Match      bool          `json:"match"`
	Mismatch   string        `json:"mismatch,omitempty"`
}
