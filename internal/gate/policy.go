package gate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/linnemanlabs/floodgate/internal/evidence"
)

// ErrPolicy wraps every policy misconfiguration.
var ErrPolicy = errors.New("invalid agreement policy")

// Preset names.
const (
	PresetTwoSource    = "two_source"
	PresetSingleSource = "single_source"
	PresetNOfM         = "n_of_m"
)

// Policy is the agreement rule applied by the gate. It is data: swapping a
// policy never changes the gate's control flow.
type Policy struct {
	Name string `json:"name" yaml:"name"`

	// RequiredSources is how many independent sources, the primary channel
	// included, must agree the location is critical before APPROVE.
	RequiredSources int `json:"required_sources" yaml:"required_sources"`

	// CitizenCorroborates lets citizen signal at or above
	// MinCitizenConfidence count as an agreeing source.
	CitizenCorroborates  bool                `json:"citizen_corroborates" yaml:"citizen_corroborates"`
	MinCitizenConfidence evidence.Confidence `json:"min_citizen_confidence" yaml:"min_citizen_confidence"`

	// HoldOnLabelConflict blocks when a primary source's status label
	// contradicts its own reading.
	HoldOnLabelConflict bool `json:"hold_on_label_conflict" yaml:"hold_on_label_conflict"`
}

// TwoSource is the default: a critical primary confirmed by at least one
// independent critical source.
func TwoSource() Policy {
	return Policy{Name: PresetTwoSource, RequiredSources: 2, MinCitizenConfidence: evidence.ConfidenceHigh}
}

// SingleSource approves on a critical primary alone.
func SingleSource() Policy {
	return Policy{Name: PresetSingleSource, RequiredSources: 1, MinCitizenConfidence: evidence.ConfidenceHigh}
}

// NOfM requires n agreeing sources out of however many report.
func NOfM(n int) Policy {
	return Policy{Name: PresetNOfM, RequiredSources: n, MinCitizenConfidence: evidence.ConfidenceHigh}
}

// Preset returns the named preset. n_of_m takes n from required; the other
// presets ignore it.
func Preset(name string, required int) (Policy, error) {
	var p Policy
	switch strings.TrimSpace(name) {
	case PresetTwoSource, "":
		p = TwoSource()
	case PresetSingleSource:
		p = SingleSource()
	case PresetNOfM:
		p = NOfM(required)
	default:
		return Policy{}, fmt.Errorf("%w: unknown preset %q (want one of %s)", ErrPolicy, name, strings.Join(PresetNames(), ", "))
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// PresetNames lists the built-in presets in sorted order.
func PresetNames() []string {
	names := []string{PresetTwoSource, PresetSingleSource, PresetNOfM}
	sort.Strings(names)
	return names
}

// Validate reports every problem with the policy at once.
func (p Policy) Validate() error {
	var errs []error
	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if p.RequiredSources < 1 {
		errs = append(errs, fmt.Errorf("required_sources must be at least 1, got %d", p.RequiredSources))
	}
	if p.MinCitizenConfidence != "" && p.MinCitizenConfidence.Rank() == 0 {
		errs = append(errs, fmt.Errorf("min_citizen_confidence %q is not LOW, MEDIUM or HIGH", p.MinCitizenConfidence))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w %q: %w", ErrPolicy, p.Name, errors.Join(errs...))
}

// normalized fills defaults so two spellings of the same policy hash alike.
func (p Policy) normalized() Policy {
	p.Name = strings.TrimSpace(p.Name)
	if p.MinCitizenConfidence == "" {
		p.MinCitizenConfidence = evidence.ConfidenceHigh
	} else if c, err := evidence.ParseConfidence(string(p.MinCitizenConfidence)); err == nil {
		p.MinCitizenConfidence = c
	}
	return p
}

// Digest is the content hash of the effective policy.
func (p Policy) Digest() string {
	sum, err := canonicalDigest(p.normalized())
	if err != nil {
		// Policy has no float or map fields; marshalling cannot fail.
		panic(err)
	}
	return sum
}

// String renders the policy for logs and audit output.
func (p Policy) String() string {
	s := fmt.Sprintf("%s (required_sources=%d", p.Name, p.RequiredSources)
	if p.CitizenCorroborates {
		s += fmt.Sprintf(", citizen>=%s", p.normalized().MinCitizenConfidence)
	}
	if p.HoldOnLabelConflict {
		s += ", hold_on_label_conflict"
	}
	return s + ")"
}

func canonicalDigest(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
