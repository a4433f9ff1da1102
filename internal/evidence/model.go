package evidence

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Category identifies which evidence channel a source belongs to.
type Category string

const (
	// CategoryPrimary is the authoritative instrument channel (river gauge).
	CategoryPrimary Category = "primary"

	// CategorySecondary is an independent channel used to corroborate or contradict the primary.
	CategorySecondary Category = "secondary"

	// CategoryCitizen is crowd-sourced signal. It carries a confidence tier, never a binary.
	CategoryCitizen Category = "citizen"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryPrimary, CategorySecondary, CategoryCitizen:
		return true
	}
	return false
}

// StatusLabel is the status an instrument reports alongside its reading.
type StatusLabel string

const (
	StatusNormal        StatusLabel = "NORMAL"
	StatusElevated      StatusLabel = "ELEVATED"
	StatusCritical      StatusLabel = "CRITICAL"
	StatusCriticalSpill StatusLabel = "CRITICAL_SPILL_LEVEL"
)

// normalize upper-cases and trims the label. Empty means "not reported".
func (s StatusLabel) normalize() StatusLabel {
	return StatusLabel(strings.ToUpper(strings.TrimSpace(string(s))))
}

func (s StatusLabel) known() bool {
	switch s {
	case "", StatusNormal, StatusElevated, StatusCritical, StatusCriticalSpill:
		return true
	}
	return false
}

// IsCritical reports whether the label alone marks the reading critical.
func (s StatusLabel) IsCritical() bool {
	switch s.normalize() {
	case StatusCritical, StatusCriticalSpill:
		return true
	}
	return false
}

// Confidence is the tier attached to citizen signal.
type Confidence string

const (
	ConfidenceLow    Confidence = "LOW"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceHigh   Confidence = "HIGH"
)

// ParseConfidence accepts LOW, MEDIUM or HIGH in any case.
func ParseConfidence(s string) (Confidence, error) {
	switch c := Confidence(strings.ToUpper(strings.TrimSpace(s))); c {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return c, nil
	default:
		return "", fmt.Errorf("unknown confidence %q", s)
	}
}

// Rank orders tiers; unknown tiers rank below LOW.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceLow:
		return 1
	case ConfidenceMedium:
		return 2
	case ConfidenceHigh:
		return 3
	}
	return 0
}

// AtLeast reports whether c meets the minimum tier.
func (c Confidence) AtLeast(min Confidence) bool {
	return c.Rank() > 0 && c.Rank() >= min.Rank()
}

// Record is one source's observation of one location at one point in time.
// Records are values; nothing in this package mutates a Record after decoding.
type Record struct {
	SourceID        string      `json:"source_id" yaml:"source_id"`
	Category        Category    `json:"category" yaml:"category"`
	Location        string      `json:"location" yaml:"location"`
	ObservedAt      time.Time   `json:"observed_at" yaml:"observed_at"`
	MetricValue     Reading     `json:"metric_value" yaml:"metric_value"`
	MetricThreshold Reading     `json:"metric_threshold" yaml:"metric_threshold"`
	Unit            string      `json:"unit,omitempty" yaml:"unit,omitempty"`
	Status          StatusLabel `json:"status_label,omitempty" yaml:"status_label,omitempty"`
	Freshness       Duration    `json:"freshness,omitempty" yaml:"freshness,omitempty"`

	// citizen signal
	Confidence  string   `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	ReportCount int      `json:"report_count,omitempty" yaml:"report_count,omitempty"`
	Highlights  []string `json:"highlights,omitempty" yaml:"highlights,omitempty"`
}

// Basis is a stable code naming which rule produced a verdict.
type Basis string

const (
	BasisStatusLabel      Basis = "status_label"
	BasisThresholdMet     Basis = "threshold_met"
	BasisBelowThreshold   Basis = "below_threshold"
	BasisInsufficientData Basis = "insufficient_data"
	BasisMalformed        Basis = "malformed"
	BasisStale            Basis = "stale"
	BasisNoEvidence       Basis = "no_evidence"
	BasisCitizenSignal    Basis = "citizen_signal"
)

// Verdict is the risk assessment derived from exactly one Record.
// There is no unknown state: anything that cannot be confirmed critical is
// represented as Critical=false with a rationale.
type Verdict struct {
	SourceID   string     `json:"source_id"`
	Category   Category   `json:"category"`
	Location   string     `json:"location"`
	Critical   bool       `json:"is_critical"`
	Confidence Confidence `json:"confidence,omitempty"`
	Basis      Basis      `json:"basis"`
	Conflict   bool       `json:"label_conflict,omitempty"`
	Rationale  string     `json:"rationale"`
}

// HasEvidence reports whether the verdict was derived from an actual record.
func (v Verdict) HasEvidence() bool {
	return v.Basis != BasisNoEvidence
}

// Duration is a time.Duration that decodes from "30m"-style strings or from a
// plain number of seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch x := v.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(time.Duration(x * float64(time.Second)))
	case int:
		*d = Duration(time.Duration(x) * time.Second)
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("freshness: %w", err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("freshness: unsupported value %v", v)
	}
	return nil
}
