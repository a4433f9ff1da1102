package evidence

import (
	"fmt"
	"strings"
	"time"
)

// NoEvidence is the verdict for a source that produced nothing for a location.
func NoEvidence(sourceID string, category Category, location string) Verdict {
	return Verdict{
		SourceID:  sourceID,
		Category:  category,
		Location:  location,
		Basis:     BasisNoEvidence,
		Rationale: "no evidence",
	}
}

// Assess derives the verdict for a single record. asOf is the evaluation
// time used for freshness; a zero asOf skips the freshness check.
// Assess never fails: every anomaly becomes a non-critical verdict.
func Assess(rec Record, asOf time.Time) Verdict {
	v := assess(rec, asOf)
	v.Rationale = Printable(v.Rationale)
	return v
}

func assess(rec Record, asOf time.Time) Verdict {
	v := Verdict{
		SourceID: rec.SourceID,
		Category: rec.Category,
		Location: rec.Location,
	}

	if !rec.Category.Valid() {
		return malformed(v, fmt.Sprintf("unknown category %q", rec.Category))
	}

	if age, stale := staleness(rec, asOf); stale {
		v.Basis = BasisStale
		v.Rationale = fmt.Sprintf("stale evidence: observed %s before evaluation, freshness limit %s",
			age.Round(time.Second), rec.Freshness.Std())
		if rec.Category == CategoryCitizen {
			v.Confidence = ConfidenceLow
		}
		return v
	}

	if rec.Category == CategoryCitizen {
		return assessCitizen(v, rec)
	}
	return assessSensor(v, rec)
}

func staleness(rec Record, asOf time.Time) (time.Duration, bool) {
	if rec.Freshness <= 0 || asOf.IsZero() || rec.ObservedAt.IsZero() {
		return 0, false
	}
	age := asOf.Sub(rec.ObservedAt)
	return age, age > rec.Freshness.Std()
}

// assessSensor applies the instrument rule:
// critical = label is CRITICAL* OR (value and threshold present AND value >= threshold).
func assessSensor(v Verdict, rec Record) Verdict {
	if rec.MetricValue.Malformed() {
		return malformed(v, "metric_value "+rec.MetricValue.String()+" is not numeric")
	}
	if rec.MetricThreshold.Malformed() {
		return malformed(v, "metric_threshold "+rec.MetricThreshold.String()+" is not numeric")
	}

	label := rec.Status.normalize()
	if !label.known() {
		return malformed(v, fmt.Sprintf("unknown status label %q", rec.Status))
	}

	value, hasValue := rec.MetricValue.Float()
	threshold, hasThreshold := rec.MetricThreshold.Float()
	comparable := hasValue && hasThreshold
	thresholdMet := comparable && value >= threshold
	labelCritical := label.IsCritical()

	reading := fmt.Sprintf("reading %s%s", rec.MetricValue, unitSuffix(rec.Unit))

	switch {
	case labelCritical && thresholdMet:
		v.Critical = true
		v.Basis = BasisStatusLabel
		v.Rationale = fmt.Sprintf("status %s; %s >= threshold %s", label, reading, rec.MetricThreshold)
	case labelCritical:
		v.Critical = true
		v.Basis = BasisStatusLabel
		v.Rationale = fmt.Sprintf("status %s", label)
		if comparable {
			v.Conflict = true
			v.Rationale += fmt.Sprintf("; %s below threshold %s disagrees with status", reading, rec.MetricThreshold)
		}
	case thresholdMet:
		v.Critical = true
		v.Basis = BasisThresholdMet
		v.Rationale = fmt.Sprintf("%s >= threshold %s", reading, rec.MetricThreshold)
		if label == StatusNormal {
			v.Conflict = true
			v.Rationale += "; status NORMAL disagrees with reading"
		}
	case !comparable:
		v.Basis = BasisInsufficientData
		v.Rationale = "insufficient data: " + missingFields(hasValue, hasThreshold)
		if label != "" {
			v.Rationale = fmt.Sprintf("status %s; %s", label, v.Rationale)
		}
	default:
		v.Basis = BasisBelowThreshold
		v.Rationale = fmt.Sprintf("%s below threshold %s", reading, rec.MetricThreshold)
		if label != "" {
			v.Rationale = fmt.Sprintf("status %s; %s", label, v.Rationale)
		}
	}
	return v
}

// assessCitizen attaches a confidence tier. Citizen verdicts are never
// critical here; the gate policy decides which tier corroborates.
func assessCitizen(v Verdict, rec Record) Verdict {
	v.Basis = BasisCitizenSignal
	if rec.ReportCount <= 0 {
		v.Confidence = ConfidenceLow
		v.Rationale = "no citizen reports"
		return v
	}

	conf := ConfidenceLow
	if rec.Confidence != "" {
		parsed, err := ParseConfidence(rec.Confidence)
		if err != nil {
			v = malformed(v, err.Error())
			v.Confidence = ConfidenceLow
			return v
		}
		conf = parsed
	}

	v.Confidence = conf
	noun := "reports"
	if rec.ReportCount == 1 {
		noun = "report"
	}
	v.Rationale = fmt.Sprintf("%d citizen %s, confidence %s", rec.ReportCount, noun, conf)
	return v
}

func malformed(v Verdict, detail string) Verdict {
	v.Critical = false
	v.Basis = BasisMalformed
	v.Rationale = "malformed: " + detail
	return v
}

func missingFields(hasValue, hasThreshold bool) string {
	var missing []string
	if !hasValue {
		missing = append(missing, "metric_value")
	}
	if !hasThreshold {
		missing = append(missing, "metric_threshold")
	}
	return strings.Join(missing, " and ") + " missing"
}

func unitSuffix(unit string) string {
	if unit == "" {
		return ""
	}
	return " " + unit
}
