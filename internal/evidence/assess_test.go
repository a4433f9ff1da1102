package evidence

import (
	"strings"
	"testing"
	"time"
)

func sensor(value, threshold Reading, label StatusLabel) Record {
	return Record{
		SourceID:        "gauge",
		Category:        CategoryPrimary,
		Location:        "Marikina",
		MetricValue:     value,
		MetricThreshold: threshold,
		Status:          label,
	}
}

func TestAssess_SensorRule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		rec          Record
		wantCritical bool
		wantBasis    Basis
		wantConflict bool
		wantIn       string
	}{
		{
			name:         "critical spill label",
			rec:          sensor(Reading{}, Reading{}, StatusCriticalSpill),
			wantCritical: true,
			wantBasis:    BasisStatusLabel,
			wantIn:       "status CRITICAL_SPILL_LEVEL",
		},
		{
			name:         "critical label lower case",
			rec:          sensor(Reading{}, Reading{}, "critical"),
			wantCritical: true,
			wantBasis:    BasisStatusLabel,
		},
		{
			name:         "reading above threshold",
			rec:          sensor(Value(18.5), Value(15), ""),
			wantCritical: true,
			wantBasis:    BasisThresholdMet,
			wantIn:       "reading 18.5 >= threshold 15",
		},
		{
			name:         "reading exactly at threshold is critical",
			rec:          sensor(Value(15), Value(15), ""),
			wantCritical: true,
			wantBasis:    BasisThresholdMet,
			wantIn:       "reading 15 >= threshold 15",
		},
		{
			name:      "reading just below threshold",
			rec:       sensor(Value(14.99), Value(15), StatusNormal),
			wantBasis: BasisBelowThreshold,
			wantIn:    "reading 14.99 below threshold 15",
		},
		{
			name:      "marikina normal",
			rec:       sensor(Value(12.1), Value(15), StatusNormal),
			wantBasis: BasisBelowThreshold,
			wantIn:    "status NORMAL; reading 12.1 below threshold 15",
		},
		{
			name:         "normal label over threshold conflicts",
			rec:          sensor(Value(13.6), Value(13.5), StatusNormal),
			wantCritical: true,
			wantBasis:    BasisThresholdMet,
			wantConflict: true,
			wantIn:       "status NORMAL disagrees",
		},
		{
			name:         "critical label under threshold conflicts",
			rec:          sensor(Value(10), Value(15), StatusCritical),
			wantCritical: true,
			wantBasis:    BasisStatusLabel,
			wantConflict: true,
			wantIn:       "disagrees with status",
		},
		{
			name:      "missing value",
			rec:       sensor(Reading{}, Value(15), ""),
			wantBasis: BasisInsufficientData,
			wantIn:    "insufficient data: metric_value missing",
		},
		{
			name:      "missing both",
			rec:       sensor(Reading{}, Reading{}, StatusNormal),
			wantBasis: BasisInsufficientData,
			wantIn:    "metric_value and metric_threshold missing",
		},
		{
			name:      "non numeric value",
			rec:       sensor(Malformed("high"), Value(15), ""),
			wantBasis: BasisMalformed,
			wantIn:    `malformed: metric_value "high"`,
		},
		{
			name:      "non numeric threshold with critical label still fails closed",
			rec:       sensor(Value(20), Malformed("n/a"), StatusCritical),
			wantBasis: BasisMalformed,
		},
		{
			name:      "unknown status label",
			rec:       sensor(Value(1), Value(2), "SPICY"),
			wantBasis: BasisMalformed,
			wantIn:    `unknown status label "SPICY"`,
		},
		{
			name:      "unknown category",
			rec:       Record{SourceID: "x", Category: "rumour", Status: StatusCritical},
			wantBasis: BasisMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			v := Assess(tt.rec, time.Time{})
			if v.Critical != tt.wantCritical {
				t.Errorf("Critical = %v, want %v (rationale %q)", v.Critical, tt.wantCritical, v.Rationale)
			}
			if v.Basis != tt.wantBasis {
				t.Errorf("Basis = %q, want %q", v.Basis, tt.wantBasis)
			}
			if v.Conflict != tt.wantConflict {
				t.Errorf("Conflict = %v, want %v", v.Conflict, tt.wantConflict)
			}
			if tt.wantIn != "" && !strings.Contains(v.Rationale, tt.wantIn) {
				t.Errorf("Rationale = %q, want to contain %q", v.Rationale, tt.wantIn)
			}
			if v.SourceID != tt.rec.SourceID || v.Location != tt.rec.Location {
				t.Errorf("identity not carried: %+v", v)
			}
		})
	}
}

func TestAssess_MalformedNeverCritical(t *testing.T) {
	t.Parallel()

	for _, label := range []StatusLabel{StatusCritical, StatusCriticalSpill, StatusNormal, ""} {
		rec := sensor(Malformed("abc"), Value(1), label)
		if v := Assess(rec, time.Time{}); v.Critical {
			t.Errorf("label %q: malformed record assessed critical", label)
		}
	}
}

func TestAssess_Stale(t *testing.T) {
	t.Parallel()

	observed := time.Date(2026, 9, 1, 6, 0, 0, 0, time.UTC)
	rec := sensor(Value(20), Value(15), StatusCritical)
	rec.ObservedAt = observed
	rec.Freshness = Duration(30 * time.Minute)

	fresh := Assess(rec, observed.Add(30*time.Minute))
	if !fresh.Critical {
		t.Errorf("record at exactly the freshness limit should still count, got %q", fresh.Rationale)
	}

	stale := Assess(rec, observed.Add(31*time.Minute))
	if stale.Critical {
		t.Error("stale record must not be critical")
	}
	if stale.Basis != BasisStale || !strings.HasPrefix(stale.Rationale, "stale evidence") {
		t.Errorf("stale verdict = %+v", stale)
	}

	if v := Assess(rec, time.Time{}); !v.Critical {
		t.Error("zero asOf should skip the freshness check")
	}
}

func TestAssess_Citizen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		rec      Record
		wantConf Confidence
		wantIn   string
		basis    Basis
	}{
		{
			name:     "marikina reports",
			rec:      Record{SourceID: "citizen", Category: CategoryCitizen, Location: "Marikina", ReportCount: 3, Confidence: "medium"},
			wantConf: ConfidenceMedium,
			wantIn:   "3 citizen reports, confidence MEDIUM",
			basis:    BasisCitizenSignal,
		},
		{
			name:     "single report defaults low",
			rec:      Record{SourceID: "citizen", Category: CategoryCitizen, ReportCount: 1},
			wantConf: ConfidenceLow,
			wantIn:   "1 citizen report,",
			basis:    BasisCitizenSignal,
		},
		{
			name:     "zero reports is low even if labelled high",
			rec:      Record{SourceID: "citizen", Category: CategoryCitizen, ReportCount: 0, Confidence: "HIGH"},
			wantConf: ConfidenceLow,
			wantIn:   "no citizen reports",
			basis:    BasisCitizenSignal,
		},
		{
			name:     "unknown tier",
			rec:      Record{SourceID: "citizen", Category: CategoryCitizen, ReportCount: 5, Confidence: "certain"},
			wantConf: ConfidenceLow,
			wantIn:   "malformed",
			basis:    BasisMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			v := Assess(tt.rec, time.Time{})
			if v.Critical {
				t.Error("citizen verdict must never be critical on its own")
			}
			if v.Confidence != tt.wantConf {
				t.Errorf("Confidence = %q, want %q", v.Confidence, tt.wantConf)
			}
			if v.Basis != tt.basis {
				t.Errorf("Basis = %q, want %q", v.Basis, tt.basis)
			}
			if !strings.Contains(v.Rationale, tt.wantIn) {
				t.Errorf("Rationale = %q, want to contain %q", v.Rationale, tt.wantIn)
			}
		})
	}
}

func TestNoEvidence(t *testing.T) {
	t.Parallel()

	v := NoEvidence("openmeteo", CategorySecondary, "Rizal")
	if v.Critical || v.HasEvidence() {
		t.Errorf("NoEvidence = %+v", v)
	}
	if v.Rationale != "no evidence" {
		t.Errorf("Rationale = %q, want %q", v.Rationale, "no evidence")
	}
}

func TestConfidence_AtLeast(t *testing.T) {
	t.Parallel()

	if !ConfidenceHigh.AtLeast(ConfidenceMedium) {
		t.Error("HIGH should satisfy MEDIUM")
	}
	if ConfidenceMedium.AtLeast(ConfidenceHigh) {
		t.Error("MEDIUM should not satisfy HIGH")
	}
	if Confidence("").AtLeast(ConfidenceLow) {
		t.Error("empty tier should satisfy nothing")
	}
}
