package evidence

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestReading_UnmarshalJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in        string
		present   bool
		malformed bool
		value     float64
	}{
		{in: `18.5`, present: true, value: 18.5},
		{in: `"15.0"`, present: true, value: 15},
		{in: `null`},
		{in: `""`},
		{in: `"high"`, malformed: true},
		{in: `true`, malformed: true},
		{in: `"NaN"`, malformed: true},
		{in: `[1]`, malformed: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			var r Reading
			if err := json.Unmarshal([]byte(tt.in), &r); err != nil {
				t.Fatalf("Unmarshal should never fail, got %v", err)
			}
			if r.Present() != tt.present || r.Malformed() != tt.malformed {
				t.Fatalf("got present=%v malformed=%v", r.Present(), r.Malformed())
			}
			if v, ok := r.Float(); ok && v != tt.value {
				t.Errorf("value = %v, want %v", v, tt.value)
			}
		})
	}
}

func TestRecord_DecodeYAML(t *testing.T) {
	t.Parallel()

	doc := `
source_id: pagasa-gauge
category: primary
location: Bulacan
observed_at: 2026-09-01T06:00:00Z
metric_value: 18.5
metric_threshold: 15.0
unit: m
status_label: CRITICAL_SPILL_LEVEL
freshness: 30m
`
	var rec Record
	if err := yaml.Unmarshal([]byte(doc), &rec); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if v, ok := rec.MetricValue.Float(); !ok || v != 18.5 {
		t.Errorf("metric_value = %v", rec.MetricValue)
	}
	if rec.Freshness.Std() != 30*time.Minute {
		t.Errorf("freshness = %v", rec.Freshness.Std())
	}
	if rec.Status != StatusCriticalSpill {
		t.Errorf("status = %q", rec.Status)
	}

	var bad Record
	if err := yaml.Unmarshal([]byte("metric_value: rising\nmetric_threshold: ~\n"), &bad); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !bad.MetricValue.Malformed() || bad.MetricThreshold.Present() {
		t.Errorf("got value=%v threshold=%v", bad.MetricValue, bad.MetricThreshold)
	}
}

func TestReading_MarshalRoundTripKeepsMalformedText(t *testing.T) {
	t.Parallel()

	rec := Record{MetricValue: Malformed("rising"), MetricThreshold: Value(15)}
	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got Record
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.MetricValue.Raw() != "rising" {
		t.Errorf("raw = %q, want rising", got.MetricValue.Raw())
	}
}

func TestValue_NonFinite(t *testing.T) {
	t.Parallel()

	if !Value(math.Inf(1)).Malformed() {
		t.Error("+Inf should be malformed")
	}
	if !Value(math.NaN()).Malformed() {
		t.Error("NaN should be malformed")
	}
}

func TestDuration_Seconds(t *testing.T) {
	t.Parallel()

	var d Duration
	if err := json.Unmarshal([]byte(`90`), &d); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if d.Std() != 90*time.Second {
		t.Errorf("got %v", d.Std())
	}
	if err := json.Unmarshal([]byte(`"soon"`), &d); err == nil {
		t.Error("expected error for bad duration")
	}
}
