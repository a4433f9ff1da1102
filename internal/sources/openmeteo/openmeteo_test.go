package openmeteo

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/floodgate/internal/evidence"
)

const floodJSON = `{
  "latitude": 14.85, "longitude": 120.8,
  "daily": {
    "time": ["2026-02-25","2026-02-26","2026-02-27"],
    "river_discharge": [410.2, 855.0, 900.1],
    "river_discharge_max": [520.0, null, 1240.4]
  }
}`

func newTestSource(t *testing.T, cfg Config, handler http.HandlerFunc) *Source {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg.Endpoint = srv.URL
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestFetch_PeakAgainstThreshold(t *testing.T) {
	t.Parallel()

	s := newTestSource(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/flood" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("latitude") != "14.85" || q.Get("longitude") != "120.81" {
			t.Errorf("coords = %s,%s", q.Get("latitude"), q.Get("longitude"))
		}
		if q.Get("daily") != "river_discharge,river_discharge_max" {
			t.Errorf("daily = %q", q.Get("daily"))
		}
		if q.Get("forecast_days") != "2" {
			t.Errorf("forecast_days = %q", q.Get("forecast_days"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, floodJSON)
	})
	now := time.Date(2026, 2, 25, 20, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	rec, found, err := s.Fetch(context.Background(), "bulacan")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatal("expected found")
	}
	// day 2 has no max, so its mean (855) is the peak; day 3 is past tomorrow
	if v, _ := rec.MetricValue.Float(); v != 855 {
		t.Errorf("metric_value = %v, want 855", v)
	}
	if th, _ := rec.MetricThreshold.Float(); th != 800 {
		t.Errorf("metric_threshold = %v, want 800", th)
	}
	if rec.Location != "Bulacan" || rec.Category != evidence.CategorySecondary || rec.Unit != Unit {
		t.Errorf("record identity = %s/%s/%s", rec.Location, rec.Category, rec.Unit)
	}
	if !rec.ObservedAt.Equal(now) {
		t.Errorf("observed_at = %v, want %v", rec.ObservedAt, now)
	}

	v := evidence.Assess(rec, now)
	if !v.Critical || v.Basis != evidence.BasisThresholdMet {
		t.Errorf("verdict = %+v, want critical threshold_met", v)
	}
}

func TestFetch_UnknownLocation(t *testing.T) {
	t.Parallel()

	s := newTestSource(t, Config{}, func(_ http.ResponseWriter, _ *http.Request) {
		t.Fatal("should not have made HTTP request")
	})

	_, found, err := s.Fetch(context.Background(), "Atlantis")
	if err != nil || found {
		t.Errorf("Fetch(Atlantis) = found %v, err %v", found, err)
	}
}

func TestFetch_AllNullIsAbsent(t *testing.T) {
	t.Parallel()

	s := newTestSource(t, Config{}, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `{"daily":{"time":["2026-02-25"],"river_discharge":[null],"river_discharge_max":[null]}}`)
	})

	rec, found, err := s.Fetch(context.Background(), "Marikina")
	if err != nil || !found {
		t.Fatalf("Fetch = found %v, err %v", found, err)
	}
	if rec.MetricValue.Present() {
		t.Errorf("metric_value = %s, want absent", rec.MetricValue)
	}
	if v := evidence.Assess(rec, time.Time{}); v.Critical || v.Basis != evidence.BasisInsufficientData {
		t.Errorf("verdict = %+v, want insufficient data", v)
	}
}

func TestFetch_ZeroThresholdIsAbsent(t *testing.T) {
	t.Parallel()

	s := newTestSource(t, Config{Sites: map[string]Site{"Cainta": {Latitude: 14.57, Longitude: 121.12}}},
		func(w http.ResponseWriter, _ *http.Request) {
			_, _ = fmt.Fprint(w, floodJSON)
		})

	rec, _, err := s.Fetch(context.Background(), "Cainta")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.MetricThreshold.Present() {
		t.Error("expected absent threshold")
	}
}

func TestFetch_Caches(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	s := newTestSource(t, Config{CacheTTL: time.Minute}, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = fmt.Fprint(w, floodJSON)
	})
	now := time.Date(2026, 2, 25, 20, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	for range 3 {
		if _, _, err := s.Fetch(context.Background(), "Bulacan"); err != nil {
			t.Fatalf("Fetch: %v", err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1 within ttl", got)
	}

	now = now.Add(2 * time.Minute)
	if _, _, err := s.Fetch(context.Background(), "Bulacan"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2 after ttl", got)
	}
}

func TestFetch_CacheDisabled(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	s := newTestSource(t, Config{CacheTTL: -1, RequestsPerSecond: 1000, Burst: 10}, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = fmt.Fprint(w, floodJSON)
	})

	for range 2 {
		if _, _, err := s.Fetch(context.Background(), "Bulacan"); err != nil {
			t.Fatalf("Fetch: %v", err)
		}
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2 with cache disabled", got)
	}
}

func TestFetch_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"api error", http.StatusBadRequest, `{"error":true,"reason":"Latitude must be in range"}`, "Latitude must be in range"},
		{"http 502", http.StatusBadGateway, "bad gateway", "502"},
		{"not json", http.StatusOK, "<html>", "decode response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := newTestSource(t, Config{}, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = fmt.Fprint(w, tt.body)
			})

			_, _, err := s.Fetch(context.Background(), "Pasig")
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestFetch_RateLimitHonorsContext(t *testing.T) {
	t.Parallel()

	s := newTestSource(t, Config{CacheTTL: -1, RequestsPerSecond: 0.001, Burst: 1}, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, floodJSON)
	})

	if _, _, err := s.Fetch(context.Background(), "Bulacan"); err != nil {
		t.Fatalf("first Fetch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := s.Fetch(ctx, "Bulacan")
	if err == nil || !strings.Contains(err.Error(), "rate limit") {
		t.Fatalf("err = %v, want rate limit error", err)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad endpoint", Config{Endpoint: "http://[::1"}},
		{"bad latitude", Config{Sites: map[string]Site{"x": {Latitude: 91}}}},
		{"negative threshold", Config{Sites: map[string]Site{"x": {DischargeThreshold: -1}}}},
		{"horizon too long", Config{ForecastDays: 400}},
		{"horizon past tomorrow", Config{ForecastDays: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestFetch_IgnoresDaysPastTomorrow(t *testing.T) {
	t.Parallel()

	s := newTestSource(t, Config{}, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `{"daily":{
			"time": ["2026-02-25","2026-02-26","2026-02-27","2026-03-02"],
			"river_discharge_max": [300, 420, 5000, 9000]}}`)
	})
	s.now = func() time.Time { return time.Date(2026, 2, 25, 23, 59, 0, 0, time.UTC) }

	rec, found, err := s.Fetch(context.Background(), "Bulacan")
	if err != nil || !found {
		t.Fatalf("Fetch = %v, %v", found, err)
	}
	if v, _ := rec.MetricValue.Float(); v != 420 {
		t.Errorf("metric_value = %v, want 420 (tomorrow's max)", v)
	}
	v := evidence.Assess(rec, s.now())
	if v.Critical {
		t.Errorf("verdict = %+v; a peak three days out must not corroborate", v)
	}
}
