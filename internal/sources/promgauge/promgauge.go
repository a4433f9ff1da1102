// Package promgauge reads river gauge levels from a Prometheus-compatible
// query API (Prometheus, Mimir, Thanos).
package promgauge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/floodgate/internal/evidence"
)

const (
	DefaultSourceID      = "prometheus-gauge"
	DefaultLocationLabel = "location"
)

// Config describes which series hold the gauge reading and its threshold.
// Both series are selected by a location label.
type Config struct {
	Endpoint        string
	TenantID        string
	SourceID        string
	Category        evidence.Category
	ValueMetric     string
	ThresholdMetric string
	StatusMetric    string
	LocationLabel   string
	Unit            string
	Freshness       time.Duration
}

// Gauge is an evidence provider backed by Prometheus instant queries.
type Gauge struct {
	cfg        Config
	endpoint   *url.URL
	httpClient *http.Client
}

// New validates cfg and returns a gauge provider.
func New(cfg Config) (*Gauge, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("promgauge: endpoint is required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("promgauge: invalid endpoint: %w", err)
	}
	if cfg.ValueMetric == "" {
		return nil, fmt.Errorf("promgauge: value metric is required")
	}
	if cfg.SourceID == "" {
		cfg.SourceID = DefaultSourceID
	}
	if cfg.Category == "" {
		cfg.Category = evidence.CategoryPrimary
	}
	if !cfg.Category.Valid() {
		return nil, fmt.Errorf("promgauge: unknown category %q", cfg.Category)
	}
	if cfg.LocationLabel == "" {
		cfg.LocationLabel = DefaultLocationLabel
	}

	return &Gauge{
		cfg:      cfg,
		endpoint: u,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

func (g *Gauge) SourceID() string            { return g.cfg.SourceID }
func (g *Gauge) Category() evidence.Category { return g.cfg.Category }

// Fetch queries the latest value sample for location. No series means the
// source has nothing to say; a missing threshold series leaves the threshold
// absent so the assessment reports insufficient data.
func (g *Gauge) Fetch(ctx context.Context, location string) (evidence.Record, bool, error) {
	val, ok, err := g.instant(ctx, g.selector(g.cfg.ValueMetric, location))
	if err != nil {
		return evidence.Record{}, false, fmt.Errorf("query %s: %w", g.cfg.ValueMetric, err)
	}
	if !ok {
		return evidence.Record{}, false, nil
	}

	rec := evidence.Record{
		SourceID:    g.cfg.SourceID,
		Category:    g.cfg.Category,
		Location:    location,
		ObservedAt:  val.at,
		MetricValue: evidence.ParseReading(val.text),
		Unit:        g.cfg.Unit,
		Freshness:   evidence.Duration(g.cfg.Freshness),
	}

	if g.cfg.ThresholdMetric != "" {
		th, ok, err := g.instant(ctx, g.selector(g.cfg.ThresholdMetric, location))
		if err != nil {
			return evidence.Record{}, false, fmt.Errorf("query %s: %w", g.cfg.ThresholdMetric, err)
		}
		if ok {
			rec.MetricThreshold = evidence.ParseReading(th.text)
		}
	}

	if g.cfg.StatusMetric != "" {
		label, err := g.status(ctx, location)
		if err != nil {
			return evidence.Record{}, false, fmt.Errorf("query %s: %w", g.cfg.StatusMetric, err)
		}
		rec.Status = evidence.StatusLabel(label)
	}

	return rec, true, nil
}

func (g *Gauge) selector(metric, location string) string {
	return fmt.Sprintf("%s{%s=%s}", metric, g.cfg.LocationLabel, strconv.Quote(location))
}

type sample struct {
	labels map[string]string
	at     time.Time
	text   string
}

// instant returns the first sample of an instant vector query.
func (g *Gauge) instant(ctx context.Context, query string) (sample, bool, error) {
	samples, err := g.query(ctx, query)
	if err != nil || len(samples) == 0 {
		return sample{}, false, err
	}
	return samples[0], true, nil
}

// status reads an info-style series whose "status" label carries the
// instrument's status. The highest-valued series wins.
func (g *Gauge) status(ctx context.Context, location string) (string, error) {
	samples, err := g.query(ctx, g.selector(g.cfg.StatusMetric, location))
	if err != nil {
		return "", err
	}
	best, bestVal := "", 0.0
	for _, s := range samples {
		v, err := strconv.ParseFloat(s.text, 64)
		if err != nil || v <= 0 {
			continue
		}
		if best == "" || v > bestVal {
			best, bestVal = s.labels["status"], v
		}
	}
	return best, nil
}

func (g *Gauge) query(ctx context.Context, query string) ([]sample, error) {
	u := *g.endpoint
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/query"

	q := u.Query()
	q.Set("query", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if g.cfg.TenantID != "" {
		req.Header.Set("X-Scope-OrgID", g.cfg.TenantID)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prometheus query failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prometheus returned %d: %s", resp.StatusCode, string(body))
	}

	var promResp struct {
		Status string `json:"status"`
		Error  string `json:"error"`
		Data   struct {
			ResultType string `json:"resultType"`
			Result     []struct {
				Metric map[string]string `json:"metric"`
				Value  [2]any            `json:"value"`
			} `json:"result"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &promResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if promResp.Status != "success" {
		return nil, fmt.Errorf("prometheus query failed: %s", promResp.Error)
	}
	if promResp.Data.ResultType != "vector" {
		return nil, fmt.Errorf("unexpected result type %q", promResp.Data.ResultType)
	}

	out := make([]sample, 0, len(promResp.Data.Result))
	for _, r := range promResp.Data.Result {
		s := sample{labels: r.Metric}
		if ts, ok := r.Value[0].(float64); ok {
			sec := int64(ts)
			s.at = time.Unix(sec, int64((ts-float64(sec))*1e9)).UTC()
		}
		// a non-string value is kept verbatim so the assessment can call it malformed
		switch v := r.Value[1].(type) {
		case string:
			s.text = v
		case nil:
		default:
			s.text = fmt.Sprint(v)
		}
		out = append(out, s)
	}
	return out, nil
}
