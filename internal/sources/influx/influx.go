// Package influx reads river gauge levels from an InfluxDB 2.x bucket.
package influx

import (
	"context"
	"fmt"
	"regexp"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/linnemanlabs/floodgate/internal/evidence"
)

const (
	DefaultSourceID    = "influx-gauge"
	DefaultMeasurement = "river_gauge"
	DefaultLookback    = 6 * time.Hour
)

// Flux has no bind parameters; anything interpolated into a query is
// restricted to this set.
var safeIdent = regexp.MustCompile(`^[A-Za-z0-9 _.\-]{1,64}$`)

// Config selects the bucket and measurement holding gauge points. Each point
// carries a "location" tag and "value", "threshold" and optional "status"
// fields.
type Config struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
	SourceID    string
	Category    evidence.Category
	Unit        string
	Lookback    time.Duration
	Freshness   time.Duration
}

// Gauge is an evidence provider backed by a Flux query.
type Gauge struct {
	cfg    Config
	client influxdb2.Client
	query  api.QueryAPI
}

// New validates cfg and opens a client. Close releases it.
func New(cfg Config) (*Gauge, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("influx: url is required")
	}
	if cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx: org and bucket are required")
	}
	if cfg.Measurement == "" {
		cfg.Measurement = DefaultMeasurement
	}
	if !safeIdent.MatchString(cfg.Bucket) || !safeIdent.MatchString(cfg.Measurement) {
		return nil, fmt.Errorf("influx: bucket and measurement must match %s", safeIdent)
	}
	if cfg.SourceID == "" {
		cfg.SourceID = DefaultSourceID
	}
	if cfg.Category == "" {
		cfg.Category = evidence.CategoryPrimary
	}
	if !cfg.Category.Valid() {
		return nil, fmt.Errorf("influx: unknown category %q", cfg.Category)
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Gauge{
		cfg:    cfg,
		client: client,
		query:  client.QueryAPI(cfg.Org),
	}, nil
}

// Close releases the underlying HTTP client.
func (g *Gauge) Close() { g.client.Close() }

func (g *Gauge) SourceID() string            { return g.cfg.SourceID }
func (g *Gauge) Category() evidence.Category { return g.cfg.Category }

func (g *Gauge) flux(location string) string {
	return fmt.Sprintf(`
		from(bucket: "%s")
		  |> range(start: -%ds)
		  |> filter(fn: (r) => r._measurement == "%s")
		  |> filter(fn: (r) => r.location == "%s")
		  |> filter(fn: (r) => r._field == "value" or r._field == "threshold" or r._field == "status")
		  |> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
		  |> sort(columns: ["_time"], desc: false)
	`, g.cfg.Bucket, int64(g.cfg.Lookback/time.Second), g.cfg.Measurement, location)
}

// Fetch returns the most recent point for location inside the lookback
// window. No points means the source has nothing for that location.
func (g *Gauge) Fetch(ctx context.Context, location string) (evidence.Record, bool, error) {
	if !safeIdent.MatchString(location) {
		return evidence.Record{}, false, fmt.Errorf("invalid location %q", location)
	}

	result, err := g.query.Query(ctx, g.flux(location))
	if err != nil {
		return evidence.Record{}, false, fmt.Errorf("influx query failed: %w", err)
	}
	defer result.Close()

	var (
		rec   evidence.Record
		found bool
	)
	for result.Next() {
		r := result.Record()
		rec = evidence.Record{
			SourceID:        g.cfg.SourceID,
			Category:        g.cfg.Category,
			Location:        location,
			ObservedAt:      r.Time().UTC(),
			MetricValue:     reading(r.ValueByKey("value")),
			MetricThreshold: reading(r.ValueByKey("threshold")),
			Unit:            g.cfg.Unit,
			Freshness:       evidence.Duration(g.cfg.Freshness),
		}
		if s, ok := r.ValueByKey("status").(string); ok {
			rec.Status = evidence.StatusLabel(s)
		}
		found = true
	}
	if result.Err() != nil {
		return evidence.Record{}, false, fmt.Errorf("read influx results: %w", result.Err())
	}
	return rec, found, nil
}

// reading converts a Flux column value. Fields written with the wrong type
// (a string where a number belongs) come through as malformed.
func reading(v any) evidence.Reading {
	switch x := v.(type) {
	case nil:
		return evidence.Reading{}
	case float64:
		return evidence.Value(x)
	case int64:
		return evidence.Value(float64(x))
	case uint64:
		return evidence.Value(float64(x))
	case string:
		return evidence.ParseReading(x)
	default:
		return evidence.Malformed(fmt.Sprint(x))
	}
}
