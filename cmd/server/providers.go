package main

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	fc "github.com/linnemanlabs/floodgate/internal/cfg"
	"github.com/linnemanlabs/floodgate/internal/evidence"
	"github.com/linnemanlabs/floodgate/internal/gate"
	"github.com/linnemanlabs/floodgate/internal/sources"
	"github.com/linnemanlabs/floodgate/internal/sources/fixture"
	"github.com/linnemanlabs/floodgate/internal/sources/influx"
	"github.com/linnemanlabs/floodgate/internal/sources/openmeteo"
	"github.com/linnemanlabs/floodgate/internal/sources/promgauge"
)

// resolvePolicy returns the configured agreement policy and a short
// description of where it came from for the startup log.
func resolvePolicy(c *fc.Config) (gate.Policy, string, error) {
	if c.PolicyFile != "" {
		lp, err := gate.LoadPolicy(c.PolicyFile)
		if err != nil {
			return gate.Policy{}, "", err
		}
		return lp.Policy, "file " + lp.Path + " " + lp.FileHash, nil
	}
	p, err := gate.Preset(c.PolicyPreset, c.RequiredSources)
	if err != nil {
		return gate.Policy{}, "", err
	}
	return p, "preset " + c.PolicyPreset, nil
}

// buildProviders registers every configured evidence source in a fixed
// order: fixture table, Prometheus gauge, InfluxDB gauge, Open-Meteo.
// The returned close func releases client resources.
func buildProviders(ctx context.Context, L log.Logger, c *fc.Config) (*sources.Registry, func(), error) {
	reg := sources.NewRegistry()
	var closers []func()
	closeAll := func() {
		for _, fn := range closers {
			fn()
		}
	}
	fail := func(err error) (*sources.Registry, func(), error) {
		closeAll()
		return nil, func() {}, err
	}

	if c.FixtureEnabled {
		var (
			table *fixture.Table
			err   error
		)
		if c.FixturePath != "" {
			table, err = fixture.Load(c.FixturePath)
		} else {
			table, err = fixture.Default()
		}
		if err != nil {
			return fail(fmt.Errorf("fixture: %w", err))
		}
		table.ApplyFreshness(c.EvidenceFreshness)
		for _, p := range table.Providers() {
			if p.Category() == evidence.CategoryPrimary {
				// static evidence can approve a broadcast on its own corroboration
				L.Warn(ctx, "fixture table is serving a primary source", "source", p.SourceID(), "path", c.FixturePath)
			}
			if err := reg.Register(p); err != nil {
				return fail(err)
			}
		}
		L.Info(ctx, "registered fixture sources", "path", c.FixturePath, "locations", table.Locations())
	}

	if c.PrometheusEndpoint != "" {
		g, err := promgauge.New(promgauge.Config{
			Endpoint:        c.PrometheusEndpoint,
			TenantID:        c.PrometheusTenantID,
			ValueMetric:     c.PrometheusValueMetric,
			ThresholdMetric: c.PrometheusThresholdMetric,
			StatusMetric:    c.PrometheusStatusMetric,
			Unit:            "m",
			Freshness:       c.EvidenceFreshness,
		})
		if err != nil {
			return fail(err)
		}
		if err := reg.Register(g); err != nil {
			return fail(err)
		}
		L.Info(ctx, "registered evidence source", "source", g.SourceID(), "endpoint", c.PrometheusEndpoint)
	}

	if c.InfluxURL != "" {
		g, err := influx.New(influx.Config{
			URL:         c.InfluxURL,
			Token:       c.InfluxToken,
			Org:         c.InfluxOrg,
			Bucket:      c.InfluxBucket,
			Measurement: c.InfluxMeasurement,
			Unit:        "m",
			Freshness:   c.EvidenceFreshness,
		})
		if err != nil {
			return fail(err)
		}
		closers = append(closers, g.Close)
		if err := reg.Register(g); err != nil {
			return fail(err)
		}
		L.Info(ctx, "registered evidence source", "source", g.SourceID(), "url", c.InfluxURL, "bucket", c.InfluxBucket)
	}

	if c.OpenMeteoEnabled {
		s, err := openmeteo.New(openmeteo.Config{
			Endpoint:  c.OpenMeteoEndpoint,
			Freshness: c.EvidenceFreshness,
		})
		if err != nil {
			return fail(err)
		}
		if err := reg.Register(s); err != nil {
			return fail(err)
		}
		L.Info(ctx, "registered evidence source", "source", s.SourceID(), "endpoint", c.OpenMeteoEndpoint)
	}

	if reg.Len() == 0 {
		return fail(fmt.Errorf("no evidence sources registered"))
	}
	return reg, closeAll, nil
}
