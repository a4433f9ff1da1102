// Package openmeteo derives a secondary flood signal from the Open-Meteo flood
// API, which serves GloFAS modelled river discharge. It is a model estimate,
// not a gauge, so it is registered as a secondary source.
package openmeteo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/linnemanlabs/floodgate/internal/evidence"
)

const (
	DefaultEndpoint     = "https://flood-api.open-meteo.com"
	DefaultSourceID     = "openmeteo-flood"
	DefaultForecastDays = 2
	MaxForecastDays     = 2
	DefaultCacheTTL     = 10 * time.Minute
	Unit                = "m3/s"
)

// Site is the grid point and discharge threshold used for one location.
type Site struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`

	// DischargeThreshold is the daily maximum discharge at or above which the
	// model is treated as critical. Zero leaves the threshold absent.
	DischargeThreshold float64 `yaml:"discharge_threshold"`
}

// DefaultSites covers the pilot basins. Thresholds are pilot calibration
// values for the nearest GloFAS cell, not official warning levels.
func DefaultSites() map[string]Site {
	return map[string]Site{
		"Bulacan":  {Latitude: 14.85, Longitude: 120.81, DischargeThreshold: 800},
		"Marikina": {Latitude: 14.65, Longitude: 121.10, DischargeThreshold: 600},
		"Rizal":    {Latitude: 14.60, Longitude: 121.30, DischargeThreshold: 400},
		"Pasig":    {Latitude: 14.56, Longitude: 121.07, DischargeThreshold: 500},
	}
}

// Config for the flood model source. Zero values take defaults.
type Config struct {
	Endpoint     string
	SourceID     string
	Sites        map[string]Site

	// ForecastDays is the horizon the peak is taken over, today included,
	// at most today and tomorrow. The record is stamped with the fetch time.
	ForecastDays int
	Freshness    time.Duration
	CacheTTL     time.Duration

	// RequestsPerSecond and Burst bound calls to the public API.
	RequestsPerSecond float64
	Burst             int
}

type cached struct {
	rec       evidence.Record
	fetchedAt time.Time
}

// Source is an evidence provider for modelled river discharge.
type Source struct {
	cfg        Config
	endpoint   *url.URL
	sites      map[string]namedSite
	limiter    *rate.Limiter
	httpClient *http.Client
	now        func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

type namedSite struct {
	name string
	Site
}

// New validates cfg and returns a source.
func New(cfg Config) (*Source, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("openmeteo: invalid endpoint: %w", err)
	}
	if cfg.SourceID == "" {
		cfg.SourceID = DefaultSourceID
	}
	if cfg.Sites == nil {
		cfg.Sites = DefaultSites()
	}
	if cfg.ForecastDays <= 0 {
		cfg.ForecastDays = DefaultForecastDays
	}
	if cfg.ForecastDays > MaxForecastDays {
		return nil, fmt.Errorf("openmeteo: forecast days %d out of range (max %d)", cfg.ForecastDays, MaxForecastDays)
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 4
	}

	sites := make(map[string]namedSite, len(cfg.Sites))
	for name, s := range cfg.Sites {
		if s.Latitude < -90 || s.Latitude > 90 || s.Longitude < -180 || s.Longitude > 180 {
			return nil, fmt.Errorf("openmeteo: site %q has invalid coordinates", name)
		}
		if s.DischargeThreshold < 0 {
			return nil, fmt.Errorf("openmeteo: site %q has negative threshold", name)
		}
		sites[key(name)] = namedSite{name: name, Site: s}
	}

	return &Source{
		cfg:      cfg,
		endpoint: u,
		sites:    sites,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		now:   time.Now,
		cache: make(map[string]cached),
	}, nil
}

func (s *Source) SourceID() string            { return s.cfg.SourceID }
func (s *Source) Category() evidence.Category { return evidence.CategorySecondary }

// Fetch returns the peak daily maximum discharge for location over today and
// tomorrow.
// Locations without a configured site are not found.
func (s *Source) Fetch(ctx context.Context, location string) (evidence.Record, bool, error) {
	site, ok := s.sites[key(location)]
	if !ok {
		return evidence.Record{}, false, nil
	}

	if rec, ok := s.cached(site.name); ok {
		return rec, true, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return evidence.Record{}, false, fmt.Errorf("rate limit: %w", err)
	}

	peak, err := s.peakDischarge(ctx, site.Site)
	if err != nil {
		return evidence.Record{}, false, err
	}

	rec := evidence.Record{
		SourceID:    s.cfg.SourceID,
		Category:    evidence.CategorySecondary,
		Location:    site.name,
		ObservedAt:  s.now().UTC(),
		MetricValue: peak,
		Unit:        Unit,
		Freshness:   evidence.Duration(s.cfg.Freshness),
	}
	if site.DischargeThreshold > 0 {
		rec.MetricThreshold = evidence.Value(site.DischargeThreshold)
	}

	s.mu.Lock()
	s.cache[site.name] = cached{rec: rec, fetchedAt: rec.ObservedAt}
	s.mu.Unlock()

	return rec, true, nil
}

func (s *Source) cached(name string) (evidence.Record, bool) {
	if s.cfg.CacheTTL < 0 {
		return evidence.Record{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cache[name]
	if !ok || s.now().Sub(c.fetchedAt) >= s.cfg.CacheTTL {
		return evidence.Record{}, false
	}
	return c.rec, true
}

type floodResponse struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Daily     struct {
		Time              []string   `json:"time"`
		RiverDischarge    []*float64 `json:"river_discharge"`
		RiverDischargeMax []*float64 `json:"river_discharge_max"`
	} `json:"daily"`
	Error  bool   `json:"error"`
	Reason string `json:"reason"`
}

// peakDischarge returns the highest daily maximum over the forecast horizon.
// Days with no maximum fall back to the daily mean. Days past the horizon are
// ignored even if the API returns them. All-null is absent.
func (s *Source) peakDischarge(ctx context.Context, site Site) (evidence.Reading, error) {
	u := *s.endpoint
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/flood"

	q := u.Query()
	q.Set("latitude", strconv.FormatFloat(site.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(site.Longitude, 'f', -1, 64))
	q.Set("daily", "river_discharge,river_discharge_max")
	q.Set("forecast_days", strconv.Itoa(s.cfg.ForecastDays))
	q.Set("timeformat", "iso8601")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return evidence.Reading{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return evidence.Reading{}, fmt.Errorf("open-meteo request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return evidence.Reading{}, fmt.Errorf("read response: %w", err)
	}

	var fr floodResponse
	if err := json.Unmarshal(body, &fr); err != nil {
		if resp.StatusCode != http.StatusOK {
			return evidence.Reading{}, fmt.Errorf("open-meteo returned %d: %s", resp.StatusCode, string(body))
		}
		return evidence.Reading{}, fmt.Errorf("decode response: %w", err)
	}
	if fr.Error || resp.StatusCode != http.StatusOK {
		return evidence.Reading{}, fmt.Errorf("open-meteo returned %d: %s", resp.StatusCode, fr.Reason)
	}

	today := s.now().UTC().Truncate(24 * time.Hour)
	last := today.AddDate(0, 0, s.cfg.ForecastDays-1)

	var (
		peak  float64
		found bool
	)
	for i, day := range fr.Daily.Time {
		d, err := time.Parse(time.DateOnly, day)
		if err != nil || d.After(last) {
			continue
		}
		v := at(fr.Daily.RiverDischargeMax, i)
		if v == nil {
			v = at(fr.Daily.RiverDischarge, i)
		}
		if v == nil {
			continue
		}
		if !found || *v > peak {
			peak, found = *v, true
		}
	}
	if !found {
		return evidence.Reading{}, nil
	}
	return evidence.Value(peak), nil
}

func at(vs []*float64, i int) *float64 {
	if i < len(vs) {
		return vs[i]
	}
	return nil
}

// CanonicalLocation returns the configured site name for location.
func (s *Source) CanonicalLocation(location string) (string, bool) {
	site, ok := s.sites[key(location)]
	return site.name, ok
}

func key(s string) string {
	return evidence.LocationKey(s)
}
