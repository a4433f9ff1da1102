package cfg

import (
	"errors"
	"flag"
	"fmt"
	"slices"
	"time"

	"github.com/linnemanlabs/floodgate/internal/authmw"
	"github.com/linnemanlabs/floodgate/internal/gate"
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APITokens             string

	DatabaseURL   string
	DBMaxConns    int
	DBSlowQuery   time.Duration
	DBPingTimeout time.Duration
	DBTraceParams bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SlackWebhookURL string

	PolicyFile      string
	PolicyPreset    string
	RequiredSources int
	GuardWindow     time.Duration

	FixtureEnabled    bool
	FixturePath       string
	EvidenceFreshness time.Duration

	PrometheusEndpoint        string
	PrometheusTenantID        string
	PrometheusValueMetric     string
	PrometheusThresholdMetric string
	PrometheusStatusMetric    string

	InfluxURL         string
	InfluxToken       string
	InfluxOrg         string
	InfluxBucket      string
	InfluxMeasurement string

	OpenMeteoEnabled  bool
	OpenMeteoEndpoint string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APITokens, "api-tokens", "", "operator bearer tokens as name:token,name:token (required for dispatching routes)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 0, "maximum PostgreSQL pool connections (0 = pgx default)")
	fs.DurationVar(&c.DBSlowQuery, "db-slow-query", 250*time.Millisecond, "log successful queries slower than this (0 = log every query)")
	fs.DurationVar(&c.DBPingTimeout, "db-ping-timeout", 5*time.Second, "startup PostgreSQL ping timeout")
	fs.BoolVar(&c.DBTraceParams, "db-trace-params", false, "record query parameters on database spans")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for the shared dispatch guard (empty = in-process guard)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for evacuation alerts")

	fs.StringVar(&c.PolicyFile, "policy-file", "", "YAML agreement policy file (overrides -policy-preset)")
	fs.StringVar(&c.PolicyPreset, "policy-preset", gate.PresetTwoSource, "agreement policy preset: two_source, single_source or n_of_m")
	fs.IntVar(&c.RequiredSources, "required-sources", 0, "agreeing sources required by the preset (0 = preset default)")
	fs.DurationVar(&c.GuardWindow, "guard-window", 30*time.Minute, "period in which a second approval for a location is suppressed")

	fs.BoolVar(&c.FixtureEnabled, "fixture-enabled", false, "serve evidence from the static fixture table (demo and test runs only)")
	fs.StringVar(&c.FixturePath, "fixture-path", "", "YAML fixture table (empty = built-in table)")
	fs.DurationVar(&c.EvidenceFreshness, "evidence-freshness", 0, "maximum age of live evidence before it counts as stale (0 = no limit)")

	fs.StringVar(&c.PrometheusEndpoint, "prometheus-endpoint", "", "Prometheus endpoint serving river gauge series")
	fs.StringVar(&c.PrometheusTenantID, "prometheus-tenant-id", "", "Prometheus tenant ID for multi-tenant setups")
	fs.StringVar(&c.PrometheusValueMetric, "prometheus-value-metric", "river_gauge_meters", "metric holding the gauge level")
	fs.StringVar(&c.PrometheusThresholdMetric, "prometheus-threshold-metric", "river_gauge_critical_meters", "metric holding the critical level")
	fs.StringVar(&c.PrometheusStatusMetric, "prometheus-status-metric", "", "info metric whose status label carries the gauge status")

	fs.StringVar(&c.InfluxURL, "influx-url", "", "InfluxDB URL serving river gauge points")
	fs.StringVar(&c.InfluxToken, "influx-token", "", "InfluxDB API token")
	fs.StringVar(&c.InfluxOrg, "influx-org", "", "InfluxDB organization")
	fs.StringVar(&c.InfluxBucket, "influx-bucket", "", "InfluxDB bucket")
	fs.StringVar(&c.InfluxMeasurement, "influx-measurement", "river_gauge", "InfluxDB measurement")

	fs.BoolVar(&c.OpenMeteoEnabled, "openmeteo-enabled", false, "use the Open-Meteo flood model as a secondary source")
	fs.StringVar(&c.OpenMeteoEndpoint, "openmeteo-endpoint", "https://flood-api.open-meteo.com", "Open-Meteo flood API endpoint")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Dispatching routes are never served without authentication
	if c.APITokens == "" {
		errs = append(errs, errors.New("API_TOKENS is required"))
	} else if tokens, err := authmw.ParseTokens(c.APITokens); err != nil {
		errs = append(errs, fmt.Errorf("invalid API_TOKENS: %w", err))
	} else if len(tokens) == 0 {
		errs = append(errs, errors.New("API_TOKENS is required"))
	}

	if c.DBMaxConns < 0 || c.DBMaxConns > 1000 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 0..1000)", c.DBMaxConns))
	}
	if c.DBSlowQuery < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY %s (must be >= 0)", c.DBSlowQuery))
	}
	if c.DBPingTimeout < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_PING_TIMEOUT %s (must be >= 0)", c.DBPingTimeout))
	}

	if c.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("invalid REDIS_DB %d (must be >= 0)", c.RedisDB))
	}

	// The policy file is validated when loaded; a preset is checked here
	if c.PolicyFile == "" && !slices.Contains(gate.PresetNames(), c.PolicyPreset) {
		errs = append(errs, fmt.Errorf("invalid POLICY_PRESET %q (must be one of %v)", c.PolicyPreset, gate.PresetNames()))
	}
	if c.RequiredSources < 0 {
		errs = append(errs, fmt.Errorf("invalid REQUIRED_SOURCES %d (must be >= 0)", c.RequiredSources))
	}
	if c.GuardWindow <= 0 || c.GuardWindow > 24*time.Hour {
		errs = append(errs, fmt.Errorf("invalid GUARD_WINDOW %s (must be >0 and <=24h)", c.GuardWindow))
	}
	if c.EvidenceFreshness < 0 {
		errs = append(errs, fmt.Errorf("invalid EVIDENCE_FRESHNESS %s (must be >= 0)", c.EvidenceFreshness))
	}

	// At least one evidence source must be configured, or every request would block
	if !c.FixtureEnabled && c.PrometheusEndpoint == "" && c.InfluxURL == "" && !c.OpenMeteoEnabled {
		errs = append(errs, errors.New("no evidence source configured (enable the fixture or set PROMETHEUS_ENDPOINT, INFLUX_URL or OPENMETEO_ENABLED)"))
	}

	if c.PrometheusEndpoint != "" && c.PrometheusValueMetric == "" {
		errs = append(errs, errors.New("PROMETHEUS_VALUE_METRIC is required with PROMETHEUS_ENDPOINT"))
	}

	if c.InfluxURL != "" && (c.InfluxOrg == "" || c.InfluxBucket == "") {
		errs = append(errs, errors.New("INFLUX_ORG and INFLUX_BUCKET are required with INFLUX_URL"))
	}

	if c.OpenMeteoEnabled && c.OpenMeteoEndpoint == "" {
		errs = append(errs, errors.New("OPENMETEO_ENDPOINT is required with OPENMETEO_ENABLED"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
