// Package config centralises runtime configuration helpers for tradecore services.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where tradecore operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// EngineSettings controls execution engine behaviour.
type EngineSettings struct {
	// CommissionRate is the fixed fraction of notional charged per fill.
	CommissionRate decimal.Decimal `yaml:"commissionRate"`
	// ExpirySweepInterval is how often working orders are checked for expiration.
	ExpirySweepInterval time.Duration `yaml:"expirySweepInterval"`
	// WarningQueueCapacity bounds the operator warning queue. <=0 means unbounded.
	WarningQueueCapacity int `yaml:"warningQueueCapacity"`
}

// FeedSettings configures the websocket price feed.
type FeedSettings struct {
	URL              string        `yaml:"url"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	// TickRate caps price-tick evaluations per instrument per second.
	TickRate float64 `yaml:"tickRate"`
	// TickWorkers bounds concurrent per-instrument evaluations.
	TickWorkers int `yaml:"tickWorkers"`
}

// DatabaseSettings configures the persistent store.
type DatabaseSettings struct {
	DSN            string `yaml:"dsn"`
	MigrationsPath string `yaml:"migrationsPath"`
}

// TelemetrySettings configures OpenTelemetry export.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Settings contains the tradecore configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment       `yaml:"environment"`
	Engine      EngineSettings    `yaml:"engine"`
	Feed        FeedSettings      `yaml:"feed"`
	Database    DatabaseSettings  `yaml:"database"`
	Telemetry   TelemetrySettings `yaml:"telemetry"`
}

// DefaultCommissionRate is the engine's fixed commission fraction of notional.
var DefaultCommissionRate = decimal.RequireFromString("0.001")

// Default returns the default tradecore configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Engine: EngineSettings{
			CommissionRate:       DefaultCommissionRate,
			ExpirySweepInterval:  time.Minute,
			WarningQueueCapacity: 1024,
		},
		Feed: FeedSettings{
			URL:              "",
			HandshakeTimeout: 10 * time.Second,
			TickRate:         20,
			TickWorkers:      0,
		},
		Database: DatabaseSettings{
			DSN:            "",
			MigrationsPath: "db/migrations",
		},
		Telemetry: TelemetrySettings{
			OTLPEndpoint: "",
			ServiceName:  "tradecore-engine",
		},
	}
}

// Load reads the YAML configuration file at path over the defaults.
// A missing file is not an error; defaults are returned with found=false.
func Load(path string) (Settings, bool, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, false, nil
		}
		return cfg, false, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, false, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Engine.CommissionRate.IsZero() {
		cfg.Engine.CommissionRate = DefaultCommissionRate
	}
	return cfg, true, nil
}

// FromEnv loads configuration values from environment variables, overriding base.
func FromEnv(base Settings) Settings {
	cfg := base
	if env := strings.TrimSpace(os.Getenv("TRADECORE_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_COMMISSION_RATE")); v != "" {
		if rate, err := decimal.NewFromString(v); err == nil && rate.Sign() >= 0 {
			cfg.Engine.CommissionRate = rate
		}
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_DATABASE_URL")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_FEED_URL")); v != "" {
		cfg.Feed.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_FEED_HANDSHAKE_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Feed.HandshakeTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_EXPIRY_SWEEP_INTERVAL")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Engine.ExpirySweepInterval = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	return cfg
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithCommissionRate overrides the engine commission rate.
func WithCommissionRate(rate decimal.Decimal) Option {
	return func(s *Settings) {
		if rate.Sign() >= 0 {
			s.Engine.CommissionRate = rate
		}
	}
}

// WithDatabaseDSN overrides the persistent store DSN.
func WithDatabaseDSN(dsn string) Option {
	dsn = strings.TrimSpace(dsn)
	return func(s *Settings) {
		if dsn != "" {
			s.Database.DSN = dsn
		}
	}
}

// WithFeedURL overrides the price feed endpoint.
func WithFeedURL(url string) Option {
	url = strings.TrimSpace(url)
	return func(s *Settings) {
		if url != "" {
			s.Feed.URL = url
		}
	}
}

// WithTickThrottle overrides the per-instrument tick evaluation rate.
func WithTickThrottle(perSecond float64) Option {
	return func(s *Settings) {
		if perSecond > 0 {
			s.Feed.TickRate = perSecond
		}
	}
}
