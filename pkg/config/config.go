// Package config holds every tunable podds parameter. Values start from
// Default, are overlaid by an optional YAML file and finally by PODDS_*
// environment variables (a .env file in the working directory is honoured).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/richard-senior/podds/internal/logger"
	"github.com/richard-senior/podds/pkg/ensemble"
	"github.com/richard-senior/podds/pkg/heuristic"
	"github.com/richard-senior/podds/pkg/rating"
	"github.com/richard-senior/podds/pkg/staking"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Database and cache locations
	AssetsPath string      `yaml:"assets_path"` // base directory for podds data
	CachePath  string      `yaml:"cache_path"`  // downloaded CSVs are cached here
	Store      StoreConfig `yaml:"store"`

	Feed      FeedConfig       `yaml:"feed"`
	Model     ModelConfig      `yaml:"model"`
	Heuristic heuristic.Config `yaml:"heuristic"`
	Staking   staking.Policy   `yaml:"staking"`
	Bankroll  float64          `yaml:"bankroll"`

	Server  ServerConfig  `yaml:"server"`
	Metrics MetricsConfig `yaml:"metrics"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"` // empty logs to the console
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

type FeedConfig struct {
	BaseURL           string        `yaml:"base_url"`  // season CSV location, %s season then %s league code
	IndexURL          string        `yaml:"index_url"` // country page listing season CSV links
	Leagues           []string      `yaml:"leagues"`   // football-data division codes (E0 = Premier League)
	Seasons           []string      `yaml:"seasons"`   // "2023/2024" style
	UserAgent         string        `yaml:"user_agent"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Retries           int           `yaml:"retries"`
	CABundle          string        `yaml:"ca_bundle"` // extra PEM roots for TLS-intercepting proxies
}

type ModelConfig struct {
	TimeDecay         bool               `yaml:"time_decay"`
	Xi                float64            `yaml:"xi"`             // decay per year of match age
	MaxIterations     int                `yaml:"max_iterations"` // quasi-Newton major iterations
	GradientTolerance float64            `yaml:"gradient_tolerance"`
	Seed              int64              `yaml:"seed"`
	Strict            bool               `yaml:"strict"` // non-convergence fails the fit
	MaxGoals          int                `yaml:"max_goals"`
	Weights           map[string]float64 `yaml:"weights"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the configuration with all standard values
func Default() *Config {
	assets := ".podds"
	if home, err := os.UserHomeDir(); err == nil {
		assets = filepath.Join(home, ".podds")
	}
	return &Config{
		AssetsPath: assets,
		CachePath:  filepath.Join(assets, "cache"),
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    filepath.Join(assets, "podds.db"),
		},

		Feed: FeedConfig{
			BaseURL:           "https://www.football-data.co.uk/mmz4281/%s/%s.csv",
			IndexURL:          "https://www.football-data.co.uk/englandm.php",
			Leagues:           []string{"E0", "E1", "E2", "E3"},
			Seasons:           []string{"2022/2023", "2023/2024", "2024/2025"},
			UserAgent:         "podds/1.0 (+https://github.com/richard-senior/podds)",
			Timeout:           30 * time.Second,
			RequestsPerSecond: 1,
			Retries:           3,
		},

		// === CORE PREDICTION PARAMETERS ===
		Model: ModelConfig{
			TimeDecay:         true,
			Xi:                rating.DefaultXi,
			MaxIterations:     rating.DefaultMaxIterations,
			GradientTolerance: rating.DefaultGradientTolerance,
			Seed:              rating.DefaultSeed,
			MaxGoals:          10,
			Weights:           ensemble.DefaultWeights(),
		},
		Heuristic: heuristic.DefaultConfig(),

		// === STAKING ===
		Staking:  staking.DefaultPolicy(),
		Bankroll: 1000,

		Server: ServerConfig{
			Name:    "podds",
			Version: "1.0.0",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		LogLevel: "info",
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty) and the environment, then validates it
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("Ignoring unreadable .env file", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// yaml.v3 merges into a non-nil map, so weights from the file
		// would otherwise be added to the default members
		cfg.Model.Weights = nil
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		if len(cfg.Model.Weights) == 0 {
			cfg.Model.Weights = ensemble.DefaultWeights()
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.AssetsPath = envStr("PODDS_ASSETS_PATH", c.AssetsPath)
	c.CachePath = envStr("PODDS_CACHE_PATH", c.CachePath)
	c.Store.Driver = envStr("PODDS_DB_DRIVER", c.Store.Driver)
	c.Store.DSN = envStr("PODDS_DB_DSN", c.Store.DSN)
	c.Feed.BaseURL = envStr("PODDS_FEED_BASE_URL", c.Feed.BaseURL)
	c.Feed.CABundle = envStr("PODDS_CA_BUNDLE", c.Feed.CABundle)
	if v := os.Getenv("PODDS_LEAGUES"); v != "" {
		c.Feed.Leagues = splitList(v)
	}
	if v := os.Getenv("PODDS_SEASONS"); v != "" {
		c.Feed.Seasons = splitList(v)
	}
	c.LogLevel = envStr("PODDS_LOG_LEVEL", c.LogLevel)
	c.LogFile = envStr("PODDS_LOG_FILE", c.LogFile)
	c.Metrics.Addr = envStr("PODDS_METRICS_ADDR", c.Metrics.Addr)

	var err error
	if c.Bankroll, err = envFloat("PODDS_BANKROLL", c.Bankroll); err != nil {
		return err
	}
	if c.Staking.KellyFraction, err = envFloat("PODDS_KELLY_FRACTION", c.Staking.KellyFraction); err != nil {
		return err
	}
	if c.Staking.MaxStakePercent, err = envFloat("PODDS_MAX_STAKE_PERCENT", c.Staking.MaxStakePercent); err != nil {
		return err
	}
	if c.Model.Xi, err = envFloat("PODDS_XI", c.Model.Xi); err != nil {
		return err
	}
	if v := os.Getenv("PODDS_STRICT"); v != "" {
		if c.Model.Strict, err = strconv.ParseBool(v); err != nil {
			return fmt.Errorf("PODDS_STRICT must be a boolean, got %q", v)
		}
	}
	if v := os.Getenv("PODDS_METRICS_ENABLED"); v != "" {
		if c.Metrics.Enabled, err = strconv.ParseBool(v); err != nil {
			return fmt.Errorf("PODDS_METRICS_ENABLED must be a boolean, got %q", v)
		}
	}
	return nil
}

// === CONFIGURATION VALIDATION ===

// Validate ensures all configuration values are within reasonable ranges
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("Store.Driver must be sqlite or postgres, got: %q", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("Store.DSN must not be empty")
	}
	if !strings.Contains(c.Feed.BaseURL, "%s") {
		return fmt.Errorf("Feed.BaseURL must contain season and league placeholders, got: %q", c.Feed.BaseURL)
	}
	if c.Feed.RequestsPerSecond <= 0 {
		return fmt.Errorf("Feed.RequestsPerSecond must be positive, got: %f", c.Feed.RequestsPerSecond)
	}
	if c.Feed.Retries < 0 {
		return fmt.Errorf("Feed.Retries must not be negative, got: %d", c.Feed.Retries)
	}
	if c.Model.Xi < 0 {
		return fmt.Errorf("Model.Xi must not be negative, got: %f", c.Model.Xi)
	}
	if c.Model.MaxIterations < 1 {
		return fmt.Errorf("Model.MaxIterations should be at least 1, got: %d", c.Model.MaxIterations)
	}
	if c.Model.MaxGoals < 3 {
		return fmt.Errorf("Model.MaxGoals should be at least 3 to capture realistic scores, got: %d", c.Model.MaxGoals)
	}
	if _, err := ensemble.NewWeights(c.Model.Weights); err != nil {
		return fmt.Errorf("Model.Weights: %w", err)
	}
	if err := c.Heuristic.Validate(); err != nil {
		return fmt.Errorf("Heuristic: %w", err)
	}
	if err := c.Staking.Validate(); err != nil {
		return fmt.Errorf("Staking: %w", err)
	}
	if c.Bankroll < 0 {
		return fmt.Errorf("Bankroll must not be negative, got: %f", c.Bankroll)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LogLevel: %w", err)
	}
	return nil
}

// FitOptions converts the model settings into rating fit options
func (c *Config) FitOptions(v rating.Variant) rating.FitOptions {
	return rating.FitOptions{
		Variant:           v,
		TimeDecay:         c.Model.TimeDecay,
		Xi:                c.Model.Xi,
		MaxIterations:     c.Model.MaxIterations,
		GradientTolerance: c.Model.GradientTolerance,
		Seed:              c.Model.Seed,
		Strict:            c.Model.Strict,
	}
}

// Weights returns the normalised ensemble weights
func (c *Config) Weights() (ensemble.Weights, error) {
	return ensemble.NewWeights(c.Model.Weights)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback, fmt.Errorf("%s must be a number, got %q", key, v)
	}
	return f, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
