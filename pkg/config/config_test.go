package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/richard-senior/podds/pkg/rating"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.InDelta(t, 0.55, cfg.Model.Weights["dixon_coles"], 1e-12)
	assert.Equal(t, 0.25, cfg.Staking.KellyFraction)
	assert.Equal(t, 0.05, cfg.Staking.MaxStakePercent)
}

func TestLoadOverlaysYAML(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "podds.yaml")
	body := `
bankroll: 250
store:
  driver: postgres
  dsn: postgres://podds@localhost/podds?sslmode=disable
feed:
  leagues: [E0]
  timeout: 5s
model:
  xi: 0.25
  strict: true
staking:
  kelly_fraction: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 250.0, cfg.Bankroll)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, []string{"E0"}, cfg.Feed.Leagues)
	assert.Equal(t, 5*time.Second, cfg.Feed.Timeout)
	assert.Equal(t, 0.25, cfg.Model.Xi)
	assert.True(t, cfg.Model.Strict)
	assert.Equal(t, 0.5, cfg.Staking.KellyFraction)
	// untouched values keep their defaults
	assert.Equal(t, 0.05, cfg.Staking.MaxStakePercent)
	assert.Equal(t, rating.DefaultMaxIterations, cfg.Model.MaxIterations)
}

func TestLoadWeightsReplaceDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "podds.yaml")
	body := `
model:
  weights:
    dixon_coles: 1
    offensive_defensive: 1
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	w, err := cfg.Weights()
	require.NoError(t, err)
	assert.InDelta(t, 0.5, w["dixon_coles"], 1e-12)
	assert.InDelta(t, 0.5, w["offensive_defensive"], 1e-12)
	assert.NotContains(t, w, "heuristics")

	t.Log("a file without weights keeps the default blend")
	require.NoError(t, os.WriteFile(path, []byte("bankroll: 10\n"), 0o600))
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.55, cfg.Model.Weights["dixon_coles"], 1e-12)
	assert.InDelta(t, 0.15, cfg.Model.Weights["heuristics"], 1e-12)
}

func TestLoadEnvironmentWins(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PODDS_BANKROLL", "42.5")
	t.Setenv("PODDS_LEAGUES", "E0, E1 ,")
	t.Setenv("PODDS_LOG_LEVEL", "debug")
	t.Setenv("PODDS_STRICT", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 42.5, cfg.Bankroll)
	assert.Equal(t, []string{"E0", "E1"}, cfg.Feed.Leagues)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Model.Strict)
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PODDS_KELLY_FRACTION=0.4\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("PODDS_KELLY_FRACTION") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0.4, cfg.Staking.KellyFraction)
}

func TestLoadErrors(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	t.Setenv("PODDS_BANKROLL", "lots")
	_, err = Load("")
	assert.ErrorContains(t, err, "PODDS_BANKROLL")
}

func TestValidateNamesTheField(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"driver", func(c *Config) { c.Store.Driver = "mysql" }, "Store.Driver"},
		{"dsn", func(c *Config) { c.Store.DSN = "" }, "Store.DSN"},
		{"base url", func(c *Config) { c.Feed.BaseURL = "https://example.com/x.csv" }, "Feed.BaseURL"},
		{"rate", func(c *Config) { c.Feed.RequestsPerSecond = 0 }, "Feed.RequestsPerSecond"},
		{"xi", func(c *Config) { c.Model.Xi = -1 }, "Model.Xi"},
		{"max goals", func(c *Config) { c.Model.MaxGoals = 2 }, "Model.MaxGoals"},
		{"weights", func(c *Config) { c.Model.Weights = map[string]float64{"dixon_coles": -1} }, "Model.Weights"},
		{"heuristic", func(c *Config) { c.Heuristic.FormMatches = 0 }, "Heuristic"},
		{"staking", func(c *Config) { c.Staking.KellyFraction = 2 }, "Staking"},
		{"bankroll", func(c *Config) { c.Bankroll = -5 }, "Bankroll"},
		{"log level", func(c *Config) { c.LogLevel = "chatty" }, "LogLevel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestFitOptions(t *testing.T) {
	cfg := Default()
	cfg.Model.Strict = true
	opts := cfg.FitOptions(rating.DixonColes)
	assert.Equal(t, rating.DixonColes, opts.Variant)
	assert.True(t, opts.TimeDecay)
	assert.True(t, opts.Strict)
	assert.Equal(t, rating.DefaultXi, opts.Xi)

	w, err := cfg.Weights()
	require.NoError(t, err)
	assert.Len(t, w, 3)
}
