package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "whale-analyst.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.FastModel)
	assert.Equal(t, "gpt-4o", cfg.OpenAI.DeepModel)
	assert.Equal(t, "gemini-2.5-flash", cfg.Gemini.FastModel)
	assert.Equal(t, []string{"anthropic", "openai", "gemini"}, cfg.Selector.Order)
	assert.Equal(t, 120, cfg.Selector.DeepTimeoutSecs)
	assert.InDelta(t, 1_000_000.0, cfg.Selector.DeepAmountUSD, 0.001)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.InDelta(t, 2.0, cfg.Retry.Multiplier, 0.001)
	assert.Equal(t, 1000, cfg.Retry.InitialBackoff)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, 8, cfg.Jobs.Workers)
	assert.Equal(t, 60, cfg.Jobs.ReuseWindowMins)
	assert.Equal(t, 30, cfg.Jobs.StaleAfterMins)
	assert.Equal(t, 5, cfg.Gather.LookupTimeoutSecs)
	assert.InDelta(t, 5.0, cfg.Explorer.RatePerSec, 0.001)
	assert.Equal(t, 600, cfg.Redis.LookupTTLSecs)
	assert.Empty(t, cfg.Redis.Addr)
	assert.InDelta(t, 0.25, cfg.Monitoring.FailureRateThreshold, 0.001)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/whales
log:
  level: debug
  format: console
server:
  port: 9090
  cors_origins: ["https://desk.example.com"]
jobs:
  workers: 2
pricefeed:
  fallback:
    eth: 3000
pricing:
  openai:
    gpt-4o:
      input: 2.0
      output: 8.0
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/whales", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://desk.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 2, cfg.Jobs.Workers)
	assert.InDelta(t, 3000.0, cfg.PriceFeed.Fallback["eth"], 0.001)
	assert.InDelta(t, 8.0, cfg.Pricing["openai"]["gpt-4o"].Output, 0.001)
	// Defaults still apply for unset values
	assert.Equal(t, 60, cfg.Jobs.ReuseWindowMins)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("WHALE_STORE_DRIVER", "postgres")
	t.Setenv("WHALE_LOG_LEVEL", "warn")
	t.Setenv("WHALE_ANTHROPIC_KEY", "sk-ant-test")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "sk-ant-test", cfg.Anthropic.Key)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validServe returns a Config that passes serve validation.
func validServe() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "whale.db"
	cfg.Server.Port = 8080
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Jobs.Workers = 4
	cfg.Retry.MaxAttempts = 3
	cfg.Monitoring.FailureRateThreshold = 0.25
	return cfg
}

func TestValidateServe_Valid(t *testing.T) {
	assert.NoError(t, validServe().Validate("serve"))
}

func TestValidateServe_MemoryStoreAllowed(t *testing.T) {
	cfg := validServe()
	cfg.Store.Driver = "memory"
	cfg.Store.DatabaseURL = ""
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateServe_MissingFields(t *testing.T) {
	cfg := validServe()
	cfg.Anthropic.Key = ""
	cfg.Server.Port = 0
	cfg.Jobs.Workers = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port 0 is out of range")
	assert.Contains(t, err.Error(), "at least one of anthropic.key")
	assert.Contains(t, err.Error(), "jobs.workers must be positive")
}

func TestValidate_StoreDriver(t *testing.T) {
	cfg := validServe()
	cfg.Store.Driver = "mongo"
	err := cfg.Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `store.driver "mongo"`)

	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = ""
	err = cfg.Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidate_MemoryStoreRejectedOutsideServe(t *testing.T) {
	cfg := validServe()
	cfg.Store.Driver = "memory"
	err := cfg.Validate("jobs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only works with serve")
}

func TestValidate_SubmitSkipsProviderKeys(t *testing.T) {
	cfg := validServe()
	cfg.Anthropic.Key = ""
	assert.NoError(t, cfg.Validate("submit"))
}
