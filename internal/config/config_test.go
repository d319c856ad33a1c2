package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

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
	assert.Equal(t, "websets.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.Equal(t, "sonar-pro", cfg.Perplexity.Model)
	assert.Equal(t, "https://s.jina.ai", cfg.Jina.SearchBaseURL)
	assert.Equal(t, "memory", cfg.RateLimit.Backend)
	assert.Equal(t, 60, cfg.RateLimit.Default.MaxRequests)
	assert.Equal(t, time.Minute, cfg.RateLimit.Default.Window)
	assert.Equal(t, 4, cfg.Enrich.Workers)
	assert.Equal(t, 2, cfg.Enrich.MaxInFlightPerProvider)
	assert.Equal(t, 5, cfg.Enrich.MaxRequeues)
	assert.Equal(t, int64(512), cfg.Enrich.MaxTokens)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, 5, cfg.Dataset.ConflictRetries)
	assert.Equal(t, "exports", cfg.Export.Dir)
	assert.Equal(t, 2, cfg.Export.Concurrency)
	assert.InDelta(t, 0.005, cfg.Pricing.Perplexity.PerQuery, 0.0001)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.InDelta(t, 0.10, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.Empty(t, cfg.Monitoring.WebhookURL)
	assert.Equal(t, 60, cfg.Monitoring.AlertCooldownMins)
	assert.Equal(t, 3, cfg.Monitoring.WebhookAttempts)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/websets
log:
  level: debug
  format: console
server:
  port: 9090
rate_limit:
  backend: store
  endpoints:
    enrich:
      max_requests: 10
      window: 30s
pricing:
  anthropic:
    claude-haiku-4-5-20251001:
      input: 1.0
      output: 5.0
enrich:
  workers: 8
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/websets", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "store", cfg.RateLimit.Backend)
	require.Contains(t, cfg.RateLimit.Endpoints, "enrich")
	assert.Equal(t, 10, cfg.RateLimit.Endpoints["enrich"].MaxRequests)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Endpoints["enrich"].Window)
	require.Contains(t, cfg.Pricing.Anthropic, "claude-haiku-4-5-20251001")
	assert.InDelta(t, 5.0, cfg.Pricing.Anthropic["claude-haiku-4-5-20251001"].Output, 0.001)
	assert.Equal(t, 8, cfg.Enrich.Workers)
	// Defaults still apply for unset values
	assert.Equal(t, 5, cfg.Enrich.MaxRequeues)
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

	t.Setenv("WEBSETS_STORE_DRIVER", "postgres")
	t.Setenv("WEBSETS_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("WEBSETS_SERVER_PORT", "3000")
	t.Setenv("WEBSETS_ANTHROPIC_KEY", "sk-ant-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "sk-ant-test", cfg.Anthropic.Key)
}

func TestLoadEnvSetsKeysWithoutDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("WEBSETS_ANTHROPIC_KEY", "sk-ant")
	t.Setenv("WEBSETS_ANTHROPIC_BASE_URL", "http://anthropic.local")
	t.Setenv("WEBSETS_PERPLEXITY_KEY", "pplx")
	t.Setenv("WEBSETS_JINA_KEY", "jina")
	t.Setenv("WEBSETS_PROVIDERS_FILE", "providers.yaml")
	t.Setenv("WEBSETS_MONITORING_WEBHOOK_URL", "https://hooks.example.com/x")
	t.Setenv("WEBSETS_MONITORING_COST_THRESHOLD_USD", "12.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-ant", cfg.Anthropic.Key)
	assert.Equal(t, "http://anthropic.local", cfg.Anthropic.BaseURL)
	assert.Equal(t, "pplx", cfg.Perplexity.Key)
	assert.Equal(t, "jina", cfg.Jina.Key)
	assert.Equal(t, "providers.yaml", cfg.Providers.File)
	assert.Equal(t, "https://hooks.example.com/x", cfg.Monitoring.WebhookURL)
	assert.InDelta(t, 12.5, cfg.Monitoring.CostThresholdUSD, 1e-9)
}

// scalarKeys lists the dotted mapstructure keys of every non-map leaf in t.
func scalarKeys(prefix string, t reflect.Type) []string {
	var keys []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		key := f.Tag.Get("mapstructure")
		if prefix != "" {
			key = prefix + "." + key
		}
		switch f.Type.Kind() {
		case reflect.Map:
		case reflect.Struct:
			keys = append(keys, scalarKeys(key, f.Type)...)
		default:
			keys = append(keys, key)
		}
	}
	return keys
}

func TestDefaultsCoverEveryScalarKey(t *testing.T) {
	for _, key := range scalarKeys("", reflect.TypeOf(Config{})) {
		_, ok := defaults[key]
		assert.True(t, ok, "key %q has no default and cannot be set from the environment", key)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.Store.Driver = "sqlite"
		cfg.RateLimit.Backend = "memory"
		cfg.Enrich.Workers = 1
		return cfg
	}
	assert.NoError(t, valid().Validate())

	cfg := valid()
	cfg.Store.Driver = "mysql"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown store driver "mysql"`)

	cfg = valid()
	cfg.RateLimit.Backend = "redis"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit backend")

	cfg = valid()
	cfg.Log.Format = "logfmt"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown log format "logfmt"`)

	cfg = valid()
	cfg.Enrich.Workers = 0
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enrich.workers")
}

func TestLoadFile_Explicit(t *testing.T) {
	chdirTemp(t)
	path := filepath.Join(t.TempDir(), "websets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("enrich:\n  workers: 9\nlog:\n  format: console\n"), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Enrich.Workers)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
}

func TestLoadFile_MissingExplicitFile(t *testing.T) {
	chdirTemp(t)
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
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
