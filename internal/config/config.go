package config

import (
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/websets/internal/cost"
	"github.com/sells-group/websets/internal/ratelimit"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Providers  ProvidersConfig  `yaml:"providers" mapstructure:"providers"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit" mapstructure:"rate_limit"`
	Enrich     EnrichConfig     `yaml:"enrich" mapstructure:"enrich"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Dataset    DatasetConfig    `yaml:"dataset" mapstructure:"dataset"`
	Export     ExportConfig     `yaml:"export" mapstructure:"export"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port                int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins      []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ShutdownTimeoutSecs int      `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	Model   string `yaml:"model" mapstructure:"model"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// JinaConfig holds Jina search settings.
type JinaConfig struct {
	Key           string  `yaml:"key" mapstructure:"key"`
	SearchBaseURL string  `yaml:"search_base_url" mapstructure:"search_base_url"`
	RPS           float64 `yaml:"rps" mapstructure:"rps"`
}

// ProvidersConfig points at the provider registry file. Without a file, one
// provider is registered per vendor with a configured key.
type ProvidersConfig struct {
	File string `yaml:"file" mapstructure:"file"`
}

// RateLimitConfig configures request admission.
type RateLimitConfig struct {
	// Backend is "memory" (per process) or "store" (shared through the database).
	Backend   string                      `yaml:"backend" mapstructure:"backend"`
	Default   ratelimit.Policy            `yaml:"default" mapstructure:"default"`
	Endpoints map[string]ratelimit.Policy `yaml:"endpoints" mapstructure:"endpoints"`
	User      map[string]ratelimit.Policy `yaml:"user" mapstructure:"user"`
}

// EnrichConfig configures enrichment job execution.
type EnrichConfig struct {
	Workers                 int   `yaml:"workers" mapstructure:"workers"`
	MaxInFlightPerProvider  int   `yaml:"max_in_flight_per_provider" mapstructure:"max_in_flight_per_provider"`
	MaxRequeues             int   `yaml:"max_requeues" mapstructure:"max_requeues"`
	RequeueInitialBackoffMs int   `yaml:"requeue_initial_backoff_ms" mapstructure:"requeue_initial_backoff_ms"`
	RequeueMaxBackoffMs     int   `yaml:"requeue_max_backoff_ms" mapstructure:"requeue_max_backoff_ms"`
	RequestTimeoutSecs      int   `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
	RetryAttempts           int   `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	MaxSearchResults        int   `yaml:"max_search_results" mapstructure:"max_search_results"`
	MaxTokens               int64 `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// CircuitConfig configures the per-provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// DatasetConfig configures versioned writes.
type DatasetConfig struct {
	ConflictRetries int `yaml:"conflict_retries" mapstructure:"conflict_retries"`
}

// ExportConfig configures export artifacts.
type ExportConfig struct {
	Dir         string `yaml:"dir" mapstructure:"dir"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// MonitoringConfig configures background alerting on job health.
type MonitoringConfig struct {
	WebhookURL              string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs       int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours     int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold    float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	RowFailureRateThreshold float64 `yaml:"row_failure_rate_threshold" mapstructure:"row_failure_rate_threshold"`
	CostThresholdUSD        float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	AlertCooldownMins       int     `yaml:"alert_cooldown_mins" mapstructure:"alert_cooldown_mins"`
	WebhookAttempts         int     `yaml:"webhook_attempts" mapstructure:"webhook_attempts"`
}

// Validate checks values that have a closed set of options.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	switch c.RateLimit.Backend {
	case "memory", "store":
	default:
		return eris.Errorf("config: unknown rate limit backend %q", c.RateLimit.Backend)
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return eris.Errorf("config: unknown log format %q", c.Log.Format)
	}
	if c.Enrich.Workers < 1 {
		return eris.New("config: enrich.workers must be at least 1")
	}
	return nil
}

// defaults applies when neither the config file nor the environment sets a
// key. AutomaticEnv only resolves keys viper already knows, so every scalar
// key is listed here, even when its default is empty.
var defaults = map[string]any{
	"store.driver":       "sqlite",
	"store.database_url": "websets.db",
	"store.max_conns":    10,
	"store.min_conns":    1,

	"log.level":  "info",
	"log.format": "json",

	"server.port":                  8080,
	"server.allowed_origins":       []string{"*"},
	"server.shutdown_timeout_secs": 15,

	"anthropic.key":      "",
	"anthropic.model":    "claude-haiku-4-5-20251001",
	"anthropic.base_url": "",

	"perplexity.key":      "",
	"perplexity.base_url": "https://api.perplexity.ai",
	"perplexity.model":    "sonar-pro",

	"jina.key":             "",
	"jina.search_base_url": "https://s.jina.ai",
	"jina.rps":             5.0,

	"providers.file": "",

	"pricing.jina.per_mtok": 0.02,

	"pricing.perplexity.per_query": 0.005,
	"pricing.perplexity.per_mtok":  1.00,

	"rate_limit.backend":              "memory",
	"rate_limit.default.max_requests": 60,
	"rate_limit.default.window":       "1m",

	"enrich.workers":                    4,
	"enrich.max_in_flight_per_provider": 2,
	"enrich.max_requeues":               5,
	"enrich.requeue_initial_backoff_ms": 1000,
	"enrich.requeue_max_backoff_ms":     30000,
	"enrich.request_timeout_secs":       60,
	"enrich.retry_attempts":             3,
	"enrich.max_search_results":         5,
	"enrich.max_tokens":                 512,

	"circuit.failure_threshold":  5,
	"circuit.reset_timeout_secs": 30,
	"dataset.conflict_retries":   5,

	"export.dir":         "exports",
	"export.base_url":    "http://localhost:8080/exports",
	"export.concurrency": 2,

	"monitoring.webhook_url":                "",
	"monitoring.check_interval_secs":        300,
	"monitoring.lookback_window_hours":      24,
	"monitoring.failure_rate_threshold":     0.10,
	"monitoring.row_failure_rate_threshold": 0.25,
	"monitoring.cost_threshold_usd":         0.0,
	"monitoring.alert_cooldown_mins":        60,
	"monitoring.webhook_attempts":           3,
}

// Load reads config.yaml from the working directory, if present, and the
// WEBSETS_* environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. Unlike the default lookup, a
// missing explicit file is an error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("WEBSETS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	zapCfg.InitialFields = map[string]any{"service": "websets"}

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
