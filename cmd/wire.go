package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/websets/internal/config"
	"github.com/sells-group/websets/internal/cost"
	"github.com/sells-group/websets/internal/dataset"
	"github.com/sells-group/websets/internal/enrich"
	"github.com/sells-group/websets/internal/export"
	"github.com/sells-group/websets/internal/model"
	"github.com/sells-group/websets/internal/provider"
	"github.com/sells-group/websets/internal/ratelimit"
	"github.com/sells-group/websets/internal/resilience"
	"github.com/sells-group/websets/internal/store"
	"github.com/sells-group/websets/pkg/anthropic"
	"github.com/sells-group/websets/pkg/jina"
	"github.com/sells-group/websets/pkg/perplexity"
)

// appEnv bundles the wired services shared by the commands.
type appEnv struct {
	Store   store.Store
	Data    *dataset.Service
	Limiter *ratelimit.Limiter
	Gateway *provider.Gateway
	Enrich  *enrich.Orchestrator
	Exports *export.Runner
}

// Close releases the store.
func (e *appEnv) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

// Shutdown stops background jobs, waiting until ctx expires.
func (e *appEnv) Shutdown(ctx context.Context) {
	if err := e.Enrich.Shutdown(ctx); err != nil {
		zap.L().Warn("enrich shutdown", zap.Error(err))
	}
	if err := e.Exports.Shutdown(ctx); err != nil {
		zap.L().Warn("export shutdown", zap.Error(err))
	}
}

func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case "sqlite":
		dsn := c.Store.DatabaseURL
		if dsn == "" {
			dsn = "websets.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// initEnv opens and migrates the store and wires every service on top of it.
func initEnv(ctx context.Context, c *config.Config) (*appEnv, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}

	providers, err := loadProviders(c)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	registry, err := provider.NewRegistry(providers)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "build provider registry")
	}

	limiter := buildLimiter(c, st)
	gateway := buildGateway(c, registry, limiter)
	data := dataset.New(st, dataset.WithConflictRetries(c.Dataset.ConflictRetries))

	orch := enrich.New(st, data, gateway,
		enrich.WithConfig(enrichConfig(c)),
		enrich.WithPermits(limiter),
	)

	sink, err := export.NewFileSink(c.Export.Dir, c.Export.BaseURL)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	runner := export.NewRunner(st, data, sink, export.WithConcurrency(c.Export.Concurrency))

	zap.L().Debug("services wired",
		zap.String("store", c.Store.Driver),
		zap.String("rate_limit_backend", c.RateLimit.Backend),
		zap.Int("providers", len(providers)),
	)

	return &appEnv{
		Store:   st,
		Data:    data,
		Limiter: limiter,
		Gateway: gateway,
		Enrich:  orch,
		Exports: runner,
	}, nil
}

// loadProviders reads the registry file, or derives one provider per vendor
// with a configured key.
func loadProviders(c *config.Config) ([]model.Provider, error) {
	if c.Providers.File != "" {
		return provider.LoadFile(c.Providers.File)
	}

	var out []model.Provider
	if c.Anthropic.Key != "" {
		out = append(out, model.Provider{
			ID: "anthropic", Name: "Anthropic", Kind: model.ProviderLLM, Type: model.ProviderAnthropic,
			Model: c.Anthropic.Model, IsActive: true,
		})
	}
	if c.Jina.Key != "" {
		out = append(out, model.Provider{
			ID: "jina", Name: "Jina Search", Kind: model.ProviderSearch, Type: model.ProviderJina,
			IsActive: true,
		})
	}
	if c.Perplexity.Key != "" {
		out = append(out,
			model.Provider{
				ID: "perplexity", Name: "Perplexity", Kind: model.ProviderSearch, Type: model.ProviderPerplexity,
				Model: c.Perplexity.Model, IsActive: true,
			},
			model.Provider{
				ID: "perplexity-chat", Name: "Perplexity Chat", Kind: model.ProviderLLM, Type: model.ProviderPerplexity,
				Model: c.Perplexity.Model, IsActive: true,
			},
		)
	}
	return out, nil
}

func buildLimiter(c *config.Config, st store.Store) *ratelimit.Limiter {
	var backend ratelimit.Backend = ratelimit.NewMemoryBackend()
	if c.RateLimit.Backend == "store" {
		backend = st
	}

	var opts []ratelimit.Option
	for endpoint, p := range c.RateLimit.Endpoints {
		opts = append(opts, ratelimit.WithEndpointPolicy(endpoint, p))
	}
	for endpoint, p := range c.RateLimit.User {
		opts = append(opts, ratelimit.WithUserPolicy(endpoint, p))
	}
	return ratelimit.New(backend, c.RateLimit.Default, opts...)
}

func buildGateway(c *config.Config, registry *provider.Registry, limiter *ratelimit.Limiter) *provider.Gateway {
	calc := cost.NewCalculator(pricing(c.Pricing))

	var anthropicOpts []anthropic.Option
	if c.Anthropic.BaseURL != "" {
		anthropicOpts = append(anthropicOpts, anthropic.WithBaseURL(c.Anthropic.BaseURL))
	}
	claude := anthropic.NewClient(c.Anthropic.Key, anthropicOpts...)
	pplx := perplexity.NewClient(c.Perplexity.Key,
		perplexity.WithBaseURL(c.Perplexity.BaseURL),
		perplexity.WithModel(c.Perplexity.Model),
	)
	search := jina.NewClient(c.Jina.Key,
		jina.WithSearchBaseURL(c.Jina.SearchBaseURL),
		jina.WithRateLimit(c.Jina.RPS),
	)

	return provider.NewGateway(registry, limiter,
		provider.WithClient(model.ProviderAnthropic, provider.NewAnthropicAdapter(claude, calc, c.Anthropic.Model)),
		provider.WithClient(model.ProviderPerplexity, provider.NewPerplexityAdapter(pplx, calc)),
		provider.WithClient(model.ProviderJina, provider.NewJinaAdapter(search, calc)),
		provider.WithRetry(resilience.DefaultRetryConfig().Attempts(c.Enrich.RetryAttempts)),
		provider.WithTimeout(resilience.Seconds(c.Enrich.RequestTimeoutSecs)),
		provider.WithCircuitBreaker(resilience.DefaultCircuitBreakerConfig().Tripping(c.Circuit.FailureThreshold, resilience.Seconds(c.Circuit.ResetTimeoutSecs))),
	)
}

func enrichConfig(c *config.Config) enrich.Config {
	cfg := enrich.DefaultConfig()
	cfg.Workers = c.Enrich.Workers
	cfg.MaxInFlightPerProvider = c.Enrich.MaxInFlightPerProvider
	cfg.MaxRequeues = c.Enrich.MaxRequeues
	cfg.RequeueBackoff = cfg.RequeueBackoff.Between(resilience.Millis(c.Enrich.RequeueInitialBackoffMs), resilience.Millis(c.Enrich.RequeueMaxBackoffMs))
	cfg.MaxSearchResults = c.Enrich.MaxSearchResults
	cfg.MaxTokens = c.Enrich.MaxTokens
	return cfg
}

// pricing layers configured rates over the built-in table.
func pricing(configured cost.Rates) cost.Rates {
	rates := cost.DefaultRates()
	for m, r := range configured.Anthropic {
		rates.Anthropic[m] = r
	}
	if configured.Jina.PerMTok > 0 {
		rates.Jina = configured.Jina
	}
	if configured.Perplexity.PerQuery > 0 || configured.Perplexity.PerMTok > 0 {
		rates.Perplexity = configured.Perplexity
	}
	return rates
}
