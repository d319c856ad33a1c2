package provider

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/websets/internal/model"
	"github.com/sells-group/websets/internal/ratelimit"
	"github.com/sells-group/websets/internal/resilience"
)

// RateGate is the part of the rate limiter the gateway consults.
type RateGate interface {
	TryAcquire(ctx context.Context, scope model.RateLimitScope, userID, endpoint string) (bool, error)
	TryAcquirePolicy(ctx context.Context, key model.RateLimitKey, p ratelimit.Policy) (bool, error)
}

// Gateway invokes providers with rate checks, timeouts, retry and circuit
// breaking, and classifies every failure.
type Gateway struct {
	registry *Registry
	clients  map[model.ProviderType]Client
	limiter  RateGate
	breakers *resilience.Breakers
	retry    resilience.RetryConfig
	timeout  time.Duration
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithClient registers the client handling a provider type.
func WithClient(t model.ProviderType, c Client) GatewayOption {
	return func(g *Gateway) { g.clients[t] = c }
}

// WithRetry overrides the retry policy for Transient failures.
func WithRetry(cfg resilience.RetryConfig) GatewayOption {
	return func(g *Gateway) { g.retry = cfg }
}

// WithTimeout sets the per-attempt request timeout.
func WithTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.timeout = d }
}

// WithCircuitBreaker overrides the per-provider breaker config.
func WithCircuitBreaker(cfg resilience.CircuitBreakerConfig) GatewayOption {
	return func(g *Gateway) { g.breakers = newBreakers(cfg) }
}

// NewGateway creates a gateway over registry. limiter may be nil to disable
// rate checks.
func NewGateway(registry *Registry, limiter RateGate, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		registry: registry,
		clients:  make(map[model.ProviderType]Client),
		limiter:  limiter,
		breakers: newBreakers(resilience.DefaultCircuitBreakerConfig()),
		retry:    resilience.DefaultRetryConfig(),
		timeout:  60 * time.Second,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func newBreakers(cfg resilience.CircuitBreakerConfig) *resilience.Breakers {
	cfg.ShouldTrip = func(err error) bool { return ClassOf(err) == Transient }
	return resilience.NewBreakers(cfg)
}

// Select resolves a provider by kind and optional id.
func (g *Gateway) Select(kind model.ProviderKind, id string) (model.Provider, error) {
	return g.registry.Select(kind, id)
}

// Breakers exposes the per-provider circuit states.
func (g *Gateway) Breakers() *resilience.Breakers { return g.breakers }

// Invoke calls p. Failures of the call itself are returned as *Error.
func (g *Gateway) Invoke(ctx context.Context, p model.Provider, req Request) (*Response, error) {
	if req.Kind == "" {
		req.Kind = p.Kind
	}
	client, ok := g.clients[p.Type]
	if !ok {
		return nil, Permanentf(p.ID, "no client registered for type %q", p.Type)
	}

	if err := g.admit(ctx, p); err != nil {
		return nil, err
	}

	breaker := g.breakers.Get(p.ID)
	retry := g.retry
	retry.ShouldRetry = func(err error) bool { return ClassOf(err) == Transient }
	retry.OnRetry = resilience.RetryLogger(p.ID, string(req.Kind))

	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*Response, error) {
		return resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (*Response, error) {
			callCtx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			r, err := client.Call(callCtx, p, req)
			if err != nil {
				return nil, Classify(p.ID, err)
			}
			return r, nil
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrapf(ctx.Err(), "provider: %s", p.ID)
		}
		pe := Classify(p.ID, err)
		if pe.Class == Transient {
			zap.L().Warn("provider: retries exhausted",
				zap.String("provider", p.ID),
				zap.Error(pe.Err),
			)
			return nil, &Error{ProviderID: p.ID, Class: Permanent, Err: eris.Wrap(pe.Err, "retries exhausted")}
		}
		return nil, pe
	}

	resp.ProviderID = p.ID
	return resp, nil
}

// admit consumes one request from the provider's own limits, or from the
// generic provider:<kind> endpoint policy when it has none. The minute window
// is checked before the daily one, so a call refused by the minute window
// leaves the daily budget untouched.
func (g *Gateway) admit(ctx context.Context, p model.Provider) error {
	if g.limiter == nil {
		return nil
	}

	type check struct {
		endpoint string
		policy   ratelimit.Policy
	}
	var checks []check
	if p.RateLimit > 0 {
		checks = append(checks, check{"provider:" + p.ID + ":minute", ratelimit.Policy{MaxRequests: p.RateLimit, Window: time.Minute}})
	}
	if p.DailyLimit > 0 {
		checks = append(checks, check{"provider:" + p.ID + ":daily", ratelimit.Policy{MaxRequests: p.DailyLimit, Window: 24 * time.Hour}})
	}

	if len(checks) == 0 {
		granted, err := g.limiter.TryAcquire(ctx, model.ScopeGlobal, "", "provider:"+string(p.Kind))
		if err != nil {
			return eris.Wrapf(err, "provider: rate check %s", p.ID)
		}
		if !granted {
			return &Error{ProviderID: p.ID, Class: RateLimited, Err: eris.New("rate limit exceeded")}
		}
		return nil
	}

	for _, c := range checks {
		key := model.RateLimitKey{Scope: model.ScopeGlobal, Endpoint: c.endpoint}
		granted, err := g.limiter.TryAcquirePolicy(ctx, key, c.policy)
		if err != nil {
			return eris.Wrapf(err, "provider: rate check %s", p.ID)
		}
		if !granted {
			return &Error{ProviderID: p.ID, Class: RateLimited, Err: eris.Errorf("rate limit exceeded on %s", c.endpoint)}
		}
	}
	return nil
}
