// Package ratelimit gates outbound provider calls with fixed-window counters
// scoped per user or globally per endpoint.
package ratelimit

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/websets/internal/model"
)

// Policy is the budget of one counter.
type Policy struct {
	MaxRequests int           `yaml:"max_requests" mapstructure:"max_requests"`
	Window      time.Duration `yaml:"window" mapstructure:"window"`
}

// Backend applies a fixed-window admission to a single key atomically.
type Backend interface {
	AcquireRateLimit(ctx context.Context, key model.RateLimitKey, maxRequests int, window time.Duration, now time.Time) (*model.RateLimit, bool, error)
}

// Limiter resolves policies for endpoints and delegates counting to a Backend.
type Limiter struct {
	backend   Backend
	fallback  Policy
	endpoints map[string]Policy
	user      map[string]Policy

	nowFunc func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithEndpointPolicy sets the policy for an endpoint in the global scope and,
// unless overridden by WithUserPolicy, the user scope.
func WithEndpointPolicy(endpoint string, p Policy) Option {
	return func(l *Limiter) {
		l.endpoints[endpoint] = p
	}
}

// WithUserPolicy sets the per-user policy for an endpoint.
func WithUserPolicy(endpoint string, p Policy) Option {
	return func(l *Limiter) {
		l.user[endpoint] = p
	}
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.nowFunc = now
	}
}

// New creates a Limiter. fallback applies to endpoints without a policy.
func New(backend Backend, fallback Policy, opts ...Option) *Limiter {
	l := &Limiter{
		backend:   backend,
		fallback:  fallback,
		endpoints: make(map[string]Policy),
		user:      make(map[string]Policy),
		nowFunc:   time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// TryAcquire consumes one request from the counter for (scope, userID,
// endpoint). A denial is reported as granted=false, not as an error.
func (l *Limiter) TryAcquire(ctx context.Context, scope model.RateLimitScope, userID, endpoint string) (bool, error) {
	key, err := NewKey(scope, userID, endpoint)
	if err != nil {
		return false, err
	}
	return l.TryAcquirePolicy(ctx, key, l.PolicyFor(scope, endpoint))
}

// TryAcquirePolicy consumes one request from key using an explicit policy.
func (l *Limiter) TryAcquirePolicy(ctx context.Context, key model.RateLimitKey, p Policy) (bool, error) {
	if p.Window <= 0 {
		return false, eris.Errorf("ratelimit: non-positive window for %s", key)
	}
	_, granted, err := l.backend.AcquireRateLimit(ctx, key, p.MaxRequests, p.Window, l.nowFunc())
	if err != nil {
		return false, eris.Wrapf(err, "ratelimit: acquire %s", key)
	}
	return granted, nil
}

// PolicyFor returns the configured policy for an endpoint in a scope.
func (l *Limiter) PolicyFor(scope model.RateLimitScope, endpoint string) Policy {
	if scope == model.ScopeUser {
		if p, ok := l.user[endpoint]; ok {
			return p
		}
	}
	if p, ok := l.endpoints[endpoint]; ok {
		return p
	}
	return l.fallback
}

// NewKey validates and builds a counter key. userID is dropped for the global
// scope and required for the user scope.
func NewKey(scope model.RateLimitScope, userID, endpoint string) (model.RateLimitKey, error) {
	if endpoint == "" {
		return model.RateLimitKey{}, model.Invalid("endpoint", "is required")
	}
	switch scope {
	case model.ScopeGlobal:
		return model.RateLimitKey{Scope: scope, Endpoint: endpoint}, nil
	case model.ScopeUser:
		if userID == "" {
			return model.RateLimitKey{}, model.Invalid("user_id", "is required for user scope")
		}
		return model.RateLimitKey{Scope: scope, UserID: userID, Endpoint: endpoint}, nil
	default:
		return model.RateLimitKey{}, model.Invalid("scope", "unknown scope %q", scope)
	}
}
