package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/websets/internal/model"
	"github.com/sells-group/websets/internal/ratelimit"
	"github.com/sells-group/websets/internal/resilience"
	"github.com/sells-group/websets/pkg/anthropic"
)

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}
}

func newTestGateway(t *testing.T, limiter RateGate, c Client, opts ...GatewayOption) (*Gateway, model.Provider) {
	t.Helper()
	r, err := NewRegistry(testProviders())
	require.NoError(t, err)
	opts = append([]GatewayOption{
		WithClient(model.ProviderAnthropic, c),
		WithRetry(fastRetry()),
		WithTimeout(time.Second),
	}, opts...)
	g := NewGateway(r, limiter, opts...)
	p, err := g.Select(model.ProviderLLM, "")
	require.NoError(t, err)
	return g, p
}

func TestGateway_Invoke_Success(t *testing.T) {
	c := ClientFunc(func(_ context.Context, p model.Provider, req Request) (*Response, error) {
		assert.Equal(t, model.ProviderLLM, req.Kind)
		return &Response{Content: "42", CostUSD: 0.01}, nil
	})
	g, p := newTestGateway(t, nil, c)

	resp, err := g.Invoke(context.Background(), p, Request{Prompt: "q"})
	require.NoError(t, err)
	assert.Equal(t, "42", resp.Content)
	assert.Equal(t, "haiku", resp.ProviderID)
}

func TestGateway_Invoke_TransientRetriedThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	c := ClientFunc(func(context.Context, model.Provider, Request) (*Response, error) {
		if calls.Add(1) < 3 {
			return nil, &anthropic.StatusError{StatusCode: 503, Err: errors.New("overloaded")}
		}
		return &Response{Content: "ok"}, nil
	})
	g, p := newTestGateway(t, nil, c)

	resp, err := g.Invoke(context.Background(), p, Request{Prompt: "q"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGateway_Invoke_TransientExhaustedBecomesPermanent(t *testing.T) {
	var calls atomic.Int32
	c := ClientFunc(func(context.Context, model.Provider, Request) (*Response, error) {
		calls.Add(1)
		return nil, &anthropic.StatusError{StatusCode: 502, Err: errors.New("bad gateway")}
	})
	g, p := newTestGateway(t, nil, c)

	_, err := g.Invoke(context.Background(), p, Request{Prompt: "q"})
	require.Error(t, err)
	assert.Equal(t, Permanent, ClassOf(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGateway_Invoke_PermanentNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := ClientFunc(func(context.Context, model.Provider, Request) (*Response, error) {
		calls.Add(1)
		return nil, &anthropic.StatusError{StatusCode: 400, Err: errors.New("bad request")}
	})
	g, p := newTestGateway(t, nil, c)

	_, err := g.Invoke(context.Background(), p, Request{Prompt: "q"})
	assert.Equal(t, Permanent, ClassOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGateway_Invoke_429IsRateLimited(t *testing.T) {
	var calls atomic.Int32
	c := ClientFunc(func(context.Context, model.Provider, Request) (*Response, error) {
		calls.Add(1)
		return nil, &anthropic.StatusError{StatusCode: 429, Err: errors.New("slow down")}
	})
	g, p := newTestGateway(t, nil, c)

	_, err := g.Invoke(context.Background(), p, Request{Prompt: "q"})
	assert.Equal(t, RateLimited, ClassOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGateway_Invoke_TimeoutIsTransient(t *testing.T) {
	var calls atomic.Int32
	c := ClientFunc(func(ctx context.Context, _ model.Provider, _ Request) (*Response, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	g, p := newTestGateway(t, nil, c, WithTimeout(5*time.Millisecond))

	_, err := g.Invoke(context.Background(), p, Request{Prompt: "q"})
	require.Error(t, err)
	assert.Equal(t, Permanent, ClassOf(err))
	assert.Equal(t, int32(3), calls.Load(), "timeouts retried before downgrade")
}

func TestGateway_Invoke_ProviderRateLimit(t *testing.T) {
	limiter := ratelimit.New(ratelimit.NewMemoryBackend(), ratelimit.Policy{MaxRequests: 100, Window: time.Minute})
	var calls atomic.Int32
	c := ClientFunc(func(context.Context, model.Provider, Request) (*Response, error) {
		calls.Add(1)
		return &Response{Content: "ok"}, nil
	})
	g, p := newTestGateway(t, limiter, c)
	p.RateLimit = 2

	for i := 0; i < 2; i++ {
		_, err := g.Invoke(context.Background(), p, Request{Prompt: "q"})
		require.NoError(t, err)
	}
	_, err := g.Invoke(context.Background(), p, Request{Prompt: "q"})
	assert.Equal(t, RateLimited, ClassOf(err))
	assert.Equal(t, int32(2), calls.Load(), "denied call never reaches the provider")
}

func TestGateway_Invoke_DailyLimit(t *testing.T) {
	limiter := ratelimit.New(ratelimit.NewMemoryBackend(), ratelimit.Policy{MaxRequests: 100, Window: time.Minute})
	c := ClientFunc(func(context.Context, model.Provider, Request) (*Response, error) {
		return &Response{Content: "ok"}, nil
	})
	g, p := newTestGateway(t, limiter, c)
	p.DailyLimit = 1

	_, err := g.Invoke(context.Background(), p, Request{Prompt: "q"})
	require.NoError(t, err)
	_, err = g.Invoke(context.Background(), p, Request{Prompt: "q"})
	assert.Equal(t, RateLimited, ClassOf(err))
}

func TestGateway_Invoke_MinuteDenialKeepsDailyBudget(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	backend := ratelimit.NewMemoryBackend()
	limiter := ratelimit.New(backend, ratelimit.Policy{MaxRequests: 100, Window: time.Minute},
		ratelimit.WithClock(func() time.Time { return now }),
	)
	var calls atomic.Int32
	c := ClientFunc(func(context.Context, model.Provider, Request) (*Response, error) {
		calls.Add(1)
		return &Response{Content: "ok"}, nil
	})
	g, p := newTestGateway(t, limiter, c)
	p.RateLimit = 1
	p.DailyLimit = 3

	_, err := g.Invoke(context.Background(), p, Request{Prompt: "q"})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		now = now.Add(time.Second)
		_, err := g.Invoke(context.Background(), p, Request{Prompt: "q"})
		assert.Equal(t, RateLimited, ClassOf(err))
	}

	for _, rl := range backend.Snapshot() {
		if rl.Endpoint == "provider:"+p.ID+":daily" {
			assert.Equal(t, 1, rl.CurrentCount, "minute denials must not spend the daily budget")
		}
	}

	for i := 0; i < 2; i++ {
		now = now.Add(2 * time.Minute)
		_, err := g.Invoke(context.Background(), p, Request{Prompt: "q"})
		require.NoError(t, err)
	}
	now = now.Add(2 * time.Minute)
	_, err = g.Invoke(context.Background(), p, Request{Prompt: "q"})
	assert.Equal(t, RateLimited, ClassOf(err), "daily budget of 3 is spent")
	assert.Equal(t, int32(3), calls.Load())
}

func TestGateway_Invoke_GenericKindPolicy(t *testing.T) {
	limiter := ratelimit.New(ratelimit.NewMemoryBackend(),
		ratelimit.Policy{MaxRequests: 100, Window: time.Minute},
		ratelimit.WithEndpointPolicy("provider:llm", ratelimit.Policy{MaxRequests: 1, Window: time.Minute}),
	)
	c := ClientFunc(func(context.Context, model.Provider, Request) (*Response, error) {
		return &Response{Content: "ok"}, nil
	})
	g, p := newTestGateway(t, limiter, c)

	_, err := g.Invoke(context.Background(), p, Request{Prompt: "q"})
	require.NoError(t, err)
	_, err = g.Invoke(context.Background(), p, Request{Prompt: "q"})
	assert.Equal(t, RateLimited, ClassOf(err))
}

func TestGateway_Invoke_OpenCircuitIsRateLimited(t *testing.T) {
	var calls atomic.Int32
	c := ClientFunc(func(context.Context, model.Provider, Request) (*Response, error) {
		calls.Add(1)
		return nil, &anthropic.StatusError{StatusCode: 500, Err: errors.New("boom")}
	})
	g, p := newTestGateway(t, nil, c,
		WithRetry(resilience.RetryConfig{MaxAttempts: 1}),
		WithCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour}),
	)

	for i := 0; i < 2; i++ {
		_, err := g.Invoke(context.Background(), p, Request{Prompt: "q"})
		assert.Equal(t, Permanent, ClassOf(err))
	}
	assert.Equal(t, resilience.CircuitOpen, g.Breakers().Get(p.ID).State())

	_, err := g.Invoke(context.Background(), p, Request{Prompt: "q"})
	assert.Equal(t, RateLimited, ClassOf(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestGateway_Invoke_NoClient(t *testing.T) {
	r, err := NewRegistry(testProviders())
	require.NoError(t, err)
	g := NewGateway(r, nil)

	p, err := g.Select(model.ProviderSearch, "jina")
	require.NoError(t, err)
	_, err = g.Invoke(context.Background(), p, Request{Prompt: "q"})
	assert.Equal(t, Permanent, ClassOf(err))
}

func TestGateway_Invoke_CanceledContext(t *testing.T) {
	c := ClientFunc(func(ctx context.Context, _ model.Provider, _ Request) (*Response, error) {
		return nil, &anthropic.StatusError{StatusCode: 503, Err: errors.New("busy")}
	})
	g, p := newTestGateway(t, nil, c)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Invoke(ctx, p, Request{Prompt: "q"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
