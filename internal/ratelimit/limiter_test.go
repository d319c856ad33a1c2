package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/websets/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(t *testing.T, p Policy, opts ...Option) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append(opts, WithClock(clock.Now))
	return New(NewMemoryBackend(), p, opts...), clock
}

func TestTryAcquire_FixedWindow(t *testing.T) {
	l, clock := newTestLimiter(t, Policy{MaxRequests: 2, Window: time.Second})
	ctx := context.Background()

	for i, want := range []bool{true, true, false} {
		got, err := l.TryAcquire(ctx, model.ScopeGlobal, "", "search")
		require.NoError(t, err)
		assert.Equal(t, want, got, "call %d", i)
	}

	clock.Advance(999 * time.Millisecond)
	got, err := l.TryAcquire(ctx, model.ScopeGlobal, "", "search")
	require.NoError(t, err)
	assert.False(t, got)

	clock.Advance(time.Millisecond)
	got, err = l.TryAcquire(ctx, model.ScopeGlobal, "", "search")
	require.NoError(t, err)
	assert.True(t, got)
}

func TestTryAcquire_GlobalIgnoresUser(t *testing.T) {
	l, _ := newTestLimiter(t, Policy{MaxRequests: 1, Window: time.Minute})
	ctx := context.Background()

	ok, err := l.TryAcquire(ctx, model.ScopeGlobal, "alice", "llm")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.TryAcquire(ctx, model.ScopeGlobal, "bob", "llm")
	require.NoError(t, err)
	assert.False(t, ok, "global counter is shared across users")
}

func TestTryAcquire_UserScopeIsPerUser(t *testing.T) {
	l, _ := newTestLimiter(t, Policy{MaxRequests: 1, Window: time.Minute})
	ctx := context.Background()

	ok, err := l.TryAcquire(ctx, model.ScopeUser, "alice", "llm")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.TryAcquire(ctx, model.ScopeUser, "bob", "llm")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.TryAcquire(ctx, model.ScopeUser, "alice", "llm")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.TryAcquire(ctx, model.ScopeUser, "alice", "search")
	require.NoError(t, err)
	assert.True(t, ok, "endpoints are independent")
}

func TestTryAcquire_Validation(t *testing.T) {
	l, _ := newTestLimiter(t, Policy{MaxRequests: 1, Window: time.Minute})
	ctx := context.Background()

	_, err := l.TryAcquire(ctx, model.ScopeUser, "", "llm")
	assert.True(t, model.IsValidation(err))

	_, err = l.TryAcquire(ctx, model.ScopeGlobal, "", "")
	assert.True(t, model.IsValidation(err))

	_, err = l.TryAcquire(ctx, "team", "x", "llm")
	assert.True(t, model.IsValidation(err))
}

func TestPolicyFor(t *testing.T) {
	fallback := Policy{MaxRequests: 10, Window: time.Second}
	enrich := Policy{MaxRequests: 5, Window: time.Minute}
	perUser := Policy{MaxRequests: 1, Window: time.Minute}
	l, _ := newTestLimiter(t, fallback,
		WithEndpointPolicy("enrich", enrich),
		WithUserPolicy("enrich", perUser),
	)

	assert.Equal(t, enrich, l.PolicyFor(model.ScopeGlobal, "enrich"))
	assert.Equal(t, perUser, l.PolicyFor(model.ScopeUser, "enrich"))
	assert.Equal(t, fallback, l.PolicyFor(model.ScopeUser, "other"))
}

func TestTryAcquirePolicy_RejectsZeroWindow(t *testing.T) {
	l, _ := newTestLimiter(t, Policy{MaxRequests: 1, Window: time.Second})
	_, err := l.TryAcquirePolicy(context.Background(), model.RateLimitKey{Scope: model.ScopeGlobal, Endpoint: "x"}, Policy{MaxRequests: 1})
	require.Error(t, err)
}

type failingBackend struct{}

func (failingBackend) AcquireRateLimit(context.Context, model.RateLimitKey, int, time.Duration, time.Time) (*model.RateLimit, bool, error) {
	return nil, false, errors.New("db down")
}

func TestTryAcquire_BackendError(t *testing.T) {
	l := New(failingBackend{}, Policy{MaxRequests: 1, Window: time.Second})
	ok, err := l.TryAcquire(context.Background(), model.ScopeGlobal, "", "llm")
	require.Error(t, err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "db down")
}

func TestMemoryBackend_ConcurrentNoOvershoot(t *testing.T) {
	l, _ := newTestLimiter(t, Policy{MaxRequests: 25, Window: time.Hour})
	ctx := context.Background()

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.TryAcquire(ctx, model.ScopeGlobal, "", "llm")
			if err == nil && ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(25), granted.Load())
}

func TestMemoryBackend_Snapshot(t *testing.T) {
	backend := NewMemoryBackend()
	now := time.Now()
	key := model.RateLimitKey{Scope: model.ScopeUser, UserID: "u1", Endpoint: "llm"}

	for i := 0; i < 3; i++ {
		_, _, err := backend.AcquireRateLimit(context.Background(), key, 2, time.Minute, now)
		require.NoError(t, err)
	}

	snap := backend.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 2, snap[0].CurrentCount)
	assert.Equal(t, 2, snap[0].MaxRequests)
	assert.Equal(t, int64(60000), snap[0].WindowMs)
	assert.Equal(t, key, snap[0].Key())
}

func TestMemoryBackend_OneResetPerBoundary(t *testing.T) {
	backend := NewMemoryBackend()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := model.RateLimitKey{Scope: model.ScopeGlobal, Endpoint: "x"}

	var starts []time.Time
	for ms := 0; ms < 3500; ms += 250 {
		rl, _, err := backend.AcquireRateLimit(context.Background(), key, 100, time.Second, start.Add(time.Duration(ms)*time.Millisecond))
		require.NoError(t, err)
		if len(starts) == 0 || !starts[len(starts)-1].Equal(rl.WindowStart) {
			starts = append(starts, rl.WindowStart)
		}
		assert.LessOrEqual(t, rl.CurrentCount, rl.MaxRequests)
	}

	// Windows begin at 0s, 1s, 2s, 3s.
	assert.Len(t, starts, 4)
}
