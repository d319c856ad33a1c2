package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = NewTransientError(errors.New("upstream 503"), 503)

func fail(cb *CircuitBreaker, err error) {
	_, _ = ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
		return 0, err
	})
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	for i := 0; i < 3; i++ {
		fail(cb, errTransient)
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	_, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
		t.Error("should not be called when circuit is open")
		return 0, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	for i := 0; i < 5; i++ {
		fail(cb, errors.New("400 bad request"))
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	cb.nowFunc = func() time.Time { return now }

	fail(cb, errTransient)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	now = now.Add(2 * time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}

	v, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Fatalf("unexpected probe result %d, %v", v, err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	cb.nowFunc = func() time.Time { return now }

	fail(cb, errTransient)
	now = now.Add(2 * time.Second)
	fail(cb, errTransient)

	if cb.State() != CircuitOpen {
		t.Errorf("expected open, got %s", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	var transitions []CircuitState
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		OnStateChange:    func(_, to CircuitState) { transitions = append(transitions, to) },
	})
	fail(cb, errTransient)
	cb.Reset()

	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
	if len(transitions) != 2 || transitions[0] != CircuitOpen || transitions[1] != CircuitClosed {
		t.Errorf("unexpected transitions %v", transitions)
	}
}

func TestBreakers_PerProvider(t *testing.T) {
	b := NewBreakers(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	if b.Get("anthropic") != b.Get("anthropic") {
		t.Error("expected same breaker for same provider")
	}
	fail(b.Get("anthropic"), errTransient)

	states := b.States()
	if states["anthropic"] != CircuitOpen {
		t.Errorf("expected anthropic open, got %s", states["anthropic"])
	}
	if b.Get("jina").State() != CircuitClosed {
		t.Error("expected jina breaker unaffected")
	}
}

func TestCircuitState_String(t *testing.T) {
	cases := map[CircuitState]string{CircuitClosed: "closed", CircuitOpen: "open", CircuitHalfOpen: "half-open", CircuitState(9): "unknown"}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("expected %s, got %s", want, s.String())
		}
	}
}

func TestCircuitBreaker_OpenErrorReportsRetryIn(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	cb.nowFunc = func() time.Time { return now }

	fail(cb, errTransient)
	now = now.Add(4 * time.Second)

	_, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) { return 0, nil })
	var oe *OpenError
	if !errors.As(err, &oe) {
		t.Fatalf("expected *OpenError, got %v", err)
	}
	if oe.RetryDelay() != 6*time.Second {
		t.Errorf("expected 6s until probe, got %v", oe.RetryDelay())
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Error("OpenError should match ErrCircuitOpen")
	}
}
