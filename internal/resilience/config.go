package resilience

import "time"

// Attempts returns a copy of c that makes at most n attempts. Non-positive
// values leave c unchanged.
func (c RetryConfig) Attempts(n int) RetryConfig {
	if n > 0 {
		c.MaxAttempts = n
	}
	return c
}

// Between returns a copy of c whose delays start at initial and never exceed
// max. Non-positive bounds leave the existing value in place.
func (c RetryConfig) Between(initial, max time.Duration) RetryConfig {
	if initial > 0 {
		c.InitialBackoff = initial
	}
	if max > 0 {
		c.MaxBackoff = max
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// Steady returns a copy of c without jitter.
func (c RetryConfig) Steady() RetryConfig {
	c.JitterFraction = 0
	return c
}

// Tripping returns a copy of c that opens after threshold consecutive
// failures and stays open for reset. Non-positive values keep the defaults.
func (c CircuitBreakerConfig) Tripping(threshold int, reset time.Duration) CircuitBreakerConfig {
	if threshold > 0 {
		c.FailureThreshold = threshold
	}
	if reset > 0 {
		c.ResetTimeout = reset
	}
	return c
}

// Millis converts a millisecond count from configuration.
func Millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Seconds converts a second count from configuration.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }
