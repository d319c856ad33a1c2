package model

import "time"

// RateLimitScope selects whether a counter is shared or per user.
type RateLimitScope string

const (
	ScopeUser   RateLimitScope = "user"
	ScopeGlobal RateLimitScope = "global"
)

// RateLimitKey identifies one fixed-window counter.
type RateLimitKey struct {
	Scope    RateLimitScope `json:"scope"`
	UserID   string         `json:"user_id,omitempty"`
	Endpoint string         `json:"endpoint"`
}

// String renders the key as "scope:user:endpoint".
func (k RateLimitKey) String() string {
	if k.Scope == ScopeGlobal {
		return string(k.Scope) + "::" + k.Endpoint
	}
	return string(k.Scope) + ":" + k.UserID + ":" + k.Endpoint
}

// RateLimit is the persisted state of one fixed-window counter.
type RateLimit struct {
	ID           string         `json:"id"`
	Scope        RateLimitScope `json:"scope"`
	UserID       string         `json:"user_id,omitempty"`
	Endpoint     string         `json:"endpoint"`
	MaxRequests  int            `json:"max_requests"`
	WindowMs     int64          `json:"window_ms"`
	CurrentCount int            `json:"current_count"`
	WindowStart  time.Time      `json:"window_start"`
}

// Key returns the counter key of r.
func (r *RateLimit) Key() RateLimitKey {
	return RateLimitKey{Scope: r.Scope, UserID: r.UserID, Endpoint: r.Endpoint}
}

// Admit applies one fixed-window request at now. The window resets when
// now-windowStart reaches windowMs; the request is granted while the count is
// below maxRequests. Callers must serialize Admit per key.
func (r *RateLimit) Admit(now time.Time) bool {
	window := time.Duration(r.WindowMs) * time.Millisecond
	if r.WindowStart.IsZero() || now.Sub(r.WindowStart) >= window {
		r.CurrentCount = 0
		r.WindowStart = now
	}
	if r.CurrentCount < r.MaxRequests {
		r.CurrentCount++
		return true
	}
	return false
}
