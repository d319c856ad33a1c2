package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/websets/internal/model"
)

// MemoryBackend keeps counters in process. Each key owns its own lock, so
// admissions on one key are serialized without contending with other keys.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[model.RateLimitKey]*entry
}

type entry struct {
	mu    sync.Mutex
	state model.RateLimit
}

// NewMemoryBackend creates an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[model.RateLimitKey]*entry)}
}

func (m *MemoryBackend) AcquireRateLimit(_ context.Context, key model.RateLimitKey, maxRequests int, window time.Duration, now time.Time) (*model.RateLimit, bool, error) {
	e := m.entry(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.MaxRequests = maxRequests
	e.state.WindowMs = window.Milliseconds()
	granted := e.state.Admit(now)
	out := e.state
	return &out, granted, nil
}

// Snapshot returns the current state of every counter.
func (m *MemoryBackend) Snapshot() []model.RateLimit {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make([]model.RateLimit, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.state)
		e.mu.Unlock()
	}
	return out
}

func (m *MemoryBackend) entry(key model.RateLimitKey) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{state: model.RateLimit{
			ID:       uuid.New().String(),
			Scope:    key.Scope,
			UserID:   key.UserID,
			Endpoint: key.Endpoint,
		}}
		m.entries[key] = e
	}
	return e
}
