// Package state implements the tiered state manager: a fast in-process
// cache backed by a durable tier (Redis), read-through on miss and
// write-through on set. Sessions, conversation history, and capability
// metadata all live here.
package state

import (
	"context"
	"sync"
	"time"
)

// Tier is the durable storage backend behind the fast in-process cache.
// Implementations must treat a missing key as (nil, false, nil), not an
// error; errors are reserved for the tier being unreachable.
type Tier interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// ── Memory Tier ─────────────────────────────────────────────

// MemoryTier is an in-process Tier used for tests and for fast-tier-only
// degraded operation when no durable store is configured.
type MemoryTier struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryTier creates an empty in-memory tier.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{entries: make(map[string]memoryEntry)}
}

func (m *MemoryTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *MemoryTier) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	cp := make([]byte, len(value))
	copy(cp, value)

	m.mu.Lock()
	m.entries[key] = memoryEntry{value: cp, expiresAt: expires}
	m.mu.Unlock()
	return nil
}

func (m *MemoryTier) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryTier) Ping(context.Context) error { return nil }
func (m *MemoryTier) Close() error               { return nil }
