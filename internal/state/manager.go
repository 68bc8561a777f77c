package state

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brigade-ai/brigade/internal/config"
	"github.com/brigade-ai/brigade/internal/resilience"
)

// Manager is the tiered state manager. Reads check the fast in-process
// tier first; on miss they fall through to the durable tier (guarded by
// a storage-class circuit breaker) and repopulate the fast tier. Writes
// always update the fast tier and update the durable tier synchronously
// unless persist=false.
//
// When the durable tier is unreachable the manager degrades to
// fast-tier-only operation. Degradation is observable, never fatal.
type Manager struct {
	cfg     config.StateConfig
	durable Tier
	breaker *resilience.Breaker
	retry   resilience.RetryConfig

	mu   sync.RWMutex
	fast map[string]fastEntry

	degraded atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

type fastEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewManager creates a state manager over the given durable tier.
// The breaker should come from the shared group with ClassStorage tuning.
func NewManager(cfg config.StateConfig, durable Tier, breaker *resilience.Breaker, retry resilience.RetryConfig) *Manager {
	m := &Manager{
		cfg:     cfg,
		durable: durable,
		breaker: breaker,
		retry:   retry,
		fast:    make(map[string]fastEntry),
		stopCh:  make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

func cacheKey(namespace, id string) string {
	return namespace + ":" + id
}

// Get returns the value for namespace:id, or (nil, false) when absent.
// A fast-tier hit never touches the durable tier; a miss falls through
// and repopulates the fast tier with the given TTL.
func (m *Manager) Get(ctx context.Context, namespace, id string, ttl time.Duration) ([]byte, bool) {
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	key := cacheKey(namespace, id)

	m.mu.RLock()
	e, ok := m.fast[key]
	m.mu.RUnlock()
	if ok {
		if time.Now().Before(e.expiresAt) {
			return e.value, true
		}
		// Stale entries are purged lazily on access.
		m.mu.Lock()
		delete(m.fast, key)
		m.mu.Unlock()
	}

	var value []byte
	var found bool
	err := m.breaker.Call(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, m.retry, func(ctx context.Context) error {
			v, ok, getErr := m.durable.Get(ctx, key)
			if getErr != nil {
				return getErr
			}
			value, found = v, ok
			return nil
		})
	})
	if err != nil {
		m.markDegraded(err)
		return nil, false
	}
	m.markHealthy()

	if !found {
		return nil, false
	}

	m.mu.Lock()
	m.fast[key] = fastEntry{value: value, expiresAt: time.Now().Add(ttl)}
	m.mu.Unlock()
	return value, true
}

// Set stores a value in the fast tier and, unless persist is false,
// writes it through to the durable tier synchronously.
func (m *Manager) Set(ctx context.Context, namespace, id string, value []byte, ttl time.Duration, persist bool) {
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	key := cacheKey(namespace, id)

	m.mu.Lock()
	m.fast[key] = fastEntry{value: value, expiresAt: time.Now().Add(ttl)}
	m.mu.Unlock()

	if !persist {
		return
	}

	err := m.breaker.Call(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, m.retry, func(ctx context.Context) error {
			return m.durable.Set(ctx, key, value, ttl)
		})
	})
	if err != nil {
		m.markDegraded(err)
		return
	}
	m.markHealthy()
}

// Invalidate removes namespace:id from both tiers.
func (m *Manager) Invalidate(ctx context.Context, namespace, id string) {
	key := cacheKey(namespace, id)

	m.mu.Lock()
	delete(m.fast, key)
	m.mu.Unlock()

	if err := m.breaker.Call(ctx, func(ctx context.Context) error {
		return m.durable.Delete(ctx, key)
	}); err != nil {
		m.markDegraded(err)
	}
}

// GetJSON reads namespace:id and unmarshals it into out.
func (m *Manager) GetJSON(ctx context.Context, namespace, id string, ttl time.Duration, out any) bool {
	raw, ok := m.Get(ctx, namespace, id, ttl)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		log.Warn().Err(err).Str("key", cacheKey(namespace, id)).Msg("Corrupt cached value, invalidating")
		m.Invalidate(ctx, namespace, id)
		return false
	}
	return true
}

// SetJSON marshals v and stores it under namespace:id.
func (m *Manager) SetJSON(ctx context.Context, namespace, id string, v any, ttl time.Duration, persist bool) {
	raw, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("key", cacheKey(namespace, id)).Msg("Failed to marshal value for cache")
		return
	}
	m.Set(ctx, namespace, id, raw, ttl, persist)
}

// Degraded reports whether the durable tier is currently unreachable.
func (m *Manager) Degraded() bool {
	return m.degraded.Load()
}

// Close stops the background sweeper and closes the durable tier.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	return m.durable.Close()
}

func (m *Manager) markDegraded(err error) {
	if m.degraded.CompareAndSwap(false, true) {
		log.Warn().Err(err).Msg("Durable tier unreachable, state manager degraded to fast tier only")
	}
}

func (m *Manager) markHealthy() {
	if m.degraded.CompareAndSwap(true, false) {
		log.Info().Msg("Durable tier reachable again, state manager recovered")
	}
}

// ── Expiry Sweep ────────────────────────────────────────────

func (m *Manager) sweepLoop() {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

// sweep removes expired fast-tier entries.
func (m *Manager) sweep() {
	now := time.Now()
	m.mu.Lock()
	removed := 0
	for k, e := range m.fast {
		if now.After(e.expiresAt) {
			delete(m.fast, k)
			removed++
		}
	}
	remaining := len(m.fast)
	m.mu.Unlock()

	if removed > 0 {
		log.Debug().Int("removed", removed).Int("remaining", remaining).Msg("Swept expired fast-tier entries")
	}
}
