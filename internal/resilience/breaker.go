// Package resilience implements per-dependency failure isolation for the
// Brigade execution core: circuit breakers, bounded retry with exponential
// backoff, and ordered provider fallback chains.
//
// Every call to an external dependency (model provider, embedding service,
// durable store) goes through this package. Local transient failures are
// absorbed here; conditions that change the caller's contract surface as
// typed errors (CircuitOpenError, ErrUnavailable).
package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Class selects default breaker tuning for a dependency kind.
type Class string

const (
	// ClassSearch is for latency-sensitive search-style dependencies
	// (embeddings, vector search, model classification calls).
	ClassSearch Class = "search"

	// ClassStorage is for storage-style dependencies (the durable
	// state tier), which tolerate more failures before opening.
	ClassStorage Class = "storage"
)

// Breaker is a circuit breaker for one named external dependency.
//
// State transitions:
//
//	closed    → open       after threshold failures
//	open      → half-open  lazily, once cooldown has elapsed
//	half-open → closed     on a successful trial call (counters reset)
//	half-open → open       immediately on a failed trial call
//
// All mutations are a single check-then-act sequence under br.mu, so the
// breaker stays correct under concurrent callers.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	trialActive bool

	// now is injectable for tests.
	now func() time.Time
}

// NewBreaker creates a breaker with an explicit threshold and cooldown.
func NewBreaker(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
		now:       time.Now,
	}
}

// Call runs fn through the breaker. When the circuit is open the call is
// rejected immediately with a CircuitOpenError carrying the remaining
// cooldown; no real call is attempted. The breaker records per-call
// duration and outcome but does not retry; compose with Retry for that.
func (br *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := br.admit(); err != nil {
		return err
	}

	start := br.now()
	err := fn(ctx)
	duration := br.now().Sub(start)

	br.record(err == nil)

	ev := log.Debug().
		Str("dependency", br.name).
		Dur("duration", duration).
		Bool("ok", err == nil)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("dependency call")

	return err
}

// admit decides whether a call may proceed, transitioning open→half-open
// lazily when the cooldown has elapsed.
func (br *Breaker) admit() error {
	br.mu.Lock()
	defer br.mu.Unlock()

	switch br.currentStateLocked() {
	case StateOpen:
		return &CircuitOpenError{
			Dependency: br.name,
			RetryAfter: br.remainingLocked(),
		}
	case StateHalfOpen:
		if br.trialActive {
			// Exactly one trial call is permitted.
			return &CircuitOpenError{
				Dependency: br.name,
				RetryAfter: br.remainingLocked(),
			}
		}
		br.trialActive = true
	}
	return nil
}

// record applies a call outcome to the state machine.
func (br *Breaker) record(ok bool) {
	br.mu.Lock()
	defer br.mu.Unlock()

	state := br.currentStateLocked()
	trial := br.trialActive
	br.trialActive = false

	if ok {
		br.successes++
		if state == StateHalfOpen && trial {
			br.state = StateClosed
			br.failures = 0
			log.Info().Str("dependency", br.name).Msg("Circuit closed after successful trial")
		}
		return
	}

	br.failures++
	br.lastFailure = br.now()

	if state == StateHalfOpen && trial {
		// Failed trial reopens immediately, no threshold wait.
		br.state = StateOpen
		log.Warn().Str("dependency", br.name).Msg("Circuit reopened after failed trial")
		return
	}
	if br.state == StateClosed && br.failures >= br.threshold {
		br.state = StateOpen
		log.Warn().
			Str("dependency", br.name).
			Int("failures", br.failures).
			Dur("cooldown", br.cooldown).
			Msg("Circuit opened")
	}
}

// currentStateLocked returns the effective state, surfacing half-open once
// the cooldown has elapsed since the last failure. Caller holds br.mu.
func (br *Breaker) currentStateLocked() State {
	if br.state == StateOpen && br.now().Sub(br.lastFailure) >= br.cooldown {
		br.state = StateHalfOpen
		br.trialActive = false
	}
	return br.state
}

func (br *Breaker) remainingLocked() time.Duration {
	remaining := br.cooldown - br.now().Sub(br.lastFailure)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// State returns the effective state (may transition open→half-open).
func (br *Breaker) State() State {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.currentStateLocked()
}

// Reset forces the breaker back to closed and clears its counters.
func (br *Breaker) Reset() {
	br.mu.Lock()
	defer br.mu.Unlock()
	br.state = StateClosed
	br.failures = 0
	br.successes = 0
	br.trialActive = false
}

// Snapshot is the observable breaker state for the circuit status interface.
type Snapshot struct {
	Name              string  `json:"name"`
	State             State   `json:"state"`
	Failures          int     `json:"failures"`
	Successes         int     `json:"successes"`
	CooldownRemaining float64 `json:"cooldown_remaining"`
}

// Snapshot returns the current observable state of the breaker.
func (br *Breaker) Snapshot() Snapshot {
	br.mu.Lock()
	defer br.mu.Unlock()

	snap := Snapshot{
		Name:      br.name,
		State:     br.currentStateLocked(),
		Failures:  br.failures,
		Successes: br.successes,
	}
	if snap.State == StateOpen {
		snap.CooldownRemaining = br.remainingLocked().Seconds()
	}
	return snap
}

// ── Breaker Group ───────────────────────────────────────────

// Defaults holds per-class breaker tuning.
type Defaults struct {
	SearchThreshold  int
	SearchCooldown   time.Duration
	StorageThreshold int
	StorageCooldown  time.Duration
}

// DefaultDefaults matches the documented tuning: 3 failures / 30s for
// search-style dependencies, 5 failures / 60s for storage-style ones.
func DefaultDefaults() Defaults {
	return Defaults{
		SearchThreshold:  3,
		SearchCooldown:   30 * time.Second,
		StorageThreshold: 5,
		StorageCooldown:  60 * time.Second,
	}
}

// Group manages one breaker per named dependency. Breakers are created on
// first use with class defaults and persist for the process lifetime.
type Group struct {
	defaults Defaults

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewGroup creates a breaker group with the given class defaults.
func NewGroup(defaults Defaults) *Group {
	return &Group{
		defaults: defaults,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a dependency, creating it with class
// defaults on first use.
func (g *Group) Get(name string, class Class) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if br, ok := g.breakers[name]; ok {
		return br
	}

	threshold, cooldown := g.defaults.SearchThreshold, g.defaults.SearchCooldown
	if class == ClassStorage {
		threshold, cooldown = g.defaults.StorageThreshold, g.defaults.StorageCooldown
	}
	br := NewBreaker(name, threshold, cooldown)
	g.breakers[name] = br
	return br
}

// Snapshots returns the state of every breaker, sorted by name.
func (g *Group) Snapshots() []Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	snaps := make([]Snapshot, 0, len(g.breakers))
	for _, br := range g.breakers {
		snaps = append(snaps, br.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}

// ResetAll forces every breaker back to closed.
func (g *Group) ResetAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, br := range g.breakers {
		br.Reset()
	}
	log.Info().Int("breakers", len(g.breakers)).Msg("All circuit breakers reset")
}
