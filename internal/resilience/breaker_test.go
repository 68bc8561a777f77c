package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock drives breaker time in tests without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	br := NewBreaker("test-dep", threshold, cooldown)
	br.now = clock.now
	return br, clock
}

var errBoom = errors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestBreaker_OpensAtThreshold(t *testing.T) {
	br, _ := newTestBreaker(2, 5*time.Second)
	ctx := context.Background()

	if err := br.Call(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("first failure: err = %v, want %v", err, errBoom)
	}
	if got := br.State(); got != StateClosed {
		t.Errorf("after 1 failure, State() = %q, want %q", got, StateClosed)
	}

	if err := br.Call(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("second failure: err = %v, want %v", err, errBoom)
	}
	if got := br.State(); got != StateOpen {
		t.Errorf("after 2 failures, State() = %q, want %q", got, StateOpen)
	}
}

func TestBreaker_RejectsWhileOpen(t *testing.T) {
	br, _ := newTestBreaker(2, 5*time.Second)
	ctx := context.Background()

	br.Call(ctx, fail)
	br.Call(ctx, fail)

	called := false
	err := br.Call(ctx, func(context.Context) error {
		called = true
		return nil
	})

	var coe *CircuitOpenError
	if !errors.As(err, &coe) {
		t.Fatalf("third call: err = %v, want CircuitOpenError", err)
	}
	if called {
		t.Error("open breaker still invoked the wrapped call")
	}
	if coe.RetryAfter > 5*time.Second {
		t.Errorf("RetryAfter = %v, want <= 5s", coe.RetryAfter)
	}
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	br, clock := newTestBreaker(2, 5*time.Second)
	ctx := context.Background()

	br.Call(ctx, fail)
	br.Call(ctx, fail)

	clock.advance(6 * time.Second)
	if got := br.State(); got != StateHalfOpen {
		t.Fatalf("after cooldown, State() = %q, want %q", got, StateHalfOpen)
	}

	// One successful trial call closes the circuit and resets failures.
	if err := br.Call(ctx, succeed); err != nil {
		t.Fatalf("trial call: err = %v", err)
	}
	if got := br.State(); got != StateClosed {
		t.Errorf("after trial success, State() = %q, want %q", got, StateClosed)
	}
	if snap := br.Snapshot(); snap.Failures != 0 {
		t.Errorf("after close, Failures = %d, want 0", snap.Failures)
	}
}

func TestBreaker_FailedTrialReopensImmediately(t *testing.T) {
	br, clock := newTestBreaker(3, 10*time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		br.Call(ctx, fail)
	}
	clock.advance(11 * time.Second)

	if got := br.State(); got != StateHalfOpen {
		t.Fatalf("State() = %q, want %q", got, StateHalfOpen)
	}

	// The failed trial reopens without waiting for threshold again.
	br.Call(ctx, fail)
	if got := br.State(); got != StateOpen {
		t.Errorf("after failed trial, State() = %q, want %q", got, StateOpen)
	}

	// And it stays open until another cooldown passes.
	err := br.Call(ctx, succeed)
	if !IsCircuitOpen(err) {
		t.Errorf("call while reopened: err = %v, want CircuitOpenError", err)
	}
}

func TestBreaker_HalfOpenPermitsSingleTrial(t *testing.T) {
	br, clock := newTestBreaker(1, time.Second)
	ctx := context.Background()

	br.Call(ctx, fail)
	clock.advance(2 * time.Second)

	// First admit grabs the trial slot; a second concurrent admit is rejected.
	if err := br.admit(); err != nil {
		t.Fatalf("first admit: err = %v", err)
	}
	if err := br.admit(); !IsCircuitOpen(err) {
		t.Errorf("second admit during trial: err = %v, want CircuitOpenError", err)
	}
	br.record(true)

	if got := br.State(); got != StateClosed {
		t.Errorf("after trial success, State() = %q, want %q", got, StateClosed)
	}
}

func TestBreaker_SnapshotCooldownRemaining(t *testing.T) {
	br, clock := newTestBreaker(2, 5*time.Second)
	ctx := context.Background()

	br.Call(ctx, fail)
	br.Call(ctx, fail)
	clock.advance(2 * time.Second)

	snap := br.Snapshot()
	if snap.State != StateOpen {
		t.Fatalf("Snapshot().State = %q, want %q", snap.State, StateOpen)
	}
	if snap.CooldownRemaining <= 0 || snap.CooldownRemaining > 5 {
		t.Errorf("CooldownRemaining = %v, want in (0, 5]", snap.CooldownRemaining)
	}
	if snap.Failures != 2 {
		t.Errorf("Failures = %d, want 2", snap.Failures)
	}
}

func TestGroup_ClassDefaultsAndReset(t *testing.T) {
	g := NewGroup(DefaultDefaults())
	ctx := context.Background()

	search := g.Get("embeddings", ClassSearch)
	storage := g.Get("redis", ClassStorage)

	if search.threshold != 3 || search.cooldown != 30*time.Second {
		t.Errorf("search breaker = %d/%v, want 3/30s", search.threshold, search.cooldown)
	}
	if storage.threshold != 5 || storage.cooldown != 60*time.Second {
		t.Errorf("storage breaker = %d/%v, want 5/60s", storage.threshold, storage.cooldown)
	}

	// Same name returns the same instance.
	if g.Get("embeddings", ClassSearch) != search {
		t.Error("Get() returned a new breaker for an existing name")
	}

	for i := 0; i < 3; i++ {
		search.Call(ctx, fail)
	}
	if search.State() != StateOpen {
		t.Fatalf("State() = %q, want %q", search.State(), StateOpen)
	}

	g.ResetAll()
	if search.State() != StateClosed {
		t.Errorf("after ResetAll, State() = %q, want %q", search.State(), StateClosed)
	}
	if snap := search.Snapshot(); snap.Failures != 0 {
		t.Errorf("after ResetAll, Failures = %d, want 0", snap.Failures)
	}
}
