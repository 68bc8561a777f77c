// Package tracer records one trace per handled task: every capability and
// tool invocation inside the span becomes a step with bounded input and
// output summaries. Error traces always persist; success traces are
// sampled to keep storage bounded.
package tracer

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/brigade-ai/brigade/internal/config"
	"github.com/brigade-ai/brigade/internal/state"
	"github.com/brigade-ai/brigade/pkg/models"
)

// maxIndexed bounds the in-process query index.
const maxIndexed = 1000

// Tracer owns trace persistence and querying.
type Tracer struct {
	cfg    config.TracerConfig
	states *state.Manager
	sample func() bool

	mu    sync.RWMutex
	index []models.ExecutionTrace // persisted traces, newest last
}

// New builds a tracer. sample overrides the success-sampling decision;
// nil uses the configured sample rate.
func New(cfg config.TracerConfig, states *state.Manager, sample func() bool) *Tracer {
	if cfg.MaxSummary <= 0 {
		cfg.MaxSummary = 500
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	t := &Tracer{cfg: cfg, states: states, sample: sample}
	if t.sample == nil {
		t.sample = func() bool { return rand.Float64() < cfg.SampleRate }
	}
	return t
}

// ── Trace handle ────────────────────────────────────────────────────────

// Trace is the handle for one in-flight task-handling span.
type Trace struct {
	tr *Tracer

	mu  sync.Mutex
	rec models.ExecutionTrace
}

// Start opens a trace for one task handling.
func (t *Tracer) Start(userID, task string, mode models.InvokeMode) *Trace {
	return &Trace{
		tr: t,
		rec: models.ExecutionTrace{
			ID:        uuid.NewString(),
			UserID:    userID,
			Task:      truncate(task, t.cfg.MaxSummary),
			Mode:      string(mode),
			StartedAt: time.Now(),
		},
	}
}

// ID returns the trace identifier.
func (h *Trace) ID() string {
	return h.rec.ID
}

// RecordStep appends one invocation to the trace. Input and output are
// truncated to the configured summary bound.
func (h *Trace) RecordStep(name, input, output string, d time.Duration, isError bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rec.Steps = append(h.rec.Steps, models.StepTrace{
		Name:       name,
		Input:      truncate(input, h.tr.cfg.MaxSummary),
		Output:     truncate(output, h.tr.cfg.MaxSummary),
		DurationMs: d.Milliseconds(),
		IsError:    isError,
	})
}

// Finish closes the trace and persists it according to the sampling
// policy: error and timeout traces always, success traces sampled.
func (h *Trace) Finish(ctx context.Context, status models.TraceStatus) {
	h.mu.Lock()
	h.rec.Status = status
	h.rec.FinishedAt = time.Now()
	h.rec.DurationMs = h.rec.FinishedAt.Sub(h.rec.StartedAt).Milliseconds()
	rec := h.rec
	h.mu.Unlock()

	if status == models.TraceSuccess && !h.tr.sample() {
		return
	}
	h.tr.persist(ctx, rec)
}

// ── Persistence & querying ──────────────────────────────────────────────

func (t *Tracer) persist(ctx context.Context, rec models.ExecutionTrace) {
	t.states.SetJSON(ctx, state.NSTraces, rec.ID, &rec, t.cfg.Retention, true)

	t.mu.Lock()
	t.index = append(t.index, rec)
	t.pruneLocked()
	t.mu.Unlock()

	log.Debug().
		Str("trace_id", rec.ID).
		Str("status", string(rec.Status)).
		Int("steps", len(rec.Steps)).
		Msg("Trace persisted")
}

// pruneLocked drops traces past retention and caps the index size.
func (t *Tracer) pruneLocked() {
	cutoff := time.Now().Add(-t.cfg.Retention)
	kept := t.index[:0]
	for _, rec := range t.index {
		if rec.StartedAt.After(cutoff) {
			kept = append(kept, rec)
		}
	}
	t.index = kept
	if len(t.index) > maxIndexed {
		t.index = t.index[len(t.index)-maxIndexed:]
	}
}

// Get returns one trace by id, consulting the state manager when the
// in-process index no longer holds it.
func (t *Tracer) Get(ctx context.Context, id string) (*models.ExecutionTrace, bool) {
	t.mu.RLock()
	for i := range t.index {
		if t.index[i].ID == id {
			rec := t.index[i]
			t.mu.RUnlock()
			return &rec, true
		}
	}
	t.mu.RUnlock()

	var rec models.ExecutionTrace
	if t.states.GetJSON(ctx, state.NSTraces, id, t.cfg.Retention, &rec) {
		return &rec, true
	}
	return nil, false
}

// List returns traces matching the filter, newest first.
func (t *Tracer) List(_ context.Context, filter models.TraceFilter) []models.ExecutionTrace {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.ExecutionTrace, 0)
	for _, rec := range t.index {
		if filter.UserID != "" && rec.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.Since != nil && rec.StartedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !rec.StartedAt.Before(*filter.Until) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
