package tracer_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/brigade-ai/brigade/internal/config"
	"github.com/brigade-ai/brigade/internal/resilience"
	"github.com/brigade-ai/brigade/internal/state"
	"github.com/brigade-ai/brigade/internal/tracer"
	"github.com/brigade-ai/brigade/pkg/models"
)

func newTestTracer(t *testing.T, sample func() bool) *tracer.Tracer {
	t.Helper()
	br := resilience.NewBreaker("durable-store", 5, time.Minute)
	states := state.NewManager(config.StateConfig{
		DefaultTTL:    5 * time.Minute,
		MaxMessages:   20,
		SweepInterval: time.Hour,
	}, state.NewMemoryTier(), br, resilience.DefaultRetry())
	t.Cleanup(func() { states.Close() })

	return tracer.New(config.TracerConfig{
		Retention:  7 * 24 * time.Hour,
		SampleRate: 0.1,
		MaxSummary: 500,
	}, states, sample)
}

func TestFinish_ErrorTracesAlwaysPersist(t *testing.T) {
	tr := newTestTracer(t, func() bool { return false })
	ctx := context.Background()

	h := tr.Start("user-1", "fetch the report", models.ModeRouted)
	h.RecordStep("gemini-deep-research", "fetch the report", "", 120*time.Millisecond, true)
	h.Finish(ctx, models.TraceError)

	got, ok := tr.Get(ctx, h.ID())
	if !ok {
		t.Fatal("error trace not persisted")
	}
	if got.Status != models.TraceError {
		t.Errorf("Status = %q, want %q", got.Status, models.TraceError)
	}
	if len(got.Steps) != 1 || !got.Steps[0].IsError {
		t.Errorf("Steps = %+v, want one error step", got.Steps)
	}
}

func TestFinish_SuccessTracesFollowSampler(t *testing.T) {
	ctx := context.Background()

	tr := newTestTracer(t, func() bool { return false })
	h := tr.Start("user-1", "hello", models.ModeSimple)
	h.Finish(ctx, models.TraceSuccess)
	if _, ok := tr.Get(ctx, h.ID()); ok {
		t.Error("unsampled success trace was persisted")
	}

	tr = newTestTracer(t, func() bool { return true })
	h = tr.Start("user-1", "hello", models.ModeSimple)
	h.Finish(ctx, models.TraceSuccess)
	if _, ok := tr.Get(ctx, h.ID()); !ok {
		t.Error("sampled success trace was not persisted")
	}
}

func TestRecordStep_TruncatesSummaries(t *testing.T) {
	tr := newTestTracer(t, func() bool { return true })
	ctx := context.Background()

	long := strings.Repeat("x", 2000)
	h := tr.Start("user-1", long, models.ModeSimple)
	h.RecordStep("skill", long, long, time.Millisecond, false)
	h.Finish(ctx, models.TraceSuccess)

	got, ok := tr.Get(ctx, h.ID())
	if !ok {
		t.Fatal("trace not persisted")
	}
	step := got.Steps[0]
	for name, s := range map[string]string{"task": got.Task, "input": step.Input, "output": step.Output} {
		if !strings.HasPrefix(s, "xxx") || !strings.HasSuffix(s, "…") {
			t.Errorf("%s = %q..., want truncated with ellipsis", name, s[:10])
		}
		if len(strings.TrimSuffix(s, "…")) != 500 {
			t.Errorf("%s length = %d, want 500", name, len(strings.TrimSuffix(s, "…")))
		}
	}
}

func TestList_Filters(t *testing.T) {
	tr := newTestTracer(t, func() bool { return true })
	ctx := context.Background()

	finish := func(user string, status models.TraceStatus) string {
		h := tr.Start(user, "task for "+user, models.ModeRouted)
		h.Finish(ctx, status)
		return h.ID()
	}
	aliceOK := finish("alice", models.TraceSuccess)
	finish("alice", models.TraceError)
	finish("bob", models.TraceSuccess)

	if got := tr.List(ctx, models.TraceFilter{UserID: "alice"}); len(got) != 2 {
		t.Errorf("List(user=alice) = %d traces, want 2", len(got))
	}
	got := tr.List(ctx, models.TraceFilter{UserID: "alice", Status: models.TraceSuccess})
	if len(got) != 1 || got[0].ID != aliceOK {
		t.Errorf("List(user=alice, status=success) = %+v, want the one success", got)
	}
	if got := tr.List(ctx, models.TraceFilter{Limit: 2}); len(got) != 2 {
		t.Errorf("List(limit=2) = %d traces, want 2", len(got))
	}

	future := time.Now().Add(time.Hour)
	if got := tr.List(ctx, models.TraceFilter{Since: &future}); len(got) != 0 {
		t.Errorf("List(since=future) = %d traces, want 0", len(got))
	}
}

func TestGet_UnknownTrace(t *testing.T) {
	tr := newTestTracer(t, nil)
	if _, ok := tr.Get(context.Background(), "no-such-trace"); ok {
		t.Error("Get() found a trace that was never recorded")
	}
}
