package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brigade-ai/brigade/internal/config"
	"github.com/brigade-ai/brigade/internal/orchestrator"
	"github.com/brigade-ai/brigade/internal/registry"
	"github.com/brigade-ai/brigade/internal/resilience"
	"github.com/brigade-ai/brigade/internal/state"
	"github.com/brigade-ai/brigade/pkg/models"
)

// scriptedProvider replies from a fixed script, one entry per call.
type scriptedProvider struct {
	replies []string
	err     error
	calls   int
}

func (p *scriptedProvider) Kind() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, _ []models.ChatMessage) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	i := p.calls - 1
	if i >= len(p.replies) {
		i = len(p.replies) - 1
	}
	return p.replies[i], nil
}

// callLog records handler invocations in order.
type callLog struct {
	mu    sync.Mutex
	names []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, name)
}

func (l *callLog) order() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

func (l *callLog) before(a, b string) bool {
	ia, ib := -1, -1
	for i, n := range l.order() {
		if n == a && ia < 0 {
			ia = i
		}
		if n == b && ib < 0 {
			ib = i
		}
	}
	return ia >= 0 && ib >= 0 && ia < ib
}

func skillFile(name string) string {
	return fmt.Sprintf(`---
name: %s
description: Test capability %s
deployment: local
triggers: [%s]
---
Run step %s.
`, name, name, name, name)
}

func newTestOrchestrator(t *testing.T, provider *scriptedProvider, skills ...string) (*orchestrator.Orchestrator, *registry.Registry, *callLog) {
	t.Helper()
	dir := t.TempDir()
	for _, s := range skills {
		if err := os.WriteFile(filepath.Join(dir, s+".md"), []byte(skillFile(s)), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	br := resilience.NewBreaker("durable-store", 5, time.Minute)
	states := state.NewManager(config.StateConfig{
		DefaultTTL:    5 * time.Minute,
		MaxMessages:   20,
		SweepInterval: time.Hour,
	}, state.NewMemoryTier(), br, resilience.DefaultRetry())
	t.Cleanup(func() { states.Close() })

	reg := registry.New(config.SkillsConfig{
		Dir:           dir,
		SummaryTTL:    time.Minute,
		DefinitionTTL: time.Minute,
	}, states)
	if _, err := reg.Discover(context.Background(), "", false); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	log := &callLog{}
	for _, s := range skills {
		s := s
		reg.RegisterHandler(s, func(_ context.Context, input string) (string, error) {
			log.add(s)
			return "out-" + s, nil
		})
	}

	cfg := config.OrchestratorConfig{MaxSteps: 10, MaxLoops: 5, StepTimeout: 5 * time.Second}
	retry := resilience.RetryConfig{Attempts: 1, Delay: time.Millisecond, Backoff: 1.0}
	o := orchestrator.New(cfg, reg, resilience.NewGroup(resilience.DefaultDefaults()), retry, provider, nil)
	return o, reg, log
}

// ── Plan execution ──────────────────────────────────────────────────────

func TestExecutePlan_RunsInDependencyOrder(t *testing.T) {
	o, _, calls := newTestOrchestrator(t, &scriptedProvider{}, "a", "b", "c")

	run, err := o.ExecutePlan(context.Background(), "do the thing", models.ExecutionPlan{
		Skills:       []string{"a", "b", "c"},
		Dependencies: map[int][]int{1: {0}, 2: {1, 0}},
	})
	if err != nil {
		t.Fatalf("ExecutePlan() error = %v", err)
	}

	if got := calls.order(); len(got) != 3 {
		t.Fatalf("executed %v, want 3 steps", got)
	}
	if !calls.before("a", "b") || !calls.before("b", "c") {
		t.Errorf("execution order = %v, want a before b before c", calls.order())
	}
	for _, s := range run.Steps {
		if s.Status != models.StepCompleted {
			t.Errorf("step %s status = %q, want %q", s.Skill, s.Status, models.StepCompleted)
		}
	}
	if run.Incomplete {
		t.Error("run marked incomplete, want complete")
	}
	if want := "out-a\n\nout-b\n\nout-c"; run.Output != want {
		t.Errorf("Output = %q, want %q", run.Output, want)
	}
}

func TestExecutePlan_RejectsCyclicPlanBeforeExecution(t *testing.T) {
	o, _, calls := newTestOrchestrator(t, &scriptedProvider{}, "a", "b", "c")

	_, err := o.ExecutePlan(context.Background(), "loop", models.ExecutionPlan{
		Skills:       []string{"a", "b", "c"},
		Dependencies: map[int][]int{0: {2}, 2: {0}},
	})
	if !errors.Is(err, orchestrator.ErrCyclicPlan) {
		t.Fatalf("ExecutePlan() error = %v, want ErrCyclicPlan", err)
	}
	if got := calls.order(); len(got) != 0 {
		t.Errorf("steps executed before rejection: %v, want none", got)
	}
}

func TestExecutePlan_SanitizesInvalidIndices(t *testing.T) {
	o, _, calls := newTestOrchestrator(t, &scriptedProvider{}, "a", "b")

	// Index 5 is out of range and 1 is a self-reference; only the edge to
	// 0 survives.
	run, err := o.ExecutePlan(context.Background(), "task", models.ExecutionPlan{
		Skills:       []string{"a", "b"},
		Dependencies: map[int][]int{1: {5, 1, 0}},
	})
	if err != nil {
		t.Fatalf("ExecutePlan() error = %v", err)
	}
	if len(calls.order()) != 2 || !calls.before("a", "b") {
		t.Errorf("execution order = %v, want a before b", calls.order())
	}
	if got := run.Plan.Dependencies[1]; len(got) != 1 || got[0] != 0 {
		t.Errorf("sanitized dependencies[1] = %v, want [0]", got)
	}
}

func TestExecutePlan_SkipsTransitiveDependentsOnFailure(t *testing.T) {
	o, reg, calls := newTestOrchestrator(t, &scriptedProvider{}, "a", "b", "c", "d")
	reg.RegisterHandler("b", func(_ context.Context, _ string) (string, error) {
		return "", errors.New("step b exploded")
	})

	run, err := o.ExecutePlan(context.Background(), "task", models.ExecutionPlan{
		Skills:       []string{"a", "b", "c", "d"},
		Dependencies: map[int][]int{1: {0}, 2: {1}},
	})
	if err != nil {
		t.Fatalf("ExecutePlan() error = %v", err)
	}

	byName := map[string]models.StepResult{}
	for _, s := range run.Steps {
		byName[s.Skill] = s
	}
	if byName["b"].Status != models.StepFailed {
		t.Errorf("step b status = %q, want %q", byName["b"].Status, models.StepFailed)
	}
	if byName["c"].Status != models.StepSkipped {
		t.Errorf("step c status = %q, want %q", byName["c"].Status, models.StepSkipped)
	}
	if byName["d"].Status != models.StepCompleted {
		t.Errorf("independent step d status = %q, want %q", byName["d"].Status, models.StepCompleted)
	}
	if !run.Incomplete {
		t.Error("run not marked incomplete after a failed step")
	}
	for _, n := range calls.order() {
		if n == "c" {
			t.Error("skipped step c was executed")
		}
	}
}

func TestExecutePlan_EnforcesStepCap(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &scriptedProvider{}, "a")

	skills := make([]string, 11)
	for i := range skills {
		skills[i] = "a"
	}
	_, err := o.ExecutePlan(context.Background(), "task", models.ExecutionPlan{Skills: skills})
	if err == nil || !strings.Contains(err.Error(), "cap") {
		t.Fatalf("ExecutePlan() error = %v, want step cap error", err)
	}
}

// ── Planner integration ─────────────────────────────────────────────────

func TestExecute_ParsesPlannerReply(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		"Here is the plan:\n```json\n" +
			`{"skills": ["a", "b"], "dependencies": {"1": [0], "bogus": [0]}}` +
			"\n```",
	}}
	o, _, calls := newTestOrchestrator(t, provider, "a", "b")

	run, err := o.Execute(context.Background(), "two step task")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !calls.before("a", "b") {
		t.Errorf("execution order = %v, want a before b", calls.order())
	}
	if run.Incomplete {
		t.Error("run marked incomplete, want complete")
	}
}

func TestExecute_PlannerFailureSurfaces(t *testing.T) {
	provider := &scriptedProvider{err: errors.New("planner down")}
	o, _, calls := newTestOrchestrator(t, provider, "a")

	if _, err := o.Execute(context.Background(), "task"); err == nil {
		t.Fatal("Execute() error = nil, want planner failure")
	}
	if len(calls.order()) != 0 {
		t.Errorf("steps executed despite planner failure: %v", calls.order())
	}
}

// ── Chained execution ───────────────────────────────────────────────────

func TestChained_FeedsOutputForward(t *testing.T) {
	provider := &scriptedProvider{replies: []string{`{"skills": ["a", "b"]}`}}
	o, reg, _ := newTestOrchestrator(t, provider, "a", "b")

	var bInput string
	reg.RegisterHandler("b", func(_ context.Context, input string) (string, error) {
		bInput = input
		return "final", nil
	})

	run, err := o.Chained(context.Background(), "chain it")
	if err != nil {
		t.Fatalf("Chained() error = %v", err)
	}
	if !strings.Contains(bInput, "out-a") {
		t.Errorf("second step input = %q, want it to carry the first step's output", bInput)
	}
	if run.Output != "final" {
		t.Errorf("Output = %q, want %q", run.Output, "final")
	}
	if run.Incomplete {
		t.Error("run marked incomplete, want complete")
	}
}

func TestChained_TruncatesAtLoopCap(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"skills": ["a", "a", "a", "a", "a", "a", "a"]}`,
	}}
	o, _, calls := newTestOrchestrator(t, provider, "a")

	run, err := o.Chained(context.Background(), "long chain")
	if err != nil {
		t.Fatalf("Chained() error = %v", err)
	}
	if got := len(calls.order()); got != 5 {
		t.Errorf("executed %d steps, want 5", got)
	}
	if !run.Incomplete {
		t.Error("truncated run not marked incomplete")
	}
	if run.Output == "" {
		t.Error("truncated run returned no partial output")
	}
}

// ── Evaluated execution ─────────────────────────────────────────────────

func TestEvaluated_RefinesUntilAccepted(t *testing.T) {
	provider := &scriptedProvider{replies: []string{"missing the conclusion", "ACCEPT"}}
	o, reg, _ := newTestOrchestrator(t, provider, "a")

	attempts := 0
	var lastInput string
	reg.RegisterHandler("a", func(_ context.Context, input string) (string, error) {
		attempts++
		lastInput = input
		return fmt.Sprintf("draft %d", attempts), nil
	})

	run, err := o.Evaluated(context.Background(), "a", "write it up")
	if err != nil {
		t.Fatalf("Evaluated() error = %v", err)
	}
	if attempts != 2 {
		t.Errorf("capability attempts = %d, want 2", attempts)
	}
	if !strings.Contains(lastInput, "missing the conclusion") {
		t.Errorf("refinement input = %q, want it to carry the critique", lastInput)
	}
	if run.Output != "draft 2" {
		t.Errorf("Output = %q, want %q", run.Output, "draft 2")
	}
	if run.Incomplete {
		t.Error("accepted run marked incomplete")
	}
}

func TestEvaluated_TruncatesWhenNeverAccepted(t *testing.T) {
	provider := &scriptedProvider{replies: []string{"still not right"}}
	o, _, _ := newTestOrchestrator(t, provider, "a")

	run, err := o.Evaluated(context.Background(), "a", "impossible standard")
	if err != nil {
		t.Fatalf("Evaluated() error = %v", err)
	}
	if got := len(run.Steps); got != 5 {
		t.Errorf("steps = %d, want the 5-iteration cap", got)
	}
	if !run.Incomplete {
		t.Error("never-accepted run not marked incomplete")
	}
	if run.Output == "" {
		t.Error("no partial output returned")
	}
}

func TestInvoke_UnknownCapabilityIsTyped(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &scriptedProvider{}, "a")

	_, err := o.Invoke(context.Background(), "nope", "input")
	var nf *registry.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Invoke() error = %v, want *registry.NotFoundError", err)
	}
}
