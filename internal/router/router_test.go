package router_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brigade-ai/brigade/internal/config"
	"github.com/brigade-ai/brigade/internal/registry"
	"github.com/brigade-ai/brigade/internal/resilience"
	"github.com/brigade-ai/brigade/internal/router"
	"github.com/brigade-ai/brigade/internal/state"
	"github.com/brigade-ai/brigade/pkg/contracts"
	"github.com/brigade-ai/brigade/pkg/models"
)

const researchSkill = `---
name: gemini-deep-research
description: Produce a long-form research report on a topic
category: research
deployment: remote
triggers: [research, investigate, report]
---
Research the topic and write up findings.
`

const designSkill = `---
name: logo-designer
description: Design logos and brand marks
category: creative
deployment: local
triggers: [design, logo, brand]
---
Design a logo from the given brief.
`

const chatSkill = `---
name: smalltalk
description: Casual conversation
deployment: both
triggers: [chat]
---
Chat casually.
`

// ── Fakes ───────────────────────────────────────────────────────────────

type fakeClassifier struct {
	reply string
	err   error
	calls int
}

func (f *fakeClassifier) Kind() string { return "fake" }

func (f *fakeClassifier) Complete(_ context.Context, _ []models.ChatMessage) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

// fakeEmbedder maps known texts to fixed vectors. Unknown texts get the
// fallback vector; a non-nil err fails every call.
type fakeEmbedder struct {
	vectors  map[string][]float64
	fallback []float64
	err      error
	calls    int
}

func (f *fakeEmbedder) Kind() string    { return "fake" }
func (f *fakeEmbedder) Dimensions() int { return 3 }

func (f *fakeEmbedder) HealthCheck(_ context.Context) error { return f.err }

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	f.calls++
	if f.err != nil {
		return nil, resilience.Transient(f.err)
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		if v, ok := f.vectors[t]; ok {
			out[i] = v
		} else {
			out[i] = f.fallback
		}
	}
	return out, nil
}

// ── Setup ───────────────────────────────────────────────────────────────

func writeSkills(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"gemini-deep-research.md": researchSkill,
		"logo-designer.md":        designSkill,
		"smalltalk.md":            chatSkill,
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func newTestRouter(t *testing.T, classifier *fakeClassifier, embedder *fakeEmbedder) (*router.Router, *resilience.Group) {
	t.Helper()
	br := resilience.NewBreaker("durable-store", 5, time.Minute)
	states := state.NewManager(config.StateConfig{
		DefaultTTL:    5 * time.Minute,
		MaxMessages:   20,
		SweepInterval: time.Hour,
	}, state.NewMemoryTier(), br, resilience.DefaultRetry())
	t.Cleanup(func() { states.Close() })

	reg := registry.New(config.SkillsConfig{
		Dir:           writeSkills(t),
		SummaryTTL:    time.Minute,
		DefinitionTTL: time.Minute,
	}, states)
	if _, err := reg.Discover(context.Background(), "", false); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	group := resilience.NewGroup(resilience.DefaultDefaults())
	var cp contracts.ChatProvider
	if classifier != nil {
		cp = classifier
	}
	var ed contracts.EmbeddingDriver
	if embedder != nil {
		ed = embedder
	}
	return router.New(reg, group, cp, ed), group
}

// ── Explicit invocation ─────────────────────────────────────────────────

func TestParseExplicit(t *testing.T) {
	rt, _ := newTestRouter(t, nil, nil)

	tests := []struct {
		task      string
		name      string
		remainder string
		ok        bool
	}{
		{"/logo-designer make it blue", "logo-designer", "make it blue", true},
		{"/research quantum computing", "gemini-deep-research", "quantum computing", true},
		{"/logo-des new wordmark", "logo-designer", "new wordmark", true},
		{"  /smalltalk  ", "smalltalk", "", true},
		{"/unknown-skill do things", "", "", false},
		{"design a logo", "", "", false},
		{"/", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		name, remainder, ok := rt.ParseExplicit(tt.task)
		if name != tt.name || remainder != tt.remainder || ok != tt.ok {
			t.Errorf("ParseExplicit(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.task, name, remainder, ok, tt.name, tt.remainder, tt.ok)
		}
	}
}

// ── Intent classification ───────────────────────────────────────────────

func TestClassifyIntent_DeterministicRules(t *testing.T) {
	classifier := &fakeClassifier{reply: "direct-response"}
	rt, _ := newTestRouter(t, classifier, nil)
	ctx := context.Background()

	tests := []struct {
		task string
		want router.Intent
	}{
		{"hello!", router.IntentDirect},
		{"Thanks", router.IntentDirect},
		{"design a logo", router.IntentSingle},
		{"investigate the outage report", router.IntentSingle},
		{"research rust adoption and design a logo", router.IntentMulti},
		{"fetch the data and then summarize it", router.IntentMulti},
	}
	for _, tt := range tests {
		if got := rt.ClassifyIntent(ctx, tt.task); got != tt.want {
			t.Errorf("ClassifyIntent(%q) = %q, want %q", tt.task, got, tt.want)
		}
	}
	if classifier.calls != 0 {
		t.Errorf("classifier called %d times for deterministic inputs, want 0", classifier.calls)
	}
}

func TestClassifyIntent_EscalatesAmbiguous(t *testing.T) {
	classifier := &fakeClassifier{reply: "single-capability"}
	rt, _ := newTestRouter(t, classifier, nil)

	got := rt.ClassifyIntent(context.Background(), "what would suit our rebrand best")
	if got != router.IntentSingle {
		t.Errorf("ClassifyIntent() = %q, want %q", got, router.IntentSingle)
	}
	if classifier.calls != 1 {
		t.Errorf("classifier calls = %d, want 1", classifier.calls)
	}
}

func TestClassifyIntent_DefaultsOnClassifierFailure(t *testing.T) {
	classifier := &fakeClassifier{err: errors.New("upstream 500")}
	rt, _ := newTestRouter(t, classifier, nil)

	got := rt.ClassifyIntent(context.Background(), "hmm not sure what this needs")
	if got != router.IntentDirect {
		t.Errorf("ClassifyIntent() = %q, want %q on classifier failure", got, router.IntentDirect)
	}
}

func TestClassifyIntent_NoClassifierDefaultsDirect(t *testing.T) {
	rt, _ := newTestRouter(t, nil, nil)

	got := rt.ClassifyIntent(context.Background(), "hmm not sure what this needs")
	if got != router.IntentDirect {
		t.Errorf("ClassifyIntent() = %q, want %q without a classifier", got, router.IntentDirect)
	}
}

// ── Single-capability routing ───────────────────────────────────────────

func TestRouteSingle_Semantic(t *testing.T) {
	embedder := &fakeEmbedder{
		vectors: map[string][]float64{
			"Produce a long-form research report on a topic": {1, 0, 0},
			"Design logos and brand marks":                   {0, 1, 0},
			"Casual conversation":                            {0, 0, 1},
			"sketch a new wordmark for us":                   {0.1, 0.9, 0},
		},
		fallback: []float64{0, 0, 0},
	}
	rt, _ := newTestRouter(t, nil, embedder)

	got := rt.RouteSingle(context.Background(), "sketch a new wordmark for us")
	if got == nil || got.Name != "logo-designer" {
		t.Fatalf("RouteSingle() = %v, want logo-designer", got)
	}
}

func TestRouteSingle_LowSimilarityFallsBack(t *testing.T) {
	// Everything embeds orthogonally, so the best semantic score is 0 and
	// the trigger fallback decides.
	embedder := &fakeEmbedder{
		vectors: map[string][]float64{
			"design a logo": {0, 0, 1},
		},
		fallback: []float64{1, 0, 0},
	}
	rt, _ := newTestRouter(t, nil, embedder)

	got := rt.RouteSingle(context.Background(), "design a logo")
	if got == nil || got.Name != "logo-designer" {
		t.Fatalf("RouteSingle() = %v, want logo-designer via trigger fallback", got)
	}
}

func TestRouteSingle_KeywordFallbackWhenCircuitOpen(t *testing.T) {
	embedder := &fakeEmbedder{err: errors.New("embedding service down")}
	rt, group := newTestRouter(t, nil, embedder)
	ctx := context.Background()

	// Drive the embeddings breaker open, falling back each time.
	for i := 0; i < 3; i++ {
		got := rt.RouteSingle(ctx, "design a logo")
		if got == nil || got.Name != "logo-designer" {
			t.Fatalf("RouteSingle() call %d = %v, want logo-designer", i+1, got)
		}
	}
	if st := group.Get("embeddings", resilience.ClassSearch).State(); st != resilience.StateOpen {
		t.Fatalf("embeddings breaker state = %q, want %q", st, resilience.StateOpen)
	}

	// With the circuit open the embedder must not be touched, and the
	// keyword fallback still selects the capability triggered by "design".
	embedder.calls = 0
	got := rt.RouteSingle(ctx, "design a logo")
	if got == nil || got.Name != "logo-designer" {
		t.Fatalf("RouteSingle() with open circuit = %v, want logo-designer", got)
	}
	if embedder.calls != 0 {
		t.Errorf("embedder called %d times while circuit open, want 0", embedder.calls)
	}
}

func TestRouteSingle_NoMatchReturnsNil(t *testing.T) {
	rt, _ := newTestRouter(t, nil, nil)

	if got := rt.RouteSingle(context.Background(), "completely unrelated request"); got != nil {
		t.Errorf("RouteSingle() = %v, want nil", got)
	}
}

func TestRouteSingle_TieBreaksByDeclarationOrder(t *testing.T) {
	rt, _ := newTestRouter(t, nil, nil)

	// "chat about our logo" overlaps one trigger of logo-designer and one
	// of smalltalk; logo-designer is declared first.
	got := rt.RouteSingle(context.Background(), "chat about our logo")
	if got == nil || got.Name != "logo-designer" {
		t.Fatalf("RouteSingle() = %v, want logo-designer by declaration order", got)
	}
}
