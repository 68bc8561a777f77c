// Package router maps an inbound task to zero, one, or many capabilities.
// Resolution runs in layers: explicit invocation parsing first, then
// deterministic intent rules, then semantic similarity with a keyword
// fallback. Every remote call goes through the resilience layer.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/brigade-ai/brigade/internal/registry"
	"github.com/brigade-ai/brigade/internal/resilience"
	"github.com/brigade-ai/brigade/internal/vectorstore"
	"github.com/brigade-ai/brigade/pkg/contracts"
	"github.com/brigade-ai/brigade/pkg/models"
)

// Marker prefixes a task that names its capability directly.
const Marker = "/"

// Intent is the coarse handling decision for a task.
type Intent string

const (
	IntentDirect Intent = "direct-response"
	IntentSingle Intent = "single-capability"
	IntentMulti  Intent = "multi-capability"
)

// minSimilarity is the floor below which a semantic hit is treated as
// no match rather than a bad one.
const minSimilarity = 0.3

// ── Router ──────────────────────────────────────────────────────────────

// Router resolves tasks against the capability registry.
type Router struct {
	reg        *registry.Registry
	breakers   *resilience.Group
	classifier contracts.ChatProvider    // nil disables model-backed classification
	embedder   contracts.EmbeddingDriver // nil disables semantic routing
	index      *vectorstore.Index
}

// New builds a router. classifier and embedder may be nil; the router
// degrades to its deterministic layers without them.
func New(reg *registry.Registry, breakers *resilience.Group, classifier contracts.ChatProvider, embedder contracts.EmbeddingDriver) *Router {
	return &Router{
		reg:        reg,
		breakers:   breakers,
		classifier: classifier,
		embedder:   embedder,
		index:      vectorstore.NewIndex(),
	}
}

// ── Explicit invocation ─────────────────────────────────────────────────

// ParseExplicit recognizes a task beginning with the invocation marker
// followed by an identifier. The identifier matches exactly first, then
// by prefix for typo tolerance. Returns the resolved capability name and
// the remainder of the task, or ok=false to signal fall-through to
// classification.
func (r *Router) ParseExplicit(task string) (name, remainder string, ok bool) {
	trimmed := strings.TrimSpace(task)
	if !strings.HasPrefix(trimmed, Marker) {
		return "", "", false
	}
	rest := trimmed[len(Marker):]
	if rest == "" {
		return "", "", false
	}
	token := rest
	if i := strings.IndexAny(rest, " \t\n"); i >= 0 {
		token, remainder = rest[:i], strings.TrimSpace(rest[i:])
	}
	resolved, found := r.reg.Resolve(token)
	if !found {
		return "", "", false
	}
	return resolved, remainder, true
}

// ── Intent classification ───────────────────────────────────────────────

var greetings = map[string]struct{}{
	"hi": {}, "hello": {}, "hey": {}, "yo": {}, "thanks": {},
	"thank you": {}, "bye": {}, "goodbye": {}, "ok": {}, "okay": {},
	"good morning": {}, "good evening": {}, "how are you": {},
}

// multiStepMarkers are connectives that signal a multi-capability task.
var multiStepMarkers = []string{
	" and then ", " after that ", ", then ", "; then ",
	"first ", "step 1", "step one", "finally ",
}

// ClassifyIntent decides between direct-response, single-capability,
// and multi-capability handling. Deterministic rules resolve the obvious
// cases without a remote call; only ambiguous input escalates to the
// model-backed classifier, which defaults to direct-response when the
// call fails or its circuit is open.
func (r *Router) ClassifyIntent(ctx context.Context, task string) Intent {
	lower := strings.ToLower(strings.TrimSpace(task))
	if lower == "" {
		return IntentDirect
	}
	if _, ok := greetings[strings.TrimRight(lower, "!.?")]; ok {
		return IntentDirect
	}
	for _, m := range multiStepMarkers {
		if strings.Contains(lower, m) {
			return IntentMulti
		}
	}

	// Trigger keywords resolve the case where exactly one capability
	// family claims the task.
	matched := r.triggerMatches(lower)
	if len(matched) == 1 {
		return IntentSingle
	}
	if len(matched) > 1 {
		return IntentMulti
	}

	return r.classifyWithModel(ctx, task)
}

// triggerMatches returns the names of capabilities whose trigger terms
// appear in the lowered task.
func (r *Router) triggerMatches(lowerTask string) []string {
	words := tokenize(lowerTask)
	var matched []string
	for _, s := range r.summaries() {
		if triggerOverlap(words, s.Triggers) > 0 {
			matched = append(matched, s.Name)
		}
	}
	return matched
}

func (r *Router) classifyWithModel(ctx context.Context, task string) Intent {
	if r.classifier == nil {
		return IntentDirect
	}
	br := r.breakers.Get("intent-classifier", resilience.ClassSearch)
	var out string
	err := br.Call(ctx, func(ctx context.Context) error {
		var cerr error
		out, cerr = r.classifier.Complete(ctx, []models.ChatMessage{
			{Role: "system", Content: classifyPrompt},
			{Role: "user", Content: task},
		})
		return cerr
	})
	if err != nil {
		log.Debug().Err(err).Msg("intent classification unavailable, defaulting to direct response")
		return IntentDirect
	}
	switch {
	case strings.Contains(out, string(IntentMulti)):
		return IntentMulti
	case strings.Contains(out, string(IntentSingle)):
		return IntentSingle
	default:
		return IntentDirect
	}
}

const classifyPrompt = `You route user tasks. Reply with exactly one label:
direct-response - small talk or a question answerable from general knowledge
single-capability - one specialized tool call would handle it
multi-capability - it needs several tools or sequential steps`

// ── Single-capability routing ───────────────────────────────────────────

// RouteSingle picks the best capability for a task by semantic similarity
// over capability descriptions, falling back to trigger-keyword overlap
// when the embedding dependency fails or its circuit is open. Ties break
// by declaration order. Returns nil when nothing matches.
func (r *Router) RouteSingle(ctx context.Context, task string) *models.CapabilitySummary {
	if r.embedder != nil {
		if s := r.routeSemantic(ctx, task); s != nil {
			return s
		}
	}
	return r.routeByTriggers(task)
}

func (r *Router) routeSemantic(ctx context.Context, task string) *models.CapabilitySummary {
	br := r.breakers.Get("embeddings", resilience.ClassSearch)
	var vec []float64
	err := br.Call(ctx, func(ctx context.Context) error {
		if err := r.syncIndex(ctx); err != nil {
			return err
		}
		vecs, err := r.embedder.Embed(ctx, []string{task})
		if err != nil {
			return err
		}
		if len(vecs) != 1 {
			return fmt.Errorf("embed returned %d vectors, want 1", len(vecs))
		}
		vec = vecs[0]
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Msg("semantic routing unavailable, falling back to trigger keywords")
		return nil
	}

	hits := r.index.Search(ctx, vec, 1)
	if len(hits) == 0 || hits[0].Score < minSimilarity {
		return nil
	}
	if s, ok := r.reg.Summary(hits[0].Name); ok {
		log.Debug().Str("skill", s.Name).Float64("score", hits[0].Score).Msg("semantic route")
		return &s
	}
	return nil
}

// syncIndex embeds any capability descriptions not yet indexed. Runs
// inside the embeddings breaker so indexing failures count against it.
func (r *Router) syncIndex(ctx context.Context) error {
	var missing []models.CapabilitySummary
	for _, s := range r.summaries() {
		if !r.index.Has(s.Name) {
			missing = append(missing, s)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	texts := make([]string, len(missing))
	for i, s := range missing {
		texts[i] = s.Description
	}
	vecs, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("index capability descriptions: %w", err)
	}
	if len(vecs) != len(missing) {
		return fmt.Errorf("embed returned %d vectors, want %d", len(vecs), len(missing))
	}
	docs := make([]vectorstore.Doc, len(missing))
	for i, s := range missing {
		docs[i] = vectorstore.Doc{Name: s.Name, Text: s.Description, Vector: vecs[i]}
	}
	r.index.Upsert(ctx, docs)
	log.Debug().Int("count", len(docs)).Msg("indexed capability descriptions")
	return nil
}

// routeByTriggers scores each capability by overlap between the task's
// words and its declared trigger terms.
func (r *Router) routeByTriggers(task string) *models.CapabilitySummary {
	words := tokenize(strings.ToLower(task))
	var best *models.CapabilitySummary
	bestScore := 0
	for _, s := range r.summaries() {
		s := s
		score := triggerOverlap(words, s.Triggers)
		if score > bestScore || (score == bestScore && score > 0 && best != nil && s.Order < best.Order) {
			best, bestScore = &s, score
		}
	}
	if best != nil {
		log.Debug().Str("skill", best.Name).Int("overlap", bestScore).Msg("keyword route")
	}
	return best
}

// ── Helpers ─────────────────────────────────────────────────────────────

// summaries returns the registry index in declaration order.
func (r *Router) summaries() []models.CapabilitySummary {
	out := make([]models.CapabilitySummary, 0)
	for _, name := range r.reg.Names() {
		if s, ok := r.reg.Summary(name); ok {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func tokenize(s string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(s, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		words[w] = struct{}{}
	}
	return words
}

func triggerOverlap(taskWords map[string]struct{}, triggers []string) int {
	n := 0
	for _, t := range triggers {
		if _, ok := taskWords[strings.ToLower(t)]; ok {
			n++
		}
	}
	return n
}
