// Package registry discovers capabilities from definition files and serves
// them with progressive disclosure: lightweight summaries for every
// capability up front, full definitions only when one is actually invoked.
package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brigade-ai/brigade/internal/config"
	"github.com/brigade-ai/brigade/internal/state"
	"github.com/brigade-ai/brigade/pkg/contracts"
	"github.com/brigade-ai/brigade/pkg/models"
)

// NotFoundError is returned by LoadFull for an unknown capability name.
// Suggestions carries the closest-prefix matches against known names so
// the caller can offer alternatives.
type NotFoundError struct {
	Name        string
	Suggestions []string
}

func (e *NotFoundError) Error() string {
	if len(e.Suggestions) == 0 {
		return fmt.Sprintf("capability not found: %s", e.Name)
	}
	return fmt.Sprintf("capability not found: %s (did you mean: %s?)", e.Name, strings.Join(e.Suggestions, ", "))
}

// Registry is the capability index. Summaries are cached in memory and in
// the state manager; full definitions are loaded lazily with their own TTL.
type Registry struct {
	cfg    config.SkillsConfig
	states *state.Manager

	mu           sync.RWMutex
	summaries    []models.CapabilitySummary
	files        map[string]string // name → definition file path
	handlers     map[string]contracts.Handler
	discoveredAt time.Time
}

// New creates a registry over the configured skills directory.
func New(cfg config.SkillsConfig, states *state.Manager) *Registry {
	return &Registry{
		cfg:      cfg,
		states:   states,
		files:    make(map[string]string),
		handlers: make(map[string]contracts.Handler),
	}
}

// ── Discovery ───────────────────────────────────────────────

// Discover returns summaries for all known capabilities, optionally
// filtered by deployment target. The first call scans the skills
// directory and warms the cache; later calls serve the cache until the
// summary TTL elapses or force is set.
func (r *Registry) Discover(ctx context.Context, filter models.Deployment, force bool) ([]models.CapabilitySummary, error) {
	r.mu.RLock()
	fresh := !force && !r.discoveredAt.IsZero() && time.Since(r.discoveredAt) < r.cfg.SummaryTTL
	cached := r.summaries
	r.mu.RUnlock()

	if !fresh {
		scanned, err := r.scan()
		if err != nil {
			if cached == nil {
				return nil, err
			}
			// Serve stale over nothing when a rescan fails.
			log.Warn().Err(err).Msg("Capability rescan failed, serving cached summaries")
		} else {
			cached = scanned
		}
	}

	if filter == "" {
		return cached, nil
	}
	filtered := make([]models.CapabilitySummary, 0, len(cached))
	for _, s := range cached {
		if s.Deployment == filter || s.Deployment == models.DeployBoth {
			filtered = append(filtered, s)
		}
	}
	return filtered, nil
}

// scan reads every definition file's header and rebuilds the summary index.
func (r *Registry) scan() ([]models.CapabilitySummary, error) {
	paths, err := filepath.Glob(filepath.Join(r.cfg.Dir, "*.md"))
	if err != nil {
		return nil, fmt.Errorf("scan skills dir: %w", err)
	}
	sort.Strings(paths)

	var summaries []models.CapabilitySummary
	files := make(map[string]string, len(paths))

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable definition file")
			continue
		}
		base := strings.TrimSuffix(filepath.Base(path), ".md")
		summary, err := parseSummary(base, data)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping malformed definition file")
			continue
		}
		if _, dup := files[summary.Name]; dup {
			log.Warn().Str("capability", summary.Name).Str("path", path).Msg("Duplicate capability name ignored")
			continue
		}
		summary.Order = len(summaries)
		files[summary.Name] = path
		summaries = append(summaries, summary)
	}

	r.mu.Lock()
	r.summaries = summaries
	r.files = files
	r.discoveredAt = time.Now()
	r.mu.Unlock()

	log.Info().Int("capabilities", len(summaries)).Str("dir", r.cfg.Dir).Msg("Capability discovery complete")
	return summaries, nil
}

// Summary returns the cached summary for a capability name.
func (r *Registry) Summary(name string) (models.CapabilitySummary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.summaries {
		if s.Name == name {
			return s, true
		}
	}
	return models.CapabilitySummary{}, false
}

// Names returns all known capability names in declaration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.summaries))
	for i, s := range r.summaries {
		names[i] = s.Name
	}
	return names
}

// ── Full Loading ────────────────────────────────────────────

// LoadFull returns the complete definition for a capability, reading the
// file body at most once per definition TTL window. Unknown names return
// a NotFoundError carrying closest-prefix suggestions.
func (r *Registry) LoadFull(ctx context.Context, name string) (*models.CapabilityDefinition, error) {
	r.mu.RLock()
	path, known := r.files[name]
	r.mu.RUnlock()

	if !known {
		return nil, &NotFoundError{Name: name, Suggestions: r.suggest(name)}
	}

	var def models.CapabilityDefinition
	if r.states.GetJSON(ctx, state.NSSkills, "def:"+name, r.cfg.DefinitionTTL, &def) {
		return &def, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load capability %s: %w", name, err)
	}
	def, err = parseDefinition(name, data)
	if err != nil {
		return nil, fmt.Errorf("load capability %s: %w", name, err)
	}
	if summary, ok := r.Summary(name); ok {
		def.Order = summary.Order
	}

	// Full bodies stay out of the durable tier; a rescan repopulates
	// them cheaply and they can be large.
	r.states.SetJSON(ctx, state.NSSkills, "def:"+name, &def, r.cfg.DefinitionTTL, false)

	log.Debug().Str("capability", name).Msg("Capability definition loaded")
	return &def, nil
}

// ── Name Resolution ─────────────────────────────────────────

// Resolve maps an identifier token to a capability name: exact match
// first, then unique-prefix, then prefix of a hyphen-separated segment
// (so "research" resolves "gemini-deep-research").
func (r *Registry) Resolve(token string) (string, bool) {
	token = strings.ToLower(strings.TrimSpace(token))
	if token == "" {
		return "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.summaries {
		if s.Name == token {
			return s.Name, true
		}
	}
	for _, s := range r.summaries {
		if strings.HasPrefix(s.Name, token) {
			return s.Name, true
		}
	}
	for _, s := range r.summaries {
		for _, seg := range strings.Split(s.Name, "-") {
			if strings.HasPrefix(seg, token) {
				return s.Name, true
			}
		}
	}
	return "", false
}

// suggest returns up to three known names ranked by shared-prefix length
// with the unknown name.
func (r *Registry) suggest(name string) []string {
	name = strings.ToLower(name)

	type ranked struct {
		name string
		n    int
	}
	var candidates []ranked

	r.mu.RLock()
	for _, s := range r.summaries {
		if n := commonPrefixLen(name, s.Name); n > 0 {
			candidates = append(candidates, ranked{name: s.Name, n: n})
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].n > candidates[j].n })
	if len(candidates) > 3 {
		candidates = candidates[:3]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.name
	}
	return out
}

func commonPrefixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

// ── Handlers ────────────────────────────────────────────────

// RegisterHandler attaches an executable handler to a capability name.
// Capabilities without a handler are instruction-only and are rendered
// as prompts for the model provider instead.
func (r *Registry) RegisterHandler(name string, h contracts.Handler) {
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
	log.Info().Str("capability", name).Msg("Capability handler registered")
}

// Handler returns the executable handler for a capability, if any.
func (r *Registry) Handler(name string) (contracts.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// ── Explicit Write Path ─────────────────────────────────────

// UpdateInstructions rewrites a capability's instruction body on disk and
// invalidates the cached definition. This is the only write path into a
// definition file; it is driven by approved improvement proposals.
func (r *Registry) UpdateInstructions(ctx context.Context, name, instructions string) error {
	def, err := r.LoadFull(ctx, name)
	if err != nil {
		return err
	}

	r.mu.RLock()
	path := r.files[name]
	r.mu.RUnlock()

	def.Instructions = instructions
	if err := os.WriteFile(path, renderDefinition(def), 0o644); err != nil {
		return fmt.Errorf("write capability %s: %w", name, err)
	}

	r.states.Invalidate(ctx, state.NSSkills, "def:"+name)
	log.Info().Str("capability", name).Msg("Capability instructions updated")
	return nil
}
