package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/brigade-ai/brigade/internal/resilience"
	"github.com/brigade-ai/brigade/pkg/models"
)

// ErrCyclicPlan rejects a plan whose dependency map contains a cycle.
// The whole plan is discarded before any node executes.
var ErrCyclicPlan = errors.New("circular dependency in execution plan")

const planPrompt = `You plan multi-step task execution. Given the task and the
available capabilities, reply with JSON only:
{"skills": ["name", ...], "dependencies": {"<index>": [<prerequisite indices>], ...}}
Indices refer to positions in the skills list. Omit dependencies for
independent steps. Use only listed capability names.`

// ── Planning ────────────────────────────────────────────────────────────

// plan asks the model provider to propose an execution plan for a task.
// The call runs behind the planner breaker with retry.
func (o *Orchestrator) plan(ctx context.Context, task string, capabilities []models.CapabilitySummary) (models.ExecutionPlan, error) {
	var sb strings.Builder
	for _, c := range capabilities {
		fmt.Fprintf(&sb, "- %s: %s\n", c.Name, c.Description)
	}

	br := o.breakers.Get("planner", resilience.ClassSearch)
	var out string
	err := br.Call(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, o.retry, func(ctx context.Context) error {
			var cerr error
			out, cerr = o.provider.Complete(ctx, []models.ChatMessage{
				{Role: "system", Content: planPrompt + "\n\nCapabilities:\n" + sb.String()},
				{Role: "user", Content: task},
			})
			return cerr
		})
	})
	if err != nil {
		return models.ExecutionPlan{}, fmt.Errorf("plan task: %w", err)
	}
	return parsePlan(out)
}

// parsePlan extracts the JSON object from a model reply, tolerating
// surrounding prose or code fences.
func parsePlan(raw string) (models.ExecutionPlan, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return models.ExecutionPlan{}, fmt.Errorf("no plan object in planner reply")
	}

	var wire struct {
		Skills       []string         `json:"skills"`
		Dependencies map[string][]int `json:"dependencies"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &wire); err != nil {
		return models.ExecutionPlan{}, fmt.Errorf("parse plan: %w", err)
	}
	if len(wire.Skills) == 0 {
		return models.ExecutionPlan{}, fmt.Errorf("plan proposes no steps")
	}

	plan := models.ExecutionPlan{Skills: wire.Skills}
	if len(wire.Dependencies) > 0 {
		plan.Dependencies = make(map[int][]int, len(wire.Dependencies))
		for k, v := range wire.Dependencies {
			var idx int
			if _, err := fmt.Sscanf(k, "%d", &idx); err != nil {
				log.Warn().Str("key", k).Msg("Dropping non-numeric dependency key")
				continue
			}
			plan.Dependencies[idx] = v
		}
	}
	return plan, nil
}

// ── Sanitization & validation ───────────────────────────────────────────

// sanitize drops dependency edges that reference an index outside [0, n)
// or the node itself, logging each removal. The plan is then validated
// for acyclicity; validation failure rejects the whole plan.
func sanitize(plan models.ExecutionPlan) models.ExecutionPlan {
	n := len(plan.Skills)
	clean := models.ExecutionPlan{Skills: plan.Skills}
	if len(plan.Dependencies) == 0 {
		return clean
	}

	clean.Dependencies = make(map[int][]int)
	for node, prereqs := range plan.Dependencies {
		if node < 0 || node >= n {
			log.Warn().Int("node", node).Int("steps", n).Msg("Dropping out-of-range dependency node")
			continue
		}
		var kept []int
		for _, p := range prereqs {
			switch {
			case p < 0 || p >= n:
				log.Warn().Int("node", node).Int("prerequisite", p).Msg("Dropping out-of-range prerequisite")
			case p == node:
				log.Warn().Int("node", node).Msg("Dropping self-referential prerequisite")
			default:
				kept = append(kept, p)
			}
		}
		if len(kept) > 0 {
			clean.Dependencies[node] = kept
		}
	}
	return clean
}

const (
	colorUnvisited  = 0
	colorInProgress = 1
	colorDone       = 2
)

// validate checks a sanitized plan for cycles via depth-first traversal
// with three-way node coloring. A back-edge to an in-progress node means
// a cycle; the plan is rejected whole rather than executed partially.
func validate(plan models.ExecutionPlan) error {
	colors := make([]int, len(plan.Skills))

	var visit func(node int) error
	visit = func(node int) error {
		switch colors[node] {
		case colorDone:
			return nil
		case colorInProgress:
			return fmt.Errorf("%w: involves step %d (%s)", ErrCyclicPlan, node, plan.Skills[node])
		}
		colors[node] = colorInProgress
		for _, p := range plan.Dependencies[node] {
			if err := visit(p); err != nil {
				return err
			}
		}
		colors[node] = colorDone
		return nil
	}

	for node := range plan.Skills {
		if err := visit(node); err != nil {
			return err
		}
	}
	return nil
}
