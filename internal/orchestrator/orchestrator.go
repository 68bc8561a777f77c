// Package orchestrator builds and executes dependency graphs of capability
// invocations. A model-backed planner proposes the graph; the orchestrator
// sanitizes it, rejects cycles outright, and runs independent branches
// concurrently while skipping the dependents of anything that fails.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/brigade-ai/brigade/internal/config"
	"github.com/brigade-ai/brigade/internal/registry"
	"github.com/brigade-ai/brigade/internal/resilience"
	"github.com/brigade-ai/brigade/pkg/contracts"
	"github.com/brigade-ai/brigade/pkg/models"
)

// Orchestrator drives multi-step capability execution.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	reg      *registry.Registry
	breakers *resilience.Group
	retry    resilience.RetryConfig
	provider contracts.ChatProvider
	fallback contracts.ChatProvider // optional secondary model provider
}

// New builds an orchestrator. fallback may be nil.
func New(cfg config.OrchestratorConfig, reg *registry.Registry, breakers *resilience.Group, retry resilience.RetryConfig, provider, fallback contracts.ChatProvider) *Orchestrator {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 10
	}
	if cfg.MaxLoops <= 0 {
		cfg.MaxLoops = 5
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 45 * time.Second
	}
	return &Orchestrator{
		cfg:      cfg,
		reg:      reg,
		breakers: breakers,
		retry:    retry,
		provider: provider,
		fallback: fallback,
	}
}

// ── Single invocation ───────────────────────────────────────────────────

// Invoke runs one capability against an input. Local capabilities run
// their registered handler; everything else goes to the model provider
// with the capability's instructions, behind breaker, retry, and the
// fallback provider when one is configured.
func (o *Orchestrator) Invoke(ctx context.Context, name, input string) (string, error) {
	def, err := o.reg.LoadFull(ctx, name)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()

	if h, ok := o.reg.Handler(name); ok {
		out, err := h(ctx, input)
		if err != nil {
			return "", fmt.Errorf("run %s: %w", name, err)
		}
		return out, nil
	}

	system := def.Instructions
	if def.Memory != "" {
		system += "\n\n## Memory\n\n" + def.Memory
	}
	out, err := o.Chat(ctx, []models.ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: input},
	})
	if err != nil {
		return "", fmt.Errorf("run %s: %w", name, err)
	}
	return out, nil
}

// Chat completes a conversation against the model provider chain: the
// primary provider behind its breaker, then the fallback provider when
// one is configured.
func (o *Orchestrator) Chat(ctx context.Context, messages []models.ChatMessage) (string, error) {
	steps := []resilience.ChainStep{{
		Name:    "llm-primary",
		Breaker: o.breakers.Get("llm-primary", resilience.ClassSearch),
		Call: func(ctx context.Context) (string, error) {
			return o.provider.Complete(ctx, messages)
		},
	}}
	if o.fallback != nil {
		steps = append(steps, resilience.ChainStep{
			Name:    "llm-fallback",
			Breaker: o.breakers.Get("llm-fallback", resilience.ClassSearch),
			Call: func(ctx context.Context) (string, error) {
				return o.fallback.Complete(ctx, messages)
			},
		})
	}
	return resilience.NewChain(o.retry, steps...).Do(ctx)
}

// ── Orchestrated execution ──────────────────────────────────────────────

// Execute plans and runs a dependency graph of capability invocations for
// a task. The plan is rejected whole on cycles; prerequisite failures
// skip all transitive dependents.
func (o *Orchestrator) Execute(ctx context.Context, task string) (*models.PlanRun, error) {
	capabilities, err := o.reg.Discover(ctx, "", false)
	if err != nil {
		return nil, fmt.Errorf("discover capabilities: %w", err)
	}

	plan, err := o.plan(ctx, task, capabilities)
	if err != nil {
		return nil, err
	}
	return o.ExecutePlan(ctx, task, plan)
}

// ExecutePlan sanitizes, validates, and runs an already proposed plan.
func (o *Orchestrator) ExecutePlan(ctx context.Context, task string, plan models.ExecutionPlan) (*models.PlanRun, error) {
	if len(plan.Skills) > o.cfg.MaxSteps {
		return nil, fmt.Errorf("plan proposes %d steps, cap is %d", len(plan.Skills), o.cfg.MaxSteps)
	}
	plan = sanitize(plan)
	if err := validate(plan); err != nil {
		return nil, err
	}

	run := &models.PlanRun{
		ID:        uuid.NewString(),
		Task:      task,
		Plan:      plan,
		StartedAt: time.Now(),
	}
	log.Info().Str("run_id", run.ID).Strs("skills", plan.Skills).Msg("Executing plan")

	run.Steps = o.runGraph(ctx, task, plan)
	run.Output = aggregate(run.Steps)
	run.DurationMs = time.Since(run.StartedAt).Milliseconds()
	for _, s := range run.Steps {
		if s.Status != models.StepCompleted {
			run.Incomplete = true
			break
		}
	}
	return run, nil
}

// runGraph executes nodes in an order consistent with the dependency
// map. Nodes with no unmet prerequisites run concurrently; a node starts
// only after all its prerequisites completed successfully.
func (o *Orchestrator) runGraph(ctx context.Context, task string, plan models.ExecutionPlan) []models.StepResult {
	n := len(plan.Skills)
	results := make([]models.StepResult, n)
	for i := range results {
		results[i] = models.StepResult{Index: i, Skill: plan.Skills[i]}
	}

	done := make([]bool, n)
	for remaining := n; remaining > 0; {
		progressed := false

		// Skip anything whose prerequisites can no longer complete.
		for i := 0; i < n; i++ {
			if done[i] {
				continue
			}
			for _, p := range plan.Dependencies[i] {
				if done[p] && results[p].Status != models.StepCompleted {
					results[i].Status = models.StepSkipped
					results[i].Error = fmt.Sprintf("prerequisite %s did not complete", plan.Skills[p])
					done[i] = true
					remaining--
					progressed = true
					log.Warn().Str("skill", plan.Skills[i]).Str("prerequisite", plan.Skills[p]).Msg("Skipping step")
					break
				}
			}
		}

		// Gather the ready set and run it as one concurrent wave.
		var ready []int
		for i := 0; i < n; i++ {
			if done[i] {
				continue
			}
			ok := true
			for _, p := range plan.Dependencies[i] {
				if !done[p] || results[p].Status != models.StepCompleted {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, i)
			}
		}
		if len(ready) == 0 {
			if !progressed {
				// Validated plans always drain; guard against the impossible.
				break
			}
			continue
		}

		g := new(errgroup.Group)
		for _, i := range ready {
			i := i
			g.Go(func() error {
				input := stepInput(task, plan, results, i)
				started := time.Now()
				out, err := o.Invoke(ctx, plan.Skills[i], input)
				results[i].DurationMs = time.Since(started).Milliseconds()
				if err != nil {
					results[i].Status = models.StepFailed
					results[i].Error = err.Error()
					log.Error().Err(err).Str("skill", plan.Skills[i]).Msg("Step failed")
				} else {
					results[i].Status = models.StepCompleted
					results[i].Output = out
				}
				return nil
			})
		}
		g.Wait()
		for _, i := range ready {
			done[i] = true
			remaining--
		}
	}
	return results
}

// stepInput builds a node's input: the task plus the outputs of its
// completed prerequisites.
func stepInput(task string, plan models.ExecutionPlan, results []models.StepResult, node int) string {
	prereqs := plan.Dependencies[node]
	if len(prereqs) == 0 {
		return task
	}
	var sb strings.Builder
	sb.WriteString(task)
	for _, p := range prereqs {
		fmt.Fprintf(&sb, "\n\n[%s]\n%s", plan.Skills[p], results[p].Output)
	}
	return sb.String()
}

// aggregate joins completed step outputs in plan order.
func aggregate(steps []models.StepResult) string {
	var parts []string
	for _, s := range steps {
		if s.Status == models.StepCompleted && s.Output != "" {
			parts = append(parts, s.Output)
		}
	}
	return strings.Join(parts, "\n\n")
}

// ── Chained execution ───────────────────────────────────────────────────

// Chained runs a planned sequence of capabilities one after another,
// feeding each step's output into the next. The loop is capped at
// MaxLoops iterations; longer plans are truncated gracefully and the run
// is annotated as incomplete.
func (o *Orchestrator) Chained(ctx context.Context, task string) (*models.PlanRun, error) {
	capabilities, err := o.reg.Discover(ctx, "", false)
	if err != nil {
		return nil, fmt.Errorf("discover capabilities: %w", err)
	}
	plan, err := o.plan(ctx, task, capabilities)
	if err != nil {
		return nil, err
	}
	plan = sanitize(plan)

	run := &models.PlanRun{
		ID:        uuid.NewString(),
		Task:      task,
		Plan:      plan,
		StartedAt: time.Now(),
	}

	truncated := false
	skills := plan.Skills
	if len(skills) > o.cfg.MaxLoops {
		log.Warn().Int("steps", len(skills)).Int("cap", o.cfg.MaxLoops).Msg("Truncating chained plan")
		skills = skills[:o.cfg.MaxLoops]
		truncated = true
	}

	input := task
	for i, name := range skills {
		started := time.Now()
		out, err := o.Invoke(ctx, name, input)
		step := models.StepResult{
			Index:      i,
			Skill:      name,
			DurationMs: time.Since(started).Milliseconds(),
		}
		if err != nil {
			step.Status = models.StepFailed
			step.Error = err.Error()
			run.Steps = append(run.Steps, step)
			run.Incomplete = true
			break
		}
		step.Status = models.StepCompleted
		step.Output = out
		run.Steps = append(run.Steps, step)
		input = task + "\n\nPrevious result:\n" + out
		run.Output = out
	}
	if truncated {
		run.Incomplete = true
	}
	run.DurationMs = time.Since(run.StartedAt).Milliseconds()
	return run, nil
}

// ── Evaluated execution ─────────────────────────────────────────────────

const evaluatePrompt = `You review task results. If the result fully answers
the task, reply ACCEPT. Otherwise reply with one short critique describing
what is missing.`

// Evaluated runs a capability for a task, then asks the model provider to
// review the result, refining until accepted or MaxLoops is reached. An
// unaccepted final result is returned annotated as incomplete.
func (o *Orchestrator) Evaluated(ctx context.Context, name, task string) (*models.PlanRun, error) {
	run := &models.PlanRun{
		ID:        uuid.NewString(),
		Task:      task,
		Plan:      models.ExecutionPlan{Skills: []string{name}},
		StartedAt: time.Now(),
	}

	input := task
	accepted := false
	for i := 0; i < o.cfg.MaxLoops; i++ {
		started := time.Now()
		out, err := o.Invoke(ctx, name, input)
		step := models.StepResult{
			Index:      i,
			Skill:      name,
			DurationMs: time.Since(started).Milliseconds(),
		}
		if err != nil {
			step.Status = models.StepFailed
			step.Error = err.Error()
			run.Steps = append(run.Steps, step)
			run.Incomplete = true
			run.DurationMs = time.Since(run.StartedAt).Milliseconds()
			return run, nil
		}
		step.Status = models.StepCompleted
		step.Output = out
		run.Steps = append(run.Steps, step)
		run.Output = out

		critique, err := o.evaluate(ctx, task, out)
		if err != nil {
			// Review unavailable is not fatal; keep the result as-is.
			log.Warn().Err(err).Msg("Result review unavailable, accepting current output")
			accepted = true
			break
		}
		if critique == "" {
			accepted = true
			break
		}
		input = task + "\n\nPrevious attempt:\n" + out + "\n\nCritique:\n" + critique
	}

	if !accepted {
		run.Incomplete = true
	}
	run.DurationMs = time.Since(run.StartedAt).Milliseconds()
	return run, nil
}

// evaluate returns an empty critique when the result is accepted.
func (o *Orchestrator) evaluate(ctx context.Context, task, result string) (string, error) {
	br := o.breakers.Get("evaluator", resilience.ClassSearch)
	var out string
	err := br.Call(ctx, func(ctx context.Context) error {
		var cerr error
		out, cerr = o.provider.Complete(ctx, []models.ChatMessage{
			{Role: "system", Content: evaluatePrompt},
			{Role: "user", Content: "Task:\n" + task + "\n\nResult:\n" + result},
		})
		return cerr
	})
	if err != nil {
		return "", err
	}
	if strings.Contains(strings.ToUpper(out), "ACCEPT") {
		return "", nil
	}
	return strings.TrimSpace(out), nil
}
