// Package handlers implements the HTTP handlers for the Brigade execution
// core: task invocation across all modes, capability listing, trace
// queries, circuit inspection, and improvement proposals.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/brigade-ai/brigade/internal/config"
	"github.com/brigade-ai/brigade/internal/orchestrator"
	"github.com/brigade-ai/brigade/internal/proposals"
	"github.com/brigade-ai/brigade/internal/registry"
	"github.com/brigade-ai/brigade/internal/resilience"
	"github.com/brigade-ai/brigade/internal/router"
	"github.com/brigade-ai/brigade/internal/state"
	"github.com/brigade-ai/brigade/internal/tracer"
	"github.com/brigade-ai/brigade/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Config    *config.Config
	Registry  *registry.Registry
	Router    *router.Router
	Orch      *orchestrator.Orchestrator
	Tracer    *tracer.Tracer
	States    *state.Manager
	Breakers  *resilience.Group
	Proposals *proposals.Service
}

// ── Invocation ──────────────────────────────────────────────

// Invoke handles POST /api/v1/invoke for every invocation mode.
func (h *Handlers) Invoke(w http.ResponseWriter, r *http.Request) {
	var req models.InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Task == "" {
		respondError(w, http.StatusBadRequest, "task is required")
		return
	}
	if req.Mode == "" {
		req.Mode = models.ModeRouted
	}

	ctx := r.Context()
	trace := h.Tracer.Start(req.UserID, req.Task, req.Mode)
	started := time.Now()

	result, skill, err := h.dispatch(ctx, &req, trace)

	resp := models.InvokeResponse{
		OK:         err == nil,
		Result:     result,
		Skill:      skill,
		Mode:       string(req.Mode),
		DurationMs: time.Since(started).Milliseconds(),
	}

	status := models.TraceSuccess
	code := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = models.TraceError
		code = errorStatus(err)
		if errors.Is(err, context.DeadlineExceeded) {
			status = models.TraceTimeout
		}
	}
	trace.Finish(ctx, status)

	if err == nil && req.UserID != "" {
		h.States.AppendMessage(ctx, req.UserID, "user", req.Task)
		h.States.AppendMessage(ctx, req.UserID, "assistant", result)
	}

	respondJSON(w, code, resp)
}

// dispatch runs one invocation in the requested mode and records its
// steps on the trace.
func (h *Handlers) dispatch(ctx context.Context, req *models.InvokeRequest, trace *tracer.Trace) (result, skill string, err error) {
	switch req.Mode {
	case models.ModeSimple:
		if req.Capability == "" {
			return "", "", errors.New("capability is required for simple mode")
		}
		name, ok := h.Registry.Resolve(req.Capability)
		if !ok {
			return "", "", &registry.NotFoundError{Name: req.Capability}
		}
		out, err := h.invokeTraced(ctx, trace, name, req.Task)
		return out, name, err

	case models.ModeRouted:
		return h.routed(ctx, req, trace)

	case models.ModeOrchestrated:
		run, err := h.Orch.Execute(ctx, req.Task)
		if err != nil {
			return "", "", err
		}
		recordRun(trace, run)
		return run.Output, "", nil

	case models.ModeChained:
		run, err := h.Orch.Chained(ctx, req.Task)
		if err != nil {
			return "", "", err
		}
		recordRun(trace, run)
		return run.Output, "", nil

	case models.ModeEvaluated:
		name := req.Capability
		if name == "" {
			s := h.Router.RouteSingle(ctx, req.Task)
			if s == nil {
				return "", "", &registry.NotFoundError{Name: "(routed)"}
			}
			name = s.Name
		} else {
			resolved, ok := h.Registry.Resolve(name)
			if !ok {
				return "", "", &registry.NotFoundError{Name: name}
			}
			name = resolved
		}
		run, err := h.Orch.Evaluated(ctx, name, req.Task)
		if err != nil {
			return "", "", err
		}
		recordRun(trace, run)
		return run.Output, name, nil

	default:
		return "", "", errors.New("unknown mode: " + string(req.Mode))
	}
}

// routed resolves explicit invocation first, then classifies intent and
// hands off to direct chat, single-capability routing, or orchestration.
func (h *Handlers) routed(ctx context.Context, req *models.InvokeRequest, trace *tracer.Trace) (string, string, error) {
	if name, remainder, ok := h.Router.ParseExplicit(req.Task); ok {
		input := remainder
		if input == "" {
			input = req.Task
		}
		out, err := h.invokeTraced(ctx, trace, name, input)
		return out, name, err
	}

	switch h.Router.ClassifyIntent(ctx, req.Task) {
	case router.IntentMulti:
		run, err := h.Orch.Execute(ctx, req.Task)
		if err != nil {
			return "", "", err
		}
		recordRun(trace, run)
		return run.Output, "", nil

	case router.IntentSingle:
		if s := h.Router.RouteSingle(ctx, req.Task); s != nil {
			out, err := h.invokeTraced(ctx, trace, s.Name, req.Task)
			return out, s.Name, err
		}
		// No capability claims the task; answer directly.
		fallthrough

	default:
		out, err := h.chat(ctx, req)
		if err != nil {
			return "", "", err
		}
		trace.RecordStep("chat", req.Task, out, 0, false)
		return out, "", nil
	}
}

// chat answers without a capability, carrying recent conversation history.
func (h *Handlers) chat(ctx context.Context, req *models.InvokeRequest) (string, error) {
	var messages []models.ChatMessage
	if req.UserID != "" {
		if rec := h.States.GetConversation(ctx, req.UserID); rec != nil {
			messages = append(messages, rec.Messages...)
		}
	}
	messages = append(messages, models.ChatMessage{Role: "user", Content: req.Task})
	return h.Orch.Chat(ctx, messages)
}

func (h *Handlers) invokeTraced(ctx context.Context, trace *tracer.Trace, name, input string) (string, error) {
	started := time.Now()
	out, err := h.Orch.Invoke(ctx, name, input)
	trace.RecordStep(name, input, out, time.Since(started), err != nil)
	return out, err
}

// recordRun replays a plan run's steps onto the trace.
func recordRun(trace *tracer.Trace, run *models.PlanRun) {
	for _, s := range run.Steps {
		out := s.Output
		if s.Status != models.StepCompleted {
			out = s.Error
		}
		trace.RecordStep(s.Skill, "", out, time.Duration(s.DurationMs)*time.Millisecond, s.Status != models.StepCompleted)
	}
}

// ── Capabilities ────────────────────────────────────────────

// ListSkills handles GET /api/v1/skills with an optional deployment filter.
func (h *Handlers) ListSkills(w http.ResponseWriter, r *http.Request) {
	filter := models.Deployment(r.URL.Query().Get("deployment"))
	if filter != "" && !filter.Valid() {
		respondError(w, http.StatusBadRequest, "unknown deployment: "+string(filter))
		return
	}
	force := r.URL.Query().Get("refresh") == "true"

	skills, err := h.Registry.Discover(r.Context(), filter, force)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if skills == nil {
		skills = []models.CapabilitySummary{}
	}
	respondJSON(w, http.StatusOK, skills)
}

// GetSkill handles GET /api/v1/skills/{skillName}, returning the full
// definition.
func (h *Handlers) GetSkill(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "skillName")
	def, err := h.Registry.LoadFull(r.Context(), name)
	if err != nil {
		var nf *registry.NotFoundError
		if errors.As(err, &nf) {
			respondJSON(w, http.StatusNotFound, map[string]any{
				"error":       err.Error(),
				"suggestions": nf.Suggestions,
			})
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, def)
}

// ── Traces ──────────────────────────────────────────────────

// ListTraces handles GET /api/v1/traces with user, status, time range,
// and limit filters.
func (h *Handlers) ListTraces(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.TraceFilter{
		UserID: q.Get("user_id"),
		Status: models.TraceStatus(q.Get("status")),
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid since: "+err.Error())
			return
		}
		filter.Since = &ts
	}
	if v := q.Get("until"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid until: "+err.Error())
			return
		}
		filter.Until = &ts
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}

	respondJSON(w, http.StatusOK, h.Tracer.List(r.Context(), filter))
}

// GetTrace handles GET /api/v1/traces/{traceId}.
func (h *Handlers) GetTrace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "traceId")
	rec, ok := h.Tracer.Get(r.Context(), id)
	if !ok {
		respondError(w, http.StatusNotFound, "trace not found: "+id)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// ── Circuits ────────────────────────────────────────────────

// ListCircuits handles GET /api/v1/circuits.
func (h *Handlers) ListCircuits(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"circuits": h.Breakers.Snapshots(),
		"degraded": h.States.Degraded(),
	})
}

// ResetCircuits handles POST /api/v1/circuits/reset.
func (h *Handlers) ResetCircuits(w http.ResponseWriter, r *http.Request) {
	h.Breakers.ResetAll()
	log.Info().Str("remote", r.RemoteAddr).Msg("Circuit breakers reset via API")
	respondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// ── Proposals ───────────────────────────────────────────────

// CreateProposal handles POST /api/v1/proposals.
func (h *Handlers) CreateProposal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Capability string `json:"capability"`
		NewText    string `json:"new_text"`
		Reason     string `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Capability == "" || req.NewText == "" {
		respondError(w, http.StatusBadRequest, "capability and new_text are required")
		return
	}

	p, err := h.Proposals.Propose(r.Context(), req.Capability, req.NewText, req.Reason)
	if err != nil {
		var nf *registry.NotFoundError
		if errors.As(err, &nf) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

// ListProposals handles GET /api/v1/proposals with an optional status filter.
func (h *Handlers) ListProposals(w http.ResponseWriter, r *http.Request) {
	status := models.ProposalStatus(r.URL.Query().Get("status"))
	respondJSON(w, http.StatusOK, h.Proposals.List(r.Context(), status))
}

// ResolveProposal handles POST /api/v1/proposals/{proposalId}/resolve.
func (h *Handlers) ResolveProposal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approve bool `json:"approve"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	p, err := h.Proposals.Resolve(r.Context(), chi.URLParam(r, "proposalId"), req.Approve)
	if err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// ── Helpers ─────────────────────────────────────────────────

// errorStatus maps typed errors from the execution core onto HTTP codes.
func errorStatus(err error) int {
	var nf *registry.NotFoundError
	switch {
	case errors.As(err, &nf):
		return http.StatusNotFound
	case resilience.IsCircuitOpen(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, resilience.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrCyclicPlan):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
