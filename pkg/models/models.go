// Package models defines the core data model for the Brigade execution core:
// capability summaries and definitions, execution plans, conversation
// records, and execution traces.
package models

import (
	"time"
)

// ── Capabilities ────────────────────────────────────────────

// Deployment describes where a capability's handler runs.
type Deployment string

const (
	DeployLocal  Deployment = "local"
	DeployRemote Deployment = "remote"
	DeployBoth   Deployment = "both"
)

// Valid reports whether d is a known deployment target.
func (d Deployment) Valid() bool {
	switch d {
	case DeployLocal, DeployRemote, DeployBoth:
		return true
	}
	return false
}

// CapabilitySummary is the lightweight index entry for one capability.
// Summaries are built once at discovery from definition file headers and
// are cheap enough to keep in memory for every capability in the registry.
type CapabilitySummary struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Category    string     `json:"category,omitempty"`
	Deployment  Deployment `json:"deployment"`
	Triggers    []string   `json:"triggers,omitempty"`
	Requires    []string   `json:"requires,omitempty"`

	// Order is the declaration position within the registry, used for
	// deterministic tie-breaking during routing.
	Order int `json:"-"`
}

// CapabilityDefinition is the fully loaded body of a capability.
// Loaded lazily, at most once per cache TTL window.
type CapabilityDefinition struct {
	CapabilitySummary

	// Instructions is the free-text prompt body of the capability.
	Instructions string `json:"instructions"`

	// Memory and ErrorLog are accumulated sections the registry treats
	// as opaque text. Their internal structure is never parsed here.
	Memory   string `json:"memory,omitempty"`
	ErrorLog string `json:"error_log,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// ── Execution Plans ─────────────────────────────────────────

// ExecutionPlan is a DAG of capability invocations for one task.
// Dependencies maps an invocation index to the indices that must
// complete before it may start. A validated plan is acyclic and every
// edge is in range and non-self-referential.
type ExecutionPlan struct {
	Skills       []string      `json:"skills"`
	Dependencies map[int][]int `json:"dependencies,omitempty"`
}

// StepStatus is the outcome of one plan node.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult records the outcome of one executed plan node.
type StepResult struct {
	Index      int        `json:"index"`
	Skill      string     `json:"skill"`
	Status     StepStatus `json:"status"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMs int64      `json:"duration_ms"`
}

// PlanRun is the aggregated result of executing one plan.
type PlanRun struct {
	ID         string        `json:"id"`
	Task       string        `json:"task"`
	Plan       ExecutionPlan `json:"plan"`
	Steps      []StepResult  `json:"steps"`
	Output     string        `json:"output"`
	Incomplete bool          `json:"incomplete,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	DurationMs int64         `json:"duration_ms"`
}

// ── Conversations ───────────────────────────────────────────

// ChatMessage is one turn in a conversation with the model provider.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConversationRecord holds the per-user message history.
// History is capped at the configured maximum on every save and content
// is sanitized to serializable text before persisting.
type ConversationRecord struct {
	UserID    string        `json:"user_id"`
	Messages  []ChatMessage `json:"messages"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ── Execution Traces ────────────────────────────────────────

// TraceStatus is the overall outcome of one traced task handling.
type TraceStatus string

const (
	TraceSuccess TraceStatus = "success"
	TraceError   TraceStatus = "error"
	TraceTimeout TraceStatus = "timeout"
)

// StepTrace records one capability/tool invocation inside a trace.
// Input and Output are truncated summaries, never full payloads.
type StepTrace struct {
	Name       string `json:"name"`
	Input      string `json:"input,omitempty"`
	Output     string `json:"output,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ExecutionTrace is the observability record for one task handling.
type ExecutionTrace struct {
	ID         string      `json:"id"`
	UserID     string      `json:"user_id,omitempty"`
	Task       string      `json:"task,omitempty"`
	Mode       string      `json:"mode,omitempty"`
	Steps      []StepTrace `json:"steps"`
	Status     TraceStatus `json:"status"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	DurationMs int64       `json:"duration_ms"`
}

// TraceFilter defines optional filters for listing traces.
type TraceFilter struct {
	UserID string      // exact match on user_id
	Status TraceStatus // exact match on status
	Since  *time.Time  // traces started at or after
	Until  *time.Time  // traces started before
	Limit  int         // max results (default 100)
}

// ── Invocation API ──────────────────────────────────────────

// InvokeMode selects the handling strategy for a task.
type InvokeMode string

const (
	ModeSimple       InvokeMode = "simple"
	ModeRouted       InvokeMode = "routed"
	ModeOrchestrated InvokeMode = "orchestrated"
	ModeChained      InvokeMode = "chained"
	ModeEvaluated    InvokeMode = "evaluated"
)

// InvokeRequest is the capability invocation request consumed by the
// router/orchestrator boundary.
type InvokeRequest struct {
	Capability string         `json:"capability,omitempty"`
	Task       string         `json:"task"`
	Context    map[string]any `json:"context,omitempty"`
	Mode       InvokeMode     `json:"mode"`
	UserID     string         `json:"user_id,omitempty"`
}

// InvokeResponse is the capability invocation response.
type InvokeResponse struct {
	OK         bool   `json:"ok"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	Skill      string `json:"skill,omitempty"`
	Mode       string `json:"mode,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// ── Improvement Proposals ───────────────────────────────────

// ProposalStatus is the approval state of a capability update proposal.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// Proposal records a suggested change to a capability's instructions.
// Proposals are applied to the registry only through an explicit write
// path, and only after approval.
type Proposal struct {
	ID         string         `json:"id"`
	Capability string         `json:"capability"`
	OldText    string         `json:"old_text"`
	NewText    string         `json:"new_text"`
	Reason     string         `json:"reason,omitempty"`
	Status     ProposalStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}
