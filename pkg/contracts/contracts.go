// Package contracts defines the interfaces Brigade consumes from external
// collaborators: the language-model provider, the embedding provider, and
// executable capability handlers.
//
// The execution core never depends on a concrete provider wire format;
// everything behind these interfaces is replaceable in the wiring code.
package contracts

import (
	"context"

	"github.com/brigade-ai/brigade/pkg/models"
)

// ── Language-Model Provider ─────────────────────────────────

// ChatProvider completes a chat-style exchange with a language model.
// Implementations live in internal/llm; callers always go through the
// resilience layer, never call a provider directly.
type ChatProvider interface {
	// Kind returns the provider kind ("openai", "anthropic", ...).
	Kind() string

	// Complete sends the messages and returns the model's text reply.
	Complete(ctx context.Context, messages []models.ChatMessage) (string, error)
}

// ── Embedding Provider ──────────────────────────────────────

// EmbeddingDriver generates vector embeddings for semantic routing.
type EmbeddingDriver interface {
	// Kind returns the driver kind ("openai", "ollama", ...).
	Kind() string

	// Dimensions returns the embedding dimensionality.
	Dimensions() int

	// Embed generates vectors for a batch of texts.
	Embed(ctx context.Context, texts []string) ([][]float64, error)

	// HealthCheck verifies the driver is usable.
	HealthCheck(ctx context.Context) error
}

// ── Capability Handlers ─────────────────────────────────────

// Handler is the optional executable body of a capability. Instruction-only
// capabilities have no handler and are rendered as prompts instead.
type Handler func(ctx context.Context, input string) (string, error)
