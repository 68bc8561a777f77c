// Package server provides the public entry point for initializing the
// Brigade execution core. The full component graph is constructed here,
// explicitly and once per process; nothing in the core relies on global
// singletons, so tests compose fresh instances the same way.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/brigade-ai/brigade/internal/api"
	"github.com/brigade-ai/brigade/internal/api/handlers"
	"github.com/brigade-ai/brigade/internal/config"
	"github.com/brigade-ai/brigade/internal/embeddings"
	"github.com/brigade-ai/brigade/internal/llm"
	"github.com/brigade-ai/brigade/internal/orchestrator"
	"github.com/brigade-ai/brigade/internal/proposals"
	"github.com/brigade-ai/brigade/internal/registry"
	"github.com/brigade-ai/brigade/internal/resilience"
	"github.com/brigade-ai/brigade/internal/router"
	"github.com/brigade-ai/brigade/internal/state"
	"github.com/brigade-ai/brigade/internal/telemetry"
	"github.com/brigade-ai/brigade/internal/tracer"
	"github.com/brigade-ai/brigade/pkg/contracts"
)

// Server holds the initialized execution core.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// States is the tiered state manager, exposed for composition.
	States *state.Manager

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry and closes the durable tier.
	ShutdownFunc func(context.Context) error
}

// New initializes every component and returns a ready server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the execution core with an explicit
// configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	breakers := resilience.NewGroup(resilience.Defaults{
		SearchThreshold:  cfg.Resilience.SearchThreshold,
		SearchCooldown:   cfg.Resilience.SearchCooldown,
		StorageThreshold: cfg.Resilience.StorageThreshold,
		StorageCooldown:  cfg.Resilience.StorageCooldown,
	})
	retry := resilience.RetryConfig{
		Attempts: cfg.Resilience.RetryAttempts,
		Delay:    cfg.Resilience.RetryDelay,
		Backoff:  cfg.Resilience.RetryBackoff,
	}

	// Durable tier: Redis when configured, otherwise process-local.
	var durable state.Tier
	if cfg.State.RedisURL != "" {
		durable, err = state.NewRedisTier(cfg.State.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("init durable tier: %w", err)
		}
		log.Info().Msg("Redis durable tier initialized")
	} else {
		durable = state.NewMemoryTier()
		log.Info().Msg("In-memory durable tier initialized")
	}
	states := state.NewManager(cfg.State, durable,
		breakers.Get("durable-store", resilience.ClassStorage), retry)

	reg := registry.New(cfg.Skills, states)
	if _, err := reg.Discover(ctx, "", false); err != nil {
		log.Warn().Err(err).Str("dir", cfg.Skills.Dir).Msg("Initial capability discovery failed")
	}

	provider, fallback := buildProviders(cfg.Providers)
	var embedder contracts.EmbeddingDriver
	if cfg.Providers.EmbedEndpoint != "" || cfg.Providers.EmbedAPIKey != "" {
		embedder = embeddings.NewOpenAIDriver(cfg.Providers.EmbedEndpoint,
			cfg.Providers.EmbedModel, cfg.Providers.EmbedAPIKey, cfg.Providers.CallTimeout)
		log.Info().Str("model", cfg.Providers.EmbedModel).Msg("Embedding driver initialized")
	}

	rt := router.New(reg, breakers, provider, embedder)
	orch := orchestrator.New(cfg.Orch, reg, breakers, retry, provider, fallback)
	tr := tracer.New(cfg.Tracer, states, nil)
	props := proposals.NewService(states, reg)

	h := &handlers.Handlers{
		Config:    cfg,
		Registry:  reg,
		Router:    rt,
		Orch:      orch,
		Tracer:    tr,
		States:    states,
		Breakers:  breakers,
		Proposals: props,
	}

	shutdown := func(ctx context.Context) error {
		states.Close()
		if telemetryShutdown != nil {
			return telemetryShutdown(ctx)
		}
		return nil
	}

	return &Server{
		Handler:      api.NewRouter(cfg, h),
		States:       states,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// buildProviders constructs the primary model provider and an optional
// fallback on a secondary endpoint.
func buildProviders(cfg config.ProvidersConfig) (primary, fallback contracts.ChatProvider) {
	switch cfg.ChatKind {
	case "anthropic":
		primary = llm.NewAnthropicProvider(cfg.ChatEndpoint, cfg.ChatModel, cfg.ChatAPIKey, cfg.CallTimeout)
		if cfg.ChatFallback != "" {
			fallback = llm.NewAnthropicProvider(cfg.ChatFallback, cfg.ChatModel, cfg.ChatAPIKey, cfg.CallTimeout)
		}
	default:
		primary = llm.NewOpenAIProvider(cfg.ChatEndpoint, cfg.ChatModel, cfg.ChatAPIKey, cfg.CallTimeout)
		if cfg.ChatFallback != "" {
			fallback = llm.NewOpenAIProvider(cfg.ChatFallback, cfg.ChatModel, cfg.ChatAPIKey, cfg.CallTimeout)
		}
	}
	log.Info().Str("kind", cfg.ChatKind).Str("model", cfg.ChatModel).Msg("Model provider initialized")
	return primary, fallback
}
