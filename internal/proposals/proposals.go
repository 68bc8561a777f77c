// Package proposals implements the human-approved improvement loop for
// capability instructions. A proposal captures the old and new text and
// moves through pending → approved/rejected; approved proposals are the
// only path that rewrites a capability definition.
package proposals

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/brigade-ai/brigade/internal/registry"
	"github.com/brigade-ai/brigade/internal/state"
	"github.com/brigade-ai/brigade/pkg/models"
)

// Retention window for stored proposals.
const proposalTTL = 30 * 24 * time.Hour

// Service manages the proposal lifecycle.
type Service struct {
	states *state.Manager
	reg    *registry.Registry
}

// NewService creates the proposal service.
func NewService(states *state.Manager, reg *registry.Registry) *Service {
	return &Service{states: states, reg: reg}
}

// Propose records a pending instruction change for a capability.
// The capability must exist; its current instructions become OldText.
func (s *Service) Propose(ctx context.Context, capability, newText, reason string) (*models.Proposal, error) {
	def, err := s.reg.LoadFull(ctx, capability)
	if err != nil {
		return nil, err
	}

	p := &models.Proposal{
		ID:         uuid.NewString(),
		Capability: capability,
		OldText:    def.Instructions,
		NewText:    newText,
		Reason:     reason,
		Status:     models.ProposalPending,
		CreatedAt:  time.Now().UTC(),
	}
	s.save(ctx, p)
	s.index(ctx, p.ID)

	log.Info().
		Str("proposal", p.ID).
		Str("capability", capability).
		Msg("Improvement proposal recorded")
	return p, nil
}

// Get returns a proposal by ID.
func (s *Service) Get(ctx context.Context, id string) (*models.Proposal, error) {
	var p models.Proposal
	if !s.states.GetJSON(ctx, state.NSProposals, id, proposalTTL, &p) {
		return nil, fmt.Errorf("proposal not found: %s", id)
	}
	return &p, nil
}

// List returns stored proposals, optionally filtered by status.
func (s *Service) List(ctx context.Context, status models.ProposalStatus) []models.Proposal {
	var ids []string
	s.states.GetJSON(ctx, state.NSProposals, "index", proposalTTL, &ids)

	var out []models.Proposal
	for _, id := range ids {
		p, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Resolve approves or rejects a pending proposal. Approval applies the
// new text to the registry through its explicit write path; a proposal
// that already left pending cannot be resolved again.
func (s *Service) Resolve(ctx context.Context, id string, approve bool) (*models.Proposal, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != models.ProposalPending {
		return nil, fmt.Errorf("proposal %s already %s", id, p.Status)
	}

	now := time.Now().UTC()
	p.ResolvedAt = &now
	if !approve {
		p.Status = models.ProposalRejected
		s.save(ctx, p)
		log.Info().Str("proposal", id).Msg("Proposal rejected")
		return p, nil
	}

	if err := s.reg.UpdateInstructions(ctx, p.Capability, p.NewText); err != nil {
		return nil, fmt.Errorf("apply proposal %s: %w", id, err)
	}
	p.Status = models.ProposalApproved
	s.save(ctx, p)

	log.Info().
		Str("proposal", id).
		Str("capability", p.Capability).
		Msg("Proposal approved and applied")
	return p, nil
}

func (s *Service) save(ctx context.Context, p *models.Proposal) {
	s.states.SetJSON(ctx, state.NSProposals, p.ID, p, proposalTTL, true)
}

func (s *Service) index(ctx context.Context, id string) {
	var ids []string
	s.states.GetJSON(ctx, state.NSProposals, "index", proposalTTL, &ids)
	ids = append(ids, id)
	s.states.SetJSON(ctx, state.NSProposals, "index", ids, proposalTTL, true)
}
