package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/guard"
	"github.com/alanyoungcy/arbengine/internal/metrics"
	"github.com/alanyoungcy/arbengine/internal/notify"
	"github.com/alanyoungcy/arbengine/internal/ruleset"
)

// TargetAllowlistSet adds or re-enables a venue after the timelock delay.
const TargetAllowlistSet = "allowlist.set"

// GovernanceDeps are the guards and sinks behind the operator surface.
// Proposals, Audit, Bus, Notifier and Metrics may be nil.
type GovernanceDeps struct {
	Caps      *guard.Capabilities
	Timelock  *guard.Timelock
	Pause     *guard.PauseSwitch
	Allowlist *guard.Allowlist
	Rules     *ruleset.Registry
	Breaker   *guard.CircuitBreaker
	Proposals domain.ProposalStore
	Audit     domain.AuditStore
	Bus       domain.SignalBus
	Notifier  *notify.Notifier
	Metrics   *metrics.Metrics
}

// GovernanceService is the operator surface. Changes that loosen the guards
// go through the timelock; changes that tighten them (pause, disabling a
// venue) take effect at once.
type GovernanceService struct {
	deps   GovernanceDeps
	logger *slog.Logger
}

// NewGovernanceService wires the timelock targets and returns the service.
func NewGovernanceService(deps GovernanceDeps, logger *slog.Logger) (*GovernanceService, error) {
	if deps.Caps == nil || deps.Timelock == nil || deps.Pause == nil || deps.Allowlist == nil || deps.Rules == nil {
		return nil, errors.New("governance_service: capabilities, timelock, pause, allowlist and ruleset required")
	}
	s := &GovernanceService{
		deps:   deps,
		logger: logger.With(slog.String("component", "governance_service")),
	}
	deps.Rules.RegisterTargets(deps.Timelock)
	deps.Timelock.RegisterTarget(TargetAllowlistSet, s.applyVenue, func(payload []byte) error {
		_, err := decodeVenue(payload)
		return err
	})
	return s, nil
}

// Load restores persisted proposals into the timelock.
func (s *GovernanceService) Load(ctx context.Context) error {
	if s.deps.Proposals == nil {
		return nil
	}
	list, err := s.deps.Proposals.List(ctx, domain.ListOpts{Limit: 10_000})
	if err != nil {
		return fmt.Errorf("governance_service: load proposals: %w", err)
	}
	for _, p := range list {
		s.deps.Timelock.Restore(p)
	}
	s.logger.InfoContext(ctx, "proposals restored", slog.Int("count", len(list)))
	return nil
}

// SetAssetLimits proposes a new strategy for one asset.
func (s *GovernanceService) SetAssetLimits(ctx context.Context, actor common.Address, strat domain.AssetStrategy, description string) (domain.Proposal, error) {
	payload, err := ruleset.EncodeStrategy(strat)
	if err != nil {
		return domain.Proposal{}, &domain.GovernanceRejected{Code: domain.GovInvalidPayload, Actor: actor, Detail: err.Error()}
	}
	return s.Propose(ctx, actor, ruleset.TargetStrategySet, payload, description)
}

// ProposeActivate proposes switching the current ruleset to version.
func (s *GovernanceService) ProposeActivate(ctx context.Context, actor common.Address, version uint64, description string) (domain.Proposal, error) {
	payload, _ := json.Marshal(ruleset.ActivatePayload{Version: version})
	return s.Propose(ctx, actor, ruleset.TargetActivate, payload, description)
}

// ProposeVenue proposes adding or re-enabling a venue.
func (s *GovernanceService) ProposeVenue(ctx context.Context, actor common.Address, entry domain.VenueEntry, description string) (domain.Proposal, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("governance_service: encode venue: %w", err)
	}
	return s.Propose(ctx, actor, TargetAllowlistSet, payload, description)
}

// Propose queues payload for target.
func (s *GovernanceService) Propose(ctx context.Context, actor common.Address, target string, payload []byte, description string) (domain.Proposal, error) {
	p, err := s.deps.Timelock.Propose(actor, target, payload, description)
	if err != nil {
		return p, err
	}
	if err := s.save(ctx, p); err != nil {
		return p, err
	}
	s.record(ctx, "proposal_created", actor, map[string]any{
		"id": p.ID.Hex(), "target": target, "ready_at": p.ReadyAt,
	})
	return p, nil
}

// Execute applies a matured proposal.
func (s *GovernanceService) Execute(ctx context.Context, actor common.Address, id common.Hash) (domain.Proposal, error) {
	p, err := s.deps.Timelock.Execute(ctx, actor, id)
	if err != nil {
		return p, err
	}
	if err := s.save(ctx, p); err != nil {
		return p, err
	}
	s.record(ctx, "proposal_executed", actor, map[string]any{"id": p.ID.Hex(), "target": p.Target})
	s.notify(ctx, notify.ProposalExecutedMessage(p, actor))
	return p, nil
}

// Cancel withdraws a proposal.
func (s *GovernanceService) Cancel(ctx context.Context, actor common.Address, id common.Hash) (domain.Proposal, error) {
	p, err := s.deps.Timelock.Cancel(actor, id)
	if err != nil {
		return p, err
	}
	if err := s.save(ctx, p); err != nil {
		return p, err
	}
	s.record(ctx, "proposal_cancelled", actor, map[string]any{"id": p.ID.Hex()})
	return p, nil
}

// Proposal returns one proposal.
func (s *GovernanceService) Proposal(id common.Hash) (domain.Proposal, error) {
	return s.deps.Timelock.Get(id)
}

// Proposals lists every proposal, oldest first.
func (s *GovernanceService) Proposals() []domain.Proposal {
	return s.deps.Timelock.List()
}

// DisableVenue removes a venue from routing at once. Guardians and Admins
// may disable.
func (s *GovernanceService) DisableVenue(ctx context.Context, actor common.Address, id common.Address) error {
	if err := s.deps.Caps.Require(actor, domain.RoleGuardian, domain.RoleAdmin); err != nil {
		return err
	}
	if err := s.deps.Allowlist.SetEnabled(id, false); err != nil {
		return err
	}
	s.record(ctx, "venue_disabled", actor, map[string]any{"venue": id.Hex()})
	return nil
}

// Venues lists the allowlist.
func (s *GovernanceService) Venues() []domain.VenueEntry {
	return s.deps.Allowlist.List()
}

// Pause stops new attempts.
func (s *GovernanceService) Pause(ctx context.Context, actor common.Address) error {
	return s.setPaused(ctx, actor, true)
}

// Unpause resumes attempts.
func (s *GovernanceService) Unpause(ctx context.Context, actor common.Address) error {
	return s.setPaused(ctx, actor, false)
}

func (s *GovernanceService) setPaused(ctx context.Context, actor common.Address, paused bool) error {
	var err error
	if paused {
		err = s.deps.Pause.Pause(actor)
	} else {
		err = s.deps.Pause.Unpause(actor)
	}
	if err != nil {
		return err
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.SetPaused(paused)
	}
	msg := notify.PauseMessage(paused, actor)
	s.record(ctx, string(msg.Event), actor, nil)
	s.notify(ctx, msg)
	return nil
}

// PauseState returns the pause flag.
func (s *GovernanceService) PauseState() guard.PauseState {
	return s.deps.Pause.State()
}

// Grant gives role to target. Admin only.
func (s *GovernanceService) Grant(ctx context.Context, actor, target common.Address, role domain.Role) error {
	if err := s.deps.Caps.Grant(actor, target, role); err != nil {
		return err
	}
	s.record(ctx, "role_granted", actor, map[string]any{"target": target.Hex(), "role": string(role)})
	return nil
}

// Revoke removes role from target. Admin only.
func (s *GovernanceService) Revoke(ctx context.Context, actor, target common.Address, role domain.Role) error {
	if err := s.deps.Caps.Revoke(actor, target, role); err != nil {
		return err
	}
	s.record(ctx, "role_revoked", actor, map[string]any{"target": target.Hex(), "role": string(role)})
	return nil
}

// Roles lists the roles held by actor.
func (s *GovernanceService) Roles(actor common.Address) []domain.Role {
	return s.deps.Caps.RolesOf(actor)
}

// ResetBreaker clears an asset's breaker window. Guardian only.
func (s *GovernanceService) ResetBreaker(ctx context.Context, actor, asset common.Address) error {
	if s.deps.Breaker == nil {
		return errors.New("governance_service: no circuit breaker configured")
	}
	if err := s.deps.Caps.Require(actor, domain.RoleGuardian); err != nil {
		return err
	}
	s.deps.Breaker.Reset(asset)
	s.record(ctx, "breaker_reset", actor, map[string]any{"asset": asset.Hex()})
	return nil
}

// BreakerStatus returns the breaker window of every asset in the current
// ruleset.
func (s *GovernanceService) BreakerStatus() []guard.BreakerStatus {
	if s.deps.Breaker == nil {
		return nil
	}
	strategies := s.deps.Rules.Current().List()
	out := make([]guard.BreakerStatus, 0, len(strategies))
	for _, st := range strategies {
		out = append(out, s.deps.Breaker.Status(st.Asset, st.Limits))
	}
	return out
}

func (s *GovernanceService) applyVenue(_ context.Context, payload []byte) error {
	entry, err := decodeVenue(payload)
	if err != nil {
		return err
	}
	s.deps.Allowlist.Set(entry)
	return nil
}

func decodeVenue(payload []byte) (domain.VenueEntry, error) {
	var e domain.VenueEntry
	if err := json.Unmarshal(payload, &e); err != nil {
		return e, fmt.Errorf("governance_service: decode venue payload: %w", err)
	}
	if e.ID == (common.Address{}) {
		return e, errors.New("governance_service: venue has zero id")
	}
	return e, nil
}

func (s *GovernanceService) save(ctx context.Context, p domain.Proposal) error {
	if s.deps.Proposals == nil {
		return nil
	}
	if err := s.deps.Proposals.Save(ctx, p); err != nil {
		return fmt.Errorf("governance_service: save proposal %s: %w", p.ID.Hex(), err)
	}
	return nil
}

// record writes the audit log and publishes the event on the governance
// channel. Both are best effort.
func (s *GovernanceService) record(ctx context.Context, event string, actor common.Address, detail map[string]any) {
	if detail == nil {
		detail = map[string]any{}
	}
	detail["actor"] = actor.Hex()
	s.logger.InfoContext(ctx, event, slog.String("actor", actor.Hex()))
	if s.deps.Audit != nil {
		if err := s.deps.Audit.Log(ctx, event, detail); err != nil {
			s.logger.WarnContext(ctx, "governance_service: audit log failed", slog.String("error", err.Error()))
		}
	}
	if s.deps.Bus != nil {
		payload, _ := json.Marshal(map[string]any{"event": event, "detail": detail})
		if err := s.deps.Bus.Publish(ctx, domain.ChannelGovernance, payload); err != nil {
			s.logger.WarnContext(ctx, "governance_service: publish failed", slog.String("error", err.Error()))
		}
	}
}

func (s *GovernanceService) notify(ctx context.Context, msg notify.Message) {
	if s.deps.Notifier == nil {
		return
	}
	if err := s.deps.Notifier.Notify(ctx, msg); err != nil {
		s.logger.WarnContext(ctx, "governance_service: notify failed", slog.String("error", err.Error()))
	}
}

// StageRuleset stages a new inactive ruleset version with changes applied
// over the current one. Activating it still needs a proposal.
func (s *GovernanceService) StageRuleset(ctx context.Context, actor common.Address, changes ...domain.AssetStrategy) (uint64, error) {
	if err := s.deps.Caps.Require(actor, domain.RoleProposer); err != nil {
		return 0, err
	}
	v, err := s.deps.Rules.Stage(ctx, changes...)
	if err != nil {
		return 0, &domain.GovernanceRejected{Code: domain.GovInvalidPayload, Actor: actor, Detail: err.Error()}
	}
	s.record(ctx, "ruleset_staged", actor, map[string]any{"version": v, "changes": len(changes)})
	return v, nil
}
