package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/guard"
)

// Governance is the operator surface. *service.GovernanceService satisfies it.
type Governance interface {
	SetAssetLimits(ctx context.Context, actor common.Address, strat domain.AssetStrategy, description string) (domain.Proposal, error)
	ProposeActivate(ctx context.Context, actor common.Address, version uint64, description string) (domain.Proposal, error)
	ProposeVenue(ctx context.Context, actor common.Address, entry domain.VenueEntry, description string) (domain.Proposal, error)
	Propose(ctx context.Context, actor common.Address, target string, payload []byte, description string) (domain.Proposal, error)
	Execute(ctx context.Context, actor common.Address, id common.Hash) (domain.Proposal, error)
	Cancel(ctx context.Context, actor common.Address, id common.Hash) (domain.Proposal, error)
	Proposal(id common.Hash) (domain.Proposal, error)
	Proposals() []domain.Proposal
	DisableVenue(ctx context.Context, actor common.Address, id common.Address) error
	Venues() []domain.VenueEntry
	Pause(ctx context.Context, actor common.Address) error
	Unpause(ctx context.Context, actor common.Address) error
	PauseState() guard.PauseState
	Grant(ctx context.Context, actor, target common.Address, role domain.Role) error
	Revoke(ctx context.Context, actor, target common.Address, role domain.Role) error
	Roles(actor common.Address) []domain.Role
	ResetBreaker(ctx context.Context, actor, asset common.Address) error
	BreakerStatus() []guard.BreakerStatus
	StageRuleset(ctx context.Context, actor common.Address, changes ...domain.AssetStrategy) (uint64, error)
}

// GovernanceHandler serves /api/governance.
type GovernanceHandler struct {
	gov    Governance
	logger *slog.Logger
}

// NewGovernanceHandler creates a GovernanceHandler.
func NewGovernanceHandler(gov Governance, logger *slog.Logger) *GovernanceHandler {
	return &GovernanceHandler{gov: gov, logger: logHandler(logger, "governance")}
}

type proposalRequest struct {
	Target      string `json:"target"`
	Payload     []byte `json:"payload"`
	Description string `json:"description"`
}

type strategyRequest struct {
	Strategy    domain.AssetStrategy `json:"strategy"`
	Description string               `json:"description"`
}

type activateRequest struct {
	Version     uint64 `json:"version"`
	Description string `json:"description"`
}

type venueRequest struct {
	Venue       domain.VenueEntry `json:"venue"`
	Description string            `json:"description"`
}

type stageRequest struct {
	Strategies []domain.AssetStrategy `json:"strategies"`
}

type roleRequest struct {
	Actor common.Address `json:"actor"`
	Role  domain.Role    `json:"role"`
}

// ListProposals returns every proposal.
// GET /api/governance/proposals
func (h *GovernanceHandler) ListProposals(w http.ResponseWriter, r *http.Request) {
	ps := h.gov.Proposals()
	if ps == nil {
		ps = []domain.Proposal{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": ps})
}

// GetProposal returns one proposal.
// GET /api/governance/proposals/{id}
func (h *GovernanceHandler) GetProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := h.proposalID(w, r)
	if !ok {
		return
	}
	p, err := h.gov.Proposal(id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get proposal", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Propose queues a raw proposal against a registered target.
// POST /api/governance/proposals
func (h *GovernanceHandler) Propose(w http.ResponseWriter, r *http.Request) {
	var req proposalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.proposed(w, r)(h.gov.Propose(r.Context(), actor(r), req.Target, req.Payload, req.Description))
}

// ProposeStrategy queues a strategy change for one asset.
// POST /api/governance/strategies
func (h *GovernanceHandler) ProposeStrategy(w http.ResponseWriter, r *http.Request) {
	var req strategyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.proposed(w, r)(h.gov.SetAssetLimits(r.Context(), actor(r), req.Strategy, req.Description))
}

// StageRuleset stages an inactive ruleset version.
// POST /api/governance/rulesets
func (h *GovernanceHandler) StageRuleset(w http.ResponseWriter, r *http.Request) {
	var req stageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := h.gov.StageRuleset(r.Context(), actor(r), req.Strategies...)
	if err != nil {
		writeDomainError(w, r, h.logger, "stage ruleset", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"version": v})
}

// ProposeActivate queues activation of a staged ruleset version.
// POST /api/governance/rulesets/activate
func (h *GovernanceHandler) ProposeActivate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.proposed(w, r)(h.gov.ProposeActivate(r.Context(), actor(r), req.Version, req.Description))
}

// ProposeVenue queues adding or re-enabling a venue.
// POST /api/governance/venues
func (h *GovernanceHandler) ProposeVenue(w http.ResponseWriter, r *http.Request) {
	var req venueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.proposed(w, r)(h.gov.ProposeVenue(r.Context(), actor(r), req.Venue, req.Description))
}

// ListVenues returns the allowlist.
// GET /api/governance/venues
func (h *GovernanceHandler) ListVenues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"venues": h.gov.Venues()})
}

// DisableVenue removes a venue from routing at once.
// POST /api/governance/venues/{id}/disable
func (h *GovernanceHandler) DisableVenue(w http.ResponseWriter, r *http.Request) {
	id, err := parseAddress(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.gov.DisableVenue(r.Context(), actor(r), id); err != nil {
		writeDomainError(w, r, h.logger, "disable venue", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExecuteProposal applies a matured proposal.
// POST /api/governance/proposals/{id}/execute
func (h *GovernanceHandler) ExecuteProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := h.proposalID(w, r)
	if !ok {
		return
	}
	p, err := h.gov.Execute(r.Context(), actor(r), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "execute proposal", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CancelProposal cancels a pending proposal.
// POST /api/governance/proposals/{id}/cancel
func (h *GovernanceHandler) CancelProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := h.proposalID(w, r)
	if !ok {
		return
	}
	p, err := h.gov.Cancel(r.Context(), actor(r), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "cancel proposal", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetPause returns the pause flag.
// GET /api/governance/pause
func (h *GovernanceHandler) GetPause(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.gov.PauseState())
}

// Pause stops new attempts.
// POST /api/governance/pause
func (h *GovernanceHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, h.gov.Pause)
}

// Unpause resumes attempts.
// POST /api/governance/unpause
func (h *GovernanceHandler) Unpause(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, h.gov.Unpause)
}

func (h *GovernanceHandler) setPaused(w http.ResponseWriter, r *http.Request, fn func(context.Context, common.Address) error) {
	if err := fn(r.Context(), actor(r)); err != nil {
		writeDomainError(w, r, h.logger, "set pause", err)
		return
	}
	writeJSON(w, http.StatusOK, h.gov.PauseState())
}

// Roles lists the roles held by an actor.
// GET /api/governance/roles/{actor}
func (h *GovernanceHandler) Roles(w http.ResponseWriter, r *http.Request) {
	who, err := parseAddress(r.PathValue("actor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	roles := h.gov.Roles(who)
	if roles == nil {
		roles = []domain.Role{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"actor": who, "roles": roles})
}

// Grant gives a role.
// POST /api/governance/roles/grant
func (h *GovernanceHandler) Grant(w http.ResponseWriter, r *http.Request) {
	h.changeRole(w, r, h.gov.Grant)
}

// Revoke removes a role.
// POST /api/governance/roles/revoke
func (h *GovernanceHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	h.changeRole(w, r, h.gov.Revoke)
}

func (h *GovernanceHandler) changeRole(w http.ResponseWriter, r *http.Request, fn func(context.Context, common.Address, common.Address, domain.Role) error) {
	var req roleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := fn(r.Context(), actor(r), req.Actor, req.Role); err != nil {
		writeDomainError(w, r, h.logger, "change role", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actor": req.Actor, "roles": h.gov.Roles(req.Actor)})
}

// Breakers returns the breaker window of every configured asset.
// GET /api/governance/breakers
func (h *GovernanceHandler) Breakers(w http.ResponseWriter, r *http.Request) {
	st := h.gov.BreakerStatus()
	if st == nil {
		st = []guard.BreakerStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": st})
}

// ResetBreaker clears an asset's breaker window.
// POST /api/governance/breakers/{asset}/reset
func (h *GovernanceHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAddress(r.PathValue("asset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.gov.ResetBreaker(r.Context(), actor(r), asset); err != nil {
		writeDomainError(w, r, h.logger, "reset breaker", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *GovernanceHandler) proposalID(w http.ResponseWriter, r *http.Request) (common.Hash, bool) {
	raw := r.PathValue("id")
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		writeError(w, http.StatusBadRequest, "proposal id must be a 32-byte hex hash")
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}

// proposed writes the outcome of a call that queues a proposal.
func (h *GovernanceHandler) proposed(w http.ResponseWriter, r *http.Request) func(domain.Proposal, error) {
	return func(p domain.Proposal, err error) {
		if err != nil {
			writeDomainError(w, r, h.logger, "propose", err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	}
}
