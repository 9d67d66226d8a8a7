package guard

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TargetHandler applies a matured proposal's payload.
type TargetHandler func(ctx context.Context, payload []byte) error

// TargetValidator checks a payload at proposal time so malformed changes are
// refused before the delay starts.
type TargetValidator func(payload []byte) error

type target struct {
	apply    TargetHandler
	validate TargetValidator
}

// Timelock is a two-step governance queue: a Proposer queues a change, and an
// Executor applies it once the delay has passed. Executed and cancelled
// proposals are final.
type Timelock struct {
	caps  *Capabilities
	delay time.Duration

	mu        sync.Mutex
	proposals map[common.Hash]*domain.Proposal
	targets   map[string]target
	nonce     uint64
	now       func() time.Time
}

// NewTimelock returns an empty timelock with the given delay.
func NewTimelock(caps *Capabilities, delay time.Duration) *Timelock {
	return &Timelock{
		caps:      caps,
		delay:     delay,
		proposals: make(map[common.Hash]*domain.Proposal),
		targets:   make(map[string]target),
		now:       time.Now,
	}
}

// SetNowFunc overrides the time source. Nil restores time.Now.
func (t *Timelock) SetNowFunc(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	t.now = now
}

// Delay returns the minimum time between proposal and execution.
func (t *Timelock) Delay() time.Duration { return t.delay }

// RegisterTarget makes name a valid proposal target. validate may be nil.
func (t *Timelock) RegisterTarget(name string, apply TargetHandler, validate TargetValidator) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[name] = target{apply: apply, validate: validate}
}

// Targets returns the registered target names.
func (t *Timelock) Targets() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.targets))
	for name := range t.targets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Propose queues payload for target. The proposal becomes executable after
// the timelock delay.
func (t *Timelock) Propose(actor common.Address, targetName string, payload []byte, description string) (domain.Proposal, error) {
	if err := t.caps.Require(actor, domain.RoleProposer); err != nil {
		return domain.Proposal{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	tg, ok := t.targets[targetName]
	if !ok {
		return domain.Proposal{}, &domain.GovernanceRejected{Code: domain.GovUnknownTarget, Actor: actor, Detail: targetName}
	}
	if tg.validate != nil {
		if err := tg.validate(payload); err != nil {
			return domain.Proposal{}, &domain.GovernanceRejected{Code: domain.GovInvalidPayload, Actor: actor, Detail: err.Error()}
		}
	}

	now := t.now()
	t.nonce++
	id := proposalID(targetName, payload, description, t.nonce, now)
	if _, exists := t.proposals[id]; exists {
		return domain.Proposal{}, &domain.GovernanceRejected{Code: domain.GovDuplicateProposal, Actor: actor, Detail: id.Hex()}
	}
	p := &domain.Proposal{
		ID:          id,
		Target:      targetName,
		Payload:     append([]byte(nil), payload...),
		Description: description,
		Proposer:    actor,
		Status:      domain.ProposalPending,
		CreatedAt:   now,
		ReadyAt:     now.Add(t.delay),
	}
	t.proposals[id] = p
	return *p, nil
}

// Execute applies a matured proposal. Unripe, cancelled or already executed
// proposals are refused.
func (t *Timelock) Execute(ctx context.Context, actor common.Address, id common.Hash) (domain.Proposal, error) {
	if err := t.caps.Require(actor, domain.RoleExecutor); err != nil {
		return domain.Proposal{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.proposals[id]
	if !ok {
		return domain.Proposal{}, &domain.GovernanceRejected{Code: domain.GovUnknownProposal, Actor: actor, Detail: id.Hex()}
	}
	switch p.Status {
	case domain.ProposalExecuted:
		return *p, &domain.GovernanceRejected{Code: domain.GovProposalExecuted, Actor: actor, Detail: id.Hex()}
	case domain.ProposalCancelled:
		return *p, &domain.GovernanceRejected{Code: domain.GovProposalCancelled, Actor: actor, Detail: id.Hex()}
	}
	now := t.now()
	if now.Before(p.ReadyAt) {
		return *p, &domain.GovernanceRejected{
			Code:   domain.GovProposalNotReady,
			Actor:  actor,
			Detail: fmt.Sprintf("%s ready at %s, %s remaining", id.Hex(), p.ReadyAt.UTC().Format(time.RFC3339), p.ReadyAt.Sub(now)),
		}
	}
	tg, ok := t.targets[p.Target]
	if !ok {
		return *p, &domain.GovernanceRejected{Code: domain.GovUnknownTarget, Actor: actor, Detail: p.Target}
	}
	if err := tg.apply(ctx, p.Payload); err != nil {
		return *p, fmt.Errorf("timelock: execute %s on %s: %w", id.Hex(), p.Target, err)
	}
	p.Status = domain.ProposalExecuted
	p.ExecutedAt = &now
	return *p, nil
}

// Cancel withdraws a proposal that has not been executed. Proposers and
// Admins may cancel.
func (t *Timelock) Cancel(actor common.Address, id common.Hash) (domain.Proposal, error) {
	if err := t.caps.Require(actor, domain.RoleProposer, domain.RoleAdmin); err != nil {
		return domain.Proposal{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.proposals[id]
	if !ok {
		return domain.Proposal{}, &domain.GovernanceRejected{Code: domain.GovUnknownProposal, Actor: actor, Detail: id.Hex()}
	}
	switch p.Status {
	case domain.ProposalExecuted:
		return *p, &domain.GovernanceRejected{Code: domain.GovProposalExecuted, Actor: actor, Detail: id.Hex()}
	case domain.ProposalCancelled:
		return *p, &domain.GovernanceRejected{Code: domain.GovProposalCancelled, Actor: actor, Detail: id.Hex()}
	}
	now := t.now()
	p.Status = domain.ProposalCancelled
	p.CancelledAt = &now
	return *p, nil
}

// Get returns a proposal with its status as of now.
func (t *Timelock) Get(id common.Hash) (domain.Proposal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.proposals[id]
	if !ok {
		return domain.Proposal{}, fmt.Errorf("timelock: proposal %s: %w", id.Hex(), domain.ErrNotFound)
	}
	out := *p
	out.Status = p.StatusAt(t.now())
	return out, nil
}

// List returns every proposal, oldest first, with statuses as of now.
func (t *Timelock) List() []domain.Proposal {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make([]domain.Proposal, 0, len(t.proposals))
	for _, p := range t.proposals {
		cp := *p
		cp.Status = p.StatusAt(now)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Restore loads a persisted proposal, e.g. after a restart.
func (t *Timelock) Restore(p domain.Proposal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.Status == domain.ProposalReady {
		p.Status = domain.ProposalPending
	}
	cp := p
	t.proposals[p.ID] = &cp
	t.nonce++
}

func proposalID(target string, payload []byte, description string, nonce uint64, at time.Time) common.Hash {
	var salt [16]byte
	binary.BigEndian.PutUint64(salt[:8], nonce)
	binary.BigEndian.PutUint64(salt[8:], uint64(at.UnixNano()))
	return crypto.Keccak256Hash(
		[]byte(target), []byte{0},
		crypto.Keccak256(payload),
		[]byte(description), []byte{0},
		salt[:],
	)
}
