package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Role is a capability held by an actor.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleGuardian Role = "guardian"
	RoleProposer Role = "proposer"
	RoleExecutor Role = "executor"
)

// Roles lists every known role.
var Roles = []Role{RoleAdmin, RoleGuardian, RoleProposer, RoleExecutor}

// ProposalStatus is the lifecycle state of a timelock proposal.
type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "pending"
	ProposalReady     ProposalStatus = "ready"
	ProposalExecuted  ProposalStatus = "executed"
	ProposalCancelled ProposalStatus = "cancelled"
)

// Proposal is a governance change queued behind the timelock delay.
type Proposal struct {
	ID          common.Hash    `json:"id"`
	Target      string         `json:"target"`
	Payload     []byte         `json:"payload"`
	Description string         `json:"description"`
	Proposer    common.Address `json:"proposer"`
	Status      ProposalStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	ReadyAt     time.Time      `json:"ready_at"`
	ExecutedAt  *time.Time     `json:"executed_at,omitempty"`
	CancelledAt *time.Time     `json:"cancelled_at,omitempty"`
}

// StatusAt reports the status as observed at now; a pending proposal past its
// ReadyAt reads as ready.
func (p Proposal) StatusAt(now time.Time) ProposalStatus {
	if p.Status == ProposalPending && !now.Before(p.ReadyAt) {
		return ProposalReady
	}
	return p.Status
}
