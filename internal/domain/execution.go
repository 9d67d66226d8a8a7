package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Phase is a state of the execution state machine.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseValidating Phase = "validating"
	PhaseBorrowing  Phase = "borrowing"
	PhaseSwapping   Phase = "swapping"
	PhaseSettling   Phase = "settling"
	PhaseCommitted  Phase = "committed"
	PhaseAborted    Phase = "aborted"
)

// Attempt is one request to borrow Amount of Asset and route it through
// Route. It lives for a single engine call.
type Attempt struct {
	ID             string         `json:"id"`
	Asset          common.Address `json:"asset"`
	Amount         *uint256.Int   `json:"amount"`
	Route          Route          `json:"route"`
	Deadline       time.Time      `json:"deadline"`
	MinProfit      *uint256.Int   `json:"min_profit"`
	MaxSlippageBps uint32         `json:"max_slippage_bps"`
	Caller         common.Address `json:"caller"`
}

// Result is what the engine reports for an attempt, committed or not.
type Result struct {
	AttemptID      string         `json:"attempt_id"`
	Asset          common.Address `json:"asset"`
	Amount         *uint256.Int   `json:"amount"`
	Premium        *uint256.Int   `json:"premium,omitempty"`
	Profit         *uint256.Int   `json:"profit,omitempty"`
	PerHopAmounts  []*uint256.Int `json:"per_hop_amounts,omitempty"`
	Succeeded      bool           `json:"succeeded"`
	Phase          Phase          `json:"phase"`
	ReasonCode     string         `json:"reason_code,omitempty"`
	OffendingGuard string         `json:"offending_guard,omitempty"`
	FailedHop      int            `json:"failed_hop"`
	Shortfall      *uint256.Int   `json:"shortfall,omitempty"`
	RulesetVersion uint64         `json:"ruleset_version"`
	Caller         common.Address `json:"caller"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
}

// ExecutionRecord is the persisted form of a Result.
type ExecutionRecord struct {
	ID              string         `json:"id"`
	AttemptID       string         `json:"attempt_id"`
	Asset           common.Address `json:"asset"`
	AmountIn        *uint256.Int   `json:"amount_in"`
	Premium         *uint256.Int   `json:"premium"`
	Profit          *uint256.Int   `json:"profit"`
	PerHopAmounts   []*uint256.Int `json:"per_hop_amounts"`
	Succeeded       bool           `json:"succeeded"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	OffendingGuard  string         `json:"offending_guard,omitempty"`
	FailedHop       int            `json:"failed_hop"`
	Shortfall       *uint256.Int   `json:"shortfall,omitempty"`
	CostEstimate    *uint256.Int   `json:"cost_estimate"`
	RulesetVersion  uint64         `json:"ruleset_version"`
	Caller          common.Address `json:"caller"`
	Timestamp       time.Time      `json:"timestamp"`
	Signature       []byte         `json:"signature,omitempty"`
}

// AssetTotals are the running totals kept per asset.
type AssetTotals struct {
	Asset       common.Address `json:"asset"`
	Committed   int64          `json:"committed"`
	Aborted     int64          `json:"aborted"`
	Rejected    int64          `json:"rejected"`
	TotalVolume *uint256.Int   `json:"total_volume"`
	TotalProfit *uint256.Int   `json:"total_profit"`
}
