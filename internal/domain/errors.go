package domain

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
	ErrInvalidRoute  = errors.New("invalid route")

	// Kind sentinels matched by errors.Is against the typed errors below.
	ErrPreconditionRejected = errors.New("precondition rejected")
	ErrExecutionAborted     = errors.New("execution aborted")
	ErrGovernanceRejected   = errors.New("governance rejected")
	ErrMathDomain           = errors.New("math domain error")
)

// RejectCode names the check that declined an attempt before capital moved.
type RejectCode string

const (
	RejectPaused            RejectCode = "paused"
	RejectDuplicate         RejectCode = "duplicate_attempt"
	RejectInvalidRoute      RejectCode = "invalid_route"
	RejectDeadline          RejectCode = "deadline_expired"
	RejectUnknownAsset      RejectCode = "unknown_asset"
	RejectMaxBorrow         RejectCode = "max_borrow_exceeded"
	RejectVenueDisallowed   RejectCode = "venue_disallowed"
	RejectVolumeCap         RejectCode = "volume_cap"
	RejectSlippageCap       RejectCode = "slippage_cap"
	RejectMinProfitFloor    RejectCode = "min_profit_below_floor"
	RejectFrequencyCap      RejectCode = "frequency_cap"
	RejectBreakerTripped    RejectCode = "breaker_tripped"
	RejectOracleStale       RejectCode = "oracle_stale"
	RejectOracleDeviation   RejectCode = "oracle_deviation"
	RejectOracleUnavailable RejectCode = "oracle_unavailable"
	RejectAssetBusy         RejectCode = "asset_busy"
)

// Guard names reported as the offending guard of a rejection.
const (
	GuardPause          = "pause"
	GuardEngine         = "engine"
	GuardRuleset        = "ruleset"
	GuardAllowlist      = "allowlist"
	GuardCircuitBreaker = "circuit_breaker"
	GuardOracle         = "oracle"
)

// PreconditionRejected is returned when a guard declines an attempt during
// validation. Nothing has moved and the caller may retry.
type PreconditionRejected struct {
	Code   RejectCode
	Guard  string
	Detail string
}

func (e *PreconditionRejected) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("precondition rejected by %s: %s", e.Guard, e.Code)
	}
	return fmt.Sprintf("precondition rejected by %s: %s: %s", e.Guard, e.Code, e.Detail)
}

func (e *PreconditionRejected) Is(target error) bool { return target == ErrPreconditionRejected }

// Reject builds a PreconditionRejected with a formatted detail.
func Reject(guard string, code RejectCode, format string, args ...any) *PreconditionRejected {
	return &PreconditionRejected{Code: code, Guard: guard, Detail: fmt.Sprintf(format, args...)}
}

// AbortCode names the mid-flight failure that rolled an attempt back.
type AbortCode string

const (
	AbortBorrowFailed    AbortCode = "borrow_failed"
	AbortVenueFailed     AbortCode = "venue_failed"
	AbortHopShortfall    AbortCode = "hop_shortfall"
	AbortDeadline        AbortCode = "deadline_expired"
	AbortInsolvent       AbortCode = "insolvent"
	AbortMinProfitNotMet AbortCode = "min_profit_not_met"
	AbortSettleFailed    AbortCode = "settle_failed"
)

// NoHop marks an abort that did not happen inside the swapping phase.
const NoHop = -1

// ExecutionAborted is returned when an attempt fails after capital moved. The
// attempt has been rolled back in full.
type ExecutionAborted struct {
	Code      AbortCode
	Hop       int
	Required  *uint256.Int
	Actual    *uint256.Int
	Shortfall *uint256.Int
	Cause     error
}

func (e *ExecutionAborted) Error() string {
	switch e.Code {
	case AbortMinProfitNotMet:
		return fmt.Sprintf("execution aborted: MinProfitNotMet(%s,%s)", decOrZero(e.Actual), decOrZero(e.Required))
	case AbortHopShortfall:
		return fmt.Sprintf("execution aborted at hop %d: output %s below min %s (shortfall %s)",
			e.Hop, decOrZero(e.Actual), decOrZero(e.Required), decOrZero(e.Shortfall))
	}
	msg := fmt.Sprintf("execution aborted: %s", e.Code)
	if e.Hop != NoHop {
		msg = fmt.Sprintf("execution aborted at hop %d: %s", e.Hop, e.Code)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ExecutionAborted) Is(target error) bool { return target == ErrExecutionAborted }

func (e *ExecutionAborted) Unwrap() error { return e.Cause }

// Abort builds an ExecutionAborted outside the swapping phase.
func Abort(code AbortCode, cause error) *ExecutionAborted {
	return &ExecutionAborted{Code: code, Hop: NoHop, Cause: cause}
}

// Shortfall builds an ExecutionAborted for an amount that came in under its
// requirement.
func Shortfall(code AbortCode, hop int, actual, required *uint256.Int) *ExecutionAborted {
	short := new(uint256.Int)
	if required.Gt(actual) {
		short.Sub(required, actual)
	}
	return &ExecutionAborted{
		Code:      code,
		Hop:       hop,
		Required:  required.Clone(),
		Actual:    actual.Clone(),
		Shortfall: short,
	}
}

func decOrZero(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// GovernanceCode names why a privileged action was refused.
type GovernanceCode string

const (
	GovMissingCapability GovernanceCode = "missing_capability"
	GovProposalNotReady  GovernanceCode = "proposal_not_ready"
	GovProposalExecuted  GovernanceCode = "proposal_already_executed"
	GovProposalCancelled GovernanceCode = "proposal_cancelled"
	GovUnknownProposal   GovernanceCode = "unknown_proposal"
	GovUnknownTarget     GovernanceCode = "unknown_target"
	GovDuplicateProposal GovernanceCode = "duplicate_proposal"
	GovInvalidPayload    GovernanceCode = "invalid_payload"
)

// GovernanceRejected is returned for privileged actions attempted without the
// required capability or before a proposal has matured. It is terminal until
// the actor's roles or the clock change.
type GovernanceRejected struct {
	Code   GovernanceCode
	Actor  common.Address
	Detail string
}

func (e *GovernanceRejected) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("governance rejected %s: %s", e.Actor.Hex(), e.Code)
	}
	return fmt.Sprintf("governance rejected %s: %s: %s", e.Actor.Hex(), e.Code, e.Detail)
}

func (e *GovernanceRejected) Is(target error) bool { return target == ErrGovernanceRejected }

// MathDomainError is returned by the pricing library for inputs outside the
// valid domain or for kernels that failed to converge.
type MathDomainError struct {
	Op  string
	Err error
}

func (e *MathDomainError) Error() string { return fmt.Sprintf("pricing: %s: %v", e.Op, e.Err) }

func (e *MathDomainError) Is(target error) bool { return target == ErrMathDomain }

func (e *MathDomainError) Unwrap() error { return e.Err }

// ErrorKind returns the taxonomy bucket of err, or "internal".
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrPreconditionRejected):
		return "precondition_rejected"
	case errors.Is(err, ErrExecutionAborted):
		return "execution_aborted"
	case errors.Is(err, ErrGovernanceRejected):
		return "governance_rejected"
	case errors.Is(err, ErrMathDomain):
		return "math_domain"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	default:
		return "internal"
	}
}
