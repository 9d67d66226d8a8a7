package domain

import (
	"fmt"

	"github.com/holiman/uint256"
)

// ParseAmount parses a base-10 token amount. The empty string parses as nil.
func ParseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return v, nil
}

// FormatAmount renders v in base 10; nil renders as the empty string.
func FormatAmount(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}

// NewExecutionRecord builds the persisted record of res.
func NewExecutionRecord(id string, res Result) ExecutionRecord {
	rec := ExecutionRecord{
		ID:             id,
		AttemptID:      res.AttemptID,
		Asset:          res.Asset,
		AmountIn:       res.Amount,
		Premium:        res.Premium,
		Profit:         res.Profit,
		PerHopAmounts:  res.PerHopAmounts,
		Succeeded:      res.Succeeded,
		OffendingGuard: res.OffendingGuard,
		FailedHop:      res.FailedHop,
		Shortfall:      res.Shortfall,
		RulesetVersion: res.RulesetVersion,
		Caller:         res.Caller,
		Timestamp:      res.FinishedAt,
	}
	if !res.Succeeded {
		rec.RejectionReason = res.ReasonCode
	}
	if rec.PerHopAmounts == nil {
		rec.PerHopAmounts = []*uint256.Int{}
	}
	return rec
}

// Rejected reports whether the record is a pre-borrow rejection rather than
// a mid-flight abort.
func (r ExecutionRecord) Rejected() bool {
	return !r.Succeeded && r.OffendingGuard != ""
}
