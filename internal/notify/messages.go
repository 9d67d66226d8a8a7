package notify

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// ResultMessage renders an engine result. Committed attempts are info,
// aborts warn, pre-borrow rejections are info.
func ResultMessage(res domain.Result) Message {
	fields := []Field{
		{"attempt", res.AttemptID},
		{"asset", res.Asset.Hex()},
		{"amount", domain.FormatAmount(res.Amount)},
		{"ruleset", strconv.FormatUint(res.RulesetVersion, 10)},
	}
	switch {
	case res.Succeeded:
		return Message{
			Event:    EventCommitted,
			Severity: SeverityInfo,
			Title:    "Attempt committed",
			Body:     fmt.Sprintf("profit %s after premium %s", domain.FormatAmount(res.Profit), domain.FormatAmount(res.Premium)),
			Fields:   fields,
		}
	case res.OffendingGuard != "":
		return Message{
			Event:    EventRejected,
			Severity: SeverityInfo,
			Title:    "Attempt rejected",
			Body:     fmt.Sprintf("%s guard: %s", res.OffendingGuard, res.ReasonCode),
			Fields:   fields,
		}
	default:
		if res.FailedHop != domain.NoHop {
			fields = append(fields, Field{"hop", strconv.Itoa(res.FailedHop)})
		}
		if res.Shortfall != nil {
			fields = append(fields, Field{"shortfall", domain.FormatAmount(res.Shortfall)})
		}
		return Message{
			Event:    EventAborted,
			Severity: SeverityWarn,
			Title:    "Attempt aborted",
			Body:     "rolled back: " + res.ReasonCode,
			Fields:   fields,
		}
	}
}

// BreakerTrippedMessage reports an asset whose breaker stopped admitting
// attempts after repeated failures.
func BreakerTrippedMessage(asset common.Address, failures int, windowStart time.Time) Message {
	return Message{
		Event:    EventBreakerTripped,
		Severity: SeverityCritical,
		Title:    "Circuit breaker tripped",
		Body:     fmt.Sprintf("%d mid-flight failures since %s", failures, windowStart.UTC().Format(time.RFC3339)),
		Fields:   []Field{{"asset", asset.Hex()}},
	}
}

// ProposalExecutedMessage reports an executed timelock proposal.
func ProposalExecutedMessage(p domain.Proposal, by common.Address) Message {
	return Message{
		Event:    EventProposalExecuted,
		Severity: SeverityWarn,
		Title:    "Proposal executed",
		Body:     p.Description,
		Fields: []Field{
			{"id", p.ID.Hex()},
			{"target", p.Target},
			{"executed_by", by.Hex()},
		},
	}
}

// PauseMessage reports the pause switch changing state.
func PauseMessage(paused bool, by common.Address) Message {
	msg := Message{
		Event:    EventUnpaused,
		Severity: SeverityWarn,
		Title:    "Engine unpaused",
		Fields:   []Field{{"by", by.Hex()}},
	}
	if paused {
		msg.Event = EventPaused
		msg.Severity = SeverityCritical
		msg.Title = "Engine paused"
	}
	return msg
}
