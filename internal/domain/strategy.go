package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BreakerLimits are the circuit-breaker caps for one asset.
type BreakerLimits struct {
	MaxVolumePerWindow   *uint256.Int  `json:"max_volume_per_window"`
	Window               time.Duration `json:"window"`
	MaxSlippageBps       uint32        `json:"max_slippage_bps"`
	MinProfitFloor       *uint256.Int  `json:"min_profit_floor"`
	MaxAttemptsPerWindow int           `json:"max_attempts_per_window"`
	MaxFailures          int           `json:"max_failures"`
}

// AssetStrategy holds the governance-controlled parameters of one borrowable
// asset.
type AssetStrategy struct {
	Asset          common.Address `json:"asset"`
	Symbol         string         `json:"symbol"`
	MinProfitFloor *uint256.Int   `json:"min_profit_floor"`
	MaxBorrow      *uint256.Int   `json:"max_borrow"`
	Limits         BreakerLimits  `json:"limits"`
}

// EffectiveMinProfit returns the larger of the caller's minimum and the
// configured floor.
func (s AssetStrategy) EffectiveMinProfit(callerMin *uint256.Int) *uint256.Int {
	floor := s.MinProfitFloor
	if floor == nil {
		floor = new(uint256.Int)
	}
	if callerMin == nil || floor.Gt(callerMin) {
		return floor.Clone()
	}
	return callerMin.Clone()
}
