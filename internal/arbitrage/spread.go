// Package arbitrage computes the spread between two price observations and
// whether acting on it clears the fixed cost stack of a borrowed round trip.
package arbitrage

import (
	"errors"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/shopspring/decimal"
)

// ErrNonPositivePrice is returned when a spread is requested over a zero or
// negative price.
var ErrNonPositivePrice = errors.New("prices must be positive")

var bpsScale = decimal.NewFromInt(10_000)

// SpreadBps returns (implied-external)*10000/external. The sign tells which
// side is rich: positive when implied is above external.
func SpreadBps(implied, external decimal.Decimal) (decimal.Decimal, error) {
	if !implied.IsPositive() || !external.IsPositive() {
		return decimal.Zero, &domain.MathDomainError{Op: "spread_bps", Err: ErrNonPositivePrice}
	}
	return implied.Sub(external).Mul(bpsScale).Div(external), nil
}

// CompoundCycle multiplies the pairwise prices around a cycle. A result above
// one means walking the cycle returns more than it started with.
func CompoundCycle(prices ...decimal.Decimal) (decimal.Decimal, error) {
	if len(prices) < 2 {
		return decimal.Zero, &domain.MathDomainError{Op: "compound_cycle", Err: errors.New("cycle needs at least two prices")}
	}
	out := decimal.NewFromInt(1)
	for _, p := range prices {
		if !p.IsPositive() {
			return decimal.Zero, &domain.MathDomainError{Op: "compound_cycle", Err: ErrNonPositivePrice}
		}
		out = out.Mul(p)
	}
	return out, nil
}
