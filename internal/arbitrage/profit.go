package arbitrage

import (
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// CostModel is the fixed cost stack, in basis points, that a spread has to
// clear. The default is 9 bps borrow premium, 5 bps gas buffer and 9 bps
// margin.
type CostModel struct {
	BorrowFeeBps int64
	GasBufferBps int64
	MarginBps    int64
}

// DefaultCostModel returns the 9+5+9 cost stack.
func DefaultCostModel() CostModel {
	return CostModel{BorrowFeeBps: 9, GasBufferBps: 5, MarginBps: 9}
}

// TotalBps is the minimum spread, in basis points, worth executing.
func (c CostModel) TotalBps() int64 {
	return c.BorrowFeeBps + c.GasBufferBps + c.MarginBps
}

// Opportunity is the evaluation of one spread.
type Opportunity struct {
	Implied    decimal.Decimal `json:"implied"`
	External   decimal.Decimal `json:"external"`
	SpreadBps  decimal.Decimal `json:"spread_bps"`
	Profitable bool            `json:"profitable"`
	NetProfit  decimal.Decimal `json:"net_profit"`
}

// Calculator evaluates spreads against a cost model.
type Calculator struct {
	costs CostModel
}

// NewCalculator creates a Calculator for the given cost model.
func NewCalculator(costs CostModel) *Calculator {
	return &Calculator{costs: costs}
}

// Costs returns the cost model in use.
func (c *Calculator) Costs() CostModel { return c.costs }

// MinSpreadBps returns the profitability threshold.
func (c *Calculator) MinSpreadBps() decimal.Decimal {
	return decimal.NewFromInt(c.costs.TotalBps())
}

// IsProfitable reports whether |spreadBps| reaches the threshold.
func (c *Calculator) IsProfitable(spreadBps decimal.Decimal) bool {
	return spreadBps.Abs().GreaterThanOrEqual(c.MinSpreadBps())
}

// NetProfit returns
//
//	max(0, amount*|spread|/10000 - amount*total_cost/10000 - externalCost)
func (c *Calculator) NetProfit(amount, spreadBps, externalCost decimal.Decimal) decimal.Decimal {
	gross := amount.Mul(spreadBps.Abs()).Div(bpsScale)
	cost := amount.Mul(c.MinSpreadBps()).Div(bpsScale)
	net := gross.Sub(cost).Sub(externalCost)
	if net.IsNegative() {
		return decimal.Zero
	}
	return net
}

// Evaluate computes the spread between implied and external and the net
// profit of trading amount on it.
func (c *Calculator) Evaluate(implied, external, amount, externalCost decimal.Decimal) (Opportunity, error) {
	spread, err := SpreadBps(implied, external)
	if err != nil {
		return Opportunity{}, err
	}
	opp := Opportunity{
		Implied:    implied,
		External:   external,
		SpreadBps:  spread,
		Profitable: c.IsProfitable(spread),
	}
	if opp.Profitable {
		opp.NetProfit = c.NetProfit(amount, spread, externalCost)
	}
	return opp, nil
}

// EvaluateCycle compounds the prices around a cycle and applies the same test
// to the compounded rate against parity.
func (c *Calculator) EvaluateCycle(amount, externalCost decimal.Decimal, prices ...decimal.Decimal) (Opportunity, error) {
	compounded, err := CompoundCycle(prices...)
	if err != nil {
		return Opportunity{}, err
	}
	return c.Evaluate(compounded, decimal.NewFromInt(1), amount, externalCost)
}

// CostEstimate returns amount*total_cost/10000 in base units.
func (c *Calculator) CostEstimate(amount *uint256.Int) *uint256.Int {
	if amount == nil {
		return new(uint256.Int)
	}
	total := c.costs.TotalBps()
	if total <= 0 {
		return new(uint256.Int)
	}
	out, overflow := new(uint256.Int).MulDivOverflow(amount, uint256.NewInt(uint64(total)), uint256.NewInt(10_000))
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return out
}

// Units converts a base-unit amount to a decimal.
func Units(v *uint256.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.ToBig(), 0)
}
