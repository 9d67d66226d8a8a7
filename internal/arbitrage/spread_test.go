package arbitrage

import (
	"testing"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSpreadBps(t *testing.T) {
	cases := []struct {
		implied, external, want string
	}{
		{"1.0025", "1.0", "25"},
		{"0.9975", "1.0", "-25"},
		{"1", "1", "0"},
		{"3521.17", "3521.17", "0"},
		{"2.0046", "2", "23"},
	}
	for _, tc := range cases {
		got, err := SpreadBps(d(tc.implied), d(tc.external))
		require.NoError(t, err)
		assert.True(t, got.Equal(d(tc.want)), "spread(%s,%s)=%s", tc.implied, tc.external, got)
	}
}

func TestSpreadBpsRejectsNonPositive(t *testing.T) {
	_, err := SpreadBps(decimal.Zero, d("1"))
	assert.ErrorIs(t, err, domain.ErrMathDomain)
	_, err = SpreadBps(d("1"), d("-1"))
	assert.ErrorIs(t, err, ErrNonPositivePrice)
}

func TestThresholdIsCostStack(t *testing.T) {
	calc := NewCalculator(DefaultCostModel())
	assert.Equal(t, int64(23), calc.Costs().TotalBps())
	assert.True(t, calc.IsProfitable(d("23")))
	assert.True(t, calc.IsProfitable(d("-23")))
	assert.False(t, calc.IsProfitable(d("22")))
	assert.False(t, calc.IsProfitable(d("22.99")))
}

func TestNetProfit(t *testing.T) {
	calc := NewCalculator(DefaultCostModel())
	amount := d("1000000")

	assert.True(t, calc.NetProfit(amount, d("23"), decimal.Zero).IsZero())
	assert.True(t, calc.NetProfit(amount, d("10"), decimal.Zero).IsZero())
	assert.True(t, calc.NetProfit(amount, d("33"), decimal.Zero).Equal(d("1000")))
	assert.True(t, calc.NetProfit(amount, d("-33"), d("400")).Equal(d("600")))
	assert.True(t, calc.NetProfit(amount, d("33"), d("5000")).IsZero())
}

func TestEvaluate(t *testing.T) {
	calc := NewCalculator(DefaultCostModel())
	opp, err := calc.Evaluate(d("1.0022"), d("1"), d("1000000"), decimal.Zero)
	require.NoError(t, err)
	assert.False(t, opp.Profitable)
	assert.True(t, opp.NetProfit.IsZero())

	opp, err = calc.Evaluate(d("1.005"), d("1"), d("1000000"), decimal.Zero)
	require.NoError(t, err)
	assert.True(t, opp.Profitable)
	assert.True(t, opp.NetProfit.Equal(d("2700")), "net %s", opp.NetProfit)
}

func TestEvaluateCycle(t *testing.T) {
	calc := NewCalculator(DefaultCostModel())

	// 0.998 * 1.0015 * 1.0029 compounds to about +24 bps
	opp, err := calc.EvaluateCycle(d("1000000"), decimal.Zero, d("0.998"), d("1.0015"), d("1.0029"))
	require.NoError(t, err)
	assert.True(t, opp.Profitable, "spread %s", opp.SpreadBps)
	assert.True(t, opp.SpreadBps.GreaterThan(d("23")))

	opp, err = calc.EvaluateCycle(d("1000000"), decimal.Zero, d("0.998"), d("1.0005"), d("1.001"))
	require.NoError(t, err)
	assert.False(t, opp.Profitable)

	_, err = CompoundCycle(d("1"))
	assert.ErrorIs(t, err, domain.ErrMathDomain)
}

func TestCostEstimate(t *testing.T) {
	calc := NewCalculator(DefaultCostModel())
	got := calc.CostEstimate(uint256.NewInt(1_000_000))
	assert.Equal(t, uint64(2300), got.Uint64())
	assert.True(t, calc.CostEstimate(nil).IsZero())
}

func TestCustomCostModel(t *testing.T) {
	calc := NewCalculator(CostModel{BorrowFeeBps: 5, GasBufferBps: 2, MarginBps: 3})
	assert.True(t, calc.IsProfitable(d("10")))
	assert.False(t, calc.IsProfitable(d("9.9")))
	assert.True(t, Units(uint256.NewInt(42)).Equal(d("42")))
}
