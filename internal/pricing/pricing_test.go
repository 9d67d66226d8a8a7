package pricing

import (
	"errors"
	"math"
	"math/big"
	"testing"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fp(s string) *uint256.Int {
	// s is a decimal with up to 18 fractional digits.
	whole, frac := s, ""
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			whole, frac = s[:i], s[i+1:]
			break
		}
	}
	for len(frac) < Decimals {
		frac += "0"
	}
	return uint256.MustFromDecimal(whole + frac)
}

func toFloat(v *uint256.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v.ToBig()), big.NewFloat(1e18)).Float64()
	return f
}

func TestPowExactPoints(t *testing.T) {
	cases := []struct {
		base, exp, want string
	}{
		{"4", "0.5", "2"},
		{"2", "2", "4"},
		{"9", "1.5", "27"},
		{"7.25", "0", "1"},
		{"0.1", "1", "0.1"},
	}
	for _, tc := range cases {
		got, err := Pow(fp(tc.base), fp(tc.exp))
		require.NoError(t, err, "%s^%s", tc.base, tc.exp)
		assert.Equal(t, fp(tc.want).Dec(), got.Dec(), "%s^%s", tc.base, tc.exp)
	}
}

func TestPowMatchesFloat(t *testing.T) {
	cases := []struct{ base, exp string }{
		{"2", "0.5"},
		{"0.5", "0.25"},
		{"1.05", "1.3"},
		{"9.5", "0.75"},
		{"0.15", "1.999"},
	}
	for _, tc := range cases {
		got, err := Pow(fp(tc.base), fp(tc.exp))
		require.NoError(t, err)
		want := math.Pow(toFloat(fp(tc.base)), toFloat(fp(tc.exp)))
		assert.InEpsilon(t, want, toFloat(got), 1e-12, "%s^%s", tc.base, tc.exp)
	}
}

func TestPowRejectsOutOfDomain(t *testing.T) {
	cases := []struct{ base, exp string }{
		{"0.09", "1"},
		{"10.000000000000000001", "1"},
		{"2", "2.000000000000000001"},
		{"0", "0"},
	}
	for _, tc := range cases {
		_, err := Pow(fp(tc.base), fp(tc.exp))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrPowDomain), "%s^%s: %v", tc.base, tc.exp, err)
		assert.True(t, errors.Is(err, domain.ErrMathDomain))
	}
}

func TestSpotPrice(t *testing.T) {
	got, err := SpotPrice(fp("1000"), fp("0.5"), fp("2000"), fp("0.5"))
	require.NoError(t, err)
	assert.Equal(t, fp("0.5").Dec(), got.Dec())

	_, err = SpotPrice(new(uint256.Int), fp("0.5"), fp("2000"), fp("0.5"))
	assert.ErrorIs(t, err, ErrZeroBalance)
}

func TestOutGivenInEqualWeightsMatchesConstantProduct(t *testing.T) {
	out, err := OutGivenIn(fp("1000"), fp("0.5"), fp("1000"), fp("0.5"), fp("10"), new(uint256.Int))
	require.NoError(t, err)
	want := 1000.0 * 10.0 / 1010.0
	assert.InEpsilon(t, want, toFloat(out), 1e-9)
	// rounding favours the pool
	assert.Less(t, toFloat(out), want)
}

func TestOutGivenInAppliesFee(t *testing.T) {
	noFee, err := OutGivenIn(fp("1000"), fp("0.5"), fp("1000"), fp("0.5"), fp("10"), new(uint256.Int))
	require.NoError(t, err)
	withFee, err := OutGivenIn(fp("1000"), fp("0.5"), fp("1000"), fp("0.5"), fp("10"), fp("0.003"))
	require.NoError(t, err)
	assert.True(t, withFee.Lt(noFee))
}

func TestOutGivenInDomain(t *testing.T) {
	// weight ratio 4 is outside the pow exponent domain
	_, err := OutGivenIn(fp("1000"), fp("0.8"), fp("1000"), fp("0.2"), fp("1"), new(uint256.Int))
	assert.ErrorIs(t, err, ErrPowDomain)

	// more than 9x the input balance drives the base under 0.1
	_, err = OutGivenIn(fp("100"), fp("0.5"), fp("100"), fp("0.5"), fp("901"), new(uint256.Int))
	assert.ErrorIs(t, err, ErrPowDomain)

	_, err = OutGivenIn(fp("100"), fp("0.5"), new(uint256.Int), fp("0.5"), fp("1"), new(uint256.Int))
	assert.ErrorIs(t, err, ErrZeroBalance)
}

func TestInGivenOutCoversOutGivenIn(t *testing.T) {
	in, err := InGivenOut(fp("5000"), fp("0.6"), fp("3000"), fp("0.4"), fp("25"), fp("0.001"))
	require.NoError(t, err)
	out, err := OutGivenIn(fp("5000"), fp("0.6"), fp("3000"), fp("0.4"), in, fp("0.001"))
	require.NoError(t, err)
	assert.True(t, out.Cmp(fp("24.9999999")) >= 0, "out %s", out.Dec())

	_, err = InGivenOut(fp("5000"), fp("0.6"), fp("3000"), fp("0.4"), fp("3000"), new(uint256.Int))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func balanced(n int, b string) []*uint256.Int {
	out := make([]*uint256.Int, n)
	for i := range out {
		out[i] = fp(b)
	}
	return out
}

func TestComputeDBalancedPool(t *testing.T) {
	amp := uint256.NewInt(100 * APrecision)
	bal := balanced(3, "1000000")
	d, err := ComputeD(bal, amp)
	require.NoError(t, err)
	want := new(uint256.Int).Mul(fp("1000000"), uint256.NewInt(3))
	assert.LessOrEqual(t, absDiff(d, want).Uint64(), uint64(1), "D=%s", d.Dec())

	vp, err := VirtualPrice(bal, amp, want)
	require.NoError(t, err)
	assert.LessOrEqual(t, absDiff(vp, One).Uint64(), uint64(1))
}

func TestComputeDEdgeCases(t *testing.T) {
	amp := uint256.NewInt(200 * APrecision)
	d, err := ComputeD(balanced(2, "0"), amp)
	require.NoError(t, err)
	assert.True(t, d.IsZero())

	_, err = ComputeD([]*uint256.Int{fp("10"), new(uint256.Int)}, amp)
	assert.ErrorIs(t, err, ErrZeroBalance)
	assert.NotErrorIs(t, err, ErrNotConverged)
}

func TestComputeDImbalancedBelowSum(t *testing.T) {
	amp := uint256.NewInt(50 * APrecision)
	bal := []*uint256.Int{fp("1500000"), fp("1000000"), fp("500000")}
	d, err := ComputeD(bal, amp)
	require.NoError(t, err)
	sum := fp("3000000")
	assert.True(t, d.Lt(sum))
	assert.True(t, d.Gt(fp("2990000")))
}

func TestGetDyAndGetDx(t *testing.T) {
	pool := StablePool{
		Balances: balanced(3, "1000000"),
		Amp:      uint256.NewInt(100 * APrecision),
		Fee:      fp("0.0004"),
	}
	dy, err := GetDy(0, 1, fp("1000"), pool)
	require.NoError(t, err)
	assert.True(t, dy.Lt(fp("1000")))
	assert.True(t, dy.Gt(fp("999.5")), "dy %s", dy.Dec())

	dx, err := GetDx(0, 1, dy, pool)
	require.NoError(t, err)
	back, err := GetDy(0, 1, dx, pool)
	require.NoError(t, err)
	assert.LessOrEqual(t, absDiff(back, dy).Uint64(), uint64(1000), "dx %s returns %s, want %s", dx.Dec(), back.Dec(), dy.Dec())
}

func TestGetYRejectsBadIndexes(t *testing.T) {
	bal := balanced(2, "10")
	amp := uint256.NewInt(100 * APrecision)
	d, err := ComputeD(bal, amp)
	require.NoError(t, err)
	_, err = GetY(0, 0, fp("11"), bal, amp, d)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = GetY(0, 2, fp("11"), bal, amp, d)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDetectDepeg(t *testing.T) {
	flags, err := DetectDepeg(balanced(3, "100"), 10)
	require.NoError(t, err)
	assert.Empty(t, flags)

	bal := []*uint256.Int{fp("150"), fp("75"), fp("75")}
	flags, err = DetectDepeg(bal, 3000)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, 0, flags[0].Index)
	assert.Equal(t, uint64(5000), flags[0].DeviationBps)

	flags, err = DetectDepeg(bal, 1000)
	require.NoError(t, err)
	assert.Len(t, flags, 3)

	_, err = DetectDepeg(balanced(3, "0"), 10)
	assert.ErrorIs(t, err, ErrZeroBalance)
}
