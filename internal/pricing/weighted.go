package pricing

import "github.com/holiman/uint256"

// maxInRatio caps a weighted-pool trade at 9x the input balance, which keeps
// the pow base at or above 0.1.
var maxInRatio = uint256.NewInt(9)

// SpotPrice returns (balanceIn/weightIn)/(balanceOut/weightOut): the amount of
// the input token paid per unit of output at zero size. Weights are fixed
// point fractions.
func SpotPrice(balanceIn, weightIn, balanceOut, weightOut *uint256.Int) (*uint256.Int, error) {
	if balanceIn.IsZero() || balanceOut.IsZero() {
		return nil, fail("spot_price", ErrZeroBalance)
	}
	if weightIn.IsZero() || weightOut.IsZero() {
		return nil, fail("spot_price", ErrInvalidInput)
	}
	numer, err := DivDown(balanceIn, weightIn)
	if err != nil {
		return nil, fail("spot_price", err)
	}
	denom, err := DivDown(balanceOut, weightOut)
	if err != nil {
		return nil, fail("spot_price", err)
	}
	price, err := DivDown(numer, denom)
	if err != nil {
		return nil, fail("spot_price", err)
	}
	return price, nil
}

// OutGivenIn returns
//
//	balanceOut * (1 - (balanceIn / (balanceIn + amountIn*(1-fee))) ^ (weightIn/weightOut))
//
// rounding against the trader. fee is a fixed-point fraction.
func OutGivenIn(balanceIn, weightIn, balanceOut, weightOut, amountIn, fee *uint256.Int) (*uint256.Int, error) {
	if balanceIn.IsZero() || balanceOut.IsZero() {
		return nil, fail("out_given_in", ErrZeroBalance)
	}
	if weightIn.IsZero() || weightOut.IsZero() || fee.Cmp(One) >= 0 {
		return nil, fail("out_given_in", ErrInvalidInput)
	}
	if amountIn.IsZero() {
		return new(uint256.Int), nil
	}

	adjusted, err := MulDown(amountIn, Complement(fee))
	if err != nil {
		return nil, fail("out_given_in", err)
	}
	limit, err := mul(balanceIn, maxInRatio)
	if err != nil {
		return nil, fail("out_given_in", err)
	}
	if adjusted.Gt(limit) {
		return nil, fail("out_given_in", ErrPowDomain)
	}
	denom, err := add(balanceIn, adjusted)
	if err != nil {
		return nil, fail("out_given_in", err)
	}
	base, err := DivUp(balanceIn, denom)
	if err != nil {
		return nil, fail("out_given_in", err)
	}
	exp, err := DivDown(weightIn, weightOut)
	if err != nil {
		return nil, fail("out_given_in", err)
	}
	power, err := PowUp(base, exp)
	if err != nil {
		return nil, err
	}
	out, err := MulDown(balanceOut, Complement(power))
	if err != nil {
		return nil, fail("out_given_in", err)
	}
	return out, nil
}

// InGivenOut returns the input needed to take amountOut from the pool:
//
//	balanceIn * ((balanceOut / (balanceOut - amountOut)) ^ (weightOut/weightIn) - 1) / (1-fee)
func InGivenOut(balanceIn, weightIn, balanceOut, weightOut, amountOut, fee *uint256.Int) (*uint256.Int, error) {
	if balanceIn.IsZero() || balanceOut.IsZero() {
		return nil, fail("in_given_out", ErrZeroBalance)
	}
	if weightIn.IsZero() || weightOut.IsZero() || fee.Cmp(One) >= 0 {
		return nil, fail("in_given_out", ErrInvalidInput)
	}
	if amountOut.Cmp(balanceOut) >= 0 {
		return nil, fail("in_given_out", ErrInvalidInput)
	}
	if amountOut.IsZero() {
		return new(uint256.Int), nil
	}

	remaining := new(uint256.Int).Sub(balanceOut, amountOut)
	base, err := DivUp(balanceOut, remaining)
	if err != nil {
		return nil, fail("in_given_out", err)
	}
	exp, err := DivUp(weightOut, weightIn)
	if err != nil {
		return nil, fail("in_given_out", err)
	}
	power, err := PowUp(base, exp)
	if err != nil {
		return nil, err
	}
	ratio, err := sub(power, One)
	if err != nil {
		return nil, fail("in_given_out", err)
	}
	noFee, err := MulUp(balanceIn, ratio)
	if err != nil {
		return nil, fail("in_given_out", err)
	}
	in, err := DivUp(noFee, Complement(fee))
	if err != nil {
		return nil, fail("in_given_out", err)
	}
	return in, nil
}
