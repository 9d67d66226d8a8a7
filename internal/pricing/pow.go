package pricing

import "github.com/holiman/uint256"

// maxPowRounds bounds the number of square roots taken for the fractional
// part of the exponent. 2^-64 is below the fixed-point resolution.
const maxPowRounds = 64

// maxPowRelativeError is the relative error budget added by PowUp, in fixed
// point (1e-14).
var maxPowRelativeError = uint256.NewInt(10_000)

var (
	minPowBase = uint256.NewInt(100_000_000_000_000_000)    // 0.1
	maxPowBase = uint256.NewInt(10_000_000_000_000_000_000) // 10
	maxPowExp  = uint256.NewInt(2_000_000_000_000_000_000)  // 2
)

// Pow returns base^exp for base in [0.1, 10] and exp in [0, 2], both in fixed
// point. The integer part of the exponent is applied by multiplication and the
// fractional part by walking its binary expansion, taking one square root of
// the base per bit.
func Pow(base, exp *uint256.Int) (*uint256.Int, error) {
	if base.Lt(minPowBase) || base.Gt(maxPowBase) || exp.Gt(maxPowExp) {
		return nil, fail("pow", ErrPowDomain)
	}
	if exp.IsZero() {
		return One.Clone(), nil
	}

	whole := new(uint256.Int).Div(exp, One).Uint64()
	frac := new(uint256.Int).Mod(exp, One)

	result := One.Clone()
	for i := uint64(0); i < whole; i++ {
		var err error
		if result, err = MulDown(result, base); err != nil {
			return nil, fail("pow", err)
		}
	}

	root := base.Clone()
	two := uint256.NewInt(2)
	for round := 0; round < maxPowRounds && !frac.IsZero(); round++ {
		scaled, err := mul(root, One)
		if err != nil {
			return nil, fail("pow", err)
		}
		root = new(uint256.Int).Sqrt(scaled)

		frac.Mul(frac, two)
		if frac.Cmp(One) >= 0 {
			frac.Sub(frac, One)
			if result, err = MulDown(result, root); err != nil {
				return nil, fail("pow", err)
			}
		}
	}
	return result, nil
}

// PowUp is Pow rounded up by the kernel's relative error bound.
func PowUp(base, exp *uint256.Int) (*uint256.Int, error) {
	raw, err := Pow(base, exp)
	if err != nil {
		return nil, err
	}
	slack, err := MulUp(raw, maxPowRelativeError)
	if err != nil {
		return nil, fail("pow", err)
	}
	out, err := add(raw, slack)
	if err != nil {
		return nil, fail("pow", err)
	}
	return out.AddUint64(out, 1), nil
}

// PowDown is Pow rounded down by the kernel's relative error bound.
func PowDown(base, exp *uint256.Int) (*uint256.Int, error) {
	raw, err := Pow(base, exp)
	if err != nil {
		return nil, err
	}
	slack, err := MulUp(raw, maxPowRelativeError)
	if err != nil {
		return nil, fail("pow", err)
	}
	slack.AddUint64(slack, 1)
	if slack.Gt(raw) {
		return new(uint256.Int), nil
	}
	return new(uint256.Int).Sub(raw, slack), nil
}
