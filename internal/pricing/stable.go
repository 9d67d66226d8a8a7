package pricing

import "github.com/holiman/uint256"

// APrecision is the scale of the stored amplification coefficient.
const APrecision = 100

// MaxIterations bounds every Newton loop in this file.
const MaxIterations = 255

var aPrecision = uint256.NewInt(APrecision)

// StablePool is the state needed to price a stable-swap pool. Balances must
// share one precision. Amp is A*APrecision, with A already scaled by
// n^(n-1) the way stable-swap pools store it. Fee is a fixed-point fraction
// taken from the output.
type StablePool struct {
	Balances []*uint256.Int
	Amp      *uint256.Int
	Fee      *uint256.Int
}

func (p StablePool) validate(op string) error {
	if len(p.Balances) < 2 {
		return fail(op, ErrInvalidInput)
	}
	if p.Amp == nil || p.Amp.IsZero() {
		return fail(op, ErrInvalidInput)
	}
	if p.Fee != nil && p.Fee.Cmp(One) >= 0 {
		return fail(op, ErrInvalidInput)
	}
	return nil
}

// ComputeD solves the stable-swap invariant for D by Newton's method.
func ComputeD(balances []*uint256.Int, amp *uint256.Int) (*uint256.Int, error) {
	n := uint256.NewInt(uint64(len(balances)))
	sum := new(uint256.Int)
	zeros := 0
	for _, b := range balances {
		if b.IsZero() {
			zeros++
		}
		var err error
		if sum, err = add(sum, b); err != nil {
			return nil, fail("compute_d", err)
		}
	}
	if sum.IsZero() {
		return new(uint256.Int), nil
	}
	if zeros > 0 {
		return nil, fail("compute_d", ErrZeroBalance)
	}

	ann, err := mul(amp, n)
	if err != nil {
		return nil, fail("compute_d", err)
	}
	annS, err := mulDiv(ann, sum, aPrecision)
	if err != nil {
		return nil, fail("compute_d", err)
	}
	annLess := new(uint256.Int)
	if ann.Gt(aPrecision) {
		annLess.Sub(ann, aPrecision)
	}
	nPlusOne := new(uint256.Int).AddUint64(n, 1)

	d := sum.Clone()
	for i := 0; i < MaxIterations; i++ {
		dp := d.Clone()
		for _, x := range balances {
			xn, err := mul(x, n)
			if err != nil {
				return nil, fail("compute_d", err)
			}
			if dp, err = mulDiv(dp, d, xn); err != nil {
				return nil, fail("compute_d", err)
			}
		}
		prev := d

		// d = (annS + dp*n) * d / ((ann-A_PREC)*d/A_PREC + (n+1)*dp)
		dpn, err := mul(dp, n)
		if err != nil {
			return nil, fail("compute_d", err)
		}
		numer, err := add(annS, dpn)
		if err != nil {
			return nil, fail("compute_d", err)
		}
		left, err := mulDiv(annLess, d, aPrecision)
		if err != nil {
			return nil, fail("compute_d", err)
		}
		right, err := mul(nPlusOne, dp)
		if err != nil {
			return nil, fail("compute_d", err)
		}
		denom, err := add(left, right)
		if err != nil {
			return nil, fail("compute_d", err)
		}
		if d, err = mulDiv(numer, d, denom); err != nil {
			return nil, fail("compute_d", err)
		}
		if absDiff(d, prev).CmpUint64(1) <= 0 {
			return d, nil
		}
	}
	return nil, fail("compute_d", ErrNotConverged)
}

// GetY returns the balance of token j that keeps the invariant at d when the
// balance of token i is set to x.
func GetY(i, j int, x *uint256.Int, balances []*uint256.Int, amp, d *uint256.Int) (*uint256.Int, error) {
	count := len(balances)
	if i == j || i < 0 || j < 0 || i >= count || j >= count {
		return nil, fail("get_y", ErrInvalidInput)
	}
	if x.IsZero() {
		return nil, fail("get_y", ErrZeroBalance)
	}
	n := uint256.NewInt(uint64(count))
	ann, err := mul(amp, n)
	if err != nil {
		return nil, fail("get_y", err)
	}
	if ann.IsZero() {
		return nil, fail("get_y", ErrInvalidInput)
	}

	c := d.Clone()
	s := new(uint256.Int)
	for k := 0; k < count; k++ {
		var xk *uint256.Int
		switch k {
		case i:
			xk = x
		case j:
			continue
		default:
			xk = balances[k]
		}
		if xk.IsZero() {
			return nil, fail("get_y", ErrZeroBalance)
		}
		if s, err = add(s, xk); err != nil {
			return nil, fail("get_y", err)
		}
		xn, err := mul(xk, n)
		if err != nil {
			return nil, fail("get_y", err)
		}
		if c, err = mulDiv(c, d, xn); err != nil {
			return nil, fail("get_y", err)
		}
	}
	// c = c * d * A_PREC / (ann * n)
	annN, err := mul(ann, n)
	if err != nil {
		return nil, fail("get_y", err)
	}
	dA, err := mul(d, aPrecision)
	if err != nil {
		return nil, fail("get_y", err)
	}
	if c, err = mulDiv(c, dA, annN); err != nil {
		return nil, fail("get_y", err)
	}
	dOverAnn, err := mulDiv(d, aPrecision, ann)
	if err != nil {
		return nil, fail("get_y", err)
	}
	b, err := add(s, dOverAnn)
	if err != nil {
		return nil, fail("get_y", err)
	}

	y := d.Clone()
	for iter := 0; iter < MaxIterations; iter++ {
		prev := y
		// y = (y*y + c) / (2*y + b - d)
		yy, err := mul(y, y)
		if err != nil {
			return nil, fail("get_y", err)
		}
		numer, err := add(yy, c)
		if err != nil {
			return nil, fail("get_y", err)
		}
		twoY, err := add(y, y)
		if err != nil {
			return nil, fail("get_y", err)
		}
		denom, err := add(twoY, b)
		if err != nil {
			return nil, fail("get_y", err)
		}
		if denom.Cmp(d) <= 0 {
			return nil, fail("get_y", ErrNotConverged)
		}
		denom.Sub(denom, d)
		y = new(uint256.Int).Div(numer, denom)
		if absDiff(y, prev).CmpUint64(1) <= 0 {
			return y, nil
		}
	}
	return nil, fail("get_y", ErrNotConverged)
}

// GetDy returns the output of token j for dx of token i, net of the pool fee.
func GetDy(i, j int, dx *uint256.Int, pool StablePool) (*uint256.Int, error) {
	if err := pool.validate("get_dy"); err != nil {
		return nil, err
	}
	if i < 0 || j < 0 || i >= len(pool.Balances) || j >= len(pool.Balances) {
		return nil, fail("get_dy", ErrInvalidInput)
	}
	d, err := ComputeD(pool.Balances, pool.Amp)
	if err != nil {
		return nil, err
	}
	x, err := add(pool.Balances[i], dx)
	if err != nil {
		return nil, fail("get_dy", err)
	}
	y, err := GetY(i, j, x, pool.Balances, pool.Amp, d)
	if err != nil {
		return nil, err
	}
	// One unit is held back against rounding in the pool's favour.
	y.AddUint64(y, 1)
	if y.Cmp(pool.Balances[j]) >= 0 {
		return new(uint256.Int), nil
	}
	dy := new(uint256.Int).Sub(pool.Balances[j], y)
	fee := new(uint256.Int)
	if pool.Fee != nil {
		if fee, err = MulDown(dy, pool.Fee); err != nil {
			return nil, fail("get_dy", err)
		}
	}
	return dy.Sub(dy, fee), nil
}

// GetDx returns the input of token i needed to receive dy of token j after
// the pool fee.
func GetDx(i, j int, dy *uint256.Int, pool StablePool) (*uint256.Int, error) {
	if err := pool.validate("get_dx"); err != nil {
		return nil, err
	}
	if i < 0 || j < 0 || i >= len(pool.Balances) || j >= len(pool.Balances) {
		return nil, fail("get_dx", ErrInvalidInput)
	}
	d, err := ComputeD(pool.Balances, pool.Amp)
	if err != nil {
		return nil, err
	}
	gross := dy.Clone()
	if pool.Fee != nil && !pool.Fee.IsZero() {
		if gross, err = DivUp(dy, Complement(pool.Fee)); err != nil {
			return nil, fail("get_dx", err)
		}
	}
	gross.AddUint64(gross, 1)
	if gross.Cmp(pool.Balances[j]) >= 0 {
		return nil, fail("get_dx", ErrInvalidInput)
	}
	y := new(uint256.Int).Sub(pool.Balances[j], gross)
	x, err := GetY(j, i, y, pool.Balances, pool.Amp, d)
	if err != nil {
		return nil, err
	}
	if x.Cmp(pool.Balances[i]) <= 0 {
		return new(uint256.Int), nil
	}
	return new(uint256.Int).Sub(x, pool.Balances[i]), nil
}

// VirtualPrice returns D/supply in fixed point.
func VirtualPrice(balances []*uint256.Int, amp, supply *uint256.Int) (*uint256.Int, error) {
	if supply.IsZero() {
		return nil, fail("virtual_price", ErrZeroBalance)
	}
	d, err := ComputeD(balances, amp)
	if err != nil {
		return nil, err
	}
	vp, err := DivDown(d, supply)
	if err != nil {
		return nil, fail("virtual_price", err)
	}
	return vp, nil
}
