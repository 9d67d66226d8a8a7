// Package pricing implements the AMM pricing kernels used by the venue
// adapters: weighted constant-product pools and stable-swap pools. All values
// are unsigned 18-decimal fixed point on uint256 and every failure is returned
// as a *domain.MathDomainError.
package pricing

import (
	"errors"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/holiman/uint256"
)

var (
	ErrZeroBalance  = errors.New("zero balance")
	ErrPowDomain    = errors.New("base or exponent outside supported domain")
	ErrNotConverged = errors.New("newton iteration did not converge")
	ErrOverflow     = errors.New("arithmetic overflow")
	ErrInvalidInput = errors.New("invalid input")
)

// Decimals is the number of fractional digits of the fixed-point format.
const Decimals = 18

// One is 1.0 in fixed point.
var One = uint256.NewInt(1_000_000_000_000_000_000)

// Bps is 1 basis point in fixed point.
var Bps = uint256.NewInt(100_000_000_000_000)

func fail(op string, err error) error { return &domain.MathDomainError{Op: op, Err: err} }

// FromUnits returns n as a fixed-point value.
func FromUnits(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), One)
}

// FromBps returns bps basis points as a fixed-point fraction.
func FromBps(bps uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(bps), Bps)
}

func add(a, b *uint256.Int) (*uint256.Int, error) {
	z, over := new(uint256.Int).AddOverflow(a, b)
	if over {
		return nil, ErrOverflow
	}
	return z, nil
}

func sub(a, b *uint256.Int) (*uint256.Int, error) {
	z, under := new(uint256.Int).SubOverflow(a, b)
	if under {
		return nil, ErrOverflow
	}
	return z, nil
}

func mul(a, b *uint256.Int) (*uint256.Int, error) {
	z, over := new(uint256.Int).MulOverflow(a, b)
	if over {
		return nil, ErrOverflow
	}
	return z, nil
}

// mulDiv returns a*b/d with a 512-bit intermediate.
func mulDiv(a, b, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrInvalidInput
	}
	z, over := new(uint256.Int).MulDivOverflow(a, b, d)
	if over {
		return nil, ErrOverflow
	}
	return z, nil
}

// mulDivUp is mulDiv rounded towards positive infinity.
func mulDivUp(a, b, d *uint256.Int) (*uint256.Int, error) {
	z, err := mulDiv(a, b, d)
	if err != nil {
		return nil, err
	}
	if !new(uint256.Int).MulMod(a, b, d).IsZero() {
		return add(z, uint256.NewInt(1))
	}
	return z, nil
}

// MulDown returns a*b in fixed point, rounded down.
func MulDown(a, b *uint256.Int) (*uint256.Int, error) { return mulDiv(a, b, One) }

// MulUp returns a*b in fixed point, rounded up.
func MulUp(a, b *uint256.Int) (*uint256.Int, error) { return mulDivUp(a, b, One) }

// DivDown returns a/b in fixed point, rounded down.
func DivDown(a, b *uint256.Int) (*uint256.Int, error) {
	if b.IsZero() {
		return nil, ErrZeroBalance
	}
	return mulDiv(a, One, b)
}

// DivUp returns a/b in fixed point, rounded up.
func DivUp(a, b *uint256.Int) (*uint256.Int, error) {
	if b.IsZero() {
		return nil, ErrZeroBalance
	}
	return mulDivUp(a, One, b)
}

// Complement returns 1-x, floored at zero.
func Complement(x *uint256.Int) *uint256.Int {
	if x.Cmp(One) >= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(One, x)
}

func absDiff(a, b *uint256.Int) *uint256.Int {
	if a.Gt(b) {
		return new(uint256.Int).Sub(a, b)
	}
	return new(uint256.Int).Sub(b, a)
}
