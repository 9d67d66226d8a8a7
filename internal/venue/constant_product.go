package venue

import (
	"context"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ConstantProduct is an x*y=k pool over two tokens with a fee in basis
// points taken from the input.
type ConstantProduct struct {
	id     common.Address
	name   string
	token0 common.Address
	token1 common.Address
	feeBps uint64
}

// NewConstantProduct returns a pool trading token0 against token1.
func NewConstantProduct(id common.Address, name string, token0, token1 common.Address, feeBps uint64) *ConstantProduct {
	return &ConstantProduct{id: id, name: name, token0: token0, token1: token1, feeBps: feeBps}
}

func (p *ConstantProduct) ID() common.Address     { return p.id }
func (p *ConstantProduct) Name() string           { return p.name }
func (p *ConstantProduct) Kind() domain.VenueKind { return domain.VenueConstantProduct }

// Tokens returns the pair.
func (p *ConstantProduct) Tokens() [2]common.Address { return [2]common.Address{p.token0, p.token1} }

func (p *ConstantProduct) trades(tokenIn, tokenOut common.Address) bool {
	return (tokenIn == p.token0 && tokenOut == p.token1) || (tokenIn == p.token1 && tokenOut == p.token0)
}

// Quote returns amountIn*(1-fee)*reserveOut / (reserveIn + amountIn*(1-fee)).
func (p *ConstantProduct) Quote(book Book, tokenIn, tokenOut common.Address, amountIn *uint256.Int, _ []byte) (*uint256.Int, error) {
	if !p.trades(tokenIn, tokenOut) {
		return nil, fail(p.id, CallFailed, nil, "pair %s/%s not traded", tokenIn.Hex(), tokenOut.Hex())
	}
	return GetAmountOut(amountIn, book.BalanceOf(tokenIn, p.id), book.BalanceOf(tokenOut, p.id), p.feeBps), nil
}

// Swap executes against the pool's current reserves.
func (p *ConstantProduct) Swap(_ context.Context, req SwapRequest) (SwapOutcome, error) {
	if err := checkRequest(p.id, req); err != nil {
		return SwapOutcome{}, err
	}
	out, err := p.Quote(req.Book, req.TokenIn, req.TokenOut, req.AmountIn, nil)
	if err != nil {
		return SwapOutcome{}, err
	}
	return settle(p.id, req, out)
}

// GetAmountOut is the constant-product output formula. It returns zero for
// empty reserves and on overflow.
func GetAmountOut(amountIn, reserveIn, reserveOut *uint256.Int, feeBps uint64) *uint256.Int {
	if amountIn.IsZero() || reserveIn.IsZero() || reserveOut.IsZero() || feeBps >= 10_000 {
		return new(uint256.Int)
	}
	withFee, over := new(uint256.Int).MulOverflow(amountIn, uint256.NewInt(10_000-feeBps))
	if over {
		return new(uint256.Int)
	}
	num, over := new(uint256.Int).MulOverflow(withFee, reserveOut)
	if over {
		return new(uint256.Int)
	}
	den, over := new(uint256.Int).MulOverflow(reserveIn, uint256.NewInt(10_000))
	if over {
		return new(uint256.Int)
	}
	if _, over = den.AddOverflow(den, withFee); over {
		return new(uint256.Int)
	}
	return num.Div(num, den)
}
