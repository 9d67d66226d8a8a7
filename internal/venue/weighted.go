package venue

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/pricing"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Weighted is a weighted-product pool. Weights and fee are 18-decimal fixed
// point; weights should sum to one.
type Weighted struct {
	id      common.Address
	name    string
	tokens  []common.Address
	weights []*uint256.Int
	fee     *uint256.Int
}

// NewWeighted returns a weighted pool. tokens and weights must line up.
func NewWeighted(id common.Address, name string, tokens []common.Address, weights []*uint256.Int, fee *uint256.Int) (*Weighted, error) {
	if len(tokens) < 2 || len(tokens) != len(weights) {
		return nil, fmt.Errorf("venue: weighted pool %s: %d tokens, %d weights", name, len(tokens), len(weights))
	}
	for i, w := range weights {
		if w == nil || w.IsZero() {
			return nil, fmt.Errorf("venue: weighted pool %s: zero weight for token %d", name, i)
		}
	}
	if fee == nil {
		fee = new(uint256.Int)
	}
	return &Weighted{id: id, name: name, tokens: tokens, weights: weights, fee: fee}, nil
}

func (p *Weighted) ID() common.Address     { return p.id }
func (p *Weighted) Name() string           { return p.name }
func (p *Weighted) Kind() domain.VenueKind { return domain.VenueWeighted }

func (p *Weighted) index(token common.Address) int {
	for i, t := range p.tokens {
		if t == token {
			return i
		}
	}
	return -1
}

func (p *Weighted) pair(tokenIn, tokenOut common.Address) (int, int, error) {
	i, j := p.index(tokenIn), p.index(tokenOut)
	if i < 0 || j < 0 || i == j {
		return 0, 0, fail(p.id, CallFailed, nil, "pair %s/%s not traded", tokenIn.Hex(), tokenOut.Hex())
	}
	return i, j, nil
}

// SpotPrice returns the fixed-point price of tokenOut in units of tokenIn.
func (p *Weighted) SpotPrice(book Book, tokenIn, tokenOut common.Address) (*uint256.Int, error) {
	i, j, err := p.pair(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	return pricing.SpotPrice(book.BalanceOf(tokenIn, p.id), p.weights[i], book.BalanceOf(tokenOut, p.id), p.weights[j])
}

func (p *Weighted) Quote(book Book, tokenIn, tokenOut common.Address, amountIn *uint256.Int, _ []byte) (*uint256.Int, error) {
	i, j, err := p.pair(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	out, err := pricing.OutGivenIn(book.BalanceOf(tokenIn, p.id), p.weights[i], book.BalanceOf(tokenOut, p.id), p.weights[j], amountIn, p.fee)
	if err != nil {
		return nil, fail(p.id, CallFailed, err, "price")
	}
	return out, nil
}

func (p *Weighted) Swap(_ context.Context, req SwapRequest) (SwapOutcome, error) {
	if err := checkRequest(p.id, req); err != nil {
		return SwapOutcome{}, err
	}
	out, err := p.Quote(req.Book, req.TokenIn, req.TokenOut, req.AmountIn, nil)
	if err != nil {
		return SwapOutcome{}, err
	}
	return settle(p.id, req, out)
}
