package venue

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/pricing"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Stable is a stable-swap pool over tokens of one precision.
type Stable struct {
	id     common.Address
	name   string
	tokens []common.Address
	amp    *uint256.Int
	fee    *uint256.Int
}

// NewStable returns a stable pool. amp is A*pricing.APrecision.
func NewStable(id common.Address, name string, tokens []common.Address, amp, fee *uint256.Int) (*Stable, error) {
	if len(tokens) < 2 {
		return nil, fmt.Errorf("venue: stable pool %s needs at least two tokens", name)
	}
	if amp == nil || amp.IsZero() {
		return nil, fmt.Errorf("venue: stable pool %s: zero amplification", name)
	}
	if fee == nil {
		fee = new(uint256.Int)
	}
	return &Stable{id: id, name: name, tokens: tokens, amp: amp, fee: fee}, nil
}

func (p *Stable) ID() common.Address     { return p.id }
func (p *Stable) Name() string           { return p.name }
func (p *Stable) Kind() domain.VenueKind { return domain.VenueStable }

// Tokens returns the pool's tokens in index order.
func (p *Stable) Tokens() []common.Address { return p.tokens }

func (p *Stable) state(book Book) pricing.StablePool {
	balances := make([]*uint256.Int, len(p.tokens))
	for i, t := range p.tokens {
		balances[i] = book.BalanceOf(t, p.id)
	}
	return pricing.StablePool{Balances: balances, Amp: p.amp, Fee: p.fee}
}

func (p *Stable) index(token common.Address) int {
	for i, t := range p.tokens {
		if t == token {
			return i
		}
	}
	return -1
}

func (p *Stable) Quote(book Book, tokenIn, tokenOut common.Address, amountIn *uint256.Int, _ []byte) (*uint256.Int, error) {
	i, j := p.index(tokenIn), p.index(tokenOut)
	if i < 0 || j < 0 || i == j {
		return nil, fail(p.id, CallFailed, nil, "pair %s/%s not traded", tokenIn.Hex(), tokenOut.Hex())
	}
	out, err := pricing.GetDy(i, j, amountIn, p.state(book))
	if err != nil {
		return nil, fail(p.id, CallFailed, err, "price")
	}
	return out, nil
}

func (p *Stable) Swap(_ context.Context, req SwapRequest) (SwapOutcome, error) {
	if err := checkRequest(p.id, req); err != nil {
		return SwapOutcome{}, err
	}
	out, err := p.Quote(req.Book, req.TokenIn, req.TokenOut, req.AmountIn, nil)
	if err != nil {
		return SwapOutcome{}, err
	}
	return settle(p.id, req, out)
}

// Depeg is one token whose pool balance drifted from an equal share.
type Depeg struct {
	Token        common.Address `json:"token"`
	DeviationBps uint64         `json:"deviation_bps"`
}

// Depegs reports the tokens whose pool balance drifted more than
// thresholdBps from an equal share.
func (p *Stable) Depegs(book Book, thresholdBps uint64) ([]Depeg, error) {
	found, err := pricing.DetectDepeg(p.state(book).Balances, thresholdBps)
	if err != nil {
		return nil, err
	}
	out := make([]Depeg, 0, len(found))
	for _, d := range found {
		out = append(out, Depeg{Token: p.tokens[d.Index], DeviationBps: d.DeviationBps})
	}
	return out, nil
}

// VirtualPrice returns D over the given LP supply.
func (p *Stable) VirtualPrice(book Book, supply *uint256.Int) (*uint256.Int, error) {
	return pricing.VirtualPrice(p.state(book).Balances, p.amp, supply)
}
