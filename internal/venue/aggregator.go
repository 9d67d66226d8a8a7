package venue

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var routeArgs = func() abi.Arguments {
	addrs, err := abi.NewType("address[]", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Name: "venues", Type: addrs}, {Name: "path", Type: addrs}}
}()

// EncodeRoute packs an aggregator payload: venues[k] swaps path[k] into
// path[k+1].
func EncodeRoute(venues, path []common.Address) ([]byte, error) {
	if len(venues) == 0 || len(path) != len(venues)+1 {
		return nil, fmt.Errorf("venue: aggregator route needs len(path) = len(venues)+1, got %d and %d", len(path), len(venues))
	}
	return routeArgs.Pack(venues, path)
}

// DecodeRoute unpacks an aggregator payload.
func DecodeRoute(payload []byte) (venues, path []common.Address, err error) {
	vals, err := routeArgs.Unpack(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("venue: decode aggregator route: %w", err)
	}
	if len(vals) != 2 {
		return nil, nil, fmt.Errorf("venue: decode aggregator route: %d values", len(vals))
	}
	venues, ok1 := vals[0].([]common.Address)
	path, ok2 := vals[1].([]common.Address)
	if !ok1 || !ok2 {
		return nil, nil, fmt.Errorf("venue: decode aggregator route: unexpected types %T, %T", vals[0], vals[1])
	}
	if len(venues) == 0 || len(path) != len(venues)+1 {
		return nil, nil, fmt.Errorf("venue: aggregator route needs len(path) = len(venues)+1, got %d and %d", len(path), len(venues))
	}
	return venues, path, nil
}

// Router resolves and calls sub-venues. *Registry satisfies it.
type Router interface {
	Get(id common.Address) (Adapter, bool)
	Swap(ctx context.Context, id common.Address, req SwapRequest) (SwapOutcome, error)
}

// Aggregator routes one hop through a chain of sub-venues named in the hop
// payload. It takes custody of the input, walks the chain from its own
// account and pays the final output back to the caller.
type Aggregator struct {
	id     common.Address
	name   string
	router Router
	allow  func(common.Address) error
}

// NewAggregator returns an aggregator over router. allow, if set, is
// consulted for every sub-venue.
func NewAggregator(id common.Address, name string, router Router, allow func(common.Address) error) *Aggregator {
	return &Aggregator{id: id, name: name, router: router, allow: allow}
}

func (a *Aggregator) ID() common.Address     { return a.id }
func (a *Aggregator) Name() string           { return a.name }
func (a *Aggregator) Kind() domain.VenueKind { return domain.VenueAggregator }

func (a *Aggregator) resolve(tokenIn, tokenOut common.Address, payload []byte) ([]Adapter, []common.Address, error) {
	venues, path, err := DecodeRoute(payload)
	if err != nil {
		return nil, nil, fail(a.id, CallFailed, err, "bad payload")
	}
	if path[0] != tokenIn || path[len(path)-1] != tokenOut {
		return nil, nil, fail(a.id, CallFailed, nil, "payload path %s..%s does not match hop %s->%s",
			path[0].Hex(), path[len(path)-1].Hex(), tokenIn.Hex(), tokenOut.Hex())
	}
	subs := make([]Adapter, len(venues))
	for k, id := range venues {
		if id == a.id {
			return nil, nil, fail(a.id, CallFailed, nil, "aggregator routes through itself")
		}
		ad, ok := a.router.Get(id)
		if !ok {
			return nil, nil, fail(a.id, CallFailed, nil, "unknown sub-venue %s", id.Hex())
		}
		if ad.Kind() == domain.VenueAggregator {
			return nil, nil, fail(a.id, CallFailed, nil, "nested aggregator %s", id.Hex())
		}
		if a.allow != nil {
			if err := a.allow(id); err != nil {
				return nil, nil, fail(a.id, CallFailed, err, "sub-venue %s", id.Hex())
			}
		}
		subs[k] = ad
	}
	return subs, path, nil
}

// Quote chains the sub-venue quotes.
func (a *Aggregator) Quote(book Book, tokenIn, tokenOut common.Address, amountIn *uint256.Int, payload []byte) (*uint256.Int, error) {
	subs, path, err := a.resolve(tokenIn, tokenOut, payload)
	if err != nil {
		return nil, err
	}
	amt := amountIn
	for k, sub := range subs {
		if amt, err = sub.Quote(book, path[k], path[k+1], amt, nil); err != nil {
			return nil, fail(a.id, CallFailed, err, "quote step %d", k)
		}
	}
	return amt, nil
}

// Swap pulls the input, swaps it step by step from the aggregator account
// and pays what arrives at the end back to the caller.
func (a *Aggregator) Swap(ctx context.Context, req SwapRequest) (SwapOutcome, error) {
	if err := checkRequest(a.id, req); err != nil {
		return SwapOutcome{}, err
	}
	subs, path, err := a.resolve(req.TokenIn, req.TokenOut, req.Payload)
	if err != nil {
		return SwapOutcome{}, err
	}
	book := req.Book
	if err := book.TransferFrom(req.TokenIn, a.id, req.Account, a.id, req.AmountIn); err != nil {
		return SwapOutcome{}, fail(a.id, Reverted, err, "pull input")
	}

	amt := req.AmountIn.Clone()
	for k, sub := range subs {
		before := book.BalanceOf(path[k+1], a.id)
		if err := book.Approve(path[k], a.id, sub.ID(), amt); err != nil {
			return SwapOutcome{}, fail(a.id, Reverted, err, "approve step %d", k)
		}
		_, err := a.router.Swap(ctx, sub.ID(), SwapRequest{
			Book:     book,
			Account:  a.id,
			TokenIn:  path[k],
			TokenOut: path[k+1],
			AmountIn: amt,
		})
		if err != nil {
			return SwapOutcome{}, fail(a.id, KindOf(err), err, "step %d via %s", k, sub.Name())
		}
		after := book.BalanceOf(path[k+1], a.id)
		if !after.Gt(before) {
			return SwapOutcome{}, fail(a.id, ZeroOutput, nil, "step %d via %s returned nothing", k, sub.Name())
		}
		amt = new(uint256.Int).Sub(after, before)
	}
	if err := book.Transfer(req.TokenOut, a.id, req.Account, amt); err != nil {
		return SwapOutcome{}, fail(a.id, Reverted, err, "pay output")
	}
	return SwapOutcome{AmountIn: req.AmountIn.Clone(), AmountOut: amt}, nil
}
