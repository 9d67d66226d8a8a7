// Package venue holds the swap venue adapters. Every adapter is a simulated
// pool whose reserves live in the ledger under the venue's own address. A
// pool only pulls input through the allowance the caller granted it for the
// hop and pays output straight back to the caller.
package venue

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Book is the slice of a ledger transaction adapters work against.
// *ledger.Tx satisfies it.
type Book interface {
	BalanceOf(token, account common.Address) *uint256.Int
	Allowance(token, owner, spender common.Address) *uint256.Int
	Transfer(token, from, to common.Address, amount *uint256.Int) error
	TransferFrom(token, spender, owner, to common.Address, amount *uint256.Int) error
	Approve(token, owner, spender common.Address, amount *uint256.Int) error
}

// SwapRequest asks a venue to swap AmountIn of TokenIn held by Account into
// TokenOut, paid back to Account.
type SwapRequest struct {
	Book     Book
	Account  common.Address
	TokenIn  common.Address
	TokenOut common.Address
	AmountIn *uint256.Int
	Payload  []byte
}

// SwapOutcome is what the venue reports. The engine trusts only the balance
// delta it measures itself.
type SwapOutcome struct {
	AmountIn  *uint256.Int
	AmountOut *uint256.Int
}

// Adapter is one venue.
//
// Swap runs while the engine holds the attempt's ledger transaction, so it
// must return promptly once ctx is done. The engine cannot preempt an
// adapter that ignores ctx; such a swap is aborted only after it returns.
type Adapter interface {
	ID() common.Address
	Name() string
	Kind() domain.VenueKind
	Quote(book Book, tokenIn, tokenOut common.Address, amountIn *uint256.Int, payload []byte) (*uint256.Int, error)
	Swap(ctx context.Context, req SwapRequest) (SwapOutcome, error)
}

// ErrorKind classifies a venue failure.
type ErrorKind string

const (
	ZeroOutput ErrorKind = "zero_output"
	CallFailed ErrorKind = "call_failed"
	Reverted   ErrorKind = "reverted"
)

// Error is returned by adapters for every failed swap.
type Error struct {
	Venue  common.Address
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("venue %s: %s", e.Venue.Hex(), e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func fail(venue common.Address, kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Venue: venue, Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the ErrorKind of err, or CallFailed for foreign errors.
func KindOf(err error) ErrorKind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return CallFailed
}

// settle pulls amountIn from the caller through the hop allowance and pays
// amountOut back. A failure leaves partial writes for the caller's
// transaction to roll back.
func settle(id common.Address, req SwapRequest, amountOut *uint256.Int) (SwapOutcome, error) {
	if amountOut.IsZero() {
		return SwapOutcome{}, fail(id, ZeroOutput, nil, "%s in of %s yields nothing", req.AmountIn.Dec(), req.TokenIn.Hex())
	}
	if err := req.Book.TransferFrom(req.TokenIn, id, req.Account, id, req.AmountIn); err != nil {
		return SwapOutcome{}, fail(id, Reverted, err, "pull input")
	}
	if err := req.Book.Transfer(req.TokenOut, id, req.Account, amountOut); err != nil {
		return SwapOutcome{}, fail(id, Reverted, err, "pay output")
	}
	return SwapOutcome{AmountIn: req.AmountIn.Clone(), AmountOut: amountOut}, nil
}

func checkRequest(id common.Address, req SwapRequest) error {
	if req.Book == nil {
		return fail(id, CallFailed, nil, "no book")
	}
	if req.AmountIn == nil || req.AmountIn.IsZero() {
		return fail(id, ZeroOutput, nil, "zero input")
	}
	if req.TokenIn == req.TokenOut {
		return fail(id, CallFailed, nil, "self swap")
	}
	return nil
}
