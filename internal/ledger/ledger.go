// Package ledger keeps the token balances and spending allowances of every
// account the engine touches: its own vault, the lender, venue pools and the
// treasury. All writes go through a Tx; a Tx is invisible to readers until it
// commits and can be reverted to any snapshot taken inside it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance   = errors.New("ledger: insufficient balance")
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
	ErrOverflow              = errors.New("ledger: balance overflow")
	ErrTxDone                = errors.New("ledger: transaction already finished")
	ErrBadSnapshot           = errors.New("ledger: unknown snapshot")
)

type balanceKey struct {
	token   common.Address
	account common.Address
}

type allowanceKey struct {
	token   common.Address
	owner   common.Address
	spender common.Address
}

// Ledger is safe for concurrent use. Transactions are serialized: Begin
// blocks until the previous transaction commits or rolls back.
type Ledger struct {
	sem chan struct{}

	mu         sync.RWMutex
	balances   map[balanceKey]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		sem:        make(chan struct{}, 1),
		balances:   make(map[balanceKey]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
	}
}

// Begin opens a transaction, waiting for any open one to finish.
func (l *Ledger) Begin(ctx context.Context) (*Tx, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("ledger: begin: %w", ctx.Err())
	}
	return &Tx{
		ledger:     l,
		balances:   make(map[balanceKey]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
	}, nil
}

// Update runs fn inside a transaction and commits it if fn returns nil.
func (l *Ledger) Update(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := l.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// BalanceOf returns the committed balance of account in token.
func (l *Ledger) BalanceOf(token, account common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if v, ok := l.balances[balanceKey{token, account}]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

// Holdings returns every committed non-zero balance of account.
func (l *Ledger) Holdings(account common.Address) map[common.Address]*uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[common.Address]*uint256.Int)
	for k, v := range l.balances {
		if k.account == account && !v.IsZero() {
			out[k.token] = v.Clone()
		}
	}
	return out
}

// Mint credits amount of token to account in its own transaction.
func (l *Ledger) Mint(ctx context.Context, token, to common.Address, amount *uint256.Int) error {
	return l.Update(ctx, func(tx *Tx) error { return tx.Mint(token, to, amount) })
}

func (l *Ledger) committedBalance(k balanceKey) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if v, ok := l.balances[k]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

func (l *Ledger) committedAllowance(k allowanceKey) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if v, ok := l.allowances[k]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}
