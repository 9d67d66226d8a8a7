package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// journalEntry records the overlay value of one key before a write. A nil
// prev means the key was not yet in the overlay.
type journalEntry struct {
	balance   *balanceKey
	allowance *allowanceKey
	prev      *uint256.Int
}

// Tx is an open ledger transaction. It is not safe for concurrent use.
type Tx struct {
	ledger     *Ledger
	balances   map[balanceKey]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	journal    []journalEntry
	done       bool
}

// BalanceOf returns the balance of account in token as seen by this tx.
func (tx *Tx) BalanceOf(token, account common.Address) *uint256.Int {
	k := balanceKey{token, account}
	if v, ok := tx.balances[k]; ok {
		return v.Clone()
	}
	return tx.ledger.committedBalance(k)
}

// Allowance returns how much spender may still move from owner's token
// balance.
func (tx *Tx) Allowance(token, owner, spender common.Address) *uint256.Int {
	k := allowanceKey{token, owner, spender}
	if v, ok := tx.allowances[k]; ok {
		return v.Clone()
	}
	return tx.ledger.committedAllowance(k)
}

func (tx *Tx) setBalance(k balanceKey, v *uint256.Int) {
	prev, ok := tx.balances[k]
	e := journalEntry{balance: &k}
	if ok {
		e.prev = prev
	}
	tx.journal = append(tx.journal, e)
	tx.balances[k] = v
}

func (tx *Tx) setAllowance(k allowanceKey, v *uint256.Int) {
	prev, ok := tx.allowances[k]
	e := journalEntry{allowance: &k}
	if ok {
		e.prev = prev
	}
	tx.journal = append(tx.journal, e)
	tx.allowances[k] = v
}

// Mint credits amount of token to account.
func (tx *Tx) Mint(token, to common.Address, amount *uint256.Int) error {
	if tx.done {
		return ErrTxDone
	}
	next, over := new(uint256.Int).AddOverflow(tx.BalanceOf(token, to), amount)
	if over {
		return ErrOverflow
	}
	tx.setBalance(balanceKey{token, to}, next)
	return nil
}

// Burn debits amount of token from account.
func (tx *Tx) Burn(token, from common.Address, amount *uint256.Int) error {
	if tx.done {
		return ErrTxDone
	}
	bal := tx.BalanceOf(token, from)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s", ErrInsufficientBalance, from.Hex(), bal.Dec(), token.Hex(), amount.Dec())
	}
	tx.setBalance(balanceKey{token, from}, bal.Sub(bal, amount))
	return nil
}

// Transfer moves amount of token from one account to another.
func (tx *Tx) Transfer(token, from, to common.Address, amount *uint256.Int) error {
	if tx.done {
		return ErrTxDone
	}
	if amount.IsZero() || from == to {
		return nil
	}
	if err := tx.Burn(token, from, amount); err != nil {
		return err
	}
	return tx.Mint(token, to, amount)
}

// Approve sets the amount spender may move out of owner's balance.
func (tx *Tx) Approve(token, owner, spender common.Address, amount *uint256.Int) error {
	if tx.done {
		return ErrTxDone
	}
	tx.setAllowance(allowanceKey{token, owner, spender}, amount.Clone())
	return nil
}

// TransferFrom moves amount of owner's token to another account on behalf of
// spender, consuming spender's allowance.
func (tx *Tx) TransferFrom(token, spender, owner, to common.Address, amount *uint256.Int) error {
	if tx.done {
		return ErrTxDone
	}
	allowed := tx.Allowance(token, owner, spender)
	if allowed.Lt(amount) {
		return fmt.Errorf("%w: %s may spend %s of %s, wants %s", ErrInsufficientAllowance, spender.Hex(), allowed.Dec(), token.Hex(), amount.Dec())
	}
	if err := tx.Transfer(token, owner, to, amount); err != nil {
		return err
	}
	tx.setAllowance(allowanceKey{token, owner, spender}, allowed.Sub(allowed, amount))
	return nil
}

// Snapshot returns an id that RevertToSnapshot can roll back to.
func (tx *Tx) Snapshot() int { return len(tx.journal) }

// RevertToSnapshot undoes every write made after the snapshot was taken.
func (tx *Tx) RevertToSnapshot(id int) error {
	if tx.done {
		return ErrTxDone
	}
	if id < 0 || id > len(tx.journal) {
		return ErrBadSnapshot
	}
	for i := len(tx.journal) - 1; i >= id; i-- {
		e := tx.journal[i]
		switch {
		case e.balance != nil && e.prev == nil:
			delete(tx.balances, *e.balance)
		case e.balance != nil:
			tx.balances[*e.balance] = e.prev
		case e.allowance != nil && e.prev == nil:
			delete(tx.allowances, *e.allowance)
		case e.allowance != nil:
			tx.allowances[*e.allowance] = e.prev
		}
	}
	tx.journal = tx.journal[:id]
	return nil
}

// Commit publishes every write and releases the ledger.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	l := tx.ledger
	l.mu.Lock()
	for k, v := range tx.balances {
		if v.IsZero() {
			delete(l.balances, k)
			continue
		}
		l.balances[k] = v
	}
	for k, v := range tx.allowances {
		if v.IsZero() {
			delete(l.allowances, k)
			continue
		}
		l.allowances[k] = v
	}
	l.mu.Unlock()
	tx.finish()
	return nil
}

// Rollback discards every write and releases the ledger. It is a no-op on a
// finished transaction.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.finish()
}

func (tx *Tx) finish() {
	tx.done = true
	tx.balances = nil
	tx.allowances = nil
	tx.journal = nil
	<-tx.ledger.sem
}
