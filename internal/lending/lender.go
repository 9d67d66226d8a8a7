// Package lending provides the flash lending source the engine borrows its
// working capital from. A loan lives inside one ledger transaction: it is
// either repaid with its premium before the transaction commits or rolled
// back with everything else.
package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/arbengine/internal/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrAssetNotListed   = errors.New("lending: asset not listed")
	ErrInsufficientPool = errors.New("lending: insufficient liquidity")
	ErrUnknownLoan      = errors.New("lending: unknown or settled loan")
	ErrUnderpaid        = errors.New("lending: repayment short")
)

// DefaultPremiumBps is the flash loan premium charged on the borrowed amount.
const DefaultPremiumBps = 9

var bpsDenom = uint256.NewInt(10_000)

// Receipt describes an outstanding loan.
type Receipt struct {
	ID       string
	Asset    common.Address
	Borrower common.Address
	Amount   *uint256.Int
	Premium  *uint256.Int
}

// Owed returns amount plus premium.
func (r Receipt) Owed() *uint256.Int {
	return new(uint256.Int).Add(r.Amount, r.Premium)
}

// Lender is a lending source.
type Lender interface {
	Borrow(ctx context.Context, tx *ledger.Tx, borrower, asset common.Address, amount *uint256.Int) (Receipt, error)
	Repay(ctx context.Context, tx *ledger.Tx, r Receipt) error
	// Forget drops a receipt whose transaction rolled back.
	Forget(r Receipt)
}

// Pool lends the balances held by its reserve account. Repayment pulls
// amount plus premium from the borrower back to the reserve.
type Pool struct {
	reserve    common.Address
	premiumBps uint64
	logger     *slog.Logger

	mu     sync.Mutex
	assets map[common.Address]bool
	open   map[string]Receipt
}

// NewPool returns a pool lending out of reserve's balances.
func NewPool(reserve common.Address, premiumBps uint64, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		reserve:    reserve,
		premiumBps: premiumBps,
		logger:     logger.With(slog.String("component", "lender")),
		assets:     make(map[common.Address]bool),
		open:       make(map[string]Receipt),
	}
}

// Reserve returns the account holding the pool's liquidity.
func (p *Pool) Reserve() common.Address { return p.reserve }

// PremiumBps returns the premium rate.
func (p *Pool) PremiumBps() uint64 { return p.premiumBps }

// List makes asset borrowable.
func (p *Pool) List(asset common.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.assets[asset] = true
}

// Premium returns the premium owed on amount, rounded up.
func (p *Pool) Premium(amount *uint256.Int) *uint256.Int {
	num, over := new(uint256.Int).MulOverflow(amount, uint256.NewInt(p.premiumBps))
	if over {
		// amount*bps only overflows for amounts near 2^256; divide first.
		q := new(uint256.Int).Div(amount, bpsDenom)
		return q.Mul(q, uint256.NewInt(p.premiumBps))
	}
	q, rem := new(uint256.Int), new(uint256.Int)
	q.DivMod(num, bpsDenom, rem)
	if !rem.IsZero() {
		q.AddUint64(q, 1)
	}
	return q
}

// Borrow moves amount of asset from the reserve to borrower inside tx.
func (p *Pool) Borrow(ctx context.Context, tx *ledger.Tx, borrower, asset common.Address, amount *uint256.Int) (Receipt, error) {
	p.mu.Lock()
	listed := p.assets[asset]
	p.mu.Unlock()
	if !listed {
		return Receipt{}, fmt.Errorf("%w: %s", ErrAssetNotListed, asset.Hex())
	}
	if amount == nil || amount.IsZero() {
		return Receipt{}, errors.New("lending: zero borrow")
	}
	if avail := tx.BalanceOf(asset, p.reserve); avail.Lt(amount) {
		return Receipt{}, fmt.Errorf("%w: reserve holds %s of %s, asked %s", ErrInsufficientPool, avail.Dec(), asset.Hex(), amount.Dec())
	}
	if err := tx.Transfer(asset, p.reserve, borrower, amount); err != nil {
		return Receipt{}, fmt.Errorf("lending: borrow: %w", err)
	}
	r := Receipt{
		ID:       uuid.NewString(),
		Asset:    asset,
		Borrower: borrower,
		Amount:   amount.Clone(),
		Premium:  p.Premium(amount),
	}
	p.mu.Lock()
	p.open[r.ID] = r
	p.mu.Unlock()
	p.logger.DebugContext(ctx, "flash loan opened",
		slog.String("loan", r.ID),
		slog.String("asset", asset.Hex()),
		slog.String("amount", amount.Dec()),
		slog.String("premium", r.Premium.Dec()),
	)
	return r, nil
}

// Repay returns amount plus premium to the reserve.
func (p *Pool) Repay(ctx context.Context, tx *ledger.Tx, r Receipt) error {
	p.mu.Lock()
	_, ok := p.open[r.ID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLoan, r.ID)
	}
	owed := r.Owed()
	if bal := tx.BalanceOf(r.Asset, r.Borrower); bal.Lt(owed) {
		return fmt.Errorf("%w: owes %s, holds %s", ErrUnderpaid, owed.Dec(), bal.Dec())
	}
	if err := tx.Transfer(r.Asset, r.Borrower, p.reserve, owed); err != nil {
		return fmt.Errorf("lending: repay: %w", err)
	}
	p.mu.Lock()
	delete(p.open, r.ID)
	p.mu.Unlock()
	p.logger.DebugContext(ctx, "flash loan repaid", slog.String("loan", r.ID), slog.String("owed", owed.Dec()))
	return nil
}

// Forget drops an outstanding receipt.
func (p *Pool) Forget(r Receipt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.open, r.ID)
}

// Outstanding returns the number of open loans.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.open)
}
