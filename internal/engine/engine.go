// Package engine runs arbitrage attempts. An attempt borrows working capital,
// routes it through the hops of its route and settles only if the loan and
// the required profit are covered; otherwise every balance change is rolled
// back.
//
//	Idle -> Validating -> Borrowing -> Swapping(i of N) -> Settling -> Committed
//	                  \-> Aborted (rejected)   any of Borrowing..Settling -> Aborted
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/guard"
	"github.com/alanyoungcy/arbengine/internal/ledger"
	"github.com/alanyoungcy/arbengine/internal/lending"
	"github.com/alanyoungcy/arbengine/internal/oracle"
	"github.com/alanyoungcy/arbengine/internal/ruleset"
	"github.com/alanyoungcy/arbengine/internal/venue"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Config holds the engine's accounts and timing.
type Config struct {
	// Vault is the engine's own account; borrowed funds land here.
	Vault common.Address
	// Treasury receives the surplus of every committed attempt.
	Treasury   common.Address
	HopTimeout time.Duration
	LockTTL    time.Duration
	LockRetry  time.Duration
	DedupSize  int
	DedupTTL   time.Duration
}

// DefaultConfig returns timing defaults; accounts must still be set.
func DefaultConfig() Config {
	return Config{
		HopTimeout: 2 * time.Second,
		LockTTL:    30 * time.Second,
		LockRetry:  20 * time.Millisecond,
		DedupSize:  100_000,
		DedupTTL:   24 * time.Hour,
	}
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Ledger    *ledger.Ledger
	Lender    lending.Lender
	Venues    venue.Router
	Rules     *ruleset.Registry
	Allowlist *guard.Allowlist
	Breaker   *guard.CircuitBreaker
	Oracle    *guard.OracleGuard
	// Feed may be nil, in which case no oracle reading is taken.
	Feed  oracle.Feed
	Pause *guard.PauseSwitch
	// Locks defaults to an in-process KeyedMutex.
	Locks domain.LockManager
}

// ResultFunc observes every finished attempt.
type ResultFunc func(ctx context.Context, res domain.Result)

// HopFunc observes every hop the engine ran.
type HopFunc func(asset common.Address, hop int, venue common.Address, elapsed time.Duration, err error)

// Engine executes attempts. It is safe for concurrent use; attempts on the
// same asset run one at a time.
type Engine struct {
	cfg  Config
	deps Deps

	dedup  *Dedup
	totals *Totals
	logger *slog.Logger

	mu       sync.RWMutex
	onResult []ResultFunc
	onHop    []HopFunc
	now      func() time.Time
}

// New validates deps and returns an engine.
func New(deps Deps, cfg Config, logger *slog.Logger) (*Engine, error) {
	switch {
	case deps.Ledger == nil:
		return nil, errors.New("engine: ledger required")
	case deps.Lender == nil:
		return nil, errors.New("engine: lender required")
	case deps.Venues == nil:
		return nil, errors.New("engine: venue router required")
	case deps.Rules == nil:
		return nil, errors.New("engine: ruleset registry required")
	case deps.Allowlist == nil || deps.Breaker == nil || deps.Oracle == nil || deps.Pause == nil:
		return nil, errors.New("engine: allowlist, breaker, oracle guard and pause switch required")
	case cfg.Vault == (common.Address{}):
		return nil, errors.New("engine: vault account required")
	}
	if deps.Locks == nil {
		deps.Locks = NewKeyedMutex()
	}
	if cfg.LockRetry <= 0 {
		cfg.LockRetry = 20 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		dedup:  NewDedup(cfg.DedupSize, cfg.DedupTTL),
		totals: newTotals(),
		logger: logger.With(slog.String("component", "engine")),
		now:    time.Now,
	}, nil
}

// SetClock overrides the time source used for deadlines.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

func (e *Engine) clock() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.now()
}

// OnResult registers fn to run after every attempt, outside the asset lock.
func (e *Engine) OnResult(fn ResultFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onResult = append(e.onResult, fn)
}

// OnHop registers fn to run after every hop.
func (e *Engine) OnHop(fn HopFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onHop = append(e.onHop, fn)
}

// Totals returns the running per-asset counters.
func (e *Engine) Totals() *Totals { return e.totals }

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Execute runs one attempt to completion. The returned result is always
// populated; the error is a *domain.PreconditionRejected when a guard
// declined the attempt and a *domain.ExecutionAborted when it failed after
// borrowing.
func (e *Engine) Execute(ctx context.Context, a domain.Attempt) (domain.Result, error) {
	res, err := e.run(ctx, a, false)
	e.totals.record(res)

	e.mu.RLock()
	observers := append([]ResultFunc(nil), e.onResult...)
	e.mu.RUnlock()
	for _, fn := range observers {
		fn(ctx, res)
	}
	return res, err
}

// Simulate runs an attempt against the current balances and rolls it back
// unconditionally. No guard bookkeeping, totals or observers are touched.
func (e *Engine) Simulate(ctx context.Context, a domain.Attempt) (domain.Result, error) {
	return e.run(ctx, a, true)
}

// attempt carries the state of one run between phases.
type attempt struct {
	domain.Attempt
	dryRun    bool
	strategy  domain.AssetStrategy
	minProfit *uint256.Int
	reading   *domain.OracleReading
	breaker   guard.BreakerRequest
	res       *domain.Result
}

func (e *Engine) run(ctx context.Context, a domain.Attempt, dryRun bool) (domain.Result, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	res := domain.Result{
		AttemptID: a.ID,
		Asset:     a.Asset,
		Amount:    a.Amount,
		Caller:    a.Caller,
		Phase:     domain.PhaseIdle,
		FailedHop: domain.NoHop,
		StartedAt: e.clock(),
	}
	at := &attempt{Attempt: a, dryRun: dryRun, res: &res}
	log := e.logger.With(slog.String("attempt", a.ID), slog.String("asset", a.Asset.Hex()))

	finish := func(err error) (domain.Result, error) {
		res.FinishedAt = e.clock()
		switch {
		case err == nil:
			res.Phase = domain.PhaseCommitted
			res.Succeeded = true
			log.InfoContext(ctx, "attempt committed",
				slog.String("amount", a.Amount.Dec()),
				slog.String("profit", res.Profit.Dec()),
				slog.Bool("dry_run", dryRun),
			)
		default:
			res.Phase = domain.PhaseAborted
			var pr *domain.PreconditionRejected
			var ab *domain.ExecutionAborted
			switch {
			case errors.As(err, &pr):
				res.ReasonCode = string(pr.Code)
				res.OffendingGuard = pr.Guard
				log.InfoContext(ctx, "attempt rejected", slog.String("guard", pr.Guard), slog.String("reason", pr.Error()))
			case errors.As(err, &ab):
				res.ReasonCode = string(ab.Code)
				res.FailedHop = ab.Hop
				if ab.Shortfall != nil {
					res.Shortfall = ab.Shortfall.Clone()
				}
				log.WarnContext(ctx, "attempt aborted", slog.String("reason", ab.Error()), slog.Int("hop", ab.Hop))
			default:
				res.ReasonCode = domain.ErrorKind(err)
				log.ErrorContext(ctx, "attempt failed", slog.String("error", err.Error()))
			}
		}
		return res, err
	}

	if a.Amount == nil || a.Amount.IsZero() {
		return finish(domain.Reject(domain.GuardEngine, domain.RejectInvalidRoute, "zero amount"))
	}

	unlock, err := e.lock(ctx, a)
	if err != nil {
		return finish(err)
	}
	defer unlock()

	res.Phase = domain.PhaseValidating
	if err := e.validate(ctx, at); err != nil {
		return finish(err)
	}
	if !dryRun {
		e.admit(at)
	}

	if err := e.executeCapital(ctx, at, log); err != nil {
		if !dryRun {
			e.deps.Breaker.RecordFailure(a.Asset, at.strategy.Limits)
		}
		return finish(err)
	}
	return finish(nil)
}

// lock takes the per-asset lock, retrying while a distributed lock is held
// elsewhere until ctx or the attempt deadline ends.
func (e *Engine) lock(ctx context.Context, a domain.Attempt) (func(), error) {
	key := "engine:asset:" + a.Asset.Hex()
	// deadlines are judged on the engine clock; an expired one is left to
	// validate to report
	if left := a.Deadline.Sub(e.clock()); !a.Deadline.IsZero() && left > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, left)
		defer cancel()
	}
	for {
		unlock, err := e.deps.Locks.Acquire(ctx, key, e.cfg.LockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, domain.Reject(domain.GuardEngine, domain.RejectAssetBusy, "lock %s: %v", key, err)
		}
		select {
		case <-ctx.Done():
			return nil, domain.Reject(domain.GuardEngine, domain.RejectAssetBusy, "lock %s held elsewhere", key)
		case <-time.After(e.cfg.LockRetry):
		}
	}
}

// validate runs every pre-borrow check. None of them changes state.
func (e *Engine) validate(ctx context.Context, at *attempt) error {
	d := e.deps
	if err := d.Pause.Check(); err != nil {
		return err
	}
	if !at.dryRun && e.dedup.Seen(at.ID) {
		return domain.Reject(domain.GuardEngine, domain.RejectDuplicate, "attempt %s already admitted", at.ID)
	}
	if err := at.Route.Validate(at.Asset); err != nil {
		return domain.Reject(domain.GuardEngine, domain.RejectInvalidRoute, "%v", err)
	}
	now := e.clock()
	if !at.Deadline.IsZero() && now.After(at.Deadline) {
		return domain.Reject(domain.GuardEngine, domain.RejectDeadline, "deadline %s passed", at.Deadline.UTC().Format(time.RFC3339))
	}

	s, version, ok := d.Rules.Strategy(at.Asset)
	if !ok {
		return domain.Reject(domain.GuardRuleset, domain.RejectUnknownAsset, "no strategy for %s in ruleset v%d", at.Asset.Hex(), version)
	}
	at.strategy = s
	at.res.RulesetVersion = version
	if err := ruleset.CheckBorrow(s, at.Amount); err != nil {
		return err
	}
	if err := d.Allowlist.CheckRoute(at.Route); err != nil {
		return err
	}

	if d.Feed != nil {
		r, err := d.Feed.Latest(ctx, at.Asset)
		if err != nil {
			return domain.Reject(domain.GuardOracle, domain.RejectOracleUnavailable, "%v", err)
		}
		if err := d.Oracle.Check(r); err != nil {
			return err
		}
		at.reading = &r
	}

	at.minProfit = s.EffectiveMinProfit(at.MinProfit)
	at.breaker = guard.BreakerRequest{
		Asset:       at.Asset,
		Amount:      at.Amount,
		SlippageBps: at.MaxSlippageBps,
		MinProfit:   at.minProfit,
		Limits:      s.Limits,
	}
	return d.Breaker.Check(at.breaker)
}

// admit commits the guard bookkeeping of an attempt that passed validation.
// The asset lock is held, so nothing can have changed since the checks.
func (e *Engine) admit(at *attempt) {
	if err := e.deps.Breaker.Admit(at.breaker); err != nil {
		e.logger.Error("breaker admit failed after check", slog.String("attempt", at.ID), slog.String("error", err.Error()))
	}
	if at.reading != nil {
		e.deps.Oracle.Accept(*at.reading)
	}
	e.dedup.Mark(at.ID, e.clock())
}

// executeCapital runs Borrowing, Swapping and Settling inside one ledger
// transaction.
func (e *Engine) executeCapital(ctx context.Context, at *attempt, log *slog.Logger) error {
	d := e.deps
	res := at.res
	vault := e.cfg.Vault

	res.Phase = domain.PhaseBorrowing
	tx, err := d.Ledger.Begin(ctx)
	if err != nil {
		return domain.Abort(domain.AbortBorrowFailed, err)
	}
	committed := false
	var receipt *lending.Receipt
	defer func() {
		if committed {
			return
		}
		tx.Rollback()
		if receipt != nil {
			d.Lender.Forget(*receipt)
		}
	}()

	// Balances the vault held before borrowing are not the attempt's to
	// spend; every amount below is measured against them.
	baseline := make(map[common.Address]*uint256.Int, len(at.Route)+1)
	baseline[at.Asset] = tx.BalanceOf(at.Asset, vault)
	for _, h := range at.Route {
		if _, ok := baseline[h.TokenOut]; !ok {
			baseline[h.TokenOut] = tx.BalanceOf(h.TokenOut, vault)
		}
	}
	held := func(token common.Address) *uint256.Int {
		bal := tx.BalanceOf(token, vault)
		if bal.Lt(baseline[token]) {
			return new(uint256.Int)
		}
		return bal.Sub(bal, baseline[token])
	}

	r, err := d.Lender.Borrow(ctx, tx, vault, at.Asset, at.Amount)
	if err != nil {
		return domain.Abort(domain.AbortBorrowFailed, err)
	}
	receipt = &r
	res.Premium = r.Premium.Clone()

	res.Phase = domain.PhaseSwapping
	res.PerHopAmounts = make([]*uint256.Int, 0, len(at.Route))
	for i, hop := range at.Route {
		out, err := e.swapHop(ctx, tx, at, i, hop, held(hop.TokenIn))
		if err != nil {
			return err
		}
		res.PerHopAmounts = append(res.PerHopAmounts, out)
	}

	res.Phase = domain.PhaseSettling
	if now := e.clock(); !at.Deadline.IsZero() && now.After(at.Deadline) {
		return domain.Abort(domain.AbortDeadline, fmt.Errorf("deadline %s passed before settling", at.Deadline.UTC().Format(time.RFC3339)))
	}
	final := held(at.Asset)
	owed := r.Owed()
	if final.Lt(owed) {
		return domain.Shortfall(domain.AbortInsolvent, domain.NoHop, final, owed)
	}
	profit := new(uint256.Int).Sub(final, owed)
	if profit.Lt(at.minProfit) {
		return domain.Shortfall(domain.AbortMinProfitNotMet, domain.NoHop, profit, at.minProfit)
	}
	if err := d.Lender.Repay(ctx, tx, r); err != nil {
		return domain.Abort(domain.AbortSettleFailed, err)
	}
	receipt = nil
	if !profit.IsZero() && e.cfg.Treasury != (common.Address{}) {
		if err := tx.Transfer(at.Asset, vault, e.cfg.Treasury, profit); err != nil {
			return domain.Abort(domain.AbortSettleFailed, fmt.Errorf("sweep to treasury: %w", err))
		}
	}
	res.Profit = profit

	if at.dryRun {
		log.DebugContext(ctx, "simulation complete", slog.String("profit", profit.Dec()))
		return nil
	}
	if err := tx.Commit(); err != nil {
		return domain.Abort(domain.AbortSettleFailed, err)
	}
	committed = true
	return nil
}

// swapHop approves exactly amountIn to the hop's venue, runs the swap under
// the hop timeout and returns the output measured as the vault's balance
// delta.
func (e *Engine) swapHop(ctx context.Context, tx *ledger.Tx, at *attempt, i int, hop domain.Hop, amountIn *uint256.Int) (*uint256.Int, error) {
	vault := e.cfg.Vault
	if amountIn.IsZero() {
		return nil, domain.Shortfall(domain.AbortHopShortfall, i, amountIn, uint256.NewInt(1))
	}
	if err := ctx.Err(); err != nil {
		return nil, &domain.ExecutionAborted{Code: domain.AbortDeadline, Hop: i, Cause: err}
	}

	hopCtx := ctx
	if e.cfg.HopTimeout > 0 {
		var cancel context.CancelFunc
		hopCtx, cancel = context.WithTimeout(ctx, e.cfg.HopTimeout)
		defer cancel()
	}

	// A slippage bound needs a quote; without one the hop cannot be priced.
	var quote *uint256.Int
	if at.MaxSlippageBps > 0 {
		ad, ok := e.deps.Venues.Get(hop.Venue)
		if !ok {
			return nil, &domain.ExecutionAborted{Code: domain.AbortVenueFailed, Hop: i,
				Cause: fmt.Errorf("no adapter registered for venue %s", hop.Venue.Hex())}
		}
		q, err := ad.Quote(tx, hop.TokenIn, hop.TokenOut, amountIn, hop.Payload)
		if err != nil {
			return nil, &domain.ExecutionAborted{Code: domain.AbortVenueFailed, Hop: i,
				Cause: fmt.Errorf("quote for slippage bound: %w", err)}
		}
		quote = q
	}

	if err := tx.Approve(hop.TokenIn, vault, hop.Venue, amountIn); err != nil {
		return nil, &domain.ExecutionAborted{Code: domain.AbortVenueFailed, Hop: i, Cause: err}
	}
	before := tx.BalanceOf(hop.TokenOut, vault)
	start := time.Now()
	_, err := e.deps.Venues.Swap(hopCtx, hop.Venue, venue.SwapRequest{
		Book:     tx,
		Account:  vault,
		TokenIn:  hop.TokenIn,
		TokenOut: hop.TokenOut,
		AmountIn: amountIn,
		Payload:  hop.Payload,
	})
	e.observeHop(at.Asset, i, hop.Venue, time.Since(start), err)
	if err == nil && hopCtx.Err() != nil {
		err = fmt.Errorf("hop timed out after %s: %w", e.cfg.HopTimeout, hopCtx.Err())
	}
	if err != nil {
		return nil, &domain.ExecutionAborted{Code: domain.AbortVenueFailed, Hop: i, Cause: err}
	}
	// no allowance outlives its hop
	if err := tx.Approve(hop.TokenIn, vault, hop.Venue, new(uint256.Int)); err != nil {
		return nil, &domain.ExecutionAborted{Code: domain.AbortVenueFailed, Hop: i, Cause: err}
	}

	after := tx.BalanceOf(hop.TokenOut, vault)
	out := new(uint256.Int)
	if after.Gt(before) {
		out.Sub(after, before)
	}
	if out.IsZero() {
		return nil, domain.Shortfall(domain.AbortHopShortfall, i, out, uint256.NewInt(1))
	}
	if hop.MinOut != nil && out.Lt(hop.MinOut) {
		return nil, domain.Shortfall(domain.AbortHopShortfall, i, out, hop.MinOut)
	}
	if quote != nil && !quote.IsZero() {
		floor := slippageFloor(quote, at.MaxSlippageBps)
		if out.Lt(floor) {
			return nil, domain.Shortfall(domain.AbortHopShortfall, i, out, floor)
		}
	}
	return out, nil
}

func (e *Engine) observeHop(asset common.Address, i int, v common.Address, elapsed time.Duration, err error) {
	e.mu.RLock()
	fns := e.onHop
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(asset, i, v, elapsed, err)
	}
}

// slippageFloor returns quote*(10000-bps)/10000.
func slippageFloor(quote *uint256.Int, bps uint32) *uint256.Int {
	if bps >= 10_000 {
		return new(uint256.Int)
	}
	floor, over := new(uint256.Int).MulDivOverflow(quote, uint256.NewInt(uint64(10_000-bps)), uint256.NewInt(10_000))
	if over {
		return new(uint256.Int)
	}
	return floor
}
