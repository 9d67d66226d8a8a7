package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/guard"
	"github.com/alanyoungcy/arbengine/internal/ledger"
	"github.com/alanyoungcy/arbengine/internal/lending"
	"github.com/alanyoungcy/arbengine/internal/oracle"
	"github.com/alanyoungcy/arbengine/internal/ruleset"
	"github.com/alanyoungcy/arbengine/internal/venue"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc     = common.HexToAddress("0xa0b86991")
	weth     = common.HexToAddress("0xc02aaa39")
	vault    = common.HexToAddress("0x7a017")
	treasury = common.HexToAddress("0x7ea5")
	reserve  = common.HexToAddress("0x1e4d")
	admin    = common.HexToAddress("0xad")
	guardian = common.HexToAddress("0x9a")
	caller   = common.HexToAddress("0xca11")

	venueBuy  = common.HexToAddress("0xb001")
	venueSell = common.HexToAddress("0xb002")
	venueOff  = common.HexToAddress("0xb003")
	venueMid  = common.HexToAddress("0xb004")

	dai = common.HexToAddress("0x6b175474")
)

func u(n uint64) *uint256.Int { return uint256.NewInt(n) }

// fixedRate pays amountIn*num/den with no price impact.
type fixedRate struct {
	id       common.Address
	num, den uint64
}

func (f *fixedRate) ID() common.Address     { return f.id }
func (f *fixedRate) Name() string           { return f.id.Hex()[:8] }
func (f *fixedRate) Kind() domain.VenueKind { return domain.VenueConstantProduct }

func (f *fixedRate) Quote(_ venue.Book, _, _ common.Address, amountIn *uint256.Int, _ []byte) (*uint256.Int, error) {
	out, _ := new(uint256.Int).MulDivOverflow(amountIn, u(f.num), u(f.den))
	return out, nil
}

func (f *fixedRate) Swap(_ context.Context, req venue.SwapRequest) (venue.SwapOutcome, error) {
	out, _ := f.Quote(req.Book, req.TokenIn, req.TokenOut, req.AmountIn, nil)
	if err := req.Book.TransferFrom(req.TokenIn, f.id, req.Account, f.id, req.AmountIn); err != nil {
		return venue.SwapOutcome{}, &venue.Error{Venue: f.id, Kind: venue.Reverted, Err: err}
	}
	if err := req.Book.Transfer(req.TokenOut, f.id, req.Account, out); err != nil {
		return venue.SwapOutcome{}, &venue.Error{Venue: f.id, Kind: venue.Reverted, Err: err}
	}
	return venue.SwapOutcome{AmountIn: req.AmountIn, AmountOut: out}, nil
}

type harness struct {
	eng     *Engine
	venues  *venue.Registry
	ledger  *ledger.Ledger
	lender  *lending.Pool
	breaker *guard.CircuitBreaker
	pause   *guard.PauseSwitch
	allow   *guard.Allowlist
	rules   *ruleset.Registry
	feed    *oracle.Manual
	now     time.Time
}

func (h *harness) clock() time.Time { return h.now }

func newHarness(t *testing.T, s domain.AssetStrategy, opts ...func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{ledger: ledger.New(), now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}

	require.NoError(t, h.ledger.Mint(ctx, usdc, reserve, u(10_000_000)))
	require.NoError(t, h.ledger.Mint(ctx, weth, venueBuy, u(100_000_000)))
	require.NoError(t, h.ledger.Mint(ctx, usdc, venueSell, u(100_000_000)))

	h.lender = lending.NewPool(reserve, lending.DefaultPremiumBps, nil)
	h.lender.List(usdc)

	h.venues = venue.NewRegistry(venue.DefaultHealthConfig(), nil)
	h.venues.Register(&fixedRate{id: venueBuy, num: 2, den: 1})
	h.venues.Register(&fixedRate{id: venueSell, num: 5012, den: 10_000})
	h.venues.Register(&fixedRate{id: venueOff, num: 1, den: 1})

	h.allow = guard.NewAllowlist(
		domain.VenueEntry{ID: venueBuy, Name: "buy", Enabled: true},
		domain.VenueEntry{ID: venueSell, Name: "sell", Enabled: true},
		domain.VenueEntry{ID: venueOff, Name: "off", Enabled: false},
	)

	var err error
	h.rules, err = ruleset.NewRegistry([]domain.AssetStrategy{s}, nil, nil)
	require.NoError(t, err)

	h.breaker = guard.NewCircuitBreaker()
	h.breaker.SetClock(h.clock)
	og, err := guard.NewOracleGuard(guard.OracleConfig{StaleAfter: time.Minute, MaxDeviationBps: 500})
	require.NoError(t, err)
	og.SetClock(h.clock)

	caps := guard.NewCapabilities(admin)
	require.NoError(t, caps.Grant(admin, guardian, domain.RoleGuardian))
	h.pause = guard.NewPauseSwitch(caps)

	h.feed = oracle.NewManual("test")
	h.feed.Set(usdc, decimal.NewFromInt(1), h.now)

	cfg := DefaultConfig()
	cfg.Vault = vault
	cfg.Treasury = treasury
	for _, o := range opts {
		o(&cfg)
	}
	h.eng, err = New(Deps{
		Ledger:    h.ledger,
		Lender:    h.lender,
		Venues:    h.venues,
		Rules:     h.rules,
		Allowlist: h.allow,
		Breaker:   h.breaker,
		Oracle:    og,
		Feed:      h.feed,
		Pause:     h.pause,
	}, cfg, nil)
	require.NoError(t, err)
	h.eng.SetClock(h.clock)
	return h
}

func usdcStrategy(floor uint64) domain.AssetStrategy {
	return domain.AssetStrategy{
		Asset:          usdc,
		Symbol:         "USDC",
		MinProfitFloor: u(floor),
		MaxBorrow:      u(5_000_000),
	}
}

func roundTrip() domain.Route {
	return domain.Route{
		{Venue: venueBuy, TokenIn: usdc, TokenOut: weth},
		{Venue: venueSell, TokenIn: weth, TokenOut: usdc},
	}
}

func (h *harness) attempt(id string, amount uint64) domain.Attempt {
	return domain.Attempt{
		ID:        id,
		Asset:     usdc,
		Amount:    u(amount),
		Route:     roundTrip(),
		Deadline:  h.now.Add(time.Minute),
		MinProfit: u(0),
		Caller:    caller,
	}
}

type balances map[string]uint64

func (h *harness) balances() balances {
	out := balances{}
	for name, acct := range map[string]common.Address{
		"vault": vault, "treasury": treasury, "reserve": reserve, "buy": venueBuy, "sell": venueSell,
	} {
		out[name+".usdc"] = h.ledger.BalanceOf(usdc, acct).Uint64()
		out[name+".weth"] = h.ledger.BalanceOf(weth, acct).Uint64()
	}
	return out
}

func TestBorrowSwapRepayCommits(t *testing.T) {
	h := newHarness(t, usdcStrategy(0))
	res, err := h.eng.Execute(context.Background(), h.attempt("a1", 1_000_000))
	require.NoError(t, err)

	assert.True(t, res.Succeeded)
	assert.Equal(t, domain.PhaseCommitted, res.Phase)
	assert.Equal(t, uint64(900), res.Premium.Uint64())
	assert.Equal(t, uint64(1_500), res.Profit.Uint64())
	require.Len(t, res.PerHopAmounts, 2)
	assert.Equal(t, uint64(2_000_000), res.PerHopAmounts[0].Uint64())
	assert.Equal(t, uint64(1_002_400), res.PerHopAmounts[1].Uint64())
	assert.Equal(t, uint64(1), res.RulesetVersion)

	b := h.balances()
	assert.Equal(t, uint64(10_000_900), b["reserve.usdc"])
	assert.Equal(t, uint64(1_500), b["treasury.usdc"])
	assert.Zero(t, b["vault.usdc"])
	assert.Zero(t, b["vault.weth"])
	assert.Zero(t, h.lender.Outstanding())

	totals := h.eng.Totals().Snapshot()
	require.Len(t, totals, 1)
	assert.Equal(t, int64(1), totals[0].Committed)
	assert.Equal(t, uint64(1_500), totals[0].TotalProfit.Uint64())
	assert.Equal(t, uint64(1_000_000), totals[0].TotalVolume.Uint64())
}

func TestProfitFloorAbortsWithNoTransfers(t *testing.T) {
	h := newHarness(t, usdcStrategy(2_000))
	before := h.balances()

	res, err := h.eng.Execute(context.Background(), h.attempt("a1", 1_000_000))
	require.Error(t, err)
	assert.EqualError(t, err, "execution aborted: MinProfitNotMet(1500,2000)")
	assert.ErrorIs(t, err, domain.ErrExecutionAborted)

	var ab *domain.ExecutionAborted
	require.True(t, errors.As(err, &ab))
	assert.Equal(t, domain.AbortMinProfitNotMet, ab.Code)
	assert.Equal(t, uint64(500), ab.Shortfall.Uint64())

	assert.False(t, res.Succeeded)
	assert.Equal(t, domain.PhaseAborted, res.Phase)
	assert.Equal(t, string(domain.AbortMinProfitNotMet), res.ReasonCode)
	assert.Equal(t, before, h.balances())
	assert.Zero(t, h.lender.Outstanding())

	// mid-flight aborts count against the breaker and keep the admitted volume
	st := h.breaker.Status(usdc, domain.BreakerLimits{})
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, uint64(1_000_000), st.Volume.Uint64())
}

func TestCallerMinimumAboveFloor(t *testing.T) {
	h := newHarness(t, usdcStrategy(100))
	a := h.attempt("a1", 1_000_000)
	a.MinProfit = u(1_501)
	_, err := h.eng.Execute(context.Background(), a)
	assert.EqualError(t, err, "execution aborted: MinProfitNotMet(1500,1501)")

	a = h.attempt("a2", 1_000_000)
	a.MinProfit = u(1_500)
	_, err = h.eng.Execute(context.Background(), a)
	require.NoError(t, err)
}

func TestPreexistingVaultBalanceIsNotProfit(t *testing.T) {
	h := newHarness(t, usdcStrategy(0))
	require.NoError(t, h.ledger.Mint(context.Background(), usdc, vault, u(5_000)))
	require.NoError(t, h.ledger.Mint(context.Background(), weth, vault, u(7)))

	res, err := h.eng.Execute(context.Background(), h.attempt("a1", 1_000_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500), res.Profit.Uint64())
	assert.Equal(t, uint64(2_000_000), res.PerHopAmounts[0].Uint64())
	assert.Equal(t, uint64(5_000), h.ledger.BalanceOf(usdc, vault).Uint64())
	assert.Equal(t, uint64(7), h.ledger.BalanceOf(weth, vault).Uint64())
}

func rejectCode(t *testing.T, err error) domain.RejectCode {
	t.Helper()
	var pr *domain.PreconditionRejected
	require.True(t, errors.As(err, &pr), "want rejection, got %v", err)
	return pr.Code
}

func TestRejectionsLeaveStateUntouched(t *testing.T) {
	limits := domain.BreakerLimits{MaxVolumePerWindow: u(1_500_000), Window: time.Hour, MaxSlippageBps: 100}
	s := usdcStrategy(0)
	s.Limits = limits

	cases := []struct {
		name  string
		setup func(h *harness, a *domain.Attempt)
		code  domain.RejectCode
	}{
		{"paused", func(h *harness, a *domain.Attempt) { require.NoError(t, h.pause.Pause(guardian)) }, domain.RejectPaused},
		{"route does not close", func(h *harness, a *domain.Attempt) { a.Route = a.Route[:1] }, domain.RejectInvalidRoute},
		{"deadline passed", func(h *harness, a *domain.Attempt) { a.Deadline = h.now.Add(-time.Second) }, domain.RejectDeadline},
		{"unknown asset", func(h *harness, a *domain.Attempt) {
			a.Asset = weth
			a.Route = domain.Route{{Venue: venueBuy, TokenIn: weth, TokenOut: usdc}, {Venue: venueSell, TokenIn: usdc, TokenOut: weth}}
		}, domain.RejectUnknownAsset},
		{"above max borrow", func(h *harness, a *domain.Attempt) { a.Amount = u(5_000_001) }, domain.RejectMaxBorrow},
		{"disabled venue", func(h *harness, a *domain.Attempt) { a.Route[1].Venue = venueOff }, domain.RejectVenueDisallowed},
		{"stale oracle", func(h *harness, a *domain.Attempt) { h.feed.Set(usdc, decimal.NewFromInt(1), h.now.Add(-2*time.Minute)) }, domain.RejectOracleStale},
		{"volume cap", func(h *harness, a *domain.Attempt) { a.Amount = u(1_500_001) }, domain.RejectVolumeCap},
		{"slippage cap", func(h *harness, a *domain.Attempt) { a.MaxSlippageBps = 101 }, domain.RejectSlippageCap},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, s)
			a := h.attempt("r1", 1_000_000)
			tc.setup(h, &a)
			before := h.balances()
			breakerBefore := h.breaker.Status(a.Asset, limits)

			res, err := h.eng.Execute(context.Background(), a)
			assert.Equal(t, tc.code, rejectCode(t, err))
			assert.ErrorIs(t, err, domain.ErrPreconditionRejected)
			assert.NotEmpty(t, res.OffendingGuard)
			assert.Equal(t, string(tc.code), res.ReasonCode)
			assert.Equal(t, before, h.balances())
			assert.Equal(t, breakerBefore, h.breaker.Status(a.Asset, limits))
		})
	}
}

func TestDuplicateAttemptRejected(t *testing.T) {
	h := newHarness(t, usdcStrategy(0))
	_, err := h.eng.Execute(context.Background(), h.attempt("same", 1_000_000))
	require.NoError(t, err)
	_, err = h.eng.Execute(context.Background(), h.attempt("same", 1_000_000))
	assert.Equal(t, domain.RejectDuplicate, rejectCode(t, err))

	// a rejected attempt may be retried under its id
	require.NoError(t, h.pause.Pause(guardian))
	_, err = h.eng.Execute(context.Background(), h.attempt("retry", 1_000_000))
	assert.Equal(t, domain.RejectPaused, rejectCode(t, err))
	require.NoError(t, h.pause.Unpause(guardian))
	_, err = h.eng.Execute(context.Background(), h.attempt("retry", 1_000_000))
	require.NoError(t, err)
}

func TestHopMinOutShortfall(t *testing.T) {
	h := newHarness(t, usdcStrategy(0))
	before := h.balances()
	a := h.attempt("a1", 1_000_000)
	a.Route[0].MinOut = u(2_000_001)

	res, err := h.eng.Execute(context.Background(), a)
	var ab *domain.ExecutionAborted
	require.True(t, errors.As(err, &ab))
	assert.Equal(t, domain.AbortHopShortfall, ab.Code)
	assert.Equal(t, 0, ab.Hop)
	assert.Equal(t, uint64(1), ab.Shortfall.Uint64())
	assert.Equal(t, 0, res.FailedHop)
	assert.Equal(t, before, h.balances())
}

func TestInsolventRouteAborts(t *testing.T) {
	h := newHarness(t, usdcStrategy(0))
	h.venues.Register(&fixedRate{id: venueSell, num: 5_000, den: 10_000})
	before := h.balances()

	_, err := h.eng.Execute(context.Background(), h.attempt("a1", 1_000_000))
	var ab *domain.ExecutionAborted
	require.True(t, errors.As(err, &ab))
	assert.Equal(t, domain.AbortInsolvent, ab.Code)
	assert.Equal(t, domain.NoHop, ab.Hop)
	assert.Equal(t, uint64(900), ab.Shortfall.Uint64())
	assert.Equal(t, before, h.balances())
}

func TestVenueFailureNamesHop(t *testing.T) {
	h := newHarness(t, usdcStrategy(0))
	// the sell venue cannot pay out more than it holds
	h.venues.Register(&fixedRate{id: venueSell, num: 1_000, den: 1})

	res, err := h.eng.Execute(context.Background(), h.attempt("a1", 1_000_000))
	var ab *domain.ExecutionAborted
	require.True(t, errors.As(err, &ab))
	assert.Equal(t, domain.AbortVenueFailed, ab.Code)
	assert.Equal(t, 1, ab.Hop)
	assert.Equal(t, 1, res.FailedHop)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

// unpriceable swaps normally but cannot produce a quote.
type unpriceable struct{ fixedRate }

func (unpriceable) Quote(venue.Book, common.Address, common.Address, *uint256.Int, []byte) (*uint256.Int, error) {
	return nil, errors.New("reserves unavailable")
}

func TestSlippageBoundNeedsQuote(t *testing.T) {
	h := newHarness(t, usdcStrategy(0))
	h.venues.Register(&unpriceable{fixedRate{id: venueBuy, num: 2, den: 1}})
	before := h.balances()

	a := h.attempt("a1", 1_000_000)
	a.MaxSlippageBps = 10
	res, err := h.eng.Execute(context.Background(), a)
	var ab *domain.ExecutionAborted
	require.True(t, errors.As(err, &ab), "want abort, got %v", err)
	assert.Equal(t, domain.AbortVenueFailed, ab.Code)
	assert.Equal(t, 0, ab.Hop)
	assert.Contains(t, err.Error(), "reserves unavailable")
	assert.Equal(t, 0, res.FailedHop)
	assert.Equal(t, before, h.balances())
	assert.Zero(t, h.lender.Outstanding())

	// without a bound the quote is not needed
	res, err = h.eng.Execute(context.Background(), h.attempt("a2", 1_000_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500), res.Profit.Uint64())
}

// clockJump advances the harness clock while it swaps.
type clockJump struct {
	fixedRate
	h  *harness
	by time.Duration
}

func (c *clockJump) Swap(ctx context.Context, req venue.SwapRequest) (venue.SwapOutcome, error) {
	c.h.now = c.h.now.Add(c.by)
	return c.fixedRate.Swap(ctx, req)
}

func TestDeadlinePassingMidRouteAborts(t *testing.T) {
	h := newHarness(t, usdcStrategy(0))
	h.venues.Register(&clockJump{fixedRate: fixedRate{id: venueSell, num: 5012, den: 10_000}, h: h, by: 2 * time.Minute})
	before := h.balances()

	res, err := h.eng.Execute(context.Background(), h.attempt("a1", 1_000_000))
	var ab *domain.ExecutionAborted
	require.True(t, errors.As(err, &ab), "want abort, got %v", err)
	assert.Equal(t, domain.AbortDeadline, ab.Code)
	assert.Equal(t, domain.NoHop, ab.Hop)
	assert.Equal(t, domain.PhaseAborted, res.Phase)
	assert.Equal(t, string(domain.AbortDeadline), res.ReasonCode)
	assert.Equal(t, before, h.balances())
	assert.Zero(t, h.lender.Outstanding())
}

// slowVenue takes delay to swap. When honourCtx is set it gives up as soon
// as ctx is done.
type slowVenue struct {
	fixedRate
	delay     time.Duration
	honourCtx bool
}

func (s *slowVenue) Swap(ctx context.Context, req venue.SwapRequest) (venue.SwapOutcome, error) {
	if !s.honourCtx {
		time.Sleep(s.delay)
		return s.fixedRate.Swap(ctx, req)
	}
	select {
	case <-ctx.Done():
		return venue.SwapOutcome{}, &venue.Error{Venue: s.id, Kind: venue.CallFailed, Err: ctx.Err()}
	case <-time.After(s.delay):
	}
	return s.fixedRate.Swap(ctx, req)
}

func TestHopTimeoutAbortsAtHop(t *testing.T) {
	shortHops := func(c *Config) { c.HopTimeout = 20 * time.Millisecond }

	cases := []struct {
		name      string
		honourCtx bool
		delay     time.Duration
	}{
		{"adapter honours context", true, time.Second},
		{"adapter ignores context", false, 60 * time.Millisecond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, usdcStrategy(0), shortHops)
			h.venues.Register(&slowVenue{
				fixedRate: fixedRate{id: venueSell, num: 5012, den: 10_000},
				delay:     tc.delay,
				honourCtx: tc.honourCtx,
			})
			before := h.balances()

			started := time.Now()
			res, err := h.eng.Execute(context.Background(), h.attempt("a1", 1_000_000))
			var ab *domain.ExecutionAborted
			require.True(t, errors.As(err, &ab), "want abort, got %v", err)
			assert.Equal(t, domain.AbortVenueFailed, ab.Code)
			assert.Equal(t, 1, ab.Hop)
			assert.Equal(t, 1, res.FailedHop)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
			assert.Equal(t, before, h.balances())
			if tc.honourCtx {
				assert.Less(t, time.Since(started), tc.delay)
			}
		})
	}
}

// threeHop funds a usdc -> weth -> dai -> usdc cycle whose hops return
// 998,000 weth, 999,500 dai and 1,002,400 usdc for a 1,000,000 usdc borrow.
func threeHop(t *testing.T, h *harness) domain.Route {
	t.Helper()
	require.NoError(t, h.ledger.Mint(context.Background(), dai, venueMid, u(100_000_000)))
	h.venues.Register(&fixedRate{id: venueBuy, num: 998, den: 1_000})
	h.venues.Register(&fixedRate{id: venueMid, num: 9_995, den: 9_980})
	h.venues.Register(&fixedRate{id: venueSell, num: 1_002_400, den: 999_500})
	h.allow.Set(domain.VenueEntry{ID: venueMid, Name: "mid", Enabled: true})
	return domain.Route{
		{Venue: venueBuy, TokenIn: usdc, TokenOut: weth},
		{Venue: venueMid, TokenIn: weth, TokenOut: dai},
		{Venue: venueSell, TokenIn: dai, TokenOut: usdc},
	}
}

func TestThreeHopCycle(t *testing.T) {
	h := newHarness(t, usdcStrategy(0))
	a := h.attempt("a1", 1_000_000)
	a.Route = threeHop(t, h)

	res, err := h.eng.Execute(context.Background(), a)
	require.NoError(t, err)
	require.Len(t, res.PerHopAmounts, 3)
	assert.Equal(t, uint64(998_000), res.PerHopAmounts[0].Uint64())
	assert.Equal(t, uint64(999_500), res.PerHopAmounts[1].Uint64())
	assert.Equal(t, uint64(1_002_400), res.PerHopAmounts[2].Uint64())
	assert.Equal(t, uint64(900), res.Premium.Uint64())
	assert.Equal(t, uint64(1_500), res.Profit.Uint64())

	// repaid 1,000,900
	assert.Equal(t, uint64(10_000_900), h.ledger.BalanceOf(usdc, reserve).Uint64())
	assert.Equal(t, uint64(1_500), h.ledger.BalanceOf(usdc, treasury).Uint64())
	assert.Zero(t, h.ledger.BalanceOf(dai, vault).Uint64())
	assert.Zero(t, h.ledger.BalanceOf(weth, vault).Uint64())
	assert.Zero(t, h.lender.Outstanding())
}

func TestThreeHopCycleBelowFloor(t *testing.T) {
	h := newHarness(t, usdcStrategy(2_000))
	a := h.attempt("a1", 1_000_000)
	a.Route = threeHop(t, h)
	before := h.balances()
	midDai := h.ledger.BalanceOf(dai, venueMid).Uint64()

	_, err := h.eng.Execute(context.Background(), a)
	assert.EqualError(t, err, "execution aborted: MinProfitNotMet(1500,2000)")
	var ab *domain.ExecutionAborted
	require.True(t, errors.As(err, &ab))
	assert.Equal(t, uint64(1_500), ab.Actual.Uint64())
	assert.Equal(t, uint64(2_000), ab.Required.Uint64())
	assert.Equal(t, before, h.balances())
	assert.Equal(t, midDai, h.ledger.BalanceOf(dai, venueMid).Uint64())
}

func TestSimulateRollsBack(t *testing.T) {
	h := newHarness(t, usdcStrategy(0))
	before := h.balances()
	res, err := h.eng.Simulate(context.Background(), h.attempt("sim", 1_000_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500), res.Profit.Uint64())
	assert.Equal(t, before, h.balances())
	assert.Empty(t, h.eng.Totals().Snapshot())

	// simulation does not consume the id
	_, err = h.eng.Execute(context.Background(), h.attempt("sim", 1_000_000))
	require.NoError(t, err)
}

func TestConcurrentAttemptsRespectVolumeCap(t *testing.T) {
	s := usdcStrategy(0)
	s.Limits = domain.BreakerLimits{MaxVolumePerWindow: u(3_000_000), Window: time.Hour}
	h := newHarness(t, s)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed int
		capped    int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.eng.Execute(context.Background(), h.attempt(string(rune('a'+i)), 1_000_000))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				committed++
				return
			}
			var pr *domain.PreconditionRejected
			if errors.As(err, &pr) && pr.Code == domain.RejectVolumeCap {
				capped++
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 3, committed)
	assert.Equal(t, 2, capped)
	assert.Equal(t, uint64(4_500), h.ledger.BalanceOf(usdc, treasury).Uint64())

	totals := h.eng.Totals().Snapshot()
	require.Len(t, totals, 1)
	assert.Equal(t, int64(3), totals[0].Committed)
	assert.Equal(t, int64(2), totals[0].Rejected)
}

func TestObserversSeeEveryResult(t *testing.T) {
	h := newHarness(t, usdcStrategy(2_000))
	var got []domain.Result
	var hops int
	h.eng.OnResult(func(_ context.Context, r domain.Result) { got = append(got, r) })
	h.eng.OnHop(func(common.Address, int, common.Address, time.Duration, error) { hops++ })

	_, _ = h.eng.Execute(context.Background(), h.attempt("a1", 1_000_000))
	require.NoError(t, h.pause.Pause(guardian))
	_, _ = h.eng.Execute(context.Background(), h.attempt("a2", 1_000_000))

	require.Len(t, got, 2)
	assert.Equal(t, string(domain.AbortMinProfitNotMet), got[0].ReasonCode)
	assert.Equal(t, domain.GuardPause, got[1].OffendingGuard)
	assert.Equal(t, 2, hops)
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	k := NewKeyedMutex()
	unlock, err := k.Acquire(context.Background(), "x", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Acquire(ctx, "x", 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	unlock2, err := k.Acquire(context.Background(), "x", 0)
	require.NoError(t, err)
	unlock2()
}

func TestDedup(t *testing.T) {
	d := NewDedup(2, time.Hour)
	assert.True(t, d.Mark("a", time.Now()))
	assert.False(t, d.Mark("a", time.Now()))
	assert.True(t, d.Seen("a"))
	assert.False(t, d.Seen("b"))
}
