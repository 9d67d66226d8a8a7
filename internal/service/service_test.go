package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/arbitrage"
	"github.com/alanyoungcy/arbengine/internal/crypto"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/guard"
	"github.com/alanyoungcy/arbengine/internal/notify"
	"github.com/alanyoungcy/arbengine/internal/ruleset"
	"github.com/alanyoungcy/arbengine/internal/store/sqlite"
)

var (
	usdc     = common.HexToAddress("0xa0b86991")
	venueA   = common.HexToAddress("0x1001")
	admin    = common.HexToAddress("0xad")
	guardian = common.HexToAddress("0x9a")
	proposer = common.HexToAddress("0x9b")
	executor = common.HexToAddress("0x9c")
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	stream    [][]byte
}

func newMemBus() *memBus { return &memBus{published: map[string][][]byte{}} }

func (b *memBus) Publish(_ context.Context, ch string, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[ch] = append(b.published[ch], p)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *memBus) StreamAppend(_ context.Context, _ string, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream = append(b.stream, p)
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type recordingSender struct{ got []notify.Message }

func (r *recordingSender) Send(_ context.Context, m notify.Message) error {
	r.got = append(r.got, m)
	return nil
}
func (r *recordingSender) Name() string { return "rec" }

func (r *recordingSender) events() []notify.Event {
	var out []notify.Event
	for _, m := range r.got {
		out = append(out, m.Event)
	}
	return out
}

func openDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordServicePersistsSignsAndPublishes(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	bus := newMemBus()
	sender := &recordingSender{}
	key, err := crypto.LoadKey(crypto.KeyConfig{RawPrivateKey: "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"})
	require.NoError(t, err)
	signer := crypto.NewRecordSigner(key)

	svc, err := NewRecordService(RecordDeps{
		Store:    db.Executions(),
		Costs:    arbitrage.NewCalculator(arbitrage.DefaultCostModel()),
		Bus:      bus,
		Audit:    db.Audit(),
		Notifier: notify.NewNotifier([]notify.Sender{sender}, nil, quiet()),
		Signer:   signer,
	}, quiet())
	require.NoError(t, err)

	finished := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	rec, err := svc.Record(ctx, domain.Result{
		AttemptID:     "a1",
		Asset:         usdc,
		Amount:        uint256.NewInt(1_000_000),
		Premium:       uint256.NewInt(900),
		Profit:        uint256.NewInt(1500),
		PerHopAmounts: []*uint256.Int{uint256.NewInt(2_000_000), uint256.NewInt(1_002_400)},
		Succeeded:     true,
		FailedHop:     domain.NoHop,
		FinishedAt:    finished,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2300), rec.CostEstimate.Uint64())

	stored, err := svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	who, err := crypto.RecoverSigner(stored)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), who)

	require.Len(t, bus.published[domain.ChannelExecutions], 1)
	require.Len(t, bus.stream, 1)
	var decoded domain.ExecutionRecord
	require.NoError(t, json.Unmarshal(bus.stream[0], &decoded))
	assert.Equal(t, rec.ID, decoded.ID)
	assert.Equal(t, []notify.Event{notify.EventCommitted}, sender.events())

	_, err = svc.Get(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecordServiceAlertsOnBreakerTrip(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	sender := &recordingSender{}
	limits := domain.BreakerLimits{Window: time.Hour, MaxFailures: 2}
	rules, err := ruleset.NewRegistry([]domain.AssetStrategy{{Asset: usdc, Symbol: "USDC", Limits: limits}}, nil, quiet())
	require.NoError(t, err)
	breaker := guard.NewCircuitBreaker()

	svc, err := NewRecordService(RecordDeps{
		Store:    db.Executions(),
		Costs:    arbitrage.NewCalculator(arbitrage.DefaultCostModel()),
		Audit:    db.Audit(),
		Notifier: notify.NewNotifier([]notify.Sender{sender}, []string{"breaker_tripped", "attempt_aborted"}, quiet()),
		Breaker:  breaker,
		Rules:    rules,
	}, quiet())
	require.NoError(t, err)

	abort := domain.Result{
		AttemptID:  "x",
		Asset:      usdc,
		Amount:     uint256.NewInt(10),
		ReasonCode: string(domain.AbortMinProfitNotMet),
		FailedHop:  domain.NoHop,
		FinishedAt: time.Now(),
	}
	for i := 0; i < 2; i++ {
		breaker.RecordFailure(usdc, limits)
		svc.Handle(ctx, abort)
	}
	assert.Equal(t, []notify.Event{notify.EventAborted, notify.EventAborted, notify.EventBreakerTripped}, sender.events())

	entries, err := db.Audit().List(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	var events []string
	for _, e := range entries {
		events = append(events, e.Event)
	}
	assert.Contains(t, events, "breaker_tripped")
	assert.Contains(t, events, "attempt_aborted")

	totals, err := svc.Totals(ctx)
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, int64(2), totals[0].Aborted)
}

type memProposals struct {
	mu sync.Mutex
	m  map[common.Hash]domain.Proposal
}

func (p *memProposals) Save(_ context.Context, pr domain.Proposal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[pr.ID] = pr
	return nil
}

func (p *memProposals) Get(_ context.Context, id common.Hash) (domain.Proposal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.m[id]
	if !ok {
		return pr, domain.ErrNotFound
	}
	return pr, nil
}

func (p *memProposals) List(context.Context, domain.ListOpts) ([]domain.Proposal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Proposal
	for _, pr := range p.m {
		out = append(out, pr)
	}
	return out, nil
}

type govHarness struct {
	svc       *GovernanceService
	rules     *ruleset.Registry
	allowlist *guard.Allowlist
	proposals *memProposals
	sender    *recordingSender
	now       time.Time
}

func newGovHarness(t *testing.T) *govHarness {
	t.Helper()
	h := &govHarness{
		now:       time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
		proposals: &memProposals{m: map[common.Hash]domain.Proposal{}},
		sender:    &recordingSender{},
	}
	clock := func() time.Time { return h.now }

	caps := guard.NewCapabilities(admin)
	require.NoError(t, caps.Grant(admin, guardian, domain.RoleGuardian))
	require.NoError(t, caps.Grant(admin, proposer, domain.RoleProposer))
	require.NoError(t, caps.Grant(admin, executor, domain.RoleExecutor))

	tl := guard.NewTimelock(caps, 24*time.Hour)
	tl.SetNowFunc(clock)
	pause := guard.NewPauseSwitch(caps)
	pause.SetClock(clock)

	var err error
	h.rules, err = ruleset.NewRegistry([]domain.AssetStrategy{{Asset: usdc, Symbol: "USDC", MaxBorrow: uint256.NewInt(1_000_000)}}, nil, quiet())
	require.NoError(t, err)
	h.allowlist = guard.NewAllowlist()

	h.svc, err = NewGovernanceService(GovernanceDeps{
		Caps:      caps,
		Timelock:  tl,
		Pause:     pause,
		Allowlist: h.allowlist,
		Rules:     h.rules,
		Breaker:   guard.NewCircuitBreaker(),
		Proposals: h.proposals,
		Notifier:  notify.NewNotifier([]notify.Sender{h.sender}, nil, quiet()),
	}, quiet())
	require.NoError(t, err)
	return h
}

func govCode(t *testing.T, err error) domain.GovernanceCode {
	t.Helper()
	var gr *domain.GovernanceRejected
	require.True(t, errors.As(err, &gr), "want GovernanceRejected, got %v", err)
	return gr.Code
}

func TestSetAssetLimitsThroughTimelock(t *testing.T) {
	ctx := context.Background()
	h := newGovHarness(t)

	next := domain.AssetStrategy{Asset: usdc, Symbol: "USDC", MaxBorrow: uint256.NewInt(5_000_000), MinProfitFloor: uint256.NewInt(100)}
	p, err := h.svc.SetAssetLimits(ctx, proposer, next, "raise max borrow")
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalPending, h.proposals.m[p.ID].Status)

	_, err = h.svc.Execute(ctx, executor, p.ID)
	assert.Equal(t, domain.GovProposalNotReady, govCode(t, err))

	h.now = h.now.Add(24 * time.Hour)
	done, err := h.svc.Execute(ctx, executor, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalExecuted, done.Status)
	assert.Equal(t, domain.ProposalExecuted, h.proposals.m[p.ID].Status)

	strat, version, ok := h.rules.Strategy(usdc)
	require.True(t, ok)
	assert.Equal(t, uint64(2), version)
	assert.Equal(t, uint64(5_000_000), strat.MaxBorrow.Uint64())
	assert.Equal(t, []notify.Event{notify.EventProposalExecuted}, h.sender.events())

	_, err = h.svc.Execute(ctx, executor, p.ID)
	assert.Equal(t, domain.GovProposalExecuted, govCode(t, err))

	_, err = h.svc.SetAssetLimits(ctx, proposer, domain.AssetStrategy{}, "bad")
	assert.Equal(t, domain.GovInvalidPayload, govCode(t, err))
}

func TestStageAndActivateRuleset(t *testing.T) {
	ctx := context.Background()
	h := newGovHarness(t)

	_, err := h.svc.StageRuleset(ctx, executor, domain.AssetStrategy{Asset: usdc})
	assert.Equal(t, domain.GovMissingCapability, govCode(t, err))

	v, err := h.svc.StageRuleset(ctx, proposer, domain.AssetStrategy{Asset: usdc, Symbol: "USDC", MaxBorrow: uint256.NewInt(7)})
	require.NoError(t, err)
	_, cur, _ := h.rules.Strategy(usdc)
	assert.Equal(t, uint64(1), cur, "staging does not activate")

	p, err := h.svc.ProposeActivate(ctx, proposer, v, "switch")
	require.NoError(t, err)
	h.now = h.now.Add(25 * time.Hour)
	_, err = h.svc.Execute(ctx, executor, p.ID)
	require.NoError(t, err)
	_, cur, _ = h.rules.Strategy(usdc)
	assert.Equal(t, v, cur)

	_, err = h.svc.ProposeActivate(ctx, proposer, 99, "missing version")
	assert.Equal(t, domain.GovInvalidPayload, govCode(t, err))
}

func TestVenueGovernance(t *testing.T) {
	ctx := context.Background()
	h := newGovHarness(t)

	p, err := h.svc.ProposeVenue(ctx, proposer, domain.VenueEntry{ID: venueA, Name: "cp", Kind: domain.VenueConstantProduct, Enabled: true}, "add cp pool")
	require.NoError(t, err)
	assert.Error(t, h.allowlist.Check(venueA))

	cancelled, err := h.svc.Cancel(ctx, admin, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalCancelled, cancelled.Status)

	p, err = h.svc.ProposeVenue(ctx, proposer, domain.VenueEntry{ID: venueA, Enabled: true}, "add cp pool again")
	require.NoError(t, err)
	h.now = h.now.Add(24 * time.Hour)
	_, err = h.svc.Execute(ctx, executor, p.ID)
	require.NoError(t, err)
	require.NoError(t, h.allowlist.Check(venueA))

	assert.Equal(t, domain.GovMissingCapability, govCode(t, h.svc.DisableVenue(ctx, proposer, venueA)))
	require.NoError(t, h.svc.DisableVenue(ctx, guardian, venueA))
	assert.Error(t, h.allowlist.Check(venueA))
	assert.Len(t, h.svc.Venues(), 1)
}

func TestPauseAndRoles(t *testing.T) {
	ctx := context.Background()
	h := newGovHarness(t)

	assert.Equal(t, domain.GovMissingCapability, govCode(t, h.svc.Pause(ctx, admin)))
	require.NoError(t, h.svc.Pause(ctx, guardian))
	assert.True(t, h.svc.PauseState().Paused)
	require.NoError(t, h.svc.Unpause(ctx, guardian))
	assert.Equal(t, []notify.Event{notify.EventPaused, notify.EventUnpaused}, h.sender.events())

	other := common.HexToAddress("0x55")
	assert.Equal(t, domain.GovMissingCapability, govCode(t, h.svc.Grant(ctx, guardian, other, domain.RoleGuardian)))
	require.NoError(t, h.svc.Grant(ctx, admin, other, domain.RoleGuardian))
	assert.Contains(t, h.svc.Roles(other), domain.RoleGuardian)
	require.NoError(t, h.svc.Revoke(ctx, admin, other, domain.RoleGuardian))
	assert.Empty(t, h.svc.Roles(other))

	require.NoError(t, h.svc.ResetBreaker(ctx, guardian, usdc))
	assert.Len(t, h.svc.BreakerStatus(), 1)
}

func TestLoadRestoresProposals(t *testing.T) {
	ctx := context.Background()
	h := newGovHarness(t)
	p, err := h.svc.SetAssetLimits(ctx, proposer, domain.AssetStrategy{Asset: usdc, Symbol: "USDC"}, "x")
	require.NoError(t, err)

	fresh := newGovHarness(t)
	fresh.proposals = h.proposals
	fresh.svc.deps.Proposals = h.proposals
	require.NoError(t, fresh.svc.Load(ctx))
	got, err := fresh.svc.Proposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "x", got.Description)
}

type failingAudit struct{ calls []string }

func (f *failingAudit) Log(_ context.Context, event string, _ map[string]any) error {
	f.calls = append(f.calls, event)
	return errors.New("audit unavailable")
}

func (f *failingAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestBreakerTripAuditFailureIsLogged(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	sender := &recordingSender{}
	audit := &failingAudit{}
	var logs bytes.Buffer
	limits := domain.BreakerLimits{Window: time.Hour, MaxFailures: 1}
	rules, err := ruleset.NewRegistry([]domain.AssetStrategy{{Asset: usdc, Symbol: "USDC", Limits: limits}}, nil, quiet())
	require.NoError(t, err)
	breaker := guard.NewCircuitBreaker()

	svc, err := NewRecordService(RecordDeps{
		Store:    db.Executions(),
		Costs:    arbitrage.NewCalculator(arbitrage.DefaultCostModel()),
		Audit:    audit,
		Notifier: notify.NewNotifier([]notify.Sender{sender}, []string{"breaker_tripped"}, quiet()),
		Breaker:  breaker,
		Rules:    rules,
	}, slog.New(slog.NewTextHandler(&logs, nil)))
	require.NoError(t, err)

	breaker.RecordFailure(usdc, limits)
	svc.Handle(ctx, domain.Result{
		AttemptID:  "x",
		Asset:      usdc,
		Amount:     uint256.NewInt(10),
		ReasonCode: string(domain.AbortMinProfitNotMet),
		FailedHop:  domain.NoHop,
		FinishedAt: time.Now(),
	})

	assert.Contains(t, audit.calls, "breaker_tripped")
	assert.Contains(t, logs.String(), "record_service: audit log failed")
	assert.Contains(t, logs.String(), "event=breaker_tripped")
	// the alert still goes out
	assert.Equal(t, []notify.Event{notify.EventBreakerTripped}, sender.events())

	totals, err := svc.Totals(ctx)
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, int64(1), totals[0].Aborted)
}
