package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

var (
	usdc = common.HexToAddress("0xa0b86991")
	dai  = common.HexToAddress("0x6b175474")
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "sub", "arb.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func record(id string, asset common.Address, ts time.Time, ok bool, guard string) domain.ExecutionRecord {
	rec := domain.ExecutionRecord{
		ID:             id,
		AttemptID:      "attempt-" + id,
		Asset:          asset,
		AmountIn:       uint256.NewInt(1_000_000),
		Premium:        uint256.NewInt(900),
		PerHopAmounts:  []*uint256.Int{uint256.NewInt(2_000_000), uint256.NewInt(1_002_400)},
		Succeeded:      ok,
		FailedHop:      domain.NoHop,
		RulesetVersion: 3,
		Caller:         common.HexToAddress("0xca11"),
		Timestamp:      ts,
	}
	if ok {
		rec.Profit = uint256.NewInt(1_500)
	} else {
		rec.OffendingGuard = guard
		rec.RejectionReason = "min_profit_not_met"
	}
	return rec
}

func TestExecutionStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t).Executions()
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	big, err := uint256.FromDecimal("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	require.NoError(t, err)
	rec := record("r1", usdc, ts, true, "")
	rec.CostEstimate = big
	rec.Signature = []byte{0xde, 0xad}
	require.NoError(t, s.Create(ctx, rec))

	got, err := s.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	assert.ErrorIs(t, s.Create(ctx, rec), domain.ErrAlreadyExists)
	_, err = s.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExecutionStoreListAndTotals(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t).Executions()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Create(ctx, record("a", usdc, base, true, "")))
	require.NoError(t, s.Create(ctx, record("b", usdc, base.Add(time.Hour), true, "")))
	require.NoError(t, s.Create(ctx, record("c", usdc, base.Add(2*time.Hour), false, "")))
	require.NoError(t, s.Create(ctx, record("d", dai, base.Add(3*time.Hour), false, domain.GuardPause)))

	all, err := s.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "d", all[0].ID)

	only := usdc
	since := base.Add(30 * time.Minute)
	filtered, err := s.List(ctx, domain.ListOpts{Asset: &only, Since: &since})
	require.NoError(t, err)
	require.Len(t, filtered, 2)
	assert.Equal(t, "c", filtered[0].ID)

	totals, err := s.Totals(ctx)
	require.NoError(t, err)
	require.Len(t, totals, 2)
	byAsset := map[common.Address]domain.AssetTotals{}
	for _, tt := range totals {
		byAsset[tt.Asset] = tt
	}
	assert.Equal(t, int64(2), byAsset[usdc].Committed)
	assert.Equal(t, int64(1), byAsset[usdc].Aborted)
	assert.Equal(t, uint64(3_000), byAsset[usdc].TotalProfit.Uint64())
	assert.Equal(t, uint64(2_000_000), byAsset[usdc].TotalVolume.Uint64())
	assert.Equal(t, int64(1), byAsset[dai].Rejected)

	old, err := s.ListBefore(ctx, base.Add(90*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, old, 2)
	assert.Equal(t, "a", old[0].ID)

	n, err := s.DeleteBefore(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestAuditStore(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t)
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	db.now = func() time.Time { clock = clock.Add(time.Second); return clock }
	a := db.Audit()

	require.NoError(t, a.Log(ctx, "pause", map[string]any{"by": "0x9a"}))
	require.NoError(t, a.Log(ctx, "unpause", map[string]any{"by": "0x9a"}))

	entries, err := a.List(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "unpause", entries[0].Event)
	assert.Equal(t, "0x9a", entries[0].Detail["by"])
}

func TestProposalStoreUpsert(t *testing.T) {
	ctx := context.Background()
	ps := openTemp(t).Proposals()
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p := domain.Proposal{
		ID:        common.BytesToHash([]byte("p1")),
		Target:    "allowlist.set",
		Payload:   []byte(`{"id":"0x01"}`),
		Proposer:  common.HexToAddress("0xa1"),
		Status:    domain.ProposalPending,
		CreatedAt: created,
		ReadyAt:   created.Add(48 * time.Hour),
	}
	require.NoError(t, ps.Save(ctx, p))

	executed := created.Add(49 * time.Hour)
	p.Status = domain.ProposalExecuted
	p.ExecutedAt = &executed
	require.NoError(t, ps.Save(ctx, p))

	got, err := ps.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalExecuted, got.Status)
	require.NotNil(t, got.ExecutedAt)
	assert.Equal(t, executed, *got.ExecutedAt)
	assert.Nil(t, got.CancelledAt)
	assert.Equal(t, p.Payload, got.Payload)

	all, err := ps.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = ps.Get(ctx, common.BytesToHash([]byte("missing")))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStrategyStoreVersions(t *testing.T) {
	ctx := context.Background()
	ss := openTemp(t).Strategies()

	_, err := ss.ActiveVersion(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, ss.Upsert(ctx, 1, domain.AssetStrategy{Asset: usdc, Symbol: "USDC", MaxBorrow: uint256.NewInt(10)}))
	require.NoError(t, ss.Upsert(ctx, 2, domain.AssetStrategy{Asset: usdc, Symbol: "USDC", MaxBorrow: uint256.NewInt(20)}))
	require.NoError(t, ss.Upsert(ctx, 2, domain.AssetStrategy{Asset: usdc, Symbol: "USDC", MaxBorrow: uint256.NewInt(25)}))
	require.NoError(t, ss.SetActiveVersion(ctx, 1))
	require.NoError(t, ss.SetActiveVersion(ctx, 2))

	v, err := ss.ActiveVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	list, err := ss.ListVersion(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, uint64(25), list[0].MaxBorrow.Uint64())
}
