package ruleset

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/guard"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc = common.HexToAddress("0xa0b8")
	weth = common.HexToAddress("0xc02a")
)

type memStore struct {
	mu       sync.Mutex
	versions map[uint64]map[common.Address]domain.AssetStrategy
	active   uint64
}

func newMemStore() *memStore {
	return &memStore{versions: make(map[uint64]map[common.Address]domain.AssetStrategy)}
}

func (m *memStore) Upsert(_ context.Context, v uint64, s domain.AssetStrategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.versions[v] == nil {
		m.versions[v] = make(map[common.Address]domain.AssetStrategy)
	}
	m.versions[v][s.Asset] = s
	return nil
}

func (m *memStore) ListVersion(_ context.Context, v uint64) ([]domain.AssetStrategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AssetStrategy
	for _, s := range m.versions[v] {
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) ActiveVersion(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == 0 {
		return 0, domain.ErrNotFound
	}
	return m.active, nil
}

func (m *memStore) SetActiveVersion(_ context.Context, v uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = v
	return nil
}

func strategy(asset common.Address, floor uint64) domain.AssetStrategy {
	return domain.AssetStrategy{
		Asset:          asset,
		Symbol:         asset.Hex()[:6],
		MinProfitFloor: uint256.NewInt(floor),
		MaxBorrow:      uint256.NewInt(10_000_000),
	}
}

func TestStageDoesNotChangeCurrent(t *testing.T) {
	ctx := context.Background()
	r, err := NewRegistry([]domain.AssetStrategy{strategy(usdc, 100)}, nil, nil)
	require.NoError(t, err)

	v, err := r.Stage(ctx, strategy(usdc, 2000), strategy(weth, 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	s, ver, ok := r.Strategy(usdc)
	require.True(t, ok)
	assert.Equal(t, uint64(1), ver)
	assert.Equal(t, uint64(100), s.MinProfitFloor.Uint64())
	_, _, ok = r.Strategy(weth)
	assert.False(t, ok)

	require.NoError(t, r.Activate(ctx, v))
	s, ver, ok = r.Strategy(usdc)
	require.True(t, ok)
	assert.Equal(t, uint64(2), ver)
	assert.Equal(t, uint64(2000), s.MinProfitFloor.Uint64())
	assert.Equal(t, []uint64{1, 2}, r.Versions())
	assert.Len(t, r.Current().List(), 2)

	assert.ErrorIs(t, r.Activate(ctx, 9), domain.ErrNotFound)
}

func TestValidateStrategy(t *testing.T) {
	bad := []domain.AssetStrategy{
		{},
		{Asset: usdc, MaxBorrow: new(uint256.Int)},
		{Asset: usdc, Limits: domain.BreakerLimits{MaxSlippageBps: 10_001}},
		{Asset: usdc, Limits: domain.BreakerLimits{MaxAttemptsPerWindow: 3}},
		{Asset: usdc, Limits: domain.BreakerLimits{MaxFailures: -1}},
	}
	for i, s := range bad {
		assert.Error(t, ValidateStrategy(s), "case %d", i)
	}
	assert.NoError(t, ValidateStrategy(strategy(usdc, 0)))
}

func TestLoadSeedsAndRestores(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r, err := NewRegistry([]domain.AssetStrategy{strategy(usdc, 100)}, store, nil)
	require.NoError(t, err)
	require.NoError(t, r.Load(ctx))
	assert.Equal(t, uint64(1), store.active)

	_, err = r.Apply(ctx, strategy(usdc, 700))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), store.active)

	// a fresh process picks up version 2
	r2, err := NewRegistry([]domain.AssetStrategy{strategy(usdc, 100)}, store, nil)
	require.NoError(t, err)
	require.NoError(t, r2.Load(ctx))
	s, ver, ok := r2.Strategy(usdc)
	require.True(t, ok)
	assert.Equal(t, uint64(2), ver)
	assert.Equal(t, uint64(700), s.MinProfitFloor.Uint64())

	v, err := r2.Stage(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)
}

func TestCheckBorrow(t *testing.T) {
	s := strategy(usdc, 0)
	require.NoError(t, CheckBorrow(s, uint256.NewInt(10_000_000)))
	err := CheckBorrow(s, uint256.NewInt(10_000_001))
	var pr *domain.PreconditionRejected
	require.True(t, errors.As(err, &pr))
	assert.Equal(t, domain.RejectMaxBorrow, pr.Code)
	assert.Equal(t, domain.GuardRuleset, pr.Guard)
}

func TestTimelockTargets(t *testing.T) {
	ctx := context.Background()
	admin := common.HexToAddress("0x01")
	caps := guard.NewCapabilities(admin)
	require.NoError(t, caps.Grant(admin, admin, domain.RoleProposer))
	require.NoError(t, caps.Grant(admin, admin, domain.RoleExecutor))

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tl := guard.NewTimelock(caps, time.Hour)
	tl.SetNowFunc(func() time.Time { return now })

	r, err := NewRegistry([]domain.AssetStrategy{strategy(usdc, 100)}, nil, nil)
	require.NoError(t, err)
	r.RegisterTargets(tl)

	payload, err := EncodeStrategy(strategy(usdc, 2000))
	require.NoError(t, err)
	p, err := tl.Propose(admin, TargetStrategySet, payload, "raise usdc floor")
	require.NoError(t, err)

	_, err = tl.Propose(admin, TargetStrategySet, []byte(`{"asset":"0x0000000000000000000000000000000000000000"}`), "")
	require.Error(t, err)
	_, err = tl.Propose(admin, TargetActivate, []byte(`{"version":42}`), "")
	require.Error(t, err)

	now = now.Add(time.Hour)
	_, err = tl.Execute(ctx, admin, p.ID)
	require.NoError(t, err)

	s, ver, _ := r.Strategy(usdc)
	assert.Equal(t, uint64(2), ver)
	assert.Equal(t, uint64(2000), s.MinProfitFloor.Uint64())

	act, err := tl.Propose(admin, TargetActivate, []byte(`{"version":1}`), "roll back")
	require.NoError(t, err)
	now = now.Add(time.Hour)
	_, err = tl.Execute(ctx, admin, act.ID)
	require.NoError(t, err)
	_, ver, _ = r.Strategy(usdc)
	assert.Equal(t, uint64(1), ver)
}
