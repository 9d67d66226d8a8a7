package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/config"
	"github.com/alanyoungcy/arbengine/internal/domain"
)

var (
	usdc     = common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
	weth     = common.HexToAddress("0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2")
	cpPool   = common.HexToAddress("0x0000000000000000000000000000000000c0ff01")
	wtPool   = common.HexToAddress("0x0000000000000000000000000000000000c0ff02")
	treasury = common.HexToAddress("0x000000000000000000000000000000000000feed")
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// exampleConfig loads the shipped example with a temp SQLite file and the
// weighted pool's USDC side raised, so USDC -> WETH -> USDC pays.
func exampleConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "arbengine.example.toml"))
	require.NoError(t, err)
	cfg.Mode = "simulate"
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "arb.db")
	cfg.Venues[1].Reserves[1] = "4_400_000_000_000"
	require.NoError(t, cfg.Validate())
	return cfg
}

func cycle(id string) domain.Attempt {
	return domain.Attempt{
		ID:     id,
		Asset:  usdc,
		Amount: uint256.NewInt(1_000_000_000),
		Route: domain.Route{
			{Venue: cpPool, TokenIn: usdc, TokenOut: weth},
			{Venue: wtPool, TokenIn: weth, TokenOut: usdc},
		},
		Caller: common.HexToAddress("0xca11"),
	}
}

func TestWireAndExecute(t *testing.T) {
	ctx := context.Background()
	cfg := exampleConfig(t)
	a := New(cfg, quiet())
	deps, cleanup, err := Wire(ctx, cfg, quiet())
	require.NoError(t, err)
	t.Cleanup(cleanup)

	assert.Len(t, deps.Venues.Adapters(), 4)
	assert.Len(t, deps.Stables, 1)
	assert.Len(t, deps.Allowlist.List(), 4)
	assert.Contains(t, deps.Pingers, "sqlite")
	assert.NotNil(t, deps.Feed)

	rt, err := a.build(ctx, deps)
	require.NoError(t, err)

	res, err := rt.engine.Execute(ctx, cycle("wire-1"))
	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	require.NotNil(t, res.Profit)
	assert.False(t, res.Profit.IsZero())
	assert.Equal(t, res.Profit.Uint64(), deps.Ledger.BalanceOf(usdc, treasury).Uint64())

	recs, err := rt.records.List(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "wire-1", recs[0].AttemptID)
	assert.True(t, recs[0].Succeeded)

	_, err = rt.engine.Execute(ctx, cycle("wire-1"))
	var pr *domain.PreconditionRejected
	require.ErrorAs(t, err, &pr)
	assert.Equal(t, domain.RejectDuplicate, pr.Code)
}

func TestDepegMonitorRollsBack(t *testing.T) {
	ctx := context.Background()
	cfg := exampleConfig(t)
	cfg.Venues[2].Reserves[1] = "6_000_000_000_000"
	deps, cleanup, err := Wire(ctx, cfg, quiet())
	require.NoError(t, err)
	t.Cleanup(cleanup)

	m := &venueMonitor{ledger: deps.Ledger, venues: deps.Venues, stables: deps.Stables}
	found, err := m.Depegs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, found, 1)

	none, err := m.Depegs(ctx, 10_000)
	require.NoError(t, err)
	assert.Empty(t, none)

	assert.Len(t, m.Health(), 4)
}

func TestSimulateMode(t *testing.T) {
	ctx := context.Background()
	cfg := exampleConfig(t)

	data, err := json.Marshal([]domain.Attempt{cycle("sim-1"), {ID: "sim-2", Asset: usdc, Amount: uint256.NewInt(1)}})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "attempts.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	var out bytes.Buffer
	a := New(cfg, quiet()).WithAttempts(path).WithOutput(&out)
	t.Cleanup(a.Close)
	require.NoError(t, a.Run(ctx))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)

	var first, second simulation
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Empty(t, first.Error)
	assert.True(t, first.Result.Succeeded)
	assert.Equal(t, "precondition_rejected", second.Kind, second.Error)
}

func TestEngineConfigOverlaysDefaults(t *testing.T) {
	cfg := config.Defaults()
	cfg.Engine.Vault = "0x00000000000000000000000000000000000a11ce"
	cfg.Engine.HopTimeout.Duration = 3 * time.Second
	ec := New(&cfg, quiet()).engineConfig()
	assert.Equal(t, common.HexToAddress("0xa11ce"), ec.Vault)
	assert.Equal(t, 3*time.Second, ec.HopTimeout)
	assert.Equal(t, common.Address{}, ec.Treasury)
}

func TestDecodeAttempts(t *testing.T) {
	got, err := decodeAttempts(strings.NewReader(`[{"id":"a","amount":"10"},{"id":"b"}]`))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(10), got[0].Amount.Uint64())

	_, err = decodeAttempts(strings.NewReader(`{"id":"a"}`))
	assert.Error(t, err)
}
