package venue

import (
	"context"
	"errors"
	"testing"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/ledger"
	"github.com/alanyoungcy/arbengine/internal/pricing"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tokA  = common.HexToAddress("0xa0")
	tokB  = common.HexToAddress("0xb0")
	tokC  = common.HexToAddress("0xc0")
	vault = common.HexToAddress("0x7a")

	cpAB  = common.HexToAddress("0x1001")
	cpBC  = common.HexToAddress("0x1002")
	wAB   = common.HexToAddress("0x2001")
	stAB  = common.HexToAddress("0x3001")
	aggID = common.HexToAddress("0x4001")
)

func u(n uint64) *uint256.Int { return uint256.NewInt(n) }

func begin(t *testing.T, l *ledger.Ledger) *ledger.Tx {
	t.Helper()
	tx, err := l.Begin(context.Background())
	require.NoError(t, err)
	t.Cleanup(tx.Rollback)
	return tx
}

func fund(t *testing.T, l *ledger.Ledger, token, account common.Address, n uint64) {
	t.Helper()
	require.NoError(t, l.Mint(context.Background(), token, account, u(n)))
}

func TestGetAmountOut(t *testing.T) {
	// 1000 in, 30 bps, 1e6/1e6 reserves
	out := GetAmountOut(u(1000), u(1_000_000), u(1_000_000), 30)
	assert.Equal(t, uint64(996), out.Uint64())
	assert.True(t, GetAmountOut(u(1000), u(0), u(1), 30).IsZero())
	assert.True(t, GetAmountOut(u(0), u(1), u(1), 30).IsZero())
}

func TestConstantProductNeedsAllowance(t *testing.T) {
	l := ledger.New()
	fund(t, l, tokA, cpAB, 1_000_000)
	fund(t, l, tokB, cpAB, 1_000_000)
	fund(t, l, tokA, vault, 1000)
	pool := NewConstantProduct(cpAB, "cp-ab", tokA, tokB, 30)

	tx := begin(t, l)
	req := SwapRequest{Book: tx, Account: vault, TokenIn: tokA, TokenOut: tokB, AmountIn: u(1000)}
	_, err := pool.Swap(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, Reverted, KindOf(err))
	assert.ErrorIs(t, err, ledger.ErrInsufficientAllowance)

	require.NoError(t, tx.Approve(tokA, vault, cpAB, u(1000)))
	out, err := pool.Swap(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, uint64(996), out.AmountOut.Uint64())
	assert.Equal(t, uint64(996), tx.BalanceOf(tokB, vault).Uint64())
	assert.True(t, tx.BalanceOf(tokA, vault).IsZero())
	assert.True(t, tx.Allowance(tokA, vault, cpAB).IsZero())
}

func TestConstantProductRejectsUnknownPair(t *testing.T) {
	l := ledger.New()
	pool := NewConstantProduct(cpAB, "cp-ab", tokA, tokB, 30)
	tx := begin(t, l)
	_, err := pool.Quote(tx, tokA, tokC, u(1), nil)
	assert.Equal(t, CallFailed, KindOf(err))
}

func TestZeroOutput(t *testing.T) {
	l := ledger.New()
	fund(t, l, tokA, cpAB, 1_000_000)
	fund(t, l, tokB, cpAB, 10)
	fund(t, l, tokA, vault, 1)
	pool := NewConstantProduct(cpAB, "cp-ab", tokA, tokB, 30)

	tx := begin(t, l)
	require.NoError(t, tx.Approve(tokA, vault, cpAB, u(1)))
	_, err := pool.Swap(context.Background(), SwapRequest{Book: tx, Account: vault, TokenIn: tokA, TokenOut: tokB, AmountIn: u(1)})
	var ve *Error
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, ZeroOutput, ve.Kind)
	assert.Equal(t, uint64(1), tx.BalanceOf(tokA, vault).Uint64())
}

func TestWeightedEqualWeightsTracksConstantProduct(t *testing.T) {
	l := ledger.New()
	half := pricing.FromBps(5000)
	fund(t, l, tokA, wAB, 1_000_000_000)
	fund(t, l, tokB, wAB, 1_000_000_000)
	pool, err := NewWeighted(wAB, "w-ab", []common.Address{tokA, tokB}, []*uint256.Int{half, half}, new(uint256.Int))
	require.NoError(t, err)

	tx := begin(t, l)
	out, err := pool.Quote(tx, tokA, tokB, u(1_000_000), nil)
	require.NoError(t, err)
	cp := GetAmountOut(u(1_000_000), u(1_000_000_000), u(1_000_000_000), 0)
	diff := new(uint256.Int)
	if out.Gt(cp) {
		diff.Sub(out, cp)
	} else {
		diff.Sub(cp, out)
	}
	assert.LessOrEqual(t, diff.Uint64(), uint64(10))

	_, err = NewWeighted(wAB, "bad", []common.Address{tokA}, []*uint256.Int{half}, nil)
	assert.Error(t, err)
}

func TestStableSwapAndDepeg(t *testing.T) {
	l := ledger.New()
	fund(t, l, tokA, stAB, 1_000_000_000)
	fund(t, l, tokB, stAB, 1_000_000_000)
	fund(t, l, tokA, vault, 1_000_000)
	pool, err := NewStable(stAB, "st-ab", []common.Address{tokA, tokB}, u(200*pricing.APrecision), pricing.FromBps(4))
	require.NoError(t, err)

	tx := begin(t, l)
	require.NoError(t, tx.Approve(tokA, vault, stAB, u(1_000_000)))
	out, err := pool.Swap(context.Background(), SwapRequest{Book: tx, Account: vault, TokenIn: tokA, TokenOut: tokB, AmountIn: u(1_000_000)})
	require.NoError(t, err)
	// near 1:1 less a 4 bps fee
	assert.Greater(t, out.AmountOut.Uint64(), uint64(999_000))
	assert.Less(t, out.AmountOut.Uint64(), uint64(1_000_000))

	depegs, err := pool.Depegs(tx, 50)
	require.NoError(t, err)
	assert.Empty(t, depegs)

	require.NoError(t, tx.Transfer(tokB, stAB, vault, u(300_000_000)))
	depegs, err = pool.Depegs(tx, 50)
	require.NoError(t, err)
	require.Len(t, depegs, 2)
	assert.Equal(t, tokA, depegs[0].Token)
}

func TestRouteCodecRoundTrip(t *testing.T) {
	payload, err := EncodeRoute([]common.Address{cpAB, cpBC}, []common.Address{tokA, tokB, tokC})
	require.NoError(t, err)
	venues, path, err := DecodeRoute(payload)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{cpAB, cpBC}, venues)
	assert.Equal(t, []common.Address{tokA, tokB, tokC}, path)

	_, err = EncodeRoute([]common.Address{cpAB}, []common.Address{tokA})
	assert.Error(t, err)
	_, _, err = DecodeRoute([]byte{1, 2, 3})
	assert.Error(t, err)
}

func newAggregatorSetup(t *testing.T) (*ledger.Ledger, *Registry) {
	t.Helper()
	l := ledger.New()
	fund(t, l, tokA, cpAB, 1_000_000)
	fund(t, l, tokB, cpAB, 2_000_000)
	fund(t, l, tokB, cpBC, 1_000_000)
	fund(t, l, tokC, cpBC, 1_000_000)
	fund(t, l, tokA, vault, 10_000)

	reg := NewRegistry(DefaultHealthConfig(), nil)
	reg.Register(NewConstantProduct(cpAB, "cp-ab", tokA, tokB, 30))
	reg.Register(NewConstantProduct(cpBC, "cp-bc", tokB, tokC, 30))
	return l, reg
}

func TestAggregatorChainsSubVenues(t *testing.T) {
	l, reg := newAggregatorSetup(t)
	reg.Register(NewAggregator(aggID, "agg", reg, nil))

	payload, err := EncodeRoute([]common.Address{cpAB, cpBC}, []common.Address{tokA, tokB, tokC})
	require.NoError(t, err)

	tx := begin(t, l)
	agg, ok := reg.Get(aggID)
	require.True(t, ok)
	quote, err := agg.Quote(tx, tokA, tokC, u(10_000), payload)
	require.NoError(t, err)

	require.NoError(t, tx.Approve(tokA, vault, aggID, u(10_000)))
	out, err := reg.Swap(context.Background(), aggID, SwapRequest{
		Book: tx, Account: vault, TokenIn: tokA, TokenOut: tokC, AmountIn: u(10_000), Payload: payload,
	})
	require.NoError(t, err)
	assert.Equal(t, quote, out.AmountOut)
	assert.Equal(t, quote, tx.BalanceOf(tokC, vault))
	assert.True(t, tx.BalanceOf(tokB, aggID).IsZero())
	assert.True(t, tx.BalanceOf(tokC, aggID).IsZero())
}

func TestAggregatorChecksSubVenues(t *testing.T) {
	l, reg := newAggregatorSetup(t)
	deny := errors.New("denied")
	reg.Register(NewAggregator(aggID, "agg", reg, func(id common.Address) error {
		if id == cpBC {
			return deny
		}
		return nil
	}))
	tx := begin(t, l)
	agg, _ := reg.Get(aggID)

	payload, err := EncodeRoute([]common.Address{cpAB, cpBC}, []common.Address{tokA, tokB, tokC})
	require.NoError(t, err)
	_, err = agg.Quote(tx, tokA, tokC, u(100), payload)
	assert.ErrorIs(t, err, deny)

	mismatched, err := EncodeRoute([]common.Address{cpAB}, []common.Address{tokA, tokB})
	require.NoError(t, err)
	_, err = agg.Quote(tx, tokA, tokC, u(100), mismatched)
	assert.Equal(t, CallFailed, KindOf(err))

	nested, err := EncodeRoute([]common.Address{aggID}, []common.Address{tokA, tokC})
	require.NoError(t, err)
	_, err = agg.Quote(tx, tokA, tokC, u(100), nested)
	assert.Equal(t, CallFailed, KindOf(err))
}

type flaky struct {
	id    common.Address
	calls int
}

func (f *flaky) ID() common.Address     { return f.id }
func (f *flaky) Name() string           { return "flaky" }
func (f *flaky) Kind() domain.VenueKind { return domain.VenueConstantProduct }
func (f *flaky) Quote(Book, common.Address, common.Address, *uint256.Int, []byte) (*uint256.Int, error) {
	return nil, nil
}
func (f *flaky) Swap(context.Context, SwapRequest) (SwapOutcome, error) {
	f.calls++
	return SwapOutcome{}, fail(f.id, Reverted, nil, "boom")
}

func TestRegistryHealthBreakerOpens(t *testing.T) {
	reg := NewRegistry(HealthConfig{ConsecutiveFailures: 2, Interval: 0, Cooldown: 0}, nil)
	f := &flaky{id: common.HexToAddress("0xf1")}
	reg.Register(f)
	l := ledger.New()
	tx := begin(t, l)
	req := SwapRequest{Book: tx, Account: vault, TokenIn: tokA, TokenOut: tokB, AmountIn: u(1)}

	for i := 0; i < 2; i++ {
		_, err := reg.Swap(context.Background(), f.id, req)
		assert.Equal(t, Reverted, KindOf(err))
	}
	_, err := reg.Swap(context.Background(), f.id, req)
	assert.Equal(t, CallFailed, KindOf(err))
	assert.Equal(t, 2, f.calls)

	h := reg.Health()
	require.Len(t, h, 1)
	assert.Equal(t, "open", h[0].State)

	_, err = reg.Swap(context.Background(), common.HexToAddress("0xdead"), req)
	assert.Equal(t, CallFailed, KindOf(err))
}
