package local

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

func TestBusPublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBus()

	exact, err := b.Subscribe(ctx, domain.ChannelExecutions)
	require.NoError(t, err)
	wild, err := b.Subscribe(ctx, "ch:*")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, domain.ChannelExecutions, []byte("a")))
	require.NoError(t, b.Publish(ctx, domain.ChannelGovernance, []byte("b")))

	assert.Equal(t, []byte("a"), <-exact)
	assert.Equal(t, []byte("a"), <-wild)
	assert.Equal(t, []byte("b"), <-wild)
	select {
	case m := <-exact:
		t.Fatalf("unexpected message %q", m)
	default:
	}

	cancel()
	_, open := <-exact
	for open {
		_, open = <-exact
	}
}

func TestBusStream(t *testing.T) {
	ctx := context.Background()
	b := NewBus()
	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, b.StreamAppend(ctx, domain.StreamExecutions, []byte(p)))
	}

	all, err := b.StreamRead(ctx, domain.StreamExecutions, "0", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)

	rest, err := b.StreamRead(ctx, domain.StreamExecutions, all[0].ID, 1)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "two", string(rest[0].Payload))

	_, err = b.StreamRead(ctx, domain.StreamExecutions, "x", 1)
	assert.Error(t, err)
}

func TestRateLimiterBurstThenDeny(t *testing.T) {
	ctx := context.Background()
	rl, err := NewRateLimiter(16)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "ops", 3, time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := rl.Allow(ctx, "ops", 3, time.Hour)
	assert.False(t, ok)

	ok, _ = rl.Allow(ctx, "other", 3, time.Hour)
	assert.True(t, ok, "keys are independent")

	ok, _ = rl.Allow(ctx, "ops", 0, time.Hour)
	assert.True(t, ok, "zero limit disables limiting")
}

func TestPriceCacheExpiry(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	pc := NewPriceCache(time.Minute)
	pc.now = func() time.Time { return clock }

	_, _, err := pc.GetPrice(ctx, "usdc")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, pc.SetPrice(ctx, "usdc", decimal.RequireFromString("0.9995"), clock.Add(-time.Second)))
	price, ts, err := pc.GetPrice(ctx, "usdc")
	require.NoError(t, err)
	assert.Equal(t, "0.9995", price.String())
	assert.Equal(t, clock.Add(-time.Second), ts)

	clock = clock.Add(2 * time.Minute)
	_, _, err = pc.GetPrice(ctx, "usdc")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
