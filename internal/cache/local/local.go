// Package local provides in-process implementations of the cache interfaces
// for single-instance deployments that run without Redis.
package local

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// streamMaxLen caps each stream, matching the Redis bus.
const streamMaxLen = 10000

// Bus implements domain.SignalBus in memory. Slow subscribers drop messages
// rather than block publishers.
type Bus struct {
	mu      sync.Mutex
	subs    map[string]map[chan []byte]struct{}
	streams map[string][]domain.StreamMessage
	seq     uint64
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[string]map[chan []byte]struct{}),
		streams: make(map[string][]domain.StreamMessage),
	}
}

// Publish delivers payload to every subscriber whose pattern matches channel.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for pattern, set := range b.subs {
		if !matches(pattern, channel) {
			continue
		}
		for ch := range set {
			select {
			case ch <- payload:
			default:
			}
		}
	}
	return nil
}

// Subscribe returns a channel of payloads published on channel. A trailing
// "*" matches any suffix. The returned channel closes when ctx ends.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[channel], ch)
		if len(b.subs[channel]) == 0 {
			delete(b.subs, channel)
		}
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// StreamAppend appends payload to stream.
func (b *Bus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	msgs := append(b.streams[stream], domain.StreamMessage{
		ID:      strconv.FormatUint(b.seq, 10),
		Payload: append([]byte(nil), payload...),
	})
	if len(msgs) > streamMaxLen {
		msgs = msgs[len(msgs)-streamMaxLen:]
	}
	b.streams[stream] = msgs
	return nil
}

// StreamRead returns up to count entries after lastID ("0" reads from the
// start).
func (b *Bus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	after, err := strconv.ParseUint(lastID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("local: stream read %s: bad id %q", stream, lastID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		id, _ := strconv.ParseUint(m.ID, 10, 64)
		if id <= after {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

func matches(pattern, channel string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(channel, prefix)
	}
	return pattern == channel
}

// RateLimiter implements domain.RateLimiter with one token bucket per key.
// Buckets refill at limit per window and hold at most limit tokens. Only the
// most recently used keys are tracked.
type RateLimiter struct {
	buckets *lru.Cache[string, *bucket]
	mu      sync.Mutex
}

type bucket struct {
	lim    *rate.Limiter
	limit  int
	window time.Duration
}

// NewRateLimiter tracks at most size keys.
func NewRateLimiter(size int) (*RateLimiter, error) {
	c, err := lru.New[string, *bucket](size)
	if err != nil {
		return nil, fmt.Errorf("local: rate limiter: %w", err)
	}
	return &RateLimiter{buckets: c}, nil
}

// Allow takes one token from key's bucket.
func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	rl.mu.Lock()
	b, ok := rl.buckets.Get(key)
	if !ok || b.limit != limit || b.window != window {
		b = &bucket{
			lim:    rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit),
			limit:  limit,
			window: window,
		}
		rl.buckets.Add(key, b)
	}
	rl.mu.Unlock()
	return b.lim.Allow(), nil
}

// PriceCache implements domain.PriceCache in memory.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]cachedPrice
	ttl    time.Duration
	now    func() time.Time
}

type cachedPrice struct {
	price  decimal.Decimal
	ts     time.Time
	stored time.Time
}

// NewPriceCache creates a PriceCache. Entries expire ttl after they were
// stored; zero keeps them forever.
func NewPriceCache(ttl time.Duration) *PriceCache {
	return &PriceCache{prices: make(map[string]cachedPrice), ttl: ttl, now: time.Now}
}

// SetPrice stores price observed at ts.
func (pc *PriceCache) SetPrice(_ context.Context, assetID string, price decimal.Decimal, ts time.Time) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.prices[assetID] = cachedPrice{price: price, ts: ts.UTC(), stored: pc.now()}
	return nil
}

// GetPrice returns the cached price and its observation time, or
// domain.ErrNotFound.
func (pc *PriceCache) GetPrice(_ context.Context, assetID string) (decimal.Decimal, time.Time, error) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	p, ok := pc.prices[assetID]
	if !ok || (pc.ttl > 0 && pc.now().Sub(p.stored) > pc.ttl) {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return p.price, p.ts, nil
}

var (
	_ domain.SignalBus   = (*Bus)(nil)
	_ domain.RateLimiter = (*RateLimiter)(nil)
	_ domain.PriceCache  = (*PriceCache)(nil)
)
