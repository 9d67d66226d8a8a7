// Package oracle supplies the price readings the oracle guard checks before
// an attempt borrows. Feeds aggregate one or more sources; the cached feed
// publishes every fresh reading to the shared price cache.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoReading         = errors.New("oracle: no reading")
	ErrInsufficientFeeds = errors.New("oracle: insufficient feeds")
)

// Feed returns the latest reading for an asset.
type Feed interface {
	Latest(ctx context.Context, asset common.Address) (domain.OracleReading, error)
}

// Source is one upstream price provider.
type Source interface {
	Name() string
	Fetch(ctx context.Context, asset common.Address) (domain.OracleReading, error)
}

// Manual is a source whose prices are set by hand. It backs the simulated
// deployment and tests.
type Manual struct {
	name string

	mu       sync.RWMutex
	readings map[common.Address]domain.OracleReading
}

// NewManual returns an empty manual source.
func NewManual(name string) *Manual {
	return &Manual{name: name, readings: make(map[common.Address]domain.OracleReading)}
}

func (m *Manual) Name() string { return m.name }

// Set records price for asset observed at ts.
func (m *Manual) Set(asset common.Address, price decimal.Decimal, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings[asset] = domain.OracleReading{Asset: asset, Price: price, Timestamp: ts, Source: m.name}
}

func (m *Manual) Fetch(_ context.Context, asset common.Address) (domain.OracleReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.readings[asset]
	if !ok {
		return domain.OracleReading{}, fmt.Errorf("%w: %s has no price for %s", ErrNoReading, m.name, asset.Hex())
	}
	return r, nil
}

// Latest lets a single Manual serve as a Feed.
func (m *Manual) Latest(ctx context.Context, asset common.Address) (domain.OracleReading, error) {
	return m.Fetch(ctx, asset)
}

// MedianFeed queries every source in parallel and reports the median of the
// usable answers. Sources that fail, return a non-positive price or an
// expired reading are skipped.
type MedianFeed struct {
	sources  []Source
	minFeeds int
	maxAge   time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	clockMu sync.RWMutex
	now     func() time.Time
}

// NewMedianFeed returns a feed over sources. minFeeds below one is treated as
// one; a zero maxAge accepts any age.
func NewMedianFeed(sources []Source, minFeeds int, maxAge, timeout time.Duration, logger *slog.Logger) (*MedianFeed, error) {
	if len(sources) == 0 {
		return nil, errors.New("oracle: at least one source required")
	}
	if minFeeds <= 0 {
		minFeeds = 1
	}
	if minFeeds > len(sources) {
		return nil, fmt.Errorf("oracle: min feeds %d exceeds %d sources", minFeeds, len(sources))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MedianFeed{
		sources:  append([]Source(nil), sources...),
		minFeeds: minFeeds,
		maxAge:   maxAge,
		timeout:  timeout,
		logger:   logger.With(slog.String("component", "oracle")),
		now:      time.Now,
	}, nil
}

// SetClock overrides the time source.
func (f *MedianFeed) SetClock(now func() time.Time) {
	f.clockMu.Lock()
	f.now = now
	f.clockMu.Unlock()
}

func (f *MedianFeed) clock() time.Time {
	f.clockMu.RLock()
	now := f.now
	f.clockMu.RUnlock()
	return now()
}

func (f *MedianFeed) Latest(ctx context.Context, asset common.Address) (domain.OracleReading, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	results := make([]*domain.OracleReading, len(f.sources))
	var g errgroup.Group
	for i, src := range f.sources {
		g.Go(func() error {
			r, err := src.Fetch(ctx, asset)
			if err != nil {
				f.logger.WarnContext(ctx, "oracle source failed",
					slog.String("source", src.Name()),
					slog.String("asset", asset.Hex()),
					slog.String("error", err.Error()),
				)
				return nil
			}
			results[i] = &r
			return nil
		})
	}
	_ = g.Wait()

	now := f.clock()
	usable := make([]domain.OracleReading, 0, len(results))
	names := make([]string, 0, len(results))
	for i, r := range results {
		if r == nil || !r.Price.IsPositive() {
			continue
		}
		if f.maxAge > 0 && now.Sub(r.Timestamp) > f.maxAge {
			f.logger.DebugContext(ctx, "oracle source expired", slog.String("source", f.sources[i].Name()))
			continue
		}
		usable = append(usable, *r)
		names = append(names, f.sources[i].Name())
	}
	if len(usable) < f.minFeeds {
		return domain.OracleReading{}, fmt.Errorf("%w for %s: %d of %d required", ErrInsufficientFeeds, asset.Hex(), len(usable), f.minFeeds)
	}
	return median(asset, usable, names), nil
}

// median returns the median price, the oldest timestamp among the inputs and
// the half spread between the lowest and highest price as the confidence.
func median(asset common.Address, rs []domain.OracleReading, names []string) domain.OracleReading {
	prices := make([]decimal.Decimal, len(rs))
	oldest := rs[0].Timestamp
	for i, r := range rs {
		prices[i] = r.Price
		if r.Timestamp.Before(oldest) {
			oldest = r.Timestamp
		}
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })
	mid := len(prices) / 2
	med := prices[mid]
	if len(prices)%2 == 0 {
		med = prices[mid-1].Add(prices[mid]).Div(decimal.NewFromInt(2))
	}
	spread := prices[len(prices)-1].Sub(prices[0]).Div(decimal.NewFromInt(2))
	sort.Strings(names)
	return domain.OracleReading{
		Asset:      asset,
		Price:      med,
		Timestamp:  oldest,
		Confidence: spread,
		Source:     "median(" + strings.Join(names, ",") + ")",
	}
}
