package oracle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// CacheKey is the price cache key of an asset.
func CacheKey(asset common.Address) string { return "oracle:" + asset.Hex() }

// CachedFeed publishes every reading of the inner feed to the price cache
// and falls back to the cached reading when the inner feed fails. A cached
// reading keeps its original timestamp, so the oracle guard still sees its
// age.
type CachedFeed struct {
	inner  Feed
	cache  domain.PriceCache
	logger *slog.Logger
}

// NewCachedFeed wraps inner with cache.
func NewCachedFeed(inner Feed, cache domain.PriceCache, logger *slog.Logger) *CachedFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedFeed{inner: inner, cache: cache, logger: logger.With(slog.String("component", "oracle_cache"))}
}

func (c *CachedFeed) Latest(ctx context.Context, asset common.Address) (domain.OracleReading, error) {
	r, err := c.inner.Latest(ctx, asset)
	if err == nil {
		if perr := c.cache.SetPrice(ctx, CacheKey(asset), r.Price, r.Timestamp); perr != nil {
			c.logger.WarnContext(ctx, "price cache write failed", slog.String("asset", asset.Hex()), slog.String("error", perr.Error()))
		}
		return r, nil
	}
	price, ts, cerr := c.cache.GetPrice(ctx, CacheKey(asset))
	if cerr != nil {
		return domain.OracleReading{}, fmt.Errorf("oracle: %w (cache: %v)", err, cerr)
	}
	c.logger.WarnContext(ctx, "serving cached price", slog.String("asset", asset.Hex()), slog.String("error", err.Error()))
	return domain.OracleReading{Asset: asset, Price: price, Timestamp: ts, Source: "cache"}, nil
}

// CacheSource reads prices other processes published to the cache.
type CacheSource struct {
	cache domain.PriceCache
}

// NewCacheSource returns a source over cache.
func NewCacheSource(cache domain.PriceCache) *CacheSource { return &CacheSource{cache: cache} }

func (s *CacheSource) Name() string { return "cache" }

func (s *CacheSource) Fetch(ctx context.Context, asset common.Address) (domain.OracleReading, error) {
	price, ts, err := s.cache.GetPrice(ctx, CacheKey(asset))
	if err != nil {
		return domain.OracleReading{}, fmt.Errorf("oracle: cache source %s: %w", asset.Hex(), err)
	}
	return domain.OracleReading{Asset: asset, Price: price, Timestamp: ts, Source: s.Name()}, nil
}
