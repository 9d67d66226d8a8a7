package guard

import (
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var maxBps = decimal.NewFromInt(10_000)

// OracleConfig bounds acceptable oracle readings.
type OracleConfig struct {
	StaleAfter       time.Duration
	MaxDeviationBps  int64
	MaxConfidenceBps int64 // 0 disables the confidence check
	MaxFutureSkew    time.Duration
}

// OracleGuard rejects readings that are stale, too uncertain, or too far from
// the last accepted price of the same asset.
type OracleGuard struct {
	cfg OracleConfig

	mu   sync.Mutex
	last map[common.Address]domain.OracleReading
	now  func() time.Time
}

// NewOracleGuard validates cfg and returns a guard with no history.
func NewOracleGuard(cfg OracleConfig) (*OracleGuard, error) {
	if cfg.StaleAfter <= 0 {
		return nil, fmt.Errorf("oracle guard: stale_after must be positive")
	}
	if cfg.MaxDeviationBps <= 0 || cfg.MaxDeviationBps > 10_000 {
		return nil, fmt.Errorf("oracle guard: max_deviation_bps must be within 1-10000, got %d", cfg.MaxDeviationBps)
	}
	if cfg.MaxConfidenceBps < 0 || cfg.MaxConfidenceBps > 10_000 {
		return nil, fmt.Errorf("oracle guard: max_confidence_bps must be within 0-10000, got %d", cfg.MaxConfidenceBps)
	}
	return &OracleGuard{
		cfg:  cfg,
		last: make(map[common.Address]domain.OracleReading),
		now:  time.Now,
	}, nil
}

// SetClock overrides the time source.
func (g *OracleGuard) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	g.now = now
}

// Check reports whether r would be accepted. It does not record r.
func (g *OracleGuard) Check(r domain.OracleReading) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.check(r, g.now())
}

func (g *OracleGuard) check(r domain.OracleReading, now time.Time) error {
	if !r.Price.IsPositive() {
		return domain.Reject(domain.GuardOracle, domain.RejectOracleUnavailable,
			"non-positive price %s for %s", r.Price, r.Asset.Hex())
	}
	if age := now.Sub(r.Timestamp); age > g.cfg.StaleAfter {
		return domain.Reject(domain.GuardOracle, domain.RejectOracleStale,
			"reading for %s is %s old (max %s)", r.Asset.Hex(), age.Truncate(time.Millisecond), g.cfg.StaleAfter)
	}
	if r.Timestamp.Sub(now) > g.cfg.MaxFutureSkew {
		return domain.Reject(domain.GuardOracle, domain.RejectOracleStale,
			"reading for %s is timestamped %s in the future", r.Asset.Hex(), r.Timestamp.Sub(now))
	}
	if g.cfg.MaxConfidenceBps > 0 && !r.Confidence.IsZero() {
		conf := r.Confidence.Abs().Mul(maxBps).Div(r.Price)
		if conf.GreaterThan(decimal.NewFromInt(g.cfg.MaxConfidenceBps)) {
			return domain.Reject(domain.GuardOracle, domain.RejectOracleDeviation,
				"confidence interval %s bps wider than %d bps", conf.StringFixed(2), g.cfg.MaxConfidenceBps)
		}
	}
	prev, ok := g.last[r.Asset]
	if !ok {
		return nil
	}
	dev := r.Price.Sub(prev.Price).Abs().Mul(maxBps).Div(prev.Price)
	if dev.GreaterThan(decimal.NewFromInt(g.cfg.MaxDeviationBps)) {
		return domain.Reject(domain.GuardOracle, domain.RejectOracleDeviation,
			"price %s deviates %s bps from last accepted %s (max %d)", r.Price, dev.StringFixed(2), prev.Price, g.cfg.MaxDeviationBps)
	}
	return nil
}

// Accept records r as the last accepted reading of its asset.
func (g *OracleGuard) Accept(r domain.OracleReading) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last[r.Asset] = r
}

// Validate checks r and records it if it passes.
func (g *OracleGuard) Validate(r domain.OracleReading) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(r, g.now()); err != nil {
		return err
	}
	g.last[r.Asset] = r
	return nil
}

// LastAccepted returns the last accepted reading for asset.
func (g *OracleGuard) LastAccepted(asset common.Address) (domain.OracleReading, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.last[asset]
	return r, ok
}
