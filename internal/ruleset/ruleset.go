// Package ruleset keeps the versioned per-asset strategies. Exactly one
// version is current; the engine reads it lock-free on every attempt and
// records the version it used.
package ruleset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/guard"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Timelock targets served by the registry.
const (
	TargetActivate    = "ruleset.activate"
	TargetStrategySet = "strategy.set"
)

// Ruleset is one immutable version of the asset strategies.
type Ruleset struct {
	Version     uint64
	Assets      map[common.Address]domain.AssetStrategy
	ActivatedAt time.Time
}

// Strategy returns the strategy for asset.
func (r *Ruleset) Strategy(asset common.Address) (domain.AssetStrategy, bool) {
	if r == nil {
		return domain.AssetStrategy{}, false
	}
	s, ok := r.Assets[asset]
	return s, ok
}

// List returns the strategies ordered by symbol, then address.
func (r *Ruleset) List() []domain.AssetStrategy {
	out := make([]domain.AssetStrategy, 0, len(r.Assets))
	for _, s := range r.Assets {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Asset.Hex() < out[j].Asset.Hex()
	})
	return out
}

// ActivatePayload is the timelock payload of TargetActivate.
type ActivatePayload struct {
	Version uint64 `json:"version"`
}

// Registry holds every staged version and the current one.
type Registry struct {
	store  domain.StrategyStore
	logger *slog.Logger

	mu       sync.Mutex
	versions map[uint64]*Ruleset
	latest   uint64
	current  atomic.Pointer[Ruleset]
	now      func() time.Time
}

// NewRegistry returns a registry whose version 1 holds seed and is current.
// store may be nil.
func NewRegistry(seed []domain.AssetStrategy, store domain.StrategyStore, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:    store,
		logger:   logger.With(slog.String("component", "ruleset")),
		versions: make(map[uint64]*Ruleset),
		now:      time.Now,
	}
	assets := make(map[common.Address]domain.AssetStrategy, len(seed))
	for _, s := range seed {
		if err := ValidateStrategy(s); err != nil {
			return nil, err
		}
		assets[s.Asset] = s
	}
	rs := &Ruleset{Version: 1, Assets: assets, ActivatedAt: r.now()}
	r.versions[1] = rs
	r.latest = 1
	r.current.Store(rs)
	return r, nil
}

// SetClock overrides the time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Current returns the active ruleset.
func (r *Registry) Current() *Ruleset { return r.current.Load() }

// Strategy looks asset up in the active ruleset and reports its version.
func (r *Registry) Strategy(asset common.Address) (domain.AssetStrategy, uint64, bool) {
	rs := r.current.Load()
	s, ok := rs.Strategy(asset)
	return s, rs.Version, ok
}

// Versions returns every known version, ascending.
func (r *Registry) Versions() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, 0, len(r.versions))
	for v := range r.versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Version returns a staged or active version.
func (r *Registry) Version(v uint64) (*Ruleset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.versions[v]
	if !ok {
		return nil, fmt.Errorf("ruleset: version %d: %w", v, domain.ErrNotFound)
	}
	return rs, nil
}

// Stage creates a new inactive version equal to the current ruleset with
// changes applied on top, and returns its number.
func (r *Registry) Stage(ctx context.Context, changes ...domain.AssetStrategy) (uint64, error) {
	for _, s := range changes {
		if err := ValidateStrategy(s); err != nil {
			return 0, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	base := r.current.Load()
	assets := make(map[common.Address]domain.AssetStrategy, len(base.Assets)+len(changes))
	for k, v := range base.Assets {
		assets[k] = v
	}
	for _, s := range changes {
		assets[s.Asset] = s
	}
	version := r.latest + 1
	if r.store != nil {
		for _, s := range assets {
			if err := r.store.Upsert(ctx, version, s); err != nil {
				return 0, fmt.Errorf("ruleset: stage version %d: %w", version, err)
			}
		}
	}
	r.versions[version] = &Ruleset{Version: version, Assets: assets}
	r.latest = version
	r.logger.InfoContext(ctx, "ruleset staged", slog.Uint64("version", version), slog.Int("changes", len(changes)))
	return version, nil
}

// Activate makes version current.
func (r *Registry) Activate(ctx context.Context, version uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.versions[version]
	if !ok {
		return fmt.Errorf("ruleset: activate version %d: %w", version, domain.ErrNotFound)
	}
	if r.store != nil {
		if err := r.store.SetActiveVersion(ctx, version); err != nil {
			return fmt.Errorf("ruleset: activate version %d: %w", version, err)
		}
	}
	prev := r.current.Load().Version
	rs.ActivatedAt = r.now()
	r.current.Store(rs)
	r.logger.InfoContext(ctx, "ruleset activated", slog.Uint64("version", version), slog.Uint64("previous", prev))
	return nil
}

// Apply stages changes and activates the result at once.
func (r *Registry) Apply(ctx context.Context, changes ...domain.AssetStrategy) (uint64, error) {
	v, err := r.Stage(ctx, changes...)
	if err != nil {
		return 0, err
	}
	return v, r.Activate(ctx, v)
}

// Load replaces the in-memory state with the store's active version. A store
// with no active version is seeded from the current ruleset.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	active, err := r.store.ActiveVersion(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		cur := r.current.Load()
		for _, s := range cur.Assets {
			if err := r.store.Upsert(ctx, cur.Version, s); err != nil {
				return fmt.Errorf("ruleset: seed store: %w", err)
			}
		}
		return r.store.SetActiveVersion(ctx, cur.Version)
	}
	if err != nil {
		return fmt.Errorf("ruleset: load active version: %w", err)
	}
	list, err := r.store.ListVersion(ctx, active)
	if err != nil {
		return fmt.Errorf("ruleset: load version %d: %w", active, err)
	}
	assets := make(map[common.Address]domain.AssetStrategy, len(list))
	for _, s := range list {
		assets[s.Asset] = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rs := &Ruleset{Version: active, Assets: assets, ActivatedAt: r.now()}
	r.versions[active] = rs
	if active > r.latest {
		r.latest = active
	}
	r.current.Store(rs)
	r.logger.InfoContext(ctx, "ruleset loaded", slog.Uint64("version", active), slog.Int("assets", len(assets)))
	return nil
}

// ValidateStrategy rejects strategies that could never admit an attempt or
// that name no asset.
func ValidateStrategy(s domain.AssetStrategy) error {
	if s.Asset == (common.Address{}) {
		return errors.New("ruleset: strategy has zero asset address")
	}
	if s.MaxBorrow != nil && s.MaxBorrow.IsZero() {
		return fmt.Errorf("ruleset: %s: max_borrow is zero", s.Asset.Hex())
	}
	l := s.Limits
	if l.MaxSlippageBps > 10_000 {
		return fmt.Errorf("ruleset: %s: max_slippage_bps %d above 10000", s.Asset.Hex(), l.MaxSlippageBps)
	}
	if l.MaxAttemptsPerWindow < 0 || l.MaxFailures < 0 || l.Window < 0 {
		return fmt.Errorf("ruleset: %s: negative limit", s.Asset.Hex())
	}
	if l.MaxAttemptsPerWindow > 0 && l.Window == 0 {
		return fmt.Errorf("ruleset: %s: max_attempts_per_window needs a window", s.Asset.Hex())
	}
	return nil
}

// RegisterTargets registers TargetActivate and TargetStrategySet with tl.
func (r *Registry) RegisterTargets(tl *guard.Timelock) {
	tl.RegisterTarget(TargetActivate, r.applyActivate, r.validateActivate)
	tl.RegisterTarget(TargetStrategySet, r.applyStrategy, func(payload []byte) error {
		_, err := DecodeStrategy(payload)
		return err
	})
}

func (r *Registry) applyActivate(ctx context.Context, payload []byte) error {
	var p ActivatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("ruleset: decode activate payload: %w", err)
	}
	return r.Activate(ctx, p.Version)
}

func (r *Registry) validateActivate(payload []byte) error {
	var p ActivatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	_, err := r.Version(p.Version)
	return err
}

func (r *Registry) applyStrategy(ctx context.Context, payload []byte) error {
	s, err := DecodeStrategy(payload)
	if err != nil {
		return err
	}
	_, err = r.Apply(ctx, s)
	return err
}

// DecodeStrategy parses and validates a TargetStrategySet payload.
func DecodeStrategy(payload []byte) (domain.AssetStrategy, error) {
	var s domain.AssetStrategy
	if err := json.Unmarshal(payload, &s); err != nil {
		return s, fmt.Errorf("ruleset: decode strategy payload: %w", err)
	}
	if err := ValidateStrategy(s); err != nil {
		return s, err
	}
	return s, nil
}

// EncodeStrategy builds a TargetStrategySet payload.
func EncodeStrategy(s domain.AssetStrategy) ([]byte, error) {
	if err := ValidateStrategy(s); err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

// CheckBorrow rejects amounts above the strategy's max borrow.
func CheckBorrow(s domain.AssetStrategy, amount *uint256.Int) error {
	if s.MaxBorrow != nil && amount.Gt(s.MaxBorrow) {
		return domain.Reject(domain.GuardRuleset, domain.RejectMaxBorrow,
			"amount %s above max borrow %s", amount.Dec(), s.MaxBorrow.Dec())
	}
	return nil
}
