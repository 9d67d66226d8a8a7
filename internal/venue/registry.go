package venue

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sony/gobreaker"
)

// HealthConfig tunes the per-venue health breaker.
type HealthConfig struct {
	ConsecutiveFailures uint32
	Interval            time.Duration
	Cooldown            time.Duration
}

// DefaultHealthConfig trips a venue after three straight failures and probes
// it again after a minute.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{ConsecutiveFailures: 3, Interval: time.Minute, Cooldown: time.Minute}
}

// Health is a snapshot of one venue's breaker.
type Health struct {
	ID                  common.Address   `json:"id"`
	Name                string           `json:"name"`
	Kind                domain.VenueKind `json:"kind"`
	State               string           `json:"state"`
	Requests            uint32           `json:"requests"`
	ConsecutiveFailures uint32           `json:"consecutive_failures"`
}

type entry struct {
	adapter Adapter
	breaker *gobreaker.CircuitBreaker
}

// Registry maps venue ids to adapters and guards each with a health
// breaker. A venue whose breaker is open fails fast with CallFailed.
type Registry struct {
	cfg    HealthConfig
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[common.Address]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg HealthConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "venues")),
		entries: make(map[common.Address]*entry),
	}
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	settings := gobreaker.Settings{
		Name:     a.Name(),
		Interval: r.cfg.Interval,
		Timeout:  r.cfg.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return r.cfg.ConsecutiveFailures > 0 && c.ConsecutiveFailures >= r.cfg.ConsecutiveFailures
		},
		// a pool that prices a trade at zero is healthy
		IsSuccessful: func(err error) bool {
			return err == nil || KindOf(err) == ZeroOutput
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("venue health changed",
				slog.String("venue", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[a.ID()] = &entry{adapter: a, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Get returns the adapter for id.
func (r *Registry) Get(id common.Address) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// Adapters returns every adapter ordered by id.
func (r *Registry) Adapters() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.adapter)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ID().Bytes(), out[j].ID().Bytes()) < 0 })
	return out
}

// Swap runs the adapter's swap through its health breaker.
func (r *Registry) Swap(ctx context.Context, id common.Address, req SwapRequest) (SwapOutcome, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return SwapOutcome{}, fail(id, CallFailed, nil, "no adapter registered")
	}
	res, err := e.breaker.Execute(func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, fail(id, CallFailed, err, "context done")
		}
		return e.adapter.Swap(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return SwapOutcome{}, fail(id, CallFailed, err, "venue unhealthy")
	}
	if err != nil {
		return SwapOutcome{}, err
	}
	return res.(SwapOutcome), nil
}

// Health reports every venue's breaker.
func (r *Registry) Health() []Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Health, 0, len(r.entries))
	for _, e := range r.entries {
		c := e.breaker.Counts()
		out = append(out, Health{
			ID:                  e.adapter.ID(),
			Name:                e.adapter.Name(),
			Kind:                e.adapter.Kind(),
			State:               e.breaker.State().String(),
			Requests:            c.Requests,
			ConsecutiveFailures: c.ConsecutiveFailures,
		})
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ID.Bytes(), out[j].ID.Bytes()) < 0 })
	return out
}
