package engine

import (
	"bytes"
	"sort"
	"sync"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Totals keeps running per-asset counters of engine outcomes.
type Totals struct {
	mu     sync.Mutex
	assets map[common.Address]*domain.AssetTotals
}

func newTotals() *Totals {
	return &Totals{assets: make(map[common.Address]*domain.AssetTotals)}
}

func (t *Totals) get(asset common.Address) *domain.AssetTotals {
	at, ok := t.assets[asset]
	if !ok {
		at = &domain.AssetTotals{Asset: asset, TotalVolume: new(uint256.Int), TotalProfit: new(uint256.Int)}
		t.assets[asset] = at
	}
	return at
}

func (t *Totals) record(res domain.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at := t.get(res.Asset)
	switch res.Phase {
	case domain.PhaseCommitted:
		at.Committed++
		if res.Amount != nil {
			at.TotalVolume = new(uint256.Int).Add(at.TotalVolume, res.Amount)
		}
		if res.Profit != nil {
			at.TotalProfit = new(uint256.Int).Add(at.TotalProfit, res.Profit)
		}
	case domain.PhaseAborted:
		if res.OffendingGuard != "" {
			at.Rejected++
		} else {
			at.Aborted++
		}
	}
}

// Seed replaces the counters, typically with totals loaded from a store.
func (t *Totals) Seed(all []domain.AssetTotals) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.assets = make(map[common.Address]*domain.AssetTotals, len(all))
	for _, at := range all {
		cp := at
		if cp.TotalVolume == nil {
			cp.TotalVolume = new(uint256.Int)
		}
		if cp.TotalProfit == nil {
			cp.TotalProfit = new(uint256.Int)
		}
		t.assets[at.Asset] = &cp
	}
}

// Snapshot returns a copy of every asset's counters ordered by asset.
func (t *Totals) Snapshot() []domain.AssetTotals {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.AssetTotals, 0, len(t.assets))
	for _, at := range t.assets {
		cp := *at
		cp.TotalVolume = at.TotalVolume.Clone()
		cp.TotalProfit = at.TotalProfit.Clone()
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Asset[:], out[j].Asset[:]) < 0 })
	return out
}
