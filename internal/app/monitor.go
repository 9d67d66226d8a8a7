package app

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/arbengine/internal/ledger"
	"github.com/alanyoungcy/arbengine/internal/venue"
)

// venueMonitor reports venue health and stable-pool depegs. Depegs are read
// inside a ledger transaction that is always rolled back.
type venueMonitor struct {
	ledger  *ledger.Ledger
	venues  *venue.Registry
	stables []*venue.Stable
}

func (m *venueMonitor) Health() []venue.Health {
	return m.venues.Health()
}

func (m *venueMonitor) Depegs(ctx context.Context, thresholdBps uint64) (map[common.Address][]venue.Depeg, error) {
	tx, err := m.ledger.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: depegs: %w", err)
	}
	defer tx.Rollback()

	out := make(map[common.Address][]venue.Depeg)
	for _, s := range m.stables {
		ds, err := s.Depegs(tx, thresholdBps)
		if err != nil {
			return nil, fmt.Errorf("app: depegs %s: %w", s.Name(), err)
		}
		if len(ds) > 0 {
			out[s.ID()] = ds
		}
	}
	return out, nil
}
