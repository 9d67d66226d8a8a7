// Package guard holds the checks an attempt must pass before any capital
// moves: the venue allowlist, the per-asset circuit breaker, the oracle
// sanity guard and the global pause switch. It also holds the capability
// table and the two-step timelock that gate governance changes to them.
package guard

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// Allowlist is the set of venues hops may be routed through. Venues that are
// absent or disabled are denied.
type Allowlist struct {
	mu      sync.RWMutex
	entries map[common.Address]domain.VenueEntry
}

// NewAllowlist returns an allowlist seeded with entries.
func NewAllowlist(entries ...domain.VenueEntry) *Allowlist {
	a := &Allowlist{entries: make(map[common.Address]domain.VenueEntry, len(entries))}
	for _, e := range entries {
		a.entries[e.ID] = e
	}
	return a
}

// Set adds or replaces an entry.
func (a *Allowlist) Set(e domain.VenueEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[e.ID] = e
}

// SetEnabled flips the enabled flag of an existing entry.
func (a *Allowlist) SetEnabled(id common.Address, enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[id]
	if !ok {
		return fmt.Errorf("allowlist: venue %s: %w", id.Hex(), domain.ErrNotFound)
	}
	e.Enabled = enabled
	a.entries[id] = e
	return nil
}

// Remove deletes an entry.
func (a *Allowlist) Remove(id common.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, id)
}

// Get returns the entry for id.
func (a *Allowlist) Get(id common.Address) (domain.VenueEntry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.entries[id]
	return e, ok
}

// List returns all entries ordered by id.
func (a *Allowlist) List() []domain.VenueEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]domain.VenueEntry, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0 })
	return out
}

// Check denies venues that are not present and enabled.
func (a *Allowlist) Check(venue common.Address) error {
	a.mu.RLock()
	e, ok := a.entries[venue]
	a.mu.RUnlock()
	if !ok {
		return domain.Reject(domain.GuardAllowlist, domain.RejectVenueDisallowed, "venue %s not listed", venue.Hex())
	}
	if !e.Enabled {
		return domain.Reject(domain.GuardAllowlist, domain.RejectVenueDisallowed, "venue %s (%s) disabled", venue.Hex(), e.Name)
	}
	return nil
}

// CheckRoute checks every hop; the first disallowed hop rejects the route.
func (a *Allowlist) CheckRoute(route domain.Route) error {
	for i, h := range route {
		if err := a.Check(h.Venue); err != nil {
			if pr, ok := err.(*domain.PreconditionRejected); ok {
				pr.Detail = fmt.Sprintf("hop %d: %s", i, pr.Detail)
			}
			return err
		}
	}
	return nil
}
