package engine

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Dedup remembers admitted attempt IDs for a TTL so a replayed attempt is
// rejected instead of executed twice. It is safe for concurrent use.
type Dedup struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, time.Time]
}

// NewDedup creates a Dedup holding at most size IDs for ttl each.
func NewDedup(size int, ttl time.Duration) *Dedup {
	if size <= 0 {
		size = 10_000
	}
	return &Dedup{seen: expirable.NewLRU[string, time.Time](size, nil, ttl)}
}

// Seen reports whether id was admitted within the TTL.
func (d *Dedup) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen.Contains(id)
}

// Mark records id as admitted at t. It returns false if id was already
// present.
func (d *Dedup) Mark(id string, t time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen.Contains(id) {
		return false
	}
	d.seen.Add(id, t)
	return true
}

// Len returns the number of remembered IDs.
func (d *Dedup) Len() int { return d.seen.Len() }
