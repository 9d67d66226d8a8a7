package domain

import "github.com/ethereum/go-ethereum/common"

// VenueKind is the pricing family of a venue.
type VenueKind string

const (
	VenueConstantProduct VenueKind = "constant_product"
	VenueWeighted        VenueKind = "weighted"
	VenueStable          VenueKind = "stable"
	VenueAggregator      VenueKind = "aggregator"
)

// VenueEntry is one allowlist entry.
type VenueEntry struct {
	ID      common.Address `json:"id"`
	Name    string         `json:"name"`
	Kind    VenueKind      `json:"kind"`
	Enabled bool           `json:"enabled"`
}
