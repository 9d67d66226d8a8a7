package domain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Hop is one swap of TokenIn for TokenOut at a single venue.
type Hop struct {
	Venue    common.Address `json:"venue"`
	TokenIn  common.Address `json:"token_in"`
	TokenOut common.Address `json:"token_out"`
	MinOut   *uint256.Int   `json:"min_out"`
	Payload  []byte         `json:"payload,omitempty"`
}

// Route is an ordered sequence of hops that starts and ends in the borrowed
// asset.
type Route []Hop

// Validate checks that the route is a closed chain over asset.
func (r Route) Validate(asset common.Address) error {
	if len(r) == 0 {
		return fmt.Errorf("%w: no hops", ErrInvalidRoute)
	}
	if r[0].TokenIn != asset {
		return fmt.Errorf("%w: first hop spends %s, want %s", ErrInvalidRoute, r[0].TokenIn.Hex(), asset.Hex())
	}
	if last := r[len(r)-1]; last.TokenOut != asset {
		return fmt.Errorf("%w: last hop yields %s, want %s", ErrInvalidRoute, last.TokenOut.Hex(), asset.Hex())
	}
	for i, h := range r {
		if h.TokenIn == h.TokenOut {
			return fmt.Errorf("%w: hop %d swaps %s for itself", ErrInvalidRoute, i, h.TokenIn.Hex())
		}
		if i > 0 && r[i-1].TokenOut != h.TokenIn {
			return fmt.Errorf("%w: hop %d spends %s but hop %d yields %s",
				ErrInvalidRoute, i, h.TokenIn.Hex(), i-1, r[i-1].TokenOut.Hex())
		}
	}
	return nil
}

// Venues returns the distinct venues in route order.
func (r Route) Venues() []common.Address {
	seen := make(map[common.Address]bool, len(r))
	out := make([]common.Address, 0, len(r))
	for _, h := range r {
		if !seen[h.Venue] {
			seen[h.Venue] = true
			out = append(out, h.Venue)
		}
	}
	return out
}
