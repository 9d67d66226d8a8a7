package pricing

import "github.com/holiman/uint256"

var bpsDenom = uint256.NewInt(10_000)

// Depeg describes one balance that drifted from its equal share.
type Depeg struct {
	Index        int
	DeviationBps uint64
}

// DetectDepeg flags the balances whose deviation from an equal share of the
// pool exceeds thresholdBps.
func DetectDepeg(balances []*uint256.Int, thresholdBps uint64) ([]Depeg, error) {
	if len(balances) < 2 {
		return nil, fail("detect_depeg", ErrInvalidInput)
	}
	total := new(uint256.Int)
	for _, b := range balances {
		var err error
		if total, err = add(total, b); err != nil {
			return nil, fail("detect_depeg", err)
		}
	}
	if total.IsZero() {
		return nil, fail("detect_depeg", ErrZeroBalance)
	}
	share := new(uint256.Int).Div(total, uint256.NewInt(uint64(len(balances))))
	if share.IsZero() {
		return nil, fail("detect_depeg", ErrZeroBalance)
	}

	var out []Depeg
	for i, b := range balances {
		dev, err := mulDiv(absDiff(b, share), bpsDenom, share)
		if err != nil {
			return nil, fail("detect_depeg", err)
		}
		if !dev.IsUint64() || dev.Uint64() > thresholdBps {
			d := Depeg{Index: i, DeviationBps: dev.Uint64()}
			if !dev.IsUint64() {
				d.DeviationBps = ^uint64(0)
			}
			out = append(out, d)
		}
	}
	return out, nil
}
