package guard

import (
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/time/rate"
)

// BreakerRequest is what an attempt asks of the circuit breaker.
type BreakerRequest struct {
	Asset       common.Address
	Amount      *uint256.Int
	SlippageBps uint32
	MinProfit   *uint256.Int
	Limits      domain.BreakerLimits
}

// BreakerStatus is a read-only view of one asset's breaker.
type BreakerStatus struct {
	Asset       common.Address `json:"asset"`
	Volume      *uint256.Int   `json:"volume"`
	WindowStart time.Time      `json:"window_start"`
	Failures    int            `json:"failures"`
	Admitted    int            `json:"admitted"`
	Tokens      float64        `json:"frequency_tokens"`
}

type breakerState struct {
	volume      *uint256.Int
	windowStart time.Time
	failures    int
	admitted    int

	limiter      *rate.Limiter
	limiterCap   int
	limiterEvery time.Duration
}

// CircuitBreaker caps per-asset volume, slippage and attempt frequency over a
// rolling window and trips after too many mid-flight failures. Check never
// mutates state; Admit commits an accepted request.
//
// Zero-valued limits are not enforced: a nil MaxVolumePerWindow, zero
// MaxSlippageBps, zero MaxAttemptsPerWindow and zero MaxFailures all mean
// unlimited. A zero Window never rolls over.
type CircuitBreaker struct {
	mu     sync.Mutex
	states map[common.Address]*breakerState
	now    func() time.Time
}

// NewCircuitBreaker returns a breaker with no recorded activity.
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{
		states: make(map[common.Address]*breakerState),
		now:    time.Now,
	}
}

// SetClock overrides the time source.
func (b *CircuitBreaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	b.now = now
}

// view returns copies of the counters as they read at now, zeroed if the
// window has elapsed. rolled reports that no live window exists.
func (b *CircuitBreaker) view(asset common.Address, limits domain.BreakerLimits, now time.Time) (volume *uint256.Int, failures int, admitted int, rolled bool) {
	st, ok := b.states[asset]
	if !ok {
		return new(uint256.Int), 0, 0, true
	}
	if limits.Window > 0 && now.Sub(st.windowStart) >= limits.Window {
		return new(uint256.Int), 0, 0, true
	}
	return st.volume.Clone(), st.failures, st.admitted, false
}

func (b *CircuitBreaker) check(req BreakerRequest, now time.Time) error {
	l := req.Limits
	volume, failures, admitted, rolled := b.view(req.Asset, l, now)

	if l.MaxFailures > 0 && failures >= l.MaxFailures {
		return domain.Reject(domain.GuardCircuitBreaker, domain.RejectBreakerTripped,
			"%d failures in window (max %d)", failures, l.MaxFailures)
	}
	if l.MaxSlippageBps > 0 && req.SlippageBps > l.MaxSlippageBps {
		return domain.Reject(domain.GuardCircuitBreaker, domain.RejectSlippageCap,
			"slippage %d bps above cap %d bps", req.SlippageBps, l.MaxSlippageBps)
	}
	if l.MinProfitFloor != nil {
		if req.MinProfit == nil || req.MinProfit.Lt(l.MinProfitFloor) {
			return domain.Reject(domain.GuardCircuitBreaker, domain.RejectMinProfitFloor,
				"min profit %s below floor %s", decOrZero(req.MinProfit), l.MinProfitFloor.Dec())
		}
	}
	if l.MaxVolumePerWindow != nil {
		next, over := new(uint256.Int).AddOverflow(volume, req.Amount)
		if over || next.Gt(l.MaxVolumePerWindow) {
			return domain.Reject(domain.GuardCircuitBreaker, domain.RejectVolumeCap,
				"volume %s + %s exceeds %s", volume.Dec(), req.Amount.Dec(), l.MaxVolumePerWindow.Dec())
		}
	}
	if l.MaxAttemptsPerWindow > 0 {
		capped := admitted >= l.MaxAttemptsPerWindow
		if st, ok := b.states[req.Asset]; ok && !rolled && st.limiter != nil && sameFrequency(st, l) {
			capped = capped || st.limiter.TokensAt(now) < 1
		}
		if capped {
			return domain.Reject(domain.GuardCircuitBreaker, domain.RejectFrequencyCap,
				"%d attempts in window (max %d per %s)", admitted, l.MaxAttemptsPerWindow, l.Window)
		}
	}
	return nil
}

// Check reports whether req would be admitted without changing any counter.
func (b *CircuitBreaker) Check(req BreakerRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.check(req, b.now())
}

// Admit re-checks req and, if it passes, adds its amount to the rolling
// volume and spends one frequency token.
func (b *CircuitBreaker) Admit(req BreakerRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if err := b.check(req, now); err != nil {
		return err
	}

	st := b.rollover(req.Asset, req.Limits, now)
	st.volume = new(uint256.Int).Add(st.volume, req.Amount)
	st.admitted++
	if st.limiter != nil {
		st.limiter.AllowN(now, 1)
	}
	return nil
}

// RecordFailure counts a mid-flight abort against the asset.
func (b *CircuitBreaker) RecordFailure(asset common.Address, limits domain.BreakerLimits) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.rollover(asset, limits, b.now())
	st.failures++
}

// Status returns the breaker state for asset as of now.
func (b *CircuitBreaker) Status(asset common.Address, limits domain.BreakerLimits) BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	volume, failures, admitted, rolled := b.view(asset, limits, now)
	out := BreakerStatus{Asset: asset, Volume: volume, Failures: failures, Admitted: admitted, WindowStart: now}
	if st, ok := b.states[asset]; ok {
		if !rolled {
			out.WindowStart = st.windowStart
		}
		if st.limiter != nil && !rolled {
			out.Tokens = st.limiter.TokensAt(now)
		} else if limits.MaxAttemptsPerWindow > 0 {
			out.Tokens = float64(limits.MaxAttemptsPerWindow)
		}
	}
	return out
}

// Reset clears all recorded activity for asset.
func (b *CircuitBreaker) Reset(asset common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, asset)
}

// rollover returns the asset's state for the window containing now. A new
// window gets a full frequency bucket that cannot refill before it ends.
func (b *CircuitBreaker) rollover(asset common.Address, limits domain.BreakerLimits, now time.Time) *breakerState {
	st, ok := b.states[asset]
	switch {
	case !ok:
		st = &breakerState{volume: new(uint256.Int), windowStart: now}
		b.states[asset] = st
		st.resetLimiter(limits)
	case limits.Window > 0 && now.Sub(st.windowStart) >= limits.Window:
		st.volume = new(uint256.Int)
		st.failures = 0
		st.admitted = 0
		st.windowStart = now
		st.resetLimiter(limits)
	case !sameFrequency(st, limits):
		st.resetLimiter(limits)
		if st.limiter != nil {
			st.limiter.AllowN(now, min(st.admitted, limits.MaxAttemptsPerWindow))
		}
	}
	return st
}

func (st *breakerState) resetLimiter(l domain.BreakerLimits) {
	st.limiterCap = l.MaxAttemptsPerWindow
	st.limiterEvery = l.Window
	st.limiter = nil
	if l.MaxAttemptsPerWindow > 0 {
		st.limiter = newFrequencyLimiter(l)
	}
}

func sameFrequency(st *breakerState, l domain.BreakerLimits) bool {
	return st.limiterCap == l.MaxAttemptsPerWindow && st.limiterEvery == l.Window
}

// newFrequencyLimiter holds MaxAttemptsPerWindow tokens and refills one per
// Window, so a bucket rebuilt at each rollover never refills mid-window.
// Without a Window the admitted count alone caps attempts.
func newFrequencyLimiter(l domain.BreakerLimits) *rate.Limiter {
	if l.Window <= 0 {
		return rate.NewLimiter(rate.Inf, l.MaxAttemptsPerWindow)
	}
	return rate.NewLimiter(rate.Every(l.Window), l.MaxAttemptsPerWindow)
}

func decOrZero(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
