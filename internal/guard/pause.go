package guard

import (
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// PauseState describes the global pause flag.
type PauseState struct {
	Paused bool           `json:"paused"`
	By     common.Address `json:"by"`
	At     time.Time      `json:"at"`
}

// PauseSwitch is the global pause flag. Only a Guardian may flip it and the
// change takes effect immediately.
type PauseSwitch struct {
	caps *Capabilities

	mu    sync.RWMutex
	state PauseState
	now   func() time.Time
}

// NewPauseSwitch returns an unpaused switch gated by caps.
func NewPauseSwitch(caps *Capabilities) *PauseSwitch {
	return &PauseSwitch{caps: caps, now: time.Now}
}

// SetClock overrides the time source.
func (p *PauseSwitch) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// Pause stops new attempts from passing validation.
func (p *PauseSwitch) Pause(actor common.Address) error { return p.set(actor, true) }

// Unpause lets attempts through again.
func (p *PauseSwitch) Unpause(actor common.Address) error { return p.set(actor, false) }

func (p *PauseSwitch) set(actor common.Address, paused bool) error {
	if err := p.caps.Require(actor, domain.RoleGuardian); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = PauseState{Paused: paused, By: actor, At: p.now()}
	return nil
}

// State returns the current flag.
func (p *PauseSwitch) State() PauseState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Check rejects while paused.
func (p *PauseSwitch) Check() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state.Paused {
		return domain.Reject(domain.GuardPause, domain.RejectPaused, "paused by %s", p.state.By.Hex())
	}
	return nil
}
