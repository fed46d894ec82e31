package vad

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sibilant-audio/sibilant/pkg/power"
)

// lowPowerLevel is the battery fraction below which, while discharging, the
// pipeline enters power saving.
const lowPowerLevel = 0.20

// Governor watches the host battery and flips the pipeline's low-power
// verdict. Dependents are notified synchronously on the battery source's
// goroutine, so a transition is fully applied before the next frame is cut.
//
// A Governor built without a source is inert: every method is a cheap no-op
// and the verdict stays false. That keeps call sites free of battery
// plumbing on hosts without one.
type Governor struct {
	src      power.Source
	onChange func(lowPower bool)
	log      *slog.Logger

	mu       sync.Mutex
	attached bool
	cancel   func()
	state    power.State
	haveSt   bool
	lowPower bool
}

// NewGovernor returns a governor reading src. src may be nil. onChange, if
// non-nil, runs synchronously on every low-power transition, after the
// verdict is updated.
func NewGovernor(src power.Source, onChange func(bool), log *slog.Logger) *Governor {
	if log == nil {
		log = slog.Default()
	}
	return &Governor{src: src, onChange: onChange, log: log}
}

// Attach starts watching the battery. Calling Attach on an attached or
// source-less governor is a no-op. A missing battery is not an error — the
// governor simply stays inert — but a source that fails mid-handshake is
// reported so the caller can surface the degradation.
func (g *Governor) Attach() error {
	if g.src == nil {
		return nil
	}
	g.mu.Lock()
	if g.attached {
		g.mu.Unlock()
		return nil
	}
	g.attached = true
	g.mu.Unlock()

	st, err := g.src.Read()
	if errors.Is(err, power.ErrUnavailable) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("vad: battery read: %w", err)
	}
	g.apply(st)

	cancel, err := g.src.Subscribe(g.apply)
	if err != nil {
		return fmt.Errorf("vad: battery subscribe: %w", err)
	}
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()
	return nil
}

// Detach stops watching the battery. Idempotent. The low-power verdict
// freezes at its last value.
func (g *Governor) Detach() {
	g.mu.Lock()
	cancel := g.cancel
	g.cancel = nil
	g.attached = false
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// LowPower reports the current power-saving verdict.
func (g *Governor) LowPower() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lowPower
}

// BatteryLevel returns the last observed charge in [0, 1], or -1 when no
// reading has been made.
func (g *Governor) BatteryLevel() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.haveSt {
		return -1
	}
	return g.state.Level
}

// Charging reports whether the battery was charging at the last reading.
// False when no reading has been made.
func (g *Governor) Charging() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.haveSt && g.state.Charging
}

// apply folds one battery reading into the verdict, invoking onChange
// outside the lock when the verdict flips.
func (g *Governor) apply(st power.State) {
	low := st.Level < lowPowerLevel && !st.Charging

	g.mu.Lock()
	g.state = st
	g.haveSt = true
	changed := low != g.lowPower
	g.lowPower = low
	g.mu.Unlock()

	if !changed {
		return
	}
	g.log.Info("battery power state changed",
		"low_power", low,
		"level", st.Level,
		"charging", st.Charging)
	if g.onChange != nil {
		g.onChange(low)
	}
}
