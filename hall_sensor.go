package smartblind

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"
)

// DebounceWindow is how long the magnet must stay present before a trigger is trusted.
const DebounceWindow = 100 * time.Millisecond

// PinReader reads the level of a digital input. board.GPIOPin satisfies it.
type PinReader interface {
	Get(ctx context.Context, extra map[string]interface{}) (bool, error)
}

// HallSensor turns the falling edge of a hall-effect home sensor into a latched,
// debounced "home reached" event. The sensor pulls its output LOW while the magnet
// is present.
//
// Interrupt may be called from any goroutine; everything else must be called from
// the poll loop.
type HallSensor struct {
	pin    PinReader
	clock  clock.Clock
	logger logging.Logger

	irq atomic.Bool

	initialized   bool
	magnetPresent bool

	pending      bool
	pendingSince time.Time

	latched      bool
	triggerCount uint32
	lastTrigger  time.Time
}

// NewHallSensor returns a sensor reading pin. Init must be called before Poll.
func NewHallSensor(pin PinReader, clk clock.Clock, logger logging.Logger) *HallSensor {
	if clk == nil {
		clk = clock.New()
	}
	return &HallSensor{
		pin:    pin,
		clock:  clk,
		logger: logger,
	}
}

// Init samples the pin once. If the magnet is already present the edge happened
// before we were listening, so a pending trigger is started right away.
func (h *HallSensor) Init(ctx context.Context) error {
	high, err := h.pin.Get(ctx, nil)
	if err != nil {
		return err
	}
	h.magnetPresent = !high
	if h.magnetPresent {
		h.pending = true
		h.pendingSince = h.clock.Now()
	}
	h.initialized = true

	state := "no magnet"
	if h.magnetPresent {
		state = "magnet present"
	}
	h.logger.Infof("Hall sensor initialized (initial: %s, debounce=%v)", state, DebounceWindow)
	return nil
}

// Interrupt records a falling edge. It only sets a flag and is safe to call from the
// tick-stream goroutine.
func (h *HallSensor) Interrupt() {
	h.irq.Store(true)
}

// Poll interprets pending edges against the current pin level.
func (h *HallSensor) Poll(ctx context.Context) {
	if !h.initialized {
		return
	}

	now := h.clock.Now()
	if high, err := h.pin.Get(ctx, nil); err != nil {
		h.logger.Debugf("Failed to read hall sensor pin: %v", err)
	} else {
		// A falling edge seen by sampling counts as an interrupt.
		if !h.magnetPresent && !high {
			h.irq.Store(true)
		}
		h.magnetPresent = !high
	}

	if h.irq.Swap(false) && !h.pending && !h.latched {
		h.pending = true
		h.pendingSince = now
		h.logger.Debug("Hall sensor: potential trigger detected, starting debounce")
	}

	if !h.pending || h.latched {
		return
	}

	if !h.magnetPresent {
		h.logger.Debugf("Hall sensor: false trigger rejected after %v", now.Sub(h.pendingSince))
		h.pending = false
		h.pendingSince = time.Time{}
		return
	}

	if now.Sub(h.pendingSince) >= DebounceWindow {
		h.latched = true
		h.triggerCount++
		h.lastTrigger = now
		h.pending = false
		h.logger.Infof("Hall sensor triggered (count: %d)", h.triggerCount)
	}
}

// Triggered reports whether a debounced trigger is latched.
func (h *HallSensor) Triggered() bool {
	return h.latched
}

// ClearTriggered drops the latch and any edge still being debounced.
func (h *HallSensor) ClearTriggered() {
	h.latched = false
	h.pending = false
	h.pendingSince = time.Time{}
	h.irq.Store(false)
}

// MagnetPresent is the raw level seen by the last Init or Poll.
func (h *HallSensor) MagnetPresent() bool {
	return h.magnetPresent
}

// TriggerCount is the number of confirmed triggers since construction.
func (h *HallSensor) TriggerCount() uint32 {
	return h.triggerCount
}

// LastTrigger is when the most recent trigger was confirmed.
func (h *HallSensor) LastTrigger() time.Time {
	return h.lastTrigger
}
