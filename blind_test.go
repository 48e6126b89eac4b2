package smartblind

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	"go.viam.com/test"
)

// fakeTicks hands the registered channel back to the test.
type fakeTicks struct {
	mu sync.Mutex
	ch chan board.Tick
}

func (f *fakeTicks) StreamTicks(
	ctx context.Context,
	interrupts []board.DigitalInterrupt,
	ch chan board.Tick,
	extra map[string]interface{},
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ch = ch
	return nil
}

type fakeInterrupt struct {
	board.DigitalInterrupt
}

type blindHarness struct {
	bl    *blind
	act   *fakeActuator
	pin   *fakePin
	store *MemoryStore
	clock *clock.Mock
}

func newTestBlind(t *testing.T, conf *BlindConfig, store *MemoryStore, withHall bool) *blindHarness {
	t.Helper()
	if store == nil {
		store = NewMemoryStore()
	}
	if conf.Port == "" {
		conf.Port = "/dev/ttyUSB0"
	}
	if conf.ServoID == 0 {
		conf.ServoID = 1
	}

	h := &blindHarness{
		act:   newFakeActuator(0),
		pin:   &fakePin{high: true},
		store: store,
		clock: clock.NewMock(),
	}
	var wiring *hallWiring
	if withHall {
		wiring = &hallWiring{pin: h.pin}
	}

	bl, err := newBlindFromParts(context.Background(), sensor.Named("blind"), conf, h.act, store, wiring, h.clock, logging.NewTestLogger(t))
	require.NoError(t, err)
	h.bl = bl
	t.Cleanup(func() { bl.Close(context.Background()) })
	return h
}

// stopLoop halts the background poll loop so the test drives poll itself.
func (h *blindHarness) stopLoop() {
	h.bl.cancelFunc()
	h.bl.activeBackgroundWorkers.Wait()
}

func (h *blindHarness) do(t *testing.T, cmd map[string]interface{}) map[string]interface{} {
	t.Helper()
	resp, err := h.bl.DoCommand(context.Background(), cmd)
	require.NoError(t, err)
	return resp
}

func TestRegistration(t *testing.T) {
	reg, ok := resource.LookupRegistration(sensor.API, BlindModel)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, reg.Constructor, test.ShouldNotBeNil)

	reg, ok = resource.LookupRegistration(discovery.API, DiscoveryModel)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, reg.Constructor, test.ShouldNotBeNil)

	test.That(t, BlindModel.String(), test.ShouldEqual, "devrel:smartblind:blind")
}

func TestBlindReadings(t *testing.T) {
	ctx := context.Background()

	t.Run("without hall sensor", func(t *testing.T) {
		h := newTestBlind(t, &BlindConfig{ServoID: 4}, calibratedStore(6000, 1500), false)

		readings, err := h.bl.Readings(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, "stopped", readings["state"])
		assert.Equal(t, "idle", readings["calibration_state"])
		assert.Equal(t, 1500, readings["position"])
		assert.Equal(t, 6000, readings["max_position"])
		assert.Equal(t, true, readings["calibrated"])
		assert.Equal(t, true, readings["connected"])
		assert.Equal(t, 4, readings["servo_id"])
		assert.Equal(t, false, readings["needs_recovery"])
		assert.Equal(t, false, readings["recovering"])
		assert.Equal(t, false, readings["calibrating"])
		assert.Equal(t, false, readings["hall_sensor_configured"])
		assert.NotContains(t, readings, "magnet_present")
	})

	t.Run("with hall sensor", func(t *testing.T) {
		h := newTestBlind(t, &BlindConfig{}, nil, true)

		readings, err := h.bl.Readings(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, true, readings["hall_sensor_configured"])
		assert.Equal(t, false, readings["magnet_present"])
		assert.Equal(t, false, readings["hall_triggered"])
		assert.Equal(t, 0, readings["trigger_count"])
	})
}

func TestBlindDoCommand(t *testing.T) {
	ctx := context.Background()

	t.Run("motion commands", func(t *testing.T) {
		h := newTestBlind(t, &BlindConfig{}, nil, false)

		resp := h.do(t, map[string]interface{}{"command": "open"})
		assert.Equal(t, true, resp["success"])
		assert.Equal(t, "OPEN", resp["command"])
		assert.Equal(t, "opening", resp["state"])

		resp = h.do(t, map[string]interface{}{"command": "STOP"})
		assert.Equal(t, "stopped", resp["state"])

		resp = h.do(t, map[string]interface{}{"command": "close_force"})
		assert.Equal(t, "closing", resp["state"])

		resp = h.do(t, map[string]interface{}{"command": "status"})
		assert.Equal(t, "closing", resp["state"])
	})

	t.Run("invalid commands", func(t *testing.T) {
		h := newTestBlind(t, &BlindConfig{}, nil, false)

		_, err := h.bl.DoCommand(ctx, map[string]interface{}{"command": "dance"})
		assert.ErrorIs(t, err, ErrUnknownCommand)

		_, err = h.bl.DoCommand(ctx, map[string]interface{}{"command": 5})
		assert.ErrorContains(t, err, "command must be a string")

		_, err = h.bl.DoCommand(ctx, map[string]interface{}{})
		assert.Error(t, err)

		_, err = h.bl.DoCommand(ctx, map[string]interface{}{"command": "calibrate_start"})
		assert.ErrorIs(t, err, ErrNoHallSensor)

		_, err = h.bl.DoCommand(ctx, map[string]interface{}{"command": "calibrate_setbottom"})
		assert.ErrorIs(t, err, ErrInvalidState)

		_, err = h.bl.DoCommand(ctx, map[string]interface{}{"command": "clear_trigger"})
		assert.ErrorIs(t, err, ErrNoHallSensor)

		_, err = h.bl.DoCommand(ctx, map[string]interface{}{"command": "start_recovery"})
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("settings", func(t *testing.T) {
		h := newTestBlind(t, &BlindConfig{}, nil, false)

		resp := h.do(t, map[string]interface{}{"command": "set_speed", "speed": float64(800)})
		assert.Equal(t, 800, resp["speed"])
		assert.Equal(t, uint16(800), h.store.ServoSpeed())

		for _, bad := range []interface{}{800.5, "fast", nil, float64(0), float64(5000)} {
			_, err := h.bl.DoCommand(ctx, map[string]interface{}{"command": "set_speed", "speed": bad})
			assert.Error(t, err, "speed %v", bad)
		}

		resp = h.do(t, map[string]interface{}{"command": "set_orientation", "orientation": "Right"})
		assert.Equal(t, "right", resp["orientation"])
		assert.Equal(t, OrientationRight, h.store.Orientation())

		_, err := h.bl.DoCommand(ctx, map[string]interface{}{"command": "set_orientation", "orientation": "up"})
		assert.Error(t, err)
		_, err = h.bl.DoCommand(ctx, map[string]interface{}{"command": "set_orientation"})
		assert.Error(t, err)

		h.do(t, map[string]interface{}{"command": "open"})
		v, _ := h.act.lastVelocity()
		assert.Equal(t, -800, v)
	})

	t.Run("telemetry", func(t *testing.T) {
		h := newTestBlind(t, &BlindConfig{}, nil, false)
		resp := h.do(t, map[string]interface{}{"command": "telemetry"})
		assert.Equal(t, -12, resp["load"])
		assert.Equal(t, 120, resp["voltage"])
		assert.Equal(t, 31, resp["temperature"])
	})
}

func TestBlindCalibrationThroughPollLoop(t *testing.T) {
	ctx := context.Background()
	h := newTestBlind(t, &BlindConfig{}, nil, true)
	h.stopLoop()

	resp := h.do(t, map[string]interface{}{"command": "calibrate_start"})
	assert.Equal(t, "finding_home", resp["calibration_state"])
	assert.Equal(t, "opening", resp["state"])

	h.bl.poll(ctx)

	h.pin.set(false)
	h.clock.Add(MovingPollInterval)
	h.bl.poll(ctx)
	readings, err := h.bl.Readings(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, true, readings["magnet_present"])
	assert.Equal(t, "finding_home", readings["calibration_state"])

	h.clock.Add(DebounceWindow)
	h.bl.poll(ctx)
	readings, err = h.bl.Readings(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "at_home", readings["calibration_state"])
	assert.Equal(t, "stopped", readings["state"])
	assert.Equal(t, 0, readings["position"])
	assert.Equal(t, 1, readings["trigger_count"])

	resp = h.do(t, map[string]interface{}{"command": "clear_trigger"})
	assert.Equal(t, true, resp["success"])

	resp = h.do(t, map[string]interface{}{"command": "calibrate_setbottom"})
	assert.Equal(t, "complete", resp["calibration_state"])
	assert.True(t, h.store.Calibrated())
}

func TestBlindStartup(t *testing.T) {
	t.Run("configured settings override stored ones", func(t *testing.T) {
		store := NewMemoryStore()
		store.SetServoSpeed(300)
		h := newTestBlind(t, &BlindConfig{Speed: 900, Orientation: "right"}, store, false)

		assert.Equal(t, uint16(900), h.store.ServoSpeed())
		assert.Equal(t, OrientationRight, h.store.Orientation())
	})

	t.Run("interrupted move recovers automatically", func(t *testing.T) {
		h := newTestBlind(t, &BlindConfig{}, interruptedStore(5000, 4000), true)

		readings, err := h.bl.Readings(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, "recovering", readings["state"])
		assert.Equal(t, true, readings["recovering"])
	})

	t.Run("auto recovery can be disabled", func(t *testing.T) {
		off := false
		h := newTestBlind(t, &BlindConfig{AutoRecover: &off}, interruptedStore(5000, 4000), true)

		readings, err := h.bl.Readings(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, "stopped", readings["state"])
		assert.Equal(t, true, readings["needs_recovery"])

		resp := h.do(t, map[string]interface{}{"command": "start_recovery"})
		assert.Equal(t, "recovering", resp["state"])
	})

	t.Run("no recovery without a hall sensor", func(t *testing.T) {
		h := newTestBlind(t, &BlindConfig{}, interruptedStore(5000, 4000), false)

		readings, err := h.bl.Readings(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, "stopped", readings["state"])
		assert.Equal(t, true, readings["needs_recovery"])
	})
}

func TestBlindInterruptTicks(t *testing.T) {
	h := newTestBlind(t, &BlindConfig{}, nil, false)
	h.stopLoop()

	ticks := &fakeTicks{}
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	bl := &blind{
		logger:     logging.NewTestLogger(t),
		hall:       NewHallSensor(h.pin, h.clock, logging.NewTestLogger(t)),
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
	require.NoError(t, bl.startTickPump(&hallWiring{pin: h.pin, ticks: ticks, interrupt: fakeInterrupt{}}))
	defer func() {
		cancelFunc()
		bl.activeBackgroundWorkers.Wait()
	}()

	ticks.mu.Lock()
	ch := ticks.ch
	ticks.mu.Unlock()
	require.NotNil(t, ch)

	ch <- board.Tick{Name: "hall", High: true}
	ch <- board.Tick{Name: "hall", High: false}
	assert.Eventually(t, func() bool { return bl.hall.irq.Load() }, time.Second, time.Millisecond)
}

func TestBlindClose(t *testing.T) {
	ctx := context.Background()
	h := newTestBlind(t, &BlindConfig{}, nil, false)

	h.do(t, map[string]interface{}{"command": "close"})
	require.NoError(t, h.bl.Close(ctx))

	assert.True(t, h.act.isClosed())
	v, _ := h.act.lastVelocity()
	assert.Equal(t, 0, v)

	// A second close is harmless.
	assert.NoError(t, h.bl.Close(ctx))
}

func TestIntArg(t *testing.T) {
	v, err := intArg(map[string]interface{}{"n": 7}, "n")
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	v, err = intArg(map[string]interface{}{"n": int64(9)}, "n")
	require.NoError(t, err)
	assert.Equal(t, 9, v)

	v, err = intArg(map[string]interface{}{"n": float64(12)}, "n")
	require.NoError(t, err)
	assert.Equal(t, 12, v)

	_, err = intArg(map[string]interface{}{"n": 1.5}, "n")
	assert.ErrorContains(t, err, "must be an integer")

	_, err = intArg(map[string]interface{}{}, "n")
	assert.ErrorContains(t, err, "missing n")

	_, err = intArg(map[string]interface{}{"n": "7"}, "n")
	assert.ErrorContains(t, err, "must be a number")
}
