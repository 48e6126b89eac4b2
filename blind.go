package smartblind

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"
)

var BlindModel = resource.NewModel("devrel", "smartblind", "blind")

func init() {
	resource.RegisterComponent(sensor.API, BlindModel,
		resource.Registration[sensor.Sensor, *BlindConfig]{
			Constructor: newBlind,
		},
	)
}

const (
	loopInterval        = 10 * time.Millisecond
	progressLogInterval = time.Second
	connectAttempts     = 3
	tickBufferSize      = 16
)

// tickStreamer is the part of board.Board that delivers interrupt edges.
type tickStreamer interface {
	StreamTicks(ctx context.Context, interrupts []board.DigitalInterrupt, ch chan board.Tick, extra map[string]interface{}) error
}

// hallWiring is the optional home sensor of a blind.
type hallWiring struct {
	pin       PinReader
	ticks     tickStreamer
	interrupt board.DigitalInterrupt
}

// blind runs one motorized blind: a servo, an optional hall home sensor and the
// motion controller, polled from a single background loop.
type blind struct {
	resource.Named
	resource.AlwaysRebuild

	logger logging.Logger
	cfg    *BlindConfig
	clock  clock.Clock

	mu         sync.Mutex
	actuator   Actuator
	hall       *HallSensor
	controller *MotionController
	lastReport time.Time

	cancelCtx               context.Context
	cancelFunc              context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup
}

func newBlind(
	ctx context.Context,
	deps resource.Dependencies,
	rawConf resource.Config,
	logger logging.Logger,
) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*BlindConfig](rawConf)
	if err != nil {
		return nil, err
	}

	var wiring *hallWiring
	if conf.HasHallSensor() {
		b, err := board.FromDependencies(deps, conf.Board)
		if err != nil {
			return nil, fmt.Errorf("failed to get board %q: %w", conf.Board, err)
		}
		pin, err := b.GPIOPinByName(conf.HallPin)
		if err != nil {
			return nil, fmt.Errorf("failed to get hall sensor pin %q: %w", conf.HallPin, err)
		}
		wiring = &hallWiring{pin: pin}
		if conf.HallInterrupt != "" {
			interrupt, err := b.DigitalInterruptByName(conf.HallInterrupt)
			if err != nil {
				return nil, fmt.Errorf("failed to get hall sensor interrupt %q: %w", conf.HallInterrupt, err)
			}
			wiring.ticks = b
			wiring.interrupt = interrupt
		}
	} else {
		logger.Warn("No hall sensor configured, calibration and power outage recovery are disabled")
	}

	actuator, err := openActuator(conf, globalBusRegistry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open servo: %w", err)
	}

	store, err := NewFileStore(conf.StatePath(), logger)
	if err != nil {
		return nil, multierr.Combine(fmt.Errorf("failed to open state store: %w", err), actuator.Close())
	}
	logger.Infof("Blind state stored at %s", store.Path())

	bl, err := newBlindFromParts(ctx, rawConf.ResourceName(), conf, actuator, store, wiring, clock.New(), logger)
	if err != nil {
		return nil, multierr.Combine(err, actuator.Close())
	}
	return bl, nil
}

// newBlindFromParts assembles a blind from already opened parts and starts its
// background workers.
func newBlindFromParts(
	ctx context.Context,
	name resource.Name,
	conf *BlindConfig,
	actuator Actuator,
	store Store,
	wiring *hallWiring,
	clk clock.Clock,
	logger logging.Logger,
) (*blind, error) {
	var hall *HallSensor
	var edge EdgeSensor
	if wiring != nil {
		hall = NewHallSensor(wiring.pin, clk, logger)
		if err := hall.Init(ctx); err != nil {
			return nil, fmt.Errorf("failed to read hall sensor: %w", err)
		}
		edge = hall
	}

	controller := NewMotionController(actuator, edge, store, ControllerConfig{
		ServoID:      conf.ServoID,
		Acceleration: conf.Acceleration,
	}, clk, logger)

	if conf.Speed > 0 {
		if err := controller.SetSpeed(conf.Speed); err != nil {
			return nil, err
		}
	}
	if conf.Orientation != "" {
		o, err := ParseOrientation(conf.Orientation)
		if err != nil {
			return nil, err
		}
		if err := controller.SetOrientation(o); err != nil {
			return nil, err
		}
	}

	controller.Connect(ctx, connectAttempts)

	if controller.NeedsRecovery() {
		switch {
		case !conf.ShouldAutoRecover():
			logger.Info("Power outage recovery pending, waiting for start_recovery")
		case hall == nil:
			logger.Warn("Power outage recovery needed but no hall sensor is configured")
		default:
			if err := controller.StartRecovery(ctx); err != nil {
				logger.Errorf("Failed to start power outage recovery: %v", err)
			}
		}
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	bl := &blind{
		Named:      name.AsNamed(),
		logger:     logger,
		cfg:        conf,
		clock:      clk,
		actuator:   actuator,
		hall:       hall,
		controller: controller,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}

	if wiring != nil && wiring.ticks != nil && wiring.interrupt != nil {
		if err := bl.startTickPump(wiring); err != nil {
			logger.Warnf("Hall sensor interrupt unavailable, falling back to level sampling: %v", err)
		}
	}
	bl.startPollLoop()

	logger.Infof("Blind initialized (servo %d on %s, driver %s)", conf.ServoID, conf.Port, conf.Driver)
	return bl, nil
}

// startTickPump forwards falling edges of the hall interrupt to the sensor.
func (bl *blind) startTickPump(wiring *hallWiring) error {
	ch := make(chan board.Tick, tickBufferSize)
	if err := wiring.ticks.StreamTicks(bl.cancelCtx, []board.DigitalInterrupt{wiring.interrupt}, ch, nil); err != nil {
		return err
	}

	bl.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() {
		for {
			select {
			case <-bl.cancelCtx.Done():
				return
			case tick, ok := <-ch:
				if !ok {
					return
				}
				if !tick.High {
					bl.hall.Interrupt()
				}
			}
		}
	}, bl.activeBackgroundWorkers.Done)
	return nil
}

func (bl *blind) startPollLoop() {
	bl.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() {
		ticker := bl.clock.Ticker(loopInterval)
		defer ticker.Stop()
		for {
			select {
			case <-bl.cancelCtx.Done():
				return
			case <-ticker.C:
				bl.poll(bl.cancelCtx)
			}
		}
	}, bl.activeBackgroundWorkers.Done)
}

// poll is one pass of the cooperative loop.
func (bl *blind) poll(ctx context.Context) {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	if bl.hall != nil {
		bl.hall.Poll(ctx)
	}
	bl.controller.Poll(ctx)
	bl.reportProgress()
}

func (bl *blind) reportProgress() {
	if !bl.controller.Calibrating() && !bl.controller.Recovering() {
		return
	}
	now := bl.clock.Now()
	if now.Sub(bl.lastReport) < progressLogInterval {
		return
	}
	bl.lastReport = now

	st := bl.controller.Status()
	magnet := false
	if bl.hall != nil {
		magnet = bl.hall.MagnetPresent()
	}
	bl.logger.Debugf("Progress: state=%s calibration=%s cumPos=%d raw=%d magnet=%v",
		st.State, st.Calibration, st.Position, st.RawPosition, magnet)
}

// Readings returns the state surface of the blind.
func (bl *blind) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return bl.readings(), nil
}

func (bl *blind) readings() map[string]interface{} {
	st := bl.controller.Status()
	readings := map[string]interface{}{
		"state":                  st.State.String(),
		"calibration_state":      st.Calibration.String(),
		"position":               int(st.Position),
		"max_position":           int(st.MaxPosition),
		"calibrated":             st.Calibrated,
		"connected":              st.Connected,
		"servo_id":               st.ServoID,
		"raw_position":           st.RawPosition,
		"needs_recovery":         st.NeedsRecovery,
		"recovering":             bl.controller.Recovering(),
		"calibrating":            bl.controller.Calibrating(),
		"hall_sensor_configured": bl.hall != nil,
	}
	if bl.hall != nil {
		readings["magnet_present"] = bl.hall.MagnetPresent()
		readings["hall_triggered"] = bl.hall.Triggered()
		readings["trigger_count"] = int(bl.hall.TriggerCount())
	}
	return readings
}

// DoCommand accepts {"command": TOKEN} for the blind commands plus a few maintenance
// verbs.
func (bl *blind) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("command must be a string")
	}

	bl.mu.Lock()
	defer bl.mu.Unlock()

	switch strings.ToLower(strings.TrimSpace(command)) {
	case "status":
		return bl.readings(), nil

	case "set_speed":
		speed, err := intArg(cmd, "speed")
		if err != nil {
			return nil, err
		}
		if err := bl.controller.SetSpeed(speed); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "speed": speed}, nil

	case "set_orientation":
		raw, ok := cmd["orientation"].(string)
		if !ok {
			return nil, fmt.Errorf("orientation must be a string")
		}
		o, err := ParseOrientation(raw)
		if err != nil {
			return nil, err
		}
		if err := bl.controller.SetOrientation(o); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "orientation": string(o)}, nil

	case "start_recovery":
		if err := bl.controller.StartRecovery(ctx); err != nil {
			return nil, err
		}
		return bl.commandResult("start_recovery"), nil

	case "telemetry":
		t, err := bl.controller.Telemetry(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read telemetry: %w", err)
		}
		return map[string]interface{}{
			"load":        t.Load,
			"voltage":     t.Voltage,
			"temperature": t.Temperature,
		}, nil

	case "clear_trigger":
		if bl.hall == nil {
			return nil, ErrNoHallSensor
		}
		bl.hall.ClearTriggered()
		return map[string]interface{}{"success": true}, nil
	}

	parsed, err := ParseCommand(command)
	if err != nil {
		return nil, err
	}
	if err := bl.controller.Execute(ctx, parsed); err != nil {
		return nil, err
	}
	return bl.commandResult(parsed.String()), nil
}

func (bl *blind) commandResult(command string) map[string]interface{} {
	st := bl.controller.Status()
	return map[string]interface{}{
		"success":           true,
		"command":           command,
		"state":             st.State.String(),
		"calibration_state": st.Calibration.String(),
		"position":          int(st.Position),
	}
}

// intArg reads a numeric DoCommand argument; JSON numbers arrive as float64.
func intArg(cmd map[string]interface{}, key string) (int, error) {
	switch v := cmd[key].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("%s must be an integer, got %v", key, v)
		}
		return int(v), nil
	case nil:
		return 0, fmt.Errorf("missing %s", key)
	default:
		return 0, fmt.Errorf("%s must be a number, got %T", key, v)
	}
}

// Close stops the servo and background workers and releases the bus.
func (bl *blind) Close(ctx context.Context) error {
	bl.cancelFunc()
	bl.activeBackgroundWorkers.Wait()

	bl.mu.Lock()
	defer bl.mu.Unlock()

	var errs error
	if bl.controller.Status().State.moving() {
		bl.controller.Stop(ctx)
	}
	if bl.actuator != nil {
		errs = multierr.Combine(errs, bl.actuator.Close())
		bl.actuator = nil
	}
	return errs
}
