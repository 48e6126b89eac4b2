package smartblind

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
)

const (
	// MovementTimeout stops any motion that has not finished within this long.
	MovementTimeout = 30 * time.Second
	// PositionSaveInterval throttles position writes while moving.
	PositionSaveInterval = 3 * time.Second
	// MovingPollInterval is the poll cadence while the servo is driven.
	MovingPollInterval = 100 * time.Millisecond
	// IdlePollInterval is the poll cadence while the servo is at rest.
	IdlePollInterval = time.Second

	// DefaultAcceleration is the wheel-mode acceleration sent with every speed command.
	DefaultAcceleration = 50
	// MaxServoSpeed is the largest wheel-mode speed an STS servo accepts.
	MaxServoSpeed = 4095

	connectRetryDelay = 500 * time.Millisecond
)

var (
	// ErrNoHallSensor is returned by calibration and recovery when no home sensor is wired.
	ErrNoHallSensor = errors.New("no hall sensor configured")
	// ErrInvalidState is returned when an operation is not allowed in the current state.
	ErrInvalidState = errors.New("invalid state for operation")
)

// EdgeSensor is the latched home signal the controller consumes. HallSensor implements it.
type EdgeSensor interface {
	Triggered() bool
	ClearTriggered()
}

// direction of travel in blind terms; the sign sent to the servo also depends on orientation.
type direction int

const (
	towardHome   direction = 1
	towardBottom direction = -1
)

// recoveryContext describes a motion interrupted by a power loss.
type recoveryContext struct {
	needed    bool
	target    int32
	returning bool
}

// Status is a read-only snapshot of the controller for transports.
type Status struct {
	State         MotionState
	Calibration   CalibrationState
	Position      int32
	MaxPosition   int32
	Calibrated    bool
	Connected     bool
	RawPosition   int
	NeedsRecovery bool
	ServoID       int
}

// MotionController is the only authority over blind motion, calibration and position
// bookkeeping. It is not safe for concurrent use; callers serialize access.
type MotionController struct {
	actuator Actuator
	sensor   EdgeSensor
	store    Store
	clock    clock.Clock
	logger   logging.Logger

	servoID      int
	speed        uint16
	acceleration int
	orientation  Orientation

	state       MotionState
	calibration CalibrationState
	connected   bool
	rawPosition int
	tracker     positionTracker
	calibrated  bool
	maxPosition int32

	lastPoll      time.Time
	movementStart time.Time
	lastSave      time.Time

	recovery recoveryContext
}

// ControllerConfig carries the static settings of a MotionController.
type ControllerConfig struct {
	ServoID      int
	Acceleration int
}

// NewMotionController wires the controller to its servo, home sensor and store. The
// stored calibration and position are loaded here, and an unclean shutdown during a
// move is detected. sensor may be nil, which disables calibration and recovery.
func NewMotionController(
	actuator Actuator,
	sensor EdgeSensor,
	store Store,
	cfg ControllerConfig,
	clk clock.Clock,
	logger logging.Logger,
) *MotionController {
	if clk == nil {
		clk = clock.New()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if cfg.Acceleration <= 0 {
		cfg.Acceleration = DefaultAcceleration
	}

	mc := &MotionController{
		actuator:     actuator,
		sensor:       sensor,
		store:        store,
		clock:        clk,
		logger:       logger,
		servoID:      cfg.ServoID,
		acceleration: cfg.Acceleration,
		state:        MotionUnknown,
		calibration:  CalibrationIdle,
	}

	mc.calibrated = store.Calibrated()
	mc.maxPosition = store.MaxPosition()
	mc.tracker.set(store.CurrentPosition())
	mc.speed = store.ServoSpeed()
	mc.orientation = store.Orientation()
	logger.Infof("Loaded calibration: calibrated=%v, maxPos=%d, curPos=%d, speed=%d, orientation=%s",
		mc.calibrated, mc.maxPosition, mc.tracker.cumulative, mc.speed, mc.orientation)

	mc.checkPowerOutageRecovery()
	return mc
}

// checkPowerOutageRecovery arms recovery when the last boot died mid-move.
func (mc *MotionController) checkPowerOutageRecovery() {
	if !mc.calibrated || !mc.store.WasMoving() {
		return
	}
	mc.recovery = recoveryContext{needed: true, target: mc.store.TargetPosition()}
	mc.logger.Warnf("Power outage detected: was moving to position %d, will re-home first", mc.recovery.target)
}

// Connect pings the servo up to attempts times. A servo that never answers is not an
// error; Poll keeps retrying.
func (mc *MotionController) Connect(ctx context.Context, attempts int) bool {
	for i := 0; i < attempts; i++ {
		err := mc.actuator.Ping(ctx)
		if err == nil {
			mc.connected = true
			if mc.state == MotionUnknown {
				mc.state = MotionStopped
			}
			mc.logger.Infof("Servo %d connected on attempt %d", mc.servoID, i+1)
			return true
		}
		mc.logger.Debugf("Ping attempt %d for servo %d failed: %v", i+1, mc.servoID, err)
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-mc.clock.After(connectRetryDelay):
		}
	}
	mc.logger.Errorf("Failed to communicate with servo %d after %d attempts", mc.servoID, attempts)
	return false
}

// Open drives the blind toward home. Without force, a calibrated blind already at home
// does not move.
func (mc *MotionController) Open(ctx context.Context, force bool) {
	mc.logger.Debugf("Open: calibrated=%v, force=%v, cumPos=%d", mc.calibrated, force, mc.tracker.cumulative)
	if mc.calibrated && !force && mc.tracker.cumulative <= 0 {
		mc.logger.Infof("Already at home (cumPos=%d), ignoring open", mc.tracker.cumulative)
		mc.refuse(ctx)
		return
	}
	mc.startMove(ctx, MotionOpening, towardHome, 0, force)
}

// Close drives the blind toward the bottom. Without force, a calibrated blind already
// at the bottom does not move.
func (mc *MotionController) Close(ctx context.Context, force bool) {
	mc.logger.Debugf("Close: calibrated=%v, force=%v, cumPos=%d", mc.calibrated, force, mc.tracker.cumulative)
	if mc.calibrated && !force && mc.tracker.cumulative >= mc.maxPosition {
		mc.logger.Infof("Already at bottom (cumPos=%d, max=%d), ignoring close", mc.tracker.cumulative, mc.maxPosition)
		mc.refuse(ctx)
		return
	}
	mc.startMove(ctx, MotionClosing, towardBottom, mc.maxPosition, force)
}

// refuse settles a command that would drive past a limit. A servo that is still
// turning is stopped; an idle one gets no command.
func (mc *MotionController) refuse(ctx context.Context) {
	if mc.state.moving() {
		mc.Stop(ctx)
		return
	}
	mc.state = MotionStopped
}

func (mc *MotionController) startMove(ctx context.Context, state MotionState, dir direction, target int32, force bool) {
	mc.abandonRecovery()
	mc.reloadSettings()

	mc.state = state
	mc.movementStart = mc.clock.Now()

	// A move that a power loss interrupts must be detectable on the next boot.
	if mc.calibrated && !force {
		mc.persist(
			mc.store.SetTargetPosition(target),
			mc.store.SetWasMoving(true),
		)
	}

	mc.logger.Infof("%s blind (servo %d, connected: %v, force: %v, speed: %d)",
		state, mc.servoID, mc.connected, force, mc.speed)
	mc.drive(ctx, dir)
}

// Stop halts the servo, re-reads its position and, once calibrated, records where the
// blind came to rest.
func (mc *MotionController) Stop(ctx context.Context) {
	mc.abandonRecovery()
	mc.logger.Debugf("Stopping blind (servo %d, connected: %v)", mc.servoID, mc.connected)

	mc.halt(ctx)
	mc.state = MotionStopped
	mc.sample(ctx)

	if mc.calibrated {
		mc.persist(
			mc.store.SetCurrentPosition(mc.tracker.cumulative),
			mc.store.SetWasMoving(false),
		)
	}
}

// StartCalibration forgets the current limits and opens until the home sensor latches.
func (mc *MotionController) StartCalibration(ctx context.Context) error {
	if mc.sensor == nil {
		mc.logger.Error("Cannot calibrate: hall sensor not configured")
		return ErrNoHallSensor
	}

	mc.logger.Info("Starting calibration - finding home position")
	if mc.state == MotionRecovering {
		mc.logger.Warn("Calibration supersedes the pending power outage recovery")
	}
	mc.abandonRecovery()

	mc.calibration = CalibrationFindingHome
	mc.calibrated = false
	mc.maxPosition = 0
	mc.sensor.ClearTriggered()

	mc.Open(ctx, true)
	mc.assertConsistent("start calibration")
	return nil
}

// SetBottomPosition fixes the current position as the bottom limit. Only valid once
// home has been found.
func (mc *MotionController) SetBottomPosition(ctx context.Context) error {
	if mc.calibration != CalibrationAtHome {
		mc.logger.Errorf("Cannot set bottom: calibration state is %s, not %s", mc.calibration, CalibrationAtHome)
		return errors.Wrapf(ErrInvalidState, "set bottom requires calibration state %s, have %s",
			CalibrationAtHome, mc.calibration)
	}

	mc.maxPosition = mc.tracker.cumulative
	if mc.maxPosition <= 0 {
		mc.logger.Warnf("Bottom position %d is not below home", mc.maxPosition)
	}
	mc.calibrated = true
	mc.calibration = CalibrationComplete

	mc.persist(
		mc.store.SetMaxPosition(mc.maxPosition),
		mc.store.SetCalibrated(true),
		mc.store.SetCurrentPosition(mc.tracker.cumulative),
	)
	mc.logger.Infof("Calibration complete - maxPosition=%d", mc.maxPosition)
	return nil
}

// CancelCalibration stops the blind and leaves the calibration workflow. Limits cleared
// by StartCalibration stay cleared until a new calibration completes.
func (mc *MotionController) CancelCalibration(ctx context.Context) {
	if mc.calibration == CalibrationIdle {
		return
	}
	mc.logger.Info("Cancelling calibration")
	mc.Stop(ctx)
	mc.calibration = CalibrationIdle
}

// NeedsRecovery reports whether the previous boot was interrupted mid-move and the
// recovery has not run yet.
func (mc *MotionController) NeedsRecovery() bool {
	return mc.recovery.needed
}

// StartRecovery re-homes the blind and then returns it to the position it was moving to
// when power was lost.
func (mc *MotionController) StartRecovery(ctx context.Context) error {
	if !mc.recovery.needed {
		mc.logger.Info("Recovery requested but not needed")
		return errors.Wrap(ErrInvalidState, "no interrupted move to recover")
	}
	if mc.sensor == nil {
		mc.logger.Error("Cannot recover: hall sensor not configured")
		return ErrNoHallSensor
	}
	if mc.calibration.active() {
		mc.logger.Errorf("Cannot recover while calibrating (state %s)", mc.calibration)
		return errors.Wrapf(ErrInvalidState, "recovery not allowed during calibration state %s", mc.calibration)
	}

	mc.logger.Infof("Starting power outage recovery - moving to home first (target %d)", mc.recovery.target)
	mc.reloadSettings()
	mc.state = MotionRecovering
	mc.recovery.returning = false
	mc.movementStart = mc.clock.Now()
	mc.sensor.ClearTriggered()

	mc.drive(ctx, towardHome)
	mc.assertConsistent("start recovery")
	return nil
}

// Recovering reports whether the recovery sequence is running.
func (mc *MotionController) Recovering() bool {
	return mc.state == MotionRecovering
}

// Calibrating reports whether home or bottom is being searched for.
func (mc *MotionController) Calibrating() bool {
	return mc.calibration.active()
}

// Poll advances the controller. It is cheap to call often: the servo is only
// queried every MovingPollInterval while moving and IdlePollInterval otherwise.
func (mc *MotionController) Poll(ctx context.Context) {
	now := mc.clock.Now()
	interval := IdlePollInterval
	if mc.state.moving() {
		interval = MovingPollInterval
	}
	if now.Sub(mc.lastPoll) < interval {
		return
	}
	mc.lastPoll = now

	if err := mc.actuator.Ping(ctx); err != nil {
		mc.setConnected(false, err)
		return
	}
	raw, err := mc.readPosition(ctx)
	if err != nil {
		mc.setConnected(false, err)
		return
	}
	mc.setConnected(true, nil)
	mc.rawPosition = raw
	mc.tracker.observe(raw)

	if mc.calibration == CalibrationFindingHome && mc.sensor != nil && mc.sensor.Triggered() {
		mc.logger.Info("Hall sensor triggered - home position found")
		mc.Stop(ctx)
		mc.tracker.rebase(0, mc.rawPosition)
		mc.calibration = CalibrationAtHome
		mc.persist(mc.store.SetCurrentPosition(0))
	}

	if mc.state == MotionRecovering {
		mc.advanceRecovery(ctx, now)
	}

	mc.enforceLimits(ctx)
	mc.savePositionIfNeeded(now)
	mc.checkMovementTimeout(ctx, now)
	mc.assertConsistent("poll")
}

// advanceRecovery runs the homing and returning phases of recovery.
func (mc *MotionController) advanceRecovery(ctx context.Context, now time.Time) {
	if mc.sensor == nil {
		return
	}

	if !mc.recovery.returning {
		if !mc.sensor.Triggered() {
			return
		}
		mc.logger.Info("Recovery: home position found")
		mc.halt(ctx)
		mc.tracker.rebase(0, mc.rawPosition)
		mc.persist(mc.store.SetCurrentPosition(0))

		if mc.recovery.target > 0 {
			mc.logger.Infof("Recovery: returning to position %d", mc.recovery.target)
			mc.recovery.returning = true
			mc.movementStart = now
			mc.drive(ctx, towardBottom)
			return
		}

		mc.logger.Info("Recovery: complete (target was home)")
		mc.state = MotionOpen
		mc.recovery = recoveryContext{}
		mc.persist(mc.store.SetWasMoving(false))
		return
	}

	// No MaxPosition clamp applies before the target check; an overshoot is only
	// clamped back to the target.
	if mc.tracker.cumulative >= mc.recovery.target {
		mc.logger.Infof("Recovery: reached target position %d (cumPos=%d)", mc.recovery.target, mc.tracker.cumulative)
		mc.halt(ctx)
		mc.tracker.set(mc.recovery.target)
		mc.state = MotionClosed
		mc.recovery = recoveryContext{}
		mc.persist(
			mc.store.SetCurrentPosition(mc.tracker.cumulative),
			mc.store.SetWasMoving(false),
		)
	}
}

// enforceLimits stops a calibrated blind at its soft limits.
func (mc *MotionController) enforceLimits(ctx context.Context) {
	if !mc.calibrated || mc.calibration.active() {
		return
	}

	switch {
	case mc.state == MotionOpening && mc.tracker.cumulative <= 0:
		mc.logger.Infof("Limit hit: reached home, stopping (cumPos=%d)", mc.tracker.cumulative)
		mc.tracker.set(0)
		mc.Stop(ctx)
		mc.state = MotionOpen
	case mc.state == MotionClosing && mc.tracker.cumulative >= mc.maxPosition:
		mc.logger.Infof("Limit hit: reached bottom %d, stopping (cumPos=%d)", mc.maxPosition, mc.tracker.cumulative)
		mc.tracker.set(mc.maxPosition)
		mc.Stop(ctx)
		mc.state = MotionClosed
	}
}

func (mc *MotionController) savePositionIfNeeded(now time.Time) {
	if !mc.calibrated {
		return
	}
	if mc.state != MotionOpening && mc.state != MotionClosing {
		return
	}
	if now.Sub(mc.lastSave) < PositionSaveInterval {
		return
	}
	mc.persist(mc.store.SetCurrentPosition(mc.tracker.cumulative))
	mc.lastSave = now
}

// checkMovementTimeout stops motion that has run too long. Active calibration is exempt
// because the user decides when it ends.
func (mc *MotionController) checkMovementTimeout(ctx context.Context, now time.Time) {
	if !mc.state.moving() || mc.calibration.active() {
		return
	}
	if now.Sub(mc.movementStart) <= MovementTimeout {
		return
	}
	if mc.state == MotionRecovering {
		mc.logger.Warnf("Recovery timed out after %v, abandoning", MovementTimeout)
	} else {
		mc.logger.Warnf("Movement timeout after %v, stopping", MovementTimeout)
	}
	mc.Stop(ctx)
}

// abandonRecovery drops a pending or running recovery; it runs at most once per boot.
func (mc *MotionController) abandonRecovery() {
	if mc.recovery.needed {
		mc.logger.Infof("Abandoning power outage recovery (target %d)", mc.recovery.target)
	}
	mc.recovery = recoveryContext{}
}

// drive commands wheel-mode velocity in dir, applying the mount orientation.
func (mc *MotionController) drive(ctx context.Context, dir direction) {
	speed := int(dir) * int(mc.speed)
	if mc.orientation == OrientationRight {
		speed = -speed
	}
	if err := mc.actuator.SetVelocity(ctx, speed, mc.acceleration); err != nil {
		mc.logger.Warnf("SetVelocity(%d, %d) on servo %d failed: %v", speed, mc.acceleration, mc.servoID, err)
		return
	}
	mc.logger.Debugf("SetVelocity(%d, %d) on servo %d (orientation %s)", speed, mc.acceleration, mc.servoID, mc.orientation)
}

// halt commands zero velocity without touching the motion state.
func (mc *MotionController) halt(ctx context.Context) {
	if err := mc.actuator.SetVelocity(ctx, 0, mc.acceleration); err != nil {
		mc.logger.Warnf("Stopping servo %d failed: %v", mc.servoID, err)
	}
}

// sample re-reads the raw position without integrating it.
func (mc *MotionController) sample(ctx context.Context) {
	raw, err := mc.readPosition(ctx)
	if err != nil {
		mc.setConnected(false, err)
		return
	}
	mc.rawPosition = raw
	mc.setConnected(true, nil)
}

func (mc *MotionController) readPosition(ctx context.Context) (int, error) {
	raw, err := mc.actuator.Position(ctx)
	if err != nil {
		return 0, err
	}
	if !validRawPosition(raw) {
		return 0, errors.Errorf("raw position %d out of range", raw)
	}
	return raw, nil
}

func (mc *MotionController) setConnected(ok bool, err error) {
	switch {
	case ok && !mc.connected:
		mc.logger.Infof("Reconnected to servo %d", mc.servoID)
		if mc.state == MotionUnknown {
			mc.state = MotionStopped
		}
	case !ok && mc.connected:
		mc.logger.Errorf("Lost connection to servo %d: %v", mc.servoID, err)
	}
	mc.connected = ok
}

// reloadSettings picks up speed and orientation changes made through the store.
func (mc *MotionController) reloadSettings() {
	mc.speed = mc.store.ServoSpeed()
	mc.orientation = mc.store.Orientation()
}

// persist logs store failures; a failed write never aborts a motion.
func (mc *MotionController) persist(errs ...error) {
	if err := multierr.Combine(errs...); err != nil {
		mc.logger.Errorf("Failed to persist blind state: %v", err)
	}
}

func (mc *MotionController) assertConsistent(where string) {
	if !validCombination(mc.state, mc.calibration) {
		mc.logger.Errorf("Inconsistent state after %s: motion=%s calibration=%s", where, mc.state, mc.calibration)
	}
}

// SetSpeed stores a new wheel-mode speed, used from the next move on.
func (mc *MotionController) SetSpeed(speed int) error {
	if speed <= 0 || speed > MaxServoSpeed {
		return errors.Errorf("speed must be between 1 and %d, got %d", MaxServoSpeed, speed)
	}
	if err := mc.store.SetServoSpeed(uint16(speed)); err != nil {
		return errors.Wrap(err, "failed to store speed")
	}
	mc.speed = uint16(speed)
	mc.logger.Infof("Servo speed set to %d", speed)
	return nil
}

// SetOrientation stores the mount side, used from the next move on.
func (mc *MotionController) SetOrientation(o Orientation) error {
	if err := mc.store.SetOrientation(o); err != nil {
		return errors.Wrap(err, "failed to store orientation")
	}
	mc.orientation = o
	mc.logger.Infof("Orientation set to %s mount", o)
	return nil
}

// Telemetry reads load, voltage and temperature. A disconnected servo reports zeros.
func (mc *MotionController) Telemetry(ctx context.Context) (Telemetry, error) {
	if !mc.connected {
		return Telemetry{}, nil
	}
	load, errLoad := mc.actuator.Load(ctx)
	volt, errVolt := mc.actuator.Voltage(ctx)
	temp, errTemp := mc.actuator.Temperature(ctx)
	return Telemetry{Load: load, Voltage: volt, Temperature: temp}, multierr.Combine(errLoad, errVolt, errTemp)
}

// Status returns the state surface exposed to transports.
func (mc *MotionController) Status() Status {
	return Status{
		State:         mc.state,
		Calibration:   mc.calibration,
		Position:      mc.tracker.cumulative,
		MaxPosition:   mc.maxPosition,
		Calibrated:    mc.calibrated,
		Connected:     mc.connected,
		RawPosition:   mc.rawPosition,
		NeedsRecovery: mc.recovery.needed,
		ServoID:       mc.servoID,
	}
}
