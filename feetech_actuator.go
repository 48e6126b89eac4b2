package smartblind

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/hipsterbrown/feetech-servo"
	"go.viam.com/rdk/logging"
)

var _ feetechServo = (*feetech.Servo)(nil)

// feetechServo is the part of *feetech.Servo the blind uses.
type feetechServo interface {
	Ping() (int, error)
	ReadPosition(normalize bool) (float64, error)
	SetOperatingMode(mode byte) error
	ReadRegisterByName(name string) ([]byte, error)
	WriteRegisterByName(name string, data []byte) error
}

// feetechActuator wraps a feetech servo with the locking and wheel-mode setup a blind
// needs.
type feetechActuator struct {
	servo   feetechServo
	release func() error

	mu        sync.Mutex
	wheelMode bool
	lastAccel int
}

func newFeetechActuator(servo feetechServo, release func() error) *feetechActuator {
	return &feetechActuator{servo: servo, release: release, lastAccel: -1}
}

func (fa *feetechActuator) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fa.mu.Lock()
	defer fa.mu.Unlock()
	_, err := fa.servo.Ping()
	return err
}

func (fa *feetechActuator) Position(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	fa.mu.Lock()
	defer fa.mu.Unlock()

	raw, err := fa.servo.ReadPosition(false)
	if err != nil {
		return 0, fmt.Errorf("failed to read position: %w", err)
	}
	return int(raw), nil
}

// SetVelocity enters wheel mode on first use and only rewrites acceleration when it
// changes. The goal velocity is written as sign-magnitude, which the servo expects in
// wheel mode.
func (fa *feetechActuator) SetVelocity(ctx context.Context, speed, acceleration int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fa.mu.Lock()
	defer fa.mu.Unlock()

	if !fa.wheelMode {
		if err := fa.enterWheelMode(); err != nil {
			return fmt.Errorf("failed to set wheel mode: %w", err)
		}
		fa.wheelMode = true
	}
	if acceleration != fa.lastAccel {
		if err := fa.servo.WriteRegisterByName("acceleration", []byte{byte(acceleration)}); err != nil {
			return fmt.Errorf("failed to set acceleration: %w", err)
		}
		fa.lastAccel = acceleration
	}
	if err := fa.servo.WriteRegisterByName("goal_velocity", encodeSpeed(speed)); err != nil {
		return fmt.Errorf("failed to set velocity: %w", err)
	}
	return nil
}

// enterWheelMode unlocks the EEPROM around the operating mode write.
func (fa *feetechActuator) enterWheelMode() error {
	if err := fa.servo.WriteRegisterByName("lock", []byte{0}); err != nil {
		return err
	}
	modeErr := fa.servo.SetOperatingMode(feetech.OperatingModeVelocity)
	if err := fa.servo.WriteRegisterByName("lock", []byte{1}); err != nil && modeErr == nil {
		return err
	}
	return modeErr
}

// Load returns a signed value: positive is clockwise load.
func (fa *feetechActuator) Load(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	fa.mu.Lock()
	defer fa.mu.Unlock()

	data, err := fa.servo.ReadRegisterByName("present_load")
	if err != nil {
		return 0, err
	}
	if len(data) != 2 {
		return 0, fmt.Errorf("expected 2 bytes for present_load, got %d", len(data))
	}
	return decodeLoad(data), nil
}

func (fa *feetechActuator) Voltage(ctx context.Context) (int, error) {
	return fa.readByte(ctx, "present_voltage")
}

func (fa *feetechActuator) Temperature(ctx context.Context) (int, error) {
	return fa.readByte(ctx, "present_temperature")
}

func (fa *feetechActuator) readByte(ctx context.Context, register string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	fa.mu.Lock()
	defer fa.mu.Unlock()

	data, err := fa.servo.ReadRegisterByName(register)
	if err != nil {
		return 0, err
	}
	if len(data) != 1 {
		return 0, fmt.Errorf("expected 1 byte for %s, got %d", register, len(data))
	}
	return int(data[0]), nil
}

func (fa *feetechActuator) Close() error {
	if fa.release == nil {
		return nil
	}
	return fa.release()
}

// openActuator returns the servo backend selected by cfg, sharing the serial port
// through registry.
func openActuator(cfg *BlindConfig, registry *BusRegistry, logger logging.Logger) (Actuator, error) {
	release := func() error { return registry.ReleaseBus(cfg.Port) }

	switch cfg.Driver {
	case DriverSerial:
		handle, err := registry.GetBus(cfg.Port, DriverSerial, cfg.Baudrate, func() (io.Closer, error) {
			return openSTSBus(cfg.Port, cfg.Baudrate, cfg.Timeout)
		})
		if err != nil {
			return nil, err
		}
		bus, ok := handle.(*stsBus)
		if !ok {
			release()
			return nil, fmt.Errorf("port %s is held by an incompatible bus", cfg.Port)
		}
		logger.Infof("Using raw STS driver on %s@%d for servo %d", cfg.Port, cfg.Baudrate, cfg.ServoID)
		return newSTSActuator(bus, cfg.ServoID, release), nil

	default:
		handle, err := registry.GetBus(cfg.Port, DriverFeetech, cfg.Baudrate, func() (io.Closer, error) {
			return feetech.NewBus(feetech.BusConfig{
				Port:     cfg.Port,
				Baudrate: cfg.Baudrate,
				Protocol: feetech.ProtocolV0,
				Timeout:  cfg.Timeout,
			})
		})
		if err != nil {
			return nil, err
		}
		bus, ok := handle.(*feetech.Bus)
		if !ok {
			release()
			return nil, fmt.Errorf("port %s is held by an incompatible bus", cfg.Port)
		}
		logger.Infof("Using feetech driver on %s@%d for servo %d", cfg.Port, cfg.Baudrate, cfg.ServoID)
		return newFeetechActuator(bus.Servo(cfg.ServoID), release), nil
	}
}
