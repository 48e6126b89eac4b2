package smartblind

import (
	"context"
)

// Actuator is a velocity-controlled bus servo bound to one servo ID. Every call is a
// single bus transaction bounded by the bus timeout.
type Actuator interface {
	// Ping checks that the servo answers on the bus.
	Ping(ctx context.Context) error
	// Position reads the raw encoder position in [0, RawPositionMax].
	Position(ctx context.Context) (int, error)
	// SetVelocity commands a signed wheel-mode speed. Zero stops the servo.
	SetVelocity(ctx context.Context, speed, acceleration int) error
	// Load reads the signed present load.
	Load(ctx context.Context) (int, error)
	// Voltage reads the supply voltage in tenths of a volt.
	Voltage(ctx context.Context) (int, error)
	// Temperature reads the servo temperature in degrees Celsius.
	Temperature(ctx context.Context) (int, error)
	// Close releases the bus handle.
	Close() error
}

// Telemetry is a snapshot of servo health values.
type Telemetry struct {
	Load        int `json:"load"`
	Voltage     int `json:"voltage"`
	Temperature int `json:"temperature"`
}
