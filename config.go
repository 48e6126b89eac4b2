package smartblind

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Orientation is the side of the window the servo is mounted on. A right mount turns
// the opposite way for the same blind motion.
type Orientation string

const (
	OrientationLeft  Orientation = "left"
	OrientationRight Orientation = "right"
)

// ParseOrientation accepts "left" or "right" in any case.
func ParseOrientation(s string) (Orientation, error) {
	switch Orientation(strings.ToLower(strings.TrimSpace(s))) {
	case OrientationLeft:
		return OrientationLeft, nil
	case OrientationRight:
		return OrientationRight, nil
	default:
		return "", errors.Errorf("invalid orientation %q, must be %q or %q", s, OrientationLeft, OrientationRight)
	}
}

// Servo drivers.
const (
	DriverFeetech = "feetech"
	DriverSerial  = "serial"
)

const (
	defaultBaudrate = 1000000
	defaultServoID  = 1
	defaultTimeout  = time.Second
)

// BlindConfig is the attribute set of a blind component.
type BlindConfig struct {
	Port     string `json:"port,omitempty"`
	Baudrate int    `json:"baudrate,omitempty"`
	ServoID  int    `json:"servo_id,omitempty"`

	Timeout time.Duration `json:"timeout,omitempty"`

	// Driver selects the servo backend, "feetech" (default) or "serial".
	Driver string `json:"driver,omitempty"`

	// Board, HallPin and HallInterrupt wire the home sensor. Without them calibration
	// and recovery are unavailable.
	Board         string `json:"board,omitempty"`
	HallPin       string `json:"hall_pin,omitempty"`
	HallInterrupt string `json:"hall_interrupt,omitempty"`

	StateFile string `json:"state_file,omitempty"`

	Speed        int    `json:"speed,omitempty"`
	Acceleration int    `json:"acceleration,omitempty"`
	Orientation  string `json:"orientation,omitempty"`

	// AutoRecover starts power outage recovery on construction. Defaults to true.
	AutoRecover *bool `json:"auto_recover,omitempty"`
}

// Validate ensures all parts of the config are valid and returns the board as a
// required dependency when a hall sensor is configured.
func (cfg *BlindConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Port == "" {
		return nil, nil, fmt.Errorf("%s: must specify port for serial communication", path)
	}

	if cfg.Baudrate == 0 {
		cfg.Baudrate = defaultBaudrate
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ServoID == 0 {
		cfg.ServoID = defaultServoID
	}
	if cfg.ServoID < 0 || cfg.ServoID > 253 {
		return nil, nil, fmt.Errorf("%s: invalid servo_id %d, must be 1-253", path, cfg.ServoID)
	}

	switch strings.ToLower(cfg.Driver) {
	case "", DriverFeetech:
		cfg.Driver = DriverFeetech
	case DriverSerial:
		cfg.Driver = DriverSerial
	default:
		return nil, nil, fmt.Errorf("%s: unknown driver %q, must be %q or %q", path, cfg.Driver, DriverFeetech, DriverSerial)
	}

	if cfg.Speed < 0 || cfg.Speed > MaxServoSpeed {
		return nil, nil, fmt.Errorf("%s: speed must be between 0 and %d, got %d", path, MaxServoSpeed, cfg.Speed)
	}
	if cfg.Acceleration < 0 || cfg.Acceleration > 254 {
		return nil, nil, fmt.Errorf("%s: acceleration must be between 0 and 254, got %d", path, cfg.Acceleration)
	}
	if cfg.Orientation != "" {
		if _, err := ParseOrientation(cfg.Orientation); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	if cfg.HallPin != "" && cfg.Board == "" {
		return nil, nil, fmt.Errorf("%s: hall_pin requires board", path)
	}
	if cfg.HallInterrupt != "" && cfg.HallPin == "" {
		return nil, nil, fmt.Errorf("%s: hall_interrupt requires hall_pin", path)
	}

	var deps []string
	if cfg.Board != "" {
		deps = append(deps, cfg.Board)
	}
	return deps, nil, nil
}

// HasHallSensor reports whether a home sensor is configured.
func (cfg *BlindConfig) HasHallSensor() bool {
	return cfg.Board != "" && cfg.HallPin != ""
}

// ShouldAutoRecover reports whether recovery starts without a command.
func (cfg *BlindConfig) ShouldAutoRecover() bool {
	return cfg.AutoRecover == nil || *cfg.AutoRecover
}

// StatePath resolves the state file. Relative paths live under VIAM_MODULE_DATA, or
// /tmp when that is unset. The default name includes the port and servo so several
// blinds never share a file.
func (cfg *BlindConfig) StatePath() string {
	file := cfg.StateFile
	if file == "" {
		file = defaultStateFileName(cfg.Port, cfg.ServoID)
	}
	if filepath.IsAbs(file) {
		return file
	}

	moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
	if moduleDataDir == "" {
		moduleDataDir = "/tmp"
	}
	return filepath.Join(moduleDataDir, file)
}

// defaultStateFileName names the state file of one servo, e.g. "smartblind_ttyUSB0_1.json".
func defaultStateFileName(port string, servoID int) string {
	return fmt.Sprintf("smartblind_%s_%d.json", extractPortSuffix(port), servoID)
}
