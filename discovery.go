// discovery.go
package smartblind

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hipsterbrown/feetech-servo"
	"go.bug.st/serial/enumerator"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
)

var DiscoveryModel = resource.NewModel("devrel", "smartblind", "discovery")

const discoveryPingTimeout = 100 * time.Millisecond

func init() {
	resource.RegisterService(
		discovery.API,
		DiscoveryModel,
		resource.Registration[discovery.Service, *DiscoveryConfig]{
			Constructor: newBlindDiscovery,
		})
}

// DiscoveryConfig is the configuration for the discovery service
type DiscoveryConfig struct {
	// ServoIDs to probe on every candidate port. Defaults to 1-6.
	ServoIDs []int `json:"servo_ids,omitempty"`
	Baudrate int   `json:"baudrate,omitempty"`

	// Board and HallPin are copied into proposed configs when set.
	Board   string `json:"board,omitempty"`
	HallPin string `json:"hall_pin,omitempty"`
}

// Validate ensures the config is valid
func (cfg *DiscoveryConfig) Validate(path string) ([]string, []string, error) {
	for _, id := range cfg.ServoIDs {
		if id < 1 || id > 253 {
			return nil, nil, fmt.Errorf("%s: servo IDs must be 1-253, got %d", path, id)
		}
	}
	if cfg.HallPin != "" && cfg.Board == "" {
		return nil, nil, fmt.Errorf("%s: hall_pin requires board", path)
	}
	return nil, nil, nil
}

func (cfg *DiscoveryConfig) servoIDs() []int {
	if len(cfg.ServoIDs) == 0 {
		return []int{1, 2, 3, 4, 5, 6}
	}
	return cfg.ServoIDs
}

func (cfg *DiscoveryConfig) baudrate() int {
	if cfg.Baudrate == 0 {
		return defaultBaudrate
	}
	return cfg.Baudrate
}

// servoProber reports which of ids answer a ping on portPath.
type servoProber func(ctx context.Context, portPath string, baudrate int, ids []int) []int

// blindDiscovery implements the discovery service
type blindDiscovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	logger logging.Logger
	cfg    *DiscoveryConfig

	registry  *BusRegistry
	listPorts func() []string
	probe     servoProber
}

func newBlindDiscovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	cfg, err := resource.NativeConfig[*DiscoveryConfig](conf)
	if err != nil {
		return nil, err
	}

	return &blindDiscovery{
		Named:     conf.ResourceName().AsNamed(),
		logger:    logger,
		cfg:       cfg,
		registry:  globalBusRegistry,
		listPorts: enumerateSerialPorts,
		probe:     pingServos,
	}, nil
}

// DiscoverResources scans serial ports for bus servos and proposes a blind per servo.
func (dis *blindDiscovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	dis.logger.Info("Starting blind discovery")

	allPorts := dis.listPorts()
	dis.logger.Debugf("Found %d total serial ports", len(allPorts))

	candidates := filterCandidatePorts(allPorts)
	dis.logger.Debugf("Filtered to %d candidate ports", len(candidates))

	var allConfigs []resource.Config
	for _, portPath := range candidates {
		select {
		case <-ctx.Done():
			dis.logger.Info("Discovery cancelled")
			return allConfigs, ctx.Err()
		default:
		}

		allConfigs = append(allConfigs, dis.discoverPort(ctx, portPath)...)
	}

	if len(allConfigs) == 0 {
		dis.logger.Info("No blind servos discovered")
	} else {
		dis.logger.Infof("Discovered %d blind configurations", len(allConfigs))
	}
	return allConfigs, nil
}

// discoverPort probes a single port and generates blind configurations
func (dis *blindDiscovery) discoverPort(ctx context.Context, portPath string) []resource.Config {
	dis.logger.Debugf("Checking port %s", portPath)

	if refs, open, summary := dis.registry.GetBusStatus(portPath); open {
		dis.logger.Debugf("Skipping %s, in use by %d blind(s) (%s)", portPath, refs, summary)
		return nil
	}

	found := dis.probe(ctx, portPath, dis.cfg.baudrate(), dis.cfg.servoIDs())
	if len(found) == 0 {
		dis.logger.Debugf("No servos detected on %s", portPath)
		return nil
	}
	dis.logger.Infof("Discovered servos %v on %s", found, portPath)

	moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
	if moduleDataDir == "" {
		moduleDataDir = "/tmp"
	}
	return dis.generateConfigs(portPath, found, moduleDataDir)
}

// generateConfigs creates one blind configuration per responding servo
func (dis *blindDiscovery) generateConfigs(portPath string, servoIDs []int, moduleDataDir string) []resource.Config {
	portSuffix := extractPortSuffix(portPath)

	configs := make([]resource.Config, 0, len(servoIDs))
	for _, id := range servoIDs {
		attrs := map[string]interface{}{
			"port":     portPath,
			"servo_id": id,
		}
		if dis.cfg.Baudrate != 0 {
			attrs["baudrate"] = dis.cfg.Baudrate
		}
		if dis.cfg.Board != "" {
			attrs["board"] = dis.cfg.Board
		}
		if dis.cfg.HallPin != "" {
			attrs["hall_pin"] = dis.cfg.HallPin
		}
		if stateFile := findStateFile(moduleDataDir, portPath, id, dis.logger); stateFile != "" {
			attrs["state_file"] = stateFile
		}

		configs = append(configs, resource.Config{
			Name:       fmt.Sprintf("blind-%s-%d", portSuffix, id),
			API:        sensor.API,
			Model:      BlindModel,
			Attributes: attrs,
		})
	}
	return configs
}

// pingServos opens portPath with the feetech driver and pings every id.
func pingServos(ctx context.Context, portPath string, baudrate int, ids []int) []int {
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     portPath,
		Baudrate: baudrate,
		Protocol: feetech.ProtocolV0,
		Timeout:  discoveryPingTimeout,
	})
	if err != nil {
		return nil
	}
	defer bus.Close()

	var found []int
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if _, err := bus.Servo(id).Ping(); err == nil {
			found = append(found, id)
		}
	}
	return found
}

// filterCandidatePorts filters serial ports by platform-specific naming patterns
func filterCandidatePorts(ports []string) []string {
	candidates := []string{}
	for _, port := range ports {
		if isCandidatePort(port) {
			candidates = append(candidates, port)
		}
	}
	return candidates
}

// isCandidatePort checks if a port looks like a USB serial adapter
func isCandidatePort(port string) bool {
	// Linux: /dev/ttyUSB*, /dev/ttyACM*
	if strings.HasPrefix(port, "/dev/ttyUSB") || strings.HasPrefix(port, "/dev/ttyACM") {
		return true
	}
	// macOS: /dev/tty.usbmodem*, /dev/tty.usbserial*, /dev/cu.usbmodem*, /dev/cu.usbserial*
	if strings.HasPrefix(port, "/dev/tty.usbmodem") || strings.HasPrefix(port, "/dev/tty.usbserial") ||
		strings.HasPrefix(port, "/dev/cu.usbmodem") || strings.HasPrefix(port, "/dev/cu.usbserial") {
		return true
	}
	// Windows: COM*
	return strings.HasPrefix(port, "COM")
}

// extractPortSuffix extracts a friendly suffix from port path for naming
// /dev/ttyUSB0 -> "ttyUSB0"
// COM3 -> "COM3"
// /dev/tty.usbmodem123 -> "usbmodem123"
func extractPortSuffix(portPath string) string {
	base := filepath.Base(portPath)

	if strings.HasPrefix(base, "tty.usb") {
		return strings.TrimPrefix(base, "tty.")
	}
	if strings.HasPrefix(base, "cu.usb") {
		return strings.TrimPrefix(base, "cu.")
	}
	return base
}

// findStateFile returns the name of an existing state file for the servo, so a
// rediscovered blind keeps its calibration. Empty when none exists.
func findStateFile(moduleDataDir, portPath string, servoID int, logger logging.Logger) string {
	name := defaultStateFileName(portPath, servoID)
	if _, err := os.Stat(filepath.Join(moduleDataDir, name)); err == nil {
		logger.Debugf("Found existing state file: %s", name)
		return name
	}
	return ""
}

// enumerateSerialPorts returns a list of all serial ports on the system
func enumerateSerialPorts() []string {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return []string{}
	}

	var portPaths []string
	for _, port := range ports {
		portPaths = append(portPaths, port.Name)
	}
	return portPaths
}
