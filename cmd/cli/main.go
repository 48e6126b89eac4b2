package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"smartblind"
)

const usage = `usage: cli [flags] <command> [args]

commands:
  ping           check that the servo answers
  read           print raw position, load, voltage and temperature
  track          print the unwrapped cumulative position until interrupted
  spin <speed>   turn in wheel mode at a signed speed
  stop           stop the servo

flags:
`

func main() {
	err := realMain()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func realMain() error {
	port := flag.String("port", "/dev/ttyUSB0", "serial port of the servo bus")
	baudrate := flag.Int("baudrate", 1000000, "bus baudrate")
	servoID := flag.Int("id", 1, "servo id")
	acceleration := flag.Int("accel", smartblind.DefaultAcceleration, "wheel mode acceleration")
	interval := flag.Duration("interval", 100*time.Millisecond, "track poll interval")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		return errors.New("missing command")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	logger := logging.NewLogger("smartblind-cli")

	servo, err := smartblind.OpenSerialActuator(*port, *baudrate, time.Second, *servoID)
	if err != nil {
		return err
	}
	defer servo.Close()

	switch cmd := flag.Arg(0); cmd {
	case "ping":
		if err := servo.Ping(ctx); err != nil {
			return errors.Wrapf(err, "servo %d did not answer", *servoID)
		}
		logger.Infof("Servo %d answered on %s", *servoID, *port)

	case "read":
		return readServo(ctx, servo, logger)

	case "track":
		return trackServo(ctx, servo, *interval, logger)

	case "spin":
		if flag.NArg() < 2 {
			return errors.New("spin needs a speed")
		}
		speed, err := strconv.Atoi(flag.Arg(1))
		if err != nil {
			return errors.Wrapf(err, "invalid speed %q", flag.Arg(1))
		}
		if err := servo.SetVelocity(ctx, speed, *acceleration); err != nil {
			return err
		}
		logger.Infof("Servo %d spinning at %d", *servoID, speed)

	case "stop":
		if err := servo.SetVelocity(ctx, 0, *acceleration); err != nil {
			return err
		}
		logger.Infof("Servo %d stopped", *servoID)

	default:
		flag.Usage()
		return errors.Errorf("unknown command %q", cmd)
	}
	return nil
}

func readServo(ctx context.Context, servo smartblind.Actuator, logger logging.Logger) error {
	pos, err := servo.Position(ctx)
	if err != nil {
		return err
	}
	load, err := servo.Load(ctx)
	if err != nil {
		return err
	}
	volt, err := servo.Voltage(ctx)
	if err != nil {
		return err
	}
	temp, err := servo.Temperature(ctx)
	if err != nil {
		return err
	}
	logger.Infof("position=%d load=%d voltage=%.1fV temperature=%dC", pos, load, float64(volt)/10, temp)
	return nil
}

// trackServo prints the cumulative position, unwrapping every revolution, so a blind
// can be turned by hand to measure its travel.
func trackServo(ctx context.Context, servo smartblind.Actuator, interval time.Duration, logger logging.Logger) error {
	last, err := servo.Position(ctx)
	if err != nil {
		return err
	}
	var cumulative int32
	logger.Infof("Tracking from raw=%d, ctrl-c to stop", last)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Infof("Final cumulative position %d", cumulative)
			return nil
		case <-ticker.C:
		}

		raw, err := servo.Position(ctx)
		if err != nil {
			logger.Warnf("Read failed: %v", err)
			continue
		}
		delta := smartblind.UnwrapDelta(last, raw)
		last = raw
		if delta == 0 {
			continue
		}
		cumulative += delta
		logger.Infof("raw=%4d delta=%+5d cumulative=%d", raw, delta, cumulative)
	}
}
