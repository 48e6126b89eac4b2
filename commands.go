package smartblind

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// Command is an abstract blind command received from any transport.
type Command int

const (
	CommandOpen Command = iota
	CommandClose
	CommandStop
	CommandOpenForce
	CommandCloseForce
	CommandCalibrateStart
	CommandCalibrateSetBottom
	CommandCalibrateCancel
)

var commandTokens = map[Command]string{
	CommandOpen:               "OPEN",
	CommandClose:              "CLOSE",
	CommandStop:               "STOP",
	CommandOpenForce:          "OPEN_FORCE",
	CommandCloseForce:         "CLOSE_FORCE",
	CommandCalibrateStart:     "CALIBRATE_START",
	CommandCalibrateSetBottom: "CALIBRATE_SETBOTTOM",
	CommandCalibrateCancel:    "CALIBRATE_CANCEL",
}

func (c Command) String() string {
	if tok, ok := commandTokens[c]; ok {
		return tok
	}
	return "UNKNOWN"
}

// ErrUnknownCommand is returned by ParseCommand for unrecognized tokens.
var ErrUnknownCommand = errors.New("unknown command")

// ParseCommand maps a case-insensitive token to a Command.
func ParseCommand(token string) (Command, error) {
	want := strings.ToUpper(strings.TrimSpace(token))
	for cmd, tok := range commandTokens {
		if tok == want {
			return cmd, nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownCommand, "%q", token)
}

// Execute dispatches cmd to the matching controller operation.
func (mc *MotionController) Execute(ctx context.Context, cmd Command) error {
	mc.logger.Debugf("Handling command %s", cmd)
	switch cmd {
	case CommandOpen:
		mc.Open(ctx, false)
	case CommandClose:
		mc.Close(ctx, false)
	case CommandStop:
		mc.Stop(ctx)
	case CommandOpenForce:
		mc.Open(ctx, true)
	case CommandCloseForce:
		mc.Close(ctx, true)
	case CommandCalibrateStart:
		return mc.StartCalibration(ctx)
	case CommandCalibrateSetBottom:
		return mc.SetBottomPosition(ctx)
	case CommandCalibrateCancel:
		mc.CancelCalibration(ctx)
	default:
		return errors.Wrapf(ErrUnknownCommand, "%d", int(cmd))
	}
	return nil
}
