package smartblind

// MotionState is the externally visible motion state of the blind.
type MotionState int

const (
	MotionUnknown MotionState = iota
	MotionOpen
	MotionClosed
	MotionOpening
	MotionClosing
	MotionStopped
	MotionRecovering
)

func (s MotionState) String() string {
	switch s {
	case MotionUnknown:
		return "unknown"
	case MotionOpen:
		return "open"
	case MotionClosed:
		return "closed"
	case MotionOpening:
		return "opening"
	case MotionClosing:
		return "closing"
	case MotionStopped:
		return "stopped"
	case MotionRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// moving reports whether the servo is being driven in this state.
func (s MotionState) moving() bool {
	return s == MotionOpening || s == MotionClosing || s == MotionRecovering
}

// CalibrationState tracks the home/bottom calibration workflow.
type CalibrationState int

const (
	// CalibrationIdle means no calibration is running.
	CalibrationIdle CalibrationState = iota
	// CalibrationFindingHome means the blind is opening until the hall sensor latches.
	CalibrationFindingHome
	// CalibrationAtHome means home was found and the user is moving to the bottom.
	CalibrationAtHome
	// CalibrationComplete means the bottom position has just been confirmed.
	CalibrationComplete
)

func (s CalibrationState) String() string {
	switch s {
	case CalibrationIdle:
		return "idle"
	case CalibrationFindingHome:
		return "finding_home"
	case CalibrationAtHome:
		return "at_home"
	case CalibrationComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// active is true for the sub-states that suspend soft limits and the movement timeout.
func (s CalibrationState) active() bool {
	return s == CalibrationFindingHome || s == CalibrationAtHome
}

// validCombination reports whether a motion state may coexist with a calibration state.
// Limit-driven states and recovery never overlap an active calibration.
func validCombination(m MotionState, c CalibrationState) bool {
	if !c.active() {
		return true
	}
	switch m {
	case MotionOpen, MotionClosed, MotionRecovering:
		return false
	default:
		return true
	}
}
