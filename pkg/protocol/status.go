package protocol

import "strings"

// Generic acknowledgement codes.
const (
	AckSuccess byte = 0
	AckFailure byte = 1
)

// Color is the side reported by ASK_COLOR.
type Color byte

const (
	ColorViolet  Color = 0
	ColorYellow  Color = 1
	ColorUnknown Color = 2
)

func (c Color) String() string {
	switch c {
	case ColorViolet:
		return "violet"
	case ColorYellow:
		return "yellow"
	default:
		return "unknown"
	}
}

// ParseColor maps an ASK_COLOR reply byte. ok is false for an unknown side.
func ParseColor(b byte) (Color, bool) {
	switch Color(b) {
	case ColorViolet, ColorYellow:
		return Color(b), true
	default:
		return ColorUnknown, false
	}
}

// TrajectoryEndMask is the FOLLOW_TRAJECTORY failure code.
type TrajectoryEndMask uint32

const (
	TrajStopRequired TrajectoryEndMask = 1 << iota
	TrajExternalBlock
	TrajInternalBlock
	TrajTooFar
	TrajNoMorePoints
)

var trajectoryEndNames = []string{"STOP_REQUIRED", "EXTERNAL_BLOCK", "INTERNAL_BLOCK", "TOO_FAR", "NO_MORE_POINTS"}

// Describe lists the names of the set bits.
func (m TrajectoryEndMask) Describe() []string {
	return describeBits(uint32(m), trajectoryEndNames)
}

func (m TrajectoryEndMask) String() string {
	return strings.Join(m.Describe(), "|")
}

// ActuatorMask is the failure code of actuator replies.
type ActuatorMask uint32

const (
	ActStepperBlocked ActuatorMask = 1 << iota
	ActAX12YBlocked
	ActAX12ThetaBlocked
	ActAX12Err
	ActManualStop
	ActUnreachable
	ActSensorErr
	ActNoDetection
	ActMoveTimedOut
)

var actuatorNames = []string{
	"STEPPER_BLOCKED", "AX12_Y_BLOCKED", "AX12_THETA_BLOCKED", "AX12_ERR", "MANUAL_STOP",
	"UNREACHABLE", "SENSOR_ERR", "NO_DETECTION", "MOVE_TIMED_OUT",
}

// Describe lists the names of the set bits.
func (m ActuatorMask) Describe() []string {
	return describeBits(uint32(m), actuatorNames)
}

func (m ActuatorMask) String() string {
	return strings.Join(m.Describe(), "|")
}

// Has reports whether every bit of flag is set.
func (m ActuatorMask) Has(flag ActuatorMask) bool {
	return m&flag == flag
}

func describeBits(v uint32, names []string) []string {
	var out []string
	for i, name := range names {
		if v&(1<<uint(i)) != 0 {
			out = append(out, name)
		}
	}
	if rest := v &^ (1<<uint(len(names)) - 1); rest != 0 {
		out = append(out, "UNKNOWN")
	}
	return out
}
