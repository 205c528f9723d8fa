package supervisor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/senpai-robotics/controller/pkg/protocol"
)

// Sentinel errors for the failure kinds surfaced by the supervisor.
var (
	ErrInfeasible        = errors.New("supervisor: action not feasible")
	ErrPathUnavailable   = errors.New("supervisor: no path to goal")
	ErrMotionFault       = errors.New("supervisor: motion fault")
	ErrToleranceExceeded = errors.New("supervisor: pose out of tolerance")
	ErrActionFailure     = errors.New("supervisor: action failure")
	ErrInterrupted       = errors.New("supervisor: interrupted")
)

// Kind names a failure kind.
type Kind string

const (
	KindInfeasible        Kind = "INFEASIBLE"
	KindPathUnavailable   Kind = "PATH_UNAVAILABLE"
	KindMotionFault       Kind = "MOTION_FAULT"
	KindToleranceExceeded Kind = "TOLERANCE_EXCEEDED"
	KindActionFailure     Kind = "ACTION_FAILURE"
	KindInterrupted       Kind = "INTERRUPTED"
)

// Sentinel returns the sentinel error matching the kind.
func (k Kind) Sentinel() error {
	switch k {
	case KindInfeasible:
		return ErrInfeasible
	case KindPathUnavailable:
		return ErrPathUnavailable
	case KindMotionFault:
		return ErrMotionFault
	case KindToleranceExceeded:
		return ErrToleranceExceeded
	case KindActionFailure:
		return ErrActionFailure
	default:
		return ErrInterrupted
	}
}

// Failure is the outcome of an action that did not complete. Counts holds how many times each
// kind occurred over all attempts, so a caller can pick another action once one is exhausted.
type Failure struct {
	Kind    Kind
	Action  string
	Attempt int
	Counts  map[Kind]int
	Err     error
}

func (f *Failure) Error() string {
	var counts []string
	for _, k := range []Kind{KindPathUnavailable, KindMotionFault, KindToleranceExceeded, KindActionFailure} {
		if n := f.Counts[k]; n > 0 {
			counts = append(counts, fmt.Sprintf("%s=%d", k, n))
		}
	}
	return fmt.Sprintf("%s failed with %s on attempt %d [%s]: %v", f.Action, f.Kind, f.Attempt, strings.Join(counts, " "), f.Err)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (f *Failure) Unwrap() []error {
	return []error{f.Kind.Sentinel(), f.Err}
}

// MotionFault carries the trajectory end mask the board reported.
type MotionFault struct {
	Mask protocol.TrajectoryEndMask
}

func (e *MotionFault) Error() string {
	return fmt.Sprintf("trajectory ended with %s", e.Mask)
}

func (e *MotionFault) Unwrap() error { return ErrMotionFault }

// ActuatorFault carries the actuator mask the board reported.
type ActuatorFault struct {
	Command string
	Mask    protocol.ActuatorMask
}

func (e *ActuatorFault) Error() string {
	return fmt.Sprintf("%s failed with %s", e.Command, e.Mask)
}

func (e *ActuatorFault) Unwrap() error { return ErrActionFailure }

// ToleranceError reports which tolerance the reached pose violated.
type ToleranceError struct {
	Axis      string
	Deviation float64
	Limit     float64
}

func (e *ToleranceError) Error() string {
	return fmt.Sprintf("%s error %.1f exceeds %.1f", e.Axis, e.Deviation, e.Limit)
}

func (e *ToleranceError) Unwrap() error { return ErrToleranceExceeded }
