package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedReply is returned when a reply arrives for a command with no outstanding request.
	ErrUnexpectedReply = errors.New("protocol: unexpected reply")
	// ErrLateSample is returned when a stream sample arrives after the grace window following unsubscribe.
	ErrLateSample = errors.New("protocol: stream sample after unsubscribe grace window")
	// ErrUnknownCommand is returned for an opcode missing from the catalogue.
	ErrUnknownCommand = errors.New("protocol: unknown command")
)

// Violation is the panic value raised when a caller breaks a protocol invariant,
// such as sending a long command whose previous instance is still in flight.
// It indicates a programming defect and is never retried.
type Violation struct {
	Command ID
	Reason  string
}

func (v Violation) Error() string {
	return fmt.Sprintf("protocol violation on %s: %s", v.Command, v.Reason)
}
