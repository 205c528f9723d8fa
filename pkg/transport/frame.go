// Package transport frames packets over the duplex byte stream shared with the low-level board.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/senpai-robotics/controller/pkg/protocol"
)

var (
	// ErrMalformedFrame marks a byte sequence that is not a valid frame. The frame is skipped.
	ErrMalformedFrame = errors.New("transport: malformed frame")
	// ErrDisconnected marks an I/O failure on the medium. The link reopens it transparently.
	ErrDisconnected = errors.New("transport: medium disconnected")
	// ErrClosed is returned once the link is closed for good.
	ErrClosed = errors.New("transport: link closed")
)

// Frame is one decoded frame: either a binary payload from an origin command or a diagnostic text.
type Frame struct {
	Origin       byte
	Payload      []byte
	IsDiagnostic bool
	Diagnostic   string
}

// Packet is an inbound frame attributed to a catalogued command.
type Packet struct {
	Command  *protocol.Command
	Payload  []byte
	Received time.Time
}

// ReadFrame decodes the next frame from r. A wrong start marker yields ErrMalformedFrame after
// consuming that single byte, so the caller can resynchronise by calling again.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	start, err := r.ReadByte()
	if err != nil {
		return Frame{}, err
	}
	if start != protocol.StartMarker {
		return Frame{}, fmt.Errorf("transport:frame - start byte 0x%02X: %w", start, ErrMalformedFrame)
	}
	origin, err := r.ReadByte()
	if err != nil {
		return Frame{}, err
	}
	length, err := r.ReadByte()
	if err != nil {
		return Frame{}, err
	}

	if length == protocol.DiagnosticLength {
		text, err := r.ReadString(0)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Origin: origin, IsDiagnostic: true, Diagnostic: text[:len(text)-1]}, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	return Frame{Origin: origin, Payload: payload}, nil
}

// EncodeDiagnostic builds a diagnostic text frame as the board emits it.
func EncodeDiagnostic(origin byte, text string) []byte {
	frame := make([]byte, 0, len(text)+4)
	frame = append(frame, protocol.StartMarker, origin, protocol.DiagnosticLength)
	frame = append(frame, text...)
	return append(frame, 0)
}
