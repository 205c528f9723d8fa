package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Frame envelope shared by both directions.
const (
	StartMarker      byte = 0xFF
	DiagnosticLength byte = 0xFF
	MaxPayload            = 254
)

// Stream channel codes carried by subscribe/unsubscribe orders.
const (
	ChannelUnsubscribe byte = 0
	ChannelSubscribe   byte = 1
)

// Itinerary batching.
const (
	PointSize         = 22
	MaxPointsPerFrame = 11
)

// ErrShortPayload is returned when a payload is smaller than its layout requires.
var ErrShortPayload = errors.New("protocol: payload too short")

// EncodeFrame builds the outbound frame for a command: start marker, opcode, length, payload.
func EncodeFrame(id ID, payload []byte) []byte {
	if len(payload) > MaxPayload {
		panic(Violation{Command: id, Reason: fmt.Sprintf("payload of %d bytes exceeds frame capacity", len(payload))})
	}
	frame := make([]byte, 0, 3+len(payload))
	frame = append(frame, StartMarker, byte(id), byte(len(payload)))
	return append(frame, payload...)
}

// PosePayload encodes x, y (mm) and orientation (rad): 12 bytes.
func PosePayload(x, y int32, orientation float32) []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint32(b[0:], uint32(x))
	binary.LittleEndian.PutUint32(b[4:], uint32(y))
	binary.LittleEndian.PutUint32(b[8:], math.Float32bits(orientation))
	return b
}

// Int32Payload encodes a single int32.
func Int32Payload(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

// Float32Payload encodes a single float32.
func Float32Payload(v float32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	return b
}

// FlagPayload encodes a boolean flag as one byte.
func FlagPayload(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

// ItineraryPoint is one point of a trajectory sent to the board.
type ItineraryPoint struct {
	X           int32   `json:"x"`
	Y           int32   `json:"y"`
	Orientation float32 `json:"orientation"`
	Curvature   float32 `json:"curvature"`
	// Speed is the maximum speed in mm/s, negative when driving backwards.
	Speed float32 `json:"speed"`
	Stop  bool    `json:"stop"`
}

// Forward reports whether the point is driven forwards.
func (p ItineraryPoint) Forward() bool {
	return p.Speed >= 0
}

// EncodePoints splits points into ADD_POINTS payloads of at most MaxPointsPerFrame points.
// When endOfTrajectory is set, the very last point carries the last flag.
func EncodePoints(points []ItineraryPoint, endOfTrajectory bool) [][]byte {
	var frames [][]byte
	for start := 0; start < len(points); start += MaxPointsPerFrame {
		end := start + MaxPointsPerFrame
		if end > len(points) {
			end = len(points)
		}
		b := make([]byte, PointSize*(end-start))
		for i, p := range points[start:end] {
			o := b[i*PointSize:]
			binary.LittleEndian.PutUint32(o[0:], uint32(p.X))
			binary.LittleEndian.PutUint32(o[4:], uint32(p.Y))
			binary.LittleEndian.PutUint32(o[8:], math.Float32bits(p.Orientation))
			binary.LittleEndian.PutUint32(o[12:], math.Float32bits(p.Curvature))
			binary.LittleEndian.PutUint32(o[16:], math.Float32bits(p.Speed))
			if p.Stop {
				o[20] = 1
			}
			if endOfTrajectory && start+i == len(points)-1 {
				o[21] = 1
			}
		}
		frames = append(frames, b)
	}
	return frames
}

// DecodePoints reverses EncodePoints for one payload and reports which points carry the last flag.
func DecodePoints(payload []byte) ([]ItineraryPoint, []bool, error) {
	if len(payload)%PointSize != 0 {
		return nil, nil, fmt.Errorf("protocol:payload - %d bytes is not a whole number of points: %w", len(payload), ErrShortPayload)
	}
	n := len(payload) / PointSize
	points := make([]ItineraryPoint, n)
	last := make([]bool, n)
	for i := range points {
		o := payload[i*PointSize:]
		points[i] = ItineraryPoint{
			X:           int32(binary.LittleEndian.Uint32(o[0:])),
			Y:           int32(binary.LittleEndian.Uint32(o[4:])),
			Orientation: math.Float32frombits(binary.LittleEndian.Uint32(o[8:])),
			Curvature:   math.Float32frombits(binary.LittleEndian.Uint32(o[12:])),
			Speed:       math.Float32frombits(binary.LittleEndian.Uint32(o[16:])),
			Stop:        o[20] != 0,
		}
		last[i] = o[21] != 0
	}
	return points, last, nil
}

// Odometry is one ODO_AND_SENSORS sample.
type Odometry struct {
	X           int32   `json:"x"`
	Y           int32   `json:"y"`
	Orientation float32 `json:"orientation"`
	Curvature   float32 `json:"curvature"`
	Index       int32   `json:"index"`
	Forward     bool    `json:"forward"`
	Sensors     []int32 `json:"sensors,omitempty"`
}

const odometryHeader = 21

// DecodeOdometry parses an ODO_AND_SENSORS payload.
func DecodeOdometry(payload []byte) (Odometry, error) {
	if len(payload) < odometryHeader || (len(payload)-odometryHeader)%4 != 0 {
		return Odometry{}, fmt.Errorf("protocol:payload - odometry of %d bytes: %w", len(payload), ErrShortPayload)
	}
	o := Odometry{
		X:           int32(binary.LittleEndian.Uint32(payload[0:])),
		Y:           int32(binary.LittleEndian.Uint32(payload[4:])),
		Orientation: math.Float32frombits(binary.LittleEndian.Uint32(payload[8:])),
		Curvature:   math.Float32frombits(binary.LittleEndian.Uint32(payload[12:])),
		Index:       int32(binary.LittleEndian.Uint32(payload[16:])),
		Forward:     payload[20] != 0,
	}
	for rest := payload[odometryHeader:]; len(rest) >= 4; rest = rest[4:] {
		o.Sensors = append(o.Sensors, int32(binary.LittleEndian.Uint32(rest)))
	}
	return o, nil
}

// EncodeOdometry builds an ODO_AND_SENSORS payload. The simulated board uses it.
func EncodeOdometry(o Odometry) []byte {
	b := make([]byte, odometryHeader+4*len(o.Sensors))
	binary.LittleEndian.PutUint32(b[0:], uint32(o.X))
	binary.LittleEndian.PutUint32(b[4:], uint32(o.Y))
	binary.LittleEndian.PutUint32(b[8:], math.Float32bits(o.Orientation))
	binary.LittleEndian.PutUint32(b[12:], math.Float32bits(o.Curvature))
	binary.LittleEndian.PutUint32(b[16:], uint32(o.Index))
	if o.Forward {
		b[20] = 1
	}
	for i, s := range o.Sensors {
		binary.LittleEndian.PutUint32(b[odometryHeader+4*i:], uint32(s))
	}
	return b
}

// DecodeInt32 reads the leading int32 of a reply payload.
func DecodeInt32(payload []byte) (int32, error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("protocol:payload - int32 from %d bytes: %w", len(payload), ErrShortPayload)
	}
	return int32(binary.LittleEndian.Uint32(payload)), nil
}

// DecodePose reads x, y, orientation from a 12 byte payload.
func DecodePose(payload []byte) (x, y int32, orientation float32, err error) {
	if len(payload) < 12 {
		return 0, 0, 0, fmt.Errorf("protocol:payload - pose from %d bytes: %w", len(payload), ErrShortPayload)
	}
	x = int32(binary.LittleEndian.Uint32(payload[0:]))
	y = int32(binary.LittleEndian.Uint32(payload[4:]))
	orientation = math.Float32frombits(binary.LittleEndian.Uint32(payload[8:]))
	return x, y, orientation, nil
}
