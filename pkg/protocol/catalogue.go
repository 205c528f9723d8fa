// Package protocol defines the wire commands exchanged with the low-level motion board:
// the immutable command catalogue, the per-command runtime state table, frame and payload
// encoding, and the status codes carried by replies.
package protocol

import (
	"fmt"
	"time"
)

// Category classifies a command by its opcode range.
type Category uint8

const (
	// CategoryStream commands toggle a continuous telemetry channel (0x00-0x1F).
	CategoryStream Category = iota
	// CategoryLong commands have a lasting effect and must not be resent before their reply (0x20-0x7F).
	CategoryLong
	// CategoryImmediate commands take effect at once (0x80-0xFF).
	CategoryImmediate
)

func (c Category) String() string {
	switch c {
	case CategoryStream:
		return "stream"
	case CategoryLong:
		return "long"
	default:
		return "immediate"
	}
}

// CategoryOf returns the category implied by an opcode.
func CategoryOf(code byte) Category {
	switch {
	case code < 0x20:
		return CategoryStream
	case code < 0x80:
		return CategoryLong
	default:
		return CategoryImmediate
	}
}

// Dispatch priorities. Lower runs first.
const (
	PriorityEmergency  = -20
	PriorityTrajectory = -10
	PriorityDefault    = 0
)

// DefaultStreamGrace bounds how late a stream sample may arrive after its unsubscribe was sent.
const DefaultStreamGrace = 10 * time.Millisecond

// ID is a command opcode.
type ID byte

// Streams.
const (
	OdoAndSensors ID = 0x00
)

// Long commands.
const (
	FollowTrajectory ID = 0x20
	Stop             ID = 0x21
	WaitForJumper    ID = 0x22
	StartMatchChrono ID = 0x23
	ActuatorGoHome   ID = 0x24
)

// Immediate commands.
const (
	Ping                    ID = 0x80
	AskColor                ID = 0x81
	EditPosition            ID = 0x82
	SetPosition             ID = 0x83
	AddPoints               ID = 0x84
	EditPoints              ID = 0x85
	DestroyPoints           ID = 0x86
	SetScore                ID = 0x87
	SetNightLight           ID = 0x88
	SetWarnings             ID = 0x89
	ActuatorStop            ID = 0x8A
	ActuatorGetPosition     ID = 0x8B
	EnableParkingBrake      ID = 0x8C
	EnableHighSpeedMode     ID = 0x8D
	DisplayColor            ID = 0x8E
	Display                 ID = 0x90
	Save                    ID = 0x91
	LoadDefaults            ID = 0x92
	GetPosition             ID = 0x93
	SetControlLevel         ID = 0x94
	StartManualMove         ID = 0x95
	SetMaxSpeed             ID = 0x96
	SetDistanceToDrive      ID = 0x97
	SetCurvature            ID = 0x98
	SetDirectionAngle       ID = 0x99
	SetTranslationConstants ID = 0x9A
	SetTrajectoryConstants  ID = 0x9B
	SetStoppingConstants    ID = 0x9C
	SetMaxAcceleration      ID = 0x9D
	SetMaxDeceleration      ID = 0x9E
	SetMaxCurvature         ID = 0x9F
	SetSmokeLevel           ID = 0xA0
)

// Command is the immutable descriptor of one wire command.
type Command struct {
	ID            ID
	Name          string
	Category      Category
	Priority      int
	ExpectsAnswer bool
}

func (c *Command) String() string {
	return fmt.Sprintf("%s(0x%02X)", c.Name, byte(c.ID))
}

// IsStream reports whether the command is a telemetry stream.
func (c *Command) IsStream() bool { return c.Category == CategoryStream }

// IsLong reports whether the command is gated by its previous reply.
func (c *Command) IsLong() bool { return c.Category == CategoryLong }

var definitions = []struct {
	id     ID
	name   string
	answer bool
}{
	{OdoAndSensors, "ODO_AND_SENSORS", true},

	{FollowTrajectory, "FOLLOW_TRAJECTORY", true},
	{Stop, "STOP", true},
	{WaitForJumper, "WAIT_FOR_JUMPER", true},
	{StartMatchChrono, "START_MATCH_CHRONO", true},
	{ActuatorGoHome, "ACTUATOR_GO_HOME", true},

	{Ping, "PING", true},
	{AskColor, "ASK_COLOR", true},
	{EditPosition, "EDIT_POSITION", false},
	{SetPosition, "SET_POSITION", false},
	{AddPoints, "ADD_POINTS", true},
	{EditPoints, "EDIT_POINTS", true},
	{DestroyPoints, "DESTROY_POINTS", true},
	{SetScore, "SET_SCORE", false},
	{SetNightLight, "SET_NIGHT_LIGHT", false},
	{SetWarnings, "SET_WARNINGS", false},
	{ActuatorStop, "ACT_STOP", false},
	{ActuatorGetPosition, "ACT_GET_POSITION", true},
	{EnableParkingBrake, "ENABLE_PARKING_BRAKE", false},
	{EnableHighSpeedMode, "ENABLE_HIGH_SPEED_MODE", false},
	{DisplayColor, "DISPLAY_COLOR", false},
	{Display, "DISPLAY", false},
	{Save, "SAVE", false},
	{LoadDefaults, "LOAD_DEFAULTS", false},
	{GetPosition, "GET_POSITION", true},
	{SetControlLevel, "SET_CONTROL_LEVEL", false},
	{StartManualMove, "START_MANUAL_MOVE", false},
	{SetMaxSpeed, "SET_MAX_SPEED", false},
	{SetDistanceToDrive, "SET_DISTANCE_TO_DRIVE", false},
	{SetCurvature, "SET_CURVATURE", false},
	{SetDirectionAngle, "SET_DIRECTION_ANGLE", false},
	{SetTranslationConstants, "SET_TRANSLATION_CONSTANTS", false},
	{SetTrajectoryConstants, "SET_TRAJECTORY_CONSTANTS", false},
	{SetStoppingConstants, "SET_STOPPING_CONSTANTS", false},
	{SetMaxAcceleration, "SET_MAX_ACCELERATION", false},
	{SetMaxDeceleration, "SET_MAX_DECELERATION", false},
	{SetMaxCurvature, "SET_MAX_CURVATURE", false},
	{SetSmokeLevel, "SET_SMOKE_LEVEL", false},
}

var (
	catalogue [256]*Command
	byName    = make(map[string]*Command)
)

func init() {
	for _, d := range definitions {
		cmd := &Command{
			ID:            d.id,
			Name:          d.name,
			Category:      CategoryOf(byte(d.id)),
			Priority:      priorityOf(d.id),
			ExpectsAnswer: d.answer,
		}
		if cmd.Category != CategoryImmediate && !cmd.ExpectsAnswer {
			panic(Violation{Command: d.id, Reason: "stream and long commands must expect an answer"})
		}
		if catalogue[d.id] != nil {
			panic(Violation{Command: d.id, Reason: "duplicate opcode"})
		}
		catalogue[d.id] = cmd
		byName[d.name] = cmd
	}
}

func priorityOf(id ID) int {
	switch id {
	case Stop:
		return PriorityEmergency
	case AddPoints, EditPoints, DestroyPoints:
		return PriorityTrajectory
	default:
		return PriorityDefault
	}
}

// Lookup returns the descriptor for an opcode.
func Lookup(code byte) (*Command, bool) {
	cmd := catalogue[code]
	return cmd, cmd != nil
}

// LookupName returns the descriptor with the given wire name.
func LookupName(name string) (*Command, bool) {
	cmd, ok := byName[name]
	return cmd, ok
}

// MustLookup returns the descriptor for a known ID and panics for an unknown one.
func MustLookup(id ID) *Command {
	cmd := catalogue[id]
	if cmd == nil {
		panic(Violation{Command: id, Reason: "unknown command"})
	}
	return cmd
}

// Commands returns every descriptor ordered by opcode.
func Commands() []*Command {
	out := make([]*Command, 0, len(definitions))
	for _, cmd := range catalogue {
		if cmd != nil {
			out = append(out, cmd)
		}
	}
	return out
}

func (id ID) String() string {
	if cmd := catalogue[id]; cmd != nil {
		return cmd.Name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", byte(id))
}
