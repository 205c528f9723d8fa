// Package events defines the events the controller publishes and the publishers that carry them.
package events

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StatusEvent is published periodically with the robot state.
type StatusEvent struct {
	Robot     string      `json:"robot"`
	Status    interface{} `json:"status"`
	Queued    int         `json:"queued"`
	Sent      int64       `json:"sent"`
	Timestamp string      `json:"timestamp"`
}

// CollisionEvent is emitted when the collision monitor stops the robot.
type CollisionEvent struct {
	Robot      string  `json:"robot"`
	ObstacleID string  `json:"obstacleId,omitempty"`
	ObstacleX  float64 `json:"obstacleX"`
	ObstacleY  float64 `json:"obstacleY"`
	PathIndex  int     `json:"pathIndex"`
	Progress   int     `json:"progress"`
	Timestamp  string  `json:"timestamp"`
}

// ActionEvent is emitted when the supervisor finishes a goal or an action.
type ActionEvent struct {
	Robot     string         `json:"robot"`
	Action    string         `json:"action"`
	Ok        bool           `json:"ok"`
	Kind      string         `json:"kind,omitempty"`
	Error     string         `json:"error,omitempty"`
	Attempts  int            `json:"attempts"`
	Counts    map[string]int `json:"counts,omitempty"`
	Elapsed   int64          `json:"elapsedMs"`
	Timestamp string         `json:"timestamp"`
}

// Incident kinds.
const (
	KindLateSample         = "LATE_SAMPLE"
	KindUnexpectedReply    = "UNEXPECTED_REPLY"
	KindUnknownCommand     = "UNKNOWN_COMMAND"
	KindMalformedPayload   = "MALFORMED_PAYLOAD"
	KindDisconnected       = "DISCONNECTED"
	KindSlowSend           = "SLOW_SEND"
	KindSlowProcessing     = "SLOW_PROCESSING"
	KindBufferCritical     = "BUFFER_CRITICAL"
	KindTimeout            = "TIMEOUT"
	KindCollision          = "COLLISION"
	KindActionFailure      = "ACTION_FAILURE"
	KindShutdownIncomplete = "SHUTDOWN_INCOMPLETE"
)

// Incident records one degraded-operation outcome.
type Incident struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Command   string    `json:"command,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
	ElapsedMs int64     `json:"elapsedMs"`
	Detail    string    `json:"detail"`
	Created   time.Time `json:"created"`
}

// NewIncident stamps a new incident with an id and the current time.
func NewIncident(kind, command string, payload []byte, elapsed time.Duration, detail string) *Incident {
	return &Incident{
		ID:        uuid.NewString(),
		Kind:      kind,
		Command:   command,
		Payload:   append([]byte(nil), payload...),
		ElapsedMs: elapsed.Milliseconds(),
		Detail:    detail,
		Created:   time.Now().UTC(),
	}
}

func (i *Incident) String() string {
	return fmt.Sprintf("%s %s data=%s elapsed=%dms: %s", i.Kind, i.Command, hex.EncodeToString(i.Payload), i.ElapsedMs, i.Detail)
}

// Timestamp formats t the way events carry it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
