// Package robot holds the shared motion state of the robot: pose and trajectory progress written
// by the incoming data handler, and the motion state read by the collision monitor and the mover.
package robot

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/senpai-robotics/controller/pkg/protocol"
)

const logPrefix = "robot:robot"

// State is the motion state.
type State int

const (
	StateStandby State = iota
	StateReadyToGo
	StateMoving
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStandby:
		return "STANDBY"
	case StateReadyToGo:
		return "READY_TO_GO"
	case StateMoving:
		return "MOVING"
	case StateStopping:
		return "STOPPING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Pose is a position in mm and an orientation in radians.
type Pose struct {
	X           float64 `json:"x" yaml:"x"`
	Y           float64 `json:"y" yaml:"y"`
	Orientation float64 `json:"orientation" yaml:"orientation"`
}

// Distance returns the euclidean distance between the positions of p and q.
func (p Pose) Distance(q Pose) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

func (p Pose) String() string {
	return fmt.Sprintf("(%.0f, %.0f, %.3f)", p.X, p.Y, p.Orientation)
}

// Status is a point-in-time copy of the robot state.
type Status struct {
	State        string    `json:"state"`
	Pose         Pose      `json:"pose"`
	Curvature    float64   `json:"curvature"`
	Forward      bool      `json:"forward"`
	PathLength   int       `json:"pathLength"`
	Progress     int       `json:"progress"`
	MatchStarted bool      `json:"matchStarted"`
	Deployed     bool      `json:"deployed"`
	Sensors      []int32   `json:"sensors,omitempty"`
	Updated      time.Time `json:"updated"`
}

// Robot is safe for concurrent use.
type Robot struct {
	mu           sync.Mutex
	state        State
	pose         Pose
	curvature    float64
	forward      bool
	path         []protocol.ItineraryPoint
	index        int
	matchStarted bool
	deployed     bool
	sensors      []int32
	updated      time.Time
	changed      chan struct{}

	logPose rate.Sometimes
}

// New creates a robot standing by at initial.
func New(initial Pose) *Robot {
	return &Robot{
		pose:    initial,
		forward: true,
		changed: make(chan struct{}),
		logPose: rate.Sometimes{Interval: 500 * time.Millisecond},
	}
}

// setState must be called with mu held.
func (r *Robot) setState(s State) {
	if r.state == s {
		return
	}
	slog.Debug(fmt.Sprintf("%s - %s -> %s", logPrefix, r.state, s))
	r.state = s
	close(r.changed)
	r.changed = make(chan struct{})
}

// State returns the motion state.
func (r *Robot) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// StateChanged returns a channel closed at the next state change.
func (r *Robot) StateChanged() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changed
}

// SetReady records the trajectory about to be followed.
func (r *Robot) SetReady(path []protocol.ItineraryPoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.path = append([]protocol.ItineraryPoint(nil), path...)
	r.index = 0
	r.setState(StateReadyToGo)
}

// SetMoving marks the trajectory as being followed.
func (r *Robot) SetMoving() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setState(StateMoving)
}

// SetStopping marks an emergency stop in progress.
func (r *Robot) SetStopping() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setState(StateStopping)
}

// SetStandby clears the trajectory.
func (r *Robot) SetStandby() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.path = nil
	r.index = 0
	r.setState(StateStandby)
}

// NeedCollisionCheck reports whether the robot is following a trajectory.
func (r *Robot) NeedCollisionCheck() bool {
	return r.State() == StateMoving
}

// WaitMoving blocks until the robot is MOVING or ctx ends.
func (r *Robot) WaitMoving(ctx context.Context) error {
	for {
		r.mu.Lock()
		if r.state == StateMoving {
			r.mu.Unlock()
			return nil
		}
		ch := r.changed
		r.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// UpdateOdometry applies a sample from the board.
func (r *Robot) UpdateOdometry(o protocol.Odometry) {
	r.mu.Lock()
	r.pose = Pose{X: float64(o.X), Y: float64(o.Y), Orientation: float64(o.Orientation)}
	r.curvature = float64(o.Curvature)
	r.forward = o.Forward
	r.index = int(o.Index)
	r.sensors = append(r.sensors[:0], o.Sensors...)
	r.updated = time.Now()
	pose, index := r.pose, r.index
	r.mu.Unlock()

	r.logPose.Do(func() {
		slog.Debug(fmt.Sprintf("%s - Position %s index %d", logPrefix, pose, index))
	})
}

// SetPose overrides the known pose, used when the board is told a new position.
func (r *Robot) SetPose(p Pose) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pose = p
}

// Pose returns the last known pose.
func (r *Robot) Pose() Pose {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pose
}

// Progress returns the index of the trajectory point being driven towards.
func (r *Robot) Progress() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index
}

// Path returns a copy of the current trajectory.
func (r *Robot) Path() []protocol.ItineraryPoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.ItineraryPoint(nil), r.path...)
}

// SetMatchStarted records that the start jumper was pulled.
func (r *Robot) SetMatchStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matchStarted = true
}

// MatchStarted reports whether the match has started.
func (r *Robot) MatchStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.matchStarted
}

// SetDeployed records whether the actuators stick out of the chassis.
func (r *Robot) SetDeployed(deployed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deployed = deployed
}

// Deployed reports whether the actuators stick out of the chassis.
func (r *Robot) Deployed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deployed
}

// Snapshot returns a copy of the robot state.
func (r *Robot) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		State:        r.state.String(),
		Pose:         r.pose,
		Curvature:    r.curvature,
		Forward:      r.forward,
		PathLength:   len(r.path),
		Progress:     r.index,
		MatchStarted: r.matchStarted,
		Deployed:     r.deployed,
		Sensors:      append([]int32(nil), r.sensors...),
		Updated:      r.updated,
	}
}
