// Package collision runs the safety loop that halts the robot when a freshly perceived obstacle
// overlaps the part of the trajectory it is about to drive.
package collision

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/senpai-robotics/controller/pkg/events"
	"github.com/senpai-robotics/controller/pkg/obstacles"
	"github.com/senpai-robotics/controller/pkg/robot"
	"github.com/senpai-robotics/controller/pkg/ticket"
)

const logPrefix = "collision:monitor"

// DefaultLookahead is the number of trajectory points checked ahead of the progress index.
const DefaultLookahead = 13

// Stopper enqueues the emergency stop order.
type Stopper interface {
	Stop() ticket.Claim
}

// Options configures a Monitor. Zero values use defaults.
type Options struct {
	Lookahead int
	Robot     string
	Publisher events.EventPublisher
	Incidents events.IncidentSink
}

// Monitor watches the robot and the obstacle tracker.
type Monitor struct {
	robot   *robot.Robot
	tracker *obstacles.Tracker
	vehicle obstacles.Vehicle
	stopper Stopper
	opts    Options

	stops atomic.Int64
}

// NewMonitor creates a monitor. Run starts it.
func NewMonitor(r *robot.Robot, tracker *obstacles.Tracker, vehicle obstacles.Vehicle, stopper Stopper, opts Options) *Monitor {
	if opts.Lookahead <= 0 {
		opts.Lookahead = DefaultLookahead
	}
	if opts.Publisher == nil {
		opts.Publisher = &events.NoOpPublisher{}
	}
	if opts.Incidents == nil {
		opts.Incidents = &events.NoOpPublisher{}
	}
	return &Monitor{robot: r, tracker: tracker, vehicle: vehicle, stopper: stopper, opts: opts}
}

// Stops returns how many emergency stops the monitor issued.
func (m *Monitor) Stops() int64 {
	return m.stops.Load()
}

// Run loops until ctx ends: wait for MOVING, sweep the trajectory, then check every obstacle
// change until the robot leaves MOVING.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		if err := m.robot.WaitMoving(ctx); err != nil {
			return err
		}
		footprints := m.vehicle.Sweep(m.robot.Path(), m.robot.Deployed())
		m.tracker.ClearNew()
		slog.Debug(fmt.Sprintf("%s - Watching %d footprints", logPrefix, len(footprints)))

		if err := m.watch(ctx, footprints); err != nil {
			return err
		}
	}
}

func (m *Monitor) watch(ctx context.Context, footprints []obstacles.Footprint) error {
	for {
		// take both signals before looking at the state so no change is missed
		stateChanged := m.robot.StateChanged()
		obstaclesChanged := m.tracker.Changed()
		if m.robot.State() != robot.StateMoving {
			return nil
		}
		if m.Check(ctx, footprints) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stateChanged:
			// the robot may be MOVING again on another path: Run sweeps it afresh
			return nil
		case <-obstaclesChanged:
		}
	}
}

// Check tests the footprints in [progress, progress+lookahead) against the new obstacles. On a hit
// it marks the robot STOPPING, enqueues a Stop order and reports true.
func (m *Monitor) Check(ctx context.Context, footprints []obstacles.Footprint) bool {
	start := m.robot.Progress()
	end := start + m.opts.Lookahead
	if end > len(footprints) {
		end = len(footprints)
	}
	if start < 0 || start >= end {
		return false
	}

	o, i, hit := m.tracker.CollidesAny(footprints[start:end])
	if !hit {
		return false
	}
	m.robot.SetStopping()
	m.stopper.Stop().Release()
	m.stops.Add(1)

	at := start + i
	slog.Warn(fmt.Sprintf("%s - Obstacle %q at (%.0f, %.0f) r=%.0f on footprint %d (progress %d): stopping",
		logPrefix, o.ID, o.Center.X, o.Center.Y, o.Radius, at, start))

	ev := &events.CollisionEvent{
		Robot:      m.opts.Robot,
		ObstacleID: o.ID,
		ObstacleX:  o.Center.X,
		ObstacleY:  o.Center.Y,
		PathIndex:  at,
		Progress:   start,
		Timestamp:  events.Timestamp(time.Now()),
	}
	if err := m.opts.Publisher.PublishCollision(ctx, ev); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish collision: %v", logPrefix, err))
	}
	_ = m.opts.Incidents.Record(ctx, events.NewIncident(events.KindCollision, "STOP", nil, 0,
		fmt.Sprintf("obstacle %q on footprint %d, progress %d", o.ID, at, start)))
	return true
}
