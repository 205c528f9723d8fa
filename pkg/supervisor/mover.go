package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/senpai-robotics/controller/pkg/protocol"
	"github.com/senpai-robotics/controller/pkg/robot"
	"github.com/senpai-robotics/controller/pkg/ticket"
)

const moverLogPrefix = "supervisor:mover"

// Orders is the part of the outbound order buffer the mover drives.
type Orders interface {
	DestroyPoints(ctx context.Context, index int32) error
	AddPoints(ctx context.Context, points []protocol.ItineraryPoint, endOfTrajectory bool) error
	FollowTrajectory() ticket.Claim
	WaitForJumper() ticket.Claim
	Stop() ticket.Claim
}

// MoverOptions configures a Mover.
type MoverOptions struct {
	// WaitForJumper holds the first move until the start jumper is pulled.
	WaitForJumper bool
	// Timeout bounds the wait for the end of a trajectory. Zero waits forever.
	Timeout time.Duration
}

// Mover plans and drives trajectories.
type Mover struct {
	orders  Orders
	robot   *robot.Robot
	planner Planner
	opts    MoverOptions
}

// NewMover creates a mover.
func NewMover(orders Orders, r *robot.Robot, planner Planner, opts MoverOptions) *Mover {
	return &Mover{orders: orders, robot: r, planner: planner, opts: opts}
}

// GoTo plans a trajectory from the current pose to goal and follows it.
func (m *Mover) GoTo(ctx context.Context, goal robot.Pose) error {
	from := m.robot.Pose()
	path, err := m.planner.Plan(ctx, from, goal)
	if err != nil {
		if errors.Is(err, ErrNoPath) {
			return fmt.Errorf("%s - %s to %s: %w", moverLogPrefix, from, goal, ErrPathUnavailable)
		}
		return fmt.Errorf("%s - planning %s to %s: %w", moverLogPrefix, from, goal, err)
	}
	slog.Info(fmt.Sprintf("%s - Going from %s to %s over %d points", moverLogPrefix, from, goal, len(path)))
	return m.Follow(ctx, path)
}

// Follow uploads path and drives it. A KO end of trajectory is returned as a *MotionFault.
func (m *Mover) Follow(ctx context.Context, path []protocol.ItineraryPoint) error {
	if err := m.orders.DestroyPoints(ctx, 0); err != nil {
		return err
	}
	if err := m.orders.AddPoints(ctx, path, true); err != nil {
		return err
	}
	m.robot.SetReady(path)
	defer m.robot.SetStandby()

	if m.opts.WaitForJumper && !m.robot.MatchStarted() {
		slog.Info(fmt.Sprintf("%s - Waiting for the jumper", moverLogPrefix))
		if _, err := m.orders.WaitForJumper().Await(ctx); err != nil {
			return fmt.Errorf("%s - waiting for jumper: %w", moverLogPrefix, err)
		}
		m.robot.SetMatchStarted()
	}

	start := time.Now()
	m.robot.SetMoving()
	claim := m.orders.FollowTrajectory()

	var res ticket.Result
	var err error
	if m.opts.Timeout > 0 {
		res, err = claim.AwaitTimeout(ctx, m.opts.Timeout)
	} else {
		res, err = claim.Await(ctx)
	}
	if err != nil {
		// the robot may still be driving
		m.orders.Stop().Release()
		if errors.Is(err, ticket.ErrTimeout) {
			return fmt.Errorf("%s - trajectory not finished after %s: %w: %w", moverLogPrefix, time.Since(start), ErrMotionFault, err)
		}
		return fmt.Errorf("%s - following trajectory: %w", moverLogPrefix, err)
	}
	if !res.OK() {
		mask, _ := res.Data.(protocol.TrajectoryEndMask)
		slog.Warn(fmt.Sprintf("%s - Trajectory ended after %s with %s at %s", moverLogPrefix, time.Since(start), mask, m.robot.Pose()))
		return &MotionFault{Mask: mask}
	}
	slog.Debug(fmt.Sprintf("%s - Trajectory done in %s", moverLogPrefix, time.Since(start)))
	return nil
}
