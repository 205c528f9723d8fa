package supervisor

import (
	"context"
	"errors"
	"math"

	"github.com/senpai-robotics/controller/pkg/obstacles"
	"github.com/senpai-robotics/controller/pkg/protocol"
	"github.com/senpai-robotics/controller/pkg/robot"
)

// ErrNoPath is returned by a Planner that cannot reach the goal.
var ErrNoPath = errors.New("supervisor: planner found no path")

// Planner searches a trajectory between two poses. The search engine itself lives outside the controller.
type Planner interface {
	Plan(ctx context.Context, from, to robot.Pose) ([]protocol.ItineraryPoint, error)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, from, to robot.Pose) ([]protocol.ItineraryPoint, error)

// Plan calls f.
func (f PlannerFunc) Plan(ctx context.Context, from, to robot.Pose) ([]protocol.ItineraryPoint, error) {
	return f(ctx, from, to)
}

// StraightLinePlanner drives straight to the goal with a point every Step mm. It refuses goals
// whose segment crosses a tracked obstacle. It is used when no search engine is wired.
type StraightLinePlanner struct {
	Step      float64
	Speed     float32
	Vehicle   obstacles.Vehicle
	Obstacles *obstacles.Tracker
}

// Plan implements Planner.
func (p StraightLinePlanner) Plan(ctx context.Context, from, to robot.Pose) ([]protocol.ItineraryPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	step := p.Step
	if step <= 0 {
		step = 20
	}
	speed := p.Speed
	if speed == 0 {
		speed = 500
	}

	dist := from.Distance(to)
	heading := math.Atan2(to.Y-from.Y, to.X-from.X)
	if dist < 1 {
		heading = to.Orientation
	}
	n := int(math.Ceil(dist / step))
	if n == 0 {
		n = 1
	}

	var known []obstacles.Obstacle
	if p.Obstacles != nil {
		known = p.Obstacles.Snapshot()
	}

	path := make([]protocol.ItineraryPoint, n)
	for i := range path {
		d := math.Min(float64(i+1)*step, dist)
		x := from.X + d*math.Cos(heading)
		y := from.Y + d*math.Sin(heading)
		fp := p.Vehicle.At(x, y, heading, false)
		for _, o := range known {
			if fp.Intersects(o) {
				return nil, ErrNoPath
			}
		}
		path[i] = protocol.ItineraryPoint{
			X:           int32(math.Round(x)),
			Y:           int32(math.Round(y)),
			Orientation: float32(heading),
			Speed:       speed,
		}
	}
	path[n-1].Stop = true
	return path, nil
}
