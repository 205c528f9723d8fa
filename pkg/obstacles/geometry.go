// Package obstacles tracks the dynamic obstacles perceived around the robot and tests them
// against the footprints the robot will sweep along its trajectory.
package obstacles

import (
	"math"

	"github.com/senpai-robotics/controller/pkg/protocol"
)

// Point is a position in mm.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Obstacle is a circular obstacle.
type Obstacle struct {
	ID     string  `json:"id,omitempty"`
	Center Point   `json:"center"`
	Radius float64 `json:"radius"`
}

// Footprint is an oriented rectangle: the area covered by the robot at one trajectory point.
type Footprint struct {
	Center      Point
	Orientation float64
	// Front and Back are measured from Center along the orientation.
	Front, Back float64
	HalfWidth   float64
}

// Intersects reports whether the footprint and the obstacle overlap.
func (f Footprint) Intersects(o Obstacle) bool {
	// express the obstacle centre in the footprint frame
	dx, dy := o.Center.X-f.Center.X, o.Center.Y-f.Center.Y
	cos, sin := math.Cos(f.Orientation), math.Sin(f.Orientation)
	lx := dx*cos + dy*sin
	ly := -dx*sin + dy*cos

	cx := clamp(lx, -f.Back, f.Front)
	cy := clamp(ly, -f.HalfWidth, f.HalfWidth)
	return math.Hypot(lx-cx, ly-cy) <= o.Radius
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Vehicle is the chassis template. The deployed lengths apply when actuators stick out.
type Vehicle struct {
	Front         float64 `json:"front" yaml:"front"`
	Back          float64 `json:"back" yaml:"back"`
	HalfWidth     float64 `json:"halfWidth" yaml:"halfWidth"`
	DeployedFront float64 `json:"deployedFront" yaml:"deployedFront"`
	DeployedBack  float64 `json:"deployedBack" yaml:"deployedBack"`
}

// At returns the footprint of the vehicle at a pose.
func (v Vehicle) At(x, y, orientation float64, deployed bool) Footprint {
	f := Footprint{Center: Point{X: x, Y: y}, Orientation: orientation, Front: v.Front, Back: v.Back, HalfWidth: v.HalfWidth}
	if deployed {
		f.Front = math.Max(f.Front, v.DeployedFront)
		f.Back = math.Max(f.Back, v.DeployedBack)
	}
	return f
}

// Sweep returns one footprint per trajectory point.
func (v Vehicle) Sweep(path []protocol.ItineraryPoint, deployed bool) []Footprint {
	out := make([]Footprint, len(path))
	for i, p := range path {
		out[i] = v.At(float64(p.X), float64(p.Y), float64(p.Orientation), deployed)
	}
	return out
}
