package orders

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/senpai-robotics/controller/pkg/protocol"
	"github.com/senpai-robotics/controller/pkg/ticket"
)

const buildersLogPrefix = "orders:builders"

// Send enqueues command id with payload at the command's own priority.
func (b *Buffer) Send(id protocol.ID, payload []byte) ticket.Claim {
	cmd := protocol.MustLookup(id)
	return b.Add(&Order{Command: cmd, Payload: payload, Priority: cmd.Priority})
}

// FollowTrajectory starts driving the trajectory loaded on the board.
func (b *Buffer) FollowTrajectory() ticket.Claim {
	return b.Send(protocol.FollowTrajectory, nil)
}

// Stop halts the robot. It carries the most urgent priority.
func (b *Buffer) Stop() ticket.Claim {
	return b.Send(protocol.Stop, nil)
}

// SetPosition overrides the odometry pose.
func (b *Buffer) SetPosition(x, y int32, orientation float32) {
	b.Send(protocol.SetPosition, protocol.PosePayload(x, y, orientation))
}

// CorrectPosition shifts the odometry pose by the given deltas.
func (b *Buffer) CorrectPosition(dx, dy int32, dOrientation float32) {
	b.Send(protocol.EditPosition, protocol.PosePayload(dx, dy, dOrientation))
}

// WaitForJumper completes when the start jumper is pulled.
func (b *Buffer) WaitForJumper() ticket.Claim {
	return b.Send(protocol.WaitForJumper, nil)
}

// StartMatchChrono completes at the end of the match.
func (b *Buffer) StartMatchChrono() ticket.Claim {
	return b.Send(protocol.StartMatchChrono, nil)
}

// SetCurvature sets the curvature used for in-place manoeuvres.
func (b *Buffer) SetCurvature(curvature float32) {
	b.Send(protocol.SetCurvature, protocol.Float32Payload(curvature))
}

// SetScore shows the score on the board display.
func (b *Buffer) SetScore(score int32) {
	b.Send(protocol.SetScore, protocol.Int32Payload(score))
}

// AskColor asks for the side selected on the robot.
func (b *Buffer) AskColor() ticket.Claim {
	return b.Send(protocol.AskColor, nil)
}

// Ping checks that the board answers.
func (b *Buffer) Ping() ticket.Claim {
	return b.Send(protocol.Ping, nil)
}

// SetNightLight toggles the lights.
func (b *Buffer) SetNightLight(on bool) {
	b.Send(protocol.SetNightLight, protocol.FlagPayload(on))
}

// SetWarnings toggles the warning lights.
func (b *Buffer) SetWarnings(on bool) {
	b.Send(protocol.SetWarnings, protocol.FlagPayload(on))
}

// SetSmokeLevel sets the smoke generator level.
func (b *Buffer) SetSmokeLevel(level byte) {
	b.Send(protocol.SetSmokeLevel, []byte{level})
}

// EnableParkingBrake engages or releases the parking brake.
func (b *Buffer) EnableParkingBrake(on bool) {
	b.Send(protocol.EnableParkingBrake, protocol.FlagPayload(on))
}

// EnableHighSpeedMode toggles the high speed mode.
func (b *Buffer) EnableHighSpeedMode(on bool) {
	b.Send(protocol.EnableHighSpeedMode, protocol.FlagPayload(on))
}

// DisplayColor shows the selected side on the robot.
func (b *Buffer) DisplayColor(c protocol.Color) {
	b.Send(protocol.DisplayColor, []byte{byte(c)})
}

// ActuatorStop halts every actuator.
func (b *Buffer) ActuatorStop() {
	b.Send(protocol.ActuatorStop, nil)
}

// ActuatorGetPosition reads the actuator position.
func (b *Buffer) ActuatorGetPosition() ticket.Claim {
	return b.Send(protocol.ActuatorGetPosition, nil)
}

// ActuatorGoHome stows the actuators.
func (b *Buffer) ActuatorGoHome() ticket.Claim {
	return b.Send(protocol.ActuatorGoHome, nil)
}

// StartStream subscribes to a telemetry stream.
func (b *Buffer) StartStream(id protocol.ID) {
	b.stream(id, true)
}

// StopStream unsubscribes from a telemetry stream.
func (b *Buffer) StopStream(id protocol.ID) {
	b.stream(id, false)
}

func (b *Buffer) stream(id protocol.ID, subscribe bool) {
	cmd := protocol.MustLookup(id)
	if !cmd.IsStream() {
		panic(protocol.Violation{Command: id, Reason: "not a stream"})
	}
	code := protocol.ChannelUnsubscribe
	if subscribe {
		code = protocol.ChannelSubscribe
	}
	b.Add(&Order{Command: cmd, Payload: []byte{code}, Priority: cmd.Priority, Subscribe: subscribe})
}

// DestroyPoints drops the trajectory points from index onwards and waits for the board's answer.
func (b *Buffer) DestroyPoints(ctx context.Context, index int32) error {
	res, err := b.Send(protocol.DestroyPoints, protocol.Int32Payload(index)).Await(ctx)
	if err != nil {
		return fmt.Errorf("%s - destroy points from %d: %w", buildersLogPrefix, index, err)
	}
	if !res.OK() {
		return fmt.Errorf("%s - destroy points from %d refused", buildersLogPrefix, index)
	}
	return nil
}

// AddPoints uploads a trajectory in batches of at most protocol.MaxPointsPerFrame points and waits for
// every batch to be acknowledged. endOfTrajectory flags the final point.
func (b *Buffer) AddPoints(ctx context.Context, points []protocol.ItineraryPoint, endOfTrajectory bool) error {
	var claims []ticket.Claim
	for _, payload := range protocol.EncodePoints(points, endOfTrajectory) {
		claims = append(claims, b.Send(protocol.AddPoints, payload))
	}
	for i, c := range claims {
		res, err := c.Await(ctx)
		if err != nil || !res.OK() {
			for _, rest := range claims[i+1:] {
				rest.Release()
			}
		}
		if err != nil {
			return fmt.Errorf("%s - add points batch %d/%d: %w", buildersLogPrefix, i+1, len(claims), err)
		}
		if !res.OK() {
			return fmt.Errorf("%s - add points batch %d/%d refused", buildersLogPrefix, i+1, len(claims))
		}
	}
	return nil
}

// Latency summarises a ping round-trip measurement.
type Latency struct {
	Count int           `json:"count"`
	Min   time.Duration `json:"min"`
	Avg   time.Duration `json:"avg"`
	Max   time.Duration `json:"max"`
}

// CheckLatency sends n sequential pings and measures their round trips.
func (b *Buffer) CheckLatency(ctx context.Context, n int) (Latency, error) {
	lat := Latency{Min: time.Duration(math.MaxInt64)}
	var total time.Duration
	for i := 0; i < n; i++ {
		start := time.Now()
		if _, err := b.Ping().Await(ctx); err != nil {
			return lat, fmt.Errorf("%s - ping %d/%d: %w", buildersLogPrefix, i+1, n, err)
		}
		rtt := time.Since(start)
		total += rtt
		lat.Count++
		if rtt < lat.Min {
			lat.Min = rtt
		}
		if rtt > lat.Max {
			lat.Max = rtt
		}
	}
	if lat.Count > 0 {
		lat.Avg = total / time.Duration(lat.Count)
	} else {
		lat.Min = 0
	}
	slog.Info(fmt.Sprintf("%s - Latency over %d pings: min=%s avg=%s max=%s", buildersLogPrefix, lat.Count, lat.Min, lat.Avg, lat.Max))
	return lat, nil
}
