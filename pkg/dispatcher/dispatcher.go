// Package dispatcher demultiplexes the packets read from the board: replies resolve the ticket of
// their command and stream samples update the robot and feed the telemetry buffer.
package dispatcher

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/senpai-robotics/controller/pkg/buffer"
	"github.com/senpai-robotics/controller/pkg/events"
	"github.com/senpai-robotics/controller/pkg/protocol"
	"github.com/senpai-robotics/controller/pkg/robot"
	"github.com/senpai-robotics/controller/pkg/ticket"
	"github.com/senpai-robotics/controller/pkg/transport"
)

const logPrefix = "dispatcher:dispatcher"

// Default timing thresholds.
const (
	DefaultSlowProcessing = 10 * time.Millisecond
	DefaultSlowLatency    = 20 * time.Millisecond
	criticalDelay         = time.Second
)

// Sample is one telemetry sample handed to the telemetry consumer.
type Sample struct {
	Odometry protocol.Odometry `json:"odometry"`
	Received time.Time         `json:"received"`
}

// Reader is the read side of the link.
type Reader interface {
	ReadPacket(ctx context.Context) (*transport.Packet, error)
}

// Options configures a Dispatcher.
type Options struct {
	// Telemetry receives every odometry sample. Nil disables forwarding.
	Telemetry *buffer.Incoming[Sample]
	Incidents events.IncidentSink
	// OnEndOfMatch runs when the match chrono expires.
	OnEndOfMatch   func()
	PacketBuffer   buffer.Options
	SlowProcessing time.Duration
	SlowLatency    time.Duration
}

// Dispatcher owns the packet buffer between the link reader and the dispatch loop.
type Dispatcher struct {
	table   *protocol.StateTable
	robot   *robot.Robot
	packets *buffer.Incoming[*transport.Packet]
	opts    Options

	dispatched atomic.Int64
	dropped    atomic.Int64
	endOfMatch atomic.Bool
}

// New creates a dispatcher.
func New(table *protocol.StateTable, r *robot.Robot, opts Options) *Dispatcher {
	if opts.Incidents == nil {
		opts.Incidents = &events.NoOpPublisher{}
	}
	if opts.SlowProcessing <= 0 {
		opts.SlowProcessing = DefaultSlowProcessing
	}
	if opts.SlowLatency <= 0 {
		opts.SlowLatency = DefaultSlowLatency
	}
	return &Dispatcher{
		table:   table,
		robot:   r,
		packets: buffer.NewIncoming[*transport.Packet]("incoming packets", opts.PacketBuffer),
		opts:    opts,
	}
}

// Listen is the link reader task. Each packet is checked against the command state table before it
// is queued; unexpected replies and late stream samples are recorded and dropped.
func (d *Dispatcher) Listen(ctx context.Context, link Reader) error {
	for {
		p, err := link.ReadPacket(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s - reading packet: %w", logPrefix, err)
		}
		if err := d.table.AnswerReceived(p.Command.ID); err != nil {
			d.dropped.Add(1)
			kind := events.KindUnexpectedReply
			if errors.Is(err, protocol.ErrLateSample) {
				kind = events.KindLateSample
			}
			d.incident(ctx, kind, p.Command, p.Payload, time.Since(p.Received), err.Error())
			continue
		}
		if err := d.packets.Put(ctx, p); err != nil {
			return nil
		}
	}
}

// Run is the dispatch task: it handles queued packets in arrival order until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info(fmt.Sprintf("%s - Dispatcher started", logPrefix))
	for {
		p, err := d.packets.Take(ctx)
		if err != nil {
			slog.Info(fmt.Sprintf("%s - Dispatcher stopped after %d packets", logPrefix, d.dispatched.Load()))
			return nil
		}
		d.Dispatch(ctx, p)
	}
}

// Dispatch handles one packet whose arrival was already recorded in the state table.
func (d *Dispatcher) Dispatch(ctx context.Context, p *transport.Packet) {
	start := time.Now()
	d.dispatched.Add(1)

	switch id := p.Command.ID; {
	case id == protocol.OdoAndSensors:
		d.handleOdometry(ctx, p)
	case id == protocol.AskColor:
		d.handleColor(ctx, p)
	case id == protocol.WaitForJumper:
		d.robot.SetMatchStarted()
		d.resolve(p, ticket.StatusOK, nil)
		slog.Info(fmt.Sprintf("%s - MATCH STARTED", logPrefix))
	case id == protocol.StartMatchChrono:
		d.resolve(p, ticket.StatusOK, nil)
		slog.Info(fmt.Sprintf("%s - End of match", logPrefix))
		if d.endOfMatch.CompareAndSwap(false, true) && d.opts.OnEndOfMatch != nil {
			d.opts.OnEndOfMatch()
		}
	case id == protocol.FollowTrajectory:
		d.handleCode(ctx, p, func(code int32) interface{} { return protocol.TrajectoryEndMask(code) })
	case isActuator(id):
		d.handleCode(ctx, p, func(code int32) interface{} { return protocol.ActuatorMask(code) })
	case id == protocol.GetPosition:
		d.handlePose(ctx, p)
	case p.Command.ExpectsAnswer:
		var data interface{}
		if len(p.Payload) > 0 {
			data = append([]byte(nil), p.Payload...)
		}
		d.resolve(p, ticket.StatusOK, data)
	default:
		d.incident(ctx, events.KindUnexpectedReply, p.Command, p.Payload, 0, "no handler for a command without reply")
	}

	d.checkTiming(ctx, p, time.Since(start))
}

// Stats reports the dispatched and dropped packet counts and the packet buffer depth.
func (d *Dispatcher) Stats() (dispatched, dropped int64, depth int) {
	return d.dispatched.Load(), d.dropped.Load(), d.packets.Len()
}

func isActuator(id protocol.ID) bool {
	switch id {
	case protocol.ActuatorGoHome, protocol.ActuatorGetPosition:
		return true
	}
	return false
}

func (d *Dispatcher) handleOdometry(ctx context.Context, p *transport.Packet) {
	o, err := protocol.DecodeOdometry(p.Payload)
	if err != nil {
		d.incident(ctx, events.KindMalformedPayload, p.Command, p.Payload, 0, err.Error())
		return
	}
	d.robot.UpdateOdometry(o)
	if d.opts.Telemetry == nil {
		return
	}
	if err := d.opts.Telemetry.Put(ctx, Sample{Odometry: o, Received: p.Received}); err != nil {
		slog.Debug(fmt.Sprintf("%s - sample dropped on shutdown", logPrefix))
	}
}

func (d *Dispatcher) handleColor(ctx context.Context, p *transport.Packet) {
	if len(p.Payload) < 1 {
		d.malformed(ctx, p, "empty color reply")
		return
	}
	if c, ok := protocol.ParseColor(p.Payload[0]); ok {
		d.resolve(p, ticket.StatusOK, c)
		return
	}
	d.resolve(p, ticket.StatusKO, protocol.ColorUnknown)
}

// handleCode resolves replies carrying an int32 status code: zero is success, anything else is a
// failure mask built by mask.
func (d *Dispatcher) handleCode(ctx context.Context, p *transport.Packet, mask func(int32) interface{}) {
	code, err := protocol.DecodeInt32(p.Payload)
	if err != nil {
		d.malformed(ctx, p, err.Error())
		return
	}
	if code == 0 {
		d.resolve(p, ticket.StatusOK, nil)
		return
	}
	d.resolve(p, ticket.StatusKO, mask(code))
}

func (d *Dispatcher) handlePose(ctx context.Context, p *transport.Packet) {
	x, y, o, err := protocol.DecodePose(p.Payload)
	if err != nil {
		d.malformed(ctx, p, err.Error())
		return
	}
	d.resolve(p, ticket.StatusOK, robot.Pose{X: float64(x), Y: float64(y), Orientation: float64(o)})
}

// malformed fails the waiting caller rather than leaving it blocked.
func (d *Dispatcher) malformed(ctx context.Context, p *transport.Packet, detail string) {
	d.incident(ctx, events.KindMalformedPayload, p.Command, p.Payload, 0, detail)
	d.resolve(p, ticket.StatusKO, nil)
}

func (d *Dispatcher) resolve(p *transport.Packet, status ticket.Status, data interface{}) {
	t := d.table.Ticket(p.Command.ID)
	if t == nil {
		return
	}
	if _, err := t.Resolve(status, data); err != nil {
		slog.Warn(fmt.Sprintf("%s - %s reply not delivered: %v", logPrefix, p.Command.Name, err))
	}
}

func (d *Dispatcher) checkTiming(ctx context.Context, p *transport.Packet, processing time.Duration) {
	if processing >= d.opts.SlowProcessing {
		d.incident(ctx, events.KindSlowProcessing, p.Command, p.Payload, processing, "processing")
	}
	if p.Received.IsZero() {
		return
	}
	if latency := time.Since(p.Received); latency >= d.opts.SlowLatency {
		msg := fmt.Sprintf("%s - Latency of %s: %s", logPrefix, p.Command.Name, latency)
		if latency >= criticalDelay {
			slog.Error(msg)
			d.incident(ctx, events.KindSlowProcessing, p.Command, p.Payload, latency, "latency")
			return
		}
		slog.Warn(msg)
	}
}

func (d *Dispatcher) incident(ctx context.Context, kind string, cmd *protocol.Command, payload []byte, elapsed time.Duration, detail string) {
	slog.Warn(fmt.Sprintf("%s - %s on %s data=%s elapsed=%s: %s", logPrefix, kind, cmd, hex.EncodeToString(payload), elapsed, detail))
	inc := events.NewIncident(kind, cmd.Name, payload, elapsed, detail)
	if err := d.opts.Incidents.Record(context.WithoutCancel(ctx), inc); err != nil {
		slog.Debug(fmt.Sprintf("%s - incident not recorded: %v", logPrefix, err))
	}
}
