package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/senpai-robotics/controller/internal/config"
	"github.com/senpai-robotics/controller/pkg/bootstrap"
	"github.com/senpai-robotics/controller/pkg/buffer"
	"github.com/senpai-robotics/controller/pkg/collision"
	"github.com/senpai-robotics/controller/pkg/control"
	"github.com/senpai-robotics/controller/pkg/dispatcher"
	"github.com/senpai-robotics/controller/pkg/events"
	"github.com/senpai-robotics/controller/pkg/obstacles"
	"github.com/senpai-robotics/controller/pkg/orders"
	"github.com/senpai-robotics/controller/pkg/protocol"
	"github.com/senpai-robotics/controller/pkg/robot"
	"github.com/senpai-robotics/controller/pkg/supervisor"
	"github.com/senpai-robotics/controller/pkg/tasks"
	"github.com/senpai-robotics/controller/pkg/telemetry"
	"github.com/senpai-robotics/controller/pkg/ticket"
	"github.com/senpai-robotics/controller/pkg/transport"
)

const controllerLogPrefix = "server:controller"

// Task names.
const (
	TaskLinkReader      = "link-reader"
	TaskLinkWriter      = "link-writer"
	TaskDispatcher      = "dispatcher"
	TaskTelemetry       = "telemetry"
	TaskCollision       = "collision"
	TaskStatusPublisher = "status-publisher"
)

const latencyProbes = 10

// Deps are the collaborators a Controller does not build itself.
type Deps struct {
	// Medium reaches the board. Nil dials LINK_ADDR over TCP.
	Medium    transport.Medium
	Publisher events.EventPublisher
	// Sinks receive every incident besides the log.
	Sinks []events.IncidentSink
	// Journal, when set, is reported by /health.
	Journal interface{ State() string }
}

// Controller is the application context: it owns the link, the order and packet buffers, the
// robot model and the tasks, and implements control.Backend.
type Controller struct {
	cfg     *config.Config
	profile *bootstrap.ResolvedProfile

	link      *transport.Link
	table     *protocol.StateTable
	orders    *orders.Buffer
	robot     *robot.Robot
	disp      *dispatcher.Dispatcher
	samples   *buffer.Incoming[dispatcher.Sample]
	hub       *telemetry.Hub
	tracker   *obstacles.Tracker
	monitor   *collision.Monitor
	runner    *supervisor.ActuatorRunner
	sup       *supervisor.Supervisor
	tasks     *tasks.Registry
	publisher events.EventPublisher
	incidents *events.Incidents
	journal   interface{ State() string }

	busy       sync.Mutex
	ready      atomic.Bool
	endOfMatch chan struct{}
	endOnce    sync.Once
	shutdown   sync.Once
}

var _ control.Backend = (*Controller)(nil)

// NewController wires every component. Start brings it up.
func NewController(cfg *config.Config, profile *bootstrap.ResolvedProfile, deps Deps) *Controller {
	p := profile.Profile()
	if deps.Publisher == nil {
		deps.Publisher = &events.NoOpPublisher{}
	}
	if deps.Medium == nil {
		deps.Medium = transport.TCPMedium{Addr: cfg.LinkAddr, DialTimeout: cfg.LinkDialTimeout}
	}

	c := &Controller{
		cfg:        cfg,
		profile:    profile,
		table:      protocol.NewStateTable(profile.StreamGrace()),
		robot:      robot.New(p.InitialPose),
		tracker:    obstacles.NewTracker(),
		tasks:      tasks.New(),
		publisher:  deps.Publisher,
		incidents:  events.NewIncidents(deps.Sinks...),
		journal:    deps.Journal,
		endOfMatch: make(chan struct{}),
	}

	c.link = transport.NewLink(deps.Medium, transport.LinkOptions{
		RetryWait: cfg.LinkRetryWait,
		OnDisconnect: func(err error) {
			c.record(events.NewIncident(events.KindDisconnected, "", nil, 0, err.Error()))
		},
	})
	c.orders = orders.NewBuffer(c.table)
	c.samples = buffer.NewIncoming[dispatcher.Sample]("telemetry", buffer.Options{
		Capacity: cfg.TelemetryCapacity,
		OnCritical: func(depth int) {
			c.record(events.NewIncident(events.KindBufferCritical, "ODO_AND_SENSORS", nil, 0, fmt.Sprintf("telemetry depth %d", depth)))
		},
	})
	c.disp = dispatcher.New(c.table, c.robot, dispatcher.Options{
		Telemetry:    c.samples,
		Incidents:    c.incidents,
		OnEndOfMatch: c.matchEnded,
	})
	c.hub = telemetry.NewHub(c.samples, telemetry.Options{})
	c.monitor = collision.NewMonitor(c.robot, c.tracker, p.Vehicle, c.orders, collision.Options{
		Lookahead: p.Lookahead,
		Robot:     p.Name,
		Publisher: c.publisher,
		Incidents: c.incidents,
	})

	planner := supervisor.StraightLinePlanner{Step: p.PlannerStep, Speed: p.Speed, Vehicle: p.Vehicle, Obstacles: c.tracker}
	mover := supervisor.NewMover(c.orders, c.robot, planner, supervisor.MoverOptions{
		WaitForJumper: p.WaitForJumper,
		Timeout:       time.Duration(p.Budgets.MoveTimeoutMs) * time.Millisecond,
	})
	c.runner = supervisor.NewActuatorRunner(c.orders, c.robot, p.Budgets.Actuator,
		time.Duration(p.Budgets.ActuatorTimeoutMs)*time.Millisecond)
	c.sup = supervisor.New(mover, c.robot, profile.Budget(), supervisor.Options{
		Robot:     p.Name,
		Publisher: c.publisher,
		Incidents: c.incidents,
	})
	return c
}

// Start opens the link, launches the tasks and runs the startup handshake. ctx bounds the startup
// only; the tasks run until Shutdown.
func (c *Controller) Start(ctx context.Context) error {
	slog.Info(fmt.Sprintf("%s - Opening link to the board", controllerLogPrefix))
	if err := c.link.Open(ctx); err != nil {
		return fmt.Errorf("%s - failed to open link: %w", controllerLogPrefix, err)
	}

	for _, t := range []struct {
		name string
		fn   tasks.Func
	}{
		{TaskLinkReader, func(ctx context.Context) error { return c.disp.Listen(ctx, c.link) }},
		{TaskLinkWriter, func(ctx context.Context) error { return c.orders.Pump(ctx, c.link) }},
		{TaskDispatcher, c.disp.Run},
		{TaskTelemetry, c.hub.Run},
		{TaskCollision, c.monitor.Run},
		{TaskStatusPublisher, c.publishStatus},
	} {
		if err := c.tasks.Register(t.name, t.fn); err != nil {
			return err
		}
	}
	// tasks outlive ctx: Shutdown stops them once the safety orders reached the board
	c.tasks.Start(context.WithoutCancel(ctx))

	if err := c.handshake(ctx); err != nil {
		return err
	}
	c.ready.Store(true)
	slog.Info(fmt.Sprintf("%s - Controller ready at %s", controllerLogPrefix, c.robot.Pose()))
	return nil
}

func (c *Controller) handshake(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		_, err := c.orders.Ping().AwaitTimeout(ctx, c.cfg.PingTimeout)
		if err == nil {
			break
		}
		if !errors.Is(err, ticket.ErrTimeout) {
			return fmt.Errorf("%s - handshake ping: %w", controllerLogPrefix, err)
		}
		slog.Warn(fmt.Sprintf("%s - Board silent after %s (attempt %d), pinging again", controllerLogPrefix, c.cfg.PingTimeout, attempt))
	}

	if c.cfg.CheckLatency {
		lat, err := c.orders.CheckLatency(ctx, latencyProbes)
		if err != nil {
			return fmt.Errorf("%s - latency check: %w", controllerLogPrefix, err)
		}
		slog.Info(fmt.Sprintf("%s - Latency over %d pings: min %s avg %s max %s", controllerLogPrefix, lat.Count, lat.Min, lat.Avg, lat.Max))
	}

	c.orders.EnableParkingBrake(false)
	if err := c.orders.DestroyPoints(ctx, 0); err != nil {
		return fmt.Errorf("%s - clearing trajectory: %w", controllerLogPrefix, err)
	}
	pose := c.robot.Pose()
	c.orders.SetPosition(int32(pose.X), int32(pose.Y), float32(pose.Orientation))
	c.orders.StartStream(protocol.OdoAndSensors)
	return nil
}

// Shutdown releases the board and stops every task. It is safe to call more than once.
func (c *Controller) Shutdown() {
	c.shutdown.Do(func() {
		slog.Info(fmt.Sprintf("%s - Shutting down", controllerLogPrefix))
		c.ready.Store(false)

		c.orders.EnableParkingBrake(false)
		c.orders.StopStream(protocol.OdoAndSensors)
		c.orders.SetCurvature(0)
		time.Sleep(c.cfg.ShutdownFlushWait)

		if err := c.link.Close(); err != nil {
			slog.Warn(fmt.Sprintf("%s - closing link: %v", controllerLogPrefix, err))
		}
		if alive := c.tasks.Stop(c.cfg.TaskJoinTimeout); len(alive) > 0 {
			c.record(events.NewIncident(events.KindShutdownIncomplete, "", nil, c.cfg.TaskJoinTimeout,
				fmt.Sprintf("tasks still alive: %v", alive)))
		}
		c.table.Drain()
		slog.Info(fmt.Sprintf("%s - Controller stopped", controllerLogPrefix))
	})
}

// EndOfMatch is closed when the match chrono expires.
func (c *Controller) EndOfMatch() <-chan struct{} {
	return c.endOfMatch
}

func (c *Controller) matchEnded() {
	c.endOnce.Do(func() {
		slog.Info(fmt.Sprintf("%s - End of match", controllerLogPrefix))
		close(c.endOfMatch)
	})
}

// Ready reports whether the handshake completed and the controller is not shutting down.
func (c *Controller) Ready() bool {
	return c.ready.Load()
}

// Hub returns the telemetry websocket hub.
func (c *Controller) Hub() *telemetry.Hub {
	return c.hub
}

// Tasks returns the task registry.
func (c *Controller) Tasks() *tasks.Registry {
	return c.tasks
}

func (c *Controller) record(i *events.Incident) {
	_ = c.incidents.Record(context.Background(), i)
}

func (c *Controller) publishStatus(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Every(c.cfg.StatusInterval), 1)
	name := c.profile.Profile().Name
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		queued, _, sent := c.orders.Stats()
		ev := &events.StatusEvent{
			Robot:     name,
			Status:    c.robot.Snapshot(),
			Queued:    queued,
			Sent:      sent,
			Timestamp: events.Timestamp(time.Now()),
		}
		if err := c.publisher.PublishStatus(ctx, ev); err != nil {
			slog.Debug(fmt.Sprintf("%s - status not published: %v", controllerLogPrefix, err))
		}
	}
}

// --- control.Backend ---

// GoTo implements control.Backend.
func (c *Controller) GoTo(ctx context.Context, goal robot.Pose, tol *supervisor.Tolerance) error {
	if !c.busy.TryLock() {
		return control.ErrBusy
	}
	defer c.busy.Unlock()

	t := c.profile.Profile().Tolerance
	if tol != nil {
		t = *tol
	}
	return c.sup.Run(ctx, supervisor.GoalAction(goal, t))
}

// Execute implements control.Backend.
func (c *Controller) Execute(ctx context.Context, ref string) (string, error) {
	a, err := c.profile.Action(ref, c.runner, c.robot)
	if err != nil {
		return "", err
	}
	if !c.busy.TryLock() {
		return "", control.ErrBusy
	}
	defer c.busy.Unlock()

	if err := c.sup.Run(ctx, a); err != nil {
		return "", err
	}
	return a.Name(), nil
}

// Status implements control.Backend.
func (c *Controller) Status() robot.Status {
	return c.robot.Snapshot()
}

// Actions implements control.Backend.
func (c *Controller) Actions() map[string][]string {
	return c.profile.List()
}

// SetObstacles implements control.Backend.
func (c *Controller) SetObstacles(list []obstacles.Obstacle) {
	c.tracker.Update(list)
}

// Stop implements control.Backend. It overtakes every queued order and waits for the board.
func (c *Controller) Stop(ctx context.Context) error {
	if c.robot.State() == robot.StateMoving {
		c.robot.SetStopping()
	}
	res, err := c.orders.Stop().Await(ctx)
	if err != nil {
		return fmt.Errorf("%s - stop: %w", controllerLogPrefix, err)
	}
	if !res.OK() {
		return fmt.Errorf("%s - stop refused by the board (%v)", controllerLogPrefix, res.Data)
	}
	return nil
}

// Ping implements control.Backend.
func (c *Controller) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.orders.Ping().AwaitTimeout(ctx, c.cfg.PingTimeout); err != nil {
		return 0, fmt.Errorf("%s - ping: %w", controllerLogPrefix, err)
	}
	return time.Since(start), nil
}
