package collision

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senpai-robotics/controller/pkg/events"
	"github.com/senpai-robotics/controller/pkg/obstacles"
	"github.com/senpai-robotics/controller/pkg/orders"
	"github.com/senpai-robotics/controller/pkg/protocol"
	"github.com/senpai-robotics/controller/pkg/robot"
)

var vehicle = obstacles.Vehicle{Front: 100, Back: 100, HalfWidth: 100}

// straightPath returns n points 100 mm apart along x.
func straightPath(n int) []protocol.ItineraryPoint {
	path := make([]protocol.ItineraryPoint, n)
	for i := range path {
		path[i] = protocol.ItineraryPoint{X: int32(i * 100), Speed: 500}
	}
	return path
}

type fixture struct {
	robot   *robot.Robot
	tracker *obstacles.Tracker
	buffer  *orders.Buffer
	monitor *Monitor

	mu         sync.Mutex
	collisions []*events.CollisionEvent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		robot:   robot.New(robot.Pose{}),
		tracker: obstacles.NewTracker(),
		buffer:  orders.NewBuffer(protocol.NewStateTable(0)),
	}
	pub := events.NewCallbackPublisher(func(_ context.Context, e interface{}) error {
		if c, ok := e.(*events.CollisionEvent); ok {
			f.mu.Lock()
			f.collisions = append(f.collisions, c)
			f.mu.Unlock()
		}
		return nil
	})
	f.monitor = NewMonitor(f.robot, f.tracker, vehicle, f.buffer, Options{Lookahead: 5, Robot: "senpai", Publisher: pub})
	return f
}

func (f *fixture) startMoving(path []protocol.ItineraryPoint, progress int32) {
	f.robot.SetReady(path)
	f.robot.UpdateOdometry(protocol.Odometry{X: progress * 100, Index: progress, Forward: true})
	f.robot.SetMoving()
}

func TestMonitor_CheckWindow(t *testing.T) {
	tests := []struct {
		name     string
		progress int32
		obstacle float64
		hit      bool
	}{
		{"inside window", 2, 500, true},
		{"at window start", 2, 200, true},
		{"beyond window", 2, 1500, false},
		{"behind progress", 8, 200, false},
		{"window clipped at path end", 17, 1900, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			path := straightPath(20)
			f.startMoving(path, tt.progress)
			footprints := vehicle.Sweep(path, false)

			f.tracker.Update([]obstacles.Obstacle{{ID: "enemy", Center: obstacles.Point{X: tt.obstacle, Y: 0}, Radius: 40}})
			assert.Equal(t, tt.hit, f.monitor.Check(context.Background(), footprints))

			if tt.hit {
				assert.Equal(t, robot.StateStopping, f.robot.State())
				assert.Equal(t, 1, f.buffer.Len())
				o, err := f.buffer.Take(context.Background())
				require.NoError(t, err)
				assert.Equal(t, protocol.Stop, o.Command.ID)
				assert.Len(t, f.collisions, 1)
			} else {
				assert.Equal(t, robot.StateMoving, f.robot.State())
				assert.Equal(t, 0, f.buffer.Len())
			}
		})
	}
}

func TestMonitor_StopOvertakesQueuedOrders(t *testing.T) {
	f := newFixture(t)
	path := straightPath(10)
	f.startMoving(path, 0)

	f.buffer.SetScore(10)
	f.buffer.Ping()
	f.tracker.Update([]obstacles.Obstacle{{Center: obstacles.Point{X: 300}, Radius: 30}})
	require.True(t, f.monitor.Check(context.Background(), vehicle.Sweep(path, false)))

	o, err := f.buffer.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.Stop, o.Command.ID)
}

func TestMonitor_RunStopsOnNewObstacle(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.monitor.Run(ctx) }()

	// an obstacle known before the move is not new
	f.tracker.Update([]obstacles.Obstacle{{ID: "tower", Center: obstacles.Point{X: 300}, Radius: 30}})
	f.startMoving(straightPath(30), 0)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, robot.StateMoving, f.robot.State())

	// out of the window: no stop this cycle
	f.tracker.Update([]obstacles.Obstacle{
		{ID: "tower", Center: obstacles.Point{X: 300}, Radius: 30},
		{ID: "far", Center: obstacles.Point{X: 2500}, Radius: 30},
	})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, robot.StateMoving, f.robot.State())
	assert.Equal(t, int64(0), f.monitor.Stops())

	f.tracker.Update([]obstacles.Obstacle{
		{ID: "tower", Center: obstacles.Point{X: 300}, Radius: 30},
		{ID: "far", Center: obstacles.Point{X: 2500}, Radius: 30},
		{ID: "enemy", Center: obstacles.Point{X: 200, Y: 50}, Radius: 60},
	})

	require.Eventually(t, func() bool { return f.monitor.Stops() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, robot.StateStopping, f.robot.State())
	f.mu.Lock()
	assert.Equal(t, "enemy", f.collisions[0].ObstacleID)
	f.mu.Unlock()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestMonitor_RunSweepsTheNewPathAfterReplanning(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.monitor.Run(ctx) }()

	f.startMoving(straightPath(30), 0)
	time.Sleep(20 * time.Millisecond)

	// a second trajectory along y, started before the monitor woke up
	along := make([]protocol.ItineraryPoint, 30)
	for i := range along {
		along[i] = protocol.ItineraryPoint{Y: int32(i * 100), Speed: 500}
	}
	f.robot.SetStandby()
	f.robot.SetReady(along)
	f.robot.SetMoving()
	time.Sleep(20 * time.Millisecond)

	// only the new path crosses this obstacle
	f.tracker.Update([]obstacles.Obstacle{{ID: "crossing", Center: obstacles.Point{X: 0, Y: 300}, Radius: 30}})

	require.Eventually(t, func() bool { return f.monitor.Stops() == 1 }, time.Second, 5*time.Millisecond)
	f.mu.Lock()
	assert.Equal(t, "crossing", f.collisions[0].ObstacleID)
	f.mu.Unlock()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestMonitor_IdleUntilMoving(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	f.robot.SetReady(straightPath(5))
	f.tracker.Update([]obstacles.Obstacle{{Center: obstacles.Point{X: 100}, Radius: 50}})

	assert.ErrorIs(t, f.monitor.Run(ctx), context.DeadlineExceeded)
	assert.Equal(t, int64(0), f.monitor.Stops())
	assert.Equal(t, 0, f.buffer.Len())
}
