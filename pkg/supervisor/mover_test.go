package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senpai-robotics/controller/pkg/obstacles"
	"github.com/senpai-robotics/controller/pkg/orders"
	"github.com/senpai-robotics/controller/pkg/protocol"
	"github.com/senpai-robotics/controller/pkg/robot"
	"github.com/senpai-robotics/controller/pkg/ticket"
)

type reply struct {
	status ticket.Status
	data   interface{}
}

// board takes every order from the buffer and answers it with the next scripted reply for its
// command, or OK once the script is spent.
type board struct {
	mu      sync.Mutex
	scripts map[protocol.ID][]reply
	sent    map[protocol.ID]int
	hold    map[protocol.ID]bool
}

func newBoard() *board {
	return &board{scripts: map[protocol.ID][]reply{}, sent: map[protocol.ID]int{}, hold: map[protocol.ID]bool{}}
}

func (b *board) script(id protocol.ID, replies ...reply) {
	b.mu.Lock()
	b.scripts[id] = replies
	b.mu.Unlock()
}

func (b *board) withhold(id protocol.ID) {
	b.mu.Lock()
	b.hold[id] = true
	b.mu.Unlock()
}

func (b *board) count(id protocol.ID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent[id]
}

func (b *board) run(ctx context.Context, buf *orders.Buffer, table *protocol.StateTable) {
	for {
		o, err := buf.Take(ctx)
		if err != nil {
			return
		}
		id := o.Command.ID
		b.mu.Lock()
		b.sent[id]++
		hold := b.hold[id]
		r := reply{status: ticket.StatusOK}
		if s := b.scripts[id]; len(s) > 0 {
			r, b.scripts[id] = s[0], s[1:]
		}
		b.mu.Unlock()
		if !o.Claim.Valid() || hold {
			continue
		}
		_ = table.AnswerReceived(id)
		_, _ = table.Ticket(id).Resolve(r.status, r.data)
	}
}

func startBoard(t *testing.T) (*orders.Buffer, *board, context.Context) {
	t.Helper()
	table := protocol.NewStateTable(0)
	buf := orders.NewBuffer(table)
	b := newBoard()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.run(ctx, buf, table)
	return buf, b, ctx
}

func straightPath(n int) []protocol.ItineraryPoint {
	path := make([]protocol.ItineraryPoint, n)
	for i := range path {
		path[i] = protocol.ItineraryPoint{X: int32(i * 20), Speed: 400}
	}
	path[n-1].Stop = true
	return path
}

func TestMover_FollowOK(t *testing.T) {
	buf, b, ctx := startBoard(t)
	r := robot.New(robot.Pose{})
	m := NewMover(buf, r, nil, MoverOptions{Timeout: time.Second})

	require.NoError(t, m.Follow(ctx, straightPath(11)))
	assert.Equal(t, 1, b.count(protocol.DestroyPoints))
	assert.Equal(t, 1, b.count(protocol.AddPoints))
	assert.Equal(t, 1, b.count(protocol.FollowTrajectory))
	assert.Equal(t, robot.StateStandby, r.State())
	assert.Empty(t, r.Path())
}

func TestMover_FollowUploadsBatchesOfEleven(t *testing.T) {
	buf, b, ctx := startBoard(t)
	r := robot.New(robot.Pose{})
	m := NewMover(buf, r, nil, MoverOptions{Timeout: time.Second})

	require.NoError(t, m.Follow(ctx, straightPath(12)))
	assert.Equal(t, 2, b.count(protocol.AddPoints))
	assert.Equal(t, 1, b.count(protocol.FollowTrajectory))
}

func TestMover_FollowKOCarriesMask(t *testing.T) {
	buf, b, ctx := startBoard(t)
	b.script(protocol.FollowTrajectory, reply{ticket.StatusKO, protocol.TrajExternalBlock})
	r := robot.New(robot.Pose{})
	m := NewMover(buf, r, nil, MoverOptions{Timeout: time.Second})

	err := m.Follow(ctx, straightPath(3))
	require.ErrorIs(t, err, ErrMotionFault)
	var mf *MotionFault
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, protocol.TrajExternalBlock, mf.Mask)
	assert.Equal(t, robot.StateStandby, r.State())
}

func TestMover_FollowTimeoutStopsTheRobot(t *testing.T) {
	buf, b, ctx := startBoard(t)
	b.withhold(protocol.FollowTrajectory)
	r := robot.New(robot.Pose{})
	m := NewMover(buf, r, nil, MoverOptions{Timeout: 30 * time.Millisecond})

	err := m.Follow(ctx, straightPath(3))
	require.ErrorIs(t, err, ErrMotionFault)
	require.ErrorIs(t, err, ticket.ErrTimeout)
	assert.Eventually(t, func() bool { return b.count(protocol.Stop) == 1 }, time.Second, 5*time.Millisecond)
}

func TestMover_WaitsForJumperOnce(t *testing.T) {
	buf, b, ctx := startBoard(t)
	r := robot.New(robot.Pose{})
	m := NewMover(buf, r, nil, MoverOptions{WaitForJumper: true})

	require.NoError(t, m.Follow(ctx, straightPath(2)))
	require.NoError(t, m.Follow(ctx, straightPath(2)))
	assert.Equal(t, 1, b.count(protocol.WaitForJumper))
	assert.True(t, r.MatchStarted())
}

func TestMover_GoToWithoutPath(t *testing.T) {
	buf, b, ctx := startBoard(t)
	r := robot.New(robot.Pose{})
	planner := PlannerFunc(func(context.Context, robot.Pose, robot.Pose) ([]protocol.ItineraryPoint, error) {
		return nil, ErrNoPath
	})
	m := NewMover(buf, r, planner, MoverOptions{})

	err := m.GoTo(ctx, robot.Pose{X: 1000})
	require.ErrorIs(t, err, ErrPathUnavailable)
	assert.Zero(t, b.count(protocol.FollowTrajectory))

	boom := errors.New("engine down")
	m = NewMover(buf, r, PlannerFunc(func(context.Context, robot.Pose, robot.Pose) ([]protocol.ItineraryPoint, error) {
		return nil, boom
	}), MoverOptions{})
	err = m.GoTo(ctx, robot.Pose{X: 1000})
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrPathUnavailable)
}

func TestStraightLinePlanner(t *testing.T) {
	tracker := obstacles.NewTracker()
	p := StraightLinePlanner{
		Step:      100,
		Vehicle:   obstacles.Vehicle{Front: 150, Back: 150, HalfWidth: 150},
		Obstacles: tracker,
	}

	path, err := p.Plan(context.Background(), robot.Pose{}, robot.Pose{X: 450})
	require.NoError(t, err)
	require.Len(t, path, 5)
	assert.Equal(t, int32(100), path[0].X)
	assert.Equal(t, int32(450), path[4].X)
	assert.True(t, path[4].Stop)
	assert.False(t, path[3].Stop)
	assert.Equal(t, float32(500), path[0].Speed)

	tracker.Update([]obstacles.Obstacle{{ID: "a", Center: obstacles.Point{X: 300, Y: 0}, Radius: 100}})
	_, err = p.Plan(context.Background(), robot.Pose{}, robot.Pose{X: 450})
	assert.ErrorIs(t, err, ErrNoPath)

	path, err = p.Plan(context.Background(), robot.Pose{}, robot.Pose{Y: 900})
	require.NoError(t, err, "supervisor:mover_test - obstacle is clear of the vertical route")
	assert.Len(t, path, 9)
}

func TestActuatorRunner_RetriesTimedOutMoves(t *testing.T) {
	tests := []struct {
		name     string
		replies  []reply
		wantSent int
		wantErr  bool
	}{
		{"ok", nil, 1, false},
		{"ax12 error ignored", []reply{{ticket.StatusKO, protocol.ActAX12Err}}, 1, false},
		{"timed out then ok", []reply{{ticket.StatusKO, protocol.ActMoveTimedOut}, {ticket.StatusKO, protocol.ActMoveTimedOut}}, 3, false},
		{"timed out thrice", []reply{
			{ticket.StatusKO, protocol.ActMoveTimedOut},
			{ticket.StatusKO, protocol.ActMoveTimedOut},
			{ticket.StatusKO, protocol.ActMoveTimedOut},
		}, 3, true},
		{"blocked not retried", []reply{{ticket.StatusKO, protocol.ActStepperBlocked}}, 1, true},
		{"mixed mask not retried", []reply{{ticket.StatusKO, protocol.ActMoveTimedOut | protocol.ActAX12Err}}, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, b, ctx := startBoard(t)
			b.script(protocol.ActuatorGetPosition, tt.replies...)
			r := robot.New(robot.Pose{})
			runner := NewActuatorRunner(buf, r, -1, time.Second)

			_, err := runner.Execute(ctx, protocol.ActuatorGetPosition, nil)
			assert.Equal(t, tt.wantSent, b.count(protocol.ActuatorGetPosition))
			assert.True(t, r.Deployed())
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrActionFailure)
			var af *ActuatorFault
			require.ErrorAs(t, err, &af)
			assert.Equal(t, "ACT_GET_POSITION", af.Command)
		})
	}
}

func TestScriptedAction(t *testing.T) {
	buf, b, ctx := startBoard(t)
	r := robot.New(robot.Pose{})
	runner := NewActuatorRunner(buf, r, 0, time.Second)

	a := NewScriptedAction("grab", robot.Pose{X: 300}, DefaultTolerance(),
		[]Step{{Command: protocol.ActuatorGetPosition}, {Command: protocol.ActuatorGetPosition}}, true, runner, r)

	require.NoError(t, a.Feasible(r.Snapshot()))
	require.NoError(t, a.Execute(ctx))
	assert.Equal(t, 2, b.count(protocol.ActuatorGetPosition))
	assert.ErrorIs(t, a.Feasible(r.Snapshot()), ErrInfeasible)

	require.NoError(t, a.Cleanup(ctx))
	assert.Equal(t, 1, b.count(protocol.ActuatorGoHome))
	assert.False(t, r.Deployed())

	// nothing deployed, nothing to stow
	require.NoError(t, a.Cleanup(ctx))
	assert.Equal(t, 1, b.count(protocol.ActuatorGoHome))

	gated := NewScriptedAction("climb", robot.Pose{}, DefaultTolerance(), nil, false, runner, r).
		Require(func(s robot.Status) error {
			if !s.MatchStarted {
				return errors.New("match not started")
			}
			return nil
		})
	assert.ErrorIs(t, gated.Feasible(r.Snapshot()), ErrInfeasible)
	r.SetMatchStarted()
	assert.NoError(t, gated.Feasible(r.Snapshot()))
}
