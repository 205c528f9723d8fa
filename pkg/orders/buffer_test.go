package orders_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senpai-robotics/controller/pkg/orders"
	"github.com/senpai-robotics/controller/pkg/protocol"
	"github.com/senpai-robotics/controller/pkg/ticket"
	"github.com/senpai-robotics/controller/pkg/transport"
	"github.com/senpai-robotics/controller/pkg/transport/transporttest"
)

func newBuffer() (*orders.Buffer, *protocol.StateTable) {
	table := protocol.NewStateTable(0)
	return orders.NewBuffer(table), table
}

func take(t *testing.T, b *orders.Buffer) *orders.Order {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	o, err := b.Take(ctx)
	require.NoError(t, err)
	return o
}

func expectBlocked(t *testing.T, b *orders.Buffer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	o, err := b.Take(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "orders:buffer_test - unexpected order %v", o)
}

// answer simulates the dispatcher receiving the board's reply to id.
func answer(t *testing.T, table *protocol.StateTable, id protocol.ID, status ticket.Status) {
	t.Helper()
	require.NoError(t, table.AnswerReceived(id))
	_, err := table.Ticket(id).Resolve(status, nil)
	require.NoError(t, err)
}

func TestBuffer_PriorityThenFIFO(t *testing.T) {
	b, _ := newBuffer()

	b.SetScore(1)
	b.Send(protocol.AddPoints, nil)
	b.SetScore(2)
	b.Stop()
	b.Send(protocol.DestroyPoints, protocol.Int32Payload(0))

	var got []string
	for b.Len() > 0 {
		o := take(t, b)
		got = append(got, o.String())
	}
	assert.Equal(t, []string{
		"STOP[]",
		"ADD_POINTS[]",
		"DESTROY_POINTS[00000000]",
		"SET_SCORE[01000000]",
		"SET_SCORE[02000000]",
	}, got)
}

func TestBuffer_StopOvertakesConcurrentPings(t *testing.T) {
	b, _ := newBuffer()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Ping()
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Stop()
	}()
	wg.Wait()

	assert.Equal(t, protocol.Stop, take(t, b).Command.ID)
	for i := 0; i < 8; i++ {
		assert.Equal(t, protocol.Ping, take(t, b).Command.ID)
	}
}

func TestBuffer_SendablePrioritiesNonDecreasing(t *testing.T) {
	b, _ := newBuffer()
	ids := []protocol.ID{protocol.SetScore, protocol.AddPoints, protocol.Ping, protocol.Stop,
		protocol.EditPoints, protocol.SetWarnings, protocol.DestroyPoints, protocol.AskColor}
	for _, id := range ids {
		b.Send(id, nil)
	}
	last := protocol.PriorityEmergency
	for range ids {
		o := take(t, b)
		assert.GreaterOrEqual(t, o.Priority, last)
		last = o.Priority
	}
}

func TestBuffer_SkipsOneBlockedOrder(t *testing.T) {
	b, table := newBuffer()

	b.FollowTrajectory()
	require.Equal(t, protocol.FollowTrajectory, take(t, b).Command.ID)
	require.False(t, table.SendPossible(protocol.FollowTrajectory))

	b.FollowTrajectory()
	b.SetScore(3)

	o := take(t, b)
	assert.Equal(t, protocol.SetScore, o.Command.ID)
	assert.Equal(t, 1, b.Len())

	expectBlocked(t, b)
	answer(t, table, protocol.FollowTrajectory, ticket.StatusOK)
	assert.Equal(t, protocol.FollowTrajectory, take(t, b).Command.ID)
}

// Two blocked orders at the head make Take wait even though a sendable order sits behind them.
func TestBuffer_TwoBlockedOrdersAtHeadWait(t *testing.T) {
	b, table := newBuffer()

	b.FollowTrajectory()
	b.WaitForJumper()
	take(t, b)
	take(t, b)

	b.FollowTrajectory()
	b.WaitForJumper()
	b.SetScore(7)

	expectBlocked(t, b)
	assert.Equal(t, 3, b.Len())

	done := make(chan *orders.Order, 1)
	go func() {
		o, err := b.Take(context.Background())
		if err == nil {
			done <- o
		}
	}()
	time.Sleep(10 * time.Millisecond)
	answer(t, table, protocol.WaitForJumper, ticket.StatusOK)

	select {
	case o := <-done:
		assert.Equal(t, protocol.WaitForJumper, o.Command.ID)
	case <-time.After(time.Second):
		t.Fatal("orders:buffer_test - sendable notification did not wake Take")
	}
	assert.Equal(t, protocol.SetScore, take(t, b).Command.ID)
	assert.Equal(t, 1, b.Len())
}

func TestBuffer_InterruptedLongOrderStaysGated(t *testing.T) {
	b, table := newBuffer()

	claim := b.FollowTrajectory()
	take(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := claim.Await(ctx)
	require.ErrorIs(t, err, ticket.ErrInterrupted)
	assert.False(t, table.SendPossible(protocol.FollowTrajectory))

	// the genuine reply reopens the command and is discarded
	answer(t, table, protocol.FollowTrajectory, ticket.StatusOK)
	assert.True(t, table.SendPossible(protocol.FollowTrajectory))
	assert.Equal(t, 0, table.Ticket(protocol.FollowTrajectory).Outstanding())
}

func TestBuffer_InterruptedLongOrderReleasedByDrain(t *testing.T) {
	b, table := newBuffer()

	claim := b.ActuatorGoHome()
	take(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := claim.Await(ctx)
	require.ErrorIs(t, err, ticket.ErrInterrupted)
	assert.False(t, table.SendPossible(protocol.ActuatorGoHome))

	table.Drain()
	assert.True(t, table.SendPossible(protocol.ActuatorGoHome))

	_, err = b.ActuatorGoHome().Await(context.Background())
	assert.ErrorIs(t, err, ticket.ErrClosed)
}

func TestBuffer_StreamOrders(t *testing.T) {
	b, table := newBuffer()

	b.StartStream(protocol.OdoAndSensors)
	o := take(t, b)
	assert.Equal(t, []byte{protocol.ChannelSubscribe}, o.Payload)
	assert.False(t, o.Claim.Valid())
	assert.True(t, table.WaitingForAnswer(protocol.OdoAndSensors))

	b.StopStream(protocol.OdoAndSensors)
	o = take(t, b)
	assert.Equal(t, []byte{protocol.ChannelUnsubscribe}, o.Payload)
	assert.False(t, table.WaitingForAnswer(protocol.OdoAndSensors))

	assert.Panics(t, func() { b.StartStream(protocol.Ping) })
}

func TestBuffer_TakeObservesCancellation(t *testing.T) {
	b, _ := newBuffer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Take(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// responder plays the writer and dispatcher tasks without a link: every order is taken and,
// when it expects a reply, answered with reply(id).
func responder(ctx context.Context, b *orders.Buffer, table *protocol.StateTable, reply func(protocol.ID) ticket.Status) {
	for {
		o, err := b.Take(ctx)
		if err != nil {
			return
		}
		if !o.Claim.Valid() {
			continue
		}
		_ = table.AnswerReceived(o.Command.ID)
		_, _ = table.Ticket(o.Command.ID).Resolve(reply(o.Command.ID), nil)
	}
}

func TestBuffer_AddPointsWaitsForEveryBatch(t *testing.T) {
	b, table := newBuffer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	batches := 0
	go responder(ctx, b, table, func(id protocol.ID) ticket.Status {
		if id == protocol.AddPoints {
			mu.Lock()
			batches++
			mu.Unlock()
		}
		return ticket.StatusOK
	})

	points := make([]protocol.ItineraryPoint, 23)
	for i := range points {
		points[i] = protocol.ItineraryPoint{X: int32(i * 10), Speed: 300}
	}
	require.NoError(t, b.DestroyPoints(ctx, 0))
	require.NoError(t, b.AddPoints(ctx, points, true))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, batches)
}

func TestBuffer_AddPointsRefusedReleasesLaterBatches(t *testing.T) {
	b, table := newBuffer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go responder(ctx, b, table, func(protocol.ID) ticket.Status { return ticket.StatusKO })

	points := make([]protocol.ItineraryPoint, 23)
	require.Error(t, b.AddPoints(ctx, points, true))

	tk := table.Ticket(protocol.AddPoints)
	assert.Eventually(t, func() bool { return tk.Outstanding() == 0 && tk.Retained() == 0 },
		time.Second, time.Millisecond, "orders:buffer_test - refused upload left %d slots behind", tk.Retained())
}

func TestBuffer_GenerationsFollowSendOrder(t *testing.T) {
	b, _ := newBuffer()

	const producers, each = 16, 8
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				b.Ping()
			}
		}()
	}
	wg.Wait()

	var last uint64
	for i := 0; i < producers*each; i++ {
		o := take(t, b)
		require.True(t, o.Claim.Valid())
		require.Greater(t, o.Claim.Generation(), last, "orders:buffer_test - generation sent out of order")
		last = o.Claim.Generation()
	}
}

func TestBuffer_DestroyPointsRefused(t *testing.T) {
	b, table := newBuffer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go responder(ctx, b, table, func(protocol.ID) ticket.Status { return ticket.StatusKO })

	assert.Error(t, b.DestroyPoints(ctx, 4))
}

func TestBuffer_CheckLatency(t *testing.T) {
	b, table := newBuffer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go responder(ctx, b, table, func(protocol.ID) ticket.Status { return ticket.StatusOK })

	lat, err := b.CheckLatency(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, lat.Count)
	assert.LessOrEqual(t, lat.Min, lat.Avg)
	assert.LessOrEqual(t, lat.Avg, lat.Max)
}

func TestBuffer_PumpWritesInPriorityOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	medium := transporttest.NewPipeMedium()
	board := transporttest.NewBoard(medium, func(*transporttest.Board, transport.Frame) {})
	go board.Serve(ctx)
	link := transport.NewLink(medium, transport.LinkOptions{})
	require.NoError(t, link.Open(ctx))
	defer link.Close()

	b, _ := newBuffer()
	b.SetScore(42)
	b.Ping()
	b.Stop()
	go func() { _ = b.Pump(ctx, link) }()

	// equal priorities keep their enqueue order
	want := []protocol.ID{protocol.Stop, protocol.SetScore, protocol.Ping}
	for _, id := range want {
		select {
		case f := <-board.Received():
			assert.Equal(t, byte(id), f.Origin, "orders:buffer_test - got %s", transporttest.String(f))
		case <-time.After(time.Second):
			t.Fatalf("orders:buffer_test - board never received %s", id)
		}
	}
}
