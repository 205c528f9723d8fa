// Package orders schedules outbound orders to the low-level board.
//
// Orders wait in a priority queue: lower priority values go first and equal priorities keep their
// enqueue order. Take skips at most one order whose command is not currently sendable: the blocked
// order is requeued with its original position and the next one is tried. If that one is blocked
// as well, both are requeued and Take waits for a new order or for a command to become sendable.
package orders

import (
	"container/heap"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/senpai-robotics/controller/pkg/protocol"
	"github.com/senpai-robotics/controller/pkg/ticket"
)

const logPrefix = "orders:buffer"

// Order is one command ready to be written to the link.
type Order struct {
	Command  *protocol.Command
	Payload  []byte
	Priority int
	Claim    ticket.Claim
	// Subscribe is set on stream orders: true to subscribe, false to unsubscribe.
	Subscribe bool

	seq     uint64
	created time.Time
}

// Frame returns the wire frame of the order.
func (o *Order) Frame() []byte {
	return protocol.EncodeFrame(o.Command.ID, o.Payload)
}

func (o *Order) String() string {
	return fmt.Sprintf("%s[%s]", o.Command.Name, hex.EncodeToString(o.Payload))
}

type queue []*Order

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority < q[j].Priority
	}
	return q[i].seq < q[j].seq
}
func (q queue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *queue) Push(x interface{}) { *q = append(*q, x.(*Order)) }
func (q *queue) Pop() interface{} {
	old := *q
	n := len(old)
	o := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return o
}

// Buffer is the thread-safe outbound priority queue. Any number of producers may call Add
// and the builder methods; a single writer task calls Take (or Pump).
type Buffer struct {
	table *protocol.StateTable

	mu    sync.Mutex
	q     queue
	seq   uint64
	wake  chan struct{}
	added int64
	taken int64
}

// NewBuffer creates a buffer gated by table. Commands becoming sendable wake a blocked Take.
func NewBuffer(table *protocol.StateTable) *Buffer {
	b := &Buffer{table: table, wake: make(chan struct{}, 1)}
	table.OnSendable(func(protocol.ID) { b.signal() })
	return b
}

func (b *Buffer) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Add enqueues an order. It issues a ticket generation when the command expects an answer.
func (b *Buffer) Add(o *Order) ticket.Claim {
	b.mu.Lock()
	b.seq++
	o.seq = b.seq
	// generations follow seq so that FIFO resolution matches send order
	if o.Command.ExpectsAnswer && !o.Command.IsStream() && !o.Claim.Valid() {
		o.Claim = b.table.Ticket(o.Command.ID).Issue()
	}
	o.created = time.Now()
	heap.Push(&b.q, o)
	b.added++
	b.mu.Unlock()

	b.signal()
	slog.Debug(fmt.Sprintf("%s - Queued %s priority=%d", logPrefix, o, o.Priority))
	return o.Claim
}

// Len returns the number of queued orders.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.q)
}

// Take removes the next order to send and marks it sent in the state table.
// It blocks while nothing sendable is queued and returns ctx.Err() when ctx ends.
func (b *Buffer) Take(ctx context.Context) (*Order, error) {
	for {
		if o := b.tryTake(); o != nil {
			return o, nil
		}
		select {
		case <-b.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *Buffer) tryTake() *Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.q) == 0 {
		return nil
	}
	o := heap.Pop(&b.q).(*Order)
	if !b.table.SendPossible(o.Command.ID) {
		blocked := o
		if len(b.q) == 0 {
			heap.Push(&b.q, blocked)
			return nil
		}
		o = heap.Pop(&b.q).(*Order)
		heap.Push(&b.q, blocked)
		if !b.table.SendPossible(o.Command.ID) {
			heap.Push(&b.q, o)
			return nil
		}
	}

	b.table.OrderSent(o.Command.ID)
	if o.Command.IsStream() {
		b.table.StreamChanged(o.Command.ID, o.Subscribe)
	}
	b.taken++
	return o
}

// Sender writes frames to the board.
type Sender interface {
	Send(ctx context.Context, frame []byte) error
}

// Pump is the writer task: it takes orders and sends them until ctx ends.
func (b *Buffer) Pump(ctx context.Context, link Sender) error {
	slowBuild := 20 * time.Millisecond
	for {
		o, err := b.Take(ctx)
		if err != nil {
			return err
		}
		if waited := time.Since(o.created); waited >= slowBuild {
			slog.Warn(fmt.Sprintf("%s - %s waited %s in queue", logPrefix, o.Command.Name, waited))
		}
		if err := link.Send(ctx, o.Frame()); err != nil {
			return fmt.Errorf("%s - sending %s: %w", logPrefix, o, err)
		}
		slog.Debug(fmt.Sprintf("%s - Sent %s", logPrefix, o))
	}
}

// Stats reports queue depth and lifetime counters.
func (b *Buffer) Stats() (queued int, added, sent int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.q), b.added, b.taken
}
