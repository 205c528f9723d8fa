// Package transporttest provides an in-memory medium and a scripted low-level board for tests.
package transporttest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/senpai-robotics/controller/pkg/protocol"
	"github.com/senpai-robotics/controller/pkg/transport"
)

// PipeMedium hands the controller side of a fresh net.Pipe to the link on every Open
// and the board side to Accept.
type PipeMedium struct {
	conns    chan net.Conn
	failNext atomic.Int32
	opens    atomic.Int32
}

// NewPipeMedium creates an in-memory medium.
func NewPipeMedium() *PipeMedium {
	return &PipeMedium{conns: make(chan net.Conn)}
}

// FailNextOpens makes the next n calls to Open fail.
func (m *PipeMedium) FailNextOpens(n int) {
	m.failNext.Store(int32(n))
}

// Opens returns how many times Open succeeded.
func (m *PipeMedium) Opens() int {
	return int(m.opens.Load())
}

// Open implements transport.Medium.
func (m *PipeMedium) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	if m.failNext.Load() > 0 {
		m.failNext.Add(-1)
		return nil, errors.New("transporttest: open refused")
	}
	client, server := net.Pipe()
	select {
	case m.conns <- server:
		m.opens.Add(1)
		return client, nil
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}

// Accept returns the board side of the next opened pipe.
func (m *PipeMedium) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case c := <-m.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *PipeMedium) String() string {
	return "pipe://board"
}

// Handler reacts to an order received by the board.
type Handler func(b *Board, f transport.Frame)

// Board is a simulated low-level board.
type Board struct {
	medium  *PipeMedium
	handler Handler

	mu      sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex
	orders  []transport.Frame

	received chan transport.Frame
}

// NewBoard creates a board answering through handler. A nil handler uses AutoReply.
func NewBoard(medium *PipeMedium, handler Handler) *Board {
	if handler == nil {
		handler = AutoReply
	}
	return &Board{medium: medium, handler: handler, received: make(chan transport.Frame, 1024)}
}

// Serve accepts connections and processes orders until ctx ends.
func (b *Board) Serve(ctx context.Context) {
	for {
		conn, err := b.medium.Accept(ctx)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()

		go func() {
			<-ctx.Done()
			conn.Close()
		}()

		r := bufio.NewReader(conn)
		for {
			f, err := transport.ReadFrame(r)
			if err != nil {
				if errors.Is(err, transport.ErrMalformedFrame) {
					continue
				}
				break
			}
			b.mu.Lock()
			b.orders = append(b.orders, f)
			b.mu.Unlock()
			select {
			case b.received <- f:
			default:
			}
			b.handler(b, f)
		}
	}
}

// Received delivers every order the board decodes, in arrival order.
func (b *Board) Received() <-chan transport.Frame {
	return b.received
}

// Orders returns a copy of all decoded orders.
func (b *Board) Orders() []transport.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]transport.Frame, len(b.orders))
	copy(out, b.orders)
	return out
}

// Write sends raw bytes to the controller.
func (b *Board) Write(data []byte) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return errors.New("transporttest: board not connected")
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_, err := conn.Write(data)
	return err
}

// Reply sends a binary frame from origin.
func (b *Board) Reply(origin protocol.ID, payload []byte) error {
	return b.Write(protocol.EncodeFrame(origin, payload))
}

// ReplyAsync sends a frame without blocking the caller, which may be the board's own read loop.
func (b *Board) ReplyAsync(origin protocol.ID, payload []byte) {
	go func() { _ = b.Reply(origin, payload) }()
}

// Diagnostic sends a NUL-terminated text frame.
func (b *Board) Diagnostic(text string) error {
	return b.Write(transport.EncodeDiagnostic(0, text))
}

// Drop closes the current connection to simulate a cable fault.
func (b *Board) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

// AutoReply acknowledges every answer-expecting order with a success reply.
func AutoReply(b *Board, f transport.Frame) {
	cmd, ok := protocol.Lookup(f.Origin)
	if !ok || !cmd.ExpectsAnswer || cmd.IsStream() {
		return
	}
	b.ReplyAsync(cmd.ID, SuccessPayload(cmd.ID))
}

// SuccessPayload is the reply payload meaning success for id.
func SuccessPayload(id protocol.ID) []byte {
	switch id {
	case protocol.Ping, protocol.FollowTrajectory, protocol.ActuatorGoHome, protocol.ActuatorGetPosition:
		return protocol.Int32Payload(0)
	case protocol.AskColor:
		return []byte{byte(protocol.ColorViolet)}
	case protocol.GetPosition:
		return protocol.PosePayload(0, 0, 0)
	default:
		return nil
	}
}

// String describes a frame for test failure messages.
func String(f transport.Frame) string {
	return fmt.Sprintf("%s[%d]", protocol.ID(f.Origin), len(f.Payload))
}
