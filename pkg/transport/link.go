package transport

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/senpai-robotics/controller/pkg/protocol"
)

const logPrefix = "transport:link"

// Medium opens the underlying byte stream. It is called again after every I/O failure.
type Medium interface {
	Open(ctx context.Context) (io.ReadWriteCloser, error)
	String() string
}

// TCPMedium reaches the board over Ethernet.
type TCPMedium struct {
	Addr        string
	DialTimeout time.Duration
}

// Open dials the board.
func (m TCPMedium) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	d := net.Dialer{Timeout: m.DialTimeout}
	return d.DialContext(ctx, "tcp", m.Addr)
}

func (m TCPMedium) String() string {
	return "tcp://" + m.Addr
}

// LinkOptions configures a Link. Zero values use defaults.
type LinkOptions struct {
	// RetryWait is the pause between failed opens.
	RetryWait time.Duration
	// SlowWrite is the duration above which a send is logged as slow.
	SlowWrite time.Duration
	// OnDisconnect is called with the failure that triggered a reopen.
	OnDisconnect func(err error)
}

// Link is the framed duplex connection to the board. I/O failures reopen the medium and swap its
// streams without failing callers. Once closed, reads and writes block until their context ends.
type Link struct {
	medium Medium
	opts   LinkOptions

	mu     sync.Mutex
	conn   io.ReadWriteCloser
	reader *bufio.Reader
	writer *bufio.Writer
	gen    uint64

	writeMu sync.Mutex

	closed     chan struct{}
	closeOnce  sync.Once
	reconnects atomic.Int64
}

// NewLink creates a link over medium. Call Open before use.
func NewLink(medium Medium, opts LinkOptions) *Link {
	if opts.RetryWait <= 0 {
		opts.RetryWait = 500 * time.Millisecond
	}
	if opts.SlowWrite <= 0 {
		opts.SlowWrite = 20 * time.Millisecond
	}
	return &Link{medium: medium, opts: opts, closed: make(chan struct{})}
}

// Open connects the medium, retrying until it succeeds, ctx ends or the link is closed.
func (l *Link) Open(ctx context.Context) error {
	return l.reopen(ctx, 0)
}

// Reconnects returns how many times the medium was reopened after a failure.
func (l *Link) Reconnects() int64 {
	return l.reconnects.Load()
}

// Closed reports whether Close was called.
func (l *Link) Closed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// Close shuts the link down for good.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		l.mu.Lock()
		if l.conn != nil {
			err = l.conn.Close()
		}
		l.mu.Unlock()
		slog.Info(fmt.Sprintf("%s - Link to %s closed", logPrefix, l.medium))
	})
	return err
}

func (l *Link) current() (io.ReadWriteCloser, *bufio.Reader, *bufio.Writer, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn, l.reader, l.writer, l.gen
}

// reopen replaces the streams of generation failedGen. If another goroutine already did, it returns at once.
func (l *Link) reopen(ctx context.Context, failedGen uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.gen != failedGen {
		return nil
	}
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}

	for attempt := 1; ; attempt++ {
		if l.Closed() {
			return ErrClosed
		}
		conn, err := l.medium.Open(ctx)
		if err == nil {
			l.conn = conn
			l.reader = bufio.NewReader(conn)
			l.writer = bufio.NewWriter(conn)
			l.gen++
			if l.gen > 1 {
				l.reconnects.Add(1)
				slog.Info(fmt.Sprintf("%s - Reconnected to %s after %d attempt(s)", logPrefix, l.medium, attempt))
			} else {
				slog.Info(fmt.Sprintf("%s - Connected to %s", logPrefix, l.medium))
			}
			return nil
		}
		slog.Warn(fmt.Sprintf("%s - Open %s failed (attempt %d): %v", logPrefix, l.medium, attempt, err))

		timer := time.NewTimer(l.opts.RetryWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-l.closed:
			timer.Stop()
			return ErrClosed
		case <-timer.C:
		}
	}
}

func (l *Link) disconnected(ctx context.Context, gen uint64, cause error) error {
	err := fmt.Errorf("%s - %s: %w: %v", logPrefix, l.medium, ErrDisconnected, cause)
	slog.Warn(err.Error())
	if l.opts.OnDisconnect != nil {
		l.opts.OnDisconnect(err)
	}
	return l.reopen(ctx, gen)
}

// idle is the behaviour of a closed link: block until the caller gives up.
func (l *Link) idle(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// interruptRead makes a blocked read on conn return when ctx ends.
func interruptRead(ctx context.Context, conn io.ReadWriteCloser) func() bool {
	d, ok := conn.(readDeadliner)
	if !ok {
		return func() bool { return true }
	}
	_ = d.SetReadDeadline(time.Time{})
	return context.AfterFunc(ctx, func() { _ = d.SetReadDeadline(time.Now()) })
}

func interruptWrite(ctx context.Context, conn io.ReadWriteCloser) func() bool {
	d, ok := conn.(writeDeadliner)
	if !ok {
		return func() bool { return true }
	}
	_ = d.SetWriteDeadline(time.Time{})
	return context.AfterFunc(ctx, func() { _ = d.SetWriteDeadline(time.Now()) })
}

// ReadPacket returns the next packet from a catalogued command. Diagnostic frames are logged,
// malformed bytes and unknown origins are skipped, and I/O failures reopen the medium.
func (l *Link) ReadPacket(ctx context.Context) (*Packet, error) {
	for {
		if l.Closed() {
			return nil, l.idle(ctx)
		}
		conn, r, _, gen := l.current()
		if conn == nil {
			if err := l.reopen(ctx, gen); err != nil {
				if errors.Is(err, ErrClosed) {
					continue
				}
				return nil, err
			}
			continue
		}

		stop := interruptRead(ctx, conn)
		frame, err := ReadFrame(r)
		stop()
		received := time.Now()

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, ErrMalformedFrame) {
				slog.Debug(fmt.Sprintf("%s - %v", logPrefix, err))
				continue
			}
			if l.Closed() {
				continue
			}
			if err := l.disconnected(ctx, gen, err); err != nil && !errors.Is(err, ErrClosed) {
				return nil, err
			}
			continue
		}

		if frame.IsDiagnostic {
			slog.Info(fmt.Sprintf("%s - Board says: %s", logPrefix, frame.Diagnostic))
			continue
		}
		cmd, ok := protocol.Lookup(frame.Origin)
		if !ok {
			slog.Warn(fmt.Sprintf("%s - Ignored frame from unknown id 0x%02X, data = %s",
				logPrefix, frame.Origin, hex.EncodeToString(frame.Payload)))
			continue
		}
		return &Packet{Command: cmd, Payload: frame.Payload, Received: received}, nil
	}
}

// Send writes and flushes one frame atomically, retrying on a reopened medium after a failure.
func (l *Link) Send(ctx context.Context, frame []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	start := time.Now()
	for {
		if l.Closed() {
			return l.idle(ctx)
		}
		conn, _, w, gen := l.current()
		if conn == nil {
			if err := l.reopen(ctx, gen); err != nil && !errors.Is(err, ErrClosed) {
				return err
			}
			continue
		}

		stop := interruptWrite(ctx, conn)
		_, err := w.Write(frame)
		if err == nil {
			err = w.Flush()
		}
		stop()

		if err == nil {
			if elapsed := time.Since(start); elapsed >= l.opts.SlowWrite {
				slog.Warn(fmt.Sprintf("%s - Sending %d bytes took %s", logPrefix, len(frame), elapsed))
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if l.Closed() {
			continue
		}
		if err := l.disconnected(ctx, gen, err); err != nil && !errors.Is(err, ErrClosed) {
			return err
		}
	}
}
