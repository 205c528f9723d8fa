package transport_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senpai-robotics/controller/pkg/protocol"
	"github.com/senpai-robotics/controller/pkg/transport"
	"github.com/senpai-robotics/controller/pkg/transport/transporttest"
)

func TestReadFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x42}) // garbage
	buf.Write(protocol.EncodeFrame(protocol.Ping, protocol.Int32Payload(0)))
	buf.Write(transport.EncodeDiagnostic(0, "hello board"))
	buf.Write(protocol.EncodeFrame(protocol.Stop, nil))
	r := bufio.NewReader(&buf)

	_, err := transport.ReadFrame(r)
	assert.ErrorIs(t, err, transport.ErrMalformedFrame)

	f, err := transport.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.Ping), f.Origin)
	assert.Equal(t, []byte{0, 0, 0, 0}, f.Payload)

	f, err = transport.ReadFrame(r)
	require.NoError(t, err)
	assert.True(t, f.IsDiagnostic)
	assert.Equal(t, "hello board", f.Diagnostic)

	f, err = transport.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.Stop), f.Origin)
	assert.Empty(t, f.Payload)

	_, err = transport.ReadFrame(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrame_Truncated(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{0xFF, 0x80, 4, 0}))
	_, err := transport.ReadFrame(r)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func startLink(t *testing.T) (*transport.Link, *transporttest.Board, *transporttest.PipeMedium, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	medium := transporttest.NewPipeMedium()
	board := transporttest.NewBoard(medium, func(*transporttest.Board, transport.Frame) {})
	go board.Serve(ctx)

	link := transport.NewLink(medium, transport.LinkOptions{RetryWait: 5 * time.Millisecond})
	require.NoError(t, link.Open(ctx))
	t.Cleanup(func() { link.Close() })
	return link, board, medium, ctx
}

func TestLink_SendAndRead(t *testing.T) {
	link, board, _, ctx := startLink(t)

	require.NoError(t, link.Send(ctx, protocol.EncodeFrame(protocol.SetScore, protocol.Int32Payload(12))))
	select {
	case f := <-board.Received():
		assert.Equal(t, byte(protocol.SetScore), f.Origin)
		assert.Equal(t, protocol.Int32Payload(12), f.Payload)
	case <-time.After(time.Second):
		t.Fatal("transport:link_test - board did not receive the order")
	}

	go func() {
		_ = board.Diagnostic("boot ok")
		_ = board.Write([]byte{0xFF, 0x7E, 1, 9}) // unknown origin
		_ = board.Reply(protocol.Ping, protocol.Int32Payload(0))
	}()

	p, err := link.ReadPacket(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.Ping, p.Command.ID)
	assert.False(t, p.Received.IsZero())
}

func TestLink_ReconnectsTransparently(t *testing.T) {
	link, board, medium, ctx := startLink(t)

	board.Drop()
	medium.FailNextOpens(2)

	go func() {
		// wait for the link to reopen, then answer on the new connection
		for medium.Opens() < 2 {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(5 * time.Millisecond)
		_ = board.Reply(protocol.AskColor, []byte{1})
	}()

	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	p, err := link.ReadPacket(readCtx)
	require.NoError(t, err)
	assert.Equal(t, protocol.AskColor, p.Command.ID)
	assert.Equal(t, int64(1), link.Reconnects())

	require.NoError(t, link.Send(ctx, protocol.EncodeFrame(protocol.Ping, nil)))
}

func TestLink_ReadObservesCancellation(t *testing.T) {
	link, _, _, ctx := startLink(t)

	readCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := link.ReadPacket(readCtx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestLink_ClosedBlocksUntilContextEnds(t *testing.T) {
	link, _, _, ctx := startLink(t)
	require.NoError(t, link.Close())
	assert.True(t, link.Closed())

	for _, op := range []func(context.Context) error{
		func(c context.Context) error { _, err := link.ReadPacket(c); return err },
		func(c context.Context) error { return link.Send(c, protocol.EncodeFrame(protocol.Ping, nil)) },
	} {
		opCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		start := time.Now()
		err := op(opCtx)
		cancel()
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	}
}
