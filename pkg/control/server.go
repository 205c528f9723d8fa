package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	comms "github.com/nats-io/nats.go"
)

const serverLogPrefix = "control:server"

// Server answers control requests on one COMMS subject.
type Server struct {
	nc      *comms.Conn
	subject string
	router  *Router
	timeout time.Duration

	sub      *comms.Subscription
	inflight sync.WaitGroup
	served   atomic.Int64
}

// NewServer creates a server. timeout bounds each request unless the caller asks for less.
func NewServer(nc *comms.Conn, subject string, router *Router, timeout time.Duration) *Server {
	return &Server{nc: nc, subject: subject, router: router, timeout: timeout}
}

// Start subscribes. Each request is handled on its own goroutine so that a stop is not queued
// behind a running goal. Request contexts derive from ctx.
func (s *Server) Start(ctx context.Context) error {
	sub, err := s.nc.Subscribe(s.subject, func(msg *comms.Msg) {
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.handle(ctx, msg)
		}()
	})
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", serverLogPrefix, s.subject, err)
	}
	s.sub = sub
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", serverLogPrefix, s.subject))
	return nil
}

// Stop unsubscribes and waits for the in-flight requests to be answered.
func (s *Server) Stop() error {
	if s.sub == nil {
		return nil
	}
	err := s.sub.Unsubscribe()
	s.inflight.Wait()
	if err != nil {
		return fmt.Errorf("%s - unsubscribe %s: %w", serverLogPrefix, s.subject, err)
	}
	return nil
}

// Served returns how many requests were answered.
func (s *Server) Served() int64 {
	return s.served.Load()
}

func (s *Server) handle(ctx context.Context, msg *comms.Msg) {
	var req Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to decode request: %v", serverLogPrefix, err))
		s.respond(msg, errorResponse("", CodeInvalidRequest, "Failed to decode request", false))
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	// Per-request context with timeout; optionally respect a shorter client deadline
	timeout := s.timeout
	if req.Ctx != nil && req.Ctx.TimeoutMs > 0 {
		if d := time.Duration(req.Ctx.TimeoutMs) * time.Millisecond; timeout <= 0 || d < timeout {
			timeout = d
		}
	}
	reqCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	start := time.Now()
	resp := s.router.Dispatch(reqCtx, &req)
	if !resp.Ok {
		slog.Warn(fmt.Sprintf("%s - %s %s failed after %s: %s %s", serverLogPrefix, req.Method, req.ID, time.Since(start), resp.Error.Code, resp.Error.Message))
	}
	s.respond(msg, resp)
}

func (s *Server) respond(msg *comms.Msg, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response: %v", serverLogPrefix, err))
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to respond to %s: %v", serverLogPrefix, resp.ID, err))
		return
	}
	s.served.Add(1)
}
