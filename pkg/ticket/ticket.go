// Package ticket provides the reusable result cell that correlates a sent command with its reply.
//
// A Ticket is owned by exactly one answer-expecting command for the whole process lifetime.
// Every send issues a new generation; replies resolve generations strictly in issue order,
// which matches the in-order delivery of the link. A caller awaits the generation it was
// handed, so a reply can never be read as the answer to a later request.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const logPrefix = "ticket:ticket"

// Status is the outcome carried by a reply.
type Status int

const (
	StatusOK Status = iota
	StatusKO
)

func (s Status) String() string {
	if s == StatusOK {
		return "OK"
	}
	return "KO"
}

var (
	// ErrTimeout is returned by AwaitTimeout when the bound elapses before the reply.
	ErrTimeout = errors.New("ticket: await timed out")
	// ErrInterrupted is returned when the awaiting context is cancelled.
	ErrInterrupted = errors.New("ticket: await interrupted")
	// ErrNoOutstanding is returned by Resolve when no issued generation is waiting for a reply.
	ErrNoOutstanding = errors.New("ticket: no outstanding request")
	// ErrAbandoned is returned when awaiting a generation whose previous await timed out or was interrupted.
	ErrAbandoned = errors.New("ticket: generation abandoned")
	// ErrConsumed is returned when a generation's result has already been read.
	ErrConsumed = errors.New("ticket: result already consumed")
	// ErrUnknownGeneration is returned for a generation that was never issued.
	ErrUnknownGeneration = errors.New("ticket: unknown generation")
	// ErrClosed is delivered to every outstanding generation when the ticket is closed.
	ErrClosed = errors.New("ticket: closed")
)

// Result is a resolved reply.
type Result struct {
	Status     Status
	Data       interface{}
	Generation uint64
}

// OK reports whether the reply carried StatusOK.
func (r Result) OK() bool {
	return r.Status == StatusOK
}

type slot struct {
	gen       uint64
	done      chan struct{}
	res       Result
	err       error
	resolved  bool
	abandoned bool
	consumed  bool
	issued    time.Time
}

// Ticket is a generation-stamped single-slot result cell.
type Ticket struct {
	name string

	mu      sync.Mutex
	gen     uint64
	pending []*slot
	slots   map[uint64]*slot
	closed  bool
}

// New creates a Ticket for the named command.
func New(name string) *Ticket {
	return &Ticket{name: name, slots: make(map[uint64]*slot)}
}

// Name returns the owning command name.
func (t *Ticket) Name() string {
	return t.name
}

// Issue opens a new generation for a request about to be sent and returns its claim.
func (t *Ticket) Issue() Claim {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	s := &slot{gen: t.gen, done: make(chan struct{}), issued: time.Now()}
	if t.closed {
		s.err = ErrClosed
		s.resolved = true
		close(s.done)
	} else {
		t.pending = append(t.pending, s)
	}
	t.slots[s.gen] = s
	return Claim{t: t, gen: s.gen}
}

// Resolve delivers a reply to the oldest outstanding generation and returns that generation.
// A reply with nothing outstanding is reported as ErrNoOutstanding and never overwrites a value.
func (t *Ticket) Resolve(status Status, data interface{}) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.pending) == 0 {
		return 0, fmt.Errorf("%s - %s: %w", logPrefix, t.name, ErrNoOutstanding)
	}
	s := t.pending[0]
	t.pending[0] = nil
	t.pending = t.pending[1:]

	s.res = Result{Status: status, Data: data, Generation: s.gen}
	s.resolved = true
	close(s.done)

	if s.abandoned {
		delete(t.slots, s.gen)
		slog.Debug(fmt.Sprintf("%s - %s: discarded late reply for abandoned generation %d (%s after issue)",
			logPrefix, t.name, s.gen, time.Since(s.issued)))
	}
	return s.gen, nil
}

// Await blocks until the generation is resolved or ctx is cancelled.
func (t *Ticket) Await(ctx context.Context, gen uint64) (Result, error) {
	return t.await(ctx, gen, nil)
}

// AwaitTimeout is Await bounded by d. A timeout is reported as ErrTimeout, distinct from interruption.
func (t *Ticket) AwaitTimeout(ctx context.Context, gen uint64, d time.Duration) (Result, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	return t.await(ctx, gen, timer.C)
}

func (t *Ticket) await(ctx context.Context, gen uint64, timeout <-chan time.Time) (Result, error) {
	t.mu.Lock()
	s, ok := t.slots[gen]
	if !ok {
		t.mu.Unlock()
		if gen == 0 || gen > t.generation() {
			return Result{}, fmt.Errorf("%s - %s gen %d: %w", logPrefix, t.name, gen, ErrUnknownGeneration)
		}
		return Result{}, fmt.Errorf("%s - %s gen %d: %w", logPrefix, t.name, gen, ErrConsumed)
	}
	if s.abandoned {
		t.mu.Unlock()
		return Result{}, fmt.Errorf("%s - %s gen %d: %w", logPrefix, t.name, gen, ErrAbandoned)
	}
	t.mu.Unlock()

	select {
	case <-s.done:
		return t.consume(s)
	case <-ctx.Done():
		if res, err, ok := t.abandon(s); ok {
			return res, err
		}
		return Result{}, fmt.Errorf("%s - %s gen %d: %w: %v", logPrefix, t.name, gen, ErrInterrupted, ctx.Err())
	case <-timeout:
		if res, err, ok := t.abandon(s); ok {
			return res, err
		}
		return Result{}, fmt.Errorf("%s - %s gen %d: %w", logPrefix, t.name, gen, ErrTimeout)
	}
}

func (t *Ticket) consume(s *slot) (Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.consumed {
		return Result{}, fmt.Errorf("%s - %s gen %d: %w", logPrefix, t.name, s.gen, ErrConsumed)
	}
	s.consumed = true
	delete(t.slots, s.gen)
	if s.err != nil {
		return Result{}, fmt.Errorf("%s - %s gen %d: %w", logPrefix, t.name, s.gen, s.err)
	}
	return s.res, nil
}

// abandon gives up on s. If the reply won the race it is returned instead (ok=true).
func (t *Ticket) abandon(s *slot) (Result, error, bool) {
	t.mu.Lock()
	if s.resolved && !s.consumed {
		t.mu.Unlock()
		res, err := t.consume(s)
		return res, err, true
	}
	s.abandoned = true
	t.mu.Unlock()
	return Result{}, nil, false
}

// Release abandons a generation nobody will await; its reply is discarded on arrival.
func (t *Ticket) Release(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[gen]
	if !ok {
		return
	}
	if s.resolved {
		delete(t.slots, gen)
		return
	}
	s.abandoned = true
}

// Outstanding returns the number of issued generations still waiting for a reply.
func (t *Ticket) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Retained returns the number of generations whose slot is still held, awaited or not.
func (t *Ticket) Retained() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// Close fails every outstanding generation with ErrClosed. Later issues fail immediately.
func (t *Ticket) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, s := range t.pending {
		s.err = ErrClosed
		s.resolved = true
		close(s.done)
		if s.abandoned {
			delete(t.slots, s.gen)
		}
	}
	t.pending = nil
}

func (t *Ticket) generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// Claim is the handle a sender keeps for the generation it issued.
// The zero Claim belongs to a command that expects no answer.
type Claim struct {
	t   *Ticket
	gen uint64
}

// Valid reports whether the claim refers to an issued generation.
func (c Claim) Valid() bool {
	return c.t != nil
}

// Generation returns the claimed generation.
func (c Claim) Generation() uint64 {
	return c.gen
}

// Await blocks until the claimed reply arrives. A zero claim resolves immediately as OK.
func (c Claim) Await(ctx context.Context) (Result, error) {
	if c.t == nil {
		return Result{Status: StatusOK}, nil
	}
	return c.t.Await(ctx, c.gen)
}

// AwaitTimeout is Await bounded by d.
func (c Claim) AwaitTimeout(ctx context.Context, d time.Duration) (Result, error) {
	if c.t == nil {
		return Result{Status: StatusOK}, nil
	}
	return c.t.AwaitTimeout(ctx, c.gen, d)
}

// Release discards the claimed reply when it arrives.
func (c Claim) Release() {
	if c.t != nil {
		c.t.Release(c.gen)
	}
}
