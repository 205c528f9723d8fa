// Package buffer provides the bounded hand-off queue between a fast producer (the link reader
// or the telemetry stream) and a slower consumer, with depth monitoring.
package buffer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

const logPrefix = "buffer:incoming"

// Default depth thresholds.
const (
	DefaultCapacity      = 200
	DefaultWarnDepth     = 5
	DefaultCriticalDepth = 20
)

// Options configures an Incoming buffer. Zero values use the defaults.
type Options struct {
	Capacity      int
	WarnDepth     int
	CriticalDepth int
	// OnCritical is called once each time the depth first crosses the critical depth.
	OnCritical func(depth int)
}

// Incoming is a bounded FIFO. Its depth is a backpressure signal: crossing the warn depth logs a
// warning, crossing the critical depth logs an error, and draining back to empty after either logs
// a recovery. A full buffer blocks the producer rather than dropping.
type Incoming[T any] struct {
	name     string
	ch       chan T
	warn     int
	critical int
	onCrit   func(depth int)

	mu       sync.Mutex
	degraded bool
	inCrisis bool
	maxDepth int
}

// NewIncoming creates a named buffer.
func NewIncoming[T any](name string, opts Options) *Incoming[T] {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.WarnDepth <= 0 {
		opts.WarnDepth = DefaultWarnDepth
	}
	if opts.CriticalDepth <= 0 {
		opts.CriticalDepth = DefaultCriticalDepth
	}
	return &Incoming[T]{
		name:     name,
		ch:       make(chan T, opts.Capacity),
		warn:     opts.WarnDepth,
		critical: opts.CriticalDepth,
		onCrit:   opts.OnCritical,
	}
}

// Put appends elem, blocking while the buffer is full.
func (b *Incoming[T]) Put(ctx context.Context, elem T) error {
	select {
	case b.ch <- elem:
	default:
		slog.Error(fmt.Sprintf("%s - %s full (%d), producer blocked", logPrefix, b.name, cap(b.ch)))
		select {
		case b.ch <- elem:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.observe(len(b.ch))
	return nil
}

// Take removes the oldest element, blocking while the buffer is empty.
func (b *Incoming[T]) Take(ctx context.Context) (T, error) {
	select {
	case elem := <-b.ch:
		b.observe(len(b.ch))
		return elem, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// C exposes the receive side for select loops. Callers must call Observe after receiving.
func (b *Incoming[T]) C() <-chan T {
	return b.ch
}

// Observe records the current depth after an external receive on C.
func (b *Incoming[T]) Observe() {
	b.observe(len(b.ch))
}

// Len returns the current depth.
func (b *Incoming[T]) Len() int {
	return len(b.ch)
}

// MaxDepth returns the deepest level observed.
func (b *Incoming[T]) MaxDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxDepth
}

func (b *Incoming[T]) observe(depth int) {
	b.mu.Lock()
	if depth > b.maxDepth {
		b.maxDepth = depth
	}
	var crossed bool
	switch {
	case depth > b.critical:
		b.degraded = true
		crossed = !b.inCrisis
		b.inCrisis = true
		slog.Error(fmt.Sprintf("%s - %s critically deep: %d", logPrefix, b.name, depth))
	case depth > b.warn:
		b.degraded = true
		slog.Warn(fmt.Sprintf("%s - %s getting deep: %d", logPrefix, b.name, depth))
	case depth == 0 && b.degraded:
		b.degraded = false
		b.inCrisis = false
		slog.Info(fmt.Sprintf("%s - %s recovered", logPrefix, b.name))
	}
	b.mu.Unlock()

	if crossed && b.onCrit != nil {
		b.onCrit(depth)
	}
}
