// Package tasks runs the controller's long-lived goroutines under one registry: each task is
// named, restarted after a backoff when it fails, and joined with a deadline on shutdown.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const logPrefix = "tasks:registry"

// DefaultBackoff is the first restart delay. It grows linearly with consecutive failures.
const DefaultBackoff = 200 * time.Millisecond

// MaxBackoff caps the restart delay.
const MaxBackoff = 5 * time.Second

var (
	ErrUnknownTask = errors.New("tasks: unknown task")
	ErrNotStarted  = errors.New("tasks: registry not started")
	ErrDuplicate   = errors.New("tasks: task already registered")
)

// Func is a task body. It must return once ctx is done. Returning nil ends the task for good.
type Func func(ctx context.Context) error

type task struct {
	name     string
	fn       Func
	alive    bool
	restarts int
	cancel   context.CancelFunc
	restart  bool
}

// Registry owns the task goroutines.
type Registry struct {
	Backoff time.Duration

	mu       sync.Mutex
	tasks    map[string]*task
	order    []string
	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	stopping bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{Backoff: DefaultBackoff, tasks: make(map[string]*task)}
}

// Register adds a task. Once the registry is started the task is launched at once.
func (r *Registry) Register(name string, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[name]; ok {
		return fmt.Errorf("%s - %s: %w", logPrefix, name, ErrDuplicate)
	}
	t := &task{name: name, fn: fn}
	r.tasks[name] = t
	r.order = append(r.order, name)
	if r.group != nil && !r.stopping {
		r.launch(t)
	}
	return nil
}

// Start launches every registered task under ctx.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.group != nil {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.group = &errgroup.Group{}
	for _, name := range r.order {
		r.launch(r.tasks[name])
	}
	slog.Info(fmt.Sprintf("%s - Started %d tasks", logPrefix, len(r.order)))
}

// launch must be called with r.mu held.
func (r *Registry) launch(t *task) {
	t.alive = true
	r.group.Go(func() error {
		r.supervise(t)
		return nil
	})
}

func (r *Registry) supervise(t *task) {
	defer func() {
		r.mu.Lock()
		t.alive = false
		r.mu.Unlock()
	}()

	for {
		r.mu.Lock()
		if r.stopping || r.ctx.Err() != nil {
			r.mu.Unlock()
			return
		}
		runCtx, cancel := context.WithCancel(r.ctx)
		t.cancel = cancel
		t.restart = false
		r.mu.Unlock()

		start := time.Now()
		err := run(runCtx, t)
		cancel()

		r.mu.Lock()
		stopping := r.stopping || r.ctx.Err() != nil
		restart := t.restart
		if !restart && err != nil && !stopping {
			t.restarts++
		}
		failures := t.restarts
		r.mu.Unlock()

		switch {
		case stopping:
			slog.Debug(fmt.Sprintf("%s - %s stopped after %s", logPrefix, t.name, time.Since(start)))
			return
		case restart:
			slog.Info(fmt.Sprintf("%s - Restarting %s on request", logPrefix, t.name))
			continue
		case err == nil:
			slog.Info(fmt.Sprintf("%s - %s finished", logPrefix, t.name))
			return
		}

		backoff := time.Duration(failures) * r.Backoff
		if backoff > MaxBackoff {
			backoff = MaxBackoff
		}
		slog.Error(fmt.Sprintf("%s - %s failed after %s, restart #%d in %s: %v", logPrefix, t.name, time.Since(start), failures, backoff, err))
		timer := time.NewTimer(backoff)
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// run calls the task body and turns a panic into an error.
func run(ctx context.Context, t *task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			if e, ok := p.(error); ok {
				err = fmt.Errorf("panic: %w", e)
			} else {
				err = fmt.Errorf("panic: %v", p)
			}
		}
	}()
	return t.fn(ctx)
}

// Restart cancels the current run of a task; it is started again without backoff.
func (r *Registry) Restart(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[name]
	if !ok {
		return fmt.Errorf("%s - %s: %w", logPrefix, name, ErrUnknownTask)
	}
	if r.group == nil {
		return ErrNotStarted
	}
	if !t.alive {
		r.launch(t)
		return nil
	}
	t.restart = true
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

// Alive lists the tasks currently running, sorted by name.
func (r *Registry) Alive() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for name, t := range r.tasks {
		if t.alive {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Restarts reports how many times a task was restarted after a failure.
func (r *Registry) Restarts(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[name]; ok {
		return t.restarts
	}
	return 0
}

// Stop cancels every task and waits up to timeout for them to return. It returns the tasks still
// alive when the timeout expired.
func (r *Registry) Stop(timeout time.Duration) []string {
	r.mu.Lock()
	if r.group == nil {
		r.mu.Unlock()
		return nil
	}
	r.stopping = true
	r.cancel()
	group := r.group
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		slog.Info(fmt.Sprintf("%s - All tasks stopped", logPrefix))
		return nil
	case <-timer.C:
	}
	alive := r.Alive()
	slog.Error(fmt.Sprintf("%s - %d tasks still alive after %s: %v", logPrefix, len(alive), timeout, alive))
	return alive
}
