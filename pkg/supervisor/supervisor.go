// Package supervisor drives goal-seeking actions under bounded retry budgets:
// CHECK_FEASIBLE, MOVE_TO_GOAL, VERIFY_POSE, EXECUTE_ACTION. Every exit path runs the action's cleanup.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/senpai-robotics/controller/pkg/events"
	"github.com/senpai-robotics/controller/pkg/robot"
)

const logPrefix = "supervisor:supervisor"

// Tolerance bounds the pose error accepted at the entry point. Angle is in degrees, the rest in mm.
// A zero field disables its check.
type Tolerance struct {
	Angle    float64 `json:"angle" yaml:"angle"`
	Position float64 `json:"position" yaml:"position"`
	X        float64 `json:"x" yaml:"x"`
	Y        float64 `json:"y" yaml:"y"`
}

// DefaultTolerance is 5 degrees and 20 mm.
func DefaultTolerance() Tolerance {
	return Tolerance{Angle: 5, Position: 20, X: 20, Y: 20}
}

// Check returns a *ToleranceError when reached is too far from goal.
func (t Tolerance) Check(goal, reached robot.Pose) error {
	angle := math.Abs(math.Remainder(reached.Orientation-goal.Orientation, 2*math.Pi)) * 180 / math.Pi
	checks := []struct {
		axis  string
		err   float64
		limit float64
	}{
		{"angle", angle, t.Angle},
		{"position", goal.Distance(reached), t.Position},
		{"x", math.Abs(reached.X - goal.X), t.X},
		{"y", math.Abs(reached.Y - goal.Y), t.Y},
	}
	for _, c := range checks {
		if c.limit > 0 && c.err > c.limit {
			return &ToleranceError{Axis: c.axis, Deviation: c.err, Limit: c.limit}
		}
	}
	return nil
}

// Action is one scripted action: reach an entry pose, then act there.
type Action interface {
	Name() string
	// Feasible returns an error when the action cannot be attempted in the current state.
	Feasible(s robot.Status) error
	EntryPose(s robot.Status) (robot.Pose, error)
	Tolerance() Tolerance
	Execute(ctx context.Context) error
	// Cleanup is best effort and runs on every exit path.
	Cleanup(ctx context.Context) error
}

// Navigator moves the robot to a goal pose.
type Navigator interface {
	GoTo(ctx context.Context, goal robot.Pose) error
}

// Budget holds the retry budgets.
type Budget struct {
	// Move is R1: attempts at reaching the entry pose within one run.
	Move int `json:"move" yaml:"move"`
	// Attempts is R2: whole runs from the feasibility check.
	Attempts int `json:"attempts" yaml:"attempts"`
	// Cleanup bounds the cleanup step, which still runs after cancellation.
	Cleanup time.Duration `json:"cleanup" yaml:"cleanup"`
}

// DefaultBudget is R1 = 3, R2 = 2.
func DefaultBudget() Budget {
	return Budget{Move: 3, Attempts: 2, Cleanup: 2 * time.Second}
}

// Options configures a Supervisor.
type Options struct {
	Robot     string
	Publisher events.EventPublisher
	Incidents events.IncidentSink
}

// Supervisor runs actions one at a time.
type Supervisor struct {
	nav    Navigator
	robot  *robot.Robot
	budget Budget
	opts   Options
}

// New creates a supervisor. Non-positive budgets fall back to DefaultBudget.
func New(nav Navigator, r *robot.Robot, budget Budget, opts Options) *Supervisor {
	def := DefaultBudget()
	if budget.Move <= 0 {
		budget.Move = def.Move
	}
	if budget.Attempts <= 0 {
		budget.Attempts = def.Attempts
	}
	if budget.Cleanup <= 0 {
		budget.Cleanup = def.Cleanup
	}
	if opts.Publisher == nil {
		opts.Publisher = &events.NoOpPublisher{}
	}
	if opts.Incidents == nil {
		opts.Incidents = &events.NoOpPublisher{}
	}
	return &Supervisor{nav: nav, robot: r, budget: budget, opts: opts}
}

// Run executes a. It returns nil on success or a *Failure.
func (s *Supervisor) Run(ctx context.Context, a Action) (err error) {
	start := time.Now()
	counts := make(map[Kind]int)
	attempt := 0

	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.budget.Cleanup)
		defer cancel()
		if cerr := a.Cleanup(cctx); cerr != nil {
			slog.Warn(fmt.Sprintf("%s - %s cleanup failed: %v", logPrefix, a.Name(), cerr))
		}
		s.report(ctx, a, attempt, counts, time.Since(start), err)
	}()

	fail := func(kind Kind, cause error) error {
		return &Failure{Kind: kind, Action: a.Name(), Attempt: attempt, Counts: counts, Err: cause}
	}

	var lastKind Kind
	var lastErr error
	for attempt = 1; attempt <= s.budget.Attempts; attempt++ {
		if ctx.Err() != nil {
			return fail(KindInterrupted, ctx.Err())
		}
		status := s.robot.Snapshot()
		if ferr := a.Feasible(status); ferr != nil {
			counts[KindInfeasible]++
			return fail(KindInfeasible, ferr)
		}
		goal, gerr := a.EntryPose(status)
		if gerr != nil {
			counts[KindInfeasible]++
			return fail(KindInfeasible, gerr)
		}

		kind, merr := s.moveToGoal(ctx, a, goal, counts)
		switch {
		case merr == nil:
		case kind == KindInterrupted:
			return fail(kind, merr)
		case kind == KindPathUnavailable:
			// surfaced at once; the caller picks another action
			return fail(kind, merr)
		default:
			lastKind, lastErr = kind, merr
			slog.Warn(fmt.Sprintf("%s - %s attempt %d/%d could not reach %s: %v", logPrefix, a.Name(), attempt, s.budget.Attempts, goal, merr))
			continue
		}

		if xerr := a.Execute(ctx); xerr != nil {
			if ctx.Err() != nil {
				return fail(KindInterrupted, xerr)
			}
			counts[KindActionFailure]++
			lastKind, lastErr = KindActionFailure, xerr
			slog.Warn(fmt.Sprintf("%s - %s attempt %d/%d failed: %v", logPrefix, a.Name(), attempt, s.budget.Attempts, xerr))
			continue
		}
		slog.Info(fmt.Sprintf("%s - %s done on attempt %d in %s", logPrefix, a.Name(), attempt, time.Since(start)))
		return nil
	}
	attempt = s.budget.Attempts
	return fail(lastKind, lastErr)
}

// moveToGoal spends the R1 budget reaching goal within tolerance.
func (s *Supervisor) moveToGoal(ctx context.Context, a Action, goal robot.Pose, counts map[Kind]int) (Kind, error) {
	tol := a.Tolerance()
	var kind Kind
	var err error
	for try := 1; try <= s.budget.Move; try++ {
		err = s.nav.GoTo(ctx, goal)
		if ctx.Err() != nil {
			return KindInterrupted, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
		}
		switch {
		case err == nil:
			if err = tol.Check(goal, s.robot.Pose()); err == nil {
				return "", nil
			}
			kind = KindToleranceExceeded
		case errors.Is(err, ErrPathUnavailable):
			kind = KindPathUnavailable
		default:
			kind = KindMotionFault
		}
		counts[kind]++
		slog.Debug(fmt.Sprintf("%s - %s move %d/%d: %s: %v", logPrefix, a.Name(), try, s.budget.Move, kind, err))
	}
	return kind, err
}

func (s *Supervisor) report(ctx context.Context, a Action, attempt int, counts map[Kind]int, elapsed time.Duration, err error) {
	ctx = context.WithoutCancel(ctx)
	ev := &events.ActionEvent{
		Robot:     s.opts.Robot,
		Action:    a.Name(),
		Ok:        err == nil,
		Attempts:  attempt,
		Elapsed:   elapsed.Milliseconds(),
		Timestamp: events.Timestamp(time.Now()),
	}
	if len(counts) > 0 {
		ev.Counts = make(map[string]int, len(counts))
		for k, n := range counts {
			ev.Counts[string(k)] = n
		}
	}
	var f *Failure
	if errors.As(err, &f) {
		ev.Kind = string(f.Kind)
		ev.Error = err.Error()
		if f.Kind != KindInterrupted {
			_ = s.opts.Incidents.Record(ctx, events.NewIncident(events.KindActionFailure, a.Name(), nil, elapsed, err.Error()))
		}
	}
	if perr := s.opts.Publisher.PublishAction(ctx, ev); perr != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish action outcome: %v", logPrefix, perr))
	}
}
