package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/senpai-robotics/controller/pkg/protocol"
	"github.com/senpai-robotics/controller/pkg/robot"
)

type goalAction struct {
	goal robot.Pose
	tol  Tolerance
}

// GoalAction only reaches goal: nothing to execute, nothing to clean up.
func GoalAction(goal robot.Pose, tol Tolerance) Action {
	return &goalAction{goal: goal, tol: tol}
}

func (g *goalAction) Name() string { return "goTo" + g.goal.String() }
func (g *goalAction) Feasible(robot.Status) error { return nil }
func (g *goalAction) EntryPose(robot.Status) (robot.Pose, error) { return g.goal, nil }
func (g *goalAction) Tolerance() Tolerance { return g.tol }
func (g *goalAction) Execute(context.Context) error { return nil }
func (g *goalAction) Cleanup(context.Context) error { return nil }

// Step is one actuator command of a scripted action.
type Step struct {
	Command protocol.ID
	Payload []byte
}

// ScriptedAction reaches an entry pose and runs a sequence of actuator commands there. Cleanup
// stows the actuators when they are deployed. A Once action becomes infeasible after it succeeds.
type ScriptedAction struct {
	ActionName string
	Entry      robot.Pose
	Tol        Tolerance
	Steps      []Step
	Once       bool

	runner   *ActuatorRunner
	robot    *robot.Robot
	mu       sync.Mutex
	done     bool
	requires func(robot.Status) error
}

// NewScriptedAction binds an action to the actuator runner.
func NewScriptedAction(name string, entry robot.Pose, tol Tolerance, steps []Step, once bool, runner *ActuatorRunner, r *robot.Robot) *ScriptedAction {
	return &ScriptedAction{ActionName: name, Entry: entry, Tol: tol, Steps: steps, Once: once, runner: runner, robot: r}
}

// Require adds a feasibility precondition.
func (a *ScriptedAction) Require(fn func(robot.Status) error) *ScriptedAction {
	a.requires = fn
	return a
}

// Name implements Action.
func (a *ScriptedAction) Name() string { return a.ActionName }

// Feasible implements Action.
func (a *ScriptedAction) Feasible(s robot.Status) error {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()
	if a.Once && done {
		return fmt.Errorf("%s already done: %w", a.ActionName, ErrInfeasible)
	}
	if a.requires != nil {
		if err := a.requires(s); err != nil {
			return fmt.Errorf("%s: %w: %w", a.ActionName, ErrInfeasible, err)
		}
	}
	return nil
}

// EntryPose implements Action.
func (a *ScriptedAction) EntryPose(robot.Status) (robot.Pose, error) { return a.Entry, nil }

// Tolerance implements Action.
func (a *ScriptedAction) Tolerance() Tolerance { return a.Tol }

// Execute runs every step in order and stops at the first failure.
func (a *ScriptedAction) Execute(ctx context.Context) error {
	for i, st := range a.Steps {
		if _, err := a.runner.Execute(ctx, st.Command, st.Payload); err != nil {
			return fmt.Errorf("%s step %d: %w", a.ActionName, i+1, err)
		}
	}
	a.mu.Lock()
	a.done = true
	a.mu.Unlock()
	return nil
}

// Cleanup stows deployed actuators.
func (a *ScriptedAction) Cleanup(ctx context.Context) error {
	if !a.robot.Deployed() {
		return nil
	}
	_, err := a.runner.Execute(ctx, protocol.ActuatorGoHome, nil)
	return err
}
