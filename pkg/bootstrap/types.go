package bootstrap

import (
	"github.com/senpai-robotics/controller/pkg/obstacles"
	"github.com/senpai-robotics/controller/pkg/robot"
	"github.com/senpai-robotics/controller/pkg/supervisor"
)

// StepProfile is one actuator command of a declared action.
type StepProfile struct {
	// Command is the wire name from the command catalogue (e.g., "ACT_GET_POSITION").
	Command string `json:"command" yaml:"command"`
	// Payload is hex encoded. Ignored when Arg is set.
	Payload string `json:"payload,omitempty" yaml:"payload,omitempty"`
	// Arg encodes a single int32 argument.
	Arg *int32 `json:"arg,omitempty" yaml:"arg,omitempty"`
}

// ActionProfile declares one version of an action.
type ActionProfile struct {
	Name        string                `json:"name" yaml:"name"`
	Version     string                `json:"version" yaml:"version"`
	Status      string                `json:"status,omitempty" yaml:"status,omitempty"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
	Entry       robot.Pose            `json:"entry" yaml:"entry"`
	Tolerance   *supervisor.Tolerance `json:"tolerance,omitempty" yaml:"tolerance,omitempty"`
	Once        bool                  `json:"once,omitempty" yaml:"once,omitempty"`
	// RequiresMatch makes the action infeasible until the jumper is pulled.
	RequiresMatch bool          `json:"requiresMatch,omitempty" yaml:"requiresMatch,omitempty"`
	Steps         []StepProfile `json:"steps" yaml:"steps"`
}

// BudgetProfile holds the retry budgets and their timeouts.
type BudgetProfile struct {
	Move              int `json:"move" yaml:"move"`
	Attempts          int `json:"attempts" yaml:"attempts"`
	Actuator          int `json:"actuator" yaml:"actuator"`
	CleanupMs         int `json:"cleanupMs" yaml:"cleanupMs"`
	MoveTimeoutMs     int `json:"moveTimeoutMs" yaml:"moveTimeoutMs"`
	ActuatorTimeoutMs int `json:"actuatorTimeoutMs" yaml:"actuatorTimeoutMs"`
}

// Profile is the root robot profile.
type Profile struct {
	Name        string               `json:"name" yaml:"name"`
	Version     string               `json:"version" yaml:"version"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	Vehicle     obstacles.Vehicle    `json:"vehicle" yaml:"vehicle"`
	InitialPose robot.Pose           `json:"initialPose" yaml:"initialPose"`
	Lookahead   int                  `json:"lookahead" yaml:"lookahead"`
	// StreamGraceMs is how long stream samples are still accepted after unsubscribing.
	StreamGraceMs int                  `json:"streamGraceMs" yaml:"streamGraceMs"`
	WaitForJumper bool                 `json:"waitForJumper" yaml:"waitForJumper"`
	PlannerStep   float64              `json:"plannerStep" yaml:"plannerStep"`
	Speed         float32              `json:"speed" yaml:"speed"`
	Budgets       BudgetProfile        `json:"budgets" yaml:"budgets"`
	Tolerance     supervisor.Tolerance `json:"tolerance" yaml:"tolerance"`
	Actions       []ActionProfile      `json:"actions,omitempty" yaml:"actions,omitempty"`
	// Aliases maps short names to action refs (e.g., "grab" -> "grab.cube@^2").
	Aliases map[string]string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
}
