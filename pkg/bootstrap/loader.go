// Package bootstrap loads the robot profile: vehicle geometry, initial pose, retry budgets,
// tolerances and the declared actions.
package bootstrap

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/senpai-robotics/controller/pkg/collision"
	"github.com/senpai-robotics/controller/pkg/obstacles"
	"github.com/senpai-robotics/controller/pkg/protocol"
	"github.com/senpai-robotics/controller/pkg/robot"
	"github.com/senpai-robotics/controller/pkg/semver"
	"github.com/senpai-robotics/controller/pkg/supervisor"
)

const logPrefix = "bootstrap:loader"

// EnvProfileFile names the environment variable holding the profile path.
const EnvProfileFile = "PROFILE_FILE"

// ErrInvalidProfile is returned by Validate.
var ErrInvalidProfile = errors.New("bootstrap: invalid profile")

// LoadProfile loads the robot profile from file paths or environment.
// It tries paths in order: first any paths passed in, then PROFILE_FILE env, then defaults.
// A file that cannot be parsed or validated is skipped with a warning. When nothing loads the
// default profile is returned.
func LoadProfile(paths ...string) (*Profile, string, error) {
	all := make([]string, 0, len(paths)+5)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv(EnvProfileFile); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/profile.yaml", "config/profile.json", "profile.yaml", "profile.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		loaded, err := ParseProfile(p, data)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse profile file %s: %v", logPrefix, p, err))
			continue
		}
		profile := MergeProfiles(DefaultProfile(), loaded)
		if err := Validate(profile); err != nil {
			slog.Warn(fmt.Sprintf("%s - Ignoring profile file %s: %v", logPrefix, p, err))
			continue
		}

		slog.Info(fmt.Sprintf("%s - Loaded profile %s@%s from %s", logPrefix, profile.Name, profile.Version, p))
		return profile, p, nil
	}

	slog.Info(fmt.Sprintf("%s - Using default profile", logPrefix))
	return DefaultProfile(), "", nil
}

// ParseProfile decodes data as YAML when path ends in .yaml or .yml and as JSON otherwise.
func ParseProfile(path string, data []byte) (*Profile, error) {
	var p Profile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%s - decoding yaml: %w", logPrefix, err)
		}
	default:
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%s - decoding json: %w", logPrefix, err)
		}
	}
	return &p, nil
}

// DefaultProfile returns the fallback profile.
func DefaultProfile() *Profile {
	budget := supervisor.DefaultBudget()
	return &Profile{
		Name:        "default-robot",
		Version:     "1.0.0",
		Description: "Default robot profile",
		Vehicle: obstacles.Vehicle{
			Front:         150,
			Back:          150,
			HalfWidth:     130,
			DeployedFront: 250,
			DeployedBack:  150,
		},
		InitialPose:   robot.Pose{},
		Lookahead:     collision.DefaultLookahead,
		StreamGraceMs: 200,
		PlannerStep:   100,
		Speed:         400,
		Budgets: BudgetProfile{
			Move:              budget.Move,
			Attempts:          budget.Attempts,
			Actuator:          supervisor.DefaultActuatorRetries,
			CleanupMs:         int(budget.Cleanup.Milliseconds()),
			MoveTimeoutMs:     30000,
			ActuatorTimeoutMs: 3000,
		},
		Tolerance: supervisor.DefaultTolerance(),
		Actions: []ActionProfile{
			{
				Name:        "stow",
				Version:     "1.0.0",
				Status:      semver.StatusActive,
				Description: "Bring every actuator home",
				Steps:       []StepProfile{{Command: "ACTUATOR_GO_HOME"}},
			},
		},
		Aliases: map[string]string{
			"home": "stow",
		},
	}
}

// MergeProfiles merges an override profile into a base profile. Scalar fields are taken from the
// override when set; actions replace base actions of the same name and version.
func MergeProfiles(base, override *Profile) *Profile {
	merged := *base

	if override.Name != "" {
		merged.Name = override.Name
	}
	if override.Version != "" {
		merged.Version = override.Version
	}
	if override.Description != "" {
		merged.Description = override.Description
	}
	if override.Vehicle != (obstacles.Vehicle{}) {
		merged.Vehicle = override.Vehicle
	}
	if override.InitialPose != (robot.Pose{}) {
		merged.InitialPose = override.InitialPose
	}
	if override.Lookahead > 0 {
		merged.Lookahead = override.Lookahead
	}
	if override.StreamGraceMs > 0 {
		merged.StreamGraceMs = override.StreamGraceMs
	}
	merged.WaitForJumper = merged.WaitForJumper || override.WaitForJumper
	if override.PlannerStep > 0 {
		merged.PlannerStep = override.PlannerStep
	}
	if override.Speed > 0 {
		merged.Speed = override.Speed
	}
	merged.Budgets = mergeBudgets(base.Budgets, override.Budgets)
	if override.Tolerance != (supervisor.Tolerance{}) {
		merged.Tolerance = override.Tolerance
	}

	// Merge actions
	merged.Actions = append([]ActionProfile(nil), base.Actions...)
	for _, a := range override.Actions {
		replaced := false
		for i := range merged.Actions {
			if merged.Actions[i].Name == a.Name && merged.Actions[i].Version == a.Version {
				merged.Actions[i] = a
				replaced = true
				break
			}
		}
		if !replaced {
			merged.Actions = append(merged.Actions, a)
		}
	}

	// Merge aliases
	merged.Aliases = make(map[string]string, len(base.Aliases)+len(override.Aliases))
	for alias, target := range base.Aliases {
		merged.Aliases[alias] = target
	}
	for alias, target := range override.Aliases {
		merged.Aliases[alias] = target
	}

	return &merged
}

func mergeBudgets(base, override BudgetProfile) BudgetProfile {
	if override.Move > 0 {
		base.Move = override.Move
	}
	if override.Attempts > 0 {
		base.Attempts = override.Attempts
	}
	if override.Actuator > 0 {
		base.Actuator = override.Actuator
	}
	if override.CleanupMs > 0 {
		base.CleanupMs = override.CleanupMs
	}
	if override.MoveTimeoutMs > 0 {
		base.MoveTimeoutMs = override.MoveTimeoutMs
	}
	if override.ActuatorTimeoutMs > 0 {
		base.ActuatorTimeoutMs = override.ActuatorTimeoutMs
	}
	return base
}

// Validate checks versions, names, step commands and aliases.
func Validate(p *Profile) error {
	var errs []error
	if _, err := semver.Validate(p.Version); err != nil {
		errs = append(errs, fmt.Errorf("profile version: %w", err))
	}
	if p.Lookahead <= 0 {
		errs = append(errs, fmt.Errorf("lookahead must be positive, got %d", p.Lookahead))
	}

	names := make(map[string]bool)
	for _, a := range p.Actions {
		if !semver.ValidateName(a.Name) {
			errs = append(errs, fmt.Errorf("action name %q", a.Name))
			continue
		}
		names[a.Name] = true
		if _, err := semver.NewRecord(a.Name, a.Version, a.Status); err != nil {
			errs = append(errs, fmt.Errorf("action %s: %w", a.Name, err))
		}
		switch a.Status {
		case "", semver.StatusActive, semver.StatusDeprecated, semver.StatusDisabled:
		default:
			errs = append(errs, fmt.Errorf("action %s@%s: unknown status %q", a.Name, a.Version, a.Status))
		}
		for i, st := range a.Steps {
			if _, err := st.decode(); err != nil {
				errs = append(errs, fmt.Errorf("action %s@%s step %d: %w", a.Name, a.Version, i+1, err))
			}
		}
	}
	for alias, target := range p.Aliases {
		ref, err := semver.ParseRef(target)
		if err != nil || !names[ref.Name] {
			errs = append(errs, fmt.Errorf("alias %s points to unknown action %q", alias, target))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s - %w: %w", logPrefix, ErrInvalidProfile, errors.Join(errs...))
	}
	return nil
}

func (s StepProfile) decode() (supervisor.Step, error) {
	cmd, ok := protocol.LookupName(s.Command)
	if !ok {
		return supervisor.Step{}, fmt.Errorf("unknown command %q", s.Command)
	}
	if !cmd.ExpectsAnswer {
		return supervisor.Step{}, fmt.Errorf("command %s has no reply", cmd.Name)
	}
	if s.Arg != nil {
		return supervisor.Step{Command: cmd.ID, Payload: protocol.Int32Payload(*s.Arg)}, nil
	}
	payload, err := hex.DecodeString(s.Payload)
	if err != nil {
		return supervisor.Step{}, fmt.Errorf("payload: %w", err)
	}
	return supervisor.Step{Command: cmd.ID, Payload: payload}, nil
}
