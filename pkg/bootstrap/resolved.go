package bootstrap

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/senpai-robotics/controller/pkg/robot"
	"github.com/senpai-robotics/controller/pkg/semver"
	"github.com/senpai-robotics/controller/pkg/supervisor"
)

const resolvedLogPrefix = "bootstrap:resolved"

// ErrUnknownAction is returned when no declared version matches a ref.
var ErrUnknownAction = errors.New("bootstrap: unknown action")

// ResolvedProfile provides fast lookup of declared actions by versioned ref.
type ResolvedProfile struct {
	profile *Profile
	records map[string][]semver.Record
	actions map[string]*ActionProfile
	aliases map[string]string

	mu    sync.Mutex
	built map[string]*supervisor.ScriptedAction
}

// NewResolvedProfile indexes p. p must have passed Validate.
func NewResolvedProfile(p *Profile) *ResolvedProfile {
	rp := &ResolvedProfile{
		profile: p,
		records: make(map[string][]semver.Record),
		actions: make(map[string]*ActionProfile),
		aliases: make(map[string]string, len(p.Aliases)),
		built:   make(map[string]*supervisor.ScriptedAction),
	}
	for i := range p.Actions {
		a := &p.Actions[i]
		rec, err := semver.NewRecord(a.Name, a.Version, a.Status)
		if err != nil {
			continue
		}
		rp.records[a.Name] = append(rp.records[a.Name], rec)
		rp.actions[rec.String()] = a
	}
	for alias, target := range p.Aliases {
		rp.aliases[alias] = target
	}
	return rp
}

// Profile returns the underlying profile.
func (rp *ResolvedProfile) Profile() *Profile {
	return rp.profile
}

// ResolveAlias resolves an alias to the full action ref.
func (rp *ResolvedProfile) ResolveAlias(alias string) string {
	if resolved, ok := rp.aliases[alias]; ok {
		return resolved
	}
	return alias
}

// Resolve returns the declared action matching ref, such as "grab.cube@^2" or an alias.
func (rp *ResolvedProfile) Resolve(ref string) (*ActionProfile, semver.Record, error) {
	parsed, err := semver.ParseRef(ref)
	if err != nil {
		if target := rp.ResolveAlias(ref); target != ref {
			parsed, err = semver.ParseRef(target)
		}
	} else if parsed.Range == "" {
		if target := rp.ResolveAlias(parsed.Name); target != parsed.Name {
			parsed, err = semver.ParseRef(target)
		}
	}
	if err != nil {
		return nil, semver.Record{}, err
	}

	rec := semver.Resolve(semver.ResolveParams{
		Records: rp.records[parsed.Name],
		Range:   parsed.Range,
	})
	if rec == nil {
		return nil, semver.Record{}, fmt.Errorf("%s - %s: %w", resolvedLogPrefix, parsed, ErrUnknownAction)
	}
	return rp.actions[rec.String()], *rec, nil
}

// List returns the action names with their declared versions, highest first.
func (rp *ResolvedProfile) List() map[string][]string {
	out := make(map[string][]string, len(rp.records))
	for name, records := range rp.records {
		versions := make([]string, 0, len(records))
		for _, r := range sortedDesc(records) {
			versions = append(versions, r.Version.String())
		}
		out[name] = versions
	}
	return out
}

func sortedDesc(records []semver.Record) []semver.Record {
	out := append([]semver.Record(nil), records...)
	sort.Slice(out, func(i, j int) bool { return out[i].Version.GreaterThan(out[j].Version) })
	return out
}

// Action resolves ref and returns its runnable action. The same declared version always yields
// the same instance, so a Once action stays done across requests.
func (rp *ResolvedProfile) Action(ref string, runner *supervisor.ActuatorRunner, r *robot.Robot) (*supervisor.ScriptedAction, error) {
	decl, rec, err := rp.Resolve(ref)
	if err != nil {
		return nil, err
	}

	rp.mu.Lock()
	defer rp.mu.Unlock()
	if a, ok := rp.built[rec.String()]; ok {
		return a, nil
	}

	steps := make([]supervisor.Step, 0, len(decl.Steps))
	for i, st := range decl.Steps {
		step, err := st.decode()
		if err != nil {
			return nil, fmt.Errorf("%s - %s step %d: %w", resolvedLogPrefix, rec, i+1, err)
		}
		steps = append(steps, step)
	}
	tol := rp.profile.Tolerance
	if decl.Tolerance != nil {
		tol = *decl.Tolerance
	}

	a := supervisor.NewScriptedAction(rec.String(), decl.Entry, tol, steps, decl.Once, runner, r)
	if decl.RequiresMatch {
		a.Require(func(s robot.Status) error {
			if !s.MatchStarted {
				return errors.New("match not started")
			}
			return nil
		})
	}
	rp.built[rec.String()] = a
	return a, nil
}

// Budget converts the profile budgets for the supervisor.
func (rp *ResolvedProfile) Budget() supervisor.Budget {
	b := rp.profile.Budgets
	return supervisor.Budget{
		Move:     b.Move,
		Attempts: b.Attempts,
		Cleanup:  time.Duration(b.CleanupMs) * time.Millisecond,
	}
}

// StreamGrace returns how long late stream samples are still accepted.
func (rp *ResolvedProfile) StreamGrace() time.Duration {
	return time.Duration(rp.profile.StreamGraceMs) * time.Millisecond
}
