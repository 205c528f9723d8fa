package semver

import (
	"errors"
	"fmt"
	"sort"

	masterminds "github.com/Masterminds/semver/v3"
)

const resolverLogPrefix = "semver:resolver"

// Version statuses.
const (
	StatusActive     = "active"
	StatusDeprecated = "deprecated"
	StatusDisabled   = "disabled"
)

// ErrIncompatible is returned when a requested range does not accept the API version.
var ErrIncompatible = errors.New("semver: incompatible version")

// Record is one declared version of an action.
type Record struct {
	Name    string
	Version *masterminds.Version
	// Status is "active", "deprecated" or "disabled". Empty means active.
	Status string
}

// NewRecord parses version and builds a record.
func NewRecord(name, version, status string) (Record, error) {
	v, err := Validate(version)
	if err != nil {
		return Record{}, err
	}
	if status == "" {
		status = StatusActive
	}
	return Record{Name: name, Version: v, Status: status}, nil
}

func (r Record) String() string {
	return r.Name + "@" + r.Version.String()
}

// Validate parses a strict semantic version.
func Validate(version string) (*masterminds.Version, error) {
	v, err := masterminds.StrictNewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid version %q: %w", resolverLogPrefix, version, err)
	}
	return v, nil
}

// ResolveParams holds parameters for Resolve.
type ResolveParams struct {
	Records []Record
	// Range is a SemVer range, a major-only or exact version, or empty for the latest.
	Range             string
	IncludeDeprecated bool
}

// Resolve picks the best record for the range: the highest matching version, stable releases
// before prereleases, active before deprecated. Disabled records never match.
func Resolve(params ResolveParams) *Record {
	var matching []Record
	for _, r := range params.Records {
		if r.Status == StatusDisabled || r.Version == nil {
			continue
		}
		if params.Range != "" && !SatisfiesRange(r.Version.String(), params.Range) {
			continue
		}
		matching = append(matching, r)
	}
	if len(matching) == 0 {
		return nil
	}

	sort.SliceStable(matching, func(i, j int) bool {
		a, b := matching[i].Version, matching[j].Version
		if (a.Prerelease() == "") != (b.Prerelease() == "") {
			return a.Prerelease() == ""
		}
		return a.GreaterThan(b)
	})

	if !params.IncludeDeprecated {
		for i := range matching {
			if matching[i].Status != StatusDeprecated {
				return &matching[i]
			}
		}
	}
	return &matching[0]
}

// GetUniqueMajors returns all unique major versions sorted descending.
func GetUniqueMajors(records []Record) []int {
	seen := make(map[int]bool)
	var majors []int
	for _, r := range records {
		m := int(r.Version.Major())
		if !seen[m] {
			seen[m] = true
			majors = append(majors, m)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(majors)))
	return majors
}

// SatisfiesRange checks if a version string satisfies a range.
func SatisfiesRange(version, rangeStr string) bool {
	sv, err := masterminds.NewVersion(version)
	if err != nil {
		return false
	}
	if IsMajorOnly(rangeStr) {
		return int(sv.Major()) == ExtractMajorFromRange(rangeStr)
	}
	if IsExactVersion(rangeStr) {
		want, err := masterminds.NewVersion(rangeStr)
		return err == nil && sv.Equal(want)
	}

	constraint, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		return false
	}
	return constraint.Check(sv)
}

// CheckCompatible returns ErrIncompatible when a caller's requested range does not accept the
// running API version. An empty range accepts any version.
func CheckCompatible(apiVersion, requested string) error {
	if requested == "" {
		return nil
	}
	if !SatisfiesRange(apiVersion, requested) {
		return fmt.Errorf("%s - API %s does not satisfy %q: %w", resolverLogPrefix, apiVersion, requested, ErrIncompatible)
	}
	return nil
}
