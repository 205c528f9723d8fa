// Package semver parses versioned action references and resolves them against the versions a
// robot profile declares. It also checks control API compatibility.
package semver

import (
	"fmt"
	"regexp"
	"strings"
)

const logPrefix = "semver:parser"

// Ref is a parsed action reference such as "grab@^2.1.0".
type Ref struct {
	// Name of the action (e.g., "grab.cube")
	Name string
	// Range if specified (e.g., "^2.1.0", "2", ""); empty means the default version
	Range string
	// Raw input string
	Raw string
}

func (r *Ref) String() string {
	if r.Range == "" {
		return r.Name
	}
	return r.Name + "@" + r.Range
}

var (
	nameRegex         = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*$`)
	majorOnlyRegex    = regexp.MustCompile(`^\d+$`)
	exactVersionRegex = regexp.MustCompile(`^\d+\.\d+\.\d+(-[\w.]+)?(\+[\w.]+)?$`)
)

// ParseRef parses an action reference.
//
// Supported formats:
//   - grab.cube           (default version)
//   - grab.cube@2         (major only)
//   - grab.cube@2.1.0     (exact version)
//   - grab.cube@^2.1.0    (caret range)
//   - grab.cube@>=2.0.0   (comparison range)
func ParseRef(input string) (*Ref, error) {
	raw := strings.TrimSpace(input)
	name, rangeStr, _ := strings.Cut(raw, "@")

	if !ValidateName(name) {
		return nil, fmt.Errorf("%s - invalid action name: %q", logPrefix, raw)
	}
	if strings.Contains(raw, "@") && rangeStr == "" {
		return nil, fmt.Errorf("%s - empty version range: %q", logPrefix, raw)
	}
	return &Ref{Name: name, Range: rangeStr, Raw: raw}, nil
}

// IsMajorOnly checks if a range is a major-only specifier (e.g., "3").
func IsMajorOnly(rangeStr string) bool {
	return majorOnlyRegex.MatchString(rangeStr)
}

// IsExactVersion checks if a range is an exact version (e.g., "3.2.1").
func IsExactVersion(rangeStr string) bool {
	return exactVersionRegex.MatchString(rangeStr)
}

// ExtractMajorFromRange extracts the major version if the range is major-only.
// Returns -1 if not a major-only range.
func ExtractMajorFromRange(rangeStr string) int {
	if !IsMajorOnly(rangeStr) {
		return -1
	}
	var major int
	fmt.Sscanf(rangeStr, "%d", &major)
	return major
}

// ValidateName validates an action name (letters, digits, dots, hyphens, underscores).
func ValidateName(name string) bool {
	return nameRegex.MatchString(name)
}
