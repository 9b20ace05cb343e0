// Package semver checks the IPC version reported by the host against the
// range the bridge was built for.
package semver

import (
	"errors"
	"fmt"
	"strings"

	masterminds "github.com/Masterminds/semver/v3"
)

const logPrefix = "semver:compat"

// ErrMissingVersion is returned when a constraint is set but the host reported no version.
var ErrMissingVersion = errors.New("semver: host did not report a version")

// IncompatibleError describes a host version outside the configured range.
type IncompatibleError struct {
	Version    string
	Constraint string
	Reasons    []string
}

func (e *IncompatibleError) Error() string {
	return fmt.Sprintf("host version %s does not satisfy %s: %s", e.Version, e.Constraint, strings.Join(e.Reasons, "; "))
}

// CheckCompatible reports whether version satisfies constraint. An empty
// constraint accepts every version, including none.
func CheckCompatible(version, constraint string) error {
	if constraint == "" {
		return nil
	}
	c, err := masterminds.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("%s - invalid constraint %q: %w", logPrefix, constraint, err)
	}
	if version == "" {
		return ErrMissingVersion
	}
	v, err := masterminds.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%s - invalid host version %q: %w", logPrefix, version, err)
	}
	if ok, errs := c.Validate(v); !ok {
		reasons := make([]string, len(errs))
		for i, e := range errs {
			reasons[i] = e.Error()
		}
		return &IncompatibleError{Version: version, Constraint: constraint, Reasons: reasons}
	}
	return nil
}

// ToVersionString converts version components to a version string.
func ToVersionString(major, minor, patch int, prerelease string) string {
	base := fmt.Sprintf("%d.%d.%d", major, minor, patch)
	if prerelease != "" {
		return base + "-" + prerelease
	}
	return base
}
