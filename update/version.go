package update

import (
	"github.com/Masterminds/semver/v3"
	"github.com/go-errors/errors"
)

// CompareVersions compares two appliance versions and returns -1, 0 or 1.
// Versions are parsed leniently: "1.2" equals "1.2.0" and a leading "v" is
// accepted.
func CompareVersions(a, b string) (int, error) {
	va, err := semver.NewVersion(a)
	if err != nil {
		return 0, errors.Errorf("invalid version %q: %v", a, err)
	}

	vb, err := semver.NewVersion(b)
	if err != nil {
		return 0, errors.Errorf("invalid version %q: %v", b, err)
	}

	return va.Compare(vb), nil
}

// IsNewer reports whether candidate is strictly newer than current. An
// unparsable candidate is never newer; an unparsable or empty current
// version is older than any valid candidate.
func IsNewer(candidate, current string) bool {
	vc, err := semver.NewVersion(candidate)
	if err != nil {
		return false
	}

	vi, err := semver.NewVersion(current)
	if err != nil {
		return true
	}

	return vc.GreaterThan(vi)
}
