// Package kernelinfo describes the running kernel and the perf_event defects
// that apply to it.
package kernelinfo

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a kernel release version, e.g. 2.6.33.
type Version struct {
	Major int
	Minor int
	Patch int
}

// Less returns true if v is older than cmp
func (v Version) Less(cmp Version) bool {
	if v.Major != cmp.Major {
		return v.Major < cmp.Major
	}
	if v.Minor != cmp.Minor {
		return v.Minor < cmp.Minor
	}
	return v.Patch < cmp.Patch
}

// AtLeast returns true if v is cmp or newer
func (v Version) AtLeast(cmp Version) bool {
	return !v.Less(cmp)
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// ParseVersion parses a kernel release string as reported by uname -r.
// Anything after the first '-' is discarded, as are non-numeric suffixes
// on the last component (e.g. "4.19.0+").
func ParseVersion(release string) (Version, error) {
	var v Version

	base := strings.SplitN(strings.TrimSpace(release), "-", 2)[0]
	parts := strings.Split(base, ".")
	if len(parts) == 0 || parts[0] == "" {
		return v, fmt.Errorf("empty kernel release %q", release)
	}

	fields := []*int{&v.Major, &v.Minor, &v.Patch}
	for i, part := range parts {
		if i >= len(fields) {
			break
		}
		n, err := strconv.Atoi(leadingDigits(part))
		if err != nil {
			return Version{}, fmt.Errorf("parsing kernel release %q component %q: %w", release, part, err)
		}
		*fields[i] = n
	}

	return v, nil
}

func leadingDigits(s string) string {
	for i, c := range s {
		if c < '0' || c > '9' {
			return s[:i]
		}
	}
	return s
}
