package migration

import (
	"fmt"
	"sort"
	"strings"
)

// ParseVersion checks that version is a non-empty string of ASCII digits.
func ParseVersion(version string) error {
	if version == "" {
		return fmt.Errorf("%w: version is empty", ErrInvalidVersion)
	}
	for _, r := range version {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: version '%s' is not numeric", ErrInvalidVersion, version)
		}
	}
	return nil
}

// CompareVersions orders two numeric versions by value, so "0002" and "2" are equal.
// Versions are compared as arbitrary-size integers.
func CompareVersions(a, b string) int {
	na := strings.TrimLeft(a, "0")
	nb := strings.TrimLeft(b, "0")
	if len(na) != len(nb) {
		if len(na) < len(nb) {
			return -1
		}
		return 1
	}
	return strings.Compare(na, nb)
}

// Validate checks that migrations carry valid, unique versions in ascending order.
func Validate(migrations []Migration) error {
	for i, m := range migrations {
		if err := ParseVersion(m.Version); err != nil {
			return NewMigrationError(m, Up, "validate source", err)
		}
		if m.Up == nil {
			return NewMigrationError(m, Up, "validate source", fmt.Errorf("%w: migration has no up step", ErrInvalidMigrationFile))
		}
		if i == 0 {
			continue
		}
		prev := migrations[i-1]
		switch c := CompareVersions(prev.Version, m.Version); {
		case c == 0:
			return NewMigrationError(m, Up, "validate source",
				fmt.Errorf("%w: version %s declared by both %q and %q", ErrDuplicateVersion, m.Version, prev.Name, m.Name))
		case c > 0:
			return NewMigrationError(m, Up, "validate source",
				fmt.Errorf("%w: %s follows %s", ErrUnsortedSource, m.Version, prev.Version))
		}
	}
	return nil
}

// Merge combines several migration sources into one ascending sequence.
func Merge(sources ...[]Migration) ([]Migration, error) {
	var all []Migration
	for _, src := range sources {
		all = append(all, src...)
	}
	for _, m := range all {
		if err := ParseVersion(m.Version); err != nil {
			return nil, NewMigrationError(m, Up, "merge sources", err)
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return CompareVersions(all[i].Version, all[j].Version) < 0
	})
	if err := Validate(all); err != nil {
		return nil, err
	}
	return all, nil
}

func findVersion(migrations []Migration, version string) (int, bool) {
	for i, m := range migrations {
		if CompareVersions(m.Version, version) == 0 {
			return i, true
		}
	}
	return -1, false
}
