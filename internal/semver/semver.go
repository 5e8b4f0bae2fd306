// Package semver wraps github.com/Masterminds/semver/v3 behind the two
// types the capability core actually needs: a provision's concrete Version
// and a requirement's Constraint.
package semver

import (
	"fmt"

	mm "github.com/Masterminds/semver/v3"
)

// Version is the concrete semantic version a provider declares for a
// contract, e.g. "1.4.2".
type Version struct {
	v *mm.Version
}

// Constraint is the version range a consumer declares for a contract.
//
// Examples:
// - ">=1.2.0 <2.0.0"
// - "^1.0.0"
// - "~1.4"
// - "*" (any version)
type Constraint struct {
	c *mm.Constraints
}

func ParseVersion(raw string) (Version, error) {
	v, err := mm.NewVersion(raw)
	if err != nil {
		return Version{}, fmt.Errorf("semver: parse version %q: %w", raw, err)
	}
	return Version{v: v}, nil
}

func MustParseVersion(raw string) Version {
	v, err := ParseVersion(raw)
	if err != nil {
		panic(err)
	}
	return v
}

func ParseConstraint(raw string) (Constraint, error) {
	c, err := mm.NewConstraint(raw)
	if err != nil {
		return Constraint{}, fmt.Errorf("semver: parse constraint %q: %w", raw, err)
	}
	return Constraint{c: c}, nil
}

func MustParseConstraint(raw string) Constraint {
	c, err := ParseConstraint(raw)
	if err != nil {
		panic(err)
	}
	return c
}

// Satisfies reports whether v falls inside c. Zero values never satisfy
// anything.
func (v Version) Satisfies(c Constraint) bool {
	if v.v == nil || c.c == nil {
		return false
	}
	return c.c.Check(v.v)
}

// Compare returns -1 if v < other, 0 if equal, 1 if v > other. A zero
// Version sorts below any parsed version.
func (v Version) Compare(other Version) int {
	if v.v == nil && other.v == nil {
		return 0
	}
	if v.v == nil {
		return -1
	}
	if other.v == nil {
		return 1
	}
	return v.v.Compare(other.v)
}

func (v Version) String() string {
	if v.v == nil {
		return "<nil>"
	}
	return v.v.String()
}

func (c Constraint) String() string {
	if c.c == nil {
		return "<nil>"
	}
	return c.c.String()
}
