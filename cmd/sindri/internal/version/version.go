// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package version wraps Masterminds/semver with the pre-release rules used
// across extension resolution, compatibility checks and image tags.
//
// Pre-release versions never satisfy a constraint unless the caller opts in.
// When it does, a pre-release satisfies a constraint if its release version
// (the same major.minor.patch without the suffix) does.
package version

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ErrInvalidVersion is returned for strings that are not semantic versions.
var ErrInvalidVersion = errors.New("invalid version")

// ErrInvalidConstraint is returned for unparseable version constraints.
var ErrInvalidConstraint = errors.New("invalid version constraint")

// Parse parses s as a semantic version. A leading "v" and missing minor or
// patch components are accepted ("v3.5" is 3.5.0).
func Parse(s string) (*semver.Version, error) {
	v, err := semver.NewVersion(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidVersion, s, err)
	}
	return v, nil
}

// MustParse is Parse for literals in tests and defaults.
func MustParse(s string) *semver.Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// IsPrerelease reports whether v carries a pre-release suffix.
func IsPrerelease(v *semver.Version) bool {
	return v.Prerelease() != ""
}

// Short renders v as major.minor when the patch is zero and there is no
// suffix, which is how CLI versions appear in user-facing messages.
func Short(v *semver.Version) string {
	if v.Patch() == 0 && v.Prerelease() == "" && v.Metadata() == "" {
		return fmt.Sprintf("%d.%d", v.Major(), v.Minor())
	}
	return v.String()
}

// Constraint is a parsed version range. The zero value matches anything.
type Constraint struct {
	raw string
	c   *semver.Constraints
}

// Any matches every stable version.
var Any = &Constraint{raw: "*"}

// ParseConstraint parses a range such as "^3.0", "~1.2", ">=1.0, <2.0" or
// "1.0". An empty string, "*", or "latest" matches any version.
func ParseConstraint(s string) (*Constraint, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "", "*", "latest":
		return &Constraint{raw: "*"}, nil
	}
	c, err := semver.NewConstraint(s)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidConstraint, s, err)
	}
	return &Constraint{raw: s, c: c}, nil
}

// MustConstraint is ParseConstraint for literals.
func MustConstraint(s string) *Constraint {
	c, err := ParseConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// String returns the constraint as written.
func (c *Constraint) String() string {
	if c == nil || c.raw == "" {
		return "*"
	}
	return c.raw
}

// IsAny reports whether c matches every version.
func (c *Constraint) IsAny() bool {
	return c == nil || c.c == nil
}

// NamesPrerelease reports whether any bound of c is itself a pre-release,
// as in ">=2.0.0-rc.1". The separator of a hyphen range ("1.0 - 2.0") is
// not a bound.
func (c *Constraint) NamesPrerelease() bool {
	if c.IsAny() {
		return false
	}
	fields := strings.FieldsFunc(c.raw, func(r rune) bool {
		return r == ',' || r == '|' || r == ' ' || r == '\t'
	})
	for _, f := range fields {
		bound := strings.TrimLeft(f, "=!<>~^")
		if bound == "" || bound == "-" {
			continue
		}
		if v, err := semver.NewVersion(bound); err == nil && IsPrerelease(v) {
			return true
		}
	}
	return false
}

// Allows reports whether v satisfies c under the pre-release rule.
func (c *Constraint) Allows(v *semver.Version, allowPrerelease bool) bool {
	if v == nil {
		return false
	}
	if IsPrerelease(v) {
		if !allowPrerelease {
			return false
		}
		if c.IsAny() {
			return true
		}
		if c.c.Check(v) {
			return true
		}
		release, err := v.SetPrerelease("")
		if err != nil {
			return false
		}
		return c.c.Check(&release)
	}
	if c.IsAny() {
		return true
	}
	return c.c.Check(v)
}

// SortAscending sorts versions oldest first.
func SortAscending(vs []*semver.Version) {
	slices.SortFunc(vs, func(a, b *semver.Version) int { return a.Compare(b) })
}

// SortDescending sorts versions newest first.
func SortDescending(vs []*semver.Version) {
	slices.SortFunc(vs, func(a, b *semver.Version) int { return b.Compare(a) })
}

// Highest returns the greatest version allowed by every constraint, or nil.
func Highest(vs []*semver.Version, allowPrerelease bool, constraints ...*Constraint) *semver.Version {
	var best *semver.Version
	for _, v := range vs {
		ok := true
		for _, c := range constraints {
			if !c.Allows(v, allowPrerelease) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		if IsPrerelease(v) && !allowPrerelease {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best = v
		}
	}
	return best
}
