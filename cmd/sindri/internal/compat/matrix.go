// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package compat decides whether an extension version may be installed by
// the running CLI.
//
// The compatibility matrix is a YAML document listing, per extension, a
// version range and the CLI bounds that range tolerates:
//
//	schemaVersion: "1.0"
//	extensions:
//	  - name: python
//	    versions: "^4"
//	    minCli: "4.0"
//	    excluded: ["4.2.1"]
//	    breaking: ["python 4 drops the pip shim"]
//
// For a given extension the first entry whose range contains the candidate
// decides. Candidates that match no entry are allowed with a warning.
package compat

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"strconv"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/pacphi/sindri/cmd/sindri/internal/version"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrInvalidMatrix is returned when the matrix document cannot be used.
	ErrInvalidMatrix = errors.New("invalid compatibility matrix")

	// ErrOverlappingRanges is returned when two entries for the same
	// extension could both match one version.
	ErrOverlappingRanges = errors.New("overlapping version ranges")

	// ErrIncompatible is matched by every *IncompatibleError.
	ErrIncompatible = errors.New("incompatible extension version")
)

// Reason explains a rejection.
type Reason string

const (
	ReasonTooOld    Reason = "too-old"
	ReasonTooNew    Reason = "too-new"
	ReasonExcluded  Reason = "excluded"
	ReasonConflicts Reason = "conflicts-with"
)

// IncompatibleError is the structured form of a rejection.
type IncompatibleError struct {
	Extension string
	Candidate string
	CLI       string
	Reason    Reason

	// Bound is the CLI bound that was violated, for too-old and too-new.
	Bound string

	// Conflict names the installed extension, for conflicts-with.
	Conflict string

	// Notes carries the entry's breaking-change notes.
	Notes []string
}

func (e *IncompatibleError) Error() string {
	return fmt.Sprintf("%s %s is incompatible: %s", e.Extension, e.Candidate, e.Detail())
}

// Detail renders the reason alone, e.g. "too-old CLI 3.5 < 4.0".
func (e *IncompatibleError) Detail() string {
	switch e.Reason {
	case ReasonTooOld:
		return fmt.Sprintf("too-old CLI %s < %s", e.CLI, e.Bound)
	case ReasonTooNew:
		return fmt.Sprintf("too-new CLI %s > %s", e.CLI, e.Bound)
	case ReasonExcluded:
		return fmt.Sprintf("excluded CLI %s is explicitly excluded", e.CLI)
	case ReasonConflicts:
		return fmt.Sprintf("conflicts-with installed extension %s", e.Conflict)
	default:
		return string(e.Reason)
	}
}

func (e *IncompatibleError) Is(target error) bool { return target == ErrIncompatible }

// =============================================================================
// Matrix document
// =============================================================================

// Entry is one row of the matrix.
type Entry struct {
	Name      string   `yaml:"name" validate:"required"`
	Versions  string   `yaml:"versions"`
	MinCLI    string   `yaml:"minCli,omitempty"`
	MaxCLI    string   `yaml:"maxCli,omitempty"`
	Excluded  []string `yaml:"excluded,omitempty"`
	Conflicts []string `yaml:"conflicts,omitempty"`
	Breaking  []string `yaml:"breaking,omitempty"`

	rng      *version.Constraint
	min, max *semver.Version
	excluded []*semver.Version
}

// Range returns the parsed version range.
func (e *Entry) Range() *version.Constraint { return e.rng }

type document struct {
	SchemaVersion string  `yaml:"schemaVersion" validate:"required"`
	Extensions    []Entry `yaml:"extensions" validate:"dive"`
}

// Matrix is a loaded, validated compatibility matrix. A nil *Matrix is an
// empty matrix.
//
// # Thread Safety
//
// Immutable after Load; safe for concurrent use.
type Matrix struct {
	schemaVersion string
	entries       []Entry
	byName        map[string][]int
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load parses and validates a matrix document.
//
// # Outputs
//
//   - *Matrix: The matrix, with entries in declared order.
//   - error: ErrInvalidMatrix for schema problems, ErrOverlappingRanges when
//     two ranges of one extension intersect.
func Load(r io.Reader) (*Matrix, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMatrix, err)
	}
	if err := validate.Struct(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMatrix, err)
	}
	return New(doc.SchemaVersion, doc.Extensions)
}

// LoadFile loads the matrix at path.
func LoadFile(path string) (*Matrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read compatibility matrix: %w", err)
	}
	m, err := Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// New builds a Matrix from entries, parsing every version and checking
// ranges for overlap.
func New(schemaVersion string, entries []Entry) (*Matrix, error) {
	m := &Matrix{
		schemaVersion: schemaVersion,
		entries:       make([]Entry, 0, len(entries)),
		byName:        make(map[string][]int),
	}
	for i := range entries {
		e := entries[i]
		if err := e.parse(); err != nil {
			return nil, fmt.Errorf("%w: entry %d (%s): %v", ErrInvalidMatrix, i, e.Name, err)
		}
		for _, j := range m.byName[e.Name] {
			if rangesOverlap(m.entries[j].rng, e.rng) {
				return nil, fmt.Errorf("%w: %s %q and %q", ErrOverlappingRanges, e.Name, m.entries[j].rng, e.rng)
			}
		}
		m.byName[e.Name] = append(m.byName[e.Name], len(m.entries))
		m.entries = append(m.entries, e)
	}
	return m, nil
}

func (e *Entry) parse() error {
	var err error
	if e.rng, err = version.ParseConstraint(e.Versions); err != nil {
		return err
	}
	if e.MinCLI != "" {
		if e.min, err = version.Parse(e.MinCLI); err != nil {
			return fmt.Errorf("minCli: %w", err)
		}
	}
	if e.MaxCLI != "" {
		if e.max, err = version.Parse(e.MaxCLI); err != nil {
			return fmt.Errorf("maxCli: %w", err)
		}
	}
	if e.min != nil && e.max != nil && e.min.GreaterThan(e.max) {
		return fmt.Errorf("minCli %s exceeds maxCli %s", e.MinCLI, e.MaxCLI)
	}
	e.excluded = e.excluded[:0]
	for _, s := range e.Excluded {
		v, err := version.Parse(s)
		if err != nil {
			return fmt.Errorf("excluded: %w", err)
		}
		e.excluded = append(e.excluded, v)
	}
	return nil
}

// SchemaVersion returns the document's declared schema version.
func (m *Matrix) SchemaVersion() string {
	if m == nil {
		return ""
	}
	return m.schemaVersion
}

// Entries returns the entries for name in declared order.
func (m *Matrix) Entries(name string) []Entry {
	if m == nil {
		return nil
	}
	idx := m.byName[name]
	out := make([]Entry, len(idx))
	for i, j := range idx {
		out[i] = m.entries[j]
	}
	return out
}

// Len returns the total number of entries.
func (m *Matrix) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// =============================================================================
// Evaluation
// =============================================================================

// Query is one compatibility question.
type Query struct {
	Extension       string
	Candidate       *semver.Version
	CLI             *semver.Version
	Installed       []string
	AllowPrerelease bool
}

// Decision is the answer to a Query.
type Decision struct {
	Compatible bool
	Reason     Reason

	// Entry is the authoritative entry, nil when none matched.
	Entry *Entry

	// Warning is set when no entry matched.
	Warning string

	err *IncompatibleError
}

// Err returns the rejection as an error, or nil when compatible.
func (d Decision) Err() error {
	if d.Compatible || d.err == nil {
		return nil
	}
	return d.err
}

// Evaluate answers q. It is total: every query yields a Decision.
func (m *Matrix) Evaluate(q Query) Decision {
	if m != nil {
		for _, j := range m.byName[q.Extension] {
			e := &m.entries[j]
			if e.rng.Allows(q.Candidate, q.AllowPrerelease) {
				return e.check(q)
			}
		}
	}
	return Decision{
		Compatible: true,
		Warning:    fmt.Sprintf("no compatibility entry for %s %s; assuming compatible", q.Extension, q.Candidate),
	}
}

// Requirements are the CLI bounds an extension declares in its own
// descriptor.
type Requirements struct {
	MinCLI    string
	MaxCLI    string
	Conflicts []string
}

// IsZero reports whether r declares nothing.
func (r Requirements) IsZero() bool {
	return r.MinCLI == "" && r.MaxCLI == "" && len(r.Conflicts) == 0
}

// EvaluateRequirements applies descriptor-level requirements with the same
// rules as a matrix entry that matches every version.
func EvaluateRequirements(q Query, r Requirements) (Decision, error) {
	if r.IsZero() {
		return Decision{Compatible: true}, nil
	}
	e := Entry{Name: q.Extension, MinCLI: r.MinCLI, MaxCLI: r.MaxCLI, Conflicts: r.Conflicts}
	if err := e.parse(); err != nil {
		return Decision{}, fmt.Errorf("%s compatibility requirements: %w", q.Extension, err)
	}
	return e.check(q), nil
}

func (e *Entry) check(q Query) Decision {
	reject := func(reason Reason, bound, conflict string) Decision {
		return Decision{
			Reason: reason,
			Entry:  e,
			err: &IncompatibleError{
				Extension: q.Extension,
				Candidate: q.Candidate.String(),
				CLI:       version.Short(q.CLI),
				Reason:    reason,
				Bound:     bound,
				Conflict:  conflict,
				Notes:     slices.Clone(e.Breaking),
			},
		}
	}

	if e.min != nil && q.CLI.LessThan(e.min) {
		return reject(ReasonTooOld, version.Short(e.min), "")
	}
	if e.max != nil && q.CLI.GreaterThan(e.max) {
		return reject(ReasonTooNew, version.Short(e.max), "")
	}
	for _, x := range e.excluded {
		if q.CLI.Equal(x) {
			return reject(ReasonExcluded, "", "")
		}
	}
	for _, c := range e.Conflicts {
		if slices.Contains(q.Installed, c) {
			return reject(ReasonConflicts, "", c)
		}
	}
	return Decision{Compatible: true, Entry: e}
}

// =============================================================================
// Range overlap
// =============================================================================

var literalPattern = regexp.MustCompile(`v?(\d+)(?:\.(\d+|[xX*]))?(?:\.(\d+|[xX*]))?`)

// rangesOverlap reports whether some stable version satisfies both a and b.
//
// Both ranges are unions of intervals whose endpoints come from the version
// literals written in the constraints. If the intersection is non-empty its
// lowest member is zero, a lower endpoint, or the successor of an exclusive
// lower endpoint, so probing those points (and the next minor and major)
// decides the question.
func rangesOverlap(a, b *version.Constraint) bool {
	if a.IsAny() || b.IsAny() {
		return true
	}
	for _, p := range probes(a.String(), b.String()) {
		if a.Allows(p, false) && b.Allows(p, false) {
			return true
		}
	}
	return false
}

func probes(exprs ...string) []*semver.Version {
	out := []*semver.Version{semver.New(0, 0, 0, "", "")}
	for _, expr := range exprs {
		for _, m := range literalPattern.FindAllStringSubmatch(expr, -1) {
			major := atoi(m[1])
			minor := atoi(m[2])
			patch := atoi(m[3])
			out = append(out,
				semver.New(major, minor, patch, "", ""),
				semver.New(major, minor, patch+1, "", ""),
				semver.New(major, minor+1, 0, "", ""),
				semver.New(major+1, 0, 0, "", ""),
			)
		}
	}
	return out
}

func atoi(s string) uint64 {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
