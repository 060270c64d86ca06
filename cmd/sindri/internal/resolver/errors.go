// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package resolver

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConflict is matched by *ConflictError.
	ErrConflict = errors.New("dependency conflict")

	// ErrNoMatchingVersion means a single constraint matches no published
	// version.
	ErrNoMatchingVersion = errors.New("no matching version")

	// ErrCycle is matched by *CycleError.
	ErrCycle = errors.New("dependency cycle")
)

// RequestedBy is the Requester of constraints that came from the caller
// rather than from another extension.
const RequestedBy = "(requested)"

// Requirement is one constraint on a name and who imposed it.
type Requirement struct {
	Requester  string
	Constraint string
}

func (r Requirement) String() string {
	c := r.Constraint
	if c == "" {
		c = "*"
	}
	return r.Requester + " requires " + c
}

// ConflictError lists constraints on Name that no single version
// satisfies together.
type ConflictError struct {
	Name        string
	Constraints []Requirement
}

func (e *ConflictError) Error() string {
	parts := make([]string, len(e.Constraints))
	for i, r := range e.Constraints {
		parts[i] = r.String()
	}
	return fmt.Sprintf("conflicting constraints on %s: %s", e.Name, strings.Join(parts, "; "))
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Requesters returns who imposed the conflicting constraints.
func (e *ConflictError) Requesters() []string {
	out := make([]string, len(e.Constraints))
	for i, r := range e.Constraints {
		out[i] = r.Requester
	}
	return out
}

// CycleError reports a dependency cycle. Path starts and ends with the same
// name.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

func (e *CycleError) Is(target error) bool { return target == ErrCycle }
