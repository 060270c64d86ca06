// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package resolver

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/pacphi/sindri/cmd/sindri/internal/version"
)

// ErrInvalidRequest is returned for malformed "name[@constraint]" strings.
var ErrInvalidRequest = errors.New("invalid extension request")

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Request asks for an extension under an optional version constraint.
type Request struct {
	Name       string
	Constraint string
}

// ParseRequest parses "python", "python@^3.0" or "python@3.1.0".
func ParseRequest(s string) (Request, error) {
	s = strings.TrimSpace(s)
	name, constraint, _ := strings.Cut(s, "@")
	r := Request{Name: strings.TrimSpace(name), Constraint: strings.TrimSpace(constraint)}
	if !namePattern.MatchString(r.Name) {
		return Request{}, fmt.Errorf("%w: %q: bad extension name", ErrInvalidRequest, s)
	}
	if _, err := version.ParseConstraint(r.Constraint); err != nil {
		return Request{}, fmt.Errorf("%w: %q: %v", ErrInvalidRequest, s, err)
	}
	return r, nil
}

// ParseRequests parses each argument with ParseRequest.
func ParseRequests(args []string) ([]Request, error) {
	out := make([]Request, 0, len(args))
	for _, a := range args {
		r, err := ParseRequest(a)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (r Request) String() string {
	if r.Constraint == "" {
		return r.Name
	}
	return r.Name + "@" + r.Constraint
}
