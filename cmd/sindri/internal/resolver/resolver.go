// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package resolver expands extension requests into an ordered install
// plan.
//
// # Algorithm
//
// Names are expanded from a work queue. Each name carries the constraints
// accumulated from the caller and from every selected dependent; the
// highest version satisfying all of them that the compatibility matrix
// and the descriptor's own requirements accept is selected, and its
// dependencies are queued. When a later constraint invalidates a
// selection, the name is selected again and the constraints its old
// version imposed are withdrawn, which re-expands that subtree. Candidate
// lists and compatibility verdicts are memoised per run.
//
// The selected set is ordered with Kahn's algorithm, breaking ties by
// name, so equal inputs always give equal plans.
package resolver

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/pacphi/sindri/cmd/sindri/internal/compat"
	"github.com/pacphi/sindri/cmd/sindri/internal/extension"
	"github.com/pacphi/sindri/cmd/sindri/internal/version"
	"github.com/pacphi/sindri/pkg/logging"
)

// maxSteps bounds re-selection on pathological registries.
const maxSteps = 10000

// Resolver resolves requests against a registry.
type Resolver struct {
	Registry *extension.Registry

	// Matrix gates candidates. Nil accepts everything.
	Matrix *compat.Matrix

	// CLIVersion is checked against the matrix and descriptor
	// requirements. Nil skips compatibility checks.
	CLIVersion *semver.Version

	AllowPrerelease bool

	// Installed names are checked against conflict lists.
	Installed []string

	Logger *slog.Logger
}

type run struct {
	r      *Resolver
	logger *slog.Logger

	reqs      map[string][]Requirement
	selected  map[string]*extension.Descriptor
	requested map[string]bool

	versions map[string][]*extension.Descriptor
	verdicts map[*extension.Descriptor]error
}

// Resolve returns a plan for requests. An empty request gives an empty
// plan.
func (r *Resolver) Resolve(requests []Request) (*Plan, error) {
	if len(requests) == 0 {
		return &Plan{}, nil
	}
	s := &run{
		r:         r,
		logger:    r.Logger,
		reqs:      map[string][]Requirement{},
		selected:  map[string]*extension.Descriptor{},
		requested: map[string]bool{},
		versions:  map[string][]*extension.Descriptor{},
		verdicts:  map[*extension.Descriptor]error{},
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}

	var queue []string
	for _, req := range requests {
		if _, err := version.ParseConstraint(req.Constraint); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRequest, req, err)
		}
		s.requested[req.Name] = true
		s.reqs[req.Name] = append(s.reqs[req.Name], Requirement{Requester: RequestedBy, Constraint: req.Constraint})
		queue = append(queue, req.Name)
	}
	slices.Sort(queue)
	queue = slices.Compact(queue)

	for steps := 0; len(queue) > 0; steps++ {
		if steps > maxSteps {
			return nil, fmt.Errorf("dependency resolution did not settle after %d steps", maxSteps)
		}
		name := queue[0]
		queue = queue[1:]

		reqs := s.reqs[name]
		if len(reqs) == 0 {
			queue = append(queue, s.retract(name)...)
			continue
		}
		d, err := s.pick(name, reqs)
		if err != nil {
			return nil, err
		}
		old := s.selected[name]
		if old == d {
			continue
		}
		if old != nil {
			s.logger.Debug("re-selecting extension", "extension", name, "from", old.Version, "to", d.Version)
			queue = append(queue, s.dropEdges(old)...)
		}
		s.selected[name] = d
		for _, dep := range d.Dependencies {
			s.reqs[dep.Name] = append(s.reqs[dep.Name], Requirement{Requester: name, Constraint: dep.Version})
			queue = append(queue, dep.Name)
		}
	}
	return s.plan()
}

// retract forgets name's selection once nothing requires it.
func (s *run) retract(name string) []string {
	d := s.selected[name]
	if d == nil {
		return nil
	}
	delete(s.selected, name)
	return s.dropEdges(d)
}

// dropEdges withdraws the constraints d imposed on its dependencies and
// returns the names to revisit.
func (s *run) dropEdges(d *extension.Descriptor) []string {
	var touched []string
	for _, dep := range d.Dependencies {
		reqs := s.reqs[dep.Name]
		if i := slices.Index(reqs, Requirement{Requester: d.Name, Constraint: dep.Version}); i >= 0 {
			s.reqs[dep.Name] = slices.Delete(reqs, i, i+1)
		}
		touched = append(touched, dep.Name)
	}
	return touched
}

func (s *run) pick(name string, reqs []Requirement) (*extension.Descriptor, error) {
	if !s.r.Registry.Has(name) {
		return nil, fmt.Errorf("%w: %s (%s)", extension.ErrUnknownExtension, name, reqs[0])
	}
	all := s.candidates(name)

	var firstRejection error
	matched := false
	for _, d := range all {
		if !s.satisfiesAll(d, reqs) {
			continue
		}
		matched = true
		err := s.verdict(d)
		if err == nil {
			return d, nil
		}
		if firstRejection == nil {
			firstRejection = err
		}
	}
	if matched {
		return nil, firstRejection
	}
	return nil, s.unsatisfiable(name, reqs, all)
}

// candidates returns name's versions, newest first.
func (s *run) candidates(name string) []*extension.Descriptor {
	if vs, ok := s.versions[name]; ok {
		return vs
	}
	vs := s.r.Registry.Versions(name)
	slices.Reverse(vs)
	s.versions[name] = vs
	return vs
}

func (s *run) satisfiesAll(d *extension.Descriptor, reqs []Requirement) bool {
	for _, req := range reqs {
		if !s.allows(req, d) {
			return false
		}
	}
	return true
}

func (s *run) allows(req Requirement, d *extension.Descriptor) bool {
	c, err := version.ParseConstraint(req.Constraint)
	if err != nil {
		return false
	}
	// A constraint naming a pre-release opts in to pre-releases.
	allowPre := s.r.AllowPrerelease || c.NamesPrerelease()
	return c.Allows(d.SemVer(), allowPre)
}

// verdict reports whether d may be installed on this host with this CLI.
func (s *run) verdict(d *extension.Descriptor) error {
	if err, ok := s.verdicts[d]; ok {
		return err
	}
	err := s.evaluate(d)
	s.verdicts[d] = err
	return err
}

func (s *run) evaluate(d *extension.Descriptor) error {
	if err := d.CheckPlatform(); err != nil {
		return err
	}
	if s.r.CLIVersion == nil {
		return nil
	}
	q := compat.Query{
		Extension:       d.Name,
		Candidate:       d.SemVer(),
		CLI:             s.r.CLIVersion,
		Installed:       s.r.Installed,
		AllowPrerelease: s.r.AllowPrerelease,
	}
	decision := s.r.Matrix.Evaluate(q)
	if !decision.Compatible {
		return decision.Err()
	}
	if decision.Warning != "" {
		s.logger.Debug("compatibility warning", "extension", d.Key(), "warning", decision.Warning)
	}
	decision, err := compat.EvaluateRequirements(q, d.Requirements())
	if err != nil {
		return fmt.Errorf("%s: %w", d.Key(), err)
	}
	return decision.Err()
}

func (s *run) unsatisfiable(name string, reqs []Requirement, all []*extension.Descriptor) error {
	for _, req := range reqs {
		if !slices.ContainsFunc(all, func(d *extension.Descriptor) bool { return s.allows(req, d) }) {
			available := make([]string, len(all))
			for i, d := range all {
				available[i] = d.Version
			}
			return fmt.Errorf("%w: %s: %s (available: %s)", ErrNoMatchingVersion, name, req, strings.Join(available, ", "))
		}
	}

	conflict := &ConflictError{Name: name, Constraints: slices.Clone(reqs)}
	slices.SortFunc(conflict.Constraints, func(a, b Requirement) int {
		if c := strings.Compare(a.Requester, b.Requester); c != 0 {
			return c
		}
		return strings.Compare(a.Constraint, b.Constraint)
	})
	conflict.Constraints = slices.Compact(conflict.Constraints)
	return conflict
}

func (s *run) plan() (*Plan, error) {
	names := make([]string, 0, len(s.selected))
	for name := range s.selected {
		names = append(names, name)
	}
	slices.Sort(names)

	deps := make(map[string][]string, len(names))
	dependents := map[string][]string{}
	indegree := make(map[string]int, len(names))
	for _, name := range names {
		var ds []string
		for _, dep := range s.selected[name].Dependencies {
			ds = append(ds, dep.Name)
		}
		slices.Sort(ds)
		ds = slices.Compact(ds)
		deps[name] = ds
		indegree[name] = len(ds)
		for _, dep := range ds {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for _, name := range names {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	p := &Plan{}
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		p.Nodes = append(p.Nodes, Node{
			Descriptor:  s.selected[name],
			Requested:   s.requested[name],
			DependsOn:   deps[name],
			Constraints: slices.Clone(s.reqs[name]),
		})
		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				i, _ := slices.BinarySearch(ready, dependent)
				ready = slices.Insert(ready, i, dependent)
			}
		}
	}

	if len(p.Nodes) < len(names) {
		return nil, &CycleError{Path: findCycle(names, deps, indegree)}
	}
	return p, nil
}

// findCycle returns a cycle among the nodes Kahn's algorithm could not
// place.
func findCycle(names []string, deps map[string][]string, indegree map[string]int) []string {
	const (
		unseen = iota
		onPath
		done
	)
	state := map[string]int{}
	var path []string
	var cycle []string

	var visit func(string) bool
	visit = func(n string) bool {
		state[n] = onPath
		path = append(path, n)
		for _, dep := range deps[n] {
			switch state[dep] {
			case onPath:
				start := slices.Index(path, dep)
				cycle = append(slices.Clone(path[start:]), dep)
				return true
			case unseen:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		state[n] = done
		return false
	}

	for _, n := range names {
		if indegree[n] > 0 && state[n] == unseen && visit(n) {
			return cycle
		}
	}
	return nil
}
