// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package resolver

import (
	"github.com/pacphi/sindri/cmd/sindri/internal/extension"
)

// Node is one extension in a plan.
type Node struct {
	Descriptor *extension.Descriptor

	// Requested is true for names the caller asked for, false for
	// dependencies pulled in on their behalf.
	Requested bool

	// DependsOn lists the names this node needs, sorted.
	DependsOn []string

	// Constraints are the requirements the selected version satisfies.
	Constraints []Requirement
}

func (n Node) Name() string { return n.Descriptor.Name }

// Plan is a topological order: every node follows its dependencies.
type Plan struct {
	Nodes []Node
}

// Len returns the number of nodes.
func (p *Plan) Len() int { return len(p.Nodes) }

// Names returns node names in plan order.
func (p *Plan) Names() []string {
	out := make([]string, len(p.Nodes))
	for i, n := range p.Nodes {
		out[i] = n.Name()
	}
	return out
}

// Node looks a node up by name.
func (p *Plan) Node(name string) (Node, bool) {
	for _, n := range p.Nodes {
		if n.Name() == name {
			return n, true
		}
	}
	return Node{}, false
}

// Waves groups nodes so that every dependency of a node sits in an earlier
// wave. Nodes within a wave keep plan order and may run concurrently.
func (p *Plan) Waves() [][]Node {
	level := make(map[string]int, len(p.Nodes))
	var waves [][]Node
	for _, n := range p.Nodes {
		l := 0
		for _, dep := range n.DependsOn {
			l = max(l, level[dep]+1)
		}
		level[n.Name()] = l
		if l == len(waves) {
			waves = append(waves, nil)
		}
		waves[l] = append(waves[l], n)
	}
	return waves
}
