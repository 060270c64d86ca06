// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package extension

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"

	"github.com/Masterminds/semver/v3"
)

// ErrUnknownExtension is returned when a name is absent from the registry.
var ErrUnknownExtension = errors.New("unknown extension")

// Index is the downloadable registry document listing published versions.
//
//	version: "1.0"
//	extensions:
//	  - name: python
//	    version: 3.1.0
//	    install: {method: script}
//	    hooks: {install: install.sh}
//	    dist:
//	      url: https://example.com/python-3.1.0.tar.gz
//	      digest: sha256:...
type Index struct {
	Version    string        `yaml:"version"`
	Extensions []*Descriptor `yaml:"extensions"`
}

// ParseIndex decodes and checks a registry index. Every entry must carry a
// dist block.
func ParseIndex(data []byte) ([]*Descriptor, error) {
	var idx Index
	if err := decodeStrict(data, &idx); err != nil {
		return nil, fmt.Errorf("%w: registry index: %v", ErrInvalidDescriptor, err)
	}
	for _, d := range idx.Extensions {
		if err := d.Check(); err != nil {
			return nil, err
		}
		if d.Dist == nil {
			return nil, fmt.Errorf("%w %s: registry entry has no dist", ErrInvalidDescriptor, d.Key())
		}
		d.Source = SourceDownloaded
	}
	return idx.Extensions, nil
}

// LoadIndex reads a registry index from path. A missing file yields an
// empty index.
func LoadIndex(path string) ([]*Descriptor, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry index: %w", err)
	}
	return ParseIndex(data)
}

// Registry holds every known version of every extension.
//
// # Description
//
// When the same name and version is offered by several sources the one
// with the best precedence wins: local-dev, then bundled, then downloaded.
//
// # Thread Safety
//
// Immutable after NewRegistry; safe for concurrent use.
type Registry struct {
	byName map[string][]*Descriptor
}

// NewRegistry indexes descriptors. Each must have passed Check.
func NewRegistry(descriptors ...*Descriptor) *Registry {
	r := &Registry{byName: make(map[string][]*Descriptor)}
	for _, d := range descriptors {
		r.add(d)
	}
	for name := range r.byName {
		slices.SortFunc(r.byName[name], func(a, b *Descriptor) int {
			return a.SemVer().Compare(b.SemVer())
		})
	}
	return r
}

func (r *Registry) add(d *Descriptor) {
	versions := r.byName[d.Name]
	for i, existing := range versions {
		if existing.SemVer().Equal(d.SemVer()) {
			if d.Source.Precedence() < existing.Source.Precedence() {
				versions[i] = d
			}
			return
		}
	}
	r.byName[d.Name] = append(versions, d)
}

// Has reports whether name has at least one version.
func (r *Registry) Has(name string) bool {
	return len(r.byName[name]) > 0
}

// Names returns all extension names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Versions returns name's descriptors, oldest first.
func (r *Registry) Versions(name string) []*Descriptor {
	return slices.Clone(r.byName[name])
}

// Lookup finds an exact version.
func (r *Registry) Lookup(name string, v *semver.Version) (*Descriptor, error) {
	for _, d := range r.byName[name] {
		if d.SemVer().Equal(v) {
			return d, nil
		}
	}
	if !r.Has(name) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExtension, name)
	}
	return nil, fmt.Errorf("%w: %s has no version %s", ErrUnknownExtension, name, v)
}

// Latest returns the newest stable version of name.
func (r *Registry) Latest(name string) (*Descriptor, error) {
	versions := r.byName[name]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].SemVer().Prerelease() == "" {
			return versions[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownExtension, name)
}

// Protected reports whether any version of name is marked protected.
func (r *Registry) Protected(name string) bool {
	for _, d := range r.byName[name] {
		if d.Protected {
			return true
		}
	}
	return false
}

// Sources lists where registry contents came from.
type Sources struct {
	// IndexPath is the downloaded registry index.
	IndexPath string

	// BundledDir is SINDRI_EXT_HOME.
	BundledDir string

	// LocalDevDir is SINDRI_DEV_EXTENSIONS.
	LocalDevDir string
}

// LoadRegistry merges the index, bundled extensions and local-dev
// extensions.
func LoadRegistry(src Sources) (*Registry, error) {
	var all []*Descriptor
	if src.IndexPath != "" {
		indexed, err := LoadIndex(src.IndexPath)
		if err != nil {
			return nil, err
		}
		all = append(all, indexed...)
	}
	if src.BundledDir != "" {
		bundled, err := ScanDir(src.BundledDir, SourceBundled)
		if err != nil {
			return nil, err
		}
		all = append(all, bundled...)
	}
	if src.LocalDevDir != "" {
		dev, err := ScanDir(src.LocalDevDir, SourceLocalDev)
		if err != nil {
			return nil, err
		}
		all = append(all, dev...)
	}
	return NewRegistry(all...), nil
}
