// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package profile

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/pacphi/sindri/cmd/sindri/internal/resolver"
)

// FileName is the profiles document next to the registry index.
const FileName = "profiles.yaml"

var (
	// ErrUnknownProfile is returned for a name absent from profiles.yaml.
	ErrUnknownProfile = errors.New("unknown profile")

	// ErrInvalidProfiles marks a malformed profiles document.
	ErrInvalidProfiles = errors.New("invalid profiles file")
)

// Profile is a named set of extensions.
type Profile struct {
	Description string   `yaml:"description,omitempty"`
	Extensions  []string `yaml:"extensions" validate:"required,min=1,dive,required"`

	// PreHook and PostHook are scripts run before and after the members
	// are installed, relative to the profiles file.
	PreHook  string `yaml:"preHook,omitempty"`
	PostHook string `yaml:"postHook,omitempty"`
}

// Requests parses the member list.
func (p Profile) Requests() ([]resolver.Request, error) {
	return resolver.ParseRequests(p.Extensions)
}

// File is profiles.yaml.
//
//	version: "1.0"
//	profiles:
//	  minimal:
//	    description: Node and Python
//	    extensions: [nodejs, python@^3]
type File struct {
	Version  string             `yaml:"version" validate:"required"`
	Profiles map[string]Profile `yaml:"profiles" validate:"dive"`

	// Dir is where the file was loaded from; hooks resolve against it.
	Dir string `yaml:"-"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Parse decodes and validates a profiles document. Unknown fields are
// rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfiles, err)
	}
	if err := validate.Struct(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfiles, err)
	}
	for name, p := range f.Profiles {
		if _, err := p.Requests(); err != nil {
			return nil, fmt.Errorf("%w: profile %s: %v", ErrInvalidProfiles, name, err)
		}
	}
	return &f, nil
}

// Load reads path. A missing file yields an empty document.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &File{Version: "1.0", Profiles: map[string]Profile{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.Dir = dirOf(path)
	return f, nil
}

// Get returns the named profile.
func (f *File) Get(name string) (Profile, error) {
	p, ok := f.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s (available: %s)", ErrUnknownProfile, name, strings.Join(f.Names(), ", "))
	}
	return p, nil
}

// Names returns profile names, sorted.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Profiles))
	for name := range f.Profiles {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func dirOf(path string) string {
	if i := strings.LastIndexByte(path, os.PathSeparator); i >= 0 {
		return path[:i]
	}
	return "."
}
