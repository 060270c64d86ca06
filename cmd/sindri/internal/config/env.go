// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment variables read by sindri.
const (
	EnvHome            = "SINDRI_HOME"
	EnvExtHome         = "SINDRI_EXT_HOME"
	EnvDevExtensions   = "SINDRI_DEV_EXTENSIONS"
	EnvValidationPaths = "SINDRI_VALIDATION_PATHS"
	EnvGitHubToken     = "GITHUB_TOKEN"
)

// Env is the environment layer.
type Env struct {
	// Home is the state root, ~/.sindri by default.
	Home string

	// ExtHome holds bundled extensions, <home>/bundled by default.
	ExtHome string

	// DevExtensions holds local-dev extensions. Empty disables them.
	DevExtensions string

	// ValidationPaths are prepended to PATH for verify hooks.
	ValidationPaths []string

	// Token authenticates registry and download requests. Callers should
	// seal it and drop this copy.
	Token string
}

// FromEnv reads the environment through lookup, os.Getenv when nil.
func FromEnv(lookup func(string) string) (Env, error) {
	if lookup == nil {
		lookup = os.Getenv
	}
	env := Env{
		Home:          expand(lookup(EnvHome)),
		ExtHome:       expand(lookup(EnvExtHome)),
		DevExtensions: expand(lookup(EnvDevExtensions)),
		Token:         strings.TrimSpace(lookup(EnvGitHubToken)),
	}
	if env.Home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return Env{}, fmt.Errorf("could not find the user's home directory: %w", err)
		}
		env.Home = filepath.Join(userHome, ".sindri")
	}
	if env.ExtHome == "" {
		env.ExtHome = filepath.Join(env.Home, "bundled")
	}
	if v := lookup(EnvValidationPaths); v != "" {
		for _, p := range filepath.SplitList(v) {
			if p != "" {
				env.ValidationPaths = append(env.ValidationPaths, expand(p))
			}
		}
	}
	return env, nil
}

// WithHome overrides Home and any path derived from it.
func (e Env) WithHome(home string) Env {
	home = expand(home)
	if e.ExtHome == filepath.Join(e.Home, "bundled") {
		e.ExtHome = filepath.Join(home, "bundled")
	}
	e.Home = home
	return e
}

// StateDir holds the manifest and event log.
func (e Env) StateDir() string { return filepath.Join(e.Home, "state") }

// CacheDir is the download cache.
func (e Env) CacheDir() string { return filepath.Join(e.Home, "cache") }

// RegistryIndex is the downloaded registry index.
func (e Env) RegistryIndex() string { return filepath.Join(e.Home, "registry.yaml") }

// ProfilesPath is profiles.yaml shipped with the bundled extensions.
func (e Env) ProfilesPath() string { return filepath.Join(e.ExtHome, "profiles.yaml") }

// LogDir holds daily log files.
func (e Env) LogDir() string { return filepath.Join(e.Home, "logs") }

func expand(p string) string {
	p = strings.TrimSpace(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
