// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/pacphi/sindri/cmd/sindri/internal/retry"
	"github.com/pacphi/sindri/cmd/sindri/internal/util"
)

// SettingsFile is the per-user settings file under the home.
const SettingsFile = "config.yaml"

// DefaultRegistryURL is the published extension index.
const DefaultRegistryURL = "https://raw.githubusercontent.com/pacphi/sindri/main/v3/registry.yaml"

// Settings are per-user defaults.
type Settings struct {
	// RegistryURL is where the extension index is downloaded from.
	RegistryURL string `yaml:"registryUrl" validate:"required,url"`

	// SupportBaseURL serves release-tagged support files.
	SupportBaseURL string `yaml:"supportBaseUrl" validate:"required,url"`

	// Parallelism bounds concurrent installs within a plan wave.
	Parallelism int `yaml:"parallelism" validate:"min=1,max=64"`

	// AllowPrerelease lets resolution pick pre-release versions.
	AllowPrerelease bool `yaml:"allowPrerelease"`

	// Retry is applied to hooks whose extension declares no policy.
	Retry retry.Policy `yaml:"retry"`

	// CacheDir overrides <home>/cache.
	CacheDir string `yaml:"cacheDir,omitempty"`

	// GCSCredentials is a service account key for gs:// sources.
	GCSCredentials string `yaml:"gcsCredentials,omitempty"`
}

// DefaultSettings returns the settings written on first run.
func DefaultSettings() Settings {
	return Settings{
		RegistryURL:    DefaultRegistryURL,
		SupportBaseURL: "https://raw.githubusercontent.com/pacphi/sindri",
		Parallelism:    min(4, runtime.NumCPU()),
		Retry:          retry.DefaultPolicy(),
	}
}

// LoadSettings reads <home>/config.yaml, creating it with defaults when it
// does not exist. Fields missing from the file keep their defaults.
func LoadSettings(home string) (*Settings, error) {
	path := filepath.Join(home, SettingsFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := writeDefaultSettings(path); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	s := DefaultSettings()
	if err := decode(data, &s, true); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	if err := validate.Struct(&s); err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidConfig, path, describe(err))
	}
	if err := s.Retry.Normalize().Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: retry: %v", ErrInvalidConfig, path, err)
	}
	return &s, nil
}

func writeDefaultSettings(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultSettings())
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(path, data, 0o644)
}
