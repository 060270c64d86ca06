// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package extension defines extension descriptors and the registry of
// versions available for resolution.
//
// Every extension ships an extension.yaml:
//
//	name: python
//	version: 3.1.0
//	install:
//	  method: script
//	upgrade:
//	  strategy: in-place
//	platforms: [linux, darwin/arm64]
//	dependencies:
//	  - name: mise
//	    version: "^1"
//	compatibility:
//	  minCli: "3.0"
//	hooks:
//	  install: scripts/install.sh
//	  verify: scripts/verify.sh
//
// Descriptors are immutable once loaded; the installer never edits them.
package extension

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/pacphi/sindri/cmd/sindri/internal/compat"
	"github.com/pacphi/sindri/cmd/sindri/internal/retry"
	"github.com/pacphi/sindri/cmd/sindri/internal/version"
)

// DescriptorFile is the descriptor's file name inside an extension directory.
const DescriptorFile = "extension.yaml"

// LocalDevMarker inside a bundled extension directory promotes it to a
// local-dev source.
const LocalDevMarker = ".sindri-local-dev"

var (
	// ErrInvalidDescriptor is returned for descriptors that fail validation.
	ErrInvalidDescriptor = errors.New("invalid extension descriptor")

	// ErrUnsupportedPlatform is returned when an extension does not list
	// the running platform.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

// =============================================================================
// Closed variants
// =============================================================================

// SourceType says where an extension's files come from.
type SourceType string

const (
	SourceLocalDev   SourceType = "local-dev"
	SourceBundled    SourceType = "bundled"
	SourceDownloaded SourceType = "downloaded"
)

// Precedence orders source types; lower wins.
func (s SourceType) Precedence() int {
	switch s {
	case SourceLocalDev:
		return 0
	case SourceBundled:
		return 1
	default:
		return 2
	}
}

// InstallMethod is how the install hook provisions the payload.
type InstallMethod string

const (
	MethodScript         InstallMethod = "script"
	MethodPackageManager InstallMethod = "package-manager"
	MethodArchive        InstallMethod = "archive"
)

// UpgradeStrategy selects the hook used when a newer version replaces an
// installed one.
type UpgradeStrategy string

const (
	UpgradeInPlace    UpgradeStrategy = "in-place"
	UpgradeReplace    UpgradeStrategy = "replace"
	UpgradeSideBySide UpgradeStrategy = "side-by-side"
)

// HookKind names a lifecycle hook.
type HookKind string

const (
	HookInstall  HookKind = "install"
	HookVerify   HookKind = "verify"
	HookUpgrade  HookKind = "upgrade"
	HookRemove   HookKind = "remove"
	HookActivate HookKind = "activate"
)

// =============================================================================
// Descriptor
// =============================================================================

// Dependency is a required extension and the versions accepted.
type Dependency struct {
	Name    string `yaml:"name" validate:"required"`
	Version string `yaml:"version,omitempty"`
}

// Install configures the install step.
type Install struct {
	Method  InstallMethod `yaml:"method" validate:"required,oneof=script package-manager archive"`
	Retry   *retry.Policy `yaml:"retry,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Upgrade configures the upgrade step.
type Upgrade struct {
	Strategy UpgradeStrategy `yaml:"strategy,omitempty" validate:"omitempty,oneof=in-place replace side-by-side"`
}

// Compatibility holds descriptor-level CLI requirements.
type Compatibility struct {
	MinCLI    string   `yaml:"minCli,omitempty"`
	MaxCLI    string   `yaml:"maxCli,omitempty"`
	Conflicts []string `yaml:"conflicts,omitempty"`
}

// Hooks maps lifecycle stages to script paths relative to the extension
// directory.
type Hooks struct {
	Install  string `yaml:"install,omitempty"`
	Verify   string `yaml:"verify,omitempty"`
	Upgrade  string `yaml:"upgrade,omitempty"`
	Remove   string `yaml:"remove,omitempty"`
	Activate string `yaml:"activate,omitempty"`
}

// Get returns the script for kind, or "".
func (h Hooks) Get(kind HookKind) string {
	switch kind {
	case HookInstall:
		return h.Install
	case HookVerify:
		return h.Verify
	case HookUpgrade:
		return h.Upgrade
	case HookRemove:
		return h.Remove
	case HookActivate:
		return h.Activate
	default:
		return ""
	}
}

// ValidateCommand checks a tool the extension installs, e.g. `python3
// --version` must print something matching `Python 3\.`.
type ValidateCommand struct {
	Name            string `yaml:"name" validate:"required"`
	VersionFlag     string `yaml:"versionFlag,omitempty"`
	ExpectedPattern string `yaml:"expectedPattern,omitempty"`
}

// Dist locates a downloadable payload.
type Dist struct {
	URL    string `yaml:"url" validate:"required"`
	Digest string `yaml:"digest" validate:"required"`
}

// Descriptor is an extension.yaml (or a registry index entry).
type Descriptor struct {
	Name          string            `yaml:"name" validate:"required"`
	Version       string            `yaml:"version" validate:"required"`
	Description   string            `yaml:"description,omitempty"`
	Category      string            `yaml:"category,omitempty"`
	Protected     bool              `yaml:"protected,omitempty"`
	Install       Install           `yaml:"install"`
	Upgrade       Upgrade           `yaml:"upgrade,omitempty"`
	Platforms     []string          `yaml:"platforms,omitempty"`
	Dependencies  []Dependency      `yaml:"dependencies,omitempty" validate:"dive"`
	Compatibility Compatibility     `yaml:"compatibility,omitempty"`
	Hooks         Hooks             `yaml:"hooks,omitempty"`
	Validate      []ValidateCommand `yaml:"validate,omitempty" validate:"dive"`
	Dist          *Dist             `yaml:"dist,omitempty"`

	// Source and Dir are set by the loader, not read from YAML.
	Source SourceType `yaml:"-"`
	Dir    string     `yaml:"-"`

	parsed *semver.Version
}

var (
	validate    = validator.New(validator.WithRequiredStructEnabled())
	namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
)

// Check validates the descriptor and caches its parsed version.
func (d *Descriptor) Check() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w %s: %v", ErrInvalidDescriptor, d.Name, err)
	}
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("%w: name %q must be lowercase letters, digits, '.', '_' or '-'", ErrInvalidDescriptor, d.Name)
	}
	v, err := version.Parse(d.Version)
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrInvalidDescriptor, d.Name, err)
	}
	d.parsed = v
	for _, dep := range d.Dependencies {
		if dep.Name == d.Name {
			return fmt.Errorf("%w %s: depends on itself", ErrInvalidDescriptor, d.Name)
		}
		if _, err := version.ParseConstraint(dep.Version); err != nil {
			return fmt.Errorf("%w %s: dependency %s: %v", ErrInvalidDescriptor, d.Name, dep.Name, err)
		}
	}
	if d.Install.Retry != nil {
		if err := d.Install.Retry.Normalize().Validate(); err != nil {
			return fmt.Errorf("%w %s: install.retry: %v", ErrInvalidDescriptor, d.Name, err)
		}
	}
	if d.Install.Method != MethodArchive && d.Hooks.Install == "" {
		return fmt.Errorf("%w %s: install method %s requires an install hook", ErrInvalidDescriptor, d.Name, d.Install.Method)
	}
	return nil
}

// SemVer returns the parsed version. Check must have succeeded.
func (d *Descriptor) SemVer() *semver.Version {
	if d.parsed == nil {
		d.parsed, _ = version.Parse(d.Version)
	}
	return d.parsed
}

// Key returns "name@version".
func (d *Descriptor) Key() string {
	return d.Name + "@" + d.SemVer().String()
}

// UpgradeStrategy returns the declared strategy, defaulting to replace.
func (d *Descriptor) UpgradeStrategy() UpgradeStrategy {
	if d.Upgrade.Strategy == "" {
		return UpgradeReplace
	}
	return d.Upgrade.Strategy
}

// RetryPolicy returns the declared install retry policy or fallback.
func (d *Descriptor) RetryPolicy(fallback retry.Policy) retry.Policy {
	if d.Install.Retry == nil {
		return fallback
	}
	return *d.Install.Retry
}

// Requirements converts the descriptor's compatibility block.
func (d *Descriptor) Requirements() compat.Requirements {
	return compat.Requirements{
		MinCLI:    d.Compatibility.MinCLI,
		MaxCLI:    d.Compatibility.MaxCLI,
		Conflicts: d.Compatibility.Conflicts,
	}
}

// Supports reports whether the extension runs on goos/goarch. Platform
// entries are "os" or "os/arch"; an empty list supports everything.
func (d *Descriptor) Supports(goos, goarch string) bool {
	if len(d.Platforms) == 0 {
		return true
	}
	for _, p := range d.Platforms {
		osName, arch, hasArch := strings.Cut(strings.ToLower(p), "/")
		if osName != goos && osName != "any" {
			continue
		}
		if !hasArch || arch == goarch || arch == "any" {
			return true
		}
	}
	return false
}

// CheckPlatform returns ErrUnsupportedPlatform when the running platform
// is not listed.
func (d *Descriptor) CheckPlatform() error {
	if d.Supports(runtime.GOOS, runtime.GOARCH) {
		return nil
	}
	return fmt.Errorf("%w: %s supports %v, running %s/%s",
		ErrUnsupportedPlatform, d.Key(), d.Platforms, runtime.GOOS, runtime.GOARCH)
}

// HookPath resolves a hook script against dir. Empty when not declared.
func (d *Descriptor) HookPath(dir string, kind HookKind) string {
	rel := d.Hooks.Get(kind)
	if rel == "" {
		return ""
	}
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(dir, filepath.FromSlash(rel))
}

// =============================================================================
// Loading
// =============================================================================

// ParseDescriptor decodes and checks one descriptor. Unknown fields are
// rejected.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := decodeStrict(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if err := d.Check(); err != nil {
		return nil, err
	}
	return &d, nil
}

// LoadDescriptor reads <dir>/extension.yaml and records dir and source.
func LoadDescriptor(dir string, source SourceType) (*Descriptor, error) {
	data, err := os.ReadFile(filepath.Join(dir, DescriptorFile))
	if err != nil {
		return nil, err
	}
	d, err := ParseDescriptor(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}
	d.Dir = dir
	d.Source = source
	return d, nil
}

// ScanDir loads every <root>/<name>/extension.yaml. Directories carrying
// LocalDevMarker are reported as local-dev regardless of source. A missing
// root yields no descriptors.
func ScanDir(root string, source SourceType) ([]*Descriptor, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan extensions in %s: %w", root, err)
	}

	var out []*Descriptor
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, DescriptorFile)); err != nil {
			continue
		}
		src := source
		if _, err := os.Stat(filepath.Join(dir, LocalDevMarker)); err == nil {
			src = SourceLocalDev
		}
		d, err := LoadDescriptor(dir, src)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	return dec.Decode(out)
}
