// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package config loads sindri's three layers of configuration: the project
// file sindri.yaml, the per-user settings file and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/pacphi/sindri/cmd/sindri/internal/image"
	"github.com/pacphi/sindri/cmd/sindri/internal/resolver"
)

// ProjectFile is the default project file name.
const ProjectFile = "sindri.yaml"

// ErrInvalidConfig marks malformed or invalid configuration.
var ErrInvalidConfig = errors.New("invalid configuration")

// Providers accepted by deployment.provider.
var Providers = []string{"docker", "docker-compose", "fly", "devpod", "e2b", "kubernetes"}

// Project is sindri.yaml.
type Project struct {
	SchemaVersion string     `yaml:"schemaVersion" validate:"required"`
	Name          string     `yaml:"name" validate:"required,envname"`
	Deployment    Deployment `yaml:"deployment" validate:"required"`
	Extensions    Extensions `yaml:"extensions"`
}

// Deployment selects where and how the environment runs.
type Deployment struct {
	Provider    string       `yaml:"provider" validate:"required,oneof=docker docker-compose fly devpod e2b kubernetes"`
	Image       string       `yaml:"image,omitempty" validate:"excluded_with=ImageConfig"`
	ImageConfig *ImageConfig `yaml:"imageConfig,omitempty"`
	Resources   Resources    `yaml:"resources,omitempty"`
	Volumes     Volumes      `yaml:"volumes,omitempty"`
}

// ImageConfig resolves the image from a registry instead of pinning it.
type ImageConfig struct {
	Registry        string `yaml:"registry,omitempty"`
	Repository      string `yaml:"repository" validate:"required"`
	Strategy        string `yaml:"strategy,omitempty" validate:"omitempty,oneof=explicit semver latest-stable pin-to-cli"`
	Constraint      string `yaml:"constraint,omitempty"`
	AllowPrerelease bool   `yaml:"allowPrerelease,omitempty"`
	PinDigest       bool   `yaml:"pinDigest,omitempty"`
}

// Request turns the config into an image resolution request.
func (c *ImageConfig) Request(cliVersion string) (image.Request, error) {
	strategy := image.StrategyLatestStable
	if c.Strategy != "" {
		s, err := image.ParseStrategy(c.Strategy)
		if err != nil {
			return image.Request{}, err
		}
		strategy = s
	}
	return image.Request{
		Registry:        c.Registry,
		Repository:      c.Repository,
		Strategy:        strategy,
		Constraint:      c.Constraint,
		CLIVersion:      cliVersion,
		AllowPrerelease: c.AllowPrerelease,
		PinDigest:       c.PinDigest,
	}, nil
}

// Resources sizes the environment.
type Resources struct {
	Memory string `yaml:"memory,omitempty" validate:"omitempty,memsize"`
	CPUs   int    `yaml:"cpus,omitempty" validate:"omitempty,min=1"`
	GPU    *GPU   `yaml:"gpu,omitempty"`
}

// GPU requests accelerators.
type GPU struct {
	Enabled bool   `yaml:"enabled"`
	Type    string `yaml:"type,omitempty" validate:"omitempty,oneof=nvidia amd"`
	Count   int    `yaml:"count,omitempty" validate:"omitempty,min=1"`
	Tier    string `yaml:"tier,omitempty" validate:"omitempty,oneof=gpu-small gpu-medium gpu-large gpu-xlarge"`
	Memory  string `yaml:"memory,omitempty" validate:"omitempty,memsize"`
}

// Volumes declares persistent storage.
type Volumes struct {
	Workspace *Workspace `yaml:"workspace,omitempty"`
}

// Workspace is the persistent home volume.
type Workspace struct {
	Path string `yaml:"path" validate:"required"`
	Size string `yaml:"size,omitempty" validate:"omitempty,memsize"`
}

// Extensions selects what to install. Active and Profile may both be set;
// the result is their union.
type Extensions struct {
	Profile     string   `yaml:"profile,omitempty"`
	Active      []string `yaml:"active,omitempty"`
	Additional  []string `yaml:"additional,omitempty"`
	AutoInstall *bool    `yaml:"autoInstall,omitempty"`
}

// Requests parses Active and Additional.
func (e Extensions) Requests() ([]resolver.Request, error) {
	all := append(append([]string(nil), e.Active...), e.Additional...)
	return resolver.ParseRequests(all)
}

// AutoInstalls reports whether extensions install on first start. The
// default is true.
func (e Extensions) AutoInstalls() bool {
	return e.AutoInstall == nil || *e.AutoInstall
}

var (
	envNamePattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,62}$`)
	memSizePattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?\s*([KMGT]i?B?|[kmgt]i?b?)$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("envname", func(fl validator.FieldLevel) bool {
		return envNamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("memsize", func(fl validator.FieldLevel) bool {
		return memSizePattern.MatchString(fl.Field().String())
	})
	return v
}

// Mode selects how unknown fields are treated.
type Mode int

const (
	// Strict rejects unknown fields.
	Strict Mode = iota

	// Lenient reports unknown fields as warnings.
	Lenient
)

// ParseProject decodes and validates a project document.
//
// # Outputs
//
//   - *Project: The decoded project.
//   - []string: Unknown-field warnings, only in Lenient mode.
//   - error: Wraps ErrInvalidConfig.
func ParseProject(data []byte, mode Mode) (*Project, []string, error) {
	var p Project
	var warnings []string

	err := decode(data, &p, true)
	var typeErr *yaml.TypeError
	if err != nil && mode == Lenient && errors.As(err, &typeErr) && onlyUnknownFields(typeErr) {
		warnings = typeErr.Errors
		p = Project{}
		err = decode(data, &p, false)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := validate.Struct(&p); err != nil {
		return nil, warnings, fmt.Errorf("%w: %s", ErrInvalidConfig, describe(err))
	}
	if _, err := p.Extensions.Requests(); err != nil {
		return nil, warnings, fmt.Errorf("%w: extensions: %v", ErrInvalidConfig, err)
	}
	if c := p.Deployment.ImageConfig; c != nil {
		if _, err := c.Request(""); err != nil {
			return nil, warnings, fmt.Errorf("%w: deployment.imageConfig: %v", ErrInvalidConfig, err)
		}
	}
	return &p, warnings, nil
}

// LoadProject reads path.
func LoadProject(path string, mode Mode) (*Project, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	p, warnings, err := ParseProject(data, mode)
	if err != nil {
		return nil, warnings, fmt.Errorf("%s: %w", path, err)
	}
	return p, warnings, nil
}

func decode(data []byte, out any, strict bool) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(strict)
	return dec.Decode(out)
}

func onlyUnknownFields(err *yaml.TypeError) bool {
	for _, msg := range err.Errors {
		if !strings.Contains(msg, "not found in type") {
			return false
		}
	}
	return true
}

// describe flattens validator errors into "field: rule" pairs.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Project.")
		if fe.Param() != "" {
			msgs[i] = fmt.Sprintf("%s: %s=%s", field, fe.Tag(), fe.Param())
		} else {
			msgs[i] = fmt.Sprintf("%s: %s", field, fe.Tag())
		}
	}
	return strings.Join(msgs, "; ")
}
