// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package image picks a concrete registry tag for a base image.
//
// # Description
//
// A Request names a repository and a Strategy:
//
//   - explicit: the constraint is the tag; it must exist.
//   - semver: the greatest tag satisfying a semantic version range.
//   - latest-stable: the greatest tag that is not a pre-release.
//   - pin-to-cli: the tag equal to the CLI version, else the greatest
//     tag not above it.
//
// Tags may carry a leading "v". Non-semver tags are ignored by every
// strategy except explicit. When nothing qualifies the resolver returns a
// *NoCandidateError rather than guessing.
package image

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/pacphi/sindri/cmd/sindri/internal/version"
	"github.com/pacphi/sindri/pkg/logging"
)

// Strategy selects how a tag is chosen.
type Strategy string

const (
	StrategyExplicit     Strategy = "explicit"
	StrategySemver       Strategy = "semver"
	StrategyLatestStable Strategy = "latest-stable"
	StrategyPinToCLI     Strategy = "pin-to-cli"
)

var (
	// ErrInvalidRequest is returned for requests missing what their
	// strategy needs.
	ErrInvalidRequest = errors.New("invalid image resolution request")

	// ErrDigestMismatch is a verification failure: the registry's digest
	// differs from the expected one.
	ErrDigestMismatch = errors.New("image digest mismatch")
)

// ParseStrategy accepts the canonical names plus a few spellings seen in
// config files.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "explicit", "":
		return StrategyExplicit, nil
	case "semver", "semver-range":
		return StrategySemver, nil
	case "latest-stable", "latest_stable", "latest":
		return StrategyLatestStable, nil
	case "pin-to-cli", "pin_to_cli", "pin":
		return StrategyPinToCLI, nil
	default:
		return "", fmt.Errorf("%w: unknown strategy %q", ErrInvalidRequest, s)
	}
}

// Request describes what to resolve.
type Request struct {
	Registry        string
	Repository      string
	Strategy        Strategy
	Constraint      string
	CLIVersion      string
	AllowPrerelease bool

	// Digest, when set, must equal the registry digest of the chosen tag.
	Digest string

	// PinDigest fills Ref.Digest from the registry.
	PinDigest bool
}

// NoCandidateError reports that no tag satisfied the request.
type NoCandidateError struct {
	Repository string
	Strategy   Strategy
	Constraint string
	TagsSeen   int
}

func (e *NoCandidateError) Error() string {
	msg := fmt.Sprintf("no candidate tag in %s for strategy %s", e.Repository, e.Strategy)
	if e.Constraint != "" {
		msg += fmt.Sprintf(" (constraint %q)", e.Constraint)
	}
	return msg + fmt.Sprintf(", %d tags examined", e.TagsSeen)
}

// ClientFactory returns the lister for a registry host.
type ClientFactory func(registry string) (TagLister, error)

// Resolver resolves Requests.
type Resolver struct {
	clients ClientFactory
	logger  *slog.Logger
}

// NewResolver builds a Resolver. A nil logger discards output.
func NewResolver(clients ClientFactory, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Resolver{clients: clients, logger: logger.With("component", "image")}
}

// Static returns a factory that always yields l.
func Static(l TagLister) ClientFactory {
	return func(string) (TagLister, error) { return l, nil }
}

type candidate struct {
	v   *semver.Version
	tag string
}

// Resolve returns a Ref whose Tag is never empty on success.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Ref, error) {
	if err := req.check(); err != nil {
		return Ref{}, err
	}
	lister, err := r.clients(req.Registry)
	if err != nil {
		return Ref{}, err
	}
	ref := Ref{Registry: req.Registry, Repository: req.Repository}

	if req.Strategy == StrategyExplicit {
		digest, err := lister.Digest(ctx, req.Repository, req.Constraint)
		if errors.Is(err, ErrNotFound) {
			return Ref{}, &NoCandidateError{Repository: req.Repository, Strategy: req.Strategy, Constraint: req.Constraint}
		}
		if err != nil {
			return Ref{}, err
		}
		ref.Tag = req.Constraint
		return ref, finishDigest(&ref, req, digest)
	}

	tags, err := lister.ListTags(ctx, req.Repository)
	if err != nil {
		return Ref{}, err
	}
	tag, err := choose(req, tags)
	if err != nil {
		return Ref{}, err
	}
	ref.Tag = tag
	r.logger.Debug("resolved image tag", "repository", req.Repository, "strategy", req.Strategy, "tag", tag)

	if req.Digest == "" && !req.PinDigest {
		return ref, nil
	}
	digest, err := lister.Digest(ctx, req.Repository, tag)
	if err != nil {
		return Ref{}, err
	}
	return ref, finishDigest(&ref, req, digest)
}

func finishDigest(ref *Ref, req Request, digest string) error {
	if req.Digest != "" && digest != req.Digest {
		return fmt.Errorf("%w: %s has %s, expected %s", ErrDigestMismatch, ref, digest, req.Digest)
	}
	if req.Digest != "" || req.PinDigest {
		ref.Digest = digest
	}
	return nil
}

func (req Request) check() error {
	if req.Repository == "" {
		return fmt.Errorf("%w: repository is required", ErrInvalidRequest)
	}
	switch req.Strategy {
	case StrategyExplicit:
		if req.Constraint == "" {
			return fmt.Errorf("%w: explicit strategy needs a tag", ErrInvalidRequest)
		}
	case StrategySemver:
		if req.Constraint == "" {
			return fmt.Errorf("%w: semver strategy needs a constraint", ErrInvalidRequest)
		}
	case StrategyPinToCLI:
		if req.CLIVersion == "" {
			return fmt.Errorf("%w: pin-to-cli strategy needs the CLI version", ErrInvalidRequest)
		}
	case StrategyLatestStable:
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidRequest, req.Strategy)
	}
	return nil
}

// choose applies the strategy to tags. It is pure.
func choose(req Request, tags []string) (string, error) {
	none := &NoCandidateError{Repository: req.Repository, Strategy: req.Strategy, Constraint: req.Constraint, TagsSeen: len(tags)}

	all := parseTags(tags)
	var keep func(v *semver.Version) bool

	switch req.Strategy {
	case StrategySemver:
		c, err := version.ParseConstraint(req.Constraint)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		keep = func(v *semver.Version) bool { return c.Allows(v, req.AllowPrerelease) }

	case StrategyLatestStable:
		keep = func(v *semver.Version) bool { return !version.IsPrerelease(v) }

	case StrategyPinToCLI:
		cli, err := version.Parse(req.CLIVersion)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		for _, c := range all {
			if c.v.Equal(cli) {
				return c.tag, nil
			}
		}
		keep = func(v *semver.Version) bool {
			return !v.GreaterThan(cli) && (req.AllowPrerelease || !version.IsPrerelease(v))
		}
	}

	for _, c := range all {
		if keep(c.v) {
			return c.tag, nil
		}
	}
	return "", none
}

// parseTags returns semver tags, greatest first. Equal versions spelled
// differently ("3.1.0", "v3.1.0") are ordered by tag text.
func parseTags(tags []string) []candidate {
	out := make([]candidate, 0, len(tags))
	for _, tag := range tags {
		v, err := version.Parse(tag)
		if err != nil {
			continue
		}
		out = append(out, candidate{v: v, tag: tag})
	}
	slices.SortFunc(out, func(a, b candidate) int {
		if c := b.v.Compare(a.v); c != 0 {
			return c
		}
		return strings.Compare(a.tag, b.tag)
	})
	return out
}
