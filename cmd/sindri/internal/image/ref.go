// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package image

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultRegistry is assumed for references without a registry host.
const DefaultRegistry = "docker.io"

// ErrInvalidRef is returned for unparseable image references.
var ErrInvalidRef = errors.New("invalid image reference")

// Ref is a fully qualified image reference.
type Ref struct {
	Registry   string
	Repository string
	Tag        string
	Digest     string
}

// String renders registry/repository:tag@digest, omitting empty parts.
func (r Ref) String() string {
	var b strings.Builder
	if r.Registry != "" {
		b.WriteString(r.Registry)
		b.WriteByte('/')
	}
	b.WriteString(r.Repository)
	if r.Tag != "" {
		b.WriteByte(':')
		b.WriteString(r.Tag)
	}
	if r.Digest != "" {
		b.WriteByte('@')
		b.WriteString(r.Digest)
	}
	return b.String()
}

// ParseRef splits an image string.
//
//	python:3.12                 -> docker.io/library/python:3.12
//	ghcr.io/pacphi/sindri:v3.0  -> ghcr.io, pacphi/sindri, v3.0
//	localhost:5000/app@sha256:… -> localhost:5000, app, digest only
//
// A reference with neither tag nor digest gets no tag; callers decide what
// that means.
func ParseRef(image string) (Ref, error) {
	var ref Ref
	image = strings.TrimSpace(image)
	if image == "" {
		return ref, fmt.Errorf("%w: empty", ErrInvalidRef)
	}

	if i := strings.Index(image, "@"); i >= 0 {
		ref.Digest = image[i+1:]
		image = image[:i]
		if !strings.Contains(ref.Digest, ":") {
			return Ref{}, fmt.Errorf("%w: digest %q has no algorithm", ErrInvalidRef, ref.Digest)
		}
	}

	if i := strings.LastIndex(image, ":"); i >= 0 && !strings.Contains(image[i+1:], "/") {
		ref.Tag = image[i+1:]
		image = image[:i]
		if ref.Tag == "" {
			return Ref{}, fmt.Errorf("%w: empty tag", ErrInvalidRef)
		}
	}

	first, rest, found := strings.Cut(image, "/")
	switch {
	case !found:
		ref.Registry = DefaultRegistry
		ref.Repository = "library/" + first
	case strings.ContainsAny(first, ".:") || first == "localhost":
		ref.Registry = first
		ref.Repository = rest
	default:
		ref.Registry = DefaultRegistry
		ref.Repository = image
	}
	if ref.Repository == "" || strings.HasSuffix(ref.Repository, "/") {
		return Ref{}, fmt.Errorf("%w: empty repository", ErrInvalidRef)
	}
	return ref, nil
}
