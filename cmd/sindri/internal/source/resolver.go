// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package source decides where an extension's files come from and keeps
// the download cache.
//
// Precedence is local-dev, then bundled, then downloaded:
//
//   - local-dev: <SINDRI_DEV_EXTENSIONS>/<name>/extension.yaml, or a
//     bundled directory carrying the .sindri-local-dev marker. Any version
//     is accepted and no checksum is taken.
//   - bundled: <SINDRI_EXT_HOME>/<name>/extension.yaml at the planned
//     version.
//   - downloaded: the descriptor's dist block, fetched into the Cache.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pacphi/sindri/cmd/sindri/internal/extension"
	"github.com/pacphi/sindri/pkg/logging"
)

// ErrNoSource is returned when no source offers the requested version.
var ErrNoSource = errors.New("no source provides extension")

// Resolved is where an extension's files were found.
type Resolved struct {
	Type extension.SourceType
	Dir  string

	// Digest is the verified content digest for downloaded sources.
	Digest string
}

// Resolver picks a source for a descriptor. A zero field disables that
// source.
type Resolver struct {
	DevDir     string
	BundledDir string
	Cache      *Cache
	Logger     *slog.Logger
}

// Resolve returns the directory holding d's files.
func (r *Resolver) Resolve(ctx context.Context, d *extension.Descriptor) (Resolved, error) {
	logger := r.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	if r.DevDir != "" {
		dir := filepath.Join(r.DevDir, d.Name)
		dev, err := loadIfPresent(dir, extension.SourceLocalDev)
		if err != nil {
			return Resolved{}, err
		}
		if dev != nil {
			if dev.Version != d.Version {
				logger.Warn("local-dev extension overrides planned version",
					"extension", d.Name, "planned", d.Version, "local", dev.Version)
			}
			return Resolved{Type: extension.SourceLocalDev, Dir: dir}, nil
		}
	}

	if r.BundledDir != "" {
		dir := filepath.Join(r.BundledDir, d.Name)
		bundled, err := loadIfPresent(dir, extension.SourceBundled)
		if err != nil {
			return Resolved{}, err
		}
		if bundled != nil {
			if _, err := os.Stat(filepath.Join(dir, extension.LocalDevMarker)); err == nil {
				return Resolved{Type: extension.SourceLocalDev, Dir: dir}, nil
			}
			if bundled.SemVer().Equal(d.SemVer()) {
				return Resolved{Type: extension.SourceBundled, Dir: dir}, nil
			}
		}
	}

	if d.Dist != nil {
		if r.Cache == nil {
			return Resolved{}, fmt.Errorf("%w: %s is downloadable but no cache is configured", ErrNoSource, d.Key())
		}
		e, err := r.Cache.Get(ctx, Artifact{Name: d.Name, Version: d.Version, URL: d.Dist.URL, Digest: d.Dist.Digest})
		if err != nil {
			return Resolved{}, err
		}
		return Resolved{Type: extension.SourceDownloaded, Dir: e.Payload, Digest: e.Sidecar.Digest}, nil
	}

	return Resolved{}, fmt.Errorf("%w: %s", ErrNoSource, d.Key())
}

func loadIfPresent(dir string, src extension.SourceType) (*extension.Descriptor, error) {
	d, err := extension.LoadDescriptor(dir, src)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return d, err
}
