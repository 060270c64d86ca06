// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package supportfiles keeps the shared files extensions rely on in step
// with the running CLI version.
//
// Support files live under <home>/support/. Each sync records which CLI
// version they belong to in <home>/.support-files-metadata.yaml so later
// runs can skip the download.
package supportfiles

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/pacphi/sindri/cmd/sindri/internal/retry"
	"github.com/pacphi/sindri/cmd/sindri/internal/source"
	"github.com/pacphi/sindri/cmd/sindri/internal/util"
	"github.com/pacphi/sindri/cmd/sindri/internal/version"
	"github.com/pacphi/sindri/pkg/logging"
)

const (
	// Dir is the support directory under the home.
	Dir = "support"

	// MetadataFile records the last sync.
	MetadataFile = ".support-files-metadata.yaml"

	// DefaultBaseURL serves release-tagged support files.
	DefaultBaseURL = "https://raw.githubusercontent.com/pacphi/sindri"
)

// File is one managed support file.
type File struct {
	Name string
	Mode os.FileMode
}

// Files lists every managed support file.
var Files = []File{
	{Name: "common.sh", Mode: 0o755},
	{Name: "compatibility-matrix.yaml", Mode: 0o644},
	{Name: "extension-source.yaml", Mode: 0o644},
}

// Origin says where a file came from.
type Origin string

const (
	OriginDownloaded Origin = "downloaded"
	OriginBundled    Origin = "bundled"
)

// Metadata is the sync record.
type Metadata struct {
	CLIVersion string            `yaml:"cliVersion"`
	Source     Origin            `yaml:"source"`
	Tag        string            `yaml:"tag,omitempty"`
	FetchedAt  time.Time         `yaml:"fetchedAt"`
	Files      map[string]string `yaml:"files"`
}

// ErrIncomplete means at least one file could be neither downloaded nor
// copied from the bundle. The metadata is left untouched so the next run
// tries again.
var ErrIncomplete = errors.New("support files incomplete")

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// BaseURL is joined with the release tag and file name.
	BaseURL string

	// BundledDir holds copies shipped with the CLI.
	BundledDir string

	Fetcher source.Fetcher
	Retry   retry.Executor
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Manager syncs support files into a home directory.
//
// # Thread Safety
//
// Not safe for concurrent Sync calls on the same home.
type Manager struct {
	home    string
	cli     *semver.Version
	base    string
	bundled string
	fetcher source.Fetcher
	exec    retry.Executor
	logger  *slog.Logger
	clock   func() time.Time
}

// NewManager returns a manager for home at cliVersion.
func NewManager(home, cliVersion string, opts ManagerOptions) (*Manager, error) {
	cli, err := version.Parse(cliVersion)
	if err != nil {
		return nil, fmt.Errorf("cli version: %w", err)
	}
	m := &Manager{
		home:    home,
		cli:     cli,
		base:    strings.TrimSuffix(opts.BaseURL, "/"),
		bundled: opts.BundledDir,
		fetcher: opts.Fetcher,
		exec:    opts.Retry,
		logger:  opts.Logger,
		clock:   opts.Clock,
	}
	if m.base == "" {
		m.base = DefaultBaseURL
	}
	if m.fetcher == nil {
		m.fetcher = source.NewMux(nil)
	}
	if m.exec.Policy.MaxAttempts == 0 {
		m.exec.Policy = retry.NetworkPolicy()
	}
	if m.exec.Predicate == nil {
		m.exec.Predicate = retry.Transient()
	}
	if m.logger == nil {
		m.logger = logging.Discard()
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	return m, nil
}

// Tag is the release tag for the CLI version, build metadata dropped.
func (m *Manager) Tag() string {
	tag := fmt.Sprintf("v%d.%d.%d", m.cli.Major(), m.cli.Minor(), m.cli.Patch())
	if pre := m.cli.Prerelease(); pre != "" {
		tag += "-" + pre
	}
	return tag
}

// URL is where name is downloaded from.
func (m *Manager) URL(name string) string {
	return m.base + "/" + m.Tag() + "/" + name
}

// Path is where name is installed.
func (m *Manager) Path(name string) string {
	return filepath.Join(m.home, Dir, name)
}

// MetadataPath is the sync record location.
func (m *Manager) MetadataPath() string {
	return filepath.Join(m.home, MetadataFile)
}

// Options control a sync.
type Options struct {
	// Force syncs even when the metadata already matches.
	Force bool

	// Offline skips the network and installs bundled copies.
	Offline bool
}

// FileResult is what happened to one file.
type FileResult struct {
	Name   string
	Origin Origin
	Digest string
	Err    error
}

// Result summarizes a sync.
type Result struct {
	// Updated is false when the files were already current.
	Updated  bool
	Metadata *Metadata
	Files    []FileResult
}

// Sync brings the support files up to date.
//
// # Description
//
// When the metadata records the running CLI version and Force is unset
// nothing happens. Otherwise every file and its .sha256 are downloaded
// under retry and checked. A file that cannot be downloaded falls back to
// its bundled copy, and the metadata then records source bundled. A
// checksum mismatch never falls back. Files are written atomically and
// the metadata last.
//
// # Outputs
//
//   - *Result: Per-file outcome.
//   - error: ErrIncomplete wrapping per-file errors, or a context error.
func (m *Manager) Sync(ctx context.Context, opts Options) (*Result, error) {
	if !opts.Force {
		meta, err := m.Metadata()
		if err != nil {
			m.logger.Warn("support file metadata unreadable, resyncing", "error", err)
		} else if meta != nil && m.current(meta) {
			m.logger.Debug("support files up to date", "cli_version", meta.CLIVersion)
			return &Result{Metadata: meta}, nil
		}
	}

	if err := os.MkdirAll(filepath.Join(m.home, Dir), 0o755); err != nil {
		return nil, err
	}

	meta := &Metadata{
		CLIVersion: m.cli.String(),
		Source:     OriginDownloaded,
		FetchedAt:  m.clock().UTC(),
		Files:      make(map[string]string, len(Files)),
	}
	if !opts.Offline {
		meta.Tag = m.Tag()
	}
	res := &Result{Updated: true, Metadata: meta}

	var errs []error
	for _, f := range Files {
		fr := m.syncFile(ctx, f, opts.Offline)
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Files = append(res.Files, fr)
		if fr.Err != nil {
			errs = append(errs, fr.Err)
			continue
		}
		meta.Files[f.Name] = fr.Digest
		if fr.Origin == OriginBundled {
			meta.Source = OriginBundled
		}
	}
	if len(errs) > 0 {
		return res, fmt.Errorf("%w: %w", ErrIncomplete, errors.Join(errs...))
	}

	data, err := yaml.Marshal(meta)
	if err != nil {
		return res, err
	}
	if err := util.WriteFileAtomic(m.MetadataPath(), data, 0o644); err != nil {
		return res, fmt.Errorf("write support file metadata: %w", err)
	}
	m.logger.Info("support files synced", "cli_version", meta.CLIVersion, "source", meta.Source, "files", len(meta.Files))
	return res, nil
}

func (m *Manager) current(meta *Metadata) bool {
	v, err := version.Parse(meta.CLIVersion)
	return err == nil && v.Equal(m.cli)
}

func (m *Manager) syncFile(ctx context.Context, f File, offline bool) FileResult {
	fr := FileResult{Name: f.Name, Origin: OriginDownloaded}
	var data []byte
	var err error
	if !offline {
		data, err = m.download(ctx, f.Name)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, source.ErrDigestMismatch) {
				fr.Err = err
				return fr
			}
			m.logger.Warn("support file download failed, using bundled copy", "file", f.Name, "error", err)
		}
	}
	if offline || err != nil {
		data, fr.Err = m.readBundled(f.Name)
		if fr.Err != nil {
			fr.Err = errors.Join(err, fr.Err)
			return fr
		}
		fr.Origin = OriginBundled
	}
	if fr.Err = util.WriteFileAtomic(m.Path(f.Name), data, f.Mode); fr.Err != nil {
		return fr
	}
	fr.Digest = digest(data)
	return fr
}

// download fetches name and its .sha256 and checks one against the other.
func (m *Manager) download(ctx context.Context, name string) ([]byte, error) {
	body, err := m.fetch(ctx, m.URL(name))
	if err != nil {
		return nil, err
	}
	sum, err := m.fetch(ctx, m.URL(name)+".sha256")
	if err != nil {
		return nil, fmt.Errorf("checksum: %w", err)
	}
	fields := strings.Fields(string(sum))
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty checksum for %s", source.ErrDigestMismatch, name)
	}
	if got, want := digest(body), strings.ToLower(fields[0]); got != want {
		return nil, fmt.Errorf("%w: %s is sha256:%s, expected sha256:%s", source.ErrDigestMismatch, name, got, want)
	}
	return body, nil
}

func (m *Manager) fetch(ctx context.Context, url string) ([]byte, error) {
	return retry.Do(ctx, m.exec.Named("supportfiles.fetch"), func(ctx context.Context) ([]byte, error) {
		var buf bytes.Buffer
		if err := m.fetcher.Fetch(ctx, url, &buf); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	})
}

func (m *Manager) readBundled(name string) ([]byte, error) {
	if m.bundled == "" {
		return nil, fmt.Errorf("no bundled copy of %s", name)
	}
	data, err := os.ReadFile(filepath.Join(m.bundled, name))
	if err != nil {
		return nil, fmt.Errorf("bundled %s: %w", name, err)
	}
	return data, nil
}

// Metadata reads the sync record. It returns nil when none exists.
func (m *Manager) Metadata() (*Metadata, error) {
	data, err := os.ReadFile(m.MetadataPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse %s: %w", MetadataFile, err)
	}
	return &meta, nil
}

// Status describes the installed support files.
type Status struct {
	Metadata *Metadata

	// Current is true when the metadata matches the running CLI.
	Current bool

	// Missing and Modified list files absent from disk or whose hash
	// differs from the metadata.
	Missing  []string
	Modified []string
}

// Status compares the files on disk with the last sync.
func (m *Manager) Status() (*Status, error) {
	meta, err := m.Metadata()
	if err != nil {
		return nil, err
	}
	st := &Status{Metadata: meta}
	if meta == nil {
		for _, f := range Files {
			st.Missing = append(st.Missing, f.Name)
		}
		return st, nil
	}
	st.Current = m.current(meta)
	for _, f := range Files {
		data, err := os.ReadFile(m.Path(f.Name))
		switch {
		case errors.Is(err, os.ErrNotExist):
			st.Missing = append(st.Missing, f.Name)
		case err != nil:
			return nil, err
		case meta.Files[f.Name] != digest(data):
			st.Modified = append(st.Modified, f.Name)
		}
	}
	return st, nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
