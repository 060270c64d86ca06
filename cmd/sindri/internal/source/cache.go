// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/mod/sumdb/dirhash"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/pacphi/sindri/cmd/sindri/internal/retry"
	"github.com/pacphi/sindri/cmd/sindri/internal/util"
	"github.com/pacphi/sindri/pkg/logging"
)

const (
	// SidecarFile describes a cache entry. It sits next to PayloadDir.
	SidecarFile = ".sindri-cache.yaml"

	// PayloadDir holds the extracted archive inside a cache entry.
	PayloadDir = "payload"

	quarantineDir = ".quarantine"
	fetchPrefix   = ".fetch-"
)

var (
	// ErrDigestMismatch means downloaded bytes do not hash to the
	// published digest.
	ErrDigestMismatch = errors.New("content digest mismatch")

	// ErrInvalidDigest is returned for digests that are not sha256:<hex>.
	ErrInvalidDigest = errors.New("invalid content digest")
)

// Artifact identifies a downloadable payload.
type Artifact struct {
	Name    string
	Version string
	URL     string
	Digest  string
}

func (a Artifact) String() string { return a.Name + "@" + a.Version }

// Sidecar is the metadata written next to every cached payload.
type Sidecar struct {
	Name        string    `yaml:"name"`
	Version     string    `yaml:"version"`
	Digest      string    `yaml:"digest"`
	URL         string    `yaml:"url"`
	PayloadHash string    `yaml:"payloadHash"`
	FetchedAt   time.Time `yaml:"fetchedAt"`
}

// Entry is a validated cache entry.
type Entry struct {
	Dir     string
	Payload string
	Sidecar Sidecar

	// Fetched is true when this call downloaded the payload.
	Fetched bool
}

// CacheOptions configures a Cache.
type CacheOptions struct {
	Fetcher Fetcher

	// Retry wraps each download. Its Predicate defaults to
	// retry.Transient.
	Retry retry.Executor

	Clock  func() time.Time
	Logger *slog.Logger
}

// Cache stores downloaded extension payloads under
// <root>/<name>/<version>/<digest-hex>/.
//
// # Description
//
// A populated entry is never modified. Entries are built in a temporary
// sibling directory and renamed into place, so readers never observe a
// partial entry. Every reuse revalidates the sidecar and the payload hash;
// an entry that fails is moved to <root>/.quarantine/ and fetched again.
//
// # Thread Safety
//
// Concurrent Get calls for one key share a single download. Separate
// processes may race to populate the same key; the loser discards its copy
// and uses the winner's.
type Cache struct {
	root    string
	fetcher Fetcher
	exec    retry.Executor
	clock   func() time.Time
	logger  *slog.Logger
	group   singleflight.Group
}

// NewCache returns a cache rooted at root.
func NewCache(root string, opts CacheOptions) *Cache {
	c := &Cache{
		root:    root,
		fetcher: opts.Fetcher,
		exec:    opts.Retry,
		clock:   opts.Clock,
		logger:  opts.Logger,
	}
	if c.fetcher == nil {
		c.fetcher = NewMux(nil)
	}
	if c.exec.Policy.MaxAttempts == 0 {
		c.exec.Policy = retry.NetworkPolicy()
	}
	if c.exec.Predicate == nil {
		c.exec.Predicate = retry.Transient()
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	return c
}

// Root returns the cache directory.
func (c *Cache) Root() string { return c.root }

// Dir returns where a's entry lives, whether or not it exists.
func (c *Cache) Dir(a Artifact) (string, error) {
	hexDigest, err := digestHex(a.Digest)
	if err != nil {
		return "", err
	}
	return filepath.Join(c.root, a.Name, a.Version, hexDigest), nil
}

// Get returns a validated entry for a, downloading it when absent or
// invalid.
func (c *Cache) Get(ctx context.Context, a Artifact) (Entry, error) {
	dir, err := c.Dir(a)
	if err != nil {
		return Entry{}, fmt.Errorf("%s: %w", a, err)
	}
	// The shared fetch outlives any one caller so that cancelling the
	// caller that started it does not fail the others waiting on it.
	var leader bool
	ch := c.group.DoChan(dir, func() (any, error) {
		leader = true
		return c.ensure(context.WithoutCancel(ctx), a, dir)
	})
	select {
	case <-ctx.Done():
		return Entry{}, fmt.Errorf("%s: %w", a, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Entry{}, res.Err
		}
		e := res.Val.(Entry)
		if !leader {
			e.Fetched = false
		}
		return e, nil
	}
}

func (c *Cache) ensure(ctx context.Context, a Artifact, dir string) (Entry, error) {
	if _, err := os.Stat(dir); err == nil {
		sc, verr := c.validate(dir, a)
		if verr == nil {
			return entryFor(dir, sc, false), nil
		}
		moved, err := c.quarantine(dir, a)
		if err != nil {
			return Entry{}, fmt.Errorf("quarantine %s: %w", dir, err)
		}
		c.logger.Warn("cache entry failed validation",
			"extension", a.Name, "version", a.Version, "reason", verr, "quarantined", moved)
	}
	return c.populate(ctx, a, dir)
}

func (c *Cache) populate(ctx context.Context, a Artifact, dir string) (Entry, error) {
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return Entry{}, err
	}
	tmp, err := os.MkdirTemp(parent, fetchPrefix+"*")
	if err != nil {
		return Entry{}, err
	}
	defer os.RemoveAll(tmp)

	archive := filepath.Join(tmp, "archive")
	if err := c.download(ctx, a, archive); err != nil {
		return Entry{}, err
	}

	payload := filepath.Join(tmp, PayloadDir)
	if err := os.Mkdir(payload, 0o755); err != nil {
		return Entry{}, err
	}
	if err := extractFile(archive, payload); err != nil {
		return Entry{}, fmt.Errorf("unpack %s: %w", a, err)
	}
	if err := os.Remove(archive); err != nil {
		return Entry{}, err
	}
	if err := hoist(payload); err != nil {
		return Entry{}, err
	}

	hash, err := Checksum(payload)
	if err != nil {
		return Entry{}, err
	}
	sc := Sidecar{
		Name:        a.Name,
		Version:     a.Version,
		Digest:      normalizeDigest(a.Digest),
		URL:         a.URL,
		PayloadHash: hash,
		FetchedAt:   c.clock().UTC(),
	}
	data, err := yaml.Marshal(sc)
	if err != nil {
		return Entry{}, err
	}
	if err := util.WriteFileAtomic(filepath.Join(tmp, SidecarFile), data, 0o644); err != nil {
		return Entry{}, err
	}

	if err := util.RenameDir(tmp, dir); err != nil {
		if _, statErr := os.Stat(dir); statErr != nil {
			return Entry{}, fmt.Errorf("install cache entry %s: %w", dir, err)
		}
		// Another process populated the key first.
		existing, verr := c.validate(dir, a)
		if verr != nil {
			return Entry{}, fmt.Errorf("cache entry %s appeared concurrently but is invalid: %w", dir, verr)
		}
		c.logger.Debug("cache entry populated concurrently", "extension", a.Name, "version", a.Version)
		return entryFor(dir, existing, false), nil
	}

	c.logger.Info("cached extension payload", "extension", a.Name, "version", a.Version, "dir", dir)
	return entryFor(dir, sc, true), nil
}

func (c *Cache) download(ctx context.Context, a Artifact, path string) error {
	want, err := digestHex(a.Digest)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	err = retry.Run(ctx, c.exec.Named("source.fetch"), func(ctx context.Context) error {
		if err := f.Truncate(0); err != nil {
			return retry.Permanent(err)
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return retry.Permanent(err)
		}
		h.Reset()
		return c.fetcher.Fetch(ctx, a.URL, io.MultiWriter(f, h))
	})
	if err != nil {
		return fmt.Errorf("fetch %s: %w", a, err)
	}

	if got := hex.EncodeToString(h.Sum(nil)); got != want {
		return fmt.Errorf("%w: %s from %s is sha256:%s, expected sha256:%s", ErrDigestMismatch, a, a.URL, got, want)
	}
	return f.Sync()
}

func (c *Cache) validate(dir string, a Artifact) (Sidecar, error) {
	var sc Sidecar
	data, err := os.ReadFile(filepath.Join(dir, SidecarFile))
	if err != nil {
		return sc, fmt.Errorf("read sidecar: %w", err)
	}
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return sc, fmt.Errorf("decode sidecar: %w", err)
	}
	if sc.Name != a.Name || sc.Version != a.Version {
		return sc, fmt.Errorf("sidecar describes %s@%s", sc.Name, sc.Version)
	}
	if sc.Digest != normalizeDigest(a.Digest) {
		return sc, fmt.Errorf("%w: sidecar records %s", ErrDigestMismatch, sc.Digest)
	}
	hash, err := Checksum(filepath.Join(dir, PayloadDir))
	if err != nil {
		return sc, err
	}
	if hash != sc.PayloadHash {
		return sc, fmt.Errorf("payload hash %s does not match sidecar %s", hash, sc.PayloadHash)
	}
	return sc, nil
}

func (c *Cache) quarantine(dir string, a Artifact) (string, error) {
	q := filepath.Join(c.root, quarantineDir)
	if err := os.MkdirAll(q, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(q, fmt.Sprintf("%s-%s-%s-%d", a.Name, a.Version, filepath.Base(dir)[:12], c.clock().UnixNano()))
	if err := util.RenameDir(dir, dest); err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			return "", errors.Join(err, rmErr)
		}
		return "", nil
	}
	return dest, nil
}

// PruneReport lists what Prune removed.
type PruneReport struct {
	Removed []string
	Bytes   int64
}

// Prune deletes every cached version for which keep returns false, along
// with quarantined entries and abandoned downloads.
func (c *Cache) Prune(keep func(name, version string) bool) (PruneReport, error) {
	var report PruneReport
	names, err := os.ReadDir(c.root)
	if errors.Is(err, os.ErrNotExist) {
		return report, nil
	}
	if err != nil {
		return report, err
	}

	remove := func(path, label string) error {
		size, _ := util.DirSize(path)
		if err := os.RemoveAll(path); err != nil {
			return err
		}
		report.Removed = append(report.Removed, label)
		report.Bytes += size
		return nil
	}

	for _, n := range names {
		if !n.IsDir() {
			continue
		}
		nameDir := filepath.Join(c.root, n.Name())
		if n.Name() == quarantineDir {
			if err := remove(nameDir, quarantineDir); err != nil {
				return report, err
			}
			continue
		}
		versions, err := os.ReadDir(nameDir)
		if err != nil {
			return report, err
		}
		kept := 0
		for _, v := range versions {
			if !v.IsDir() {
				continue
			}
			versionDir := filepath.Join(nameDir, v.Name())
			if !keep(n.Name(), v.Name()) {
				if err := remove(versionDir, n.Name()+"@"+v.Name()); err != nil {
					return report, err
				}
				continue
			}
			kept++
			stale, _ := filepath.Glob(filepath.Join(versionDir, fetchPrefix+"*"))
			for _, s := range stale {
				if err := remove(s, s); err != nil {
					return report, err
				}
			}
		}
		if kept == 0 {
			if err := os.RemoveAll(nameDir); err != nil {
				return report, err
			}
		}
	}
	return report, nil
}

// Checksum returns the h1: directory hash of dir's regular files.
func Checksum(dir string) (string, error) {
	h, err := dirhash.HashDir(dir, "", dirhash.Hash1)
	if err != nil {
		return "", fmt.Errorf("checksum %s: %w", dir, err)
	}
	return h, nil
}

func entryFor(dir string, sc Sidecar, fetched bool) Entry {
	return Entry{Dir: dir, Payload: filepath.Join(dir, PayloadDir), Sidecar: sc, Fetched: fetched}
}

func extractFile(archive, dst string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()
	return extract(f, dst)
}

func digestHex(digest string) (string, error) {
	h := strings.TrimPrefix(digest, "sha256:")
	if strings.Contains(h, ":") {
		return "", fmt.Errorf("%w: %q (only sha256 is supported)", ErrInvalidDigest, digest)
	}
	if len(h) != sha256.Size*2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidDigest, digest)
	}
	if _, err := hex.DecodeString(h); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDigest, digest)
	}
	return strings.ToLower(h), nil
}

func normalizeDigest(digest string) string {
	h, err := digestHex(digest)
	if err != nil {
		return digest
	}
	return "sha256:" + h
}
