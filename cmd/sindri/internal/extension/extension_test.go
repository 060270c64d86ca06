// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package extension

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pacphi/sindri/cmd/sindri/internal/retry"
	"github.com/pacphi/sindri/cmd/sindri/internal/version"
)

const pythonDescriptor = `
name: python
version: 3.1.0
description: Python via mise
install:
  method: script
  timeout: 5m
  retry:
    maxAttempts: 3
    strategy: exponential
    initialDelay: 1ms
    maxDelay: 10ms
    multiplier: 2
upgrade:
  strategy: in-place
platforms: [linux, darwin/arm64]
dependencies:
  - name: mise
    version: "^1"
compatibility:
  minCli: "3.0"
hooks:
  install: scripts/install.sh
  verify: scripts/verify.sh
validate:
  - name: python3
    versionFlag: --version
    expectedPattern: "Python 3\\."
`

func writeExtension(t *testing.T, root, name, body string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, DescriptorFile), []byte(body), 0o644))
	return dir
}

func TestParseDescriptor(t *testing.T) {
	d, err := ParseDescriptor([]byte(pythonDescriptor))
	require.NoError(t, err)

	assert.Equal(t, "python@3.1.0", d.Key())
	assert.Equal(t, UpgradeInPlace, d.UpgradeStrategy())
	assert.Equal(t, 5*time.Minute, d.Install.Timeout)
	assert.Equal(t, "3.0", d.Requirements().MinCLI)

	p := d.RetryPolicy(retry.DefaultPolicy())
	assert.Equal(t, retry.StrategyExponential, p.Strategy)
	assert.Equal(t, time.Millisecond, p.Initial)

	assert.True(t, d.Supports("linux", "amd64"))
	assert.True(t, d.Supports("darwin", "arm64"))
	assert.False(t, d.Supports("darwin", "amd64"))
	assert.False(t, d.Supports("windows", "amd64"))

	assert.Equal(t, filepath.Join("/x", "scripts", "verify.sh"), d.HookPath("/x", HookVerify))
	assert.Empty(t, d.HookPath("/x", HookRemove))
}

func TestParseDescriptor_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown field":      "name: a\nversion: 1.0.0\ninstall: {method: archive}\nsurprise: 1\n",
		"bad version":        "name: a\nversion: one\ninstall: {method: archive}\n",
		"bad method":         "name: a\nversion: 1.0.0\ninstall: {method: magic}\n",
		"script without":     "name: a\nversion: 1.0.0\ninstall: {method: script}\n",
		"upper name":         "name: Python\nversion: 1.0.0\ninstall: {method: archive}\n",
		"self dependency":    "name: a\nversion: 1.0.0\ninstall: {method: archive}\ndependencies: [{name: a}]\n",
		"bad constraint":     "name: a\nversion: 1.0.0\ninstall: {method: archive}\ndependencies: [{name: b, version: '>>1'}]\n",
		"bad strategy":       "name: a\nversion: 1.0.0\ninstall: {method: archive}\nupgrade: {strategy: sideways}\n",
		"invalid retry":      "name: a\nversion: 1.0.0\ninstall: {method: archive, retry: {maxAttempts: 0, strategy: fixed}}\n",
		"dependency no name": "name: a\nversion: 1.0.0\ninstall: {method: archive}\ndependencies: [{version: '^1'}]\n",
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDescriptor([]byte(body))
			assert.ErrorIs(t, err, ErrInvalidDescriptor)
		})
	}
}

func TestScanDir(t *testing.T) {
	root := t.TempDir()
	writeExtension(t, root, "python", pythonDescriptor)
	devDir := writeExtension(t, root, "node", "name: node\nversion: 20.0.0\ninstall: {method: archive}\n")
	require.NoError(t, os.WriteFile(filepath.Join(devDir, LocalDevMarker), nil, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	descs, err := ScanDir(root, SourceBundled)
	require.NoError(t, err)
	require.Len(t, descs, 2)

	bySource := map[string]SourceType{}
	for _, d := range descs {
		bySource[d.Name] = d.Source
		assert.DirExists(t, d.Dir)
	}
	assert.Equal(t, SourceBundled, bySource["python"])
	assert.Equal(t, SourceLocalDev, bySource["node"])

	missing, err := ScanDir(filepath.Join(root, "nope"), SourceBundled)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestRegistry(t *testing.T) {
	mk := func(v string, src SourceType) *Descriptor {
		d := &Descriptor{Name: "python", Version: v, Install: Install{Method: MethodArchive}, Source: src}
		require.NoError(t, d.Check())
		return d
	}

	r := NewRegistry(
		mk("3.1.0", SourceDownloaded),
		mk("3.0.0", SourceDownloaded),
		mk("4.0.0-beta", SourceDownloaded),
		mk("3.1.0", SourceBundled),
	)

	versions := r.Versions("python")
	require.Len(t, versions, 3)
	assert.Equal(t, "3.0.0", versions[0].Version)
	assert.Equal(t, "4.0.0-beta", versions[2].Version)

	d, err := r.Lookup("python", version.MustParse("3.1.0"))
	require.NoError(t, err)
	assert.Equal(t, SourceBundled, d.Source, "bundled beats downloaded")

	latest, err := r.Latest("python")
	require.NoError(t, err)
	assert.Equal(t, "3.1.0", latest.Version)

	_, err = r.Lookup("ruby", version.MustParse("1.0.0"))
	assert.ErrorIs(t, err, ErrUnknownExtension)
	_, err = r.Lookup("python", version.MustParse("9.0.0"))
	assert.ErrorIs(t, err, ErrUnknownExtension)

	assert.Equal(t, []string{"python"}, r.Names())
	assert.True(t, r.Has("python"))
	assert.False(t, r.Protected("python"))
}

func TestLoadRegistry(t *testing.T) {
	home := t.TempDir()
	index := filepath.Join(home, "registry.yaml")
	require.NoError(t, os.WriteFile(index, []byte(`
version: "1.0"
extensions:
  - name: python
    version: 3.0.0
    install: {method: archive}
    dist: {url: "https://example.test/python-3.0.0.tar.gz", digest: "sha256:abc"}
  - name: python
    version: 3.1.0
    install: {method: archive}
    dist: {url: "https://example.test/python-3.1.0.tar.gz", digest: "sha256:def"}
`), 0o644))
	bundled := filepath.Join(home, "bundled")
	writeExtension(t, bundled, "git", "name: git\nversion: 2.0.0\ninstall: {method: archive}\nprotected: true\n")

	r, err := LoadRegistry(Sources{IndexPath: index, BundledDir: bundled, LocalDevDir: filepath.Join(home, "dev")})
	require.NoError(t, err)
	assert.Equal(t, []string{"git", "python"}, r.Names())
	assert.True(t, r.Protected("git"))
	assert.Len(t, r.Versions("python"), 2)
	assert.Equal(t, SourceDownloaded, r.Versions("python")[0].Source)
}

func TestParseIndex_RequiresDist(t *testing.T) {
	_, err := ParseIndex([]byte("version: '1'\nextensions:\n  - name: a\n    version: 1.0.0\n    install: {method: archive}\n"))
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
}
