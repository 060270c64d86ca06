// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package source

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pacphi/sindri/cmd/sindri/internal/extension"
	"github.com/pacphi/sindri/cmd/sindri/internal/retry"
)

type tarEntry struct {
	name string
	body string
	link string
	dir  bool
}

func tarball(t *testing.T, entries ...tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		switch {
		case e.dir:
			hdr = &tar.Header{Name: e.name, Mode: 0o755, Typeflag: tar.TypeDir}
		case e.link != "":
			hdr = &tar.Header{Name: e.name, Linkname: e.link, Typeflag: tar.TypeSymlink}
		case strings.HasSuffix(e.name, ".sh"):
			hdr.Mode = 0o755
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

var pythonArchive = []tarEntry{
	{name: "extension.yaml", body: "name: python\nversion: 3.1.0\ninstall: {method: script}\nhooks: {install: install.sh}\n"},
	{name: "install.sh", body: "#!/bin/sh\necho ok\n"},
	{name: "lib/", dir: true},
	{name: "lib/helpers.sh", body: "true\n"},
}

// blobServer serves blobs by path and counts hits per path.
type blobServer struct {
	mu    sync.Mutex
	blobs map[string][]byte
	fail  map[string]int
	hits  map[string]int
	token string
	delay time.Duration
}

func newBlobServer(t *testing.T) (*blobServer, *httptest.Server) {
	b := &blobServer{blobs: map[string][]byte{}, fail: map[string]int{}, hits: map[string]int{}}
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return b, srv
}

func (b *blobServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.hits[r.URL.Path]++
	data, ok := b.blobs[r.URL.Path]
	failing := b.fail[r.URL.Path] > 0
	if failing {
		b.fail[r.URL.Path]--
	}
	token, delay := b.token, b.delay
	b.mu.Unlock()

	if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if failing {
		http.Error(w, "try later", http.StatusServiceUnavailable)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	time.Sleep(delay)
	_, _ = w.Write(data)
}

func (b *blobServer) put(path string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[path] = data
}

func (b *blobServer) count(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[path]
}

func fastExecutor() retry.Executor {
	return retry.Executor{Policy: retry.Policy{
		MaxAttempts: 3,
		Strategy:    retry.StrategyFixed,
		Initial:     time.Millisecond,
		Max:         time.Millisecond,
	}}
}

func mustDir(t *testing.T, c *Cache, a Artifact) string {
	t.Helper()
	dir, err := c.Dir(a)
	require.NoError(t, err)
	return dir
}

func newTestCache(t *testing.T, f Fetcher) *Cache {
	t.Helper()
	if f == nil {
		f = NewMux(nil)
	}
	return NewCache(filepath.Join(t.TempDir(), "cache"), CacheOptions{
		Fetcher: f,
		Retry:   fastExecutor(),
		Clock:   func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
}

// =============================================================================
// Cache
// =============================================================================

func TestCache_DownloadAndReuse(t *testing.T) {
	blobs, srv := newBlobServer(t)
	data := tarball(t, pythonArchive...)
	blobs.put("/python-3.1.0.tar.gz", data)

	c := newTestCache(t, nil)
	a := Artifact{Name: "python", Version: "3.1.0", URL: srv.URL + "/python-3.1.0.tar.gz", Digest: sha(data)}
	ctx := context.Background()

	e, err := c.Get(ctx, a)
	require.NoError(t, err)
	assert.True(t, e.Fetched)
	assert.FileExists(t, filepath.Join(e.Payload, "install.sh"))
	assert.FileExists(t, filepath.Join(e.Payload, "lib", "helpers.sh"))
	assert.FileExists(t, filepath.Join(e.Dir, SidecarFile))
	assert.Equal(t, filepath.Join(c.Root(), "python", "3.1.0", strings.TrimPrefix(sha(data), "sha256:")), e.Dir)
	assert.True(t, strings.HasPrefix(e.Sidecar.PayloadHash, "h1:"))
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), e.Sidecar.FetchedAt)

	info, err := os.Stat(filepath.Join(e.Payload, "install.sh"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100, "executable bit kept")

	again, err := c.Get(ctx, a)
	require.NoError(t, err)
	assert.False(t, again.Fetched)
	assert.Equal(t, e.Sidecar, again.Sidecar)
	assert.Equal(t, 1, blobs.count("/python-3.1.0.tar.gz"))
}

func TestCache_HoistsSingleTopLevelDir(t *testing.T) {
	blobs, srv := newBlobServer(t)
	var wrapped []tarEntry
	for _, e := range pythonArchive {
		e.name = "python-3.1.0/" + e.name
		wrapped = append(wrapped, e)
	}
	data := tarball(t, wrapped...)
	blobs.put("/p.tgz", data)

	e, err := newTestCache(t, nil).Get(context.Background(), Artifact{Name: "python", Version: "3.1.0", URL: srv.URL + "/p.tgz", Digest: sha(data)})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(e.Payload, extension.DescriptorFile))
}

func TestCache_DigestMismatchLeavesNothing(t *testing.T) {
	blobs, srv := newBlobServer(t)
	data := tarball(t, pythonArchive...)
	blobs.put("/p.tgz", data)

	c := newTestCache(t, nil)
	a := Artifact{Name: "python", Version: "3.1.0", URL: srv.URL + "/p.tgz", Digest: sha([]byte("something else"))}

	_, err := c.Get(context.Background(), a)
	require.ErrorIs(t, err, ErrDigestMismatch)

	dir, err := c.Dir(a)
	require.NoError(t, err)
	assert.NoDirExists(t, dir)
	leftovers, _ := os.ReadDir(filepath.Dir(dir))
	assert.Empty(t, leftovers, "temporary download removed")
	assert.Equal(t, 1, blobs.count("/p.tgz"), "a digest mismatch is not retried")
}

func TestCache_QuarantinesTamperedEntry(t *testing.T) {
	blobs, srv := newBlobServer(t)
	data := tarball(t, pythonArchive...)
	blobs.put("/p.tgz", data)

	c := newTestCache(t, nil)
	a := Artifact{Name: "python", Version: "3.1.0", URL: srv.URL + "/p.tgz", Digest: sha(data)}
	ctx := context.Background()

	e, err := c.Get(ctx, a)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(e.Payload, "install.sh"), []byte("rm -rf /\n"), 0o755))

	again, err := c.Get(ctx, a)
	require.NoError(t, err)
	assert.True(t, again.Fetched)
	assert.Equal(t, 2, blobs.count("/p.tgz"))

	body, err := os.ReadFile(filepath.Join(again.Payload, "install.sh"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho ok\n", string(body))

	quarantined, err := os.ReadDir(filepath.Join(c.Root(), quarantineDir))
	require.NoError(t, err)
	assert.Len(t, quarantined, 1)
}

func TestCache_RetriesTransientFailures(t *testing.T) {
	blobs, srv := newBlobServer(t)
	data := tarball(t, pythonArchive...)
	blobs.put("/p.tgz", data)
	blobs.fail["/p.tgz"] = 2

	_, err := newTestCache(t, nil).Get(context.Background(), Artifact{Name: "python", Version: "3.1.0", URL: srv.URL + "/p.tgz", Digest: sha(data)})
	require.NoError(t, err)
	assert.Equal(t, 3, blobs.count("/p.tgz"))
}

func TestCache_NotFoundIsNotRetried(t *testing.T) {
	blobs, srv := newBlobServer(t)

	_, err := newTestCache(t, nil).Get(context.Background(), Artifact{Name: "python", Version: "3.1.0", URL: srv.URL + "/missing.tgz", Digest: sha(nil)})
	require.ErrorIs(t, err, ErrObjectNotFound)
	var nonRetryable *retry.NonRetryableError
	assert.ErrorAs(t, err, &nonRetryable)
	assert.Equal(t, 1, blobs.count("/missing.tgz"))
}

func TestCache_ConcurrentGetsShareDownload(t *testing.T) {
	blobs, srv := newBlobServer(t)
	data := tarball(t, pythonArchive...)
	blobs.put("/p.tgz", data)
	blobs.delay = 20 * time.Millisecond

	c := newTestCache(t, nil)
	a := Artifact{Name: "python", Version: "3.1.0", URL: srv.URL + "/p.tgz", Digest: sha(data)}

	var wg sync.WaitGroup
	var fetched atomic.Int32
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := c.Get(context.Background(), a)
			errs[i] = err
			if e.Fetched {
				fetched.Add(1)
			}
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, blobs.count("/p.tgz"))
	assert.Equal(t, int32(1), fetched.Load())
}

func TestCache_CancelledCallerDoesNotFailWaiters(t *testing.T) {
	blobs, srv := newBlobServer(t)
	data := tarball(t, pythonArchive...)
	blobs.put("/p.tgz", data)
	blobs.delay = 300 * time.Millisecond

	c := newTestCache(t, nil)
	a := Artifact{Name: "python", Version: "3.1.0", URL: srv.URL + "/p.tgz", Digest: sha(data)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, a)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return blobs.count("/p.tgz") == 1 }, 2*time.Second, 5*time.Millisecond)

	secondErr := make(chan error, 1)
	go func() {
		_, err := c.Get(context.Background(), a)
		secondErr <- err
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-firstErr, context.Canceled)
	require.NoError(t, <-secondErr)
	assert.Equal(t, 1, blobs.count("/p.tgz"))
	assert.DirExists(t, mustDir(t, c, a))
}

func TestCache_LosesRenameRaceGracefully(t *testing.T) {
	blobs, srv := newBlobServer(t)
	data := tarball(t, pythonArchive...)
	blobs.put("/p.tgz", data)
	a := Artifact{Name: "python", Version: "3.1.0", URL: srv.URL + "/p.tgz", Digest: sha(data)}
	root := filepath.Join(t.TempDir(), "cache")

	// The other process finishes its download while ours is in flight.
	other := NewCache(root, CacheOptions{Retry: fastExecutor()})
	var raced bool
	racing := FetcherFunc(func(ctx context.Context, rawURL string, w io.Writer) error {
		if !raced {
			raced = true
			if _, err := other.Get(ctx, a); err != nil {
				return retry.Permanent(err)
			}
		}
		return NewMux(nil).Fetch(ctx, rawURL, w)
	})
	c := NewCache(root, CacheOptions{Fetcher: racing, Retry: fastExecutor()})

	e, err := c.Get(context.Background(), a)
	require.NoError(t, err)
	assert.False(t, e.Fetched, "the existing entry is used")
	assert.FileExists(t, filepath.Join(e.Payload, "install.sh"))

	entries, err := os.ReadDir(filepath.Dir(e.Dir))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary directory left behind")
}

func TestCache_Prune(t *testing.T) {
	blobs, srv := newBlobServer(t)
	c := newTestCache(t, nil)
	ctx := context.Background()

	for _, v := range []string{"3.0.0", "3.1.0"} {
		data := tarball(t, tarEntry{name: "VERSION", body: v})
		blobs.put("/"+v, data)
		_, err := c.Get(ctx, Artifact{Name: "python", Version: v, URL: srv.URL + "/" + v, Digest: sha(data)})
		require.NoError(t, err)
	}
	node := tarball(t, tarEntry{name: "VERSION", body: "20"})
	blobs.put("/node", node)
	_, err := c.Get(ctx, Artifact{Name: "node", Version: "20.0.0", URL: srv.URL + "/node", Digest: sha(node)})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(c.Root(), quarantineDir, "old"), 0o755))

	report, err := c.Prune(func(name, version string) bool { return name == "python" && version == "3.1.0" })
	require.NoError(t, err)

	sort.Strings(report.Removed)
	assert.Equal(t, []string{quarantineDir, "node@20.0.0", "python@3.0.0"}, report.Removed)
	assert.Positive(t, report.Bytes)
	assert.DirExists(t, filepath.Join(c.Root(), "python", "3.1.0"))
	assert.NoDirExists(t, filepath.Join(c.Root(), "node"))
}

func TestDigestHex(t *testing.T) {
	valid := strings.Repeat("ab", 32)
	got, err := digestHex("sha256:" + strings.ToUpper(valid))
	require.NoError(t, err)
	assert.Equal(t, valid, got)

	got, err = digestHex(valid)
	require.NoError(t, err)
	assert.Equal(t, valid, got)

	for _, bad := range []string{"", "sha256:abc", "sha512:" + valid, "sha256:" + strings.Repeat("zz", 32)} {
		_, err := digestHex(bad)
		assert.ErrorIs(t, err, ErrInvalidDigest, bad)
	}
}

// =============================================================================
// Archives
// =============================================================================

func TestExtract_RejectsUnsafeEntries(t *testing.T) {
	tests := map[string][]tarEntry{
		"parent traversal": {{name: "../evil", body: "x"}},
		"nested traversal": {{name: "a/../../evil", body: "x"}},
		"absolute symlink": {{name: "link", link: "/etc/passwd"}},
		"escaping symlink": {{name: "a/link", link: "../../outside"}},
	}
	for name, entries := range tests {
		t.Run(name, func(t *testing.T) {
			err := extract(bytes.NewReader(tarball(t, entries...)), t.TempDir())
			assert.ErrorIs(t, err, ErrUnsafeArchive)
		})
	}
}

func TestExtract_DotPrefixedNamesAndLinks(t *testing.T) {
	dst := t.TempDir()
	require.NoError(t, extract(bytes.NewReader(tarball(t, tarEntry{name: "./bin/tool", body: "x"}, tarEntry{name: "tool", link: "bin/tool"})), dst))
	assert.FileExists(t, filepath.Join(dst, "bin", "tool"))
	target, err := os.Readlink(filepath.Join(dst, "tool"))
	require.NoError(t, err)
	assert.Equal(t, "bin/tool", target)
}

func TestExtract_RequiresGzip(t *testing.T) {
	err := extract(strings.NewReader("plain text"), t.TempDir())
	assert.ErrorContains(t, err, "not gzip")
}

// =============================================================================
// Fetchers
// =============================================================================

func TestMux(t *testing.T) {
	var buf bytes.Buffer
	err := NewMux(nil).Fetch(context.Background(), "ftp://example.test/x", &buf)
	assert.ErrorIs(t, err, ErrUnsupportedScheme)

	err = NewMux(nil).Fetch(context.Background(), "gs://bucket/object", &buf)
	assert.ErrorIs(t, err, ErrUnsupportedScheme, "gcs is opt-in")

	path := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(path, []byte("local bytes"), 0o644))
	require.NoError(t, NewMux(nil).Fetch(context.Background(), "file://"+path, &buf))
	assert.Equal(t, "local bytes", buf.String())

	err = NewMux(nil).Fetch(context.Background(), "file://"+path+".missing", &buf)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestHTTPFetcher_SendsToken(t *testing.T) {
	blobs, srv := newBlobServer(t)
	blobs.put("/private.tgz", []byte("payload"))
	blobs.token = "ghp_secret"

	var buf bytes.Buffer
	err := (&HTTPFetcher{}).Fetch(context.Background(), srv.URL+"/private.tgz", &buf)
	require.Error(t, err)

	f := &HTTPFetcher{Token: memguard.NewEnclave([]byte("ghp_secret"))}
	require.NoError(t, f.Fetch(context.Background(), srv.URL+"/private.tgz", &buf))
	assert.Equal(t, "payload", buf.String())
}

func TestParseGSURL(t *testing.T) {
	bucket, object, err := parseGSURL("gs://sindri-extensions/python/3.1.0.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "sindri-extensions", bucket)
	assert.Equal(t, "python/3.1.0.tar.gz", object)

	for _, bad := range []string{"gs://bucket", "gs:///object", "https://bucket/object"} {
		_, _, err := parseGSURL(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewGCSFetcher(t *testing.T) {
	_, err := NewGCSFetcher("/nonexistent/key.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service account key not found")

	f, err := NewGCSFetcher("")
	require.NoError(t, err)
	assert.NoError(t, f.Close())
}

// =============================================================================
// Resolver
// =============================================================================

func writeDescriptor(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, extension.DescriptorFile), []byte(body), 0o644))
}

func TestResolver_Precedence(t *testing.T) {
	blobs, srv := newBlobServer(t)
	data := tarball(t, pythonArchive...)
	blobs.put("/python.tgz", data)

	root := t.TempDir()
	devDir := filepath.Join(root, "dev")
	bundledDir := filepath.Join(root, "bundled")
	r := &Resolver{DevDir: devDir, BundledDir: bundledDir, Cache: newTestCache(t, nil)}

	d, err := extension.ParseDescriptor([]byte("name: python\nversion: 3.1.0\ninstall: {method: archive}\n"))
	require.NoError(t, err)
	d.Dist = &extension.Dist{URL: srv.URL + "/python.tgz", Digest: sha(data)}
	ctx := context.Background()

	got, err := r.Resolve(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, extension.SourceDownloaded, got.Type)
	assert.Equal(t, sha(data), got.Digest)

	writeDescriptor(t, filepath.Join(bundledDir, "python"), "name: python\nversion: 3.0.0\ninstall: {method: archive}\n")
	got, err = r.Resolve(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, extension.SourceDownloaded, got.Type, "bundled copy is the wrong version")

	writeDescriptor(t, filepath.Join(bundledDir, "python"), "name: python\nversion: 3.1.0\ninstall: {method: archive}\n")
	got, err = r.Resolve(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, extension.SourceBundled, got.Type)
	assert.Equal(t, filepath.Join(bundledDir, "python"), got.Dir)

	require.NoError(t, os.WriteFile(filepath.Join(bundledDir, "python", extension.LocalDevMarker), nil, 0o644))
	got, err = r.Resolve(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, extension.SourceLocalDev, got.Type)

	writeDescriptor(t, filepath.Join(devDir, "python"), "name: python\nversion: 9.9.9\ninstall: {method: archive}\n")
	got, err = r.Resolve(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, extension.SourceLocalDev, got.Type)
	assert.Equal(t, filepath.Join(devDir, "python"), got.Dir)

	assert.Equal(t, 1, blobs.count("/python.tgz"))
}

func TestResolver_NoSource(t *testing.T) {
	d, err := extension.ParseDescriptor([]byte("name: ruby\nversion: 3.3.0\ninstall: {method: archive}\n"))
	require.NoError(t, err)

	_, err = (&Resolver{BundledDir: t.TempDir()}).Resolve(context.Background(), d)
	assert.ErrorIs(t, err, ErrNoSource)

	d.Dist = &extension.Dist{URL: "https://example.test/ruby.tgz", Digest: sha(nil)}
	_, err = (&Resolver{}).Resolve(context.Background(), d)
	assert.ErrorIs(t, err, ErrNoSource)
}

func TestResolver_InvalidBundledDescriptor(t *testing.T) {
	bundled := t.TempDir()
	writeDescriptor(t, filepath.Join(bundled, "python"), "name: python\nversion: not-a-version\n")
	d, err := extension.ParseDescriptor([]byte("name: python\nversion: 3.1.0\ninstall: {method: archive}\n"))
	require.NoError(t, err)

	_, err = (&Resolver{BundledDir: bundled}).Resolve(context.Background(), d)
	assert.True(t, errors.Is(err, extension.ErrInvalidDescriptor))
}
