// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package image

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/pacphi/sindri/cmd/sindri/internal/retry"
)

// fakeRegistry serves the subset of the distribution API the client uses.
type fakeRegistry struct {
	repo         string
	tags         []string
	pageSize     int
	bearer       string
	basicUser    string
	basicPass    string
	noHeadDigest atomic.Bool

	fail       atomic.Int32
	tagCalls   atomic.Int32
	tokenCalls atomic.Int32
}

func digestOf(tag string) string { return "sha256:" + strings.Repeat("0", 56) + fmt.Sprintf("%08x", len(tag)) }

func (f *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/token" {
		f.tokenCalls.Add(1)
		if f.basicUser != "" {
			u, p, ok := r.BasicAuth()
			if !ok || u != f.basicUser || p != f.basicPass {
				http.Error(w, "denied", http.StatusForbidden)
				return
			}
		}
		if r.URL.Query().Get("scope") != "repository:"+f.repo+":pull" {
			http.Error(w, "bad scope", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"token": f.bearer})
		return
	}

	if f.bearer != "" && r.Header.Get("Authorization") != "Bearer "+f.bearer {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`Bearer realm="http://%s/token",service="fake",scope="repository:%s:pull"`, r.Host, f.repo))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	prefix := "/v2/" + f.repo + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, prefix)

	switch {
	case rest == "tags/list":
		f.tagCalls.Add(1)
		if f.fail.Load() > 0 {
			f.fail.Add(-1)
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		f.serveTags(w, r)
	case strings.HasPrefix(rest, "manifests/"):
		ref := strings.TrimPrefix(rest, "manifests/")
		if !slices.Contains(f.tags, ref) {
			http.NotFound(w, r)
			return
		}
		if r.Method == http.MethodGet || !f.noHeadDigest.Load() {
			w.Header().Set("Docker-Content-Digest", digestOf(ref))
		}
		_, _ = w.Write([]byte("{}"))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeRegistry) serveTags(w http.ResponseWriter, r *http.Request) {
	start := 0
	if last := r.URL.Query().Get("last"); last != "" {
		start = slices.Index(f.tags, last) + 1
	}
	size := f.pageSize
	if size <= 0 {
		size = len(f.tags)
	}
	end := min(start+size, len(f.tags))
	page := f.tags[start:end]
	if end < len(f.tags) {
		w.Header().Set("Link", fmt.Sprintf(`</v2/%s/tags/list?n=%d&last=%s>; rel="next"`, f.repo, size, page[len(page)-1]))
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"name": f.repo, "tags": page})
}

func fastRetry() retry.Executor {
	return retry.Executor{Policy: retry.Policy{
		MaxAttempts: 3,
		Strategy:    retry.StrategyFixed,
		Initial:     time.Millisecond,
		Max:         time.Millisecond,
	}}
}

func newTestClient(t *testing.T, reg *fakeRegistry, opts ClientOptions) *RegistryClient {
	t.Helper()
	srv := httptest.NewServer(reg)
	t.Cleanup(srv.Close)
	opts.BaseURL = srv.URL
	if opts.Retry.Policy.MaxAttempts == 0 {
		opts.Retry = fastRetry()
	}
	c, err := NewRegistryClient("fake.test", opts)
	require.NoError(t, err)
	return c
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		in   string
		want Ref
	}{
		{"python:3.12", Ref{Registry: "docker.io", Repository: "library/python", Tag: "3.12"}},
		{"ghcr.io/pacphi/sindri:v3.0.0", Ref{Registry: "ghcr.io", Repository: "pacphi/sindri", Tag: "v3.0.0"}},
		{"pacphi/sindri", Ref{Registry: "docker.io", Repository: "pacphi/sindri"}},
		{"localhost:5000/app@sha256:abc", Ref{Registry: "localhost:5000", Repository: "app", Digest: "sha256:abc"}},
		{"ghcr.io/a/b:1.0@sha256:def", Ref{Registry: "ghcr.io", Repository: "a/b", Tag: "1.0", Digest: "sha256:def"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRef(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "  ", "repo:", "ghcr.io/", "app@nodigest"} {
		_, err := ParseRef(bad)
		assert.ErrorIs(t, err, ErrInvalidRef, bad)
	}

	ref := Ref{Registry: "ghcr.io", Repository: "pacphi/sindri", Tag: "v3.1.0", Digest: "sha256:x"}
	assert.Equal(t, "ghcr.io/pacphi/sindri:v3.1.0@sha256:x", ref.String())
}

func TestChoose(t *testing.T) {
	tags := []string{"latest", "v3.0.0", "v3.1.0", "3.1.0", "v3.2.0-beta.1", "v2.9.0", "v4.0.0", "sha-deadbeef"}

	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"semver range", Request{Strategy: StrategySemver, Constraint: "^3.0"}, "3.1.0"},
		{"semver prerelease opt in", Request{Strategy: StrategySemver, Constraint: "^3.0", AllowPrerelease: true}, "v3.2.0-beta.1"},
		{"latest stable", Request{Strategy: StrategyLatestStable}, "v4.0.0"},
		{"pin exact", Request{Strategy: StrategyPinToCLI, CLIVersion: "3.0.0"}, "v3.0.0"},
		{"pin fallback", Request{Strategy: StrategyPinToCLI, CLIVersion: "3.5.0"}, "3.1.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Repository = "pacphi/sindri"
			got, err := choose(tt.req, tags)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChoose_NoCandidate(t *testing.T) {
	for name, tags := range map[string][]string{
		"zero tags":      nil,
		"no semver tags": {"latest", "main"},
		"none in range":  {"v1.0.0", "v2.0.0"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := choose(Request{Repository: "r", Strategy: StrategySemver, Constraint: "^3"}, tags)
			var none *NoCandidateError
			require.ErrorAs(t, err, &none)
			assert.Equal(t, len(tags), none.TagsSeen)
		})
	}

	_, err := choose(Request{Repository: "r", Strategy: StrategyPinToCLI, CLIVersion: "1.0.0"}, []string{"v2.0.0"})
	var none *NoCandidateError
	assert.ErrorAs(t, err, &none)
}

func TestRequestCheck(t *testing.T) {
	bad := []Request{
		{Strategy: StrategyLatestStable},
		{Repository: "r", Strategy: StrategySemver},
		{Repository: "r", Strategy: StrategyExplicit},
		{Repository: "r", Strategy: StrategyPinToCLI},
		{Repository: "r", Strategy: "sideways"},
	}
	for _, req := range bad {
		assert.ErrorIs(t, req.check(), ErrInvalidRequest)
	}
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("latest_stable")
	require.NoError(t, err)
	assert.Equal(t, StrategyLatestStable, s)
	_, err = ParseStrategy("newest")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRegistryClient_PaginatesTags(t *testing.T) {
	reg := &fakeRegistry{repo: "pacphi/sindri", tags: []string{"v1.0.0", "v2.0.0", "v3.0.0", "v3.1.0", "latest"}, pageSize: 2}
	c := newTestClient(t, reg, ClientOptions{Limiter: rate.NewLimiter(rate.Inf, 1)})

	tags, err := c.ListTags(context.Background(), "pacphi/sindri")
	require.NoError(t, err)
	assert.Equal(t, reg.tags, tags)
	assert.Equal(t, int32(3), reg.tagCalls.Load())
}

func TestRegistryClient_RetriesTransientStatus(t *testing.T) {
	reg := &fakeRegistry{repo: "app", tags: []string{"v1.0.0"}}
	reg.fail.Store(2)
	stats := retry.NewStatsObserver()
	exec := fastRetry()
	exec.Observer = stats
	c := newTestClient(t, reg, ClientOptions{Retry: exec})

	tags, err := c.ListTags(context.Background(), "app")
	require.NoError(t, err)
	assert.Equal(t, []string{"v1.0.0"}, tags)
	assert.Equal(t, 3, stats.Snapshot().Attempts)
}

func TestRegistryClient_GivesUpAfterPolicy(t *testing.T) {
	reg := &fakeRegistry{repo: "app", tags: []string{"v1.0.0"}}
	reg.fail.Store(10)
	c := newTestClient(t, reg, ClientOptions{})

	_, err := c.ListTags(context.Background(), "app")
	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
}

func TestRegistryClient_BearerTokenFlow(t *testing.T) {
	reg := &fakeRegistry{repo: "pacphi/sindri", tags: []string{"v3.0.0"}, bearer: "tok-123", basicUser: "token", basicPass: "ghp_test"}
	c := newTestClient(t, reg, ClientOptions{Token: SealToken("ghp_test")})
	ctx := context.Background()

	tags, err := c.ListTags(ctx, "pacphi/sindri")
	require.NoError(t, err)
	assert.Equal(t, []string{"v3.0.0"}, tags)

	_, err = c.ListTags(ctx, "pacphi/sindri")
	require.NoError(t, err)
	assert.Equal(t, int32(1), reg.tokenCalls.Load(), "bearer token is cached per scope")
}

func TestRegistryClient_TokenRejected(t *testing.T) {
	reg := &fakeRegistry{repo: "private/app", tags: []string{"v1.0.0"}, bearer: "tok", basicUser: "token", basicPass: "right"}
	c := newTestClient(t, reg, ClientOptions{})

	_, err := c.ListTags(context.Background(), "private/app")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GITHUB_TOKEN")
	var nonRetryable *retry.NonRetryableError
	assert.ErrorAs(t, err, &nonRetryable, "403 is not transient")
}

func TestRegistryClient_Digest(t *testing.T) {
	reg := &fakeRegistry{repo: "app", tags: []string{"v1.0.0"}}
	c := newTestClient(t, reg, ClientOptions{})
	ctx := context.Background()

	d, err := c.Digest(ctx, "app", "v1.0.0")
	require.NoError(t, err)
	assert.Equal(t, digestOf("v1.0.0"), d)

	_, err = c.Digest(ctx, "app", "v9.9.9")
	assert.ErrorIs(t, err, ErrNotFound)

	reg.noHeadDigest.Store(true)
	d, err = c.Digest(ctx, "app", "v1.0.0")
	require.NoError(t, err)
	assert.Equal(t, digestOf("v1.0.0"), d, "falls back to GET")
}

func TestResolver_EndToEnd(t *testing.T) {
	reg := &fakeRegistry{repo: "pacphi/sindri", tags: []string{"v3.0.0", "v3.1.0", "v3.2.0-rc.1", "v4.0.0"}, pageSize: 3}
	c := newTestClient(t, reg, ClientOptions{})
	r := NewResolver(Static(c), nil)
	ctx := context.Background()

	ref, err := r.Resolve(ctx, Request{Registry: "ghcr.io", Repository: "pacphi/sindri", Strategy: StrategySemver, Constraint: "~3", PinDigest: true})
	require.NoError(t, err)
	assert.Equal(t, "v3.1.0", ref.Tag)
	assert.Equal(t, digestOf("v3.1.0"), ref.Digest)
	assert.Equal(t, "ghcr.io", ref.Registry)

	ref, err = r.Resolve(ctx, Request{Repository: "pacphi/sindri", Strategy: StrategyExplicit, Constraint: "v4.0.0"})
	require.NoError(t, err)
	assert.Equal(t, "v4.0.0", ref.Tag)
	assert.Empty(t, ref.Digest)

	_, err = r.Resolve(ctx, Request{Repository: "pacphi/sindri", Strategy: StrategyExplicit, Constraint: "v5.0.0"})
	var none *NoCandidateError
	assert.ErrorAs(t, err, &none)

	_, err = r.Resolve(ctx, Request{Repository: "pacphi/sindri", Strategy: StrategyLatestStable, Digest: "sha256:wrong"})
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestResolver_EmptyRepository(t *testing.T) {
	reg := &fakeRegistry{repo: "empty"}
	r := NewResolver(Static(newTestClient(t, reg, ClientOptions{})), nil)

	_, err := r.Resolve(context.Background(), Request{Repository: "empty", Strategy: StrategySemver, Constraint: ">=0.0.0"})
	var none *NoCandidateError
	require.ErrorAs(t, err, &none)
	assert.Zero(t, none.TagsSeen)
}

func TestResolver_FactoryError(t *testing.T) {
	boom := errors.New("no client")
	r := NewResolver(func(string) (TagLister, error) { return nil, boom }, nil)
	_, err := r.Resolve(context.Background(), Request{Repository: "x", Strategy: StrategyLatestStable})
	assert.ErrorIs(t, err, boom)
}

func TestParseChallenge(t *testing.T) {
	scheme, params := parseChallenge(`Bearer realm="https://ghcr.io/token",service="ghcr.io",scope="repository:a/b:pull"`)
	assert.Equal(t, "bearer", scheme)
	assert.Equal(t, "https://ghcr.io/token", params["realm"])
	assert.Equal(t, "ghcr.io", params["service"])
	assert.Equal(t, "repository:a/b:pull", params["scope"])

	scheme, params = parseChallenge(`Basic realm="Registry"`)
	assert.Equal(t, "basic", scheme)
	assert.Equal(t, "Registry", params["realm"])
}
