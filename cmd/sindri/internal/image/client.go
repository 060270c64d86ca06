// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package image

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/time/rate"

	"github.com/pacphi/sindri/cmd/sindri/internal/retry"
	"github.com/pacphi/sindri/cmd/sindri/internal/util"
	"github.com/pacphi/sindri/pkg/logging"
)

// ErrNotFound is matched by registry errors for missing repositories,
// tags or manifests.
var ErrNotFound = errors.New("not found in registry")

// manifestAccept lists the manifest media types we can take a digest of.
var manifestAccept = strings.Join([]string{
	"application/vnd.oci.image.index.v1+json",
	"application/vnd.oci.image.manifest.v1+json",
	"application/vnd.docker.distribution.manifest.list.v2+json",
	"application/vnd.docker.distribution.manifest.v2+json",
}, ",")

// TagLister is the registry surface the resolver needs.
type TagLister interface {
	// ListTags returns every tag of repository, following pagination.
	ListTags(ctx context.Context, repository string) ([]string, error)

	// Digest returns the content digest of repository:reference. A missing
	// reference yields an error matching ErrNotFound.
	Digest(ctx context.Context, repository, reference string) (string, error)
}

// ClientOptions configures a RegistryClient.
type ClientOptions struct {
	// BaseURL overrides https://<registry>, for tests and plain-HTTP
	// local registries.
	BaseURL string

	// Token authenticates token requests (GITHUB_TOKEN for ghcr.io). It
	// stays sealed except for the duration of a request.
	Token *memguard.Enclave

	HTTPClient *http.Client

	// Limiter paces requests. Nil means unlimited.
	Limiter *rate.Limiter

	// Retry wraps every request. Its Predicate defaults to retry.Transient.
	Retry retry.Executor

	UserAgent string
	Logger    *slog.Logger
}

// RegistryClient speaks the OCI distribution v2 API.
//
// # Description
//
// Anonymous requests are tried first. A 401 carrying a Bearer challenge
// triggers a token request to the advertised realm, authenticated with
// Token when present, and the request is replayed once. Bearer tokens are
// cached per scope.
//
// # Thread Safety
//
// Safe for concurrent use.
type RegistryClient struct {
	registry  string
	base      *url.URL
	http      *http.Client
	token     *memguard.Enclave
	limiter   *rate.Limiter
	exec      retry.Executor
	userAgent string
	logger    *slog.Logger

	mu     sync.Mutex
	bearer map[string]string
}

var _ TagLister = (*RegistryClient)(nil)

// SealToken moves raw into an encrypted enclave. Empty yields nil.
func SealToken(raw string) *memguard.Enclave {
	if raw == "" {
		return nil
	}
	return memguard.NewEnclave([]byte(raw))
}

// NewRegistryClient builds a client for registry, e.g. "ghcr.io".
func NewRegistryClient(registry string, opts ClientOptions) (*RegistryClient, error) {
	raw := opts.BaseURL
	if raw == "" {
		host := registry
		if host == DefaultRegistry {
			host = "registry-1.docker.io"
		}
		raw = "https://" + host
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("registry url %q: %w", raw, err)
	}

	c := &RegistryClient{
		registry:  registry,
		base:      base,
		http:      opts.HTTPClient,
		token:     opts.Token,
		limiter:   opts.Limiter,
		exec:      opts.Retry,
		userAgent: opts.UserAgent,
		logger:    opts.Logger,
		bearer:    map[string]string{},
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.exec.Predicate == nil {
		c.exec.Predicate = retry.Transient()
	}
	if c.userAgent == "" {
		c.userAgent = "sindri"
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	c.logger = c.logger.With("registry", registry)
	return c, nil
}

type tagsPage struct {
	tags []string
	next *url.URL
}

// ListTags implements TagLister.
func (c *RegistryClient) ListTags(ctx context.Context, repository string) ([]string, error) {
	next := c.base.ResolveReference(&url.URL{Path: "/v2/" + repository + "/tags/list", RawQuery: "n=1000"})

	var all []string
	for next != nil {
		pageURL := next
		page, err := retry.Do(ctx, c.exec.Named("registry.list_tags"), func(ctx context.Context) (tagsPage, error) {
			return c.fetchTags(ctx, repository, pageURL)
		})
		if err != nil {
			return nil, fmt.Errorf("list tags %s/%s: %w", c.registry, repository, err)
		}
		all = append(all, page.tags...)
		next = page.next
	}
	c.logger.Debug("listed tags", "repository", repository, "count", len(all))
	return all, nil
}

func (c *RegistryClient) fetchTags(ctx context.Context, repository string, u *url.URL) (tagsPage, error) {
	resp, err := c.do(ctx, http.MethodGet, u, repository, "application/json")
	if err != nil {
		return tagsPage{}, err
	}
	defer resp.Body.Close()

	var body struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return tagsPage{}, fmt.Errorf("decode tags: %w", err)
	}
	return tagsPage{tags: body.Tags, next: nextLink(resp.Header.Get("Link"), u)}, nil
}

// Digest implements TagLister.
func (c *RegistryClient) Digest(ctx context.Context, repository, reference string) (string, error) {
	u := c.base.ResolveReference(&url.URL{Path: "/v2/" + repository + "/manifests/" + reference})
	digest, err := retry.Do(ctx, c.exec.Named("registry.digest"), func(ctx context.Context) (string, error) {
		return c.fetchDigest(ctx, repository, u)
	})
	if err != nil {
		return "", fmt.Errorf("digest %s/%s:%s: %w", c.registry, repository, reference, err)
	}
	return digest, nil
}

func (c *RegistryClient) fetchDigest(ctx context.Context, repository string, u *url.URL) (string, error) {
	resp, err := c.do(ctx, http.MethodHead, u, repository, manifestAccept)
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	if d := resp.Header.Get("Docker-Content-Digest"); d != "" {
		return d, nil
	}

	// Some registries omit the header on HEAD; hash the manifest instead.
	resp, err = c.do(ctx, http.MethodGet, u, repository, manifestAccept)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if d := resp.Header.Get("Docker-Content-Digest"); d != "" {
		return d, nil
	}
	h := sha256.New()
	if _, err := io.Copy(h, resp.Body); err != nil {
		return "", fmt.Errorf("read manifest: %w", err)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// do sends one request, answering at most one auth challenge.
func (c *RegistryClient) do(ctx context.Context, method string, u *url.URL, repository, accept string) (*http.Response, error) {
	scope := "repository:" + repository + ":pull"
	resp, err := c.send(ctx, method, u, accept, c.cachedBearer(scope), "")
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		challenge := resp.Header.Get("WWW-Authenticate")
		drain(resp)

		scheme, params := parseChallenge(challenge)
		switch scheme {
		case "bearer":
			if s := params["scope"]; s != "" {
				scope = s
			}
			token, err := c.fetchBearer(ctx, params["realm"], params["service"], scope)
			if err != nil {
				return nil, err
			}
			resp, err = c.send(ctx, method, u, accept, token, "")
			if err != nil {
				return nil, err
			}
		case "basic":
			if c.token == nil {
				return nil, &util.HTTPStatusError{Method: method, URL: u.String(), Status: http.StatusUnauthorized, Body: "registry requires credentials (set GITHUB_TOKEN)"}
			}
			secret, err := c.openToken()
			if err != nil {
				return nil, err
			}
			resp, err = c.send(ctx, method, u, accept, "", secret)
			if err != nil {
				return nil, err
			}
		default:
			return nil, &util.HTTPStatusError{Method: method, URL: u.String(), Status: http.StatusUnauthorized}
		}
	}

	if err := util.CheckResponse(resp); err != nil {
		return nil, classify(err)
	}
	return resp, nil
}

func (c *RegistryClient) send(ctx context.Context, method string, u *url.URL, accept, bearer, basic string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	switch {
	case bearer != "":
		req.Header.Set("Authorization", "Bearer "+bearer)
	case basic != "":
		req.SetBasicAuth("token", basic)
	}
	return c.http.Do(req)
}

func (c *RegistryClient) cachedBearer(scope string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bearer[scope]
}

func (c *RegistryClient) fetchBearer(ctx context.Context, realm, service, scope string) (string, error) {
	if realm == "" {
		return "", errors.New("bearer challenge without realm")
	}
	u, err := url.Parse(realm)
	if err != nil {
		return "", fmt.Errorf("token realm %q: %w", realm, err)
	}
	q := u.Query()
	if service != "" {
		q.Set("service", service)
	}
	q.Set("scope", scope)
	u.RawQuery = q.Encode()

	secret, err := c.openToken()
	if err != nil {
		return "", err
	}
	resp, err := c.send(ctx, http.MethodGet, u, "application/json", "", secret)
	if err != nil {
		return "", err
	}
	if err := util.CheckResponse(resp); err != nil {
		if secret == "" {
			return "", fmt.Errorf("anonymous token request failed, the repository may be private (set GITHUB_TOKEN): %w", err)
		}
		return "", fmt.Errorf("token request failed, check that the token can read packages: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	token := body.Token
	if token == "" {
		token = body.AccessToken
	}
	if token == "" {
		return "", errors.New("token response carried no token")
	}

	c.mu.Lock()
	c.bearer[scope] = token
	c.mu.Unlock()
	c.logger.Debug("obtained registry token", "scope", scope, "authenticated", secret != "")
	return token, nil
}

// openToken returns the sealed token's value, or "" when there is none.
func (c *RegistryClient) openToken() (string, error) {
	if c.token == nil {
		return "", nil
	}
	buf, err := c.token.Open()
	if err != nil {
		return "", fmt.Errorf("open registry token: %w", err)
	}
	defer buf.Destroy()
	return strings.Clone(buf.String()), nil
}

// notFoundError marks 404 responses so callers can match ErrNotFound.
type notFoundError struct{ error }

func (e notFoundError) Unwrap() error        { return e.error }
func (e notFoundError) Is(target error) bool { return target == ErrNotFound }

func classify(err error) error {
	var statusErr *util.HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.Status == http.StatusNotFound {
		return notFoundError{err}
	}
	return err
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// parseChallenge parses a WWW-Authenticate header such as
// `Bearer realm="https://ghcr.io/token",service="ghcr.io",scope="..."`.
func parseChallenge(header string) (string, map[string]string) {
	scheme, rest, _ := strings.Cut(strings.TrimSpace(header), " ")
	params := map[string]string{}
	for rest != "" {
		var pair string
		rest = strings.TrimLeft(rest, " ,")
		if rest == "" {
			break
		}
		key, after, ok := strings.Cut(rest, "=")
		if !ok {
			break
		}
		if strings.HasPrefix(after, `"`) {
			end := strings.Index(after[1:], `"`)
			if end < 0 {
				pair, rest = after[1:], ""
			} else {
				pair, rest = after[1:end+1], after[end+2:]
			}
		} else {
			pair, rest, _ = strings.Cut(after, ",")
		}
		params[strings.ToLower(strings.TrimSpace(key))] = pair
	}
	return strings.ToLower(scheme), params
}

// nextLink extracts the rel="next" target of a Link header, resolved
// against the current page URL.
func nextLink(header string, current *url.URL) *url.URL {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if !strings.Contains(part, `rel="next"`) {
			continue
		}
		start, end := strings.Index(part, "<"), strings.Index(part, ">")
		if start < 0 || end <= start {
			return nil
		}
		ref, err := url.Parse(part[start+1 : end])
		if err != nil {
			return nil
		}
		return current.ResolveReference(ref)
	}
	return nil
}
