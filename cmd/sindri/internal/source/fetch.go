// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/awnumar/memguard"
	"google.golang.org/api/option"

	"github.com/pacphi/sindri/cmd/sindri/internal/retry"
	"github.com/pacphi/sindri/cmd/sindri/internal/util"
)

var (
	// ErrUnsupportedScheme is returned for URLs no fetcher handles.
	ErrUnsupportedScheme = errors.New("unsupported url scheme")

	// ErrObjectNotFound is matched by fetch errors for missing objects.
	ErrObjectNotFound = errors.New("object not found")
)

// Fetcher copies the object at a URL into w. Implementations make a single
// attempt; callers wrap them in the retry engine and must be prepared to
// discard partial output.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, w io.Writer) error
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, rawURL string, w io.Writer) error

func (f FetcherFunc) Fetch(ctx context.Context, rawURL string, w io.Writer) error {
	return f(ctx, rawURL, w)
}

// Mux dispatches on the URL scheme. A nil field disables that scheme.
type Mux struct {
	HTTP Fetcher
	GCS  Fetcher
	File Fetcher
}

// NewMux returns a Mux with an HTTP fetcher using token and a file
// fetcher. GCS is left for the caller since it needs a client.
func NewMux(token *memguard.Enclave) *Mux {
	return &Mux{
		HTTP: &HTTPFetcher{Token: token},
		File: FileFetcher{},
	}
}

func (m *Mux) Fetch(ctx context.Context, rawURL string, w io.Writer) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return retry.Permanent(fmt.Errorf("parse %q: %w", rawURL, err))
	}
	var f Fetcher
	switch u.Scheme {
	case "http", "https":
		f = m.HTTP
	case "gs":
		f = m.GCS
	case "file":
		f = m.File
	}
	if f == nil {
		return retry.Permanent(fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme))
	}
	return f.Fetch(ctx, rawURL, w)
}

// =============================================================================
// HTTP
// =============================================================================

// HTTPFetcher downloads over http(s). Non-2xx responses surface as
// *util.HTTPStatusError so the retry predicates can classify them.
type HTTPFetcher struct {
	Client    *http.Client
	Token     *memguard.Enclave
	UserAgent string
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return retry.Permanent(err)
	}
	ua := f.UserAgent
	if ua == "" {
		ua = "sindri"
	}
	req.Header.Set("User-Agent", ua)
	if f.Token != nil {
		buf, err := f.Token.Open()
		if err != nil {
			return retry.Permanent(fmt.Errorf("open download token: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+buf.String())
		buf.Destroy()
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	if err := util.CheckResponse(resp); err != nil {
		var statusErr *util.HTTPStatusError
		if errors.As(err, &statusErr) && statusErr.Status == http.StatusNotFound {
			return fmt.Errorf("%w: %w", ErrObjectNotFound, err)
		}
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("download %s: %w", req.URL.Redacted(), err)
	}
	return nil
}

// =============================================================================
// Local files
// =============================================================================

// FileFetcher reads file:// URLs.
type FileFetcher struct{}

func (FileFetcher) Fetch(_ context.Context, rawURL string, w io.Writer) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return retry.Permanent(err)
	}
	f, err := os.Open(u.Path)
	if errors.Is(err, os.ErrNotExist) {
		return retry.Permanent(fmt.Errorf("%w: %s", ErrObjectNotFound, u.Path))
	}
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// =============================================================================
// Google Cloud Storage
// =============================================================================

// GCSFetcher reads gs://bucket/object URLs. The storage client is created
// on first use.
type GCSFetcher struct {
	opts []option.ClientOption

	once   sync.Once
	client *storage.Client
	err    error
}

// NewGCSFetcher authenticates with the service account key at saKeyPath,
// or anonymously when it is empty.
func NewGCSFetcher(saKeyPath string, extra ...option.ClientOption) (*GCSFetcher, error) {
	var opts []option.ClientOption
	if saKeyPath == "" {
		opts = append(opts, option.WithoutAuthentication())
	} else {
		if _, err := os.Stat(saKeyPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", saKeyPath)
		}
		opts = append(opts, option.WithCredentialsFile(saKeyPath))
	}
	return &GCSFetcher{opts: append(opts, extra...)}, nil
}

func (f *GCSFetcher) storage(ctx context.Context) (*storage.Client, error) {
	f.once.Do(func() {
		f.client, f.err = storage.NewClient(ctx, f.opts...)
		if f.err != nil {
			f.err = retry.Permanent(fmt.Errorf("failed to create GCS storage client: %w", f.err))
		}
	})
	return f.client, f.err
}

func (f *GCSFetcher) Fetch(ctx context.Context, rawURL string, w io.Writer) error {
	bucket, object, err := parseGSURL(rawURL)
	if err != nil {
		return err
	}
	client, err := f.storage(ctx)
	if err != nil {
		return err
	}

	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return retry.Permanent(fmt.Errorf("%w: %s", ErrObjectNotFound, rawURL))
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", rawURL, err)
	}
	defer r.Close()

	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("read %s: %w", rawURL, err)
	}
	return nil
}

// Close releases the storage client, if one was created.
func (f *GCSFetcher) Close() error {
	if f.client == nil {
		return nil
	}
	return f.client.Close()
}

func parseGSURL(rawURL string) (bucket, object string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "gs" {
		return "", "", retry.Permanent(fmt.Errorf("%w: not a gs:// url: %q", ErrUnsupportedScheme, rawURL))
	}
	object = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || object == "" {
		return "", "", retry.Permanent(fmt.Errorf("gs url %q needs a bucket and an object", rawURL))
	}
	return u.Host, object, nil
}
