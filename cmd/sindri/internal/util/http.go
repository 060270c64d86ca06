// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package util

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 512

// HTTPStatusError is a non-2xx response. StatusCode lets retry predicates
// classify it.
type HTTPStatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	msg := fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.Status, http.StatusText(e.Status))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// StatusCode returns Status.
func (e *HTTPStatusError) StatusCode() int { return e.Status }

// CheckResponse returns nil for 2xx responses. Otherwise it drains and
// closes the body and returns an *HTTPStatusError.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	return &HTTPStatusError{
		Method: resp.Request.Method,
		URL:    redactURL(resp.Request.URL.String()),
		Status: resp.StatusCode,
		Body:   strings.TrimSpace(string(body)),
	}
}

// redactURL drops the query string, which may carry tokens.
func redactURL(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
