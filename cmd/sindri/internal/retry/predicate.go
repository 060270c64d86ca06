// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package retry

import (
	"errors"
	"slices"
	"strings"
)

// Predicate decides whether a failed attempt should be retried.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; one predicate is often
// shared by every node of a parallel install.
type Predicate interface {
	Retryable(err error) bool
}

// PredicateFunc adapts a closure to Predicate.
type PredicateFunc func(err error) bool

// Retryable calls f(err).
func (f PredicateFunc) Retryable(err error) bool { return f(err) }

// DefaultRetryableStatuses are the HTTP statuses HTTPStatus retries when
// called without arguments.
var DefaultRetryableStatuses = []int{408, 425, 429, 500, 502, 503, 504}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// ExitCoder is implemented by errors that carry a process exit status.
// *exec.ExitError satisfies it.
type ExitCoder interface {
	ExitCode() int
}

// Always retries every error.
func Always() Predicate {
	return PredicateFunc(func(error) bool { return true })
}

// Never retries nothing.
func Never() Predicate {
	return PredicateFunc(func(error) bool { return false })
}

// MessageContains retries when the error text contains any of substrings,
// compared case-insensitively.
func MessageContains(substrings ...string) Predicate {
	lowered := make([]string, len(substrings))
	for i, s := range substrings {
		lowered[i] = strings.ToLower(s)
	}
	return PredicateFunc(func(err error) bool {
		msg := strings.ToLower(err.Error())
		for _, s := range lowered {
			if s != "" && strings.Contains(msg, s) {
				return true
			}
		}
		return false
	})
}

// HTTPStatus retries errors whose chain contains a StatusCoder reporting
// one of codes. With no codes, DefaultRetryableStatuses is used. Errors
// without a status are not retried.
func HTTPStatus(codes ...int) Predicate {
	if len(codes) == 0 {
		codes = DefaultRetryableStatuses
	}
	codes = slices.Clone(codes)
	return PredicateFunc(func(err error) bool {
		var sc StatusCoder
		if !errors.As(err, &sc) {
			return false
		}
		return slices.Contains(codes, sc.StatusCode())
	})
}

// ExitCode retries errors whose chain contains an ExitCoder reporting one
// of codes. With no codes, any non-zero exit is retried.
func ExitCode(codes ...int) Predicate {
	codes = slices.Clone(codes)
	return PredicateFunc(func(err error) bool {
		var ec ExitCoder
		if !errors.As(err, &ec) {
			return false
		}
		if len(codes) == 0 {
			return ec.ExitCode() != 0
		}
		return slices.Contains(codes, ec.ExitCode())
	})
}

// And retries only when every predicate agrees. And() retries everything.
func And(preds ...Predicate) Predicate {
	return PredicateFunc(func(err error) bool {
		for _, p := range preds {
			if !p.Retryable(err) {
				return false
			}
		}
		return true
	})
}

// Or retries when any predicate agrees. Or() retries nothing.
func Or(preds ...Predicate) Predicate {
	return PredicateFunc(func(err error) bool {
		for _, p := range preds {
			if p.Retryable(err) {
				return true
			}
		}
		return false
	})
}

// Not inverts p.
func Not(p Predicate) Predicate {
	return PredicateFunc(func(err error) bool { return !p.Retryable(err) })
}

// Transient is the predicate used for network traffic: retryable HTTP
// statuses, or connection-level failures identified by message.
func Transient() Predicate {
	return Or(
		HTTPStatus(),
		MessageContains("timeout", "connection reset", "connection refused", "temporary failure", "eof", "tls handshake"),
	)
}
