// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package retry

import (
	"errors"
	"fmt"
)

// ErrInvalidPolicy is returned when a Policy violates its invariants.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// ExhaustedError means every attempt failed with a retryable error.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Last      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", opName(e.Operation), e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// NonRetryableError means the predicate rejected the failure, so no further
// attempts were made.
type NonRetryableError struct {
	Operation string
	Attempt   int
	Cause     error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("%s: attempt %d failed: %v", opName(e.Operation), e.Attempt, e.Cause)
}

func (e *NonRetryableError) Unwrap() error { return e.Cause }

// CancelledError means the context ended before the operation succeeded.
// Attempt is the number of attempts that had started. Both the context
// error and the last operation error (if any) are reachable via errors.Is.
type CancelledError struct {
	Operation string
	Attempt   int
	Cause     error
	Last      error
}

func (e *CancelledError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("%s: cancelled after %d attempts: %v (last error: %v)", opName(e.Operation), e.Attempt, e.Cause, e.Last)
	}
	return fmt.Sprintf("%s: cancelled after %d attempts: %v", opName(e.Operation), e.Attempt, e.Cause)
}

func (e *CancelledError) Unwrap() []error {
	if e.Last == nil {
		return []error{e.Cause}
	}
	return []error{e.Cause, e.Last}
}

// AttemptsOf reports how many attempts a retry error records, or 0 when
// err did not come from this package.
func AttemptsOf(err error) int {
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.Attempts
	}
	var terminal *NonRetryableError
	if errors.As(err, &terminal) {
		return terminal.Attempt
	}
	var cancelled *CancelledError
	if errors.As(err, &cancelled) {
		return cancelled.Attempt
	}
	return 0
}

// permanentError marks an error as terminal regardless of the predicate.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the executor stops immediately. Operations use it
// for failures they know cannot improve, such as a checksum mismatch.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func opName(name string) string {
	if name == "" {
		return "operation"
	}
	return name
}
