// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package util

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// CommandError describes a failed subprocess.
//
// # Description
//
// It satisfies the retry package's exit-code predicate through ExitCode,
// so a hook that died with, say, status 137 can be retried while a
// status 1 is not.
//
// # Example
//
//	err := NewCommandError("install.sh", 137, stderr.String(), runErr)
//	// err.Error() == "install.sh (exit 137): Killed"
type CommandError struct {
	// Command is a short description, usually the hook path.
	Command string

	// Status is the process exit status, or -1 when the process never
	// started or was killed by a signal.
	Status int

	// Stderr is the trimmed tail of standard error.
	Stderr string

	// Wrapped is the underlying error, typically *exec.ExitError.
	Wrapped error
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.Status, e.Stderr)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.Status, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.Status)
}

func (e *CommandError) Unwrap() error { return e.Wrapped }

// ExitCode returns Status.
func (e *CommandError) ExitCode() int { return e.Status }

// HasStderr reports whether any stderr was captured.
func (e *CommandError) HasStderr() bool { return e.Stderr != "" }

var _ error = (*CommandError)(nil)

// NewCommandError builds a CommandError, trimming stderr.
func NewCommandError(cmd string, status int, stderr string, wrapped error) *CommandError {
	return &CommandError{
		Command: cmd,
		Status:  status,
		Stderr:  strings.TrimSpace(stderr),
		Wrapped: wrapped,
	}
}

// ExtractStderr returns the stderr of the first CommandError in err's
// chain that has any.
func ExtractStderr(err error) string {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.HasStderr() {
		return cmdErr.Stderr
	}
	return ""
}

// TailBuffer is an io.Writer that keeps only the last Limit bytes written.
// Safe for concurrent use, so it can serve as both Stdout and Stderr of
// one command.
type TailBuffer struct {
	mu      sync.Mutex
	limit   int
	buf     []byte
	dropped int64
}

// NewTailBuffer keeps at most limit bytes. limit must be positive.
func NewTailBuffer(limit int) *TailBuffer {
	if limit <= 0 {
		panic("tail buffer limit must be positive")
	}
	return &TailBuffer{limit: limit}
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(p)
	if n >= t.limit {
		t.dropped += int64(len(t.buf) + n - t.limit)
		t.buf = append(t.buf[:0], p[n-t.limit:]...)
		return n, nil
	}
	if over := len(t.buf) + n - t.limit; over > 0 {
		t.dropped += int64(over)
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

// String returns the retained tail.
func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// Dropped is the number of bytes discarded from the front.
func (t *TailBuffer) Dropped() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}
