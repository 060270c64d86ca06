// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned when another process holds the ledger lock.
var ErrLocked = errors.New("ledger is locked by another sindri process")

// LockedError reports lock contention with the holder's pid when known.
type LockedError struct {
	Path string
	PID  int
}

func (e *LockedError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%v (pid %d, lock %s)", ErrLocked, e.PID, e.Path)
	}
	return fmt.Sprintf("%v (lock %s)", ErrLocked, e.Path)
}

func (e *LockedError) Is(target error) bool { return target == ErrLocked }

// fileLock is an advisory flock on a file next to the ledger. The file
// itself is left in place on release; only the flock matters.
type fileLock struct {
	path string
	file *os.File
}

// acquireLock takes the lock without blocking.
func acquireLock(path string, now time.Time) (*fileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, &LockedError{Path: path, PID: holderPID(path)}
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	// Best effort; the pid only improves the contention message.
	if err := file.Truncate(0); err == nil {
		_, _ = file.WriteAt([]byte(fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), now.UTC().Format(time.RFC3339))), 0)
	}
	return &fileLock{path: path, file: file}, nil
}

func (l *fileLock) release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}

func holderPID(path string) int {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	var pid int
	if _, err := fmt.Sscanf(string(content), "pid=%d", &pid); err != nil {
		return 0
	}
	return pid
}
