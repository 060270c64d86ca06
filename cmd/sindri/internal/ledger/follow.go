// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ErrLogRewritten stops Follow when the log file is replaced, which happens
// on Compact and Repair. Sequence numbers restart after a rewrite.
var ErrLogRewritten = errors.New("event log was rewritten")

// Follow delivers events with Seq > fromSeq to fn, first those already in
// the log and then new ones as they are appended. It returns nil when ctx
// ends, fn's error if fn fails, or ErrLogRewritten.
func (l *Ledger) Follow(ctx context.Context, fromSeq uint64, fn func(Event) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: the log may not exist yet, and compaction
	// replaces it by rename.
	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}

	t := &tailer{path: l.EventsPath(), last: fromSeq, fn: fn}
	defer t.close()

	if err := t.drain(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != t.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if err := t.drain(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("event log watcher error", "error", err)
		}
	}
}

type tailer struct {
	path    string
	last    uint64
	fn      func(Event) error
	file    *os.File
	info    os.FileInfo
	pending []byte
}

func (t *tailer) close() {
	if t.file != nil {
		t.file.Close()
	}
}

// drain reads everything appended since the previous call.
func (t *tailer) drain() error {
	if t.file == nil {
		f, err := os.Open(t.path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return err
		}
		t.file, t.info = f, info
	} else if current, err := os.Stat(t.path); err != nil || !os.SameFile(current, t.info) {
		return ErrLogRewritten
	}

	chunk, err := io.ReadAll(t.file)
	if err != nil {
		return err
	}
	t.pending = append(t.pending, chunk...)

	for {
		nl := bytes.IndexByte(t.pending, '\n')
		if nl < 0 {
			return nil
		}
		line := bytes.TrimSpace(t.pending[:nl])
		t.pending = t.pending[nl+1:]
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return fmt.Errorf("malformed event log line: %w", err)
		}
		if ev.Seq <= t.last {
			continue
		}
		t.last = ev.Seq
		if err := t.fn(ev); err != nil {
			return err
		}
	}
}
