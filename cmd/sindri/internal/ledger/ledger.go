// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package ledger persists installation state for one host.
//
// # Description
//
// State lives in a directory holding three files:
//
//	manifest.json   current active and rollback records, rewritten atomically
//	events.jsonl    append-only event log, one JSON object per line
//	ledger.lock     advisory flock serializing writers
//
// The log is authoritative. Every event that changes state carries the full
// resulting entry, and the manifest is always the Replay of the log, so a
// crash between appending events and renaming the manifest is repaired by
// rolling the manifest forward on the next Begin.
//
// # Thread Safety
//
// A Ledger is safe for concurrent readers. Writers go through a Session,
// whose methods are serialized by a mutex so parallel installs can share
// one. Separate processes are serialized by the flock; contention fails
// fast with ErrLocked.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pacphi/sindri/cmd/sindri/internal/util"
	"github.com/pacphi/sindri/pkg/logging"
)

const (
	ManifestFile = "manifest.json"
	EventsFile   = "events.jsonl"
	LockFile     = "ledger.lock"

	repairHint = "rerun with --repair to rebuild the manifest from the event log"
)

// ErrClosed is returned by a Session after Close or after a failed commit.
var ErrClosed = errors.New("ledger session is closed")

// StateError reports a ledger problem that is not retried.
type StateError struct {
	Op   string
	Path string
	Err  error
	Hint string
}

func (e *StateError) Error() string {
	msg := fmt.Sprintf("ledger %s %s: %v", e.Op, e.Path, e.Err)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *StateError) Unwrap() error { return e.Err }

// Options configures a Ledger.
type Options struct {
	// Clock stamps events. Defaults to time.Now.
	Clock func() time.Time

	// CLIVersion is recorded on every event.
	CLIVersion string

	// Repair lets recovery rebuild a corrupt or divergent manifest from the
	// log instead of failing.
	Repair bool

	Logger *slog.Logger
}

// Ledger is a handle on a state directory.
type Ledger struct {
	dir    string
	opts   Options
	logger *slog.Logger
}

// Open prepares dir. It takes no lock and changes nothing on disk except
// creating dir.
func Open(dir string, opts Options) (*Ledger, error) {
	if dir == "" {
		return nil, errors.New("ledger directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StateError{Op: "open", Path: dir, Err: err}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Ledger{dir: dir, opts: opts, logger: logger.With("component", "ledger")}, nil
}

func (l *Ledger) Dir() string          { return l.dir }
func (l *Ledger) ManifestPath() string { return filepath.Join(l.dir, ManifestFile) }
func (l *Ledger) EventsPath() string   { return filepath.Join(l.dir, EventsFile) }
func (l *Ledger) LockPath() string     { return filepath.Join(l.dir, LockFile) }

// Snapshot returns the current manifest without locking.
//
// # Description
//
// A missing or stale manifest is replayed from the log in memory. A
// manifest that cannot be parsed is a StateError unless Options.Repair is
// set. Nothing is written.
func (l *Ledger) Snapshot() (*Manifest, error) {
	scan, err := readLog(l.EventsPath())
	if err != nil {
		return nil, &StateError{Op: "read", Path: l.EventsPath(), Err: err}
	}
	data, err := os.ReadFile(l.ManifestPath())
	if errors.Is(err, os.ErrNotExist) {
		return Replay(scan.events), nil
	}
	if err != nil {
		return nil, &StateError{Op: "read", Path: l.ManifestPath(), Err: err}
	}

	m, err := decodeManifest(data)
	if err != nil {
		if l.opts.Repair {
			return Replay(scan.events), nil
		}
		return nil, &StateError{Op: "read", Path: l.ManifestPath(), Err: err, Hint: repairHint}
	}
	if m.LastSeq < scan.lastSeq() {
		return Replay(scan.events), nil
	}
	return m, nil
}

func decodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("corrupt manifest: %w", err)
	}
	if m.SchemaVersion == "" {
		return nil, errors.New("corrupt manifest: missing schemaVersion")
	}
	if m.Extensions == nil {
		m.Extensions = map[string]Entry{}
	}
	return &m, nil
}

// RecoveryReport lists what recovery changed on disk.
type RecoveryReport struct {
	DiscardedTemps []string
	TruncatedBytes int64
	QuarantinedLog string
	Renumbered     bool
	RolledForward  bool
	Rebuilt        bool
}

// Clean reports whether recovery found nothing to do.
func (r *RecoveryReport) Clean() bool {
	return len(r.DiscardedTemps) == 0 && r.TruncatedBytes == 0 && r.QuarantinedLog == "" &&
		!r.Renumbered && !r.RolledForward && !r.Rebuilt
}

// recoverLocked brings the directory to a consistent state. The caller
// holds the lock.
func (l *Ledger) recoverLocked(repair bool) (*Manifest, *RecoveryReport, error) {
	report := &RecoveryReport{}

	for _, path := range []string{l.ManifestPath(), l.EventsPath()} {
		temps, err := util.RemoveStaleTemps(path)
		if err != nil {
			return nil, nil, &StateError{Op: "recover", Path: path, Err: err}
		}
		report.DiscardedTemps = append(report.DiscardedTemps, temps...)
	}

	scan, err := readLog(l.EventsPath())
	if err != nil {
		return nil, nil, &StateError{Op: "recover", Path: l.EventsPath(), Err: err}
	}

	if damage := scan.damaged(); damage != nil {
		if !repair {
			return nil, nil, &StateError{Op: "recover", Path: l.EventsPath(), Err: damage, Hint: "rerun with --repair to keep the readable prefix of the log"}
		}
		if err := l.rewriteDamagedLog(scan, report); err != nil {
			return nil, nil, err
		}
	} else if scan.torn {
		info, err := os.Stat(l.EventsPath())
		if err != nil {
			return nil, nil, &StateError{Op: "recover", Path: l.EventsPath(), Err: err}
		}
		if err := os.Truncate(l.EventsPath(), scan.validSize); err != nil {
			return nil, nil, &StateError{Op: "recover", Path: l.EventsPath(), Err: err}
		}
		report.TruncatedBytes = info.Size() - scan.validSize
	}

	replayed := Replay(scan.events)
	want, err := replayed.Encode()
	if err != nil {
		return nil, nil, &StateError{Op: "recover", Path: l.ManifestPath(), Err: err}
	}

	current, err := os.ReadFile(l.ManifestPath())
	switch {
	case errors.Is(err, os.ErrNotExist):
		report.Rebuilt = len(scan.events) > 0
	case err != nil:
		return nil, nil, &StateError{Op: "recover", Path: l.ManifestPath(), Err: err}
	case bytes.Equal(current, want):
		return replayed, report, nil
	default:
		m, decodeErr := decodeManifest(current)
		switch {
		case decodeErr == nil && m.LastSeq < replayed.LastSeq:
			report.RolledForward = true
		case repair:
			report.Rebuilt = true
		case decodeErr != nil:
			return nil, nil, &StateError{Op: "recover", Path: l.ManifestPath(), Err: decodeErr, Hint: repairHint}
		default:
			return nil, nil, &StateError{Op: "recover", Path: l.ManifestPath(),
				Err: fmt.Errorf("manifest at seq %d diverges from event log at seq %d", m.LastSeq, replayed.LastSeq), Hint: repairHint}
		}
	}

	if err := util.WriteFileAtomic(l.ManifestPath(), want, 0o644); err != nil {
		return nil, nil, &StateError{Op: "write", Path: l.ManifestPath(), Err: err}
	}
	return replayed, report, nil
}

// rewriteDamagedLog keeps the readable prefix of a damaged log, renumbers
// it without gaps, and moves the original aside.
func (l *Ledger) rewriteDamagedLog(scan *logScan, report *RecoveryReport) error {
	aside := fmt.Sprintf("%s.corrupt-%d", l.EventsPath(), l.opts.Clock().UTC().Unix())
	original, err := os.ReadFile(l.EventsPath())
	if err != nil {
		return &StateError{Op: "repair", Path: l.EventsPath(), Err: err}
	}
	if err := util.WriteFileAtomic(aside, original, 0o644); err != nil {
		return &StateError{Op: "repair", Path: aside, Err: err}
	}
	report.QuarantinedLog = aside

	for i := range scan.events {
		if scan.events[i].Seq != uint64(i+1) {
			scan.events[i].Seq = uint64(i + 1)
			report.Renumbered = true
		}
	}
	data, err := encodeEvents(scan.events)
	if err != nil {
		return &StateError{Op: "repair", Path: l.EventsPath(), Err: err}
	}
	if err := util.WriteFileAtomic(l.EventsPath(), data, 0o644); err != nil {
		return &StateError{Op: "repair", Path: l.EventsPath(), Err: err}
	}
	report.TruncatedBytes = int64(len(original)) - scan.validSize
	return nil
}

// Repair takes the lock and runs recovery in repair mode.
func (l *Ledger) Repair(ctx context.Context) (*RecoveryReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lock, err := acquireLock(l.LockPath(), l.opts.Clock())
	if err != nil {
		return nil, err
	}
	defer lock.release()

	_, report, err := l.recoverLocked(true)
	if err != nil {
		return nil, err
	}
	l.logRecovery(report)
	return report, nil
}

func (l *Ledger) logRecovery(r *RecoveryReport) {
	if r.Clean() {
		return
	}
	l.logger.Warn("ledger recovered",
		"discarded_temps", len(r.DiscardedTemps),
		"truncated_bytes", r.TruncatedBytes,
		"quarantined_log", r.QuarantinedLog,
		"renumbered", r.Renumbered,
		"rolled_forward", r.RolledForward,
		"rebuilt", r.Rebuilt,
	)
}

// Begin locks the ledger, runs recovery and returns a write session. The
// caller must Close it.
func (l *Ledger) Begin(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lock, err := acquireLock(l.LockPath(), l.opts.Clock())
	if err != nil {
		return nil, err
	}

	m, report, err := l.recoverLocked(l.opts.Repair)
	if err != nil {
		lock.release()
		return nil, err
	}
	l.logRecovery(report)

	log, err := os.OpenFile(l.EventsPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		lock.release()
		return nil, &StateError{Op: "open", Path: l.EventsPath(), Err: err}
	}

	return &Session{
		ledger:    l,
		lock:      lock,
		log:       log,
		manifest:  m,
		operation: uuid.NewString(),
	}, nil
}

// Update runs fn in a session of its own.
func (l *Ledger) Update(ctx context.Context, fn func(tx *Tx) error) (err error) {
	s, err := l.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, s.Close())
	}()
	return s.Update(fn)
}

// Session is a locked write handle.
type Session struct {
	ledger    *Ledger
	lock      *fileLock
	operation string

	mu       sync.Mutex
	log      *os.File
	manifest *Manifest
	broken   error
	closed   bool
}

// Operation is the correlation id stamped on this session's events.
func (s *Session) Operation() string { return s.operation }

// Manifest returns a copy of the committed state.
func (s *Session) Manifest() *Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest.Clone()
}

// Entry returns a copy of name's committed entry.
func (s *Session) Entry(name string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.manifest.Extensions[name]
	return e.Clone(), ok
}

// Update runs fn against a working copy and commits the events it
// appended. When fn fails nothing is written.
//
// # Description
//
// The commit appends the events, fsyncs the log, then atomically replaces
// the manifest. Update takes no context: once fn returns, the commit runs
// to completion so cancellation never leaves a half-written state.
func (s *Session) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.broken != nil {
		return fmt.Errorf("%w: %v", ErrClosed, s.broken)
	}

	l := s.ledger
	tx := &Tx{
		manifest:  s.manifest.Clone(),
		next:      s.manifest.LastSeq + 1,
		now:       l.opts.Clock,
		cli:       l.opts.CLIVersion,
		operation: s.operation,
	}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.events) == 0 {
		return nil
	}

	if err := s.commit(tx); err != nil {
		s.broken = err
		return err
	}
	s.manifest = tx.manifest
	return nil
}

func (s *Session) commit(tx *Tx) error {
	l := s.ledger
	lines, err := encodeEvents(tx.events)
	if err != nil {
		return &StateError{Op: "commit", Path: l.EventsPath(), Err: err}
	}
	manifest, err := tx.manifest.Encode()
	if err != nil {
		return &StateError{Op: "commit", Path: l.ManifestPath(), Err: err}
	}

	if _, err := s.log.Write(lines); err != nil {
		return &StateError{Op: "append", Path: l.EventsPath(), Err: err}
	}
	if err := s.log.Sync(); err != nil {
		return &StateError{Op: "fsync", Path: l.EventsPath(), Err: err}
	}
	if err := util.WriteFileAtomic(l.ManifestPath(), manifest, 0o644); err != nil {
		return &StateError{Op: "write", Path: l.ManifestPath(), Err: err, Hint: "the event log is intact; the next run rolls the manifest forward"}
	}

	for _, ev := range tx.events {
		l.logger.Debug("ledger event",
			"seq", ev.Seq, "extension", ev.Extension, "kind", ev.Kind, "outcome", ev.Outcome)
	}
	return nil
}

// Emit appends events in one commit.
func (s *Session) Emit(events ...Event) error {
	return s.Update(func(tx *Tx) error {
		for _, ev := range events {
			tx.Append(ev)
		}
		return nil
	})
}

// Close syncs the log and releases the lock. Safe to call twice.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.log.Sync(); err != nil {
		errs = append(errs, err)
	}
	if err := s.log.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.lock.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Tx is the working copy handed to Session.Update.
type Tx struct {
	manifest  *Manifest
	events    []Event
	next      uint64
	now       func() time.Time
	cli       string
	operation string
}

// Entry returns a copy of name's entry as of the events appended so far.
func (tx *Tx) Entry(name string) (Entry, bool) {
	e, ok := tx.manifest.Extensions[name]
	return e.Clone(), ok
}

// Installed lists names with an active record.
func (tx *Tx) Installed() []string { return tx.manifest.Installed() }

// Append assigns the next sequence number, fills ID, Time, CLIVersion and
// Operation when empty, applies the event and returns it.
func (tx *Tx) Append(ev Event) Event {
	ev.Seq = tx.next
	tx.next++
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = tx.now()
	}
	ev.Time = ev.Time.UTC()
	if ev.CLIVersion == "" {
		ev.CLIVersion = tx.cli
	}
	if ev.Operation == "" {
		ev.Operation = tx.operation
	}
	if ev.State != nil {
		state := ev.State.Clone()
		ev.State = &state
	}
	Apply(tx.manifest, ev)
	tx.events = append(tx.events, ev)
	return ev
}
