// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/pacphi/sindri/cmd/sindri/internal/util"
)

// Filter selects events. Zero fields match everything.
type Filter struct {
	Extension string
	Kinds     []Kind
	Since     time.Time

	// Limit keeps only the newest Limit matches.
	Limit int
}

func (f Filter) match(ev Event) bool {
	if f.Extension != "" && ev.Extension != f.Extension {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, ev.Kind) {
		return false
	}
	if !f.Since.IsZero() && ev.Time.Before(f.Since) {
		return false
	}
	return true
}

// Query returns matching events, oldest first. It reads without locking and
// ignores a torn final line.
func (l *Ledger) Query(f Filter) ([]Event, error) {
	scan, err := readLog(l.EventsPath())
	if err != nil {
		return nil, &StateError{Op: "read", Path: l.EventsPath(), Err: err}
	}
	var out []Event
	for _, ev := range scan.events {
		if f.match(ev) {
			out = append(out, ev)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// History returns every event for name.
func (l *Ledger) History(name string) ([]Event, error) {
	return l.Query(Filter{Extension: name})
}

// Stats summarizes the ledger.
type Stats struct {
	Events       int
	FirstSeq     uint64
	LastSeq      uint64
	FirstEvent   time.Time
	LastEvent    time.Time
	ByKind       map[Kind]int
	Installed    int
	WithRollback int
	LogBytes     int64
	Torn         bool
}

// Stats reads the log and manifest without locking.
func (l *Ledger) Stats() (*Stats, error) {
	scan, err := readLog(l.EventsPath())
	if err != nil {
		return nil, &StateError{Op: "read", Path: l.EventsPath(), Err: err}
	}
	m, err := l.Snapshot()
	if err != nil {
		return nil, err
	}

	st := &Stats{ByKind: map[Kind]int{}, Events: len(scan.events), Torn: scan.torn}
	if n := len(scan.events); n > 0 {
		st.FirstSeq, st.FirstEvent = scan.events[0].Seq, scan.events[0].Time
		st.LastSeq, st.LastEvent = scan.events[n-1].Seq, scan.events[n-1].Time
	}
	for _, ev := range scan.events {
		st.ByKind[ev.Kind]++
	}
	for _, e := range m.Extensions {
		if e.Active != nil {
			st.Installed++
		}
		if e.Rollback != nil {
			st.WithRollback++
		}
	}
	if info, err := os.Stat(l.EventsPath()); err == nil {
		st.LogBytes = info.Size()
	}
	return st, nil
}

// CompactReport describes a compaction.
type CompactReport struct {
	Before int
	After  int
}

// Compact takes the lock and compacts the log. See Session.Compact.
func (l *Ledger) Compact(ctx context.Context, retention time.Duration) (report *CompactReport, err error) {
	s, err := l.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, s.Close())
	}()
	return s.Compact(retention)
}

// Compact drops events older than retention.
//
// # Description
//
// Every event newer than now-retention is kept. For each extension still
// in the manifest, its newest state-carrying event is kept too, however
// old, so replaying the compacted log reproduces the same entries. Kept
// events are renumbered from 1 and both files are rewritten atomically.
func (s *Session) Compact(retention time.Duration) (*CompactReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	l := s.ledger
	scan, err := readLog(l.EventsPath())
	if err != nil {
		return nil, &StateError{Op: "compact", Path: l.EventsPath(), Err: err}
	}

	cutoff := l.opts.Clock().Add(-retention)
	latestState := map[string]uint64{}
	for _, ev := range scan.events {
		if ev.State != nil {
			latestState[ev.Extension] = ev.Seq
		}
	}

	kept := make([]Event, 0, len(scan.events))
	for _, ev := range scan.events {
		_, installed := s.manifest.Extensions[ev.Extension]
		anchor := installed && latestState[ev.Extension] == ev.Seq
		if anchor || !ev.Time.Before(cutoff) {
			kept = append(kept, ev)
		}
	}
	for i := range kept {
		kept[i].Seq = uint64(i + 1)
	}

	compacted := Replay(kept)
	if err := sameExtensions(s.manifest, compacted); err != nil {
		return nil, &StateError{Op: "compact", Path: l.EventsPath(), Err: err}
	}

	data, err := encodeEvents(kept)
	if err != nil {
		return nil, &StateError{Op: "compact", Path: l.EventsPath(), Err: err}
	}
	manifest, err := compacted.Encode()
	if err != nil {
		return nil, &StateError{Op: "compact", Path: l.ManifestPath(), Err: err}
	}

	if err := util.WriteFileAtomic(l.EventsPath(), data, 0o644); err != nil {
		return nil, &StateError{Op: "compact", Path: l.EventsPath(), Err: err}
	}
	// The append handle still points at the replaced file.
	_ = s.log.Close()
	s.log, err = os.OpenFile(l.EventsPath(), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.broken = err
		return nil, &StateError{Op: "compact", Path: l.EventsPath(), Err: err}
	}
	if err := util.WriteFileAtomic(l.ManifestPath(), manifest, 0o644); err != nil {
		s.broken = err
		return nil, &StateError{Op: "compact", Path: l.ManifestPath(), Err: err, Hint: repairHint}
	}
	s.manifest = compacted

	l.logger.Info("ledger compacted", "before", len(scan.events), "after", len(kept))
	return &CompactReport{Before: len(scan.events), After: len(kept)}, nil
}

func sameExtensions(a, b *Manifest) error {
	ea, err := (&Manifest{SchemaVersion: SchemaVersion, Extensions: a.Extensions}).Encode()
	if err != nil {
		return err
	}
	eb, err := (&Manifest{SchemaVersion: SchemaVersion, Extensions: b.Extensions}).Encode()
	if err != nil {
		return err
	}
	if string(ea) != string(eb) {
		return fmt.Errorf("compacted log does not reproduce the current entries")
	}
	return nil
}
