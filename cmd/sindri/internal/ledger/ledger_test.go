// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func openTest(t *testing.T, opts Options) (*Ledger, *stepClock) {
	t.Helper()
	clock := newStepClock()
	if opts.Clock == nil {
		opts.Clock = clock.Now
	}
	if opts.CLIVersion == "" {
		opts.CLIVersion = "3.5.0"
	}
	l, err := Open(filepath.Join(t.TempDir(), "state"), opts)
	require.NoError(t, err)
	return l, clock
}

func record(name, version string, at time.Time) *Record {
	return &Record{
		Name:        name,
		Version:     version,
		Source:      "bundled",
		InstalledAt: at,
		Checksum:    "h1:" + name + version,
		Status:      StatusActive,
	}
}

// installEvents appends the events of a fresh install.
func installEvents(tx *Tx, name, version string, at time.Time) {
	tx.Append(Event{Extension: name, Kind: KindRequested})
	tx.Append(Event{Extension: name, Kind: KindResolved, Version: version})
	tx.Append(Event{Extension: name, Kind: KindInstalled, Version: version, Outcome: "ok",
		State: &Entry{Active: record(name, version, at)}})
}

func assertReplayMatches(t *testing.T, l *Ledger) {
	t.Helper()
	scan, err := readLog(l.EventsPath())
	require.NoError(t, err)
	want, err := Replay(scan.events).Encode()
	require.NoError(t, err)
	got, err := os.ReadFile(l.ManifestPath())
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got), "manifest must equal replay of the log")
}

func TestUpdate_CommitsGapFreeEvents(t *testing.T) {
	l, clock := openTest(t, Options{})
	ctx := context.Background()

	require.NoError(t, l.Update(ctx, func(tx *Tx) error {
		installEvents(tx, "python", "3.1.0", clock.Now())
		return nil
	}))
	require.NoError(t, l.Update(ctx, func(tx *Tx) error {
		installEvents(tx, "node", "20.1.0", clock.Now())
		return nil
	}))

	events, err := l.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, events, 6)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.NotEmpty(t, ev.ID)
		assert.Equal(t, "3.5.0", ev.CLIVersion)
		assert.Equal(t, time.UTC, ev.Time.Location())
	}
	assert.NotEqual(t, events[0].Operation, events[3].Operation, "each session has its own operation id")

	m, err := l.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(6), m.LastSeq)
	assert.Equal(t, []string{"node", "python"}, m.Installed())
	assertReplayMatches(t, l)
}

func TestUpdate_FailureWritesNothing(t *testing.T) {
	l, clock := openTest(t, Options{})
	boom := errors.New("boom")

	err := l.Update(context.Background(), func(tx *Tx) error {
		installEvents(tx, "python", "3.1.0", clock.Now())
		return boom
	})
	require.ErrorIs(t, err, boom)

	events, err := l.Query(Filter{})
	require.NoError(t, err)
	assert.Empty(t, events)
	m, err := l.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, m.Extensions)
}

func TestRemovedDeletesEntry(t *testing.T) {
	l, clock := openTest(t, Options{})
	ctx := context.Background()
	require.NoError(t, l.Update(ctx, func(tx *Tx) error {
		installEvents(tx, "python", "3.1.0", clock.Now())
		return nil
	}))
	require.NoError(t, l.Update(ctx, func(tx *Tx) error {
		tx.Append(Event{Extension: "python", Kind: KindRemoved, Version: "3.1.0"})
		return nil
	}))

	m, err := l.Snapshot()
	require.NoError(t, err)
	assert.NotContains(t, m.Extensions, "python")

	history, err := l.History("python")
	require.NoError(t, err)
	assert.Len(t, history, 4, "history survives removal")
	assertReplayMatches(t, l)
}

func TestBegin_LockContentionFailsFast(t *testing.T) {
	l, _ := openTest(t, Options{})
	ctx := context.Background()

	first, err := l.Begin(ctx)
	require.NoError(t, err)

	_, err = l.Begin(ctx)
	require.ErrorIs(t, err, ErrLocked)
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, os.Getpid(), locked.PID)

	require.NoError(t, first.Close())
	require.NoError(t, first.Close(), "second close is a no-op")

	second, err := l.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, second.Close())
	assert.FileExists(t, l.LockPath())
}

func TestSession_ClosedRejectsUpdates(t *testing.T) {
	l, _ := openTest(t, Options{})
	s, err := l.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Emit(Event{Extension: "x", Kind: KindRequested}), ErrClosed)
}

func TestBegin_CancelledContext(t *testing.T) {
	l, _ := openTest(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Begin(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSession_ConcurrentEmit(t *testing.T) {
	l, _ := openTest(t, Options{})
	s, err := l.Begin(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, name := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				assert.NoError(t, s.Emit(Event{Extension: name, Kind: KindRequested}))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, s.Close())

	events, err := l.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, events, 20)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
}

// TestCrashBeforeRename leaves a temp manifest behind, as a crash between
// the temp write and the rename would.
func TestCrashBeforeRename(t *testing.T) {
	l, clock := openTest(t, Options{})
	ctx := context.Background()
	require.NoError(t, l.Update(ctx, func(tx *Tx) error {
		installEvents(tx, "python", "3.1.0", clock.Now())
		return nil
	}))
	before, err := os.ReadFile(l.ManifestPath())
	require.NoError(t, err)

	stale := l.ManifestPath() + ".tmp-999"
	require.NoError(t, os.WriteFile(stale, []byte(`{"schemaVersion":"1","extensions":{}}`), 0o644))

	after, err := os.ReadFile(l.ManifestPath())
	require.NoError(t, err)
	assert.Equal(t, before, after)

	m, err := l.Snapshot()
	require.NoError(t, err)
	assert.Contains(t, m.Extensions, "python")

	report, err := l.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{stale}, report.DiscardedTemps)
	assert.NoFileExists(t, stale)
	assertReplayMatches(t, l)
}

// TestRollForward simulates a crash after the log fsync but before the
// manifest rename.
func TestRollForward(t *testing.T) {
	l, clock := openTest(t, Options{})
	ctx := context.Background()
	require.NoError(t, l.Update(ctx, func(tx *Tx) error {
		installEvents(tx, "python", "3.0.0", clock.Now())
		return nil
	}))
	staleManifest, err := os.ReadFile(l.ManifestPath())
	require.NoError(t, err)

	require.NoError(t, l.Update(ctx, func(tx *Tx) error {
		tx.Append(Event{Extension: "python", Kind: KindUpgraded, Version: "3.1.0",
			State: &Entry{Active: record("python", "3.1.0", clock.Now()), Rollback: record("python", "3.0.0", clock.Now())}})
		return nil
	}))
	require.NoError(t, os.WriteFile(l.ManifestPath(), staleManifest, 0o644))

	m, err := l.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "3.1.0", m.Extensions["python"].Active.Version, "snapshot replays a stale manifest")

	s, err := l.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assertReplayMatches(t, l)
}

func TestRecovery_TornTail(t *testing.T) {
	l, clock := openTest(t, Options{})
	ctx := context.Background()
	require.NoError(t, l.Update(ctx, func(tx *Tx) error {
		installEvents(tx, "python", "3.1.0", clock.Now())
		return nil
	}))

	f, err := os.OpenFile(l.EventsPath(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":4,"extension":"py`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	report, err := l.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(`{"seq":4,"extension":"py`)), report.TruncatedBytes)

	require.NoError(t, l.Update(ctx, func(tx *Tx) error {
		ev := tx.Append(Event{Extension: "python", Kind: KindVerified})
		assert.Equal(t, uint64(4), ev.Seq)
		return nil
	}))
	assertReplayMatches(t, l)
}

func TestRecovery_CorruptManifest(t *testing.T) {
	l, clock := openTest(t, Options{})
	ctx := context.Background()
	require.NoError(t, l.Update(ctx, func(tx *Tx) error {
		installEvents(tx, "python", "3.1.0", clock.Now())
		return nil
	}))
	require.NoError(t, os.WriteFile(l.ManifestPath(), []byte("{not json"), 0o644))

	_, err := l.Snapshot()
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Contains(t, stateErr.Error(), "--repair")

	_, err = l.Begin(ctx)
	require.ErrorAs(t, err, &stateErr)

	report, err := l.Repair(ctx)
	require.NoError(t, err)
	assert.True(t, report.Rebuilt)
	assertReplayMatches(t, l)

	m, err := l.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "3.1.0", m.Extensions["python"].Active.Version)
}

func TestRecovery_MissingManifestRebuilds(t *testing.T) {
	l, clock := openTest(t, Options{})
	ctx := context.Background()
	require.NoError(t, l.Update(ctx, func(tx *Tx) error {
		installEvents(tx, "python", "3.1.0", clock.Now())
		return nil
	}))
	require.NoError(t, os.Remove(l.ManifestPath()))

	s, err := l.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assertReplayMatches(t, l)
}

func TestRecovery_DivergentManifestNeedsRepair(t *testing.T) {
	l, clock := openTest(t, Options{})
	ctx := context.Background()
	require.NoError(t, l.Update(ctx, func(tx *Tx) error {
		installEvents(tx, "python", "3.1.0", clock.Now())
		return nil
	}))
	m, err := l.Snapshot()
	require.NoError(t, err)
	delete(m.Extensions, "python")
	data, err := m.Encode()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(l.ManifestPath(), data, 0o644))

	_, err = l.Begin(ctx)
	assert.ErrorContains(t, err, "diverges")

	repairing, err := Open(l.Dir(), Options{Repair: true, Clock: clock.Now})
	require.NoError(t, err)
	s, err := repairing.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assertReplayMatches(t, l)
}

func TestRecovery_MidFileCorruption(t *testing.T) {
	l, clock := openTest(t, Options{})
	ctx := context.Background()
	require.NoError(t, l.Update(ctx, func(tx *Tx) error {
		installEvents(tx, "python", "3.1.0", clock.Now())
		return nil
	}))
	data, err := os.ReadFile(l.EventsPath())
	require.NoError(t, err)
	data = append(data, []byte("garbage\n")...)
	data = append(data, []byte(`{"seq":5,"extension":"node","kind":"requested"}`+"\n")...)
	require.NoError(t, os.WriteFile(l.EventsPath(), data, 0o644))

	_, err = l.Begin(ctx)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Contains(t, stateErr.Error(), "line 4")

	report, err := l.Repair(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, report.QuarantinedLog)
	assert.FileExists(t, report.QuarantinedLog)

	events, err := l.Query(Filter{})
	require.NoError(t, err)
	assert.Len(t, events, 3)
	assertReplayMatches(t, l)
}

func TestQuery(t *testing.T) {
	l, clock := openTest(t, Options{})
	ctx := context.Background()
	require.NoError(t, l.Update(ctx, func(tx *Tx) error {
		installEvents(tx, "python", "3.1.0", clock.Now())
		installEvents(tx, "node", "20.1.0", clock.Now())
		tx.Append(Event{Extension: "node", Kind: KindFailed, Error: "verify failed"})
		return nil
	}))

	failed, err := l.Query(Filter{Kinds: []Kind{KindFailed}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "verify failed", failed[0].Error)

	last, err := l.Query(Filter{Extension: "node", Limit: 2})
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, KindFailed, last[1].Kind)

	all, err := l.Query(Filter{})
	require.NoError(t, err)
	since, err := l.Query(Filter{Since: all[4].Time})
	require.NoError(t, err)
	assert.Len(t, since, 3)

	st, err := l.Stats()
	require.NoError(t, err)
	assert.Equal(t, 7, st.Events)
	assert.Equal(t, 2, st.Installed)
	assert.Equal(t, 1, st.ByKind[KindFailed])
	assert.Equal(t, uint64(7), st.LastSeq)
	assert.Positive(t, st.LogBytes)
}

func TestCompact(t *testing.T) {
	l, clock := openTest(t, Options{})
	ctx := context.Background()
	require.NoError(t, l.Update(ctx, func(tx *Tx) error {
		installEvents(tx, "python", "3.1.0", clock.Now())
		installEvents(tx, "ruby", "3.3.0", clock.Now())
		tx.Append(Event{Extension: "ruby", Kind: KindRemoved})
		return nil
	}))
	before, err := l.Snapshot()
	require.NoError(t, err)

	// Advance the clock well past the retention window.
	clock.mu.Lock()
	clock.now = clock.now.Add(48 * time.Hour)
	clock.mu.Unlock()

	require.NoError(t, l.Update(ctx, func(tx *Tx) error {
		tx.Append(Event{Extension: "python", Kind: KindVerified})
		return nil
	}))

	report, err := l.Compact(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 8, report.Before)
	assert.Equal(t, 2, report.After, "python's install anchor plus the recent verify")

	events, err := l.Query(Filter{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, KindInstalled, events[0].Kind)

	after, err := l.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, before.Extensions, after.Extensions)
	assertReplayMatches(t, l)

	require.NoError(t, l.Update(ctx, func(tx *Tx) error {
		ev := tx.Append(Event{Extension: "python", Kind: KindVerified})
		assert.Equal(t, uint64(3), ev.Seq)
		return nil
	}))
	assertReplayMatches(t, l)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("rolled-back")
	require.NoError(t, err)
	assert.Equal(t, KindRolledBack, k)
	_, err = ParseKind("exploded")
	assert.Error(t, err)
}
