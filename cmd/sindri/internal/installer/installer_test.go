// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package installer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pacphi/sindri/cmd/sindri/internal/compat"
	"github.com/pacphi/sindri/cmd/sindri/internal/extension"
	"github.com/pacphi/sindri/cmd/sindri/internal/ledger"
	"github.com/pacphi/sindri/cmd/sindri/internal/resolver"
	"github.com/pacphi/sindri/cmd/sindri/internal/retry"
	"github.com/pacphi/sindri/cmd/sindri/internal/source"
	"github.com/pacphi/sindri/cmd/sindri/internal/util"
)

// =============================================================================
// Fakes
// =============================================================================

type hookFunc func(ctx context.Context, spec HookSpec) error

type fakeHooks struct {
	mu     sync.Mutex
	calls  []HookSpec
	behave map[string]hookFunc
	output string
}

func newFakeHooks() *fakeHooks {
	return &fakeHooks{behave: map[string]hookFunc{}}
}

func hookKey(spec HookSpec) string {
	return spec.Extension + "@" + spec.Version + ":" + string(spec.Kind)
}

func (f *fakeHooks) on(key string, fn hookFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behave[key] = fn
}

func (f *fakeHooks) Run(ctx context.Context, spec HookSpec) error {
	f.mu.Lock()
	f.calls = append(f.calls, spec)
	fn := f.behave[hookKey(spec)]
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, spec)
}

func (f *fakeHooks) Probe(context.Context, Probe) (string, error) {
	return f.output, nil
}

func (f *fakeHooks) specs(key string) []HookSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []HookSpec
	for _, s := range f.calls {
		if hookKey(s) == key {
			out = append(out, s)
		}
	}
	return out
}

func failing(n int, err error) hookFunc {
	var calls atomic.Int32
	return func(context.Context, HookSpec) error {
		if int(calls.Add(1)) <= n {
			return err
		}
		return nil
	}
}

// dirSources serves every descriptor from its Dir as a bundled payload.
type dirSources struct{}

func (dirSources) Resolve(_ context.Context, d *extension.Descriptor) (source.Resolved, error) {
	return source.Resolved{Type: extension.SourceBundled, Dir: d.Dir}, nil
}

// =============================================================================
// Fixture
// =============================================================================

type fixture struct {
	root   string
	ledger *ledger.Ledger
	hooks  *fakeHooks
	in     *Installer
}

// ext builds a checked descriptor from "name@version" with dependencies
// given as "name@constraint".
func ext(t *testing.T, key string, deps ...string) *extension.Descriptor {
	t.Helper()
	name, v, _ := strings.Cut(key, "@")
	d := &extension.Descriptor{
		Name:    name,
		Version: v,
		Install: extension.Install{Method: extension.MethodScript},
		Hooks:   extension.Hooks{Install: "install.sh", Verify: "verify.sh"},
	}
	for _, dep := range deps {
		n, c, _ := strings.Cut(dep, "@")
		d.Dependencies = append(d.Dependencies, extension.Dependency{Name: n, Version: c})
	}
	require.NoError(t, d.Check())
	return d
}

func newFixture(t *testing.T, descs ...*extension.Descriptor) *fixture {
	t.Helper()
	root := t.TempDir()
	for _, d := range descs {
		d.Dir = filepath.Join(root, "payloads", d.Name, d.Version)
		require.NoError(t, os.MkdirAll(d.Dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(d.Dir, "tool.txt"), []byte(d.Key()), 0o644))
	}

	l, err := ledger.Open(filepath.Join(root, "state"), ledger.Options{CLIVersion: "3.5"})
	require.NoError(t, err)

	hooks := newFakeHooks()
	return &fixture{
		root:   root,
		ledger: l,
		hooks:  hooks,
		in: &Installer{
			Ledger:     l,
			Sources:    dirSources{},
			Registry:   extension.NewRegistry(descs...),
			Hooks:      hooks,
			Root:       root,
			CLIVersion: "3.5",
			Policy:     retry.Policy{MaxAttempts: 3, Strategy: retry.StrategyFixed, Initial: time.Millisecond, Max: time.Millisecond},
		},
	}
}

func (f *fixture) install(t *testing.T, args ...string) (*Report, error) {
	t.Helper()
	requests, err := resolver.ParseRequests(args)
	require.NoError(t, err)
	return f.in.Install(context.Background(), requests, Options{})
}

func (f *fixture) payload(name, version string) string {
	return filepath.Join(f.root, ExtensionsDir, name, version)
}

func (f *fixture) snapshot(t *testing.T) *ledger.Manifest {
	t.Helper()
	m, err := f.ledger.Snapshot()
	require.NoError(t, err)
	return m
}

func (f *fixture) kinds(t *testing.T, name string) []ledger.Kind {
	t.Helper()
	events, err := f.ledger.History(name)
	require.NoError(t, err)
	out := make([]ledger.Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func (f *fixture) last(t *testing.T, name string) ledger.Event {
	t.Helper()
	events, err := f.ledger.History(name)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

// assertReplayable checks that folding the log reproduces the manifest.
func (f *fixture) assertReplayable(t *testing.T) {
	t.Helper()
	events, err := f.ledger.Query(ledger.Filter{})
	require.NoError(t, err)
	replayed, err := ledger.Replay(events).Encode()
	require.NoError(t, err)
	onDisk, err := os.ReadFile(f.ledger.ManifestPath())
	require.NoError(t, err)
	assert.Equal(t, string(onDisk), string(replayed))
}

func (f *fixture) assertNoStaging(t *testing.T, name string) {
	t.Helper()
	leftovers, err := filepath.Glob(filepath.Join(f.root, ExtensionsDir, name, ".*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

// =============================================================================
// Install
// =============================================================================

func TestInstall_Fresh(t *testing.T) {
	f := newFixture(t, ext(t, "python@3.0.0"), ext(t, "python@3.1.0"), ext(t, "python@4.0.0-beta"))

	report, err := f.install(t, "python@^3.0")
	require.NoError(t, err)
	require.Len(t, report.Results, 1)

	res := report.Results[0]
	assert.Equal(t, "python", res.Name)
	assert.Equal(t, "3.1.0", res.Version)
	assert.Equal(t, ActionInstalled, res.Action)
	assert.Equal(t, extension.SourceBundled, res.Source)
	assert.True(t, report.Changed())

	m := f.snapshot(t)
	require.Len(t, m.Extensions, 1)
	rec, ok := m.Active("python")
	require.True(t, ok)
	assert.Equal(t, "3.1.0", rec.Version)
	assert.Equal(t, ledger.StatusActive, rec.Status)
	assert.Equal(t, f.payload("python", "3.1.0"), rec.Path)
	assert.NotEmpty(t, rec.Checksum)
	assert.FileExists(t, filepath.Join(rec.Path, "tool.txt"))
	assert.Nil(t, m.Extensions["python"].Rollback)

	assert.Equal(t, []ledger.Kind{
		ledger.KindRequested, ledger.KindResolved, ledger.KindFetched, ledger.KindInstalled, ledger.KindVerified,
	}, f.kinds(t, "python"))
	events, err := f.ledger.History("python")
	require.NoError(t, err)
	assert.Equal(t, "3.1.0", events[1].Version)
	assert.Equal(t, report.Operation, events[0].Operation)

	installs := f.hooks.specs("python@3.1.0:install")
	require.Len(t, installs, 1)
	assert.True(t, strings.HasPrefix(filepath.Base(installs[0].Dir), ".staging-3.1.0-"))
	assert.Equal(t, "3.5", installs[0].CLIVersion)
	assert.Empty(t, installs[0].PreviousVersion)

	f.assertNoStaging(t, "python")
	f.assertReplayable(t)
}

func TestInstall_EmptyRequest(t *testing.T) {
	f := newFixture(t)
	report, err := f.in.Install(context.Background(), nil, Options{})
	require.NoError(t, err)
	assert.Zero(t, report.Plan.Len())

	events, err := f.ledger.Query(ledger.Filter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestInstall_AlreadyInstalled(t *testing.T) {
	f := newFixture(t, ext(t, "python@3.1.0"))
	_, err := f.install(t, "python")
	require.NoError(t, err)
	before := f.kinds(t, "python")

	report, err := f.install(t, "python")
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, report.Results[0].Action)
	assert.False(t, report.Changed())

	after := f.kinds(t, "python")
	require.Len(t, after, len(before)+1)
	last := f.last(t, "python")
	assert.Equal(t, ledger.KindSkipped, last.Kind)
	assert.Equal(t, "already-installed", last.Outcome)

	assert.Len(t, f.hooks.specs("python@3.1.0:install"), 1)
	verifies := f.hooks.specs("python@3.1.0:verify")
	require.Len(t, verifies, 2)
	assert.Equal(t, f.payload("python", "3.1.0"), verifies[1].Dir)
	f.assertReplayable(t)
}

func TestInstall_ReinstallsDriftedPayload(t *testing.T) {
	f := newFixture(t, ext(t, "python@3.1.0"))
	_, err := f.install(t, "python")
	require.NoError(t, err)
	original, _ := f.snapshot(t).Active("python")

	require.NoError(t, os.WriteFile(filepath.Join(f.payload("python", "3.1.0"), "tool.txt"), []byte("tampered"), 0o644))

	report, err := f.install(t, "python")
	require.NoError(t, err)
	assert.Equal(t, ActionInstalled, report.Results[0].Action)

	rec, _ := f.snapshot(t).Active("python")
	assert.Equal(t, original.Checksum, rec.Checksum)
	data, err := os.ReadFile(filepath.Join(rec.Path, "tool.txt"))
	require.NoError(t, err)
	assert.Equal(t, "python@3.1.0", string(data))
	f.assertNoStaging(t, "python")
}

func TestInstall_ForceReinstalls(t *testing.T) {
	f := newFixture(t, ext(t, "python@3.1.0"))
	_, err := f.install(t, "python")
	require.NoError(t, err)

	requests, _ := resolver.ParseRequests([]string{"python"})
	report, err := f.in.Install(context.Background(), requests, Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, ActionInstalled, report.Results[0].Action)
	assert.Len(t, f.hooks.specs("python@3.1.0:install"), 2)
	f.assertNoStaging(t, "python")
	f.assertReplayable(t)
}

func TestInstall_Dependencies(t *testing.T) {
	f := newFixture(t, ext(t, "mise@1.2.0"), ext(t, "python@3.1.0", "mise@^1"))

	report, err := f.install(t, "python")
	require.NoError(t, err)
	assert.Equal(t, []string{"mise", "python"}, report.Plan.Names())

	events, err := f.ledger.History("mise")
	require.NoError(t, err)
	assert.Equal(t, "dependency of python", events[0].Outcome)
	assert.Equal(t, []string{"mise", "python"}, f.snapshot(t).Installed())
}

func TestInstall_TransientHookFailureRetried(t *testing.T) {
	d := ext(t, "python@3.1.0")
	d.Install.Retry = &retry.Policy{
		MaxAttempts: 3,
		Strategy:    retry.StrategyExponential,
		Initial:     time.Millisecond,
		Max:         10 * time.Millisecond,
		Multiplier:  2,
	}
	require.NoError(t, d.Check())
	f := newFixture(t, d)
	stats := retry.NewStatsObserver()
	f.in.Observer = stats
	f.hooks.on("python@3.1.0:install", failing(2, util.NewCommandError("install.sh", 137, "Killed", nil)))

	report, err := f.install(t, "python")
	require.NoError(t, err)
	assert.Equal(t, ActionInstalled, report.Results[0].Action)

	s := stats.Snapshot()
	assert.Equal(t, 3, s.Attempts)
	assert.Equal(t, 2, s.Failures)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, s.Delays)
	assert.Equal(t, 1, s.Succeeded)
}

func TestInstall_PermanentHookFailureNotRetried(t *testing.T) {
	f := newFixture(t, ext(t, "python@3.1.0"))
	f.hooks.on("python@3.1.0:install", failing(5, util.NewCommandError("install.sh", 1, "syntax error", nil)))

	_, err := f.install(t, "python")
	require.Error(t, err)

	var cmdErr *util.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 1, cmdErr.ExitCode())
	var nonRetryable *retry.NonRetryableError
	assert.ErrorAs(t, err, &nonRetryable)
	assert.Len(t, f.hooks.specs("python@3.1.0:install"), 1)

	last := f.last(t, "python")
	assert.Equal(t, ledger.KindFailed, last.Kind)
	assert.Equal(t, "hook", last.Outcome)
}

func TestInstall_VerifyFailureRollsBack(t *testing.T) {
	f := newFixture(t, ext(t, "python@3.1.0"))
	f.hooks.on("python@3.1.0:verify", failing(5, util.NewCommandError("verify.sh", 1, "python3: not found", nil)))

	report, err := f.install(t, "python")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVerification)

	var planErr *PlanError
	require.ErrorAs(t, err, &planErr)
	require.Len(t, planErr.Failed, 1)
	assert.Equal(t, "python", planErr.Failed[0].Name)
	assert.Equal(t, []string{"python"}, planErr.RolledBack)
	assert.Empty(t, planErr.Committed)

	res := report.Results[0]
	assert.Equal(t, ActionFailed, res.Action)
	assert.True(t, res.Compensated)
	assert.Len(t, f.hooks.specs("python@3.1.0:verify"), 1, "verification is never retried")

	assert.NoDirExists(t, f.payload("python", "3.1.0"))
	f.assertNoStaging(t, "python")
	assert.Empty(t, f.snapshot(t).Extensions)

	assert.Equal(t, []ledger.Kind{
		ledger.KindRequested, ledger.KindResolved, ledger.KindFetched, ledger.KindFailed,
	}, f.kinds(t, "python"))
	assert.Equal(t, "verify", f.last(t, "python").Outcome)
}

func TestInstall_ValidateCommands(t *testing.T) {
	d := ext(t, "python@3.1.0")
	d.Validate = []extension.ValidateCommand{{Name: "python3", VersionFlag: "--version", ExpectedPattern: `Python 3\.`}}
	f := newFixture(t, d)

	f.hooks.output = "Python 2.7.18\n"
	_, err := f.install(t, "python")
	require.ErrorIs(t, err, ErrVerification)
	assert.Contains(t, err.Error(), "does not match")

	f.hooks.output = "Python 3.12.1\n"
	_, err = f.install(t, "python")
	require.NoError(t, err)
}

func TestInstall_MatrixRejection(t *testing.T) {
	m, err := compat.Load(strings.NewReader("schemaVersion: '1'\nextensions:\n  - name: python\n    versions: '^4'\n    minCli: '4.0'\n"))
	require.NoError(t, err)
	f := newFixture(t, ext(t, "python@3.1.0"), ext(t, "python@4.0.0"))
	f.in.Matrix = m

	_, err = f.install(t, "python@^4")
	require.Error(t, err)
	var incompatible *compat.IncompatibleError
	require.ErrorAs(t, err, &incompatible)
	assert.Equal(t, "too-old CLI 3.5 < 4.0", incompatible.Detail())

	assert.Equal(t, []ledger.Kind{ledger.KindRequested, ledger.KindFailed}, f.kinds(t, "python"))
	assert.Empty(t, f.hooks.specs("python@4.0.0:install"))
}

func TestInstall_ConflictRecordsEveryRequest(t *testing.T) {
	f := newFixture(t,
		ext(t, "a@1.0.0", "c@^2"), ext(t, "b@1.0.0", "c@^1"),
		ext(t, "c@1.0.0"), ext(t, "c@2.0.0"),
	)

	_, err := f.install(t, "a@^1.0", "b@1.0")
	require.ErrorIs(t, err, resolver.ErrConflict)
	for _, name := range []string{"a", "b"} {
		assert.Equal(t, []ledger.Kind{ledger.KindRequested, ledger.KindFailed}, f.kinds(t, name))
	}
	assert.Empty(t, f.kinds(t, "c"))
}

func TestInstall_SequentialFailureStopsPlan(t *testing.T) {
	f := newFixture(t, ext(t, "a@1.0.0"), ext(t, "b@1.0.0"), ext(t, "c@1.0.0"))
	f.hooks.on("b@1.0.0:verify", failing(5, errors.New("verify failed")))

	report, err := f.install(t, "a", "b", "c")
	var planErr *PlanError
	require.ErrorAs(t, err, &planErr)
	assert.Equal(t, []string{"a"}, planErr.Committed)
	assert.Equal(t, []string{"b"}, planErr.RolledBack)
	assert.Equal(t, []string{"c"}, planErr.NotAttempted)

	c, ok := report.Result("c")
	require.True(t, ok)
	assert.Equal(t, ActionNotAttempted, c.Action)
	assert.Empty(t, f.hooks.specs("c@1.0.0:install"))
	assert.Empty(t, f.kinds(t, "c"))
	assert.Equal(t, []string{"a"}, f.snapshot(t).Installed())
	f.assertReplayable(t)
}

func TestInstall_ParallelFailureRollsBackSiblings(t *testing.T) {
	f := newFixture(t, ext(t, "a@1.0.0"), ext(t, "b@1.0.0"), ext(t, "c@1.0.0"))
	f.in.Parallelism = 3

	var started sync.WaitGroup
	started.Add(2)
	blocked := func(ctx context.Context, _ HookSpec) error {
		started.Done()
		<-ctx.Done()
		return ctx.Err()
	}
	f.hooks.on("a@1.0.0:install", blocked)
	f.hooks.on("c@1.0.0:install", blocked)
	f.hooks.on("b@1.0.0:install", func(context.Context, HookSpec) error {
		started.Wait()
		return nil
	})
	f.hooks.on("b@1.0.0:verify", failing(5, errors.New("verify failed")))

	requests, _ := resolver.ParseRequests([]string{"a", "b", "c"})
	report, err := f.in.Install(context.Background(), requests, Options{Parallel: true})

	var planErr *PlanError
	require.ErrorAs(t, err, &planErr)
	require.Len(t, planErr.Failed, 1)
	assert.Equal(t, "b", planErr.Failed[0].Name)
	assert.Equal(t, []string{"a", "b", "c"}, planErr.RolledBack)
	assert.Empty(t, planErr.Committed)
	assert.NotErrorIs(t, err, context.Canceled)

	for _, name := range []string{"a", "c"} {
		res, _ := report.Result(name)
		assert.Equal(t, ActionRolledBack, res.Action, name)
		assert.NoError(t, res.Err, name)
		f.assertNoStaging(t, name)
	}
	assert.Empty(t, f.snapshot(t).Extensions)
	f.assertReplayable(t)
}

func TestInstall_Cancelled(t *testing.T) {
	f := newFixture(t, ext(t, "python@3.1.0"))
	ctx, cancel := context.WithCancel(context.Background())
	f.hooks.on("python@3.1.0:install", func(context.Context, HookSpec) error {
		cancel()
		return nil
	})

	requests, _ := resolver.ParseRequests([]string{"python"})
	_, err := f.in.Install(ctx, requests, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.snapshot(t).Extensions)
	f.assertNoStaging(t, "python")
	assert.Equal(t, "cancelled", f.last(t, "python").Outcome)
}

func TestInstall_Locked(t *testing.T) {
	f := newFixture(t, ext(t, "python@3.1.0"))
	sess, err := f.ledger.Begin(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	_, err = f.install(t, "python")
	assert.ErrorIs(t, err, ledger.ErrLocked)
}

// =============================================================================
// Upgrade and rollback
// =============================================================================

func TestInstall_UpgradeKeepsRollbackTarget(t *testing.T) {
	f := newFixture(t, ext(t, "python@3.0.0"), ext(t, "python@3.1.0"))
	_, err := f.install(t, "python@3.0.0")
	require.NoError(t, err)

	report, err := f.install(t, "python@^3.0")
	require.NoError(t, err)
	res := report.Results[0]
	assert.Equal(t, ActionUpgraded, res.Action)
	assert.Equal(t, "3.0.0", res.Previous)

	entry := f.snapshot(t).Extensions["python"]
	require.NotNil(t, entry.Rollback)
	assert.Equal(t, "3.1.0", entry.Active.Version)
	assert.Equal(t, "3.0.0", entry.Rollback.Version)
	assert.Equal(t, ledger.StatusStaged, entry.Rollback.Status)
	assert.DirExists(t, f.payload("python", "3.0.0"))
	assert.DirExists(t, f.payload("python", "3.1.0"))

	assert.Contains(t, f.kinds(t, "python"), ledger.KindUpgraded)
	events, err := f.ledger.Query(ledger.Filter{Extension: "python", Kinds: []ledger.Kind{ledger.KindUpgraded}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "from 3.0.0", events[0].Outcome)

	installs := f.hooks.specs("python@3.1.0:install")
	require.Len(t, installs, 1)
	assert.Equal(t, "3.0.0", installs[0].PreviousVersion)
	f.assertReplayable(t)
}

func TestInstall_InPlaceUpgradeUsesUpgradeHook(t *testing.T) {
	next := ext(t, "python@3.1.0")
	next.Upgrade.Strategy = extension.UpgradeInPlace
	next.Hooks.Upgrade = "upgrade.sh"
	f := newFixture(t, ext(t, "python@3.0.0"), next)

	_, err := f.install(t, "python@3.0.0")
	require.NoError(t, err)
	_, err = f.install(t, "python")
	require.NoError(t, err)

	assert.Len(t, f.hooks.specs("python@3.1.0:upgrade"), 1)
	assert.Empty(t, f.hooks.specs("python@3.1.0:install"))
}

func TestInstall_UpgradePrunesOldRollback(t *testing.T) {
	f := newFixture(t, ext(t, "tool@1.0.0"), ext(t, "tool@2.0.0"), ext(t, "tool@3.0.0"))
	for _, v := range []string{"1.0.0", "2.0.0", "3.0.0"} {
		_, err := f.install(t, "tool@"+v)
		require.NoError(t, err)
	}

	entry := f.snapshot(t).Extensions["tool"]
	assert.Equal(t, "3.0.0", entry.Active.Version)
	assert.Equal(t, "2.0.0", entry.Rollback.Version)
	assert.NoDirExists(t, f.payload("tool", "1.0.0"))
	assert.DirExists(t, f.payload("tool", "2.0.0"))
}

func TestUpgrade(t *testing.T) {
	f := newFixture(t, ext(t, "python@3.0.0"), ext(t, "python@3.1.0"), ext(t, "node@20.0.0"))
	_, err := f.install(t, "python@3.0.0", "node")
	require.NoError(t, err)

	report, err := f.in.Upgrade(context.Background(), nil, Options{})
	require.NoError(t, err)

	python, _ := report.Result("python")
	assert.Equal(t, ActionUpgraded, python.Action)
	node, _ := report.Result("node")
	assert.Equal(t, ActionSkipped, node.Action)

	_, err = f.in.Upgrade(context.Background(), []string{"ruby"}, Options{})
	assert.ErrorIs(t, err, ErrNotInstalled)
}

func TestRollback_RestoresExactRecord(t *testing.T) {
	f := newFixture(t, ext(t, "python@3.0.0"), ext(t, "python@3.1.0"))
	_, err := f.install(t, "python@3.0.0")
	require.NoError(t, err)
	original, _ := f.snapshot(t).Active("python")

	_, err = f.in.Upgrade(context.Background(), []string{"python"}, Options{})
	require.NoError(t, err)

	result, err := f.in.Rollback(context.Background(), "python")
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Equal(t, "3.1.0", result.From)
	assert.Equal(t, "3.0.0", result.To)

	entry := f.snapshot(t).Extensions["python"]
	assert.Equal(t, *original, *entry.Active)
	assert.Equal(t, "3.1.0", entry.Rollback.Version)
	assert.Equal(t, ledger.KindRolledBack, f.last(t, "python").Kind)
	f.assertReplayable(t)
}

func TestRollback_NoTarget(t *testing.T) {
	f := newFixture(t, ext(t, "python@3.1.0"))
	_, err := f.install(t, "python")
	require.NoError(t, err)
	before := f.kinds(t, "python")

	result, err := f.in.Rollback(context.Background(), "python")
	require.NoError(t, err)
	assert.False(t, result.Changed)
	assert.Equal(t, before, f.kinds(t, "python"))

	_, err = f.in.Rollback(context.Background(), "ruby")
	assert.ErrorIs(t, err, ErrNotInstalled)
}

func TestRollback_RunsActivateHook(t *testing.T) {
	old := ext(t, "python@3.0.0")
	old.Hooks.Activate = "activate.sh"
	f := newFixture(t, old, ext(t, "python@3.1.0"))
	_, err := f.install(t, "python@3.0.0")
	require.NoError(t, err)
	_, err = f.install(t, "python@3.1.0")
	require.NoError(t, err)

	_, err = f.in.Rollback(context.Background(), "python")
	require.NoError(t, err)

	activations := f.hooks.specs("python@3.0.0:activate")
	require.Len(t, activations, 2)
	assert.Equal(t, "3.1.0", activations[1].PreviousVersion)
	assert.Equal(t, f.payload("python", "3.0.0"), activations[1].Dir)
}

// =============================================================================
// Remove and verify
// =============================================================================

func TestRemove(t *testing.T) {
	d := ext(t, "python@3.1.0")
	d.Hooks.Remove = "remove.sh"
	f := newFixture(t, d)
	_, err := f.install(t, "python")
	require.NoError(t, err)

	require.NoError(t, f.in.Remove(context.Background(), "python"))
	assert.Len(t, f.hooks.specs("python@3.1.0:remove"), 1)
	assert.Empty(t, f.snapshot(t).Extensions)
	assert.NoDirExists(t, filepath.Join(f.root, ExtensionsDir, "python"))
	assert.Equal(t, ledger.KindRemoved, f.last(t, "python").Kind)
	f.assertReplayable(t)

	assert.ErrorIs(t, f.in.Remove(context.Background(), "python"), ErrNotInstalled)
}

func TestRemove_Refusals(t *testing.T) {
	git := ext(t, "git@2.0.0")
	git.Protected = true
	f := newFixture(t, git, ext(t, "lib@1.0.0"), ext(t, "app@1.0.0", "lib@^1"))
	_, err := f.install(t, "git", "app")
	require.NoError(t, err)

	assert.ErrorIs(t, f.in.Remove(context.Background(), "git"), ErrProtected)
	err = f.in.Remove(context.Background(), "lib")
	assert.ErrorIs(t, err, ErrInUse)
	assert.Contains(t, err.Error(), "app")

	require.NoError(t, f.in.Remove(context.Background(), "app"))
	require.NoError(t, f.in.Remove(context.Background(), "lib"))
}

func TestRemove_HookFailureKeepsInstall(t *testing.T) {
	d := ext(t, "python@3.1.0")
	d.Hooks.Remove = "remove.sh"
	f := newFixture(t, d)
	_, err := f.install(t, "python")
	require.NoError(t, err)
	f.hooks.on("python@3.1.0:remove", failing(5, util.NewCommandError("remove.sh", 2, "busy", nil)))

	require.Error(t, f.in.Remove(context.Background(), "python"))
	assert.Equal(t, []string{"python"}, f.snapshot(t).Installed())
	assert.DirExists(t, f.payload("python", "3.1.0"))
	assert.Equal(t, ledger.KindFailed, f.last(t, "python").Kind)
}

func TestVerify(t *testing.T) {
	f := newFixture(t, ext(t, "python@3.1.0"), ext(t, "node@20.0.0"))
	_, err := f.install(t, "python", "node")
	require.NoError(t, err)

	report, err := f.in.Verify(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.Empty(t, report.Failed())

	require.NoError(t, os.WriteFile(filepath.Join(f.payload("python", "3.1.0"), "tool.txt"), []byte("x"), 0o644))
	report, err = f.in.Verify(context.Background(), []string{"python", "node"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVerification)
	require.Len(t, report.Failed(), 1)
	assert.Equal(t, "python", report.Failed()[0].Name)

	rec, _ := f.snapshot(t).Active("python")
	assert.Equal(t, ledger.StatusFailed, rec.Status)
	f.assertReplayable(t)

	// A failed record is reinstalled rather than skipped.
	res, err := f.install(t, "python")
	require.NoError(t, err)
	assert.Equal(t, ActionInstalled, res.Results[0].Action)
	rec, _ = f.snapshot(t).Active("python")
	assert.Equal(t, ledger.StatusActive, rec.Status)
}
