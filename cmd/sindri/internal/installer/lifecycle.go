// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pacphi/sindri/cmd/sindri/internal/extension"
	"github.com/pacphi/sindri/cmd/sindri/internal/ledger"
	"github.com/pacphi/sindri/cmd/sindri/internal/resolver"
	"github.com/pacphi/sindri/cmd/sindri/internal/version"
)

// =============================================================================
// Upgrade
// =============================================================================

// Upgrade moves names to the newest compatible versions. With no names
// every installed extension is considered. Extensions already at or
// beyond the newest version are skipped.
func (in *Installer) Upgrade(ctx context.Context, names []string, opts Options) (report *Report, err error) {
	ctx, span := in.tracer().Start(ctx, "installer.Upgrade", trace.WithAttributes(
		attribute.StringSlice("names", names),
	))
	defer func() {
		endSpan(span, err)
	}()

	sess, err := in.Ledger.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, sess.Close())
	}()

	m := sess.Manifest()
	if len(names) == 0 {
		names = m.Installed()
	}
	requests := make([]resolver.Request, 0, len(names))
	for _, name := range names {
		if _, ok := m.Active(name); !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotInstalled, name)
		}
		requests = append(requests, resolver.Request{Name: name})
	}
	if len(requests) == 0 {
		return &Report{Operation: sess.Operation(), Plan: &resolver.Plan{}}, nil
	}

	opts.upgrade = true
	return in.apply(ctx, sess, requests, opts)
}

// =============================================================================
// Rollback
// =============================================================================

// RollbackResult reports a rollback. Changed is false when there was no
// rollback target.
type RollbackResult struct {
	Name     string
	From     string
	To       string
	Changed  bool
	Warnings []string
}

// Rollback swaps name's active record with its rollback record and
// reruns the activate hook of the restored version.
//
// # Description
//
// The restored record is the one displaced by the last upgrade, byte for
// byte, so its checksum and timestamps are those of the original install.
// The displaced record becomes the new rollback target, which makes a
// second rollback undo the first.
func (in *Installer) Rollback(ctx context.Context, name string) (result *RollbackResult, err error) {
	ctx, span := in.tracer().Start(ctx, "installer.Rollback", trace.WithAttributes(attribute.String("extension", name)))
	defer func() {
		endSpan(span, err)
	}()

	sess, err := in.Ledger.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, sess.Close())
	}()

	entry, ok := sess.Entry(name)
	if !ok || entry.Active == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}
	result = &RollbackResult{Name: name, From: entry.Active.Version}
	if entry.Rollback == nil {
		in.logger().Info("nothing to roll back", "extension", name, "version", entry.Active.Version)
		return result, nil
	}

	target := entry.Rollback
	if _, err := os.Stat(target.Path); err != nil {
		return nil, fmt.Errorf("rollback payload for %s@%s: %w", name, target.Version, err)
	}

	restored := *target
	restored.Status = ledger.StatusActive
	displaced := *entry.Active
	displaced.Status = ledger.StatusStaged
	next := ledger.Entry{Active: &restored, Rollback: &displaced}

	err = sess.Update(func(tx *ledger.Tx) error {
		tx.Append(ledger.Event{
			Extension: name,
			Kind:      ledger.KindRolledBack,
			Version:   restored.Version,
			Outcome:   "from " + displaced.Version,
			State:     &next,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.To = restored.Version
	result.Changed = true
	in.logger().Info("rolled back", "extension", name, "from", displaced.Version, "to", restored.Version)

	if d := in.installedDescriptor(&restored); d != nil {
		spec := in.hookSpec(d, extension.HookActivate, restored.Path, extension.SourceType(restored.Source), displaced.Version)
		if spec.Script == "" {
			return result, nil
		}
		if err := in.hooks().Run(ctx, spec); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("activate hook: %v", err))
			in.logger().Warn("activate hook failed", "extension", d.Key(), "error", err)
		}
	}
	return result, nil
}

// =============================================================================
// Remove
// =============================================================================

// Remove runs name's remove hook, records the removal and deletes its
// payloads. The event history is kept.
func (in *Installer) Remove(ctx context.Context, name string) (err error) {
	ctx, span := in.tracer().Start(ctx, "installer.Remove", trace.WithAttributes(attribute.String("extension", name)))
	defer func() {
		endSpan(span, err)
	}()

	sess, err := in.Ledger.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, sess.Close())
	}()

	entry, ok := sess.Entry(name)
	if !ok || entry.Active == nil {
		return fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}
	if in.Registry != nil && in.Registry.Protected(name) {
		return fmt.Errorf("%w: %s", ErrProtected, name)
	}
	if users := in.dependents(sess.Manifest(), name); len(users) > 0 {
		return fmt.Errorf("%w: %s is required by %v", ErrInUse, name, users)
	}

	rec := entry.Active
	if d := in.installedDescriptor(rec); d != nil {
		spec := in.hookSpec(d, extension.HookRemove, rec.Path, extension.SourceType(rec.Source), "")
		if err := in.runHook(ctx, d, spec); err != nil {
			if emitErr := sess.Emit(ledger.Event{
				Extension: name, Kind: ledger.KindFailed, Version: rec.Version, Outcome: "remove", Error: err.Error(),
			}); emitErr != nil {
				in.logger().Error("recording event", "extension", name, "error", emitErr)
			}
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}

	if err := sess.Emit(ledger.Event{Extension: name, Kind: ledger.KindRemoved, Version: rec.Version, Outcome: "ok"}); err != nil {
		return err
	}

	for _, r := range []*ledger.Record{entry.Active, entry.Rollback} {
		if r != nil && r.Path != "" {
			if err := os.RemoveAll(r.Path); err != nil {
				in.logger().Warn("deleting payload", "path", r.Path, "error", err)
			}
		}
	}
	// Only succeeds when nothing else is left.
	_ = os.Remove(filepath.Join(in.extensionsDir(), name))

	in.logger().Info("removed", "extension", name, "version", rec.Version)
	return nil
}

// dependents lists installed extensions whose descriptors depend on name.
func (in *Installer) dependents(m *ledger.Manifest, name string) []string {
	var users []string
	for _, other := range m.Installed() {
		if other == name {
			continue
		}
		rec, _ := m.Active(other)
		d := in.installedDescriptor(rec)
		if d == nil {
			continue
		}
		for _, dep := range d.Dependencies {
			if dep.Name == name {
				users = append(users, other)
				break
			}
		}
	}
	slices.Sort(users)
	return users
}

// installedDescriptor finds the descriptor an installation was made from:
// the registry entry for its version, else the copy in its payload.
func (in *Installer) installedDescriptor(rec *ledger.Record) *extension.Descriptor {
	if in.Registry != nil {
		if v, err := version.Parse(rec.Version); err == nil {
			if d, err := in.Registry.Lookup(rec.Name, v); err == nil {
				return d
			}
		}
	}
	if rec.Path != "" {
		if d, err := extension.LoadDescriptor(rec.Path, extension.SourceType(rec.Source)); err == nil {
			return d
		}
	}
	return nil
}

// =============================================================================
// Verify
// =============================================================================

// Verification is the result for one extension.
type Verification struct {
	Name    string
	Version string
	Err     error
	Checked time.Time
}

// OK reports whether the extension passed.
func (v Verification) OK() bool { return v.Err == nil }

// VerifyReport lists verification results in name order.
type VerifyReport struct {
	Results []Verification
}

// Failed returns the failing results.
func (r *VerifyReport) Failed() []Verification {
	var out []Verification
	for _, v := range r.Results {
		if !v.OK() {
			out = append(out, v)
		}
	}
	return out
}

// Verify re-checks installed extensions: payload present, checksum
// unchanged and verify hook passing. Passing records get a fresh
// LastVerified; failing ones are marked failed until they pass again or
// are reinstalled. With no names every installed extension is checked.
func (in *Installer) Verify(ctx context.Context, names []string) (report *VerifyReport, err error) {
	ctx, span := in.tracer().Start(ctx, "installer.Verify", trace.WithAttributes(attribute.StringSlice("names", names)))
	defer func() {
		endSpan(span, err)
	}()

	sess, err := in.Ledger.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, sess.Close())
	}()

	if len(names) == 0 {
		names = sess.Manifest().Installed()
	}
	report = &VerifyReport{}
	var failures []error
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		v := in.verifyOne(ctx, sess, name)
		report.Results = append(report.Results, v)
		if v.Err != nil {
			failures = append(failures, v.Err)
		}
	}
	return report, errors.Join(failures...)
}

func (in *Installer) verifyOne(ctx context.Context, sess *ledger.Session, name string) Verification {
	entry, ok := sess.Entry(name)
	if !ok || entry.Active == nil {
		return Verification{Name: name, Err: fmt.Errorf("%w: %s", ErrNotInstalled, name)}
	}
	rec := entry.Active
	v := Verification{Name: name, Version: rec.Version, Checked: in.now()}

	if err := in.drift(ctx, in.installedDescriptor(rec), rec); err != nil {
		if !errors.Is(err, ErrVerification) {
			err = fmt.Errorf("%w: %w", ErrVerification, err)
		}
		v.Err = fmt.Errorf("%s@%s: %w", name, rec.Version, err)
	}

	next := entry.Clone()
	ev := ledger.Event{Extension: name, Version: rec.Version, State: &next, Time: v.Checked}
	if v.Err == nil {
		next.Active.Status = ledger.StatusActive
		next.Active.LastVerified = v.Checked
		ev.Kind, ev.Outcome = ledger.KindVerified, "ok"
	} else {
		next.Active.Status = ledger.StatusFailed
		ev.Kind, ev.Outcome, ev.Error = ledger.KindFailed, "verification", v.Err.Error()
	}
	if err := sess.Emit(ev); err != nil && v.Err == nil {
		v.Err = err
	}
	return v
}
