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
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pacphi/sindri/cmd/sindri/internal/compat"
	"github.com/pacphi/sindri/cmd/sindri/internal/extension"
	"github.com/pacphi/sindri/cmd/sindri/internal/ledger"
	"github.com/pacphi/sindri/cmd/sindri/internal/resilience"
	"github.com/pacphi/sindri/cmd/sindri/internal/resolver"
	"github.com/pacphi/sindri/cmd/sindri/internal/retry"
	"github.com/pacphi/sindri/cmd/sindri/internal/source"
	"github.com/pacphi/sindri/cmd/sindri/internal/util"
	"github.com/pacphi/sindri/cmd/sindri/internal/version"
)

// Saga step names, also recorded as the outcome of "failed" events.
const (
	stepSource   = "source"
	stepCompat   = "compat"
	stepStage    = "stage"
	stepHook     = "hook"
	stepVerify   = "verify"
	stepChecksum = "checksum"
	stepPromote  = "promote"
	stepCommit   = "commit"
)

// job carries one plan node through its saga.
type job struct {
	in   *Installer
	sess *ledger.Session
	node resolver.Node
	d    *extension.Descriptor

	entry   ledger.Entry
	prev    *ledger.Record
	upgrade bool

	started time.Time
	fetched time.Time

	src      source.Resolved
	staging  string
	final    string
	aside    string
	checksum string
}

// runNode installs, upgrades or skips one node and reports the outcome.
// It never returns early without recording an event for the node.
func (in *Installer) runNode(ctx context.Context, sess *ledger.Session, node resolver.Node, opts Options) (res NodeResult) {
	d := node.Descriptor
	begin := time.Now()
	ctx, span := in.tracer().Start(ctx, "installer.node", trace.WithAttributes(
		attribute.String("extension", d.Name),
		attribute.String("version", d.Version),
	))
	res = NodeResult{Name: d.Name, Version: d.Version}
	defer func() {
		res.Duration = time.Since(begin)
		span.SetAttributes(attribute.String("action", string(res.Action)))
		endSpan(span, res.Err)
		in.Metrics.observe(res)
	}()

	entry, _ := sess.Entry(d.Name)
	j := &job{in: in, sess: sess, node: node, d: d, entry: entry, prev: entry.Active, started: in.now()}
	if j.prev != nil {
		res.Previous = j.prev.Version
		if outcome, skip := j.skippable(ctx, opts); skip {
			res.Action = ActionSkipped
			j.record(ledger.Event{Kind: ledger.KindSkipped, Outcome: outcome})
			return res
		}
		installed, err := version.Parse(j.prev.Version)
		j.upgrade = err != nil || !installed.Equal(d.SemVer())
	}

	logger := in.logger().With("extension", d.Name, "version", d.Version)
	err := j.run(ctx)
	res.Source = j.src.Type
	if err == nil {
		res.Action = ActionInstalled
		if j.upgrade {
			res.Action = ActionUpgraded
		}
		res.Warnings = j.finish(ctx)
		logger.Info("extension "+string(res.Action), "source", res.Source, "previous", res.Previous)
		return res
	}

	step := stepHook
	var sagaErr *resilience.SagaError
	if errors.As(err, &sagaErr) {
		step = sagaErr.Step
		res.Compensated = len(sagaErr.Compensated) > 0
		if len(sagaErr.Compensations) == 0 {
			err = sagaErr.Err
		}
	}
	res.Err = fmt.Errorf("%s: %w", d.Key(), err)
	res.Step = step
	res.Action = ActionFailed
	outcome := step
	if ctx.Err() != nil {
		res.Action = ActionNotAttempted
		if res.Compensated {
			res.Action = ActionRolledBack
		}
		outcome = "cancelled"
	}
	logger.Warn("extension failed", "step", step, "rolled_back", res.Compensated, "error", err)
	j.record(ledger.Event{Kind: ledger.KindFailed, Outcome: outcome, Error: err.Error()})
	return res
}

// skippable reports whether the node needs no work. An installed version
// equal to the planned one is kept when its payload is intact; during
// upgrades a newer installed version is kept as well.
func (j *job) skippable(ctx context.Context, opts Options) (string, bool) {
	installed, err := version.Parse(j.prev.Version)
	if err != nil {
		return "", false
	}
	switch cmp := installed.Compare(j.d.SemVer()); {
	case cmp > 0 && opts.upgrade:
		return "newer-installed", true
	case cmp == 0 && !opts.Force:
		if j.prev.Status != ledger.StatusActive {
			return "", false
		}
		if err := j.in.drift(ctx, j.d, j.prev); err != nil {
			j.in.logger().Info("reinstalling", "extension", j.d.Name, "version", j.d.Version, "reason", err)
			return "", false
		}
		return "already-installed", true
	}
	return "", false
}

func (j *job) run(ctx context.Context) error {
	saga := resilience.NewSaga(resilience.Config{Logger: j.in.logger().With("extension", j.d.Key())})
	saga.AddStep(resilience.Step{Name: stepSource, Execute: j.fetch})
	saga.AddStep(resilience.Step{Name: stepCompat, Execute: j.compat})
	saga.AddStep(resilience.Step{Name: stepStage, Execute: j.stage, Compensate: j.unstage})
	saga.AddStep(resilience.Step{Name: stepHook, Execute: j.hook})
	saga.AddStep(resilience.Step{Name: stepVerify, Execute: j.verify})
	saga.AddStep(resilience.Step{Name: stepChecksum, Execute: j.sum})
	saga.AddStep(resilience.Step{Name: stepPromote, Execute: j.promote, Compensate: j.demote})
	saga.AddStep(resilience.Step{Name: stepCommit, Execute: j.commit, Detached: true})
	return saga.Execute(ctx)
}

func (j *job) fetch(ctx context.Context) error {
	src, err := j.in.Sources.Resolve(ctx, j.d)
	if err != nil {
		return err
	}
	j.src = src
	j.fetched = j.in.now()
	return nil
}

// compat re-checks the candidate against what is installed now, which
// in a running plan includes nodes committed moments ago.
func (j *job) compat(context.Context) error {
	cli, err := j.in.cli()
	if err != nil || cli == nil {
		return err
	}
	var installed []string
	for _, name := range j.sess.Manifest().Installed() {
		if name != j.d.Name {
			installed = append(installed, name)
		}
	}
	q := compat.Query{
		Extension:       j.d.Name,
		Candidate:       j.d.SemVer(),
		CLI:             cli,
		Installed:       installed,
		AllowPrerelease: j.in.AllowPrerelease,
	}
	if err := j.in.Matrix.Evaluate(q).Err(); err != nil {
		return err
	}
	decision, err := compat.EvaluateRequirements(q, j.d.Requirements())
	if err != nil {
		return err
	}
	return decision.Err()
}

func (j *job) stage(context.Context) error {
	dir := filepath.Join(j.in.extensionsDir(), j.d.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	j.final = filepath.Join(dir, j.d.Version)
	j.staging = filepath.Join(dir, fmt.Sprintf(".staging-%s-%s", j.d.Version, uuid.NewString()))
	return util.CopyDir(j.src.Dir, j.staging)
}

func (j *job) unstage(context.Context) error {
	return os.RemoveAll(j.staging)
}

// installHook picks the hook that populates the staging directory.
func (j *job) installHook() extension.HookKind {
	if j.upgrade && j.d.UpgradeStrategy() == extension.UpgradeInPlace && j.d.Hooks.Upgrade != "" {
		return extension.HookUpgrade
	}
	return extension.HookInstall
}

func (j *job) hook(ctx context.Context) error {
	return j.in.runHook(ctx, j.d, j.in.hookSpec(j.d, j.installHook(), j.staging, j.src.Type, j.previousVersion()))
}

func (j *job) verify(ctx context.Context) error {
	return j.in.verifyPayload(ctx, j.d, j.staging, j.src.Type, j.previousVersion())
}

func (j *job) sum(context.Context) error {
	sum, err := source.Checksum(j.staging)
	if err != nil {
		return err
	}
	j.checksum = sum
	return nil
}

// promote renames staging into place. A payload already at the final path
// (a forced reinstall) is moved aside until the commit lands.
func (j *job) promote(context.Context) error {
	if _, err := os.Lstat(j.final); err == nil {
		j.aside = filepath.Join(filepath.Dir(j.final), fmt.Sprintf(".replaced-%s-%s", j.d.Version, uuid.NewString()))
		if err := util.RenameDir(j.final, j.aside); err != nil {
			j.aside = ""
			return err
		}
	}
	if err := util.RenameDir(j.staging, j.final); err != nil {
		if j.aside != "" {
			_ = util.RenameDir(j.aside, j.final)
			j.aside = ""
		}
		return err
	}
	return nil
}

func (j *job) demote(context.Context) error {
	if err := os.RemoveAll(j.final); err != nil {
		return err
	}
	if j.aside != "" {
		return util.RenameDir(j.aside, j.final)
	}
	return nil
}

// commit records the node. A write failure after the log was synced still
// counts as committed: recovery rolls the manifest forward from the log.
func (j *job) commit(context.Context) error {
	now := j.in.now()
	rec := &ledger.Record{
		Name:         j.d.Name,
		Version:      j.d.Version,
		Source:       string(j.src.Type),
		InstalledAt:  now,
		LastVerified: now,
		Checksum:     j.checksum,
		Status:       ledger.StatusActive,
		Path:         j.final,
	}
	next := ledger.Entry{Active: rec, Rollback: j.entry.Rollback}
	kind, outcome := ledger.KindInstalled, "ok"
	if j.upgrade {
		displaced := *j.prev
		displaced.Status = ledger.StatusStaged
		next.Rollback = &displaced
		kind, outcome = ledger.KindUpgraded, "from "+j.prev.Version
	}

	err := j.sess.Update(func(tx *ledger.Tx) error {
		j.preamble(tx)
		installed := next.Clone()
		verified := next.Clone()
		j.append(tx, ledger.Event{Kind: kind, Outcome: outcome, State: &installed, Time: now})
		j.append(tx, ledger.Event{Kind: ledger.KindVerified, Outcome: "ok", State: &verified, Time: now})
		return nil
	})
	var stateErr *ledger.StateError
	if errors.As(err, &stateErr) && stateErr.Op == "write" {
		j.in.logger().Warn("manifest write failed after the event log was synced", "extension", j.d.Name, "error", err)
		return nil
	}
	return err
}

// finish runs the activate hook and prunes payloads no record points at.
func (j *job) finish(ctx context.Context) []string {
	var warnings []string
	spec := j.in.hookSpec(j.d, extension.HookActivate, j.final, j.src.Type, j.previousVersion())
	if spec.Script != "" {
		if err := j.in.hooks().Run(ctx, spec); err != nil {
			warnings = append(warnings, fmt.Sprintf("activate hook: %v", err))
			j.in.logger().Warn("activate hook failed", "extension", j.d.Key(), "error", err)
		}
	}

	if j.aside != "" {
		if err := os.RemoveAll(j.aside); err != nil {
			warnings = append(warnings, err.Error())
		}
	}
	if old := j.entry.Rollback; j.upgrade && old != nil && old.Path != "" &&
		old.Path != j.final && old.Path != j.prev.Path {
		if err := os.RemoveAll(old.Path); err != nil {
			warnings = append(warnings, fmt.Sprintf("prune %s: %v", old.Path, err))
		}
	}
	return warnings
}

func (j *job) previousVersion() string {
	if j.upgrade && j.prev != nil {
		return j.prev.Version
	}
	return ""
}

// preamble appends the events that precede the outcome.
func (j *job) preamble(tx *ledger.Tx) {
	j.append(tx, ledger.Event{Kind: ledger.KindRequested, Outcome: j.requestedBy(), Time: j.started})
	j.append(tx, ledger.Event{Kind: ledger.KindResolved, Time: j.started})
	if !j.fetched.IsZero() {
		j.append(tx, ledger.Event{Kind: ledger.KindFetched, Outcome: string(j.src.Type), Time: j.fetched})
	}
}

func (j *job) append(tx *ledger.Tx, ev ledger.Event) {
	ev.Extension = j.d.Name
	ev.Version = j.d.Version
	tx.Append(ev)
}

// record commits a terminal event with its preamble. Skips carry none.
func (j *job) record(ev ledger.Event) {
	err := j.sess.Update(func(tx *ledger.Tx) error {
		if ev.Kind != ledger.KindSkipped {
			j.preamble(tx)
		}
		j.append(tx, ev)
		return nil
	})
	if err != nil {
		j.in.logger().Error("recording event", "extension", j.d.Name, "kind", ev.Kind, "error", err)
	}
}

func (j *job) requestedBy() string {
	if j.node.Requested {
		return "requested"
	}
	var by []string
	for _, c := range j.node.Constraints {
		if c.Requester != resolver.RequestedBy {
			by = append(by, c.Requester)
		}
	}
	return "dependency of " + strings.Join(by, ", ")
}

// =============================================================================
// Shared checks
// =============================================================================

func (in *Installer) cli() (*semver.Version, error) {
	if in.CLIVersion == "" {
		return nil, nil
	}
	v, err := version.Parse(in.CLIVersion)
	if err != nil {
		return nil, fmt.Errorf("cli version: %w", err)
	}
	return v, nil
}

func (in *Installer) hookSpec(d *extension.Descriptor, kind extension.HookKind, dir string, src extension.SourceType, previous string) HookSpec {
	return HookSpec{
		Kind:            kind,
		Script:          d.HookPath(dir, kind),
		Dir:             dir,
		Extension:       d.Name,
		Version:         d.Version,
		Source:          src,
		PreviousVersion: previous,
		CLIVersion:      in.CLIVersion,
		Timeout:         d.Install.Timeout,
	}
}

// runHook runs a mutating hook under the descriptor's retry policy.
func (in *Installer) runHook(ctx context.Context, d *extension.Descriptor, spec HookSpec) error {
	if spec.Script == "" {
		return nil
	}
	exec := retry.Executor{
		Name:           fmt.Sprintf("hook.%s.%s", spec.Kind, d.Name),
		Policy:         d.RetryPolicy(in.policy()),
		Predicate:      hookRetryable(),
		Observer:       in.Observer,
		AttemptTimeout: d.Install.Timeout,
	}
	hooks := in.hooks()
	return retry.Run(ctx, exec, func(ctx context.Context) error {
		return hooks.Run(ctx, spec)
	})
}

// verifyPayload runs the verify hook once, then the validate commands.
func (in *Installer) verifyPayload(ctx context.Context, d *extension.Descriptor, dir string, src extension.SourceType, previous string) error {
	hooks := in.hooks()
	if spec := in.hookSpec(d, extension.HookVerify, dir, src, previous); spec.Script != "" {
		if err := hooks.Run(ctx, spec); err != nil {
			return fmt.Errorf("%w: %w", ErrVerification, err)
		}
	}
	if err := probe(ctx, hooks, d, dir); err != nil {
		return fmt.Errorf("%w: %w", ErrVerification, err)
	}
	return nil
}

// drift explains why an installed payload can no longer be trusted, or
// returns nil when it is intact. Without a descriptor only the payload
// itself is checked.
func (in *Installer) drift(ctx context.Context, d *extension.Descriptor, rec *ledger.Record) error {
	if rec.Path == "" {
		return errors.New("no payload recorded")
	}
	if _, err := os.Stat(rec.Path); err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	if rec.Source != string(extension.SourceLocalDev) && rec.Checksum != "" {
		sum, err := source.Checksum(rec.Path)
		if err != nil {
			return err
		}
		if sum != rec.Checksum {
			return fmt.Errorf("payload checksum %s does not match recorded %s", sum, rec.Checksum)
		}
	}
	if d == nil {
		return nil
	}
	return in.verifyPayload(ctx, d, rec.Path, extension.SourceType(rec.Source), "")
}
