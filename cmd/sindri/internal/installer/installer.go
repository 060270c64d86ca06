// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package installer drives extensions through their lifecycle: install,
// upgrade, rollback, remove and verify.
//
// # Overview
//
// Install resolves the requested names into a plan, then works each node
// as a saga:
//
//	source → compat → stage → install hook (retried) → verify hook
//	       → checksum → promote → ledger commit → activate hook
//
// Every step before the commit is undone when a later one fails, so an
// extension is either fully installed and recorded or left exactly as it
// was. Nodes already installed at the planned version with an intact
// payload are skipped with a single "skipped" event.
//
// Payloads live under <root>/extensions/<name>/<version>. Staging happens
// in a sibling directory so promotion is one rename on one filesystem.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/pacphi/sindri/cmd/sindri/internal/compat"
	"github.com/pacphi/sindri/cmd/sindri/internal/extension"
	"github.com/pacphi/sindri/cmd/sindri/internal/ledger"
	"github.com/pacphi/sindri/cmd/sindri/internal/resolver"
	"github.com/pacphi/sindri/cmd/sindri/internal/retry"
	"github.com/pacphi/sindri/cmd/sindri/internal/source"
	"github.com/pacphi/sindri/pkg/logging"
)

// ExtensionsDir is the payload directory under the installer root.
const ExtensionsDir = "extensions"

// MaxDefaultParallelism caps the default worker count of parallel plans.
const MaxDefaultParallelism = 4

var (
	// ErrVerification marks a verify hook or validate command failure.
	ErrVerification = errors.New("verification failed")

	// ErrNotInstalled is returned when an operation needs an installed
	// extension.
	ErrNotInstalled = errors.New("extension not installed")

	// ErrProtected is returned when removing a protected extension.
	ErrProtected = errors.New("extension is protected")

	// ErrInUse is returned when removing an extension others depend on.
	ErrInUse = errors.New("extension is required by installed extensions")
)

// SourceResolver locates the payload of a descriptor. *source.Resolver
// implements it.
type SourceResolver interface {
	Resolve(ctx context.Context, d *extension.Descriptor) (source.Resolved, error)
}

// Installer executes plans against one SINDRI_HOME.
//
// # Description
//
// The zero value of every optional field is usable: Hooks defaults to an
// ExecRunner, Policy to retry.DefaultPolicy, Parallelism to
// min(4, NumCPU), Clock to time.Now and Tracer to the global provider.
//
// # Thread Safety
//
// Operations take the ledger lock, so concurrent calls on the same root
// fail fast with ledger.ErrLocked rather than interleave.
type Installer struct {
	Ledger   *ledger.Ledger
	Sources  SourceResolver
	Registry *extension.Registry
	Matrix   *compat.Matrix
	Hooks    HookRunner

	// Root is SINDRI_HOME; payloads go under Root/extensions.
	Root string

	// CLIVersion is checked against compatibility ranges and exported to
	// hooks. Empty skips CLI checks.
	CLIVersion string

	// AllowPrerelease lets plans select pre-release versions.
	AllowPrerelease bool

	Parallelism int

	// Policy retries hooks of descriptors that declare none.
	Policy retry.Policy

	// Observer sees every hook attempt.
	Observer retry.Observer

	Metrics *Metrics
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Clock   func() time.Time
}

// Options tunes Install.
type Options struct {
	// Force reinstalls nodes that are already installed and intact.
	Force bool

	// Parallel runs independent nodes of each plan wave concurrently.
	Parallel bool

	// upgrade skips nodes whose installed version is newer than planned.
	upgrade bool
}

// =============================================================================
// Results
// =============================================================================

// Action is what happened to one node.
type Action string

const (
	ActionInstalled    Action = "installed"
	ActionUpgraded     Action = "upgraded"
	ActionSkipped      Action = "skipped"
	ActionFailed       Action = "failed"
	ActionRolledBack   Action = "rolled-back"
	ActionNotAttempted Action = "not-attempted"
)

// NodeResult reports one plan node.
type NodeResult struct {
	Name     string
	Version  string
	Previous string
	Action   Action
	Source   extension.SourceType

	// Err is set for failed nodes, and for nodes cut short when the
	// caller's context was cancelled.
	Err error

	// Compensated is true when staged work was undone.
	Compensated bool

	// Step names the saga step that failed: source, compat, stage, hook,
	// verify, checksum, promote or commit.
	Step string

	// Warnings are non-fatal problems, e.g. a failing activate hook.
	Warnings []string

	Duration time.Duration
}

// Report is the outcome of one Install or Upgrade call.
type Report struct {
	Operation string
	Plan      *resolver.Plan
	Results   []NodeResult
}

// Result finds the result for name.
func (r *Report) Result(name string) (NodeResult, bool) {
	for _, res := range r.Results {
		if res.Name == name {
			return res, true
		}
	}
	return NodeResult{}, false
}

// Changed reports whether any node was installed or upgraded.
func (r *Report) Changed() bool {
	for _, res := range r.Results {
		if res.Action == ActionInstalled || res.Action == ActionUpgraded {
			return true
		}
	}
	return false
}

func (r *Report) err() error {
	pe := &PlanError{}
	for _, res := range r.Results {
		switch res.Action {
		case ActionFailed:
			pe.Failed = append(pe.Failed, res)
			if res.Compensated {
				pe.RolledBack = append(pe.RolledBack, res.Name)
			}
		case ActionRolledBack:
			pe.RolledBack = append(pe.RolledBack, res.Name)
		case ActionNotAttempted:
			pe.NotAttempted = append(pe.NotAttempted, res.Name)
		case ActionInstalled, ActionUpgraded:
			pe.Committed = append(pe.Committed, res.Name)
		}
		if res.Action != ActionFailed && res.Err != nil {
			pe.cancelled = append(pe.cancelled, res.Err)
		}
	}
	if len(pe.Failed) == 0 && len(pe.cancelled) == 0 {
		return nil
	}
	return pe
}

// PlanError reports a plan that did not fully apply. Nodes in Committed
// stay installed; RolledBack nodes were staged and undone.
type PlanError struct {
	Failed       []NodeResult
	RolledBack   []string
	NotAttempted []string
	Committed    []string

	cancelled []error
}

func (e *PlanError) Error() string {
	var b strings.Builder
	for i, f := range e.Failed {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(f.Err.Error())
	}
	if len(e.Failed) == 0 && len(e.cancelled) > 0 {
		fmt.Fprintf(&b, "cancelled: %v", e.cancelled[0])
	}
	if len(e.RolledBack) > 0 {
		fmt.Fprintf(&b, " (rolled back: %s)", strings.Join(e.RolledBack, ", "))
	}
	if len(e.Committed) > 0 {
		fmt.Fprintf(&b, " (committed: %s)", strings.Join(e.Committed, ", "))
	}
	if len(e.NotAttempted) > 0 {
		fmt.Fprintf(&b, " (not attempted: %s)", strings.Join(e.NotAttempted, ", "))
	}
	return b.String()
}

// Unwrap exposes the node errors to errors.Is and errors.As.
func (e *PlanError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed)+len(e.cancelled))
	for _, f := range e.Failed {
		errs = append(errs, f.Err)
	}
	return append(errs, e.cancelled...)
}

// =============================================================================
// Install
// =============================================================================

// Install resolves requests and installs the plan.
//
// # Description
//
// Resolution failures emit "requested" and "failed" for every request and
// return the resolver's error. Otherwise the plan runs in topological
// order, or wave by wave when opts.Parallel is set. A node failure stops
// the plan: later nodes are not attempted and, in parallel mode, running
// siblings are cancelled and rolled back.
//
// # Outputs
//
//   - *Report: Always non-nil when the ledger could be locked.
//   - error: nil, a resolver error, ledger.ErrLocked, or *PlanError.
func (in *Installer) Install(ctx context.Context, requests []resolver.Request, opts Options) (report *Report, err error) {
	ctx, span := in.tracer().Start(ctx, "installer.Install", trace.WithAttributes(
		attribute.Int("requests", len(requests)),
		attribute.Bool("parallel", opts.Parallel),
		attribute.Bool("force", opts.Force),
	))
	defer func() {
		endSpan(span, err)
	}()

	if len(requests) == 0 {
		return &Report{Plan: &resolver.Plan{}}, nil
	}

	sess, err := in.Ledger.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, sess.Close())
	}()

	return in.apply(ctx, sess, requests, opts)
}

func (in *Installer) apply(ctx context.Context, sess *ledger.Session, requests []resolver.Request, opts Options) (*Report, error) {
	report := &Report{Operation: sess.Operation()}
	plan, err := in.resolve(sess.Manifest(), requests)
	if err != nil {
		in.recordRejected(sess, requests, err)
		return report, err
	}
	report.Plan = plan
	report.Results = make([]NodeResult, plan.Len())

	in.logger().Info("installing plan",
		"operation", report.Operation, "nodes", plan.Names(), "parallel", opts.Parallel)

	if opts.Parallel {
		in.runWaves(ctx, sess, plan, opts, report)
	} else {
		in.runSequential(ctx, sess, plan, opts, report)
	}
	return report, report.err()
}

func (in *Installer) resolve(m *ledger.Manifest, requests []resolver.Request) (*resolver.Plan, error) {
	cli, err := in.cli()
	if err != nil {
		return nil, err
	}
	r := &resolver.Resolver{
		Registry:        in.Registry,
		Matrix:          in.Matrix,
		CLIVersion:      cli,
		AllowPrerelease: in.AllowPrerelease,
		Installed:       m.Installed(),
		Logger:          in.logger(),
	}
	return r.Resolve(requests)
}

// recordRejected logs a plan that never started.
func (in *Installer) recordRejected(sess *ledger.Session, requests []resolver.Request, cause error) {
	events := make([]ledger.Event, 0, 2*len(requests))
	for _, r := range requests {
		events = append(events,
			ledger.Event{Extension: r.Name, Kind: ledger.KindRequested, Outcome: r.String()},
			ledger.Event{Extension: r.Name, Kind: ledger.KindFailed, Outcome: "resolution", Error: cause.Error()},
		)
	}
	if err := sess.Emit(events...); err != nil {
		in.logger().Error("recording resolution failure", "error", err)
	}
}

func (in *Installer) runSequential(ctx context.Context, sess *ledger.Session, plan *resolver.Plan, opts Options, report *Report) {
	stopped := false
	for i, node := range plan.Nodes {
		if stopped {
			report.Results[i] = notAttempted(node)
			continue
		}
		report.Results[i] = in.runNode(ctx, sess, node, opts)
		if report.Results[i].Err != nil {
			stopped = true
		}
	}
}

// runWaves works each wave with an errgroup. The first failure cancels
// the group context, which rolls back running siblings and keeps queued
// ones from starting.
func (in *Installer) runWaves(ctx context.Context, sess *ledger.Session, plan *resolver.Plan, opts Options, report *Report) {
	index := make(map[string]int, plan.Len())
	for i, node := range plan.Nodes {
		index[node.Name()] = i
	}

	stopped := false
	for _, wave := range plan.Waves() {
		if stopped || ctx.Err() != nil {
			for _, node := range wave {
				report.Results[index[node.Name()]] = notAttempted(node)
			}
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(in.parallelism())
		for _, node := range wave {
			i := index[node.Name()]
			g.Go(func() error {
				if gctx.Err() != nil {
					report.Results[i] = notAttempted(node)
					return nil
				}
				res := in.runNode(gctx, sess, node, opts)
				if res.Action != ActionFailed && ctx.Err() == nil {
					// A sibling failed; this node's error is only the
					// cancellation it caused.
					res.Err = nil
				}
				report.Results[i] = res
				return res.Err
			})
		}
		if err := g.Wait(); err != nil {
			stopped = true
		}
	}
}

func notAttempted(node resolver.Node) NodeResult {
	return NodeResult{Name: node.Name(), Version: node.Descriptor.Version, Action: ActionNotAttempted}
}

// =============================================================================
// Helpers
// =============================================================================

func (in *Installer) extensionsDir() string {
	return filepath.Join(in.Root, ExtensionsDir)
}

func (in *Installer) hooks() HookRunner {
	if in.Hooks != nil {
		return in.Hooks
	}
	return NewExecRunner(in.logger())
}

func (in *Installer) parallelism() int {
	if in.Parallelism > 0 {
		return in.Parallelism
	}
	return min(MaxDefaultParallelism, runtime.NumCPU())
}

func (in *Installer) policy() retry.Policy {
	if in.Policy.MaxAttempts == 0 {
		return retry.DefaultPolicy()
	}
	return in.Policy
}

func (in *Installer) now() time.Time {
	if in.Clock == nil {
		return time.Now().UTC()
	}
	return in.Clock().UTC()
}

func (in *Installer) logger() *slog.Logger {
	if in.Logger == nil {
		return logging.Discard()
	}
	return in.Logger
}

func (in *Installer) tracer() trace.Tracer {
	if in.Tracer == nil {
		return otel.Tracer("github.com/pacphi/sindri/installer")
	}
	return in.Tracer
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
