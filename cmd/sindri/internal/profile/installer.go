// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package profile installs named groups of extensions.
//
// A profile expands to a list of extension requests. Every member must
// exist in the registry before any work starts. Protected members are
// installed first. In sequential mode each member is its own install so a
// failure isolates to that member and the rest are left untouched.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pacphi/sindri/cmd/sindri/internal/extension"
	"github.com/pacphi/sindri/cmd/sindri/internal/installer"
	"github.com/pacphi/sindri/cmd/sindri/internal/ledger"
	"github.com/pacphi/sindri/cmd/sindri/internal/resolver"
	"github.com/pacphi/sindri/cmd/sindri/internal/version"
	"github.com/pacphi/sindri/pkg/logging"
)

// Profile hook kinds passed to the hook runner.
const (
	HookPre  extension.HookKind = "pre-profile"
	HookPost extension.HookKind = "post-profile"
)

// ErrEmptyProfile is returned for a profile without members.
var ErrEmptyProfile = errors.New("profile has no extensions")

// ExtensionInstaller is the part of installer.Installer a profile needs.
type ExtensionInstaller interface {
	Install(ctx context.Context, requests []resolver.Request, opts installer.Options) (*installer.Report, error)
}

// Status is a member outcome.
type Status string

const (
	StatusInstalled    Status = "installed"
	StatusSkipped      Status = "skipped"
	StatusUpgraded     Status = "upgraded"
	StatusFailed       Status = "failed"
	StatusRolledBack   Status = "rolled-back"
	StatusNotAttempted Status = "not-attempted"
)

// Outcome is what happened to one member.
type Outcome struct {
	Name    string
	Version string
	Status  Status
	Err     error
}

// Summary is the result of a profile install.
type Summary struct {
	Profile  string
	Outcomes []Outcome

	// Degraded is true when any member did not end up installed.
	Degraded bool

	// Warnings collects post hook failures and member warnings.
	Warnings []string
}

// Outcome finds the outcome for name.
func (s *Summary) Outcome(name string) (Outcome, bool) {
	for _, o := range s.Outcomes {
		if o.Name == name {
			return o, true
		}
	}
	return Outcome{}, false
}

// Counts tallies outcomes by status.
func (s *Summary) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, o := range s.Outcomes {
		counts[o.Status]++
	}
	return counts
}

// DegradedError is returned alongside a degraded Summary.
type DegradedError struct {
	Profile string
	Errs    []error
}

func (e *DegradedError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("profile %s degraded: %s", e.Profile, strings.Join(msgs, "; "))
}

// Unwrap exposes member errors.
func (e *DegradedError) Unwrap() []error { return e.Errs }

// Options control a profile install.
type Options struct {
	// Parallel installs non-protected members as one plan.
	Parallel bool

	// Force reinstalls members already at the requested version.
	Force bool
}

// Installer installs profiles.
type Installer struct {
	Profiles   *File
	Registry   *extension.Registry
	Extensions ExtensionInstaller
	Ledger     *ledger.Ledger

	// Hooks runs pre and post hooks. Nil uses installer.NewExecRunner.
	Hooks      installer.HookRunner
	CLIVersion string

	// Progress, when set, is called after each member finishes.
	Progress func(done, total int, name string)

	Logger *slog.Logger
}

// Install installs every member of the named profile.
//
// # Description
//
// Unknown or empty profiles and members missing from the registry are
// rejected before any work. The pre hook runs first; a failure there
// leaves every member not-attempted. Protected members install ahead of
// the rest. In sequential mode the first failing member stops the
// profile and later members are not-attempted. The post hook runs only
// when every member succeeded; its failure is a warning.
//
// # Outputs
//
//   - *Summary: Non-nil once the profile was validated.
//   - error: *DegradedError when the summary is degraded.
func (p *Installer) Install(ctx context.Context, name string, opts Options) (*Summary, error) {
	prof, err := p.Profiles.Get(name)
	if err != nil {
		return nil, err
	}
	requests, err := p.validate(name, prof)
	if err != nil {
		return nil, err
	}
	requests = p.protectedFirst(requests)

	summary := &Summary{Profile: name, Outcomes: make([]Outcome, len(requests))}
	for i, r := range requests {
		summary.Outcomes[i] = Outcome{Name: r.Name, Status: StatusNotAttempted}
	}

	log := p.logger().With("profile", name)
	log.Info("installing profile", "members", len(requests), "parallel", opts.Parallel)

	if err := p.runHook(ctx, name, HookPre, prof.PreHook); err != nil {
		return p.degrade(summary, fmt.Errorf("pre hook: %w", err))
	}

	installOpts := installer.Options{Force: opts.Force}
	if opts.Parallel {
		p.installParallel(ctx, requests, installOpts, summary)
	} else {
		p.installSequential(ctx, requests, installOpts, summary)
	}

	var errs []error
	for _, o := range summary.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
		if o.Status == StatusFailed || o.Status == StatusRolledBack || o.Status == StatusNotAttempted {
			summary.Degraded = true
		}
	}
	if summary.Degraded {
		if len(errs) == 0 {
			errs = append(errs, errors.New("not every member was installed"))
		}
		log.Warn("profile degraded", "counts", summary.Counts())
		return summary, &DegradedError{Profile: name, Errs: errs}
	}

	if err := p.runHook(ctx, name, HookPost, prof.PostHook); err != nil {
		log.Warn("post hook failed", "error", err)
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("post hook: %v", err))
	}
	log.Info("profile installed", "counts", summary.Counts())
	return summary, nil
}

// Reinstall forces every member of the profile to be installed again.
func (p *Installer) Reinstall(ctx context.Context, name string, opts Options) (*Summary, error) {
	opts.Force = true
	return p.Install(ctx, name, opts)
}

func (p *Installer) degrade(summary *Summary, err error) (*Summary, error) {
	summary.Degraded = true
	return summary, &DegradedError{Profile: summary.Profile, Errs: []error{err}}
}

func (p *Installer) validate(name string, prof Profile) ([]resolver.Request, error) {
	if len(prof.Extensions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyProfile, name)
	}
	requests, err := prof.Requests()
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, r := range requests {
		if !p.Registry.Has(r.Name) {
			missing = append(missing, r.Name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("profile %s: %w: %s", name, extension.ErrUnknownExtension, strings.Join(missing, ", "))
	}
	return requests, nil
}

func (p *Installer) protectedFirst(requests []resolver.Request) []resolver.Request {
	out := slices.Clone(requests)
	slices.SortStableFunc(out, func(a, b resolver.Request) int {
		pa, pb := p.Registry.Protected(a.Name), p.Registry.Protected(b.Name)
		switch {
		case pa == pb:
			return 0
		case pa:
			return -1
		default:
			return 1
		}
	})
	return out
}

func (p *Installer) installSequential(ctx context.Context, requests []resolver.Request, opts installer.Options, summary *Summary) {
	for i, r := range requests {
		if ctx.Err() != nil {
			summary.Outcomes[i].Err = ctx.Err()
			return
		}
		report, err := p.Extensions.Install(ctx, []resolver.Request{r}, opts)
		summary.Outcomes[i] = outcome(r.Name, report, err)
		summary.Warnings = append(summary.Warnings, warnings(report, r.Name)...)
		p.progress(i+1, len(requests), r.Name)
		if summary.Outcomes[i].Status != StatusInstalled &&
			summary.Outcomes[i].Status != StatusUpgraded &&
			summary.Outcomes[i].Status != StatusSkipped {
			return
		}
	}
}

func (p *Installer) installParallel(ctx context.Context, requests []resolver.Request, opts installer.Options, summary *Summary) {
	split := 0
	for split < len(requests) && p.Registry.Protected(requests[split].Name) {
		split++
	}
	if split > 0 {
		p.installSequential(ctx, requests[:split], opts, summary)
		for _, o := range summary.Outcomes[:split] {
			if o.Status != StatusInstalled && o.Status != StatusUpgraded && o.Status != StatusSkipped {
				return
			}
		}
	}
	rest := requests[split:]
	if len(rest) == 0 {
		return
	}

	opts.Parallel = true
	report, err := p.Extensions.Install(ctx, rest, opts)
	for i, r := range rest {
		summary.Outcomes[split+i] = outcome(r.Name, report, err)
		summary.Warnings = append(summary.Warnings, warnings(report, r.Name)...)
		p.progress(split+i+1, len(requests), r.Name)
	}
}

// outcome maps an install report to the member's outcome.
func outcome(name string, report *installer.Report, err error) Outcome {
	o := Outcome{Name: name, Status: StatusNotAttempted}
	if report == nil || report.Plan == nil {
		if err != nil {
			o.Status, o.Err = StatusFailed, err
		}
		return o
	}
	if _, ok := report.Plan.Node(name); !ok {
		if err != nil {
			o.Status, o.Err = StatusFailed, err
		}
		return o
	}
	res, ok := report.Result(name)
	if !ok {
		return o
	}
	o.Version, o.Err = res.Version, res.Err
	switch res.Action {
	case installer.ActionInstalled:
		o.Status = StatusInstalled
	case installer.ActionUpgraded:
		o.Status = StatusUpgraded
	case installer.ActionSkipped:
		o.Status = StatusSkipped
	case installer.ActionRolledBack:
		o.Status = StatusRolledBack
	case installer.ActionFailed:
		o.Status = StatusFailed
		if res.Compensated {
			o.Status = StatusRolledBack
		}
	}
	if o.Err == nil && o.Status != StatusInstalled && o.Status != StatusUpgraded && o.Status != StatusSkipped && err != nil {
		o.Err = err
	}
	return o
}

func warnings(report *installer.Report, name string) []string {
	if report == nil {
		return nil
	}
	res, ok := report.Result(name)
	if !ok {
		return nil
	}
	out := make([]string, len(res.Warnings))
	for i, w := range res.Warnings {
		out[i] = name + ": " + w
	}
	return out
}

func (p *Installer) runHook(ctx context.Context, profile string, kind extension.HookKind, script string) error {
	if script == "" {
		return nil
	}
	if !filepath.IsAbs(script) {
		script = filepath.Join(p.Profiles.Dir, script)
	}
	hooks := p.Hooks
	if hooks == nil {
		hooks = installer.NewExecRunner(p.logger())
	}
	return hooks.Run(ctx, installer.HookSpec{
		Kind:       kind,
		Script:     script,
		Dir:        p.Profiles.Dir,
		Extension:  profile,
		CLIVersion: p.CLIVersion,
	})
}

func (p *Installer) progress(done, total int, name string) {
	if p.Progress != nil {
		p.Progress(done, total, name)
	}
}

func (p *Installer) logger() *slog.Logger {
	if p.Logger == nil {
		return logging.Discard()
	}
	return p.Logger
}

// =============================================================================
// Listing and status
// =============================================================================

// Info describes a profile for listing.
type Info struct {
	Name        string
	Description string
	Extensions  []string
}

// List returns every profile, sorted by name.
func (p *Installer) List() []Info {
	names := p.Profiles.Names()
	out := make([]Info, 0, len(names))
	for _, name := range names {
		prof := p.Profiles.Profiles[name]
		out = append(out, Info{Name: name, Description: prof.Description, Extensions: slices.Clone(prof.Extensions)})
	}
	return out
}

// ProfileStatus reports how much of a profile is installed.
type ProfileStatus struct {
	Profile      string
	Installed    []string
	NotInstalled []string
}

// Total is the number of members.
func (s *ProfileStatus) Total() int { return len(s.Installed) + len(s.NotInstalled) }

// Percentage is the installed share, 0 to 100.
func (s *ProfileStatus) Percentage() float64 {
	if s.Total() == 0 {
		return 0
	}
	return float64(len(s.Installed)) * 100 / float64(s.Total())
}

// Complete reports whether every member is installed.
func (s *ProfileStatus) Complete() bool { return len(s.NotInstalled) == 0 && s.Total() > 0 }

// Partial reports whether some but not all members are installed.
func (s *ProfileStatus) Partial() bool { return len(s.Installed) > 0 && len(s.NotInstalled) > 0 }

// Status compares a profile against the manifest. A member counts as
// installed when its active record satisfies the member's constraint.
func (p *Installer) Status(name string) (*ProfileStatus, error) {
	prof, err := p.Profiles.Get(name)
	if err != nil {
		return nil, err
	}
	requests, err := prof.Requests()
	if err != nil {
		return nil, err
	}
	m, err := p.Ledger.Snapshot()
	if err != nil {
		return nil, err
	}

	st := &ProfileStatus{Profile: name}
	for _, r := range requests {
		if satisfied(m, r) {
			st.Installed = append(st.Installed, r.Name)
		} else {
			st.NotInstalled = append(st.NotInstalled, r.Name)
		}
	}
	return st, nil
}

func satisfied(m *ledger.Manifest, r resolver.Request) bool {
	rec, ok := m.Active(r.Name)
	if !ok || rec.Status != ledger.StatusActive {
		return false
	}
	if r.Constraint == "" {
		return true
	}
	c, err := version.ParseConstraint(r.Constraint)
	if err != nil {
		return false
	}
	v, err := version.Parse(rec.Version)
	return err == nil && c.Allows(v, true)
}
