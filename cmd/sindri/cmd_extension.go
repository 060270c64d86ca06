// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pacphi/sindri/cmd/sindri/internal/extension"
	"github.com/pacphi/sindri/cmd/sindri/internal/installer"
	"github.com/pacphi/sindri/cmd/sindri/internal/ledger"
	"github.com/pacphi/sindri/cmd/sindri/internal/resolver"
	"github.com/pacphi/sindri/cmd/sindri/internal/retry"
	"github.com/pacphi/sindri/cmd/sindri/internal/util"
	"github.com/pacphi/sindri/cmd/sindri/internal/version"
	"github.com/pacphi/sindri/pkg/ux"
)

func newExtensionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "extension",
		Aliases: []string{"ext"},
		Short:   "Install, upgrade and inspect extensions",
	}
	cmd.AddCommand(
		newExtInstallCmd(a),
		newExtUpgradeCmd(a),
		newExtRollbackCmd(a),
		newExtRemoveCmd(a),
		newExtVerifyCmd(a),
		newExtListCmd(a),
		newExtStatusCmd(a),
		newExtLogCmd(a),
		newExtResolveCmd(a),
		newExtRefreshCmd(a),
		newExtPruneCmd(a),
	)
	return cmd
}

func newExtInstallCmd(a *app) *cobra.Command {
	var opts installer.Options
	cmd := &cobra.Command{
		Use:   "install <name[@constraint]>...",
		Short: "Install extensions and their dependencies",
		Example: `  sindri extension install python
  sindri extension install python@^3.11 node@20.x --parallel`,
		Args: minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			requests, err := resolver.ParseRequests(args)
			if err != nil {
				return err
			}
			in, err := a.newInstaller()
			if err != nil {
				return err
			}
			report, err := in.Install(cmd.Context(), requests, opts)
			printReport(a.out, report)
			return err
		},
	}
	cmd.Flags().BoolVar(&opts.Force, "force", false, "reinstall extensions that are already installed")
	cmd.Flags().BoolVar(&opts.Parallel, "parallel", false, "install independent extensions concurrently")
	return cmd
}

func newExtUpgradeCmd(a *app) *cobra.Command {
	var opts installer.Options
	cmd := &cobra.Command{
		Use:   "upgrade [name...]",
		Short: "Upgrade installed extensions to their newest compatible version",
		Long: `Upgrade moves each named extension, or every installed extension when
none are named, to the newest version the registry and compatibility
matrix allow. The replaced version is kept as the rollback target.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := a.newInstaller()
			if err != nil {
				return err
			}
			report, err := in.Upgrade(cmd.Context(), args, opts)
			printReport(a.out, report)
			if err == nil && report != nil && !report.Changed() {
				a.out.Success("everything is up to date")
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&opts.Parallel, "parallel", false, "upgrade independent extensions concurrently")
	return cmd
}

func newExtRollbackCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <name>",
		Short: "Restore the version an upgrade replaced",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := a.newInstaller()
			if err != nil {
				return err
			}
			res, err := in.Rollback(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !res.Changed {
				a.out.Warning("%s has no rollback target; %s stays active", res.Name, res.From)
				return nil
			}
			a.out.Success("%s rolled back %s → %s", res.Name, res.From, res.To)
			for _, w := range res.Warnings {
				a.out.Warning("%s", w)
			}
			return nil
		},
	}
}

func newExtRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm", "uninstall"},
		Short:   "Remove an installed extension",
		Args:    exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := a.newInstaller()
			if err != nil {
				return err
			}
			if err := in.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			a.out.Success("%s removed", args[0])
			return nil
		},
	}
}

func newExtVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [name...]",
		Short: "Re-check installed extensions",
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := a.newInstaller()
			if err != nil {
				return err
			}
			report, err := in.Verify(cmd.Context(), args)
			if report != nil {
				for _, v := range report.Results {
					if v.OK() {
						a.out.Item(ux.IconSuccess, v.Name, v.Version)
						continue
					}
					a.out.Item(ux.IconError, v.Name, v.Err.Error())
				}
				failed := len(report.Failed())
				a.out.Counts(len(report.Results)-failed, "passed", failed, "failed")
			}
			return err
		},
	}
}

func newExtListCmd(a *app) *cobra.Command {
	var available bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List installed extensions",
		Args:    noArgs,
		RunE: func(*cobra.Command, []string) error {
			if available {
				return listAvailable(a)
			}
			l, err := a.openLedger()
			if err != nil {
				return err
			}
			m, err := l.Snapshot()
			if err != nil {
				return err
			}
			t := ux.NewTable("Name", "Version", "Source", "Status", "Installed", "Verified", "Rollback").
				Empty("no extensions installed")
			for _, name := range m.Installed() {
				e := m.Extensions[name]
				rollback := "-"
				if e.Rollback != nil {
					rollback = e.Rollback.Version
				}
				r := e.Active
				t.Row(name, r.Version, r.Source, r.Status, formatTime(r.InstalledAt), formatTime(r.LastVerified), rollback)
			}
			a.out.Table(t)
			return nil
		},
	}
	cmd.Flags().BoolVar(&available, "available", false, "list every extension the registry offers")
	return cmd
}

func listAvailable(a *app) error {
	reg, err := a.loadRegistry()
	if err != nil {
		return err
	}
	t := ux.NewTable("Name", "Latest", "Versions", "Source", "Description").Empty("registry is empty")
	for _, name := range reg.Names() {
		versions := reg.Versions(name)
		newest := versions[len(versions)-1]
		if latest, err := reg.Latest(name); err == nil {
			newest = latest
		}
		label := name
		if reg.Protected(name) {
			label += " (protected)"
		}
		t.Row(label, newest.Version, len(versions), newest.Source, newest.Description)
	}
	a.out.Table(t)
	return nil
}

func newExtStatusCmd(a *app) *cobra.Command {
	var events int
	cmd := &cobra.Command{
		Use:   "status <name>",
		Short: "Show the installed record and recent history of an extension",
		Args:  exactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name := args[0]
			l, err := a.openLedger()
			if err != nil {
				return err
			}
			m, err := l.Snapshot()
			if err != nil {
				return err
			}
			entry, ok := m.Extensions[name]
			if !ok || entry.Active == nil {
				a.out.Warning("%s is not installed", name)
			} else {
				r := entry.Active
				var b strings.Builder
				fmt.Fprintf(&b, "version:   %s\n", r.Version)
				fmt.Fprintf(&b, "status:    %s\n", r.Status)
				fmt.Fprintf(&b, "source:    %s\n", r.Source)
				fmt.Fprintf(&b, "installed: %s\n", formatTime(r.InstalledAt))
				fmt.Fprintf(&b, "verified:  %s\n", formatTime(r.LastVerified))
				fmt.Fprintf(&b, "checksum:  %s", dash(r.Checksum))
				if entry.Rollback != nil {
					fmt.Fprintf(&b, "\nrollback:  %s", entry.Rollback.Version)
				}
				a.out.Box(name, b.String())
			}

			history, err := l.Query(ledger.Filter{Extension: name, Limit: events})
			if err != nil {
				return err
			}
			a.out.Table(eventTable(history))
			return nil
		},
	}
	cmd.Flags().IntVar(&events, "events", 10, "number of recent events to show")
	return cmd
}

func newExtLogCmd(a *app) *cobra.Command {
	var (
		follow bool
		since  string
		limit  int
		kinds  []string
	)
	cmd := &cobra.Command{
		Use:   "log [name]",
		Short: "Show the lifecycle event log",
		Example: `  sindri extension log python --since 7d
  sindri extension log --kind failed --limit 20
  sindri extension log --follow`,
		Args: maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := ledger.Filter{Limit: limit}
			if len(args) == 1 {
				filter.Extension = args[0]
			}
			var err error
			if filter.Since, err = parseSince(since, time.Now()); err != nil {
				return err
			}
			for _, k := range kinds {
				kind, err := ledger.ParseKind(k)
				if err != nil {
					return usageError{err}
				}
				filter.Kinds = append(filter.Kinds, kind)
			}

			l, err := a.openLedger()
			if err != nil {
				return err
			}
			events, err := l.Query(filter)
			if err != nil {
				return err
			}
			if !follow {
				a.out.Table(eventTable(events))
				return nil
			}
			return followLog(cmd.Context(), a, l, filter, events)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing events as they are appended")
	cmd.Flags().StringVar(&since, "since", "", "only events after a timestamp, date or age (24h, 7d)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show only the newest N events")
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "only events of these kinds")
	return cmd
}

// followLog prints events until the context ends. Interrupting a follow is
// the normal way to stop it, so cancellation is not an error.
func followLog(ctx context.Context, a *app, l *ledger.Ledger, filter ledger.Filter, initial []ledger.Event) error {
	var from uint64
	for _, ev := range initial {
		printEvent(a.out, ev)
		from = ev.Seq
	}
	if from == 0 {
		st, err := l.Stats()
		if err != nil {
			return err
		}
		from = st.LastSeq
	}
	filter.Limit = 0
	err := l.Follow(ctx, from, func(ev ledger.Event) error {
		if matches(filter, ev) {
			printEvent(a.out, ev)
		}
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func matches(f ledger.Filter, ev ledger.Event) bool {
	if f.Extension != "" && ev.Extension != f.Extension {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, ev.Kind) {
		return false
	}
	return f.Since.IsZero() || !ev.Time.Before(f.Since)
}

func newExtResolveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <name[@constraint]>...",
		Short: "Print the install plan without changing anything",
		Args:  minArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			requests, err := resolver.ParseRequests(args)
			if err != nil {
				return err
			}
			reg, err := a.loadRegistry()
			if err != nil {
				return err
			}
			matrix, err := a.loadMatrix()
			if err != nil {
				return err
			}
			cli, err := version.Parse(a.cliVersion)
			if err != nil {
				return usageError{fmt.Errorf("--cli-version: %w", err)}
			}
			l, err := a.openLedger()
			if err != nil {
				return err
			}
			m, err := l.Snapshot()
			if err != nil {
				return err
			}

			r := &resolver.Resolver{
				Registry:        reg,
				Matrix:          matrix,
				CLIVersion:      cli,
				AllowPrerelease: a.settings.AllowPrerelease,
				Installed:       m.Installed(),
				Logger:          a.logger(),
			}
			plan, err := r.Resolve(requests)
			if err != nil {
				return err
			}
			printPlan(a.out, plan)
			return nil
		},
	}
}

func newExtRefreshCmd(a *app) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Download the extension registry index",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if url == "" {
				url = a.settings.RegistryURL
			}
			fetcher, err := a.sourceFetcher()
			if err != nil {
				return err
			}
			data, err := retry.Do(cmd.Context(), a.networkRetry("registry-index"), func(ctx context.Context) ([]byte, error) {
				var buf bytes.Buffer
				if err := fetcher.Fetch(ctx, url, &buf); err != nil {
					return nil, err
				}
				return buf.Bytes(), nil
			})
			if err != nil {
				return err
			}
			descs, err := extension.ParseIndex(data)
			if err != nil {
				return err
			}
			if err := util.WriteFileAtomic(a.env.RegistryIndex(), data, 0o644); err != nil {
				return err
			}
			a.out.Success("registry index updated: %s", plural(len(descs), "extension version"))
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "index location (default from settings)")
	return cmd
}

func newExtPruneCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete cached artifacts no installed or rollback version needs",
		Args:  noArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			l, err := a.openLedger()
			if err != nil {
				return err
			}
			m, err := l.Snapshot()
			if err != nil {
				return err
			}
			cache, err := a.newCache()
			if err != nil {
				return err
			}
			report, err := cache.Prune(func(name, version string) bool {
				e, ok := m.Extensions[name]
				if !ok {
					return false
				}
				return (e.Active != nil && e.Active.Version == version) ||
					(e.Rollback != nil && e.Rollback.Version == version)
			})
			if err != nil {
				return err
			}
			for _, removed := range report.Removed {
				a.out.Item(ux.IconSkipped, removed, "removed")
			}
			a.out.Success("pruned %s (%d bytes)", plural(len(report.Removed), "artifact"), report.Bytes)
			return nil
		},
	}
}
