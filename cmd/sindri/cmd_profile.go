// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pacphi/sindri/cmd/sindri/internal/profile"
	"github.com/pacphi/sindri/pkg/ux"
)

var statusIcons = map[profile.Status]ux.Icon{
	profile.StatusInstalled:    ux.IconSuccess,
	profile.StatusUpgraded:     ux.IconSuccess,
	profile.StatusSkipped:      ux.IconSkipped,
	profile.StatusFailed:       ux.IconError,
	profile.StatusRolledBack:   ux.IconWarning,
	profile.StatusNotAttempted: ux.IconPending,
}

func newProfileCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Install curated groups of extensions",
	}
	cmd.AddCommand(
		newProfileInstallCmd(a, false),
		newProfileInstallCmd(a, true),
		newProfileListCmd(a),
		newProfileStatusCmd(a),
	)
	return cmd
}

func newProfileInstallCmd(a *app, reinstall bool) *cobra.Command {
	var opts profile.Options
	use, short := "install <profile>", "Install every extension in a profile"
	if reinstall {
		use, short = "reinstall <profile>", "Reinstall every extension in a profile"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			progress := func(done, total int, member string) {
				a.out.Info("%s %s", a.out.ProgressBar(done, total, 20), member)
			}
			p, err := a.newProfileInstaller(progress)
			if err != nil {
				return err
			}

			a.out.Title("Profile " + name)
			install := p.Install
			if reinstall {
				install = p.Reinstall
			}
			summary, err := install(cmd.Context(), name, opts)
			printSummary(a.out, summary)

			var degraded *profile.DegradedError
			if errors.As(err, &degraded) && cmd.Context().Err() == nil {
				a.out.WarningBox("Profile degraded", degradedHint(summary))
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&opts.Parallel, "parallel", false, "install non-protected members as one concurrent plan")
	if !reinstall {
		cmd.Flags().BoolVar(&opts.Force, "force", false, "reinstall members that are already installed")
	}
	return cmd
}

func printSummary(p *ux.Printer, s *profile.Summary) {
	if s == nil {
		return
	}
	for _, o := range s.Outcomes {
		detail := string(o.Status)
		if o.Version != "" {
			detail += ", " + o.Version
		}
		if o.Err != nil {
			detail += ": " + o.Err.Error()
		}
		p.Item(statusIcons[o.Status], o.Name, detail)
	}
	for _, w := range s.Warnings {
		p.Warning("%s", w)
	}
	c := s.Counts()
	p.Counts(
		c[profile.StatusInstalled]+c[profile.StatusUpgraded], "installed",
		c[profile.StatusSkipped], "skipped",
		c[profile.StatusFailed], "failed",
		c[profile.StatusRolledBack], "rolled back",
		c[profile.StatusNotAttempted], "not attempted",
	)
}

func degradedHint(s *profile.Summary) string {
	var failed []string
	if s != nil {
		for _, o := range s.Outcomes {
			if o.Status == profile.StatusFailed || o.Status == profile.StatusRolledBack {
				failed = append(failed, o.Name)
			}
		}
	}
	if len(failed) == 0 {
		return "Installed members were kept. Rerun the profile install to finish."
	}
	return fmt.Sprintf("Installed members were kept. Inspect the failures with\n'sindri extension log %s' and rerun the profile install.", strings.Join(failed, " "))
}

// profileReader is a profile installer that can only list and report.
func (a *app) profileReader() (*profile.Installer, error) {
	profiles, err := profile.Load(a.env.ProfilesPath())
	if err != nil {
		return nil, err
	}
	l, err := a.openLedger()
	if err != nil {
		return nil, err
	}
	return &profile.Installer{Profiles: profiles, Ledger: l, Logger: a.logger()}, nil
}

func newProfileListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List available profiles",
		Args:    noArgs,
		RunE: func(*cobra.Command, []string) error {
			p, err := a.profileReader()
			if err != nil {
				return err
			}
			t := ux.NewTable("Profile", "Extensions", "Description").Empty("no profiles defined in " + a.env.ProfilesPath())
			for _, info := range p.List() {
				t.Row(info.Name, strings.Join(info.Extensions, ", "), dash(info.Description))
			}
			a.out.Table(t)
			return nil
		},
	}
}

func newProfileStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <profile>",
		Short: "Show how much of a profile is installed",
		Args:  exactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			p, err := a.profileReader()
			if err != nil {
				return err
			}
			st, err := p.Status(args[0])
			if err != nil {
				return err
			}
			for _, name := range st.Installed {
				a.out.Item(ux.IconSuccess, name, "installed")
			}
			for _, name := range st.NotInstalled {
				a.out.Item(ux.IconPending, name, "not installed")
			}
			switch {
			case st.Complete():
				a.out.Success("profile %s is complete", st.Profile)
			case st.Partial():
				a.out.Warning("profile %s is %.0f%% installed (%s)", st.Profile, st.Percentage(), a.out.ProgressBar(len(st.Installed), st.Total(), 20))
			default:
				a.out.Info("profile %s is not installed", st.Profile)
			}
			return nil
		},
	}
}

