// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"slices"

	"github.com/spf13/cobra"

	"github.com/pacphi/sindri/cmd/sindri/internal/supportfiles"
	"github.com/pacphi/sindri/pkg/ux"
)

func newSupportFilesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "support-files",
		Short: "Manage files shipped alongside the CLI release",
	}
	cmd.AddCommand(newSupportSyncCmd(a), newSupportStatusCmd(a))
	return cmd
}

func newSupportSyncCmd(a *app) *cobra.Command {
	var opts supportfiles.Options
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Download support files for this CLI version",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := a.supportManager()
			if err != nil {
				return err
			}
			res, err := m.Sync(cmd.Context(), opts)
			if res != nil && !res.Updated && err == nil {
				a.out.Success("support files are current for %s", m.Tag())
				return nil
			}
			if res != nil {
				for _, f := range res.Files {
					switch {
					case f.Err != nil:
						a.out.Item(ux.IconError, f.Name, f.Err.Error())
					case f.Origin == supportfiles.OriginBundled:
						a.out.Item(ux.IconWarning, f.Name, "bundled copy")
					default:
						a.out.Item(ux.IconSuccess, f.Name, f.Digest)
					}
				}
			}
			if err != nil {
				return err
			}
			a.out.Success("support files synced for %s (source %s)", m.Tag(), res.Metadata.Source)
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.Force, "force", false, "sync even when the files are current")
	cmd.Flags().BoolVar(&opts.Offline, "offline", false, "install bundled copies without touching the network")
	return cmd
}

func newSupportStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Compare support files on disk with the last sync",
		Args:  noArgs,
		RunE: func(*cobra.Command, []string) error {
			m, err := a.supportManager()
			if err != nil {
				return err
			}
			st, err := m.Status()
			if err != nil {
				return err
			}
			if st.Metadata == nil {
				a.out.Warning("support files have never been synced; run 'sindri support-files sync'")
				return nil
			}
			meta := st.Metadata
			t := ux.NewTable("File", "State", "Digest")
			for _, f := range supportfiles.Files {
				state := "ok"
				switch {
				case slices.Contains(st.Missing, f.Name):
					state = "missing"
				case slices.Contains(st.Modified, f.Name):
					state = "modified"
				}
				t.Row(f.Name, state, dash(meta.Files[f.Name]))
			}
			a.out.Table(t)
			a.out.Info("cli %s, tag %s, source %s, fetched %s", meta.CLIVersion, dash(meta.Tag), meta.Source, formatTime(meta.FetchedAt))
			if !st.Current {
				a.out.Warning("support files were synced for CLI %s; run 'sindri support-files sync'", meta.CLIVersion)
			}
			return nil
		},
	}
}
