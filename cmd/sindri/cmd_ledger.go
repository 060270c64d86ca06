// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pacphi/sindri/cmd/sindri/internal/ledger"
	"github.com/pacphi/sindri/pkg/ux"
)

func newLedgerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and maintain the installation ledger",
	}
	cmd.AddCommand(newLedgerRepairCmd(a), newLedgerStatsCmd(a), newLedgerCompactCmd(a))
	return cmd
}

func newLedgerRepairCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Recover the ledger after a crash or corruption",
		Long: `Repair truncates a torn event log tail, quarantines a log that cannot
be parsed, discards interrupted temporary files, and rebuilds the manifest
by replaying the event log.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := a.openLedger()
			if err != nil {
				return err
			}
			report, err := l.Repair(cmd.Context())
			if err != nil {
				return err
			}
			if report.Clean() {
				a.out.Success("ledger is consistent; nothing to repair")
				return nil
			}
			for _, line := range recoveryLines(report) {
				a.out.Item(ux.IconWarning, "repaired", line)
			}
			a.out.Success("ledger repaired")
			return nil
		},
	}
}

func recoveryLines(r *ledger.RecoveryReport) []string {
	var lines []string
	if n := len(r.DiscardedTemps); n > 0 {
		lines = append(lines, fmt.Sprintf("discarded %s", plural(n, "temporary file")))
	}
	if r.TruncatedBytes > 0 {
		lines = append(lines, fmt.Sprintf("truncated %d bytes of torn log tail", r.TruncatedBytes))
	}
	if r.QuarantinedLog != "" {
		lines = append(lines, "quarantined damaged log to "+r.QuarantinedLog)
	}
	if r.Renumbered {
		lines = append(lines, "renumbered event sequence")
	}
	if r.RolledForward {
		lines = append(lines, "rolled manifest forward from the log")
	}
	if r.Rebuilt {
		lines = append(lines, "rebuilt manifest from the log")
	}
	return lines
}

func newLedgerStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the event log and manifest",
		Args:  noArgs,
		RunE: func(*cobra.Command, []string) error {
			l, err := a.openLedger()
			if err != nil {
				return err
			}
			st, err := l.Stats()
			if err != nil {
				return err
			}

			var b strings.Builder
			fmt.Fprintf(&b, "events:     %d (seq %d-%d)\n", st.Events, st.FirstSeq, st.LastSeq)
			fmt.Fprintf(&b, "first:      %s\n", formatTime(st.FirstEvent))
			fmt.Fprintf(&b, "last:       %s\n", formatTime(st.LastEvent))
			fmt.Fprintf(&b, "installed:  %d (%d with rollback)\n", st.Installed, st.WithRollback)
			fmt.Fprintf(&b, "log size:   %d bytes", st.LogBytes)
			a.out.Box("Ledger "+l.Dir(), b.String())

			kinds := make([]string, 0, len(st.ByKind))
			for k := range st.ByKind {
				kinds = append(kinds, string(k))
			}
			sort.Strings(kinds)
			t := ux.NewTable("Kind", "Events").AlignRight(2)
			for _, k := range kinds {
				t.Row(k, st.ByKind[ledger.Kind(k)])
			}
			a.out.Table(t)
			if st.Torn {
				a.out.Warning("the log ends in a torn record; run 'sindri ledger repair'")
			}
			return nil
		},
	}
}

func newLedgerCompactCmd(a *app) *cobra.Command {
	var retention string
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Drop old events while keeping current state replayable",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			keep, err := parseAge(retention)
			if err != nil {
				return err
			}
			l, err := a.openLedger()
			if err != nil {
				return err
			}
			report, err := l.Compact(cmd.Context(), keep)
			if err != nil {
				return err
			}
			a.out.Success("compacted %s to %d", plural(report.Before, "event"), report.After)
			return nil
		},
	}
	cmd.Flags().StringVar(&retention, "retention", "90d", "keep events newer than this age")
	return cmd
}
