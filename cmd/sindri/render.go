// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pacphi/sindri/cmd/sindri/internal/installer"
	"github.com/pacphi/sindri/cmd/sindri/internal/ledger"
	"github.com/pacphi/sindri/cmd/sindri/internal/resolver"
	"github.com/pacphi/sindri/pkg/ux"
)

var actionIcons = map[installer.Action]ux.Icon{
	installer.ActionInstalled:    ux.IconSuccess,
	installer.ActionUpgraded:     ux.IconSuccess,
	installer.ActionSkipped:      ux.IconSkipped,
	installer.ActionFailed:       ux.IconError,
	installer.ActionRolledBack:   ux.IconWarning,
	installer.ActionNotAttempted: ux.IconPending,
}

// printReport prints one line per plan node followed by a summary.
func printReport(p *ux.Printer, report *installer.Report) {
	if report == nil {
		return
	}
	counts := map[installer.Action]int{}
	for _, res := range report.Results {
		counts[res.Action]++
		p.Item(actionIcons[res.Action], res.Name, nodeDetail(res))
		for _, w := range res.Warnings {
			p.Warning("%s: %s", res.Name, w)
		}
	}
	p.Counts(
		counts[installer.ActionInstalled], "installed",
		counts[installer.ActionUpgraded], "upgraded",
		counts[installer.ActionSkipped], "skipped",
		counts[installer.ActionFailed], "failed",
		counts[installer.ActionRolledBack], "rolled back",
		counts[installer.ActionNotAttempted], "not attempted",
	)
}

func nodeDetail(res installer.NodeResult) string {
	parts := []string{string(res.Action)}
	switch {
	case res.Previous != "" && res.Previous != res.Version:
		parts = append(parts, res.Previous+" → "+res.Version)
	case res.Version != "":
		parts = append(parts, res.Version)
	}
	if res.Source != "" {
		parts = append(parts, string(res.Source))
	}
	if res.Duration > 0 {
		parts = append(parts, res.Duration.Round(time.Millisecond).String())
	}
	if res.Action == installer.ActionFailed && res.Step != "" {
		parts = append(parts, "failed at "+res.Step)
	}
	return strings.Join(parts, ", ")
}

// printPlan prints a resolved plan wave by wave.
func printPlan(p *ux.Printer, plan *resolver.Plan) {
	t := ux.NewTable("Wave", "Extension", "Version", "Source", "Depends On", "Requested").Empty("nothing to install")
	for i, wave := range plan.Waves() {
		for _, node := range wave {
			requested := "dependency"
			if node.Requested {
				requested = "yes"
			}
			t.Row(i+1, node.Name(), node.Descriptor.Version, node.Descriptor.Source, dash(strings.Join(node.DependsOn, ", ")), requested)
		}
	}
	p.Table(t)
}

func eventTable(events []ledger.Event) *ux.Table {
	t := ux.NewTable("Seq", "Time", "Extension", "Kind", "Version", "Outcome").AlignRight(1).Empty("no events")
	for _, ev := range events {
		t.Row(ev.Seq, ev.Time.Local().Format(time.DateTime), ev.Extension, ev.Kind, dash(ev.Version), eventOutcome(ev))
	}
	return t
}

func eventOutcome(ev ledger.Event) string {
	if ev.Error != "" {
		return ev.Error
	}
	return dash(ev.Outcome)
}

func printEvent(p *ux.Printer, ev ledger.Event) {
	p.Info("%d\t%s\t%s\t%s\t%s\t%s", ev.Seq, ev.Time.Local().Format(time.DateTime), ev.Extension, ev.Kind, dash(ev.Version), eventOutcome(ev))
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

// parseAge accepts Go durations plus a day suffix, e.g. "36h" or "90d".
func parseAge(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, usagef("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, usagef("invalid duration %q", s)
	}
	return d, nil
}

// parseSince accepts an RFC 3339 timestamp, a date, or an age relative to
// now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, time.Local); err == nil {
		return t, nil
	}
	age, err := parseAge(s)
	if err != nil {
		return time.Time{}, usagef("invalid --since %q: want a timestamp, a date or an age like 24h", s)
	}
	return now.Add(-age), nil
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
