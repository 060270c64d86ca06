// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package ux

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Table collects rows and renders them for the printer's mode.
type Table struct {
	header []string
	rows   [][]any
	right  map[int]bool
	empty  string
}

// NewTable starts a table with the given column headers.
func NewTable(header ...string) *Table {
	return &Table{header: header, right: map[int]bool{}}
}

// AlignRight right-aligns the 1-based column.
func (t *Table) AlignRight(column int) *Table {
	t.right[column] = true
	return t
}

// Empty sets the line printed when there are no rows.
func (t *Table) Empty(msg string) *Table {
	t.empty = msg
	return t
}

// Row appends a row.
func (t *Table) Row(cells ...any) {
	t.rows = append(t.rows, cells)
}

// Len is the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// Table writes t. Machine mode emits a tab-separated header and
// rows.
func (p *Printer) Table(t *Table) {
	if len(t.rows) == 0 && t.empty != "" {
		p.Muted("%s", t.empty)
		return
	}
	if p.mode == ModeMachine {
		var b strings.Builder
		b.WriteString(strings.ToLower(strings.Join(t.header, "\t")))
		b.WriteByte('\n')
		for _, row := range t.rows {
			cells := make([]string, len(row))
			for i, c := range row {
				cells[i] = fmt.Sprint(c)
			}
			b.WriteString(strings.Join(cells, "\t"))
			b.WriteByte('\n')
		}
		p.printf("%s", b.String())
		return
	}

	tw := table.NewWriter()
	if p.mode == ModeRich {
		tw.SetStyle(table.StyleRounded)
	} else {
		tw.SetStyle(table.StyleLight)
	}
	tw.Style().Options.SeparateHeader = true

	header := make(table.Row, len(t.header))
	configs := make([]table.ColumnConfig, len(t.header))
	for i, h := range t.header {
		header[i] = h
		align := text.AlignLeft
		if t.right[i+1] {
			align = text.AlignRight
		}
		configs[i] = table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignCenter}
	}
	tw.AppendHeader(header)
	tw.SetColumnConfigs(configs)
	for _, row := range t.rows {
		tw.AppendRow(table.Row(row))
	}
	p.printf("%s\n", tw.Render())
}
