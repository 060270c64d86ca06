// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package ux renders sindri's human-facing output: status lines, tables
// and progress.
//
// A Printer writes to a single stream in one of three modes. Rich mode is
// chosen for terminals and uses colour and icons; plain mode keeps icons
// but drops colour; machine mode prints tab-separated records with
// uppercase prefixes for scripts.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Sindri palette.
var (
	ColorAccent  = lipgloss.Color("#E0873A")
	ColorPrimary = lipgloss.Color("#C5642B")
	ColorBorder  = lipgloss.Color("#8A4A24")
	ColorSlate   = lipgloss.Color("#4A4F57")

	ColorSuccess = lipgloss.Color("#3FB27F")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = ColorSlate
)

// Styles are the lipgloss styles used by rich mode.
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
	ErrorBox   lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorMuted),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorAccent).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconSkipped Icon = "–"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with its colour.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending, IconSkipped:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// Printer writes styled output to one stream. Safe for concurrent use.
type Printer struct {
	mu   sync.Mutex
	w    io.Writer
	mode Mode
}

// NewPrinter returns a printer for w in mode.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	return &Printer{w: w, mode: mode}
}

// Stdout returns a printer for os.Stdout in the detected mode.
func Stdout() *Printer {
	return NewPrinter(os.Stdout, DetectMode(os.Stdout))
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode { return p.mode }

// Writer returns the underlying stream.
func (p *Printer) Writer() io.Writer { return p.w }

func (p *Printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *Printer) style(s lipgloss.Style, text string) string {
	if p.mode != ModeRich {
		return text
	}
	return s.Render(text)
}

func (p *Printer) icon(i Icon) string {
	if p.mode != ModeRich {
		return string(i)
	}
	return i.Render()
}

// Title prints a heading. Machine mode prints nothing.
func (p *Printer) Title(text string) {
	if p.mode == ModeMachine {
		return
	}
	p.printf("%s\n", p.style(Styles.Title, text))
}

// Success prints a line with a check mark.
func (p *Printer) Success(format string, args ...any) {
	p.status(IconSuccess, "OK", Styles.Success, fmt.Sprintf(format, args...))
}

// Warning prints a warning line.
func (p *Printer) Warning(format string, args ...any) {
	p.status(IconWarning, "WARN", Styles.Warning, fmt.Sprintf(format, args...))
}

// Error prints an error line.
func (p *Printer) Error(format string, args ...any) {
	p.status(IconError, "ERROR", Styles.Error, fmt.Sprintf(format, args...))
}

func (p *Printer) status(icon Icon, prefix string, s lipgloss.Style, text string) {
	if p.mode == ModeMachine {
		p.printf("%s: %s\n", prefix, text)
		return
	}
	p.printf("%s %s\n", p.icon(icon), p.style(s, text))
}

// Info prints an indented informational line.
func (p *Printer) Info(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if p.mode == ModeMachine {
		p.printf("%s\n", text)
		return
	}
	p.printf("%s %s\n", p.style(Styles.Muted, "│"), text)
}

// Muted prints secondary text. Machine mode prints nothing.
func (p *Printer) Muted(format string, args ...any) {
	if p.mode == ModeMachine {
		return
	}
	p.printf("%s\n", p.style(Styles.Muted, fmt.Sprintf(format, args...)))
}

// Item prints one outcome line: an icon, a name and a detail.
func (p *Printer) Item(icon Icon, name, detail string) {
	switch p.mode {
	case ModeMachine:
		p.printf("%s\t%s\t%s\n", icon, name, detail)
	default:
		if detail != "" {
			detail = " " + p.style(Styles.Muted, "("+detail+")")
		}
		p.printf("%s %s%s\n", p.icon(icon), name, detail)
	}
}

// Box prints content under a title in a rounded border.
func (p *Printer) Box(title, content string) {
	p.box(Styles.Box, Styles.Title, title, content)
}

// WarningBox is Box with warning colours.
func (p *Printer) WarningBox(title, content string) {
	p.box(Styles.WarningBox, Styles.Warning.Bold(true), title, content)
}

func (p *Printer) box(frame, head lipgloss.Style, title, content string) {
	if p.mode != ModeRich {
		p.printf("%s: %s\n", title, strings.ReplaceAll(content, "\n", "; "))
		return
	}
	p.printf("%s\n", frame.Width(60).Render(head.Render(title)+"\n"+content))
}

// Counts prints "n label" pairs on one line, e.g. "2 installed  1 failed".
func (p *Printer) Counts(pairs ...any) {
	var parts []string
	for i := 0; i+1 < len(pairs); i += 2 {
		n, label := pairs[i], fmt.Sprint(pairs[i+1])
		if p.mode == ModeMachine {
			parts = append(parts, fmt.Sprintf("%s=%v", label, n))
			continue
		}
		parts = append(parts, p.style(Styles.Bold, fmt.Sprint(n))+" "+p.style(Styles.Muted, label))
	}
	if p.mode == ModeMachine {
		p.printf("SUMMARY: %s\n", strings.Join(parts, " "))
		return
	}
	p.printf("%s\n", strings.Join(parts, "  "))
}

// ProgressBar renders done/total as a bar of width cells.
func (p *Printer) ProgressBar(done, total, width int) string {
	if p.mode == ModeMachine || total <= 0 {
		return fmt.Sprintf("%d/%d", done, total)
	}
	pct := float64(done) / float64(total)
	filled := int(pct * float64(width))
	bar := p.style(Styles.Success, strings.Repeat("█", filled)) +
		p.style(Styles.Muted, strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %3.0f%%", bar, pct*100)
}
