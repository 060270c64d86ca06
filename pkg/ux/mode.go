// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package ux

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// EnvOutput overrides mode detection: rich, plain or machine.
const EnvOutput = "SINDRI_OUTPUT"

// Mode selects how a Printer renders.
type Mode string

const (
	ModeRich    Mode = "rich"
	ModePlain   Mode = "plain"
	ModeMachine Mode = "machine"
)

// ParseMode accepts rich, plain and machine plus short forms. Anything
// else is plain.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rich", "full", "color", "colour":
		return ModeRich
	case "machine", "quiet", "q":
		return ModeMachine
	default:
		return ModePlain
	}
}

// DetectMode picks a mode for f. SINDRI_OUTPUT wins; then NO_COLOR forces
// plain; then terminals get rich and everything else machine.
func DetectMode(f *os.File) Mode {
	if v := os.Getenv(EnvOutput); v != "" {
		return ParseMode(v)
	}
	if !IsTerminal(f) {
		return ModeMachine
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return ModePlain
	}
	return ModeRich
}

// ModeFor detects the mode for w. Writers that are not files follow
// SINDRI_OUTPUT and default to machine.
func ModeFor(w io.Writer) Mode {
	if f, ok := w.(*os.File); ok {
		return DetectMode(f)
	}
	if v := os.Getenv(EnvOutput); v != "" {
		return ParseMode(v)
	}
	return ModeMachine
}

// IsTerminal reports whether f is a terminal, including Cygwin ptys.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
