// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/pacphi/sindri/cmd/sindri/internal/compat"
	"github.com/pacphi/sindri/cmd/sindri/internal/config"
	"github.com/pacphi/sindri/cmd/sindri/internal/extension"
	"github.com/pacphi/sindri/cmd/sindri/internal/image"
	"github.com/pacphi/sindri/cmd/sindri/internal/installer"
	"github.com/pacphi/sindri/cmd/sindri/internal/ledger"
	"github.com/pacphi/sindri/cmd/sindri/internal/profile"
	"github.com/pacphi/sindri/cmd/sindri/internal/resolver"
	"github.com/pacphi/sindri/cmd/sindri/internal/retry"
	"github.com/pacphi/sindri/cmd/sindri/internal/source"
	"github.com/pacphi/sindri/cmd/sindri/internal/supportfiles"
	"github.com/pacphi/sindri/cmd/sindri/internal/util"
	"github.com/pacphi/sindri/cmd/sindri/internal/version"
	"github.com/pacphi/sindri/pkg/ux"
)

// Exit codes are stable; scripts depend on them.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitConfig       = 2
	ExitPrerequisite = 3
	ExitNetwork      = 4
	ExitVerification = 5
	ExitConflict     = 6
	ExitCancelled    = 7
)

// usageError marks bad flags or arguments.
type usageError struct{ error }

func (e usageError) Unwrap() error { return e.error }

func usagef(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

var (
	configErrors = []error{
		config.ErrInvalidConfig,
		resolver.ErrInvalidRequest,
		resolver.ErrNoMatchingVersion,
		extension.ErrInvalidDescriptor,
		extension.ErrUnknownExtension,
		version.ErrInvalidVersion,
		version.ErrInvalidConstraint,
		compat.ErrInvalidMatrix,
		compat.ErrOverlappingRanges,
		image.ErrInvalidRef,
		image.ErrInvalidRequest,
		installer.ErrNotInstalled,
		profile.ErrUnknownProfile,
		profile.ErrInvalidProfiles,
		profile.ErrEmptyProfile,
		retry.ErrInvalidPolicy,
		source.ErrUnsupportedScheme,
	}
	prerequisiteErrors = []error{
		extension.ErrUnsupportedPlatform,
		source.ErrNoSource,
		exec.ErrNotFound,
	}
	verificationErrors = []error{
		installer.ErrVerification,
		source.ErrDigestMismatch,
		image.ErrDigestMismatch,
		source.ErrUnsafeArchive,
	}
	conflictErrors = []error{
		resolver.ErrConflict,
		resolver.ErrCycle,
		compat.ErrIncompatible,
		ledger.ErrLocked,
		installer.ErrInUse,
		installer.ErrProtected,
	}
	networkErrors = []error{
		image.ErrNotFound,
		source.ErrObjectNotFound,
		supportfiles.ErrIncomplete,
	}
)

// ExitCode maps an error chain to its exit category.
//
// # Description
//
// Categories are checked in a fixed order. Cancellation wins so that an
// interrupted plan never reports the failures it caused. A failed hook
// is a plain failure even when its retries were exhausted.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var (
		cancelled *retry.CancelledError
		usage     usageError
		command   *util.CommandError
		exhausted *retry.ExhaustedError
		noTag     *image.NoCandidateError
	)
	switch {
	case errors.As(err, &cancelled), errors.Is(err, context.Canceled):
		return ExitCancelled
	case errors.As(err, &usage):
		return ExitConfig
	case isAny(err, verificationErrors):
		return ExitVerification
	case isAny(err, conflictErrors):
		return ExitConflict
	case isAny(err, configErrors):
		return ExitConfig
	case isAny(err, prerequisiteErrors):
		return ExitPrerequisite
	case errors.As(err, &command):
		return ExitFailure
	case errors.As(err, &exhausted), errors.As(err, &noTag), isAny(err, networkErrors):
		return ExitNetwork
	}
	return ExitFailure
}

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// reportError prints err and any hint the chain carries.
func reportError(w io.Writer, err error) {
	p := ux.NewPrinter(w, ux.ModeFor(w))
	p.Error("%v", err)

	var state *ledger.StateError
	if errors.As(err, &state) && state.Hint != "" && !strings.Contains(err.Error(), state.Hint) {
		p.Muted("hint: %s", state.Hint)
	}
	var incompatible *compat.IncompatibleError
	if errors.As(err, &incompatible) {
		for _, note := range incompatible.Notes {
			p.Muted("note: %s", note)
		}
	}
	var conflict *resolver.ConflictError
	if errors.As(err, &conflict) {
		p.Muted("requested by: %s", strings.Join(conflict.Requesters(), ", "))
	}
	if n := retry.AttemptsOf(err); n > 1 {
		p.Muted("gave up after %d attempts", n)
	}
	if tail := util.ExtractStderr(err); tail != "" && !strings.Contains(err.Error(), tail) {
		p.Muted("hook stderr:\n%s", tail)
	}
	if ExitCode(err) == ExitCancelled {
		p.Muted("%s", "cancelled; completed work was kept and partial work rolled back")
	}
}
