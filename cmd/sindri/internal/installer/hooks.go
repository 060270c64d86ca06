// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/pacphi/sindri/cmd/sindri/internal/extension"
	"github.com/pacphi/sindri/cmd/sindri/internal/retry"
	"github.com/pacphi/sindri/cmd/sindri/internal/util"
	"github.com/pacphi/sindri/pkg/logging"
)

// Environment variables exported to every hook.
const (
	EnvExtName         = "SINDRI_EXT_NAME"
	EnvExtVersion      = "SINDRI_EXT_VERSION"
	EnvExtDir          = "SINDRI_EXT_DIR"
	EnvExtSource       = "SINDRI_EXT_SOURCE"
	EnvPreviousVersion = "SINDRI_PREVIOUS_VERSION"
	EnvCLIVersion      = "SINDRI_CLI_VERSION"
	EnvValidationPaths = "SINDRI_VALIDATION_PATHS"
)

// stderrTail is how much hook stderr is kept for error messages.
const stderrTail = 4096

// HookSpec describes one hook invocation.
type HookSpec struct {
	Kind extension.HookKind

	// Script is the absolute path of the hook.
	Script string

	// Dir is the working directory, the payload the hook acts on.
	Dir string

	Extension       string
	Version         string
	Source          extension.SourceType
	PreviousVersion string
	CLIVersion      string

	// Timeout bounds the invocation. Zero uses util.DefaultHookTimeout.
	Timeout time.Duration
}

func (s HookSpec) env() *util.EnvVars {
	env, _ := util.NewEnvVars()
	env.MustSet(EnvExtName, s.Extension)
	env.MustSet(EnvExtVersion, s.Version)
	env.MustSet(EnvExtDir, s.Dir)
	env.MustSet(EnvExtSource, string(s.Source))
	env.MustSet(EnvPreviousVersion, s.PreviousVersion)
	env.MustSet(EnvCLIVersion, s.CLIVersion)
	return env
}

// Probe runs a validation command such as `python3 --version`.
type Probe struct {
	Command string
	Args    []string
	Dir     string
	Timeout time.Duration
}

// HookRunner executes lifecycle hooks and validation probes.
type HookRunner interface {
	// Run executes a hook. A non-zero exit is a *util.CommandError.
	Run(ctx context.Context, spec HookSpec) error

	// Probe runs a command and returns its combined output.
	Probe(ctx context.Context, p Probe) (string, error)
}

// ExecRunner runs hooks with /bin/sh as child processes.
//
// # Description
//
// Each hook runs in its payload directory with the SINDRI_* variables
// exported. Cancellation sends SIGTERM and escalates to SIGKILL after
// KillGrace. Verify hooks and probes see ValidationPaths prepended to
// PATH so freshly installed tools are found before system ones.
//
// # Thread Safety
//
// Safe for concurrent use; every call owns its process.
type ExecRunner struct {
	// Shell interprets hook scripts. Defaults to /bin/sh.
	Shell string

	// ValidationPaths is SINDRI_VALIDATION_PATHS split on the list
	// separator.
	ValidationPaths []string

	// KillGrace defaults to util.DefaultKillGrace.
	KillGrace time.Duration

	// Output receives hook stdout. Nil discards it.
	Output io.Writer

	Logger *slog.Logger
}

// NewExecRunner reads SINDRI_VALIDATION_PATHS from the environment.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	var paths []string
	if v := os.Getenv(EnvValidationPaths); v != "" {
		paths = strings.Split(v, string(os.PathListSeparator))
	}
	return &ExecRunner{ValidationPaths: paths, Logger: logger}
}

// Run implements HookRunner.
func (r *ExecRunner) Run(ctx context.Context, spec HookSpec) error {
	if spec.Script == "" {
		return nil
	}
	if _, err := os.Stat(spec.Script); err != nil {
		return retry.Permanent(fmt.Errorf("%s hook for %s: %w", spec.Kind, spec.Extension, err))
	}

	timeout := util.EnforceMinTimeout(
		util.EnforceDefaultTimeout(spec.Timeout, util.DefaultHookTimeout), util.MinHookTimeout)
	attempt, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(attempt, shell, spec.Script)
	cmd.Dir = spec.Dir

	env := spec.env()
	if spec.Kind == extension.HookVerify && len(r.ValidationPaths) > 0 {
		env.MustSet("PATH", util.PrependPath(os.Getenv("PATH"), r.ValidationPaths...))
	}
	cmd.Env = env.Environ(os.Environ())

	stderr := util.NewTailBuffer(stderrTail)
	cmd.Stderr = stderr
	cmd.Stdout = r.output()
	r.terminate(cmd)

	logger := r.logger().With("extension", spec.Extension, "version", spec.Version, "hook", spec.Kind)
	logger.Debug("running hook", "script", spec.Script, "timeout", timeout, "env", env.RedactedSlice())

	start := time.Now()
	err := cmd.Run()
	if err == nil {
		logger.Debug("hook finished", "duration", time.Since(start))
		return nil
	}
	if n := stderr.Dropped(); n > 0 {
		logger.Debug("hook stderr truncated", "dropped_bytes", n)
	}
	return r.commandError(ctx, attempt, timeout, spec.Script, stderr.String(), err)
}

// Probe implements HookRunner.
func (r *ExecRunner) Probe(ctx context.Context, p Probe) (string, error) {
	timeout := util.EnforceDefaultTimeout(p.Timeout, 30*time.Second)
	attempt, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(attempt, p.Command, p.Args...)
	cmd.Dir = p.Dir
	if len(r.ValidationPaths) > 0 {
		env, _ := util.NewEnvVars()
		path := util.PrependPath(os.Getenv("PATH"), r.ValidationPaths...)
		env.MustSet("PATH", path)
		cmd.Env = env.Environ(os.Environ())
		// exec.LookPath consults the parent PATH, so resolve against ours.
		if !strings.ContainsRune(p.Command, os.PathSeparator) {
			if resolved, err := lookPath(p.Command, path); err == nil {
				cmd.Path = resolved
				cmd.Err = nil
			}
		}
	}

	out := util.NewTailBuffer(stderrTail)
	cmd.Stdout = out
	cmd.Stderr = out
	r.terminate(cmd)

	if err := cmd.Run(); err != nil {
		return out.String(), r.commandError(ctx, attempt, timeout, strings.Join(append([]string{p.Command}, p.Args...), " "), out.String(), err)
	}
	return out.String(), nil
}

func (r *ExecRunner) terminate(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = util.EnforceDefaultTimeout(r.KillGrace, util.DefaultKillGrace)
}

// commandError classifies a failed run. A process killed because its own
// timeout expired reports status 124, like timeout(1). A process killed
// because parent was cancelled keeps parent's error in the chain.
func (r *ExecRunner) commandError(parent, attempt context.Context, timeout time.Duration, name, output string, err error) error {
	status := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		status = exitErr.ExitCode()
	}
	switch {
	case parent.Err() != nil:
		err = fmt.Errorf("%w: %v", parent.Err(), err)
	case errors.Is(attempt.Err(), context.DeadlineExceeded):
		status = exitTimedOut
		err = fmt.Errorf("timed out after %s", timeout)
	}
	return util.NewCommandError(name, status, output, err)
}

func (r *ExecRunner) output() io.Writer {
	if r.Output == nil {
		return io.Discard
	}
	return r.Output
}

func (r *ExecRunner) logger() *slog.Logger {
	if r.Logger == nil {
		return logging.Discard()
	}
	return r.Logger
}

var _ HookRunner = (*ExecRunner)(nil)

// lookPath searches path for an executable named file.
func lookPath(file, path string) (string, error) {
	for _, dir := range strings.Split(path, string(os.PathListSeparator)) {
		if dir == "" {
			continue
		}
		candidate := dir + string(os.PathSeparator) + file
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", exec.ErrNotFound
}

// exitTimedOut is the status reported for a hook that outlived its timeout.
const exitTimedOut = 124

// hookRetryable decides which hook failures are worth another attempt:
// processes killed by a signal or reporting a temporary failure, and
// stderr that names a network problem.
func hookRetryable() retry.Predicate {
	return retry.Or(
		retry.ExitCode(75, exitTimedOut, 137, 143),
		retry.MessageContains("temporary failure", "connection reset", "connection refused",
			"timed out", "could not resolve host", "network is unreachable"),
	)
}

// probe runs every validate command of d and matches its output.
func probe(ctx context.Context, runner HookRunner, d *extension.Descriptor, dir string) error {
	for _, v := range d.Validate {
		var args []string
		if v.VersionFlag != "" {
			args = strings.Fields(v.VersionFlag)
		}
		out, err := runner.Probe(ctx, Probe{Command: v.Name, Args: args, Dir: dir})
		if err != nil {
			return fmt.Errorf("validate %s: %w", v.Name, err)
		}
		if v.ExpectedPattern == "" {
			continue
		}
		re, err := regexp.Compile(v.ExpectedPattern)
		if err != nil {
			return fmt.Errorf("validate %s: bad pattern %q: %w", v.Name, v.ExpectedPattern, err)
		}
		if !re.MatchString(out) {
			return fmt.Errorf("validate %s: output %q does not match %q", v.Name, strings.TrimSpace(out), v.ExpectedPattern)
		}
	}
	return nil
}
