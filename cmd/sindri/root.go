// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "sindri",
		Short: "Install and manage development environment extensions",
		Long: `Sindri resolves extensions with their dependencies, installs them
atomically, and records every lifecycle change in an event log under
SINDRI_HOME.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	flags := root.PersistentFlags()
	flags.StringVar(&a.home, "home", "", "state directory (default $SINDRI_HOME or ~/.sindri)")
	flags.StringVar(&a.cliVersion, "cli-version", a.cliVersion, "CLI version used for compatibility checks")
	flags.StringVar(&a.logLevel, "log-level", a.logLevel, "log level: debug, info, warn, error")
	flags.BoolVar(&a.logJSON, "log-json", false, "write logs as JSON")
	flags.BoolVarP(&a.quiet, "quiet", "q", false, "suppress log output on stderr")
	flags.StringVar(&a.traceFile, "trace-file", "", "write OpenTelemetry spans to this file")
	flags.StringVar(&a.metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")
	flags.BoolVar(&a.repair, "repair", false, "rebuild a corrupt manifest from the event log")
	flags.DurationVar(&a.timeout, "timeout", 0, "abort the command after this long (0 disables)")
	_ = flags.MarkHidden("cli-version")

	root.AddCommand(
		newExtensionCmd(a),
		newProfileCmd(a),
		newImageCmd(a),
		newSupportFilesCmd(a),
		newLedgerCmd(a),
		newConfigCmd(a),
		newVersionCmd(a),
	)
	return root
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  noArgs,
		RunE: func(*cobra.Command, []string) error {
			a.out.Info("sindri %s", a.cliVersion)
			return nil
		},
	}
}

// Argument validators that report usage errors.

func noArgs(cmd *cobra.Command, args []string) error {
	return usage(cobra.NoArgs(cmd, args))
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return usage(cobra.ExactArgs(n)(cmd, args))
	}
}

func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return usage(cobra.MinimumNArgs(n)(cmd, args))
	}
}

func maxArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return usage(cobra.MaximumNArgs(n)(cmd, args))
	}
}

func usage(err error) error {
	if err == nil {
		return nil
	}
	return usageError{err}
}
