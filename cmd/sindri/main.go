// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Command sindri manages development environment extensions: resolving
// them with their dependencies, installing them atomically, and keeping
// an event-logged record of what is installed.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// buildVersion is the CLI version, set with -ldflags "-X main.buildVersion=...".
var buildVersion = "3.0.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := newApp(stdout, stderr)
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if closeErr := a.close(); closeErr != nil {
		fmt.Fprintf(stderr, "sindri: cleanup: %v\n", closeErr)
	}
	if err != nil {
		reportError(stderr, err)
	}
	return ExitCode(err)
}
