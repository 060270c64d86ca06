// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package util holds small leaf helpers shared by the sindri internals.
//
// # Overview
//
//   - Atomic files: WriteFileAtomic and SyncDir implement the
//     temp-file, fsync, rename, directory-fsync sequence every on-disk
//     state change goes through.
//   - Command errors: CommandError records a failed hook with its exit
//     status and the tail of its stderr.
//   - Environment: EnvVars builds the environment handed to hooks, with
//     redaction for secrets.
//   - Timeouts: helpers that apply defaults and floors to durations.
//   - HTTP: CheckResponse turns a non-2xx response into an HTTPStatusError
//     the retry predicates can classify.
//   - Trees: CopyDir and DirSize for payload directories.
//
// The package depends only on the standard library and on nothing else in
// this module.
package util
