// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package util

import "time"

const (
	// DefaultHookTimeout bounds a single hook attempt when the descriptor
	// does not set install.timeout.
	DefaultHookTimeout = 10 * time.Minute

	// MinHookTimeout is the floor applied to configured hook timeouts.
	MinHookTimeout = time.Second

	// DefaultKillGrace is how long a cancelled hook has between SIGTERM
	// and SIGKILL.
	DefaultKillGrace = 5 * time.Second
)

// EnforceDefaultTimeout returns defaultVal when requested is not positive.
func EnforceDefaultTimeout(requested, defaultVal time.Duration) time.Duration {
	if requested <= 0 {
		return defaultVal
	}
	return requested
}

// EnforceMinTimeout raises positive values below minimum to minimum.
// Zero and negative values pass through unchanged.
func EnforceMinTimeout(requested, minimum time.Duration) time.Duration {
	if requested > 0 && requested < minimum {
		return minimum
	}
	return requested
}
