// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package util

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

var envVarKeyPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ErrInvalidEnvVarKey is returned for keys that are not valid shell
// identifiers.
var ErrInvalidEnvVarKey = fmt.Errorf("invalid environment variable key")

// EnvVar is one KEY=value pair.
type EnvVar struct {
	Key       string
	Value     string
	Sensitive bool
}

func (e EnvVar) String() string {
	return e.Key + "=" + e.Value
}

// Redacted hides the value of sensitive variables.
func (e EnvVar) Redacted() string {
	if e.Sensitive {
		return e.Key + "=[REDACTED]"
	}
	return e.String()
}

// Validate checks the key.
func (e EnvVar) Validate() error {
	if !envVarKeyPattern.MatchString(e.Key) {
		return fmt.Errorf("%w: %q must match [a-zA-Z_][a-zA-Z0-9_]*", ErrInvalidEnvVarKey, e.Key)
	}
	return nil
}

// EnvVars is an ordered set of variables. A later Set of the same key
// replaces the earlier value in place. Not safe for concurrent mutation.
type EnvVars struct {
	vars []EnvVar
}

// NewEnvVars validates and collects vars.
func NewEnvVars(vars ...EnvVar) (*EnvVars, error) {
	e := &EnvVars{}
	for _, v := range vars {
		if err := e.Set(v.Key, v.Value, v.Sensitive); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Set adds or replaces key.
func (e *EnvVars) Set(key, value string, sensitive bool) error {
	v := EnvVar{Key: key, Value: value, Sensitive: sensitive || isSensitiveKey(key)}
	if err := v.Validate(); err != nil {
		return err
	}
	for i := range e.vars {
		if e.vars[i].Key == key {
			e.vars[i] = v
			return nil
		}
	}
	e.vars = append(e.vars, v)
	return nil
}

// MustSet is Set for keys known to be valid.
func (e *EnvVars) MustSet(key, value string) {
	if err := e.Set(key, value, false); err != nil {
		panic(err)
	}
}

// Get returns the value of key, or "".
func (e *EnvVars) Get(key string) string {
	for _, v := range e.vars {
		if v.Key == key {
			return v.Value
		}
	}
	return ""
}

// Has reports whether key is set.
func (e *EnvVars) Has(key string) bool {
	for _, v := range e.vars {
		if v.Key == key {
			return true
		}
	}
	return false
}

// Len returns the number of variables.
func (e *EnvVars) Len() int { return len(e.vars) }

// ToSlice returns KEY=value strings in insertion order.
func (e *EnvVars) ToSlice() []string {
	out := make([]string, len(e.vars))
	for i, v := range e.vars {
		out[i] = v.String()
	}
	return out
}

// RedactedSlice is ToSlice with secrets hidden, for logging.
func (e *EnvVars) RedactedSlice() []string {
	out := make([]string, len(e.vars))
	for i, v := range e.vars {
		out[i] = v.Redacted()
	}
	return out
}

// Environ overlays e onto base (typically os.Environ()) and returns the
// result sorted by key. Variables in e win.
func (e *EnvVars) Environ(base []string) []string {
	merged := make(map[string]string, len(base)+len(e.vars))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			merged[k] = v
		}
	}
	for _, v := range e.vars {
		merged[v.Key] = v.Value
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k + "=" + merged[k]
	}
	return out
}

// PrependPath returns a PATH value with dirs placed before current.
// Empty entries are dropped.
func PrependPath(current string, dirs ...string) string {
	parts := make([]string, 0, len(dirs)+1)
	for _, d := range dirs {
		if d = strings.TrimSpace(d); d != "" {
			parts = append(parts, d)
		}
	}
	if current != "" {
		parts = append(parts, current)
	}
	return strings.Join(parts, string(os.PathListSeparator))
}

func isSensitiveKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, marker := range []string{"TOKEN", "SECRET", "PASSWORD", "API_KEY", "CREDENTIAL"} {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}
