// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// SchemaVersion is written into every manifest.
const SchemaVersion = "1"

// Status is the lifecycle state of one installation record.
type Status string

const (
	StatusActive  Status = "active"
	StatusStaged  Status = "staged"
	StatusFailed  Status = "failed"
	StatusRemoved Status = "removed"
)

// Kind classifies an event.
type Kind string

const (
	KindRequested  Kind = "requested"
	KindResolved   Kind = "resolved"
	KindFetched    Kind = "fetched"
	KindInstalled  Kind = "installed"
	KindVerified   Kind = "verified"
	KindUpgraded   Kind = "upgraded"
	KindRolledBack Kind = "rolled-back"
	KindRemoved    Kind = "removed"
	KindFailed     Kind = "failed"
	KindSkipped    Kind = "skipped"
)

// Kinds lists every event kind.
var Kinds = []Kind{
	KindRequested, KindResolved, KindFetched, KindInstalled, KindVerified,
	KindUpgraded, KindRolledBack, KindRemoved, KindFailed, KindSkipped,
}

// ParseKind validates s.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}

// Record is one installation of one extension version.
type Record struct {
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	Source       string    `json:"source"`
	InstalledAt  time.Time `json:"installedAt"`
	LastVerified time.Time `json:"lastVerified,omitzero"`
	Checksum     string    `json:"checksum,omitempty"`
	Status       Status    `json:"status"`
	Path         string    `json:"path,omitempty"`
}

func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.InstalledAt = c.InstalledAt.UTC()
	c.LastVerified = c.LastVerified.UTC()
	return &c
}

// Entry is the manifest slot for one extension name.
type Entry struct {
	Active   *Record `json:"active,omitempty"`
	Rollback *Record `json:"rollback,omitempty"`
}

// Clone deep-copies e.
func (e Entry) Clone() Entry {
	return Entry{Active: e.Active.clone(), Rollback: e.Rollback.clone()}
}

// Manifest is the current installation state.
type Manifest struct {
	SchemaVersion string           `json:"schemaVersion"`
	LastSeq       uint64           `json:"lastSeq"`
	CLIVersion    string           `json:"cliVersion,omitempty"`
	UpdatedAt     time.Time        `json:"updatedAt,omitzero"`
	Extensions    map[string]Entry `json:"extensions"`
}

// NewManifest returns an empty manifest.
func NewManifest() *Manifest {
	return &Manifest{SchemaVersion: SchemaVersion, Extensions: map[string]Entry{}}
}

// Clone deep-copies m.
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.Extensions = make(map[string]Entry, len(m.Extensions))
	for name, e := range m.Extensions {
		c.Extensions[name] = e.Clone()
	}
	return &c
}

// Active returns the active record for name.
func (m *Manifest) Active(name string) (*Record, bool) {
	e, ok := m.Extensions[name]
	if !ok || e.Active == nil {
		return nil, false
	}
	return e.Active, true
}

// Installed returns the names with an active record, sorted.
func (m *Manifest) Installed() []string {
	names := make([]string, 0, len(m.Extensions))
	for name, e := range m.Extensions {
		if e.Active != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Encode renders m in its canonical on-disk form. Replaying the same log
// always yields the same bytes.
func (m *Manifest) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Event is one line of the append-only log.
//
// State, when set, is the complete entry for Extension after the event.
// Carrying the full entry makes replay a plain overwrite and keeps it
// independent of how the installer computed the state.
type Event struct {
	Seq        uint64    `json:"seq"`
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	Extension  string    `json:"extension"`
	Kind       Kind      `json:"kind"`
	Version    string    `json:"version,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Error      string    `json:"error,omitempty"`
	CLIVersion string    `json:"cliVersion,omitempty"`
	Operation  string    `json:"operation,omitempty"`
	State      *Entry    `json:"state,omitempty"`
}

// Apply advances m by one event. It is the only state transition; commits
// and recovery both go through it.
func Apply(m *Manifest, ev Event) {
	m.LastSeq = ev.Seq
	m.UpdatedAt = ev.Time.UTC()
	if ev.CLIVersion != "" {
		m.CLIVersion = ev.CLIVersion
	}
	switch {
	case ev.Kind == KindRemoved:
		delete(m.Extensions, ev.Extension)
	case ev.State != nil:
		m.Extensions[ev.Extension] = ev.State.Clone()
	}
}

// Replay folds events over an empty manifest.
func Replay(events []Event) *Manifest {
	m := NewManifest()
	for _, ev := range events {
		Apply(m, ev)
	}
	return m
}
