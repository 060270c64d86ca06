// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package version

import (
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	v, err := Parse("v3.5")
	require.NoError(t, err)
	assert.Equal(t, "3.5.0", v.String())

	_, err = Parse("three")
	assert.ErrorIs(t, err, ErrInvalidVersion)
}

func TestShort(t *testing.T) {
	assert.Equal(t, "3.5", Short(MustParse("3.5.0")))
	assert.Equal(t, "3.5.1", Short(MustParse("3.5.1")))
	assert.Equal(t, "4.0.0-beta", Short(MustParse("4.0.0-beta")))
}

func TestConstraint_Allows(t *testing.T) {
	tests := []struct {
		constraint string
		version    string
		allowPre   bool
		want       bool
	}{
		{"^3.0", "3.1.0", false, true},
		{"^3.0", "4.0.0", false, false},
		{"^3.0", "3.2.0-beta", false, false},
		{"^3.0", "3.2.0-beta", true, true},
		{"^3.0", "4.0.0-beta", true, false},
		{"*", "9.9.9", false, true},
		{"", "0.0.1", false, true},
		{"latest", "1.0.0-rc.1", false, false},
		{"latest", "1.0.0-rc.1", true, true},
		{">=1.0, <2.0", "1.9.9", false, true},
		{"~1.2", "1.3.0", false, false},
		{"1.0", "1.0.0", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.constraint+" "+tt.version, func(t *testing.T) {
			c, err := ParseConstraint(tt.constraint)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Allows(MustParse(tt.version), tt.allowPre))
		})
	}
}

func TestConstraint_NamesPrerelease(t *testing.T) {
	tests := map[string]bool{
		"":                   false,
		"^3":                 false,
		"1.0 - 2.0":          false,
		"1.0.0 - 2.0.0":      false,
		">=2.0.0-rc.1":       true,
		">=1.0, <2.0.0-beta": true,
		"1.0.0 || 2.0.0-rc1": true,
		"~1.2.3-alpha.1":     true,
		"1.2.x":              false,
	}
	for raw, want := range tests {
		t.Run(raw, func(t *testing.T) {
			assert.Equal(t, want, MustConstraint(raw).NamesPrerelease())
		})
	}
}

func TestParseConstraint_Invalid(t *testing.T) {
	_, err := ParseConstraint(">>nope")
	assert.ErrorIs(t, err, ErrInvalidConstraint)
}

func TestHighest(t *testing.T) {
	vs := []*semver.Version{MustParse("3.0.0"), MustParse("3.1.0"), MustParse("4.0.0-beta")}

	got := Highest(vs, false, MustConstraint("^3.0"))
	require.NotNil(t, got)
	assert.Equal(t, "3.1.0", got.String())

	got = Highest(vs, true)
	require.NotNil(t, got)
	assert.Equal(t, "4.0.0-beta", got.String())

	assert.Nil(t, Highest(vs, false, MustConstraint("^5")))
	assert.Nil(t, Highest(nil, false))
}

func TestSort(t *testing.T) {
	vs := []*semver.Version{MustParse("1.10.0"), MustParse("1.2.0"), MustParse("1.9.0")}
	SortAscending(vs)
	assert.Equal(t, "1.2.0", vs[0].String())
	SortDescending(vs)
	assert.Equal(t, "1.10.0", vs[0].String())
}
