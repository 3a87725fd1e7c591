// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package descriptor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mixnode.io/config"
	"mixnode.io/identity"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Nickname = "testnode"
	return cfg
}

func TestCheckConsistencyNoMismatch(t *testing.T) {
	dir := t.TempDir()
	key, err := identity.Generate(dir, identity.MinBits)
	require.NoError(t, err)

	d := testDescriptor(t, key)
	d.Incoming.Port = 48099
	signed, err := SignDescriptor(key, d)
	require.NoError(t, err)

	warnings := CheckConsistency(signed, testConfig(t))
	assert.Empty(t, warnings)
}

func TestCheckConsistencyFlagsMismatchedNickname(t *testing.T) {
	dir := t.TempDir()
	key, err := identity.Generate(dir, identity.MinBits)
	require.NoError(t, err)

	d := testDescriptor(t, key)
	signed, err := SignDescriptor(key, d)
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.Nickname = "othername"
	warnings := CheckConsistency(signed, cfg)
	require.Len(t, warnings, 1)
	assert.Equal(t, "Nickname", warnings[0].Field)
}

func TestCheckConsistencyFlagsMismatchedPort(t *testing.T) {
	dir := t.TempDir()
	key, err := identity.Generate(dir, identity.MinBits)
	require.NoError(t, err)

	d := testDescriptor(t, key)
	d.Incoming.Port = 12345
	signed, err := SignDescriptor(key, d)
	require.NoError(t, err)

	warnings := CheckConsistency(signed, testConfig(t))
	require.Len(t, warnings, 1)
	assert.Equal(t, "Incoming/MMTP", warnings[0].Field)
}
