// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package identity

import (
	"crypto/sha1"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mixnode.io/errors"
)

func TestGenerateAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key, err := Generate(dir, MinBits)
	require.NoError(t, err)

	loaded, err := Load(dir, MinBits)
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey().N, loaded.PublicKey().N)

	_, err = Generate(dir, MinBits)
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Exist, err))
}

func TestGenerateRejectsOutOfRangeBits(t *testing.T) {
	dir := t.TempDir()
	_, err := Generate(dir, 1024)
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestLoadGeneratesWhenMissing(t *testing.T) {
	dir := t.TempDir()
	key, err := Load(dir, MinBits)
	require.NoError(t, err)
	assert.NotNil(t, key.PublicKey())
	assert.FileExists(t, filepath.Join(dir, keyFile))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key, err := Generate(dir, MinBits)
	require.NoError(t, err)

	digest := sha1.Sum([]byte("a descriptor body"))
	sig, err := key.Sign(digest)
	require.NoError(t, err)
	require.NoError(t, Verify(key.PublicKey(), digest, sig))

	other := sha1.Sum([]byte("a tampered body"))
	assert.Error(t, Verify(key.PublicKey(), other, sig))
}
