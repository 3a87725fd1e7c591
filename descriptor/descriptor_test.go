// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package descriptor

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mixnode.io/errors"
	"mixnode.io/identity"
)

func testDescriptor(t *testing.T, key *identity.Key) *Descriptor {
	t.Helper()
	pub := identity.MarshalPublicKeyDER(key.PublicKey())
	packetKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &Descriptor{
		Nickname:   "testnode",
		Identity:   pub,
		PacketKey:  identity.MarshalPublicKeyDER(&packetKey.PublicKey),
		Published:  time.Date(2004, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidAfter: time.Date(2004, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidUntil: time.Date(2004, 1, 8, 0, 0, 0, 0, time.UTC),
		Incoming: &MMTPSection{
			Version:  "0.1",
			Hostname: "mix.example.org",
			Port:     48099,
		},
	}
}

func TestCanonicalize(t *testing.T) {
	in := "[Server]\r\n  Nickname: foo  \r\nDigest: \r\n\r\n\r\n"
	out := string(Canonicalize([]byte(in)))
	assert.Equal(t, "[Server]\nNickname: foo\nDigest:", out[:len(out)-1])
	assert.Equal(t, byte('\n'), out[len(out)-1])
}

func TestRoundTripDescriptorSignAndParse(t *testing.T) {
	dir := t.TempDir()
	key, err := identity.Generate(dir, identity.MinBits)
	require.NoError(t, err)

	d := testDescriptor(t, key)
	signed, err := SignDescriptor(key, d)
	require.NoError(t, err)

	require.NoError(t, Verify(KindDescriptor, key.PublicKey(), signed.Canonical))

	reparsed, err := Parse(signed.Canonical)
	require.NoError(t, err)
	assert.Equal(t, signed.Digest, reparsed.Digest)
	assert.Equal(t, "testnode", reparsed.Nickname)
	assert.Equal(t, "mix.example.org", reparsed.Incoming.Hostname)
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	dir := t.TempDir()
	key, err := identity.Generate(dir, identity.MinBits)
	require.NoError(t, err)

	d := testDescriptor(t, key)
	signed, err := SignDescriptor(key, d)
	require.NoError(t, err)

	tampered := []byte(string(signed.Canonical))
	tampered = []byte(replaceOnce(string(tampered), "Nickname: testnode", "Nickname: eviltwin"))

	err = Verify(KindDescriptor, key.PublicKey(), tampered)
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestParseRejectsWrongModulusLengths(t *testing.T) {
	dir := t.TempDir()
	key, err := identity.Generate(dir, identity.MinBits)
	require.NoError(t, err)

	d := testDescriptor(t, key)
	small, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	d.PacketKey = identity.MarshalPublicKeyDER(&small.PublicKey) // 128-byte modulus, not 256
	_, err = SignDescriptor(key, d)
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestParseRejectsValidAfterNotBeforeValidUntil(t *testing.T) {
	dir := t.TempDir()
	key, err := identity.Generate(dir, identity.MinBits)
	require.NoError(t, err)

	d := testDescriptor(t, key)
	d.ValidAfter, d.ValidUntil = d.ValidUntil, d.ValidAfter
	_, err = SignDescriptor(key, d)
	require.Error(t, err)
}

func TestPrevalidateDropsUnknownSectionVersion(t *testing.T) {
	dir := t.TempDir()
	key, err := identity.Generate(dir, identity.MinBits)
	require.NoError(t, err)

	d := testDescriptor(t, key)
	signed, err := SignDescriptor(key, d)
	require.NoError(t, err)

	withFuture := string(signed.Canonical) + "[Incoming/MMTP]\nVersion: 9.9\nHostname: future.example.org\n"
	reparsed, err := Parse([]byte(withFuture))
	require.NoError(t, err)
	assert.Equal(t, "mix.example.org", reparsed.Incoming.Hostname)
}

func TestExpired(t *testing.T) {
	dir := t.TempDir()
	key, err := identity.Generate(dir, identity.MinBits)
	require.NoError(t, err)
	d := testDescriptor(t, key)
	signed, err := SignDescriptor(key, d)
	require.NoError(t, err)

	assert.False(t, signed.Expired(time.Date(2004, 1, 8, 0, 0, 0, 0, time.UTC), time.Hour))
	assert.True(t, signed.Expired(time.Date(2004, 1, 8, 2, 0, 0, 0, time.UTC), time.Hour))
}

func TestDirectoryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key, err := identity.Generate(dir, identity.MinBits)
	require.NoError(t, err)
	d := testDescriptor(t, key)
	signed, err := SignDescriptor(key, d)
	require.NoError(t, err)

	h := &Header{
		DirectoryVersion:    "0.2",
		Published:           time.Date(2004, 1, 1, 0, 0, 0, 0, time.UTC),
		RecommendedNickname: []string{"testnode"},
	}
	dirBytes, err := SignDirectory(key, h, []*Descriptor{signed})
	require.NoError(t, err)

	parsedDir, err := ParseDirectory(dirBytes)
	require.NoError(t, err)
	require.Len(t, parsedDir.Descriptors, 1)
	assert.Equal(t, "testnode", parsedDir.Descriptors[0].Nickname)
	assert.True(t, parsedDir.Recommended("testnode"))
	assert.False(t, parsedDir.Recommended("othernode"))
}

func replaceOnce(s, old, new string) string {
	idx := indexOf(s, old)
	if idx < 0 {
		return s
	}
	return s[:idx] + new + s[idx+len(old):]
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
