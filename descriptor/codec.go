// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package descriptor implements the wire codec for server descriptors
// and directory headers: canonicalization, digesting, signing, and
// parsing (spec §4.1, §6). The section/key-value grammar is modeled on
// the teacher's tolerant InitContext line scanner
// (context/initcontext.go), generalized from a single flat key=value
// file to the descriptor's `[Section]` / `Key: value` structure.
package descriptor

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"strings"

	"mixnode.io/errors"
	"mixnode.io/identity"
)

// Kind distinguishes a lone server descriptor from a directory header,
// since the two use different reserved field names for their digest
// and signature (spec §4.1).
type Kind int

const (
	KindDescriptor Kind = iota
	KindDirectory
)

func (k Kind) fieldNames() (digest, signature string) {
	if k == KindDirectory {
		return "DirectoryDigest", "DirectorySignature"
	}
	return "Digest", "Signature"
}

// Canonicalize applies the four-step cleaning transform required
// before digesting or signing (spec §4.1):
//  1. normalize all line endings to LF
//  2. strip trailing horizontal whitespace on each line
//  3. strip leading horizontal whitespace on each line
//  4. ensure exactly one trailing LF
func Canonicalize(b []byte) []byte {
	s := strings.ReplaceAll(string(b), "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.Trim(line, " \t")
	}
	out := strings.Join(lines, "\n")
	out = strings.TrimRight(out, "\n")
	return []byte(out + "\n")
}

// Digest locates the reserved Digest/Signature (or
// DirectoryDigest/DirectorySignature) lines, blanks their values, and
// returns the SHA-1 of the resulting canonical bytes along with the
// blanked form (so callers can splice the computed fields back in).
func Digest(kind Kind, b []byte) ([sha1.Size]byte, []byte, error) {
	const op = "descriptor.Digest"
	digestField, sigField := kind.fieldNames()
	clean := Canonicalize(b)
	lines := strings.Split(strings.TrimRight(string(clean), "\n"), "\n")

	var sawDigest, sawSig bool
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case !sawDigest && strings.HasPrefix(trimmed, digestField+":"):
			lines[i] = digestField + ":"
			sawDigest = true
		case !sawSig && strings.HasPrefix(trimmed, sigField+":"):
			lines[i] = sigField + ":"
			sawSig = true
		}
	}
	if !sawDigest || !sawSig {
		return [sha1.Size]byte{}, nil, errors.E(op, errors.Invalid, errors.Errorf("missing %s or %s field", digestField, sigField))
	}
	blanked := []byte(strings.Join(lines, "\n") + "\n")
	return sha1.Sum(blanked), blanked, nil
}

// Sign computes the digest of b (after blanking its reserved fields),
// signs it with key, and returns b with the Digest/Signature (or
// DirectoryDigest/DirectorySignature) lines replaced by their
// base64-encoded computed values.
func Sign(kind Kind, key *identity.Key, b []byte) ([]byte, error) {
	const op = "descriptor.Sign"
	digest, blanked, err := Digest(kind, b)
	if err != nil {
		return nil, err
	}
	sig, err := key.Sign(digest)
	if err != nil {
		return nil, errors.E(op, errors.Crypto, err)
	}
	digestField, sigField := kind.fieldNames()
	return spliceFields(blanked, digestField, base64.StdEncoding.EncodeToString(digest[:]), sigField, base64.StdEncoding.EncodeToString(sig)), nil
}

// Verify recomputes b's digest and checks it against both the
// declared Digest field and the signature over it, as required by
// spec §4.1.
func Verify(kind Kind, pub *rsa.PublicKey, b []byte) error {
	const op = "descriptor.Verify"
	digestField, sigField := kind.fieldNames()
	declaredDigest, ok1 := fieldValue(b, digestField)
	declaredSig, ok2 := fieldValue(b, sigField)
	if !ok1 || !ok2 {
		return errors.E(op, errors.Invalid, errors.Errorf("missing %s or %s field", digestField, sigField))
	}
	wantDigest, err := base64.StdEncoding.DecodeString(declaredDigest)
	if err != nil {
		return errors.E(op, errors.Invalid, errors.Errorf("bad digest encoding: %v", err))
	}
	sig, err := base64.StdEncoding.DecodeString(declaredSig)
	if err != nil {
		return errors.E(op, errors.Invalid, errors.Errorf("bad signature encoding: %v", err))
	}
	gotDigest, _, err := Digest(kind, b)
	if err != nil {
		return err
	}
	if !bytes.Equal(gotDigest[:], wantDigest) {
		return errors.E(op, errors.Invalid, errors.Str("digest mismatch (BadDigest)"))
	}
	if err := identity.Verify(pub, gotDigest, sig); err != nil {
		return errors.E(op, errors.Invalid, errors.Str("signature verification failed (BadSignature)"))
	}
	return nil
}

// fieldValue returns the trimmed value of the first top-level line
// "field: value" found in b.
func fieldValue(b []byte, field string) (string, bool) {
	for _, line := range strings.Split(string(b), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, field+":") {
			return strings.TrimSpace(trimmed[len(field)+1:]), true
		}
	}
	return "", false
}

// spliceFields rewrites the first occurrences of field1/field2 with
// their given values, preserving every other line verbatim.
func spliceFields(b []byte, field1, value1, field2, value2 string) []byte {
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	var done1, done2 bool
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case !done1 && strings.HasPrefix(trimmed, field1+":"):
			lines[i] = field1 + ": " + value1
			done1 = true
		case !done2 && strings.HasPrefix(trimmed, field2+":"):
			lines[i] = field2 + ": " + value2
			done2 = true
		}
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}
