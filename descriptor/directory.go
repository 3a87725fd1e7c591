// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package descriptor

import (
	"encoding/base64"
	"fmt"
	"strings"

	"mixnode.io/errors"
	"mixnode.io/identity"
)

// ParseDirectory parses a directory header followed by zero or more
// `[Server]`-introduced descriptor records (spec §3).
func ParseDirectory(b []byte) (*Directory, error) {
	const op = "descriptor.ParseDirectory"
	clean := Canonicalize(b)
	idx := strings.Index(string(clean), "[Server]")
	if idx < 0 {
		return nil, errors.E(op, errors.Invalid, errors.Str("directory has no [Server] records"))
	}
	headerBytes := clean[:idx]
	header, err := parseHeader(headerBytes)
	if err != nil {
		return nil, err
	}

	var dir Directory
	dir.Header = *header

	rest := string(clean[idx:])
	for _, chunk := range splitServerRecords(rest) {
		d, err := Parse([]byte(chunk))
		if err != nil {
			return nil, err
		}
		dir.Descriptors = append(dir.Descriptors, d)
	}
	return &dir, nil
}

// splitServerRecords splits a run of concatenated `[Server]...`
// blocks back into individual descriptor texts.
func splitServerRecords(s string) []string {
	var records []string
	lines := strings.Split(s, "\n")
	var cur []string
	for _, line := range lines {
		if strings.TrimSpace(line) == "[Server]" && len(cur) > 0 {
			records = append(records, strings.Join(cur, "\n"))
			cur = nil
		}
		cur = append(cur, line)
	}
	if len(cur) > 0 {
		records = append(records, strings.Join(cur, "\n"))
	}
	return records
}

func parseHeader(b []byte) (*Header, error) {
	const op = "descriptor.parseHeader"
	sections, err := scanSections(b)
	if err != nil {
		return nil, err
	}
	if len(sections) == 0 || sections[0].name != "Directory" {
		return nil, errors.E(op, errors.Invalid, errors.Str("missing [Directory] header"))
	}
	s := sections[0]
	h := &Header{Canonical: b}
	h.DirectoryVersion, _ = s.first("Directory-Version")
	if _, ok := s.first("Published"); ok {
		t, err := parseTimeField(s, "Published", dateTimeLayout)
		if err != nil {
			return nil, errors.E(op, errors.Invalid, err)
		}
		h.Published = t
	}
	if digestB64, ok := s.first("DirectoryDigest"); ok {
		h.Digest, _ = base64.StdEncoding.DecodeString(digestB64)
	}
	if sigB64, ok := s.first("DirectorySignature"); ok {
		h.Signature, _ = base64.StdEncoding.DecodeString(sigB64)
	}
	h.RecommendedNickname = s.fields["Recommended-Nickname"]
	return h, nil
}

// BuildHeader renders a directory header with blank digest/signature
// fields, ready for Sign(KindDirectory, ...).
func BuildHeader(h *Header) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "[Directory]\n")
	fmt.Fprintf(&b, "Directory-Version: %s\n", h.DirectoryVersion)
	fmt.Fprintf(&b, "Published: %s\n", h.Published.UTC().Format(dateTimeLayout))
	fmt.Fprintf(&b, "DirectoryDigest:\n")
	fmt.Fprintf(&b, "DirectorySignature:\n")
	for _, n := range h.RecommendedNickname {
		fmt.Fprintf(&b, "Recommended-Nickname: %s\n", n)
	}
	return Canonicalize([]byte(b.String()))
}

// Recommended reports whether nickname appears in the directory's
// recommended list; unlisted servers are retained but flagged
// unrecommended by the caller (spec §3).
func (d *Directory) Recommended(nickname string) bool {
	for _, n := range d.Header.RecommendedNickname {
		if n == nickname {
			return true
		}
	}
	return false
}

// SignDirectory signs h's header text and appends the canonical text
// of every descriptor in order, returning the complete directory
// bytes.
func SignDirectory(key *identity.Key, h *Header, descriptors []*Descriptor) ([]byte, error) {
	unsigned := BuildHeader(h)
	signed, err := Sign(KindDirectory, key, unsigned)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.Write(signed)
	for _, d := range descriptors {
		b.Write(d.Canonical)
	}
	return Canonicalize([]byte(b.String())), nil
}
