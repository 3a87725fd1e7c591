// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package descriptor

import "time"

// rawSection is one `[Name] Key: value` block as scanned off the
// wire, before type-checking. Keys that repeat (Allow, Deny) keep all
// their values, in order.
type rawSection struct {
	name   string
	fields map[string][]string
	order  []string // field names in first-seen order, for re-emission
}

func newRawSection(name string) *rawSection {
	return &rawSection{name: name, fields: map[string][]string{}}
}

func (s *rawSection) add(key, value string) {
	if _, ok := s.fields[key]; !ok {
		s.order = append(s.order, key)
	}
	s.fields[key] = append(s.fields[key], value)
}

func (s *rawSection) first(key string) (string, bool) {
	v, ok := s.fields[key]
	if !ok || len(v) == 0 {
		return "", false
	}
	return v[0], true
}

// MMTPSection models the `[Incoming/MMTP]` and `[Outgoing/MMTP]`
// sections (spec §6).
type MMTPSection struct {
	Version   string
	Hostname  string
	IP        string
	Port      int
	Protocols string
	Allow     []string
	Deny      []string
}

// DeliverySection models the opaque `[Delivery/*]` sections; this
// package parses and re-emits their fields without interpreting the
// delivery-module-specific keys (spec §4.3's exit dispatcher treats
// delivery modules as opaque).
type DeliverySection struct {
	Name    string // "Delivery/MBOX", "Delivery/SMTP", "Delivery/Fragmented"
	Version string
	Fields  map[string][]string
}

// Descriptor is a single server's signed advertisement: its keys,
// addresses, and capabilities for one validity interval (spec §3,
// §4.1, §6).
type Descriptor struct {
	DescriptorVersion   string
	Nickname            string
	Identity            []byte // DER-encoded RSA public key
	Digest              []byte // raw SHA-1, not base64
	Signature           []byte
	Published           time.Time
	ValidAfter          time.Time
	ValidUntil          time.Time
	PacketKey           []byte
	Contact             string
	Comments            string
	ContactFingerprint  string
	PacketVersions      string
	Software            string
	SecureConfiguration string

	Incoming *MMTPSection
	Outgoing *MMTPSection
	Delivery []DeliverySection

	// Canonical holds the exact canonical bytes this Descriptor was
	// parsed from, or last signed into, so re-serialization is
	// idempotent.
	Canonical []byte
}

// Header is the directory's own digest/signature block plus its set
// of recommended nicknames (spec §3's Directory type).
type Header struct {
	DirectoryVersion    string
	Published           time.Time
	Digest              []byte
	Signature           []byte
	RecommendedNickname []string
	Canonical           []byte
}

// Directory is a directory header followed by the descriptors it
// carries, with servers not in RecommendedNickname retained but
// flagged unrecommended by the caller (spec §3).
type Directory struct {
	Header      Header
	Descriptors []*Descriptor
}
