// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package descriptor

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"mixnode.io/errors"
	"mixnode.io/identity"
)

// dateLayout and dateTimeLayout cover the ISO forms spec §6 uses for
// Published (date-time) and Valid-After/Valid-Until (date).
const (
	dateTimeLayout = "2006-01-02T15:04:05"
	dateLayout     = "2006-01-02"
)

// knownSectionVersions lists, for each section whose schema carries
// its own Version field, the versions this codec understands. A
// section whose declared Version is absent from this set is dropped
// wholesale during prevalidate, preserving forward compatibility
// (spec §4.1).
var knownSectionVersions = map[string][]string{
	"Incoming/MMTP":       {"0.1"},
	"Outgoing/MMTP":       {"0.1"},
	"Delivery/MBOX":       {"0.1"},
	"Delivery/SMTP":       {"0.1"},
	"Delivery/Fragmented": {"0.1"},
}

// scanSections splits canonical descriptor/directory bytes into an
// ordered list of `[Name]` blocks of `Key: value` lines. It is
// structurally the teacher's tolerant InitContext line scanner
// (context/initcontext.go) generalized from a flat key=value file to
// sectioned key:value blocks.
func scanSections(b []byte) ([]*rawSection, error) {
	const op = "descriptor.scanSections"
	scanner := bufio.NewScanner(bytes.NewReader(b))
	var sections []*rawSection
	var cur *rawSection
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			cur = newRawSection(strings.TrimSuffix(strings.TrimPrefix(line, "["), "]"))
			sections = append(sections, cur)
			continue
		}
		if cur == nil {
			return nil, errors.E(op, errors.Invalid, errors.Str("content before first section header"))
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			return nil, errors.E(op, errors.Invalid, errors.Errorf("malformed line %q", line))
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		cur.add(key, value)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	return sections, nil
}

// prevalidate drops sections whose Version field names a schema this
// codec doesn't understand (spec §4.1: "preserves forward
// compatibility").
func prevalidate(sections []*rawSection) []*rawSection {
	var kept []*rawSection
	for _, s := range sections {
		known, hasVersioning := knownSectionVersions[s.name]
		if !hasVersioning {
			kept = append(kept, s)
			continue
		}
		v, ok := s.first("Version")
		if !ok {
			continue
		}
		recognized := false
		for _, k := range known {
			if k == v {
				recognized = true
				break
			}
		}
		if recognized {
			kept = append(kept, s)
		}
	}
	return kept
}

// Parse parses, prevalidates, and validates a server descriptor (spec
// §4.1). It does not verify the signature; call Verify separately
// once the signer's public key is known.
func Parse(b []byte) (*Descriptor, error) {
	const op = "descriptor.Parse"
	clean := Canonicalize(b)
	sections, err := scanSections(clean)
	if err != nil {
		return nil, err
	}
	sections = prevalidate(sections)
	if len(sections) == 0 || sections[0].name != "Server" {
		return nil, errors.E(op, errors.Invalid, errors.Str("missing [Server] section (BadVersion)"))
	}
	server := sections[0]

	version, _ := server.first("Descriptor-Version")
	if version != "0.2" {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("unsupported Descriptor-Version %q (BadVersion)", version))
	}

	d := &Descriptor{
		DescriptorVersion: version,
		Canonical:         clean,
	}
	d.Nickname, _ = server.first("Nickname")

	if d.Identity, err = decodeBase64Field(server, "Identity"); err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	}
	if digestB64, ok := server.first("Digest"); ok {
		if d.Digest, err = base64.StdEncoding.DecodeString(digestB64); err != nil {
			return nil, errors.E(op, errors.Invalid, errors.Errorf("bad Digest encoding: %v", err))
		}
	}
	if sigB64, ok := server.first("Signature"); ok {
		if d.Signature, err = base64.StdEncoding.DecodeString(sigB64); err != nil {
			return nil, errors.E(op, errors.Invalid, errors.Errorf("bad Signature encoding: %v", err))
		}
	}
	if d.PacketKey, err = decodeBase64Field(server, "Packet-Key"); err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	}

	if d.Published, err = parseTimeField(server, "Published", dateTimeLayout); err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	}
	if d.ValidAfter, err = parseTimeField(server, "Valid-After", dateLayout); err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	}
	if d.ValidUntil, err = parseTimeField(server, "Valid-Until", dateLayout); err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	}

	d.Contact, _ = server.first("Contact")
	d.Comments, _ = server.first("Comments")
	d.ContactFingerprint, _ = server.first("Contact-Fingerprint")
	d.PacketVersions, _ = server.first("Packet-Versions")
	if d.PacketVersions == "" {
		d.PacketVersions = "0.3"
	}
	d.Software, _ = server.first("Software")
	d.SecureConfiguration, _ = server.first("Secure-Configuration")

	for _, s := range sections[1:] {
		switch s.name {
		case "Incoming/MMTP":
			mmtp, err := parseMMTP(s)
			if err != nil {
				return nil, errors.E(op, errors.Invalid, err)
			}
			d.Incoming = mmtp
		case "Outgoing/MMTP":
			mmtp, err := parseMMTP(s)
			if err != nil {
				return nil, errors.E(op, errors.Invalid, err)
			}
			d.Outgoing = mmtp
		case "Delivery/MBOX", "Delivery/SMTP", "Delivery/Fragmented":
			ds := DeliverySection{Name: s.name, Fields: s.fields}
			ds.Version, _ = s.first("Version")
			d.Delivery = append(d.Delivery, ds)
		}
	}

	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func parseMMTP(s *rawSection) (*MMTPSection, error) {
	m := &MMTPSection{}
	m.Version, _ = s.first("Version")
	m.Hostname, _ = s.first("Hostname")
	m.IP, _ = s.first("IP")
	m.Protocols, _ = s.first("Protocols")
	if portStr, ok := s.first("Port"); ok {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, errors.Errorf("bad Port %q: %v", portStr, err)
		}
		m.Port = port
	}
	m.Allow = s.fields["Allow"]
	m.Deny = s.fields["Deny"]
	return m, nil
}

func decodeBase64Field(s *rawSection, key string) ([]byte, error) {
	v, ok := s.first(key)
	if !ok {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, errors.Errorf("bad %s encoding: %v", key, err)
	}
	return b, nil
}

func parseTimeField(s *rawSection, key, layout string) (time.Time, error) {
	v, ok := s.first(key)
	if !ok {
		return time.Time{}, errors.Errorf("missing %s field", key)
	}
	t, err := time.Parse(layout, v)
	if err != nil {
		return time.Time{}, errors.Errorf("bad %s %q: %v", key, v, err)
	}
	return t, nil
}

// validate enforces spec §4.1's semantic constraints, independent of
// signature verification. Identity and Packet-Key carry the DER
// encoding of an RSA public key (PKCS#1 SEQUENCE{modulus, exponent}),
// not the bare modulus, so the length bounds below are checked against
// the parsed key's modulus size rather than the DER blob's byte
// length, which runs a few bytes longer.
func (d *Descriptor) validate() error {
	const op = "descriptor.validate"
	idPub, err := identity.ParsePublicKeyDER(d.Identity)
	if err != nil {
		return errors.E(op, errors.Invalid, errors.Errorf("identity key: %v", err))
	}
	if n := idPub.Size(); n < 256 || n > 512 {
		return errors.E(op, errors.Invalid, errors.Errorf("identity modulus length %d outside [256, 512] (BadLength)", n))
	}
	packetPub, err := identity.ParsePublicKeyDER(d.PacketKey)
	if err != nil {
		return errors.E(op, errors.Invalid, errors.Errorf("packet key: %v", err))
	}
	if n := packetPub.Size(); n != 256 {
		return errors.E(op, errors.Invalid, errors.Errorf("packet modulus length %d != 256 (BadLength)", n))
	}
	if !d.ValidAfter.Before(d.ValidUntil) {
		return errors.E(op, errors.Invalid, errors.Str("Valid-After must precede Valid-Until"))
	}
	if len(d.Contact) > 256 {
		return errors.E(op, errors.Invalid, errors.Str("Contact exceeds 256 bytes (BadLength)"))
	}
	if len(d.Comments) > 1024 {
		return errors.E(op, errors.Invalid, errors.Str("Comments exceeds 1024 bytes (BadLength)"))
	}
	if len(d.ContactFingerprint) > 128 {
		return errors.E(op, errors.Invalid, errors.Str("Contact-Fingerprint exceeds 128 bytes (BadLength)"))
	}
	if d.Incoming != nil && d.Incoming.Hostname == "" && d.Incoming.IP == "" {
		return errors.E(op, errors.Invalid, errors.Str("Incoming/MMTP must declare Hostname or IP"))
	}
	if d.PublishedTooFarAhead(time.Now()) {
		return errors.E(op, errors.Invalid, errors.Str("Published more than 600s ahead of now (BadLength)"))
	}
	return nil
}

// Expired reports whether the descriptor's validity window, extended
// by overlap, has passed as of now (spec §4.2's rotation rule).
func (d *Descriptor) Expired(now time.Time, overlap time.Duration) bool {
	return now.After(d.ValidUntil.Add(overlap))
}

// PublishedTooFarAhead reports the spec §4.1 `Published ≤ now + 600s`
// invariant.
func (d *Descriptor) PublishedTooFarAhead(now time.Time) bool {
	return d.Published.After(now.Add(600 * time.Second))
}
