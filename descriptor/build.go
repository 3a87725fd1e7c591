// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package descriptor

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"mixnode.io/identity"
)

// Build renders d into the bit-exact text form of spec §6, with the
// Digest and Signature fields present but empty — ready to be passed
// to Sign, which fills them in and returns the final canonical bytes.
func Build(d *Descriptor) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "[Server]\n")
	fmt.Fprintf(&b, "Descriptor-Version: 0.2\n")
	fmt.Fprintf(&b, "Nickname: %s\n", d.Nickname)
	fmt.Fprintf(&b, "Identity: %s\n", base64.StdEncoding.EncodeToString(d.Identity))
	fmt.Fprintf(&b, "Digest:\n")
	fmt.Fprintf(&b, "Signature:\n")
	fmt.Fprintf(&b, "Published: %s\n", d.Published.UTC().Format(dateTimeLayout))
	fmt.Fprintf(&b, "Valid-After: %s\n", d.ValidAfter.UTC().Format(dateLayout))
	fmt.Fprintf(&b, "Valid-Until: %s\n", d.ValidUntil.UTC().Format(dateLayout))
	fmt.Fprintf(&b, "Packet-Key: %s\n", base64.StdEncoding.EncodeToString(d.PacketKey))
	if d.Contact != "" {
		fmt.Fprintf(&b, "Contact: %s\n", d.Contact)
	}
	if d.Comments != "" {
		fmt.Fprintf(&b, "Comments: %s\n", d.Comments)
	}
	if d.ContactFingerprint != "" {
		fmt.Fprintf(&b, "Contact-Fingerprint: %s\n", d.ContactFingerprint)
	}
	packetVersions := d.PacketVersions
	if packetVersions == "" {
		packetVersions = "0.3"
	}
	fmt.Fprintf(&b, "Packet-Versions: %s\n", packetVersions)
	if d.Software != "" {
		fmt.Fprintf(&b, "Software: %s\n", d.Software)
	}
	if d.SecureConfiguration != "" {
		fmt.Fprintf(&b, "Secure-Configuration: %s\n", d.SecureConfiguration)
	}
	if d.Incoming != nil {
		writeMMTP(&b, "Incoming/MMTP", d.Incoming)
	}
	if d.Outgoing != nil {
		writeMMTP(&b, "Outgoing/MMTP", d.Outgoing)
	}
	for _, ds := range d.Delivery {
		fmt.Fprintf(&b, "[%s]\n", ds.Name)
		fmt.Fprintf(&b, "Version: %s\n", ds.Version)
		for key, values := range ds.Fields {
			if key == "Version" {
				continue
			}
			for _, v := range values {
				fmt.Fprintf(&b, "%s: %s\n", key, v)
			}
		}
	}
	return Canonicalize([]byte(b.String()))
}

func writeMMTP(b *strings.Builder, name string, m *MMTPSection) {
	fmt.Fprintf(b, "[%s]\n", name)
	version := m.Version
	if version == "" {
		version = "0.1"
	}
	fmt.Fprintf(b, "Version: %s\n", version)
	if m.Hostname != "" {
		fmt.Fprintf(b, "Hostname: %s\n", m.Hostname)
	}
	if m.IP != "" {
		fmt.Fprintf(b, "IP: %s\n", m.IP)
	}
	if m.Port != 0 {
		fmt.Fprintf(b, "Port: %s\n", strconv.Itoa(m.Port))
	}
	if m.Protocols != "" {
		fmt.Fprintf(b, "Protocols: %s\n", m.Protocols)
	}
	for _, a := range m.Allow {
		fmt.Fprintf(b, "Allow: %s\n", a)
	}
	for _, dny := range m.Deny {
		fmt.Fprintf(b, "Deny: %s\n", dny)
	}
}

// SignDescriptor builds d's canonical text, signs it with key, parses
// the result back, and returns the fully populated, self-consistent
// Descriptor (its Canonical, Digest, and Signature fields set).
func SignDescriptor(key *identity.Key, d *Descriptor) (*Descriptor, error) {
	unsigned := Build(d)
	signed, err := Sign(KindDescriptor, key, unsigned)
	if err != nil {
		return nil, err
	}
	return Parse(signed)
}
