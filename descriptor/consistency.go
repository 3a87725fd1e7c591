// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package descriptor

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"mixnode.io/config"
	"mixnode.io/identity"
)

// Warning is one mismatch CheckConsistency found between a published
// descriptor and the configuration that was supposed to produce it.
// Warnings never fail a publish or reload; they exist so an operator
// notices drift between running config and what's on the wire.
type Warning struct {
	Field   string
	Message string
}

func (w Warning) String() string {
	return w.Message
}

// CheckConsistency compares d against cfg the way ServerKeys.py's
// checkDescriptorConsistency compares a just-generated ServerInfo
// against the ServerConfig that produced it, returning every mismatch
// found rather than stopping at the first one. It never returns an
// error: resolving spec.md §9's first Open Question, every check here
// is advisory, and a caller that wants a mismatch to be fatal must
// promote it explicitly.
func CheckConsistency(d *Descriptor, cfg *config.Config) []Warning {
	var warnings []Warning
	warn := func(field, format string, args ...interface{}) {
		warnings = append(warnings, Warning{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Nickname != "" && d.Nickname != cfg.Nickname {
		warn("Nickname", "mismatched nicknames: %q in configuration; %q published", cfg.Nickname, d.Nickname)
	}

	if idPub, err := identity.ParsePublicKeyDER(d.Identity); err == nil {
		idBits := idPub.Size() * 8
		if cfg.IdentityKeyBits != 0 && idBits != cfg.IdentityKeyBits {
			warn("Identity", "mismatched identity bits: %d in configuration; %d published", cfg.IdentityKeyBits, idBits)
		}
	}

	if lifetime := cfg.PublicKeyLifetime.D(); lifetime != 0 {
		wantValidUntil := previousMidnight(d.ValidAfter.Add(lifetime))
		if !previousMidnight(d.ValidUntil).Equal(wantValidUntil) {
			warn("Valid-Until", "published lifetime does not match configured PublicKeyLifetime")
		}
	}

	if d.Incoming != nil && cfg.ListenAddr != "" {
		if cfgPort := portOf(cfg.ListenAddr); cfgPort != 0 && d.Incoming.Port != 0 && d.Incoming.Port != cfgPort {
			warn("Incoming/MMTP", "mismatched ports: %d configured; %d published", cfgPort, d.Incoming.Port)
		}
	}

	return warnings
}

// previousMidnight truncates t to 00:00:00 UTC on its own day, the way
// ServerKeys.py's checkDescriptorConsistency compares lifetimes by
// calendar day rather than exact second.
func previousMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// portOf extracts the numeric port from a "host:port" listen address,
// returning 0 if addr doesn't carry one.
func portOf(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
