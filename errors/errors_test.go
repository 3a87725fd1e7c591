// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package errors

import (
	"strings"
	"testing"
)

func TestEBuildsFields(t *testing.T) {
	err := E("CreateKeysAsNeeded", KeySetName("0042"), Invalid, Str("gap in schedule"))
	e, ok := err.(*Error)
	if !ok {
		t.Fatalf("E did not return *Error, got %T", err)
	}
	if e.Op != "CreateKeysAsNeeded" || e.KeySet != "0042" || e.Class != Invalid {
		t.Fatalf("unexpected fields: %+v", e)
	}
	if !strings.Contains(err.Error(), "key_0042") {
		t.Fatalf("expected key set in message, got %q", err.Error())
	}
}

func TestCascadingIndent(t *testing.T) {
	inner := E("parse", Crypto, Str("bad signature"))
	outer := E("verify", Invalid, inner)
	msg := outer.Error()
	if !strings.Contains(msg, ":\n\t") {
		t.Fatalf("expected cascading indent, got %q", msg)
	}
}

func TestIs(t *testing.T) {
	inner := E("parse", Crypto, Str("bad digest"))
	outer := E("verify", inner)
	if !Is(Crypto, outer) {
		t.Fatalf("expected Is(Crypto, outer) to find the wrapped class")
	}
	if Is(Internal, outer) {
		t.Fatalf("did not expect Is(Internal, outer) to match")
	}
}

func TestEEmpty(t *testing.T) {
	if E() != nil {
		t.Fatalf("E() with no args should return nil")
	}
}
