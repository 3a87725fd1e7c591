// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !debug

package errors

import "bytes"

// populateStack is a no-op outside debug builds; see debug.go for the
// version that records a call stack for Internal-class errors.
func (e *Error) populateStack() {}

// printStack is a no-op outside debug builds.
func (e *Error) printStack(b *bytes.Buffer) {}
