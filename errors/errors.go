// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package errors defines the error handling used across the remailer
// node: a single Error type built from typed arguments, classified by
// Class so callers can branch on error kind without string matching.
// See spec §7 for the taxonomy this Class enum implements.
package errors

import (
	"bytes"
	"fmt"
	"runtime"
)

// Error is the type that implements the error interface.
// It contains a number of fields, each of different type.
// An Error value may leave some values unset.
type Error struct {
	// KeySet names the dated key-slot an error pertains to, if any.
	KeySet string
	// Handle names the queue entry handle an error pertains to, if any.
	Handle string
	// Op is the operation being performed, usually the method
	// being invoked (CreateKeysAsNeeded, Canonicalize, Put, ...).
	Op string
	// Class is the class of error, such as permission failure,
	// or "Other" if its class is unknown or irrelevant.
	Class Class
	// The underlying error that triggered this one, if any.
	Err error

	// callers records the call stack when Class is Internal; only
	// populated and printed in debug builds, see debug.go.
	callers []uintptr
}

var _ error = (*Error)(nil)

// Class defines the kind of error this is. Per-packet errors (Crypto)
// never propagate past the processing thread; queue-level and IO errors
// surface to the scheduler, which decides continue-vs-shutdown.
type Class uint8

const (
	Other      Class = iota // Unclassified error. This value is not printed in the error message.
	Invalid                 // ConfigInvalid / DescriptorInvalid: reject, operator-visible.
	Permission              // Permission denied (lock contention, file mode).
	IO                      // IOFatal: home lock held, key dir unwritable, disk full.
	Exist                   // Item exists but should not (duplicate KeySet name).
	NotExist                // Item does not exist (missing descriptor, handle).
	Crypto                  // CryptoError/PacketParseError/PacketContentError: drop the packet.
	Transient               // TransportTransient: schedule retry via the outgoing ladder.
	Internal                // InternalAssertion: log fatal with backtrace, shut down.
)

func (c Class) String() string {
	switch c {
	case Invalid:
		return "invalid"
	case Permission:
		return "permission denied"
	case IO:
		return "I/O error"
	case Exist:
		return "already exists"
	case NotExist:
		return "does not exist"
	case Crypto:
		return "crypto error"
	case Transient:
		return "transient"
	case Internal:
		return "internal assertion"
	case Other:
		return "other error"
	}
	return "unknown error class"
}

// KeySetName tags a string argument to E as the KeySet field.
type KeySetName string

// Handle tags a string argument to E as the queue-entry Handle field.
type Handle string

// E builds an error value from its arguments.
// The type of each argument determines its meaning.
// Only one argument of each type may be present (if
// there is more than one, the last one wins).
//
// The types are:
//	string
//		The operation being performed, usually the method
//		being invoked (CreateKeysAsNeeded, Canonicalize, Put, ...).
//	errors.KeySetName
//		The dated key-slot the error pertains to.
//	errors.Handle
//		The queue-entry handle the error pertains to.
//	errors.Class
//		The class of error, such as permission failure.
//	error
//		The underlying error that triggered this one.
//
// If the error is printed, only those items that have been
// set to non-zero values will appear in the result.
//
func E(args ...interface{}) error {
	if len(args) == 0 {
		return nil
	}
	e := &Error{}
	for _, arg := range args {
		switch arg := arg.(type) {
		case KeySetName:
			e.KeySet = string(arg)
		case Handle:
			e.Handle = string(arg)
		case string:
			e.Op = arg
		case Class:
			e.Class = arg
		case error:
			e.Err = arg
		default:
			_, file, line, _ := runtime.Caller(1)
			return fmt.Errorf("errors.E: bad call from %s:%d: %v", file, line, args)
		}
	}
	if e.Class == Internal {
		e.populateStack()
	}
	return e
}

// Errorf builds an error from a format string, for free-text errors that
// don't need the structured fields of E.
func Errorf(format string, args ...interface{}) error {
	return &Error{Err: fmt.Errorf(format, args...)}
}

// Str returns an error whose Error method returns s.
func Str(s string) error {
	return &Error{Err: errString(s)}
}

type errString string

func (e errString) Error() string { return string(e) }

// Is reports whether err is an *Error of the given class, looking
// through any cascade of wrapped *Error values.
func Is(class Class, err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	if e.Class == class {
		return true
	}
	return Is(class, e.Err)
}

// pad appends str to the buffer if the buffer already has some data.
func pad(b *bytes.Buffer, str string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(str)
}

func (e *Error) Error() string {
	b := new(bytes.Buffer)
	if e.KeySet != "" {
		b.WriteString("key_")
		b.WriteString(e.KeySet)
	}
	if e.Handle != "" {
		pad(b, ", ")
		b.WriteString("handle ")
		b.WriteString(e.Handle)
	}
	if e.Op != "" {
		pad(b, ": ")
		b.WriteString(e.Op)
	}
	if e.Class != 0 {
		pad(b, ": ")
		b.WriteString(e.Class.String())
	}
	if e.Err != nil {
		// Indent on new line if we are cascading Error values.
		if _, ok := e.Err.(*Error); ok {
			pad(b, ":\n\t")
		} else {
			pad(b, ": ")
		}
		b.WriteString(e.Err.Error())
	}
	if len(e.callers) > 0 {
		e.printStack(b)
	}
	if b.Len() == 0 {
		return "no error"
	}
	return b.String()
}
