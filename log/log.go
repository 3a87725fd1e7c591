// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package log exports the leveled logging primitives used by the
// remailer node: per-packet errors log at error level and the service
// continues, while IOFatal/InternalAssertion errors use Fatal and the
// scheduler shuts the node down (see spec §7).
package log

// We call this log instead of logging for two reasons:
// 1) It's shorter to type;
// 2) it mimics Go's log package and can be used as a drop-in replacement for it.

import (
	"fmt"
	goLog "log"
	"os"
)

// Logger is the interface for logging messages.
type Logger interface {
	// Printf writes a formatted message to the log.
	Printf(format string, v ...interface{})

	// Print writes a message to the log.
	Print(v ...interface{})

	// Println writes a line to the log.
	Println(v ...interface{})

	// Fatal writes a message to the log and aborts.
	Fatal(v ...interface{})

	// Fatalf writes a formatted message to the log and aborts.
	Fatalf(format string, v ...interface{})
}

// Level is the level of logging.
type Level int

// Different levels of logging.
const (
	Ldebug    = Level(0)
	Linfo     = Level(1)
	Lerror    = Level(2)
	Ldisabled = Level(4000) // Some big value we'll never use.
	Linvalid  = Level(-2)
)

// Pre-allocated Loggers at each logging level.
var (
	Debug = newLogger(Ldebug)
	Info  = newLogger(Linfo)
	Error = newLogger(Lerror)

	currentLevel  = Linfo
	defaultLogger Logger = goLog.New(os.Stderr, "", goLog.Ldate|goLog.Ltime|goLog.LUTC|goLog.Lmicroseconds)
)

type logger struct {
	level Level
}

var _ Logger = (*logger)(nil)

func (l Level) String() string {
	switch l {
	case Ldebug:
		return "debug"
	case Linfo:
		return "info"
	case Lerror:
		return "error"
	case Ldisabled:
		return "disabled"
	}
	return "unknown"
}

func levelFromString(s string) Level {
	switch s {
	case "debug":
		return Ldebug
	case "info":
		return Linfo
	case "error":
		return Lerror
	case "disabled":
		return Ldisabled
	}
	return Linvalid
}

// Printf writes a formatted message to the log.
func (l *logger) Printf(format string, v ...interface{}) {
	if l.level < currentLevel {
		return // Don't log at lower levels.
	}
	defaultLogger.Printf(format, v...)
}

// Print writes a message to the log.
func (l *logger) Print(v ...interface{}) {
	if l.level < currentLevel {
		return
	}
	defaultLogger.Print(v...)
}

// Println writes a line to the log.
func (l *logger) Println(v ...interface{}) {
	if l.level < currentLevel {
		return
	}
	defaultLogger.Println(v...)
}

// Fatal writes a message to the log and aborts, regardless of the current log level.
func (l *logger) Fatal(v ...interface{}) {
	defaultLogger.Fatal(v...)
}

// Fatalf writes a formatted message to the log and aborts, regardless of the current log level.
func (l *logger) Fatalf(format string, v ...interface{}) {
	defaultLogger.Fatalf(format, v...)
}

// SetLevel sets the current logging level. Lower levels than current will not be logged.
func SetLevel(level Level) {
	currentLevel = level
}

// SetLevelFromString sets the current level by name (debug, info, error,
// disabled), as used by the -log flag.
func SetLevelFromString(s string) error {
	l := levelFromString(s)
	if l == Linvalid {
		return fmt.Errorf("invalid log level %q", s)
	}
	currentLevel = l
	return nil
}

// CurrentLevel returns the current logging level.
func CurrentLevel() Level {
	return currentLevel
}

// At returns whether the level will be logged currently.
func At(level Level) bool {
	return CurrentLevel() <= level
}

// Printf writes a formatted message to the log at Info level.
func Printf(format string, v ...interface{}) {
	Info.Printf(format, v...)
}

// Print writes a message to the log at Info level.
func Print(v ...interface{}) {
	Info.Print(v...)
}

// Println writes a line to the log at Info level.
func Println(v ...interface{}) {
	Info.Println(v...)
}

// Fatal writes a message to the log and aborts.
func Fatal(v ...interface{}) {
	Info.Fatal(v...)
}

// Fatalf writes a formatted message to the log and aborts.
func Fatalf(format string, v ...interface{}) {
	Info.Fatalf(format, v...)
}

// newLogger instantiates a Logger at a given level.
func newLogger(level Level) Logger {
	return &logger{level: level}
}
