// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lockfile enforces the single-writer guarantee on a node's
// home directory (spec §4.5, §6): an exclusive, non-blocking flock
// plus a pid file recording the holder. Grounded on auth/config.go's
// isReadableFile permission-check idiom, generalized from "is this
// cert file readable" to "is this lock already held by someone else."
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"mixnode.io/errors"
)

const lockFileName = "lock"
const pidFileName = "pid"

// Lock is a held exclusive lock on a home directory. Its zero value
// is not usable; obtain one via Acquire.
type Lock struct {
	dir  string
	fd   int
	file *os.File
}

// Acquire takes an exclusive, non-blocking lock on dir, failing
// immediately (rather than blocking) if another process already holds
// it — per spec §5, lock contention on the home directory is fatal,
// never something to wait out. On success it writes the current
// process's pid to dir/pid.
func Acquire(dir string) (*Lock, error) {
	const op = "lockfile.Acquire"
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}

	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			holder := readPid(dir)
			return nil, errors.E(op, errors.Permission, errors.Errorf("home directory %s is locked by pid %s", dir, holder))
		}
		return nil, errors.E(op, errors.IO, err)
	}

	l := &Lock{dir: dir, fd: int(f.Fd()), file: f}
	if err := l.writePid(); err != nil {
		l.Release()
		return nil, errors.E(op, errors.IO, err)
	}
	return l, nil
}

func (l *Lock) writePid() error {
	path := filepath.Join(l.dir, pidFileName)
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

func readPid(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, pidFileName))
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(data))
}

// Release unlocks dir and removes the lock and pid files, the way
// spec §4.4's shutdown sequence does after workers have joined and
// the transport is closed.
func (l *Lock) Release() error {
	const op = "lockfile.Release"
	if err := unix.Flock(l.fd, unix.LOCK_UN); err != nil {
		l.file.Close()
		return errors.E(op, errors.IO, err)
	}
	if err := l.file.Close(); err != nil {
		return errors.E(op, errors.IO, err)
	}
	os.Remove(filepath.Join(l.dir, pidFileName))
	os.Remove(filepath.Join(l.dir, lockFileName))
	return nil
}

// String reports the lock's directory and holder pid, for logging.
func (l *Lock) String() string {
	return fmt.Sprintf("lock(%s, pid %d)", l.dir, os.Getpid())
}
