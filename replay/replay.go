// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package replay implements the disk-backed replay-hash log each
// KeySet owns: an append-only set of 20-byte packet digests that
// prevents a packet from being processed twice (spec §3, §4.3). Its
// Digest type is grounded on upspin's content-addressable sim/hash
// package (a fixed-size byte array with hex String/Parse), narrowed
// from SHA-256/32 bytes to the SHA-1/20-byte digests spec §4.1 uses.
package replay

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"mixnode.io/errors"
)

// Size is the byte length of a replay digest (SHA-1, spec §3).
const Size = 20

// Digest is a replay-hash log key.
type Digest [Size]byte

// String returns the hexadecimal form of d.
func (d Digest) String() string {
	return fmt.Sprintf("%x", d[:])
}

// Log is an append-only set of digests, backed by a base file and a
// journal of entries added since the base was last compacted. Both
// files live under work/hashlogs (spec §6): hash_NNNN and
// hash_NNNN_jrnl.
type Log struct {
	mu       sync.Mutex
	basePath string
	jrnlPath string
	jrnl     *os.File
	seen     map[Digest]struct{}
}

// Open loads basePath and basePath+"_jrnl" (creating them if absent)
// and replays both into an in-memory set.
func Open(basePath string) (*Log, error) {
	const op = "replay.Open"
	l := &Log{
		basePath: basePath,
		jrnlPath: basePath + "_jrnl",
		seen:     map[Digest]struct{}{},
	}
	for _, path := range []string{l.basePath, l.jrnlPath} {
		if err := loadInto(path, l.seen); err != nil {
			return nil, errors.E(op, errors.IO, err)
		}
	}
	f, err := os.OpenFile(l.jrnlPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	l.jrnl = f
	return l, nil
}

func loadInto(path string, into map[Digest]struct{}) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	buf := make([]byte, Size)
	for {
		n, err := f.Read(buf)
		if n == Size {
			var d Digest
			copy(d[:], buf)
			into[d] = struct{}{}
		}
		if err != nil {
			break
		}
	}
	return nil
}

// Contains reports whether d has already been committed.
func (l *Log) Contains(d Digest) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[d]
	return ok
}

// Add appends d to the journal and records it in memory. It does not
// fsync; call Flush before any packet keyed by d is allowed to leave
// the mix pool (spec §4.3, §5: "replay-log commits must be durable
// before the corresponding packet's emission").
func (l *Log) Add(d Digest) error {
	const op = "replay.Add"
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[d]; ok {
		return nil
	}
	if _, err := l.jrnl.Write(d[:]); err != nil {
		return errors.E(op, errors.IO, err)
	}
	l.seen[d] = struct{}{}
	return nil
}

// Flush fsyncs the journal so every Add since the last Flush is
// durable.
func (l *Log) Flush() error {
	const op = "replay.Flush"
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.jrnl.Sync(); err != nil {
		return errors.E(op, errors.IO, err)
	}
	return nil
}

// Compact rewrites basePath to hold every digest currently known and
// truncates the journal, bounding the journal's growth. It is safe to
// call at any low-traffic point (e.g. during the SHRED event).
func (l *Log) Compact() error {
	const op = "replay.Compact"
	l.mu.Lock()
	defer l.mu.Unlock()

	tmp := l.basePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.E(op, errors.IO, err)
	}
	w := bufio.NewWriter(f)
	for d := range l.seen {
		if _, err := w.Write(d[:]); err != nil {
			f.Close()
			return errors.E(op, errors.IO, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.E(op, errors.IO, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.E(op, errors.IO, err)
	}
	if err := f.Close(); err != nil {
		return errors.E(op, errors.IO, err)
	}
	if err := os.Rename(tmp, l.basePath); err != nil {
		return errors.E(op, errors.IO, err)
	}

	l.jrnl.Close()
	jf, err := os.OpenFile(l.jrnlPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.E(op, errors.IO, err)
	}
	l.jrnl = jf
	return nil
}

// Close releases the journal file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.jrnl.Close()
}
