// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package queue implements the durable, content-addressed-by-random-
// handle spool every stage of the packet pipeline uses: incoming, the
// mix pool, outgoing, and each delivery module's input queue (spec
// §3, §4.3, §6). Entries are plain files named by a random UUID
// handle under the queue's directory; writes land atomically via a
// temp-name-then-rename, mirroring the teacher's store service
// (store/teststore/store.go) generalized from an in-memory blob map to
// a durable directory and from a content hash to a random handle, per
// spec.md §3's "content-addressed by random handle".
package queue

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"mixnode.io/errors"
)

// Handle names one queue entry.
type Handle string

const tombstoneDirName = ".tombstone"

// Queue is a durable on-disk spool.
type Queue struct {
	dir          string
	tombstoneDir string
	mu           sync.Mutex
}

// Open creates dir (and its tombstone subdirectory) if needed and
// returns a Queue bound to it.
func Open(dir string) (*Queue, error) {
	const op = "queue.Open"
	tombstoneDir := filepath.Join(dir, tombstoneDirName)
	if err := os.MkdirAll(tombstoneDir, 0o700); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	return &Queue{dir: dir, tombstoneDir: tombstoneDir}, nil
}

// Put durably writes data under a fresh random handle: write to a
// temp name, fsync, rename into place (spec §4.3's incoming-queue
// persistence rule, reused by every other stage).
func (q *Queue) Put(data []byte) (Handle, error) {
	const op = "queue.Put"
	h := Handle(uuid.NewString())
	if err := q.putAt(h, data); err != nil {
		return "", errors.E(op, errors.IO, err)
	}
	return h, nil
}

func (q *Queue) putAt(h Handle, data []byte) error {
	final := q.path(h)
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, final)
}

// Get loads the bytes stored under h.
func (q *Queue) Get(h Handle) ([]byte, error) {
	const op = "queue.Get"
	data, err := os.ReadFile(q.path(h))
	if os.IsNotExist(err) {
		return nil, errors.E(op, errors.Handle(h), errors.NotExist, err)
	}
	if err != nil {
		return nil, errors.E(op, errors.Handle(h), errors.IO, err)
	}
	return data, nil
}

// Delete removes h's entry outright (no secure overwrite). The mix pool
// and the outgoing queue retire their entries this way.
func (q *Queue) Delete(h Handle) error {
	const op = "queue.Delete"
	if err := os.Remove(q.path(h)); err != nil && !os.IsNotExist(err) {
		return errors.E(op, errors.Handle(h), errors.IO, err)
	}
	return nil
}

// Tombstone moves h's entry into the queue's tombstone area, where the
// cleaning thread will securely delete it (spec §4.5's cleaning
// thread contract). It is the normal way to retire a queue entry
// whose plaintext must not linger on disk.
func (q *Queue) Tombstone(h Handle) error {
	const op = "queue.Tombstone"
	src := q.path(h)
	dst := filepath.Join(q.tombstoneDir, string(h))
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.E(op, errors.Handle(h), errors.IO, err)
	}
	return nil
}

// Tombstones lists the full paths of entries awaiting secure deletion.
func (q *Queue) Tombstones() ([]string, error) {
	const op = "queue.Tombstones"
	entries, err := os.ReadDir(q.tombstoneDir)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(q.tombstoneDir, e.Name()))
	}
	return paths, nil
}

// MoveTo atomically hands h's bytes to dest under a fresh handle and
// removes them from q. If q and dest share a
// filesystem this is a single rename; otherwise it falls back to a
// durable copy-then-delete.
func (q *Queue) MoveTo(h Handle, dest *Queue) (Handle, error) {
	const op = "queue.MoveTo"
	newHandle := Handle(uuid.NewString())
	if err := os.Rename(q.path(h), dest.path(newHandle)); err == nil {
		return newHandle, nil
	}
	data, err := q.Get(h)
	if err != nil {
		return "", err
	}
	if err := dest.putAt(newHandle, data); err != nil {
		return "", errors.E(op, errors.IO, err)
	}
	if err := q.Delete(h); err != nil {
		return "", err
	}
	return newHandle, nil
}

// Handles lists every live (non-tombstoned) entry, used at startup to
// re-enqueue surviving work (spec §4.3: "On start-up, re-enqueue every
// surviving handle").
func (q *Queue) Handles() ([]Handle, error) {
	const op = "queue.Handles"
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	var handles []Handle
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == tombstoneDirName || filepath.Ext(name) == ".tmp" {
			continue
		}
		handles = append(handles, Handle(name))
	}
	return handles, nil
}

func (q *Queue) path(h Handle) string {
	return filepath.Join(q.dir, string(h))
}
