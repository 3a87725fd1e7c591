// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package queue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)

	h, err := q.Put([]byte("packet bytes"))
	require.NoError(t, err)
	data, err := q.Get(h)
	require.NoError(t, err)
	assert.Equal(t, "packet bytes", string(data))
}

func TestHandlesExcludesTombstonesAndTemp(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)

	h1, err := q.Put([]byte("a"))
	require.NoError(t, err)
	_, err = q.Put([]byte("b"))
	require.NoError(t, err)
	require.NoError(t, q.Tombstone(h1))
	require.NoError(t, os.WriteFile(filepath.Join(q.dir, "partial.tmp"), []byte("c"), 0o600))

	handles, err := q.Handles()
	require.NoError(t, err)
	assert.Len(t, handles, 1)
}

func TestMoveToTransfersContentAndRemovesSource(t *testing.T) {
	src, err := Open(t.TempDir())
	require.NoError(t, err)
	dst, err := Open(t.TempDir())
	require.NoError(t, err)

	h, err := src.Put([]byte("payload"))
	require.NoError(t, err)
	newHandle, err := src.MoveTo(h, dst)
	require.NoError(t, err)

	_, err = src.Get(h)
	assert.Error(t, err)
	data, err := dst.Get(newHandle)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestTombstoneThenListForCleaning(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)
	h, err := q.Put([]byte("secret"))
	require.NoError(t, err)
	require.NoError(t, q.Tombstone(h))

	paths, err := q.Tombstones()
	require.NoError(t, err)
	require.Len(t, paths, 1)
}
