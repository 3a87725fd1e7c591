// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package processor

import (
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mixnode.io/queue"
	"mixnode.io/replay"
)

type fakeUnwrapper struct {
	result Result
	err    error
}

func (f *fakeUnwrapper) Unwrap(packet []byte, keys []*rsa.PrivateKey, logs []*replay.Log) (Result, error) {
	return f.result, f.err
}

type fakePool struct {
	tag     string
	payload []byte
	err     error
}

func (f *fakePool) Insert(tag string, payload []byte) error {
	f.tag, f.payload = tag, payload
	return f.err
}

func TestProcessHandlePadding(t *testing.T) {
	q, err := queue.Open(t.TempDir())
	require.NoError(t, err)
	h, err := q.Put([]byte("pad"))
	require.NoError(t, err)

	pool := &fakePool{}
	p := New(q, pool, &fakeUnwrapper{result: Result{Outcome: Padding}})
	require.NoError(t, p.ProcessHandle(h))

	_, err = q.Get(h)
	assert.Error(t, err)
	assert.Empty(t, pool.tag)
}

func TestProcessHandleRelayInsertsIntoPool(t *testing.T) {
	q, err := queue.Open(t.TempDir())
	require.NoError(t, err)
	h, err := q.Put([]byte("relay-packet"))
	require.NoError(t, err)

	pool := &fakePool{}
	p := New(q, pool, &fakeUnwrapper{result: Result{Outcome: Relay, Relayed: []byte("forwarded")}})
	require.NoError(t, p.ProcessHandle(h))

	assert.Equal(t, "relay", pool.tag)
	assert.Equal(t, "forwarded", string(pool.payload))
	_, err = q.Get(h)
	assert.Error(t, err)
}

func TestProcessHandleExitInsertsWithTypePrefix(t *testing.T) {
	q, err := queue.Open(t.TempDir())
	require.NoError(t, err)
	h, err := q.Put([]byte("exit-packet"))
	require.NoError(t, err)

	pool := &fakePool{}
	p := New(q, pool, &fakeUnwrapper{result: Result{Outcome: Exit, ExitType: "smtp", ExitBytes: []byte("hello")}})
	require.NoError(t, p.ProcessHandle(h))

	assert.Equal(t, "exit", pool.tag)
	assert.Equal(t, "smtp\nhello", string(pool.payload))
	_, err = q.Get(h)
	assert.Error(t, err)
}

func TestProcessHandleCryptoErrorDropsSilently(t *testing.T) {
	q, err := queue.Open(t.TempDir())
	require.NoError(t, err)
	h, err := q.Put([]byte("garbage"))
	require.NoError(t, err)

	pool := &fakePool{}
	p := New(q, pool, &fakeUnwrapper{result: Result{Outcome: CryptoError}})
	require.NoError(t, p.ProcessHandle(h))

	_, err = q.Get(h)
	assert.Error(t, err)
}

func TestProcessHandleMissingHandleIsIOError(t *testing.T) {
	q, err := queue.Open(t.TempDir())
	require.NoError(t, err)
	pool := &fakePool{}
	p := New(q, pool, &fakeUnwrapper{})
	err = p.ProcessHandle("does-not-exist")
	assert.Error(t, err)
}
