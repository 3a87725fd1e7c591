// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mixpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimedMixFlushesEverything(t *testing.T) {
	p, err := Open(t.TempDir(), Timed, 5, 0.6)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Insert("relay", []byte("packet")))
	}
	assert.Equal(t, 10, p.Count())

	sink := &collectingSink{}
	require.NoError(t, p.Mix(sink))
	assert.Equal(t, 0, p.Count())
	assert.Len(t, sink.delivered, 10)
}

func TestCottrellSendsNoneBelowMinPool(t *testing.T) {
	p, err := Open(t.TempDir(), Cottrell, 5, 0.6)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Insert("relay", []byte("packet")))
	}
	sink := &collectingSink{}
	require.NoError(t, p.Mix(sink))
	assert.Equal(t, 3, p.Count())
	assert.Empty(t, sink.delivered)
}

func TestCottrellSendsExpectedCount(t *testing.T) {
	p, err := Open(t.TempDir(), Cottrell, 5, 0.6)
	require.NoError(t, err)
	for i := 0; i < 15; i++ {
		require.NoError(t, p.Insert("relay", []byte("packet")))
	}
	sink := &collectingSink{}
	require.NoError(t, p.Mix(sink))
	// floor((15-5)*0.6) = 6
	assert.Equal(t, 9, p.Count())
	assert.Len(t, sink.delivered, 6)
}

func TestBinomialCottrellNeverExceedsPoolSize(t *testing.T) {
	p, err := Open(t.TempDir(), BinomialCottrell, 5, 0.6)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Insert("exit", []byte("packet")))
	}
	sink := &collectingSink{}
	require.NoError(t, p.Mix(sink))
	assert.LessOrEqual(t, len(sink.delivered), 20)
}

func TestMixPreservesTagThroughReopen(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(dir, Timed, 5, 0.6)
	require.NoError(t, err)
	require.NoError(t, p.Insert("exit", []byte("hello")))

	reopened, err := Open(dir, Timed, 5, 0.6)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Count())

	sink := &collectingSink{}
	require.NoError(t, reopened.Mix(sink))
	require.Len(t, sink.delivered, 1)
	assert.Equal(t, "exit", sink.tags[0])
	assert.Equal(t, "hello", sink.delivered[0])
}

type collectingSink struct {
	delivered []string
	tags      []string
}

func (c *collectingSink) Deliver(tag string, payload []byte) error {
	c.tags = append(c.tags, tag)
	c.delivered = append(c.delivered, string(payload))
	return nil
}
