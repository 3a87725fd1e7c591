// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mixnode.io/exitmod"
	"mixnode.io/outgoing"
)

func newTestSink(t *testing.T) (*pipelineSink, *outgoing.Queue, *exitmod.Dispatcher) {
	outq, err := outgoing.Open(t.TempDir(), []int{60})
	require.NoError(t, err)
	dispatcher := exitmod.New()
	return &pipelineSink{outgoing: outq, dispatcher: dispatcher}, outq, dispatcher
}

func TestPipelineSinkRelayQueuesForDestination(t *testing.T) {
	sink, outq, _ := newTestSink(t)

	require.NoError(t, sink.Deliver("relay", []byte("node2.example:48099\nforwarded-bytes")))

	count, err := outq.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPipelineSinkExitRoutesByDeliveryType(t *testing.T) {
	sink, _, dispatcher := newTestSink(t)
	mod := &exitmod.TestModule{}
	dispatcher.Register("smtp", mod)

	require.NoError(t, sink.Deliver("exit", []byte("smtp\nhello world")))

	assert.Equal(t, [][]byte{[]byte("hello world")}, mod.Delivered())
}

func TestPipelineSinkUnknownTagErrors(t *testing.T) {
	sink, _, _ := newTestSink(t)
	err := sink.Deliver("bogus", []byte("whatever"))
	assert.Error(t, err)
}

func TestPipelineSinkRelayMissingAddressErrors(t *testing.T) {
	sink, _, _ := newTestSink(t)
	err := sink.Deliver("relay", []byte("\nno-address"))
	assert.Error(t, err)
}

func TestPipelineSinkExitMissingTypeErrors(t *testing.T) {
	sink, _, _ := newTestSink(t)
	err := sink.Deliver("exit", []byte("\nno-type"))
	assert.Error(t, err)
}
