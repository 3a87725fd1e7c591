// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package outgoing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	outcomes map[string][]Outcome // dest -> outcomes to return, consumed in order
	err      map[string]error
	calls    []call
}

type call struct {
	dest     string
	payloads [][]byte
}

func (f *fakeTransport) Deliver(ctx context.Context, dest string, payloads [][]byte) ([]Outcome, error) {
	f.calls = append(f.calls, call{dest, payloads})
	if err, ok := f.err[dest]; ok {
		return nil, err
	}
	return f.outcomes[dest], nil
}

func TestDeliverSuccessRemovesEntry(t *testing.T) {
	q, err := Open(t.TempDir(), []int{60, 300})
	require.NoError(t, err)
	_, err = q.Add("mix@example.com", []byte("packet-1"))
	require.NoError(t, err)

	transport := &fakeTransport{outcomes: map[string][]Outcome{"mix@example.com": {Success}}}
	require.NoError(t, q.Deliver(context.Background(), time.Now(), transport))

	count, err := q.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestDeliverTransientReschedulesWithBackoff(t *testing.T) {
	q, err := Open(t.TempDir(), []int{60, 300})
	require.NoError(t, err)
	_, err = q.Add("mix@example.com", []byte("packet-1"))
	require.NoError(t, err)

	now := time.Now()
	transport := &fakeTransport{outcomes: map[string][]Outcome{"mix@example.com": {Transient}}}
	require.NoError(t, q.Deliver(context.Background(), now, transport))

	count, err := q.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count, "entry should still be queued for retry")

	// Not yet due: second delivery attempt at `now` should not re-call transport.
	require.NoError(t, q.Deliver(context.Background(), now, transport))
	assert.Len(t, transport.calls, 1)

	// Due after the first schedule interval elapses.
	require.NoError(t, q.Deliver(context.Background(), now.Add(61*time.Second), transport))
	assert.Len(t, transport.calls, 2)
}

func TestDeliverPermanentRemovesEntry(t *testing.T) {
	q, err := Open(t.TempDir(), []int{60})
	require.NoError(t, err)
	_, err = q.Add("mix@example.com", []byte("packet-1"))
	require.NoError(t, err)

	transport := &fakeTransport{outcomes: map[string][]Outcome{"mix@example.com": {Permanent}}}
	require.NoError(t, q.Deliver(context.Background(), time.Now(), transport))

	count, err := q.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestDeliverExhaustsScheduleThenDrops(t *testing.T) {
	q, err := Open(t.TempDir(), []int{1})
	require.NoError(t, err)
	_, err = q.Add("mix@example.com", []byte("packet-1"))
	require.NoError(t, err)

	now := time.Now()
	transport := &fakeTransport{outcomes: map[string][]Outcome{"mix@example.com": {Transient}}}
	require.NoError(t, q.Deliver(context.Background(), now, transport))
	count, err := q.Count()
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// Second attempt after the lone schedule slot is consumed: retryCount
	// (1) >= len(schedule) (1), so the entry is dropped rather than
	// rescheduled again.
	require.NoError(t, q.Deliver(context.Background(), now.Add(2*time.Second), transport))
	count, err = q.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestDeliverGroupsByDestination(t *testing.T) {
	q, err := Open(t.TempDir(), []int{60})
	require.NoError(t, err)
	_, err = q.Add("a@example.com", []byte("one"))
	require.NoError(t, err)
	_, err = q.Add("a@example.com", []byte("two"))
	require.NoError(t, err)
	_, err = q.Add("b@example.com", []byte("three"))
	require.NoError(t, err)

	transport := &fakeTransport{outcomes: map[string][]Outcome{
		"a@example.com": {Success, Success},
		"b@example.com": {Success},
	}}
	require.NoError(t, q.Deliver(context.Background(), time.Now(), transport))

	require.Len(t, transport.calls, 2)
	byDest := map[string]int{}
	for _, c := range transport.calls {
		byDest[c.dest] = len(c.payloads)
	}
	assert.Equal(t, 2, byDest["a@example.com"])
	assert.Equal(t, 1, byDest["b@example.com"])
}

func TestDeliverTransportErrorTreatsBatchAsTransient(t *testing.T) {
	q, err := Open(t.TempDir(), []int{60})
	require.NoError(t, err)
	_, err = q.Add("mix@example.com", []byte("packet-1"))
	require.NoError(t, err)

	transport := &fakeTransport{err: map[string]error{"mix@example.com": assertErr{}}}
	require.NoError(t, q.Deliver(context.Background(), time.Now(), transport))

	count, err := q.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count, "connection failure should reschedule, not drop")
}

type assertErr struct{}

func (assertErr) Error() string { return "connection refused" }
