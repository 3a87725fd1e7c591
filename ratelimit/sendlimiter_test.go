// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendLimiterAllowsBurstThenPaces(t *testing.T) {
	s := NewSendLimiter(1000, 2) // generous rate, tiny burst, to keep the test fast
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, s.Wait(ctx, "peer-a"))
	require.NoError(t, s.Wait(ctx, "peer-a"))
}

func TestSendLimiterTracksDestinationsIndependently(t *testing.T) {
	s := NewSendLimiter(1000, 1)
	l1 := s.limiterFor("peer-a")
	l2 := s.limiterFor("peer-b")
	assert.NotSame(t, l1, l2)
	assert.Same(t, l1, s.limiterFor("peer-a"))
}
