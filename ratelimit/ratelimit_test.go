// Copyright 2017 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterBackoffSchedule(t *testing.T) {
	r := RateLimiter{
		Backoff: 10 * time.Second,
		Max:     99 * time.Second,
	}

	now := time.Date(2017, time.January, 1, 0, 0, 0, 0, time.UTC)

	const a, b = "a", "b"
	cases := []struct {
		key  string
		sec  int
		want bool
		len  int
	}{
		{a, 0, true, 1},
		{a, 1, false, 1},
		{a, 9, false, 1},
		{a, 10, false, 1},
		{a, 11, true, 1},

		{b, 15, true, 2},
		{"c", 24, true, 3},
		{"d", 31, true, 4},

		{a, 22, false, 4},
		{a, 31, false, 4},
		{a, 32, true, 4},

		{b, 40, true, 4},

		{a, 200, true, 4},
		{a, 210, false, 4},
		{a, 211, true, 4},
		{a, 320, true, 4},
	}
	for _, c := range cases {
		got, _ := r.Pass(now.Add(time.Duration(c.sec)*time.Second), c.key)
		assert.Equalf(t, c.want, got, "%d seconds for %q", c.sec, c.key)
	}
}

func TestRateLimiterPurgesOldestVisitor(t *testing.T) {
	r := RateLimiter{Backoff: 10 * time.Second, Max: 99 * time.Second}
	now := time.Now()

	for i := 0; i < rateMaxVisitors+1; i++ {
		now = now.Add(time.Nanosecond)
		r.Pass(now, fmt.Sprint(i))
	}

	ok, _ := r.Pass(now, "0")
	assert.True(t, ok, "key 0 should have been purged")

	k := fmt.Sprint(rateMaxVisitors)
	ok, _ = r.Pass(now, k)
	assert.False(t, ok, "key %v should not have been purged", k)
}
