// Copyright 2017 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ratelimit guards the scheduler's inbound side against
// connection floods from a single peer address: an exponential
// per-key backoff, reconstructed against serverutil/rate_test.go's
// observed behavior (the production serverutil/rate.go this module
// tested against did not survive retrieval). Its exponential-backoff
// shape is unrelated to the token-bucket SendLimiter below, which
// paces this node's own outbound sends.
package ratelimit

import (
	"sync"
	"time"
)

// rateMaxVisitors bounds the number of tracked keys; once exceeded,
// the single least-recently-allowed visitor is evicted to bound
// memory under a wide flood.
const rateMaxVisitors = 10000

type visitor struct {
	lastAllowed time.Time
	backoff     time.Duration
}

// RateLimiter enforces an exponentially growing minimum interval
// between successive Pass calls for the same key: Backoff is the
// initial interval, doubling on every allowed call up to Max. A key
// idle longer than Max resets to Backoff, so a peer that stops
// misbehaving for a while isn't punished forever.
type RateLimiter struct {
	Backoff time.Duration
	Max     time.Duration

	mu sync.Mutex
	m  map[string]*visitor
}

// Pass reports whether a call keyed by key is allowed at time now,
// and if not, how much longer the caller must wait.
func (r *RateLimiter) Pass(now time.Time, key string) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		r.m = make(map[string]*visitor)
	}

	v, ok := r.m[key]
	if !ok || now.Sub(v.lastAllowed) > r.Max {
		r.evictOldestLocked()
		r.m[key] = &visitor{lastAllowed: now, backoff: r.Backoff}
		return true, 0
	}

	elapsed := now.Sub(v.lastAllowed)
	if elapsed <= v.backoff {
		return false, v.backoff - elapsed
	}
	v.lastAllowed = now
	v.backoff *= 2
	if v.backoff > r.Max {
		v.backoff = r.Max
	}
	return true, 0
}

// evictOldestLocked drops the single oldest-touched visitor once the
// map is at capacity. Called with mu held.
func (r *RateLimiter) evictOldestLocked() {
	if len(r.m) < rateMaxVisitors {
		return
	}
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, v := range r.m {
		if first || v.lastAllowed.Before(oldestTime) {
			oldestKey, oldestTime = k, v.lastAllowed
			first = false
		}
	}
	delete(r.m, oldestKey)
}
