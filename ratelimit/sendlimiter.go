// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// SendLimiter paces this node's own outbound MMTP sends per
// destination so a large outgoing backlog doesn't open a burst of
// simultaneous connections to one peer. Unlike RateLimiter above,
// which punishes a misbehaving caller, SendLimiter smooths well-formed
// traffic this node itself generates — hence a token bucket
// (golang.org/x/time/rate) rather than exponential backoff.
type SendLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewSendLimiter returns a SendLimiter allowing rps sustained sends
// per second per destination, with burst allowed immediately.
func NewSendLimiter(rps float64, burst int) *SendLimiter {
	return &SendLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until dest's bucket has a token to spend, or ctx is
// done.
func (s *SendLimiter) Wait(ctx context.Context, dest string) error {
	return s.limiterFor(dest).Wait(ctx)
}

func (s *SendLimiter) limiterFor(dest string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[dest]
	if !ok {
		l = rate.NewLimiter(s.rps, s.burst)
		s.limiters[dest] = l
	}
	return l
}
