// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"sync"
	"time"
)

// Loopback is an in-process MMTP implementation for tests: Send
// records the payload rather than opening a connection, in the same
// spirit as store/teststore/store.go's in-memory blob map.
type Loopback struct {
	mu       sync.Mutex
	sent     map[string][][]byte
	failAddr map[string]error
	reaped   int
}

var _ MMTP = (*Loopback)(nil)

// NewLoopback returns an empty Loopback transport.
func NewLoopback() *Loopback {
	return &Loopback{sent: map[string][][]byte{}, failAddr: map[string]error{}}
}

// Send implements MMTP.
func (l *Loopback) Send(ctx context.Context, addr string, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failAddr[addr]; err != nil {
		return err
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	l.sent[addr] = append(l.sent[addr], cp)
	return nil
}

// Process implements MMTP. The loopback transport has no background
// work to drive, but it blocks for up to timeout (or until ctx is
// done) so callers that poll it in a loop — the scheduler, chiefly —
// behave under test the way they would against a real blocking
// transport, rather than busy-spinning.
func (l *Loopback) Process(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
		return nil
	}
}

// ReapIdle implements MMTP; the loopback transport holds no
// connections to reap.
func (l *Loopback) ReapIdle() int {
	return l.reaped
}

// SentTo returns every payload sent to addr, in order.
func (l *Loopback) SentTo(addr string) [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.sent[addr]))
	copy(out, l.sent[addr])
	return out
}

// FailAddr makes every subsequent Send to addr return err; pass nil
// to resume succeeding.
func (l *Loopback) FailAddr(addr string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.failAddr, addr)
		return
	}
	l.failAddr[addr] = err
}
