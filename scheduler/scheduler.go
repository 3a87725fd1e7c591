// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package scheduler drives the main event loop (spec §4.4): a
// container/heap timer min-heap of (deadline, kind) events, cooperative
// transport polling bounded to 2s per step, signal handling, and
// worker-thread health checks. container/heap is the only fit here —
// spec §9 names this exact data structure, and reimplementing it atop
// a third-party priority-queue library would fight the spec rather
// than follow it.
package scheduler

import (
	"container/heap"
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"mixnode.io/errors"
	"mixnode.io/log"
	"mixnode.io/transport"
	"mixnode.io/workers"
)

// Kind identifies an event on the timer heap (spec §4.4).
type Kind int

const (
	Mix Kind = iota
	Timeout
	Shred
)

func (k Kind) String() string {
	switch k {
	case Mix:
		return "MIX"
	case Timeout:
		return "TIMEOUT"
	case Shred:
		return "SHRED"
	}
	return "UNKNOWN"
}

type timerEvent struct {
	deadline time.Time
	kind     Kind
}

type timerHeap []timerEvent

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(timerEvent)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Handlers are the event-kind callbacks the scheduler dispatches to.
// Each receives the dispatch time and returns an error classified per
// spec §7; an Internal or IO class error is treated as fatal and stops
// the loop, everything else is logged and the loop continues.
type Handlers struct {
	Mix     func(now time.Time) error
	Timeout func(now time.Time) error
	Shred   func(now time.Time) error
}

// Scheduler is the single main-loop thread spec §5 names.
type Scheduler struct {
	transport transport.MMTP
	pool      *workers.Pool
	handlers  Handlers

	mixInterval     time.Duration
	timeoutInterval time.Duration
	shredInterval   time.Duration

	pollHorizon time.Duration // 2s, per spec §4.4 step 2

	mu   sync.Mutex
	heap timerHeap

	stopping int32
	gotHup   int32

	sigCh chan os.Signal
}

// New returns a Scheduler ready for Run. now is the time the initial
// timer deadlines are computed from.
func New(mmtp transport.MMTP, pool *workers.Pool, mixInterval, timeoutInterval, shredInterval time.Duration, handlers Handlers, now time.Time) *Scheduler {
	s := &Scheduler{
		transport:       mmtp,
		pool:            pool,
		handlers:        handlers,
		mixInterval:     mixInterval,
		timeoutInterval: timeoutInterval,
		shredInterval:   shredInterval,
		pollHorizon:     2 * time.Second,
		sigCh:           make(chan os.Signal, 1),
	}
	heap.Init(&s.heap)
	heap.Push(&s.heap, timerEvent{deadline: now.Add(mixInterval), kind: Mix})
	heap.Push(&s.heap, timerEvent{deadline: now.Add(timeoutInterval), kind: Timeout})
	heap.Push(&s.heap, timerEvent{deadline: now.Add(shredInterval), kind: Shred})
	return s
}

// Run executes the main loop until SIGTERM, ctx is done, a worker
// dies, or a handler returns a fatal-class error (spec §4.4, §7).
// SIGHUP logs a reset notice and continues (spec §4.4's "log reset").
func (s *Scheduler) Run(ctx context.Context) error {
	signal.Notify(s.sigCh, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(s.sigCh)

	go s.watchSignals()

	for {
		if atomic.LoadInt32(&s.stopping) != 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		s.mu.Lock()
		head := s.heap[0]
		s.mu.Unlock()

		now := time.Now()
		timeLeft := head.deadline.Sub(now)
		for timeLeft > 0 {
			pollTimeout := timeLeft
			if pollTimeout > s.pollHorizon {
				pollTimeout = s.pollHorizon
			}
			if err := s.transport.Process(ctx, pollTimeout); err != nil {
				log.Error.Printf("scheduler: transport.Process: %v", err)
			}

			if atomic.LoadInt32(&s.stopping) != 0 {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if atomic.CompareAndSwapInt32(&s.gotHup, 1, 0) {
				log.Info.Printf("scheduler: SIGHUP received, log reset")
			}
			if s.pool != nil && !s.pool.Healthy() {
				log.Error.Printf("scheduler: a worker thread has died, shutting down")
				return errors.E("scheduler.Run", errors.Internal, errors.Str("worker thread died"))
			}

			now = time.Now()
			timeLeft = head.deadline.Sub(now)
		}

		s.mu.Lock()
		ev := heap.Pop(&s.heap).(timerEvent)
		s.mu.Unlock()

		if err := s.dispatch(ev, now); err != nil {
			return err
		}
	}
}

func (s *Scheduler) dispatch(ev timerEvent, now time.Time) error {
	var err error
	var next time.Duration
	switch ev.kind {
	case Mix:
		if s.handlers.Mix != nil {
			err = s.handlers.Mix(now)
		}
		next = s.mixInterval
	case Timeout:
		if s.handlers.Timeout != nil {
			err = s.handlers.Timeout(now)
		}
		next = s.timeoutInterval
	case Shred:
		if s.handlers.Shred != nil {
			err = s.handlers.Shred(now)
		}
		next = s.shredInterval
	}

	s.mu.Lock()
	heap.Push(&s.heap, timerEvent{deadline: now.Add(next), kind: ev.kind})
	s.mu.Unlock()

	if err != nil {
		if fatal(err) {
			log.Error.Printf("scheduler: %s handler returned fatal error: %v", ev.kind, err)
			return err
		}
		log.Error.Printf("scheduler: %s handler error: %v", ev.kind, err)
	}
	return nil
}

func fatal(err error) bool {
	e, ok := err.(*errors.Error)
	if !ok {
		return false
	}
	return e.Class == errors.Internal || e.Class == errors.IO
}

func (s *Scheduler) watchSignals() {
	for sig := range s.sigCh {
		switch sig {
		case syscall.SIGTERM:
			s.Stop()
		case syscall.SIGHUP:
			atomic.StoreInt32(&s.gotHup, 1)
		}
	}
}

// Stop sets the STOPPING flag read on every main-loop iteration (spec
// §4.4, §5's cooperative cancellation). It does not itself stop
// workers or close the transport; callers of Run are expected to do
// that once Run returns.
func (s *Scheduler) Stop() {
	atomic.StoreInt32(&s.stopping, 1)
}
