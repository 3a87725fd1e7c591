// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package workers runs the processing and cleaning threads spec §4.5
// names: one goroutine draining a channel of unwrap jobs, one
// draining a channel of secure-delete jobs, both supervised by
// golang.org/x/sync/errgroup so a worker's death surfaces to the
// scheduler's health check (spec §4.4 step 2) instead of silently
// stalling the pipeline. Per spec §9's design note, the teacher's
// "ad-hoc callable on a channel, nil sentinel for shutdown" pattern is
// replaced with typed job structs and shutdown-by-close, the
// idiomatic Go equivalent of a sentinel value.
package workers

import (
	"context"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"mixnode.io/errors"
	"mixnode.io/log"
	"mixnode.io/queue"
)

// ProcessingJob asks the processing thread to run one packet through
// the unwrap pipeline.
type ProcessingJob struct {
	Handle queue.Handle
}

// CleaningJob asks the cleaning thread to securely delete one file:
// overwrite then unlink, per spec §4.5.
type CleaningJob struct {
	Path string
}

// Unwrapper is the subset of processor.Processor the processing
// thread drives.
type Unwrapper interface {
	ProcessHandle(h queue.Handle) error
}

// Pool owns the processing and cleaning goroutines and their job
// channels.
type Pool struct {
	processingCh chan ProcessingJob
	cleaningCh   chan CleaningJob

	group   *errgroup.Group
	ctx     context.Context
	closeMu sync.Mutex
	closed  bool
}

// Start launches the processing and cleaning goroutines, backed by
// proc for unwrap jobs. Jobs submitted after Shutdown is called are
// dropped; submit through Submit/SubmitCleaning, which report that
// case as an error rather than panicking on a send to a closed
// channel.
func Start(ctx context.Context, proc Unwrapper, queueDepth int) *Pool {
	group, gctx := errgroup.WithContext(ctx)
	p := &Pool{
		processingCh: make(chan ProcessingJob, queueDepth),
		cleaningCh:   make(chan CleaningJob, queueDepth),
		group:        group,
		ctx:          gctx,
	}

	group.Go(func() error { return p.runProcessing(proc) })
	group.Go(func() error { return p.runCleaning() })
	return p
}

func (p *Pool) runProcessing(proc Unwrapper) error {
	for job := range p.processingCh {
		if err := proc.ProcessHandle(job.Handle); err != nil {
			log.Error.Printf("workers: processing thread terminating: %v", err)
			return errors.E("workers.processing", errors.Internal, err)
		}
	}
	return nil
}

func (p *Pool) runCleaning() error {
	for job := range p.cleaningCh {
		if err := secureDelete(job.Path); err != nil {
			if os.IsNotExist(err) {
				log.Info.Printf("workers: cleaning thread: %s already gone", job.Path)
				continue
			}
			log.Error.Printf("workers: cleaning thread terminating: %v", err)
			return errors.E("workers.cleaning", errors.Internal, err)
		}
	}
	return nil
}

// Submit enqueues a processing job. It returns an error instead of
// panicking if the pool has already been shut down.
func (p *Pool) Submit(h queue.Handle) error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed {
		return errors.E("workers.Submit", errors.IO, errors.Errorf("pool is shut down"))
	}
	p.processingCh <- ProcessingJob{Handle: h}
	return nil
}

// SubmitCleaning enqueues a secure-delete job.
func (p *Pool) SubmitCleaning(path string) error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed {
		return errors.E("workers.SubmitCleaning", errors.IO, errors.Errorf("pool is shut down"))
	}
	p.cleaningCh <- CleaningJob{Path: path}
	return nil
}

// Healthy reports whether both worker goroutines are still running.
// The scheduler's health check calls this on every main-loop
// iteration (spec §4.4 step 2); a dead worker is a fatal condition.
func (p *Pool) Healthy() bool {
	select {
	case <-p.ctx.Done():
		return false
	default:
		return true
	}
}

// Shutdown closes both job channels — the idiomatic-Go equivalent of
// posting a sentinel to each — and waits for both goroutines to
// drain and exit.
func (p *Pool) Shutdown() error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	close(p.processingCh)
	close(p.cleaningCh)
	p.closeMu.Unlock()
	return p.group.Wait()
}
