// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package outgoing implements the delivery queue that feeds the MMTP
// transport: per-entry retry counters against a configured retry
// schedule, grouped by destination address on each delivery cycle
// (spec §4.3's "_deliverMessages"). Reuses queue's atomic-rename
// spool for durability, exactly as the teacher's store layer is
// reused for other durable collections in this module.
package outgoing

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"mixnode.io/errors"
	"mixnode.io/log"
	"mixnode.io/queue"
)

// Outcome is what the transport reports for one delivered payload.
type Outcome int

const (
	Success Outcome = iota
	Transient
	Permanent
)

// Transport hands a batch of payloads bound for dest to the wire.
// Returning a non-nil error means the whole batch could not even be
// attempted (e.g. connection refused); every entry in the batch is
// then treated as Transient.
type Transport interface {
	Deliver(ctx context.Context, dest string, payloads [][]byte) ([]Outcome, error)
}

type record struct {
	Destination string    `json:"destination"`
	Payload     []byte    `json:"payload"`
	RetryCount  int       `json:"retry_count"`
	NextAttempt time.Time `json:"next_attempt"`
}

// Queue is the durable retry-ladder delivery queue.
type Queue struct {
	store         *queue.Queue
	retrySchedule []int // seconds
}

// Open loads dir as the queue's backing store.
func Open(dir string, retrySchedule []int) (*Queue, error) {
	const op = "outgoing.Open"
	store, err := queue.Open(dir)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	return &Queue{store: store, retrySchedule: retrySchedule}, nil
}

// Add enqueues payload for delivery to dest, eligible immediately.
func (q *Queue) Add(dest string, payload []byte) (queue.Handle, error) {
	const op = "outgoing.Add"
	rec := record{Destination: dest, Payload: payload, NextAttempt: time.Time{}}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", errors.E(op, errors.Internal, err)
	}
	h, err := q.store.Put(data)
	if err != nil {
		return "", errors.E(op, errors.IO, err)
	}
	return h, nil
}

// Deliver groups every entry whose NextAttempt has arrived by
// destination and hands each group to transport as one batch. On
// Success the entry is deleted; on Transient it is rescheduled to
// now+schedule[retryCount]; on Permanent, or once the schedule is
// exhausted, it is deleted (spec §4.3).
func (q *Queue) Deliver(ctx context.Context, now time.Time, transport Transport) error {
	const op = "outgoing.Deliver"
	handles, err := q.store.Handles()
	if err != nil {
		return errors.E(op, errors.IO, err)
	}

	type pending struct {
		handle queue.Handle
		rec    record
	}
	groups := map[string][]pending{}
	for _, h := range handles {
		data, err := q.store.Get(h)
		if err != nil {
			continue
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			log.Error.Printf("outgoing: dropping unreadable entry %s: %v", h, err)
			q.store.Delete(h)
			continue
		}
		if rec.NextAttempt.After(now) {
			continue
		}
		groups[rec.Destination] = append(groups[rec.Destination], pending{h, rec})
	}

	// Stable destination order keeps delivery deterministic for tests
	// and logs; it has no bearing on the mix pool's unlinkability
	// guarantees, which live entirely upstream of this queue.
	var dests []string
	for d := range groups {
		dests = append(dests, d)
	}
	sort.Strings(dests)

	for _, dest := range dests {
		group := groups[dest]
		payloads := make([][]byte, len(group))
		for i, p := range group {
			payloads[i] = p.rec.Payload
		}
		outcomes, derr := transport.Deliver(ctx, dest, payloads)
		if derr != nil {
			log.Error.Printf("outgoing: delivery to %s failed: %v", dest, derr)
			outcomes = make([]Outcome, len(group))
			for i := range outcomes {
				outcomes[i] = Transient
			}
		}
		for i, p := range group {
			outcome := Transient
			if i < len(outcomes) {
				outcome = outcomes[i]
			}
			q.resolve(p.handle, p.rec, outcome, now)
		}
	}
	return nil
}

func (q *Queue) resolve(h queue.Handle, rec record, outcome Outcome, now time.Time) {
	switch outcome {
	case Success:
		q.deleteEntry(h)
	case Permanent:
		q.deleteEntry(h)
	case Transient:
		if rec.RetryCount >= len(q.retrySchedule) {
			log.Info.Printf("outgoing: %s exhausted retry schedule, dropping", h)
			q.deleteEntry(h)
			return
		}
		delay := time.Duration(q.retrySchedule[rec.RetryCount]) * time.Second
		rec.RetryCount++
		rec.NextAttempt = now.Add(delay)
		data, err := json.Marshal(rec)
		if err != nil {
			log.Error.Printf("outgoing: could not re-encode %s: %v", h, err)
			return
		}
		if err := q.store.Delete(h); err != nil {
			log.Error.Printf("outgoing: could not clear %s before reschedule: %v", h, err)
		}
		if _, err := q.store.Put(data); err != nil {
			log.Error.Printf("outgoing: could not reschedule entry for %s: %v", rec.Destination, err)
		}
	}
}

func (q *Queue) deleteEntry(h queue.Handle) {
	if err := q.store.Delete(h); err != nil {
		log.Error.Printf("outgoing: could not delete %s: %v", h, err)
	}
}

// Count returns the number of entries currently queued, delivered or
// not.
func (q *Queue) Count() (int, error) {
	handles, err := q.store.Handles()
	if err != nil {
		return 0, err
	}
	return len(handles), nil
}
