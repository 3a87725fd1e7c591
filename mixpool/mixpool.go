// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mixpool implements the batching core of the packet
// pipeline: a durable set of tagged packets that, on every mix tick,
// selects a batch per its configured algorithm and atomically hands
// the batch to the appropriate downstream queue (spec §4.3). Grounded
// on original_source/lib/mixminion/server/ServerMain.py's MixPool and
// *MixQueue classes for the lock-across-getBatch-and-removal ordering
// and the three selection algorithms' exact math.
package mixpool

import (
	"crypto/rand"
	"math/big"
	"sync"

	"mixnode.io/errors"
	"mixnode.io/log"
	"mixnode.io/queue"
)

// Algorithm selects how many (and which) pooled entries a mix tick
// releases (spec §4.3).
type Algorithm int

const (
	Timed Algorithm = iota
	Cottrell
	BinomialCottrell
)

// ParseAlgorithm maps a config string to an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "timed":
		return Timed, nil
	case "cottrell":
		return Cottrell, nil
	case "binomial-cottrell":
		return BinomialCottrell, nil
	}
	return 0, errors.Errorf("unknown mix algorithm %q", s)
}

// Sink is where a batch's entries go once selected: the outgoing
// queue for relay-tagged packets, the exit dispatcher for exit-tagged
// ones.
type Sink interface {
	Deliver(tag string, payload []byte) error
}

// Entry is one pooled packet.
type entry struct {
	handle queue.Handle
	tag    string
}

// Pool is the durable, lock-guarded mix pool.
type Pool struct {
	mu        sync.Mutex
	store     *queue.Queue
	algorithm Algorithm
	minPool   int
	sendRate  float64
	entries   map[queue.Handle]string // handle -> tag
}

// Open loads dir as the pool's durable backing store, re-enumerating
// any entries that survived a restart.
func Open(dir string, algorithm Algorithm, minPool int, sendRate float64) (*Pool, error) {
	const op = "mixpool.Open"
	store, err := queue.Open(dir)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	p := &Pool{
		store:     store,
		algorithm: algorithm,
		minPool:   minPool,
		sendRate:  sendRate,
		entries:   map[queue.Handle]string{},
	}
	handles, err := store.Handles()
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	for _, h := range handles {
		// Tag was encoded as the first line of the stored payload by
		// Insert; recover it on reload.
		data, err := store.Get(h)
		if err != nil {
			continue
		}
		tag, _ := splitTag(data)
		p.entries[h] = tag
	}
	return p, nil
}

// Insert durably adds payload to the pool under tag ("relay" or
// "exit"). Implements processor.Pool.
func (p *Pool) Insert(tag string, payload []byte) error {
	const op = "mixpool.Insert"
	p.mu.Lock()
	defer p.mu.Unlock()
	h, err := p.store.Put(joinTag(tag, payload))
	if err != nil {
		return errors.E(op, errors.IO, err)
	}
	p.entries[h] = tag
	return nil
}

// Count returns the number of pooled entries.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Mix selects a batch under the pool's lock, delivers each entry to
// sink, and removes delivered entries, all before releasing the lock
// (spec §4.3: "a lock held across getBatch() + removal prevents
// interleaved inserts"). Callers must flush the relevant replay logs
// before calling Mix, so a crash mid-mix never double-emits a packet.
func (p *Pool) Mix(sink Sink) error {
	const op = "mixpool.Mix"
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == 0 {
		return nil
	}
	batch, err := p.selectBatch()
	if err != nil {
		return errors.E(op, errors.Internal, err)
	}
	log.Info.Printf("mixpool: %d entries pooled, delivering %d", len(p.entries), len(batch))

	for _, h := range batch {
		data, err := p.store.Get(h)
		if err != nil {
			log.Error.Printf("mixpool: could not load %s: %v", h, err)
			continue
		}
		_, payload := splitTag(data)
		tag := p.entries[h]
		if err := sink.Deliver(tag, payload); err != nil {
			return errors.E(op, errors.IO, err)
		}
		if err := p.store.Delete(h); err != nil {
			log.Error.Printf("mixpool: could not remove %s: %v", h, err)
		}
		delete(p.entries, h)
	}
	return nil
}

// selectBatch dispatches to the configured algorithm. Ties are broken
// by a cryptographically random draw, never insertion order (spec
// §4.3, §5: output order must be statistically independent of input).
func (p *Pool) selectBatch() ([]queue.Handle, error) {
	handles := make([]queue.Handle, 0, len(p.entries))
	for h := range p.entries {
		handles = append(handles, h)
	}
	switch p.algorithm {
	case Timed:
		return handles, nil
	case Cottrell:
		return cottrellSelect(handles, p.minPool, p.sendRate)
	case BinomialCottrell:
		return binomialCottrellSelect(handles, p.minPool, p.sendRate)
	}
	return nil, errors.Errorf("unknown algorithm %v", p.algorithm)
}

// cottrellSelect sends max(0, floor((n-minPool)*sendRate)) uniformly
// random entries; if n <= minPool, none (spec §4.3).
func cottrellSelect(handles []queue.Handle, minPool int, sendRate float64) ([]queue.Handle, error) {
	n := len(handles)
	if n <= minPool {
		return nil, nil
	}
	count := int(float64(n-minPool) * sendRate)
	if count < 0 {
		count = 0
	}
	if count > n {
		count = n
	}
	shuffled, err := shuffle(handles)
	if err != nil {
		return nil, err
	}
	return shuffled[:count], nil
}

// binomialCottrellSelect sends each of the n entries independently
// with probability p = max(0, (n-minPool)/n) * sendRate (spec §4.3).
func binomialCottrellSelect(handles []queue.Handle, minPool int, sendRate float64) ([]queue.Handle, error) {
	n := len(handles)
	if n == 0 {
		return nil, nil
	}
	prob := float64(n-minPool) / float64(n)
	if prob < 0 {
		prob = 0
	}
	prob *= sendRate

	var batch []queue.Handle
	for _, h := range handles {
		draw, err := randomFloat()
		if err != nil {
			return nil, err
		}
		if draw < prob {
			batch = append(batch, h)
		}
	}
	return batch, nil
}

// shuffle returns a cryptographically-random permutation of handles
// (Fisher-Yates using crypto/rand, never math/rand: spec §5 requires
// output order be statistically independent of input, matching the
// teacher's own crypto packages' avoidance of math/rand for anything
// security relevant).
func shuffle(handles []queue.Handle) ([]queue.Handle, error) {
	out := append([]queue.Handle(nil), handles...)
	for i := len(out) - 1; i > 0; i-- {
		j, err := randomInt(i + 1)
		if err != nil {
			return nil, err
		}
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func randomInt(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

// randomFloat returns a uniform value in [0, 1) drawn from
// crypto/rand.
func randomFloat() (float64, error) {
	const denom = 1 << 53
	v, err := rand.Int(rand.Reader, big.NewInt(denom))
	if err != nil {
		return 0, err
	}
	return float64(v.Int64()) / float64(denom), nil
}

const tagSeparator = '\n'

func joinTag(tag string, payload []byte) []byte {
	out := make([]byte, 0, len(tag)+1+len(payload))
	out = append(out, tag...)
	out = append(out, tagSeparator)
	out = append(out, payload...)
	return out
}

func splitTag(data []byte) (string, []byte) {
	for i, b := range data {
		if b == tagSeparator {
			return string(data[:i]), data[i+1:]
		}
	}
	return "", data
}
