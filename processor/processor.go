// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package processor runs on the processing thread: for each incoming
// handle it loads the packet, invokes the unwrap primitive, and
// classifies the result into one of Padding/Relay/Exit/error (spec
// §4.3). The unwrap primitive itself — "process-one-hop", the
// replay-hash key derivation, and the Sphinx-like packet format — is
// explicitly out of scope (spec §1's Non-goals); Unwrapper is the
// seam a concrete cryptographic implementation plugs into. Shaped
// like the teacher's dir/server request handlers that switch on a
// decoded result enum and dispatch accordingly.
package processor

import (
	"crypto/rsa"
	"sync"

	"mixnode.io/errors"
	"mixnode.io/log"
	"mixnode.io/queue"
	"mixnode.io/replay"
)

// Outcome classifies what Unwrap found in a packet (spec §3, §4.3).
type Outcome int

const (
	Padding Outcome = iota
	Relay
	Exit
	CryptoError
	ParseError
	ContentError
)

// Result is everything the processor needs to act on one Unwrap call.
type Result struct {
	Outcome   Outcome
	Digest    replay.Digest // the packet's replay-hash key
	Relayed   []byte        // next-hop routing info + forwarded ciphertext, if Relay
	ExitType  string        // delivery-type tag, if Exit
	ExitBytes []byte        // decoded payload, if Exit
}

// Unwrapper peels one layer of onion encryption off a packet using
// the given packet keys and checks it against the matching replay
// log, returning a classified Result.
type Unwrapper interface {
	Unwrap(packet []byte, packetKeys []*rsa.PrivateKey, logs []*replay.Log) (Result, error)
}

// Pool is the subset of mixpool.Pool the processor drives: inserting
// a freshly classified packet under a tag.
type Pool interface {
	Insert(tag string, payload []byte) error
}

// Processor owns the current live packet keys and replay logs,
// refreshed by the keyring on each rotation (it implements
// keyring.PacketKeyInstaller).
type Processor struct {
	mu         sync.RWMutex
	incoming   *queue.Queue
	pool       Pool
	unwrapper  Unwrapper
	packetKeys []*rsa.PrivateKey
	replayLogs []*replay.Log
}

// New returns a Processor reading from incoming and inserting
// classified packets into pool.
func New(incoming *queue.Queue, pool Pool, unwrapper Unwrapper) *Processor {
	return &Processor{incoming: incoming, pool: pool, unwrapper: unwrapper}
}

// SetPacketKeys implements keyring.PacketKeyInstaller.
func (p *Processor) SetPacketKeys(keys []*rsa.PrivateKey, logs []*replay.Log) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.packetKeys = keys
	p.replayLogs = logs
}

// ProcessHandle loads handle's bytes, unwraps it, and dispatches on
// the outcome (spec §4.3). It never returns an error for per-packet
// failures — those are logged and the entry is deleted — only for
// queue I/O failures that the caller (the processing thread) should
// treat as fatal.
func (p *Processor) ProcessHandle(h queue.Handle) (err error) {
	const op = "processor.ProcessHandle"
	defer func() {
		if r := recover(); r != nil {
			log.Error.Printf("%s: unexpected panic processing %s: %v", op, h, r)
			p.dropHandle(h)
		}
	}()

	data, loadErr := p.incoming.Get(h)
	if loadErr != nil {
		return errors.E(op, errors.Handle(h), errors.IO, loadErr)
	}

	p.mu.RLock()
	keys, logs := p.packetKeys, p.replayLogs
	p.mu.RUnlock()

	result, uerr := p.unwrapper.Unwrap(data, keys, logs)
	if uerr != nil {
		log.Error.Printf("processor: unwrap error for %s: %v", h, uerr)
		p.dropHandle(h)
		return nil
	}

	switch result.Outcome {
	case Padding:
		p.dropHandle(h)
	case Relay:
		if err := p.pool.Insert("relay", result.Relayed); err != nil {
			return errors.E(op, errors.Handle(h), errors.IO, err)
		}
		p.dropHandle(h)
	case Exit:
		if err := p.pool.Insert("exit", joinExitType(result.ExitType, result.ExitBytes)); err != nil {
			return errors.E(op, errors.Handle(h), errors.IO, err)
		}
		p.dropHandle(h)
	case CryptoError, ParseError, ContentError:
		log.Error.Printf("processor: %s rejected %s (class %v)", op, h, result.Outcome)
		p.dropHandle(h)
	default:
		log.Error.Printf("processor: unknown outcome %v for %s", result.Outcome, h)
		p.dropHandle(h)
	}
	return nil
}

func (p *Processor) dropHandle(h queue.Handle) {
	if err := p.incoming.Tombstone(h); err != nil {
		log.Error.Printf("processor: could not delete %s: %v", h, err)
	}
}

const exitTypeSeparator = '\n'

// joinExitType prepends the delivery-type tag to an exit payload
// before it enters the mix pool, since mixpool.Sink.Deliver receives
// only the pool's own "relay"/"exit" tag and an opaque payload — the
// delivery type has to ride along inside the bytes, the same way
// mixpool itself folds its tag into the stored blob.
func joinExitType(exitType string, payload []byte) []byte {
	out := make([]byte, 0, len(exitType)+1+len(payload))
	out = append(out, exitType...)
	out = append(out, exitTypeSeparator)
	out = append(out, payload...)
	return out
}
