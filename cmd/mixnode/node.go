// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Node wires every package this spec names into one running daemon,
// in the shape of serverutil/keyserver/main.go's Main(setup
// func(...)) — construct the concrete implementation, give the
// caller a chance to override or inspect it, then run.
package main

import (
	"context"
	"crypto/rsa"
	"path/filepath"
	"time"

	"mixnode.io/config"
	"mixnode.io/exitmod"
	"mixnode.io/identity"
	"mixnode.io/keyring"
	"mixnode.io/lockfile"
	"mixnode.io/log"
	"mixnode.io/mixpool"
	"mixnode.io/outgoing"
	"mixnode.io/processor"
	"mixnode.io/queue"
	"mixnode.io/ratelimit"
	"mixnode.io/replay"
	"mixnode.io/scheduler"
	"mixnode.io/transport"
	"mixnode.io/transport/httpdir"
	"mixnode.io/workers"
)

// Node owns every long-lived component of a running remailer.
type Node struct {
	Config *config.Config

	Identity *identity.Key
	Keyring  *keyring.Keyring

	Incoming   *queue.Queue
	MixPool    *mixpool.Pool
	Outgoing   *outgoing.Queue
	Dispatcher *exitmod.Dispatcher

	Processor *processor.Processor
	Transport transport.MMTP
	Uploader  keyring.Uploader

	RateLimiter *ratelimit.RateLimiter
	SendLimiter *ratelimit.SendLimiter

	Lock      *lockfile.Lock
	Workers   *workers.Pool
	Scheduler *scheduler.Scheduler
}

// NewNode constructs every component from cfg but does not acquire
// the home-directory lock, start workers, or run the scheduler — call
// Start for that. unwrap is the seam spec §1 leaves out of scope (the
// Sphinx-like unwrap primitive); nil installs a placeholder that
// rejects every packet, so the daemon is structurally complete and
// testable without a real cryptographic implementation linked in. A
// nil mmtp installs the in-process Loopback transport, useful for
// dry-running a node without a real network listener.
func NewNode(cfg *config.Config, unwrap processor.Unwrapper, mmtp transport.MMTP) (*Node, error) {
	id, err := identity.Load(cfg.KeysDir(), cfg.IdentityKeyBits)
	if err != nil {
		return nil, err
	}
	kr, err := keyring.Open(cfg, id)
	if err != nil {
		return nil, err
	}

	incoming, err := queue.Open(filepath.Join(cfg.QueuesDir(), "incoming"))
	if err != nil {
		return nil, err
	}
	mixAlg, err := mixpool.ParseAlgorithm(cfg.MixAlgorithm)
	if err != nil {
		return nil, err
	}
	pool, err := mixpool.Open(filepath.Join(cfg.QueuesDir(), "mix"), mixAlg, cfg.MixMinPool, cfg.MixSendRate)
	if err != nil {
		return nil, err
	}
	outq, err := outgoing.Open(filepath.Join(cfg.QueuesDir(), "outgoing"), cfg.RetrySchedule)
	if err != nil {
		return nil, err
	}
	dispatcher := exitmod.New()

	if unwrap == nil {
		unwrap = unimplementedUnwrapper{}
	}
	proc := processor.New(incoming, pool, unwrap)

	if mmtp == nil {
		mmtp = transport.NewLoopback()
	}

	n := &Node{
		Config:      cfg,
		Identity:    id,
		Keyring:     kr,
		Incoming:    incoming,
		MixPool:     pool,
		Outgoing:    outq,
		Dispatcher:  dispatcher,
		Processor:   proc,
		Transport:   mmtp,
		RateLimiter: &ratelimit.RateLimiter{Backoff: time.Second, Max: time.Minute},
		SendLimiter: ratelimit.NewSendLimiter(50, 10),
	}
	if cfg.DirectoryUploadURL != "" {
		n.Uploader = httpdir.NewClient(cfg.DirectoryUploadURL)
	}
	return n, nil
}

// Start acquires the home-directory lock (fatal on contention, per
// spec §5), generates any keys the coverage window requires, installs
// the live packet keys into the processor, starts the worker pool,
// and builds the scheduler.
func (n *Node) Start(ctx context.Context) error {
	lock, err := lockfile.Acquire(n.Config.Home)
	if err != nil {
		return err
	}
	n.Lock = lock

	now := time.Now()
	if err := n.Keyring.CreateKeysAsNeeded(now); err != nil {
		return err
	}
	if _, err := n.Keyring.UpdateKeys(now, n.Processor, noopTransportKeyInstaller{}); err != nil {
		return err
	}

	n.Workers = workers.Start(ctx, n.Processor, 64)

	n.Scheduler = scheduler.New(
		n.Transport,
		n.Workers,
		n.Config.MixInterval.D(),
		2*time.Second,
		n.Config.ShredInterval.D(),
		scheduler.Handlers{
			Mix:     n.onMix,
			Timeout: n.onTimeout,
			Shred:   n.onShred,
		},
		now,
	)
	return nil
}

// Run blocks until the scheduler stops (SIGTERM, a fatal handler
// error, or a dead worker) and then performs the shutdown sequence:
// stop workers, release the lock (spec §4.4's close()).
func (n *Node) Run(ctx context.Context) error {
	runErr := n.Scheduler.Run(ctx)
	if err := n.Workers.Shutdown(); err != nil {
		log.Error.Printf("mixnode: worker shutdown: %v", err)
	}
	if err := n.Lock.Release(); err != nil {
		log.Error.Printf("mixnode: lock release: %v", err)
	}
	return runErr
}

// onMix implements spec §4.4's MIX handler: run the mix tick, then
// drive the outgoing queue's delivery cycle so a freshly pooled relay
// packet doesn't wait a full extra tick before its first send attempt.
func (n *Node) onMix(now time.Time) error {
	if err := n.MixPool.Mix(&pipelineSink{outgoing: n.Outgoing, dispatcher: n.Dispatcher}); err != nil {
		return err
	}
	if err := n.Outgoing.Deliver(context.Background(), now, &transport.BatchAdapter{MMTP: n.Transport, Limiter: n.SendLimiter}); err != nil {
		log.Error.Printf("mixnode: outgoing delivery cycle: %v", err)
	}
	return nil
}

func (n *Node) onTimeout(now time.Time) error {
	n.Transport.ReapIdle()
	return nil
}

// onShred implements spec §4.4's SHRED handler: sweep the incoming
// queue's tombstones, handing each one to the cleaning thread.
// MixPool and Outgoing never tombstone — entries there are deleted
// outright on delivery or retry exhaustion — so they have nothing for
// this sweep to find.
func (n *Node) onShred(now time.Time) error {
	paths, err := n.Incoming.Tombstones()
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := n.Workers.SubmitCleaning(path); err != nil {
			return err
		}
	}
	return nil
}

type noopTransportKeyInstaller struct{}

func (noopTransportKeyInstaller) SetTransportKey(key *rsa.PrivateKey, certChainPEM []byte) {}

var errUnimplemented = processorUnimplementedError{}

type processorUnimplementedError struct{}

func (processorUnimplementedError) Error() string {
	return "mixnode: no unwrap implementation linked into this binary"
}

// unimplementedUnwrapper is the placeholder processor.Unwrapper
// installed when no real cryptographic implementation is supplied:
// spec §1 excludes that implementation from this system's scope, so
// every packet is rejected with a clear, distinctive error rather
// than silently accepted or panicking.
type unimplementedUnwrapper struct{}

func (unimplementedUnwrapper) Unwrap(packet []byte, packetKeys []*rsa.PrivateKey, logs []*replay.Log) (processor.Result, error) {
	return processor.Result{}, errUnimplemented
}
