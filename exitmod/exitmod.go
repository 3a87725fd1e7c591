// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package exitmod implements the exit dispatcher: it routes a decoded
// terminal packet to the delivery module registered for its
// delivery-type tag (spec §4.3). Delivery modules themselves (SMTP,
// MBOX, fragment reassembly) are out of scope (spec §1); this package
// owns only the dispatch table and enqueue semantics, with an
// in-memory test double standing in for a real module exactly the way
// store/teststore/store.go stands in for a real upspin.Store.
package exitmod

import (
	"sync"

	"mixnode.io/errors"
	"mixnode.io/log"
)

// DeliveryModule is the seam a real backend (SMTP relay, local mbox
// writer, fragment reassembler) plugs into. Enqueue hands off one
// exit packet's payload; the module runs its own ready-message cycle
// independently of the node's scheduler (spec §4.3).
type DeliveryModule interface {
	Enqueue(payload []byte) error
}

// Dispatcher routes by delivery-type tag (e.g. "SMTP", "MBOX",
// "FRAGMENT") to a registered DeliveryModule.
type Dispatcher struct {
	mu      sync.RWMutex
	modules map[string]DeliveryModule
}

// New returns an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{modules: map[string]DeliveryModule{}}
}

// Register binds deliveryType to module, replacing any prior
// registration. Deliver-type tags are matched case-sensitively against
// the descriptor's advertised `[Delivery/*]` section names.
func (d *Dispatcher) Register(deliveryType string, module DeliveryModule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.modules[deliveryType] = module
}

// Deliver hands payload to the module registered for deliveryType.
// An unrecognized delivery type is a Permanent condition: it cannot
// resolve itself by retrying, so callers should drop the exit packet
// rather than requeue it (spec §3's Exit/Invalid classification).
func (d *Dispatcher) Deliver(deliveryType string, payload []byte) error {
	const op = "exitmod.Deliver"
	d.mu.RLock()
	module, ok := d.modules[deliveryType]
	d.mu.RUnlock()
	if !ok {
		log.Error.Printf("exitmod: no delivery module registered for %q, dropping", deliveryType)
		return errors.E(op, errors.NotExist, errors.Errorf("unknown delivery type %q", deliveryType))
	}
	if err := module.Enqueue(payload); err != nil {
		return errors.E(op, errors.IO, err)
	}
	return nil
}

// Types returns the delivery-type tags currently registered.
func (d *Dispatcher) Types() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.modules))
	for t := range d.modules {
		out = append(out, t)
	}
	return out
}
