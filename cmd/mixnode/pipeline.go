// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"mixnode.io/errors"
	"mixnode.io/exitmod"
	"mixnode.io/outgoing"
)

// pipelineSink implements mixpool.Sink, the seam a mix tick hands its
// batch to (spec §4.3): a "relay" entry is durably queued for delivery
// to its next hop, an "exit" entry is handed to the exit dispatcher
// keyed by delivery type. Both wire formats follow the same
// prefix-then-separator convention mixpool itself uses for its own
// tag/payload encoding — see joinExitType in the processor package
// and joinTag/splitTag in mixpool.
type pipelineSink struct {
	outgoing   *outgoing.Queue
	dispatcher *exitmod.Dispatcher
}

var fieldSeparator = byte('\n')

func (s *pipelineSink) Deliver(tag string, payload []byte) error {
	const op = "mixnode.pipelineSink.Deliver"
	switch tag {
	case "relay":
		dest, rest := splitField(payload)
		if dest == "" {
			return errors.E(op, errors.Invalid, errors.Str("relay entry missing next-hop address"))
		}
		_, err := s.outgoing.Add(dest, rest)
		return err
	case "exit":
		exitType, rest := splitField(payload)
		if exitType == "" {
			return errors.E(op, errors.Invalid, errors.Str("exit entry missing delivery type"))
		}
		return s.dispatcher.Deliver(exitType, rest)
	default:
		return errors.E(op, errors.Invalid, errors.Errorf("unknown pool tag %q", tag))
	}
}

func splitField(data []byte) (string, []byte) {
	for i, b := range data {
		if b == fieldSeparator {
			return string(data[:i]), data[i+1:]
		}
	}
	return "", data
}
