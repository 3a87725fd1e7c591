// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"

	"mixnode.io/outgoing"
	"mixnode.io/ratelimit"
)

// BatchAdapter adapts an MMTP transport's one-payload-at-a-time Send
// into outgoing.Transport's one-batch-per-destination shape: each
// payload in the batch is sent independently, and a per-payload
// failure is classified Transient (the outgoing queue's retry ladder
// already owns exhaustion-to-Permanent; nothing at this layer knows
// enough about the failure to call it Permanent outright). If Limiter
// is set, sends to each destination are paced through it so a large
// backlog for one peer can't open a burst of simultaneous connections.
type BatchAdapter struct {
	MMTP    MMTP
	Limiter *ratelimit.SendLimiter
}

var _ outgoing.Transport = (*BatchAdapter)(nil)

// Deliver implements outgoing.Transport.
func (a *BatchAdapter) Deliver(ctx context.Context, dest string, payloads [][]byte) ([]outgoing.Outcome, error) {
	outcomes := make([]outgoing.Outcome, len(payloads))
	for i, payload := range payloads {
		if a.Limiter != nil {
			if err := a.Limiter.Wait(ctx, dest); err != nil {
				outcomes[i] = outgoing.Transient
				continue
			}
		}
		if err := a.MMTP.Send(ctx, dest, payload); err != nil {
			outcomes[i] = outgoing.Transient
			continue
		}
		outcomes[i] = outgoing.Success
	}
	return outcomes, nil
}
