// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package exitmod

import "sync"

// TestModule is a non-persistent in-memory DeliveryModule, the way
// store/teststore/store.go is a non-persistent in-memory store: good
// enough to exercise a caller's dispatch logic without standing up a
// real SMTP relay or mbox directory.
type TestModule struct {
	mu         sync.Mutex
	delivered  [][]byte
	failNext   bool
	failAlways error
}

var _ DeliveryModule = (*TestModule)(nil)

// NewTestModule returns an empty TestModule.
func NewTestModule() *TestModule {
	return &TestModule{}
}

// Enqueue implements DeliveryModule.
func (m *TestModule) Enqueue(payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAlways != nil {
		return m.failAlways
	}
	if m.failNext {
		m.failNext = false
		return errTestFailure
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.delivered = append(m.delivered, cp)
	return nil
}

// Delivered returns every payload successfully enqueued so far.
func (m *TestModule) Delivered() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.delivered))
	copy(out, m.delivered)
	return out
}

// FailNext makes the next Enqueue call return an error, then resumes
// succeeding.
func (m *TestModule) FailNext() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = true
}

// SetFailAlways makes every subsequent Enqueue call return err; pass
// nil to resume succeeding.
func (m *TestModule) SetFailAlways(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAlways = err
}

type testModuleError string

func (e testModuleError) Error() string { return string(e) }

const errTestFailure = testModuleError("exitmod: simulated delivery failure")
