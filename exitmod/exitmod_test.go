// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package exitmod

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mixnode.io/errors"
)

func TestDeliverRoutesByType(t *testing.T) {
	d := New()
	smtp := NewTestModule()
	mbox := NewTestModule()
	d.Register("SMTP", smtp)
	d.Register("MBOX", mbox)

	require.NoError(t, d.Deliver("SMTP", []byte("to alice")))
	require.NoError(t, d.Deliver("MBOX", []byte("to bob")))

	assert.Equal(t, [][]byte{[]byte("to alice")}, smtp.Delivered())
	assert.Equal(t, [][]byte{[]byte("to bob")}, mbox.Delivered())
}

func TestDeliverUnknownTypeIsNotExist(t *testing.T) {
	d := New()
	err := d.Deliver("FRAGMENT", []byte("payload"))
	require.Error(t, err)
	e, ok := err.(*errors.Error)
	require.True(t, ok)
	assert.Equal(t, errors.NotExist, e.Class)
}

func TestDeliverPropagatesModuleFailure(t *testing.T) {
	d := New()
	mod := NewTestModule()
	mod.FailNext()
	d.Register("SMTP", mod)

	err := d.Deliver("SMTP", []byte("payload"))
	require.Error(t, err)

	// The module recovers after the simulated failure.
	require.NoError(t, d.Deliver("SMTP", []byte("payload")))
	assert.Len(t, mod.Delivered(), 1)
}

func TestTypesListsRegistrations(t *testing.T) {
	d := New()
	d.Register("SMTP", NewTestModule())
	d.Register("MBOX", NewTestModule())
	assert.ElementsMatch(t, []string{"SMTP", "MBOX"}, d.Types())
}
