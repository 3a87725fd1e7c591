// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopbackSendRecordsPayload(t *testing.T) {
	l := NewLoopback()
	require.NoError(t, l.Send(context.Background(), "peer.example.com", []byte("hello")))
	assert.Equal(t, [][]byte{[]byte("hello")}, l.SentTo("peer.example.com"))
}

func TestLoopbackFailAddr(t *testing.T) {
	l := NewLoopback()
	wantErr := errors.New("connection refused")
	l.FailAddr("peer.example.com", wantErr)

	err := l.Send(context.Background(), "peer.example.com", []byte("hello"))
	assert.Equal(t, wantErr, err)

	l.FailAddr("peer.example.com", nil)
	require.NoError(t, l.Send(context.Background(), "peer.example.com", []byte("hello")))
}

func TestCertChainCoversWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	valid := &x509.Certificate{
		NotBefore: now.Add(-time.Hour),
		NotAfter:  now.Add(time.Hour),
	}
	expired := &x509.Certificate{
		NotBefore: now.Add(-2 * time.Hour),
		NotAfter:  now.Add(-time.Hour),
	}

	assert.True(t, CertChainCoversWindow([]*x509.Certificate{valid}, now))
	assert.False(t, CertChainCoversWindow([]*x509.Certificate{valid, expired}, now))
}
