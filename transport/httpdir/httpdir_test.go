// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package httpdir

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, status int, message string, wantDesc string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if wantDesc != "" {
			assert.Equal(t, wantDesc, r.FormValue("desc"))
		}
		fmt.Fprintf(w, "Status: %d\nMessage: %s", status, message)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestUploadAccepted(t *testing.T) {
	srv := newServer(t, 1, "accepted", "the-descriptor-bytes")
	c := NewClient(srv.URL)

	accepted, msg, err := c.Upload(context.Background(), []byte("the-descriptor-bytes"))
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, "accepted", msg)
}

func TestUploadRejected(t *testing.T) {
	srv := newServer(t, 0, "expired", "")
	c := NewClient(srv.URL)

	accepted, msg, err := c.Upload(context.Background(), []byte("stale-descriptor"))
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, "expired", msg)
}

func TestUploadUnrecognizedResponseIsInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not a directory response")
	}))
	defer srv.Close()
	c := NewClient(srv.URL)

	_, _, err := c.Upload(context.Background(), []byte("desc"))
	require.Error(t, err)
}

func TestUploadTransportErrorIsTransient(t *testing.T) {
	c := NewClient("http://127.0.0.1:0")
	_, _, err := c.Upload(context.Background(), []byte("desc"))
	require.Error(t, err)
}
