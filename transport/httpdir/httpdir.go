// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package httpdir implements the directory-upload side of the
// publication protocol (spec §6): an HTTP POST of a descriptor's
// canonical bytes, and the fixed two-line response grammar that
// reports accept/reject. It implements keyring.Uploader.
package httpdir

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/NYTimes/gziphandler"

	"mixnode.io/errors"
)

// responsePattern matches the directory server's plain-text response:
// "Status: 0|1\nMessage: ...". Status 1 means accepted.
var responsePattern = regexp.MustCompile(`(?s)^Status: (0|1)\s*\nMessage: (.*)$`)

// Client uploads descriptors to a single directory server endpoint.
type Client struct {
	URL        string
	HTTPClient *http.Client
}

// NewClient returns a Client posting to url using http.DefaultClient
// unless overridden.
func NewClient(url string) *Client {
	return &Client{URL: url, HTTPClient: http.DefaultClient}
}

// Upload implements keyring.Uploader: POST application/x-www-form-urlencoded
// with a single `desc` field carrying descriptor's bytes, then parse
// the response against responsePattern.
func (c *Client) Upload(ctx context.Context, descriptor []byte) (accepted bool, message string, err error) {
	const op = "httpdir.Upload"
	form := url.Values{"desc": {string(descriptor)}}
	body := strings.NewReader(form.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, body)
	if err != nil {
		return false, "", errors.E(op, errors.Invalid, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, "", errors.E(op, errors.Transient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, "", errors.E(op, errors.Transient, err)
	}

	match := responsePattern.FindSubmatch(bytes.TrimSpace(respBody))
	if match == nil {
		return false, "", errors.E(op, errors.Invalid, errors.Errorf("unrecognized directory response: %q", respBody))
	}
	return string(match[1]) == "1", string(match[2]), nil
}

// GzipMiddleware wraps an upload-receiving handler (used by directory
// servers this node might federate with in tests) with response
// compression.
func GzipMiddleware(h http.Handler) http.Handler {
	return gziphandler.GzipHandler(h)
}
