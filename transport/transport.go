// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transport defines the MMTP wire interface this node speaks
// to its peers. The wire protocol itself is explicitly out of scope
// (spec §1); what this package owns is the piece spec §3's
// "sloppiness" invariant actually depends on — bracketing a peer's
// offered certificate chain against its packet-key validity window —
// plus the TLS configuration shape, grounded on auth/config.go's
// NewDefaultTLSConfig.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"time"

	"mixnode.io/errors"
)

// MMTP is the minimal outbound transport surface the outgoing queue
// and scheduler depend on. A concrete implementation owns connection
// pooling, retries at the TCP/TLS level, and protocol framing; all of
// that is out of scope here.
type MMTP interface {
	// Send delivers payload to the peer at addr and reports whether
	// the peer acknowledged receipt.
	Send(ctx context.Context, addr string, payload []byte) error

	// Process drives one iteration of the transport's internal event
	// loop (accepting inbound connections, flushing buffers) with the
	// given per-iteration timeout.
	Process(ctx context.Context, timeout time.Duration) error

	// ReapIdle closes connections that have been idle past the
	// transport's configured limit.
	ReapIdle() int
}

// NewDefaultTLSConfig builds the mutual-TLS configuration used for
// peer MMTP connections: the cipher suite and curve restrictions
// mirror auth/config.go's NewDefaultTLSConfig, retargeted from ECDSA
// server certs to the RSA identity/transport certs this spec's
// descriptor format advertises.
func NewDefaultTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	const op = "transport.NewDefaultTLSConfig"
	if ok, err := isReadableFile(certFile); err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	} else if !ok {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("certificate file %q not readable", certFile))
	}
	if ok, err := isReadableFile(keyFile); err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	} else if !ok {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("key file %q not readable", keyFile))
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	}

	return &tls.Config{
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
		MinVersion:               tls.VersionTLS12,
		PreferServerCipherSuites: true,
		Certificates:             []tls.Certificate{cert},
	}, nil
}

// CertChainCoversWindow implements spec §3's "sloppiness" invariant:
// a peer's offered certificate chain is acceptable for a connection
// attempted at now only if every certificate in the chain is valid at
// now. Clock skew between peers is absorbed by the five-minute margin
// the keyring already adds to each certificate's validity window, not
// by loosening this check.
func CertChainCoversWindow(chain []*x509.Certificate, now time.Time) bool {
	for _, cert := range chain {
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return false
		}
	}
	return true
}

func isReadableFile(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		return false, errors.Errorf("%s is a directory", path)
	}
	fd, err := os.Open(path)
	if err != nil {
		return false, err
	}
	fd.Close()
	return true, nil
}
