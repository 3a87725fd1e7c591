// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package identity encapsulates the remailer's long-lived IdentityKey:
// an RSA key pair used only to sign KeySet descriptors, never to
// decrypt packets (spec §3). It plays the role factotum plays for
// upspin users, but the key type and on-disk format are the node's
// own: a single PEM-encoded PKCS#1 private key at keys/identity.key.
package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"

	"mixnode.io/errors"
)

// MinBits and MaxBits bound the IdentityKey modulus size (spec §3).
const (
	MinBits = 2048
	MaxBits = 4096
)

const keyFile = "identity.key"

// Key wraps the node's identity key pair and provides the signing
// operation descriptors need.
type Key struct {
	priv *rsa.PrivateKey
}

// Generate creates a new IdentityKey of the given size and writes it to
// dir/identity.key, mode 0600. It refuses to overwrite an existing key.
func Generate(dir string, bits int) (*Key, error) {
	const op = "identity.Generate"
	if bits < MinBits || bits > MaxBits {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("key size %d outside [%d, %d]", bits, MinBits, MaxBits))
	}
	path := filepath.Join(dir, keyFile)
	if _, err := os.Stat(path); err == nil {
		return nil, errors.E(op, errors.Exist, errors.Errorf("%s already exists", path))
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, errors.E(op, errors.Crypto, err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	der := x509.MarshalPKCS1PrivateKey(priv)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	return &Key{priv: priv}, nil
}

// Load reads dir/identity.key, generating a fresh key of the given
// default size if none exists yet.
func Load(dir string, defaultBits int) (*Key, error) {
	const op = "identity.Load"
	path := filepath.Join(dir, keyFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Generate(dir, defaultBits)
	}
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.E(op, errors.Invalid, errors.Str("no PEM block in identity key file"))
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	}
	if bits := priv.N.BitLen(); bits < MinBits || bits > MaxBits {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("on-disk key size %d outside [%d, %d]", bits, MinBits, MaxBits))
	}
	return &Key{priv: priv}, nil
}

// PublicKey returns the identity's public key.
func (k *Key) PublicKey() *rsa.PublicKey {
	return &k.priv.PublicKey
}

// Signer returns k as a crypto.Signer, for code outside this package
// (e.g. x509 certificate generation) that needs a generic signing key
// rather than the descriptor-specific Sign method below.
func (k *Key) Signer() crypto.Signer {
	return k.priv
}

// MarshalPublicKeyDER returns the DER encoding of pub, the form
// carried in a descriptor's base64 Identity field (spec §6).
func MarshalPublicKeyDER(pub *rsa.PublicKey) []byte {
	return x509.MarshalPKCS1PublicKey(pub)
}

// ParsePublicKeyDER parses a DER-encoded RSA public key.
func ParsePublicKeyDER(der []byte) (*rsa.PublicKey, error) {
	const op = "identity.ParsePublicKeyDER"
	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	}
	return pub, nil
}

// Sign produces a PKCS#1 v1.5 / SHA-1 signature over digest, the wire
// format mandated by spec.md §4.1 for descriptor and directory
// signatures.
func (k *Key) Sign(digest [sha1.Size]byte) ([]byte, error) {
	const op = "identity.Sign"
	sig, err := rsa.SignPKCS1v15(rand.Reader, k.priv, crypto.SHA1, digest[:])
	if err != nil {
		return nil, errors.E(op, errors.Crypto, err)
	}
	return sig, nil
}

// Verify checks a PKCS#1 v1.5 / SHA-1 signature against pub.
func Verify(pub *rsa.PublicKey, digest [sha1.Size]byte, sig []byte) error {
	const op = "identity.Verify"
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], sig); err != nil {
		return errors.E(op, errors.Crypto, err)
	}
	return nil
}
