// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package keyring manages the KeySet lifecycle: ahead-of-time
// generation, rotation, and directory publication (spec §4.2).
// Grounded on factotum's load/generate split
// (factotum/factotum.go, key/keyloader/keyloader.go), the
// serverutil/keyserver daemon's "build a service, wire it in" shape,
// and original_source/lib/mixminion/server/ServerKeys.py's
// ServerKeyring class for the exact rounding, rotation, and
// publication-marker semantics.
package keyring

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"mixnode.io/config"
	"mixnode.io/descriptor"
	"mixnode.io/errors"
	"mixnode.io/identity"
	"mixnode.io/log"
	"mixnode.io/replay"
)

// PacketKeyBits and TransportKeyBits size each KeySet's short-term
// keys (spec §3).
const (
	PacketKeyBits    = 2048
	TransportKeyBits = 1024
)

// certificateExpirySloppiness is the margin a transport cert's
// validity window is widened by on each side of its KeySet's own
// Valid-After/Valid-Until window (spec §8.3 invariant #3), matching
// ServerKeys.py's CERTIFICATE_EXPIRY_SLOPPINESS: clock skew between
// nodes must never make an otherwise-valid cert look expired.
const certificateExpirySloppiness = 5 * time.Minute

// KeySet is one dated bundle of short-term keys plus the signed
// descriptor attesting to them (spec §3).
type KeySet struct {
	Name         string // zero-padded, e.g. "0042"
	ValidAfter   time.Time
	ValidUntil   time.Time
	PacketKey    *rsa.PrivateKey
	TransportKey *rsa.PrivateKey
	CertChain    []byte // PEM: transport cert + identity cert
	Descriptor   *descriptor.Descriptor
	Replay       *replay.Log
	publishedAt  *time.Time
}

// Published reports whether this KeySet has a publication marker.
func (k *KeySet) Published() bool { return k.publishedAt != nil }

// Uploader POSTs a descriptor to the directory server and reports
// accept/reject/error as spec §4.2 requires.
type Uploader interface {
	Upload(ctx context.Context, descriptor []byte) (accepted bool, message string, err error)
}

// PacketKeyInstaller receives the live list of packet keys and their
// replay logs on every rotation (spec §4.2's "installs ... into the
// packet processor").
type PacketKeyInstaller interface {
	SetPacketKeys(keys []*rsa.PrivateKey, logs []*replay.Log)
}

// TransportKeyInstaller receives the newest transport key and its
// certificate chain on every rotation.
type TransportKeyInstaller interface {
	SetTransportKey(key *rsa.PrivateKey, certChainPEM []byte)
}

// Keyring is the sorted, mutex-guarded set of KeySets for one node.
type Keyring struct {
	mu       sync.Mutex
	cfg      *config.Config
	identity *identity.Key

	sets              []*KeySet // sorted by ValidAfter
	firstKey, lastKey int
	nextUpdate        time.Time
}

// Open loads every existing KeySet under cfg.KeysDir() and returns a
// Keyring ready for CreateKeysAsNeeded/UpdateKeys. Missing or corrupt
// descriptors are skipped with a warning, never fatal (spec §4.2's
// failure semantics).
func Open(cfg *config.Config, id *identity.Key) (*Keyring, error) {
	const op = "keyring.Open"
	kr := &Keyring{cfg: cfg, identity: id, firstKey: 1<<31 - 1, lastKey: 0}
	if err := os.MkdirAll(cfg.KeysDir(), 0o700); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	if err := os.MkdirAll(cfg.HashlogsDir(), 0o700); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	entries, err := os.ReadDir(cfg.KeysDir())
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "key_") {
			continue
		}
		name := strings.TrimPrefix(e.Name(), "key_")
		ks, err := kr.loadKeySet(name)
		if err != nil {
			log.Error.Printf("keyring: skipping %s: %v", e.Name(), err)
			continue
		}
		kr.insert(ks)
	}
	ScanForUnknownEntries(cfg, entries)
	return kr, nil
}

// ScanForUnknownEntries warns about any entry under the key root that
// isn't a recognized key_* KeySet directory, the way ServerKeys.py's
// constructor flags stray HASH_*/unexpected subdirectories it finds
// alongside the keys it loads (spec §4.2: "Unknown directory under key
// root → warning"). It never fails Open; a garbled or foreign entry is
// left untouched for an operator to clean up.
func ScanForUnknownEntries(cfg *config.Config, entries []os.DirEntry) {
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "key_") {
			continue
		}
		kind := "file"
		if e.IsDir() {
			kind = "directory"
		}
		log.Error.Printf("keyring: unknown %s %q under %s", kind, e.Name(), cfg.KeysDir())
	}
}

func (kr *Keyring) keyDir(name string) string {
	return filepath.Join(kr.cfg.KeysDir(), "key_"+name)
}

func (kr *Keyring) loadKeySet(name string) (*KeySet, error) {
	const op = "keyring.loadKeySet"
	dir := kr.keyDir(name)

	descBytes, err := os.ReadFile(filepath.Join(dir, "ServerDesc"))
	if err != nil {
		return nil, errors.E(op, errors.NotExist, err)
	}
	desc, err := descriptor.Parse(descBytes)
	if err != nil {
		return nil, errors.E(op, errors.Invalid, err)
	}
	if err := descriptor.Verify(descriptor.KindDescriptor, kr.identity.PublicKey(), desc.Canonical); err != nil {
		return nil, err
	}

	packetKey, err := loadRSAKey(filepath.Join(dir, "mix.key"))
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	transportKey, err := loadRSAKey(filepath.Join(dir, "mmtp.key"))
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	certChain, err := os.ReadFile(filepath.Join(dir, "mmtp.cert"))
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}

	rlog, err := replay.Open(filepath.Join(kr.cfg.HashlogsDir(), "hash_"+name))
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}

	ks := &KeySet{
		Name:         name,
		ValidAfter:   desc.ValidAfter,
		ValidUntil:   desc.ValidUntil,
		PacketKey:    packetKey,
		TransportKey: transportKey,
		CertChain:    certChain,
		Descriptor:   desc,
		Replay:       rlog,
	}
	if data, err := os.ReadFile(filepath.Join(dir, "published")); err == nil {
		t, perr := time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
		if perr == nil {
			ks.publishedAt = &t
		}
	}
	return ks, nil
}

func (kr *Keyring) insert(ks *KeySet) {
	kr.sets = append(kr.sets, ks)
	sort.Slice(kr.sets, func(i, j int) bool { return kr.sets[i].ValidAfter.Before(kr.sets[j].ValidAfter) })
	n, err := strconv.Atoi(ks.Name)
	if err != nil {
		return
	}
	if n < kr.firstKey {
		kr.firstKey = n
	}
	if n > kr.lastKey {
		kr.lastKey = n
	}
}

// CreateKeysAsNeeded ensures key coverage extends at least
// PrepublicationInterval past now, generating new KeySets as needed
// (spec §4.2).
func (kr *Keyring) CreateKeysAsNeeded(now time.Time) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	if next := kr.getNextKeygen(); !next.IsZero() && next.After(now.Add(-10*time.Second)) {
		return nil
	}

	lastExpiry := now
	if len(kr.sets) > 0 {
		lastExpiry = kr.sets[len(kr.sets)-1].ValidUntil
	}
	lifetime := kr.cfg.PublicKeyLifetime.D()
	// createKeys rounds the first new slot's start down to midnight, so
	// the gap still to cover is measured from that rounded start.
	startAt := previousMidnight(lastExpiry.Add(60 * time.Second))
	timeToCover := now.Add(kr.cfg.PrepublicationInterval.D()).Sub(startAt)
	if timeToCover <= 0 {
		return nil
	}
	nKeys := int(timeToCover / lifetime)
	if timeToCover%lifetime != 0 {
		nKeys++
	}
	return kr.createKeys(now, nKeys)
}

// createKeys generates num new KeySets back-to-back, the first
// starting right after the current last key's expiry (or now+60s if
// the ring is empty), each slot start rounded down to the previous
// UTC midnight (spec §4.2).
func (kr *Keyring) createKeys(now time.Time, num int) error {
	const op = "keyring.createKeys"
	var startAt time.Time
	if len(kr.sets) > 0 {
		startAt = kr.sets[len(kr.sets)-1].ValidUntil.Add(60 * time.Second)
	} else {
		startAt = now.Add(60 * time.Second)
	}
	startAt = previousMidnight(startAt)

	lifetime := kr.cfg.PublicKeyLifetime.D()
	for i := 0; i < num; i++ {
		name := kr.nextName()
		validUntil := startAt.Add(lifetime)
		log.Info.Printf("keyring: generating key %s valid %s through %s", name, startAt, validUntil)
		ks, err := kr.generateKeySet(name, startAt, validUntil)
		if err != nil {
			return errors.E(op, errors.KeySetName(name), err)
		}
		kr.insert(ks)
		startAt = validUntil
	}
	return nil
}

// nextName implements the "grow the naming window from both ends"
// rule: take firstKey-1 while firstKey > 1, else lastKey+1.
func (kr *Keyring) nextName() string {
	var n int
	switch {
	case len(kr.sets) == 0:
		n = 1
		kr.firstKey, kr.lastKey = 1, 1
	case kr.firstKey > 1:
		kr.firstKey--
		n = kr.firstKey
	default:
		kr.lastKey++
		n = kr.lastKey
	}
	return fmt.Sprintf("%04d", n)
}

func previousMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func (kr *Keyring) generateKeySet(name string, validAfter, validUntil time.Time) (*KeySet, error) {
	const op = "keyring.generateKeySet"
	dir := kr.keyDir(name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}

	packetKey, err := rsa.GenerateKey(rand.Reader, PacketKeyBits)
	if err != nil {
		return nil, errors.E(op, errors.Crypto, err)
	}
	transportKey, err := rsa.GenerateKey(rand.Reader, TransportKeyBits)
	if err != nil {
		return nil, errors.E(op, errors.Crypto, err)
	}
	if err := saveRSAKey(filepath.Join(dir, "mix.key"), packetKey); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	if err := saveRSAKey(filepath.Join(dir, "mmtp.key"), transportKey); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}

	certChain, err := generateCertChain(kr.identity, transportKey, kr.cfg.Nickname,
		validAfter.Add(-certificateExpirySloppiness), validUntil.Add(certificateExpirySloppiness))
	if err != nil {
		return nil, errors.E(op, errors.Crypto, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "mmtp.cert"), certChain, 0o600); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}

	d := &descriptor.Descriptor{
		Nickname:            kr.cfg.Nickname,
		Identity:            identity.MarshalPublicKeyDER(kr.identity.PublicKey()),
		PacketKey:           identity.MarshalPublicKeyDER(&packetKey.PublicKey),
		Published:           time.Now().UTC(),
		ValidAfter:          validAfter,
		ValidUntil:          validUntil,
		SecureConfiguration: secureConfiguration(kr.cfg),
	}
	if kr.cfg.ListenAddr != "" {
		host, port := splitHostPort(kr.cfg.ListenAddr)
		d.Incoming = &descriptor.MMTPSection{Version: "0.1", Hostname: host, Port: port, Protocols: "1"}
	}
	signed, err := descriptor.SignDescriptor(kr.identity, d)
	if err != nil {
		return nil, errors.E(op, errors.Crypto, err)
	}
	for _, w := range descriptor.CheckConsistency(signed, kr.cfg) {
		log.Error.Printf("keyring: descriptor/config mismatch: %s", w)
	}
	if err := os.WriteFile(filepath.Join(dir, "ServerDesc"), signed.Canonical, 0o644); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}

	rlog, err := replay.Open(filepath.Join(kr.cfg.HashlogsDir(), "hash_"+name))
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}

	return &KeySet{
		Name:         name,
		ValidAfter:   validAfter,
		ValidUntil:   validUntil,
		PacketKey:    packetKey,
		TransportKey: transportKey,
		CertChain:    certChain,
		Descriptor:   signed,
		Replay:       rlog,
	}, nil
}

// secureConfiguration renders the descriptor's advisory
// Secure-Configuration field from the node's DH-param bit size and the
// fixed TLS cipher suite policy transport.NewDefaultTLSConfig enforces
// on every connection, so a client can tell at a glance whether this
// node meets the REDESIGN FLAG's "≥2048 bits" floor without opening a
// connection first.
func secureConfiguration(cfg *config.Config) string {
	return fmt.Sprintf("dhparam=%d bits; TLSv1.2+; ECDHE-RSA-AES-GCM", cfg.DHParamBits)
}

func splitHostPort(addr string) (string, int) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, 0
	}
	port, _ := strconv.Atoi(addr[idx+1:])
	return addr[:idx], port
}

// GetNextKeygen returns the time createKeysAsNeeded should next run;
// the zero Time means "right now" (spec §4.2).
func (kr *Keyring) GetNextKeygen() time.Time {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	return kr.getNextKeygen()
}

func (kr *Keyring) getNextKeygen() time.Time {
	if len(kr.sets) == 0 {
		return time.Time{}
	}
	lastExpiry := kr.sets[len(kr.sets)-1].ValidUntil
	return lastExpiry.Add(-kr.cfg.PublicationLatency.D())
}

// UpdateKeys removes expired KeySets, recomputes the live set,
// installs the newest transport key and the full live packet-key list
// into the given installers, and returns the next rotation deadline
// (spec §4.2's "updateKeys").
func (kr *Keyring) UpdateKeys(now time.Time, pki PacketKeyInstaller, tki TransportKeyInstaller) (time.Time, error) {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	kr.removeDeadKeys(now)

	live := kr.liveKeys(now)
	log.Info.Printf("keyring: %d keys currently valid", len(live))

	if tki != nil && len(live) > 0 {
		newest := live[len(live)-1]
		tki.SetTransportKey(newest.TransportKey, newest.CertChain)
	}
	if pki != nil {
		var keys []*rsa.PrivateKey
		var logs []*replay.Log
		for _, ks := range live {
			keys = append(keys, ks.PacketKey)
			logs = append(logs, ks.Replay)
		}
		pki.SetPacketKeys(keys, logs)
	}

	kr.nextUpdate = kr.nextRotation(live)
	return kr.nextUpdate, nil
}

func (kr *Keyring) removeDeadKeys(now time.Time) {
	const op = "keyring.removeDeadKeys"
	cutoff := now.Add(-kr.cfg.Overlap.D())
	var keep []*KeySet
	for _, ks := range kr.sets {
		if ks.ValidUntil.Before(cutoff) {
			log.Info.Printf("keyring: removing expired key %s", ks.Name)
			if err := kr.deleteKeySet(ks); err != nil {
				log.Error.Printf("%s: %v", op, err)
			}
			continue
		}
		keep = append(keep, ks)
	}
	kr.sets = keep
}

func (kr *Keyring) deleteKeySet(ks *KeySet) error {
	if ks.Replay != nil {
		ks.Replay.Close()
	}
	os.Remove(filepath.Join(kr.cfg.HashlogsDir(), "hash_"+ks.Name))
	os.Remove(filepath.Join(kr.cfg.HashlogsDir(), "hash_"+ks.Name+"_jrnl"))
	return os.RemoveAll(kr.keyDir(ks.Name))
}

// liveKeys returns the KeySets whose [ValidAfter, ValidUntil+overlap)
// window covers now, sorted by ValidAfter (spec §4.2).
func (kr *Keyring) liveKeys(now time.Time) []*KeySet {
	cutoff := now.Add(-kr.cfg.Overlap.D())
	var live []*KeySet
	for _, ks := range kr.sets {
		if !ks.ValidAfter.After(now) && ks.ValidUntil.After(cutoff) {
			live = append(live, ks)
		}
	}
	return live
}

// nextRotation is min(addEvents ∪ removeEvents): for each live
// KeySet, addEvent = ValidUntil (its successor becomes live),
// removeEvent = ValidUntil+overlap (it is retired) (spec §4.2).
func (kr *Keyring) nextRotation(live []*KeySet) time.Time {
	var next time.Time
	consider := func(t time.Time) {
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	for _, ks := range live {
		consider(ks.ValidUntil)
		consider(ks.ValidUntil.Add(kr.cfg.Overlap.D()))
	}
	return next
}

// NextUpdate returns the deadline computed by the last UpdateKeys
// call, for the scheduler to reinsert its rotation timer against.
func (kr *Keyring) NextUpdate() time.Time {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	return kr.nextUpdate
}

// Publish POSTs every unpublished KeySet's descriptor to uploader.
// Per spec §4.2: accept marks a publication marker and continues,
// reject continues and is counted, error aborts the remaining batch.
func (kr *Keyring) Publish(ctx context.Context, uploader Uploader) (accepted, rejected int, err error) {
	kr.mu.Lock()
	sets := append([]*KeySet(nil), kr.sets...)
	kr.mu.Unlock()

	for _, ks := range sets {
		if ks.Published() {
			continue
		}
		ok, msg, uerr := uploader.Upload(ctx, ks.Descriptor.Canonical)
		if uerr != nil {
			log.Error.Printf("keyring: error publishing %s: %v", ks.Name, uerr)
			return accepted, rejected, uerr
		}
		if !ok {
			log.Error.Printf("keyring: directory rejected %s: %s", ks.Name, msg)
			rejected++
			continue
		}
		if err := kr.markPublished(ks); err != nil {
			log.Error.Printf("keyring: could not record publication of %s: %v", ks.Name, err)
		}
		accepted++
	}
	return accepted, rejected, nil
}

func (kr *Keyring) markPublished(ks *KeySet) error {
	now := time.Now().UTC()
	path := filepath.Join(kr.keyDir(ks.Name), "published")
	if err := os.WriteFile(path, []byte(now.Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return err
	}
	ks.publishedAt = &now
	return nil
}

func saveRSAKey(path string, key *rsa.PrivateKey) error {
	der := x509.MarshalPKCS1PrivateKey(key)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0o600)
}

func loadRSAKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Str("no PEM block in " + path)
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

// generateCertChain builds the transport certificate chain spec §6
// describes: a transport cert for transportKey signed by id, followed
// by id's self-signed identity cert, both PEM-encoded in one file.
func generateCertChain(id *identity.Key, transportKey *rsa.PrivateKey, nickname string, notBefore, notAfter time.Time) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}
	idTemplate := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: nickname + " identity"},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	// Identity cert is self-signed with the identity key (spec §3:
	// "identity self-signed").
	idDER, err := x509.CreateCertificate(rand.Reader, idTemplate, idTemplate, id.PublicKey(), id.Signer())
	if err != nil {
		return nil, err
	}
	idCert, err := x509.ParseCertificate(idDER)
	if err != nil {
		return nil, err
	}

	serial2, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}
	transportTemplate := &x509.Certificate{
		SerialNumber: serial2,
		Subject:      pkix.Name{CommonName: nickname + " transport"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	// Transport cert is signed by the identity key (spec §3: "the
	// transport cert is signed by the identity key").
	transportDER, err := x509.CreateCertificate(rand.Reader, transportTemplate, idCert, &transportKey.PublicKey, id.Signer())
	if err != nil {
		return nil, err
	}

	var out []byte
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: transportDER})...)
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: idDER})...)
	return out, nil
}
