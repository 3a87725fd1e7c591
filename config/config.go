// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the remailer node's YAML configuration, the way
// upspin.io/context loads an rc file: defaults first, file next,
// environment variables last. Unknown keys are ignored so that older
// binaries can read newer config files (spec §4.1's forward-compatible
// "unknown Version" handling applies equally to configuration).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	yaml "gopkg.in/yaml.v2"

	"mixnode.io/errors"
)

// Duration wraps time.Duration so it can be read from YAML as a string
// like "30m" or "336h" rather than a bare integer of nanoseconds. It
// accepts time.ParseDuration's units only, so there is no "d" suffix.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %v", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// D returns the underlying time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config holds every tunable the remailer daemon needs at startup.
type Config struct {
	// Home is the remailer's home directory (spec §6).
	Home string `yaml:"home"`

	// Nickname is this server's short identifying name, used in
	// descriptors (spec §6).
	Nickname string `yaml:"nickname"`

	// ListenAddr is the address the MMTP transport listens on.
	ListenAddr string `yaml:"listen_addr"`

	// DirectoryUploadURL is where signed descriptors are POSTed
	// (spec §4.2, §6).
	DirectoryUploadURL string `yaml:"directory_upload_url"`

	// PublicKeyLifetime is how long each KeySet's validity window
	// spans (spec §4.2).
	PublicKeyLifetime Duration `yaml:"public_key_lifetime"`

	// Overlap is the grace window after Valid-Until during which a
	// retiring key still decrypts arrivals (spec §3).
	Overlap Duration `yaml:"overlap"`

	// PrepublicationInterval is how far ahead of now key coverage
	// must extend (spec §4.2, default 2 weeks).
	PrepublicationInterval Duration `yaml:"prepublication_interval"`

	// PublicationLatency offsets GetNextKeygen from the end of
	// coverage (spec §4.2, default 3 days).
	PublicationLatency Duration `yaml:"publication_latency"`

	// MixInterval is how often the mix pool ticks (spec §4.3, default
	// 30 minutes).
	MixInterval Duration `yaml:"mix_interval"`

	// MixAlgorithm selects Timed, Cottrell, or BinomialCottrell.
	MixAlgorithm string `yaml:"mix_algorithm"`

	// MixMinPool and MixSendRate parametrize the Cottrell family
	// (spec §4.3).
	MixMinPool  int     `yaml:"mix_min_pool"`
	MixSendRate float64 `yaml:"mix_send_rate"`

	// RetrySchedule lists retry offsets, in seconds, for the outgoing
	// queue (spec §4.3, §8 scenario 4).
	RetrySchedule []int `yaml:"retry_schedule"`

	// DHParamBits sizes the transport's Diffie-Hellman parameter; the
	// REDESIGN FLAG requires at least 2048 (see DESIGN.md Open
	// Question 2).
	DHParamBits int `yaml:"dh_param_bits"`

	// IdentityKeyBits sizes the long-lived identity key (spec §3:
	// 2048-4096).
	IdentityKeyBits int `yaml:"identity_key_bits"`

	// ShredInterval is how often the cleaning sweep runs (spec §4.4,
	// default 600s).
	ShredInterval Duration `yaml:"shred_interval"`
}

// Default returns a Config populated with the spec's stated defaults.
func Default() *Config {
	return &Config{
		Home:                   filepath.Join(os.Getenv("HOME"), "mixnode"),
		ListenAddr:             "0.0.0.0:48099",
		PublicKeyLifetime:      Duration(7 * 24 * time.Hour),
		Overlap:                Duration(time.Hour),
		PrepublicationInterval: Duration(14 * 24 * time.Hour),
		PublicationLatency:     Duration(3 * 24 * time.Hour),
		MixInterval:            Duration(30 * time.Minute),
		MixAlgorithm:           "cottrell",
		MixMinPool:             5,
		MixSendRate:            0.6,
		RetrySchedule:          []int{3600, 14400, 86400},
		DHParamBits:            2048,
		IdentityKeyBits:        2048,
		ShredInterval:          Duration(10 * time.Minute),
	}
}

// FromFile reads a YAML configuration file, applying it on top of
// Default(), then layers MIXNODE_-prefixed environment variable
// overrides for the few fields operators most often need to flip in a
// container without rewriting the file: MIXNODE_HOME, MIXNODE_NICKNAME,
// MIXNODE_LISTEN_ADDR.
func FromFile(path string) (*Config, error) {
	const op = "config.FromFile"
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.E(op, errors.NotExist, err)
			}
			return nil, errors.E(op, errors.IO, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.E(op, errors.Invalid, err)
		}
	}
	if v := os.Getenv("MIXNODE_HOME"); v != "" {
		cfg.Home = v
	}
	if v := os.Getenv("MIXNODE_NICKNAME"); v != "" {
		cfg.Nickname = v
	}
	if v := os.Getenv("MIXNODE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the handful of configuration invariants that must
// hold before the rest of the daemon starts: a ConfigInvalid error here
// is operator-visible and rejects the whole input (spec §7).
func (c *Config) Validate() error {
	const op = "config.Validate"
	if c.Nickname == "" {
		return errors.E(op, errors.Invalid, errors.Str("nickname must be set"))
	}
	if c.DHParamBits < 2048 {
		return errors.E(op, errors.Invalid, errors.Str("dh_param_bits must be >= 2048"))
	}
	if c.IdentityKeyBits < 2048 || c.IdentityKeyBits > 4096 {
		return errors.E(op, errors.Invalid, errors.Str("identity_key_bits must be in [2048, 4096]"))
	}
	if c.MixMinPool < 0 {
		return errors.E(op, errors.Invalid, errors.Str("mix_min_pool must be >= 0"))
	}
	if c.MixSendRate < 0 || c.MixSendRate > 1 {
		return errors.E(op, errors.Invalid, errors.Str("mix_send_rate must be in [0, 1]"))
	}
	switch c.MixAlgorithm {
	case "timed", "cottrell", "binomial-cottrell":
	default:
		return errors.E(op, errors.Invalid, errors.Errorf("unknown mix_algorithm %q", c.MixAlgorithm))
	}
	return nil
}

// KeysDir returns Home/keys.
func (c *Config) KeysDir() string { return filepath.Join(c.Home, "keys") }

// QueuesDir returns Home/work/queues.
func (c *Config) QueuesDir() string { return filepath.Join(c.Home, "work", "queues") }

// HashlogsDir returns Home/work/hashlogs.
func (c *Config) HashlogsDir() string { return filepath.Join(c.Home, "work", "hashlogs") }

// LockPath returns Home/lock.
func (c *Config) LockPath() string { return filepath.Join(c.Home, "lock") }

// PidPath returns Home/pid.
func (c *Config) PidPath() string { return filepath.Join(c.Home, "pid") }
