// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package flags defines command-line flags to make them consistent
// between the mixnode binary and its tests.
package flags

import (
	"flag"
	"os"
	"path/filepath"

	"mixnode.io/log"
)

// We define the flags in two steps so clients don't have to write *flags.Flag.
// It also makes the documentation easier to read.

var (
	// Home is the remailer's home directory, containing keys/ and work/.
	Home = filepath.Join(os.Getenv("HOME"), "mixnode")

	// Config names the YAML configuration file to load.
	Config = filepath.Join(Home, "config.yaml")

	// HTTPSAddr is the network address on which to listen for incoming
	// MMTP connections.
	HTTPSAddr = "localhost:48099"

	// Log sets the level of logging: debug, info, error, disabled.
	Log = logFlag("info")
)

type logFlag string

// String implements flag.Value.
func (l *logFlag) String() string {
	return log.CurrentLevel().String()
}

// Set implements flag.Value.
func (l *logFlag) Set(level string) error {
	return log.SetLevelFromString(level)
}

// Get implements flag.Getter.
func (l *logFlag) Get() interface{} {
	return log.CurrentLevel().String()
}

func init() {
	flag.StringVar(&Home, "home", Home, "home directory containing keys/ and work/")
	flag.StringVar(&Config, "config", Config, "YAML configuration file")
	flag.StringVar(&HTTPSAddr, "https_addr", HTTPSAddr, "address for incoming MMTP connections")
	flag.Var(&Log, "log", "level of logging: debug, info, error, disabled")
}
