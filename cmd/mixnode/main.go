// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command mixnode runs one remailer node: it loads its identity and
// keyring, opens its queues, and runs the scheduler event loop until
// SIGTERM or a fatal error. Shaped like serverutil/keyserver/main.go's
// wrapper commands: parse flags, load config, construct the concrete
// implementation, run.
package main

import (
	"context"
	"flag"

	"mixnode.io/config"
	"mixnode.io/flags"
	"mixnode.io/log"
)

func main() {
	flag.Parse()

	cfg, err := config.FromFile(flags.Config)
	if err != nil {
		log.Fatalf("mixnode: loading %s: %v", flags.Config, err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("mixnode: invalid configuration: %v", err)
	}

	// unwrap and mmtp are both nil here: the Sphinx-like unwrap
	// primitive and the live MMTP network transport are outside this
	// repository's scope (spec §1's Non-goals). NewNode installs the
	// placeholders described in node.go so the rest of the pipeline
	// is exercised end to end regardless.
	node, err := NewNode(cfg, nil, nil)
	if err != nil {
		log.Fatalf("mixnode: %v", err)
	}

	ctx := context.Background()
	if err := node.Start(ctx); err != nil {
		log.Fatalf("mixnode: starting: %v", err)
	}
	if err := node.Run(ctx); err != nil {
		log.Fatalf("mixnode: %v", err)
	}
}
