// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package main implements the disttest executable, which runs a test suite
// over a fleet of worker hosts ("run") and serves as the agent on each of
// those hosts ("server").
package main

import (
	"context"
	"flag"
	"os"
	"sync"

	"github.com/google/subcommands"

	"github.com/ekmixon/glusterfs/internal/command"
	"github.com/ekmixon/glusterfs/internal/logging"
)

// signalHooks holds functions to run when the process is killed by a
// signal, which prevents deferred functions from running.
var signalHooks struct {
	mu  sync.Mutex
	fns []func()
}

// onSignal registers fn to be called if the process is killed by a signal.
func onSignal(fn func()) {
	signalHooks.mu.Lock()
	defer signalHooks.mu.Unlock()
	signalHooks.fns = append(signalHooks.fns, fn)
}

func runSignalHooks(os.Signal) {
	signalHooks.mu.Lock()
	defer signalHooks.mu.Unlock()
	for _, fn := range signalHooks.fns {
		fn()
	}
}

// doMain implements the main body of the program. It's a separate function so
// that its deferred functions will run before os.Exit makes the program exit
// immediately.
func doMain() int {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(newRunCmd(), "")
	subcommands.Register(newServerCmd(), "")

	verbose := flag.Bool("verbose", false, "use verbose logging")
	logTime := flag.Bool("logtime", true, "include date/time headers in logs")
	flag.Parse()

	logger := logging.NewSinkLogger(logging.LevelFor(*verbose), *logTime, logging.NewWriterSink(os.Stdout))
	ctx := logging.AttachLogger(context.Background(), logger)

	command.InstallSignalHandler(os.Stderr, runSignalHooks)

	return int(subcommands.Execute(ctx))
}

func main() {
	os.Exit(doMain())
}
