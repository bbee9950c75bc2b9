// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"

	"github.com/google/subcommands"

	"github.com/ekmixon/glusterfs/errors"
	"github.com/ekmixon/glusterfs/internal/agent"
	"github.com/ekmixon/glusterfs/internal/config"
	"github.com/ekmixon/glusterfs/internal/logging"
)

// serverCmd implements subcommands.Command to run the agent on a worker host.
type serverCmd struct {
	cfg config.Server
	// serve runs a ready agent. It can be replaced by tests.
	serve func(ctx context.Context, a *agent.Agent) error
}

var _ = subcommands.Command(&serverCmd{})

func newServerCmd() *serverCmd {
	return &serverCmd{serve: func(ctx context.Context, a *agent.Agent) error {
		return a.Serve(ctx)
	}}
}

func (*serverCmd) Name() string     { return "server" }
func (*serverCmd) Synopsis() string { return "serve test requests on a worker host" }
func (*serverCmd) Usage() string {
	return `Usage: server [flag]...

Description:
    Runs the agent that builds and tests the payloads sent by "disttest run".
    Only one agent may own a scratch directory; a second instance exits
    successfully without doing anything.

Flag:
`
}

func (s *serverCmd) SetFlags(f *flag.FlagSet) {
	s.cfg.SetFlags(f)
}

func (s *serverCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if len(f.Args()) > 0 {
		logging.Info(ctx, "Unexpected arguments\n\n"+s.Usage())
		return subcommands.ExitFailure
	}
	if err := s.cfg.DeriveDefaults(); err != nil {
		logging.Info(ctx, "Failed to derive defaults: ", err)
		return subcommands.ExitFailure
	}

	a, err := agent.New(ctx, agent.Config{
		ScratchDir:  s.cfg.ScratchDir,
		ListenAddr:  s.cfg.ListenAddr,
		Port:        s.cfg.Port,
		Family:      s.cfg.ParsedFamily,
		IdleTimeout: s.cfg.IdleTimeout,
	})
	if errors.Is(err, agent.ErrAlreadyRunning) {
		logging.Infof(ctx, "An agent already owns %s; exiting", s.cfg.ScratchDir)
		return subcommands.ExitSuccess
	}
	if err != nil {
		logging.Info(ctx, "Failed to start agent: ", err)
		return subcommands.ExitFailure
	}
	defer a.Close()

	if err := s.serve(ctx, a); err != nil {
		logging.Info(ctx, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
