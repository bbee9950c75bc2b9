// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package agent implements the server side of a test run: a long-lived
// process on each worker host that unpacks, builds and installs the payload
// it receives and runs tests on request, serving one client at a time.
package agent

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/ekmixon/glusterfs/errors"
	"github.com/ekmixon/glusterfs/internal/logging"
	"github.com/ekmixon/glusterfs/internal/rpc"
	"github.com/ekmixon/glusterfs/internal/session"
)

// Config configures an agent.
type Config struct {
	// ScratchDir holds the lock file, the shared log and the unpacked payload.
	ScratchDir string
	// ListenAddr is the address to listen on; empty means all addresses.
	ListenAddr string
	// Port is the TCP port to listen on.
	Port int
	// Family selects the IP version.
	Family rpc.Family
	// IdleTimeout is how long a silent client keeps its claim.
	IdleTimeout time.Duration
	// Toolchain holds the build and test commands.
	Toolchain Toolchain
	// Clock is used for session expiry. Defaults to the real clock.
	Clock clock.Clock
}

// Agent is a locked workspace ready to serve.
type Agent struct {
	cfg  Config
	ws   *Workspace
	lock interface{ Close() error }
	h    *Handlers
}

// New locks cfg.ScratchDir and prepares the workspace. It returns
// ErrAlreadyRunning if another agent holds the lock. On success any other
// process still listening on cfg.Port is killed.
func New(ctx context.Context, cfg Config) (*Agent, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewClock()
	}
	if cfg.Family == "" {
		cfg.Family = rpc.IPv4
	}
	if cfg.Toolchain == (Toolchain{}) {
		cfg.Toolchain = DefaultToolchain
	}
	ws, err := NewWorkspace(cfg.ScratchDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to set up workspace")
	}
	lock, err := acquireLock(filepath.Join(cfg.ScratchDir, lockFileName))
	if err != nil {
		ws.Close()
		return nil, err
	}
	if err := killPortHolders(ctx, cfg.Port); err != nil {
		logging.Infof(ctx, "Failed to free port %d: %v", cfg.Port, err)
	}
	sess := session.New(cfg.Clock, cfg.IdleTimeout)
	return &Agent{
		cfg:  cfg,
		ws:   ws,
		lock: lock,
		h:    NewHandlers(ctx, sess, ws, cfg.Toolchain),
	}, nil
}

// Close releases the workspace and its lock.
func (a *Agent) Close() error {
	a.ws.Close()
	return a.lock.Close()
}

// Handlers returns the RPC handlers of a.
func (a *Agent) Handlers() *Handlers {
	return a.h
}

// Serve listens on the configured port and serves until ctx is done.
func (a *Agent) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(a.cfg.ListenAddr, strconv.Itoa(a.cfg.Port))
	lis, err := net.Listen(a.cfg.Family.Network(), addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return a.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is done.
func (a *Agent) ServeListener(ctx context.Context, lis net.Listener) error {
	srv := rpc.NewServer(ctx, a.h)
	go func() {
		<-ctx.Done()
		srv.Stop()
	}()
	logging.Infof(ctx, "Serving on %s with scratch directory %s", lis.Addr(), a.cfg.ScratchDir)
	if err := srv.Serve(lis); err != nil {
		return errors.Wrap(err, "serving failed")
	}
	logging.Info(ctx, "== End ==")
	return nil
}
