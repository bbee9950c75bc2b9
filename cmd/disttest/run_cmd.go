// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"os"
	"strings"

	"github.com/google/subcommands"

	"github.com/ekmixon/glusterfs/errors"
	"github.com/ekmixon/glusterfs/internal/config"
	"github.com/ekmixon/glusterfs/internal/driver"
	"github.com/ekmixon/glusterfs/internal/logging"
	"github.com/ekmixon/glusterfs/internal/metrics"
	"github.com/ekmixon/glusterfs/internal/pool"
)

// maxExitStatus bounds the exit status so that large failure counts do not
// wrap around to success.
const maxExitStatus = 125

// runFunc runs the tests. It can be replaced by tests.
type runFunc func(ctx context.Context, cfg *config.Run, opts driver.Options) (*driver.Result, error)

// runCmd implements subcommands.Command to run a test suite over a fleet.
type runCmd struct {
	cfg config.Run
	run runFunc
}

var _ = subcommands.Command(&runCmd{})

func newRunCmd() *runCmd {
	return &runCmd{run: driver.Run}
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run tests on worker hosts" }
func (*runCmd) Usage() string {
	return `Usage: run [flag]...

Description:
    Packs the source tree, ships it to the agents listed in -hosts, builds it
    there and runs the selected tests, retrying each failing test up to three
    times. Exits with the number of tests that failed every attempt, or 1 if
    no host could be used.

Flag:
`
}

func (r *runCmd) SetFlags(f *flag.FlagSet) {
	r.cfg.SetFlags(f)
}

func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if len(f.Args()) > 0 {
		logging.Infof(ctx, "Unexpected arguments %q\n\n%s", strings.Join(f.Args(), " "), r.Usage())
		return subcommands.ExitFailure
	}
	if err := r.cfg.DeriveDefaults(); err != nil {
		logging.Info(ctx, "Failed to derive defaults: ", err)
		return subcommands.ExitFailure
	}

	tmpDir, err := os.MkdirTemp("", "disttest.")
	if err != nil {
		logging.Info(ctx, err)
		return subcommands.ExitFailure
	}
	defer os.RemoveAll(tmpDir)
	onSignal(func() { os.RemoveAll(tmpDir) })

	mp, err := metrics.NewProvider(ctx, r.cfg.ParsedExporter)
	if err != nil {
		logging.Info(ctx, "Failed to set up metrics: ", err)
		return subcommands.ExitFailure
	}
	defer func() {
		if err := mp.Shutdown(ctx); err != nil {
			logging.Info(ctx, "Failed to flush metrics: ", err)
		}
	}()

	res, err := r.run(ctx, &r.cfg, driver.Options{
		Metrics: mp.Counters,
		TmpDir:  tmpDir,
	})
	if errors.Is(err, pool.ErrNoHosts) {
		logging.Info(ctx, "Giving up: ", err)
		return subcommands.ExitFailure
	}
	if err != nil {
		logging.Infof(ctx, "Failed to run tests: %v", err)
		return subcommands.ExitFailure
	}
	return exitStatus(len(res.Failed))
}

// exitStatus converts a failure count into an exit status.
func exitStatus(failed int) subcommands.ExitStatus {
	if failed > maxExitStatus {
		failed = maxExitStatus
	}
	return subcommands.ExitStatus(failed)
}
