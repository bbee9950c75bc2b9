// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package driver runs a test suite over a fleet of agents and reports the
// results.
package driver

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ekmixon/glusterfs/errors"
	"github.com/ekmixon/glusterfs/internal/config"
	"github.com/ekmixon/glusterfs/internal/fleet"
	"github.com/ekmixon/glusterfs/internal/logging"
	"github.com/ekmixon/glusterfs/internal/metrics"
	"github.com/ekmixon/glusterfs/internal/payload"
	"github.com/ekmixon/glusterfs/internal/pool"
	"github.com/ekmixon/glusterfs/internal/queue"
	"github.com/ekmixon/glusterfs/internal/rpc"
	"github.com/ekmixon/glusterfs/internal/testlist"
	"github.com/ekmixon/glusterfs/internal/worker"
)

// Options holds the parts of a run that are not configuration.
type Options struct {
	// Dial connects to agents. It defaults to gRPC clients over the
	// configured address family.
	Dial pool.Dialer
	// Kicker relaunches agents. It defaults to an SSHKicker using the
	// configured key file.
	Kicker pool.Kicker
	// Metrics receives outcome counts. It may be nil.
	Metrics *metrics.Counters
	// TmpDir receives the payload archive. It defaults to the system temp dir.
	TmpDir string
	// Out receives the summary. It defaults to stdout.
	Out io.Writer
	// DiscoveryInterval overrides the pool's discovery period.
	DiscoveryInterval time.Duration
}

// Result is the outcome of a run.
type Result struct {
	queue.Results
	Faulty []fleet.Host
}

// Run runs the tests selected by cfg and writes the summary. It returns an
// error only if the run could not complete, e.g. because every host failed.
func Run(ctx context.Context, cfg *config.Run, opts Options) (*Result, error) {
	if opts.TmpDir == "" {
		opts.TmpDir = os.TempDir()
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Dial == nil {
		copts := rpc.ClientOptions{Family: cfg.ParsedFamily}
		opts.Dial = func(h fleet.Host) (worker.Agent, error) {
			cl, err := rpc.NewClient(h, copts)
			if err != nil {
				return nil, err
			}
			return cl, nil
		}
	}
	if opts.Kicker == nil {
		opts.Kicker = &pool.SSHKicker{
			KeyFile:    cfg.KeyFile,
			ServerArgs: []string{"-addressfamily", string(cfg.ParsedFamily)},
		}
	}

	tests, err := testlist.Select(cfg.Path, cfg.Tests, cfg.FlakyTests)
	if err != nil {
		return nil, err
	}
	logging.Debugf(ctx, "Tests: %s", strings.Join(tests, " "))

	archive, err := payload.Create(ctx, cfg.Path, opts.TmpDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create payload")
	}
	defer archive.Remove()
	logging.Infof(ctx, "Run ID %s", archive.RunID)
	logging.Debugf(ctx, "Payload %s (%d bytes)", archive.Path, len(archive.Data))

	qopts := queue.Options{LogDir: cfg.LogDir}
	popts := pool.Options{
		Hosts:  cfg.ParsedHosts,
		Target: cfg.N,
		Worker: worker.Config{
			RunID:       archive.RunID,
			Archive:     archive.Data,
			Sanitizer:   cfg.Sanitizer,
			Mode:        cfg.Mode,
			TestTimeout: cfg.TestTimeout,
			Cleanup:     cfg.Cleanup,
		},
		Dial:              opts.Dial,
		Kicker:            opts.Kicker,
		DiscoveryInterval: opts.DiscoveryInterval,
	}
	if opts.Metrics != nil {
		qopts.Observer = opts.Metrics
		popts.Observer = opts.Metrics
	}
	q := queue.New(tests, qopts)
	p := pool.New(popts)

	err = p.Run(ctx, q)
	res := &Result{Results: q.Results(), Faulty: p.Faulty()}
	WriteSummary(opts.Out, res)
	return res, err
}

// WriteSummary writes the final report of a run to w.
func WriteSummary(w io.Writer, res *Result) {
	fmt.Fprintln(w, "== RESULTS ==")
	fmt.Fprintf(w, "SUCCESS  : %d\n", len(res.Done))
	fmt.Fprintf(w, "ERRORS   : %d\n", len(res.Failed))
	if len(res.Faulty) > 0 {
		hs := make([]string, len(res.Faulty))
		for i, h := range res.Faulty {
			hs[i] = h.String()
		}
		fmt.Fprintf(w, "FAULTY   : %s\n", strings.Join(hs, " "))
	}
	fmt.Fprintln(w, "== ERRORS ==")
	fmt.Fprintln(w, strings.Join(res.Failed, " "))
	fmt.Fprintln(w, "== LOGS ==")
	fmt.Fprintln(w, strings.Join(res.Logs, " "))
	fmt.Fprintln(w, "== END ==")
}
