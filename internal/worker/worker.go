// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package worker drives one agent host through provisioning and then runs
// tests on it until the run is over or the connection is lost.
package worker

import (
	"context"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/ekmixon/glusterfs/errors"
	"github.com/ekmixon/glusterfs/internal/fleet"
	"github.com/ekmixon/glusterfs/internal/logging"
	"github.com/ekmixon/glusterfs/internal/rpc"
)

// DefaultIdleInterval is how long a worker waits before asking for a test
// again when every remaining test is running elsewhere.
const DefaultIdleInterval = time.Second

// ErrRejected is returned by Connect when the agent is serving another run.
var ErrRejected = errors.New("agent rejected the handshake")

// Agent is the remote end of a worker. It is implemented by *rpc.Client.
type Agent interface {
	Handshake(ctx context.Context, runID string) (bool, error)
	Ping(ctx context.Context, runID string) (bool, error)
	SignOff(ctx context.Context, runID string) (bool, error)
	Cleanup(ctx context.Context, runID string) (bool, error)
	CopyPayload(ctx context.Context, runID string, archive []byte) (bool, error)
	Build(ctx context.Context, runID string, sanitizer bool) (bool, error)
	Install(ctx context.Context, runID string) (bool, error)
	RunTest(ctx context.Context, runID, test string, timeout time.Duration, mode rpc.Mode) (bool, []byte, error)
	Close() error
}

var _ Agent = (*rpc.Client)(nil)

// TaskSource hands out tests and takes their outcomes. It is implemented by
// *queue.Queue.
type TaskSource interface {
	Next(ctx context.Context) (string, bool)
	Drained() bool
	NoteDone(ctx context.Context, test string) error
	NoteError(ctx context.Context, test string, log []byte) error
	NoteRetry(ctx context.Context, test string) error
	CompletionFraction() float64
}

// Reporter is told when a worker gives up its host. It is implemented by
// *pool.Pool.
type Reporter interface {
	NoteLostConnection(ctx context.Context, h fleet.Host)
	NoteSetupFailed(ctx context.Context, h fleet.Host)
	Status() string
}

// Config holds the parameters shared by every worker of a run.
type Config struct {
	RunID       string
	Archive     []byte
	Sanitizer   bool
	Mode        rpc.Mode
	TestTimeout time.Duration
	// Cleanup runs the agent's cleanup script before signing off.
	Cleanup      bool
	IdleInterval time.Duration
	Clock        clock.Clock
}

// Conn is a worker bound to one host.
type Conn struct {
	host  fleet.Host
	agent Agent
	cfg   Config

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Connect claims the agent for cfg.RunID. On failure the caller still owns
// agent and should close it.
func Connect(ctx context.Context, host fleet.Host, agent Agent, cfg Config) (*Conn, error) {
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewClock()
	}
	ok, err := agent.Handshake(ctx, cfg.RunID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrRejected, "%v", host)
	}
	return &Conn{host: host, agent: agent, cfg: cfg, stopCh: make(chan struct{})}, nil
}

// Host returns the host c is bound to.
func (c *Conn) Host() fleet.Host {
	return c.host
}

// Stop asks c to stop. The current RPC is allowed to finish.
func (c *Conn) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Conn) stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// Release signs off from the agent and closes it without running anything.
// It is used instead of Run when the connection is no longer needed.
func (c *Conn) Release(ctx context.Context) {
	if _, err := c.agent.SignOff(ctx, c.cfg.RunID); err != nil {
		logging.Debugf(ctx, "Sign-off from %v failed: %v", c.host, err)
	}
	c.agent.Close()
}

// Run provisions the host and runs tests from tasks until tasks is drained,
// Stop is called or the host fails. Host failures are reported to rep.
// Run closes the agent before returning.
func (c *Conn) Run(ctx context.Context, tasks TaskSource, rep Reporter) {
	ctx = logging.WithPrefix(ctx, "<"+c.host.String()+"> ")
	defer c.agent.Close()

	ok, err := c.provision(ctx)
	if err != nil {
		logging.Infof(ctx, "Lost connection during setup: %v", err)
		rep.NoteLostConnection(ctx, c.host)
		return
	}
	if !ok {
		logging.Info(ctx, "Setup failed")
		rep.NoteSetupFailed(ctx, c.host)
		return
	}

	for !c.stopped() {
		if err := c.step(ctx, tasks, rep); err != nil {
			if errors.Is(err, errDrained) {
				break
			}
			logging.Infof(ctx, "Lost connection: %v", err)
			rep.NoteLostConnection(ctx, c.host)
			break
		}
	}

	if c.cfg.Cleanup {
		if _, err := c.agent.Cleanup(ctx, c.cfg.RunID); err != nil {
			logging.Debugf(ctx, "Cleanup failed: %v", err)
		}
	}
	if _, err := c.agent.SignOff(ctx, c.cfg.RunID); err != nil {
		logging.Debugf(ctx, "Sign-off failed: %v", err)
	}
	logging.Debug(ctx, "Worker stopped")
}

func (c *Conn) provision(ctx context.Context) (bool, error) {
	logging.Infof(ctx, "Copying and compiling payload (%d bytes)", len(c.cfg.Archive))
	if ok, err := c.agent.CopyPayload(ctx, c.cfg.RunID, c.cfg.Archive); err != nil || !ok {
		return ok, err
	}
	logging.Debug(ctx, "Build")
	if ok, err := c.agent.Build(ctx, c.cfg.RunID, c.cfg.Sanitizer); err != nil || !ok {
		return ok, err
	}
	return c.agent.Install(ctx, c.cfg.RunID)
}

var errDrained = errors.New("no tests left")

// step runs one test, or idles if none is available. A non-nil error other
// than errDrained means the host was lost.
func (c *Conn) step(ctx context.Context, tasks TaskSource, rep Reporter) error {
	test, ok := tasks.Next(ctx)
	if !ok {
		if tasks.Drained() {
			return errDrained
		}
		select {
		case <-c.cfg.Clock.After(c.cfg.IdleInterval):
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
		alive, err := c.agent.Ping(ctx, c.cfg.RunID)
		if err != nil {
			return err
		}
		if !alive {
			return errors.New("session was taken over")
		}
		return nil
	}

	passed, log, err := c.agent.RunTest(ctx, c.cfg.RunID, test, c.cfg.TestTimeout, c.cfg.Mode)
	if err != nil {
		logging.Infof(ctx, "Retrying %s on another host", test)
		if qerr := tasks.NoteRetry(ctx, test); qerr != nil {
			logging.Infof(ctx, "Failed to requeue %s: %v", test, qerr)
		}
		return err
	}
	verdict := "PASS"
	if passed {
		err = tasks.NoteDone(ctx, test)
	} else {
		verdict = "FAIL"
		err = tasks.NoteError(ctx, test, log)
	}
	if err != nil {
		logging.Infof(ctx, "Failed to record %s: %v", test, err)
	}
	logging.Infof(ctx, "%s %s (%d%% done) (%s)", test, verdict, int(tasks.CompletionFraction()*100), rep.Status())
	return nil
}
