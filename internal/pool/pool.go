// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package pool keeps a target number of worker hosts busy. It discovers
// reachable agents, hands them to workers, and relaunches agents on hosts
// that stopped answering.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"golang.org/x/sync/errgroup"

	"github.com/ekmixon/glusterfs/errors"
	"github.com/ekmixon/glusterfs/internal/fleet"
	"github.com/ekmixon/glusterfs/internal/logging"
	"github.com/ekmixon/glusterfs/internal/worker"
)

const (
	// DefaultDiscoveryInterval is the period of the discovery loop.
	DefaultDiscoveryInterval = 5 * time.Second
	// DefaultHealthInterval is the period of the health loop.
	DefaultHealthInterval = 10 * time.Second
)

// ErrNoHosts is returned by Run when every host is faulty.
var ErrNoHosts = errors.New("no hosts available to loadbalance")

// Dialer opens a connection to the agent on h.
type Dialer func(h fleet.Host) (worker.Agent, error)

// Kicker (re)launches the agent on a host.
type Kicker interface {
	Kick(ctx context.Context, h fleet.Host) error
}

// HostObserver is told about hosts leaving the active set, e.g. to export
// metrics. It is implemented by *metrics.Counters.
type HostObserver interface {
	HostLost(ctx context.Context, h fleet.Host)
	HostFaulty(ctx context.Context, h fleet.Host)
}

// Tasks is the work a pool distributes. It is implemented by *queue.Queue.
type Tasks interface {
	worker.TaskSource
	Done() <-chan struct{}
}

// Options configures a Pool.
type Options struct {
	Hosts []fleet.Host
	// Target is the number of hosts to keep active. It defaults to half the
	// hosts plus one.
	Target int
	Worker worker.Config
	Dial   Dialer
	// Kicker is optional. Without it unreachable hosts are only retried.
	Kicker   Kicker
	Observer HostObserver
	Clock    clock.Clock

	DiscoveryInterval time.Duration
	HealthInterval    time.Duration
}

type hostState int

const (
	statePending hostState = iota
	stateActive
	stateFaulty
)

type hostEntry struct {
	host  fleet.Host
	state hostState
	conn  *worker.Conn // set while active
}

// Pool coordinates the workers of a run.
type Pool struct {
	opts  Options
	start time.Time

	stopOnce sync.Once
	stopCh   chan struct{}

	// mu guards hosts and every state transition.
	mu    sync.Mutex
	hosts []*hostEntry
}

// New returns a Pool over opts.Hosts, all pending.
func New(opts Options) *Pool {
	if opts.Target <= 0 {
		opts.Target = len(opts.Hosts)/2 + 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewClock()
	}
	if opts.DiscoveryInterval <= 0 {
		opts.DiscoveryInterval = DefaultDiscoveryInterval
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	opts.Worker.Clock = opts.Clock

	p := &Pool{
		opts:   opts,
		start:  opts.Clock.Now(),
		stopCh: make(chan struct{}),
	}
	for _, h := range opts.Hosts {
		p.hosts = append(p.hosts, &hostEntry{host: h})
	}
	return p
}

type nopObserver struct{}

func (nopObserver) HostLost(context.Context, fleet.Host)   {}
func (nopObserver) HostFaulty(context.Context, fleet.Host) {}

// Run distributes tasks until they are all finished, Stop is called or ctx
// is canceled. It returns ErrNoHosts if the pool runs out of hosts first.
// Run returns after every worker has exited.
func (p *Pool) Run(ctx context.Context, tasks Tasks) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-tasks.Done():
			logging.Debug(ctx, "All tests finished; stopping pool")
		case <-p.stopCh:
		case <-ctx.Done():
		}
		p.Stop()
		return nil
	})
	g.Go(func() error {
		return p.discoveryLoop(ctx, g, tasks)
	})
	g.Go(func() error {
		p.healthLoop(ctx)
		return nil
	})
	return g.Wait()
}

// Stop stops the loops and asks every worker to stop. It may be called any
// number of times.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, e := range p.hosts {
			if e.conn != nil {
				e.conn.Stop()
			}
		}
	})
}

func (p *Pool) stopped() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// Status returns a one-line summary for progress messages.
func (p *Pool) Status() string {
	p.mu.Lock()
	active := p.countLocked(stateActive)
	p.mu.Unlock()
	elapsed := int(p.opts.Clock.Since(p.start).Minutes())
	return fmt.Sprintf("%d/%d connected, %dmin elapsed", active, p.opts.Target, elapsed)
}

// Faulty returns the hosts that failed to set up.
func (p *Pool) Faulty() []fleet.Host {
	return p.hostsIn(stateFaulty)
}

// Active returns the hosts currently running a worker.
func (p *Pool) Active() []fleet.Host {
	return p.hostsIn(stateActive)
}

func (p *Pool) hostsIn(s hostState) []fleet.Host {
	p.mu.Lock()
	defer p.mu.Unlock()
	var hs []fleet.Host
	for _, e := range p.hosts {
		if e.state == s {
			hs = append(hs, e.host)
		}
	}
	return hs
}

func (p *Pool) countLocked(s hostState) int {
	n := 0
	for _, e := range p.hosts {
		if e.state == s {
			n++
		}
	}
	return n
}

func (p *Pool) entryLocked(h fleet.Host) *hostEntry {
	for _, e := range p.hosts {
		if e.host == h {
			return e
		}
	}
	return nil
}

// NoteLostConnection returns an active host to pending.
func (p *Pool) NoteLostConnection(ctx context.Context, h fleet.Host) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.entryLocked(h); e != nil && e.state == stateActive {
		logging.Infof(ctx, "Lost connection to %v", h)
		e.state, e.conn = statePending, nil
		p.opts.Observer.HostLost(ctx, h)
	}
}

// NoteSetupFailed marks an active host faulty for the rest of the run.
func (p *Pool) NoteSetupFailed(ctx context.Context, h fleet.Host) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.entryLocked(h); e != nil && e.state == stateActive {
		logging.Infof(ctx, "Setup failed on %v", h)
		e.state, e.conn = stateFaulty, nil
		p.opts.Observer.HostFaulty(ctx, h)
	}
}

// workerExited returns h to pending if its worker c left it active.
func (p *Pool) workerExited(ctx context.Context, h fleet.Host, c *worker.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.entryLocked(h); e != nil && e.state == stateActive && e.conn == c {
		e.state, e.conn = statePending, nil
		logging.Debugf(ctx, "%v connection stopped", h)
	}
}

func (p *Pool) discoveryLoop(ctx context.Context, g *errgroup.Group, tasks Tasks) error {
	logging.Debug(ctx, "Discovery started")
	defer logging.Debug(ctx, "Discovery stopped")

	t := p.opts.Clock.NewTicker(p.opts.DiscoveryInterval)
	defer t.Stop()
	for {
		if err := p.discover(ctx, g, tasks); err != nil {
			p.Stop()
			return err
		}
		select {
		case <-t.C():
		case <-p.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// discover connects pending hosts until the target is met.
func (p *Pool) discover(ctx context.Context, g *errgroup.Group, tasks Tasks) error {
	p.mu.Lock()
	if p.countLocked(statePending) == 0 && p.countLocked(stateActive) == 0 {
		p.mu.Unlock()
		logging.Info(ctx, "No more hosts available to loadbalance")
		return ErrNoHosts
	}
	var pending []fleet.Host
	for _, e := range p.hosts {
		if e.state == statePending {
			pending = append(pending, e.host)
		}
	}
	p.mu.Unlock()

	for _, h := range pending {
		if p.stopped() || p.activeCount() >= p.opts.Target {
			break
		}
		logging.Debugf(ctx, "Scanning %v", h)
		c, err := p.connect(ctx, h)
		if err != nil {
			logging.Debugf(ctx, "Failed to connect to %v: %v", h, err)
			continue
		}
		if !p.activate(h, c) {
			c.Release(ctx)
			break
		}
		logging.Debugf(ctx, "Connected to %v (%s)", h, p.Status())
		h := h
		g.Go(func() error {
			c.Run(ctx, tasks, p)
			p.workerExited(ctx, h, c)
			return nil
		})
	}
	return nil
}

func (p *Pool) connect(ctx context.Context, h fleet.Host) (*worker.Conn, error) {
	agent, err := p.opts.Dial(h)
	if err != nil {
		return nil, err
	}
	c, err := worker.Connect(ctx, h, agent, p.opts.Worker)
	if err != nil {
		agent.Close()
		return nil, err
	}
	return c, nil
}

// activate moves h from pending to active unless the pool stopped meanwhile.
func (p *Pool) activate(h fleet.Host, c *worker.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped() {
		return false
	}
	e := p.entryLocked(h)
	if e == nil || e.state != statePending {
		return false
	}
	e.state, e.conn = stateActive, c
	return true
}

func (p *Pool) activeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.countLocked(stateActive)
}

func (p *Pool) healthLoop(ctx context.Context) {
	logging.Debug(ctx, "Health loop started")
	defer logging.Debug(ctx, "Health loop stopped")

	t := p.opts.Clock.NewTicker(p.opts.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C():
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
		p.checkHealth(ctx)
	}
}

// checkHealth kicks pending hosts whose agent does not answer.
func (p *Pool) checkHealth(ctx context.Context) {
	if p.stopped() || p.activeCount() >= p.opts.Target {
		logging.Debug(ctx, "Skip kicking hosts")
		return
	}
	for _, h := range p.hostsIn(statePending) {
		if p.stopped() {
			logging.Debug(ctx, "Break kicking hosts")
			return
		}
		if p.pingable(ctx, h) {
			logging.Debugf(ctx, "%v is alive; won't kick", h)
			continue
		}
		if p.opts.Kicker == nil {
			continue
		}
		logging.Debugf(ctx, "Kicking %v", h)
		if err := p.opts.Kicker.Kick(ctx, h); err != nil {
			logging.Infof(ctx, "Failed to kick %v: %v", h, err)
		}
	}
}

func (p *Pool) pingable(ctx context.Context, h fleet.Host) bool {
	agent, err := p.opts.Dial(h)
	if err != nil {
		return false
	}
	defer agent.Close()
	ok, err := agent.Ping(ctx, "")
	return err == nil && ok
}
