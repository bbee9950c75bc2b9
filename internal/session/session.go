// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package session implements the agent's single-client session: at most one
// run identity owns the agent at a time, operations of the owner run one at
// a time, and an owner that goes quiet loses its claim after an idle timeout.
package session

import (
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/ekmixon/glusterfs/errors"
)

// DefaultIdleTimeout is how long a claim survives without activity.
const DefaultIdleTimeout = 60 * time.Second

// ErrNotOwner is returned for an operation whose run ID does not own the session.
var ErrNotOwner = errors.New("session is not owned by the caller")

// Session is the claim state of an agent. The zero value is not usable;
// call New.
type Session struct {
	clk         clock.Clock
	idleTimeout time.Duration

	// gate serializes operations. It is held for the whole of an operation,
	// never together with mu across a call into user code.
	gate sync.Mutex

	mu         sync.Mutex
	owner      string // empty when unclaimed
	lastActive time.Time
	busy       bool
}

// New returns an unclaimed Session.
func New(clk clock.Clock, idleTimeout time.Duration) *Session {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Session{clk: clk, idleTimeout: idleTimeout}
}

// expireLocked drops a claim whose owner has been idle too long.
// s.mu must be held.
func (s *Session) expireLocked() {
	if s.owner != "" && !s.busy && s.clk.Since(s.lastActive) > s.idleTimeout {
		s.owner = ""
	}
}

// Handshake claims the session for id. It succeeds if the session is
// unclaimed or expired, or already owned by id, and fails if another
// identity owns it or an operation is running.
func (s *Session) Handshake(id string) bool {
	if id == "" {
		return false
	}
	if !s.gate.TryLock() {
		return false
	}
	defer s.gate.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	if s.owner != "" && s.owner != id {
		return false
	}
	s.owner = id
	s.lastActive = s.clk.Now()
	return true
}

// Ping reports whether id owns the session, refreshing the claim if so.
// An empty id is a reachability probe and always succeeds.
func (s *Session) Ping(id string) bool {
	if id == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	if s.owner != id {
		return false
	}
	if !s.busy {
		s.lastActive = s.clk.Now()
	}
	return true
}

// Owner returns the identity owning the session, or "" if unclaimed.
func (s *Session) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	return s.owner
}

// Do runs fn on behalf of id once every earlier operation has finished.
// It returns ErrNotOwner without calling fn if id does not own the session.
// The claim cannot expire while fn runs and its idle timer restarts when fn
// returns.
func (s *Session) Do(id string, fn func() error) error {
	s.gate.Lock()
	defer s.gate.Unlock()

	if err := s.begin(id); err != nil {
		return err
	}
	defer s.end()
	return fn()
}

// SignOff releases the claim held by id.
func (s *Session) SignOff(id string) error {
	return s.Do(id, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.owner = ""
		return nil
	})
}

func (s *Session) begin(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	if id == "" || s.owner != id {
		return ErrNotOwner
	}
	s.busy = true
	return nil
}

func (s *Session) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	s.lastActive = s.clk.Now()
}
