// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package session

import (
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"

	"github.com/ekmixon/glusterfs/errors"
)

func nop() error { return nil }

func TestClaimAndExpiry(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Unix(1700000000, 0))
	s := New(clk, time.Minute)

	if !s.Handshake("A") {
		t.Fatal("Handshake(A) on an unclaimed session failed")
	}
	if !s.Handshake("A") {
		t.Error("Repeated Handshake(A) failed")
	}
	if s.Handshake("B") {
		t.Error("Handshake(B) succeeded while A holds a live claim")
	}
	if err := s.Do("B", nop); !errors.Is(err, ErrNotOwner) {
		t.Errorf("Do(B) = %v; want ErrNotOwner", err)
	}

	clk.Increment(59 * time.Second)
	if s.Handshake("B") {
		t.Error("Handshake(B) succeeded before the idle timeout")
	}

	clk.Increment(2 * time.Second)
	if !s.Handshake("B") {
		t.Fatal("Handshake(B) failed after A went idle past the timeout")
	}
	if err := s.Do("A", nop); !errors.Is(err, ErrNotOwner) {
		t.Errorf("Do(A) after expiry = %v; want ErrNotOwner", err)
	}
	if err := s.Do("B", nop); err != nil {
		t.Errorf("Do(B) = %v; want nil", err)
	}
}

func TestPing(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Unix(1700000000, 0))
	s := New(clk, time.Minute)

	if !s.Ping("") {
		t.Error(`Ping("") = false; want true`)
	}
	if s.Ping("A") {
		t.Error("Ping(A) = true on an unclaimed session")
	}
	s.Handshake("A")

	// Pings from the owner keep the claim alive indefinitely.
	for i := 0; i < 5; i++ {
		clk.Increment(50 * time.Second)
		if !s.Ping("A") {
			t.Fatalf("Ping(A) #%d = false; want true", i)
		}
	}
	if s.Ping("B") {
		t.Error("Ping(B) = true while A owns the session")
	}
	if got := s.Owner(); got != "A" {
		t.Errorf("Owner() = %q; want %q", got, "A")
	}
}

func TestNoExpiryWhileBusy(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Unix(1700000000, 0))
	s := New(clk, time.Minute)
	s.Handshake("A")

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- s.Do("A", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	clk.Increment(10 * time.Minute)
	if s.Handshake("B") {
		t.Error("Handshake(B) succeeded while A's operation is running")
	}
	if got := s.Owner(); got != "A" {
		t.Errorf("Owner() during operation = %q; want %q", got, "A")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal("Do failed: ", err)
	}

	// The idle timer restarts when the operation ends.
	clk.Increment(30 * time.Second)
	if s.Handshake("B") {
		t.Error("Handshake(B) succeeded right after A's operation ended")
	}
}

func TestSignOff(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Unix(1700000000, 0))
	s := New(clk, time.Minute)
	s.Handshake("A")

	if err := s.SignOff("B"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("SignOff(B) = %v; want ErrNotOwner", err)
	}
	if err := s.SignOff("A"); err != nil {
		t.Fatal("SignOff(A) failed: ", err)
	}
	if got := s.Owner(); got != "" {
		t.Errorf("Owner() after sign-off = %q; want empty", got)
	}
	if !s.Handshake("B") {
		t.Error("Handshake(B) failed after A signed off")
	}
}

func TestSerializedOperations(t *testing.T) {
	s := New(fakeclock.NewFakeClock(time.Unix(1700000000, 0)), time.Minute)
	s.Handshake("A")

	var (
		mu      sync.Mutex
		running int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Do("A", func() error {
				mu.Lock()
				running++
				if running > maxSeen {
					maxSeen = running
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Errorf("Up to %d operations ran concurrently; want 1", maxSeen)
	}
}
