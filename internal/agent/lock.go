// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package agent

import (
	"context"
	"fmt"
	"os"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"github.com/ekmixon/glusterfs/errors"
	"github.com/ekmixon/glusterfs/internal/logging"
)

// ErrAlreadyRunning is returned when another agent holds the workspace lock.
var ErrAlreadyRunning = errors.New("another agent instance owns the workspace")

// lockFileName is created in the scratch directory and flocked for the
// agent's lifetime.
const lockFileName = "disttest.pid"

// acquireLock takes an exclusive non-blocking flock on path. The lock lives
// as long as the returned file stays open.
func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrAlreadyRunning
		}
		return nil, errors.Wrapf(err, "failed to lock %s", path)
	}
	f.Truncate(0)
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return f, nil
}

// killPortHolders kills every other process listening on TCP port.
func killPortHolders(ctx context.Context, port int) error {
	if port <= 0 {
		return nil
	}
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return errors.Wrap(err, "failed to list connections")
	}
	self := int32(os.Getpid())
	killed := make(map[int32]bool)
	for _, c := range conns {
		if c.Status != "LISTEN" || c.Laddr.Port != uint32(port) || c.Pid == 0 || c.Pid == self || killed[c.Pid] {
			continue
		}
		killed[c.Pid] = true
		proc, err := process.NewProcessWithContext(ctx, c.Pid)
		if err != nil {
			continue
		}
		logging.Infof(ctx, "Killing pid %d listening on port %d", c.Pid, port)
		if err := proc.KillWithContext(ctx); err != nil {
			logging.Infof(ctx, "Failed to kill pid %d: %v", c.Pid, err)
		}
	}
	return nil
}
