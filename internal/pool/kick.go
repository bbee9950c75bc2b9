// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package pool

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ekmixon/glusterfs/errors"
	"github.com/ekmixon/glusterfs/internal/fleet"
	"github.com/ekmixon/glusterfs/internal/logging"
	"github.com/ekmixon/glusterfs/shutil"
	"github.com/ekmixon/glusterfs/ssh"
)

const (
	// DefaultKickTimeout bounds one copy-and-launch of the agent.
	DefaultKickTimeout = 10 * time.Second
	// DefaultKickInterval is the minimum time between two kicks of one host.
	// An agent that was just launched may still be starting up.
	DefaultKickInterval = time.Minute

	defaultRemoteDir = "/tmp"
)

// SSHKicker copies the agent binary to a host over SSH and starts it in
// the background in server mode.
type SSHKicker struct {
	// Binary is the local agent executable. It defaults to the running one.
	Binary string
	// KeyFile is the private key accepted by every host.
	KeyFile string
	// User defaults to root.
	User string
	// SSHPort defaults to 22.
	SSHPort int
	// RemoteDir receives the binary and its log. It defaults to /tmp.
	RemoteDir string
	// ServerArgs are extra flags passed to the server subcommand.
	ServerArgs []string
	Timeout    time.Duration
	Interval   time.Duration

	mu       sync.Mutex
	limiters map[fleet.Host]*rate.Limiter
}

var _ Kicker = (*SSHKicker)(nil)

// allow reports whether h may be kicked now.
func (k *SSHKicker) allow(h fleet.Host) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.limiters == nil {
		k.limiters = make(map[fleet.Host]*rate.Limiter)
	}
	l, ok := k.limiters[h]
	if !ok {
		interval := k.Interval
		if interval <= 0 {
			interval = DefaultKickInterval
		}
		l = rate.NewLimiter(rate.Every(interval), 1)
		k.limiters[h] = l
	}
	return l.Allow()
}

// Command returns the shell command that launches the agent at dest.
func (k *SSHKicker) Command(dest string, h fleet.Host) string {
	args := append([]string{dest, "server", "-port", strconv.Itoa(h.Port)}, k.ServerArgs...)
	return fmt.Sprintf("nohup %s >> %s 2>&1 < /dev/null &", shutil.EscapeSlice(args), shutil.Escape(dest+".log"))
}

// Kick copies the agent to h and launches it. Kicks of one host closer
// together than the kick interval are skipped.
func (k *SSHKicker) Kick(ctx context.Context, h fleet.Host) error {
	if !k.allow(h) {
		logging.Debugf(ctx, "Kicked %v recently; skipping", h)
		return nil
	}

	bin := k.Binary
	if bin == "" {
		var err error
		if bin, err = os.Executable(); err != nil {
			return errors.Wrap(err, "failed to locate own executable")
		}
	}
	timeout := k.Timeout
	if timeout <= 0 {
		timeout = DefaultKickTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	port := k.SSHPort
	if port == 0 {
		port = 22
	}
	o := &ssh.Options{
		KeyFile:        k.KeyFile,
		ConnectTimeout: timeout,
		WarnFunc:       func(msg string) { logging.Debug(ctx, msg) },
	}
	target := net.JoinHostPort(h.Address, strconv.Itoa(port))
	if k.User != "" {
		target = k.User + "@" + target
	}
	if err := ssh.ParseTarget(target, o); err != nil {
		return err
	}
	conn, err := ssh.New(ctx, o)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	dir := k.RemoteDir
	if dir == "" {
		dir = defaultRemoteDir
	}
	dest := path.Join(dir, filepath.Base(bin))
	if err := conn.PutFile(ctx, bin, dest, 0755); err != nil {
		return err
	}
	if out, err := conn.Run(ctx, k.Command(dest, h)); err != nil {
		return errors.Wrapf(err, "failed to launch agent: %s", out)
	}
	logging.Infof(ctx, "Launched agent on %v", h)
	return nil
}
