// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ekmixon/glusterfs/errors"
	"github.com/ekmixon/glusterfs/internal/logging"
	"github.com/ekmixon/glusterfs/internal/payload"
)

const (
	srcDirName  = "glusterfs"
	logFileName = "test-handlers.log"

	// killGrace is how long a timed-out command's output pipes may linger.
	killGrace = 5 * time.Second
)

// Workspace is the agent's scratch directory. Every command runs with its
// output appended to a single shared log file that is truncated before each
// operation.
type Workspace struct {
	dir string

	mu  sync.Mutex
	log *os.File
}

// NewWorkspace creates dir if needed and opens its log file.
func NewWorkspace(dir string) (*Workspace, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &Workspace{dir: dir, log: f}, nil
}

// Close closes the log file.
func (w *Workspace) Close() error {
	return w.log.Close()
}

// Dir returns the scratch directory.
func (w *Workspace) Dir() string { return w.dir }

// SrcDir returns the directory the payload is unpacked into.
func (w *Workspace) SrcDir() string { return filepath.Join(w.dir, srcDirName) }

// TruncateLog empties the shared log.
func (w *Workspace) TruncateLog() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.log.Truncate(0)
}

// ReadLog returns the shared log content.
func (w *Workspace) ReadLog() ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return os.ReadFile(w.log.Name())
}

// logf appends a line to the shared log.
func (w *Workspace) logf(format string, args ...interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.log, format+"\n", args...)
}

// Unpack replaces the source directory with the content of a gzipped
// tarball. A malformed archive is reported through ok=false.
func (w *Workspace) Unpack(ctx context.Context, archive []byte) (ok bool, err error) {
	if err := os.RemoveAll(w.SrcDir()); err != nil {
		return false, err
	}
	if err := os.MkdirAll(w.SrcDir(), 0755); err != nil {
		return false, err
	}
	if err := payload.Extract(bytes.NewReader(archive), w.SrcDir()); err != nil {
		w.logf("unpack failed: %v", err)
		logging.Infof(ctx, "Failed to unpack payload: %v", err)
		return false, nil
	}
	return true, nil
}

// Run runs cmd with /bin/sh in the source directory, sending its output to
// the shared log. A non-zero exit is reported through ok=false. With a
// positive timeout the whole process group is killed once it elapses.
func (w *Workspace) Run(ctx context.Context, cmd string, timeout time.Duration) (ok bool, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logging.Debugf(ctx, "%s> %s", w.SrcDir(), cmd)
	c := exec.CommandContext(ctx, "/bin/sh", "-c", cmd)
	c.Dir = w.SrcDir()
	c.Stdout = w.log
	c.Stderr = w.log
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		return unix.Kill(-c.Process.Pid, unix.SIGKILL)
	}
	c.WaitDelay = killGrace

	err = c.Run()
	var ee *exec.ExitError
	switch {
	case err == nil:
		return true, nil
	case ctx.Err() == context.DeadlineExceeded:
		w.logf("killed after %v timeout", timeout)
		return false, nil
	case errors.As(err, &ee):
		logging.Debugf(ctx, "%q exited with %v", cmd, ee)
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to run %q", cmd)
}
