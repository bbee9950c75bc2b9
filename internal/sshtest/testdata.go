// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sshtest

import (
	"os"
	"sync"
	"testing"
)

// TestData holds an SSHServer together with a key file accepted by it.
// Commands received by the server are recorded and then run with /bin/sh.
type TestData struct {
	Srv         *SSHServer
	UserKeyFile string

	mu   sync.Mutex
	cmds []string
}

// NewTestData starts an SSH server that runs commands for real. The server
// and key file are released when t finishes.
func NewTestData(t *testing.T) *TestData {
	t.Helper()
	userKey, hostKey := StaticKeys()

	td := &TestData{}
	var err error
	if td.Srv, err = NewSSHServer(&userKey.PublicKey, hostKey, td.handleExec); err != nil {
		t.Fatal(err)
	}
	if td.UserKeyFile, err = WriteKey(userKey); err != nil {
		td.Srv.Close()
		t.Fatal(err)
	}
	t.Cleanup(func() {
		td.Srv.Close()
		os.Remove(td.UserKeyFile)
	})
	return td
}

// Cmds returns the command lines received so far.
func (td *TestData) Cmds() []string {
	td.mu.Lock()
	defer td.mu.Unlock()
	return append([]string(nil), td.cmds...)
}

func (td *TestData) handleExec(req *ExecReq) {
	td.mu.Lock()
	td.cmds = append(td.cmds, req.Cmd)
	td.mu.Unlock()

	req.Start(true)
	req.End(req.RunRealCmd())
}
