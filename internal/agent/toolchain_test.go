// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package agent

import (
	"testing"

	"github.com/ekmixon/glusterfs/internal/rpc"
)

func TestTestCommand(t *testing.T) {
	tc := DefaultToolchain
	for _, c := range []struct {
		mode rpc.Mode
		want string
	}{
		{rpc.ModePlain, "DEBUG=1 prove -v tests/basic/a.t"},
		{rpc.ModeMemcheck, "DEBUG=1 valgrind --tool=memcheck --leak-check=full --track-origins=yes --show-leak-kinds=all -v prove -v tests/basic/a.t"},
		{rpc.ModeDRD, "DEBUG=1 valgrind --tool=drd -v prove -v tests/basic/a.t"},
		{rpc.ModeASanNoLeaks, "ASAN_OPTIONS=detect_leaks=0 DEBUG=1 prove -v tests/basic/a.t"},
	} {
		got, err := tc.TestCommand("tests/basic/a.t", c.mode)
		if err != nil {
			t.Errorf("TestCommand(%v) failed: %v", c.mode, err)
		} else if got != c.want {
			t.Errorf("TestCommand(%v) = %q; want %q", c.mode, got, c.want)
		}
	}
	if _, err := tc.TestCommand("a.t", "helgrind"); err == nil {
		t.Error("TestCommand accepted an unknown mode")
	}
	const quoted = `DEBUG=1 prove -v 'tests/it'"'"'s.t'`
	if got, err := tc.TestCommand("tests/it's.t", rpc.ModePlain); err != nil || got != quoted {
		t.Errorf("TestCommand(quote) = (%q, %v); want %q", got, err, quoted)
	}
}

func TestBuildCommand(t *testing.T) {
	tc := DefaultToolchain
	if got := tc.BuildCommand(false); got != "./extras/distributed-testing/distributed-test-build.sh" {
		t.Errorf("BuildCommand(false) = %q", got)
	}
	if got := tc.BuildCommand(true); got != "ASAN_ENABLED=1 ./extras/distributed-testing/distributed-test-build.sh" {
		t.Errorf("BuildCommand(true) = %q", got)
	}
}
