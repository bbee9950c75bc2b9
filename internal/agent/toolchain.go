// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package agent

import (
	"github.com/ekmixon/glusterfs/errors"
	"github.com/ekmixon/glusterfs/internal/rpc"
	"github.com/ekmixon/glusterfs/shutil"
)

// Toolchain holds the shell command lines the agent runs in the unpacked
// source directory.
type Toolchain struct {
	Cleanup  string
	Clean    string
	Build    string
	Install  string
	Prove    string
	Valgrind string
}

// DefaultToolchain builds with the tree's distributed-testing build script
// and runs tests with prove.
var DefaultToolchain = Toolchain{
	Cleanup:  "PATH=.:$PATH; sudo ./clean_gfs_devserver.sh",
	Clean:    "make clean",
	Build:    "./extras/distributed-testing/distributed-test-build.sh",
	Install:  "make install",
	Prove:    "prove -v",
	Valgrind: "valgrind",
}

// BuildCommand returns the build command line, enabling sanitizers if asked.
func (tc *Toolchain) BuildCommand(sanitizer bool) string {
	if sanitizer {
		return "ASAN_ENABLED=1 " + tc.Build
	}
	return tc.Build
}

// TestCommand returns the command line running test under mode.
func (tc *Toolchain) TestCommand(test string, mode rpc.Mode) (string, error) {
	env := map[string]string{"DEBUG": "1"}
	var runner string
	switch mode {
	case rpc.ModePlain, "":
		runner = tc.Prove
	case rpc.ModeMemcheck:
		runner = tc.Valgrind + " --tool=memcheck --leak-check=full --track-origins=yes --show-leak-kinds=all -v " + tc.Prove
	case rpc.ModeDRD:
		runner = tc.Valgrind + " --tool=drd -v " + tc.Prove
	case rpc.ModeASanNoLeaks:
		env["ASAN_OPTIONS"] = "detect_leaks=0"
		runner = tc.Prove
	default:
		return "", errors.Errorf("unknown instrumentation mode %q", mode)
	}
	prefix, err := shutil.EnvPrefix(env)
	if err != nil {
		return "", err
	}
	return prefix + runner + " " + shutil.Escape(test), nil
}
