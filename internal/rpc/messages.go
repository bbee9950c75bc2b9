// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rpc

import (
	"encoding/hex"
	"strings"

	"github.com/ekmixon/glusterfs/errors"
)

// Mode selects the instrumentation a test runs under.
type Mode string

const (
	// ModePlain runs the test without instrumentation.
	ModePlain Mode = "plain"
	// ModeMemcheck runs the test under the valgrind memory checker.
	ModeMemcheck Mode = "memcheck"
	// ModeDRD runs the test under the valgrind race detector.
	ModeDRD Mode = "drd"
	// ModeASanNoLeaks runs a sanitizer build with leak detection disabled.
	ModeASanNoLeaks Mode = "asan-noleaks"
)

// SessionRequest is the request of calls that carry only a run ID:
// Handshake, Ping, SignOff, Cleanup and Install. Ping accepts an empty ID.
type SessionRequest struct {
	RunID string `json:"run_id,omitempty"`
}

// CopyPayloadRequest carries the payload archive, base16 encoded.
type CopyPayloadRequest struct {
	RunID   string `json:"run_id"`
	Archive string `json:"archive"`
}

// BuildRequest asks the agent to build the payload.
type BuildRequest struct {
	RunID     string `json:"run_id"`
	Sanitizer bool   `json:"sanitizer"`
}

// RunTestRequest asks the agent to run a single test.
type RunTestRequest struct {
	RunID          string `json:"run_id"`
	Test           string `json:"test"`
	TimeoutSeconds int64  `json:"timeout_seconds"`
	Mode           Mode   `json:"mode"`
}

// BoolReply is the reply of every call except RunTest.
type BoolReply struct {
	OK bool `json:"ok"`
}

// RunTestReply carries the test verdict and, on failure, the captured
// output base16 encoded.
type RunTestReply struct {
	OK  bool   `json:"ok"`
	Log string `json:"log,omitempty"`
}

// Encode returns b in base16 using the upper-case RFC 4648 alphabet.
func Encode(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// Decode reverses Encode. Lower-case input is accepted too.
func Decode(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "malformed base16 payload")
	}
	return b, nil
}
