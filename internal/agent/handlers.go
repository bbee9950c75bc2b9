// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package agent

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ekmixon/glusterfs/errors"
	"github.com/ekmixon/glusterfs/internal/logging"
	"github.com/ekmixon/glusterfs/internal/rpc"
	"github.com/ekmixon/glusterfs/internal/session"
)

// DefaultTestTimeout applies to RunTest requests without a timeout.
const DefaultTestTimeout = 15 * time.Minute

// Handlers implements rpc.AgentServer on top of a Workspace. Operations are
// serialized and restricted to the session owner.
type Handlers struct {
	logCtx context.Context
	sess   *session.Session
	ws     *Workspace
	tc     Toolchain
}

var _ rpc.AgentServer = (*Handlers)(nil)

// NewHandlers returns Handlers operating on ws. logCtx carries the agent's
// logger and bounds the lifetime of commands started by the handlers.
func NewHandlers(logCtx context.Context, sess *session.Session, ws *Workspace, tc Toolchain) *Handlers {
	return &Handlers{logCtx: logCtx, sess: sess, ws: ws, tc: tc}
}

// do runs fn as an operation of runID. The shared log is truncated first;
// failures are logged together with it. Callers see a FailedPrecondition
// status if runID does not own the session and a generic Internal status if
// fn fails or panics.
func (h *Handlers) do(op, runID string, fn func(ctx context.Context) error) error {
	ctx := h.logCtx
	err := h.sess.Do(runID, func() (err error) {
		if err := h.ws.TruncateLog(); err != nil {
			return errors.Wrap(err, "failed to truncate log")
		}
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("panic: %v", r)
			}
		}()
		return fn(ctx)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrNotOwner):
		logging.Debugf(ctx, "Rejected %s from %s: %v", op, runID, err)
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	captured, _ := h.ws.ReadLog()
	logging.Infof(ctx, "%s failed: %+v", op, err)
	logging.Infof(ctx, "Captured log:\n%s", captured)
	return status.Error(codes.Internal, "internal error")
}

// Handshake claims the session.
func (h *Handlers) Handshake(ctx context.Context, req *rpc.SessionRequest) (*rpc.BoolReply, error) {
	ok := h.sess.Handshake(req.RunID)
	logging.Debugf(h.logCtx, "Handshake from %s: %v", req.RunID, ok)
	return &rpc.BoolReply{OK: ok}, nil
}

// Ping reports whether the caller owns the session.
func (h *Handlers) Ping(ctx context.Context, req *rpc.SessionRequest) (*rpc.BoolReply, error) {
	return &rpc.BoolReply{OK: h.sess.Ping(req.RunID)}, nil
}

// SignOff releases the session.
func (h *Handlers) SignOff(ctx context.Context, req *rpc.SessionRequest) (*rpc.BoolReply, error) {
	if err := h.sess.SignOff(req.RunID); err != nil {
		if errors.Is(err, session.ErrNotOwner) {
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		}
		return nil, err
	}
	logging.Infof(h.logCtx, "Client %s signed off", req.RunID)
	return &rpc.BoolReply{OK: true}, nil
}

// Cleanup runs the cleanup script. Its failure is an error, not a verdict.
func (h *Handlers) Cleanup(ctx context.Context, req *rpc.SessionRequest) (*rpc.BoolReply, error) {
	err := h.do("Cleanup", req.RunID, func(ctx context.Context) error {
		ok, err := h.ws.Run(ctx, h.tc.Cleanup, 0)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("%q failed", h.tc.Cleanup)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rpc.BoolReply{OK: true}, nil
}

// CopyPayload unpacks the payload archive into the source directory.
func (h *Handlers) CopyPayload(ctx context.Context, req *rpc.CopyPayloadRequest) (*rpc.BoolReply, error) {
	var ok bool
	err := h.do("CopyPayload", req.RunID, func(ctx context.Context) error {
		archive, err := rpc.Decode(req.Archive)
		if err != nil {
			return err
		}
		logging.Infof(ctx, "Unpacking %d byte payload from %s", len(archive), req.RunID)
		ok, err = h.ws.Unpack(ctx, archive)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &rpc.BoolReply{OK: ok}, nil
}

// Build cleans and builds the source directory.
func (h *Handlers) Build(ctx context.Context, req *rpc.BuildRequest) (*rpc.BoolReply, error) {
	var ok bool
	err := h.do("Build", req.RunID, func(ctx context.Context) error {
		// A failing clean is expected on a fresh tree.
		if _, err := h.ws.Run(ctx, h.tc.Clean, 0); err != nil {
			return err
		}
		var err error
		ok, err = h.ws.Run(ctx, h.tc.BuildCommand(req.Sanitizer), 0)
		return err
	})
	if err != nil {
		return nil, err
	}
	logging.Infof(h.logCtx, "Build for %s (sanitizer=%v): ok=%v", req.RunID, req.Sanitizer, ok)
	return &rpc.BoolReply{OK: ok}, nil
}

// Install installs the build.
func (h *Handlers) Install(ctx context.Context, req *rpc.SessionRequest) (*rpc.BoolReply, error) {
	var ok bool
	err := h.do("Install", req.RunID, func(ctx context.Context) error {
		var err error
		ok, err = h.ws.Run(ctx, h.tc.Install, 0)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &rpc.BoolReply{OK: ok}, nil
}

// RunTest runs one test under a hard timeout and returns the captured log
// if it fails.
func (h *Handlers) RunTest(ctx context.Context, req *rpc.RunTestRequest) (*rpc.RunTestReply, error) {
	var reply rpc.RunTestReply
	err := h.do("RunTest", req.RunID, func(ctx context.Context) error {
		cmd, err := h.tc.TestCommand(req.Test, req.Mode)
		if err != nil {
			return err
		}
		timeout := time.Duration(req.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = DefaultTestTimeout
		}
		ok, err := h.ws.Run(ctx, cmd, timeout)
		if err != nil {
			return err
		}
		reply.OK = ok
		if !ok {
			log, err := h.ws.ReadLog()
			if err != nil {
				return err
			}
			reply.Log = rpc.Encode(log)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Infof(h.logCtx, "%s: ok=%v", req.Test, reply.OK)
	return &reply, nil
}
