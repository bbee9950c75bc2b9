// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rpc

import (
	"context"
	"runtime/debug"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	_ "google.golang.org/grpc/encoding/gzip" // registers the gzip compressor
	"google.golang.org/grpc/status"

	"github.com/ekmixon/glusterfs/internal/logging"
)

// NewServer returns a gRPC server serving srv. Handler errors that are not
// already gRPC statuses and handler panics are logged via logCtx and
// reported to callers as a generic Internal failure.
func NewServer(logCtx context.Context, srv AgentServer) *grpc.Server {
	s := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
		grpc.UnaryInterceptor(faultInterceptor(logCtx)),
	)
	RegisterAgentServer(s, srv)
	return s
}

func faultInterceptor(logCtx context.Context) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logging.Infof(logCtx, "%s panicked: %v\n%s", info.FullMethod, r, debug.Stack())
				resp, retErr = nil, status.Error(codes.Internal, "internal error")
			}
		}()

		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		if st, ok := status.FromError(err); ok {
			return nil, st.Err()
		}
		logging.Infof(logCtx, "%s failed: %+v", info.FullMethod, err)
		return nil, status.Error(codes.Internal, "internal error")
	}
}
