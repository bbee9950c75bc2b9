// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the full gRPC name of the agent service.
const ServiceName = "disttest.Agent"

// AgentServer is the server API of the agent service.
type AgentServer interface {
	Handshake(context.Context, *SessionRequest) (*BoolReply, error)
	Ping(context.Context, *SessionRequest) (*BoolReply, error)
	SignOff(context.Context, *SessionRequest) (*BoolReply, error)
	Cleanup(context.Context, *SessionRequest) (*BoolReply, error)
	CopyPayload(context.Context, *CopyPayloadRequest) (*BoolReply, error)
	Build(context.Context, *BuildRequest) (*BoolReply, error)
	Install(context.Context, *SessionRequest) (*BoolReply, error)
	RunTest(context.Context, *RunTestRequest) (*RunTestReply, error)
}

// unaryMethod builds the descriptor of a unary method that decodes a Req and
// dispatches it to call.
func unaryMethod[Req, Resp any](name string, call func(AgentServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(AgentServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(name),
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

var agentServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Handshake", AgentServer.Handshake),
		unaryMethod("Ping", AgentServer.Ping),
		unaryMethod("SignOff", AgentServer.SignOff),
		unaryMethod("Cleanup", AgentServer.Cleanup),
		unaryMethod("CopyPayload", AgentServer.CopyPayload),
		unaryMethod("Build", AgentServer.Build),
		unaryMethod("Install", AgentServer.Install),
		unaryMethod("RunTest", AgentServer.RunTest),
	},
	Metadata: "disttest/agent",
}

// RegisterAgentServer registers srv on s.
func RegisterAgentServer(s grpc.ServiceRegistrar, srv AgentServer) {
	s.RegisterService(&agentServiceDesc, srv)
}
