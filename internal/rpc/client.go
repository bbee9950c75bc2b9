// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package rpc implements the disttest.Agent gRPC service spoken between the
// test driver and the agents on worker hosts. Messages are JSON encoded and
// binary payloads travel as base16 strings.
package rpc

import (
	"context"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/keepalive"

	"github.com/ekmixon/glusterfs/errors"
	"github.com/ekmixon/glusterfs/internal/fleet"
)

// Family is the IP version used to reach agents.
type Family string

const (
	// IPv4 dials agents over IPv4.
	IPv4 Family = "ipv4"
	// IPv6 dials agents over IPv6.
	IPv6 Family = "ipv6"
)

// ParseFamily parses "ipv4" or "ipv6", ignoring case.
func ParseFamily(s string) (Family, error) {
	switch f := Family(strings.ToLower(s)); f {
	case IPv4, IPv6:
		return f, nil
	}
	return "", errors.Errorf("unknown address family %q", s)
}

// Network returns the net package network name for f.
func (f Family) Network() string {
	if f == IPv6 {
		return "tcp6"
	}
	return "tcp4"
}

const (
	// DefaultDialTimeout bounds establishing the TCP connection.
	DefaultDialTimeout = 10 * time.Second
	// DefaultCallTimeout bounds the short session calls.
	DefaultCallTimeout = 60 * time.Second
	// DefaultSetupTimeout bounds payload transfer, build and install.
	DefaultSetupTimeout = 2 * time.Hour

	// maxMessageSize admits payload archives of a full source tree.
	maxMessageSize = 1 << 30
)

// ClientOptions configures a Client.
type ClientOptions struct {
	Family       Family
	DialTimeout  time.Duration
	CallTimeout  time.Duration
	SetupTimeout time.Duration

	// ContextDialer overrides how connections are made. Tests use it to
	// connect to in-memory listeners.
	ContextDialer func(ctx context.Context, addr string) (net.Conn, error)
}

func (o *ClientOptions) fillDefaults() {
	if o.Family == "" {
		o.Family = IPv4
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.SetupTimeout <= 0 {
		o.SetupTimeout = DefaultSetupTimeout
	}
}

// Client is a connection to the agent on one host.
type Client struct {
	conn *grpc.ClientConn
	opts ClientOptions
	host fleet.Host
}

// NewClient creates a Client for host. The connection is established lazily
// by the first call, so an unreachable host surfaces as a call error.
func NewClient(host fleet.Host, opts ClientOptions) (*Client, error) {
	opts.fillDefaults()
	dialer := opts.ContextDialer
	if dialer == nil {
		network, timeout := opts.Family.Network(), opts.DialTimeout
		dialer = func(ctx context.Context, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, network, addr)
		}
	}
	conn, err := grpc.NewClient("passthrough:///"+host.String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(dialer),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.UseCompressor(gzip.Name),
			grpc.MaxCallSendMsgSize(maxMessageSize),
			grpc.MaxCallRecvMsgSize(maxMessageSize),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			// Stay under the default server enforcement policy (MinTime=5m).
			Time:    5 * time.Minute,
			Timeout: 20 * time.Second,
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create client for %s", host)
	}
	return &Client{conn: conn, opts: opts, host: host}, nil
}

// Host returns the host the client talks to.
func (c *Client) Host() fleet.Host {
	return c.host
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, timeout time.Duration, req, reply interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.conn.Invoke(ctx, fullMethod(method), req, reply); err != nil {
		return errors.Wrapf(err, "%s on %s failed", method, c.host)
	}
	return nil
}

func (c *Client) boolCall(ctx context.Context, method string, timeout time.Duration, req interface{}) (bool, error) {
	var reply BoolReply
	if err := c.invoke(ctx, method, timeout, req, &reply); err != nil {
		return false, err
	}
	return reply.OK, nil
}

// Handshake tries to claim the agent's session for runID.
func (c *Client) Handshake(ctx context.Context, runID string) (bool, error) {
	return c.boolCall(ctx, "Handshake", c.opts.CallTimeout, &SessionRequest{RunID: runID})
}

// Ping checks liveness. With a non-empty runID it reports whether runID
// owns the agent's session and keeps the claim alive.
func (c *Client) Ping(ctx context.Context, runID string) (bool, error) {
	return c.boolCall(ctx, "Ping", c.opts.CallTimeout, &SessionRequest{RunID: runID})
}

// SignOff releases the session.
func (c *Client) SignOff(ctx context.Context, runID string) (bool, error) {
	return c.boolCall(ctx, "SignOff", c.opts.CallTimeout, &SessionRequest{RunID: runID})
}

// Cleanup runs the workspace cleanup script.
func (c *Client) Cleanup(ctx context.Context, runID string) (bool, error) {
	return c.boolCall(ctx, "Cleanup", c.opts.SetupTimeout, &SessionRequest{RunID: runID})
}

// CopyPayload transfers the payload archive and unpacks it in the workspace.
func (c *Client) CopyPayload(ctx context.Context, runID string, archive []byte) (bool, error) {
	return c.boolCall(ctx, "CopyPayload", c.opts.SetupTimeout, &CopyPayloadRequest{RunID: runID, Archive: Encode(archive)})
}

// Build builds the unpacked payload, optionally with sanitizers.
func (c *Client) Build(ctx context.Context, runID string, sanitizer bool) (bool, error) {
	return c.boolCall(ctx, "Build", c.opts.SetupTimeout, &BuildRequest{RunID: runID, Sanitizer: sanitizer})
}

// Install installs the build.
func (c *Client) Install(ctx context.Context, runID string) (bool, error) {
	return c.boolCall(ctx, "Install", c.opts.SetupTimeout, &SessionRequest{RunID: runID})
}

// RunTest runs test under mode. The call waits for the agent's own timeout
// plus the usual call allowance. On failure the captured log is returned.
func (c *Client) RunTest(ctx context.Context, runID, test string, timeout time.Duration, mode Mode) (ok bool, log []byte, err error) {
	req := &RunTestRequest{
		RunID:          runID,
		Test:           test,
		TimeoutSeconds: int64(timeout / time.Second),
		Mode:           mode,
	}
	var reply RunTestReply
	if err := c.invoke(ctx, "RunTest", timeout+c.opts.CallTimeout, req, &reply); err != nil {
		return false, nil, err
	}
	if reply.OK {
		return true, nil, nil
	}
	log, err = Decode(reply.Log)
	if err != nil {
		return false, nil, errors.Wrapf(err, "RunTest on %s returned a bad log", c.host)
	}
	return false, log, nil
}
