// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package sshtest provides an in-process SSH server for unit tests of code
// that reaches worker hosts over SSH.
package sshtest

import (
	"bytes"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"os/exec"
	"sync/atomic"
	"syscall"

	"golang.org/x/crypto/ssh"
)

const (
	// sshMsgIgnore is the SSH global message sent to ping the host.
	sshMsgIgnore = "SSH_MSG_IGNORE"

	// maxStringLen contains the maximum length for a string payload.
	maxStringLen = 4096
)

// SSHServer is an SSH server listening on localhost that authenticates a
// single RSA public key. Only "exec" requests and pings are supported.
type SSHServer struct {
	cfg      *ssh.ServerConfig
	listener net.Listener

	rejectConns int64       // number of connections to reject (used as counter)
	execHandler ExecHandler // called to handle "exec" requests
}

func newServerConfig(pk *rsa.PublicKey, hk *rsa.PrivateKey) (*ssh.ServerConfig, error) {
	pub, err := ssh.NewPublicKey(pk)
	if err != nil {
		return nil, fmt.Errorf("failed to generate SSH public key: %v", err)
	}
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			if subtle.ConstantTimeCompare(pubKey.Marshal(), pub.Marshal()) == 1 {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		},
	}

	signer, err := ssh.NewSignerFromKey(hk)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host signer: %v", err)
	}
	cfg.AddHostKey(signer)
	return cfg, nil
}

// NewSSHServer creates an SSH server using host key hk and accepting public
// key authentication using pk. It listens on a random localhost port.
func NewSSHServer(pk *rsa.PublicKey, hk *rsa.PrivateKey, handler ExecHandler) (*SSHServer, error) {
	cfg, err := newServerConfig(pk, hk)
	if err != nil {
		return nil, err
	}
	ls, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return nil, err
	}
	s := &SSHServer{
		cfg:         cfg,
		listener:    ls,
		execHandler: handler,
	}

	go func() {
		for {
			conn, err := ls.Accept()
			if err != nil {
				return
			}
			go func() {
				if err := s.handleConn(conn); err != nil {
					log.Print("Got error while handling connection: ", err)
				}
			}()
		}
	}()
	return s, nil
}

// Close instructs the server to stop listening for connections.
func (s *SSHServer) Close() error {
	return s.listener.Close()
}

// RejectConns instructs the server to reject the next n connections.
func (s *SSHServer) RejectConns(n int) {
	atomic.StoreInt64(&s.rejectConns, int64(n))
}

// Addr returns the address on which the server is listening.
func (s *SSHServer) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *SSHServer) handleConn(conn net.Conn) error {
	if atomic.AddInt64(&s.rejectConns, -1) >= 0 {
		conn.Close()
		return fmt.Errorf("intentionally rejecting")
	}

	_, chans, reqs, err := ssh.NewServerConn(conn, s.cfg)
	if err != nil {
		return fmt.Errorf("failed to handshake: %v", err)
	}

	go func() {
		for req := range reqs {
			if !req.WantReply {
				continue
			}
			req.Reply(req.Type == sshMsgIgnore, nil)
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, fmt.Sprintf("%q unsupported", newChan.ChannelType()))
			continue
		}
		ch, chReqs, err := newChan.Accept()
		if err != nil {
			return fmt.Errorf("failed to accept channel: %v", err)
		}
		go s.handleChannel(ch, chReqs)
	}
	return nil
}

func (s *SSHServer) handleChannel(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	for req := range reqs {
		switch req.Type {
		case "exec":
			if cmd, err := readStringPayload(req.Payload); err != nil {
				log.Print("Failed to read command: ", err)
				req.Reply(false, nil)
			} else if s.execHandler == nil {
				req.Reply(false, nil)
			} else {
				er := ExecReq{Cmd: cmd, ch: ch, req: req}
				s.execHandler(&er)
				if er.success {
					// Only one "exec" request can succeed per channel (see RFC 4254 6.5).
					return
				}
			}
		default:
			req.Reply(false, nil)
		}
	}
}

// readStringPayload reads a length-prefixed string from a request payload.
func readStringPayload(payload []byte) (string, error) {
	var slen uint32
	br := bytes.NewReader(payload)
	if err := binary.Read(br, binary.BigEndian, &slen); err != nil {
		return "", fmt.Errorf("failed to read length: %v", err)
	}
	if slen > maxStringLen {
		return "", fmt.Errorf("string length %v too big", slen)
	}
	b := make([]byte, slen)
	if _, err := io.ReadFull(br, b); err != nil {
		return "", fmt.Errorf("failed to read %v-byte string: %v", slen, err)
	}
	return string(b), nil
}

func makeIntPayload(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// ExecReq is used to service an "exec" request.
type ExecReq struct {
	// Cmd contains the command line to be executed.
	Cmd string

	ch  ssh.Channel
	req *ssh.Request

	success bool // reply passed to Start
}

// Start replies to the request. If success is false, no further methods
// should be called; otherwise End must be called when the command finishes.
func (e *ExecReq) Start(success bool) error {
	e.success = success
	return e.req.Reply(success, nil)
}

// Read reads stdin supplied by the SSH client.
func (e *ExecReq) Read(data []byte) (int, error) { return e.ch.Read(data) }

// Write writes stdout produced by the command.
func (e *ExecReq) Write(data []byte) (int, error) { return e.ch.Write(data) }

// CloseOutput closes stdout and stderr.
func (e *ExecReq) CloseOutput() error { return e.ch.CloseWrite() }

// End reports the command's exit status.
func (e *ExecReq) End(status int) error {
	_, err := e.ch.SendRequest("exit-status", false, makeIntPayload(uint32(status)))
	return err
}

// RunRealCmd runs e.Cmd with /bin/sh, wiring stdio to the channel, and
// returns its exit status. It calls CloseOutput on completion.
func (e *ExecReq) RunRealCmd() int {
	defer e.CloseOutput()

	cmd := exec.Command("/bin/sh", "-c", e.Cmd)
	cmd.Stdout = e.ch
	cmd.Stderr = e.ch.Stderr()
	cmd.Stdin = e.ch
	if err := cmd.Run(); err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
				return ws.ExitStatus()
			}
		}
		return 1
	}
	return 0
}

// ExecHandler is called to handle "exec" requests, possibly concurrently.
type ExecHandler func(req *ExecReq)
