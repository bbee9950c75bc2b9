// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package ssh opens SSH connections to worker hosts, runs shell commands on
// them and copies files to them. It is used to bring up the agent on hosts
// that do not answer RPCs.
package ssh

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/net/proxy"

	"github.com/ekmixon/glusterfs/errors"
	"github.com/ekmixon/glusterfs/shutil"
)

const (
	defaultSSHUser = "root"
	defaultSSHPort = 22

	// sshMsgIgnore is the SSH global message sent to ping the host.
	// See RFC 4253 11.2, "Ignored Data Message".
	sshMsgIgnore = "SSH_MSG_IGNORE"
)

// targetRegexp is used to parse targets passed to ParseTarget.
var targetRegexp = regexp.MustCompile("^([^@]+@)?([^@]+)$")

// Conn represents an SSH connection to a worker host.
type Conn struct {
	cl *ssh.Client
}

// Options contains options used when connecting to an SSH server.
type Options struct {
	// User is the username to use when connecting.
	User string
	// Hostname is the SSH server's "host:port".
	Hostname string

	// KeyFile is an optional path to an unencrypted SSH private key. This is
	// the key shared by the whole fleet.
	KeyFile string
	// KeyDir is an optional path to a directory (typically $HOME/.ssh)
	// containing standard SSH keys to try when KeyFile is not accepted.
	KeyDir string

	// ConnectTimeout contains a timeout for establishing the TCP connection.
	ConnectTimeout time.Duration

	// WarnFunc (if non-nil) is used to log non-fatal errors encountered while connecting to the host.
	WarnFunc func(string)
}

// ParseTarget parses target (of the form "[<user>@]host[:<port>]") and fills
// the User and Hostname fields in o.
func ParseTarget(target string, o *Options) error {
	m := targetRegexp.FindStringSubmatch(target)
	if m == nil {
		return errors.Errorf("couldn't parse %q as \"[user@]hostname[:port]\"", target)
	}

	o.User = defaultSSHUser
	if m[1] != "" {
		o.User = m[1][0 : len(m[1])-1]
	}

	if _, _, err := net.SplitHostPort(m[2]); err != nil {
		o.Hostname = net.JoinHostPort(m[2], strconv.Itoa(defaultSSHPort))
	} else {
		o.Hostname = m[2]
	}
	return nil
}

// authMethods returns authentication methods to use when connecting to a remote server.
func authMethods(o *Options) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	var signers []ssh.Signer
	if o.KeyFile != "" {
		s, _, err := readPrivateKey(o.KeyFile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read private key %s", o.KeyFile)
		}
		signers = append(signers, s)
	}
	if o.KeyDir != "" {
		for _, fn := range []string{"id_ecdsa", "id_ed25519", "id_rsa"} {
			p := filepath.Join(o.KeyDir, fn)
			if p == o.KeyFile {
				continue
			} else if _, err := os.Stat(p); os.IsNotExist(err) {
				continue
			}
			if s, rok, err := readPrivateKey(p); err == nil {
				signers = append(signers, s)
			} else if !rok && o.WarnFunc != nil {
				o.WarnFunc(fmt.Sprintf("Failed to read %v: %v", p, err))
			}
		}
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	// Connect to ssh-agent if it's running.
	if s := os.Getenv("SSH_AUTH_SOCK"); s != "" {
		if a, err := net.Dial("unix", s); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(a).Signers))
		} else if o.WarnFunc != nil {
			o.WarnFunc(fmt.Sprintf("Failed to connect to ssh-agent at %v: %v", s, err))
		}
	}

	if len(methods) == 0 {
		return nil, errors.New("no SSH authentication method available")
	}
	return methods, nil
}

// readPrivateKey reads and decodes a passphraseless private SSH key from path.
// rok is true if the key data was read successfully off disk.
func readPrivateKey(path string) (s ssh.Signer, rok bool, err error) {
	k, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	s, err = ssh.ParsePrivateKey(k)
	return s, true, err
}

// New establishes an SSH connection to the host described in o.
// Callers are responsible to call Conn.Close after using it.
func New(ctx context.Context, o *Options) (*Conn, error) {
	if o.User == "" {
		o.User = defaultSSHUser
	}
	am, err := authMethods(o)
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            o.User,
		Auth:            am,
		Timeout:         o.ConnectTimeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	var cl *ssh.Client
	if err := doAsync(ctx, func() error {
		conn, err := proxy.FromEnvironment().Dial("tcp", o.Hostname)
		if err != nil {
			return err
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, o.Hostname, cfg)
		if err != nil {
			conn.Close()
			return err
		}
		cl = ssh.NewClient(c, chans, reqs)
		return nil
	}, func() {
		if cl != nil {
			cl.Close()
		}
	}); err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", o.Hostname)
	}
	return &Conn{cl: cl}, nil
}

// Close closes the underlying connection to the host.
func (s *Conn) Close(ctx context.Context) error {
	return doAsync(ctx, func() error {
		return s.cl.Close()
	}, nil)
}

// Ping checks that the connection to the host is still active, blocking until a
// response has been received.
func (s *Conn) Ping(ctx context.Context, timeout time.Duration) error {
	ch := make(chan error, 1)
	go func() {
		_, _, err := s.cl.SendRequest(sshMsgIgnore, true, []byte{})
		ch <- err
	}()

	select {
	case err := <-ch:
		return err
	case <-time.After(timeout):
		return errors.New("timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes cmd through the remote shell with stdin attached and returns
// its combined stdout and stderr.
func (s *Conn) run(ctx context.Context, cmd string, stdin io.Reader) ([]byte, error) {
	sess, err := s.cl.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open session")
	}
	defer sess.Close()

	sess.Stdin = stdin

	// CombinedOutput serializes writes from the stdout and stderr copiers.
	var out []byte
	err = doAsync(ctx, func() error {
		var err error
		out, err = sess.CombinedOutput(cmd)
		return err
	}, func() {
		sess.Signal(ssh.SIGKILL)
	})
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// The command may still be running, so out must not be read.
		return nil, errors.Wrapf(err, "remote command %q failed", cmd)
	}
	if err != nil {
		return out, errors.Wrapf(err, "remote command %q failed", cmd)
	}
	return out, nil
}

// Run runs cmd on the host as a shell command line and returns its
// combined output.
func (s *Conn) Run(ctx context.Context, cmd string) ([]byte, error) {
	return s.run(ctx, cmd, nil)
}

// PutFile copies the local file src to dst on the host and sets its mode.
func (s *Conn) PutFile(ctx context.Context, src, dst string, mode os.FileMode) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	cmd := fmt.Sprintf("cat > %s && chmod %o %s", shutil.Escape(dst), mode.Perm(), shutil.Escape(dst))
	if out, err := s.run(ctx, cmd, f); err != nil {
		return errors.Wrapf(err, "failed to copy %s to %s: %s", src, dst, out)
	}
	return nil
}
