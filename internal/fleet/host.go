// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package fleet describes the worker hosts a test run is distributed over.
package fleet

import (
	"net"
	"strconv"
	"strings"

	"github.com/ekmixon/glusterfs/errors"
)

// DefaultPort is the port the agent listens on unless configured otherwise.
const DefaultPort = 9999

// Host identifies a worker host by the address and port its agent listens on.
type Host struct {
	Address string
	Port    int
}

// String returns h as "address:port".
func (h Host) String() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.Port))
}

// ParseHost parses "address" or "address:port". defaultPort is used when the
// port is omitted.
func ParseHost(s string, defaultPort int) (Host, error) {
	if s == "" {
		return Host{}, errors.New("empty host")
	}
	addr, port, err := net.SplitHostPort(s)
	if err != nil {
		// No port. Bare IPv6 literals may come with or without brackets.
		return Host{Address: strings.Trim(s, "[]"), Port: defaultPort}, nil
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return Host{}, errors.Errorf("invalid port in %q", s)
	}
	if addr == "" {
		return Host{}, errors.Errorf("missing address in %q", s)
	}
	return Host{Address: addr, Port: p}, nil
}

// ParseHosts parses a whitespace-separated host list, dropping duplicates
// while keeping the first occurrence's position.
func ParseHosts(list string, defaultPort int) ([]Host, error) {
	var hosts []Host
	seen := make(map[Host]struct{})
	for _, f := range strings.Fields(list) {
		h, err := ParseHost(f, defaultPort)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		hosts = append(hosts, h)
	}
	return hosts, nil
}
