// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package config holds the configuration of the run and server subcommands.
package config

import (
	"flag"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/ekmixon/glusterfs/errors"
	"github.com/ekmixon/glusterfs/internal/agent"
	"github.com/ekmixon/glusterfs/internal/command"
	"github.com/ekmixon/glusterfs/internal/fleet"
	"github.com/ekmixon/glusterfs/internal/metrics"
	"github.com/ekmixon/glusterfs/internal/rpc"
	"github.com/ekmixon/glusterfs/internal/session"
)

// Valgrind tools accepted by -valgrind.
const (
	valgrindNo = iota
	valgrindMemcheck
	valgrindDRD
)

// FileConfig is the content of a YAML file passed with -config. Values set
// on the command line take precedence.
type FileConfig struct {
	Hosts          []string `yaml:"hosts"`
	FlakyTests     []string `yaml:"flaky_tests"`
	N              int      `yaml:"n"`
	KeyFile        string   `yaml:"keyfile"`
	LogDir         string   `yaml:"logdir"`
	TestTimeoutSec int      `yaml:"test_timeout"`
	Port           int      `yaml:"port"`
	AddressFamily  string   `yaml:"address_family"`
}

// ReadFile parses the YAML file at path.
func ReadFile(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := yaml.UnmarshalStrict(b, &fc); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	return &fc, nil
}

// Run contains the configuration of a test run.
type Run struct {
	// Path is the source tree to test.
	Path string
	// Tests is "all", "flaky" or a list of tests.
	Tests      []string
	FlakyTests []string
	// Hosts lists the worker hosts as "address[:port]".
	Hosts []string
	// N is the number of hosts to keep busy. Zero picks half the hosts plus one.
	N       int
	KeyFile string
	// LogDir receives the logs of failed attempts.
	LogDir         string
	TestTimeout    time.Duration
	testTimeoutSec int
	Port           int
	Family         string
	Metrics        string
	// Cleanup runs the agents' cleanup script at the end of the run.
	Cleanup    bool
	ConfigFile string

	ASan        bool
	ASanNoLeaks bool
	valgrind    int

	// Set by DeriveDefaults.
	ParsedHosts    []fleet.Host
	ParsedFamily   rpc.Family
	ParsedExporter metrics.Exporter
	Mode           rpc.Mode
	// Sanitizer is set when tests need a sanitizer build.
	Sanitizer bool
}

// SetFlags adds run flags to f.
func (c *Run) SetFlags(f *flag.FlagSet) {
	wd, _ := os.Getwd()
	f.StringVar(&c.Path, "path", wd, "source tree to test")
	f.Var(command.NewListFlag(" ", func(v []string) { c.Tests = v }, nil), "tests", `"all", "flaky" or a space-separated list of tests`)
	f.Var(command.NewListFlag(" ", func(v []string) { c.FlakyTests = v }, nil), "flakytests", "space-separated list of flaky tests")
	f.Var(command.NewListFlag(" ", func(v []string) { c.Hosts = v }, nil), "hosts", `space-separated list of worker hosts as "address[:port]"`)
	f.IntVar(&c.N, "n", 0, "number of hosts to use (default half the hosts plus one)")
	f.StringVar(&c.KeyFile, "keyfile", "", "private SSH key used to start agents")
	f.StringVar(&c.LogDir, "logdir", "", "directory for logs of failed tests (default temp dir)")
	f.IntVar(&c.testTimeoutSec, "testtimeout", 0, "timeout of one test in seconds (default 900)")
	f.IntVar(&c.Port, "port", 0, "default agent port (default 9999)")
	f.StringVar(&c.Family, "addressfamily", "", `"ipv4" (default) or "ipv6"`)
	f.StringVar(&c.ConfigFile, "config", "", "YAML file with hosts and run options")
	f.BoolVar(&c.Cleanup, "cleanup", false, "run the cleanup script on agents at the end")

	vf := command.NewEnumFlag(map[string]int{
		"no":       valgrindNo,
		"memcheck": valgrindMemcheck,
		"yes":      valgrindMemcheck,
		"drd":      valgrindDRD,
	}, func(v int) { c.valgrind = v }, "no")
	f.Var(vf, "valgrind", "valgrind tool to run tests under ("+vf.QuotedValues()+")")
	f.BoolVar(&c.ASan, "asan", false, "build with the address sanitizer")
	f.BoolVar(&c.ASanNoLeaks, "asannoleaks", false, "build with the address sanitizer and ignore leaks")

	f.StringVar(&c.Metrics, "metrics", string(metrics.ExporterNone), `metrics exporter: "none", "stdout" or "otlp"`)
}

// DeriveDefaults merges the config file and fills unset values. It should
// be called after flags are parsed.
func (c *Run) DeriveDefaults() error {
	if c.testTimeoutSec < 0 {
		return errors.Errorf("invalid test timeout %d", c.testTimeoutSec)
	}
	if c.TestTimeout == 0 {
		c.TestTimeout = time.Duration(c.testTimeoutSec) * time.Second
	}
	if c.ConfigFile != "" {
		fc, err := ReadFile(c.ConfigFile)
		if err != nil {
			return err
		}
		c.merge(fc)
	}

	setIfEmpty := func(p *string, s string) {
		if *p == "" {
			*p = s
		}
	}
	setIfEmpty(&c.LogDir, os.TempDir())
	setIfEmpty(&c.Family, string(rpc.IPv4))
	if c.Port == 0 {
		c.Port = fleet.DefaultPort
	}
	if c.TestTimeout == 0 {
		c.TestTimeout = agent.DefaultTestTimeout
	}
	if c.N < 0 {
		return errors.Errorf("invalid number of hosts %d", c.N)
	}

	var err error
	if c.ParsedFamily, err = rpc.ParseFamily(c.Family); err != nil {
		return err
	}
	if c.ParsedExporter, err = metrics.ParseExporter(c.Metrics); err != nil {
		return err
	}
	if c.ParsedHosts, err = fleet.ParseHosts(strings.Join(c.Hosts, " "), c.Port); err != nil {
		return err
	}
	if len(c.ParsedHosts) == 0 {
		return errors.New("no hosts given; use -hosts or a config file")
	}

	switch {
	case c.valgrind == valgrindMemcheck:
		c.Mode = rpc.ModeMemcheck
	case c.valgrind == valgrindDRD:
		c.Mode = rpc.ModeDRD
	case c.ASanNoLeaks:
		c.Mode = rpc.ModeASanNoLeaks
	default:
		c.Mode = rpc.ModePlain
	}
	c.Sanitizer = c.ASan || c.ASanNoLeaks
	return nil
}

// merge copies values from fc that were not set on the command line.
func (c *Run) merge(fc *FileConfig) {
	if len(c.Hosts) == 0 {
		c.Hosts = fc.Hosts
	}
	if len(c.FlakyTests) == 0 {
		c.FlakyTests = fc.FlakyTests
	}
	if c.N == 0 {
		c.N = fc.N
	}
	if c.KeyFile == "" {
		c.KeyFile = fc.KeyFile
	}
	if c.LogDir == "" {
		c.LogDir = fc.LogDir
	}
	if c.TestTimeout == 0 && fc.TestTimeoutSec > 0 {
		c.TestTimeout = time.Duration(fc.TestTimeoutSec) * time.Second
	}
	if c.Port == 0 {
		c.Port = fc.Port
	}
	if c.Family == "" {
		c.Family = fc.AddressFamily
	}
}

// DefaultScratchDir is where agents keep their workspace.
const DefaultScratchDir = "/tmp/gluster-test"

// Server contains the configuration of an agent.
type Server struct {
	ScratchDir  string
	ListenAddr  string
	Port        int
	Family      string
	IdleTimeout time.Duration

	idleTimeoutSec int
	ParsedFamily   rpc.Family
}

// SetFlags adds server flags to f.
func (c *Server) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.ScratchDir, "scratch", DefaultScratchDir, "scratch directory for the workspace")
	f.StringVar(&c.ListenAddr, "listen", "", "address to listen on (default all)")
	f.IntVar(&c.Port, "port", fleet.DefaultPort, "port to listen on")
	f.StringVar(&c.Family, "addressfamily", string(rpc.IPv4), `"ipv4" or "ipv6"`)
	f.IntVar(&c.idleTimeoutSec, "idletimeout", int(session.DefaultIdleTimeout/time.Second), "seconds after which a silent client loses its claim")
}

// DeriveDefaults validates c.
func (c *Server) DeriveDefaults() error {
	if c.ScratchDir == "" {
		return errors.New("please provide a scratch directory")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("invalid port %d", c.Port)
	}
	if c.idleTimeoutSec <= 0 {
		return errors.Errorf("invalid idle timeout %d", c.idleTimeoutSec)
	}
	c.IdleTimeout = time.Duration(c.idleTimeoutSec) * time.Second
	var err error
	c.ParsedFamily, err = rpc.ParseFamily(c.Family)
	return err
}
