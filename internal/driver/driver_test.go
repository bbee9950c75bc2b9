// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package driver

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ekmixon/glusterfs/errors"
	"github.com/ekmixon/glusterfs/internal/agent"
	"github.com/ekmixon/glusterfs/internal/config"
	"github.com/ekmixon/glusterfs/internal/fleet"
	"github.com/ekmixon/glusterfs/internal/logging"
	"github.com/ekmixon/glusterfs/internal/logging/loggingtest"
	"github.com/ekmixon/glusterfs/internal/pool"
	"github.com/ekmixon/glusterfs/internal/queue"
	"github.com/ekmixon/glusterfs/internal/rpc"
	"github.com/ekmixon/glusterfs/internal/worker"
	"github.com/ekmixon/glusterfs/testutil"
)

var fakeToolchain = agent.Toolchain{
	Cleanup:  "true",
	Clean:    "rm -f built",
	Build:    "test -f configure.ok && touch built",
	Install:  "test -f built",
	Prove:    "sh",
	Valgrind: "sh",
}

type nopKicker struct{}

func (nopKicker) Kick(context.Context, fleet.Host) error { return nil }

// startAgents serves n agents on in-memory listeners and returns their
// hosts and a dialer reaching them.
func startAgents(t *testing.T, ctx context.Context, n int) ([]string, pool.Dialer) {
	t.Helper()
	lis := make(map[fleet.Host]*bufconn.Listener)
	var hosts []string
	for i := 0; i < n; i++ {
		a, err := agent.New(ctx, agent.Config{
			ScratchDir: filepath.Join(testutil.TempDir(t), "scratch"),
			Toolchain:  fakeToolchain,
		})
		if err != nil {
			t.Fatal("agent.New failed: ", err)
		}
		l := bufconn.Listen(1 << 20)
		sctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			a.ServeListener(sctx, l)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
			a.Close()
		})

		h := fleet.Host{Address: fmt.Sprintf("10.0.0.%d", i+1), Port: fleet.DefaultPort}
		lis[h] = l
		hosts = append(hosts, h.String())
	}
	dial := func(h fleet.Host) (worker.Agent, error) {
		l, ok := lis[h]
		if !ok {
			return nil, errors.Errorf("unknown host %v", h)
		}
		cl, err := rpc.NewClient(h, rpc.ClientOptions{
			ContextDialer: func(ctx context.Context, _ string) (net.Conn, error) {
				return l.DialContext(ctx)
			},
		})
		if err != nil {
			return nil, err
		}
		return cl, nil
	}
	return hosts, dial
}

func TestRun(t *testing.T) {
	logger := loggingtest.NewLogger(t, logging.LevelInfo)
	ctx := logging.AttachLogger(context.Background(), logger)

	src := testutil.TempDir(t)
	state := testutil.TempDir(t)
	counter := filepath.Join(state, "count")
	if err := testutil.WriteFiles(src, map[string]string{
		"configure.ok":          "",
		"tests/basic/pass.t":    "echo ok 1",
		"tests/basic/second.t":  "echo ok 1",
		"tests/basic/fail.t":    "echo 'not ok 1 - volume start'; exit 1",
		"tests/basic/flaky.t":   "exit 1",
		"tests/bugs/retry.t":    fmt.Sprintf("n=$(cat %[1]s 2>/dev/null || echo 0); echo $((n+1)) > %[1]s; echo attempt $n; test $n -ge 1", counter),
		"extras/not-a-test.txt": "",
	}); err != nil {
		t.Fatal(err)
	}
	hosts, dial := startAgents(t, ctx, 2)
	logDir := testutil.TempDir(t)

	cfg := &config.Run{
		Path:       src,
		Hosts:      hosts,
		FlakyTests: []string{"tests/basic/flaky.t"},
		N:          2,
		LogDir:     logDir,
	}
	if err := cfg.DeriveDefaults(); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	res, err := Run(ctx, cfg, Options{Dial: dial, Kicker: nopKicker{}, TmpDir: testutil.TempDir(t), Out: &out})
	if err != nil {
		t.Fatal("Run failed: ", err)
	}

	done := append([]string(nil), res.Done...)
	sort.Strings(done)
	if diff := cmp.Diff(done, []string{"tests/basic/pass.t", "tests/basic/second.t", "tests/bugs/retry.t"}); diff != "" {
		t.Errorf("Done mismatch (-got +want):\n%s", diff)
	}
	if diff := cmp.Diff(res.Failed, []string{"tests/basic/fail.t"}); diff != "" {
		t.Errorf("Failed mismatch (-got +want):\n%s", diff)
	}

	files, err := testutil.ReadFiles(logDir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for name, content := range files {
		names = append(names, name)
		if strings.HasPrefix(name, "tests-basic-fail.t") && !strings.Contains(content, "not ok 1 - volume start") {
			t.Errorf("%s = %q; want the test output", name, content)
		}
	}
	sort.Strings(names)
	wantNames := []string{
		"tests-basic-fail.t-1.log",
		"tests-basic-fail.t-2.log",
		"tests-basic-fail.t-3.log",
		"tests-bugs-retry.t-1.log",
	}
	if diff := cmp.Diff(names, wantNames); diff != "" {
		t.Errorf("Log files mismatch (-got +want):\n%s", diff)
	}

	for _, s := range []string{"== RESULTS ==", "SUCCESS  : 3\n", "ERRORS   : 1\n", "== ERRORS ==\ntests/basic/fail.t\n", "== END =="} {
		if !strings.Contains(out.String(), s) {
			t.Errorf("Summary %q does not contain %q", out.String(), s)
		}
	}
}

func TestRunAllHostsFaulty(t *testing.T) {
	ctx := context.Background()
	src := testutil.TempDir(t)
	// Without configure.ok the build fails everywhere.
	if err := testutil.WriteFiles(src, map[string]string{"tests/a.t": "true"}); err != nil {
		t.Fatal(err)
	}
	hosts, dial := startAgents(t, ctx, 1)

	cfg := &config.Run{Path: src, Hosts: hosts, LogDir: testutil.TempDir(t)}
	if err := cfg.DeriveDefaults(); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	res, err := Run(ctx, cfg, Options{
		Dial:              dial,
		Kicker:            nopKicker{},
		TmpDir:            testutil.TempDir(t),
		Out:               &out,
		DiscoveryInterval: 10 * time.Millisecond,
	})
	if !errors.Is(err, pool.ErrNoHosts) {
		t.Fatalf("Run = %v; want ErrNoHosts", err)
	}
	if len(res.Faulty) != 1 || res.Faulty[0].String() != hosts[0] {
		t.Errorf("Faulty = %v; want %s", res.Faulty, hosts[0])
	}
	if !strings.Contains(out.String(), "FAULTY   : "+hosts[0]) {
		t.Errorf("Summary %q does not name the faulty host", out.String())
	}
}

func TestWriteSummary(t *testing.T) {
	var b bytes.Buffer
	WriteSummary(&b, &Result{Results: queue.Results{
		Done:   []string{"tests/a.t", "tests/b.t"},
		Failed: []string{"tests/c.t"},
		Logs:   []string{"/tmp/tests-c.t-1.log", "/tmp/tests-c.t-2.log", "/tmp/tests-c.t-3.log"},
	}})
	const want = `== RESULTS ==
SUCCESS  : 2
ERRORS   : 1
== ERRORS ==
tests/c.t
== LOGS ==
/tmp/tests-c.t-1.log /tmp/tests-c.t-2.log /tmp/tests-c.t-3.log
== END ==
`
	if diff := cmp.Diff(b.String(), want); diff != "" {
		t.Errorf("Summary mismatch (-got +want):\n%s", diff)
	}
}
