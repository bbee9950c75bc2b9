// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	"github.com/ekmixon/glusterfs/errors"
	"github.com/ekmixon/glusterfs/internal/logging"
	"github.com/ekmixon/glusterfs/internal/logging/loggingtest"
	"github.com/ekmixon/glusterfs/testutil"
)

type countingObserver struct {
	mu                                      sync.Mutex
	passed, failed, attemptsFailed, requeue int
}

func (o *countingObserver) TestPassed(context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.passed++
}

func (o *countingObserver) TestFailed(context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed++
}

func (o *countingObserver) AttemptFailed(context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attemptsFailed++
}

func (o *countingObserver) TestRequeued(context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requeue++
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestRetryThenPass(t *testing.T) {
	ctx := context.Background()
	dir := testutil.TempDir(t)
	tests := []string{"t/1.t", "t/2.t", "t/3.t", "t/4.t", "t/5.t"}
	q := New(tests, Options{LogDir: dir})

	failures := 0
	for {
		test, ok := q.Next(ctx)
		if !ok {
			break
		}
		if test == "t/3.t" && failures < 2 {
			failures++
			if err := q.NoteError(ctx, test, []byte(fmt.Sprintf("attempt %d", failures))); err != nil {
				t.Fatal(err)
			}
			continue
		}
		if err := q.NoteDone(ctx, test); err != nil {
			t.Fatal(err)
		}
	}

	res := q.Results()
	if len(res.Done) != 5 || len(res.Failed) != 0 {
		t.Errorf("Got %d done, %d failed; want 5 done, 0 failed", len(res.Done), len(res.Failed))
	}
	wantLogs := []string{filepath.Join(dir, "t-3.t-1.log"), filepath.Join(dir, "t-3.t-2.log")}
	if diff := cmp.Diff(res.Logs, wantLogs); diff != "" {
		t.Errorf("Logs mismatch (-got +want):\n%s", diff)
	}
	files, err := testutil.ReadFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(files, map[string]string{"t-3.t-1.log": "attempt 1", "t-3.t-2.log": "attempt 2"}); diff != "" {
		t.Errorf("Log files mismatch (-got +want):\n%s", diff)
	}
	if n := q.Attempts("t/3.t"); n != 0 {
		t.Errorf("Attempts of a passed test = %d; want 0", n)
	}
	if !closed(q.Done()) {
		t.Error("Done channel not closed after the run")
	}
}

func TestPermanentFailure(t *testing.T) {
	ctx := context.Background()
	obs := &countingObserver{}
	q := New([]string{"a.t"}, Options{LogDir: testutil.TempDir(t), Observer: obs})

	for i := 1; i <= DefaultMaxAttempts; i++ {
		test, ok := q.Next(ctx)
		if !ok {
			t.Fatalf("Next returned nothing on attempt %d", i)
		}
		q.NoteError(ctx, test, nil)
	}
	if test, ok := q.Next(ctx); ok {
		t.Errorf("Next = %q after the final attempt; want nothing", test)
	}
	res := q.Results()
	if diff := cmp.Diff(res, Results{Failed: []string{"a.t"}}); diff != "" {
		t.Errorf("Results mismatch (-got +want):\n%s", diff)
	}
	if n := q.Attempts("a.t"); n != 0 {
		t.Errorf("Attempts of a failed test = %d; want 0", n)
	}
	if obs.attemptsFailed != 3 || obs.failed != 1 {
		t.Errorf("Observer saw %d failed attempts and %d failures; want 3 and 1", obs.attemptsFailed, obs.failed)
	}
}

func TestRetryOrdering(t *testing.T) {
	ctx := context.Background()
	q := New([]string{"a", "b", "c"}, Options{})

	a, _ := q.Next(ctx)
	b, _ := q.Next(ctx)
	q.NoteError(ctx, a, nil) // failure: back of the queue
	q.NoteRetry(ctx, b)      // lost worker: front of the queue

	var order []string
	for {
		test, ok := q.Next(ctx)
		if !ok {
			break
		}
		order = append(order, test)
		q.NoteDone(ctx, test)
	}
	if diff := cmp.Diff(order, []string{"b", "c", "a"}); diff != "" {
		t.Errorf("Order mismatch (-got +want):\n%s", diff)
	}
	if n := q.Attempts("b"); n != 0 {
		t.Errorf("NoteRetry counted an attempt: %d", n)
	}
}

func TestNoteRetryKeepsAttempts(t *testing.T) {
	ctx := context.Background()
	q := New([]string{"a"}, Options{})
	test, _ := q.Next(ctx)
	q.NoteError(ctx, test, nil)
	test, _ = q.Next(ctx)
	q.NoteRetry(ctx, test)
	if n := q.Attempts("a"); n != 1 {
		t.Errorf("Attempts after error and retry = %d; want 1", n)
	}
}

func TestNotInFlight(t *testing.T) {
	ctx := context.Background()
	q := New([]string{"a"}, Options{})
	if err := q.NoteDone(ctx, "a"); !errors.Is(err, ErrNotInFlight) {
		t.Errorf("NoteDone on a queued test = %v; want ErrNotInFlight", err)
	}
	if err := q.NoteError(ctx, "zzz", nil); !errors.Is(err, ErrNotInFlight) {
		t.Errorf("NoteError on an unknown test = %v; want ErrNotInFlight", err)
	}
	test, _ := q.Next(ctx)
	q.NoteDone(ctx, test)
	if err := q.NoteDone(ctx, test); !errors.Is(err, ErrNotInFlight) {
		t.Errorf("Second NoteDone = %v; want ErrNotInFlight", err)
	}
	if err := q.NoteRetry(ctx, test); !errors.Is(err, ErrNotInFlight) {
		t.Errorf("NoteRetry on a done test = %v; want ErrNotInFlight", err)
	}
	if diff := cmp.Diff(q.Results().Done, []string{"a"}); diff != "" {
		t.Errorf("Done mismatch (-got +want):\n%s", diff)
	}
}

func TestCompletionSignaledOnce(t *testing.T) {
	ctx := context.Background()
	q := New([]string{"a"}, Options{})

	test, _ := q.Next(ctx)
	if _, ok := q.Next(ctx); ok {
		t.Fatal("Next returned a second test")
	}
	if closed(q.Done()) {
		t.Fatal("Done closed while a test is in flight")
	}
	q.NoteDone(ctx, test)
	for i := 0; i < 3; i++ {
		// Closing an already closed channel would panic.
		if _, ok := q.Next(ctx); ok {
			t.Fatal("Next returned a test after the run")
		}
	}
	if !closed(q.Done()) {
		t.Error("Done not closed")
	}
}

func TestEmptyQueue(t *testing.T) {
	q := New(nil, Options{})
	if f := q.CompletionFraction(); f != 0 {
		t.Errorf("CompletionFraction = %v; want 0", f)
	}
	q.Next(context.Background())
	if !closed(q.Done()) {
		t.Error("Done not closed for an empty run")
	}
}

func TestCompletionFraction(t *testing.T) {
	ctx := context.Background()
	q := New([]string{"a", "b", "c", "d"}, Options{})
	a, _ := q.Next(ctx)
	b, _ := q.Next(ctx)
	q.NoteDone(ctx, a)
	if f := q.CompletionFraction(); f != 0.25 {
		t.Errorf("CompletionFraction = %v; want 0.25", f)
	}
	q.NoteError(ctx, b, nil)
	if f := q.CompletionFraction(); f != 0.25 {
		t.Errorf("CompletionFraction after a retry = %v; want 0.25", f)
	}
}

func TestLogWriteFailureSwallowed(t *testing.T) {
	logger := loggingtest.NewLogger(t, logging.LevelInfo)
	ctx := logging.AttachLogger(context.Background(), logger)
	q := New([]string{"a"}, Options{LogDir: "/nonexistent/dir"})

	test, _ := q.Next(ctx)
	if err := q.NoteError(ctx, test, []byte("log")); err != nil {
		t.Fatal("NoteError failed: ", err)
	}
	if !logger.Contains("Failed to save log of a") {
		t.Error("Log write failure was not reported")
	}
	if logs := q.Results().Logs; len(logs) != 0 {
		t.Errorf("Logs = %v; want none", logs)
	}
	if test, ok := q.Next(ctx); !ok || test != "a" {
		t.Errorf("Next = (%q, %v); want the retried test", test, ok)
	}
}

func TestSlowLogWriteDoesNotBlockQueue(t *testing.T) {
	ctx := context.Background()
	logDir := testutil.TempDir(t)
	// Writing to a FIFO blocks until a reader opens it.
	fifo := filepath.Join(logDir, LogFileName("a", 1))
	if err := unix.Mkfifo(fifo, 0644); err != nil {
		t.Fatal("Mkfifo failed: ", err)
	}
	q := New([]string{"a", "b"}, Options{LogDir: logDir})

	a, _ := q.Next(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- q.NoteError(ctx, a, []byte("not ok 1")) }()
	for q.Attempts(a) == 0 {
		time.Sleep(time.Millisecond)
	}

	others := make(chan error, 1)
	go func() {
		b, ok := q.Next(ctx)
		if !ok {
			others <- errors.New("Next returned no test")
			return
		}
		others <- q.NoteDone(ctx, b)
	}()
	select {
	case err := <-others:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Queue blocked while a log was being written")
	}

	// The run cannot complete before the log is recorded.
	if _, ok := q.Next(ctx); ok {
		t.Error("Next returned a test while a was still in flight")
	}
	select {
	case <-q.Done():
		t.Fatal("Done closed while a log was being written")
	default:
	}

	b, err := os.ReadFile(fifo)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "not ok 1" {
		t.Errorf("Log = %q; want %q", b, "not ok 1")
	}
	if err := <-errCh; err != nil {
		t.Fatal("NoteError failed: ", err)
	}
	if diff := cmp.Diff(q.Results().Logs, []string{fifo}); diff != "" {
		t.Errorf("Logs mismatch (-got +want):\n%s", diff)
	}
}

// TestConcurrentWorkers checks that no test is handed to two workers at once
// and that queued, in flight and finished tests always partition the input.
func TestConcurrentWorkers(t *testing.T) {
	ctx := context.Background()
	var tests []string
	for i := 0; i < 200; i++ {
		tests = append(tests, fmt.Sprintf("t/%03d.t", i))
	}
	q := New(tests, Options{LogDir: testutil.TempDir(t)})

	var (
		mu      sync.Mutex
		holders = make(map[string]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			n := 0
			for {
				select {
				case <-q.Done():
					return
				default:
				}
				test, ok := q.Next(ctx)
				if !ok {
					continue
				}
				mu.Lock()
				if other, busy := holders[test]; busy {
					t.Errorf("%s handed to worker %d while held by %d", test, w, other)
				}
				holders[test] = w
				mu.Unlock()

				n++
				mu.Lock()
				delete(holders, test)
				mu.Unlock()
				switch n % 3 {
				case 0:
					q.NoteError(ctx, test, nil)
				case 1:
					q.NoteRetry(ctx, test)
				default:
					q.NoteDone(ctx, test)
				}
				q.checkPartition(t, len(tests))
			}
		}(w)
	}
	wg.Wait()

	res := q.Results()
	if got := len(res.Done) + len(res.Failed); got != len(tests) {
		t.Errorf("%d tests finished; want %d", got, len(tests))
	}
}

func (q *Queue) checkPartition(t *testing.T, total int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[string]int)
	for _, s := range q.queued {
		seen[s]++
	}
	for s := range q.inFlight {
		seen[s]++
	}
	for _, s := range q.done {
		seen[s]++
	}
	for _, s := range q.failed {
		seen[s]++
	}
	if len(seen) != total {
		t.Errorf("%d distinct tests tracked; want %d", len(seen), total)
	}
	for s, n := range seen {
		if n != 1 {
			t.Errorf("%s tracked %d times", s, n)
		}
	}
}
