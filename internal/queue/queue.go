// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package queue holds the authoritative state of every test in a run and
// applies the retry policy. Workers on all hosts pull tests from one Queue
// concurrently.
package queue

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ekmixon/glusterfs/errors"
	"github.com/ekmixon/glusterfs/internal/logging"
)

// DefaultMaxAttempts is how many times a test may fail before it is
// recorded as failed.
const DefaultMaxAttempts = 3

// ErrNotInFlight is returned when reporting on a test no worker holds.
var ErrNotInFlight = errors.New("test is not in flight")

// Observer is notified of test outcomes, e.g. to export metrics.
type Observer interface {
	TestPassed(ctx context.Context)
	TestFailed(ctx context.Context)
	AttemptFailed(ctx context.Context)
	TestRequeued(ctx context.Context)
}

type nopObserver struct{}

func (nopObserver) TestPassed(context.Context)    {}
func (nopObserver) TestFailed(context.Context)    {}
func (nopObserver) AttemptFailed(context.Context) {}
func (nopObserver) TestRequeued(context.Context)  {}

// Options configures a Queue.
type Options struct {
	// LogDir receives one file per failed attempt that came with a log.
	LogDir string
	// MaxAttempts defaults to DefaultMaxAttempts.
	MaxAttempts int
	// Observer defaults to one that ignores everything.
	Observer Observer
}

// Results is a snapshot of finished tests.
type Results struct {
	Done   []string
	Failed []string
	// Logs lists the files failure logs were saved to.
	Logs []string
}

// Queue tracks every test as queued, in flight, done or failed. A single
// mutex covers all collections so every operation is atomic.
type Queue struct {
	logDir      string
	maxAttempts int
	obs         Observer

	mu       sync.Mutex
	queued   []string
	inFlight map[string]struct{}
	done     []string
	failed   []string
	attempts map[string]int // failed attempts of unfinished tests
	logs     []string
	finished bool
	doneCh   chan struct{}
}

// New returns a Queue with tests queued in order. Duplicates are dropped.
func New(tests []string, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	q := &Queue{
		logDir:      opts.LogDir,
		maxAttempts: opts.MaxAttempts,
		obs:         opts.Observer,
		inFlight:    make(map[string]struct{}),
		attempts:    make(map[string]int),
		doneCh:      make(chan struct{}),
	}
	seen := make(map[string]struct{})
	for _, t := range tests {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		q.queued = append(q.queued, t)
	}
	return q
}

// Next moves the test at the head of the queue in flight and returns it.
// It returns false if nothing is queued. When nothing is in flight either,
// the run is over and the channel returned by Done is closed.
func (q *Queue) Next(ctx context.Context) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.queued) == 0 {
		if len(q.inFlight) == 0 && !q.finished {
			q.finished = true
			close(q.doneCh)
			logging.Debug(ctx, "All tests finished")
		}
		return "", false
	}
	test := q.queued[0]
	q.queued = q.queued[1:]
	q.inFlight[test] = struct{}{}
	return test, true
}

// Done returns a channel closed once every test has finished.
func (q *Queue) Done() <-chan struct{} {
	return q.doneCh
}

// Drained reports whether nothing is queued or in flight.
func (q *Queue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued) == 0 && len(q.inFlight) == 0
}

// takeLocked removes test from the in-flight set. q.mu must be held.
func (q *Queue) takeLocked(test string) error {
	if _, ok := q.inFlight[test]; !ok {
		return errors.Wrapf(ErrNotInFlight, "%s", test)
	}
	delete(q.inFlight, test)
	return nil
}

// NoteDone records that test passed.
func (q *Queue) NoteDone(ctx context.Context, test string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.takeLocked(test); err != nil {
		return err
	}
	q.done = append(q.done, test)
	delete(q.attempts, test)
	q.obs.TestPassed(ctx)
	return nil
}

// NoteError records a failed attempt of test with its log, which may be
// empty. The test goes to the back of the queue until it has failed
// MaxAttempts times, after which it is recorded as failed. A log that
// cannot be saved is reported in the run's log and otherwise ignored.
//
// The log is written without holding the queue lock. test stays in flight
// meanwhile, so the run cannot complete before its log is recorded.
func (q *Queue) NoteError(ctx context.Context, test string, log []byte) error {
	attempt, err := q.countAttempt(test)
	if err != nil {
		return err
	}

	var path string
	if len(log) > 0 {
		path = filepath.Join(q.logDir, LogFileName(test, attempt))
		if err := os.WriteFile(path, log, 0644); err != nil {
			logging.Infof(ctx, "Failed to save log of %s: %v", test, err)
			path = ""
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.takeLocked(test); err != nil {
		return err
	}
	if path != "" {
		q.logs = append(q.logs, path)
	}
	q.obs.AttemptFailed(ctx)

	if attempt < q.maxAttempts {
		q.queued = append(q.queued, test)
		logging.Debugf(ctx, "%s failed attempt %d/%d; retrying", test, attempt, q.maxAttempts)
		return nil
	}
	delete(q.attempts, test)
	q.failed = append(q.failed, test)
	q.obs.TestFailed(ctx)
	return nil
}

// countAttempt increments the attempt counter of the in-flight test and
// returns the new count.
func (q *Queue) countAttempt(test string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inFlight[test]; !ok {
		return 0, errors.Wrapf(ErrNotInFlight, "%s", test)
	}
	q.attempts[test]++
	return q.attempts[test], nil
}

// NoteRetry returns test to the head of the queue without counting an
// attempt. It is used when the worker running test was lost.
func (q *Queue) NoteRetry(ctx context.Context, test string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.takeLocked(test); err != nil {
		return err
	}
	q.queued = append([]string{test}, q.queued...)
	q.obs.TestRequeued(ctx)
	return nil
}

// CompletionFraction returns the share of tests that are done or failed.
func (q *Queue) CompletionFraction() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	finished := len(q.done) + len(q.failed)
	total := finished + len(q.queued) + len(q.inFlight)
	if total == 0 {
		return 0
	}
	return float64(finished) / float64(total)
}

// Attempts returns how many failed attempts test has accumulated. It is zero
// for a test that passed or failed for good.
func (q *Queue) Attempts(test string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.attempts[test]
}

// Results returns a snapshot of finished tests.
func (q *Queue) Results() Results {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Results{
		Done:   append([]string(nil), q.done...),
		Failed: append([]string(nil), q.failed...),
		Logs:   append([]string(nil), q.logs...),
	}
}

// LogFileName names the log of a failed attempt (counted from 1) of test.
func LogFileName(test string, attempt int) string {
	return strings.ReplaceAll(test, "/", "-") + "-" + strconv.Itoa(attempt) + ".log"
}
