// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package testlist selects the test scripts of a run from a source tree.
package testlist

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ekmixon/glusterfs/errors"
)

const (
	// All selects every test script in the tree except flaky ones.
	All = "all"
	// Flaky selects only the flaky tests.
	Flaky = "flaky"

	testsDir = "tests"
	testExt  = ".t"
)

// Discover returns the paths, relative to root, of every test script under
// root/tests in lexical order.
func Discover(root string) ([]string, error) {
	var tests []string
	base := filepath.Join(root, testsDir)
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), testExt) {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		tests = append(tests, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list tests under %s", base)
	}
	sort.Strings(tests)
	return tests, nil
}

// Select resolves a test selection against root. sel is All (or empty),
// Flaky, or an explicit list of tests. Flaky tests are excluded unless
// Flaky is selected.
func Select(root string, sel []string, flaky []string) ([]string, error) {
	switch {
	case len(sel) == 0 || (len(sel) == 1 && sel[0] == All):
		all, err := Discover(root)
		if err != nil {
			return nil, err
		}
		return exclude(all, flaky), nil
	case len(sel) == 1 && sel[0] == Flaky:
		return append([]string(nil), flaky...), nil
	default:
		return exclude(sel, flaky), nil
	}
}

func exclude(tests, drop []string) []string {
	skip := make(map[string]struct{}, len(drop))
	for _, t := range drop {
		skip[t] = struct{}{}
	}
	var out []string
	for _, t := range tests {
		if _, ok := skip[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}
