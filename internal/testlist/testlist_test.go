// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package testlist

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ekmixon/glusterfs/testutil"
)

func setUpTree(t *testing.T) string {
	t.Helper()
	root := testutil.TempDir(t)
	if err := testutil.WriteFiles(root, map[string]string{
		"tests/basic/mount.t":        "",
		"tests/basic/volume.t":       "",
		"tests/bugs/core/bug-1234.t": "",
		"tests/bugs/core/README":     "",
		"tests/include.rc":           "",
		"xlators/cluster/afr/test.t": "",
		"tests/basic/ec/ec-quorum.t": "",
	}); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestDiscover(t *testing.T) {
	got, err := Discover(setUpTree(t))
	if err != nil {
		t.Fatal("Discover failed: ", err)
	}
	want := []string{
		"tests/basic/ec/ec-quorum.t",
		"tests/basic/mount.t",
		"tests/basic/volume.t",
		"tests/bugs/core/bug-1234.t",
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Discover mismatch (-got +want):\n%s", diff)
	}
}

func TestDiscoverMissingDir(t *testing.T) {
	if _, err := Discover(testutil.TempDir(t)); err == nil {
		t.Error("Discover succeeded without a tests directory")
	}
}

func TestSelect(t *testing.T) {
	root := setUpTree(t)
	flaky := []string{"tests/basic/volume.t", "tests/bugs/core/bug-1234.t"}

	for _, tc := range []struct {
		name string
		sel  []string
		want []string
	}{
		{"default", nil, []string{"tests/basic/ec/ec-quorum.t", "tests/basic/mount.t"}},
		{"all", []string{All}, []string{"tests/basic/ec/ec-quorum.t", "tests/basic/mount.t"}},
		{"flaky", []string{Flaky}, flaky},
		{"list", []string{"tests/basic/volume.t", "tests/basic/mount.t", "tests/x.t"}, []string{"tests/basic/mount.t", "tests/x.t"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Select(root, tc.sel, flaky)
			if err != nil {
				t.Fatal("Select failed: ", err)
			}
			if diff := cmp.Diff(got, tc.want); diff != "" {
				t.Errorf("Select mismatch (-got +want):\n%s", diff)
			}
		})
	}
}
