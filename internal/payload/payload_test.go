// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package payload

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"

	"github.com/ekmixon/glusterfs/testutil"
)

func TestCreateExtract(t *testing.T) {
	td := testutil.TempDir(t)
	src := filepath.Join(td, "src")
	files := map[string]string{
		"Makefile":                "all:\n",
		"tests/basic/mount.t":     "#!/bin/bash\n",
		"tests/bugs/core/crash.t": "exit 1\n",
	}
	if err := testutil.WriteFiles(src, files); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("Makefile", filepath.Join(src, "GNUmakefile")); err != nil {
		t.Fatal(err)
	}

	a, err := Create(context.Background(), src, td)
	if err != nil {
		t.Fatal("Create failed: ", err)
	}
	if !strings.HasSuffix(a.Path, "-patch.tar.gz") || filepath.Dir(a.Path) != td {
		t.Errorf("Archive path %q is not <tmp>/<token>-patch.tar.gz", a.Path)
	}
	if a.RunID != RunID(a.Data) || len(a.RunID) != 32 {
		t.Errorf("RunID = %q; want the MD5 hex digest of the data", a.RunID)
	}

	dst := filepath.Join(td, "dst")
	if err := os.MkdirAll(dst, 0755); err != nil {
		t.Fatal(err)
	}
	if err := Extract(bytes.NewReader(a.Data), dst); err != nil {
		t.Fatal("Extract failed: ", err)
	}
	got, err := testutil.ReadFiles(dst)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(got, files); diff != "" {
		t.Errorf("Extracted files mismatch (-got +want):\n%s", diff)
	}
	if link, err := os.Readlink(filepath.Join(dst, "GNUmakefile")); err != nil || link != "Makefile" {
		t.Errorf("Readlink(GNUmakefile) = (%q, %v); want Makefile", link, err)
	}

	if err := a.Remove(); err != nil {
		t.Error("Remove failed: ", err)
	}
	if _, err := os.Stat(a.Path); !os.IsNotExist(err) {
		t.Error("Archive still exists after Remove")
	}
}

func TestCreateDistinctTokens(t *testing.T) {
	td := testutil.TempDir(t)
	src := filepath.Join(td, "src")
	if err := testutil.WriteFiles(src, map[string]string{"a": "b"}); err != nil {
		t.Fatal(err)
	}
	a1, err := Create(context.Background(), src, td)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := Create(context.Background(), src, td)
	if err != nil {
		t.Fatal(err)
	}
	if a1.Path == a2.Path {
		t.Errorf("Two archives share the path %s", a1.Path)
	}
}

func TestExtractRejectsEscape(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	body := "pwned"
	if err := tw.WriteHeader(&tar.Header{Name: "../evil", Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	tw.Write([]byte(body))
	tw.Close()
	zw.Close()

	dst := testutil.TempDir(t)
	if err := Extract(&buf, dst); err == nil {
		t.Error("Extract accepted an entry escaping the destination")
	}
}

func TestExtractCorrupt(t *testing.T) {
	if err := Extract(strings.NewReader("not gzip"), testutil.TempDir(t)); err == nil {
		t.Error("Extract accepted garbage")
	}
}
