// Copyright 2024 The disttest Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package payload packs the source tree under test into the gzipped tarball
// shipped to every worker host, and unpacks it on the agent side.
package payload

import (
	"archive/tar"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/ekmixon/glusterfs/errors"
)

// Archive is a packed source tree.
type Archive struct {
	// Path is the local file holding the archive.
	Path string
	// Data is the archive content.
	Data []byte
	// RunID is the hex MD5 digest of Data. It identifies the run to agents.
	RunID string
}

// Remove deletes the local archive file.
func (a *Archive) Remove() error {
	return os.Remove(a.Path)
}

// FileName returns the archive file name for the per-process token.
func FileName(token string) string {
	return token + "-patch.tar.gz"
}

// Create packs srcDir into a new archive in tmpDir. The file name carries a
// random token so concurrent invocations on one machine do not collide.
func Create(ctx context.Context, srcDir, tmpDir string) (*Archive, error) {
	path := filepath.Join(tmpDir, FileName(uuid.NewString()))
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if err := pack(ctx, f, srcDir, path); err != nil {
		f.Close()
		os.Remove(path)
		return nil, errors.Wrapf(err, "failed to pack %s", srcDir)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	return &Archive{Path: path, Data: data, RunID: RunID(data)}, nil
}

// RunID returns the run identity of archive data.
func RunID(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// pack writes srcDir as a gzipped tarball to w, skipping the file at self.
func pack(ctx context.Context, w io.Writer, srcDir, self string) error {
	zw := gzip.NewWriter(w)
	tw := tar.NewWriter(zw)

	err := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == srcDir || p == self {
			return nil
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return zw.Close()
}

// Extract unpacks a gzipped tarball read from r into dst, which must exist.
// Entries that would land outside dst are rejected.
func Extract(r io.Reader, dst string) error {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return errors.Wrap(err, "not a gzip stream")
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "corrupt tar stream")
		}
		target, err := entryPath(dst, hdr.Name)
		if err != nil {
			return err
		}
		if err := extractEntry(tr, hdr, target); err != nil {
			return errors.Wrapf(err, "failed to extract %s", hdr.Name)
		}
	}
}

func entryPath(dst, name string) (string, error) {
	target := filepath.Join(dst, filepath.FromSlash(name))
	if target != dst && !strings.HasPrefix(target, filepath.Clean(dst)+string(os.PathSeparator)) {
		return "", errors.Errorf("archive entry %q escapes the destination", name)
	}
	return target, nil
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, target string) error {
	mode := os.FileMode(hdr.Mode).Perm()
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, mode|0700)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		os.Remove(target)
		return os.Symlink(hdr.Linkname, target)
	default:
		return fmt.Errorf("unsupported entry type %q", hdr.Typeflag)
	}
}
