// Copyright (C) 2025 The Sindri Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package source

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pacphi/sindri/cmd/sindri/internal/extension"
)

// ErrUnsafeArchive is returned for archives with entries escaping the
// destination.
var ErrUnsafeArchive = errors.New("unsafe archive entry")

// maxEntrySize bounds a single extracted file.
const maxEntrySize = 1 << 30

// extract unpacks a gzip-compressed tar stream into dst, which must
// exist. Directories, regular files and relative symlinks that stay inside
// dst are materialised; other entry types are ignored.
func extract(r io.Reader, dst string) error {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}
	if magic[0] != 0x1f || magic[1] != 0x8b {
		return errors.New("archive is not gzip-compressed")
	}
	gz, err := gzip.NewReader(br)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}

		target, err := entryPath(dst, hdr.Name)
		if err != nil {
			return err
		}
		if target == "" {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if hdr.Size > maxEntrySize {
				return fmt.Errorf("%w: %s is %d bytes", ErrUnsafeArchive, hdr.Name, hdr.Size)
			}
			if err := writeEntry(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) {
				return fmt.Errorf("%w: %s links to absolute path", ErrUnsafeArchive, hdr.Name)
			}
			resolved := filepath.Join(filepath.Dir(target), hdr.Linkname)
			if !within(dst, resolved) {
				return fmt.Errorf("%w: %s links outside the archive", ErrUnsafeArchive, hdr.Name)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		}
	}
}

func entryPath(dst, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." {
		return "", nil
	}
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafeArchive, name)
	}
	return filepath.Join(dst, clean), nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func writeEntry(target string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, io.LimitReader(r, maxEntrySize)); err != nil {
		f.Close()
		return fmt.Errorf("extract %s: %w", target, err)
	}
	return f.Close()
}

// hoist replaces dir's contents with those of its single subdirectory when
// the archive wrapped an extension in one top-level folder
// ("python-3.1.0/extension.yaml").
func hoist(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return nil
	}
	inner := filepath.Join(dir, entries[0].Name())
	if _, err := os.Stat(filepath.Join(inner, extension.DescriptorFile)); err != nil {
		return nil
	}
	tmp := dir + ".hoist"
	if err := os.Rename(inner, tmp); err != nil {
		return err
	}
	if err := os.Remove(dir); err != nil {
		return err
	}
	return os.Rename(tmp, dir)
}
