// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package accessor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// PosixAccessor reads files directly from the local filesystem rooted
// at Root, honouring an optional allow-list of sub-prefixes.
type PosixAccessor struct {
	// Root is the directory accessor paths are resolved relative to.
	Root string
	// AllowedPrefixes, if non-empty, restricts reads to paths that
	// have one of these slash-separated prefixes relative to Root.
	AllowedPrefixes []string
}

func (a *PosixAccessor) resolve(path string) (string, error) {
	if path != "" && !filepath.IsLocal(filepath.FromSlash(path)) {
		return "", fmt.Errorf("path %q escapes root", path)
	}
	if len(a.AllowedPrefixes) > 0 && path != "" {
		ok := false
		for _, prefix := range a.AllowedPrefixes {
			if path == prefix || strings.HasPrefix(path, prefix+"/") {
				ok = true
				break
			}
		}
		if !ok {
			return "", &ErrRestrictedPath{Path: path}
		}
	}
	return filepath.Join(a.Root, filepath.FromSlash(path)), nil
}

// ReadFile implements [Accessor].
func (a *PosixAccessor) ReadFile(ctx context.Context, path string) ([]byte, error) {
	real, err := a.resolve(path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Lstat(real)
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("read %s: not a regular file", path)
	}
	return os.ReadFile(real)
}

// Lstat implements [Accessor].
func (a *PosixAccessor) Lstat(ctx context.Context, path string) (*Stat, error) {
	real, err := a.resolve(path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Lstat(real)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	switch mode := fi.Mode(); {
	case mode.IsDir():
		return &Stat{Type: Directory}, nil
	case mode&os.ModeSymlink != 0:
		return &Stat{Type: Symlink}, nil
	case mode.IsRegular():
		return &Stat{Type: Regular, Executable: mode&0o111 != 0}, nil
	default:
		return &Stat{Type: Misc}, nil
	}
}

// ReadDirectory implements [Accessor].
func (a *PosixAccessor) ReadDirectory(ctx context.Context, path string) (DirEntries, error) {
	real, err := a.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(real)
	if err != nil {
		return nil, err
	}
	result := make(DirEntries, len(entries))
	for _, ent := range entries {
		var t NodeType
		switch {
		case ent.IsDir():
			t = Directory
		case ent.Type()&fs.ModeSymlink != 0:
			t = Symlink
		case ent.Type().IsRegular():
			t = Regular
		default:
			t = Misc
		}
		result[ent.Name()] = &t
	}
	return result, nil
}

// ReadLink implements [Accessor].
func (a *PosixAccessor) ReadLink(ctx context.Context, path string) (string, error) {
	real, err := a.resolve(path)
	if err != nil {
		return "", err
	}
	return os.Readlink(real)
}
