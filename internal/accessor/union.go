// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package accessor

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// UnionAccessor presents several accessors mounted at distinct
// mount-point prefixes as a single tree. resolve walks up from a
// requested path to the nearest mount point, strips the prefix, and
// delegates.
type UnionAccessor struct {
	mounts map[string]Accessor
}

// NewUnionAccessor returns a union with no mounts.
func NewUnionAccessor() *UnionAccessor {
	return &UnionAccessor{mounts: make(map[string]Accessor)}
}

// Mount adds acc at mountPoint (a slash-separated path relative to the
// union's root; "" mounts at the root itself).
func (u *UnionAccessor) Mount(mountPoint string, acc Accessor) {
	u.mounts[clean(mountPoint)] = acc
}

// resolve finds the nearest mount point that is a prefix of path and
// returns the mounted accessor plus path relative to that mount.
func (u *UnionAccessor) resolve(path string) (Accessor, string, error) {
	path = clean(path)
	best := ""
	bestLen := -1
	found := false
	for mp := range u.mounts {
		if mp == path || mp == "" || strings.HasPrefix(path, mp+"/") {
			if len(mp) > bestLen {
				best, bestLen, found = mp, len(mp), true
			}
		}
	}
	if !found {
		return nil, "", fmt.Errorf("no mount covers %q", path)
	}
	rest := strings.TrimPrefix(path, best)
	rest = strings.TrimPrefix(rest, "/")
	return u.mounts[best], rest, nil
}

// MountPoints returns the union's mount points in a deterministic
// order (shortest first), for diagnostics.
func (u *UnionAccessor) MountPoints() []string {
	mps := make([]string, 0, len(u.mounts))
	for mp := range u.mounts {
		mps = append(mps, mp)
	}
	sort.Slice(mps, func(i, j int) bool {
		if len(mps[i]) != len(mps[j]) {
			return len(mps[i]) < len(mps[j])
		}
		return mps[i] < mps[j]
	})
	return mps
}

// ReadFile implements [Accessor].
func (u *UnionAccessor) ReadFile(ctx context.Context, path string) ([]byte, error) {
	acc, rest, err := u.resolve(path)
	if err != nil {
		return nil, err
	}
	return acc.ReadFile(ctx, rest)
}

// Lstat implements [Accessor].
func (u *UnionAccessor) Lstat(ctx context.Context, path string) (*Stat, error) {
	acc, rest, err := u.resolve(path)
	if err != nil {
		return nil, nil
	}
	return acc.Lstat(ctx, rest)
}

// ReadDirectory implements [Accessor].
func (u *UnionAccessor) ReadDirectory(ctx context.Context, path string) (DirEntries, error) {
	acc, rest, err := u.resolve(path)
	if err != nil {
		return nil, err
	}
	return acc.ReadDirectory(ctx, rest)
}

// ReadLink implements [Accessor].
func (u *UnionAccessor) ReadLink(ctx context.Context, path string) (string, error) {
	acc, rest, err := u.resolve(path)
	if err != nil {
		return "", err
	}
	return acc.ReadLink(ctx, rest)
}
