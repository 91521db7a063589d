// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package accessor

import "context"

// FilteringAccessor wraps another [Accessor], gating every call
// through IsAllowed and returning [ErrRestrictedPath] otherwise.
type FilteringAccessor struct {
	Base      Accessor
	IsAllowed func(path string) bool
}

func (a *FilteringAccessor) check(path string) error {
	if a.IsAllowed != nil && !a.IsAllowed(path) {
		return &ErrRestrictedPath{Path: path}
	}
	return nil
}

// ReadFile implements [Accessor].
func (a *FilteringAccessor) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := a.check(path); err != nil {
		return nil, err
	}
	return a.Base.ReadFile(ctx, path)
}

// Lstat implements [Accessor].
func (a *FilteringAccessor) Lstat(ctx context.Context, path string) (*Stat, error) {
	if err := a.check(path); err != nil {
		return nil, err
	}
	return a.Base.Lstat(ctx, path)
}

// ReadDirectory implements [Accessor].
func (a *FilteringAccessor) ReadDirectory(ctx context.Context, path string) (DirEntries, error) {
	if err := a.check(path); err != nil {
		return nil, err
	}
	return a.Base.ReadDirectory(ctx, path)
}

// ReadLink implements [Accessor].
func (a *FilteringAccessor) ReadLink(ctx context.Context, path string) (string, error) {
	if err := a.check(path); err != nil {
		return "", err
	}
	return a.Base.ReadLink(ctx, path)
}

// CachingFilteringAccessor is a [FilteringAccessor] variant that
// memoises IsAllowed, for predicates expensive enough to be worth not
// recomputing per call (e.g. one backed by a gitignore-style walk).
type CachingFilteringAccessor struct {
	FilteringAccessor
	cache map[string]bool
}

// NewCachingFilteringAccessor returns a filtering accessor that caches
// each path's allow decision.
func NewCachingFilteringAccessor(base Accessor, isAllowed func(path string) bool) *CachingFilteringAccessor {
	a := &CachingFilteringAccessor{cache: make(map[string]bool)}
	a.Base = base
	a.IsAllowed = func(path string) bool {
		if v, ok := a.cache[path]; ok {
			return v
		}
		v := isAllowed(path)
		a.cache[path] = v
		return v
	}
	return a
}
