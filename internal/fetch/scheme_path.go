// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package fetch

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"

	"github.com/NixOS/nix-sub009/internal/accessor"
)

// PathScheme implements the "path" input scheme: a reference directly
// to a local directory, never locked since its contents can change
// underneath it at any time.
type PathScheme struct{}

var _ InputScheme = PathScheme{}

func (PathScheme) Type() string { return "path" }

func (PathScheme) InputFromURL(u *ParsedURL, requireTree bool) (Input, error) {
	path, err := url.PathUnescape(u.Path)
	if err != nil {
		return Input{}, fmt.Errorf("parse path input %q: %v", u.Path, err)
	}
	in := NewInput("path")
	in.Set("path", StringAttr(path))
	return in, nil
}

func (PathScheme) InputFromAttrs(attrs map[string]AttrValue) (Input, error) {
	path, ok := attrs["path"]
	if !ok {
		return Input{}, fmt.Errorf("parse path input: missing \"path\" attribute")
	}
	if s, ok := path.AsString(); !ok || s == "" {
		return Input{}, fmt.Errorf("parse path input: \"path\" must be a non-empty string")
	}
	in := NewInput("path")
	for k, v := range attrs {
		if k != "type" {
			in.Set(k, v)
		}
	}
	return in, nil
}

func (PathScheme) AllowedAttrs() []string {
	return []string{"path", "narHash", "lastModified"}
}

func (PathScheme) ToURL(in Input) (string, error) {
	path, _ := in.Get("path")
	s, _ := path.AsString()
	return "path:" + s, nil
}

// IsLocked reports false: a path input has no revision to pin, so it
// is always considered potentially dirty.
func (PathScheme) IsLocked(Input) bool { return false }

func (PathScheme) GetAccessor(ctx context.Context, s Store, in Input) (accessor.SourcePath, Input, error) {
	pathAttr, ok := in.Get("path")
	if !ok {
		return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch path input: missing \"path\" attribute")
	}
	path, _ := pathAttr.AsString()
	abs, err := filepath.Abs(path)
	if err != nil {
		return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch path input %q: %v", path, err)
	}
	acc := &accessor.PosixAccessor{Root: abs}
	locked := in.Clone()
	return accessor.New(acc, ""), locked, nil
}

func (PathScheme) GetFingerprint(ctx context.Context, s Store, in Input) (string, error) {
	pathAttr, _ := in.Get("path")
	path, _ := pathAttr.AsString()
	return "path:" + path, nil
}
