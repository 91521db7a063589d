// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/NixOS/nix-sub009/internal/accessor"
)

// SimpleVCSScheme implements the "hg", "fsl", and "pijul" input
// schemes: each shells out to its CLI to materialize a per-URL cached
// checkout and reports the resolved commit hash as the lock, per
// spec §4.5.
type SimpleVCSScheme struct {
	// SchemeType is "hg", "fsl", or "pijul".
	SchemeType string
	// CLI is the executable name to invoke ("hg", "fossil", "pijul").
	CLI string
	// CacheDir is the root checkouts are cached under.
	CacheDir string

	clone    func(ctx context.Context, dir, url string) error
	update   func(ctx context.Context, dir string) error
	checkout func(ctx context.Context, dir, rev string) error
	identify func(ctx context.Context, dir string) (string, error)
}

var _ InputScheme = (*SimpleVCSScheme)(nil)

// NewMercurialScheme returns the "hg" scheme.
func NewMercurialScheme() *SimpleVCSScheme {
	s := &SimpleVCSScheme{SchemeType: "hg", CLI: "hg"}
	s.clone = func(ctx context.Context, dir, url string) error {
		_, err := runVCS(ctx, filepath.Dir(dir), s.CLI, "clone", url, dir)
		return err
	}
	s.update = func(ctx context.Context, dir string) error {
		_, err := runVCS(ctx, dir, s.CLI, "pull")
		return err
	}
	s.checkout = func(ctx context.Context, dir, rev string) error {
		_, err := runVCS(ctx, dir, s.CLI, "update", "--rev", rev)
		return err
	}
	s.identify = func(ctx context.Context, dir string) (string, error) {
		out, err := runVCS(ctx, dir, s.CLI, "identify", "--id")
		return strings.TrimSpace(string(out)), err
	}
	return s
}

// NewFossilScheme returns the "fsl" scheme.
func NewFossilScheme() *SimpleVCSScheme {
	s := &SimpleVCSScheme{SchemeType: "fsl", CLI: "fossil"}
	s.clone = func(ctx context.Context, dir, url string) error {
		repoFile := dir + ".fossil"
		if _, err := runVCS(ctx, filepath.Dir(dir), s.CLI, "clone", url, repoFile); err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return err
		}
		_, err := runVCS(ctx, dir, s.CLI, "open", repoFile)
		return err
	}
	s.update = func(ctx context.Context, dir string) error {
		_, err := runVCS(ctx, dir, s.CLI, "update")
		return err
	}
	s.checkout = func(ctx context.Context, dir, rev string) error {
		_, err := runVCS(ctx, dir, s.CLI, "checkout", rev)
		return err
	}
	s.identify = func(ctx context.Context, dir string) (string, error) {
		out, err := runVCS(ctx, dir, s.CLI, "info")
		if err != nil {
			return "", err
		}
		for _, line := range strings.Split(string(out), "\n") {
			if rest, ok := strings.CutPrefix(line, "checkout:"); ok {
				fields := strings.Fields(rest)
				if len(fields) > 0 {
					return fields[0], nil
				}
			}
		}
		return "", fmt.Errorf("fossil info: no checkout line")
	}
	return s
}

// NewPijulScheme returns the "pijul" scheme.
func NewPijulScheme() *SimpleVCSScheme {
	s := &SimpleVCSScheme{SchemeType: "pijul", CLI: "pijul"}
	s.clone = func(ctx context.Context, dir, url string) error {
		_, err := runVCS(ctx, filepath.Dir(dir), s.CLI, "clone", url, dir)
		return err
	}
	s.update = func(ctx context.Context, dir string) error {
		_, err := runVCS(ctx, dir, s.CLI, "pull")
		return err
	}
	s.checkout = func(ctx context.Context, dir, rev string) error {
		_, err := runVCS(ctx, dir, s.CLI, "reset", "--to", rev)
		return err
	}
	s.identify = func(ctx context.Context, dir string) (string, error) {
		out, err := runVCS(ctx, dir, s.CLI, "log", "--state", "--limit", "1")
		return strings.TrimSpace(string(out)), err
	}
	return s
}

func (s *SimpleVCSScheme) Type() string { return s.SchemeType }

func (s *SimpleVCSScheme) InputFromURL(u *ParsedURL, requireTree bool) (Input, error) {
	in := NewInput(s.SchemeType)
	in.Set("url", StringAttr(u.Path))
	if rev := u.Query.Get("rev"); rev != "" {
		in.Set("rev", StringAttr(rev))
	}
	return in, nil
}

func (s *SimpleVCSScheme) InputFromAttrs(attrs map[string]AttrValue) (Input, error) {
	urlAttr, ok := attrs["url"]
	if !ok {
		return Input{}, fmt.Errorf("parse %s input: missing \"url\" attribute", s.SchemeType)
	}
	if v, ok := urlAttr.AsString(); !ok || v == "" {
		return Input{}, fmt.Errorf("parse %s input: \"url\" must be a non-empty string", s.SchemeType)
	}
	in := NewInput(s.SchemeType)
	for k, v := range attrs {
		if k != "type" {
			in.Set(k, v)
		}
	}
	return in, nil
}

func (s *SimpleVCSScheme) AllowedAttrs() []string {
	return []string{"url", "rev", "narHash", "lastModified"}
}

func (s *SimpleVCSScheme) ToURL(in Input) (string, error) {
	url, _ := attrString(in, "url")
	out := s.SchemeType + "+" + url
	if rev, ok := attrString(in, "rev"); ok && rev != "" {
		out += "?rev=" + rev
	}
	return out, nil
}

// IsLocked reports whether in pins an exact revision via "rev".
func (s *SimpleVCSScheme) IsLocked(in Input) bool {
	rev, ok := attrString(in, "rev")
	return ok && rev != ""
}

func (s *SimpleVCSScheme) cacheDir() string {
	if s.CacheDir != "" {
		return s.CacheDir
	}
	return os.TempDir()
}

func (s *SimpleVCSScheme) GetAccessor(ctx context.Context, st Store, in Input) (accessor.SourcePath, Input, error) {
	url, ok := attrString(in, "url")
	if !ok || url == "" {
		return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch %s input: missing \"url\" attribute", s.SchemeType)
	}
	dir := vcsCheckoutDir(s.cacheDir(), s.SchemeType, url)

	if _, err := os.Stat(dir); err != nil {
		if err := s.clone(ctx, dir, url); err != nil {
			return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch %s input %q: %v", s.SchemeType, url, err)
		}
	} else if err := s.update(ctx, dir); err != nil {
		return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch %s input %q: %v", s.SchemeType, url, err)
	}

	if rev, ok := attrString(in, "rev"); ok && rev != "" {
		if err := s.checkout(ctx, dir, rev); err != nil {
			return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch %s input %q: %v", s.SchemeType, url, err)
		}
	}

	rev, err := s.identify(ctx, dir)
	if err != nil {
		return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch %s input %q: %v", s.SchemeType, url, err)
	}

	locked := in.Clone()
	locked.Set("rev", StringAttr(rev))
	acc := &accessor.PosixAccessor{Root: dir}
	return accessor.New(acc, ""), locked, nil
}

func (s *SimpleVCSScheme) GetFingerprint(ctx context.Context, st Store, in Input) (string, error) {
	url, _ := attrString(in, "url")
	if rev, ok := attrString(in, "rev"); ok && rev != "" {
		return s.SchemeType + ":" + url + "@" + rev, nil
	}
	return s.SchemeType + ":" + url, nil
}
