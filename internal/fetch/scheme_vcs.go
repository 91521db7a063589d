// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/NixOS/nix-sub009/internal/accessor"
)

// vcsCheckoutDir returns the per-URL cache directory under cacheDir
// that the "git", "hg", "fsl", and "pijul" schemes clone into and
// update from.
func vcsCheckoutDir(cacheDir, subdir, url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(cacheDir, "nix", subdir, hex.EncodeToString(sum[:16]))
}

func runVCS(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("%s %s: %v: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(ee.Stderr)))
		}
		return nil, fmt.Errorf("%s %s: %v", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// GitScheme implements the "git" input scheme by shelling out to the
// git CLI: clone under a per-URL cache directory, fetch the requested
// ref, and expose the checkout through a [accessor.PosixAccessor]
// restricted to that worktree.
type GitScheme struct {
	// CacheDir is the root the scheme caches checkouts under (a
	// "<cache>/nix/git/<hash(url)>" directory per input).
	CacheDir string
}

var _ InputScheme = (*GitScheme)(nil)

func (*GitScheme) Type() string { return "git" }

func (*GitScheme) InputFromURL(u *ParsedURL, requireTree bool) (Input, error) {
	in := NewInput("git")
	in.Set("url", StringAttr(u.Path))
	if ref := u.Query.Get("ref"); ref != "" {
		in.Set("ref", StringAttr(ref))
	}
	if rev := u.Query.Get("rev"); rev != "" {
		in.Set("rev", StringAttr(rev))
	}
	if sub := u.Query.Get("submodules"); sub != "" {
		in.Set("submodules", BoolAttr(sub == "1" || sub == "true"))
	}
	return in, nil
}

func (*GitScheme) InputFromAttrs(attrs map[string]AttrValue) (Input, error) {
	urlAttr, ok := attrs["url"]
	if !ok {
		return Input{}, fmt.Errorf("parse git input: missing \"url\" attribute")
	}
	if s, ok := urlAttr.AsString(); !ok || s == "" {
		return Input{}, fmt.Errorf("parse git input: \"url\" must be a non-empty string")
	}
	in := NewInput("git")
	for k, v := range attrs {
		if k != "type" {
			in.Set(k, v)
		}
	}
	return in, nil
}

func (*GitScheme) AllowedAttrs() []string {
	return []string{"url", "ref", "rev", "submodules", "narHash", "lastModified"}
}

func (*GitScheme) ToURL(in Input) (string, error) {
	urlAttr, _ := in.Get("url")
	raw, _ := urlAttr.AsString()
	s := "git+" + raw
	var q []string
	if ref, ok := in.Get("ref"); ok {
		if v, _ := ref.AsString(); v != "" {
			q = append(q, "ref="+v)
		}
	}
	if rev, ok := in.Get("rev"); ok {
		if v, _ := rev.AsString(); v != "" {
			q = append(q, "rev="+v)
		}
	}
	if len(q) > 0 {
		s += "?" + strings.Join(q, "&")
	}
	return s, nil
}

// IsLocked reports whether in pins an exact commit via "rev".
func (*GitScheme) IsLocked(in Input) bool {
	rev, ok := in.Get("rev")
	if !ok {
		return false
	}
	s, _ := rev.AsString()
	return s != ""
}

func (s *GitScheme) GetAccessor(ctx context.Context, st Store, in Input) (accessor.SourcePath, Input, error) {
	urlAttr, ok := in.Get("url")
	if !ok {
		return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch git input: missing \"url\" attribute")
	}
	url, _ := urlAttr.AsString()
	dir := vcsCheckoutDir(s.cacheDir(), "git", url)

	if _, err := os.Stat(filepath.Join(dir, "HEAD")); err != nil {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch git input %q: %v", url, err)
		}
		if _, err := runVCS(ctx, filepath.Dir(dir), "git", "clone", "--bare", url, dir); err != nil {
			return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch git input %q: %v", url, err)
		}
	} else {
		if _, err := runVCS(ctx, dir, "git", "fetch", "origin"); err != nil {
			return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch git input %q: %v", url, err)
		}
	}

	ref := "HEAD"
	if r, ok := in.Get("ref"); ok {
		if v, _ := r.AsString(); v != "" {
			ref = v
		}
	}
	if r, ok := in.Get("rev"); ok {
		if v, _ := r.AsString(); v != "" {
			ref = v
		}
	}
	revOut, err := runVCS(ctx, dir, "git", "rev-parse", ref)
	if err != nil {
		return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch git input %q: %v", url, err)
	}
	rev := strings.TrimSpace(string(revOut))

	worktree := filepath.Join(dir, "worktree-"+rev)
	if _, err := os.Stat(worktree); err != nil {
		if _, err := runVCS(ctx, dir, "git", "worktree", "add", "--detach", worktree, rev); err != nil {
			return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch git input %q: %v", url, err)
		}
	}

	if submodules, ok := in.Get("submodules"); ok {
		if b, _ := submodules.AsBool(); b {
			if _, err := runVCS(ctx, worktree, "git", "submodule", "update", "--init", "--recursive"); err != nil {
				return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch git input %q: %v", url, err)
			}
		}
	}

	locked := in.Clone()
	locked.Set("rev", StringAttr(rev))
	acc := &accessor.PosixAccessor{Root: worktree, AllowedPrefixes: nil}
	filtered := &accessor.FilteringAccessor{
		Base: acc,
		IsAllowed: func(path string) bool {
			return path != ".git" && !strings.HasPrefix(path, ".git/")
		},
	}
	return accessor.New(filtered, ""), locked, nil
}

func (s *GitScheme) cacheDir() string {
	if s.CacheDir != "" {
		return s.CacheDir
	}
	return os.TempDir()
}

func (*GitScheme) GetFingerprint(ctx context.Context, st Store, in Input) (string, error) {
	url, _ := func() (string, bool) {
		v, ok := in.Get("url")
		if !ok {
			return "", false
		}
		return v.AsString()
	}()
	if rev, ok := in.Get("rev"); ok {
		if v, _ := rev.AsString(); v != "" {
			return "git:" + url + "@" + v, nil
		}
	}
	return "git:" + url, nil
}
