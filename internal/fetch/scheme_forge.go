// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/NixOS/nix-sub009/internal/accessor"
)

// ForgeScheme implements the "github", "gitlab", and "sourcehut"
// input schemes: all three take a "owner/repo[/ref-or-rev]" URL path,
// resolve a ref to a commit via the forge's API, and download and
// unpack the resulting tarball in memory through [TarballScheme]. The
// download is not cached, and no Git tree hash is computed. The three
// schemes share this
// implementation, parameterized by API base URL and tarball URL
// template.
type ForgeScheme struct {
	// SchemeType is "github", "gitlab", or "sourcehut".
	SchemeType string
	// APIBase is the forge's REST API base URL, e.g.
	// "https://api.github.com".
	APIBase string
	// TarballURL renders the tarball download URL for a resolved
	// owner/repo/rev.
	TarballURL func(owner, repo, rev string) string
	// TrustTarballsFromGitForges gates whether a resolved tarball is
	// trusted without an additional narHash check, per spec §4.5's
	// trustTarballsFromGitForges setting.
	TrustTarballsFromGitForges bool

	HTTPClient *http.Client
	Tokens     *TokenStore

	tarball TarballScheme
}

var _ InputScheme = (*ForgeScheme)(nil)

// NewGitHubScheme returns the "github" forge scheme.
func NewGitHubScheme() *ForgeScheme {
	return &ForgeScheme{
		SchemeType: "github",
		APIBase:    "https://api.github.com",
		TarballURL: func(owner, repo, rev string) string {
			return fmt.Sprintf("https://github.com/%s/%s/archive/%s.tar.gz", owner, repo, rev)
		},
	}
}

// NewGitLabScheme returns the "gitlab" forge scheme.
func NewGitLabScheme() *ForgeScheme {
	return &ForgeScheme{
		SchemeType: "gitlab",
		APIBase:    "https://gitlab.com/api/v4",
		TarballURL: func(owner, repo, rev string) string {
			return fmt.Sprintf("https://gitlab.com/%s/%s/-/archive/%s/%s-%s.tar.gz", owner, repo, rev, repo, rev)
		},
	}
}

// NewSourceHutScheme returns the "sourcehut" forge scheme.
func NewSourceHutScheme() *ForgeScheme {
	return &ForgeScheme{
		SchemeType: "sourcehut",
		APIBase:    "https://git.sr.ht",
		TarballURL: func(owner, repo, rev string) string {
			return fmt.Sprintf("https://git.sr.ht/~%s/%s/archive/%s.tar.gz", owner, repo, rev)
		},
	}
}

func (s *ForgeScheme) client() *http.Client {
	if s.HTTPClient == nil {
		return http.DefaultClient
	}
	return s.HTTPClient
}

func (s *ForgeScheme) Type() string { return s.SchemeType }

func (s *ForgeScheme) InputFromURL(u *ParsedURL, requireTree bool) (Input, error) {
	parts := strings.SplitN(u.Path, "/", 3)
	if len(parts) < 2 {
		return Input{}, fmt.Errorf("parse %s input %q: want \"owner/repo[/ref-or-rev]\"", s.SchemeType, u.Path)
	}
	in := NewInput(s.SchemeType)
	in.Set("owner", StringAttr(parts[0]))
	in.Set("repo", StringAttr(parts[1]))
	if len(parts) == 3 && parts[2] != "" {
		if looksLikeCommit(parts[2]) {
			in.Set("rev", StringAttr(parts[2]))
		} else {
			in.Set("ref", StringAttr(parts[2]))
		}
	}
	if host := u.Query.Get("host"); host != "" {
		in.Set("host", StringAttr(host))
	}
	return in, nil
}

func looksLikeCommit(s string) bool {
	if len(s) < 7 {
		return false
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}

func (s *ForgeScheme) InputFromAttrs(attrs map[string]AttrValue) (Input, error) {
	owner, ok := attrs["owner"]
	if !ok {
		return Input{}, fmt.Errorf("parse %s input: missing \"owner\" attribute", s.SchemeType)
	}
	repo, ok := attrs["repo"]
	if !ok {
		return Input{}, fmt.Errorf("parse %s input: missing \"repo\" attribute", s.SchemeType)
	}
	if v, ok := owner.AsString(); !ok || v == "" {
		return Input{}, fmt.Errorf("parse %s input: \"owner\" must be a non-empty string", s.SchemeType)
	}
	if v, ok := repo.AsString(); !ok || v == "" {
		return Input{}, fmt.Errorf("parse %s input: \"repo\" must be a non-empty string", s.SchemeType)
	}
	in := NewInput(s.SchemeType)
	for k, v := range attrs {
		if k != "type" {
			in.Set(k, v)
		}
	}
	return in, nil
}

func (s *ForgeScheme) AllowedAttrs() []string {
	return []string{"owner", "repo", "ref", "rev", "host", "narHash", "lastModified"}
}

func (s *ForgeScheme) ToURL(in Input) (string, error) {
	owner, _ := attrString(in, "owner")
	repo, _ := attrString(in, "repo")
	path := owner + "/" + repo
	if rev, ok := attrString(in, "rev"); ok && rev != "" {
		path += "/" + rev
	} else if ref, ok := attrString(in, "ref"); ok && ref != "" {
		path += "/" + ref
	}
	return s.SchemeType + ":" + path, nil
}

func attrString(in Input, name string) (string, bool) {
	v, ok := in.Get(name)
	if !ok {
		return "", false
	}
	return v.AsString()
}

// IsLocked reports whether in pins an exact commit via "rev".
func (s *ForgeScheme) IsLocked(in Input) bool {
	rev, ok := attrString(in, "rev")
	return ok && rev != ""
}

// resolveRev asks the forge API to resolve in's ref (or the default
// branch, if neither ref nor rev is set) to a commit hash.
func (s *ForgeScheme) resolveRev(ctx context.Context, in Input) (string, error) {
	if rev, ok := attrString(in, "rev"); ok && rev != "" {
		return rev, nil
	}
	owner, _ := attrString(in, "owner")
	repo, _ := attrString(in, "repo")
	ref, _ := attrString(in, "ref")

	var apiURL string
	switch s.SchemeType {
	case "github":
		if ref == "" {
			apiURL = fmt.Sprintf("%s/repos/%s/%s/commits/HEAD", s.APIBase, owner, repo)
		} else {
			apiURL = fmt.Sprintf("%s/repos/%s/%s/commits/%s", s.APIBase, owner, repo, ref)
		}
	case "gitlab":
		if ref == "" {
			ref = "HEAD"
		}
		apiURL = fmt.Sprintf("%s/projects/%s%%2F%s/repository/commits/%s", s.APIBase, owner, repo, ref)
	default:
		if ref == "" {
			ref = "HEAD"
		}
		apiURL = fmt.Sprintf("%s/~%s/%s/commit/%s", s.APIBase, owner, repo, ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	if host, ok := attrString(in, "host"); ok && host != "" {
		if tok, ok := s.Tokens.Token(host); ok {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("resolve %s/%s@%s: http status %s", owner, repo, ref, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	var result struct {
		SHA string `json:"sha"`
		ID  string `json:"id"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("resolve %s/%s@%s: %v", owner, repo, ref, err)
	}
	if result.SHA != "" {
		return result.SHA, nil
	}
	return result.ID, nil
}

func (s *ForgeScheme) GetAccessor(ctx context.Context, st Store, in Input) (accessor.SourcePath, Input, error) {
	owner, _ := attrString(in, "owner")
	repo, _ := attrString(in, "repo")
	rev, err := s.resolveRev(ctx, in)
	if err != nil {
		return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch %s input %s/%s: %v", s.SchemeType, owner, repo, err)
	}

	tarballIn := NewInput("tarball")
	tarballIn.Set("url", StringAttr(s.TarballURL(owner, repo, rev)))
	if narHash, ok := attrString(in, "narHash"); ok && narHash != "" {
		tarballIn.Set("narHash", StringAttr(narHash))
	} else if !s.TrustTarballsFromGitForges {
		return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch %s input %s/%s@%s: refusing to trust forge tarball without narHash (trustTarballsFromGitForges is false)", s.SchemeType, owner, repo, rev)
	}
	s.tarball.HTTPClient = s.HTTPClient
	sp, _, err := s.tarball.GetAccessor(ctx, st, tarballIn)
	if err != nil {
		return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch %s input %s/%s@%s: %v", s.SchemeType, owner, repo, rev, err)
	}

	locked := in.Clone()
	locked.Set("rev", StringAttr(rev))
	return sp, locked, nil
}

func (s *ForgeScheme) GetFingerprint(ctx context.Context, st Store, in Input) (string, error) {
	owner, _ := attrString(in, "owner")
	repo, _ := attrString(in, "repo")
	if rev, ok := attrString(in, "rev"); ok && rev != "" {
		return s.SchemeType + ":" + owner + "/" + repo + "@" + rev, nil
	}
	return s.SchemeType + ":" + owner + "/" + repo, nil
}
