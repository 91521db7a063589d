// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/NixOS/nix-sub009/internal/accessor"
	"github.com/NixOS/nix-sub009/internal/nixhash"
)

// FileScheme implements the "file" input scheme: a reference to a
// single remote or local file, addressed by URL and optionally pinned
// with a narHash.
type FileScheme struct {
	// HTTPClient is used to fetch "http"/"https" URLs. If nil,
	// [http.DefaultClient] is used.
	HTTPClient *http.Client
}

var _ InputScheme = (*FileScheme)(nil)

func (s *FileScheme) client() *http.Client {
	if s.HTTPClient == nil {
		return http.DefaultClient
	}
	return s.HTTPClient
}

func (*FileScheme) Type() string { return "file" }

func (*FileScheme) InputFromURL(u *ParsedURL, requireTree bool) (Input, error) {
	if requireTree {
		return Input{}, fmt.Errorf("parse file input: a single file cannot be used where a tree is required")
	}
	rawURL := u.Path
	if q := u.Query.Encode(); q != "" {
		rawURL += "?" + q
	}
	in := NewInput("file")
	in.Set("url", StringAttr(rawURL))
	if h := u.Query.Get("narHash"); h != "" {
		in.Set("narHash", StringAttr(h))
	}
	return in, nil
}

func (*FileScheme) InputFromAttrs(attrs map[string]AttrValue) (Input, error) {
	urlAttr, ok := attrs["url"]
	if !ok {
		return Input{}, fmt.Errorf("parse file input: missing \"url\" attribute")
	}
	if s, ok := urlAttr.AsString(); !ok || s == "" {
		return Input{}, fmt.Errorf("parse file input: \"url\" must be a non-empty string")
	}
	in := NewInput("file")
	for k, v := range attrs {
		if k != "type" {
			in.Set(k, v)
		}
	}
	return in, nil
}

func (*FileScheme) AllowedAttrs() []string {
	return []string{"url", "narHash", "name"}
}

func (*FileScheme) ToURL(in Input) (string, error) {
	urlAttr, _ := in.Get("url")
	raw, _ := urlAttr.AsString()
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("render file input: %v", err)
	}
	q := u.Query()
	if h, ok := in.Get("narHash"); ok {
		if s, _ := h.AsString(); s != "" {
			q.Set("narHash", s)
		}
	}
	u.RawQuery = q.Encode()
	return "file+" + u.String(), nil
}

// IsLocked reports whether in carries a narHash pin.
func (*FileScheme) IsLocked(in Input) bool {
	h, ok := in.Get("narHash")
	if !ok {
		return false
	}
	s, _ := h.AsString()
	return s != ""
}

func (s *FileScheme) GetAccessor(ctx context.Context, st Store, in Input) (accessor.SourcePath, Input, error) {
	urlAttr, ok := in.Get("url")
	if !ok {
		return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch file input: missing \"url\" attribute")
	}
	raw, _ := urlAttr.AsString()
	data, err := s.download(ctx, raw)
	if err != nil {
		return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch file input %q: %v", raw, err)
	}

	locked := in.Clone()
	if narHash, ok := in.Get("narHash"); ok {
		if want, _ := narHash.AsString(); want != "" {
			got, err := nixhash.ParseHash(want)
			if err != nil {
				return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch file input %q: %v", raw, err)
			}
			h := nixhash.NewHasher(got.Type())
			h.Write(data)
			if !h.SumHash().Equal(got) {
				return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch file input %q: hash mismatch: got %v, want %v", raw, h.SumHash(), got)
			}
		}
	}

	acc := accessor.NewMemoryAccessor()
	acc.Set("", &accessor.MemoryFile{Type: accessor.Regular, Contents: data})
	return accessor.New(acc, ""), locked, nil
}

func (s *FileScheme) download(ctx context.Context, rawURL string) ([]byte, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("empty url")
	}
	if u, err := url.Parse(rawURL); err == nil && u.Scheme != "" && u.Scheme != "file" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := s.client().Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("http status %s", resp.Status)
		}
		return io.ReadAll(resp.Body)
	}
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Scheme == "file" {
		path = u.Path
	}
	acc := &accessor.PosixAccessor{Root: "/"}
	return acc.ReadFile(ctx, path)
}

func (*FileScheme) GetFingerprint(ctx context.Context, st Store, in Input) (string, error) {
	urlAttr, _ := in.Get("url")
	raw, _ := urlAttr.AsString()
	if h, ok := in.Get("narHash"); ok {
		if s, _ := h.AsString(); s != "" {
			return "file:" + s, nil
		}
	}
	return "file:" + raw, nil
}
