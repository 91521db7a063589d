// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package fetch

import (
	"archive/tar"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/dsnet/compress/brotli"
	"github.com/klauspost/compress/zstd"

	"github.com/NixOS/nix-sub009/internal/accessor"
	"github.com/NixOS/nix-sub009/internal/nixhash"
)

// TarballScheme implements the "tarball" input scheme: a compressed
// or uncompressed tar archive fetched over HTTP (or from a local
// path) and unpacked into a tree, per spec §4.5's tarball fetcher.
type TarballScheme struct {
	// HTTPClient is used to fetch "http"/"https" URLs. If nil,
	// [http.DefaultClient] is used.
	HTTPClient *http.Client
}

var _ InputScheme = (*TarballScheme)(nil)

func (s *TarballScheme) client() *http.Client {
	if s.HTTPClient == nil {
		return http.DefaultClient
	}
	return s.HTTPClient
}

func (*TarballScheme) Type() string { return "tarball" }

func (*TarballScheme) InputFromURL(u *ParsedURL, requireTree bool) (Input, error) {
	rawURL := u.Path
	if q := u.Query.Encode(); q != "" {
		rawURL += "?" + q
	}
	in := NewInput("tarball")
	in.Set("url", StringAttr(rawURL))
	if h := u.Query.Get("narHash"); h != "" {
		in.Set("narHash", StringAttr(h))
	}
	return in, nil
}

func (*TarballScheme) InputFromAttrs(attrs map[string]AttrValue) (Input, error) {
	urlAttr, ok := attrs["url"]
	if !ok {
		return Input{}, fmt.Errorf("parse tarball input: missing \"url\" attribute")
	}
	if s, ok := urlAttr.AsString(); !ok || s == "" {
		return Input{}, fmt.Errorf("parse tarball input: \"url\" must be a non-empty string")
	}
	in := NewInput("tarball")
	for k, v := range attrs {
		if k != "type" {
			in.Set(k, v)
		}
	}
	return in, nil
}

func (*TarballScheme) AllowedAttrs() []string {
	return []string{"url", "narHash", "lastModified"}
}

func (*TarballScheme) ToURL(in Input) (string, error) {
	urlAttr, _ := in.Get("url")
	raw, _ := urlAttr.AsString()
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("render tarball input: %v", err)
	}
	q := u.Query()
	if h, ok := in.Get("narHash"); ok {
		if s, _ := h.AsString(); s != "" {
			q.Set("narHash", s)
		}
	}
	u.RawQuery = q.Encode()
	return "tarball+" + u.String(), nil
}

// IsLocked reports whether in carries a narHash pin.
func (*TarballScheme) IsLocked(in Input) bool {
	h, ok := in.Get("narHash")
	if !ok {
		return false
	}
	s, _ := h.AsString()
	return s != ""
}

func (s *TarballScheme) GetAccessor(ctx context.Context, st Store, in Input) (accessor.SourcePath, Input, error) {
	urlAttr, ok := in.Get("url")
	if !ok {
		return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch tarball input: missing \"url\" attribute")
	}
	raw, _ := urlAttr.AsString()
	r, err := s.open(ctx, raw)
	if err != nil {
		return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch tarball input %q: %v", raw, err)
	}
	defer r.Close()

	decompressed, err := decompress(raw, r)
	if err != nil {
		return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch tarball input %q: %v", raw, err)
	}

	acc, err := unpackTar(decompressed)
	if err != nil {
		return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch tarball input %q: %v", raw, err)
	}
	sp := accessor.New(acc, "")

	if narHash, ok := in.Get("narHash"); ok {
		if want, _ := narHash.AsString(); want != "" {
			gotHash, err := nixhash.ParseHash(want)
			if err != nil {
				return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch tarball input %q: %v", raw, err)
			}
			var buf bytes.Buffer
			if err := accessor.DumpPath(ctx, sp, &buf, nil); err != nil {
				return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch tarball input %q: %v", raw, err)
			}
			h := nixhash.NewHasher(gotHash.Type())
			h.Write(buf.Bytes())
			if !h.SumHash().Equal(gotHash) {
				return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch tarball input %q: hash mismatch: got %v, want %v", raw, h.SumHash(), gotHash)
			}
		}
	}

	locked := in.Clone()
	return sp, locked, nil
}

func (s *TarballScheme) open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if u, err := url.Parse(rawURL); err == nil && u.Scheme != "" && u.Scheme != "file" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := s.client().Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("http status %s", resp.Status)
		}
		return resp.Body, nil
	}
	localPath := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Scheme == "file" {
		localPath = u.Path
	}
	return os.Open(localPath)
}

// decompress wraps r in the decompressor matching url's extension,
// mirroring the archive formats `nix flake prefetch` recognizes.
func decompress(url string, r io.Reader) (io.Reader, error) {
	switch {
	case strings.HasSuffix(url, ".tar.gz"), strings.HasSuffix(url, ".tgz"):
		return gzip.NewReader(r)
	case strings.HasSuffix(url, ".tar.bz2"), strings.HasSuffix(url, ".tbz2"):
		return bzip2.NewReader(r), nil
	case strings.HasSuffix(url, ".tar.zst"), strings.HasSuffix(url, ".tzst"):
		return zstd.NewReader(r)
	case strings.HasSuffix(url, ".tar.br"):
		return brotli.NewReader(r, nil)
	case strings.HasSuffix(url, ".tar"):
		return r, nil
	default:
		return r, nil
	}
}

// unpackTar reads a tar stream into a fresh [accessor.MemoryAccessor],
// stripping a single common leading path component the way GitHub's
// archive tarballs and Nix's tarball fetcher both do.
func unpackTar(r io.Reader) (*accessor.MemoryAccessor, error) {
	acc := accessor.NewMemoryAccessor()
	acc.Set("", &accessor.MemoryFile{Type: accessor.Directory})

	tr := tar.NewReader(r)
	var prefix string
	havePrefix := false
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		name := path.Clean("/" + hdr.Name)[1:]
		if name == "" || name == "." {
			continue
		}
		if !havePrefix {
			if i := strings.IndexByte(name, '/'); i >= 0 {
				prefix = name[:i]
			}
			havePrefix = true
		}
		stripped := strings.TrimPrefix(name, prefix+"/")
		if stripped == "" {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			acc.Set(stripped, &accessor.MemoryFile{Type: accessor.Directory})
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, err
			}
			acc.Set(stripped, &accessor.MemoryFile{
				Type:       accessor.Regular,
				Contents:   data,
				Executable: hdr.Mode&0o111 != 0,
			})
		case tar.TypeSymlink:
			acc.Set(stripped, &accessor.MemoryFile{Type: accessor.Symlink, Target: hdr.Linkname})
		}
	}
	return acc, nil
}

func (*TarballScheme) GetFingerprint(ctx context.Context, st Store, in Input) (string, error) {
	urlAttr, _ := in.Get("url")
	raw, _ := urlAttr.AsString()
	if h, ok := in.Get("narHash"); ok {
		if s, _ := h.AsString(); s != "" {
			return "tarball:" + s, nil
		}
	}
	return "tarball:" + raw, nil
}
