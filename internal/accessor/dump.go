// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package accessor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"sort"

	"github.com/NixOS/nix-sub009/internal/nixhash"
	"github.com/NixOS/nix-sub009/store"
	"zombiezen.com/go/nix/nar"
)

// Filter reports whether path (relative to the [SourcePath] being
// dumped) should be included.
type Filter func(path string) bool

// DumpPath serializes p's subtree to dst in NAR format, skipping any
// entry for which filter returns false (a nil filter includes
// everything). Matches [SourcePath.dumpPath] in spec §4.5.
func DumpPath(ctx context.Context, p SourcePath, dst io.Writer, filter Filter) error {
	st, err := p.Lstat(ctx)
	if err != nil {
		return fmt.Errorf("dump %s: %v", p, err)
	}
	if st == nil {
		return fmt.Errorf("dump %s: no such file or directory", p)
	}
	w := nar.NewWriter(dst)
	if err := dumpNode(ctx, p, "", st, w, filter); err != nil {
		return fmt.Errorf("dump %s: %v", p, err)
	}
	return w.Close()
}

func dumpNode(ctx context.Context, p SourcePath, relPath string, st *Stat, w *nar.Writer, filter Filter) error {
	switch st.Type {
	case Regular:
		data, err := p.ReadFile(ctx)
		if err != nil {
			return err
		}
		mode := fs.FileMode(0o444)
		if st.Executable {
			mode = 0o555
		}
		if err := w.WriteHeader(&nar.Header{Path: relPath, Mode: mode, Size: int64(len(data))}); err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	case Symlink:
		target, err := p.ReadLink(ctx)
		if err != nil {
			return err
		}
		return w.WriteHeader(&nar.Header{Path: relPath, Mode: fs.ModeSymlink | 0o777, LinkTarget: target})
	case Directory:
		if err := w.WriteHeader(&nar.Header{Path: relPath, Mode: fs.ModeDir | 0o755}); err != nil {
			return err
		}
		entries, err := p.ReadDirectory(ctx)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(entries))
		for name := range entries {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			childRel := name
			if relPath != "" {
				childRel = relPath + "/" + name
			}
			if filter != nil && !filter(childRel) {
				continue
			}
			child := p.Join(name)
			childStat, err := child.Lstat(ctx)
			if err != nil {
				return err
			}
			if childStat == nil {
				continue
			}
			if err := dumpNode(ctx, child, childRel, childStat, w, filter); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("cannot serialize %s: unsupported node type %v", relPath, st.Type)
	}
}

// StoreWriter is the capability [FetchToStore] needs of the
// destination store: computing a fixed-output path and importing the
// resulting NAR.
type StoreWriter interface {
	store.Store
	store.Importer
}

// FetchToStore reads p's subtree, serializes it, and imports it into
// dest under name using method, returning the resulting store path.
// Matches [SourcePath.fetchToStore] in spec §4.5.
func FetchToStore(ctx context.Context, dest StoreWriter, dir store.Directory, p SourcePath, name string, method nixhash.Method, filter Filter) (store.Path, error) {
	var narBuf bytes.Buffer
	if err := DumpPath(ctx, p, &narBuf, filter); err != nil {
		return "", fmt.Errorf("fetch %s to store: %v", p, err)
	}

	var ca store.ContentAddress
	switch method {
	case nixhash.Flat:
		st, err := p.Lstat(ctx)
		if err != nil {
			return "", fmt.Errorf("fetch %s to store: %v", p, err)
		}
		if st == nil || st.Type != Regular {
			return "", fmt.Errorf("fetch %s to store: flat method requires a regular file", p)
		}
		data, err := p.ReadFile(ctx)
		if err != nil {
			return "", fmt.Errorf("fetch %s to store: %v", p, err)
		}
		h := nixhash.NewHasher(nixhash.SHA256)
		h.Write(data)
		ca = nixhash.FlatFileContentAddress(h.SumHash())
	default:
		var err error
		ca, _, err = store.SourceSHA256ContentAddressSelfRefs("", bytes.NewReader(narBuf.Bytes()))
		if err != nil {
			return "", fmt.Errorf("fetch %s to store: %v", p, err)
		}
	}

	storePath, err := store.FixedCAOutputPath(dir, name, ca, store.References{})
	if err != nil {
		return "", fmt.Errorf("fetch %s to store: %v", p, err)
	}
	if _, err := dest.Object(ctx, storePath); err == nil {
		return storePath, nil
	}

	pr, pw := io.Pipe()
	go func() {
		ex := store.NewExporter(pw)
		_, err := io.Copy(ex, &narBuf)
		if err == nil {
			err = ex.Trailer(&store.ExportTrailer{StorePath: storePath, ContentAddress: ca})
		}
		if err == nil {
			err = ex.Close()
		}
		pw.CloseWithError(err)
	}()
	if err := dest.StoreImport(ctx, pr); err != nil {
		return "", fmt.Errorf("fetch %s to store: import: %v", p, err)
	}
	return storePath, nil
}
