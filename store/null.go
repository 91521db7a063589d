// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"slices"

	"github.com/NixOS/nix-sub009/internal/sets"
)

var _ interface {
	Store
	BatchStore
	RandomAccessStore
	RealizationFetcher
	ObjectExporter
} = Null{}

// Null is an implementation of [Store] and [RealizationFetcher]
// that contains no objects or realizations.
type Null struct{}

// Object implements [Store].
func (Null) Object(ctx context.Context, path Path) (Object, error) {
	return nil, fmt.Errorf("fetch %s: %w", path, ErrNotFound)
}

// ObjectBatch implements [BatchStore].
func (Null) ObjectBatch(ctx context.Context, storePaths sets.Set[Path]) ([]Object, error) {
	return nil, nil
}

// FetchRealizations implements [RealizationFetcher].
func (Null) FetchRealizations(ctx context.Context, derivationHash Hash) (RealizationMap, error) {
	return RealizationMap{}, nil
}

// StoreFS implements [RandomAccessStore].
func (Null) StoreFS(ctx context.Context, dir Directory) fs.FS {
	return nullFS{}
}

// StoreExport implements [ObjectExporter].
func (Null) StoreExport(ctx context.Context, dst io.Writer, paths sets.Set[Path], opts *ExportOptions) error {
	if paths.Len() == 0 {
		if _, err := io.WriteString(dst, exportEOFMarker); err != nil {
			return newExportError(nil, err)
		}
		return nil
	}
	return newExportError(slices.Sorted(paths.All()), ErrNotFound)
}

// nullFS is an [fs.FS] implementation that always returns an [fs.ErrNotExist] error.
type nullFS struct{}

// Open implements [fs.FS].
func (nullFS) Open(name string) (fs.File, error) {
	return nil, &fs.PathError{
		Op:   "open",
		Path: name,
		Err:  fs.ErrNotExist,
	}
}
