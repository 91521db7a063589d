// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"io"
	"io/fs"

	"github.com/NixOS/nix-sub009/internal/sets"
)

// ErrNotFound is returned by [Store.Object] and other lookups when a
// store path does not exist in the consulted store.
var ErrNotFound = errors.New("store object not found")

// Object represents a single store object obtainable from a [Store]:
// its export metadata plus its NAR serialization.
type Object interface {
	// Trailer returns the object's `nix-store --export` trailer
	// (store path, references, deriver, content address).
	Trailer() *ExportTrailer
	// WriteNAR writes the object's NAR serialization to dst.
	WriteNAR(ctx context.Context, dst io.Writer) error
}

// Store is the minimal capability for looking up a single store object
// by path. Every other capability interface in this file is optional:
// callers type-assert for them.
type Store interface {
	Object(ctx context.Context, path Path) (Object, error)
}

// BatchStore is a [Store] that can look up several objects in one round
// trip, for implementations (e.g. a remote store) where doing so is
// cheaper than one [Store.Object] call per path.
type BatchStore interface {
	ObjectBatch(ctx context.Context, paths sets.Set[Path]) ([]Object, error)
}

// RandomAccessStore exposes a store directory's contents as a read-only
// filesystem, so a caller can read a single file out of a store object
// without streaming its entire NAR.
type RandomAccessStore interface {
	StoreFS(ctx context.Context, dir Directory) fs.FS
}

// Importer accepts a `nix-store --export`-format stream of one or more
// NARs, making each imported object available via the store's other
// capability interfaces.
type Importer interface {
	StoreImport(ctx context.Context, r io.Reader) error
}

// ObjectExporter serializes a set of store objects — and, unless
// [ExportOptions.ExcludeReferences] is set, everything they
// transitively reference — to dst in `nix-store --export` format.
// Named distinctly from the [Exporter] stream writer to avoid a name
// collision between the capability interface and the NAR stream type.
type ObjectExporter interface {
	StoreExport(ctx context.Context, dst io.Writer, paths sets.Set[Path], opts *ExportOptions) error
}

// RealizationFetcher looks up the realisations recorded for every
// output of a content-addressed derivation, keyed by output name.
type RealizationFetcher interface {
	FetchRealizations(ctx context.Context, derivationHash Hash) (RealizationMap, error)
}

// TextWriter is a capability for writing a single text file (e.g. a
// resolved derivation) into a store using self-reference-aware content
// addressing, mirroring `nix-store --add-fixed --type text`.
type TextWriter interface {
	AddText(name string, data []byte, refs *SortedPathSet) (Path, error)
}

// RealizationMap is the result of a [RealizationFetcher] lookup: the
// same shape as [SingleDrvOutputs], since both key a derivation's
// outputs by name.
type RealizationMap = SingleDrvOutputs

// ExportOptions configures [ObjectExporter.StoreExport] and [Export].
type ExportOptions struct {
	// ExcludeReferences restricts the export to exactly the requested
	// paths, omitting their transitive closure.
	ExcludeReferences bool
	// MaxConcurrency caps the number of store objects whose metadata is
	// fetched concurrently while resolving the export closure. Zero
	// means unbounded.
	MaxConcurrency int
}

// exportError reports that one or more requested store paths could not
// be satisfied while building an export stream.
type exportError struct {
	paths []Path
	err   error
}

func newExportError(paths []Path, err error) error {
	return &exportError{paths: paths, err: err}
}

func (e *exportError) Error() string {
	if len(e.paths) == 0 {
		return "export store objects: " + e.err.Error()
	}
	s := "export store objects ["
	for i, p := range e.paths {
		if i > 0 {
			s += ", "
		}
		s += string(p)
	}
	return s + "]: " + e.err.Error()
}

func (e *exportError) Unwrap() error { return e.err }
