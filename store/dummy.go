// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/NixOS/nix-sub009/internal/nixhash"
	"github.com/NixOS/nix-sub009/internal/sets"
	"github.com/NixOS/nix-sub009/internal/sortedset"
	"zombiezen.com/go/nix/nar"
)

// DummyStore is an in-memory [Store] that keeps every object it is given
// as a NAR byte slice plus its trailer. It never touches disk, so it is
// cheap to construct fresh in a test and exercises the same capability
// interfaces ([Importer], [ObjectExporter], [BatchStore]) that a real
// store backend does.
//
// A DummyStore constructed with readOnly set rejects every write
// ([DummyStore.StoreImport], [DummyStore.Add]) with an error instead of
// accumulating objects, mirroring the read-only mode of the reference
// dummy store, which exists so that a store handle can be requested
// without ever needing to persist anything.
type DummyStore struct {
	dir      Directory
	readOnly bool

	mu      sync.Mutex
	objects map[Path]*dummyObject
	trace   *BuildTrace
}

type dummyObject struct {
	trailer ExportTrailer
	nar     []byte
}

func (obj *dummyObject) Trailer() *ExportTrailer {
	t := obj.trailer
	return &t
}

func (obj *dummyObject) WriteNAR(ctx context.Context, dst io.Writer) error {
	_, err := dst.Write(obj.nar)
	return err
}

// NewDummyStore returns a new, empty DummyStore rooted at dir.
func NewDummyStore(dir Directory) *DummyStore {
	return &DummyStore{
		dir:     dir,
		objects: make(map[Path]*dummyObject),
		trace:   NewBuildTrace(),
	}
}

// NewReadOnlyDummyStore returns a new DummyStore rooted at dir that
// rejects every attempt to add an object.
func NewReadOnlyDummyStore(dir Directory) *DummyStore {
	s := NewDummyStore(dir)
	s.readOnly = true
	return s
}

// Directory returns the store directory the DummyStore was constructed with.
func (s *DummyStore) Directory() Directory {
	return s.dir
}

// Object implements [Store].
func (s *DummyStore) Object(ctx context.Context, path Path) (Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[path]
	if !ok {
		return nil, fmt.Errorf("dummy store: object %s: %w", path, ErrNotFound)
	}
	return obj, nil
}

// ObjectBatch implements [BatchStore].
func (s *DummyStore) ObjectBatch(ctx context.Context, paths sets.Set[Path]) ([]Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Object, 0, paths.Len())
	for p := range paths.All() {
		obj, ok := s.objects[p]
		if !ok {
			return nil, fmt.Errorf("dummy store: object %s: %w", p, ErrNotFound)
		}
		result = append(result, obj)
	}
	return result, nil
}

// StoreExport implements [ObjectExporter] by delegating to [Export], since
// [DummyStore.Object] is all that's required to walk a closure.
func (s *DummyStore) StoreExport(ctx context.Context, dst io.Writer, paths sets.Set[Path], opts *ExportOptions) error {
	return Export(ctx, s, dst, paths, opts)
}

// StoreImport implements [Importer] by decoding r as a `nix-store
// --export` stream and recording each object it contains.
func (s *DummyStore) StoreImport(ctx context.Context, r io.Reader) error {
	if s.readOnly {
		return fmt.Errorf("dummy store: import: store is read-only")
	}
	recv := &dummyReceiver{store: s}
	if err := ReceiveExport(recv, r); err != nil {
		return fmt.Errorf("dummy store: import: %w", err)
	}
	return nil
}

type dummyReceiver struct {
	store *DummyStore
	buf   bytes.Buffer
}

func (recv *dummyReceiver) Write(p []byte) (int, error) {
	return recv.buf.Write(p)
}

func (recv *dummyReceiver) ReceiveNAR(trailer *ExportTrailer) {
	recv.store.mu.Lock()
	recv.store.objects[trailer.StorePath] = &dummyObject{
		trailer: *trailer,
		nar:     bytes.Clone(recv.buf.Bytes()),
	}
	recv.store.mu.Unlock()
	recv.buf.Reset()
}

// Add inserts a single flat (non-recursive) file into the store under
// name, computing its fixed-output path from data's content address.
// It is the DummyStore equivalent of `nix store add-file`, intended for
// seeding tests directly rather than round-tripping through the export
// format.
func (s *DummyStore) Add(name string, data []byte, refs References) (Path, error) {
	if s.readOnly {
		return "", fmt.Errorf("dummy store: add %s: store is read-only", name)
	}

	narBuf := new(bytes.Buffer)
	nw := nar.NewWriter(narBuf)
	if err := nw.WriteHeader(&nar.Header{Size: int64(len(data))}); err != nil {
		return "", err
	}
	if _, err := nw.Write(data); err != nil {
		return "", err
	}
	if err := nw.Close(); err != nil {
		return "", err
	}

	h := nixhash.NewHasher(nixhash.SHA256)
	h.Write(data)
	ca := nixhash.FlatFileContentAddress(h.SumHash())

	p, err := FixedCAOutputPath(s.dir, name, ca, refs)
	if err != nil {
		return "", fmt.Errorf("dummy store: add %s: %w", name, err)
	}

	s.mu.Lock()
	s.objects[p] = &dummyObject{
		trailer: ExportTrailer{
			StorePath:      p,
			References:     *refs.Others.Clone(),
			ContentAddress: ca,
		},
		nar: narBuf.Bytes(),
	}
	s.mu.Unlock()
	return p, nil
}

// AddText inserts a text file (e.g. a `.drv`) into the store under name,
// following the same self-reference-aware content addressing that
// [store.Derivation.MarshalText]'s callers rely on.
func (s *DummyStore) AddText(name string, data []byte, refs *sortedset.Set[Path]) (Path, error) {
	if s.readOnly {
		return "", fmt.Errorf("dummy store: add text %s: store is read-only", name)
	}

	narBuf := new(bytes.Buffer)
	nw := nar.NewWriter(narBuf)
	if err := nw.WriteHeader(&nar.Header{Size: int64(len(data))}); err != nil {
		return "", err
	}
	if _, err := nw.Write(data); err != nil {
		return "", err
	}
	if err := nw.Close(); err != nil {
		return "", err
	}

	h := nixhash.NewHasher(nixhash.SHA256)
	h.Write(data)
	ca := nixhash.TextContentAddress(h.SumHash())

	var refsClone sortedset.Set[Path]
	if refs != nil {
		refsClone = *refs.Clone()
	}
	p, err := FixedCAOutputPath(s.dir, name, ca, References{Others: refsClone})
	if err != nil {
		return "", fmt.Errorf("dummy store: add text %s: %w", name, err)
	}

	s.mu.Lock()
	s.objects[p] = &dummyObject{
		trailer: ExportTrailer{
			StorePath:      p,
			References:     refsClone,
			ContentAddress: ca,
		},
		nar: narBuf.Bytes(),
	}
	s.mu.Unlock()
	return p, nil
}

// Has reports whether path has been recorded in the store.
func (s *DummyStore) Has(path Path) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[path]
	return ok
}

// RecordRealisation adds r to the store's build trace, as if the
// derivation it witnesses had just been built against this store.
// Tests use this to seed a substituter with a realisation without
// actually running a builder.
func (s *DummyStore) RecordRealisation(r *Realisation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace.Record(r)
}

// FetchRealizations implements [RealizationFetcher] against the store's
// own build trace.
func (s *DummyStore) FetchRealizations(ctx context.Context, derivationHash Hash) (RealizationMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trace.OutputsOf(derivationHash), nil
}
