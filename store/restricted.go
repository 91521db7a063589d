// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/NixOS/nix-sub009/internal/sets"
)

// ErrNotTrusted is the error for operations that a recursive build is
// never permitted to perform, regardless of which paths are involved.
// No method of [RestrictedStore] returns it; [RestrictedStore.IsTrusted]
// always reports false.
var ErrNotTrusted = errors.New("store: operation not permitted from within a build")

// RestrictionContext is the view a [RestrictedStore] has of the goal
// driving a build: which paths the build is allowed to see, and where
// newly discovered dependencies should be recorded so the scheduler's
// dependency graph stays accurate.
type RestrictionContext interface {
	// IsAllowed reports whether path is part of the build's declared
	// input closure or was added to the store during the build (e.g.
	// by a recursive call).
	IsAllowed(path Path) bool
	// AddDependency records that the build observed or produced path,
	// so the goal that depends on this build also depends on path.
	AddDependency(path Path)
}

// RestrictedStore wraps an underlying [Store] to present the narrowed
// view a sandboxed build sees when it makes recursive store calls: only
// paths in the build's input closure (or added during the build) are
// visible, writes are recorded as new dependencies of the owning goal
// instead of being trusted unconditionally, and any operation that
// would let an unprivileged build escalate (registering its own
// realisations, asserting trust) is refused.
//
// Every capability RestrictedStore exposes mirrors one the underlying
// store already implements; RestrictedStore adds no capability of its
// own.
type RestrictedStore struct {
	next Store
	ctx  RestrictionContext
	dir  Directory
}

// NewRestrictedStore returns a store view over next that restricts
// visibility and recursion according to ctx.
func NewRestrictedStore(next Store, dir Directory, ctx RestrictionContext) *RestrictedStore {
	return &RestrictedStore{next: next, dir: dir, ctx: ctx}
}

// Object implements [Store]. It returns [ErrNotFound] for any path the
// restriction context disallows, without consulting the underlying
// store at all, and censors the impure fields of the trailer the
// underlying store returns (the deriver) for paths it does allow.
func (s *RestrictedStore) Object(ctx context.Context, path Path) (Object, error) {
	if !s.ctx.IsAllowed(path) {
		return nil, fmt.Errorf("restricted store: object %s: %w", path, ErrNotFound)
	}
	obj, err := s.next.Object(ctx, path)
	if err != nil {
		return nil, err
	}
	return &restrictedObject{obj}, nil
}

// ObjectBatch implements [BatchStore] if the underlying store does, by
// filtering out any path the restriction context disallows first.
func (s *RestrictedStore) ObjectBatch(ctx context.Context, paths sets.Set[Path]) ([]Object, error) {
	batch, ok := s.next.(BatchStore)
	if !ok {
		return nil, fmt.Errorf("restricted store: object batch: underlying store does not support batching")
	}
	for p := range paths.All() {
		if !s.ctx.IsAllowed(p) {
			return nil, fmt.Errorf("restricted store: object batch %s: %w", p, ErrNotFound)
		}
	}
	objs, err := batch.ObjectBatch(ctx, paths)
	if err != nil {
		return nil, err
	}
	wrapped := make([]Object, len(objs))
	for i, obj := range objs {
		wrapped[i] = &restrictedObject{obj}
	}
	return wrapped, nil
}

type restrictedObject struct {
	Object
}

// Trailer censors the fields of the underlying object's export trailer
// that a sandboxed build must not be able to observe.
func (obj *restrictedObject) Trailer() *ExportTrailer {
	t := *obj.Object.Trailer()
	t.Deriver = ""
	return &t
}

// StoreImport implements [Importer] by forwarding the stream to the
// underlying store (a recursive build is allowed to add store objects)
// and recording every imported path as a new dependency of the owning
// goal.
func (s *RestrictedStore) StoreImport(ctx context.Context, r io.Reader) error {
	importer, ok := s.next.(Importer)
	if !ok {
		return fmt.Errorf("restricted store: import: underlying store does not support import")
	}

	pr, pw := io.Pipe()
	tr := io.TeeReader(r, pw)
	recv := &dependencyRecorder{ctx: s.ctx}
	done := make(chan error, 1)
	go func() {
		done <- ReceiveExport(recv, pr)
	}()

	if err := importer.StoreImport(ctx, tr); err != nil {
		pw.CloseWithError(err)
		<-done
		return err
	}
	pw.Close()
	return <-done
}

// dependencyRecorder is a no-op [NARReceiver] used purely to walk an
// export stream's trailers and record the paths it names, in parallel
// with forwarding the same bytes to the real importer.
type dependencyRecorder struct {
	ctx RestrictionContext
}

func (r *dependencyRecorder) Write(p []byte) (int, error) { return len(p), nil }

func (r *dependencyRecorder) ReceiveNAR(trailer *ExportTrailer) {
	r.ctx.AddDependency(trailer.StorePath)
}

// StoreExport implements [ObjectExporter] by restricting the requested
// path set to paths the build is allowed to see before forwarding to
// the underlying store, or to the generic [Export] walk if the
// underlying store does not implement [ObjectExporter] itself.
func (s *RestrictedStore) StoreExport(ctx context.Context, dst io.Writer, paths sets.Set[Path], opts *ExportOptions) error {
	for p := range paths.All() {
		if !s.ctx.IsAllowed(p) {
			return fmt.Errorf("restricted store: export %s: %w", p, ErrNotFound)
		}
	}
	if exporter, ok := s.next.(ObjectExporter); ok {
		return exporter.StoreExport(ctx, dst, paths, opts)
	}
	return Export(ctx, s, dst, paths, opts)
}

// FetchRealizations implements [RealizationFetcher] if the underlying
// store does, forwarding every lookup unchanged. Lookups are not
// filtered by the restriction context.
func (s *RestrictedStore) FetchRealizations(ctx context.Context, derivationHash Hash) (RealizationMap, error) {
	fetcher, ok := s.next.(RealizationFetcher)
	if !ok {
		return nil, fmt.Errorf("restricted store: fetch realizations: underlying store does not support realisations")
	}
	return fetcher.FetchRealizations(ctx, derivationHash)
}

// IsTrusted always reports false: a recursive build is never a trusted
// client of the store that contains it, matching how the daemon treats
// connections from inside a sandbox.
func (s *RestrictedStore) IsTrusted() bool {
	return false
}
