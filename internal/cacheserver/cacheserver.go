// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package cacheserver implements a Nix-compatible binary cache HTTP
// server: it exposes a [store.Store]'s objects over the "nix-cache-info"
// / "<hash>.narinfo" / "nar/<hash>.nar" protocol that `nix-store
// --option substituters` and `nix copy` speak.
package cacheserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/NixOS/nix-sub009/internal/nixhash"
	"github.com/NixOS/nix-sub009/internal/storepath"
	"github.com/NixOS/nix-sub009/store"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"zombiezen.com/go/log"
)

// PathResolver resolves a store path's digest (the hash part of its base
// name, as embedded in narinfo/nar request URLs) back to its full path.
// A [Server]'s Backend must implement this in addition to [store.Store]
// for narinfo and NAR requests to resolve; [store.Store.Object] alone
// cannot answer "what object has this digest".
type PathResolver interface {
	ResolvePathDigest(ctx context.Context, digest string) (store.Path, error)
}

// Server serves a [store.Store]'s objects as a Nix binary cache.
type Server struct {
	// StoreDirectory is advertised in the "nix-cache-info" response.
	StoreDirectory storepath.Directory
	// Backend is consulted for every object lookup. It must also
	// implement [PathResolver] to serve narinfo/nar requests.
	Backend store.Store
	// Priority is the cache's advertised priority: lower values are
	// preferred by a Nix client consulting multiple substituters.
	Priority int
}

// Handler returns an [http.Handler] serving s, wrapped in middleware
// that logs each request's method and path and recovers from panics.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(logRequests, handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)))

	r.HandleFunc("/nix-cache-info", s.serveCacheInfo).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/{digest:[0-9a-df-np-sv-z]{32}}.narinfo", s.serveNARInfo).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/nar/{digest:[0-9a-df-np-sv-z]{32}}.nar", s.serveNAR).Methods(http.MethodGet, http.MethodHead)
	return r
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Infof(r.Context(), "%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) serveCacheInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/x-nix-cache-info")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	fmt.Fprintf(w, "StoreDir: %s\nWantMassQuery: 1\nPriority: %d\n", s.StoreDirectory, s.Priority)
}

func (s *Server) resolve(ctx context.Context, digest string) (store.Object, *store.ExportTrailer, error) {
	resolver, ok := s.Backend.(PathResolver)
	if !ok {
		return nil, nil, fmt.Errorf("resolve digest %s: backend does not support digest lookups", digest)
	}
	path, err := resolver.ResolvePathDigest(ctx, digest)
	if err != nil {
		return nil, nil, err
	}
	obj, err := s.Backend.Object(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	return obj, obj.Trailer(), nil
}

func (s *Server) serveNARInfo(w http.ResponseWriter, r *http.Request) {
	digest := mux.Vars(r)["digest"]
	obj, _, err := s.resolve(r.Context(), digest)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	info, err := s.buildNARInfo(r.Context(), obj)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", store.NARInfoMIMEType)
	if d, err := info.NARHash.OCIDigest(); err == nil {
		w.Header().Set("Docker-Content-Digest", string(d))
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	text, err := info.MarshalText()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(text)
}

func (s *Server) serveNAR(w http.ResponseWriter, r *http.Request) {
	digest := mux.Vars(r)["digest"]
	obj, trailer, err := s.resolve(r.Context(), digest)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/x-nix-nar")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := obj.WriteNAR(r.Context(), w); err != nil {
		log.Errorf(r.Context(), "Write NAR for %s: %v", trailer.StorePath, err)
	}
}

// buildNARInfo constructs the full narinfo record for obj, computing its
// NAR hash and size by replaying its serialization once (the
// [store.Store] capability interface doesn't expose pre-computed NAR
// metadata directly).
func (s *Server) buildNARInfo(ctx context.Context, obj store.Object) (*store.NARInfo, error) {
	trailer := obj.Trailer()
	h := nixhash.NewHasher(nixhash.SHA256)
	cw := &countingWriter{w: h}
	if err := obj.WriteNAR(ctx, cw); err != nil {
		return nil, fmt.Errorf("compute nar hash for %s: %w", trailer.StorePath, err)
	}

	refs := make([]store.Path, 0, trailer.References.Len())
	for ref := range trailer.References.Values() {
		refs = append(refs, ref)
	}

	return &store.NARInfo{
		StorePath:  trailer.StorePath,
		URL:        "nar/" + trailer.StorePath.Digest() + ".nar",
		NARHash:    h.SumHash(),
		NARSize:    cw.n,
		References: refs,
		Deriver:    trailer.Deriver,
		CA:         trailer.ContentAddress,
	}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
