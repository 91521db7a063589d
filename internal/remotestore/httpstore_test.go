// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package remotestore

import (
	stdcmp "cmp"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/NixOS/nix-sub009/internal/hal"
	"github.com/NixOS/nix-sub009/internal/sortedset"
	"github.com/NixOS/nix-sub009/store"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nar"
)

// newFixtureCache builds an in-memory binary cache serving a single store
// object ("hello.txt") via a HAL discovery document and a .narinfo
// resource, closely enough to a real Nix binary cache to exercise
// [HTTPStore] without relying on any fixture files on disk.
func newFixtureCache(tb testing.TB) (srv *httptest.Server, storePath store.Path, narHash nix.Hash) {
	tb.Helper()

	const dir = store.Directory("/opt/zb/store")
	const content = "Hello, World!\n"

	narData, err := buildFixtureNAR(content)
	if err != nil {
		tb.Fatal(err)
	}
	h := nix.NewHasher(nix.SHA256)
	if _, err := h.Write(narData); err != nil {
		tb.Fatal(err)
	}
	gotNARHash := h.SumHash()

	caHasher := nix.NewHasher(nix.SHA256)
	if _, err := caHasher.WriteString(content); err != nil {
		tb.Fatal(err)
	}
	ca := nix.RecursiveFileContentAddress(caHasher.SumHash())

	path, err := store.FixedCAOutputPath(dir, "hello.txt", ca, store.References{})
	if err != nil {
		tb.Fatal(err)
	}

	info := &store.NARInfo{
		StorePath:   path,
		URL:         "nar/" + path.Digest() + ".nar",
		Compression: store.NoCompression,
		NARHash:     gotNARHash,
		NARSize:     int64(len(narData)),
		CA:          ca,
	}
	infoText, err := info.MarshalText()
	if err != nil {
		tb.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/discovery.json", func(w http.ResponseWriter, r *http.Request) {
		doc := &hal.Resource{
			Links: map[string]hal.ArrayOrObject[*hal.Link]{
				narInfoRelation: hal.Array([]*hal.Link{
					{HRef: "/{Digest}.narinfo", Templated: true},
				}),
			},
		}
		w.Header().Set("Content-Type", hal.MediaType)
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			tb.Error(err)
		}
	})
	mux.HandleFunc("/"+path.Digest()+".narinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", store.NARInfoMIMEType)
		w.Write(infoText)
	})
	mux.HandleFunc("/nar/"+path.Digest()+".nar", func(w http.ResponseWriter, r *http.Request) {
		w.Write(narData)
	})

	srv = httptest.NewServer(mux)
	tb.Cleanup(srv.Close)
	return srv, path, gotNARHash
}

func buildFixtureNAR(content string) ([]byte, error) {
	buf := new(bytes.Buffer)
	w := nar.NewWriter(buf)
	if err := w.WriteHeader(&nar.Header{Size: int64(len(content))}); err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte(content)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func TestHTTPStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, storePath, narHash := newFixtureCache(t)
	srvURL, err := url.Parse(srv.URL + "/discovery.json")
	if err != nil {
		t.Fatal(err)
	}

	s := &HTTPStore{
		URL:        srvURL,
		HTTPClient: srv.Client(),
	}

	t.Run("File", func(t *testing.T) {
		obj, err := s.Object(ctx, storePath)
		if err != nil {
			t.Fatal(err)
		}

		caHasher := nix.NewHasher(nix.SHA256)
		if _, err := caHasher.WriteString("Hello, World!\n"); err != nil {
			t.Fatal(err)
		}
		wantTrailer := &store.ExportTrailer{
			StorePath:      storePath,
			References:     *sortedset.New[store.Path](),
			ContentAddress: nix.RecursiveFileContentAddress(caHasher.SumHash()),
		}
		if diff := cmp.Diff(wantTrailer, obj.Trailer(), transformSortedSet[store.Path]()); diff != "" {
			t.Errorf("trailer (-want +got):\n%s", diff)
		}

		h := nix.NewHasher(nix.SHA256)
		if err := obj.WriteNAR(ctx, h); err != nil {
			t.Error("write nar:", err)
		} else if gotHash := h.SumHash(); !gotHash.Equal(narHash) {
			t.Errorf("written nar hash = %v; want %v", gotHash, narHash)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := s.Object(ctx, "/opt/zb/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-bork")
		if err == nil {
			t.Error("no error returned")
		} else if !errors.Is(err, store.ErrNotFound) {
			t.Error("unexpected error:", err)
		}
	})
}

func transformSortedSet[E stdcmp.Ordered]() cmp.Option {
	return cmp.Transformer("transformSortedSet", func(s sortedset.Set[E]) []E {
		list := make([]E, s.Len())
		for i := range list {
			list[i] = s.At(i)
		}
		return list
	})
}
