// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/NixOS/nix-sub009/internal/sets"
)

func TestDummyStore(t *testing.T) {
	ctx := context.Background()
	const dir Directory = "/opt/zb/store"
	s := NewDummyStore(dir)

	path, err := s.Add("hello.txt", []byte("Hello, World!\n"), References{})
	if err != nil {
		t.Fatal(err)
	}
	if !s.Has(path) {
		t.Errorf("Has(%s) = false; want true", path)
	}

	obj, err := s.Object(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := obj.WriteNAR(ctx, &buf); err != nil {
		t.Fatal(err)
	}
	if buf.Len() == 0 {
		t.Error("WriteNAR wrote no bytes")
	}
	if trailer := obj.Trailer(); trailer.StorePath != path {
		t.Errorf("trailer.StorePath = %s; want %s", trailer.StorePath, path)
	}

	if _, err := s.Object(ctx, Path(dir.Join("00000000000000000000000000000000-missing"))); !errors.Is(err, ErrNotFound) {
		t.Errorf("Object(missing) error = %v; want ErrNotFound", err)
	}
}

func TestDummyStoreReadOnly(t *testing.T) {
	s := NewReadOnlyDummyStore("/opt/zb/store")
	if _, err := s.Add("hello.txt", []byte("hi"), References{}); err == nil {
		t.Error("Add on read-only store succeeded; want error")
	}
}

func TestDummyStoreExportImport(t *testing.T) {
	ctx := context.Background()
	const dir Directory = "/opt/zb/store"
	src := NewDummyStore(dir)

	path, err := src.Add("hello.txt", []byte("Hello, World!\n"), References{})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	paths := sets.New(path)
	if err := src.StoreExport(ctx, &buf, paths, nil); err != nil {
		t.Fatal(err)
	}

	dst := NewDummyStore(dir)
	if err := dst.StoreImport(ctx, &buf); err != nil {
		t.Fatal(err)
	}
	if !dst.Has(path) {
		t.Error("imported store does not have exported path")
	}
}
