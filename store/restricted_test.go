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

// fakeRestrictionContext is a minimal [RestrictionContext] for tests:
// it allows exactly the paths in allowed and records every path passed
// to AddDependency.
type fakeRestrictionContext struct {
	allowed map[Path]bool
	added   []Path
}

func (c *fakeRestrictionContext) IsAllowed(path Path) bool {
	return c.allowed[path]
}

func (c *fakeRestrictionContext) AddDependency(path Path) {
	c.added = append(c.added, path)
}

func TestRestrictedStoreHidesDisallowedPaths(t *testing.T) {
	ctx := context.Background()
	const dir Directory = "/opt/zb/store"
	next := NewDummyStore(dir)

	allowedPath, err := next.Add("allowed.txt", []byte("allowed"), References{})
	if err != nil {
		t.Fatal(err)
	}
	hiddenPath, err := next.Add("hidden.txt", []byte("hidden"), References{})
	if err != nil {
		t.Fatal(err)
	}

	rc := &fakeRestrictionContext{allowed: map[Path]bool{allowedPath: true}}
	rs := NewRestrictedStore(next, dir, rc)

	if _, err := rs.Object(ctx, allowedPath); err != nil {
		t.Errorf("Object(allowed) error = %v", err)
	}
	if _, err := rs.Object(ctx, hiddenPath); !errors.Is(err, ErrNotFound) {
		t.Errorf("Object(hidden) error = %v; want ErrNotFound", err)
	}
}

func TestRestrictedStoreCensorsDeriver(t *testing.T) {
	ctx := context.Background()
	const dir Directory = "/opt/zb/store"
	next := NewDummyStore(dir)
	path, err := next.Add("hello.txt", []byte("hi"), References{})
	if err != nil {
		t.Fatal(err)
	}
	next.objects[path].trailer.Deriver = path

	rc := &fakeRestrictionContext{allowed: map[Path]bool{path: true}}
	rs := NewRestrictedStore(next, dir, rc)

	obj, err := rs.Object(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if d := obj.Trailer().Deriver; d != "" {
		t.Errorf("Trailer().Deriver = %s; want censored", d)
	}
}

func TestRestrictedStoreImportRecordsDependency(t *testing.T) {
	ctx := context.Background()
	const dir Directory = "/opt/zb/store"
	next := NewDummyStore(dir)

	path, err := next.Add("hello.txt", []byte("hi"), References{})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := next.StoreExport(ctx, &buf, sets.New(path), nil); err != nil {
		t.Fatal(err)
	}

	other := NewDummyStore(dir)
	rc := &fakeRestrictionContext{allowed: map[Path]bool{}}
	rs := NewRestrictedStore(other, dir, rc)
	if err := rs.StoreImport(ctx, &buf); err != nil {
		t.Fatal(err)
	}

	if len(rc.added) != 1 || rc.added[0] != path {
		t.Errorf("AddDependency calls = %v; want [%s]", rc.added, path)
	}
	if !other.Has(path) {
		t.Error("import did not reach underlying store")
	}
}
