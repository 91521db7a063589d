// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package accessor

import (
	"bytes"
	"context"
	"testing"

	"github.com/NixOS/nix-sub009/internal/nixhash"
	"github.com/NixOS/nix-sub009/store"
)

func TestMemoryAccessorDumpPath(t *testing.T) {
	ctx := context.Background()
	acc := NewMemoryAccessor()
	acc.Set("", &MemoryFile{Type: Directory})
	acc.Set("hello.txt", &MemoryFile{Type: Regular, Contents: []byte("Hello, World!\n")})
	acc.Set("bin/run", &MemoryFile{Type: Regular, Contents: []byte("#!/bin/sh\n"), Executable: true})
	acc.Set("link", &MemoryFile{Type: Symlink, Target: "hello.txt"})

	p := New(acc, "")
	var buf bytes.Buffer
	if err := DumpPath(ctx, p, &buf, nil); err != nil {
		t.Fatal(err)
	}
	if buf.Len() == 0 {
		t.Fatal("DumpPath wrote no bytes")
	}
}

func TestFetchToStoreDeduplicates(t *testing.T) {
	ctx := context.Background()
	acc := NewMemoryAccessor()
	acc.Set("", &MemoryFile{Type: Directory})
	acc.Set("hello.txt", &MemoryFile{Type: Regular, Contents: []byte("Hello, World!\n")})

	const dir store.Directory = "/opt/zb/store"
	dest := store.NewDummyStore(dir)

	p1, err := FetchToStore(ctx, dest, dir, New(acc, ""), "source", nixhash.NAR, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !dest.Has(p1) {
		t.Fatalf("%s not valid after first fetch", p1)
	}
	p2, err := FetchToStore(ctx, dest, dir, New(acc, ""), "source", nixhash.NAR, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Errorf("fetch is not deterministic: %s != %s", p1, p2)
	}
}

func TestFilteringAccessorRestricts(t *testing.T) {
	ctx := context.Background()
	acc := NewMemoryAccessor()
	acc.Set("", &MemoryFile{Type: Directory})
	acc.Set("public.txt", &MemoryFile{Type: Regular, Contents: []byte("ok")})
	acc.Set("secret.txt", &MemoryFile{Type: Regular, Contents: []byte("no")})

	f := &FilteringAccessor{
		Base: acc,
		IsAllowed: func(path string) bool {
			return path != "secret.txt"
		},
	}
	if _, err := f.ReadFile(ctx, "public.txt"); err != nil {
		t.Errorf("ReadFile(public.txt) = %v; want success", err)
	}
	if _, err := f.ReadFile(ctx, "secret.txt"); err == nil {
		t.Error("ReadFile(secret.txt) succeeded; want ErrRestrictedPath")
	}
}

func TestUnionAccessorResolvesNearestMount(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAccessor()
	a.Set("", &MemoryFile{Type: Directory})
	a.Set("file-a.txt", &MemoryFile{Type: Regular, Contents: []byte("a")})
	b := NewMemoryAccessor()
	b.Set("", &MemoryFile{Type: Directory})
	b.Set("file-b.txt", &MemoryFile{Type: Regular, Contents: []byte("b")})

	u := NewUnionAccessor()
	u.Mount("", a)
	u.Mount("sub", b)

	if data, err := u.ReadFile(ctx, "file-a.txt"); err != nil || string(data) != "a" {
		t.Errorf("ReadFile(file-a.txt) = %q, %v; want \"a\", nil", data, err)
	}
	if data, err := u.ReadFile(ctx, "sub/file-b.txt"); err != nil || string(data) != "b" {
		t.Errorf("ReadFile(sub/file-b.txt) = %q, %v; want \"b\", nil", data, err)
	}
}
