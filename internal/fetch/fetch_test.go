// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTokenStore(t *testing.T) {
	ts, err := ParseTokenStore("github.com=abc123 gitlab.com=def456")
	if err != nil {
		t.Fatal(err)
	}
	if tok, ok := ts.Token("github.com"); !ok || tok != "abc123" {
		t.Errorf("Token(github.com) = %q, %v; want \"abc123\", true", tok, ok)
	}
	if _, ok := ts.Token("example.com"); ok {
		t.Error("Token(example.com) found; want not found")
	}
}

func TestTokenStoreInvalid(t *testing.T) {
	if _, err := ParseTokenStore("no-equals-sign"); err == nil {
		t.Error("ParseTokenStore(\"no-equals-sign\") succeeded; want error")
	}
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Register did not panic on duplicate type")
		}
	}()
	reg := NewRegistry()
	reg.Register(PathScheme{})
	reg.Register(PathScheme{})
}

func TestPathSchemeRoundTrip(t *testing.T) {
	reg := NewRegistry()
	reg.Register(PathScheme{})

	in, err := reg.ParseURL("path:/tmp/example", true)
	if err != nil {
		t.Fatal(err)
	}
	if in.Type != "path" {
		t.Errorf("Type = %q; want \"path\"", in.Type)
	}
	p, _ := in.Get("path")
	if s, _ := p.AsString(); s != "/tmp/example" {
		t.Errorf("path attr = %q; want \"/tmp/example\"", s)
	}

	url, err := reg.schemesForTest()["path"].ToURL(in)
	if err != nil {
		t.Fatal(err)
	}
	if url != "path:/tmp/example" {
		t.Errorf("ToURL = %q; want \"path:/tmp/example\"", url)
	}
}

func (r *Registry) schemesForTest() map[string]InputScheme {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]InputScheme, len(r.schemes))
	for k, v := range r.schemes {
		out[k] = v
	}
	return out
}

func TestFileSchemeFetchesOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello from file scheme\n"))
	}))
	defer srv.Close()

	ctx := context.Background()
	s := &FileScheme{}
	in := NewInput("file")
	in.Set("url", StringAttr(srv.URL))

	sp, locked, err := s.GetAccessor(ctx, nil, in)
	if err != nil {
		t.Fatal(err)
	}
	data, err := sp.ReadFile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello from file scheme\n" {
		t.Errorf("ReadFile = %q; want %q", data, "hello from file scheme\n")
	}
	if locked.Type != "file" {
		t.Errorf("locked.Type = %q; want \"file\"", locked.Type)
	}
}

func TestAttrValueAccessors(t *testing.T) {
	if s, ok := StringAttr("x").AsString(); !ok || s != "x" {
		t.Errorf("StringAttr round trip failed: %q, %v", s, ok)
	}
	if b, ok := BoolAttr(true).AsBool(); !ok || !b {
		t.Errorf("BoolAttr round trip failed: %v, %v", b, ok)
	}
	if i, ok := IntAttr(42).AsInt(); !ok || i != 42 {
		t.Errorf("IntAttr round trip failed: %d, %v", i, ok)
	}
}
