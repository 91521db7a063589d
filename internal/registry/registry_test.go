// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package registry

import "testing"

const exampleDoc = `{
	// a HuJSON registry document
	"version": 2,
	"flakes": [
		{
			"from": {"type": "indirect", "id": "nixpkgs"},
			"to": {"type": "github", "owner": "NixOS", "repo": "nixpkgs"},
		},
	],
}`

func TestParseAndLookup(t *testing.T) {
	doc, err := Parse([]byte(exampleDoc))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Version != 2 {
		t.Errorf("Version = %d; want 2", doc.Version)
	}
	to, ok := doc.Lookup("nixpkgs")
	if !ok {
		t.Fatal("Lookup(nixpkgs) not found")
	}
	if to.Type != "github" {
		t.Errorf("to.Type = %q; want \"github\"", to.Type)
	}
	if owner, _ := to.Attrs["owner"].(string); owner != "NixOS" {
		t.Errorf("owner = %q; want \"NixOS\"", owner)
	}
}

func TestLookupMissing(t *testing.T) {
	doc, err := Parse([]byte(exampleDoc))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := doc.Lookup("does-not-exist"); ok {
		t.Error("Lookup(does-not-exist) found an entry; want not found")
	}
}
