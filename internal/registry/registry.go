// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package registry parses flake-style registry.json documents, the
// indirection layer spec §4.5 describes for resolving a bare
// "nixpkgs"-style flake reference to a concrete input.
package registry

import (
	"fmt"
	"os"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/tailscale/hujson"
)

// Entry is one "flakes" array element of a registry document.
type Entry struct {
	From  Ref  `json:"from"`
	To    Ref  `json:"to"`
	Exact bool `json:"exact,omitempty"`
}

// Ref is the "from"/"to" object of a registry entry: an attribute set
// with at least a "type", handed unparsed to the [fetch.Registry] to
// interpret.
type Ref struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"-"`
}

// UnmarshalJSON captures every field of the reference object, not
// just the ones Ref names explicitly, since forge-specific attributes
// (owner, repo, ref, rev, url, ...) vary by type.
func (r *Ref) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := jsonv2.Unmarshal(data, &m); err != nil {
		return err
	}
	typ, _ := m["type"].(string)
	r.Type = typ
	r.Attrs = m
	return nil
}

// Document is the parsed form of a registry.json file:
// {"version":2,"flakes":[...]}.
type Document struct {
	Version int     `json:"version"`
	Flakes  []Entry `json:"flakes"`
}

// ParseFile reads and parses the registry document at path, which may
// be HuJSON (JSON with comments and trailing commas), as the
// teacher's own configuration files are.
func ParseFile(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("parse registry %s: %v", path, err)
	}
	return Parse(raw)
}

// Parse parses a registry document's raw bytes.
func Parse(data []byte) (*Document, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("parse registry: %v", err)
	}
	var doc Document
	if err := jsonv2.Unmarshal(std, &doc, jsonv2.RejectUnknownMembers(false)); err != nil {
		return nil, fmt.Errorf("parse registry: %v", err)
	}
	return &doc, nil
}

// Lookup finds the registry entry whose From.Type is "indirect" and
// whose "id" attribute equals name (the usual shape of a flake
// registry lookup by short name, e.g. "nixpkgs").
func (d *Document) Lookup(name string) (Ref, bool) {
	for _, e := range d.Flakes {
		if e.From.Type != "indirect" {
			continue
		}
		if id, _ := e.From.Attrs["id"].(string); id == name {
			return e.To, true
		}
	}
	return Ref{}, false
}
