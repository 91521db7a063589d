// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package fetch implements the input-accessor fetcher subsystem: a
// registry of [InputScheme]s that turn a URL or attribute set into a
// tree of files, plus the attrs/fact caches that let a second fetch of
// the same locked input skip the network entirely.
package fetch

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
)

// AttrValue is the dynamically-typed value of one input attribute:
// a string, a bool, an int64, or nil.
type AttrValue struct {
	s    string
	b    bool
	i    int64
	kind byte // 's', 'b', 'i', or 0 for unset
}

// StringAttr wraps a string attribute value.
func StringAttr(s string) AttrValue { return AttrValue{s: s, kind: 's'} }

// BoolAttr wraps a bool attribute value.
func BoolAttr(b bool) AttrValue { return AttrValue{b: b, kind: 'b'} }

// IntAttr wraps an int64 attribute value.
func IntAttr(i int64) AttrValue { return AttrValue{i: i, kind: 'i'} }

// String renders v for display and for [Input.String] regardless of
// its underlying type.
func (v AttrValue) String() string {
	switch v.kind {
	case 's':
		return v.s
	case 'b':
		return strconv.FormatBool(v.b)
	case 'i':
		return strconv.FormatInt(v.i, 10)
	default:
		return ""
	}
}

// AsString returns v's string value and whether v held a string.
func (v AttrValue) AsString() (string, bool) { return v.s, v.kind == 's' }

// AsBool returns v's bool value and whether v held a bool.
func (v AttrValue) AsBool() (bool, bool) { return v.b, v.kind == 'b' }

// AsInt returns v's int64 value and whether v held an int.
func (v AttrValue) AsInt() (int64, bool) { return v.i, v.kind == 'i' }

// Input is an unlocked or locked reference to an external source, the
// attribute-set representation [InputScheme] implementations parse
// from and render back to a URL.
type Input struct {
	// Type names the scheme that owns this input ("git", "tarball",
	// "github", ...).
	Type string
	// Attrs holds every other attribute, including scheme-specific
	// ones (url, rev, ref, owner, repo, narHash, lastModified, ...).
	Attrs map[string]AttrValue
}

// NewInput returns an Input of the given type with no attributes set.
func NewInput(typ string) Input {
	return Input{Type: typ, Attrs: make(map[string]AttrValue)}
}

// Clone returns a deep copy of in.
func (in Input) Clone() Input {
	attrs := make(map[string]AttrValue, len(in.Attrs))
	for k, v := range in.Attrs {
		attrs[k] = v
	}
	return Input{Type: in.Type, Attrs: attrs}
}

// String renders in as "type,key1=val1,key2=val2,..." with keys sorted,
// for diagnostics and as a stable cache key fallback.
func (in Input) String() string {
	keys := make([]string, 0, len(in.Attrs))
	for k := range in.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := in.Type
	for _, k := range keys {
		s += fmt.Sprintf(",%s=%s", k, in.Attrs[k])
	}
	return s
}

// Get returns the named attribute, if set.
func (in Input) Get(name string) (AttrValue, bool) {
	v, ok := in.Attrs[name]
	return v, ok
}

// Set sets the named attribute.
func (in *Input) Set(name string, v AttrValue) {
	if in.Attrs == nil {
		in.Attrs = make(map[string]AttrValue)
	}
	in.Attrs[name] = v
}

// ParsedURL is the result of parsing a flake-style reference URL:
// scheme, everything after "scheme:", and any query parameters.
type ParsedURL struct {
	Scheme string
	Path   string
	Query  url.Values
}

// ParseInputURL splits s into its scheme and the remainder, the way
// every [InputScheme.InputFromURL] implementation expects its input.
func ParseInputURL(s string) (*ParsedURL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse input url %q: %v", s, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("parse input url %q: missing scheme", s)
	}
	rest := u.Opaque
	if rest == "" {
		rest = u.Path
		if u.Host != "" {
			rest = u.Host + rest
		}
	}
	return &ParsedURL{Scheme: u.Scheme, Path: rest, Query: u.Query()}, nil
}
