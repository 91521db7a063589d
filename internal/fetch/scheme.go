// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package fetch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/NixOS/nix-sub009/internal/accessor"
	"github.com/NixOS/nix-sub009/store"
)

// Store is the capability an [InputScheme] needs of the destination
// store to realise a fetched tree.
type Store interface {
	accessor.StoreWriter
	Directory() store.Directory
}

// InputScheme is the capability a fetcher scheme registers, per spec
// §4.5's scheme registry: translating a URL or an attribute set into
// an [accessor.SourcePath] plus the locked form of the input.
type InputScheme interface {
	// Type is the scheme's Input.Type value ("git", "github", ...).
	Type() string
	// InputFromURL parses a "<type>:..." reference into an Input. If
	// requireTree is set, the scheme should reject references that
	// cannot plausibly name a whole tree (e.g. a single file).
	InputFromURL(u *ParsedURL, requireTree bool) (Input, error)
	// InputFromAttrs validates and normalizes attrs into an Input.
	InputFromAttrs(attrs map[string]AttrValue) (Input, error)
	// AllowedAttrs lists every attribute name the scheme recognizes.
	AllowedAttrs() []string
	// ToURL renders in back to a reference: "<type>:..." for path and
	// forge inputs, "<type>+<url>" for schemes that wrap another URL.
	// [Registry.ParseURL] does not parse the "<type>+<url>" form.
	ToURL(in Input) (string, error)
	// IsLocked reports whether in pins an immutable revision.
	IsLocked(in Input) bool
	// GetAccessor fetches in (which may be partially unlocked) and
	// returns a tree accessor plus the fully locked input.
	GetAccessor(ctx context.Context, s Store, in Input) (accessor.SourcePath, Input, error)
	// GetFingerprint returns a stable cache key for in's fetched
	// contents, used to invalidate downstream evaluation caches.
	GetFingerprint(ctx context.Context, s Store, in Input) (string, error)
}

// OverrideScheme is implemented by schemes that support rewriting a
// locked input's ref or rev after the fact (spec §4.5's optional
// applyOverrides).
type OverrideScheme interface {
	ApplyOverrides(in Input, ref, rev *string) (Input, error)
}

// CloneScheme is implemented by schemes that support materializing the
// input as a writable local checkout (spec §4.5's optional clone).
type CloneScheme interface {
	Clone(ctx context.Context, in Input, dest string) error
}

// Registry holds every [InputScheme] added with [Registry.Register] and
// dispatches by Input.Type or by URL scheme.
type Registry struct {
	mu      sync.RWMutex
	schemes map[string]InputScheme
}

// NewRegistry returns an empty scheme registry.
func NewRegistry() *Registry {
	return &Registry{schemes: make(map[string]InputScheme)}
}

// Register adds scheme, keyed by its Type. It panics if a scheme with
// the same type is already registered, the same contract
// database/sql drivers use for init-time registration.
func (r *Registry) Register(scheme InputScheme) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := scheme.Type()
	if _, exists := r.schemes[t]; exists {
		panic(fmt.Sprintf("fetch: InputScheme %q registered twice", t))
	}
	r.schemes[t] = scheme
}

// Lookup returns the scheme registered for typ.
func (r *Registry) Lookup(typ string) (InputScheme, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemes[typ]
	return s, ok
}

// Types returns every registered scheme type, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.schemes))
	for t := range r.schemes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ParseURL finds the scheme named by s's "<type>:" prefix and parses s
// into an [Input].
func (r *Registry) ParseURL(s string, requireTree bool) (Input, error) {
	u, err := ParseInputURL(s)
	if err != nil {
		return Input{}, err
	}
	scheme, ok := r.Lookup(u.Scheme)
	if !ok {
		return Input{}, fmt.Errorf("parse input url %q: unrecognized scheme %q", s, u.Scheme)
	}
	return scheme.InputFromURL(u, requireTree)
}

// FromAttrs finds the scheme named by attrs["type"] and normalizes
// attrs into an [Input].
func (r *Registry) FromAttrs(attrs map[string]AttrValue) (Input, error) {
	typ, ok := attrs["type"]
	if !ok {
		return Input{}, fmt.Errorf("parse input attrs: missing \"type\"")
	}
	typeName, _ := typ.AsString()
	scheme, ok := r.Lookup(typeName)
	if !ok {
		return Input{}, fmt.Errorf("parse input attrs: unrecognized type %q", typeName)
	}
	return scheme.InputFromAttrs(attrs)
}

// GetAccessor dispatches to in.Type's scheme.
func (r *Registry) GetAccessor(ctx context.Context, s Store, in Input) (accessor.SourcePath, Input, error) {
	scheme, ok := r.Lookup(in.Type)
	if !ok {
		return accessor.SourcePath{}, Input{}, fmt.Errorf("fetch %v: unrecognized type %q", in, in.Type)
	}
	return scheme.GetAccessor(ctx, s, in)
}
