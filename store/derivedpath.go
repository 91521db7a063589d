// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"fmt"
)

// SingleDerivedPath is a reference to a single store object: either a
// concrete store path, or one named output of a derivation (which may
// itself be produced dynamically by another derivation's output — a
// "dynamic derivation").
type SingleDerivedPath struct {
	opaque Path
	// drvPath is set when this is a Built reference; it may itself be a
	// Built SingleDerivedPath, recursing into a dynamic derivation.
	drvPath    *SingleDerivedPath
	outputName string
}

// Opaque returns a [SingleDerivedPath] referring directly to p.
func Opaque(p Path) SingleDerivedPath {
	return SingleDerivedPath{opaque: p}
}

// SingleBuilt returns a [SingleDerivedPath] referring to the named output
// of drvPath.
func SingleBuilt(drvPath SingleDerivedPath, outputName string) SingleDerivedPath {
	dp := drvPath
	return SingleDerivedPath{drvPath: &dp, outputName: outputName}
}

// IsOpaque reports whether p refers directly to a store path.
func (p SingleDerivedPath) IsOpaque() bool {
	return p.drvPath == nil
}

// OpaquePath returns the referenced store path and true if p [IsOpaque],
// or the zero value and false otherwise.
func (p SingleDerivedPath) OpaquePath() (Path, bool) {
	if p.drvPath != nil {
		return "", false
	}
	return p.opaque, true
}

// Built returns the derivation reference and output name
// for a Built [SingleDerivedPath]; ok is false if p [IsOpaque].
func (p SingleDerivedPath) Built() (drvPath SingleDerivedPath, outputName string, ok bool) {
	if p.drvPath == nil {
		return SingleDerivedPath{}, "", false
	}
	return *p.drvPath, p.outputName, true
}

// BaseDrvPath walks down through any nested dynamic-derivation references
// and returns the concrete .drv [Path] at the bottom, along with the chain
// of output names from p down to it (p's own output name first, the base
// derivation's output name last).
func (p SingleDerivedPath) BaseDrvPath() (base Path, outputChain []string, ok bool) {
	cur := p
	for {
		if cur.IsOpaque() {
			opaque, _ := cur.OpaquePath()
			return opaque, outputChain, true
		}
		drvPath, outputName, _ := cur.Built()
		outputChain = append(outputChain, outputName)
		if drvPath.IsOpaque() {
			opaque, _ := drvPath.OpaquePath()
			return opaque, outputChain, true
		}
		cur = drvPath
	}
}

// String renders p using the installable "drv^output" syntax, recursing
// with "^" to separate nested dynamic-derivation levels the way a
// multi-level Built reference is written.
func (p SingleDerivedPath) String() string {
	if p.IsOpaque() {
		return string(p.opaque)
	}
	return p.drvPath.String() + "^" + p.outputName
}

// DerivedPath is a reference to one or more store objects: either a
// concrete store path, or a selection of outputs ([OutputsSpec]) of a
// (possibly dynamic) derivation.
type DerivedPath struct {
	opaque  Path
	drvPath *SingleDerivedPath
	outputs OutputsSpec
}

// DerivedOpaque returns a [DerivedPath] referring directly to p.
func DerivedOpaque(p Path) DerivedPath {
	return DerivedPath{opaque: p}
}

// Built returns a [DerivedPath] referring to the given outputs of drvPath.
func Built(drvPath SingleDerivedPath, outputs OutputsSpec) DerivedPath {
	dp := drvPath
	return DerivedPath{drvPath: &dp, outputs: outputs}
}

// IsOpaque reports whether p refers directly to a store path.
func (p DerivedPath) IsOpaque() bool {
	return p.drvPath == nil
}

// OpaquePath returns the referenced store path and true if p [IsOpaque].
func (p DerivedPath) OpaquePath() (Path, bool) {
	if p.drvPath != nil {
		return "", false
	}
	return p.opaque, true
}

// BuiltDrvPath returns the derivation reference and output
// selector for a Built [DerivedPath]; ok is false if p [IsOpaque].
func (p DerivedPath) BuiltDrvPath() (drvPath SingleDerivedPath, outputs OutputsSpec, ok bool) {
	if p.drvPath == nil {
		return SingleDerivedPath{}, OutputsSpec{}, false
	}
	return *p.drvPath, p.outputs, true
}

// String renders p using the installable "drv^outputs" syntax.
func (p DerivedPath) String() string {
	if p.IsOpaque() {
		return string(p.opaque)
	}
	return p.drvPath.String() + "^" + p.outputs.String()
}

// ParseDerivedPath parses the installable string syntax "<path>[^outputs]".
// A bare store path (no "^") parses as an opaque path; a path ending in
// [DerivationExt] with no "^" is treated as [AllOutputs] of that derivation,
// matching the CLI's legacy shorthand.
func ParseDerivedPath(dir Directory, s string) (DerivedPath, error) {
	prefix, ext, err := ParseExtendedOutputsSpec(s)
	if err != nil {
		return DerivedPath{}, fmt.Errorf("parse derived path %q: %w", s, err)
	}
	p, err := ParsePath(prefix)
	if err != nil {
		return DerivedPath{}, fmt.Errorf("parse derived path %q: %w", s, err)
	}
	if !p.IsDerivation() {
		if !ext.IsDefault() {
			return DerivedPath{}, fmt.Errorf("parse derived path %q: outputs specified for non-derivation path", s)
		}
		return DerivedOpaque(p), nil
	}
	spec, explicit := ext.ExplicitSpec()
	if !explicit {
		spec = AllOutputs
	}
	return Built(Opaque(p), spec), nil
}

// derivedPathMapNode is one node of a [DerivedPathMap] trie.
type derivedPathMapNode[V any] struct {
	value    V
	hasValue bool
	children map[string]*derivedPathMapNode[V]
}

// DerivedPathMap is a trie keyed by [SingleDerivedPath], used to
// accumulate per-output values (e.g. realised outputs, or the set of
// output names needed) across possibly-nested dynamic derivations
// without repeatedly re-walking the whole chain.
//
// The root level is keyed by a .drv [Path]; each node additionally holds
// a children map keyed by output name, letting a lookup for a Built reference
// whose drvPath is itself Built walk down one level per nesting.
type DerivedPathMap[V any] struct {
	roots map[Path]*derivedPathMapNode[V]
}

// NewDerivedPathMap returns an empty [DerivedPathMap].
func NewDerivedPathMap[V any]() *DerivedPathMap[V] {
	return &DerivedPathMap[V]{roots: make(map[Path]*derivedPathMapNode[V])}
}

// node walks (creating nodes as needed if create is true) to the node for p.
func (m *DerivedPathMap[V]) node(p SingleDerivedPath, create bool) *derivedPathMapNode[V] {
	basePath, outputChain, ok := p.BaseDrvPath()
	if !ok {
		return nil
	}
	n, ok := m.roots[basePath]
	if !ok {
		if !create {
			return nil
		}
		n = &derivedPathMapNode[V]{}
		m.roots[basePath] = n
	}
	// outputChain is innermost-first (closest to p); walk outermost-first,
	// i.e. in reverse, so the root corresponds to basePath's immediate
	// output and each subsequent level goes deeper into the dynamic chain.
	for i := len(outputChain) - 1; i >= 0; i-- {
		name := outputChain[i]
		if n.children == nil {
			if !create {
				return nil
			}
			n.children = make(map[string]*derivedPathMapNode[V])
		}
		child, ok := n.children[name]
		if !ok {
			if !create {
				return nil
			}
			child = &derivedPathMapNode[V]{}
			n.children[name] = child
		}
		n = child
	}
	return n
}

// Get returns the value stored for p, or the zero value and false if absent.
func (m *DerivedPathMap[V]) Get(p SingleDerivedPath) (V, bool) {
	n := m.node(p, false)
	if n == nil || !n.hasValue {
		var zero V
		return zero, false
	}
	return n.value, true
}

// Set stores value for p, creating trie nodes as needed.
func (m *DerivedPathMap[V]) Set(p SingleDerivedPath, value V) {
	n := m.node(p, true)
	n.value = value
	n.hasValue = true
}

// GetOrInsert returns the existing value for p, or stores and returns
// insert() if one isn't already present.
func (m *DerivedPathMap[V]) GetOrInsert(p SingleDerivedPath, insert func() V) V {
	n := m.node(p, true)
	if !n.hasValue {
		n.value = insert()
		n.hasValue = true
	}
	return n.value
}
