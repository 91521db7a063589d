// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"fmt"
	"sort"
	"strings"
)

// OutputsSpec names a subset of a derivation's outputs: either all of
// them, or an explicit set of output names.
type OutputsSpec struct {
	all   bool
	names map[string]struct{}
}

// AllOutputs is the [OutputsSpec] that selects every output.
var AllOutputs = OutputsSpec{all: true}

// OutputNames returns the [OutputsSpec] that selects exactly the given
// (non-empty) set of output names.
func OutputNames(names ...string) OutputsSpec {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return OutputsSpec{names: m}
}

// IsAll reports whether spec selects every output.
func (spec OutputsSpec) IsAll() bool {
	return spec.all
}

// Names returns the sorted list of explicitly named outputs,
// or nil if spec [OutputsSpec.IsAll].
func (spec OutputsSpec) Names() []string {
	if spec.all {
		return nil
	}
	names := make([]string, 0, len(spec.names))
	for n := range spec.names {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Contains reports whether name is selected by spec.
func (spec OutputsSpec) Contains(name string) bool {
	if spec.all {
		return true
	}
	_, ok := spec.names[name]
	return ok
}

// Union returns the [OutputsSpec] that selects everything either spec or
// other selects. All absorbs any other spec.
func (spec OutputsSpec) Union(other OutputsSpec) OutputsSpec {
	if spec.all || other.all {
		return AllOutputs
	}
	m := make(map[string]struct{}, len(spec.names)+len(other.names))
	for n := range spec.names {
		m[n] = struct{}{}
	}
	for n := range other.names {
		m[n] = struct{}{}
	}
	return OutputsSpec{names: m}
}

// IsSubsetOf reports whether every output spec selects is also selected by other.
func (spec OutputsSpec) IsSubsetOf(other OutputsSpec) bool {
	if other.all {
		return true
	}
	if spec.all {
		return false
	}
	for n := range spec.names {
		if _, ok := other.names[n]; !ok {
			return false
		}
	}
	return true
}

// Equal reports whether spec and other select the same outputs.
func (spec OutputsSpec) Equal(other OutputsSpec) bool {
	return spec.IsSubsetOf(other) && other.IsSubsetOf(spec)
}

// String renders spec as "*" for [AllOutputs], or a sorted comma-separated
// list of names otherwise.
func (spec OutputsSpec) String() string {
	if spec.all {
		return "*"
	}
	return strings.Join(spec.Names(), ",")
}

// ParseOutputsSpec parses the rendering produced by [OutputsSpec.String].
// "*" alone means [AllOutputs]; "*" combined with any other name, or an
// empty name, is a format error.
func ParseOutputsSpec(s string) (OutputsSpec, error) {
	if s == "*" {
		return AllOutputs, nil
	}
	if strings.Contains(s, "*") {
		return OutputsSpec{}, fmt.Errorf("parse outputs spec %q: %q may only appear alone", s, "*")
	}
	parts := strings.Split(s, ",")
	names := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		if p == "" {
			return OutputsSpec{}, fmt.Errorf("parse outputs spec %q: empty output name", s)
		}
		names[p] = struct{}{}
	}
	return OutputsSpec{names: names}, nil
}

// ExtendedOutputsSpec is a [DerivedPath]-like reference's output selector
// as written by a user: an installable string's prefix up to the last
// unescaped "^", plus the outputs spec after it. A bare reference with no
// "^" suffix has a [Default] spec, meaning "whatever the derivation
// declares as its default outputs" rather than an explicit selection.
type ExtendedOutputsSpec struct {
	isDefault bool
	explicit  OutputsSpec
}

// Default is the [ExtendedOutputsSpec] used when the installable string
// has no "^outputs" suffix.
var Default = ExtendedOutputsSpec{isDefault: true}

// Explicit returns the [ExtendedOutputsSpec] wrapping an explicit spec.
func Explicit(spec OutputsSpec) ExtendedOutputsSpec {
	return ExtendedOutputsSpec{explicit: spec}
}

// IsDefault reports whether spec is [Default].
func (spec ExtendedOutputsSpec) IsDefault() bool { return spec.isDefault }

// ExplicitSpec returns the wrapped [OutputsSpec] and true, or the zero value
// and false if spec [ExtendedOutputsSpec.IsDefault].
func (spec ExtendedOutputsSpec) ExplicitSpec() (OutputsSpec, bool) {
	if spec.isDefault {
		return OutputsSpec{}, false
	}
	return spec.explicit, true
}

// ParseExtendedOutputsSpec splits s at the last "^" into a prefix and an
// [ExtendedOutputsSpec], following the installable-string grammar
// "<prefix>[^<outputs>]" (e.g. "foo^bar^out,bin" splits as prefix
// "foo^bar" and an explicit spec naming "out" and "bin").
func ParseExtendedOutputsSpec(s string) (prefix string, spec ExtendedOutputsSpec, err error) {
	i := strings.LastIndexByte(s, '^')
	if i < 0 {
		return s, Default, nil
	}
	outputsSpec, err := ParseOutputsSpec(s[i+1:])
	if err != nil {
		return "", ExtendedOutputsSpec{}, fmt.Errorf("parse extended outputs spec %q: %v", s, err)
	}
	return s[:i], Explicit(outputsSpec), nil
}

// String renders spec back onto prefix, the inverse of
// [ParseExtendedOutputsSpec].
func (spec ExtendedOutputsSpec) String(prefix string) string {
	if spec.isDefault {
		return prefix
	}
	return prefix + "^" + spec.explicit.String()
}
