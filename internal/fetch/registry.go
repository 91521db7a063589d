// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package fetch

import (
	"fmt"

	"github.com/NixOS/nix-sub009/internal/registry"
)

// InputFromRegistryRef converts a parsed registry.json reference into
// the [AttrValue] map an [InputScheme.InputFromAttrs] expects.
func InputFromRegistryRef(ref registry.Ref) map[string]AttrValue {
	attrs := make(map[string]AttrValue, len(ref.Attrs))
	for k, v := range ref.Attrs {
		switch val := v.(type) {
		case string:
			attrs[k] = StringAttr(val)
		case bool:
			attrs[k] = BoolAttr(val)
		case float64:
			attrs[k] = IntAttr(int64(val))
		}
	}
	return attrs
}

// ResolveIndirect resolves name against doc, a registry.json document,
// then normalizes the result through r (the scheme registry), the
// indirection spec §4.5 describes for bare flake references like
// "nixpkgs".
func (r *Registry) ResolveIndirect(doc *registry.Document, name string) (Input, error) {
	ref, ok := doc.Lookup(name)
	if !ok {
		return Input{}, fmt.Errorf("registry: no entry for %q", name)
	}
	return r.FromAttrs(InputFromRegistryRef(ref))
}
