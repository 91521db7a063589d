// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"fmt"

	"github.com/NixOS/nix-sub009/internal/nixhash"
	"github.com/NixOS/nix-sub009/internal/xslices"
)

// nixHasher returns a [nixhash.Hasher] for SHA-256, the algorithm the
// store always uses for a derivation's hash modulo regardless of the
// hash algorithms its outputs use.
func nixHasher() *nixhash.Hasher {
	return nixhash.NewHasher(nixhash.SHA256)
}

// DerivationHashKind distinguishes a derivation whose hash modulo is a
// concrete digest from one that cannot be hashed yet because it (or one
// of its dependencies) is a dynamic derivation awaiting resolution.
type DerivationHashKind int8

// Recognized derivation hash kinds.
const (
	// DerivationHashRegular means Hash holds the derivation's hash modulo.
	DerivationHashRegular DerivationHashKind = 1 + iota
	// DerivationHashDeferred means the derivation has at least one
	// [DerivationOutputDeferred] output, so its hash modulo cannot be
	// computed until the dynamic derivation that produces it has been
	// built and resolved.
	DerivationHashDeferred
)

// DerivationHash is the result of [HashDerivationModulo]: either a
// concrete hash, or a marker that the derivation's hash must wait on a
// dynamic derivation build.
type DerivationHash struct {
	Kind DerivationHashKind
	Hash Hash
}

// String renders h for diagnostics.
func (h DerivationHash) String() string {
	if h.Kind == DerivationHashDeferred {
		return "deferred"
	}
	return h.Hash.String()
}

// HashDerivationModulo computes drv's equivalence class: the hash used in
// place of drv's own store path when computing the store paths of
// derivations that depend on it, and (for a derivation whose sole output
// is fixed) directly as the seed for that output's store path.
//
// resolved must already hold the [DerivationHash] of every derivation
// named in drv.InputDerivations; use [HashDerivationsModulo] to compute
// the hashes of an entire dependency closure in the right order.
func HashDerivationModulo(drv *Derivation, resolved map[Path]DerivationHash) (DerivationHash, error) {
	if ca, isFixed := fixedOutputCA(drv); isFixed {
		p, ok := drv.Outputs[DefaultDerivationOutputName].Path(drv.Dir, drv.Name, DefaultDerivationOutputName)
		if !ok {
			return DerivationHash{}, fmt.Errorf("hash derivation %s: compute fixed output path: invalid content address", drv.Name)
		}
		return DerivationHash{Kind: DerivationHashRegular, Hash: hashFixedOutput(ca, p)}, nil
	}

	for _, out := range drv.Outputs {
		if out.IsDeferred() {
			return DerivationHash{Kind: DerivationHashDeferred}, nil
		}
	}

	mapInputDrv := func(p Path) string {
		h, ok := resolved[p]
		if !ok {
			return string(p)
		}
		if h.Kind == DerivationHashDeferred {
			return "deferred:" + p.Digest()
		}
		return h.Hash.RawBase16()
	}
	for p := range drv.InputDerivations {
		if _, ok := resolved[p]; !ok {
			return DerivationHash{}, fmt.Errorf("hash derivation %s: missing hash for input derivation %s", drv.Name, p)
		}
	}

	atermData, err := drv.marshalTextModulo(true, mapInputDrv)
	if err != nil {
		return DerivationHash{}, fmt.Errorf("hash derivation %s: %v", drv.Name, err)
	}
	h := nixHasher()
	h.Write(atermData)
	return DerivationHash{Kind: DerivationHashRegular, Hash: h.SumHash()}, nil
}

// HashDerivationsModulo computes [HashDerivationModulo] for every
// derivation in drvs, resolving each derivation's input derivations
// before the derivation itself, the way a dependency closure must be
// hashed bottom-up. It returns an error if a derivation refers to an
// input derivation not present in drvs.
func HashDerivationsModulo(drvs map[Path]*Derivation) (map[Path]DerivationHash, error) {
	stack := make([]Path, 0, len(drvs))
	for p := range drvs {
		stack = append(stack, p)
	}
	result := make(map[Path]DerivationHash, len(drvs))
	for len(stack) > 0 {
		curr := xslices.Last(stack)
		if _, done := result[curr]; done {
			stack = xslices.Pop(stack, 1)
			continue
		}

		drv := drvs[curr]
		if drv == nil {
			return nil, fmt.Errorf("hash derivations: %s: missing", curr)
		}

		missing := false
		for input := range drv.InputDerivations {
			if _, done := result[input]; !done {
				if _, present := drvs[input]; !present {
					return nil, fmt.Errorf("hash derivations: %s: input derivation %s not provided", curr, input)
				}
				stack = append(stack, input)
				missing = true
			}
		}
		if missing {
			continue
		}

		h, err := HashDerivationModulo(drv, result)
		if err != nil {
			return nil, err
		}
		result[curr] = h
		stack = xslices.Pop(stack, 1)
	}
	return result, nil
}

// fixedOutputCA returns drv's sole output's content address if drv
// [Derivation.IsFixedOutput].
func fixedOutputCA(drv *Derivation) (ContentAddress, bool) {
	if !drv.IsFixedOutput() {
		return ContentAddress{}, false
	}
	return drv.Outputs[DefaultDerivationOutputName].ContentAddress()
}

// hashFixedOutput computes the equivalence class of a fixed-output
// derivation directly from its asserted content address and resulting
// output path, without needing the rest of the derivation's contents:
// two fixed-output derivations that produce the same output are
// interchangeable regardless of how they built it.
func hashFixedOutput(ca ContentAddress, outputPath Path) Hash {
	h := nixHasher()
	h.WriteString("fixed:out:")
	h.WriteString(ca.Method().Prefix())
	h.WriteString(ca.Hash().Base16())
	h.WriteString(":")
	h.WriteString(string(outputPath))
	return h.SumHash()
}
