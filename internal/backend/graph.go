// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"fmt"
	"slices"
	"unique"

	"github.com/NixOS/nix-sub009/internal/nixhash"
	"github.com/NixOS/nix-sub009/internal/xslices"
	"github.com/NixOS/nix-sub009/internal/sets"
	"github.com/NixOS/nix-sub009/store"
)

// dependencyGraph stores indices of a set of derivations that are useful for realization.
type dependencyGraph struct {
	// nodes is a map of .drv file path to [*dependencyGraphNode].
	nodes map[store.Path]*dependencyGraphNode
	// roots is the set of .drv files that have no input derivations.
	roots sets.Set[store.Path]
}

// get gets or creates a node in graph.nodes for the given path.
// If created, then the node's derivation is set to drv.
func (graph *dependencyGraph) get(path store.Path, drv *store.Derivation) *dependencyGraphNode {
	node := graph.nodes[path]
	if node == nil {
		node = &dependencyGraphNode{derivation: drv}
		graph.nodes[path] = node
	}
	return node
}

// dependencyGraphNode stores auxiliary information about a [*store.Derivation].
type dependencyGraphNode struct {
	derivation *store.Derivation

	// dependents is the set of paths of derivations that depend on this one.
	dependents sets.Set[store.Path]
	// usedOutputs is the set of output names that a build must have realizations for.
	usedOutputs sets.Set[unique.Handle[string]]
}

// analyze produces a [dependencyGraph] for the given set of desired outputs.
func analyze(derivations map[store.Path]*store.Derivation, want sets.Set[store.OutputReference]) (*dependencyGraph, error) {
	result := &dependencyGraph{
		roots: make(sets.Set[store.Path]),
		nodes: make(map[store.Path]*dependencyGraphNode),
	}

	drvHashes := make(map[store.Path]hashKey)
	used := make(map[hashKey]sets.Set[unique.Handle[string]])
	stack := slices.Collect(want.All())
	for len(stack) > 0 {
		ref := xslices.Last(stack)
		stack = xslices.Pop(stack, 1)
		if _, hashed := drvHashes[ref.DrvPath]; hashed {
			// Already visited this derivation.
			continue
		}

		drv := derivations[ref.DrvPath]
		if drv == nil {
			return result, fmt.Errorf("analyze %s: unknown derivation", ref.DrvPath)
		}
		// Ensure we have a node for every derivation.
		result.get(ref.DrvPath, drv)

		h, err := pseudoHashDrv(drv)
		if err != nil {
			return nil, fmt.Errorf("analyze %s: %v", ref.DrvPath, err)
		}
		hk := makeHashKey(h)
		drvHashes[ref.DrvPath] = hk
		addToMultiMap(used, hk, unique.Make(ref.OutputName))

		// Fill in reverse dependency graph.
		if len(drv.InputDerivations) == 0 {
			result.roots.Add(ref.DrvPath)
		} else {
			for inputDrvPath, outputNames := range drv.InputDerivations {
				inputNode := result.get(inputDrvPath, derivations[inputDrvPath])
				if inputNode.dependents == nil {
					inputNode.dependents = make(sets.Set[store.Path])
				}
				inputNode.dependents.Add(ref.DrvPath)
				for outputName := range outputNames.Values() {
					stack = append(stack, store.OutputReference{
						DrvPath:    inputDrvPath,
						OutputName: outputName,
					})
				}
			}
		}
	}

	// Fill in the usedOutputs as a separate pass.
	// If we had multiple derivations that are structurally the same,
	// they may use distinct output sets and we want to build the outputs.
	//
	// Multi-output derivations are particularly troublesome for us
	// because if we realize they need to be built
	// after we've already picked a realization for one of the outputs,
	// the build can invalidate the usage of other realizations.
	// (However, this can only occur if more than one output is used in the build.)
	// As long as the derivation is *mostly* deterministic,
	// then we have a good shot of being able to reuse more realizations throughout the rest of the build process
	// because of the early cutoff optimization from content-addressing.
	for drvPath, currentNode := range result.nodes {
		currentNode.usedOutputs = used[drvHashes[drvPath]]
	}

	return result, nil
}

// hashKey identifies a derivation's structural equivalence class:
// two derivations that would marshal to the same masked ATerm text
// share a hashKey regardless of their store paths.
type hashKey string

// pseudoHashDrv computes a structural hash of drv that does not depend on
// the hash modulo of drv's input derivations, used to detect when two
// derivations reached from different store paths are interchangeable for
// the purposes of deciding which realized outputs satisfy them.
func pseudoHashDrv(drv *store.Derivation) (nixhash.Hash, error) {
	data, err := drv.Marshal(&store.MarshalDerivationOptions{MaskOutputs: true})
	if err != nil {
		return nixhash.Hash{}, err
	}
	h := nixhash.NewHasher(nixhash.SHA256)
	h.Write(data)
	return h.SumHash(), nil
}

func makeHashKey(h nixhash.Hash) hashKey {
	return hashKey(h.Base16())
}

func addToMultiMap[K comparable, V comparable, M ~map[K]sets.Set[V]](m M, k K, v V) {
	dst := m[k]
	if dst == nil {
		dst = make(sets.Set[V])
		m[k] = dst
	}
	dst.Add(v)
}
