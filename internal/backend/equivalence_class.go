// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package backend

import (
	"github.com/NixOS/nix-sub009/internal/nixhash"
	"github.com/NixOS/nix-sub009/store"
)

// equivalenceClass is an equivalence class of [store.OutputReference] values.
// It represents a single output of equivalent derivations.
type equivalenceClass struct {
	drvHashString string
	outputName    string
}

func newEquivalenceClass(drvHash nixhash.Hash, outputName string) equivalenceClass {
	if drvHash.IsZero() || outputName == "" {
		panic("both equivalence class fields must be set")
	}
	return equivalenceClass{
		drvHashString: drvHash.SRI(),
		outputName:    outputName,
	}
}

func (eqClass equivalenceClass) drvHash() (nixhash.Hash, error) {
	if eqClass.isZero() {
		return nixhash.Hash{}, nil
	}
	return nixhash.ParseHash(eqClass.drvHashString)
}

func (eqClass equivalenceClass) isZero() bool {
	return eqClass == equivalenceClass{}
}

func (eqClass equivalenceClass) String() string {
	if eqClass.isZero() {
		return "ε"
	}
	return eqClass.drvHashString + "!" + eqClass.outputName
}

type pathAndEquivalenceClass struct {
	path             store.Path
	equivalenceClass equivalenceClass
}

// hashDrvs computes the equivalence classes for the given derivations,
// delegating the actual hash-modulo computation to [store.HashDerivationsModulo].
// hashDrvs returns an error
// if the derivations contain references to derivations not present in the map.
func hashDrvs(derivations map[store.Path]*store.Derivation) (map[store.Path]nixhash.Hash, error) {
	hashed, err := store.HashDerivationsModulo(derivations)
	if err != nil {
		return nil, err
	}
	result := make(map[store.Path]nixhash.Hash, len(hashed))
	for path, h := range hashed {
		result[path] = h.Hash
	}
	return result, nil
}
