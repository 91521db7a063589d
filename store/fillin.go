// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/NixOS/nix-sub009/internal/storepath"
)

// FillInOutputPaths replaces every [DerivationOutputDeferred] output of
// drv with an [DerivationOutputInputAddressed] output computed from
// drv's hash modulo, and updates drv.Env accordingly when it holds an
// (empty, by convention) placeholder for that output's name.
//
// resolved must hold the [DerivationHash] of every derivation named in
// drv.InputDerivations, the same precondition [HashDerivationModulo]
// has. If any is missing — typically because it is a content-addressed
// floating derivation not yet built — FillInOutputPaths leaves drv
// untouched and returns filled=false: the deferred outputs must wait
// for that dependency to resolve.
//
// FillInOutputPaths is idempotent: a derivation with no deferred
// outputs left (including one FillInOutputPaths has already filled)
// returns filled=true without modifying drv.
func FillInOutputPaths(drv *Derivation, resolved map[Path]DerivationHash) (filled bool, err error) {
	hasDeferred := false
	for _, out := range drv.Outputs {
		if out.IsDeferred() {
			hasDeferred = true
			break
		}
	}
	if !hasDeferred {
		return true, nil
	}

	for p := range drv.InputDerivations {
		if _, have := resolved[p]; !have {
			return false, nil
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
	atermData, err := drv.marshalTextModulo(true, mapInputDrv)
	if err != nil {
		return false, fmt.Errorf("fill in output paths for %s: %v", drv.Name, err)
	}
	hashMod := nixHasher()
	hashMod.Write(atermData)
	hashModHash := hashMod.SumHash()

	for name, out := range drv.Outputs {
		if !out.IsDeferred() {
			continue
		}
		outputName := drv.Name
		if name != DefaultDerivationOutputName {
			outputName += "-" + name
		}
		h := sha256.New()
		io.WriteString(h, "output:")
		io.WriteString(h, name)
		io.WriteString(h, ":sha256")
		digest := storepath.MakeDigest(h, string(drv.Dir), hashModHash, outputName)
		p, err := drv.Dir.Object(digest + "-" + outputName)
		if err != nil {
			return false, fmt.Errorf("fill in output paths for %s: output %s: %v", drv.Name, name, err)
		}

		drv.Outputs[name] = InputAddressedOutput(p)
		if existing, ok := drv.Env[name]; ok && existing == "" {
			drv.Env[name] = string(p)
		}
	}
	return true, nil
}
