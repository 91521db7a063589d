// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"testing"

	"github.com/NixOS/nix-sub009/internal/sortedset"
)

// TestFillInOutputPathsHappyPath covers spec §8 seed scenario 4: a
// derivation with one deferred output, empty inputDrvs, and an empty
// placeholder env var is filled in with an input-addressed path
// derived from the derivation's hash modulo, and re-applying is a
// no-op.
func TestFillInOutputPathsHappyPath(t *testing.T) {
	drv := &Derivation{
		Dir:     "/opt/zb/store",
		Name:    "fill-in-deferred",
		System:  "x86_64-linux",
		Builder: "/bin/sh",
		Env:     map[string]string{"out": ""},
		Outputs: map[string]*DerivationOutput{
			"out": DeferredOutput(),
		},
	}

	filled, err := FillInOutputPaths(drv, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !filled {
		t.Fatal("FillInOutputPaths reported filled=false; want true")
	}
	out := drv.Outputs["out"]
	if !out.IsFixed() && out.Kind != DerivationOutputInputAddressed {
		t.Fatalf("out.Kind = %v; want DerivationOutputInputAddressed", out.Kind)
	}
	p, ok := out.Path(drv.Dir, drv.Name, "out")
	if !ok {
		t.Fatal("filled output has no path")
	}
	if drv.Env["out"] != string(p) {
		t.Errorf("env[out] = %q; want %q", drv.Env["out"], p)
	}

	// Idempotence: re-applying must not change anything.
	before := *drv.Outputs["out"]
	filledAgain, err := FillInOutputPaths(drv, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !filledAgain {
		t.Error("second FillInOutputPaths reported filled=false; want true")
	}
	if after := *drv.Outputs["out"]; after != before {
		t.Errorf("re-applying FillInOutputPaths changed output: %+v -> %+v", before, after)
	}
}

// TestFillInOutputPathsBlockedByDynamicInput covers spec §8 seed
// scenario 5: a deferred output whose derivation depends on an
// unresolved (CA floating) input derivation must stay deferred.
func TestFillInOutputPathsBlockedByDynamicInput(t *testing.T) {
	depPath := Path("/opt/zb/store/00000000000000000000000000000000-dep.drv")
	outputs := sortedset.New("out")
	drv := &Derivation{
		Dir:     "/opt/zb/store",
		Name:    "fill-in-deferred-blocked",
		System:  "x86_64-linux",
		Builder: "/bin/sh",
		Env:     map[string]string{"out": ""},
		Outputs: map[string]*DerivationOutput{
			"out": DeferredOutput(),
		},
		InputDerivations: map[Path]*sortedset.Set[string]{
			depPath: &outputs,
		},
	}

	filled, err := FillInOutputPaths(drv, nil)
	if err != nil {
		t.Fatal(err)
	}
	if filled {
		t.Fatal("FillInOutputPaths reported filled=true for an unresolved dynamic input; want false")
	}
	if out := drv.Outputs["out"]; !out.IsDeferred() {
		t.Errorf("out.Kind = %v; want still deferred", out.Kind)
	}
	if drv.Env["out"] != "" {
		t.Errorf("env[out] = %q; want unchanged empty placeholder", drv.Env["out"])
	}
}
