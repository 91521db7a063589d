// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"testing"

	"github.com/NixOS/nix-sub009/internal/nixhash"
	"github.com/NixOS/nix-sub009/internal/sortedset"
)

func testFixedDerivation(t *testing.T, name string) *Derivation {
	t.Helper()
	h := nixhash.NewHasher(nixhash.SHA256)
	h.WriteString("fixed output contents for " + name)
	ca := nixhash.FlatFileContentAddress(h.SumHash())
	return &Derivation{
		Dir:     DefaultUnixDirectory,
		Name:    name,
		System:  "x86_64-linux",
		Builder: "/bin/sh",
		Outputs: map[string]*DerivationOutput{
			DefaultDerivationOutputName: FixedCAOutput(ca),
		},
	}
}

func TestHashDerivationModuloFixedOutputDeterministic(t *testing.T) {
	drv := testFixedDerivation(t, "fetched")
	h1, err := HashDerivationModulo(drv, nil)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := HashDerivationModulo(drv, nil)
	if err != nil {
		t.Fatal(err)
	}
	if h1.Kind != DerivationHashRegular || !h1.Hash.Equal(h2.Hash) {
		t.Errorf("HashDerivationModulo not deterministic: %v != %v", h1, h2)
	}
}

func TestHashDerivationModuloDeferred(t *testing.T) {
	drv := &Derivation{
		Dir:     DefaultUnixDirectory,
		Name:    "dynamic",
		System:  "x86_64-linux",
		Builder: "/bin/sh",
		Outputs: map[string]*DerivationOutput{
			DefaultDerivationOutputName: DeferredOutput(),
		},
	}
	h, err := HashDerivationModulo(drv, nil)
	if err != nil {
		t.Fatal(err)
	}
	if h.Kind != DerivationHashDeferred {
		t.Errorf("Kind = %v; want DerivationHashDeferred", h.Kind)
	}
}

func TestHashDerivationsModuloChangesWithInput(t *testing.T) {
	dep := testFixedDerivation(t, "dep")
	depPath, err := ParsePath("/nix/store/" + testDrvDigest + "-dep.drv")
	if err != nil {
		t.Fatal(err)
	}

	newTop := func(builder string) *Derivation {
		names := new(sortedset.Set[string])
		names.Add(DefaultDerivationOutputName)
		return &Derivation{
			Dir:              DefaultUnixDirectory,
			Name:             "top",
			System:           "x86_64-linux",
			Builder:          builder,
			InputDerivations: map[Path]*sortedset.Set[string]{depPath: names},
			Outputs: map[string]*DerivationOutput{
				DefaultDerivationOutputName: InputAddressedOutput(""),
			},
		}
	}

	drvs1 := map[Path]*Derivation{depPath: dep, "top": newTop("/bin/sh")}
	hashes1, err := HashDerivationsModulo(drvs1)
	if err != nil {
		t.Fatal(err)
	}

	drvs2 := map[Path]*Derivation{depPath: dep, "top": newTop("/bin/bash")}
	hashes2, err := HashDerivationsModulo(drvs2)
	if err != nil {
		t.Fatal(err)
	}

	if hashes1[depPath].Hash.Equal(hashes2[depPath].Hash) == false {
		t.Errorf("dependency hash changed even though its own contents did not")
	}
	if hashes1["top"].Hash.Equal(hashes2["top"].Hash) {
		t.Errorf("top-level hash did not change when builder changed")
	}
}

func TestHashDerivationsModuloMissingInput(t *testing.T) {
	names := new(sortedset.Set[string])
	names.Add(DefaultDerivationOutputName)
	missing, err := ParsePath("/nix/store/" + testDrvDigest + "-missing.drv")
	if err != nil {
		t.Fatal(err)
	}
	top := &Derivation{
		Dir:              DefaultUnixDirectory,
		Name:             "top",
		System:           "x86_64-linux",
		Builder:          "/bin/sh",
		InputDerivations: map[Path]*sortedset.Set[string]{missing: names},
		Outputs: map[string]*DerivationOutput{
			DefaultDerivationOutputName: InputAddressedOutput(""),
		},
	}
	if _, err := HashDerivationsModulo(map[Path]*Derivation{"top": top}); err == nil {
		t.Error("HashDerivationsModulo with missing input derivation succeeded; want error")
	}
}
