// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package storepath

import (
	"testing"

	"github.com/NixOS/nix-sub009/internal/nixhash"
)

const testDigest = "s66mzxpvicwk07gjbjfw9izjfa797vsw"

func TestParsePathRoundTrip(t *testing.T) {
	p, err := ParsePath("/nix/store/" + testDigest + "-hello-2.12.1")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := p.Digest(), testDigest; got != want {
		t.Errorf("Digest() = %q; want %q", got, want)
	}
	if got, want := p.Name(), "hello-2.12.1"; got != want {
		t.Errorf("Name() = %q; want %q", got, want)
	}
	if got, want := string(p.Dir()), "/nix/store"; got != want {
		t.Errorf("Dir() = %q; want %q", got, want)
	}

	marshalled, err := p.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	var roundTripped Path
	if err := roundTripped.UnmarshalText(marshalled); err != nil {
		t.Fatal(err)
	}
	if roundTripped != p {
		t.Errorf("round trip = %q; want %q", roundTripped, p)
	}
}

func TestValidateNameBoundaries(t *testing.T) {
	bad := []string{"", ".", "..", "..-x", ".-x"}
	for _, name := range bad {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil; want error", name)
		}
	}
	good := []string{"...", "...a", "...-", ".gitignore", "01"}
	for _, name := range good {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v; want nil", name, err)
		}
	}
}

func TestFixedOutputPathDeterministic(t *testing.T) {
	h := nixhash.NewHasher(nixhash.SHA256)
	h.WriteString("hello, world!")
	ca := nixhash.RecursiveFileContentAddress(h.SumHash())

	p1, err := FixedOutputPath(DefaultUnixDirectory, "hello", ca, References{})
	if err != nil {
		t.Fatal(err)
	}
	p2, err := FixedOutputPath(DefaultUnixDirectory, "hello", ca, References{})
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Errorf("FixedOutputPath is not deterministic: %q != %q", p1, p2)
	}
	if err := ValidateName(p1.Name()); err != nil {
		t.Errorf("computed path has invalid name: %v", err)
	}
}

func TestFixedOutputPathRejectsReferencesOnFixed(t *testing.T) {
	h := nixhash.NewHasher(nixhash.SHA256)
	h.WriteString("data")
	ca := nixhash.FlatFileContentAddress(h.SumHash())
	var refs References
	refs.Others.Add("/nix/store/" + testDigest + "-dep")
	if _, err := FixedOutputPath(DefaultUnixDirectory, "x", ca, refs); err == nil {
		t.Error("FixedOutputPath with references on a flat fixed output succeeded; want error")
	}
}
