// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"testing"

	"github.com/NixOS/nix-sub009/internal/nixhash"
)

func testDrvOutput(t *testing.T, outputName string) DrvOutput {
	t.Helper()
	h := nixhash.NewHasher(nixhash.SHA256)
	h.WriteString("derivation contents for " + outputName)
	return DrvOutput{DrvHash: h.SumHash(), OutputName: outputName}
}

func TestDrvOutputRoundTrip(t *testing.T) {
	id := testDrvOutput(t, "out")
	parsed, err := ParseDrvOutput(id.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed.OutputName != id.OutputName || !parsed.DrvHash.Equal(id.DrvHash) {
		t.Errorf("round trip = %+v; want %+v", parsed, id)
	}
}

func TestRealisationJSONRoundTrip(t *testing.T) {
	id := testDrvOutput(t, "out")
	dep := testDrvOutput(t, "dev")
	depPath := testDrvPath(t)
	r := &Realisation{
		ID:                    id,
		OutPath:               testDrvPath(t),
		Signatures:            []string{"cache.example.org-1:abc="},
		DependentRealisations: map[DrvOutput]Path{dep: depPath},
	}
	data, err := r.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	var r2 Realisation
	if err := r2.UnmarshalJSON(data); err != nil {
		t.Fatal(err)
	}
	if r2.ID != r.ID || r2.OutPath != r.OutPath {
		t.Errorf("round trip id/outPath = %+v; want %+v", r2, r)
	}
	if len(r2.DependentRealisations) != 1 {
		t.Fatalf("len(DependentRealisations) = %d; want 1", len(r2.DependentRealisations))
	}
}

func TestBuildTraceRecordAndLookup(t *testing.T) {
	bt := NewBuildTrace()
	id := testDrvOutput(t, "out")
	r := &Realisation{ID: id, OutPath: testDrvPath(t)}
	bt.Record(r)

	got, ok := bt.Lookup(id)
	if !ok || got != r {
		t.Errorf("Lookup(%v) = (%v, %v); want (%v, true)", id, got, ok, r)
	}

	outs := bt.OutputsOf(id.DrvHash)
	if len(outs) != 1 || outs["out"] != r {
		t.Errorf("OutputsOf(%v) = %v; want {out: %v}", id.DrvHash, outs, r)
	}
}

func TestRealisationIsCompatibleWith(t *testing.T) {
	dep := testDrvOutput(t, "dev")
	p1 := testDrvPath(t)
	r1 := &Realisation{DependentRealisations: map[DrvOutput]Path{dep: p1}}
	r2 := &Realisation{DependentRealisations: map[DrvOutput]Path{dep: p1}}
	if !r1.IsCompatibleWith(r2) {
		t.Error("identical dependent realisations reported incompatible")
	}

	otherPath, err := ParsePath("/nix/store/" + testDrvDigest + "-other")
	if err != nil {
		t.Fatal(err)
	}
	r3 := &Realisation{DependentRealisations: map[DrvOutput]Path{dep: otherPath}}
	if r1.IsCompatibleWith(r3) {
		t.Error("conflicting dependent realisations reported compatible")
	}
}
