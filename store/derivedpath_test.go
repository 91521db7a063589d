// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package store

import "testing"

const testDrvDigest = "s66mzxpvicwk07gjbjfw9izjfa797vsw"

func testDrvPath(t *testing.T) Path {
	t.Helper()
	p, err := ParsePath("/nix/store/" + testDrvDigest + "-hello.drv")
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestSingleDerivedPathOpaque(t *testing.T) {
	p := testDrvPath(t)
	sdp := Opaque(p)
	if !sdp.IsOpaque() {
		t.Error("IsOpaque() = false; want true")
	}
	got, ok := sdp.OpaquePath()
	if !ok || got != p {
		t.Errorf("OpaquePath() = (%q, %v); want (%q, true)", got, ok, p)
	}
	if got, want := sdp.String(), string(p); got != want {
		t.Errorf("String() = %q; want %q", got, want)
	}
}

func TestSingleDerivedPathBuilt(t *testing.T) {
	p := testDrvPath(t)
	sdp := SingleBuilt(Opaque(p), "out")
	if sdp.IsOpaque() {
		t.Error("IsOpaque() = true; want false")
	}
	drvPath, outputName, ok := sdp.Built()
	if !ok || outputName != "out" {
		t.Fatalf("Built() = (_, %q, %v); want (_, \"out\", true)", outputName, ok)
	}
	if opaque, _ := drvPath.OpaquePath(); opaque != p {
		t.Errorf("drvPath = %q; want %q", opaque, p)
	}
	if got, want := sdp.String(), string(p)+"^out"; got != want {
		t.Errorf("String() = %q; want %q", got, want)
	}
}

func TestSingleDerivedPathBaseDrvPathNested(t *testing.T) {
	p := testDrvPath(t)
	level1 := SingleBuilt(Opaque(p), "out")
	level2 := SingleBuilt(level1, "drv-output")
	base, chain, ok := level2.BaseDrvPath()
	if !ok {
		t.Fatal("BaseDrvPath() ok = false")
	}
	if base != p {
		t.Errorf("base = %q; want %q", base, p)
	}
	if len(chain) != 2 || chain[0] != "drv-output" || chain[1] != "out" {
		t.Errorf("chain = %v; want [drv-output out]", chain)
	}
}

func TestDerivedPathBuilt(t *testing.T) {
	p := testDrvPath(t)
	dp := Built(Opaque(p), OutputNames("out", "bin"))
	drvPath, outputs, ok := dp.BuiltDrvPath()
	if !ok {
		t.Fatal("BuiltDrvPath() ok = false")
	}
	if opaque, _ := drvPath.OpaquePath(); opaque != p {
		t.Errorf("drvPath = %q; want %q", opaque, p)
	}
	if !outputs.Equal(OutputNames("out", "bin")) {
		t.Errorf("outputs = %v; want {out,bin}", outputs)
	}
	if got, want := dp.String(), string(p)+"^bin,out"; got != want {
		t.Errorf("String() = %q; want %q", got, want)
	}
}

func TestParseDerivedPath(t *testing.T) {
	p := testDrvPath(t)
	dp, err := ParseDerivedPath(DefaultUnixDirectory, string(p))
	if err != nil {
		t.Fatal(err)
	}
	_, outputs, ok := dp.BuiltDrvPath()
	if !ok || !outputs.IsAll() {
		t.Errorf("bare .drv reference = (_, %v, %v); want (_, AllOutputs, true)", outputs, ok)
	}

	dp2, err := ParseDerivedPath(DefaultUnixDirectory, string(p)+"^out")
	if err != nil {
		t.Fatal(err)
	}
	_, outputs2, ok := dp2.BuiltDrvPath()
	if !ok || !outputs2.Equal(OutputNames("out")) {
		t.Errorf("explicit reference outputs = %v; want {out}", outputs2)
	}
}

func TestDerivedPathMap(t *testing.T) {
	p := testDrvPath(t)
	m := NewDerivedPathMap[string]()

	outPath := Opaque(p)
	devPath := SingleBuilt(Opaque(p), "dev")

	m.Set(outPath, "out-value")
	m.Set(devPath, "dev-value")

	if got, ok := m.Get(outPath); !ok || got != "out-value" {
		t.Errorf("Get(out) = (%q, %v); want (out-value, true)", got, ok)
	}
	if got, ok := m.Get(devPath); !ok || got != "dev-value" {
		t.Errorf("Get(dev) = (%q, %v); want (dev-value, true)", got, ok)
	}

	missing := SingleBuilt(Opaque(p), "missing")
	if _, ok := m.Get(missing); ok {
		t.Error("Get(missing) ok = true; want false")
	}

	got := m.GetOrInsert(missing, func() string { return "computed" })
	if got != "computed" {
		t.Errorf("GetOrInsert(missing) = %q; want computed", got)
	}
	if got, ok := m.Get(missing); !ok || got != "computed" {
		t.Errorf("Get(missing) after insert = (%q, %v); want (computed, true)", got, ok)
	}
}
