// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package goals

import (
	"bytes"
	"context"
	"testing"

	"github.com/NixOS/nix-sub009/internal/nixhash"
	"github.com/NixOS/nix-sub009/internal/sets"
	"github.com/NixOS/nix-sub009/internal/sortedset"
	"github.com/NixOS/nix-sub009/store"
)

const testDir store.Directory = "/opt/zb/store"

// TestSubstituteSingleObject covers spec §8 seed scenario 1: a
// PathSubstitutionGoal run against an empty store with a populated
// substituter ends with the path valid and the two stores' exports
// byte-identical.
func TestSubstituteSingleObject(t *testing.T) {
	ctx := context.Background()
	a := store.NewDummyStore(testDir)
	b := store.NewDummyStore(testDir)

	h, err := a.Add("hello", []byte("Hello, world!"), store.References{})
	if err != nil {
		t.Fatal(err)
	}

	s := NewScheduler(1)
	goal := s.AddTop(NewPathSubstitutionGoal(b, []store.Store{a}, h))
	if err := s.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if goal.ExitCode() != Success {
		t.Fatalf("goal.ExitCode() = %v; want Success", goal.ExitCode())
	}
	if !b.Has(h) {
		t.Fatalf("%s not valid in destination store", h)
	}

	var aExport, bExport bytes.Buffer
	if err := a.StoreExport(ctx, &aExport, sets.New(h), nil); err != nil {
		t.Fatal(err)
	}
	if err := b.StoreExport(ctx, &bExport, sets.New(h), nil); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(aExport.Bytes(), bExport.Bytes()) {
		t.Error("destination store's export does not match source's")
	}
}

// TestSubstituteWithDependency covers spec §8 seed scenario 2: a
// PathSubstitutionGoal for a path with a reference pulls in the whole
// closure.
func TestSubstituteWithDependency(t *testing.T) {
	ctx := context.Background()
	a := store.NewDummyStore(testDir)
	b := store.NewDummyStore(testDir)

	d, err := a.Add("dep", []byte("I am a dependency"), store.References{})
	if err != nil {
		t.Fatal(err)
	}
	refs := store.MakeReferences("", sortedset.New(d))
	m, err := a.Add("main", []byte("I depend on "+string(d)), refs)
	if err != nil {
		t.Fatal(err)
	}

	s := NewScheduler(1)
	goal := s.AddTop(NewPathSubstitutionGoal(b, []store.Store{a}, m))
	if err := s.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if goal.ExitCode() != Success {
		t.Fatalf("goal.ExitCode() = %v; want Success", goal.ExitCode())
	}
	if !b.Has(d) {
		t.Errorf("dependency %s not valid in destination store", d)
	}
	if !b.Has(m) {
		t.Errorf("main path %s not valid in destination store", m)
	}
}

// TestBuildTraceSubstitutesFloatingOutput covers spec §8 seed scenario
// 3: a CA floating output with a matching build-trace entry and a
// substituter that has the output's path is substituted without ever
// invoking a builder.
func TestBuildTraceSubstitutesFloatingOutput(t *testing.T) {
	ctx := context.Background()
	a := store.NewDummyStore(testDir)
	b := store.NewDummyStore(testDir)

	outInA, err := a.Add("out", []byte("built output contents"), store.References{})
	if err != nil {
		t.Fatal(err)
	}

	drv := &store.Derivation{
		Dir:     testDir,
		Name:    "drv",
		System:  "x86_64-linux",
		Builder: "/bin/sh",
		Env:     map[string]string{},
		Outputs: map[string]*store.DerivationOutput{
			"out": store.RecursiveFileFloatingCAOutput(nixhash.SHA256),
		},
	}
	drvHash, err := store.HashDerivationModulo(drv, nil)
	if err != nil {
		t.Fatal(err)
	}
	data, err := drv.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	drvPath, err := b.AddText(drv.Name+store.DerivationExt, data, nil)
	if err != nil {
		t.Fatal(err)
	}

	id := store.DrvOutput{DrvHash: drvHash.Hash, OutputName: "out"}
	a.RecordRealisation(&store.Realisation{ID: id, OutPath: outInA})

	trace := store.NewBuildTrace()
	env := derivationEnv{
		dest:         b,
		substituters: []store.Store{a},
		trace:        trace,
		drvHashes:    map[store.Path]store.DerivationHash{drvPath: drvHash},
	}

	s := NewScheduler(1)
	goal := s.AddTop(NewDerivationGoal(drvPath, drv, "out", BuildNormal, env.dest, env.substituters, env.trace, env.builder, env.drvHashes, env.inputDrvs, env.maxSilentTime, env.buildTimeout))
	if err := s.Run(ctx); err != nil {
		t.Fatal(err)
	}
	dg := goal.(*DerivationGoal)
	if dg.ExitCode() != Success {
		t.Fatalf("goal.ExitCode() = %v; want Success", dg.ExitCode())
	}
	if dg.ResultPath() != outInA {
		t.Errorf("ResultPath() = %s; want %s", dg.ResultPath(), outInA)
	}
	if !b.Has(outInA) {
		t.Errorf("%s not valid in destination store", outInA)
	}
	r, ok := trace.Lookup(id)
	if !ok {
		t.Fatal("trace has no entry for derivation output after substitution")
	}
	if r.OutPath != outInA {
		t.Errorf("trace.Lookup(%v).OutPath = %s; want %s", id, r.OutPath, outInA)
	}
}
