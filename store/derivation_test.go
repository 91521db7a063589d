// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package store

import (
	stdcmp "cmp"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/NixOS/nix-sub009/internal/sortedset"
	"zombiezen.com/go/nix"
	"zombiezen.com/go/nix/nar"
)

type derivationMarshalTest struct {
	name string
	drv  *Derivation
}

func derivationMarshalTests(tb testing.TB) []derivationMarshalTest {
	return []derivationMarshalTest{
		{
			name: "FloatingCA",
			drv: &Derivation{
				Dir:     "/nix/store",
				Name:    "hello",
				System:  "x86_64-linux",
				Builder: "/bin/sh",
				Args:    []string{"-c", "echo 'Hello' > $out"},
				Env: map[string]string{
					"builder":        "/bin/sh",
					"name":           "hello",
					"outputHashAlgo": "sha256",
					"outputHashMode": "recursive",
					"system":         "x86_64-linux",
				},
				Outputs: map[string]*DerivationOutput{
					"out": RecursiveFileFloatingCAOutput(nix.SHA256),
				},
			},
		},
		{
			name: "FixedOutput",
			drv: &Derivation{
				Dir:     "/nix/store",
				Name:    "automake-1.16.5.tar.xz",
				System:  "x86_64-linux",
				Builder: "/nix/store/1b9p07z77phvv2hf6gm9f28syp39f1ag-bash-5.1-p16/bin/bash",
				Args: []string{
					"-e",
					"/nix/store/lphxcbw5wqsjskipaw1fb8lcf6pm6ri6-builder.sh",
				},
				Env: map[string]string{
					"name":           "automake-1.16.5.tar.xz",
					"out":            "/nix/store/gmaq49vzfrkvr714y4fhfxv100ijihin-automake-1.16.5.tar.xz",
					"outputHash":     "0sdl32qxdy7m06iggmkkvf7j520rmmgbsjzbm7fgnxwxdp6mh7gh",
					"outputHashAlgo": "sha256",
					"outputHashMode": "flat",
					"system":         "x86_64-linux",
					"urls":           "mirror://gnu/automake/automake-1.16.5.tar.xz",
				},
				InputDerivations: map[Path]*sortedset.Set[string]{
					"/nix/store/6pj63b323pn53gpw3l5kdh1rly55aj15-bash-5.1-p16.drv": sortedset.New("out"),
					"/nix/store/8kd1la3xqfzdcb3gsgpp3k98m7g3hw9d-curl-7.84.0.drv":  sortedset.New("dev"),
					"/nix/store/g3m3mdgfsix265c945ncaxyyvx4cnx14-mirrors-list.drv": sortedset.New("out"),
					"/nix/store/zq638s1j77mxzc52ql21l9ncl3qsjb2h-stdenv-linux.drv": sortedset.New("out"),
				},
				InputSources: *sortedset.New[Path](
					"/nix/store/lphxcbw5wqsjskipaw1fb8lcf6pm6ri6-builder.sh",
				),
				Outputs: map[string]*DerivationOutput{
					"out": FixedCAOutput(nix.FlatFileContentAddress(mustParseHash(tb, "sha256:f01d58cd6d9d77fbdca9eb4bbd5ead1988228fdb73d6f7a201f5f8d6b118b469"))),
				},
			},
		},
	}
}

// TestDerivationMarshalRoundTrip checks that a derivation marshalled to
// ATerm format and parsed back produces an equivalent derivation.
func TestDerivationMarshalRoundTrip(t *testing.T) {
	derivationCompareOptions := cmp.Options{
		cmpopts.EquateEmpty(),
		cmp.AllowUnexported(DerivationOutput{}),
		transformSortedSet[Path](),
		transformSortedSet[string](),
	}

	for _, test := range derivationMarshalTests(t) {
		t.Run(test.name, func(t *testing.T) {
			data, err := test.drv.MarshalText()
			if err != nil {
				t.Fatal(err)
			}
			got, err := ParseDerivation(test.drv.Dir, test.drv.Name, data)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(test.drv, got, derivationCompareOptions); diff != "" {
				t.Errorf("derivation (-want +got):\n%s", diff)
			}
		})
	}
}

// TestDerivationExport checks that Export computes a store path consistent
// with the derivation's ATerm serialization.
func TestDerivationExport(t *testing.T) {
	for _, test := range derivationMarshalTests(t) {
		t.Run(test.name, func(t *testing.T) {
			want, err := test.drv.MarshalText()
			if err != nil {
				t.Fatal(err)
			}
			gotPath, gotData, err := test.drv.Export(nix.SHA256)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(want, gotData); diff != "" {
				t.Errorf("marshalled data (-want +got):\n%s", diff)
			}
			if name, isDrv := DerivationName(gotPath); !isDrv || name != test.drv.Name {
				t.Errorf("Export path = %s; want derivation named %s", gotPath, test.drv.Name)
			}
		})
	}
}

func TestDerivationOutputPath(t *testing.T) {
	tests := []struct {
		name       string
		out        *DerivationOutput
		drvName    string
		outputName string
		want       Path
	}{
		{
			name:       "Text",
			out:        FixedCAOutput(nix.TextContentAddress(hashString(nix.SHA256, "Hello, World!\n"))),
			drvName:    "hello.txt",
			outputName: "out",
			want:       "/nix/store/q4dz47g15qmlsm01aijr737w8avkaac6-hello.txt",
		},
		{
			name:       "FlatFile",
			out:        FixedCAOutput(nix.FlatFileContentAddress(hashString(nix.SHA256, "Hello, World!\n"))),
			drvName:    "hello.txt",
			outputName: "out",
			want:       "/nix/store/22lrzcnq9ch2f3sz8d2idrm9gn72vcy2-hello.txt",
		},
		{
			name:       "RecursiveFile",
			out:        FixedCAOutput(nix.RecursiveFileContentAddress(helloNARHash(t))),
			drvName:    "hello.txt",
			outputName: "out",
			want:       "/nix/store/8dh7w49x7r3xkwz39vavcq6znygmzrp0-hello.txt",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, ok := test.out.Path("/nix/store", test.drvName, test.outputName)
			wantOK := test.want != ""
			if got != test.want || ok != wantOK {
				t.Errorf("out.Path(%q, %q, %q) = %q, %t; want %q, %t",
					nix.DefaultStoreDirectory, test.drvName, test.outputName, got, ok, test.want, wantOK)
			}
		})
	}
}

func helloNARHash(tb testing.TB) nix.Hash {
	h := nix.NewHasher(nix.SHA256)
	w := nar.NewWriter(h)
	const content = "Hello, World!\n"
	if err := w.WriteHeader(&nar.Header{Size: int64(len(content))}); err != nil {
		tb.Fatal(err)
	}
	if _, err := w.Write([]byte(content)); err != nil {
		tb.Fatal(err)
	}
	if err := w.Close(); err != nil {
		tb.Fatal(err)
	}
	return h.SumHash()
}

func hashString(typ nix.HashType, s string) nix.Hash {
	h := nix.NewHasher(typ)
	h.WriteString(s)
	return h.SumHash()
}

func transformSortedSet[E stdcmp.Ordered]() cmp.Option {
	return cmp.Transformer("transformSortedSet", func(s sortedset.Set[E]) []E {
		list := make([]E, s.Len())
		for i := range list {
			list[i] = s.At(i)
		}
		return list
	})
}
