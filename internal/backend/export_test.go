// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package backend_test

import (
	"bytes"
	stdcmp "cmp"
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/NixOS/nix-sub009/internal/backend"
	"github.com/NixOS/nix-sub009/internal/backendtest"
	"github.com/NixOS/nix-sub009/internal/jsonrpc"
	"github.com/NixOS/nix-sub009/internal/sortedset"
	"github.com/NixOS/nix-sub009/internal/storetest"
	"github.com/NixOS/nix-sub009/internal/zbstorerpc"
	"github.com/NixOS/nix-sub009/store"
)

// storeCodec retrieves the underlying [zbstorerpc.Codec] for client.
// export_test.go lives in the external backend_test package, so it cannot
// reach backend_test.go's unexported helper of the same name.
func storeCodec(ctx context.Context, client *jsonrpc.Client) (codec *zbstorerpc.Codec, release func(), err error) {
	generic, release, err := client.Codec(ctx)
	if err != nil {
		return nil, nil, err
	}
	codec, ok := generic.(*zbstorerpc.Codec)
	if !ok {
		release()
		return nil, nil, fmt.Errorf("store connection is %T (want %T)", generic, (*zbstorerpc.Codec)(nil))
	}
	return codec, release, nil
}

func TestExport(t *testing.T) {
	const (
		noDepsPath             = 0
		directDependencyPath   = 1
		indirectDependencyPath = 2
		selfDependencyPath     = 3
	)
	tests := []struct {
		name              string
		paths             []int
		excludeReferences bool
		want              []int
	}{
		{
			name:  "EmptyList",
			paths: []int{},
			want:  []int{},
		},
		{
			name:  "IndependentPath",
			paths: []int{noDepsPath},
			want:  []int{noDepsPath},
		},
		{
			name:  "SelfDependencyPath",
			paths: []int{selfDependencyPath},
			want:  []int{selfDependencyPath},
		},
		{
			name:  "DirectDependencyPath",
			paths: []int{directDependencyPath},
			want:  []int{noDepsPath, directDependencyPath},
		},
		{
			name:  "IndirectDependencyPath",
			paths: []int{indirectDependencyPath},
			want:  []int{noDepsPath, directDependencyPath, indirectDependencyPath},
		},
		{
			name:              "IndirectDependencyPathExcludeReferences",
			paths:             []int{indirectDependencyPath},
			excludeReferences: true,
			want:              []int{indirectDependencyPath},
		},
		{
			name:  "Deduplicate",
			paths: []int{noDepsPath, directDependencyPath},
			want:  []int{noDepsPath, directDependencyPath},
		},
		{
			name:  "DeduplicateAndReorder",
			paths: []int{directDependencyPath, noDepsPath},
			want:  []int{noDepsPath, directDependencyPath},
		},
	}

	generateImport := func(dir store.Directory) ([]narRecord, []byte, error) {
		const fileContent = "Hello, World!\n"
		exportBuffer := new(bytes.Buffer)
		exporter := store.NewExporter(exportBuffer)
		result := make([]narRecord, 4)
		var err error
		result[noDepsPath], err = exportSourceFile(exporter, dir, "", "hello.txt", []byte(fileContent), store.References{})
		if err != nil {
			return nil, nil, err
		}
		directDependencyContent := "Hello, " + result[noDepsPath].trailer.StorePath.Base() + "\n"
		result[directDependencyPath], err = exportSourceFile(exporter, dir, "", "a.txt", []byte(directDependencyContent), store.References{
			Others: *sortedset.New(result[noDepsPath].trailer.StorePath),
		})
		if err != nil {
			return nil, nil, err
		}
		indirectDependencyContent := "Hello, " + result[directDependencyPath].trailer.StorePath.Base() + "\n"
		result[indirectDependencyPath], err = exportSourceFile(exporter, dir, "", "b.txt", []byte(indirectDependencyContent), store.References{
			Others: *sortedset.New(result[directDependencyPath].trailer.StorePath),
		})
		if err != nil {
			return nil, nil, err
		}
		const tempDigest = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
		const selfDependencyContent = "I am " + tempDigest + "-self.txt\n"
		result[selfDependencyPath], err = exportSourceFile(exporter, dir, tempDigest, "self.txt", []byte(selfDependencyContent), store.References{
			Self: true,
		})
		if err != nil {
			return nil, nil, err
		}

		if err := exporter.Close(); err != nil {
			return nil, nil, err
		}
		return result, exportBuffer.Bytes(), nil
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Run("RPC", func(t *testing.T) {
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()

				dir := backendtest.NewStoreDirectory(t)
				records, importData, err := generateImport(dir)
				if err != nil {
					t.Fatal(err)
				}

				receiver := new(spyNARReceiver)
				_, client, err := backendtest.NewServer(ctx, t, dir, &backendtest.Options{
					TempDir: t.TempDir(),
					ClientOptions: zbstorerpc.CodecOptions{
						NARReceiver: receiver,
					},
				})
				if err != nil {
					t.Fatal(err)
				}

				// Import test data.
				codec, releaseCodec, err := storeCodec(ctx, client)
				if err != nil {
					t.Fatal(err)
				}
				err = codec.Export(nil, bytes.NewReader(importData))
				releaseCodec()
				if err != nil {
					t.Fatal(err)
				}

				// Call exists method.
				// Exports don't send a response, so this introduces a sync point.
				var exists bool
				lastPath := records[len(records)-1].trailer.StorePath
				err = jsonrpc.Do(ctx, client, zbstorerpc.ExistsMethod, &exists, &zbstorerpc.ExistsRequest{
					Path: string(lastPath),
				})
				if err != nil {
					t.Error(err)
				}
				if !exists {
					t.Errorf("store reports exists=false for %s", lastPath)
				}

				// Perform export.
				req := &zbstorerpc.ExportRequest{
					Paths:             make([]store.Path, len(test.paths)),
					ExcludeReferences: test.excludeReferences,
				}
				for i, pathIndex := range test.paths {
					req.Paths[i] = records[pathIndex].trailer.StorePath
				}
				if err := jsonrpc.Do(ctx, client, zbstorerpc.ExportMethod, nil, req); err != nil {
					t.Error("Export:", err)
				}

				// Check contents of export.
				want := make([]narRecord, len(test.want))
				for i, pathIndex := range test.want {
					want[i] = records[pathIndex]
				}
				diff := cmp.Diff(
					want, receiver.records,
					cmpopts.EquateEmpty(),
					cmp.AllowUnexported(narRecord{}),
					transformSortedSet[store.Path](),
				)
				if diff != "" {
					t.Errorf("export (-want +got):\n%s", diff)
				}
			})

			for _, mapped := range [...]bool{false, true} {
				var mapTestName string
				if mapped {
					mapTestName = "Mapped"
				} else {
					mapTestName = "Real"
				}

				t.Run(mapTestName, func(t *testing.T) {
					ctx, cancel := context.WithCancel(context.Background())
					defer cancel()

					var dir store.Directory
					var realDir string
					if mapped {
						dir = store.DefaultDirectory()
						realDir = t.TempDir()
					} else {
						dir = backendtest.NewStoreDirectory(t)
						realDir = string(dir)
					}
					records, importData, err := generateImport(dir)
					if err != nil {
						t.Fatal(err)
					}

					srv, client, err := backendtest.NewServer(ctx, t, dir, &backendtest.Options{
						TempDir: t.TempDir(),
						Options: backend.Options{
							RealDir: realDir,
						},
					})
					if err != nil {
						t.Fatal(err)
					}

					// Import test data.
					codec, releaseCodec, err := storeCodec(ctx, client)
					if err != nil {
						t.Fatal(err)
					}
					err = codec.Export(nil, bytes.NewReader(importData))
					releaseCodec()
					if err != nil {
						t.Fatal(err)
					}

					// Call exists method.
					// Exports don't send a response, so this introduces a sync point.
					var exists bool
					lastPath := records[len(records)-1].trailer.StorePath
					err = jsonrpc.Do(ctx, client, zbstorerpc.ExistsMethod, &exists, &zbstorerpc.ExistsRequest{
						Path: string(lastPath),
					})
					if err != nil {
						t.Error(err)
					}
					if !exists {
						t.Errorf("store reports exists=false for %s", lastPath)
					}

					// Perform export.
					got := new(bytes.Buffer)
					req := &zbstorerpc.ExportRequest{
						Paths:             make([]store.Path, len(test.paths)),
						ExcludeReferences: test.excludeReferences,
					}
					for i, pathIndex := range test.paths {
						req.Paths[i] = records[pathIndex].trailer.StorePath
					}
					if err := srv.Export(ctx, got, req); err != nil {
						t.Error("Export:", err)
					}

					// Check contents of export.
					receiver := new(spyNARReceiver)
					if err := store.ReceiveExport(receiver, got); err != nil {
						t.Error("Read export:", err)
					}
					want := make([]narRecord, len(test.want))
					for i, pathIndex := range test.want {
						want[i] = records[pathIndex]
					}
					diff := cmp.Diff(
						want, receiver.records,
						cmpopts.EquateEmpty(),
						cmp.AllowUnexported(narRecord{}),
						transformSortedSet[store.Path](),
					)
					if diff != "" {
						t.Errorf("export (-want +got):\n%s", diff)
					}
				})
			}
		})
	}
}

type narRecord struct {
	nar     []byte
	trailer store.ExportTrailer
}

func exportSourceFile(exp *store.Exporter, dir store.Directory, tempDigest, name string, data []byte, refs store.References) (narRecord, error) {
	narBuffer := new(bytes.Buffer)
	if err := storetest.SingleFileNAR(narBuffer, data); err != nil {
		return narRecord{}, err
	}
	path, ca, err := storetest.ExportSourceFileCA(exp, dir, tempDigest, name, data, refs)
	if err != nil {
		return narRecord{}, err
	}
	allRefs := *refs.Others.Clone()
	if refs.Self {
		allRefs.Add(path)
	}
	return narRecord{
		nar: narBuffer.Bytes(),
		trailer: store.ExportTrailer{
			StorePath:      path,
			References:     allRefs,
			ContentAddress: ca,
		},
	}, nil
}

type spyNARReceiver struct {
	records []narRecord
}

func (r *spyNARReceiver) Write(p []byte) (int, error) {
	if len(r.records) == 0 || r.records[len(r.records)-1].trailer.StorePath != "" {
		r.records = append(r.records, narRecord{})
	}
	record := &r.records[len(r.records)-1]
	record.nar = append(record.nar, p...)
	return len(p), nil
}

func (r *spyNARReceiver) ReceiveNAR(t *store.ExportTrailer) {
	dst := &r.records[len(r.records)-1].trailer
	*dst = *t
	dst.References = *dst.References.Clone()
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
