// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

// Package storetest provides utilities for interacting with the store in tests.
package storetest

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"

	"github.com/NixOS/nix-sub009/internal/nixhash"
	"github.com/NixOS/nix-sub009/internal/sortedset"
	"github.com/NixOS/nix-sub009/store"
	"zombiezen.com/go/nix/nar"
)

// ExportFlatFile writes a fixed-hash flat file to the exporter with the given content.
func ExportFlatFile(exp *store.Exporter, dir store.Directory, name string, data []byte, ht nixhash.Algorithm) (store.Path, error) {
	h := nixhash.NewHasher(ht)
	h.Write(data)
	ca := nixhash.FlatFileContentAddress(h.SumHash())
	p, err := exportFile(exp, dir, name, data, ca, nil)
	if err != nil {
		if p == "" {
			return "", err
		}
		return p, fmt.Errorf("export flat file %s: %v", p, err)
	}
	return p, nil
}

// ExportText writes a text file (e.g. a ".drv" file)
// to the exporter with the given content.
func ExportText(exp *store.Exporter, dir store.Directory, name string, data []byte, refs *sortedset.Set[store.Path]) (store.Path, error) {
	h := nixhash.NewHasher(nixhash.SHA256)
	h.Write(data)
	ca := nixhash.TextContentAddress(h.SumHash())
	trimmedRefs := trimRefs(data, store.References{
		Others: *refs.Clone(),
	})
	p, err := exportFile(exp, dir, name, data, ca, &trimmedRefs.Others)
	if err != nil {
		if p == "" {
			return "", err
		}
		return p, fmt.Errorf("export text %s: %v", p, err)
	}
	return p, nil
}

// ExportDerivation writes a ".drv" file to the exporter.
func ExportDerivation(exp *store.Exporter, drv *store.Derivation) (store.Path, error) {
	name := drv.Name + store.DerivationExt
	data, err := drv.MarshalText()
	if err != nil {
		return "", fmt.Errorf("export derivation %s: %v", name, err)
	}
	h := nixhash.NewHasher(nixhash.SHA256)
	h.Write(data)
	ca := nixhash.TextContentAddress(h.SumHash())
	refs := drv.References().Others.Clone()
	p, err := exportFile(exp, drv.Dir, name, data, ca, refs)
	if err != nil {
		if p == "" {
			return "", fmt.Errorf("export derivation %s: %v", name, err)
		}
		return p, fmt.Errorf("export derivation %s: %v", p, err)
	}
	return p, nil
}

func exportFile(exp *store.Exporter, dir store.Directory, name string, data []byte, ca store.ContentAddress, refs *sortedset.Set[store.Path]) (store.Path, error) {
	var refsClone sortedset.Set[store.Path]
	if refs != nil {
		refsClone = *refs.Clone()
	}
	p, err := store.FixedCAOutputPath(dir, name, ca, store.References{Others: refsClone})
	if err != nil {
		return "", err
	}
	if err := SingleFileNAR(exp, data); err != nil {
		return p, err
	}
	err = exp.Trailer(&store.ExportTrailer{
		StorePath:      p,
		ContentAddress: ca,
		References:     refsClone,
	})
	if err != nil {
		return p, err
	}
	return p, nil
}

// ExportSourceFile writes a file with the given content to the exporter.
func ExportSourceFile(exp *store.Exporter, dir store.Directory, tempDigest, name string, data []byte, refs store.References) (store.Path, error) {
	p, _, err := ExportSourceFileCA(exp, dir, tempDigest, name, data, refs)
	return p, err
}

// ExportSourceFileCA behaves like [ExportSourceFile] but additionally returns the computed content address.
func ExportSourceFileCA(exp *store.Exporter, dir store.Directory, tempDigest, name string, data []byte, refs store.References) (store.Path, store.ContentAddress, error) {
	narBuffer := new(bytes.Buffer)
	if err := SingleFileNAR(narBuffer, data); err != nil {
		return "", store.ContentAddress{}, err
	}
	return exportSource(exp, dir, tempDigest, name, narBuffer.Bytes(), refs)
}

// ExportSourceDir writes the given filesystem to the exporter.
func ExportSourceDir(exp *store.Exporter, dir store.Directory, tempDigest, name string, fsys fs.FS, refs store.References) (store.Path, error) {
	narBuffer := new(bytes.Buffer)
	if err := new(nar.Dumper).Dump(narBuffer, fsys, "."); err != nil {
		return "", err
	}
	p, _, err := exportSource(exp, dir, tempDigest, name, narBuffer.Bytes(), refs)
	return p, err
}

func exportSource(exp *store.Exporter, dir store.Directory, tempDigest, name string, narBytes []byte, refs store.References) (store.Path, store.ContentAddress, error) {
	if !refs.Self {
		tempDigest = ""
	}
	refs = trimRefs(narBytes, refs)

	ca, _, err := store.SourceSHA256ContentAddressSelfRefs(tempDigest, bytes.NewReader(narBytes))
	if err != nil {
		return "", store.ContentAddress{}, err
	}
	p, err := store.FixedCAOutputPath(dir, name, ca, refs)
	if err != nil {
		return "", store.ContentAddress{}, err
	}

	// Rewrite NAR in-place.
	newDigest := p.Digest()
	if tempDigest != "" && len(tempDigest) != len(newDigest) {
		return p, store.ContentAddress{}, fmt.Errorf("export source %s: temporary digest %q is wrong size (expected %d)", p, tempDigest, len(newDigest))
	}
	if tempDigest != "" {
		replaceAll(narBytes, []byte(tempDigest), []byte(newDigest))
	}

	if _, err := exp.Write(narBytes); err != nil {
		return p, ca, fmt.Errorf("export source %s: %v", p, err)
	}
	allRefs := *refs.Others.Clone()
	if refs.Self {
		allRefs.Add(p)
	}
	err = exp.Trailer(&store.ExportTrailer{
		StorePath:      p,
		ContentAddress: ca,
		References:     allRefs,
	})
	if err != nil {
		return p, ca, fmt.Errorf("export source %s: %v", p, err)
	}
	return p, ca, nil
}

func replaceAll(data []byte, old, new []byte) {
	if len(old) != len(new) {
		return
	}
	for {
		i := bytes.Index(data, old)
		if i < 0 {
			return
		}
		copy(data[i:i+len(new)], new)
	}
}

// SingleFileNAR writes a single non-executable file NAR to the given writer
// with the given file contents.
func SingleFileNAR(w io.Writer, data []byte) error {
	nw := nar.NewWriter(w)
	if err := nw.WriteHeader(&nar.Header{Size: int64(len(data))}); err != nil {
		return err
	}
	if _, err := nw.Write(data); err != nil {
		return err
	}
	if err := nw.Close(); err != nil {
		return err
	}
	return nil
}

func trimRefs(data []byte, refs store.References) store.References {
	firstMissing := -1
	i := 0
	for ref := range refs.Others.Values() {
		if !bytes.Contains(data, []byte(ref.Digest())) {
			firstMissing = i
			break
		}
		i++
	}
	if firstMissing == -1 {
		return refs
	}

	newRefs := store.References{
		Self: refs.Self,
	}
	newRefs.Others.Grow(refs.Others.Len() - 1)
	i = 0
	for ref := range refs.Others.Values() {
		if i == firstMissing {
			i++
			continue
		}
		if i < firstMissing || bytes.Contains(data, []byte(ref.Digest())) {
			newRefs.Others.Add(ref)
		}
		i++
	}
	return newRefs
}
