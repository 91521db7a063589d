// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package store implements the store's data model: store paths, content
// addresses, derivations, derived paths, valid-path info, realisations,
// and the [Store] capability interfaces that the goal scheduler and
// fetchers build on. See the package's companion files for each concept.
package store

import (
	"github.com/NixOS/nix-sub009/internal/nixhash"
	"github.com/NixOS/nix-sub009/internal/sortedset"
	"github.com/NixOS/nix-sub009/internal/storepath"
)

// Directory is the absolute path of a store.
type Directory = storepath.Directory

// Path is a store path: the absolute path of a store object.
type Path = storepath.Path

// SortedPathSet is the ordered set type used wherever store paths must
// iterate in sorted order, e.g. a derivation's input sources.
type SortedPathSet = sortedset.Set[Path]

// References is the set of store objects (and optionally itself) that a
// store object refers to.
type References = storepath.References

// ParsePath parses an absolute path as an immediate child of a store directory.
func ParsePath(s string) (Path, error) { return storepath.ParsePath(s) }

// CleanDirectory cleans an absolute POSIX- or Windows-style path as a Directory.
func CleanDirectory(s string) (Directory, error) { return storepath.CleanDirectory(s) }

// DirectoryFromEnvironment returns the store directory in use based on the
// NIX_STORE_DIR environment variable, falling back to the platform default.
func DirectoryFromEnvironment() (Directory, error) { return storepath.DirectoryFromEnvironment() }

// DefaultDirectory returns the platform's default store directory.
func DefaultDirectory() Directory { return storepath.DefaultDirectory() }

// IsValidOutputName reports whether name is usable as a derivation
// output name.
func IsValidOutputName(name string) bool { return storepath.IsValidOutputName(name) }

// SocketPath returns the path of the store daemon's Unix domain socket.
func SocketPath() string { return storepath.SocketPath() }

// FixedCAOutputPath computes a fixed-output store path for the given
// directory, name, content address, and reference set.
func FixedCAOutputPath(dir Directory, name string, ca ContentAddress, refs References) (Path, error) {
	return storepath.FixedOutputPath(dir, name, ca, refs)
}

// MakeReferences builds a [References] for a store object at path,
// given the set of other store paths it refers to. Any occurrence of
// path itself in refs is removed and recorded as a self-reference
// instead, matching how a NAR serialization only ever records textual
// self-references, never path itself in the reference list.
func MakeReferences(path Path, refs *sortedset.Set[Path]) References {
	result := References{Others: *sortedset.New[Path]()}
	if refs != nil {
		for ref := range refs.Values() {
			if ref == path {
				result.Self = true
			} else {
				result.Others.Add(ref)
			}
		}
	}
	return result
}

// ContentAddress is a content-addressibility assertion.
type ContentAddress = nixhash.ContentAddress

// Hash is an algorithm-tagged digest.
type Hash = nixhash.Hash

// DefaultDerivationOutputName is the name conventionally used for a
// derivation's sole or primary output ("out").
const DefaultDerivationOutputName = "out"

// DefaultUnixDirectory and DefaultWindowsDirectory are the default store
// directories on their respective platforms.
const (
	DefaultUnixDirectory    = storepath.DefaultUnixDirectory
	DefaultWindowsDirectory = storepath.DefaultWindowsDirectory
)

// OutputReference names one output of one derivation:
// the unit that a [Realisation] witnesses and that a [DerivedPath] for a
// single output resolves to.
type OutputReference struct {
	DrvPath    Path
	OutputName string
}

// String renders an OutputReference as "<drvPath>!<outputName>".
func (ref OutputReference) String() string {
	return string(ref.DrvPath) + "!" + ref.OutputName
}
