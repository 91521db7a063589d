// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package accessor implements the input-accessor abstraction fetchers
// use to read a tree of files (on disk, in memory, or synthesized)
// without caring where the tree actually lives: a capability to
// lstat/read/list/readlink, plus the free functions (DumpPath,
// FetchToStore) built only on those primitives, per spec §4.5's
// "keep dynamic dispatch confined to the four primitive methods."
package accessor

import (
	"context"
	"fmt"
)

// NodeType is the type of a single filesystem entry.
type NodeType int8

// Recognized node types.
const (
	Regular NodeType = 1 + iota
	Directory
	Symlink
	// Misc covers anything that is neither a regular file, a
	// directory, nor a symlink (device nodes, sockets, etc.).
	Misc
)

func (t NodeType) String() string {
	switch t {
	case Regular:
		return "regular"
	case Directory:
		return "directory"
	case Symlink:
		return "symlink"
	case Misc:
		return "misc"
	default:
		return fmt.Sprintf("NodeType(%d)", int(t))
	}
}

// Stat describes a single filesystem entry.
type Stat struct {
	Type NodeType
	// Executable is only meaningful when Type is Regular.
	Executable bool
}

// DirEntries maps a directory's direct children to their type. A nil
// *NodeType value means the type is not known without a further
// Lstat call (some accessors can enumerate names cheaply but not
// types).
type DirEntries map[string]*NodeType

// Accessor is a capability to read one tree of files. Implementations
// are shared: a tree's contents remain reachable as long as any
// [SourcePath] referencing the accessor is still live.
type Accessor interface {
	// ReadFile returns the contents of the regular file at path, or an
	// error if path does not name a regular file.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// Lstat returns the type of the entry at path without following a
	// trailing symlink, or (nil, nil) if path does not exist.
	Lstat(ctx context.Context, path string) (*Stat, error)
	// ReadDirectory returns the direct children of the directory at
	// path, or an error if path does not name a directory.
	ReadDirectory(ctx context.Context, path string) (DirEntries, error)
	// ReadLink returns the target of the symlink at path, or an error
	// if path does not name a symlink.
	ReadLink(ctx context.Context, path string) (string, error)
}

// ErrRestrictedPath is returned by a filtering [Accessor] when a path
// is excluded by its allow predicate.
type ErrRestrictedPath struct {
	Path string
}

func (e *ErrRestrictedPath) Error() string {
	return fmt.Sprintf("path %q is not allowed", e.Path)
}

// SourcePath names one file or directory within an [Accessor]: the
// pairing of a shared accessor and a canonical (slash-separated,
// accessor-rooted) path.
type SourcePath struct {
	Accessor Accessor
	Path     string
}

// New returns the [SourcePath] naming path within acc.
func New(acc Accessor, path string) SourcePath {
	return SourcePath{Accessor: acc, Path: path}
}

// Join returns the [SourcePath] naming name as a child of p.
func (p SourcePath) Join(name string) SourcePath {
	if p.Path == "" || p.Path == "." {
		return SourcePath{Accessor: p.Accessor, Path: name}
	}
	return SourcePath{Accessor: p.Accessor, Path: p.Path + "/" + name}
}

// ReadFile reads p's contents.
func (p SourcePath) ReadFile(ctx context.Context) ([]byte, error) {
	return p.Accessor.ReadFile(ctx, p.Path)
}

// Lstat returns p's type, or nil if p does not exist.
func (p SourcePath) Lstat(ctx context.Context) (*Stat, error) {
	return p.Accessor.Lstat(ctx, p.Path)
}

// ReadDirectory returns p's direct children.
func (p SourcePath) ReadDirectory(ctx context.Context) (DirEntries, error) {
	return p.Accessor.ReadDirectory(ctx, p.Path)
}

// ReadLink returns the target of the symlink at p.
func (p SourcePath) ReadLink(ctx context.Context) (string, error) {
	return p.Accessor.ReadLink(ctx, p.Path)
}

func (p SourcePath) String() string {
	return p.Path
}
