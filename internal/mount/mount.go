// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package mount implements the small bind-mount algebra the sandboxed
// builder collaborator uses to assemble a chroot: a flag set of mount
// options plus a recursion bit, realised with the same
// MS_BIND|MS_REC/remount pair the backend's Linux sandbox setup already
// uses for its ad hoc bind mounts.
package mount

import (
	"fmt"
)

// Option is a single bind-mount flag. Options form a set; within a
// "key class" (e.g. the two atime modes) only the last one a caller
// adds wins, mirroring how repeated `mount -o` flags override rather
// than accumulate.
type Option int8

// Recognized options, grouped by key class. Exactly one of NoSUID/SUID
// may be in effect at a time, likewise NoExec/Exec and ReadOnly/ReadWrite.
const (
	NoSUID Option = iota
	SUID
	NoExec
	Exec
	ReadOnly
	ReadWrite
	NoDev
	Dev
)

// keyClass groups options that are mutually exclusive: setting one
// option from a class clears any other option from the same class
// already in the set, matching "incompatibilities are resolved by
// keeping only the last option per key class."
func (o Option) keyClass() int {
	switch o {
	case NoSUID, SUID:
		return 0
	case NoExec, Exec:
		return 1
	case ReadOnly, ReadWrite:
		return 2
	case NoDev, Dev:
		return 3
	default:
		return -1
	}
}

func (o Option) String() string {
	switch o {
	case NoSUID:
		return "nosuid"
	case SUID:
		return "suid"
	case NoExec:
		return "noexec"
	case Exec:
		return "exec"
	case ReadOnly:
		return "ro"
	case ReadWrite:
		return "rw"
	case NoDev:
		return "nodev"
	case Dev:
		return "dev"
	default:
		return fmt.Sprintf("mount.Option(%d)", int(o))
	}
}

// OptionSet is an unordered set of mount [Option]s with last-write-wins
// semantics per key class.
type OptionSet struct {
	byClass map[int]Option
}

// NewOptionSet returns a set containing opts, applied in order.
func NewOptionSet(opts ...Option) *OptionSet {
	s := &OptionSet{byClass: make(map[int]Option)}
	for _, o := range opts {
		s.Add(o)
	}
	return s
}

// Add adds o to the set, replacing any option already present from o's
// key class.
func (s *OptionSet) Add(o Option) {
	if s.byClass == nil {
		s.byClass = make(map[int]Option)
	}
	s.byClass[o.keyClass()] = o
}

// Has reports whether o is the winner for o's key class, that is,
// whether o was added and no other option from the same key class was
// added after it.
func (s *OptionSet) Has(o Option) bool {
	w, ok := s.byClass[o.keyClass()]
	return ok && w == o
}

// List returns the set's winning options, in a deterministic order
// (ascending key class).
func (s *OptionSet) List() []Option {
	classes := make([]int, 0, len(s.byClass))
	for c := range s.byClass {
		classes = append(classes, c)
	}
	for i := 1; i < len(classes); i++ {
		for j := i; j > 0 && classes[j-1] > classes[j]; j-- {
			classes[j-1], classes[j] = classes[j], classes[j-1]
		}
	}
	opts := make([]Option, 0, len(classes))
	for _, c := range classes {
		opts = append(opts, s.byClass[c])
	}
	return opts
}

// BindMount describes a single bind mount the sandboxed builder's
// filesystem setup should realise.
type BindMount struct {
	// Source is the host path being mounted.
	Source string
	// Target is the mount point, relative to the sandbox root.
	Target string
	// Options is the set of mount options to apply.
	Options *OptionSet
	// Recursive bind-mounts Source's own mounts along with it
	// (MS_REC).
	Recursive bool
	// Optional suppresses the error if Source does not exist.
	Optional bool
}
