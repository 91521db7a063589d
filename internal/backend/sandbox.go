// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"fmt"
	"io"

	"github.com/NixOS/nix-sub009/store"
)

// DefaultBuildUsersGroup is the name given to the group that owns the
// sandbox passwd/group entries synthesized for a build, regardless of
// which [BuildUser] (if any) actually runs the builder.
const DefaultBuildUsersGroup = "nixbld"

// BuildUser identifies an unprivileged system account a builder can be
// run as, so that concurrent builds cannot interfere with each other's
// files outside the sandbox.
type BuildUser struct {
	UID int
	GID int
}

// builderInvocation carries everything [runSandboxed] needs to run a
// single derivation's builder inside an isolated filesystem root.
type builderInvocation struct {
	derivation     *store.Derivation
	derivationPath store.Path
	realStoreDir   string
	buildDir       string
	logWriter      io.Writer
	cores          int

	// user, if non-nil, is the build user the builder process should run as.
	// If nil, the builder runs as the calling process's own user.
	user *BuildUser

	// outputPaths maps each output name to the store path it must produce
	// inside the sandbox.
	outputPaths map[string]store.Path

	// sandboxPaths maps extra paths that should be bind-mounted into the
	// sandbox (destination path to host path), beyond the derivation's
	// own closure.
	sandboxPaths map[string]string

	// lookup resolves an input derivation's output to the store path that
	// was realized for it.
	lookup func(store.OutputReference) (store.Path, bool)

	// closure calls yield for path and every store path it transitively
	// references, stopping early if yield returns false.
	closure func(path store.Path, yield func(store.Path) bool) error
}

// builderFailure wraps an error returned by a builder process itself, as
// opposed to an error in setting up or tearing down the build
// environment. Callers can use [errors.As] to distinguish the two.
type builderFailure struct {
	err error
}

func (bf builderFailure) Error() string {
	return fmt.Sprintf("builder failed: %v", bf.err)
}

func (bf builderFailure) Unwrap() error {
	return bf.err
}
