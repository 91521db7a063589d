// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"path/filepath"

	"github.com/google/uuid"
	"github.com/NixOS/nix-sub009/store"
)

// buildLogRoot returns the directory under dir that holds the builder logs
// for a single build, identified by buildID.
func buildLogRoot(dir string, buildID uuid.UUID) string {
	return filepath.Join(dir, buildID.String())
}

// builderLogPath returns the path of the builder log for drvPath within the
// given build.
func builderLogPath(dir string, buildID uuid.UUID, drvPath store.Path) string {
	return filepath.Join(buildLogRoot(dir, buildID), drvPath.Digest()+".log")
}
