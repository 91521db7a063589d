// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package backend

import (
	"os/exec"
	"strconv"

	"github.com/NixOS/nix-sub009/internal/xmaps"
	"github.com/NixOS/nix-sub009/store"
)

func fillBaseEnv(m map[string]string, storeDir store.Directory, workDir string, cores int) {
	xmaps.SetDefault(m, "PATH", `C:\path-not-set`)
	xmaps.SetDefault(m, "HOME", `C:\home-not-set`)
	xmaps.SetDefault(m, "ZB_STORE", string(storeDir))
	xmaps.SetDefault(m, "ZB_BUILD_TOP", workDir)
	xmaps.SetDefault(m, "ZB_BUILD_CORES", strconv.Itoa(cores))
	// TODO(someday): More.
}

func setCancelFunc(c *exec.Cmd) {
	// Default behavior of exec.CommandContext is fine, no-op.
}
