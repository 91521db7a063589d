// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

//go:build !linux

package mount

import "fmt"

// Apply always fails: bind mounts are a Linux sandbox primitive.
func (m *BindMount) Apply() error {
	return fmt.Errorf("bind mount %s onto %s: not supported on this platform", m.Source, m.Target)
}

// Unmount always fails: bind mounts are a Linux sandbox primitive.
func Unmount(target string) error {
	return fmt.Errorf("unmount %s: not supported on this platform", target)
}
