// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package mount

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Apply realises m by bind-mounting Source onto Target, generalizing
// the backend's own ad hoc `unix.Mount(old, new, "", MS_BIND|MS_REC,
// "")` bind mounts into the full options algebra: an initial bind
// mount followed by a remount that applies the requested option flags,
// the classic two-step MS_BIND dance required because the kernel
// ignores most mount(2) flags on the initial bind.
//
// The newer open_tree(2)/mount_setattr(2)/move_mount(2) triple that
// avoids the remount step is not implemented: nothing in this
// workspace's sandbox setup needs per-mount propagation control, and
// the teacher's own sandbox code only ever uses the legacy pair.
func (m *BindMount) Apply() error {
	if _, err := os.Lstat(m.Source); err != nil {
		if m.Optional && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("bind mount %s: %v", m.Source, err)
	}

	flags := uintptr(unix.MS_BIND)
	if m.Recursive {
		flags |= unix.MS_REC
	}
	if err := unix.Mount(m.Source, m.Target, "", flags, ""); err != nil {
		return fmt.Errorf("bind mount %s onto %s: %v", m.Source, m.Target, err)
	}

	remountFlags, data := m.remountFlags()
	if remountFlags == 0 && data == "" {
		return nil
	}
	remountFlags |= unix.MS_BIND | unix.MS_REMOUNT
	if err := unix.Mount(m.Source, m.Target, "", remountFlags, data); err != nil {
		unix.Unmount(m.Target, unix.MNT_DETACH)
		return fmt.Errorf("remount %s with options: %v", m.Target, err)
	}
	return nil
}

// remountFlags translates m.Options into the MS_* flags and data
// string the remount step needs.
func (m *BindMount) remountFlags() (flags uintptr, data string) {
	if m.Options == nil {
		return 0, ""
	}
	for _, o := range m.Options.List() {
		switch o {
		case NoSUID:
			flags |= unix.MS_NOSUID
		case SUID:
			// SUID is the kernel default: nothing to set, but it still
			// wins its key class so an earlier NoSUID in the same set
			// has been overridden by this one.
		case NoExec:
			flags |= unix.MS_NOEXEC
		case Exec:
		case ReadOnly:
			flags |= unix.MS_RDONLY
		case ReadWrite:
		case NoDev:
			flags |= unix.MS_NODEV
		case Dev:
		}
	}
	return flags, data
}

// Unmount detaches the mount at target, lazily so in-use file
// descriptors keep working until closed.
func Unmount(target string) error {
	if err := unix.Unmount(target, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("unmount %s: %v", target, err)
	}
	return nil
}
