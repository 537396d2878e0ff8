//go:build !windows

package main

import (
	"fmt"
	"io/fs"
	"os"
	"slices"
	"syscall"
)

// ensureReadable refuses a pack input the current user could only read
// through elevated privileges.
func ensureReadable(path string, info fs.FileInfo) error {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}

	var bit fs.FileMode
	var who string
	switch {
	case int(st.Uid) == os.Geteuid():
		bit, who = 0o400, "owner"
	case inGroup(int(st.Gid)):
		bit, who = 0o040, "group"
	default:
		bit, who = 0o004, "others"
	}
	if info.Mode().Perm()&bit == 0 {
		return fmt.Errorf("%w: %s: %s has no read bit", fs.ErrPermission, path, who)
	}
	return nil
}

func inGroup(gid int) bool {
	if gid == os.Getegid() {
		return true
	}
	groups, err := os.Getgroups()
	return err == nil && slices.Contains(groups, gid)
}
