//go:build linux

package sysfd

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Dup duplicates fd with the close-on-exec flag set, matching the
// dup()-before-handoff pattern the agent FD transfer requires.
func Dup(fd int) (int, error) {
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("dup: %w", err)
	}
	return int(nfd), nil
}

// Close closes fd, ignoring EBADF (double-close safety for defer-heavy
// call sites).
func Close(fd int) error {
	if fd < 0 {
		return nil
	}
	if err := unix.Close(fd); err != nil && err != unix.EBADF {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

// CloseQuietly is Close with the error discarded, for defer sites that
// have no way to surface a close failure.
func CloseQuietly(fd int) {
	_ = Close(fd)
}
