//go:build linux

package sysfd

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Connect dials a SOCK_SEQPACKET socket at name and returns the connected
// fd. A name beginning with "@" addresses the Linux abstract namespace
// (the leading "@" is replaced with the NUL byte the kernel expects),
// matching the convention the standard library itself uses for
// SockaddrUnix; any other name is a filesystem path.
func Connect(name string) (int, error) {
	fd, err := NewSeqpacketSocket()
	if err != nil {
		return -1, err
	}
	addr := &unix.SockaddrUnix{Name: name}
	if err := unix.Connect(fd, addr); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", name, err)
	}
	return fd, nil
}
