//go:build linux

// Package sysfd wraps the raw Linux primitives the broker is built on:
// eventfds, SOCK_SEQPACKET socketpairs, and SCM_RIGHTS descriptor passing.
// Nothing here understands the debugger protocol; it only moves bytes and
// file descriptors.
package sysfd

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Eventfd locking states, named the way the kernel object is used here: a
// binary semaphore, not a counter.
const (
	EventfdLocked   uint64 = 0
	EventfdUnlocked uint64 = 1
)

// NewEventfd creates a close-on-exec eventfd with the given initial value.
func NewEventfd(initial uint64) (int, error) {
	fd, err := unix.Eventfd(uint(initial), unix.EFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("eventfd: %w", err)
	}
	return fd, nil
}

// EventfdRead performs the blocking read(2) that resets an eventfd's
// counter to zero (and, for a counter at 0, blocks until nonzero). It
// returns the counter value that was read.
func EventfdRead(fd int) (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil {
		return 0, fmt.Errorf("eventfd read: %w", err)
	}
	if n != 8 {
		return 0, fmt.Errorf("eventfd read: short read of %d bytes", n)
	}
	return hostEndian.Uint64(buf[:]), nil
}

// EventfdWrite adds v to the eventfd's counter, waking any blocked reader.
func EventfdWrite(fd int, v uint64) error {
	var buf [8]byte
	hostEndian.PutUint64(buf[:], v)
	n, err := unix.Write(fd, buf[:])
	if err != nil {
		return fmt.Errorf("eventfd write: %w", err)
	}
	if n != 8 {
		return fmt.Errorf("eventfd write: short write of %d bytes", n)
	}
	return nil
}
