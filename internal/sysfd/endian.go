//go:build linux

package sysfd

import (
	"encoding/binary"
	"unsafe"
)

// hostEndian is used only for the eventfd counter, which the kernel reads
// and writes as a native uint64_t. The DDM wire format (see the broker
// package) is always big-endian regardless of host and must not use this.
var hostEndian binary.ByteOrder = func() binary.ByteOrder {
	var x uint16 = 1
	if *(*byte)(unsafe.Pointer(&x)) == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}()
