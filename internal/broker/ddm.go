//go:build linux

package broker

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// DDM wire constants, spec.md §4.4 and §6.
const (
	ddmHeaderSize = 23
	ddmCommandSet = 0xC7
	ddmCommand    = 0x01
	ddmIDHighBit  = uint32(1) << 31
)

// nextDDMID returns the next packet id with bit 31 always set, matching
// spec.md §3's invariant 5. The counter is incremented atomically because
// PublishDDM may be called concurrently from arbitrary runtime threads
// (spec.md §5).
func (b *Broker) nextDDMID() uint32 {
	v := b.ddmSeq.Add(1)
	return v | ddmIDHighBit
}

// encodeDDMPacket lays out the fixed 23-byte header, all fields
// big-endian, per the table in spec.md §4.4; bytes 19-22 are left zero.
// The returned slice does not include the payload: PublishDDM writes data
// as the second writev segment.
func encodeDDMPacket(id uint32, typ uint32, data []byte) []byte {
	header := make([]byte, ddmHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], uint32(ddmHeaderSize+len(data)))
	binary.BigEndian.PutUint32(header[4:8], id)
	header[8] = 0 // flags
	header[9] = ddmCommandSet
	header[10] = ddmCommand
	binary.BigEndian.PutUint32(header[11:15], typ)
	binary.BigEndian.PutUint32(header[15:19], uint32(len(data)))
	return header
}

// PublishDDM formats a runtime-originated telemetry chunk into a
// debugger-protocol command packet and writes it atomically under the
// write interlock (spec.md §4.4, the publish_ddm callback of §6).
//
// It is safe to call from any goroutine, including concurrently with
// itself and with the poll loop's own use of the interlock.
func (b *Broker) PublishDDM(typ uint32, data []byte) {
	err := b.lock.With(func() error {
		connFD := b.connectionFD.Load()
		if connFD < 0 {
			return errNoConnection
		}
		// The id must not be minted until a connection is confirmed
		// present: a dropped packet must not burn a sequence number
		// (spec.md §8's disconnected-publish boundary case).
		id := b.nextDDMID()
		header := encodeDDMPacket(id, typ, data)
		n, err := unix.Writev(int(connFD), [][]byte{header, data})
		if err != nil {
			return fmt.Errorf("writev: %w", err)
		}
		want := len(header) + len(data)
		if n != want {
			return fmt.Errorf("short write: wrote %d of %d bytes", n, want)
		}
		return nil
	})

	switch {
	case err == errNoConnection:
		b.log.Warnf("ddm", nil, "dropping DDM packet type=%#x: no debugger connection", typ)
	case err != nil:
		// A short or failed write is logged as an error but is not
		// fatal; the connection continues (spec.md §4.4).
		b.log.Errorf("ddm", err, "failed to send DDM packet type=%#x", typ)
	}
}
