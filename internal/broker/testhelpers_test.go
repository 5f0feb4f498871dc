//go:build linux

package broker

import (
	"testing"

	"github.com/kestrelrt/dbgbroker/internal/sysfd"
	"golang.org/x/sys/unix"
)

// testSock is a minimal wrapper around a raw fd for use in tests that need
// to drive one end of a real seqpacket socketpair without pulling in
// net.UnixConn (which would hide the fd number the broker's code paths
// operate on directly).
type testSock struct {
	fd int
}

func (s testSock) write(b []byte) (int, error) { return unix.Write(s.fd, b) }
func (s testSock) read(b []byte) (int, error)  { return unix.Read(s.fd, b) }
func (s testSock) Close()                      { sysfd.CloseQuietly(s.fd) }

func newTestSocketpair(t *testing.T) (local, remote testSock, err error) {
	t.Helper()
	l, r, err := sysfd.NewSeqpacketSocketpair()
	if err != nil {
		return testSock{}, testSock{}, err
	}
	return testSock{fd: l}, testSock{fd: r}, nil
}
