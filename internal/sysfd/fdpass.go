//go:build linux

package sysfd

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// NewSeqpacketSocketpair creates a close-on-exec AF_UNIX/SOCK_SEQPACKET
// socketpair, retrying once on EINTR (the only failure this call can
// recover from locally; anything else is a fatal invariant violation per
// spec.md §7).
func NewSeqpacketSocketpair() (local, remote int, err error) {
	var fds [2]int
	for attempt := 0; attempt < 2; attempt++ {
		fds, err = unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
		if err == nil {
			return fds[0], fds[1], nil
		}
		if err != unix.EINTR {
			break
		}
	}
	return -1, -1, fmt.Errorf("socketpair: %w", err)
}

// NewSeqpacketSocket creates a close-on-exec AF_UNIX/SOCK_SEQPACKET socket
// suitable for connect(2)-ing to the host daemon's control address.
func NewSeqpacketSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	return fd, nil
}

// SetSendTimeout installs SO_SNDTIMEO on fd.
func SetSendTimeout(fd int, d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
		return fmt.Errorf("setsockopt SO_SNDTIMEO: %w", err)
	}
	return nil
}

// PeerCred is the trust-relevant subset of the kernel's SO_PEERCRED
// credential for a UNIX-domain socket's connected peer.
type PeerCred struct {
	PID int32
	UID uint32
	GID uint32
}

// GetPeerCred reads SO_PEERCRED for fd, grounded on the same
// GetsockoptUcred call the teacher's control-socket peer check uses.
func GetPeerCred(fd int) (PeerCred, error) {
	ucred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return PeerCred{}, fmt.Errorf("getsockopt SO_PEERCRED: %w", err)
	}
	return PeerCred{PID: ucred.Pid, UID: ucred.Uid, GID: ucred.Gid}, nil
}

// SendFDs sends a single MSG_EOR datagram with a one-byte dummy payload and
// ancillary SCM_RIGHTS data carrying fds, in order, on sock.
func SendFDs(sock int, fds []int) error {
	rights := unix.UnixRights(fds...)
	dummy := []byte{'!'}
	if err := unix.Sendmsg(sock, dummy, rights, nil, unix.MSG_EOR); err != nil {
		return fmt.Errorf("sendmsg SCM_RIGHTS: %w", err)
	}
	return nil
}

// RecvFD receives a single file descriptor via SCM_RIGHTS ancillary data on
// sock, discarding the one-byte payload. It returns a non-nil error if the
// recvmsg call itself failed or returned no data (daemon hangup); a
// successful recvmsg that carries no rights is reported as a distinct
// error so the caller can tell the two apart.
func RecvFD(sock int) (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := unix.Recvmsg(sock, buf, oob, 0)
	if err != nil {
		return -1, fmt.Errorf("recvmsg: %w", err)
	}
	if n <= 0 {
		return -1, fmt.Errorf("recvmsg: peer closed")
	}
	if oobn == 0 {
		return -1, fmt.Errorf("recvmsg: no ancillary data")
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, fmt.Errorf("parse control message: %w", err)
	}
	for _, scm := range scms {
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		if len(fds) == 0 {
			continue
		}
		// Close any extras; the protocol only ever sends one.
		for _, extra := range fds[1:] {
			_ = unix.Close(extra)
		}
		return fds[0], nil
	}
	return -1, fmt.Errorf("recvmsg: no SCM_RIGHTS in ancillary data")
}
