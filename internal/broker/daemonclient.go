//go:build linux

package broker

import (
	"fmt"
	"time"

	"github.com/kestrelrt/dbgbroker/internal/sysfd"
	"golang.org/x/sys/unix"
)

// connectToDaemon implements spec.md §4.2: repeatedly connect(2) an
// AF_UNIX/SOCK_SEQPACKET socket to the daemon's control address, verify
// the peer's credentials, and send the process PID as four lowercase hex
// characters.
//
// A connect(2) failure backs off (500ms, ×1.5, capped at 2000ms) and
// retries unless shutting_down. A peer-trust failure or a PID-send
// failure aborts the attempt outright and returns an error for the
// caller (the outer loop) to act on — these are not retried locally.
func (b *Broker) connectToDaemon() (int, error) {
	backoff := b.cfg.BackoffInitial

	for {
		if b.shuttingDown.Load() {
			return -1, errShuttingDown
		}

		fd, err := sysfd.Connect(b.cfg.DaemonSocketName)
		if err != nil {
			b.log.Debugf("daemonclient", "connect attempt failed, backing off %s: %v", backoff, err)
			sleepBackoff(backoff, b.wakeup)
			backoff = nextBackoff(backoff, b.cfg.BackoffMax)
			continue
		}

		if err := b.verifyAndHandshake(fd); err != nil {
			sysfd.CloseQuietly(fd)
			return -1, err
		}
		return fd, nil
	}
}

func (b *Broker) verifyAndHandshake(fd int) error {
	cred, err := sysfd.GetPeerCred(fd)
	if err != nil {
		return fmt.Errorf("%w: %v", errPeerUntrusted, err)
	}
	if cred.UID != b.cfg.TrustedDaemonUID {
		return fmt.Errorf("%w: peer uid %d, want %d", errPeerUntrusted, cred.UID, b.cfg.TrustedDaemonUID)
	}

	if err := sysfd.SetSendTimeout(fd, b.cfg.ControlSendTimeout); err != nil {
		return err
	}
	if err := sendPID(fd); err != nil {
		return fmt.Errorf("send pid: %w", err)
	}
	return nil
}

// sendPID writes the process PID as a four-character lowercase hex
// string; the wire format imposes no terminator, only exactly
// sizeof(pid_t) bytes (spec.md §4.2, §6). A partial send is a fatal
// error for the connection attempt.
func sendPID(fd int) error {
	pid := unix.Getpid()
	// The original source formats into a sizeof(pid_t)+1 buffer with
	// snprintf("%04x", pid), which zero-pads short values and silently
	// truncates to the buffer's leading bytes for larger ones. Only the
	// first sizeof(pid_t) == 4 bytes are ever put on the wire.
	hex := fmt.Sprintf("%04x", pid)
	if len(hex) > 4 {
		hex = hex[:4]
	}
	wire := []byte(hex)

	n, err := unix.Write(fd, wire)
	if err != nil {
		return err
	}
	if n != len(wire) {
		return fmt.Errorf("short pid write: %d of %d bytes", n, len(wire))
	}
	return nil
}

// sleepBackoff waits for d, waking early (and returning immediately) if
// the wakeup channel fires so shutdown is not delayed by a long back-off.
func sleepBackoff(d time.Duration, w *wakeupChannel) {
	fd := w.fd
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(pfd, int(d.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if n > 0 && pfd[0].Revents&unix.POLLIN != 0 {
			// Leave the eventfd counter alone: the poll loop's own
			// drain (or a subsequent shutdown check) still needs to
			// observe it. We only peeked via level-triggered poll.
		}
		return
	}
}
