//go:build linux

package broker

import (
	"bytes"
	"fmt"

	"github.com/kestrelrt/dbgbroker/internal/sysfd"
	"golang.org/x/sys/unix"
)

// The four agent->broker control tokens, opaque byte patterns owned by
// the agent's fd_forward transport library (spec.md §4.3, §6). The
// broker matches them by prefix, never full equality, since the wire
// format permits (though the broker never sends) trailing bytes after
// the literal token.
var (
	tokenListenStart = []byte("ds-listen-start")
	tokenListenEnd   = []byte("ds-listen-end")
	tokenAccept      = []byte("ds-accept")
	tokenClose       = []byte("ds-close")
)

// buildAgentLoadString constructs the agent load argument spec.md §6
// specifies: "<agent_name>=<jdwp_options>[,]transport=fd_forward,address=<fd>",
// with the comma present iff jdwp_options is non-empty.
func buildAgentLoadString(agentName, jdwpOptions string, remoteFD int) string {
	sep := ""
	if jdwpOptions != "" {
		sep = ","
	}
	return fmt.Sprintf("%s=%s%stransport=fd_forward,address=%d", agentName, jdwpOptions, sep, remoteFD)
}

// handleAgentMessage reads one datagram from the agent control channel
// and dispatches it per the table in spec.md §4.3.
func (b *Broker) handleAgentMessage() {
	buf := make([]byte, b.cfg.AgentRecvBufSize)
	n, err := unix.Read(b.agentLocalFD, buf)
	if err != nil {
		b.log.Warnf("agentchannel", err, "read from agent control channel failed")
		return
	}
	if n <= 0 {
		return
	}
	msg := buf[:n]

	switch {
	case bytes.HasPrefix(msg, tokenListenStart):
		b.agentListening = true
		if b.connectionFD.Load() >= 0 {
			b.performHandoff()
		}
	case bytes.HasPrefix(msg, tokenListenEnd):
		b.agentListening = false
	case bytes.HasPrefix(msg, tokenAccept):
		b.agentHasSocket = true
		b.sentAgentFds = false
	case bytes.HasPrefix(msg, tokenClose):
		b.teardownConnection()
		b.agentHasSocket = false
	default:
		b.log.Warnf("agentchannel", nil, "unrecognized agent message %q", msg)
	}
}

// performHandoff sends the broker->agent FD-handoff datagram: a one-byte
// payload with MSG_EOR carrying three dup'd descriptors in order
// {read-dup-of-connection, write-dup-of-connection, dup-of-write-lock}
// (spec.md §4.3, §6). It is a no-op unless the agent is loaded and
// listening, a connection is present, and FDs have not already been sent
// for the current session (spec.md §3 invariant 3).
func (b *Broker) performHandoff() {
	if b.sentAgentFds || !b.agentLoaded || !b.agentListening {
		return
	}
	connFD := b.connectionFD.Load()
	if connFD < 0 {
		return
	}

	readFD, err := sysfd.Dup(int(connFD))
	if err != nil {
		b.log.Errorf("agentchannel", err, "dup connection fd for read failed")
		return
	}
	defer sysfd.CloseQuietly(readFD)

	writeFD, err := sysfd.Dup(int(connFD))
	if err != nil {
		b.log.Errorf("agentchannel", err, "dup connection fd for write failed")
		return
	}
	defer sysfd.CloseQuietly(writeFD)

	lockFD, err := sysfd.Dup(b.lock.fd)
	if err != nil {
		b.log.Errorf("agentchannel", err, "dup write-lock fd failed")
		return
	}
	defer sysfd.CloseQuietly(lockFD)

	if err := sysfd.SendFDs(b.agentLocalFD, []int{readFD, writeFD, lockFD}); err != nil {
		b.log.Errorf("agentchannel", err, "sending fds to agent failed")
		return
	}
	b.sentAgentFds = true
}

// teardownConnection closes connection_fd, if any, while holding the
// write interlock (spec.md §3 invariant 2, §4.5 step 3).
func (b *Broker) teardownConnection() {
	_ = b.lock.With(func() error {
		fd := b.connectionFD.Swap(-1)
		if fd >= 0 {
			sysfd.CloseQuietly(int(fd))
		}
		return nil
	})
	b.sentAgentFds = false
}
