//go:build linux

package broker

import (
	"github.com/kestrelrt/dbgbroker/internal/sysfd"
	"golang.org/x/sys/unix"
)

// Poll slot indices, matching the table in spec.md §4.5.
const (
	slotWakeup = iota
	slotAgent
	slotDaemon
	slotConnection
	slotCount
)

// runWorker is the outer loop (spec.md §4.5): until shutting_down,
// establish control_fd and run the inner loop. The worker exits (and is
// never restarted in this process lifetime) the moment ensuring
// control_fd fails.
func (b *Broker) runWorker() {
	defer b.closeAll()

	for !b.shuttingDown.Load() {
		fd, err := b.connectToDaemon()
		if err != nil {
			if err != errShuttingDown {
				b.log.Errorf("pollloop", err, "giving up on control socket; worker exiting")
			}
			return
		}
		b.controlFD = fd

		b.innerLoop()

		if b.controlFD >= 0 {
			sysfd.CloseQuietly(b.controlFD)
			b.controlFD = -1
		}
	}
}

// innerLoop runs a level-triggered wait over four descriptors until
// shutting_down or control_fd is lost, dispatching per the priority order
// in spec.md §4.5: agent message, then daemon POLLIN, then daemon
// POLLRDHUP, then connection POLLIN, then a spurious/wakeup wake.
func (b *Broker) innerLoop() {
	for {
		if b.shuttingDown.Load() {
			return
		}

		pfds := b.buildPollSet()
		if err := pollIndefinite(pfds); err != nil {
			b.log.Warnf("pollloop", err, "poll failed")
			continue
		}

		switch {
		case ready(pfds[slotAgent], unix.POLLIN):
			b.handleAgentMessage()

		case ready(pfds[slotDaemon], unix.POLLIN):
			if !b.handleControlReadable() {
				return
			}

		case ready(pfds[slotDaemon], unix.POLLRDHUP):
			b.handleControlHangup()
			return

		case ready(pfds[slotConnection], unix.POLLIN):
			b.handleConnectionBeforeAgent()

		default:
			if ready(pfds[slotWakeup], unix.POLLIN) {
				_ = b.wakeup.drain()
			}
		}
	}
}

func ready(pfd unix.PollFd, events int16) bool {
	return pfd.Fd >= 0 && pfd.Revents&events != 0
}

// buildPollSet constructs the four-descriptor poll array, excluding a
// slot (Fd = -1) when its inclusion condition in spec.md §4.5's table
// does not hold.
func (b *Broker) buildPollSet() []unix.PollFd {
	conn := b.connectionFD.Load()

	agentFD := int32(-1)
	if b.agentLoaded {
		agentFD = int32(b.agentLocalFD)
	}

	daemonFD := int32(-1)
	if conn < 0 {
		daemonFD = int32(b.controlFD)
	}

	connFD := int32(-1)
	if !b.agentHasSocket && !b.sentAgentFds {
		connFD = conn
	}

	return []unix.PollFd{
		slotWakeup:     {Fd: int32(b.wakeup.fd), Events: unix.POLLIN},
		slotAgent:      {Fd: agentFD, Events: unix.POLLIN},
		slotDaemon:     {Fd: daemonFD, Events: unix.POLLIN | unix.POLLRDHUP},
		slotConnection: {Fd: connFD, Events: unix.POLLIN},
	}
}

// pollIndefinite waits forever, transparently retrying on EINTR.
func pollIndefinite(pfds []unix.PollFd) error {
	for {
		_, err := unix.Poll(pfds, -1)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// handleControlReadable implements spec.md §4.5 step 2: receive one FD
// from the daemon under the write interlock, adopt it if no connection is
// currently held (otherwise close the second debugger immediately), then
// — outside the interlock — perform the handoff if conditions hold.
// Returns false if the daemon connection was lost and the inner loop
// should break back to the outer reconnect loop.
func (b *Broker) handleControlReadable() bool {
	var recvErr error

	lockErr := b.lock.With(func() error {
		fd, err := sysfd.RecvFD(b.controlFD)
		if err != nil {
			recvErr = err
			return nil
		}
		if b.connectionFD.Load() >= 0 {
			// Invariant 4: at most one connection_fd is held. The
			// second offer is accepted then closed immediately.
			sysfd.CloseQuietly(fd)
			return nil
		}
		b.connectionFD.Store(int32(fd))
		return nil
	})
	if lockErr != nil {
		b.log.Errorf("pollloop", lockErr, "write interlock acquisition failed")
		return false
	}
	if recvErr != nil {
		b.log.Warnf("pollloop", recvErr, "receiving fd from daemon failed")
		return false
	}

	if b.agentLoaded && b.agentListening {
		b.performHandoff()
	}
	return true
}

// handleControlHangup implements spec.md §4.5 step 3. The DCHECK that
// agent_has_socket is false here documents an assumption the original
// source treats as unreachable (spec.md §9's open question); rather than
// crash if it is ever violated in the field, this logs and continues.
func (b *Broker) handleControlHangup() {
	if b.agentHasSocket {
		b.log.Warnf("pollloop", nil, "daemon hangup observed while agent holds the connection (unexpected)")
	}
	if b.controlFD >= 0 {
		sysfd.CloseQuietly(b.controlFD)
		b.controlFD = -1
	}
}

// handleConnectionBeforeAgent implements spec.md §4.5 step 4: the
// debugger is talking before the agent owns the socket. Load the agent
// on first sight of this; if it is already loaded and listening but has
// not been handed FDs yet, re-send them.
func (b *Broker) handleConnectionBeforeAgent() {
	if !b.agentLoaded {
		if err := b.loadAgent(); err != nil {
			// spec.md §7: failure to load the agent is logged with its
			// diagnostic and ends the worker; a later restart is not
			// possible in this process lifetime.
			b.log.Errorf("pollloop", err, "agent load failed; worker exiting")
			b.shuttingDown.Store(true)
			return
		}
		b.agentLoaded = true
		return
	}
	if b.agentListening && !b.agentHasSocket && !b.sentAgentFds {
		b.performHandoff()
	}
}

// loadAgent attaches the agent shared library using the runtime's
// "attach agent" API, per spec.md §4.5 and §6.
func (b *Broker) loadAgent() error {
	loadArg := buildAgentLoadString(b.cfg.AgentName, b.cfg.JDWPOptions, b.agentRemoteFD)
	return b.host.AttachAgentLibrary(b.cfg.AgentName, loadArg)
}
