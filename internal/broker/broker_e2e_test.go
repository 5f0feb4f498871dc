//go:build linux

package broker

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelrt/dbgbroker/internal/brokerlog"
	"github.com/kestrelrt/dbgbroker/internal/sysfd"
	"golang.org/x/sys/unix"
)

// fakeHost stands in for the managed runtime: AttachWorkerThread is a
// no-op, and AttachAgentLibrary spawns a goroutine playing the agent,
// since in the real system the agent runs dlopen'd into this same
// process and the fd named in the load string is directly usable here.
//
// agentFn overrides which goroutine body plays the agent; it defaults to
// runFakeAgent when nil. attachCalls counts every AttachAgentLibrary call,
// so a test can assert the agent was loaded exactly once even across a
// ds-close/reconnect cycle that must not trigger a reload.
type fakeHost struct {
	agentDone   chan error
	agentFn     func(fd int) error
	attachCalls atomic.Int32
}

func (h *fakeHost) AttachWorkerThread(name string) (func(), error) {
	return func() {}, nil
}

func (h *fakeHost) AttachAgentLibrary(agentName, loadArg string) error {
	h.attachCalls.Add(1)
	fd, err := parseAddressFD(loadArg)
	if err != nil {
		return err
	}
	fn := h.agentFn
	if fn == nil {
		fn = runFakeAgent
	}
	go func() {
		h.agentDone <- fn(fd)
	}()
	return nil
}

func parseAddressFD(loadArg string) (int, error) {
	i := strings.LastIndex(loadArg, "address=")
	if i < 0 {
		return -1, fmt.Errorf("no address= in %q", loadArg)
	}
	return strconv.Atoi(loadArg[i+len("address="):])
}

// runFakeAgent plays the agent's side of the control channel: announce
// listening, receive the three-fd handoff, announce accept, then read one
// DDM packet header off the handed-off read fd and verify it decodes.
func runFakeAgent(fd int) error {
	if _, err := unix.Write(fd, []byte("ds-listen-start")); err != nil {
		return fmt.Errorf("write ds-listen-start: %w", err)
	}

	fds, err := recvAllFDs(fd)
	if err != nil {
		return fmt.Errorf("recv handoff: %w", err)
	}
	if len(fds) != 3 {
		return fmt.Errorf("got %d fds in handoff, want 3", len(fds))
	}
	readFD, writeFD, lockFD := fds[0], fds[1], fds[2]
	defer sysfd.CloseQuietly(readFD)
	defer sysfd.CloseQuietly(writeFD)
	defer sysfd.CloseQuietly(lockFD)

	if _, err := unix.Write(fd, []byte("ds-accept")); err != nil {
		return fmt.Errorf("write ds-accept: %w", err)
	}

	header := make([]byte, ddmHeaderSize)
	n, err := unix.Read(readFD, header)
	if err != nil {
		return fmt.Errorf("read ddm header: %w", err)
	}
	if n != ddmHeaderSize {
		return fmt.Errorf("short ddm header read: %d bytes", n)
	}
	if header[9] != ddmCommandSet || header[10] != ddmCommand {
		return fmt.Errorf("bad ddm header: %x", header)
	}
	return nil
}

// runFakeAgentAcrossReconnect plays the agent across two successive
// connection-fd handoffs on the same control channel: it accepts the first
// handoff, then immediately announces ds-close (as if the debugger session
// ended), signals proceed so the daemon can offer a second connection, and
// accepts that second handoff too — all without a second ds-listen-start,
// since the agent is never reloaded between them.
func runFakeAgentAcrossReconnect(fd int, proceed chan<- struct{}) error {
	if _, err := unix.Write(fd, []byte("ds-listen-start")); err != nil {
		return fmt.Errorf("write ds-listen-start: %w", err)
	}

	fds, err := recvAllFDs(fd)
	if err != nil {
		return fmt.Errorf("recv first handoff: %w", err)
	}
	if len(fds) != 3 {
		return fmt.Errorf("got %d fds in first handoff, want 3", len(fds))
	}
	for _, f := range fds {
		sysfd.CloseQuietly(f)
	}

	if _, err := unix.Write(fd, []byte("ds-accept")); err != nil {
		return fmt.Errorf("write ds-accept (first): %w", err)
	}
	if _, err := unix.Write(fd, []byte("ds-close")); err != nil {
		return fmt.Errorf("write ds-close: %w", err)
	}
	close(proceed)

	fds, err = recvAllFDs(fd)
	if err != nil {
		return fmt.Errorf("recv second handoff: %w", err)
	}
	if len(fds) != 3 {
		return fmt.Errorf("got %d fds in second handoff, want 3", len(fds))
	}
	for _, f := range fds {
		sysfd.CloseQuietly(f)
	}

	if _, err := unix.Write(fd, []byte("ds-accept")); err != nil {
		return fmt.Errorf("write ds-accept (second): %w", err)
	}
	return nil
}

// recvAllFDs reads one SCM_RIGHTS datagram and returns every descriptor it
// carried, unlike sysfd.RecvFD which is specialized to the broker's own
// single-fd daemon handoff and discards extras.
func recvAllFDs(sock int) ([]int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4*3))
	n, oobn, _, _, err := unix.Recvmsg(sock, buf, oob, 0)
	if err != nil {
		return nil, err
	}
	if n <= 0 || oobn == 0 {
		return nil, fmt.Errorf("no ancillary data")
	}
	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, err
	}
	var out []int
	for _, scm := range scms {
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		out = append(out, fds...)
	}
	return out, nil
}

// fakeDaemon listens on an AF_UNIX/SOCK_SEQPACKET path, accepts exactly one
// connection, reads the 4-byte PID handshake, and hands the broker one end
// of a stream socketpair representing the debugger's connection.
type fakeDaemon struct {
	ln         net.Listener
	debuggerFD int // kept open in the test process, the "debugger" side
	served     bool
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	path := filepath.Join(t.TempDir(), "daemon.sock")
	ln, err := net.Listen("unixpacket", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &fakeDaemon{ln: ln}
}

func (d *fakeDaemon) addr() string { return d.ln.Addr().String() }

// serveOne accepts the single expected connection, performs the handshake,
// and hands over one end of a freshly created connection-fd pair.
func (d *fakeDaemon) serveOne(t *testing.T) {
	t.Helper()
	conn, err := d.ln.Accept()
	if err != nil {
		t.Errorf("accept: %v", err)
		return
	}
	defer conn.Close()

	pidBuf := make([]byte, 4)
	if _, err := conn.Read(pidBuf); err != nil {
		t.Errorf("read pid handshake: %v", err)
		return
	}

	pair, debuggerFD, err := newConnectionFDPair()
	if err != nil {
		t.Errorf("newConnectionFDPair: %v", err)
		return
	}
	d.debuggerFD = debuggerFD
	d.served = true

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		t.Errorf("conn is not a *net.UnixConn")
		return
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		t.Errorf("SyscallConn: %v", err)
		return
	}
	var sendErr error
	if err := raw.Control(func(fd uintptr) {
		sendErr = sysfd.SendFDs(int(fd), []int{pair})
	}); err != nil {
		t.Errorf("Control: %v", err)
		return
	}
	if sendErr != nil {
		t.Errorf("SendFDs: %v", sendErr)
	}
}

// serveTwoOffers accepts the single expected control connection, completes
// the PID handshake, and then hands over two successive connection-fd
// pairs over that same connection — modeling a daemon that reuses one
// handshake across multiple debugger sessions (spec.md §8 scenario 5). The
// second offer is sent only after proceed is closed, so the caller can
// control exactly when it lands relative to the agent's ds-close.
func (d *fakeDaemon) serveTwoOffers(t *testing.T, proceed <-chan struct{}, testSides chan<- int) {
	t.Helper()
	conn, err := d.ln.Accept()
	if err != nil {
		t.Errorf("accept: %v", err)
		return
	}
	defer conn.Close()

	pidBuf := make([]byte, 4)
	if _, err := conn.Read(pidBuf); err != nil {
		t.Errorf("read pid handshake: %v", err)
		return
	}

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		t.Errorf("conn is not a *net.UnixConn")
		return
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		t.Errorf("SyscallConn: %v", err)
		return
	}

	sendOne := func() bool {
		brokerSide, testSide, err := newConnectionFDPair()
		if err != nil {
			t.Errorf("newConnectionFDPair: %v", err)
			return false
		}
		var sendErr error
		if err := raw.Control(func(fd uintptr) {
			sendErr = sysfd.SendFDs(int(fd), []int{brokerSide})
		}); err != nil {
			t.Errorf("Control: %v", err)
			return false
		}
		sysfd.CloseQuietly(brokerSide)
		if sendErr != nil {
			t.Errorf("SendFDs: %v", sendErr)
			return false
		}
		testSides <- testSide
		return true
	}

	if !sendOne() {
		return
	}
	<-proceed
	sendOne()
}

// newConnectionFDPair returns (brokerSideFD, testSideFD) of a stream
// socketpair standing in for the real debugger<->broker connection, which
// on Linux is itself an AF_UNIX socket.
func newConnectionFDPair() (brokerSide, testSide int, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

func TestBrokerHappyPathHandoffAndDDM(t *testing.T) {
	daemon := newFakeDaemon(t)
	defer daemon.ln.Close()

	host := &fakeHost{agentDone: make(chan error, 1)}
	dbg := debuggabilityStub{}

	cfg := Config{
		AgentName:        "libjdwp.so",
		JDWPOptions:      "server=y,suspend=n",
		DaemonSocketName: daemon.addr(),
		TrustedDaemonUID: uint32(os.Getuid()),
	}.WithDefaults()

	b := New(cfg, host, dbg, brokerlog.New(discard{}))

	go daemon.serveOne(t)

	if err := b.StartDebugger(); err != nil {
		t.Fatalf("StartDebugger: %v", err)
	}

	// Give the daemon time to hand over the connection fd, then wake the
	// agent-load path by sending debugger traffic on the test side of the
	// connection pair.
	time.Sleep(150 * time.Millisecond)
	if !daemon.served {
		t.Fatalf("daemon never captured a debugger-side fd")
	}
	if _, err := unix.Write(daemon.debuggerFD, []byte("JDWP-Handshake")); err != nil {
		t.Fatalf("write debugger handshake: %v", err)
	}

	select {
	case err := <-host.agentDone:
		if err != nil {
			t.Fatalf("fake agent: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for fake agent to observe handoff")
	}

	// Give handleAgentMessage's ds-accept processing a moment to land
	// before publishing DDM traffic, since PublishDDM races the agent's
	// own read of the header in runFakeAgent only incidentally — the real
	// ordering guarantee here is that performHandoff already completed.
	time.Sleep(50 * time.Millisecond)
	b.PublishDDM(0x48504950, []byte("payload"))

	b.StopDebugger()
	b.Wait()
}

// TestBrokerShutdownDuringReconnectBackoff verifies that StopDebugger
// unblocks a worker that is asleep inside the connect-retry backoff,
// rather than waiting out the full backoff window.
func TestBrokerShutdownDuringReconnectBackoff(t *testing.T) {
	cfg := Config{
		AgentName:        "libjdwp.so",
		JDWPOptions:      "server=y,suspend=n",
		DaemonSocketName: filepath.Join(t.TempDir(), "nobody-listening.sock"),
		TrustedDaemonUID: uint32(os.Getuid()),
		BackoffInitial:   5 * time.Second,
		BackoffMax:       5 * time.Second,
	}.WithDefaults()

	host := &fakeHost{agentDone: make(chan error, 1)}
	dbg := debuggabilityStub{}
	b := New(cfg, host, dbg, brokerlog.New(discard{}))

	if err := b.StartDebugger(); err != nil {
		t.Fatalf("StartDebugger: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	start := time.Now()
	b.StopDebugger()
	b.Wait()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("shutdown took %v, expected well under the 5s backoff window", elapsed)
	}
}

// TestBrokerAgentCloseThenFreshConnectionWithoutReload covers spec.md §8
// scenario 5: once the agent announces ds-close, a daemon that offers a
// fresh connection fd over the same control channel must be served without
// the agent library being reloaded.
func TestBrokerAgentCloseThenFreshConnectionWithoutReload(t *testing.T) {
	daemon := newFakeDaemon(t)
	defer daemon.ln.Close()

	proceed := make(chan struct{})
	testSides := make(chan int, 2)

	host := &fakeHost{
		agentDone: make(chan error, 1),
		agentFn: func(fd int) error {
			return runFakeAgentAcrossReconnect(fd, proceed)
		},
	}
	dbg := debuggabilityStub{}

	cfg := Config{
		AgentName:        "libjdwp.so",
		JDWPOptions:      "server=y,suspend=n",
		DaemonSocketName: daemon.addr(),
		TrustedDaemonUID: uint32(os.Getuid()),
	}.WithDefaults()

	b := New(cfg, host, dbg, brokerlog.New(discard{}))

	go daemon.serveTwoOffers(t, proceed, testSides)

	if err := b.StartDebugger(); err != nil {
		t.Fatalf("StartDebugger: %v", err)
	}

	var testSide1 int
	select {
	case testSide1 = <-testSides:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for first connection-fd offer")
	}

	if _, err := unix.Write(testSide1, []byte("JDWP-Handshake")); err != nil {
		t.Fatalf("write debugger handshake: %v", err)
	}

	select {
	case testSide2 := <-testSides:
		sysfd.CloseQuietly(testSide2)
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for second connection-fd offer")
	}

	select {
	case err := <-host.agentDone:
		if err != nil {
			t.Fatalf("fake agent: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for fake agent to finish")
	}

	if got := host.attachCalls.Load(); got != 1 {
		t.Fatalf("AttachAgentLibrary called %d times, want 1 (agent must not reload across ds-close)", got)
	}

	b.StopDebugger()
	b.Wait()
}

// TestBrokerReconnectsAfterDaemonHangup covers spec.md §8 scenario 4: the
// daemon closing the control connection mid-session, before ever offering a
// debugger fd, must drive the broker back through its reconnect loop rather
// than leaving it stuck, and the handshake must succeed again afterward.
func TestBrokerReconnectsAfterDaemonHangup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.sock")
	ln, err := net.Listen("unixpacket", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan struct{}, 2)
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			pidBuf := make([]byte, 4)
			conn.Read(pidBuf)
			accepted <- struct{}{}
			conn.Close()
		}
	}()

	host := &fakeHost{agentDone: make(chan error, 1)}
	dbg := debuggabilityStub{}
	cfg := Config{
		AgentName:        "libjdwp.so",
		JDWPOptions:      "server=y,suspend=n",
		DaemonSocketName: ln.Addr().String(),
		TrustedDaemonUID: uint32(os.Getuid()),
		BackoffInitial:   50 * time.Millisecond,
		BackoffMax:       50 * time.Millisecond,
	}.WithDefaults()

	b := New(cfg, host, dbg, brokerlog.New(discard{}))

	if err := b.StartDebugger(); err != nil {
		t.Fatalf("StartDebugger: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-accepted:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for handshake attempt %d", i+1)
		}
	}

	b.StopDebugger()
	b.Wait()
}

type debuggabilityStub struct{}

func (debuggabilityStub) IsDebuggable() bool { return true }
func (debuggabilityStub) JDWPAllowed() bool  { return true }

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
