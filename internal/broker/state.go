//go:build linux

package broker

import (
	"sync"
	"sync/atomic"

	"github.com/kestrelrt/dbgbroker/internal/brokerlog"
	"github.com/kestrelrt/dbgbroker/internal/sysfd"
)

// Broker is the process-wide debug-bridge state (spec.md §3). It is
// created by the lifecycle harness at runtime-plugin init and destroyed
// at runtime teardown; between those two points it is driven by exactly
// one worker goroutine running the poll loop, plus however many runtime
// threads call PublishDDM concurrently.
//
// The poll-loop-owned fields at the end are touched only by the worker
// goroutine. connectionFD and shuttingDown use atomics
// because DDM publishers (PublishDDM, ddm.go) and the lifecycle harness
// (StopDebugger) observe them from arbitrary goroutines — connectionFD
// under the write interlock, shuttingDown without any lock, per spec.md
// §5.
type Broker struct {
	cfg  Config
	host RuntimeHost
	dbg  DebuggabilityChecker
	log  *brokerlog.Logger

	wakeup *wakeupChannel
	lock   *writeInterlock

	agentLocalFD  int
	agentRemoteFD int

	shuttingDown atomic.Bool
	connectionFD atomic.Int32 // -1 when absent
	ddmSeq       atomic.Uint32

	startOnce  sync.Once
	stopOnce   sync.Once
	workerDone chan struct{}

	// poll-loop-owned state (spec.md §3, §4.5); never touched from any
	// other goroutine.
	controlFD      int
	agentLoaded    bool
	agentListening bool
	agentHasSocket bool
	sentAgentFds   bool
}

// New constructs a Broker. It performs no I/O and spawns no goroutine;
// call StartDebugger once the runtime has decided the process is
// debuggable.
func New(cfg Config, host RuntimeHost, dbg DebuggabilityChecker, log *brokerlog.Logger) *Broker {
	b := &Broker{
		cfg:  cfg.WithDefaults(),
		host: host,
		dbg:  dbg,
		log:  log,
	}
	b.connectionFD.Store(-1)
	b.controlFD = -1
	return b
}

// IsDebuggerConfigured reports whether the runtime is debuggable and has
// non-empty JDWP options configured (spec.md §6).
func (b *Broker) IsDebuggerConfigured() bool {
	return b.dbg.IsDebuggable() && b.dbg.JDWPAllowed() && b.cfg.JDWPOptions != ""
}

// StartDebugger creates the broker's file descriptors and spawns the
// worker thread (spec.md §4.7). It is safe to call more than once; only
// the first call has effect. A non-nil error indicates a fatal invariant
// violation (spec.md §7 class 3): eventfd/socketpair creation failure, or
// inability to attach the worker to the managed runtime. These signal a
// misconfigured host and abort the broker start; they never terminate
// the process.
func (b *Broker) StartDebugger() error {
	var startErr error
	b.startOnce.Do(func() {
		startErr = b.start()
	})
	return startErr
}

func (b *Broker) start() error {
	wakeup, err := newWakeupChannel()
	if err != nil {
		return err
	}
	lock, err := newWriteInterlock()
	if err != nil {
		wakeup.close()
		return err
	}
	local, remote, err := sysfd.NewSeqpacketSocketpair()
	if err != nil {
		wakeup.close()
		lock.close()
		return err
	}

	detach, err := b.host.AttachWorkerThread(b.cfg.WorkerThreadName)
	if err != nil {
		wakeup.close()
		lock.close()
		sysfd.CloseQuietly(local)
		sysfd.CloseQuietly(remote)
		return err
	}

	b.wakeup = wakeup
	b.lock = lock
	b.agentLocalFD = local
	b.agentRemoteFD = remote
	b.workerDone = make(chan struct{})

	go func() {
		defer detach()
		defer close(b.workerDone)
		b.runWorker()
	}()
	return nil
}

// StopDebugger signals shutdown and unblocks the poll loop (spec.md §4.6,
// §6). If the worker was never started it only sets shutting_down, so a
// later StartDebugger spawns a worker that exits at once. It is safe to
// call more than once.
func (b *Broker) StopDebugger() {
	b.stopOnce.Do(func() {
		b.shuttingDown.Store(true)
		if b.wakeup != nil {
			_ = b.wakeup.signal()
		}
	})
}

// Wait blocks until the worker goroutine has exited. It is intended for
// tests and the demonstration harness; the production embedding never
// needs to join the worker explicitly.
func (b *Broker) Wait() {
	if b.workerDone != nil {
		<-b.workerDone
	}
}

// closeAll releases every fd slot (spec.md §5's ownership rule: each fd
// has exactly one owning slot in Broker, closed on teardown of that
// slot). Called once the worker has exited.
func (b *Broker) closeAll() {
	if b.wakeup != nil {
		b.wakeup.close()
	}
	if b.lock != nil {
		b.lock.close()
	}
	sysfd.CloseQuietly(b.agentLocalFD)
	sysfd.CloseQuietly(b.agentRemoteFD)
	if fd := b.connectionFD.Swap(-1); fd >= 0 {
		sysfd.CloseQuietly(int(fd))
	}
	if b.controlFD >= 0 {
		sysfd.CloseQuietly(b.controlFD)
		b.controlFD = -1
	}
}
