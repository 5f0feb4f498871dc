//go:build linux

package broker

import "github.com/kestrelrt/dbgbroker/internal/sysfd"

// writeInterlock is the eventfd-backed binary semaphore guarding every
// operation that observes or mutates connection_fd's writability: DDM
// emission, FD adoption, and FD teardown (spec.md §4.1, §5).
//
// An eventfd is used instead of a sync.Mutex because the lock must also
// be handed to the agent as a file descriptor (a dup rides along in the
// three-FD handoff) so the agent, once it owns the connection FD, can
// still coordinate writes with DDM producers running in this same
// process.
type writeInterlock struct {
	fd int
}

func newWriteInterlock() (*writeInterlock, error) {
	fd, err := sysfd.NewEventfd(sysfd.EventfdUnlocked)
	if err != nil {
		return nil, err
	}
	return &writeInterlock{fd: fd}, nil
}

// guard represents one scoped acquisition; Release must run on every exit
// path, success or failure, which is why every call site uses With rather
// than managing a guard by hand.
type guard struct {
	wi *writeInterlock
	v  uint64
}

func (wi *writeInterlock) acquire() (*guard, error) {
	v, err := sysfd.EventfdRead(wi.fd)
	if err != nil {
		return nil, err
	}
	return &guard{wi: wi, v: v}, nil
}

func (g *guard) release() error {
	return g.wi.release(g.v)
}

func (wi *writeInterlock) release(v uint64) error {
	return sysfd.EventfdWrite(wi.fd, v)
}

// With runs fn while holding the interlock, releasing it on every path —
// including a panic unwinding through fn, matching the "release on scope
// exit" discipline spec.md §4.1 and §9 require.
func (wi *writeInterlock) With(fn func() error) error {
	g, err := wi.acquire()
	if err != nil {
		return err
	}
	defer func() { _ = g.release() }()
	return fn()
}

func (wi *writeInterlock) close() {
	sysfd.CloseQuietly(wi.fd)
}
