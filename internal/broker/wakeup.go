//go:build linux

package broker

import "github.com/kestrelrt/dbgbroker/internal/sysfd"

// wakeupChannel is the eventfd the shutdown path writes to unblock the
// poll loop (spec.md §4.6). Its counter value carries no meaning; the
// poll loop only cares that POLLIN fired.
type wakeupChannel struct {
	fd int
}

func newWakeupChannel() (*wakeupChannel, error) {
	fd, err := sysfd.NewEventfd(sysfd.EventfdLocked)
	if err != nil {
		return nil, err
	}
	return &wakeupChannel{fd: fd}, nil
}

func (w *wakeupChannel) signal() error {
	return sysfd.EventfdWrite(w.fd, 1)
}

// drain performs the read that clears POLLIN on the wakeup eventfd. The
// value read is discarded; only the side effect of unblocking poll
// matters (spec.md §4.6).
func (w *wakeupChannel) drain() error {
	_, err := sysfd.EventfdRead(w.fd)
	return err
}

func (w *wakeupChannel) close() {
	sysfd.CloseQuietly(w.fd)
}
