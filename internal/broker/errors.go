package broker

import "errors"

// errNoConnection is an internal sentinel used to distinguish "no
// debugger attached" (expected, logged at warn and dropped) from a real
// write failure (logged at error) inside the write-interlock closures.
// It never escapes the package.
var errNoConnection = errors.New("no debugger connection")

// errShuttingDown is returned by connectToDaemon when the broker observed
// shutting_down before (or instead of) establishing a control socket.
var errShuttingDown = errors.New("broker is shutting down")

// errPeerUntrusted is returned when the control socket's peer fails the
// SO_PEERCRED trust check; per spec.md §4.2 this aborts the connection
// attempt without retrying.
var errPeerUntrusted = errors.New("control socket peer failed trust check")
