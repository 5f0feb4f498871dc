//go:build linux

package broker

import "github.com/kestrelrt/dbgbroker/internal/brokerlog"

// This file wires the Broker's methods to the small set of entry points
// spec.md §6 names as the embedding surface: Init/Deinit at process
// lifecycle boundaries, StartDebugger/StopDebugger around the actual
// worker lifetime, and PublishDDM for runtime telemetry. State.go carries
// the implementations; this file is the seam a host binary (cmd/dbgbrokerd)
// or a managed runtime's native glue calls through.

// Init constructs a Broker and, if the runtime currently allows a debugger
// session, starts it. Callers that want to start unconditionally should
// use New and StartDebugger directly instead.
func Init(cfg Config, host RuntimeHost, dbg DebuggabilityChecker, log *brokerlog.Logger) (*Broker, error) {
	b := New(cfg, host, dbg, log)
	if !b.IsDebuggerConfigured() {
		return b, nil
	}
	if err := b.StartDebugger(); err != nil {
		return nil, err
	}
	return b, nil
}

// Deinit signals shutdown and blocks until the worker has fully exited and
// every descriptor has been released. It is safe to call on a Broker that
// was never started.
func Deinit(b *Broker) {
	b.StopDebugger()
	b.Wait()
}
