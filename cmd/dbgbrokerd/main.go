// Command dbgbrokerd is a standalone demonstration harness for the broker
// package: it stands in for the managed runtime a real embedder would
// provide (JVM/ART-style) with a trivial always-debuggable,
// always-succeeding RuntimeHost, so the broker's connection state machine
// can be exercised against a real daemon socket without any native glue.
// The stub host only logs agent load requests, so no agent ever answers
// on the agent control channel.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kestrelrt/dbgbroker/internal/broker"
	"github.com/kestrelrt/dbgbroker/internal/brokerlog"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	var sock string
	var agentName string
	var jdwpOpts string
	var trustedUID uint
	flag.StringVar(&sock, "sock", defaultSock(), "daemon control socket name (default: @dbgbroker; override: DBGBROKER_SOCK)")
	flag.StringVar(&agentName, "agent", "libjdwp.so", "agent shared library name embedded in the load string")
	flag.StringVar(&jdwpOpts, "jdwp-options", "server=y,suspend=n", "jdwp options forwarded to the agent")
	flag.UintVar(&trustedUID, "trusted-uid", uint(os.Getuid()), "uid the control socket peer must present")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log := brokerlog.New(os.Stderr)

	cfg := broker.Config{
		AgentName:        agentName,
		JDWPOptions:      jdwpOpts,
		DaemonSocketName: sock,
		TrustedDaemonUID: uint32(trustedUID),
	}

	host := &stubRuntimeHost{log: log}
	dbg := &stubDebuggabilityChecker{jdwpOptions: jdwpOpts}

	b, err := broker.Init(cfg, host, dbg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker init: %v\n", err)
		return 1
	}

	<-ctx.Done()
	broker.Deinit(b)
	return 0
}

func defaultSock() string {
	if v := os.Getenv("DBGBROKER_SOCK"); v != "" {
		return v
	}
	return "@dbgbroker"
}

// stubRuntimeHost is a trivial RuntimeHost: it accepts every agent load
// request and attaches the worker thread by doing nothing at all, since
// this harness has no native runtime to attach to.
type stubRuntimeHost struct {
	log *brokerlog.Logger
}

func (h *stubRuntimeHost) AttachAgentLibrary(agentName, loadArg string) error {
	h.log.Debugf("harness", "would load agent %q with %q", agentName, loadArg)
	return nil
}

func (h *stubRuntimeHost) AttachWorkerThread(name string) (func(), error) {
	h.log.Debugf("harness", "worker thread %q attached", name)
	return func() { h.log.Debugf("harness", "worker thread %q detached", name) }, nil
}

// stubDebuggabilityChecker always reports the process as debuggable, and
// reports JDWP as allowed whenever jdwp options were supplied on the
// command line.
type stubDebuggabilityChecker struct {
	jdwpOptions string
}

func (d *stubDebuggabilityChecker) IsDebuggable() bool { return true }
func (d *stubDebuggabilityChecker) JDWPAllowed() bool  { return d.jdwpOptions != "" }
