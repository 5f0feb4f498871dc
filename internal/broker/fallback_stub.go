//go:build !linux

// Package broker implements the debug-bridge broker's connection state
// machine and FD-passing protocol. The real implementation is Linux-only
// (eventfd, AF_UNIX SOCK_SEQPACKET, SCM_RIGHTS); this file lets the package
// and its callers still build elsewhere, the same way collector has a
// fallback_stub.go alongside its linux-only tree.
package broker

import (
	"time"

	"github.com/kestrelrt/dbgbroker/internal/brokerlog"
	"github.com/kestrelrt/dbgbroker/internal/sysfd"
)

type Config struct {
	AgentName          string
	JDWPOptions        string
	DaemonSocketName   string
	TrustedDaemonUID   uint32
	WorkerThreadName   string
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	ControlSendTimeout time.Duration
	AgentRecvBufSize   int
}

func (cfg Config) WithDefaults() Config { return cfg }

type RuntimeHost interface {
	AttachAgentLibrary(agentName, loadArg string) error
	AttachWorkerThread(name string) (detach func(), err error)
}

type DebuggabilityChecker interface {
	IsDebuggable() bool
	JDWPAllowed() bool
}

// Broker is an inert placeholder on non-Linux platforms: StartDebugger
// reports sysfd.ErrLinuxOnly, IsDebuggerConfigured reports false, and the
// other methods do nothing.
type Broker struct{}

func New(cfg Config, host RuntimeHost, dbg DebuggabilityChecker, log *brokerlog.Logger) *Broker {
	return &Broker{}
}

func (b *Broker) IsDebuggerConfigured() bool { return false }

func (b *Broker) StartDebugger() error { return sysfd.ErrLinuxOnly }

func (b *Broker) StopDebugger() {}

func (b *Broker) Wait() {}

func (b *Broker) PublishDDM(typ uint32, data []byte) {}

func Init(cfg Config, host RuntimeHost, dbg DebuggabilityChecker, log *brokerlog.Logger) (*Broker, error) {
	return &Broker{}, nil
}

func Deinit(b *Broker) {}
