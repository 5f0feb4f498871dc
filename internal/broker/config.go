// Package broker implements the debug-bridge broker's connection state
// machine and FD-passing protocol: an eventfd-based write interlock, a
// seqpacket control channel to a host debug daemon, a seqpacket control
// channel to an in-process debug agent, and the poll loop that drives
// every transition between them.
package broker

import "time"

// Config is the broker's static configuration, populated by the embedder
// the way the teacher's daemon takes configuration from flag.FlagSet plus
// one environment override (see cmd/dbgbrokerd).
type Config struct {
	// AgentName identifies the agent shared-library path/name embedded in
	// the load string (spec.md §6).
	AgentName string

	// JDWPOptions is the agent options string forwarded verbatim ahead of
	// "transport=fd_forward,address=...".
	JDWPOptions string

	// DaemonSocketName is the control-socket address connect(2) targets.
	// A name beginning with "@" addresses the Linux abstract namespace;
	// the real production daemon's exact byte sequence is a platform
	// convention this package does not hardcode (spec.md §6).
	DaemonSocketName string

	// TrustedDaemonUID is the UID the SO_PEERCRED check in the
	// control-socket client must see on the connecting peer. Defaults to
	// 0 (root) when unset, the common case for a privileged host daemon.
	TrustedDaemonUID uint32

	// WorkerThreadName is the name the worker OS thread is attached to
	// the managed runtime under (spec.md §4.7).
	WorkerThreadName string

	// BackoffInitial and BackoffMax bound the control-socket reconnect
	// back-off (spec.md §4.2): starts at BackoffInitial, multiplies by
	// 1.5 per failure, capped at BackoffMax.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// ControlSendTimeout bounds the PID send on a freshly connected
	// control socket (spec.md §4.2: SO_SNDTIMEO = 10s).
	ControlSendTimeout time.Duration

	// AgentRecvBufSize bounds a single read from the agent control
	// channel (spec.md §4.5: "read up to 256 bytes").
	AgentRecvBufSize int
}

// WithDefaults returns a copy of cfg with the zero-valued fields filled in
// to match the bounds spec.md §4.2 and §4.5 specify.
func (cfg Config) WithDefaults() Config {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2000 * time.Millisecond
	}
	if cfg.ControlSendTimeout <= 0 {
		cfg.ControlSendTimeout = 10 * time.Second
	}
	if cfg.AgentRecvBufSize <= 0 {
		cfg.AgentRecvBufSize = 256
	}
	if cfg.WorkerThreadName == "" {
		cfg.WorkerThreadName = "JDWP Debug Broker"
	}
	return cfg
}

const backoffMultiplier = 1.5

func nextBackoff(cur, max time.Duration) time.Duration {
	next := time.Duration(float64(cur) * backoffMultiplier)
	if next > max {
		return max
	}
	if next < cur {
		// Guard against float rounding making no forward progress.
		return max
	}
	return next
}
