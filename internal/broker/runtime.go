package broker

// RuntimeHost is the small capability surface spec.md §1 and §9 carve out
// as "external collaborators": the host runtime's lifecycle hooks, agent
// loader, and debuggability check. It is split into two single-method-ish
// capability sets the way collector/common.Collector and
// collector/common.TargetSetter are split in the teacher, rather than one
// fat interface.
type RuntimeHost interface {
	// AttachAgentLibrary loads the agent shared library named by
	// agentName with loadArg as its JVMTI-style options string. A
	// non-nil error must embed the agent's own diagnostic (spec.md §7:
	// "logged with the agent's diagnostic, the exception is cleared").
	AttachAgentLibrary(agentName, loadArg string) error

	// AttachWorkerThread attaches the calling OS thread to the managed
	// runtime under name, so that if the agent calls back into the
	// runtime it observes a valid thread context (spec.md §4.7). The
	// returned detach function must be called exactly once, when the
	// worker exits.
	AttachWorkerThread(name string) (detach func(), err error)
}

// DebuggabilityChecker reports whether the runtime currently allows a
// debugger session, split out from RuntimeHost because it is consulted
// before any worker exists (IsDebuggerConfigured, spec.md §6) and has no
// dependency on thread attachment.
type DebuggabilityChecker interface {
	// IsDebuggable reports whether the process is marked debuggable.
	IsDebuggable() bool
	// JDWPAllowed reports whether JDWP options have been configured
	// (non-empty), mirroring IsJdwpAllowed in the original source.
	JDWPAllowed() bool
}
