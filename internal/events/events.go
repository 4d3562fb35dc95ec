// Package events defines the state-change record types published on the
// event bus. Every transition of a session, sandbox, or terminal tool
// invocation crosses the persistence boundary as one of these records.
package events

// Event type constants double as NATS subjects.
const (
	SessionCreated       = "cove.session.created"
	SessionStatusChanged = "cove.session.status_changed"
	SessionEnded         = "cove.session.ended"

	SandboxProvisioned   = "cove.sandbox.provisioned"
	SandboxStatusChanged = "cove.sandbox.status_changed"
	SandboxDestroyed     = "cove.sandbox.destroyed"

	InvocationFinished = "cove.invocation.finished"
)
