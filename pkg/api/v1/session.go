// Package v1 defines the wire types shared between the orchestration core
// and its API consumers.
package v1

import (
	"encoding/json"
	"time"
)

// SessionStatus represents the status of a session.
type SessionStatus string

const (
	SessionStatusPending     SessionStatus = "pending"
	SessionStatusActive      SessionStatus = "active"
	SessionStatusRunningTool SessionStatus = "running-tool"
	SessionStatusInterrupted SessionStatus = "interrupted"
	SessionStatusCompleted   SessionStatus = "completed"
	SessionStatusExpired     SessionStatus = "expired"
	SessionStatusFailed      SessionStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusExpired, SessionStatusFailed:
		return true
	}
	return false
}

// SandboxStatus represents the status of a sandbox.
type SandboxStatus string

const (
	SandboxStatusProvisioning SandboxStatus = "provisioning"
	SandboxStatusReady        SandboxStatus = "ready"
	SandboxStatusBusy         SandboxStatus = "busy"
	SandboxStatusIdle         SandboxStatus = "idle"
	SandboxStatusExpiring     SandboxStatus = "expiring"
	SandboxStatusFailed       SandboxStatus = "failed"
	SandboxStatusDestroyed    SandboxStatus = "destroyed"
)

// ToolKind identifies one of the closed set of tool families the agent can
// invoke. The set is a deployment-time contract, not open-ended dispatch.
type ToolKind string

const (
	ToolKindTerminal    ToolKind = "terminal"
	ToolKindBrowser     ToolKind = "browser"
	ToolKindFile        ToolKind = "file"
	ToolKindWebSearch   ToolKind = "web-search"
	ToolKindExternalMCP ToolKind = "external-mcp"
)

// InvocationStatus represents the lifecycle state of a tool invocation.
type InvocationStatus string

const (
	InvocationStatusRunning     InvocationStatus = "running"
	InvocationStatusCompleted   InvocationStatus = "completed"
	InvocationStatusFailed      InvocationStatus = "failed"
	InvocationStatusTimedOut    InvocationStatus = "timed-out"
	InvocationStatusInterrupted InvocationStatus = "interrupted"
)

// EventKind identifies the kind of a session event.
type EventKind string

const (
	EventAgentMessage         EventKind = "agent-message"
	EventToolStarted          EventKind = "tool-started"
	EventToolOutputChunk      EventKind = "tool-output-chunk"
	EventToolCompleted        EventKind = "tool-completed"
	EventToolError            EventKind = "tool-error"
	EventSandboxStatusChanged EventKind = "sandbox-status-changed"
	EventSessionStatusChanged EventKind = "session-status-changed"
)

// Event is one ordered, appended fact about a session's progress. Sequence
// numbers are strictly increasing per session and gap-free from a
// subscriber's point of first subscription.
type Event struct {
	SessionID string          `json:"session_id"`
	Seq       uint64          `json:"seq"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Session is the wire representation of a session.
type Session struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id"`
	ConversationRef string        `json:"conversation_ref"`
	Status          SessionStatus `json:"status"`
	SandboxID       *string       `json:"sandbox_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	LastActivityAt  time.Time     `json:"last_activity_at"`
}

// Sandbox is the wire representation of a sandbox.
type Sandbox struct {
	ID          string        `json:"id"`
	ContainerID string        `json:"container_id"`
	Address     string        `json:"address"`
	Status      SandboxStatus `json:"status"`
	SessionID   string        `json:"session_id,omitempty"`
	Deadline    time.Time     `json:"deadline"`
	CreatedAt   time.Time     `json:"created_at"`
}

// ToolInvocation is the wire representation of one tool invocation.
type ToolInvocation struct {
	ID         string           `json:"id"`
	SessionID  string           `json:"session_id"`
	Kind       ToolKind         `json:"kind"`
	Status     InvocationStatus `json:"status"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// AgentMessagePayload is the payload of an agent-message event.
type AgentMessagePayload struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// ToolStartedPayload is the payload of a tool-started event.
type ToolStartedPayload struct {
	InvocationID string   `json:"invocation_id"`
	Kind         ToolKind `json:"kind"`
	Summary      string   `json:"summary,omitempty"`
}

// ToolOutputChunkPayload is the payload of a tool-output-chunk event.
type ToolOutputChunkPayload struct {
	InvocationID string `json:"invocation_id"`
	Stream       string `json:"stream,omitempty"` // stdout or stderr
	Data         string `json:"data"`
}

// ToolCompletedPayload is the payload of a tool-completed event.
type ToolCompletedPayload struct {
	InvocationID string `json:"invocation_id"`
	ExitCode     int    `json:"exit_code,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
}

// ToolErrorPayload is the payload of a tool-error event.
type ToolErrorPayload struct {
	InvocationID string `json:"invocation_id"`
	Code         string `json:"code"`
	Message      string `json:"message"`
}

// SandboxStatusPayload is the payload of a sandbox-status-changed event.
type SandboxStatusPayload struct {
	SandboxID string        `json:"sandbox_id"`
	Status    SandboxStatus `json:"status"`
	Reason    string        `json:"reason,omitempty"`
}

// SessionStatusPayload is the payload of a session-status-changed event.
type SessionStatusPayload struct {
	Status SessionStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
}
