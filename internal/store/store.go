// Package store is the persistence boundary of the orchestration core. The
// core does not own storage; it hands every state transition of sessions,
// sandboxes, and terminal tool invocations to a Recorder. Implementations
// exist for Postgres (durable), NATS JetStream KV (fast ephemeral cache),
// and memory (tests).
package store

import (
	"context"
	"time"

	v1 "github.com/coveworks/cove/pkg/api/v1"
)

// SessionRecord is the state-change record for a session.
type SessionRecord struct {
	ID              string
	UserID          string
	ConversationRef string
	Status          v1.SessionStatus
	SandboxID       string
	CreatedAt       time.Time
	LastActivityAt  time.Time
}

// SandboxRecord is the state-change record for a sandbox.
type SandboxRecord struct {
	ID          string
	SessionID   string
	ContainerID string
	Address     string
	Status      v1.SandboxStatus
	Deadline    time.Time
	CreatedAt   time.Time
}

// InvocationRecord is the terminal record of a tool invocation. Only
// finished invocations cross the persistence boundary.
type InvocationRecord struct {
	ID         string
	SessionID  string
	Kind       v1.ToolKind
	Status     v1.InvocationStatus
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Recorder receives state-change records. Implementations must be safe for
// concurrent use and must not block indefinitely; callers pass a context
// with a deadline.
type Recorder interface {
	RecordSession(ctx context.Context, rec *SessionRecord) error
	RecordSandbox(ctx context.Context, rec *SandboxRecord) error
	RecordInvocation(ctx context.Context, rec *InvocationRecord) error
	Close() error
}

// Multi fans records out to several recorders. Errors are collected; the
// first error is returned after all recorders were attempted, so a failing
// cache never starves the durable store (or vice versa).
type Multi struct {
	recorders []Recorder
}

// NewMulti creates a fan-out recorder.
func NewMulti(recorders ...Recorder) *Multi {
	return &Multi{recorders: recorders}
}

// RecordSession records to all recorders.
func (m *Multi) RecordSession(ctx context.Context, rec *SessionRecord) error {
	var first error
	for _, r := range m.recorders {
		if err := r.RecordSession(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// RecordSandbox records to all recorders.
func (m *Multi) RecordSandbox(ctx context.Context, rec *SandboxRecord) error {
	var first error
	for _, r := range m.recorders {
		if err := r.RecordSandbox(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// RecordInvocation records to all recorders.
func (m *Multi) RecordInvocation(ctx context.Context, rec *InvocationRecord) error {
	var first error
	for _, r := range m.recorders {
		if err := r.RecordInvocation(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close closes all recorders.
func (m *Multi) Close() error {
	var first error
	for _, r := range m.recorders {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
