// Package session owns session state and the agent loop that drives each
// turn: model calls, tool invocations through the gateway, and the ordered
// event trail consumers follow.
package session

import (
	"sync"
	"time"

	"github.com/coveworks/cove/internal/llm"
	v1 "github.com/coveworks/cove/pkg/api/v1"
)

// Session is one user conversation bound to at most one sandbox.
type Session struct {
	ID              string
	UserID          string
	ConversationRef string
	CreatedAt       time.Time

	mu             sync.Mutex
	status         v1.SessionStatus
	sandboxID      string
	lastActivityAt time.Time
	turnInFlight   bool
	interrupted    bool // set when the current turn was interrupted
	conversation   []llm.Message
}

// Snapshot returns the wire representation of the session.
func (s *Session) Snapshot() *v1.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := &v1.Session{
		ID:              s.ID,
		UserID:          s.UserID,
		ConversationRef: s.ConversationRef,
		Status:          s.status,
		CreatedAt:       s.CreatedAt,
		LastActivityAt:  s.lastActivityAt,
	}
	if s.sandboxID != "" {
		id := s.sandboxID
		out.SandboxID = &id
	}
	return out
}

// Status returns the current session status.
func (s *Session) Status() v1.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// beginTurn marks a turn in flight. Returns false when one already is or the
// session is terminal. The first turn moves a pending session to active.
func (s *Session) beginTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnInFlight || s.status.Terminal() {
		return false
	}
	if s.status == v1.SessionStatusPending {
		s.status = v1.SessionStatusActive
	}
	s.turnInFlight = true
	s.interrupted = false
	s.lastActivityAt = time.Now()
	return true
}

// endTurn clears the in-flight marker and settles the post-turn status.
func (s *Session) endTurn() v1.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnInFlight = false
	s.lastActivityAt = time.Now()
	if s.status.Terminal() {
		return s.status
	}
	if s.interrupted {
		s.status = v1.SessionStatusInterrupted
	} else {
		s.status = v1.SessionStatusActive
	}
	return s.status
}

// setStatus transitions the session status unless it is already terminal.
// Returns false when the transition was refused.
func (s *Session) setStatus(status v1.SessionStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.status = status
	s.lastActivityAt = time.Now()
	return true
}

// markInterrupted notes that the current turn was interrupted.
func (s *Session) markInterrupted() {
	s.mu.Lock()
	s.interrupted = true
	s.mu.Unlock()
}

// isInterrupted reports whether the current turn was interrupted. The agent
// loop consults this at every scheduling point.
func (s *Session) isInterrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

// bindSandbox records the sandbox owned by this session.
func (s *Session) bindSandbox(sandboxID string) {
	s.mu.Lock()
	s.sandboxID = sandboxID
	s.mu.Unlock()
}

// append adds messages to the conversation history.
func (s *Session) append(msgs ...llm.Message) {
	s.mu.Lock()
	s.conversation = append(s.conversation, msgs...)
	s.mu.Unlock()
}

// history returns a copy of the conversation for a model call.
func (s *Session) history() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Message(nil), s.conversation...)
}
