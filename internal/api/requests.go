// Package api provides the HTTP and WebSocket surface of the orchestration
// core.
package api

import (
	v1 "github.com/coveworks/cove/pkg/api/v1"
)

// CreateSessionRequest for creating a session.
type CreateSessionRequest struct {
	UserID          string `json:"user_id" binding:"required"`
	ConversationRef string `json:"conversation_ref,omitempty"`
}

// SubmitTurnRequest for submitting a user turn.
type SubmitTurnRequest struct {
	Text string `json:"text" binding:"required"`
}

// SessionsListResponse for listing sessions.
type SessionsListResponse struct {
	Sessions []*v1.Session `json:"sessions"`
	Total    int           `json:"total"`
}

// TurnAcceptedResponse acknowledges an accepted turn; progress is delivered
// on the session's event stream.
type TurnAcceptedResponse struct {
	SessionID string `json:"session_id"`
	Accepted  bool   `json:"accepted"`
}
