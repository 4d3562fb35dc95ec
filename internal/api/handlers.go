package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coveworks/cove/internal/common/errors"
	"github.com/coveworks/cove/internal/common/logger"
	"github.com/coveworks/cove/internal/sandbox/lifecycle"
	v1 "github.com/coveworks/cove/pkg/api/v1"
)

// SessionService is the orchestrator surface the handlers call.
type SessionService interface {
	CreateSession(ctx context.Context, userID, conversationRef string) (*v1.Session, error)
	GetSession(sessionID string) (*v1.Session, error)
	ListSessions() []*v1.Session
	SubmitTurn(ctx context.Context, sessionID, text string) error
	Interrupt(sessionID string) error
	EndSession(ctx context.Context, sessionID string) error
}

// SandboxReader resolves a session to its live sandbox.
type SandboxReader interface {
	Get(sessionID string) (*lifecycle.Sandbox, bool)
}

// Handler contains HTTP handlers for the session API.
type Handler struct {
	sessions  SessionService
	sandboxes SandboxReader
	logger    *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(sessions SessionService, sandboxes SandboxReader, log *logger.Logger) *Handler {
	return &Handler{
		sessions:  sessions,
		sandboxes: sandboxes,
		logger:    log,
	}
}

// respondError writes an application error, using its code for the body and
// its mapped HTTP status.
func respondError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if e, ok := err.(*errors.AppError); ok {
		appErr = e
	} else {
		appErr = errors.InternalError("request failed", err)
	}
	c.JSON(appErr.HTTPStatus, gin.H{
		"error": gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
		},
	})
}

// CreateSession creates a new session
// POST /api/v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	session, err := h.sessions.CreateSession(c.Request.Context(), req.UserID, req.ConversationRef)
	if err != nil {
		h.logger.Error("failed to create session", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, session)
}

// ListSessions returns all sessions
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions := h.sessions.ListSessions()
	c.JSON(http.StatusOK, SessionsListResponse{
		Sessions: sessions,
		Total:    len(sessions),
	})
}

// GetSession retrieves a session by ID
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		respondError(c, errors.BadRequest("sessionId is required"))
		return
	}

	session, err := h.sessions.GetSession(sessionID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// SubmitTurn submits a user turn; the agent loop runs in the background and
// progress is delivered on the session's event stream
// POST /api/v1/sessions/:sessionId/turns
func (h *Handler) SubmitTurn(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		respondError(c, errors.BadRequest("sessionId is required"))
		return
	}

	var req SubmitTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	if err := h.sessions.SubmitTurn(c.Request.Context(), sessionID, req.Text); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, TurnAcceptedResponse{SessionID: sessionID, Accepted: true})
}

// Interrupt cancels the session's in-flight tool invocation
// POST /api/v1/sessions/:sessionId/interrupt
func (h *Handler) Interrupt(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		respondError(c, errors.BadRequest("sessionId is required"))
		return
	}

	if err := h.sessions.Interrupt(sessionID); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusAccepted)
}

// EndSession terminates a session
// DELETE /api/v1/sessions/:sessionId
func (h *Handler) EndSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		respondError(c, errors.BadRequest("sessionId is required"))
		return
	}

	if err := h.sessions.EndSession(c.Request.Context(), sessionID); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// GetSandbox returns the session's live sandbox
// GET /api/v1/sessions/:sessionId/sandbox
func (h *Handler) GetSandbox(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		respondError(c, errors.BadRequest("sessionId is required"))
		return
	}

	sb, ok := h.sandboxes.Get(sessionID)
	if !ok {
		respondError(c, errors.NotFound("sandbox for session", sessionID))
		return
	}

	c.JSON(http.StatusOK, sb.Snapshot())
}

// Health reports service liveness
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
