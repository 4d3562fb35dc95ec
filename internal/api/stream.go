package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coveworks/cove/internal/common/errors"
	"github.com/coveworks/cove/internal/common/logger"
	"github.com/coveworks/cove/internal/relay"
	"github.com/coveworks/cove/internal/stream"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin subscribers are expected; auth happens upstream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamHandler serves the session event stream and the interactive relay
// over WebSocket.
type StreamHandler struct {
	mux    *stream.Mux
	relay  *relay.Relay
	logger *logger.Logger
}

// NewStreamHandler creates a WebSocket handler.
func NewStreamHandler(mux *stream.Mux, r *relay.Relay, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		mux:    mux,
		relay:  r,
		logger: log.WithFields(zap.String("component", "ws")),
	}
}

// Events streams a session's ordered events. ?from_seq=N resumes from a
// retained sequence number; omitted or zero attaches live-only
// GET /api/v1/sessions/:sessionId/events
func (h *StreamHandler) Events(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var fromSeq uint64
	if raw := c.Query("from_seq"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			respondError(c, errors.BadRequest("from_seq must be a non-negative integer"))
			return
		}
		fromSeq = parsed
	}

	sub, err := h.mux.Subscribe(sessionID, fromSeq)
	if err != nil {
		respondError(c, err)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.mux.Unsubscribe(sub)
		h.logger.Error("websocket upgrade failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	go h.readLoop(ws, sessionID, sub)
	h.writeLoop(ws, sessionID, sub)
}

// writeLoop delivers subscription events until the stream or the socket ends.
func (h *StreamHandler) writeLoop(ws *websocket.Conn, sessionID string, sub *stream.Subscription) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case event, ok := <-sub.C():
			if !ok {
				// Stream ended: a clean close for terminal sessions, a policy
				// close for subscribers that fell behind.
				code := websocket.CloseNormalClosure
				reason := ""
				if err := sub.Err(); err != nil {
					code = websocket.ClosePolicyViolation
					reason = errors.Code(err)
				}
				ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
				ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, reason))
				return
			}

			ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteJSON(event); err != nil {
				h.mux.Unsubscribe(sub)
				h.logger.Debug("event write failed",
					zap.String("session_id", sessionID), zap.Error(err))
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.mux.Unsubscribe(sub)
				return
			}
		}
	}
}

// readLoop discards client frames and detects disconnects.
func (h *StreamHandler) readLoop(ws *websocket.Conn, sessionID string, sub *stream.Subscription) {
	ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			h.mux.Unsubscribe(sub)
			return
		}
	}
}

// Relay tunnels an interactive viewing connection into the session's sandbox
// GET /api/v1/sessions/:sessionId/relay
func (h *StreamHandler) Relay(c *gin.Context) {
	sessionID := c.Param("sessionId")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	if err := h.relay.Attach(sessionID, ws); err != nil {
		h.logger.Debug("relay attach failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}
