package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/coveworks/cove/internal/common/config"
	apperrors "github.com/coveworks/cove/internal/common/errors"
	"github.com/coveworks/cove/internal/common/logger"
	"github.com/coveworks/cove/internal/relay"
	"github.com/coveworks/cove/internal/sandbox/lifecycle"
	"github.com/coveworks/cove/internal/stream"
	v1 "github.com/coveworks/cove/pkg/api/v1"
)

type fakeSessionService struct {
	createFn    func(userID, conversationRef string) (*v1.Session, error)
	getFn       func(sessionID string) (*v1.Session, error)
	listFn      func() []*v1.Session
	submitFn    func(sessionID, text string) error
	interruptFn func(sessionID string) error
	endFn       func(sessionID string) error
}

func (f *fakeSessionService) CreateSession(ctx context.Context, userID, conversationRef string) (*v1.Session, error) {
	return f.createFn(userID, conversationRef)
}

func (f *fakeSessionService) GetSession(sessionID string) (*v1.Session, error) {
	return f.getFn(sessionID)
}

func (f *fakeSessionService) ListSessions() []*v1.Session {
	if f.listFn != nil {
		return f.listFn()
	}
	return nil
}

func (f *fakeSessionService) SubmitTurn(ctx context.Context, sessionID, text string) error {
	return f.submitFn(sessionID, text)
}

func (f *fakeSessionService) Interrupt(sessionID string) error {
	return f.interruptFn(sessionID)
}

func (f *fakeSessionService) EndSession(ctx context.Context, sessionID string) error {
	return f.endFn(sessionID)
}

type fakeSandboxReader struct {
	sandbox *lifecycle.Sandbox
}

func (f *fakeSandboxReader) Get(sessionID string) (*lifecycle.Sandbox, bool) {
	if f.sandbox == nil {
		return nil, false
	}
	return f.sandbox, true
}

func setupRouter(t *testing.T, svc SessionService, sandboxes SandboxReader, mux *stream.Mux) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewNop()

	router := gin.New()
	handler := NewHandler(svc, sandboxes, log)
	if mux == nil {
		mux = stream.NewMux(config.StreamConfig{HistoryLimit: 64, SubscriberBuffer: 16}, log)
	}
	ws := NewStreamHandler(mux, relay.NewRelay(&fakeSandboxReader{}, 5900, log), log)
	SetupRoutes(router, handler, ws)
	return router
}

func errorCode(t *testing.T, body *bytes.Buffer) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse error body %q: %v", body.String(), err)
	}
	return resp.Error.Code
}

func TestCreateSession(t *testing.T) {
	svc := &fakeSessionService{
		createFn: func(userID, conversationRef string) (*v1.Session, error) {
			return &v1.Session{ID: "sess-1", UserID: userID, Status: v1.SessionStatusActive}, nil
		},
	}
	router := setupRouter(t, svc, &fakeSandboxReader{}, nil)

	body := bytes.NewBufferString(`{"user_id": "user-1", "conversation_ref": "conv-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var session v1.Session
	if err := json.Unmarshal(w.Body.Bytes(), &session); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if session.ID != "sess-1" || session.UserID != "user-1" {
		t.Errorf("unexpected session %+v", session)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	router := setupRouter(t, &fakeSessionService{}, &fakeSandboxReader{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if code := errorCode(t, w.Body); code != apperrors.ErrCodeBadRequest {
		t.Errorf("expected BAD_REQUEST, got %s", code)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	svc := &fakeSessionService{
		getFn: func(sessionID string) (*v1.Session, error) {
			return nil, apperrors.NotFound("session", sessionID)
		},
	}
	router := setupRouter(t, svc, &fakeSandboxReader{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/missing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestSubmitTurnBusySession(t *testing.T) {
	svc := &fakeSessionService{
		submitFn: func(sessionID, text string) error {
			return apperrors.SessionBusy(sessionID)
		},
	}
	router := setupRouter(t, svc, &fakeSandboxReader{}, nil)

	body := bytes.NewBufferString(`{"text": "do the thing"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/sess-1/turns", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if code := errorCode(t, w.Body); code != apperrors.ErrCodeSessionBusy {
		t.Errorf("expected SESSION_BUSY, got %s", code)
	}
}

func TestSubmitTurnAccepted(t *testing.T) {
	var gotText string
	svc := &fakeSessionService{
		submitFn: func(sessionID, text string) error {
			gotText = text
			return nil
		},
	}
	router := setupRouter(t, svc, &fakeSandboxReader{}, nil)

	body := bytes.NewBufferString(`{"text": "run echo hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/sess-1/turns", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if gotText != "run echo hi" {
		t.Errorf("turn text not forwarded, got %q", gotText)
	}
}

func TestInterruptAndEndSession(t *testing.T) {
	var interrupted, ended bool
	svc := &fakeSessionService{
		interruptFn: func(sessionID string) error {
			interrupted = true
			return nil
		},
		endFn: func(sessionID string) error {
			ended = true
			return nil
		},
	}
	router := setupRouter(t, svc, &fakeSandboxReader{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/sess-1/interrupt", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted || !interrupted {
		t.Fatalf("interrupt: expected 202, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/sess-1", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || !ended {
		t.Fatalf("end: expected 204, got %d", w.Code)
	}
}

func TestGetSandbox(t *testing.T) {
	reader := &fakeSandboxReader{sandbox: &lifecycle.Sandbox{
		ID:      "sb-1",
		Address: "172.20.0.2",
		Status:  v1.SandboxStatusReady,
	}}
	router := setupRouter(t, &fakeSessionService{}, reader, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/sess-1/sandbox", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var sb v1.Sandbox
	if err := json.Unmarshal(w.Body.Bytes(), &sb); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if sb.ID != "sb-1" || sb.Status != v1.SandboxStatusReady {
		t.Errorf("unexpected sandbox %+v", sb)
	}

	// No sandbox: 404.
	router = setupRouter(t, &fakeSessionService{}, &fakeSandboxReader{}, nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/sess-1/sandbox", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without sandbox, got %d", w.Code)
	}
}

func TestEventStreamOverWebSocket(t *testing.T) {
	log := logger.NewNop()
	mux := stream.NewMux(config.StreamConfig{HistoryLimit: 64, SubscriberBuffer: 16}, log)
	mux.Register("sess-1")
	mux.Publish("sess-1", v1.EventAgentMessage, v1.AgentMessagePayload{Text: "hello"})

	router := setupRouter(t, &fakeSessionService{}, &fakeSandboxReader{}, mux)
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/sess-1/events?from_seq=1"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial events stream: %v", err)
	}
	defer ws.Close()

	// Replayed event first, then a live one.
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var first v1.Event
	if err := ws.ReadJSON(&first); err != nil {
		t.Fatalf("failed to read replayed event: %v", err)
	}
	if first.Seq != 1 || first.Kind != v1.EventAgentMessage {
		t.Errorf("unexpected replayed event %+v", first)
	}

	mux.Publish("sess-1", v1.EventAgentMessage, v1.AgentMessagePayload{Text: "again", Final: true})

	var second v1.Event
	if err := ws.ReadJSON(&second); err != nil {
		t.Fatalf("failed to read live event: %v", err)
	}
	if second.Seq != 2 {
		t.Errorf("expected seq 2, got %d", second.Seq)
	}
}

func TestEventStreamUnknownSession(t *testing.T) {
	router := setupRouter(t, &fakeSessionService{}, &fakeSandboxReader{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/ghost/events", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown stream, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	router := setupRouter(t, &fakeSessionService{}, &fakeSandboxReader{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ok") {
		t.Errorf("unexpected health body %s", w.Body.String())
	}
}

func TestListSessions(t *testing.T) {
	svc := &fakeSessionService{
		listFn: func() []*v1.Session {
			return []*v1.Session{
				{ID: "sess-2", Status: v1.SessionStatusActive},
				{ID: "sess-1", Status: v1.SessionStatusCompleted},
			}
		},
	}
	router := setupRouter(t, svc, &fakeSandboxReader{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp SessionsListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Total != 2 || len(resp.Sessions) != 2 {
		t.Errorf("unexpected list %+v", resp)
	}
	if resp.Sessions[0].ID != "sess-2" {
		t.Errorf("order not preserved: %s", resp.Sessions[0].ID)
	}
}
