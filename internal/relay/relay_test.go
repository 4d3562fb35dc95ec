package relay

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/coveworks/cove/internal/common/errors"
	"github.com/coveworks/cove/internal/common/logger"
	"github.com/coveworks/cove/internal/sandbox/lifecycle"
	v1 "github.com/coveworks/cove/pkg/api/v1"
)

type fakeResolver struct {
	sandbox *lifecycle.Sandbox
}

func (f *fakeResolver) Get(sessionID string) (*lifecycle.Sandbox, bool) {
	if f.sandbox == nil {
		return nil, false
	}
	return f.sandbox, true
}

// startEchoListener starts a TCP listener that echoes everything back and
// returns its address parts.
func startEchoListener(t *testing.T) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					if _, err := c.Write(buf[:n]); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func startRelayServer(t *testing.T, r *Relay, sessionID string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.Attach(sessionID, ws)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRelayTunnelsBytesBothWays(t *testing.T) {
	host, port := startEchoListener(t)
	resolver := &fakeResolver{sandbox: &lifecycle.Sandbox{ID: "sb-1", Address: host, Status: v1.SandboxStatusReady}}
	r := NewRelay(resolver, port, logger.NewNop())

	url := startRelayServer(t, r, "session-1")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial relay: %v", err)
	}
	defer ws.Close()

	payload := []byte{0x52, 0x46, 0x42, 0x20, 0x30, 0x30, 0x33}
	if err := ws.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, echoed, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read echo: %v", err)
	}
	if string(echoed) != string(payload) {
		t.Errorf("echo mismatch: sent %v, got %v", payload, echoed)
	}
}

func TestAttachWithoutSandbox(t *testing.T) {
	r := NewRelay(&fakeResolver{}, 5900, logger.NewNop())

	upgrader := websocket.Upgrader{}
	errCh := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		errCh <- r.Attach("session-1", ws)
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer ws.Close()

	select {
	case err := <-errCh:
		if !apperrors.Is(err, apperrors.ErrCodeNoSandbox) {
			t.Fatalf("expected NO_SANDBOX, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Attach did not return")
	}
}

func TestAttachRejectsUnreadySandbox(t *testing.T) {
	// Provisioning sandbox, no address yet: validation fails before any dial.
	resolver := &fakeResolver{sandbox: &lifecycle.Sandbox{
		ID:     "sb-1",
		Status: v1.SandboxStatusProvisioning,
	}}
	r := NewRelay(resolver, 5900, logger.NewNop())

	upgrader := websocket.Upgrader{}
	errCh := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		errCh <- r.Attach("session-1", ws)
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer ws.Close()

	select {
	case err := <-errCh:
		if !apperrors.Is(err, apperrors.ErrCodeConflict) {
			t.Fatalf("expected CONFLICT for unready sandbox, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Attach did not return")
	}
}

func TestCloseSessionForcesTunnelsShut(t *testing.T) {
	host, port := startEchoListener(t)
	resolver := &fakeResolver{sandbox: &lifecycle.Sandbox{ID: "sb-1", Address: host, Status: v1.SandboxStatusReady}}
	r := NewRelay(resolver, port, logger.NewNop())

	url := startRelayServer(t, r, "session-1")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial relay: %v", err)
	}
	defer ws.Close()

	// Prove the tunnel is live before closing it.
	if err := ws.WriteMessage(websocket.BinaryMessage, []byte("ping")); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := ws.ReadMessage(); err != nil {
		t.Fatalf("tunnel not live: %v", err)
	}

	waitForLinks(t, r, "session-1", 1)
	r.CloseSession("session-1")
	waitForLinks(t, r, "session-1", 0)

	// The client side observes the close.
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("expected read failure after forced close")
	}
}

func waitForLinks(t *testing.T, r *Relay, sessionID string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.ActiveLinks(sessionID) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d active links for %s, got %d", want, sessionID, r.ActiveLinks(sessionID))
}

func TestAttachUnreachableViewPort(t *testing.T) {
	resolver := &fakeResolver{sandbox: &lifecycle.Sandbox{ID: "sb-1", Address: "127.0.0.1", Status: v1.SandboxStatusReady}}
	r := NewRelay(resolver, freePort(t), logger.NewNop())

	upgrader := websocket.Upgrader{}
	errCh := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		errCh <- r.Attach("session-1", ws)
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer ws.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected dial failure for unreachable view port")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Attach did not return")
	}
}

// freePort returns a port with nothing listening on it.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to allocate port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}
