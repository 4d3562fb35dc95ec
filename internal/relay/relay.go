// Package relay tunnels interactive traffic between an external WebSocket
// client and the remote-viewing TCP endpoint inside a session's sandbox. The
// relay carries bytes both ways and does not interpret them.
package relay

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/coveworks/cove/internal/common/errors"
	"github.com/coveworks/cove/internal/common/logger"
	"github.com/coveworks/cove/internal/sandbox/lifecycle"
	v1 "github.com/coveworks/cove/pkg/api/v1"
)

const (
	dialTimeout    = 5 * time.Second
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	tcpReadBufSize = 32 * 1024
)

// AddressResolver resolves a session to its live sandbox.
type AddressResolver interface {
	Get(sessionID string) (*lifecycle.Sandbox, bool)
}

// link is one active tunnel.
type link struct {
	id        string
	sessionID string
	ws        *websocket.Conn
	tcp       net.Conn
	closeOnce sync.Once
	done      chan struct{}
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.tcp.Close()
		l.ws.Close()
	})
}

// Relay manages the active tunnels. Multiple viewers may attach to the same
// session; each gets its own TCP connection into the sandbox.
type Relay struct {
	resolver AddressResolver
	viewPort int
	logger   *logger.Logger

	mu    sync.Mutex
	links map[string]map[string]*link // sessionID -> linkID -> link
}

// NewRelay creates an interactive relay.
func NewRelay(resolver AddressResolver, viewPort int, log *logger.Logger) *Relay {
	return &Relay{
		resolver: resolver,
		viewPort: viewPort,
		logger:   log.WithFields(zap.String("component", "relay")),
		links:    make(map[string]map[string]*link),
	}
}

// Attach opens a tunnel between the upgraded WebSocket connection and the
// session's sandbox, then pumps until either side closes. The WebSocket is
// owned by the relay from this point on and is closed before Attach returns.
func (r *Relay) Attach(sessionID string, ws *websocket.Conn) error {
	sb, ok := r.resolver.Get(sessionID)
	if !ok {
		ws.Close()
		return apperrors.NoSandbox(sessionID)
	}

	// Only a live, addressable sandbox has a viewing endpoint; a sandbox
	// still provisioning fails validation here, not at the dial.
	snap := sb.Snapshot()
	switch snap.Status {
	case v1.SandboxStatusReady, v1.SandboxStatusBusy, v1.SandboxStatusIdle:
	default:
		ws.Close()
		return apperrors.Conflict(fmt.Sprintf("sandbox for session '%s' is not ready for viewing", sessionID))
	}
	if snap.Address == "" {
		ws.Close()
		return apperrors.Conflict(fmt.Sprintf("sandbox for session '%s' has no viewing address", sessionID))
	}

	addr := fmt.Sprintf("%s:%d", snap.Address, r.viewPort)
	tcp, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		ws.Close()
		return apperrors.Wrap(err, fmt.Sprintf("failed to reach viewing endpoint for session '%s'", sessionID))
	}

	l := &link{
		id:        uuid.New().String(),
		sessionID: sessionID,
		ws:        ws,
		tcp:       tcp,
		done:      make(chan struct{}),
	}
	r.register(l)
	defer r.unregister(l)

	r.logger.Info("relay attached",
		zap.String("session_id", sessionID),
		zap.String("link_id", l.id),
		zap.String("target", addr))

	errCh := make(chan error, 2)
	go r.pumpToSandbox(l, errCh)
	go r.pumpToClient(l, errCh)

	// First error from either direction tears down both; the second pump
	// exits on the closed connections.
	err = <-errCh
	l.close()
	<-errCh

	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		r.logger.Debug("relay closed",
			zap.String("session_id", sessionID),
			zap.String("link_id", l.id),
			zap.Error(err))
	}
	return nil
}

// pumpToSandbox forwards WebSocket frames into the sandbox TCP stream.
func (r *Relay) pumpToSandbox(l *link, errCh chan<- error) {
	l.ws.SetReadDeadline(time.Now().Add(pongWait))
	l.ws.SetPongHandler(func(string) error {
		l.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := l.ws.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		if _, err := l.tcp.Write(data); err != nil {
			errCh <- err
			return
		}
	}
}

// pumpToClient forwards sandbox TCP bytes to the WebSocket as binary frames
// and keeps the connection alive with pings.
func (r *Relay) pumpToClient(l *link, errCh chan<- error) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	data := make(chan []byte, 8)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, tcpReadBufSize)
		for {
			n, err := l.tcp.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case data <- chunk:
				case <-l.done:
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case chunk := <-data:
			l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.ws.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				errCh <- err
				return
			}
		case err := <-readErr:
			errCh <- err
			return
		case <-ticker.C:
			l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				errCh <- err
				return
			}
		case <-l.done:
			errCh <- nil
			return
		}
	}
}

// CloseSession force-closes every tunnel attached to a session. Called when
// the session ends or its sandbox is destroyed.
func (r *Relay) CloseSession(sessionID string) {
	r.mu.Lock()
	links := r.links[sessionID]
	delete(r.links, sessionID)
	r.mu.Unlock()

	for _, l := range links {
		l.close()
	}
	if len(links) > 0 {
		r.logger.Info("relay links closed",
			zap.String("session_id", sessionID),
			zap.Int("count", len(links)))
	}
}

// ActiveLinks reports the number of open tunnels for a session.
func (r *Relay) ActiveLinks(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links[sessionID])
}

func (r *Relay) register(l *link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.links[l.sessionID] == nil {
		r.links[l.sessionID] = make(map[string]*link)
	}
	r.links[l.sessionID][l.id] = l
}

func (r *Relay) unregister(l *link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m := r.links[l.sessionID]; m != nil {
		delete(m, l.id)
		if len(m) == 0 {
			delete(r.links, l.sessionID)
		}
	}
}
