package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coveworks/cove/internal/common/config"
	apperrors "github.com/coveworks/cove/internal/common/errors"
	"github.com/coveworks/cove/internal/common/logger"
	"github.com/coveworks/cove/internal/events"
	"github.com/coveworks/cove/internal/events/bus"
	"github.com/coveworks/cove/internal/llm"
	"github.com/coveworks/cove/internal/mcptools"
	"github.com/coveworks/cove/internal/sandbox/boxapi"
	"github.com/coveworks/cove/internal/sandbox/lifecycle"
	"github.com/coveworks/cove/internal/store"
	v1 "github.com/coveworks/cove/pkg/api/v1"
)

const systemPrompt = `You are an autonomous agent working inside an isolated sandbox.
Use the available tools to complete the user's task. Prefer small, verifiable
steps. When the task is done, reply with a final summary instead of calling
more tools.`

// SandboxManager is the slice of the lifecycle controller the orchestrator
// needs. The sandbox is acquired lazily: a session that never invokes a
// sandbox tool never pays for one.
type SandboxManager interface {
	Acquire(ctx context.Context, sessionID string) (*lifecycle.Sandbox, error)
	Release(sessionID string)
	Destroy(ctx context.Context, sessionID, reason string)
}

// ToolGateway executes tool calls and cancels in-flight ones.
type ToolGateway interface {
	Invoke(ctx context.Context, sessionID string, call *boxapi.ToolCall) (*boxapi.Result, error)
	Interrupt(sessionID string) bool
}

// EventStream is the session event log the orchestrator writes to.
type EventStream interface {
	Register(sessionID string)
	Publish(sessionID string, kind v1.EventKind, payload interface{})
	Close(sessionID string)
}

// ToolCatalog supplies external tool definitions discovered at startup.
type ToolCatalog interface {
	Tools() []llm.ToolDefinition
}

// TunnelCloser force-closes any interactive viewing tunnels for a session.
type TunnelCloser interface {
	CloseSession(sessionID string)
}

// Orchestrator manages sessions and drives the agent loop for each turn.
type Orchestrator struct {
	sandboxes SandboxManager
	gateway   ToolGateway
	stream    EventStream
	provider  llm.Provider
	catalog   ToolCatalog
	recorder  store.Recorder
	eventBus  bus.EventBus
	tunnels   TunnelCloser
	cfg       config.SessionConfig
	logger    *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	wg sync.WaitGroup
}

// NewOrchestrator creates a session orchestrator.
func NewOrchestrator(
	sandboxes SandboxManager,
	gateway ToolGateway,
	stream EventStream,
	provider llm.Provider,
	catalog ToolCatalog,
	recorder store.Recorder,
	eventBus bus.EventBus,
	cfg config.SessionConfig,
	log *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		sandboxes: sandboxes,
		gateway:   gateway,
		stream:    stream,
		provider:  provider,
		catalog:   catalog,
		recorder:  recorder,
		eventBus:  eventBus,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "session-orchestrator")),
		sessions:  make(map[string]*Session),
	}
}

// SetTunnelCloser installs the interactive relay so ending a session also
// tears down its viewing tunnels. Optional; set once during wiring.
func (o *Orchestrator) SetTunnelCloser(t TunnelCloser) {
	o.tunnels = t
}

// CreateSession creates a new session. No sandbox is provisioned yet.
func (o *Orchestrator) CreateSession(ctx context.Context, userID, conversationRef string) (*v1.Session, error) {
	s := &Session{
		ID:              uuid.New().String(),
		UserID:          userID,
		ConversationRef: conversationRef,
		CreatedAt:       time.Now(),
	}
	s.status = v1.SessionStatusPending
	s.lastActivityAt = s.CreatedAt

	o.mu.Lock()
	o.sessions[s.ID] = s
	o.mu.Unlock()

	o.stream.Register(s.ID)
	o.publishStatus(s, "created")
	o.publishBus(events.SessionCreated, s)

	o.logger.Info("session created",
		zap.String("session_id", s.ID),
		zap.String("user_id", userID))
	return s.Snapshot(), nil
}

// GetSession returns a session by ID.
func (o *Orchestrator) GetSession(sessionID string) (*v1.Session, error) {
	s, ok := o.get(sessionID)
	if !ok {
		return nil, apperrors.NotFound("session", sessionID)
	}
	return s.Snapshot(), nil
}

// ListSessions returns all sessions, newest first.
func (o *Orchestrator) ListSessions() []*v1.Session {
	o.mu.RLock()
	out := make([]*v1.Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, s.Snapshot())
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// SubmitTurn starts one agent turn for the session. The turn runs in the
// background; progress is observable on the session's event stream. A session
// with a turn already in flight rejects the submission with SessionBusy.
func (o *Orchestrator) SubmitTurn(ctx context.Context, sessionID, text string) error {
	s, ok := o.get(sessionID)
	if !ok {
		return apperrors.NotFound("session", sessionID)
	}
	if s.Status().Terminal() {
		return apperrors.Conflict(fmt.Sprintf("session '%s' has ended", sessionID))
	}
	if !s.beginTurn() {
		return apperrors.SessionBusy(sessionID)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runTurn(s, text)
	}()
	return nil
}

// Interrupt sets the session's cancellation signal and cancels the in-flight
// tool invocation, if any. The agent loop observes the signal at its next
// scheduling point even when no invocation is running. Idempotent:
// interrupting an idle session is a no-op cleared by the next turn.
func (o *Orchestrator) Interrupt(sessionID string) error {
	s, ok := o.get(sessionID)
	if !ok {
		return apperrors.NotFound("session", sessionID)
	}
	s.markInterrupted()
	o.gateway.Interrupt(sessionID)
	return nil
}

// EndSession terminates a session: its sandbox is destroyed and its stream is
// sealed after the terminal event. Idempotent.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) error {
	s, ok := o.get(sessionID)
	if !ok {
		return apperrors.NotFound("session", sessionID)
	}

	// Stop anything still running before tearing the sandbox down.
	o.gateway.Interrupt(sessionID)

	if !s.setStatus(v1.SessionStatusCompleted) {
		return nil
	}

	o.sandboxes.Destroy(ctx, sessionID, "session ended")
	s.bindSandbox("")

	if o.tunnels != nil {
		o.tunnels.CloseSession(sessionID)
	}

	o.publishStatus(s, "session ended")
	o.publishBus(events.SessionEnded, s)
	o.stream.Close(sessionID)

	o.logger.Info("session ended", zap.String("session_id", sessionID))
	return nil
}

// Stop waits for in-flight turns to finish.
func (o *Orchestrator) Stop() {
	o.wg.Wait()
}

// runTurn drives the agent loop for one user turn: model call, requested
// tools, results fed back, repeated until the model stops asking or the tool
// budget runs out.
func (o *Orchestrator) runTurn(s *Session, text string) {
	ctx := context.Background()
	s.append(llm.Message{Role: llm.RoleUser, Content: text})

	sandboxAcquired := false
	toolCalls := 0

	defer func() {
		if sandboxAcquired {
			o.sandboxes.Release(s.ID)
		}
		status := s.endTurn()
		o.publishStatus(s, "turn finished")
		o.logger.Debug("turn finished",
			zap.String("session_id", s.ID),
			zap.String("status", string(status)),
			zap.Int("tool_calls", toolCalls))
	}()

	for {
		if s.isInterrupted() {
			return
		}

		resp, err := o.provider.Complete(ctx, &llm.Request{
			SystemPrompt: systemPrompt,
			Messages:     s.history(),
			Tools:        o.toolDefinitions(),
		})
		if err != nil {
			o.logger.Error("model call failed",
				zap.String("session_id", s.ID), zap.Error(err))
			o.stream.Publish(s.ID, v1.EventAgentMessage, v1.AgentMessagePayload{
				Text:  "The agent could not reach the language model. Try again.",
				Final: true,
			})
			return
		}

		s.append(llm.Message{Role: llm.RoleAssistant, Blocks: resp.Blocks})

		if resp.Content != "" {
			o.stream.Publish(s.ID, v1.EventAgentMessage, v1.AgentMessagePayload{
				Text:  resp.Content,
				Final: !resp.HasToolUse(),
			})
		}
		if !resp.HasToolUse() {
			return
		}

		if s.setStatus(v1.SessionStatusRunningTool) {
			o.publishStatus(s, "tool requested")
		}

		var results []llm.ContentBlock
		for _, use := range resp.ToolUseBlocks() {
			if s.isInterrupted() {
				results = append(results, llm.ToolResultBlock(use.ID, "invocation interrupted by the user", true))
				s.append(llm.Message{Role: llm.RoleUser, Blocks: results})
				return
			}

			toolCalls++
			if toolCalls > o.cfg.MaxToolCallsPerTurn {
				o.logger.Warn("tool budget exhausted",
					zap.String("session_id", s.ID),
					zap.Int("budget", o.cfg.MaxToolCallsPerTurn))
				o.stream.Publish(s.ID, v1.EventAgentMessage, v1.AgentMessagePayload{
					Text:  "The turn's tool budget is exhausted; stopping here.",
					Final: true,
				})
				return
			}

			call, err := buildCall(use)
			if err != nil {
				results = append(results, llm.ToolResultBlock(use.ID, err.Error(), true))
				continue
			}

			// Lazy acquire: the first sandbox-bound call provisions (or
			// reattaches) the session's sandbox.
			if call.Kind != v1.ToolKindExternalMCP && !sandboxAcquired {
				sb, err := o.sandboxes.Acquire(ctx, s.ID)
				if err != nil {
					o.logger.Error("sandbox acquisition failed",
						zap.String("session_id", s.ID), zap.Error(err))
					results = append(results, llm.ToolResultBlock(use.ID,
						"sandbox unavailable: "+err.Error(), true))
					s.append(llm.Message{Role: llm.RoleUser, Blocks: results})
					o.stream.Publish(s.ID, v1.EventAgentMessage, v1.AgentMessagePayload{
						Text:  "No sandbox could be provisioned for this session.",
						Final: true,
					})
					return
				}
				sandboxAcquired = true
				s.bindSandbox(sb.ID)
			}

			result, err := o.gateway.Invoke(ctx, s.ID, call)
			switch {
			case err == nil:
				results = append(results, llm.ToolResultBlock(use.ID, result.Output, false))
			case apperrors.Is(err, apperrors.ErrCodeToolInterrupted):
				s.markInterrupted()
				results = append(results, llm.ToolResultBlock(use.ID, "invocation interrupted by the user", true))
				s.append(llm.Message{Role: llm.RoleUser, Blocks: results})
				return
			default:
				// Timeouts, tool failures, and sandbox loss go back to the
				// model as errored results; it decides whether to retry.
				results = append(results, llm.ToolResultBlock(use.ID, err.Error(), true))
			}
		}

		s.append(llm.Message{Role: llm.RoleUser, Blocks: results})
	}
}

// toolDefinitions returns the closed set of sandbox tools plus any
// MCP-discovered tools.
func (o *Orchestrator) toolDefinitions() []llm.ToolDefinition {
	defs := []llm.ToolDefinition{
		{
			Name:        "terminal",
			Description: "Run a shell command inside the sandbox.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command":     map[string]any{"type": "string"},
					"working_dir": map[string]any{"type": "string"},
				},
				"required": []any{"command"},
			},
		},
		{
			Name:        "browser",
			Description: "Drive the sandbox browser: navigate, click, type, screenshot, scroll.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action":   map[string]any{"type": "string"},
					"url":      map[string]any{"type": "string"},
					"selector": map[string]any{"type": "string"},
					"text":     map[string]any{"type": "string"},
				},
				"required": []any{"action"},
			},
		},
		{
			Name:        "file",
			Description: "Read or write a file inside the sandbox.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"op":      map[string]any{"type": "string"},
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				"required": []any{"op", "path"},
			},
		},
		{
			Name:        "web_search",
			Description: "Search the web from inside the sandbox.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":       map[string]any{"type": "string"},
					"max_results": map[string]any{"type": "integer"},
				},
				"required": []any{"query"},
			},
		},
	}
	if o.catalog != nil {
		defs = append(defs, o.catalog.Tools()...)
	}
	return defs
}

// buildCall maps a model tool_use block onto a typed tool call.
func buildCall(use llm.ContentBlock) (*boxapi.ToolCall, error) {
	if server, tool, ok := mcptools.SplitName(use.Name); ok {
		return &boxapi.ToolCall{
			Kind: v1.ToolKindExternalMCP,
			MCP:  &boxapi.MCPCall{Server: server, Tool: tool, Arguments: use.Input},
		}, nil
	}

	raw, err := json.Marshal(use.Input)
	if err != nil {
		return nil, fmt.Errorf("unreadable tool input: %w", err)
	}

	switch use.Name {
	case "terminal":
		var p boxapi.TerminalCall
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("bad terminal input: %w", err)
		}
		return &boxapi.ToolCall{Kind: v1.ToolKindTerminal, Terminal: &p}, nil
	case "browser":
		var p boxapi.BrowserCall
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("bad browser input: %w", err)
		}
		return &boxapi.ToolCall{Kind: v1.ToolKindBrowser, Browser: &p}, nil
	case "file":
		var p boxapi.FileCall
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("bad file input: %w", err)
		}
		return &boxapi.ToolCall{Kind: v1.ToolKindFile, File: &p}, nil
	case "web_search":
		var p boxapi.SearchCall
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("bad web_search input: %w", err)
		}
		return &boxapi.ToolCall{Kind: v1.ToolKindWebSearch, Search: &p}, nil
	}
	return nil, fmt.Errorf("unknown tool %q", use.Name)
}

func (o *Orchestrator) get(sessionID string) (*Session, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sessions[sessionID]
	return s, ok
}

// publishStatus emits a session-status-changed event and records the session.
func (o *Orchestrator) publishStatus(s *Session, reason string) {
	snap := s.Snapshot()

	o.stream.Publish(snap.ID, v1.EventSessionStatusChanged, v1.SessionStatusPayload{
		Status: snap.Status,
		Reason: reason,
	})

	if o.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rec := &store.SessionRecord{
			ID:              snap.ID,
			UserID:          snap.UserID,
			ConversationRef: snap.ConversationRef,
			Status:          snap.Status,
			CreatedAt:       snap.CreatedAt,
			LastActivityAt:  snap.LastActivityAt,
		}
		if snap.SandboxID != nil {
			rec.SandboxID = *snap.SandboxID
		}
		if err := o.recorder.RecordSession(ctx, rec); err != nil {
			o.logger.Error("failed to record session transition",
				zap.String("session_id", snap.ID), zap.Error(err))
		}
	}
}

// publishBus publishes a session state-change record on the event bus.
func (o *Orchestrator) publishBus(eventType string, s *Session) {
	if o.eventBus == nil {
		return
	}
	snap := s.Snapshot()

	event := bus.NewEvent(eventType, "session-orchestrator", map[string]interface{}{
		"session_id": snap.ID,
		"user_id":    snap.UserID,
		"status":     string(snap.Status),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.eventBus.Publish(ctx, eventType, event); err != nil {
		o.logger.Error("failed to publish session event",
			zap.String("event_type", eventType),
			zap.String("session_id", snap.ID),
			zap.Error(err))
	}
}
