// Package gateway is the single doorway for tool invocations. It enforces
// one invocation at a time per sandbox, applies deadlines, supports
// interruption, and turns every invocation into an ordered trail of session
// events.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coveworks/cove/internal/common/config"
	apperrors "github.com/coveworks/cove/internal/common/errors"
	"github.com/coveworks/cove/internal/common/logger"
	"github.com/coveworks/cove/internal/events"
	"github.com/coveworks/cove/internal/events/bus"
	"github.com/coveworks/cove/internal/sandbox/boxapi"
	"github.com/coveworks/cove/internal/sandbox/lifecycle"
	"github.com/coveworks/cove/internal/store"
	v1 "github.com/coveworks/cove/pkg/api/v1"
)

// errInterrupted is the cancellation cause for an explicit interrupt, so it
// can be told apart from a deadline.
var errInterrupted = errors.New("invocation interrupted")

// SandboxPool is the slice of the lifecycle controller the gateway needs:
// exclusive checkout of a session's sandbox around each invocation.
type SandboxPool interface {
	Checkout(sessionID string) (*lifecycle.Sandbox, error)
	Checkin(sandboxID string, success bool)
}

// Invoker executes tool calls against one sandbox's internal API.
type Invoker interface {
	Invoke(ctx context.Context, invocationID string, call *boxapi.ToolCall, onChunk boxapi.ChunkHandler) (*boxapi.Result, error)
	Cancel(ctx context.Context, invocationID string) error
}

// InvokerFactory builds an Invoker for a sandbox address.
type InvokerFactory func(address string) Invoker

// MCPBridge routes external-mcp calls to configured MCP servers. These never
// enter a sandbox.
type MCPBridge interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (string, error)
}

// StreamPublisher publishes events into a session's ordered stream.
type StreamPublisher interface {
	Publish(sessionID string, kind v1.EventKind, payload interface{})
}

// inflight tracks one running invocation so interrupts and sandbox loss can
// reach it.
type inflight struct {
	invocationID string
	sandboxID    string
	cancel       context.CancelCauseFunc
}

// Gateway mediates every tool invocation.
type Gateway struct {
	pool     SandboxPool
	invokers InvokerFactory
	mcp      MCPBridge
	stream   StreamPublisher
	recorder store.Recorder
	eventBus bus.EventBus
	cfg      config.SessionConfig
	logger   *logger.Logger

	mu       sync.Mutex
	running  map[string]*inflight // by session ID
	invokerC map[string]Invoker   // by sandbox address
}

// NewGateway creates a tool invocation gateway.
func NewGateway(
	pool SandboxPool,
	invokers InvokerFactory,
	mcp MCPBridge,
	stream StreamPublisher,
	recorder store.Recorder,
	eventBus bus.EventBus,
	cfg config.SessionConfig,
	log *logger.Logger,
) *Gateway {
	return &Gateway{
		pool:     pool,
		invokers: invokers,
		mcp:      mcp,
		stream:   stream,
		recorder: recorder,
		eventBus: eventBus,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "tool-gateway")),
		running:  make(map[string]*inflight),
		invokerC: make(map[string]Invoker),
	}
}

// Invoke runs one tool call for a session: checkout, deadline, event trail,
// checkin. The returned result is the tool's terminal output; a non-nil error
// carries one of the invocation error codes.
func (g *Gateway) Invoke(ctx context.Context, sessionID string, call *boxapi.ToolCall) (*boxapi.Result, error) {
	if err := call.Validate(); err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}

	invocationID := uuid.New().String()
	startedAt := time.Now()

	if call.Kind == v1.ToolKindExternalMCP {
		return g.invokeMCP(ctx, sessionID, invocationID, call, startedAt)
	}

	sb, err := g.pool.Checkout(sessionID)
	if err != nil {
		return nil, err
	}

	invokeCtx, cancel := context.WithCancelCause(ctx)
	timeoutCtx, cancelTimeout := context.WithTimeout(invokeCtx, g.cfg.ToolTimeoutDuration())
	defer cancelTimeout()
	defer cancel(nil)

	g.register(sessionID, &inflight{invocationID: invocationID, sandboxID: sb.ID, cancel: cancel})
	defer g.unregister(sessionID, invocationID)

	g.stream.Publish(sessionID, v1.EventToolStarted, v1.ToolStartedPayload{
		InvocationID: invocationID,
		Kind:         call.Kind,
		Summary:      call.Summary(),
	})

	invoker := g.invokerFor(sb.Address)
	result, err := invoker.Invoke(timeoutCtx, invocationID, call, func(chunk boxapi.Chunk) {
		g.stream.Publish(sessionID, v1.EventToolOutputChunk, v1.ToolOutputChunkPayload{
			InvocationID: invocationID,
			Stream:       chunk.Stream,
			Data:         chunk.Data,
		})
	})

	if err != nil {
		appErr := g.classify(timeoutCtx, invocationID, sb.ID, err)

		// Best effort: tell the sandbox to stop the operation. Side effects
		// already applied inside the sandbox stay applied.
		if appErr.Code == apperrors.ErrCodeToolTimeout || appErr.Code == apperrors.ErrCodeToolInterrupted {
			cancelCtx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
			if cerr := invoker.Cancel(cancelCtx, invocationID); cerr != nil {
				g.logger.Debug("cancel request failed",
					zap.String("invocation_id", invocationID), zap.Error(cerr))
			}
			cancelFn()
		}

		g.finish(sessionID, invocationID, call.Kind, startedAt, appErr)
		g.pool.Checkin(sb.ID, false)
		return nil, appErr
	}

	if result.Error != "" {
		appErr := apperrors.ToolError(invocationID, errors.New(result.Error))
		g.finish(sessionID, invocationID, call.Kind, startedAt, appErr)
		g.pool.Checkin(sb.ID, false)
		return result, appErr
	}

	g.stream.Publish(sessionID, v1.EventToolCompleted, v1.ToolCompletedPayload{
		InvocationID: invocationID,
		ExitCode:     result.ExitCode,
		DurationMS:   time.Since(startedAt).Milliseconds(),
	})
	g.record(sessionID, invocationID, call.Kind, v1.InvocationStatusCompleted, "", startedAt)
	g.pool.Checkin(sb.ID, true)
	return result, nil
}

// invokeMCP routes an external-mcp call host-side. No sandbox is involved,
// but the invocation still gets the full event trail and interrupt support.
func (g *Gateway) invokeMCP(ctx context.Context, sessionID, invocationID string, call *boxapi.ToolCall, startedAt time.Time) (*boxapi.Result, error) {
	if g.mcp == nil {
		return nil, apperrors.BadRequest("no MCP servers are configured")
	}

	invokeCtx, cancel := context.WithCancelCause(ctx)
	timeoutCtx, cancelTimeout := context.WithTimeout(invokeCtx, g.cfg.ToolTimeoutDuration())
	defer cancelTimeout()
	defer cancel(nil)

	if !g.tryRegister(sessionID, &inflight{invocationID: invocationID, cancel: cancel}) {
		return nil, apperrors.SessionBusy(sessionID)
	}
	defer g.unregister(sessionID, invocationID)

	g.stream.Publish(sessionID, v1.EventToolStarted, v1.ToolStartedPayload{
		InvocationID: invocationID,
		Kind:         call.Kind,
		Summary:      call.Summary(),
	})

	output, err := g.mcp.CallTool(timeoutCtx, call.MCP.Server, call.MCP.Tool, call.MCP.Arguments)
	if err != nil {
		appErr := g.classify(timeoutCtx, invocationID, "", err)
		g.finish(sessionID, invocationID, call.Kind, startedAt, appErr)
		return nil, appErr
	}

	g.stream.Publish(sessionID, v1.EventToolCompleted, v1.ToolCompletedPayload{
		InvocationID: invocationID,
		DurationMS:   time.Since(startedAt).Milliseconds(),
	})
	g.record(sessionID, invocationID, call.Kind, v1.InvocationStatusCompleted, "", startedAt)
	return &boxapi.Result{Output: output}, nil
}

// classify maps an invocation failure to its error code. A cancelled context
// is inspected for its cause so an interrupt is never reported as a timeout.
func (g *Gateway) classify(ctx context.Context, invocationID, sandboxID string, err error) *apperrors.AppError {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	if cause := context.Cause(ctx); cause != nil {
		switch {
		case errors.Is(cause, errInterrupted):
			return apperrors.ToolInterrupted(invocationID)
		case apperrors.Is(cause, apperrors.ErrCodeSandboxLost):
			if lostErr, ok := cause.(*apperrors.AppError); ok {
				return lostErr
			}
		case errors.Is(cause, context.DeadlineExceeded):
			return apperrors.ToolTimeout(invocationID, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.ToolTimeout(invocationID, err)
	}

	return apperrors.ToolError(invocationID, err)
}

// Interrupt cancels the session's in-flight invocation, if any. Idempotent:
// interrupting an idle session is a no-op.
func (g *Gateway) Interrupt(sessionID string) bool {
	g.mu.Lock()
	inv, ok := g.running[sessionID]
	g.mu.Unlock()
	if !ok {
		return false
	}

	g.logger.Info("interrupting invocation",
		zap.String("session_id", sessionID),
		zap.String("invocation_id", inv.invocationID))
	inv.cancel(errInterrupted)
	return true
}

// OnSandboxLost fails the in-flight invocation of a session whose sandbox
// stopped responding. Registered with the lifecycle controller. The
// invocation is never retried against the replacement sandbox: its side
// effects cannot be assumed safe to repeat.
func (g *Gateway) OnSandboxLost(sandboxID, sessionID string) {
	g.mu.Lock()
	inv, ok := g.running[sessionID]
	g.mu.Unlock()
	if !ok || inv.sandboxID != sandboxID {
		return
	}

	g.logger.Warn("failing in-flight invocation: sandbox lost",
		zap.String("session_id", sessionID),
		zap.String("sandbox_id", sandboxID),
		zap.String("invocation_id", inv.invocationID))
	inv.cancel(apperrors.SandboxLost(sandboxID))
}

// finish publishes the tool-error event and records the terminal invocation.
func (g *Gateway) finish(sessionID, invocationID string, kind v1.ToolKind, startedAt time.Time, appErr *apperrors.AppError) {
	g.stream.Publish(sessionID, v1.EventToolError, v1.ToolErrorPayload{
		InvocationID: invocationID,
		Code:         appErr.Code,
		Message:      appErr.Message,
	})

	status := v1.InvocationStatusFailed
	switch appErr.Code {
	case apperrors.ErrCodeToolTimeout:
		status = v1.InvocationStatusTimedOut
	case apperrors.ErrCodeToolInterrupted:
		status = v1.InvocationStatusInterrupted
	}
	g.record(sessionID, invocationID, kind, status, appErr.Message, startedAt)
}

// record hands the terminal invocation record to the persistence boundary
// and publishes it on the event bus.
func (g *Gateway) record(sessionID, invocationID string, kind v1.ToolKind, status v1.InvocationStatus, errMsg string, startedAt time.Time) {
	finishedAt := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if g.recorder != nil {
		if err := g.recorder.RecordInvocation(ctx, &store.InvocationRecord{
			ID:         invocationID,
			SessionID:  sessionID,
			Kind:       kind,
			Status:     status,
			Error:      errMsg,
			StartedAt:  startedAt,
			FinishedAt: finishedAt,
		}); err != nil {
			g.logger.Error("failed to record invocation",
				zap.String("invocation_id", invocationID), zap.Error(err))
		}
	}

	if g.eventBus != nil {
		event := bus.NewEvent(events.InvocationFinished, "tool-gateway", map[string]interface{}{
			"invocation_id": invocationID,
			"session_id":    sessionID,
			"kind":          string(kind),
			"status":        string(status),
			"error":         errMsg,
			"duration_ms":   finishedAt.Sub(startedAt).Milliseconds(),
		})
		if err := g.eventBus.Publish(ctx, events.InvocationFinished, event); err != nil {
			g.logger.Error("failed to publish invocation event",
				zap.String("invocation_id", invocationID), zap.Error(err))
		}
	}
}

func (g *Gateway) register(sessionID string, inv *inflight) {
	g.mu.Lock()
	g.running[sessionID] = inv
	g.mu.Unlock()
}

// tryRegister registers an in-flight invocation only if the session is idle.
func (g *Gateway) tryRegister(sessionID string, inv *inflight) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.running[sessionID]; busy {
		return false
	}
	g.running[sessionID] = inv
	return true
}

func (g *Gateway) unregister(sessionID, invocationID string) {
	g.mu.Lock()
	if inv, ok := g.running[sessionID]; ok && inv.invocationID == invocationID {
		delete(g.running, sessionID)
	}
	g.mu.Unlock()
}

// invokerFor returns (building if needed) the invoker for a sandbox address.
func (g *Gateway) invokerFor(address string) Invoker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if inv, ok := g.invokerC[address]; ok {
		return inv
	}
	inv := g.invokers(address)
	g.invokerC[address] = inv
	return inv
}
