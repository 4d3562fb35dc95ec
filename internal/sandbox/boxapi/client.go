package boxapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/coveworks/cove/internal/common/logger"
	v1 "github.com/coveworks/cove/pkg/api/v1"
)

const (
	healthPath  = "/healthz"
	execPath    = "/exec"
	browserPath = "/browser"
	filePath    = "/fs"
	searchPath  = "/search"
	cancelPath  = "/cancel"

	// Streamed lines can carry screenshots; keep the scanner generous.
	maxFrameBytes = 4 * 1024 * 1024
)

// ChunkHandler receives streamed output chunks in production order. It is
// called from the decode goroutine; implementations must not block for long
// or they stall the stream.
type ChunkHandler func(chunk Chunk)

// Client talks to one sandbox's internal API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *logger.Logger
}

// NewClient creates a client for the sandbox reachable at the given address
// and port on the private network.
func NewClient(address string, port int, log *logger.Logger) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d", address, port),
		// Per-call deadlines come from the caller's context; the transport
		// itself must not impose a shorter one on streaming reads.
		http:   &http.Client{},
		logger: log.WithFields(zap.String("component", "boxapi"), zap.String("sandbox_addr", address)),
	}
}

// Health checks the sandbox API health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// Invoke forwards a tool call to the sandbox and streams output chunks to
// onChunk until the terminal result frame arrives. The caller's context
// carries the invocation deadline; cancellation aborts the read but the
// in-sandbox operation may keep running (see Cancel).
func (c *Client) Invoke(ctx context.Context, invocationID string, call *ToolCall, onChunk ChunkHandler) (*Result, error) {
	if err := call.Validate(); err != nil {
		return nil, err
	}

	path, err := pathForKind(call.Kind)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(struct {
		InvocationID string    `json:"invocation_id"`
		Call         *ToolCall `json:"call"`
	}{InvocationID: invocationID, Call: call})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("sandbox API returned status %d: %s", resp.StatusCode, string(payload))
	}

	result, err := c.decodeStream(ctx, resp.Body, onChunk)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("tool invocation finished",
		zap.String("invocation_id", invocationID),
		zap.String("kind", string(call.Kind)),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}

// decodeStream reads ndjson frames until the result frame. Chunks are
// delivered in the order the sandbox produced them.
func (c *Client) decodeStream(ctx context.Context, r io.Reader, onChunk ChunkHandler) (*Result, error) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxFrameBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			return nil, fmt.Errorf("malformed stream frame: %w", err)
		}

		switch {
		case f.Chunk != nil:
			if onChunk != nil {
				onChunk(*f.Chunk)
			}
		case f.Result != nil:
			return f.Result, nil
		default:
			c.logger.Warn("stream frame with no payload", zap.ByteString("line", line))
		}
	}

	if err := scanner.Err(); err != nil {
		// Context errors surface as such so the gateway can tell timeout
		// from a dropped connection.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("stream read failed: %w", err)
	}
	return nil, fmt.Errorf("stream ended without a result frame")
}

// Cancel asks the sandbox to abort an in-flight invocation. Best effort:
// the sandbox may not be able to stop the underlying operation, and the
// caller must not assume side effects were undone.
func (c *Client) Cancel(ctx context.Context, invocationID string) error {
	body, err := json.Marshal(map[string]string{"invocation_id": invocationID})
	if err != nil {
		return fmt.Errorf("failed to marshal cancel request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+cancelPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build cancel request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cancel request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cancel returned status %d", resp.StatusCode)
	}
	return nil
}

func pathForKind(kind v1.ToolKind) (string, error) {
	switch kind {
	case v1.ToolKindTerminal:
		return execPath, nil
	case v1.ToolKindBrowser:
		return browserPath, nil
	case v1.ToolKindFile:
		return filePath, nil
	case v1.ToolKindWebSearch:
		return searchPath, nil
	case v1.ToolKindExternalMCP:
		return "", fmt.Errorf("external-mcp calls are routed host-side, not to the sandbox")
	}
	return "", fmt.Errorf("unknown tool kind %q", kind)
}
