package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/coveworks/cove/internal/common/config"
	"github.com/coveworks/cove/internal/common/logger"
)

const (
	completionsPath  = "/v1/chat/completions"
	defaultMaxTokens = 4096
)

// OpenAIClient implements Provider against an OpenAI-compatible Chat
// Completions API. Self-hosted gateways exposing the same surface work by
// pointing BaseURL at them.
type OpenAIClient struct {
	cfg    config.LLMConfig
	http   *http.Client
	logger *logger.Logger
}

// NewOpenAIClient creates an OpenAI-compatible provider.
func NewOpenAIClient(cfg config.LLMConfig, log *logger.Logger) *OpenAIClient {
	return &OpenAIClient{
		cfg:    cfg,
		http:   &http.Client{},
		logger: log.WithFields(zap.String("component", "llm"), zap.String("model", cfg.Model)),
	}
}

// Name returns the provider identifier.
func (c *OpenAIClient) Name() string { return "openai" }

// Complete sends the conversation to the Chat Completions API.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read completion response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("completion API returned status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse completion response: %w", err)
	}

	resp := toResponse(&apiResp)
	c.logger.Debug("completion finished",
		zap.String("stop_reason", resp.StopReason),
		zap.Int("input_tokens", resp.Usage.InputTokens),
		zap.Int("output_tokens", resp.Usage.OutputTokens))
	return resp, nil
}

func (c *OpenAIClient) buildRequest(req *Request) apiRequest {
	var messages []apiMessage

	if req.SystemPrompt != "" {
		messages = append(messages, apiMessage{Role: "system", Content: req.SystemPrompt})
	}

	for _, m := range req.Messages {
		if len(m.Blocks) > 0 {
			messages = append(messages, convertStructured(m)...)
		} else {
			messages = append(messages, apiMessage{Role: string(m.Role), Content: m.Content})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	apiReq := apiRequest{
		Model:     c.cfg.Model,
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	for _, t := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, apiTool{
			Type: "function",
			Function: apiFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return apiReq
}

// convertStructured maps structured content blocks onto the Chat Completions
// message shapes: assistant tool_use blocks become tool_calls, user
// tool_result blocks become "tool" role messages.
func convertStructured(m Message) []apiMessage {
	if m.Role == RoleAssistant {
		var text string
		var toolCalls []apiToolCall
		for _, b := range m.Blocks {
			switch b.Type {
			case BlockText:
				text += b.Text
			case BlockToolUse:
				inputJSON, _ := json.Marshal(b.Input)
				toolCalls = append(toolCalls, apiToolCall{
					ID:   b.ID,
					Type: "function",
					Function: apiToolCallFunction{
						Name:      b.Name,
						Arguments: string(inputJSON),
					},
				})
			}
		}
		msg := apiMessage{Role: "assistant", Content: text}
		if len(toolCalls) > 0 {
			msg.ToolCalls = toolCalls
		}
		return []apiMessage{msg}
	}

	var msgs []apiMessage
	var text string
	for _, b := range m.Blocks {
		switch b.Type {
		case BlockText:
			text += b.Text
		case BlockToolResult:
			msgs = append(msgs, apiMessage{
				Role:       "tool",
				Content:    b.Text,
				ToolCallID: b.ToolUseID,
			})
		}
	}
	if text != "" {
		msgs = append([]apiMessage{{Role: "user", Content: text}}, msgs...)
	}
	return msgs
}

func toResponse(apiResp *apiResponse) *Response {
	usage := Usage{
		InputTokens:  apiResp.Usage.PromptTokens,
		OutputTokens: apiResp.Usage.CompletionTokens,
	}
	if len(apiResp.Choices) == 0 {
		return &Response{Usage: usage}
	}

	choice := apiResp.Choices[0]
	var blocks []ContentBlock
	if choice.Message.Content != "" {
		blocks = append(blocks, TextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		var input map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
		blocks = append(blocks, ToolUseBlock(tc.ID, tc.Function.Name, input))
	}

	return &Response{
		Content:    choice.Message.Content,
		Blocks:     blocks,
		StopReason: normalizeFinishReason(choice.FinishReason),
		Usage:      usage,
	}
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "tool_calls":
		return "tool_use"
	case "length":
		return "max_tokens"
	default:
		return reason
	}
}

// Chat Completions wire types.

type apiRequest struct {
	Model     string       `json:"model"`
	Messages  []apiMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens"`
	Tools     []apiTool    `json:"tools,omitempty"`
}

type apiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCalls  []apiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type apiTool struct {
	Type     string      `json:"type"`
	Function apiFunction `json:"function"`
}

type apiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type apiToolCall struct {
	ID       string              `json:"id"`
	Type     string              `json:"type"`
	Function apiToolCallFunction `json:"function"`
}

type apiToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type apiResponse struct {
	Choices []apiChoice `json:"choices"`
	Usage   apiUsage    `json:"usage"`
}

type apiChoice struct {
	Message      apiChoiceMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type apiChoiceMessage struct {
	Role      string        `json:"role"`
	Content   string        `json:"content"`
	ToolCalls []apiToolCall `json:"tool_calls,omitempty"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}
