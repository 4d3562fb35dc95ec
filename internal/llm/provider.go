// Package llm is the provider-agnostic language-model client used by the
// session orchestrator's agent loop.
package llm

import "context"

// Provider abstracts an LLM backend.
type Provider interface {
	// Complete sends a conversation and returns the model's next message.
	Complete(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier.
	Name() string
}

// Request is a full conversation sent to the model.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Tools        []ToolDefinition // nil = no tool use
}

// ToolDefinition describes a tool the model can request.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in the conversation. Plain text lives in Content;
// structured turns (tool use, tool results) live in Blocks.
type Message struct {
	Role    Role
	Content string
	Blocks  []ContentBlock
}

// Text returns the concatenated text content of the message.
func (m *Message) Text() string {
	if len(m.Blocks) == 0 {
		return m.Content
	}
	var s string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			s += b.Text
		}
	}
	return s
}

// Content block type tags.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is a tagged union of message content. Type determines which
// fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock creates a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock creates a tool_use content block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock creates a tool_result content block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Text: content, IsError: isError}
}

// Response is the model's reply.
type Response struct {
	Content    string // concatenated text
	Blocks     []ContentBlock
	StopReason string // end_turn, tool_use, max_tokens
	Usage      Usage
}

// HasToolUse reports whether the model is requesting tool execution.
func (r *Response) HasToolUse() bool {
	return r.StopReason == "tool_use"
}

// ToolUseBlocks returns the tool_use blocks of the response.
func (r *Response) ToolUseBlocks() []ContentBlock {
	var blocks []ContentBlock
	for _, b := range r.Blocks {
		if b.Type == BlockToolUse {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
