// Package boxapi is the typed client for the sandbox-internal HTTP API. The
// core treats that API as a stable black-box contract: one endpoint per tool
// family, a health endpoint, and a cancel endpoint. Streaming endpoints emit
// newline-delimited JSON frames.
package boxapi

import (
	"fmt"

	v1 "github.com/coveworks/cove/pkg/api/v1"
)

// ToolCall is the closed tagged variant of everything the agent can ask a
// sandbox to do. Exactly one of the pointer fields must be set, matching
// Kind.
type ToolCall struct {
	Kind     v1.ToolKind   `json:"kind"`
	Terminal *TerminalCall `json:"terminal,omitempty"`
	Browser  *BrowserCall  `json:"browser,omitempty"`
	File     *FileCall     `json:"file,omitempty"`
	Search   *SearchCall   `json:"search,omitempty"`
	MCP      *MCPCall      `json:"mcp,omitempty"`
}

// Validate checks that exactly the variant matching Kind is populated.
func (tc *ToolCall) Validate() error {
	switch tc.Kind {
	case v1.ToolKindTerminal:
		if tc.Terminal == nil {
			return fmt.Errorf("terminal call missing terminal payload")
		}
	case v1.ToolKindBrowser:
		if tc.Browser == nil {
			return fmt.Errorf("browser call missing browser payload")
		}
	case v1.ToolKindFile:
		if tc.File == nil {
			return fmt.Errorf("file call missing file payload")
		}
	case v1.ToolKindWebSearch:
		if tc.Search == nil {
			return fmt.Errorf("web-search call missing search payload")
		}
	case v1.ToolKindExternalMCP:
		if tc.MCP == nil {
			return fmt.Errorf("external-mcp call missing mcp payload")
		}
	default:
		return fmt.Errorf("unknown tool kind %q", tc.Kind)
	}
	return nil
}

// Summary returns a short human-readable description for event payloads.
func (tc *ToolCall) Summary() string {
	switch tc.Kind {
	case v1.ToolKindTerminal:
		return tc.Terminal.Command
	case v1.ToolKindBrowser:
		return fmt.Sprintf("%s %s", tc.Browser.Action, tc.Browser.URL)
	case v1.ToolKindFile:
		return fmt.Sprintf("%s %s", tc.File.Op, tc.File.Path)
	case v1.ToolKindWebSearch:
		return tc.Search.Query
	case v1.ToolKindExternalMCP:
		return fmt.Sprintf("%s/%s", tc.MCP.Server, tc.MCP.Tool)
	}
	return string(tc.Kind)
}

// TerminalCall runs a shell command inside the sandbox.
type TerminalCall struct {
	Command    string            `json:"command"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// BrowserCall drives the sandbox's browser.
type BrowserCall struct {
	Action   string `json:"action"` // navigate, click, type, screenshot, scroll
	URL      string `json:"url,omitempty"`
	Selector string `json:"selector,omitempty"`
	Text     string `json:"text,omitempty"`
}

// FileCall reads or writes a file inside the sandbox.
type FileCall struct {
	Op      string `json:"op"` // read or write
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

// SearchCall performs a web search from inside the sandbox.
type SearchCall struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

// MCPCall invokes a tool on an externally-configured MCP server. These are
// routed host-side by the gateway and never reach the sandbox API.
type MCPCall struct {
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Chunk is one frame of streamed tool output, in production order.
type Chunk struct {
	Stream string `json:"stream,omitempty"` // stdout or stderr
	Data   string `json:"data"`
}

// Result is the terminal frame of a tool invocation.
type Result struct {
	Output   string `json:"output,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
}

// frame is the ndjson envelope emitted by streaming endpoints. Exactly one
// field is set per line; the result frame is always last.
type frame struct {
	Chunk  *Chunk  `json:"chunk,omitempty"`
	Result *Result `json:"result,omitempty"`
}
