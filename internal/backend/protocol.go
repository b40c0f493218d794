// Package backend implements the tool-backend wire protocol (spec §4.1):
// a child process communicating over stdin/stdout using newline-delimited
// JSON frames, plus a Session that owns one such process for its lifetime.
package backend

import "encoding/json"

// Request is a client→server frame.
type Request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is a server→client frame: exactly one of Result or Error is set.
type Response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject carries a backend-reported tool error.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ListToolsParams is empty: list_tools takes no arguments.
type ListToolsParams struct{}

// ToolSpecWire is a backend's self-description of one tool, decoded from a
// list_tools reply before being converted to chatmsg.ToolSpec by the
// registry (which also applies name qualification).
type ToolSpecWire struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// CallToolParams is the params payload of a call_tool request.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// CallToolResult is the result payload of a successful call_tool reply.
type CallToolResult struct {
	Content string `json:"content"`
}

const (
	MethodListTools = "list_tools"
	MethodCallTool  = "call_tool"
)
