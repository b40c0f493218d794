// Package chatmsg models the OpenAI-compatible chat-completions wire
// shapes the orchestrator needs to read and mutate, while preserving every
// other field of the original request verbatim.
//
// A ChatRequest is not a single struct decode: the request body is kept as
// a map of raw JSON fields, and only the fields the orchestrator actually
// touches (model, messages, tools, stream) are typed and re-encoded. Every
// other key — including ones this proxy has never heard of — survives a
// round trip byte-for-byte.
package chatmsg

import (
	"encoding/json"
	"fmt"
)

// Role is a chat message's author role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// FunctionCall is the function half of a tool call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// Message is one entry in the conversation. Every message, including the
// ones that originate from the client, is decoded into this struct, so only
// role, content (as a string), tool_calls and tool_call_id survive a round
// trip; any other key on a message is dropped when the request is
// re-encoded.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// FunctionDefinition describes a callable tool's name, description and
// JSON Schema parameters, in the shape the model expects under `tools`.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolSpec is one entry of the request's `tools` array.
type ToolSpec struct {
	Type     string              `json:"type"`
	Function FunctionDefinition  `json:"function"`
}

// ChatRequest is a chat-completions request with `model`, `messages`,
// `tools` and `stream` typed for mutation, and every other field preserved
// opaquely in Extra.
type ChatRequest struct {
	Model    string     `json:"-"`
	Messages []Message  `json:"-"`
	Tools    []ToolSpec `json:"-"`
	Stream   bool       `json:"-"`

	// Extra holds every field of the original request body except model,
	// messages, tools and stream, keyed exactly as received.
	Extra map[string]json.RawMessage `json:"-"`
}

// DecodeChatRequest parses body into a ChatRequest, typing only the fields
// the orchestrator needs and stashing everything else in Extra.
func DecodeChatRequest(body []byte) (*ChatRequest, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode request body: %w", err)
	}

	req := &ChatRequest{Extra: raw}

	if v, ok := raw["model"]; ok {
		if err := json.Unmarshal(v, &req.Model); err != nil {
			return nil, fmt.Errorf("decode model: %w", err)
		}
		delete(req.Extra, "model")
	}

	if v, ok := raw["messages"]; ok {
		if err := json.Unmarshal(v, &req.Messages); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
		delete(req.Extra, "messages")
	}

	if v, ok := raw["tools"]; ok {
		if err := json.Unmarshal(v, &req.Tools); err != nil {
			return nil, fmt.Errorf("decode tools: %w", err)
		}
		delete(req.Extra, "tools")
	}

	if v, ok := raw["stream"]; ok {
		if err := json.Unmarshal(v, &req.Stream); err != nil {
			return nil, fmt.Errorf("decode stream: %w", err)
		}
		delete(req.Extra, "stream")
	}

	return req, nil
}

// Encode re-marshals the request: typed fields are re-encoded, Extra is
// merged back in verbatim, so unknown fields survive byte-for-byte.
func (r *ChatRequest) Encode() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.Extra)+4)
	for k, v := range r.Extra {
		out[k] = v
	}

	modelJSON, err := json.Marshal(r.Model)
	if err != nil {
		return nil, fmt.Errorf("encode model: %w", err)
	}
	out["model"] = modelJSON

	messagesJSON, err := json.Marshal(r.Messages)
	if err != nil {
		return nil, fmt.Errorf("encode messages: %w", err)
	}
	out["messages"] = messagesJSON

	if len(r.Tools) > 0 {
		toolsJSON, err := json.Marshal(r.Tools)
		if err != nil {
			return nil, fmt.Errorf("encode tools: %w", err)
		}
		out["tools"] = toolsJSON
	} else {
		delete(out, "tools")
	}

	streamJSON, err := json.Marshal(r.Stream)
	if err != nil {
		return nil, fmt.Errorf("encode stream: %w", err)
	}
	out["stream"] = streamJSON

	return json.Marshal(out)
}

// Clone returns a deep-enough copy for the orchestrator to mutate locally
// without touching the caller's request. Extra is shared (never mutated
// after decode); Messages and Tools get fresh backing slices.
func (r *ChatRequest) Clone() *ChatRequest {
	clone := &ChatRequest{
		Model:  r.Model,
		Stream: r.Stream,
		Extra:  r.Extra,
	}
	clone.Messages = append([]Message(nil), r.Messages...)
	clone.Tools = append([]ToolSpec(nil), r.Tools...)
	return clone
}

// ChatCompletion is an upstream chat-completion response with `choices`
// typed for the orchestrator's inspection (only the first choice matters
// per §4.4) and every other top-level field — id, object, created, model,
// usage, system_fingerprint, logprobs, and anything else the upstream
// sends — preserved opaquely in Extra, mirroring ChatRequest's Extra
// handling so a client gets back the exact object the upstream sent.
type ChatCompletion struct {
	Choices []Choice `json:"-"`

	// Extra holds every top-level field of the original response except
	// choices, keyed exactly as received. Nil for completions synthesized
	// by the SSE reassembler, which has no upstream response body to
	// preserve.
	Extra map[string]json.RawMessage `json:"-"`
}

// Choice is one completion candidate.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// DecodeChatCompletion parses body into a ChatCompletion, typing only
// choices and stashing every other top-level field in Extra.
func DecodeChatCompletion(body []byte) (*ChatCompletion, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode chat completion body: %w", err)
	}

	completion := &ChatCompletion{Extra: raw}

	if v, ok := raw["choices"]; ok {
		if err := json.Unmarshal(v, &completion.Choices); err != nil {
			return nil, fmt.Errorf("decode choices: %w", err)
		}
		delete(completion.Extra, "choices")
	}

	return completion, nil
}

// Encode re-marshals the completion: choices are re-encoded from the typed
// field, Extra is merged back in verbatim, so id/object/created/model/usage
// and any other upstream field survive byte-for-byte even after a hook
// mutates Choices.
func (c *ChatCompletion) Encode() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(c.Extra)+1)
	for k, v := range c.Extra {
		out[k] = v
	}

	choicesJSON, err := json.Marshal(c.Choices)
	if err != nil {
		return nil, fmt.Errorf("encode choices: %w", err)
	}
	out["choices"] = choicesJSON

	return json.Marshal(out)
}

// FirstAssistantMessage returns the first choice's message, or a zero
// Message if the response carried no choices (treated as a transport
// anomaly by the caller).
func (c *ChatCompletion) FirstAssistantMessage() (Message, bool) {
	if len(c.Choices) == 0 {
		return Message{}, false
	}
	return c.Choices[0].Message, true
}

// MergeTools unions client-supplied tool specs with the backend catalog's
// specs, deduplicating by function name. Client entries win on conflict,
// per §3's ToolSpec invariant.
func MergeTools(client []ToolSpec, catalog []ToolSpec) []ToolSpec {
	byName := make(map[string]ToolSpec, len(client)+len(catalog))
	order := make([]string, 0, len(client)+len(catalog))

	for _, t := range catalog {
		if _, ok := byName[t.Function.Name]; !ok {
			order = append(order, t.Function.Name)
		}
		byName[t.Function.Name] = t
	}
	for _, t := range client {
		if _, ok := byName[t.Function.Name]; !ok {
			order = append(order, t.Function.Name)
		}
		byName[t.Function.Name] = t // client wins on conflict
	}

	merged := make([]ToolSpec, 0, len(order))
	for _, name := range order {
		merged = append(merged, byName[name])
	}
	return merged
}
