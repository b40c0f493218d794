// Package sse implements the SSE Reassembler (spec C5): it consumes an
// upstream line-oriented `data: <json>\n\n` stream terminated by
// `data: [DONE]`, and either relays it to a client verbatim or folds it
// into a single synthetic ChatCompletion, grounded
// on the teacher's OpenAI stream-delta merge-by-index logic.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/relaymesh/toolgate/internal/apierr"
	"github.com/relaymesh/toolgate/internal/chatmsg"
)

const doneSentinel = "[DONE]"

// chunk mirrors one upstream streaming event's shape: a single choice
// carrying an incremental delta.
type chunk struct {
	Choices []struct {
		Delta struct {
			Content   string                `json:"content"`
			ToolCalls []chatmsg.ToolCall    `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Relay copies each `data: ...` line from r to w verbatim, as it arrives,
// preserving frame boundaries and forwarding the `[DONE]` sentinel. It
// never buffers beyond a single line, per §4.5. If r ends before `[DONE]`
// without any data frame having been relayed, it returns an
// UpstreamTruncated error.
func Relay(ctx context.Context, r io.Reader, w io.Writer, flush func()) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	sawData := false
	sawDone := false
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if data, ok := cutDataPrefix(string(line)); ok {
			if data == doneSentinel {
				sawDone = true
			} else {
				sawData = true
			}
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return err
		}
		if flush != nil {
			flush()
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("relay upstream stream: %w", err)
	}
	if !sawDone && !sawData {
		return apierr.New(apierr.UpstreamTruncated, "upstream stream closed before completion and no content was relayed", nil)
	}
	return nil
}

// toolCallBuilder accumulates one tool call's fragments across chunks,
// keyed by index per §4.5's merge rule: first-seen id/type/name win,
// arguments concatenate in arrival order.
type toolCallBuilder struct {
	call chatmsg.ToolCall
	args bytes.Buffer
}

// Reassemble consumes r and returns a synthetic ChatCompletion structurally
// equivalent to a non-streaming response for the same input, per §4.5.
// logger receives a warning for every tool_call index gap the reassembly
// has to fill with a synthetic error entry; a nil logger falls back to
// slog.Default().
func Reassemble(ctx context.Context, r io.Reader, logger *slog.Logger) (*chatmsg.ChatCompletion, error) {
	if logger == nil {
		logger = slog.Default()
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var content bytes.Buffer
	builders := make(map[int]*toolCallBuilder)
	var order []int
	finishReason := ""
	sawDone := false

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := scanner.Text()
		if line == "" {
			continue
		}
		data, ok := cutDataPrefix(line)
		if !ok {
			continue
		}
		if data == doneSentinel {
			sawDone = true
			break
		}

		var c chunk
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			continue
		}
		if len(c.Choices) == 0 {
			continue
		}
		choice := c.Choices[0]

		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
		}
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			b, known := builders[index]
			if !known {
				b = &toolCallBuilder{}
				builders[index] = b
				order = append(order, index)
			}
			if b.call.ID == "" && tc.ID != "" {
				b.call.ID = tc.ID
			}
			if b.call.Type == "" && tc.Type != "" {
				b.call.Type = tc.Type
			}
			if b.call.Function.Name == "" && tc.Function.Name != "" {
				b.call.Function.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				b.args.WriteString(tc.Function.Arguments)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read upstream stream: %w", err)
	}

	if !sawDone {
		if content.Len() == 0 && len(builders) == 0 {
			return nil, apierr.New(apierr.UpstreamTruncated, "upstream stream closed before completion and no content was produced", nil)
		}
		finishReason = "length"
	}

	toolCalls := denseToolCalls(order, builders, logger)

	message := chatmsg.Message{
		Role:      chatmsg.RoleAssistant,
		Content:   content.String(),
		ToolCalls: toolCalls,
	}

	return &chatmsg.ChatCompletion{
		Choices: []chatmsg.Choice{{Index: 0, Message: message, FinishReason: finishReason}},
	}, nil
}

// denseToolCalls fills every index from 0 up to the highest observed index
// that no delta carried with a synthetic error tool call, so the returned
// slice is dense
// 0..N-1 as §4.5 requires, logging each filled gap via logger.
func denseToolCalls(order []int, builders map[int]*toolCallBuilder, logger *slog.Logger) []chatmsg.ToolCall {
	if len(builders) == 0 {
		return nil
	}

	maxIndex := 0
	for idx := range builders {
		if idx > maxIndex {
			maxIndex = idx
		}
	}

	out := make([]chatmsg.ToolCall, maxIndex+1)
	for i := range out {
		if _, known := builders[i]; !known {
			logger.Warn("filling missing tool_call delta index with synthetic error", "index", i)
		}
		out[i] = syntheticErrorToolCall(i)
	}
	for idx, b := range builders {
		call := b.call
		call.Function.Arguments = b.args.String()
		if call.Type == "" {
			call.Type = "function"
		}
		if call.ID == "" {
			call.ID = "call_" + uuid.NewString()
		}
		out[idx] = call
	}
	return out
}

func syntheticErrorToolCall(index int) chatmsg.ToolCall {
	i := index
	return chatmsg.ToolCall{
		Index: &i,
		ID:    "call_" + uuid.NewString(),
		Type:  "function",
		Function: chatmsg.FunctionCall{
			Name:      "",
			Arguments: `{"error":"missing tool_call delta at this index"}`,
		},
	}
}

func cutDataPrefix(line string) (string, bool) {
	const prefix = "data: "
	if len(line) < len(prefix) || line[:len(prefix)] != prefix {
		return "", false
	}
	return line[len(prefix):], true
}
