package sse

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/relaymesh/toolgate/internal/apierr"
)

func TestRelay_CopiesLinesVerbatimIncludingDone(t *testing.T) {
	input := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n"
	var out bytes.Buffer
	flushed := 0

	err := Relay(context.Background(), strings.NewReader(input), &out, func() { flushed++ })
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	if !strings.Contains(out.String(), "data: [DONE]") {
		t.Errorf("output missing DONE sentinel: %q", out.String())
	}
	if !strings.Contains(out.String(), `"content":"hi"`) {
		t.Errorf("output missing original content: %q", out.String())
	}
	if flushed == 0 {
		t.Error("flush was never called")
	}
}

func TestRelay_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Relay(ctx, strings.NewReader("data: {}\n\ndata: [DONE]\n\n"), &bytes.Buffer{}, nil)
	if err == nil {
		t.Fatal("expected context-canceled error")
	}
}

func chunkLine(content string) string {
	return `data: {"choices":[{"delta":{"content":"` + content + `"}}]}` + "\n"
}

func TestReassemble_ConcatenatesContent(t *testing.T) {
	input := chunkLine("Hello, ") + chunkLine("world!") +
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}` + "\n\ndata: [DONE]\n\n"

	completion, err := Reassemble(context.Background(), strings.NewReader(input), nil)
	if err != nil {
		t.Fatalf("Reassemble() error = %v", err)
	}
	msg, ok := completion.FirstAssistantMessage()
	if !ok {
		t.Fatal("FirstAssistantMessage() returned false")
	}
	if msg.Content != "Hello, world!" {
		t.Errorf("Content = %q, want %q", msg.Content, "Hello, world!")
	}
	if completion.Choices[0].FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want stop", completion.Choices[0].FinishReason)
	}
}

func TestReassemble_MergesToolCallDeltasByIndex(t *testing.T) {
	input := `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"search","arguments":""}}]}}]}` + "\n" +
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}]}` + "\n" +
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]}}]}` + "\n" +
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}` + "\n\ndata: [DONE]\n\n"

	completion, err := Reassemble(context.Background(), strings.NewReader(input), nil)
	if err != nil {
		t.Fatalf("Reassemble() error = %v", err)
	}
	msg, _ := completion.FirstAssistantMessage()
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("len(ToolCalls) = %d, want 1", len(msg.ToolCalls))
	}
	tc := msg.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "search" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Function.Arguments != `{"q":"x"}` {
		t.Errorf("Arguments = %q, want %q", tc.Function.Arguments, `{"q":"x"}`)
	}
}

func TestReassemble_MissingIndexGetsSyntheticErrorToolCall(t *testing.T) {
	input := `data: {"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_2","type":"function","function":{"name":"read","arguments":"{}"}}]}}]}` + "\n" +
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}` + "\n\ndata: [DONE]\n\n"

	completion, err := Reassemble(context.Background(), strings.NewReader(input), nil)
	if err != nil {
		t.Fatalf("Reassemble() error = %v", err)
	}
	msg, _ := completion.FirstAssistantMessage()
	if len(msg.ToolCalls) != 2 {
		t.Fatalf("len(ToolCalls) = %d, want 2 (dense 0..1)", len(msg.ToolCalls))
	}
	if msg.ToolCalls[0].Function.Name != "" {
		t.Errorf("ToolCalls[0] should be synthetic, got %+v", msg.ToolCalls[0])
	}
	if msg.ToolCalls[1].ID != "call_2" {
		t.Errorf("ToolCalls[1] = %+v, want call_2", msg.ToolCalls[1])
	}
}

func TestReassemble_NoDoneNoContent_ReturnsUpstreamTruncated(t *testing.T) {
	_, err := Reassemble(context.Background(), strings.NewReader(""), nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !apierr.Is(err, apierr.UpstreamTruncated) {
		t.Errorf("error kind = %v, want UpstreamTruncated", err)
	}
}

func TestReassemble_NoDoneWithPartialContent_ReportsLengthFinish(t *testing.T) {
	input := chunkLine("partial")

	completion, err := Reassemble(context.Background(), strings.NewReader(input), nil)
	if err != nil {
		t.Fatalf("Reassemble() error = %v", err)
	}
	if completion.Choices[0].FinishReason != "length" {
		t.Errorf("FinishReason = %q, want length", completion.Choices[0].FinishReason)
	}
}
