package orchestrator

import (
	"context"
	"testing"

	"github.com/relaymesh/toolgate/internal/chatmsg"
	"github.com/relaymesh/toolgate/internal/invoker"
)

type fakeUpstream struct {
	responses []*chatmsg.ChatCompletion
	calls     int
}

func (f *fakeUpstream) Complete(ctx context.Context, req *chatmsg.ChatRequest) (*chatmsg.ChatCompletion, error) {
	resp := f.responses[f.calls]
	f.calls++
	return resp, nil
}

type fakeCatalog struct{ tools []chatmsg.ToolSpec }

func (f *fakeCatalog) Catalog() []chatmsg.ToolSpec { return f.tools }

type fakeInvoker struct {
	results []invoker.Result
	calls   int
}

func (f *fakeInvoker) InvokeAll(ctx context.Context, calls []chatmsg.ToolCall) []invoker.Result {
	f.calls++
	return f.results
}

func assistantWithTools(calls ...chatmsg.ToolCall) *chatmsg.ChatCompletion {
	return &chatmsg.ChatCompletion{Choices: []chatmsg.Choice{{
		Message: chatmsg.Message{Role: chatmsg.RoleAssistant, ToolCalls: calls},
	}}}
}

func assistantFinal(content string) *chatmsg.ChatCompletion {
	return &chatmsg.ChatCompletion{Choices: []chatmsg.Choice{{
		Message: chatmsg.Message{Role: chatmsg.RoleAssistant, Content: content},
	}}}
}

func TestOrchestrator_NoToolCalls_ReturnsImmediately(t *testing.T) {
	upstream := &fakeUpstream{responses: []*chatmsg.ChatCompletion{assistantFinal("hello")}}
	o := New(upstream, &fakeCatalog{}, &fakeInvoker{}, 5, nil, nil, nil)

	req := &chatmsg.ChatRequest{Model: "gpt-4", Messages: []chatmsg.Message{{Role: chatmsg.RoleUser, Content: "hi"}}}
	completion, err := o.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if upstream.calls != 1 {
		t.Errorf("upstream.calls = %d, want 1", upstream.calls)
	}
	msg, _ := completion.FirstAssistantMessage()
	if msg.Content != "hello" {
		t.Errorf("content = %q, want %q", msg.Content, "hello")
	}
}

func TestOrchestrator_ToolLoop_AppendsResultsAndCallsAgain(t *testing.T) {
	call := chatmsg.ToolCall{ID: "1", Function: chatmsg.FunctionCall{Name: "echo", Arguments: `{}`}}
	upstream := &fakeUpstream{responses: []*chatmsg.ChatCompletion{
		assistantWithTools(call),
		assistantFinal("done"),
	}}
	inv := &fakeInvoker{results: []invoker.Result{{ToolCallID: "1", Content: "echoed"}}}
	o := New(upstream, &fakeCatalog{}, inv, 5, nil, nil, nil)

	req := &chatmsg.ChatRequest{Messages: []chatmsg.Message{{Role: chatmsg.RoleUser, Content: "hi"}}}
	completion, err := o.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if upstream.calls != 2 {
		t.Errorf("upstream.calls = %d, want 2", upstream.calls)
	}
	if inv.calls != 1 {
		t.Errorf("invoker.calls = %d, want 1", inv.calls)
	}
	msg, _ := completion.FirstAssistantMessage()
	if msg.Content != "done" {
		t.Errorf("content = %q, want %q", msg.Content, "done")
	}
}

func TestOrchestrator_DoesNotMutateClientRequest(t *testing.T) {
	call := chatmsg.ToolCall{ID: "1", Function: chatmsg.FunctionCall{Name: "echo", Arguments: `{}`}}
	upstream := &fakeUpstream{responses: []*chatmsg.ChatCompletion{
		assistantWithTools(call),
		assistantFinal("done"),
	}}
	inv := &fakeInvoker{results: []invoker.Result{{ToolCallID: "1", Content: "echoed"}}}
	o := New(upstream, &fakeCatalog{}, inv, 5, nil, nil, nil)

	req := &chatmsg.ChatRequest{Messages: []chatmsg.Message{{Role: chatmsg.RoleUser, Content: "hi"}}}
	originalLen := len(req.Messages)

	if _, err := o.Run(context.Background(), req); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(req.Messages) != originalLen {
		t.Errorf("client request was mutated: len(Messages) = %d, want %d", len(req.Messages), originalLen)
	}
}

func TestOrchestrator_MaxRoundsReached_ReturnsLastResponseEvenWithPendingTools(t *testing.T) {
	call := chatmsg.ToolCall{ID: "1", Function: chatmsg.FunctionCall{Name: "echo", Arguments: `{}`}}
	responses := make([]*chatmsg.ChatCompletion, 0, 3)
	for i := 0; i < 3; i++ {
		responses = append(responses, assistantWithTools(call))
	}
	upstream := &fakeUpstream{responses: responses}
	inv := &fakeInvoker{results: []invoker.Result{{ToolCallID: "1", Content: "echoed"}}}
	o := New(upstream, &fakeCatalog{}, inv, 2, nil, nil, nil)

	req := &chatmsg.ChatRequest{Messages: []chatmsg.Message{{Role: chatmsg.RoleUser, Content: "hi"}}}
	completion, err := o.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// MaxRounds=2 means at most 3 upstream calls (rounds 0,1,2).
	if upstream.calls != 3 {
		t.Errorf("upstream.calls = %d, want 3", upstream.calls)
	}
	msg, ok := completion.FirstAssistantMessage()
	if !ok || len(msg.ToolCalls) == 0 {
		t.Error("expected the final response to still carry pending tool_calls, unforced")
	}
}

func TestPrepareFinalRequest_IncludesToolResultsAndMergedTools(t *testing.T) {
	call := chatmsg.ToolCall{ID: "1", Function: chatmsg.FunctionCall{Name: "echo", Arguments: `{}`}}
	upstream := &fakeUpstream{responses: []*chatmsg.ChatCompletion{
		assistantWithTools(call),
		assistantFinal("done"),
	}}
	inv := &fakeInvoker{results: []invoker.Result{{ToolCallID: "1", Content: "echoed"}}}
	catalog := &fakeCatalog{tools: []chatmsg.ToolSpec{{Function: chatmsg.FunctionDefinition{Name: "echo"}}}}
	o := New(upstream, catalog, inv, 5, nil, nil, nil)

	req := &chatmsg.ChatRequest{Messages: []chatmsg.Message{{Role: chatmsg.RoleUser, Content: "hi"}}, Stream: true}
	result, err := o.PrepareFinalRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("PrepareFinalRequest() error = %v", err)
	}
	if result.Exhausted {
		t.Fatal("expected a clean termination, not Exhausted")
	}
	if result.FinalRequest == nil {
		t.Fatal("expected a non-nil FinalRequest")
	}
	if !result.FinalRequest.Stream {
		t.Error("FinalRequest.Stream = false, want true for a streamed final call")
	}

	// Original user message, the assistant's tool_calls message, and the
	// tool-result message — but not a second "done" assistant message: that
	// belongs to the streamed final call the caller still has to make.
	if len(result.FinalRequest.Messages) != 3 {
		t.Fatalf("len(FinalRequest.Messages) = %d, want 3", len(result.FinalRequest.Messages))
	}
	if result.FinalRequest.Messages[1].Role != chatmsg.RoleAssistant || len(result.FinalRequest.Messages[1].ToolCalls) != 1 {
		t.Errorf("Messages[1] = %+v, want the assistant's tool_calls message", result.FinalRequest.Messages[1])
	}
	if result.FinalRequest.Messages[2].Role != chatmsg.RoleTool {
		t.Errorf("Messages[2] = %+v, want the tool-result message", result.FinalRequest.Messages[2])
	}

	found := false
	for _, ts := range result.FinalRequest.Tools {
		if ts.Function.Name == "echo" {
			found = true
		}
	}
	if !found {
		t.Error("FinalRequest.Tools should include the catalog's merged tools")
	}
}

func TestPrepareFinalRequest_Exhausted_ReturnsCompletionDirectly(t *testing.T) {
	call := chatmsg.ToolCall{ID: "1", Function: chatmsg.FunctionCall{Name: "echo", Arguments: `{}`}}
	responses := make([]*chatmsg.ChatCompletion, 0, 2)
	for i := 0; i < 2; i++ {
		responses = append(responses, assistantWithTools(call))
	}
	upstream := &fakeUpstream{responses: responses}
	inv := &fakeInvoker{results: []invoker.Result{{ToolCallID: "1", Content: "echoed"}}}
	o := New(upstream, &fakeCatalog{}, inv, 1, nil, nil, nil)

	req := &chatmsg.ChatRequest{Messages: []chatmsg.Message{{Role: chatmsg.RoleUser, Content: "hi"}}, Stream: true}
	result, err := o.PrepareFinalRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("PrepareFinalRequest() error = %v", err)
	}
	if !result.Exhausted {
		t.Fatal("expected Exhausted = true")
	}
	if result.FinalRequest != nil {
		t.Error("expected a nil FinalRequest when exhausted")
	}
	msg, ok := result.Completion.FirstAssistantMessage()
	if !ok || len(msg.ToolCalls) == 0 {
		t.Error("expected Completion to carry the unresolved tool_calls")
	}
}
