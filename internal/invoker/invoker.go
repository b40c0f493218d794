// Package invoker implements the Tool Invoker (spec C3): it takes the
// ordered tool_calls a model produced and runs them concurrently against
// the registry, returning one tool-role result per call, in the same
// order, regardless of individual failures.
package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/relaymesh/toolgate/internal/apierr"
	"github.com/relaymesh/toolgate/internal/chatmsg"
)

// Caller is the subset of *registry.Registry the invoker depends on. Kept
// as an interface so tests can supply a fake without starting real
// backend processes.
type Caller interface {
	Invoke(ctx context.Context, qualifiedName string, argumentsJSON json.RawMessage) (string, error)
	Schema(qualifiedName string) (*jsonschema.Schema, bool)
}

// Result is one tool call's outcome, always produced even on failure.
type Result struct {
	ToolCallID string
	Content    string
}

// Invoker runs tool-call batches concurrently with per-call timeouts.
type Invoker struct {
	caller  Caller
	timeout time.Duration
	logger  *slog.Logger
}

// New constructs an Invoker. timeout is the per-call default; each call
// gets its own independent deadline derived from it.
func New(caller Caller, timeout time.Duration, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{caller: caller, timeout: timeout, logger: logger.With("component", "invoker")}
}

// InvokeAll runs every call in calls concurrently and returns one Result
// per call, in the same order, per §4.3. The batch never short-circuits:
// a failing or timed-out call only affects its own entry.
func (inv *Invoker) InvokeAll(ctx context.Context, calls []chatmsg.ToolCall) []Result {
	results := make([]Result, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call chatmsg.ToolCall) {
			defer wg.Done()
			results[i] = inv.invokeOne(ctx, call)
		}(i, call)
	}
	wg.Wait()

	return results
}

func (inv *Invoker) invokeOne(ctx context.Context, call chatmsg.ToolCall) Result {
	name := call.Function.Name

	var args json.RawMessage
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		inv.logger.Warn("invalid tool arguments", "tool", name, "error", err)
		return Result{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("Error: invalid tool arguments: %v", err),
		}
	}

	if schema, ok := inv.caller.Schema(name); ok && schema != nil {
		var decoded any
		if err := json.Unmarshal(args, &decoded); err == nil {
			if err := schema.Validate(decoded); err != nil {
				inv.logger.Warn("tool arguments failed schema validation", "tool", name, "error", err)
				return Result{
					ToolCallID: call.ID,
					Content:    fmt.Sprintf("Error: invalid tool arguments: %v", err),
				}
			}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	content, err := inv.caller.Invoke(callCtx, name, args)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return Result{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("Error: tool '%s' timed out after %ds", name, int(inv.timeout.Seconds())),
			}
		}
		if apiErr, ok := apierr.As(err); ok {
			return Result{ToolCallID: call.ID, Content: fmt.Sprintf("Error: %s", apiErr.Message)}
		}
		return Result{ToolCallID: call.ID, Content: fmt.Sprintf("Error: %v", err)}
	}

	return Result{ToolCallID: call.ID, Content: content}
}

// ToMessages converts results into tool-role messages in the same order,
// ready to be appended to the conversation per §4.4's Append step.
func ToMessages(results []Result) []chatmsg.Message {
	messages := make([]chatmsg.Message, len(results))
	for i, r := range results {
		messages[i] = chatmsg.Message{
			Role:       chatmsg.RoleTool,
			Content:    r.Content,
			ToolCallID: r.ToolCallID,
		}
	}
	return messages
}
