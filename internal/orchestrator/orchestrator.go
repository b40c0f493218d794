// Package orchestrator implements the Chat Orchestrator (spec C4): the
// bounded agentic loop that augments a request with the tool catalog,
// calls upstream, and repeatedly invokes requested tools until the model
// stops asking for them or the round budget is exhausted.
package orchestrator

import (
	"context"
	"log/slog"

	"github.com/relaymesh/toolgate/internal/apierr"
	"github.com/relaymesh/toolgate/internal/chatmsg"
	"github.com/relaymesh/toolgate/internal/invoker"
	"github.com/relaymesh/toolgate/internal/telemetry"
)

// Upstream is the subset of the upstream client the orchestrator needs:
// a single non-streaming chat-completion call.
type Upstream interface {
	Complete(ctx context.Context, req *chatmsg.ChatRequest) (*chatmsg.ChatCompletion, error)
}

// Catalog supplies the current tool catalog.
type Catalog interface {
	Catalog() []chatmsg.ToolSpec
}

// Invoker runs a batch of tool calls concurrently, returning one result
// per call in order. Satisfied by *invoker.Invoker.
type Invoker interface {
	InvokeAll(ctx context.Context, calls []chatmsg.ToolCall) []invoker.Result
}

// Orchestrator runs the bounded tool-calling loop described in §4.4.
type Orchestrator struct {
	upstream  Upstream
	catalog   Catalog
	invoker   Invoker
	maxRounds int
	tracer    *telemetry.Tracer
	metrics   *telemetry.Metrics
	logger    *slog.Logger
}

// New constructs an Orchestrator. maxRounds is the MAX_ROUNDS budget
// (default 5); at most maxRounds+1 upstream calls are ever made. tracer
// may be nil, in which case a no-op tracer is installed; metrics may be
// nil to skip metric recording entirely.
func New(upstream Upstream, catalog Catalog, inv Invoker, maxRounds int, tracer *telemetry.Tracer, metrics *telemetry.Metrics, logger *slog.Logger) *Orchestrator {
	if maxRounds <= 0 {
		maxRounds = 5
	}
	if tracer == nil {
		tracer, _ = telemetry.NewTracer("")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		upstream:  upstream,
		catalog:   catalog,
		invoker:   inv,
		maxRounds: maxRounds,
		tracer:    tracer,
		metrics:   metrics,
		logger:    logger.With("component", "orchestrator"),
	}
}

// RunResult is the outcome of PrepareFinalRequest's pass over the
// tool-resolution rounds.
type RunResult struct {
	// FinalRequest is ready for the terminal call that would normally
	// produce the answer: accumulated messages (original conversation plus
	// every round's assistant tool_calls message and tool-result messages)
	// and merged tools, Stream forced to true. Nil when Exhausted is true.
	FinalRequest *chatmsg.ChatRequest

	// Exhausted is set when the round budget ran out while tool calls were
	// still pending. There is no single final call left to issue in that
	// case — Completion holds the model's last, unresolved response, to be
	// returned to the client as-is.
	Exhausted  bool
	Completion *chatmsg.ChatCompletion
}

// Run executes the state machine in §4.4 against a local copy of req's
// messages and tools; req itself is never mutated. It returns the final
// ChatCompletion to return to the client.
func (o *Orchestrator) Run(ctx context.Context, req *chatmsg.ChatRequest) (*chatmsg.ChatCompletion, error) {
	completion, _, _, err := o.loop(ctx, req)
	return completion, err
}

// PrepareFinalRequest runs the tool-resolution rounds and returns the
// request to use for the final call, without making that call itself — the
// caller issues it directly, e.g. as a streamed call for the Hybrid
// dispatcher mode (§4.6), so the client sees the actual post-tool answer
// rather than a re-run of the original, tool-result-less request.
func (o *Orchestrator) PrepareFinalRequest(ctx context.Context, req *chatmsg.ChatRequest) (*RunResult, error) {
	completion, local, exhausted, err := o.loop(ctx, req)
	if err != nil {
		return nil, err
	}
	if exhausted {
		return &RunResult{Exhausted: true, Completion: completion}, nil
	}
	local.Stream = true
	return &RunResult{FinalRequest: local}, nil
}

// loop runs §4.4's round-bounded tool-calling state machine. It returns the
// last completion seen, the local request state at the point of
// termination (messages accumulated through tool resolution, not including
// a terminal assistant message with no tool calls of its own), and whether
// the round budget was exhausted with tool calls still pending.
func (o *Orchestrator) loop(ctx context.Context, req *chatmsg.ChatRequest) (completion *chatmsg.ChatCompletion, local *chatmsg.ChatRequest, exhausted bool, err error) {
	local = req.Clone()
	local.Tools = chatmsg.MergeTools(local.Tools, o.catalog.Catalog())
	local.Stream = false

	for round := 0; ; round++ {
		resp, callErr := o.callUpstream(ctx, local, round)
		if callErr != nil {
			return nil, nil, false, callErr
		}
		completion = resp

		assistant, ok := completion.FirstAssistantMessage()
		if !ok {
			return nil, nil, false, apierr.New(apierr.UpstreamTransport, "upstream response had no choices", nil)
		}

		if len(assistant.ToolCalls) == 0 {
			o.recordRounds(round)
			return completion, local, false, nil
		}

		if round >= o.maxRounds {
			o.logger.Info("MaxRoundsReached", "round", round, "pending_tool_calls", len(assistant.ToolCalls))
			if o.metrics != nil {
				o.metrics.MaxRoundsReached.Inc()
			}
			o.recordRounds(round)
			return completion, local, true, nil
		}

		local.Messages = append(local.Messages, assistant)

		results := o.invokeRound(ctx, round, assistant.ToolCalls)
		local.Messages = append(local.Messages, invoker.ToMessages(results)...)
	}
}

func (o *Orchestrator) recordRounds(round int) {
	if o.metrics != nil {
		o.metrics.RoundsPerRequest.Observe(float64(round))
	}
}

func (o *Orchestrator) callUpstream(ctx context.Context, req *chatmsg.ChatRequest, round int) (*chatmsg.ChatCompletion, error) {
	ctx, span := o.tracer.UpstreamCallSpan(ctx, round, false)
	defer span.End()

	completion, err := o.upstream.Complete(ctx, req)
	if err != nil {
		o.tracer.RecordError(span, err)
		return nil, err
	}
	return completion, nil
}

func (o *Orchestrator) invokeRound(ctx context.Context, round int, calls []chatmsg.ToolCall) []invoker.Result {
	ctx, span := o.tracer.RoundSpan(ctx, round, len(calls))
	defer span.End()

	return o.invoker.InvokeAll(ctx, calls)
}
