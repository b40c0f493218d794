// Package dispatcher implements the Request Dispatcher (spec C6): it picks
// one of three request-handling modes for the chat-completions path and
// wires the orchestrator, upstream client, and SSE relay accordingly,
// grounded on the teacher's internal/gateway http_server.go mux wiring and
// internal/web middleware/response-writer conventions.
package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/relaymesh/toolgate/internal/apierr"
	"github.com/relaymesh/toolgate/internal/chatmsg"
	"github.com/relaymesh/toolgate/internal/orchestrator"
	"github.com/relaymesh/toolgate/internal/sse"
	"github.com/relaymesh/toolgate/internal/telemetry"
	"github.com/relaymesh/toolgate/internal/upstream"
)

// maxRequestBodyBytes bounds the size of an inbound chat-completions body,
// mirroring the teacher's own API body-size cap.
const maxRequestBodyBytes = 10 * 1024 * 1024

// Orchestrator is the tool-calling loop the Dispatcher delegates
// non-streaming and hybrid requests to.
type Orchestrator interface {
	Run(ctx context.Context, req *chatmsg.ChatRequest) (*chatmsg.ChatCompletion, error)

	// PrepareFinalRequest runs the tool-resolution rounds and returns the
	// request to issue as Hybrid's final streamed call, carrying the
	// accumulated tool-result messages and merged tools rather than the
	// client's original, tool-result-less request.
	PrepareFinalRequest(ctx context.Context, req *chatmsg.ChatRequest) (*orchestrator.RunResult, error)
}

// Upstream is the subset of the upstream client the Dispatcher calls
// directly for pass-through and hybrid-final streaming calls.
type Upstream interface {
	StreamRaw(ctx context.Context, req *chatmsg.ChatRequest) (io.ReadCloser, error)
}

// BackendPresence reports whether any tool backend is currently available,
// deciding the Hybrid-vs-pass-through fork in the mode table.
type BackendPresence interface {
	HasBackends() bool
}

// HookChain runs the optional before-request/after-response transforms
// around the Dispatcher. A nil HookChain is treated as a no-op.
type HookChain interface {
	RunBeforeRequest(ctx context.Context, req *chatmsg.ChatRequest) (*chatmsg.ChatRequest, error)
	RunAfterResponse(ctx context.Context, completion *chatmsg.ChatCompletion) (*chatmsg.ChatCompletion, error)
}

// Dispatcher routes chat-completions requests to one of the four modes in
// §4.6's table and byte-forwards everything else to the upstream gateway.
type Dispatcher struct {
	orchestrator   Orchestrator
	upstream       Upstream
	backends       BackendPresence
	forwarder      http.Handler
	hooks          HookChain
	hybridEnabled  bool
	requestTimeout time.Duration
	metrics        *telemetry.Metrics
	logger         *slog.Logger
}

// Config wires a Dispatcher's collaborators.
type Config struct {
	Orchestrator  Orchestrator
	Upstream      Upstream
	Backends      BackendPresence
	Forwarder     http.Handler
	Hooks         HookChain
	HybridEnabled bool

	// RequestTimeout bounds one chat-completions request end to end — every
	// orchestrator round and tool invocation together, not just a single
	// upstream call — per §5's outer request budget. Zero disables it.
	RequestTimeout time.Duration

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// New builds a Dispatcher from cfg.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		orchestrator:   cfg.Orchestrator,
		upstream:       cfg.Upstream,
		backends:       cfg.Backends,
		forwarder:      cfg.Forwarder,
		hooks:          cfg.Hooks,
		hybridEnabled:  cfg.HybridEnabled,
		requestTimeout: cfg.RequestTimeout,
		metrics:        cfg.Metrics,
		logger:         logger.With("component", "dispatcher"),
	}
}

// Mount registers the Dispatcher's routes on mux, matching §4.6's client
// HTTP surface: the chat-completions path with or without a /v1 prefix,
// the /health endpoint, and the byte-forwarder for every other path.
// /metrics is not mounted here.
func (d *Dispatcher) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.HandleFunc("POST /v1/chat/completions", d.handleChatCompletions)
	mux.HandleFunc("POST /chat/completions", d.handleChatCompletions)
	if d.forwarder != nil {
		mux.Handle("/", d.forwarder)
	}
}

func (d *Dispatcher) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *Dispatcher) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeAPIError(w, apierr.New(apierr.ConfigInvalid, "reading request body", err))
		return
	}

	req, err := chatmsg.DecodeChatRequest(body)
	if err != nil {
		writeAPIError(w, apierr.New(apierr.ConfigInvalid, "decoding request body: "+err.Error(), nil))
		return
	}

	ctx := r.Context()
	if d.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.requestTimeout)
		defer cancel()
	}
	ctx = upstream.ContextWithClientAuth(ctx, r.Header.Get("Authorization"))

	if d.hooks != nil {
		req, err = d.hooks.RunBeforeRequest(ctx, req)
		if err != nil {
			writeAPIError(w, apierr.New(apierr.ConfigInvalid, err.Error(), nil))
			return
		}
	}

	switch d.selectMode(req) {
	case modeNonStream:
		d.recordMode("nonstream")
		d.runNonStream(ctx, w, req)
	case modeHybrid:
		d.recordMode("hybrid")
		d.runHybrid(ctx, w, req)
	default:
		d.recordMode("passthrough")
		d.runPassThroughStream(ctx, w, req)
	}
}

type mode int

const (
	modeNonStream mode = iota
	modeHybrid
	modePassThrough
)

// selectMode implements §4.6's table.
func (d *Dispatcher) selectMode(req *chatmsg.ChatRequest) mode {
	if !req.Stream {
		return modeNonStream
	}
	if d.hybridEnabled && d.backends != nil && d.backends.HasBackends() {
		return modeHybrid
	}
	return modePassThrough
}

func (d *Dispatcher) recordMode(m string) {
	if d.metrics != nil {
		d.metrics.RecordDispatcherMode(m)
	}
}

func (d *Dispatcher) runNonStream(ctx context.Context, w http.ResponseWriter, req *chatmsg.ChatRequest) {
	completion, err := d.orchestrator.Run(ctx, req)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if d.hooks != nil {
		completion, err = d.hooks.RunAfterResponse(ctx, completion)
		if err != nil {
			writeAPIError(w, apierr.New(apierr.ConfigInvalid, err.Error(), nil))
			return
		}
	}
	writeChatCompletion(w, http.StatusOK, completion)
}

// runPassThroughStream opens the upstream call directly in streaming mode
// and relays it byte-for-byte; no tool loop runs.
func (d *Dispatcher) runPassThroughStream(ctx context.Context, w http.ResponseWriter, req *chatmsg.ChatRequest) {
	body, err := d.upstream.StreamRaw(ctx, req)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	defer body.Close()
	d.relay(ctx, w, body)
}

// runHybrid delegates the tool loop to the orchestrator, which calls
// upstream with stream=false at every iteration, then issues one final
// streamed call whose output is relayed to the client, per §4.6. The final
// call carries the accumulated tool-result messages and merged tools the
// orchestrator resolved, not the client's original request, so concatenating
// its stream reproduces the non-streaming equivalent per §8's round-trip
// law. If the round budget was exhausted with calls still pending, there is
// no clean final call to make, so the last unresolved completion is
// returned directly instead of being streamed.
func (d *Dispatcher) runHybrid(ctx context.Context, w http.ResponseWriter, req *chatmsg.ChatRequest) {
	result, err := d.orchestrator.PrepareFinalRequest(ctx, req)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if result.Exhausted {
		writeChatCompletion(w, http.StatusOK, result.Completion)
		return
	}
	d.runPassThroughStream(ctx, w, result.FinalRequest)
}

func (d *Dispatcher) relay(ctx context.Context, w http.ResponseWriter, body io.Reader) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	if err := sse.Relay(ctx, body, w, flush); err != nil {
		d.logger.Warn("stream relay ended with error", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeChatCompletion writes completion the way a verbatim upstream
// response must be written: through its own Encode, which merges Extra's
// opaque fields (id, usage, system_fingerprint, ...) back in, rather than
// through writeJSON's generic struct marshaling, which would see only
// Choices and drop everything else.
func writeChatCompletion(w http.ResponseWriter, status int, completion *chatmsg.ChatCompletion) {
	body, err := completion.Encode()
	if err != nil {
		writeAPIError(w, apierr.New(apierr.UpstreamTransport, "encode chat completion", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeAPIError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	kind := apierr.UpstreamTransport
	if apiErr, ok := apierr.As(err); ok {
		kind = apiErr.Kind
		switch apiErr.Kind {
		case apierr.ConfigInvalid:
			status = http.StatusBadRequest
		case apierr.UpstreamHTTPError:
			status = http.StatusBadGateway
		case apierr.ClientCanceled:
			status = 499
		case apierr.MaxRoundsReached:
			status = http.StatusOK
		}
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"type":    string(kind),
		},
	})
}
