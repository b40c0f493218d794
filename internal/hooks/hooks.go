// Package hooks implements the proxy's optional before-request/after-response
// transforms: a simple ordered chain of pure functions composed around the
// Request Dispatcher, grounded on the teacher's plugin hook runner but
// trimmed to the single register/run shape the proxy actually needs —
// nothing in the orchestrator depends on these.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaymesh/toolgate/internal/chatmsg"
)

// BeforeRequest transforms or rejects a decoded chat-completions request
// before it reaches the Dispatcher's mode selection.
type BeforeRequest func(ctx context.Context, req *chatmsg.ChatRequest) (*chatmsg.ChatRequest, error)

// AfterResponse transforms a buffered (non-streaming) completion before it
// is written back to the client. Streaming responses bypass this hook:
// there is no buffered object to transform. The dispatcher runs it on the
// NonStream-with-tools path only; the completion Hybrid writes directly
// when its round budget runs out does not pass through it.
type AfterResponse func(ctx context.Context, completion *chatmsg.ChatCompletion) (*chatmsg.ChatCompletion, error)

// Chain holds an ordered list of before/after hooks, run in registration
// order. A Chain with no hooks registered is a no-op pass-through.
type Chain struct {
	mu     sync.RWMutex
	before []namedBeforeHook
	after  []namedAfterHook
	logger *slog.Logger
}

type namedBeforeHook struct {
	name string
	fn   BeforeRequest
}

type namedAfterHook struct {
	name string
	fn   AfterResponse
}

// New builds an empty Chain.
func New(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{logger: logger.With("component", "hooks")}
}

// RegisterBeforeRequest appends a before-request hook, run after any hook
// registered earlier.
func (c *Chain) RegisterBeforeRequest(name string, fn BeforeRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.before = append(c.before, namedBeforeHook{name: name, fn: fn})
}

// RegisterAfterResponse appends an after-response hook.
func (c *Chain) RegisterAfterResponse(name string, fn AfterResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.after = append(c.after, namedAfterHook{name: name, fn: fn})
}

// RunBeforeRequest applies every registered before-request hook in order,
// stopping at the first error.
func (c *Chain) RunBeforeRequest(ctx context.Context, req *chatmsg.ChatRequest) (*chatmsg.ChatRequest, error) {
	c.mu.RLock()
	hooks := append([]namedBeforeHook(nil), c.before...)
	c.mu.RUnlock()

	for _, h := range hooks {
		next, err := h.fn(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("before-request hook %q: %w", h.name, err)
		}
		req = next
	}
	return req, nil
}

// RunAfterResponse applies every registered after-response hook in order,
// stopping at the first error.
func (c *Chain) RunAfterResponse(ctx context.Context, completion *chatmsg.ChatCompletion) (*chatmsg.ChatCompletion, error) {
	c.mu.RLock()
	hooks := append([]namedAfterHook(nil), c.after...)
	c.mu.RUnlock()

	for _, h := range hooks {
		next, err := h.fn(ctx, completion)
		if err != nil {
			return nil, fmt.Errorf("after-response hook %q: %w", h.name, err)
		}
		completion = next
	}
	return completion, nil
}
