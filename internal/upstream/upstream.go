// Package upstream is the HTTP client that talks to the OpenAI-compatible
// chat-completions backend sitting behind this proxy. Both directions
// preserve every field this proxy doesn't type: request bodies are
// forwarded byte-for-byte via chatmsg.ChatRequest.Encode, and non-streaming
// responses are decoded via chatmsg.DecodeChatCompletion's own Extra
// mechanism rather than a struct that would silently drop id/usage/model
// and anything else it doesn't know about, grounded on the teacher's
// OpenAIProvider client construction.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relaymesh/toolgate/internal/apierr"
	"github.com/relaymesh/toolgate/internal/chatmsg"
)

// hopByHopHeaders are stripped from both the inbound request and the
// upstream response, per RFC 7230 §6.1 — they describe this hop's
// connection, not the one being proxied.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

// Client forwards chat-completions requests to the configured upstream.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// Config carries the subset of the proxy config the client needs.
type Config struct {
	BaseURL                 string
	APIKey                  string
	RequestTimeout          time.Duration
	MaxConnections          int
	MaxKeepaliveConnections int
}

// New builds a Client with a connection pool sized from cfg, mirroring the
// teacher's per-provider HTTP client construction.
func New(cfg Config) *Client {
	transport := &http.Transport{
		MaxConnsPerHost:     cfg.MaxConnections,
		MaxIdleConnsPerHost: cfg.MaxKeepaliveConnections,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
	}
}

// Complete issues a non-streaming chat-completions call and decodes the
// response into a chatmsg.ChatCompletion, satisfying orchestrator.Upstream.
func (c *Client) Complete(ctx context.Context, req *chatmsg.ChatRequest) (*chatmsg.ChatCompletion, error) {
	nonStreaming := req.Clone()
	nonStreaming.Stream = false

	body, err := nonStreaming.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode upstream request: %w", err)
	}

	resp, err := c.do(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.New(apierr.UpstreamTransport, "reading upstream response body", err)
	}

	if resp.StatusCode >= 400 {
		return nil, apierr.New(apierr.UpstreamHTTPError, fmt.Sprintf("upstream returned %s: %s", resp.Status, truncate(data, 500)), nil)
	}

	completion, err := chatmsg.DecodeChatCompletion(data)
	if err != nil {
		return nil, apierr.New(apierr.UpstreamTransport, "decode upstream chat completion", err)
	}

	return completion, nil
}

// StreamRaw issues a streaming chat-completions call and returns the raw
// response body for the Request Dispatcher to relay, leaving
// the request body's fidelity untouched.
func (c *Client) StreamRaw(ctx context.Context, req *chatmsg.ChatRequest) (io.ReadCloser, error) {
	streaming := req.Clone()
	streaming.Stream = true

	body, err := streaming.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode upstream request: %w", err)
	}

	resp, err := c.do(ctx, body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, apierr.New(apierr.UpstreamHTTPError, fmt.Sprintf("upstream returned %s: %s", resp.Status, truncate(data, 500)), nil)
	}

	return resp.Body, nil
}

func (c *Client) do(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", c.authorizationHeader(clientAuthHeaderFromContext(ctx)))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apierr.New(apierr.ClientCanceled, "upstream call canceled", ctx.Err())
		}
		return nil, apierr.New(apierr.UpstreamTransport, "calling upstream", err)
	}
	for _, h := range hopByHopHeaders {
		resp.Header.Del(h)
	}
	return resp, nil
}

// authorizationHeader picks the configured API key over the client's own
// Authorization header unless no key is configured, per §6's precedence:
// an operator-provisioned upstream key takes priority so per-client keys
// aren't required to reach a shared upstream.
func (c *Client) authorizationHeader(clientAuthHeader string) string {
	if c.apiKey != "" {
		return "Bearer " + c.apiKey
	}
	return clientAuthHeader
}

type clientAuthContextKey struct{}

// ContextWithClientAuth attaches the inbound request's Authorization header
// to ctx, so Complete and StreamRaw can fall back to it when no upstream
// API key is configured, without widening orchestrator.Upstream's interface.
func ContextWithClientAuth(ctx context.Context, authHeader string) context.Context {
	return context.WithValue(ctx, clientAuthContextKey{}, authHeader)
}

func clientAuthHeaderFromContext(ctx context.Context) string {
	v, _ := ctx.Value(clientAuthContextKey{}).(string)
	return v
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
