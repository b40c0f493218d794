// Package proxy byte-forwards every request that isn't a chat-completions
// call to the upstream gateway, preserving headers and body verbatim
// (including streaming responses).
package proxy

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// New builds an http.Handler that forwards requests to upstreamBaseURL,
// stripping hop-by-hop headers on both legs and logging proxy errors the
// way the Dispatcher logs its own request-handling failures.
func New(upstreamBaseURL string, logger *slog.Logger) (http.Handler, error) {
	target, err := url.Parse(upstreamBaseURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "byte_forwarder")

	rp := httputil.NewSingleHostReverseProxy(target)
	originalDirector := rp.Director
	rp.Director = func(r *http.Request) {
		originalDirector(r)
		r.Host = target.Host
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("forwarding request failed", "path", r.URL.Path, "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}
	return rp, nil
}
