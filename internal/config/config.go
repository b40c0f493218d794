// Package config holds the proxy's runtime configuration: its shape, its
// defaults, and FromEnv, which overrides the defaults from environment
// variables. Loading the backend-list file from disk is not done here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the proxy's runtime configuration.
type Config struct {
	Host string
	Port int
	Debug bool

	UpstreamBaseURL string
	UpstreamAPIKey  string

	MaxToolRounds         int
	ToolExecutionTimeout  time.Duration
	EnableHybridStreaming bool
	RequestTimeout        time.Duration

	MaxConnections         int
	MaxKeepaliveConnections int

	// BackendListPath points at the declarative YAML file describing tool
	// backends. Empty means no backends: the orchestrator degenerates into
	// a transparent proxy for chat completions.
	BackendListPath string

	// OTLPEndpoint, when set, enables span export over OTLP/gRPC. Empty
	// disables tracing export (a no-op tracer is installed).
	OTLPEndpoint string

	// HealthSweepSchedule is a cron expression controlling how often already
	// running backends get a liveness probe. Empty disables the sweep.
	HealthSweepSchedule string

	// WatchBackendList enables hot-reload of BackendListPath: when the file
	// changes on disk, newly-added backends are started without a restart.
	WatchBackendList bool
}

// Default returns the configuration with every default from §6 of the spec.
func Default() Config {
	return Config{
		Host:                    "0.0.0.0",
		Port:                    8080,
		Debug:                   false,
		MaxToolRounds:           5,
		ToolExecutionTimeout:    30 * time.Second,
		EnableHybridStreaming:   false,
		RequestTimeout:          300 * time.Second,
		MaxConnections:          100,
		MaxKeepaliveConnections: 20,
		HealthSweepSchedule:     "@every 30s",
		WatchBackendList:        true,
	}
}

// FromEnv builds a Config starting from Default() and overriding each field
// present in the process environment, per §6's env var table.
func FromEnv() (Config, error) {
	cfg := Default()

	if v, ok := os.LookupEnv("HOST"); ok {
		cfg.Host = v
	}
	if v, ok := os.LookupEnv("PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("PORT: %w", err)
		}
		cfg.Port = n
	}
	if v, ok := os.LookupEnv("DEBUG"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("DEBUG: %w", err)
		}
		cfg.Debug = b
	}
	if v, ok := os.LookupEnv("UPSTREAM_BASE_URL"); ok {
		cfg.UpstreamBaseURL = v
	}
	if v, ok := os.LookupEnv("UPSTREAM_API_KEY"); ok {
		cfg.UpstreamAPIKey = v
	}
	if v, ok := os.LookupEnv("MAX_TOOL_ROUNDS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("MAX_TOOL_ROUNDS: %w", err)
		}
		cfg.MaxToolRounds = n
	}
	if v, ok := os.LookupEnv("TOOL_EXECUTION_TIMEOUT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("TOOL_EXECUTION_TIMEOUT: %w", err)
		}
		cfg.ToolExecutionTimeout = time.Duration(n) * time.Second
	}
	if v, ok := os.LookupEnv("ENABLE_HYBRID_STREAMING"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("ENABLE_HYBRID_STREAMING: %w", err)
		}
		cfg.EnableHybridStreaming = b
	}
	if v, ok := os.LookupEnv("REQUEST_TIMEOUT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("REQUEST_TIMEOUT: %w", err)
		}
		cfg.RequestTimeout = time.Duration(n) * time.Second
	}
	if v, ok := os.LookupEnv("MAX_CONNECTIONS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("MAX_CONNECTIONS: %w", err)
		}
		cfg.MaxConnections = n
	}
	if v, ok := os.LookupEnv("MAX_KEEPALIVE_CONNECTIONS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("MAX_KEEPALIVE_CONNECTIONS: %w", err)
		}
		cfg.MaxKeepaliveConnections = n
	}
	if v, ok := os.LookupEnv("BACKEND_LIST_PATH"); ok {
		cfg.BackendListPath = v
	}
	if v, ok := os.LookupEnv("OTEL_EXPORTER_OTLP_ENDPOINT"); ok {
		cfg.OTLPEndpoint = v
	}
	if v, ok := os.LookupEnv("HEALTH_SWEEP_SCHEDULE"); ok {
		cfg.HealthSweepSchedule = v
	}
	if v, ok := os.LookupEnv("WATCH_BACKEND_LIST"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("WATCH_BACKEND_LIST: %w", err)
		}
		cfg.WatchBackendList = b
	}

	return cfg, nil
}

// Addr returns the host:port the HTTP server should bind to.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
