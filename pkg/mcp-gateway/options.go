package mcpgateway

import (
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"
)

// Options configure a Gateway instance.
type Options struct {
	// Implementation identifies the gateway to front-end clients.
	Implementation *mcp.Implementation
	// Addr controls the listen address used by ListenAndServe. Defaults to ":8082".
	Addr string
	// Path mounts the Streamable HTTP handler. Defaults to "/mcp".
	Path string
	// SSEPath mounts the legacy SSE handler. Defaults to "/sse". Set it to "-"
	// to disable SSE.
	SSEPath string
	// HealthPath serves backend status as JSON. Defaults to "/healthz"; "-"
	// disables it.
	HealthPath string
	// Namespace controls how backend identities are joined to item keys.
	Namespace NamespaceCodec
	// Streamable tweaks the handler built by mcp.NewStreamableHTTPHandler.
	Streamable mcp.StreamableHTTPOptions
	// CORS wraps the HTTP handler with rs/cors when set.
	CORS *cors.Options
	// KeepAlive pings front-end sessions at this interval when positive.
	KeepAlive time.Duration
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// ShutdownTimeout bounds graceful HTTP shutdown. Defaults to 30s.
	ShutdownTimeout time.Duration
}

const disabledPath = "-"

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcp-proxy",
			Title:   "MCP Proxy",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Addr == "" {
		opts.Addr = ":8082"
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.SSEPath == "" {
		opts.SSEPath = "/sse"
	}
	if opts.HealthPath == "" {
		opts.HealthPath = "/healthz"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	return opts
}
