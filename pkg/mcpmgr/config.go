package mcpmgr

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates JSON-RPC traffic for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	Backend   string
}

// RPCLogger is invoked for each JSON-RPC message when logging is enabled.
type RPCLogger func(RPCLogEvent)

// BackendConfig describes one backend MCP server and how to reach it.
type BackendConfig struct {
	// Name is the backend identity. It prefixes every item the backend exports.
	Name      string
	Transport TransportKind

	// Command, Args and Env launch a stdio backend. Env is merged onto the
	// gateway's own environment.
	Command string
	Args    []string
	Env     map[string]string

	// URL is the endpoint of an sse or streamable-http backend.
	URL        string
	Headers    http.Header
	HTTPClient *http.Client
	MaxRetries int

	// Timeout bounds connection setup and every call made to the backend.
	// Zero falls back to RegistryOptions.DefaultTimeout.
	Timeout    time.Duration
	LogJSONRPC bool
}

// Validate reports the first problem that would stop the backend from being
// registered.
func (c BackendConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("mcpmgr: backend name is required")
	}
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("mcpmgr: command missing for %q", c.Name)
		}
	case TransportSSE, TransportStreamableHTTP:
		if c.URL == "" {
			return fmt.Errorf("mcpmgr: url missing for %q", c.Name)
		}
	default:
		return fmt.Errorf("mcpmgr: unsupported transport %q for %q", c.Transport, c.Name)
	}
	return nil
}

// TransportFactory builds the client transport used to reach a backend.
type TransportFactory func(BackendConfig) (mcp.Transport, error)

// ProgressHandler receives progress notifications emitted by a backend.
type ProgressHandler func(ctx context.Context, backend string, params *mcp.ProgressNotificationParams)

// RegistryOptions configures a Registry instance.
type RegistryOptions struct {
	// ClientName is advertised to every backend during initialization.
	// Defaults to "mcp-proxy".
	ClientName    string
	ClientVersion string
	// DefaultTimeout is applied whenever a backend configuration omits an
	// explicit timeout. Defaults to 30s.
	DefaultTimeout time.Duration
	// ConnectConcurrency caps how many backends are dialed at once by
	// RegisterAll. Zero means no limit.
	ConnectConcurrency int
	// Transport overrides how client transports are built. Defaults to
	// NewTransport.
	Transport TransportFactory
	// ClientOptions are copied into every backend client. Progress and
	// logging notification handlers are installed by the registry.
	ClientOptions mcp.ClientOptions
	// LogJSONRPC logs every JSON-RPC message at debug level unless RPCLogger
	// is set, in which case RPCLogger receives the traffic instead.
	LogJSONRPC bool
	RPCLogger  RPCLogger
	Logger     *slog.Logger
}

func (o *RegistryOptions) withDefaults() RegistryOptions {
	if o == nil {
		o = &RegistryOptions{}
	}
	opts := *o
	if opts.ClientName == "" {
		opts.ClientName = "mcp-proxy"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.Transport == nil {
		opts.Transport = NewTransport
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}
