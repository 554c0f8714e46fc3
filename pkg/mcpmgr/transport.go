package mcpmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewTransport builds the client transport for cfg according to its
// transport kind. It is the default TransportFactory.
func NewTransport(cfg BackendConfig) (mcp.Transport, error) {
	switch cfg.Transport {
	case TransportStdio:
		return buildStdioTransport(cfg)
	case TransportSSE:
		return &mcp.SSEClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: decorateHTTPClient(cfg.HTTPClient, cfg.Headers),
		}, nil
	case TransportStreamableHTTP:
		return &mcp.StreamableClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: decorateHTTPClient(cfg.HTTPClient, cfg.Headers),
			MaxRetries: cfg.MaxRetries,
		}, nil
	default:
		return nil, fmt.Errorf("mcpmgr: unsupported transport %q for %q", cfg.Transport, cfg.Name)
	}
}

func buildStdioTransport(cfg BackendConfig) (mcp.Transport, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcpmgr: command missing for %q", cfg.Name)
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	// stdout carries the protocol; let the child's diagnostics through.
	cmd.Stderr = os.Stderr
	return &mcp.CommandTransport{Command: cmd}, nil
}

func decorateHTTPClient(base *http.Client, headers http.Header) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	if len(headers) == 0 {
		return base
	}
	clone := *base
	clone.Transport = &headerDecorator{
		next:    defaultRoundTripper(base.Transport),
		headers: headers.Clone(),
	}
	return &clone
}

type headerDecorator struct {
	next    http.RoundTripper
	headers http.Header
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, values := range d.headers {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	return d.next.RoundTrip(req)
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}

// detachedTransport opens its delegate with a context that follows ctx only
// until Connect returns. Transports such as SSE keep their event stream on
// the connect context, which would otherwise end the session as soon as the
// handshake timeout is released.
type detachedTransport struct {
	delegate mcp.Transport
}

func (t detachedTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	conn, err := t.delegate.Connect(connCtx)
	if !stop() {
		if conn != nil {
			_ = conn.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		cancel()
		return nil, err
	}
	return conn, nil
}

type loggingTransport struct {
	backend  string
	delegate mcp.Transport
	logger   RPCLogger
}

func (t *loggingTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &loggingConnection{backend: t.backend, delegate: conn, logger: t.logger}, nil
}

type loggingConnection struct {
	backend  string
	delegate mcp.Connection
	logger   RPCLogger
	mu       sync.Mutex
}

func (c *loggingConnection) SessionID() string { return c.delegate.SessionID() }

func (c *loggingConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err == nil {
		c.emit(RPCDirectionReceive, msg)
	}
	return msg, err
}

func (c *loggingConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.delegate.Write(ctx, msg); err != nil {
		return err
	}
	c.emit(RPCDirectionSend, msg)
	return nil
}

func (c *loggingConnection) Close() error { return c.delegate.Close() }

func (c *loggingConnection) emit(direction RPCDirection, msg jsonrpc.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	encoded, err := json.Marshal(msg)
	if err != nil {
		encoded = []byte(err.Error())
	}
	c.logger(RPCLogEvent{Direction: direction, Message: encoded, Backend: c.backend})
}

// isMethodUnavailableError reports whether err is the backend saying it does
// not implement a method, as opposed to a failure while running it.
func isMethodUnavailableError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, marker := range []string{"method not found", "not implemented", "unimplemented", "does not support"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
