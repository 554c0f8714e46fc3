package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ConnectionState represents the lifecycle of a backend connection.
type ConnectionState string

const (
	StateUnconfigured ConnectionState = "unconfigured"
	StateConnecting   ConnectionState = "connecting"
	StateLive         ConnectionState = "live"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

var (
	// ErrNotLive is returned by operations on a connection without an open
	// session.
	ErrNotLive = errors.New("mcpmgr: backend not live")
	// ErrSessionEnded marks a connection whose session went away on its own.
	ErrSessionEnded = errors.New("mcpmgr: backend session ended")
)

// Connection is the handle over one backend. It hides which transport is in
// use behind the same set of MCP operations. A Connection is live only after
// its session has been opened and initialized; a failed connection stays
// failed.
type Connection struct {
	cfg       BackendConfig
	timeout   time.Duration
	transport TransportFactory
	client    *mcp.Client
	rpcLogger RPCLogger
	logger    *slog.Logger

	mu      sync.RWMutex
	state   ConnectionState
	session *mcp.ClientSession
	caps    *mcp.ServerCapabilities
	err     error
}

func newConnection(cfg BackendConfig, client *mcp.Client, opts *RegistryOptions) *Connection {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = opts.DefaultTimeout
	}
	c := &Connection{
		cfg:       cfg,
		timeout:   timeout,
		transport: opts.Transport,
		client:    client,
		logger:    opts.Logger.With("backend", cfg.Name),
		state:     StateUnconfigured,
	}
	switch {
	case opts.RPCLogger != nil:
		c.rpcLogger = opts.RPCLogger
	case cfg.LogJSONRPC || opts.LogJSONRPC:
		c.rpcLogger = func(ev RPCLogEvent) {
			c.logger.Debug("jsonrpc", "direction", ev.Direction, "message", string(ev.Message))
		}
	}
	return c
}

// Identity returns the backend name.
func (c *Connection) Identity() string { return c.cfg.Name }

// Transport returns the configured transport kind.
func (c *Connection) Transport() TransportKind { return c.cfg.Transport }

// Config returns a copy of the backend configuration.
func (c *Connection) Config() BackendConfig { return c.cfg }

// State returns the current lifecycle state.
func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Live reports whether the connection has an initialized session.
func (c *Connection) Live() bool { return c.State() == StateLive }

// Err returns the error that moved the connection to the failed state.
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Capabilities returns the capabilities the backend advertised during
// initialization, or nil when the connection is not live.
func (c *Connection) Capabilities() *mcp.ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateLive {
		return nil
	}
	return c.caps
}

// Connect opens the transport, starts a session on it and runs the
// initialize handshake. Only a fully initialized session makes the
// connection live; any failure leaves it failed.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateLive:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return fmt.Errorf("mcpmgr: %q is already connecting", c.cfg.Name)
	case StateFailed:
		err := c.err
		c.mu.Unlock()
		return err
	case StateClosed:
		c.mu.Unlock()
		return fmt.Errorf("mcpmgr: connect %q: %w", c.cfg.Name, ErrNotLive)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	session, err := c.establish(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateFailed
		c.err = fmt.Errorf("mcpmgr: connect %q: %w", c.cfg.Name, err)
		return c.err
	}
	if c.state == StateClosed {
		_ = session.Close()
		return fmt.Errorf("mcpmgr: connect %q: %w", c.cfg.Name, ErrNotLive)
	}
	c.session = session
	if res := session.InitializeResult(); res != nil {
		c.caps = res.Capabilities
	}
	c.state = StateLive
	go c.monitorSession(session)
	return nil
}

func (c *Connection) establish(ctx context.Context) (*mcp.ClientSession, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	transport, err := c.transport(c.cfg)
	if err != nil {
		return nil, err
	}
	if c.rpcLogger != nil {
		transport = &loggingTransport{backend: c.cfg.Name, delegate: transport, logger: c.rpcLogger}
	}
	// The timeout bounds the handshake only; the session outlives it.
	return c.client.Connect(ctx, detachedTransport{delegate: transport}, nil)
}

func (c *Connection) monitorSession(session *mcp.ClientSession) {
	err := session.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != session || c.state != StateLive {
		return
	}
	c.session = nil
	c.state = StateFailed
	c.err = ErrSessionEnded
	if err != nil {
		c.err = fmt.Errorf("%w: %v", ErrSessionEnded, err)
	}
	c.logger.Warn("backend session ended", "error", err)
}

// Close ends the session if one is open. The connection is closed afterwards
// regardless of its previous state. Close is safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.state = StateClosed
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.Close()
}

// ListTools returns every tool the backend exports, following pagination.
func (c *Connection) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	session, err := c.liveSession()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return collect(session.Tools(ctx, nil), c.wrap("list tools"))
}

// ListPrompts returns every prompt the backend exports.
func (c *Connection) ListPrompts(ctx context.Context) ([]*mcp.Prompt, error) {
	session, err := c.liveSession()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return collect(session.Prompts(ctx, nil), c.wrap("list prompts"))
}

// ListResources returns every resource the backend exports.
func (c *Connection) ListResources(ctx context.Context) ([]*mcp.Resource, error) {
	session, err := c.liveSession()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return collect(session.Resources(ctx, nil), c.wrap("list resources"))
}

// ListResourceTemplates returns every resource template the backend exports.
func (c *Connection) ListResourceTemplates(ctx context.Context) ([]*mcp.ResourceTemplate, error) {
	session, err := c.liveSession()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return collect(session.ResourceTemplates(ctx, nil), c.wrap("list resource templates"))
}

// GetPrompt renders the named prompt with the given arguments.
func (c *Connection) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	return c.GetPromptWithParams(ctx, &mcp.GetPromptParams{Name: name, Arguments: args})
}

// GetPromptWithParams forwards a prepared prompts/get request.
func (c *Connection) GetPromptWithParams(ctx context.Context, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error) {
	session, err := c.liveSession()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := session.GetPrompt(ctx, params)
	if err != nil {
		return nil, c.wrap("get prompt")(err)
	}
	return res, nil
}

// ReadResource reads the resource at uri.
func (c *Connection) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return c.ReadResourceWithParams(ctx, &mcp.ReadResourceParams{URI: uri})
}

// ReadResourceWithParams forwards a prepared resources/read request.
func (c *Connection) ReadResourceWithParams(ctx context.Context, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error) {
	session, err := c.liveSession()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := session.ReadResource(ctx, params)
	if err != nil {
		return nil, c.wrap("read resource")(err)
	}
	return res, nil
}

// CallTool invokes the named tool. args may be any JSON-marshalable value,
// including json.RawMessage, and is sent unchanged.
func (c *Connection) CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	return c.CallToolWithParams(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
}

// CallToolWithParams forwards a prepared tools/call request.
func (c *Connection) CallToolWithParams(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	session, err := c.liveSession()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := session.CallTool(ctx, params)
	if err != nil {
		return nil, c.wrap("call tool")(err)
	}
	return res, nil
}

// Ping checks that the backend still answers.
func (c *Connection) Ping(ctx context.Context) error {
	session, err := c.liveSession()
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return session.Ping(ctx, nil)
}

func (c *Connection) liveSession() (*mcp.ClientSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateLive || c.session == nil {
		return nil, fmt.Errorf("%w: %q is %s", ErrNotLive, c.cfg.Name, c.state)
	}
	return c.session, nil
}

func (c *Connection) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Connection) wrap(op string) func(error) error {
	return func(err error) error {
		return fmt.Errorf("mcpmgr: %s on %q: %w", op, c.cfg.Name, err)
	}
}

// collect drains a paginated listing. A backend that does not implement the
// listing yields an empty slice.
func collect[T any](seq iter.Seq2[*T, error], wrap func(error) error) ([]*T, error) {
	items := []*T{}
	for item, err := range seq {
		if err != nil {
			if isMethodUnavailableError(err) {
				return []*T{}, nil
			}
			return nil, wrap(err)
		}
		items = append(items, item)
	}
	return items, nil
}
