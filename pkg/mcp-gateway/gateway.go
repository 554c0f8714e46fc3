package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"
	"github.com/vikashloomba/mcp-proxy-go/pkg/mcpmgr"
)

// Gateway is the single MCP server that fronts every backend held by an
// mcpmgr.Registry. Listings are answered by an Aggregator and item requests
// by a Router; both read the registry on every request.
type Gateway struct {
	registry *mcpmgr.Registry
	opts     Options

	aggregator *Aggregator
	router     *Router
	progress   *progressTracker

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	sseHandler    *mcp.SSEHandler
	mux           *http.ServeMux
	httpHandler   http.Handler

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// NewGateway builds a Gateway over registry. Backends should already be
// registered: the capabilities announced to front-end clients are the union
// of what the live backends advertised at this point. Every registered
// identity must be usable as a namespace prefix.
func NewGateway(registry *mcpmgr.Registry, opts *Options) (*Gateway, error) {
	if registry == nil {
		return nil, fmt.Errorf("mcpgateway: registry is required")
	}
	options := opts.withDefaults()
	for _, identity := range registry.Identities() {
		if err := options.Namespace.CheckIdentity(identity); err != nil {
			return nil, fmt.Errorf("mcpgateway: backend %q: %w", identity, err)
		}
	}

	g := &Gateway{
		registry:   registry,
		opts:       options,
		aggregator: NewAggregator(registry, options.Namespace, options.Logger),
		router:     NewRouter(registry, options.Namespace, options.Logger),
		progress:   newProgressTracker(options.Logger),
	}

	caps := g.aggregator.AggregateCapabilities()
	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		HasTools:     caps.Tools,
		HasPrompts:   caps.Prompts,
		HasResources: caps.Resources,
		KeepAlive:    options.KeepAlive,
		GetSessionID: uuid.NewString,
	})
	g.server.AddReceivingMiddleware(g.routeMiddleware)
	registry.SetProgressHandler(g.progress.relay)

	getServer := func(*http.Request) *mcp.Server { return g.server }
	g.streamHandler = mcp.NewStreamableHTTPHandler(getServer, &options.Streamable)
	g.sseHandler = mcp.NewSSEHandler(getServer, nil)
	g.mux = g.mountHandler()
	g.httpHandler = g.mux
	if options.CORS != nil {
		g.httpHandler = cors.New(*options.CORS).Handler(g.mux)
	}

	options.Logger.Info("gateway ready",
		"backends", len(registry.Identities()),
		"live", len(registry.Live()),
		"tools", caps.Tools, "prompts", caps.Prompts, "resources", caps.Resources)
	return g, nil
}

// Server returns the front-end MCP server, for callers that bring their own
// transport.
func (g *Gateway) Server() *mcp.Server { return g.server }

// Aggregator returns the listing side of the gateway.
func (g *Gateway) Aggregator() *Aggregator { return g.aggregator }

// Router returns the routing side of the gateway.
func (g *Gateway) Router() *Router { return g.router }

// Handler exposes the HTTP handler serving the Streamable, SSE and health
// endpoints, wrapped for CORS when configured.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// ServeMux exposes the underlying mux so callers can mount extra routes.
func (g *Gateway) ServeMux() *http.ServeMux {
	return g.mux
}

// ServeStdio runs the front-end server over the process's stdin and stdout
// until the client disconnects or ctx is cancelled.
func (g *Gateway) ServeStdio(ctx context.Context) error {
	return g.server.Run(ctx, &mcp.StdioTransport{})
}

// ListenAndServe runs an HTTP server until the provided context is cancelled or
// the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		serv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("mcpgateway: server already running on %s", serv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler()}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	g.opts.Logger.Info("listening", "addr", g.opts.Addr, "path", g.opts.Path, "sse", g.opts.SSEPath)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			g.logError("http shutdown", err)
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// routeMiddleware answers the listing and item methods from the backends.
// Everything else, initialize and ping included, reaches the server itself.
func (g *Gateway) routeMiddleware(next mcp.MethodHandler) mcp.MethodHandler {
	return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
		switch r := req.(type) {
		case *mcp.ListToolsRequest:
			tools, err := g.aggregator.ListTools(ctx)
			if err != nil {
				return nil, err
			}
			return &mcp.ListToolsResult{Tools: tools}, nil
		case *mcp.ListPromptsRequest:
			prompts, err := g.aggregator.ListPrompts(ctx)
			if err != nil {
				return nil, err
			}
			return &mcp.ListPromptsResult{Prompts: prompts}, nil
		case *mcp.ListResourcesRequest:
			resources, err := g.aggregator.ListResources(ctx)
			if err != nil {
				return nil, err
			}
			return &mcp.ListResourcesResult{Resources: resources}, nil
		case *mcp.ListResourceTemplatesRequest:
			templates, err := g.aggregator.ListResourceTemplates(ctx)
			if err != nil {
				return nil, err
			}
			return &mcp.ListResourceTemplatesResult{ResourceTemplates: templates}, nil
		case *mcp.CallToolRequest:
			return g.callTool(ctx, r), nil
		case *mcp.GetPromptRequest:
			res, err := g.router.GetPrompt(ctx, r.Params)
			if err != nil {
				return nil, err
			}
			return res, nil
		case *mcp.ReadResourceRequest:
			res, err := g.router.ReadResource(ctx, r.Params)
			if err != nil {
				return nil, err
			}
			return res, nil
		}
		return next(ctx, method, req)
	}
}

func (g *Gateway) callTool(ctx context.Context, req *mcp.CallToolRequest) *mcp.CallToolResult {
	params := &mcp.CallToolParams{}
	if req.Params != nil {
		params.Name = req.Params.Name
		params.Meta = maps.Clone(req.Params.Meta)
		if len(req.Params.Arguments) > 0 {
			params.Arguments = req.Params.Arguments
		}
	}
	if req.Session != nil {
		if backend, _, err := g.opts.Namespace.Decode(params.Name); err == nil {
			done := g.progress.track(ctx, backend, req.Session, params)
			defer done()
		}
	}
	return g.router.CallTool(ctx, params)
}

type backendStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
}

type healthReport struct {
	Status   string          `json:"status"`
	Live     int             `json:"live"`
	Backends []backendStatus `json:"backends"`
}

// handleHealth reports every backend. The gateway is healthy while at least
// one backend is live, or when none are configured.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	conns := g.registry.Connections()
	report := healthReport{Status: "ok", Backends: make([]backendStatus, 0, len(conns))}
	for _, conn := range conns {
		st := backendStatus{
			Name:      conn.Identity(),
			Transport: conn.Transport().String(),
			State:     string(conn.State()),
		}
		if err := conn.Err(); err != nil {
			st.Error = err.Error()
		}
		if conn.Live() {
			report.Live++
		}
		report.Backends = append(report.Backends, st)
	}
	code := http.StatusOK
	if len(conns) > 0 && report.Live == 0 {
		report.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(report); err != nil {
		g.logError("write health report", err)
	}
}

func (g *Gateway) mountHandler() *http.ServeMux {
	mux := http.NewServeMux()
	mount(mux, g.opts.Path, g.streamHandler)
	if g.opts.SSEPath != disabledPath {
		mount(mux, g.opts.SSEPath, g.sseHandler)
	}
	if g.opts.HealthPath != disabledPath {
		mux.HandleFunc(normalizePath(g.opts.HealthPath), g.handleHealth)
	}
	return mux
}

func mount(mux *http.ServeMux, path string, h http.Handler) {
	path = normalizePath(path)
	mux.Handle(path, h)
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", h)
	}
}

func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

func (g *Gateway) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	g.opts.Logger.Error(msg, attrs...)
}
