package mcpgateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/vikashloomba/mcp-proxy-go/pkg/mcpmgr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Router sends a request addressed by composite key to the backend that owns
// it, after stripping the backend prefix.
type Router struct {
	backends Backends
	codec    NamespaceCodec
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewRouter builds a Router over backends.
func NewRouter(backends Backends, codec NamespaceCodec, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		backends: backends,
		codec:    codec,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}
}

// GetPrompt renders a prompt on its owning backend. A key that is malformed,
// names an unknown backend or a backend that is not live yields an empty
// result and no error. Backend failures are returned.
func (r *Router) GetPrompt(ctx context.Context, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error) {
	if params == nil {
		return emptyPrompt(), nil
	}
	ctx, span := r.start(ctx, "prompts/get", params.Name)
	defer span.End()

	conn, local, err := r.resolve(params.Name)
	if err != nil {
		r.notFound(span, "prompt", params.Name, err)
		return emptyPrompt(), nil
	}
	span.SetAttributes(attribute.String("mcp.backend", conn.Identity()))
	forward := *params
	forward.Name = local
	res, err := conn.GetPromptWithParams(ctx, &forward)
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("mcpgateway: get prompt %q: %w", params.Name, err)
	}
	return res, nil
}

// ReadResource reads a resource on its owning backend. The key is the
// backend identity followed by the backend's own URI. Unresolvable keys
// yield an empty result and no error.
func (r *Router) ReadResource(ctx context.Context, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error) {
	if params == nil {
		return emptyResource(), nil
	}
	ctx, span := r.start(ctx, "resources/read", params.URI)
	defer span.End()

	conn, local, err := r.resolve(params.URI)
	if err != nil {
		r.notFound(span, "resource", params.URI, err)
		return emptyResource(), nil
	}
	span.SetAttributes(attribute.String("mcp.backend", conn.Identity()))
	forward := *params
	forward.URI = local
	res, err := conn.ReadResourceWithParams(ctx, &forward)
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("mcpgateway: read resource %q: %w", params.URI, err)
	}
	return res, nil
}

// CallTool invokes a tool on its owning backend. It never fails: every
// problem, from a malformed key to a backend error, is reported as a result
// with IsError set and the message as text content. Arguments are forwarded
// unchanged and a successful result is returned as the backend produced it.
func (r *Router) CallTool(ctx context.Context, params *mcp.CallToolParams) *mcp.CallToolResult {
	if params == nil {
		return toolError(fmt.Errorf("mcpgateway: missing tool call params"))
	}
	ctx, span := r.start(ctx, "tools/call", params.Name)
	defer span.End()

	conn, local, err := r.resolve(params.Name)
	if err != nil {
		r.notFound(span, "tool", params.Name, err)
		return toolError(fmt.Errorf("mcpgateway: tool %q unavailable: %w", params.Name, err))
	}
	span.SetAttributes(attribute.String("mcp.backend", conn.Identity()))
	forward := *params
	forward.Name = local
	res, err := conn.CallToolWithParams(ctx, &forward)
	if err != nil {
		recordError(span, err)
		r.logger.Warn("tool call failed", "key", params.Name, "backend", conn.Identity(), "error", err)
		return toolError(fmt.Errorf("mcpgateway: call tool %q: %w", params.Name, err))
	}
	if res == nil {
		return &mcp.CallToolResult{Content: []mcp.Content{}}
	}
	if res.IsError {
		span.SetStatus(codes.Error, "tool reported error")
	}
	return res
}

// resolve decodes key and returns the live connection that owns it with the
// backend-local part of the key.
func (r *Router) resolve(key string) (*mcpmgr.Connection, string, error) {
	identity, local, err := r.codec.Decode(key)
	if err != nil {
		return nil, "", err
	}
	conn, err := r.backends.Lookup(identity)
	if err != nil {
		return nil, "", err
	}
	if !conn.Live() {
		return nil, "", fmt.Errorf("%w: %q is %s", mcpmgr.ErrNotLive, identity, conn.State())
	}
	return conn, local, nil
}

func (r *Router) start(ctx context.Context, method, key string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "mcpgateway.route", trace.WithAttributes(
		attribute.String("mcp.method", method),
		attribute.String("mcp.key", key),
	))
}

func (r *Router) notFound(span trace.Span, what, key string, err error) {
	span.SetAttributes(attribute.Bool("mcp.routed", false))
	span.AddEvent("unresolved", trace.WithAttributes(attribute.String("error", err.Error())))
	r.logger.Debug("unresolved "+what, "key", key, "error", err)
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func toolError(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
	}
}

func emptyPrompt() *mcp.GetPromptResult {
	return &mcp.GetPromptResult{Messages: []*mcp.PromptMessage{}}
}

func emptyResource() *mcp.ReadResourceResult {
	return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{}}
}
