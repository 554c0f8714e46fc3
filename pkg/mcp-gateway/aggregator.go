package mcpgateway

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/vikashloomba/mcp-proxy-go/pkg/mcpmgr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/vikashloomba/mcp-proxy-go/pkg/mcp-gateway"

// Backends is the view of the connection registry the gateway needs.
// *mcpmgr.Registry satisfies it.
type Backends interface {
	Lookup(identity string) (*mcpmgr.Connection, error)
	Live() []*mcpmgr.Connection
	Connections() []*mcpmgr.Connection
}

// AggregatedCapabilities is the union of what the live backends advertised
// at initialization.
type AggregatedCapabilities struct {
	Tools       bool
	Prompts     bool
	Resources   bool
	Logging     bool
	Completions bool
}

// Aggregator merges the listings of every live backend into one namespaced
// view. Listings are fetched on every call; nothing is cached.
type Aggregator struct {
	backends Backends
	codec    NamespaceCodec
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewAggregator builds an Aggregator over backends.
func NewAggregator(backends Backends, codec NamespaceCodec, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		backends: backends,
		codec:    codec,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}
}

// AggregateCapabilities ORs the capability flags of the live backends.
func (a *Aggregator) AggregateCapabilities() AggregatedCapabilities {
	var out AggregatedCapabilities
	for _, conn := range a.backends.Live() {
		caps := conn.Capabilities()
		if caps == nil {
			continue
		}
		out.Tools = out.Tools || caps.Tools != nil
		out.Prompts = out.Prompts || caps.Prompts != nil
		out.Resources = out.Resources || caps.Resources != nil
		out.Logging = out.Logging || caps.Logging != nil
		out.Completions = out.Completions || caps.Completions != nil
	}
	return out
}

// ListTools returns the tools of every live backend, names prefixed with the
// backend identity, in registry order.
func (a *Aggregator) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	return fanOut(ctx, a, KindTools, func(ctx context.Context, conn *mcpmgr.Connection) ([]*mcp.Tool, error) {
		tools, err := conn.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]*mcp.Tool, 0, len(tools))
		for _, tool := range tools {
			key, err := a.codec.Encode(conn.Identity(), tool.Name)
			if err != nil {
				return nil, err
			}
			out = append(out, cloneTool(tool, key, conn.Identity()))
		}
		return out, nil
	})
}

// ListPrompts returns the prompts of every live backend.
func (a *Aggregator) ListPrompts(ctx context.Context) ([]*mcp.Prompt, error) {
	return fanOut(ctx, a, KindPrompts, func(ctx context.Context, conn *mcpmgr.Connection) ([]*mcp.Prompt, error) {
		prompts, err := conn.ListPrompts(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]*mcp.Prompt, 0, len(prompts))
		for _, prompt := range prompts {
			key, err := a.codec.Encode(conn.Identity(), prompt.Name)
			if err != nil {
				return nil, err
			}
			out = append(out, clonePrompt(prompt, key, conn.Identity()))
		}
		return out, nil
	})
}

// ListResources returns the resources of every live backend. The whole URI
// is namespaced, so "file:///a" from backend "fs" becomes "fs/file:///a".
func (a *Aggregator) ListResources(ctx context.Context) ([]*mcp.Resource, error) {
	return fanOut(ctx, a, KindResources, func(ctx context.Context, conn *mcpmgr.Connection) ([]*mcp.Resource, error) {
		resources, err := conn.ListResources(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]*mcp.Resource, 0, len(resources))
		for _, res := range resources {
			key, err := a.codec.Encode(conn.Identity(), res.URI)
			if err != nil {
				return nil, err
			}
			out = append(out, cloneResource(res, key, conn.Identity()))
		}
		return out, nil
	})
}

// ListResourceTemplates returns the resource templates of every live backend.
func (a *Aggregator) ListResourceTemplates(ctx context.Context) ([]*mcp.ResourceTemplate, error) {
	return fanOut(ctx, a, KindResourceTemplates, func(ctx context.Context, conn *mcpmgr.Connection) ([]*mcp.ResourceTemplate, error) {
		templates, err := conn.ListResourceTemplates(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]*mcp.ResourceTemplate, 0, len(templates))
		for _, tpl := range templates {
			key, err := a.codec.Encode(conn.Identity(), tpl.URITemplate)
			if err != nil {
				return nil, err
			}
			out = append(out, cloneResourceTemplate(tpl, key, conn.Identity()))
		}
		return out, nil
	})
}

// ListAll fills a Catalog with the requested kinds, or with every kind when
// none is given.
func (a *Aggregator) ListAll(ctx context.Context, kinds ...Kind) (*Catalog, error) {
	if len(kinds) == 0 {
		kinds = Kinds()
	}
	catalog := &Catalog{}
	for _, kind := range kinds {
		var err error
		switch kind {
		case KindTools:
			catalog.Tools, err = a.ListTools(ctx)
		case KindPrompts:
			catalog.Prompts, err = a.ListPrompts(ctx)
		case KindResources:
			catalog.Resources, err = a.ListResources(ctx)
		case KindResourceTemplates:
			catalog.ResourceTemplates, err = a.ListResourceTemplates(ctx)
		default:
			_, err = ParseKind(string(kind))
		}
		if err != nil {
			return nil, err
		}
	}
	return catalog, nil
}

// fanOut queries every live backend concurrently. Each backend writes to its
// own slot so the result keeps registry order. A failing backend contributes
// nothing; only cancellation of ctx is reported.
func fanOut[T any](ctx context.Context, a *Aggregator, kind Kind, list func(context.Context, *mcpmgr.Connection) ([]T, error)) ([]T, error) {
	ctx, span := a.tracer.Start(ctx, "mcpgateway.list", trace.WithAttributes(
		attribute.String("mcp.kind", string(kind)),
	))
	defer span.End()

	conns := a.backends.Live()
	slots := make([][]T, len(conns))
	var g errgroup.Group
	for i, conn := range conns {
		g.Go(func() error {
			items, err := list(ctx, conn)
			if err != nil {
				span.RecordError(err, trace.WithAttributes(attribute.String("mcp.backend", conn.Identity())))
				a.logError("list backend", err, "backend", conn.Identity(), "kind", kind)
				return nil
			}
			slots[i] = items
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	out := make([]T, 0)
	for _, items := range slots {
		out = append(out, items...)
	}
	span.SetAttributes(attribute.Int("mcp.backends", len(conns)), attribute.Int("mcp.items", len(out)))
	return out, nil
}

func (a *Aggregator) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	a.logger.Warn(msg, attrs...)
}
