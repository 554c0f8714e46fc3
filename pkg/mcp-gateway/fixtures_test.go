package mcpgateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/vikashloomba/mcp-proxy-go/pkg/mcpmgr"
)

var objectSchema = map[string]any{"type": "object"}

// newBackend returns an MCP server exporting the given tools. Each tool
// answers "<backend>:<tool> <raw arguments>" so tests can see where a call
// landed and what it carried.
func newBackend(name string, tools ...string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: "0.0.1"}, nil)
	for _, tool := range tools {
		server.AddTool(&mcp.Tool{Name: tool, InputSchema: objectSchema}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			text := name + ":" + tool
			if len(req.Params.Arguments) > 0 {
				text += " " + string(req.Params.Arguments)
			}
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}, nil
		})
	}
	return server
}

// withDocs adds a prompt, a resource and a resource template to server.
func withDocs(server *mcp.Server, backend string) *mcp.Server {
	server.AddPrompt(&mcp.Prompt{Name: "greet"}, func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		return &mcp.GetPromptResult{Messages: []*mcp.PromptMessage{{
			Role:    "user",
			Content: &mcp.TextContent{Text: backend + " says hello " + req.Params.Arguments["who"]},
		}}}, nil
	})
	server.AddResource(&mcp.Resource{URI: "file:///readme", Name: "readme"}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{{URI: req.Params.URI, Text: backend + " docs"}}}, nil
	})
	server.AddResourceTemplate(&mcp.ResourceTemplate{URITemplate: "file:///logs/{day}", Name: "logs"}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{{URI: req.Params.URI, Text: backend + " log"}}}, nil
	})
	return server
}

// withFailingTool adds a tool whose handler always fails.
func withFailingTool(server *mcp.Server, tool string) *mcp.Server {
	server.AddTool(&mcp.Tool{Name: tool, InputSchema: objectSchema}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return nil, errors.New("disk on fire")
	})
	return server
}

// withProgressTool adds a tool that reports one progress step on the token it
// was given before answering.
func withProgressTool(server *mcp.Server, tool string) *mcp.Server {
	server.AddTool(&mcp.Tool{Name: tool, InputSchema: objectSchema}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if token := req.Params.GetProgressToken(); token != nil {
			_ = req.Session.NotifyProgress(ctx, &mcp.ProgressNotificationParams{
				ProgressToken: token,
				Message:       "halfway",
				Progress:      1,
				Total:         2,
			})
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "done"}}}, nil
	})
	return server
}

// inMemoryFactory connects each named server over an in-memory pipe. Names
// without a server fail to build a transport.
func inMemoryFactory(servers map[string]*mcp.Server) mcpmgr.TransportFactory {
	return func(cfg mcpmgr.BackendConfig) (mcp.Transport, error) {
		server, ok := servers[cfg.Name]
		if !ok {
			return nil, fmt.Errorf("no test server for %q", cfg.Name)
		}
		serverTransport, clientTransport := mcp.NewInMemoryTransports()
		if _, err := server.Connect(context.Background(), serverTransport, nil); err != nil {
			return nil, err
		}
		return clientTransport, nil
	}
}

// newTestRegistry registers one backend per name, in order. Names missing
// from servers fail to connect.
func newTestRegistry(t *testing.T, servers map[string]*mcp.Server, names ...string) *mcpmgr.Registry {
	t.Helper()
	registry := mcpmgr.NewRegistry(&mcpmgr.RegistryOptions{
		Transport:      inMemoryFactory(servers),
		DefaultTimeout: 5 * time.Second,
	})
	t.Cleanup(func() { _ = registry.Close() })

	cfgs := make([]mcpmgr.BackendConfig, 0, len(names))
	for _, name := range names {
		cfgs = append(cfgs, mcpmgr.BackendConfig{Name: name, Transport: mcpmgr.TransportStdio, Command: "unused"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := registry.RegisterAll(ctx, cfgs); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	return registry
}

// connectFrontEnd opens a client session on the gateway's server.
func connectFrontEnd(t *testing.T, g *Gateway, opts *mcp.ClientOptions) *mcp.ClientSession {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	serverSession, err := g.Server().Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "front-end", Version: "0.0.1"}, opts)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func textOf(t *testing.T, content []mcp.Content) string {
	t.Helper()
	if len(content) == 0 {
		t.Fatalf("no content")
	}
	text, ok := content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("content[0] is %T, want *mcp.TextContent", content[0])
	}
	return text.Text
}
