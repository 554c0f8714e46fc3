package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var objectSchema = map[string]any{"type": "object"}

// newToolServer returns an MCP server exporting one echo-style tool per name.
func newToolServer(name string, tools ...string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: "0.0.1"}, nil)
	for _, tool := range tools {
		server.AddTool(&mcp.Tool{Name: tool, InputSchema: objectSchema}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: name + ":" + tool}}}, nil
		})
	}
	return server
}

// inMemoryFactory connects each named server over an in-memory pipe. Names
// without a server fail to build a transport.
func inMemoryFactory(servers map[string]*mcp.Server) TransportFactory {
	return func(cfg BackendConfig) (mcp.Transport, error) {
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

type hangingTransport struct{}

func (hangingTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func stdioConfig(name string) BackendConfig {
	return BackendConfig{Name: name, Transport: TransportStdio, Command: "unused"}
}

func TestRegistryRegisterAllIsolatesFailures(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(&RegistryOptions{
		Transport: inMemoryFactory(map[string]*mcp.Server{
			"alpha": newToolServer("alpha", "add"),
			"gamma": newToolServer("gamma", "mul"),
		}),
	})
	t.Cleanup(func() { _ = registry.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cfgs := []BackendConfig{stdioConfig("alpha"), stdioConfig("broken"), stdioConfig("gamma")}
	if err := registry.RegisterAll(ctx, cfgs); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}

	if got, want := registry.Identities(), []string{"alpha", "broken", "gamma"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Identities() = %v, want %v", got, want)
	}

	var live []string
	for _, conn := range registry.Live() {
		live = append(live, conn.Identity())
	}
	if want := []string{"alpha", "gamma"}; !reflect.DeepEqual(live, want) {
		t.Fatalf("Live() = %v, want %v", live, want)
	}

	broken, err := registry.Lookup("broken")
	if err != nil {
		t.Fatalf("Lookup(broken): %v", err)
	}
	if broken.State() != StateFailed {
		t.Fatalf("broken state = %s, want %s", broken.State(), StateFailed)
	}
	if broken.Err() == nil {
		t.Fatalf("broken connection should keep its connect error")
	}
	if _, err := broken.ListTools(ctx); !errors.Is(err, ErrNotLive) {
		t.Fatalf("ListTools on failed backend err = %v, want ErrNotLive", err)
	}
	if broken.Capabilities() != nil {
		t.Fatalf("failed backend should not report capabilities")
	}
}

func TestRegistryRegisterAllRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cases := map[string][]BackendConfig{
		"duplicate": {stdioConfig("alpha"), stdioConfig("alpha")},
		"no name":   {{Transport: TransportStdio, Command: "x"}},
		"no url":    {{Name: "web", Transport: TransportSSE}},
		"no cmd":    {{Name: "cli", Transport: TransportStdio}},
		"bad kind":  {{Name: "odd", Transport: "carrier-pigeon"}},
	}
	for name, cfgs := range cases {
		t.Run(name, func(t *testing.T) {
			registry := NewRegistry(&RegistryOptions{Transport: inMemoryFactory(nil)})
			if err := registry.RegisterAll(context.Background(), cfgs); err == nil {
				t.Fatalf("RegisterAll should reject %s", name)
			}
			if ids := registry.Identities(); len(ids) != 0 {
				t.Fatalf("invalid config must not register backends, got %v", ids)
			}
		})
	}
}

func TestRegistryLookupUnknown(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(nil)
	if _, err := registry.Lookup("ghost"); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("Lookup(ghost) err = %v, want ErrUnknownBackend", err)
	}
}

func TestRegistryConnectTimeoutDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	servers := map[string]*mcp.Server{"fast": newToolServer("fast", "ping")}
	factory := inMemoryFactory(servers)
	registry := NewRegistry(&RegistryOptions{
		DefaultTimeout: 200 * time.Millisecond,
		Transport: func(cfg BackendConfig) (mcp.Transport, error) {
			if cfg.Name == "slow" {
				return hangingTransport{}, nil
			}
			return factory(cfg)
		},
	})
	t.Cleanup(func() { _ = registry.Close() })

	start := time.Now()
	err := registry.RegisterAll(context.Background(), []BackendConfig{stdioConfig("slow"), stdioConfig("fast")})
	if err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("RegisterAll took %s; slow backend was not bounded", elapsed)
	}

	slow, _ := registry.Lookup("slow")
	if slow.State() != StateFailed || !errors.Is(slow.Err(), context.DeadlineExceeded) {
		t.Fatalf("slow backend state=%s err=%v, want failed with deadline", slow.State(), slow.Err())
	}
	fast, _ := registry.Lookup("fast")
	if !fast.Live() {
		t.Fatalf("fast backend should be live, state=%s err=%v", fast.State(), fast.Err())
	}
}

func TestConnectionOperationsRoundTrip(t *testing.T) {
	t.Parallel()

	server := newToolServer("alpha", "add", "sub")
	server.AddPrompt(&mcp.Prompt{Name: "greet"}, func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		return &mcp.GetPromptResult{Messages: []*mcp.PromptMessage{{
			Role:    "user",
			Content: &mcp.TextContent{Text: "hello " + req.Params.Arguments["who"]},
		}}}, nil
	})
	server.AddResource(&mcp.Resource{URI: "file:///readme", Name: "readme"}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{{URI: req.Params.URI, Text: "docs"}}}, nil
	})
	server.AddResourceTemplate(&mcp.ResourceTemplate{URITemplate: "file:///logs/{day}", Name: "logs"}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{{URI: req.Params.URI, Text: "log"}}}, nil
	})

	registry := NewRegistry(&RegistryOptions{Transport: inMemoryFactory(map[string]*mcp.Server{"alpha": server})})
	t.Cleanup(func() { _ = registry.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := registry.Register(ctx, stdioConfig("alpha"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	caps := conn.Capabilities()
	if caps == nil || caps.Tools == nil || caps.Prompts == nil || caps.Resources == nil {
		t.Fatalf("unexpected capabilities: %#v", caps)
	}

	tools, err := conn.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	if want := []string{"add", "sub"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("tools = %v, want %v", names, want)
	}

	res, err := conn.CallTool(ctx, "sub", map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if text := res.Content[0].(*mcp.TextContent).Text; text != "alpha:sub" {
		t.Fatalf("CallTool text = %q", text)
	}

	prompt, err := conn.GetPrompt(ctx, "greet", map[string]string{"who": "bob"})
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	if text := prompt.Messages[0].Content.(*mcp.TextContent).Text; text != "hello bob" {
		t.Fatalf("GetPrompt text = %q", text)
	}

	read, err := conn.ReadResource(ctx, "file:///readme")
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if read.Contents[0].Text != "docs" {
		t.Fatalf("ReadResource text = %q", read.Contents[0].Text)
	}

	templates, err := conn.ListResourceTemplates(ctx)
	if err != nil || len(templates) != 1 || templates[0].URITemplate != "file:///logs/{day}" {
		t.Fatalf("ListResourceTemplates = %v, %v", templates, err)
	}
	prompts, err := conn.ListPrompts(ctx)
	if err != nil || len(prompts) != 1 {
		t.Fatalf("ListPrompts = %v, %v", prompts, err)
	}
	resources, err := conn.ListResources(ctx)
	if err != nil || len(resources) != 1 {
		t.Fatalf("ListResources = %v, %v", resources, err)
	}
	if err := conn.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestRegistryCloseReleasesConnections(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(&RegistryOptions{Transport: inMemoryFactory(map[string]*mcp.Server{
		"alpha": newToolServer("alpha", "add"),
		"beta":  newToolServer("beta", "sub"),
	})})
	ctx := context.Background()
	if err := registry.RegisterAll(ctx, []BackendConfig{stdioConfig("alpha"), stdioConfig("beta")}); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	_ = registry.Close()

	for _, conn := range registry.Connections() {
		if conn.State() != StateClosed {
			t.Fatalf("%s state = %s after Close", conn.Identity(), conn.State())
		}
		if _, err := conn.ListTools(ctx); !errors.Is(err, ErrNotLive) {
			t.Fatalf("%s ListTools after close err = %v", conn.Identity(), err)
		}
	}
	if err := registry.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
	if _, err := registry.Register(ctx, stdioConfig("alpha")); !errors.Is(err, ErrGroupClosed) {
		t.Fatalf("Register after Close err = %v, want ErrGroupClosed", err)
	}
}

func TestRegistryCloseReleasesFailedConnections(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(&RegistryOptions{Transport: inMemoryFactory(map[string]*mcp.Server{
		"alpha": newToolServer("alpha", "add"),
	})})
	if err := registry.RegisterAll(context.Background(), []BackendConfig{stdioConfig("alpha"), stdioConfig("broken")}); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	broken, _ := registry.Lookup("broken")
	if broken.State() != StateFailed {
		t.Fatalf("broken state = %s before Close, want failed", broken.State())
	}
	if err := registry.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, conn := range registry.Connections() {
		if conn.State() != StateClosed {
			t.Fatalf("%s state = %s after Close, want closed", conn.Identity(), conn.State())
		}
	}
}

func TestRegistryRegisterReplacesEntry(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(&RegistryOptions{Transport: inMemoryFactory(map[string]*mcp.Server{
		"alpha": newToolServer("alpha", "add"),
	})})
	t.Cleanup(func() { _ = registry.Close() })

	ctx := context.Background()
	first, err := registry.Register(ctx, stdioConfig("alpha"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	second, err := registry.Register(ctx, stdioConfig("alpha"))
	if err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	if first.State() != StateClosed {
		t.Fatalf("replaced connection state = %s, want closed", first.State())
	}
	got, _ := registry.Lookup("alpha")
	if got != second {
		t.Fatalf("Lookup should return the replacement connection")
	}
	if ids := registry.Identities(); !reflect.DeepEqual(ids, []string{"alpha"}) {
		t.Fatalf("Identities() = %v", ids)
	}
}

func TestRegistryForwardsProgress(t *testing.T) {
	t.Parallel()

	server := mcp.NewServer(&mcp.Implementation{Name: "slow", Version: "0.0.1"}, nil)
	server.AddTool(&mcp.Tool{Name: "work", InputSchema: objectSchema}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if token := req.Params.GetProgressToken(); token != nil {
			_ = req.Session.NotifyProgress(ctx, &mcp.ProgressNotificationParams{ProgressToken: token, Progress: 1, Total: 2})
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "done"}}}, nil
	})

	registry := NewRegistry(&RegistryOptions{Transport: inMemoryFactory(map[string]*mcp.Server{"slow": server})})
	t.Cleanup(func() { _ = registry.Close() })

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan struct{}, 1)
	registry.SetProgressHandler(func(ctx context.Context, backend string, params *mcp.ProgressNotificationParams) {
		mu.Lock()
		got = append(got, fmt.Sprintf("%s/%v/%v", backend, params.ProgressToken, params.Progress))
		mu.Unlock()
		done <- struct{}{}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := registry.Register(ctx, stdioConfig("slow"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	params := &mcp.CallToolParams{Name: "work"}
	params.SetMeta(map[string]any{})
	params.SetProgressToken("tok-1")
	if _, err := conn.CallToolWithParams(ctx, params); err != nil {
		t.Fatalf("CallToolWithParams: %v", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("progress notification never arrived")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || !strings.HasPrefix(got[0], "slow/tok-1/1") {
		t.Fatalf("progress events = %v", got)
	}
}

func TestConnectionRPCLoggerSeesTraffic(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		events []RPCLogEvent
	)
	registry := NewRegistry(&RegistryOptions{
		Transport: inMemoryFactory(map[string]*mcp.Server{"alpha": newToolServer("alpha", "add")}),
		RPCLogger: func(ev RPCLogEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})
	t.Cleanup(func() { _ = registry.Close() })

	if _, err := registry.Register(context.Background(), stdioConfig("alpha")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	var sawSend, sawReceive bool
	for _, ev := range events {
		if ev.Backend != "alpha" {
			t.Fatalf("event for unexpected backend %q", ev.Backend)
		}
		switch ev.Direction {
		case RPCDirectionSend:
			sawSend = sawSend || strings.Contains(string(ev.Message), "initialize")
		case RPCDirectionReceive:
			sawReceive = true
		}
	}
	if !sawSend || !sawReceive {
		t.Fatalf("expected initialize traffic in both directions, got %d events", len(events))
	}
}
