package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"
	"github.com/vikashloomba/mcp-proxy-go/internal/telemetry"
	"github.com/vikashloomba/mcp-proxy-go/pkg/config"
	mcpgateway "github.com/vikashloomba/mcp-proxy-go/pkg/mcp-gateway"
)

type serveCommand struct {
	Transport      string   `short:"t" long:"transport" description:"Front end: stdio or http (env MCP_PROXY_TRANSPORT)"`
	Addr           string   `short:"a" long:"addr" description:"HTTP listen address (env MCP_PROXY_ADDR)"`
	CORSOrigins    []string `long:"cors-origin" description:"Allowed CORS origin, repeatable (env MCP_PROXY_CORS_ORIGINS)"`
	StreamResponse bool     `long:"stream-responses" description:"Answer Streamable HTTP requests as SSE streams instead of plain JSON"`
	Stateless      bool     `long:"stateless" description:"Do not track Streamable HTTP sessions"`

	app *app
}

// Execute runs the proxy until interrupted. A positional argument selects
// the front-end transport, so "mcp-proxy serve http" works like --transport.
func (c *serveCommand) Execute(args []string) error {
	if len(args) > 1 {
		return fmt.Errorf("unexpected arguments %v", args[1:])
	}
	if len(args) == 1 && c.Transport == "" {
		c.Transport = args[0]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := c.settings()
	if err != nil {
		return err
	}
	logger := c.app.newLogger(s)

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, version, s.OTelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces", "error", err)
		}
	}()

	registry, err := c.app.openRegistry(ctx, s)
	if err != nil {
		return err
	}
	defer c.app.closeRegistry(registry)

	gateway, err := mcpgateway.NewGateway(registry, c.gatewayOptions(s))
	if err != nil {
		return err
	}

	switch s.Transport {
	case config.FrontEndHTTP:
		err = gateway.ListenAndServe(ctx)
	default:
		logger.Info("serving on stdio")
		err = gateway.ServeStdio(ctx)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *serveCommand) settings() (config.Settings, error) {
	s, err := c.app.settings()
	if err != nil {
		return config.Settings{}, err
	}
	if c.Transport != "" {
		s.Transport = c.Transport
	}
	if c.Addr != "" {
		s.Addr = c.Addr
	}
	if len(c.CORSOrigins) > 0 {
		s.CORSOrigins = c.CORSOrigins
	}
	if err := s.Validate(); err != nil {
		return config.Settings{}, err
	}
	return s, nil
}

func (c *serveCommand) gatewayOptions(s config.Settings) *mcpgateway.Options {
	opts := &mcpgateway.Options{
		Implementation: &mcp.Implementation{Name: serviceName, Title: "MCP Proxy", Version: version},
		Addr:           s.Addr,
		Logger:         c.app.logger,
		Streamable: mcp.StreamableHTTPOptions{
			JSONResponse: !c.StreamResponse,
			Stateless:    c.Stateless,
		},
	}
	if len(s.CORSOrigins) > 0 {
		opts.CORS = &cors.Options{
			AllowedOrigins: s.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{"Mcp-Session-Id"},
		}
	}
	return opts
}
