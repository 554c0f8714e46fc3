// Command mcp-proxy aggregates several MCP servers behind one MCP endpoint.
//
//	mcp-proxy [serve] [stdio|http] [--config servers.json] [--addr :8082]
//	mcp-proxy catalog [--kind tools] [--format json]
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/vikashloomba/mcp-proxy-go/pkg/config"
	"github.com/vikashloomba/mcp-proxy-go/pkg/mcpmgr"
)

const (
	serviceName = "mcp-proxy"
	version     = "1.0.0"
)

// globalOptions override the MCP_PROXY_* environment for every command.
type globalOptions struct {
	Config         string        `short:"c" long:"config" description:"Backend list, JSON or YAML (env MCP_PROXY_CONFIG)"`
	LogLevel       string        `short:"l" long:"log-level" description:"debug, info, warn or error (env MCP_PROXY_LOG_LEVEL)"`
	ConnectTimeout time.Duration `long:"connect-timeout" description:"Per-backend connect and call timeout (env MCP_PROXY_CONNECT_TIMEOUT)"`
	LogJSONRPC     bool          `long:"log-jsonrpc" description:"Log backend JSON-RPC traffic at debug level"`
}

type app struct {
	global globalOptions
	logger *slog.Logger
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, flagsErr.Message)
			return
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	a := &app{}
	parser := flags.NewParser(&a.global, flags.HelpFlag|flags.PassDoubleDash)
	parser.SubcommandsOptional = true

	serve := &serveCommand{app: a}
	if _, err := parser.AddCommand("serve", "Run the proxy", "Connect every configured backend and serve the merged MCP endpoint over stdio or HTTP.", serve); err != nil {
		return err
	}
	catalog := &catalogCommand{app: a, Format: "text"}
	if _, err := parser.AddCommand("catalog", "Print the merged catalog", "Connect every configured backend, print the namespaced tools, prompts and resources, then exit.", catalog); err != nil {
		return err
	}

	rest, err := parser.ParseArgs(args)
	if err != nil {
		return err
	}
	if parser.Active == nil {
		// No command: behave like "serve", taking the transport positionally.
		return serve.Execute(rest)
	}
	return nil
}

// settings merges the environment with the global flags.
func (a *app) settings() (config.Settings, error) {
	s, err := config.LoadSettings()
	if err != nil {
		return config.Settings{}, err
	}
	if a.global.Config != "" {
		s.ConfigPath = a.global.Config
	}
	if a.global.LogLevel != "" {
		s.LogLevel = a.global.LogLevel
	}
	if a.global.ConnectTimeout > 0 {
		s.ConnectTimeout = a.global.ConnectTimeout
	}
	if a.global.LogJSONRPC {
		s.LogJSONRPC = true
	}
	if err := s.Validate(); err != nil {
		return config.Settings{}, err
	}
	return s, nil
}

// newLogger writes to stderr: in stdio mode stdout carries the protocol.
func (a *app) newLogger(s config.Settings) *slog.Logger {
	level, err := s.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	a.logger = logger
	return logger
}

// openRegistry loads the backend list and connects every backend. The caller
// owns the returned registry and must Close it. A bad backend list is the
// only fatal error; unreachable backends are logged and skipped.
func (a *app) openRegistry(ctx context.Context, s config.Settings) (*mcpmgr.Registry, error) {
	file, err := config.Load(s.ConfigPath)
	if err != nil {
		return nil, err
	}
	backends, err := file.Backends()
	if err != nil {
		return nil, err
	}
	registry := mcpmgr.NewRegistry(&mcpmgr.RegistryOptions{
		ClientName:     serviceName,
		ClientVersion:  version,
		DefaultTimeout: s.ConnectTimeout,
		LogJSONRPC:     s.LogJSONRPC,
		Logger:         a.logger,
	})
	if err := registry.RegisterAll(ctx, backends); err != nil {
		return nil, errors.Join(err, registry.Close())
	}
	return registry, nil
}

func (a *app) closeRegistry(registry *mcpmgr.Registry) {
	if err := registry.Close(); err != nil {
		a.logger.Error("release backends", "error", err)
	}
}
