package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Settings are the process-level knobs of the proxy.
type Settings struct {
	ConfigPath string `env:"MCP_PROXY_CONFIG" envDefault:"./mcp_server_conf.json"`
	// Transport is the front end: stdio, or http for Streamable HTTP and SSE.
	Transport      string        `env:"MCP_PROXY_TRANSPORT" envDefault:"stdio"`
	Addr           string        `env:"MCP_PROXY_ADDR" envDefault:":8082"`
	LogLevel       string        `env:"MCP_PROXY_LOG_LEVEL" envDefault:"info"`
	ConnectTimeout time.Duration `env:"MCP_PROXY_CONNECT_TIMEOUT" envDefault:"30s"`
	CORSOrigins    []string      `env:"MCP_PROXY_CORS_ORIGINS" envSeparator:","`
	LogJSONRPC     bool          `env:"MCP_PROXY_LOG_JSONRPC"`
	// OTelEndpoint enables tracing when set, e.g. http://localhost:4318.
	OTelEndpoint string `env:"MCP_PROXY_OTEL_ENDPOINT"`
}

// Front-end transports.
const (
	FrontEndStdio = "stdio"
	FrontEndHTTP  = "http"
)

// LoadSettings reads Settings from the environment.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("parse env: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate normalizes the front-end transport and checks the remaining
// fields. "sse" and "streamable-http" are accepted as http, since one HTTP
// listener serves both.
func (s *Settings) Validate() error {
	switch strings.ToLower(strings.TrimSpace(s.Transport)) {
	case "", FrontEndStdio:
		s.Transport = FrontEndStdio
	case FrontEndHTTP, "sse", "streamable-http", "streamable_http":
		s.Transport = FrontEndHTTP
	default:
		return fmt.Errorf("config: unknown front-end transport %q", s.Transport)
	}
	if s.ConfigPath == "" {
		s.ConfigPath = DefaultPath
	}
	if s.ConnectTimeout < 0 {
		return fmt.Errorf("config: negative connect timeout %s", s.ConnectTimeout)
	}
	if _, err := s.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel.
func (s Settings) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if s.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return level, nil
}
