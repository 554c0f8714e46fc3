// Package config loads the proxy's backend list and process settings.
//
// The backend list lives in a JSON or YAML file:
//
//	{"mcp_server": [
//	  {"name": "files", "transport": "stdio", "command": "mcp-files", "args": ["/srv"]},
//	  {"name": "search", "transport": "streamable-http", "url": "http://localhost:9000/mcp"}
//	]}
//
// Process settings come from MCP_PROXY_* environment variables and may be
// overridden by command-line flags.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/vikashloomba/mcp-proxy-go/pkg/mcpmgr"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the backend list is read from when nothing else is
// configured.
const DefaultPath = "./mcp_server_conf.json"

// File is the on-disk backend list.
type File struct {
	Servers []Server `json:"mcp_server" yaml:"mcp_server"`
}

// Server is one backend entry.
type Server struct {
	Name      string            `json:"name" yaml:"name"`
	Transport string            `json:"transport" yaml:"transport"`
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout   Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// LogJSONRPC logs this backend's traffic at debug level.
	LogJSONRPC bool `json:"log_jsonrpc,omitempty" yaml:"log_jsonrpc,omitempty"`
}

// Duration accepts Go duration strings ("15s") or a number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*d = 0
		return nil
	case float64:
		*d = Duration(v * float64(time.Second))
		return nil
	case string:
		return d.parse(v)
	default:
		return fmt.Errorf("config: invalid duration %s", data)
	}
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("config: line %d: duration must be a scalar", node.Line)
	}
	if secs, err := strconv.ParseFloat(node.Value, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	if strings.TrimSpace(s) == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Load reads the backend list at path. Files ending in .yaml or .yml are
// parsed as YAML, everything else as JSON.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	f, err := Parse(data, FormatFor(path))
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return f, nil
}

// Format names a backend list encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFor picks the format from a file extension.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Parse decodes a backend list and validates it.
func Parse(data []byte, format Format) (*File, error) {
	var f File
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks every entry and rejects duplicate names. All problems are
// reported together.
func (f *File) Validate() error {
	var errs []error
	seen := make(map[string]int, len(f.Servers))
	for i, srv := range f.Servers {
		cfg, err := srv.Backend()
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("mcp_server[%d]: %w", i, err))
			continue
		}
		if first, dup := seen[srv.Name]; dup {
			errs = append(errs, fmt.Errorf("mcp_server[%d]: name %q already used by mcp_server[%d]", i, srv.Name, first))
			continue
		}
		seen[srv.Name] = i
	}
	return errors.Join(errs...)
}

// Backend converts the entry into a registry configuration.
func (s Server) Backend() (mcpmgr.BackendConfig, error) {
	kind, err := mcpmgr.ParseTransportKind(s.Transport)
	if err != nil {
		return mcpmgr.BackendConfig{}, err
	}
	cfg := mcpmgr.BackendConfig{
		Name:       s.Name,
		Transport:  kind,
		Command:    s.Command,
		Args:       s.Args,
		Env:        s.Env,
		URL:        s.URL,
		Timeout:    s.Timeout.Std(),
		LogJSONRPC: s.LogJSONRPC,
	}
	if len(s.Headers) > 0 {
		cfg.Headers = make(http.Header, len(s.Headers))
		for k, v := range s.Headers {
			cfg.Headers.Set(k, os.ExpandEnv(v))
		}
	}
	return cfg, nil
}

// Backends converts every entry, in file order.
func (f *File) Backends() ([]mcpmgr.BackendConfig, error) {
	out := make([]mcpmgr.BackendConfig, 0, len(f.Servers))
	for i, srv := range f.Servers {
		cfg, err := srv.Backend()
		if err != nil {
			return nil, fmt.Errorf("config: mcp_server[%d]: %w", i, err)
		}
		out = append(out, cfg)
	}
	return out, nil
}
