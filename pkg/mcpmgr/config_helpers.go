package mcpmgr

import (
	"fmt"
	"strings"
)

// TransportKind identifies the transport binding used to reach a backend.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportSSE            TransportKind = "sse"
	TransportStreamableHTTP TransportKind = "streamable-http"
)

// ParseTransportKind normalizes a configured transport name. "streamable" and
// "http" are accepted as spellings of streamable-http.
func ParseTransportKind(s string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stdio":
		return TransportStdio, nil
	case "sse":
		return TransportSSE, nil
	case "streamable-http", "streamable_http", "streamable", "http":
		return TransportStreamableHTTP, nil
	default:
		return "", fmt.Errorf("mcpmgr: unknown transport %q", s)
	}
}

// IsHTTP reports whether k is one of the HTTP-based bindings.
func (k TransportKind) IsHTTP() bool {
	return k == TransportSSE || k == TransportStreamableHTTP
}

func (k TransportKind) String() string { return string(k) }
