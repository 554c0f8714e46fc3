// Package mcpmgr owns the backend side of the proxy: one Connection per
// configured Model Context Protocol (MCP) server, held by a Registry.
//
// # Core entry points
//
//   - BackendConfig declares a backend by name and transport kind: stdio
//     (a launched command), sse, or streamable-http (both given a URL).
//   - Connection wraps an initialized mcp.ClientSession behind the same list,
//     get, read, and call operations whatever the transport. A connection is
//     live only once the initialize handshake succeeded; a failed connection
//     stays failed and its operations return ErrNotLive.
//   - Registry connects every backend with a bounded timeout, isolating
//     failures per backend, and exposes Lookup by identity. Close releases the
//     sessions it acquired in reverse order through a ResourceGroup.
//
// RegistryOptions controls client identity, default timeouts, connect
// concurrency, and JSON-RPC traffic logging. Tests and embedders can replace
// transport construction with RegistryOptions.Transport.
package mcpmgr
