// Package mcpgateway serves one MCP endpoint in front of every backend held
// by an mcpmgr.Registry.
//
// Each backend's tools, prompts, resources and resource templates are
// re-exported under a composite key made of the backend identity, a
// separator and the backend's own key ("alpha/add", "docs/file:///readme").
// Listings are merged live on every request by an Aggregator; calls are
// dispatched by a Router that strips the prefix again. A backend that is
// down simply contributes nothing, and tool calls that cannot be served come
// back as error results rather than protocol errors.
//
// The front end is an mcp.Server reachable over Streamable HTTP, legacy SSE
// or stdio.
package mcpgateway
