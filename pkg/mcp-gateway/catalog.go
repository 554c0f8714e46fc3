package mcpgateway

import (
	"fmt"
	"maps"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	metaKeyBackend    = "mcpgateway.backend"
	metaKeyNativeName = "mcpgateway.native_name"
	metaKeyNativeURI  = "mcpgateway.native_uri"
)

// Kind selects one of the listings a backend can export.
type Kind string

const (
	KindTools             Kind = "tools"
	KindPrompts           Kind = "prompts"
	KindResources         Kind = "resources"
	KindResourceTemplates Kind = "resource-templates"
)

// Kinds lists every Kind in the order a Catalog is filled.
func Kinds() []Kind {
	return []Kind{KindTools, KindPrompts, KindResources, KindResourceTemplates}
}

// ParseKind converts user input into a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tools", "tool":
		return KindTools, nil
	case "prompts", "prompt":
		return KindPrompts, nil
	case "resources", "resource":
		return KindResources, nil
	case "resource-templates", "resource_templates", "templates":
		return KindResourceTemplates, nil
	default:
		return "", fmt.Errorf("mcpgateway: unknown listing kind %q", s)
	}
}

// Catalog is the merged, namespaced view of what the live backends export.
// Only the kinds that were requested are filled.
type Catalog struct {
	Tools             []*mcp.Tool             `json:"tools,omitempty" yaml:"tools,omitempty"`
	Prompts           []*mcp.Prompt           `json:"prompts,omitempty" yaml:"prompts,omitempty"`
	Resources         []*mcp.Resource         `json:"resources,omitempty" yaml:"resources,omitempty"`
	ResourceTemplates []*mcp.ResourceTemplate `json:"resourceTemplates,omitempty" yaml:"resourceTemplates,omitempty"`
}

// Keys returns the composite keys of the requested kind, in catalog order.
func (c *Catalog) Keys(kind Kind) []string {
	if c == nil {
		return nil
	}
	var keys []string
	switch kind {
	case KindTools:
		for _, t := range c.Tools {
			keys = append(keys, t.Name)
		}
	case KindPrompts:
		for _, p := range c.Prompts {
			keys = append(keys, p.Name)
		}
	case KindResources:
		for _, r := range c.Resources {
			keys = append(keys, r.URI)
		}
	case KindResourceTemplates:
		for _, r := range c.ResourceTemplates {
			keys = append(keys, r.URITemplate)
		}
	}
	return keys
}

// Len counts every item in the catalog.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Tools) + len(c.Prompts) + len(c.Resources) + len(c.ResourceTemplates)
}

func cloneTool(tool *mcp.Tool, key, backend string) *mcp.Tool {
	clone := *tool
	clone.Name = key
	clone.Meta = withMeta(tool.Meta, map[string]any{
		metaKeyBackend:    backend,
		metaKeyNativeName: tool.Name,
	})
	return &clone
}

func clonePrompt(prompt *mcp.Prompt, key, backend string) *mcp.Prompt {
	clone := *prompt
	clone.Name = key
	clone.Meta = withMeta(prompt.Meta, map[string]any{
		metaKeyBackend:    backend,
		metaKeyNativeName: prompt.Name,
	})
	return &clone
}

func cloneResource(resource *mcp.Resource, key, backend string) *mcp.Resource {
	clone := *resource
	clone.URI = key
	clone.Meta = withMeta(resource.Meta, map[string]any{
		metaKeyBackend:   backend,
		metaKeyNativeURI: resource.URI,
	})
	return &clone
}

func cloneResourceTemplate(tpl *mcp.ResourceTemplate, key, backend string) *mcp.ResourceTemplate {
	clone := *tpl
	clone.URITemplate = key
	clone.Meta = withMeta(tpl.Meta, map[string]any{
		metaKeyBackend:   backend,
		metaKeyNativeURI: tpl.URITemplate,
	})
	return &clone
}

func withMeta(base map[string]any, extras map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any, len(extras))
	}
	maps.Copy(out, extras)
	return out
}
