package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	mcpgateway "github.com/vikashloomba/mcp-proxy-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-proxy-go/pkg/mcpmgr"
	"gopkg.in/yaml.v3"
)

type catalogCommand struct {
	Kinds  []string `short:"k" long:"kind" description:"tools, prompts, resources or resource-templates; repeatable, default all"`
	Format string   `short:"f" long:"format" choice:"text" choice:"json" choice:"yaml" description:"Output format"`

	app *app
}

// Execute connects every backend once, prints what they export under their
// gateway keys and exits.
func (c *catalogCommand) Execute(args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments %v", args)
	}
	kinds := make([]mcpgateway.Kind, 0, len(c.Kinds))
	for _, raw := range c.Kinds {
		kind, err := mcpgateway.ParseKind(raw)
		if err != nil {
			return err
		}
		kinds = append(kinds, kind)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := c.app.settings()
	if err != nil {
		return err
	}
	logger := c.app.newLogger(s)

	registry, err := c.app.openRegistry(ctx, s)
	if err != nil {
		return err
	}
	defer c.app.closeRegistry(registry)

	catalog, err := mcpgateway.NewAggregator(registry, mcpgateway.NamespaceCodec{}, logger).ListAll(ctx, kinds...)
	if err != nil {
		return err
	}
	return writeCatalog(os.Stdout, c.Format, registry.Connections(), catalog, kinds)
}

type catalogDocument struct {
	Backends []backendRow        `json:"backends" yaml:"backends"`
	Catalog  *mcpgateway.Catalog `json:"catalog" yaml:"catalog"`
}

type backendRow struct {
	Name      string `json:"name" yaml:"name"`
	Transport string `json:"transport" yaml:"transport"`
	State     string `json:"state" yaml:"state"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

func writeCatalog(w io.Writer, format string, conns []*mcpmgr.Connection, catalog *mcpgateway.Catalog, kinds []mcpgateway.Kind) error {
	rows := make([]backendRow, 0, len(conns))
	for _, conn := range conns {
		row := backendRow{Name: conn.Identity(), Transport: conn.Transport().String(), State: string(conn.State())}
		if err := conn.Err(); err != nil {
			row.Error = err.Error()
		}
		rows = append(rows, row)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(catalogDocument{Backends: rows, Catalog: catalog})
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(catalogDocument{Backends: rows, Catalog: catalog})
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BACKEND\tTRANSPORT\tSTATE\tERROR")
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", row.Name, row.Transport, row.State, row.Error)
	}
	fmt.Fprintln(tw)
	if len(kinds) == 0 {
		kinds = mcpgateway.Kinds()
	}
	fmt.Fprintln(tw, "KIND\tKEY")
	for _, kind := range kinds {
		for _, key := range catalog.Keys(kind) {
			fmt.Fprintf(tw, "%s\t%s\n", kind, key)
		}
	}
	return tw.Flush()
}
