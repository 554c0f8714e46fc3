package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownBackend is returned by Lookup for identities that were never
// registered.
var ErrUnknownBackend = errors.New("mcpmgr: unknown backend")

// Registry owns every configured backend connection. Entries are kept in
// registration order; everything connected through the registry is released
// by Close in reverse acquisition order.
type Registry struct {
	opts RegistryOptions

	mu    sync.RWMutex
	order []string
	conns map[string]*Connection

	group ResourceGroup

	hooksMu  sync.RWMutex
	progress ProgressHandler
}

// NewRegistry builds an empty Registry.
func NewRegistry(opts *RegistryOptions) *Registry {
	return &Registry{
		opts:  opts.withDefaults(),
		conns: make(map[string]*Connection),
	}
}

// RegisterAll validates every configuration, then connects each backend.
// Connection failures are isolated: they are logged, the backend is stored in
// the failed state and the remaining backends are still connected. The
// returned error is non-nil only for invalid configuration, in which case no
// backend is touched.
func (r *Registry) RegisterAll(ctx context.Context, cfgs []BackendConfig) error {
	seen := make(map[string]struct{}, len(cfgs))
	for _, cfg := range cfgs {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if _, dup := seen[cfg.Name]; dup {
			return fmt.Errorf("mcpmgr: duplicate backend %q", cfg.Name)
		}
		if _, err := r.Lookup(cfg.Name); err == nil {
			return fmt.Errorf("mcpmgr: backend %q already registered", cfg.Name)
		}
		seen[cfg.Name] = struct{}{}
	}

	conns := make([]*Connection, len(cfgs))
	for i, cfg := range cfgs {
		conn, _, err := r.acquire(cfg)
		if err != nil {
			return err
		}
		conns[i] = conn
	}

	var g errgroup.Group
	if r.opts.ConnectConcurrency > 0 {
		g.SetLimit(r.opts.ConnectConcurrency)
	}
	for _, conn := range conns {
		g.Go(func() error {
			if err := r.connect(ctx, conn); err != nil {
				r.opts.Logger.Warn("backend connect failed", "backend", conn.Identity(), "transport", conn.Transport(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	live := 0
	for _, conn := range conns {
		if conn.Live() {
			live++
		}
	}
	r.opts.Logger.Info("backends registered", "configured", len(conns), "live", live)
	return nil
}

// Register adds or replaces a single backend and connects it. A previous
// entry with the same identity is swapped out atomically and closed. The
// connection is stored even when connecting fails; the error is returned
// alongside it.
func (r *Registry) Register(ctx context.Context, cfg BackendConfig) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, old, err := r.acquire(cfg)
	if err != nil {
		return nil, err
	}
	if old != nil {
		if err := old.Close(); err != nil {
			r.logError("close replaced backend", err, "backend", cfg.Name)
		}
	}
	return conn, r.connect(ctx, conn)
}

// Lookup returns the connection registered under identity.
func (r *Registry) Lookup(identity string) (*Connection, error) {
	r.mu.RLock()
	conn, ok := r.conns[identity]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, identity)
	}
	return conn, nil
}

// Identities lists registered backend names in registration order.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Connections returns every registered connection in registration order.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.conns[id])
	}
	return out
}

// Live returns the live connections in registration order.
func (r *Registry) Live() []*Connection {
	all := r.Connections()
	out := all[:0]
	for _, conn := range all {
		if conn.Live() {
			out = append(out, conn)
		}
	}
	return out
}

// Close releases every connection acquired by the registry, most recent
// first, and joins their errors.
func (r *Registry) Close() error {
	return r.group.Close()
}

// SetProgressHandler installs the callback that receives backend progress
// notifications. Passing nil removes it.
func (r *Registry) SetProgressHandler(h ProgressHandler) {
	r.hooksMu.Lock()
	r.progress = h
	r.hooksMu.Unlock()
}

func (r *Registry) dispatchProgress(backend string) func(context.Context, *mcp.ProgressNotificationClientRequest) {
	return func(ctx context.Context, req *mcp.ProgressNotificationClientRequest) {
		r.hooksMu.RLock()
		h := r.progress
		r.hooksMu.RUnlock()
		if h == nil || req == nil || req.Params == nil {
			return
		}
		h(ctx, backend, req.Params)
	}
}

func (r *Registry) logBackendMessage(backend string) func(context.Context, *mcp.LoggingMessageRequest) {
	return func(ctx context.Context, req *mcp.LoggingMessageRequest) {
		if req == nil || req.Params == nil {
			return
		}
		r.opts.Logger.Debug("backend log", "backend", backend, "level", req.Params.Level, "logger", req.Params.Logger, "data", req.Params.Data)
	}
}

func (r *Registry) newConnection(cfg BackendConfig) *Connection {
	clientOpts := r.opts.ClientOptions
	clientOpts.ProgressNotificationHandler = r.dispatchProgress(cfg.Name)
	if clientOpts.LoggingMessageHandler == nil {
		clientOpts.LoggingMessageHandler = r.logBackendMessage(cfg.Name)
	}
	client := mcp.NewClient(&mcp.Implementation{
		Name:    r.opts.ClientName,
		Version: r.opts.ClientVersion,
	}, &clientOpts)
	return newConnection(cfg, client, &r.opts)
}

// acquire builds the connection for cfg, hands it to the resource group and
// stores it. Failed connections are group members too, so Close moves every
// entry to the closed state. The replaced entry, if any, is returned.
func (r *Registry) acquire(cfg BackendConfig) (*Connection, *Connection, error) {
	conn := r.newConnection(cfg)
	if err := r.group.Add(cfg.Name, conn); err != nil {
		return nil, nil, fmt.Errorf("mcpmgr: register %q: %w", cfg.Name, err)
	}
	return conn, r.store(conn), nil
}

// store puts conn in the map, keeping the original position for a replaced
// identity, and returns the previous entry.
func (r *Registry) store(conn *Connection) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.conns[conn.Identity()]
	if !ok {
		r.order = append(r.order, conn.Identity())
	}
	r.conns[conn.Identity()] = conn
	return old
}

func (r *Registry) connect(ctx context.Context, conn *Connection) error {
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	r.opts.Logger.Debug("backend live", "backend", conn.Identity(), "transport", conn.Transport())
	return nil
}

func (r *Registry) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	r.opts.Logger.Error(msg, attrs...)
}
