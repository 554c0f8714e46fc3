package mcpgateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type progressSink interface {
	NotifyProgress(context.Context, *mcp.ProgressNotificationParams) error
}

// progressTracker relays backend progress notifications to the front-end
// session that made the call. Each forwarded call gets a fresh token so that
// tokens chosen by different front-end clients never collide on a backend.
type progressTracker struct {
	seq atomic.Uint64

	mu      sync.RWMutex
	pending map[string]progressRegistration

	logger       *slog.Logger
	cleanupGrace time.Duration
}

type progressRegistration struct {
	// ctx is the front-end request context, so notifications are delivered
	// on the stream of the originating request.
	ctx   context.Context
	sink  progressSink
	token any
	seq   uint64
}

// Notifications may trail the tool result slightly.
const progressCleanupGrace = 250 * time.Millisecond

func newProgressTracker(logger *slog.Logger) *progressTracker {
	return &progressTracker{
		pending:      make(map[string]progressRegistration),
		logger:       logger,
		cleanupGrace: progressCleanupGrace,
	}
}

// track swaps the caller's progress token on params for a relay token and
// remembers where to send notifications carrying it. The returned func ends
// the registration. Calls without a progress token are left untouched.
func (pt *progressTracker) track(ctx context.Context, backend string, sink progressSink, params *mcp.CallToolParams) func() {
	if sink == nil || params == nil {
		return func() {}
	}
	original := params.GetProgressToken()
	if original == nil || params.Meta == nil {
		return func() {}
	}
	relay := "mcpgateway-" + uuid.NewString()
	params.SetProgressToken(relay)

	key := progressKey(backend, relay)
	seq := pt.seq.Add(1)
	pt.mu.Lock()
	pt.pending[key] = progressRegistration{ctx: ctx, sink: sink, token: original, seq: seq}
	pt.mu.Unlock()
	return func() {
		pt.removeLater(key, seq)
	}
}

// relay is installed as the registry's progress handler.
func (pt *progressTracker) relay(_ context.Context, backend string, params *mcp.ProgressNotificationParams) {
	token, ok := params.ProgressToken.(string)
	if !ok {
		pt.logger.Debug("progress token not issued by gateway", "backend", backend, "token", params.ProgressToken)
		return
	}
	pt.mu.RLock()
	reg, ok := pt.pending[progressKey(backend, token)]
	pt.mu.RUnlock()
	if !ok {
		pt.logger.Debug("progress for unknown call", "backend", backend, "token", token)
		return
	}
	out := *params
	out.ProgressToken = reg.token
	if err := reg.sink.NotifyProgress(reg.ctx, &out); err != nil {
		pt.logger.Warn("relay progress", "backend", backend, "error", err)
	}
}

func (pt *progressTracker) removeLater(key string, seq uint64) {
	if pt.cleanupGrace <= 0 {
		pt.removeIfMatch(key, seq)
		return
	}
	time.AfterFunc(pt.cleanupGrace, func() {
		pt.removeIfMatch(key, seq)
	})
}

func (pt *progressTracker) removeIfMatch(key string, seq uint64) {
	pt.mu.Lock()
	if current, ok := pt.pending[key]; ok && current.seq == seq {
		delete(pt.pending, key)
	}
	pt.mu.Unlock()
}

func (pt *progressTracker) size() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return len(pt.pending)
}

func progressKey(backend, token string) string {
	return backend + "|" + token
}
