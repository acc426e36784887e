// Package registry tracks open sessions in memory, keyed by transport
// connection id. Each context carries the session metadata and chain tip,
// an idle timer that triggers auto-seal, and a stack of suspended parent
// sessions for nested tool-initiated sub-sessions. The registry is a
// cache: on restart the persisted connection map and the chain files are
// authoritative and contexts are rebuilt through the recovery path.
package registry

import (
	"sync"
	"time"

	"github.com/useai-dev/useaid/slogger"
)

// DefaultIdleTimeout is how long a session may sit without any operation
// before it is auto-sealed.
const DefaultIdleTimeout = 30 * time.Minute

// Context holds the live state of one open session. Lifecycle operations
// for a session are serialised by locking the context for their full
// duration, so fields are read and written without further coordination.
type Context struct {
	mu sync.Mutex

	SessionID         string
	ConversationID    string
	ConversationIndex int
	Client            string
	TaskType          string
	Project           string
	Title             string
	PrivateTitle      string
	Model             string
	PromptSummary     string
	ChainTipHash      string
	RecordCount       int
	HeartbeatCount    int
	StartedAt         time.Time
	LastActivityAt    time.Time
	PausedMS          int64
	ConnectionID      string

	parents []parentFrame
	idle    *time.Timer
}

// Lock serialises lifecycle operations on this session.
func (c *Context) Lock() { c.mu.Lock() }

// Unlock releases the session for the next operation.
func (c *Context) Unlock() { c.mu.Unlock() }

// ActiveSeconds is the session's wall-clock age minus time spent suspended
// while a nested sub-session ran.
func (c *Context) ActiveSeconds(now time.Time) int64 {
	secs := int64(now.Sub(c.StartedAt).Seconds()) - c.PausedMS/1000
	if secs < 0 {
		return 0
	}
	return secs
}

// Depth is how many suspended parent sessions sit beneath this context.
func (c *Context) Depth() int { return len(c.parents) }

type parentFrame struct {
	ctx      *Context
	pausedAt time.Time
}

// Options configures a Registry.
type Options struct {
	// IdleTimeout is how long a context may sit untouched before OnIdle
	// fires. Defaults to DefaultIdleTimeout.
	IdleTimeout time.Duration

	// OnIdle is called with the connection id when a context's idle timer
	// expires. It runs on the timer goroutine.
	OnIdle func(connectionID string)

	Logger slogger.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Registry is the in-memory map from connection id to session context.
type Registry struct {
	mu          sync.RWMutex
	contexts    map[string]*Context
	idleTimeout time.Duration
	onIdle      func(connectionID string)
	logger      slogger.Logger
	now         func() time.Time
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		contexts:    make(map[string]*Context),
		idleTimeout: opts.IdleTimeout,
		onIdle:      opts.OnIdle,
		logger:      opts.Logger,
		now:         opts.Now,
	}
}

// Create registers ctx as the current session for its connection id and
// starts its idle timer. Any previous context for the connection is
// replaced; the caller is responsible for sealing it first.
func (r *Registry) Create(ctx *Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.contexts[ctx.ConnectionID]; ok {
		prev.stopIdle()
	}
	r.contexts[ctx.ConnectionID] = ctx
	r.armIdle(ctx)
}

// Get returns the current context for a connection id.
func (r *Registry) Get(connectionID string) (*Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctx, ok := r.contexts[connectionID]
	return ctx, ok
}

// GetBySession finds the context holding the given session id, if any.
func (r *Registry) GetBySession(sessionID string) (*Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ctx := range r.contexts {
		if ctx.SessionID == sessionID {
			return ctx, true
		}
	}
	return nil, false
}

// Holds reports whether sessionID is live in the registry, either as a
// current context or suspended beneath one. The orphan sweep uses this so
// a paused parent session is never mistaken for an abandoned chain.
func (r *Registry) Holds(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ctx := range r.contexts {
		if ctx.SessionID == sessionID {
			return true
		}
		for _, frame := range ctx.parents {
			if frame.ctx.SessionID == sessionID {
				return true
			}
		}
	}
	return false
}

// Touch resets a context's idle timer. The caller updates LastActivityAt
// under the context lock; the registry only manages the timer.
func (r *Registry) Touch(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.contexts[connectionID]
	if !ok {
		return
	}
	if ctx.idle != nil {
		ctx.idle.Reset(r.idleTimeout)
	}
}

// Remove stops a context's idle timer and drops it from the registry.
func (r *Registry) Remove(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.contexts[connectionID]
	if !ok {
		return
	}
	ctx.stopIdle()
	delete(r.contexts, connectionID)
}

// Count returns the number of open contexts. Suspended parents are not
// counted; they surface again when their child ends.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}

// Snapshot returns the current contexts. The slice is fresh; the contexts
// are shared, so callers lock each one before touching its fields.
func (r *Registry) Snapshot() []*Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Context, 0, len(r.contexts))
	for _, ctx := range r.contexts {
		out = append(out, ctx)
	}
	return out
}

// PushChild suspends the connection's current context and makes child the
// current one. The parent's idle timer stops while it is suspended; its
// paused time starts accumulating now.
func (r *Registry) PushChild(connectionID string, child *Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	parent, ok := r.contexts[connectionID]
	if ok {
		parent.stopIdle()
		child.parents = append(parent.parents, parentFrame{ctx: parent, pausedAt: r.now()})
		parent.parents = nil
	}
	r.contexts[connectionID] = child
	r.armIdle(child)
}

// PopParent removes the connection's current context and restores the most
// recently suspended parent, crediting the time it spent suspended to its
// paused accumulator. Returns the restored parent, or false when the stack
// is empty and the connection is simply removed.
func (r *Registry) PopParent(connectionID string) (*Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.contexts[connectionID]
	if !ok {
		return nil, false
	}
	current.stopIdle()
	if len(current.parents) == 0 {
		delete(r.contexts, connectionID)
		return nil, false
	}
	frame := current.parents[len(current.parents)-1]
	parent := frame.ctx
	parent.parents = current.parents[:len(current.parents)-1]
	parent.PausedMS += r.now().Sub(frame.pausedAt).Milliseconds()
	parent.LastActivityAt = r.now()
	r.contexts[connectionID] = parent
	r.armIdle(parent)
	return parent, true
}

func (r *Registry) armIdle(ctx *Context) {
	if r.onIdle == nil {
		return
	}
	connectionID := ctx.ConnectionID
	ctx.idle = time.AfterFunc(r.idleTimeout, func() {
		r.logger.Debug("session idle timeout", "connection_id", connectionID)
		r.onIdle(connectionID)
	})
}

func (c *Context) stopIdle() {
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
}
