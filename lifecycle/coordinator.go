// Package lifecycle implements the session state machine. The coordinator
// receives lifecycle operations from the transport, drives each session
// from start through heartbeats to its sealed chain, auto-seals idle or
// abandoned sessions, and reconciles stale connections after a daemon
// restart. Every operation for one session runs under that session's
// context lock, so per-session record order is total.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/useai-dev/useaid"
	"github.com/useai-dev/useaid/chain"
	"github.com/useai-dev/useaid/config"
	"github.com/useai-dev/useaid/index"
	"github.com/useai-dev/useaid/metrics"
	"github.com/useai-dev/useaid/registry"
	"github.com/useai-dev/useaid/slogger"
)

// StartMeta is the metadata carried by a session_start call.
type StartMeta struct {
	Client            string
	TaskType          string
	Project           string
	Title             string
	PrivateTitle      string
	Model             string
	PromptSummary     string
	ConversationID    string
	ConversationIndex *int

	// Nested suspends the connection's current session instead of sealing
	// it; the new session runs as a child until it ends.
	Nested bool
}

// MilestoneInput is one milestone declared on session_end.
type MilestoneInput struct {
	Title           string
	PrivateTitle    string
	Category        string
	Complexity      string
	DurationMinutes int
	Languages       []string
}

// EndMeta is the finalisation payload carried by a session_end call.
type EndMeta struct {
	TaskType     string
	Languages    []string
	FilesTouched int
	Model        string
	Milestones   []MilestoneInput
	Evaluation   useaid.Evaluation
}

// Options configures a Coordinator.
type Options struct {
	Chains     *chain.Store
	Sessions   *index.Sessions
	Milestones *index.Milestones
	ConnMap    *index.ConnMap

	// Signer signs seal digests. Nil leaves seal signatures empty.
	Signer chain.Signer

	// Config returns the current configuration; it is called per
	// operation so hot reloads take effect immediately. Defaults to
	// config.Default.
	Config func() *config.Config

	// IdleTimeout overrides the 30 minute idle auto-seal, for tests.
	IdleTimeout time.Duration

	Logger slogger.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Coordinator is the protocol engine behind the transport.
type Coordinator struct {
	chains      *chain.Store
	sessions    *index.Sessions
	milestones  *index.Milestones
	connmap     *index.ConnMap
	registry    *registry.Registry
	signer      chain.Signer
	config      func() *config.Config
	idleTimeout time.Duration
	logger      slogger.Logger
	now         func() time.Time

	// recoverMu serialises stale-connection recovery and orphan sealing,
	// which operate on chains that have no context lock to take.
	recoverMu sync.Mutex
}

// New creates a coordinator and its session registry. The registry's idle
// timers feed back into the coordinator's auto-seal path.
func New(opts Options) *Coordinator {
	if opts.Config == nil {
		opts.Config = config.Default
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = registry.DefaultIdleTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Coordinator{
		chains:      opts.Chains,
		sessions:    opts.Sessions,
		milestones:  opts.Milestones,
		connmap:     opts.ConnMap,
		signer:      opts.Signer,
		config:      opts.Config,
		idleTimeout: opts.IdleTimeout,
		logger:      opts.Logger,
		now:         opts.Now,
	}
	c.registry = registry.New(registry.Options{
		IdleTimeout: opts.IdleTimeout,
		OnIdle:      c.handleIdle,
		Logger:      opts.Logger,
		Now:         opts.Now,
	})
	return c
}

// OpenContexts returns the number of in-memory session contexts.
func (c *Coordinator) OpenContexts() int {
	return c.registry.Count()
}

// KnowsConnection reports whether connectionID has a live context or a
// persisted mapping. A false return means a heartbeat or end on this
// connection cannot succeed, not even through recovery.
func (c *Coordinator) KnowsConnection(connectionID string) bool {
	if _, ok := c.registry.Get(connectionID); ok {
		return true
	}
	_, found, err := c.connmap.Get(connectionID)
	return err == nil && found
}

// SessionStart begins a new session on a connection. An open previous
// session on the same connection is auto-sealed first, unless meta.Nested
// suspends it instead. Returns a human-readable acknowledgement.
func (c *Coordinator) SessionStart(ctx context.Context, connectionID string, meta StartMeta) (string, error) {
	prev, exists := c.registry.Get(connectionID)
	if exists && !meta.Nested {
		prev.Lock()
		if current, ok := c.registry.Get(connectionID); ok && current == prev {
			if _, err := c.autoSealLocked(prev, false); err != nil {
				prev.Unlock()
				return "", fmt.Errorf("failed to seal previous session: %w", err)
			}
			// Suspended parents, if any, are dropped with the context;
			// their chains stay in active/ until the sweep reclaims them.
			c.registry.Remove(connectionID)
		}
		prev.Unlock()
	}

	recovered := false
	if !exists {
		// A mapped connection with a live chain means the daemon
		// restarted under an open session; seal the orphan before the
		// new session begins.
		if sessionID, ok, err := c.connmap.Get(connectionID); err == nil && ok {
			if c.chains.State(sessionID) == chain.StateActive {
				if meta.Client == "" {
					if records, err := c.chains.Read(sessionID); err == nil && len(records) > 0 {
						meta.Client = parseStart(records[0]).Client
					}
				}
				if _, err := c.sealOrphan(sessionID); err != nil {
					c.logger.Warn("failed to seal prior chain on recovered start",
						"session_id", sessionID, "error", err)
				}
				recovered = true
			}
		}
	}

	sessionID := uuid.NewString()
	conversationID := meta.ConversationID
	conversationIndex := 0
	if conversationID == "" {
		conversationID = uuid.NewString()
	} else {
		next, _, err := c.sessions.NextConversationIndex(conversationID)
		if err != nil {
			return "", err
		}
		conversationIndex = next
	}
	data := useaid.SessionStartData{
		Client:            meta.Client,
		TaskType:          meta.TaskType,
		Project:           meta.Project,
		Title:             meta.Title,
		PrivateTitle:      meta.PrivateTitle,
		Model:             meta.Model,
		PromptSummary:     meta.PromptSummary,
		ConversationID:    conversationID,
		ConversationIndex: conversationIndex,
		Recovered:         recovered,
	}
	// When the client tracks its own index, its value wins; the derived
	// value stays in conversation_index only when the client is silent.
	if meta.ConversationIndex != nil {
		data.ClientConversationIndex = meta.ConversationIndex
		data.ConversationIndex = *meta.ConversationIndex
		conversationIndex = *meta.ConversationIndex
	}

	record, err := c.chains.Append(sessionID, useaid.RecordSessionStart, data, useaid.GenesisHash)
	if err != nil {
		metrics.AppendErrors.Inc()
		return "", err
	}
	startedAt, err := useaid.ParseTimestamp(record.Timestamp)
	if err != nil {
		startedAt = c.now()
	}

	sctx := &registry.Context{
		SessionID:         sessionID,
		ConversationID:    conversationID,
		ConversationIndex: conversationIndex,
		Client:            meta.Client,
		TaskType:          meta.TaskType,
		Project:           meta.Project,
		Title:             meta.Title,
		PrivateTitle:      meta.PrivateTitle,
		Model:             meta.Model,
		PromptSummary:     meta.PromptSummary,
		ChainTipHash:      record.Hash,
		RecordCount:       1,
		StartedAt:         startedAt,
		LastActivityAt:    startedAt,
		ConnectionID:      connectionID,
	}
	if meta.Nested && exists {
		c.registry.PushChild(connectionID, sctx)
	} else {
		c.registry.Create(sctx)
	}
	if err := c.connmap.Set(connectionID, sessionID); err != nil {
		c.logger.Warn("failed to persist connection mapping",
			"connection_id", connectionID, "error", err)
	}

	metrics.SessionsStarted.WithLabelValues(meta.Client, boolLabel(recovered)).Inc()
	metrics.RecordsAppended.WithLabelValues(string(useaid.RecordSessionStart)).Inc()
	metrics.OpenSessions.Set(float64(c.registry.Count()))

	c.logger.Info("session started",
		"session_id", sessionID,
		"connection_id", connectionID,
		"client", meta.Client,
		"task_type", meta.TaskType,
		"nested", meta.Nested,
		"recovered", recovered)
	return fmt.Sprintf("Session started (%s, %s)", meta.TaskType, sessionID), nil
}

// Heartbeat touches the connection's session and appends a heartbeat
// record. Unknown connections go through the recovery path. Returns a
// human-readable duration acknowledgement.
func (c *Coordinator) Heartbeat(ctx context.Context, connectionID string) (string, error) {
	sctx, ok := c.registry.Get(connectionID)
	if !ok {
		return c.recoverHeartbeat(connectionID)
	}
	sctx.Lock()
	defer sctx.Unlock()
	if current, ok := c.registry.Get(connectionID); !ok || current != sctx {
		// Sealed while we waited for the lock.
		return c.recoverHeartbeat(connectionID)
	}

	now := c.now()
	data := useaid.HeartbeatData{
		HeartbeatNumber:   sctx.HeartbeatCount + 1,
		CumulativeSeconds: sctx.ActiveSeconds(now),
	}
	record, err := c.chains.Append(sctx.SessionID, useaid.RecordHeartbeat, data, sctx.ChainTipHash)
	if err != nil {
		metrics.AppendErrors.Inc()
		return "", err
	}
	sctx.ChainTipHash = record.Hash
	sctx.RecordCount++
	sctx.HeartbeatCount++
	sctx.LastActivityAt = now
	c.registry.Touch(connectionID)

	metrics.Heartbeats.Inc()
	metrics.RecordsAppended.WithLabelValues(string(useaid.RecordHeartbeat)).Inc()
	return fmt.Sprintf("Session active for %s", humanDuration(data.CumulativeSeconds)), nil
}

// SessionEnd finalises the connection's session: milestones, the end
// record, the signed seal, the move to sealed/, and the index upserts.
// Unknown connections go through the recovery path.
func (c *Coordinator) SessionEnd(ctx context.Context, connectionID string, final EndMeta) (string, error) {
	sctx, ok := c.registry.Get(connectionID)
	if !ok {
		return c.recoverEnd(connectionID, final)
	}
	sctx.Lock()
	defer sctx.Unlock()
	if current, ok := c.registry.Get(connectionID); !ok || current != sctx {
		return c.recoverEnd(connectionID, final)
	}

	start := c.now()
	result, err := c.endLocked(sctx, final, endFlags{})
	if err != nil {
		return "", err
	}
	c.finishContext(connectionID)

	metrics.SessionsSealed.WithLabelValues("organic").Inc()
	metrics.SealDuration.Observe(c.now().Sub(start).Seconds())
	metrics.OpenSessions.Set(float64(c.registry.Count()))

	return fmt.Sprintf("Session sealed after %s (%d milestones)",
		humanDuration(result.seal.DurationSeconds), len(final.Milestones)), nil
}

// finishContext tears down the connection's current context, restoring a
// suspended parent when one exists. The ConnectionMap keeps an entry for
// the connection either way, so a stale follow-up call still resolves.
func (c *Coordinator) finishContext(connectionID string) {
	parent, restored := c.registry.PopParent(connectionID)
	if !restored {
		return
	}
	if err := c.connmap.Set(connectionID, parent.SessionID); err != nil {
		c.logger.Warn("failed to remap connection to parent session",
			"connection_id", connectionID, "error", err)
	}
	c.logger.Info("resumed parent session",
		"connection_id", connectionID, "session_id", parent.SessionID)
}

// handleIdle is the registry's idle-timer callback.
func (c *Coordinator) handleIdle(connectionID string) {
	sctx, ok := c.registry.Get(connectionID)
	if !ok {
		return
	}
	sctx.Lock()
	defer sctx.Unlock()
	if current, ok := c.registry.Get(connectionID); !ok || current != sctx {
		return
	}
	if _, err := c.autoSealLocked(sctx, false); err != nil {
		c.logger.Error("failed to auto-seal idle session",
			"session_id", sctx.SessionID, "error", err)
		return
	}
	c.finishContext(connectionID)
	metrics.OpenSessions.Set(float64(c.registry.Count()))
}

// autoSealLocked seals a live context without client-supplied metadata:
// empty languages, zero files, duration from the clock. The caller holds
// the context lock and tears the context down afterwards. A context whose
// chain never got a record, or is already sealed, is left alone; the
// first return value reports whether a seal was written.
func (c *Coordinator) autoSealLocked(sctx *registry.Context, recovered bool) (bool, error) {
	if sctx.RecordCount == 0 || c.chains.State(sctx.SessionID) != chain.StateActive {
		return false, nil
	}
	if _, err := c.endLocked(sctx, EndMeta{}, endFlags{autoSealed: true, recovered: recovered}); err != nil {
		return false, err
	}
	variant := "auto"
	if recovered {
		variant = "recovered"
	}
	metrics.SessionsSealed.WithLabelValues(variant).Inc()
	c.logger.Info("auto-sealed session",
		"session_id", sctx.SessionID, "recovered", recovered)
	return true, nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// humanDuration renders a second count the way the acknowledgement
// strings expect: 45s, 5m 30s, 2h 5m.
func humanDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	if seconds < 3600 {
		if seconds%60 == 0 {
			return fmt.Sprintf("%dm", seconds/60)
		}
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	if minutes == 0 {
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

func countHeartbeats(records []*useaid.ChainRecord) int {
	n := 0
	for _, record := range records {
		if record.Type == useaid.RecordHeartbeat {
			n++
		}
	}
	return n
}

func parseStart(record *useaid.ChainRecord) useaid.SessionStartData {
	var start useaid.SessionStartData
	if record.Type == useaid.RecordSessionStart {
		if err := json.Unmarshal(record.Data, &start); err != nil {
			return useaid.SessionStartData{}
		}
	}
	return start
}
