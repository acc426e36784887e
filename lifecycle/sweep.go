package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/useai-dev/useaid"
	"github.com/useai-dev/useaid/metrics"
)

// SweepInterval is how often the orphan sweep runs.
const SweepInterval = 15 * time.Minute

// Sweep examines every chain in active/ and seals the abandoned ones. A
// chain survives the sweep while the registry holds its session, current
// or suspended, or while it is mapped to a connection and was written to
// within the idle timeout. The effective end time of a swept chain is its
// last record's timestamp, never the sweep's clock, so a machine asleep
// for ten hours does not inflate a duration. Returns the number of chains
// sealed.
func (c *Coordinator) Sweep() (int, error) {
	ids, err := c.chains.ActiveSessions()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	mapped := make(map[string]bool)
	if all, err := c.connmap.All(); err == nil {
		for _, sessionID := range all {
			mapped[sessionID] = true
		}
	} else {
		c.logger.Warn("failed to read connection map for sweep", "error", err)
	}

	sealed := 0
	for _, sessionID := range ids {
		if c.registry.Holds(sessionID) {
			// Live or suspended in memory; the idle timer owns it.
			continue
		}
		if mapped[sessionID] && !c.staleChain(sessionID) {
			continue
		}
		did, err := c.sealOrphan(sessionID)
		if err != nil {
			c.logger.Error("failed to seal orphaned chain",
				"session_id", sessionID, "error", err)
			continue
		}
		if did {
			sealed++
		}
	}
	if sealed > 0 {
		c.logger.Info("orphan sweep sealed chains", "sealed", sealed)
		metrics.OpenSessions.Set(float64(c.registry.Count()))
	}
	return sealed, nil
}

// SweepLoop runs Sweep every interval until ctx is done. The startup
// sweep runs before the daemon starts serving; this loop covers steady
// state.
func (c *Coordinator) SweepLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.Sweep(); err != nil {
				c.logger.Error("orphan sweep failed", "error", err)
			}
		}
	}
}

// staleChain reports whether a chain's newest record is older than the
// idle timeout. Unreadable chains count as stale so the sweep can move
// them out of active/.
func (c *Coordinator) staleChain(sessionID string) bool {
	last, err := c.chains.LastRecord(sessionID)
	if err != nil {
		return true
	}
	t, err := useaid.ParseTimestamp(last.Timestamp)
	if err != nil {
		return true
	}
	return c.now().Sub(t) >= c.idleTimeout
}

// sealOrphan seals one abandoned active chain with no in-memory context
// and reports whether the chain left active/. Chains whose terminal
// record is already an end or seal are completed without synthesising
// new facts: the missing seal, move, and index entry are filled in and
// nothing already on disk is rewritten. Anything else gets a synthesised
// session_end and seal threading from the last record.
func (c *Coordinator) sealOrphan(sessionID string) (bool, error) {
	c.recoverMu.Lock()
	defer c.recoverMu.Unlock()

	// A recovery may have rebuilt a live context for this chain while we
	// waited for the mutex; rebuilt contexts only appear under it.
	if _, ok := c.registry.GetBySession(sessionID); ok || c.registry.Holds(sessionID) {
		return false, nil
	}

	records, err := c.chains.Read(sessionID)
	if err != nil {
		return false, err
	}
	if len(records) == 0 {
		// Nothing parseable survived; move the file out of active/ so
		// the sweep stops revisiting it.
		c.logger.Warn("moving unreadable chain out of active", "session_id", sessionID)
		return true, c.chains.SealMove(sessionID)
	}
	first, last := records[0], records[len(records)-1]
	switch last.Type {
	case useaid.RecordSessionSeal:
		// Crash between the seal append and the rename. Move the file
		// and index the seal it already carries.
		if err := c.chains.SealMove(sessionID); err != nil {
			return false, err
		}
		if err := c.indexSeal(c.summaryFromSealedChain(sessionID, records), nil, c.config()); err != nil {
			return false, err
		}
		c.logger.Info("moved sealed chain out of active", "session_id", sessionID)
		return true, nil
	case useaid.RecordSessionEnd:
		// Crash between the end append and the seal append. The end
		// record is authoritative for timing and flags; only the seal
		// and the index entry are missing.
		flags := endFlags{autoSealed: true}
		var end useaid.SessionEndData
		if err := json.Unmarshal(last.Data, &end); err == nil {
			flags = endFlags{autoSealed: end.AutoSealed, recovered: end.Recovered}
		}
		summary := c.summaryFromRecords(sessionID, records)
		summary.RecordCount = len(records) + 1
		if err := c.writeSeal(sessionID, last.Hash, summary, flags); err != nil {
			return false, err
		}
		if err := c.indexSeal(summary, nil, c.config()); err != nil {
			return false, err
		}
		metrics.SessionsSealed.WithLabelValues("auto").Inc()
		metrics.OrphansSealed.Inc()
		c.logger.Info("completed interrupted seal", "session_id", sessionID)
		return true, nil
	}

	start := parseStart(first)
	var duration int64
	startT, startErr := useaid.ParseTimestamp(first.Timestamp)
	endT, endErr := useaid.ParseTimestamp(last.Timestamp)
	if startErr == nil && endErr == nil {
		duration = int64(endT.Sub(startT).Seconds())
		if duration < 0 {
			duration = 0
		}
	}

	endData := useaid.SessionEndData{
		DurationSeconds: duration,
		TaskType:        start.TaskType,
		HeartbeatCount:  countHeartbeats(records),
		AutoSealed:      true,
	}
	endRecord, err := c.chains.Append(sessionID, useaid.RecordSessionEnd, endData, last.Hash)
	if err != nil {
		metrics.AppendErrors.Inc()
		return false, err
	}
	metrics.RecordsAppended.WithLabelValues(string(useaid.RecordSessionEnd)).Inc()

	summary := &useaid.SessionSeal{
		SessionID:         sessionID,
		ConversationID:    start.ConversationID,
		ConversationIndex: start.ConversationIndex,
		Client:            start.Client,
		TaskType:          start.TaskType,
		Project:           start.Project,
		Title:             start.Title,
		PrivateTitle:      start.PrivateTitle,
		Model:             start.Model,
		PromptSummary:     start.PromptSummary,
		StartedAt:         first.Timestamp,
		EndedAt:           last.Timestamp,
		DurationSeconds:   duration,
		RecordCount:       len(records) + 2,
		HeartbeatCount:    endData.HeartbeatCount,
		ChainStartHash:    first.Hash,
		ChainEndHash:      endRecord.Hash,
		AutoSealed:        true,
	}
	if err := c.writeSeal(sessionID, endRecord.Hash, summary, endFlags{autoSealed: true}); err != nil {
		return false, err
	}
	if err := c.indexSeal(summary, nil, c.config()); err != nil {
		return false, err
	}
	metrics.SessionsSealed.WithLabelValues("auto").Inc()
	metrics.OrphansSealed.Inc()
	c.logger.Info("sealed orphaned chain",
		"session_id", sessionID, "ended_at", summary.EndedAt)
	return true, nil
}

// SealActive synchronously seals every in-memory session holding at least
// one record, suspended parents included, and returns the count. The
// transport connections themselves survive; an assistant's next start on
// the same connection begins a fresh session.
func (c *Coordinator) SealActive() int {
	sealed := 0
	for _, sctx := range c.registry.Snapshot() {
		sealed += c.drainConnection(sctx.ConnectionID)
	}
	metrics.OpenSessions.Set(float64(c.registry.Count()))
	return sealed
}

// drainConnection seals the connection's current context and then every
// suspended parent beneath it, in order.
func (c *Coordinator) drainConnection(connectionID string) int {
	sealed := 0
	for {
		sctx, ok := c.registry.Get(connectionID)
		if !ok {
			return sealed
		}
		sctx.Lock()
		if current, ok := c.registry.Get(connectionID); !ok || current != sctx {
			sctx.Unlock()
			continue
		}
		did, err := c.autoSealLocked(sctx, false)
		if err != nil {
			c.logger.Error("failed to seal active session",
				"session_id", sctx.SessionID, "error", err)
			// Abandon the stack; the sweep reclaims its chains later.
			c.registry.Remove(connectionID)
			sctx.Unlock()
			return sealed
		}
		c.finishContext(connectionID)
		sctx.Unlock()
		if did {
			sealed++
		}
	}
}

// Shutdown tears the registry down for a graceful exit. A current context
// whose connection mapping points at it, and whose chain has records,
// stays in active/ so the recovery path can pick it up after restart.
// Everything else, suspended parents included, is sealed now; the parents
// cannot be recovered because the connection mapping names the child, so
// leaving them open would strand their chains. PopParent is used directly
// here, not finishContext, to keep the mapping on the recoverable child.
func (c *Coordinator) Shutdown() {
	for _, sctx := range c.registry.Snapshot() {
		connectionID := sctx.ConnectionID
		for {
			current, ok := c.registry.Get(connectionID)
			if !ok {
				break
			}
			current.Lock()
			if again, ok := c.registry.Get(connectionID); !ok || again != current {
				current.Unlock()
				continue
			}
			mappedSession, found, err := c.connmap.Get(connectionID)
			if err == nil && found && mappedSession == current.SessionID && current.RecordCount > 0 {
				c.registry.PopParent(connectionID)
				current.Unlock()
				c.logger.Info("left session open for recovery",
					"session_id", current.SessionID, "connection_id", connectionID)
				continue
			}
			if _, err := c.autoSealLocked(current, false); err != nil {
				c.logger.Error("failed to seal session at shutdown",
					"session_id", current.SessionID, "error", err)
			}
			c.registry.PopParent(connectionID)
			current.Unlock()
		}
	}
}
