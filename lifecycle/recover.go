package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/useai-dev/useaid"
	"github.com/useai-dev/useaid/chain"
	"github.com/useai-dev/useaid/metrics"
	"github.com/useai-dev/useaid/registry"
)

// recoverHeartbeat handles a heartbeat from a connection with no context.
// The persisted connection map is authoritative: a mapped, still-active
// chain gets a recovered heartbeat and its context rebuilt; a sealed
// chain gets a no-op acknowledgement; anything else is unknown.
func (c *Coordinator) recoverHeartbeat(connectionID string) (string, error) {
	c.recoverMu.Lock()
	if _, ok := c.registry.Get(connectionID); ok {
		// Another call rebuilt the context while we waited.
		c.recoverMu.Unlock()
		return c.Heartbeat(context.Background(), connectionID)
	}
	defer c.recoverMu.Unlock()

	sessionID, ok, err := c.connmap.Get(connectionID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", useaid.ErrSessionNotFound
	}
	switch c.chains.State(sessionID) {
	case chain.StateSealed:
		return "Session already ended", nil
	case chain.StateMissing:
		return "", fmt.Errorf("%w: %s", useaid.ErrSessionNotFound, sessionID)
	}

	sctx, err := c.rebuildContext(connectionID, sessionID)
	if err != nil {
		return "", err
	}
	now := c.now()
	data := useaid.HeartbeatData{
		HeartbeatNumber:   sctx.HeartbeatCount + 1,
		CumulativeSeconds: sctx.ActiveSeconds(now),
		Recovered:         true,
	}
	record, err := c.chains.Append(sessionID, useaid.RecordHeartbeat, data, sctx.ChainTipHash)
	if err != nil {
		metrics.AppendErrors.Inc()
		return "", err
	}
	sctx.ChainTipHash = record.Hash
	sctx.RecordCount++
	sctx.HeartbeatCount++
	sctx.LastActivityAt = now
	c.registry.Create(sctx)

	metrics.Heartbeats.Inc()
	metrics.RecordsAppended.WithLabelValues(string(useaid.RecordHeartbeat)).Inc()
	metrics.OpenSessions.Set(float64(c.registry.Count()))
	c.logger.Info("recovered session on heartbeat",
		"session_id", sessionID, "connection_id", connectionID)
	return fmt.Sprintf("Session active for %s", humanDuration(data.CumulativeSeconds)), nil
}

// recoverEnd handles a session_end from a connection with no context. An
// active chain runs the normal end path with recovered flags; a chain the
// sweep already sealed is reconciled instead, without appending records.
func (c *Coordinator) recoverEnd(connectionID string, final EndMeta) (string, error) {
	c.recoverMu.Lock()
	if _, ok := c.registry.Get(connectionID); ok {
		c.recoverMu.Unlock()
		return c.SessionEnd(context.Background(), connectionID, final)
	}
	defer c.recoverMu.Unlock()

	sessionID, ok, err := c.connmap.Get(connectionID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", useaid.ErrSessionNotFound
	}
	switch c.chains.State(sessionID) {
	case chain.StateMissing:
		return "", fmt.Errorf("%w: %s", useaid.ErrSessionNotFound, sessionID)
	case chain.StateSealed:
		return c.reconcileSealedEnd(sessionID, final)
	}

	sctx, err := c.rebuildContext(connectionID, sessionID)
	if err != nil {
		return "", err
	}
	result, err := c.endLocked(sctx, final, endFlags{recovered: true})
	if err != nil {
		return "", err
	}
	metrics.SessionsSealed.WithLabelValues("recovered").Inc()
	c.logger.Info("recovered session on end",
		"session_id", sessionID, "connection_id", connectionID)
	return fmt.Sprintf("Session sealed after %s (%d milestones)",
		humanDuration(result.seal.DurationSeconds), len(final.Milestones)), nil
}

// reconcileSealedEnd merges a late explicit end into a chain the sweep
// already sealed. No records are appended; the original seal's timing is
// kept (so a laptop sleep never inflates duration) while the client's
// metadata enriches the index entry. New milestones land in the index
// with no chain hash, since the chain is closed.
func (c *Coordinator) reconcileSealedEnd(sessionID string, final EndMeta) (string, error) {
	records, err := c.chains.Read(sessionID)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", fmt.Errorf("%w: %s", useaid.ErrSessionNotFound, sessionID)
	}
	cfg := c.config()
	orig := c.summaryFromSealedChain(sessionID, records)

	fresh := *orig
	if final.TaskType != "" {
		fresh.TaskType = final.TaskType
	}
	if final.Model != "" {
		fresh.Model = final.Model
	}
	if len(final.Languages) > 0 {
		fresh.Languages = final.Languages
	}
	if final.FilesTouched > 0 {
		fresh.FilesTouched = final.FilesTouched
	}
	if cfg.Evaluation.Enabled && len(final.Evaluation) > 0 {
		fresh.Evaluation = final.Evaluation
	}
	fresh.AutoSealed = false
	fresh.Recovered = true

	if _, err := c.sessions.Upsert(&fresh); err != nil {
		return "", fmt.Errorf("failed to index reconciled seal: %w", err)
	}
	if len(final.Milestones) > 0 && cfg.MilestonesEnabled {
		now := useaid.Timestamp(c.now())
		entries := make([]*useaid.Milestone, 0, len(final.Milestones))
		for _, m := range final.Milestones {
			entries = append(entries, &useaid.Milestone{
				ID:              uuid.NewString(),
				SessionID:       sessionID,
				Category:        useaid.NormalizeCategory(m.Category),
				Complexity:      useaid.NormalizeComplexity(m.Complexity),
				Title:           m.Title,
				PrivateTitle:    m.PrivateTitle,
				DurationMinutes: m.DurationMinutes,
				Languages:       m.Languages,
				Client:          fresh.Client,
				CreatedAt:       now,
			})
		}
		if err := c.milestones.Append(entries...); err != nil {
			return "", fmt.Errorf("failed to index reconciled milestones: %w", err)
		}
	}
	c.logger.Info("reconciled late end with sealed chain", "session_id", sessionID)
	return fmt.Sprintf("Session sealed after %s (reconciled)",
		humanDuration(fresh.DurationSeconds)), nil
}

// summaryFromSealedChain recovers the seal summary of a sealed chain:
// from the embedded seal record when present, otherwise synthesised from
// the records themselves.
func (c *Coordinator) summaryFromSealedChain(sessionID string, records []*useaid.ChainRecord) *useaid.SessionSeal {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Type != useaid.RecordSessionSeal {
			continue
		}
		var data useaid.SessionSealData
		if err := json.Unmarshal(records[i].Data, &data); err != nil {
			break
		}
		var summary useaid.SessionSeal
		if err := json.Unmarshal([]byte(data.Seal), &summary); err != nil {
			break
		}
		summary.SealSignature = data.SealSignature
		return &summary
	}
	// No parseable seal record; the chain ends in a bare session_end or
	// was truncated.
	return c.summaryFromRecords(sessionID, records)
}

// summaryFromRecords synthesises a seal summary from the records alone.
// A terminal session_end is authoritative for timing and final metadata;
// otherwise the last record's timestamp stands in for the end.
func (c *Coordinator) summaryFromRecords(sessionID string, records []*useaid.ChainRecord) *useaid.SessionSeal {
	first, last := records[0], records[len(records)-1]
	start := parseStart(first)
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
		RecordCount:       len(records),
		HeartbeatCount:    countHeartbeats(records),
		ChainStartHash:    first.Hash,
		ChainEndHash:      last.Hash,
		AutoSealed:        true,
	}
	if startT, err := useaid.ParseTimestamp(first.Timestamp); err == nil {
		if endT, err := useaid.ParseTimestamp(last.Timestamp); err == nil {
			summary.DurationSeconds = int64(endT.Sub(startT).Seconds())
		}
	}
	if last.Type == useaid.RecordSessionEnd {
		var end useaid.SessionEndData
		if err := json.Unmarshal(last.Data, &end); err == nil {
			summary.DurationSeconds = end.DurationSeconds
			summary.Languages = end.Languages
			summary.FilesTouched = end.FilesTouched
			summary.Evaluation = end.Evaluation
			summary.AutoSealed = end.AutoSealed
			summary.Recovered = end.Recovered
		}
	}
	return summary
}

// rebuildContext reconstructs a session context from its chain file after
// a restart. The chain is authoritative; the context is only a cache.
func (c *Coordinator) rebuildContext(connectionID, sessionID string) (*registry.Context, error) {
	records, err := c.chains.Read(sessionID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", useaid.ErrSessionNotFound, sessionID)
	}
	first, last := records[0], records[len(records)-1]
	start := parseStart(first)
	startedAt, err := useaid.ParseTimestamp(first.Timestamp)
	if err != nil {
		startedAt = c.now()
	}
	return &registry.Context{
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
		ChainTipHash:      last.Hash,
		RecordCount:       len(records),
		HeartbeatCount:    countHeartbeats(records),
		StartedAt:         startedAt,
		LastActivityAt:    c.now(),
		ConnectionID:      connectionID,
	}, nil
}
