package lifecycle

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/useai-dev/useaid"
	"github.com/useai-dev/useaid/config"
	"github.com/useai-dev/useaid/metrics"
	"github.com/useai-dev/useaid/registry"
)

type endFlags struct {
	autoSealed bool
	recovered  bool
}

type endResult struct {
	seal       *useaid.SessionSeal
	milestones []*useaid.Milestone
}

// endLocked drives a live context through the full end sequence: milestone
// records, the session_end record, the signed seal, the move to sealed/,
// and the index upserts. The caller holds the context lock and tears the
// context down afterwards.
func (c *Coordinator) endLocked(sctx *registry.Context, final EndMeta, flags endFlags) (*endResult, error) {
	now := c.now()
	cfg := c.config()

	taskType := final.TaskType
	if taskType == "" {
		taskType = sctx.TaskType
	}
	model := final.Model
	if model == "" {
		model = sctx.Model
	}
	languages := final.Languages
	filesTouched := final.FilesTouched
	declared := final.Milestones
	if flags.autoSealed {
		// The auto path has no client at the other end; it records only
		// what the daemon itself knows.
		languages = nil
		filesTouched = 0
		declared = nil
	}

	entries := make([]*useaid.Milestone, 0, len(declared))
	for _, m := range declared {
		data := useaid.MilestoneData{
			Title:           m.Title,
			PrivateTitle:    m.PrivateTitle,
			Category:        useaid.NormalizeCategory(m.Category),
			Complexity:      useaid.NormalizeComplexity(m.Complexity),
			DurationMinutes: m.DurationMinutes,
			Languages:       m.Languages,
		}
		record, err := c.chains.Append(sctx.SessionID, useaid.RecordMilestone, data, sctx.ChainTipHash)
		if err != nil {
			metrics.AppendErrors.Inc()
			return nil, err
		}
		sctx.ChainTipHash = record.Hash
		sctx.RecordCount++
		metrics.RecordsAppended.WithLabelValues(string(useaid.RecordMilestone)).Inc()
		entries = append(entries, &useaid.Milestone{
			ID:              uuid.NewString(),
			SessionID:       sctx.SessionID,
			Category:        data.Category,
			Complexity:      data.Complexity,
			Title:           m.Title,
			PrivateTitle:    m.PrivateTitle,
			DurationMinutes: m.DurationMinutes,
			Languages:       m.Languages,
			Client:          sctx.Client,
			CreatedAt:       record.Timestamp,
			ChainHash:       record.Hash,
		})
	}

	duration := sctx.ActiveSeconds(now)
	endData := useaid.SessionEndData{
		DurationSeconds: duration,
		TaskType:        taskType,
		Languages:       languages,
		FilesTouched:    filesTouched,
		HeartbeatCount:  sctx.HeartbeatCount,
		AutoSealed:      flags.autoSealed,
		Recovered:       flags.recovered,
		Model:           model,
	}
	if cfg.Evaluation.Enabled && len(final.Evaluation) > 0 {
		endData.Evaluation = final.Evaluation
	}
	endRecord, err := c.chains.Append(sctx.SessionID, useaid.RecordSessionEnd, endData, sctx.ChainTipHash)
	if err != nil {
		metrics.AppendErrors.Inc()
		return nil, err
	}
	sctx.ChainTipHash = endRecord.Hash
	sctx.RecordCount++
	metrics.RecordsAppended.WithLabelValues(string(useaid.RecordSessionEnd)).Inc()

	summary := &useaid.SessionSeal{
		SessionID:         sctx.SessionID,
		ConversationID:    sctx.ConversationID,
		ConversationIndex: sctx.ConversationIndex,
		Client:            sctx.Client,
		TaskType:          taskType,
		Project:           sctx.Project,
		Title:             sctx.Title,
		PrivateTitle:      sctx.PrivateTitle,
		Model:             model,
		PromptSummary:     sctx.PromptSummary,
		StartedAt:         useaid.Timestamp(sctx.StartedAt),
		EndedAt:           endRecord.Timestamp,
		DurationSeconds:   duration,
		RecordCount:       sctx.RecordCount + 1,
		HeartbeatCount:    sctx.HeartbeatCount,
		Languages:         languages,
		FilesTouched:      filesTouched,
		ChainStartHash:    c.chainStartHash(sctx.SessionID),
		ChainEndHash:      endRecord.Hash,
		Evaluation:        endData.Evaluation,
		AutoSealed:        flags.autoSealed,
		Recovered:         flags.recovered,
	}
	if err := c.writeSeal(sctx.SessionID, endRecord.Hash, summary, flags); err != nil {
		return nil, err
	}
	sctx.RecordCount++
	if err := c.indexSeal(summary, entries, cfg); err != nil {
		return nil, err
	}
	return &endResult{seal: summary, milestones: entries}, nil
}

// writeSeal canonicalises the summary, signs its digest, appends the
// terminal session_seal record, and moves the chain to sealed/. The
// signed bytes never include the signature itself; the index entry gains
// it afterwards. A failed move is only logged, because the seal record
// already closes the chain and the next sweep retries the move.
func (c *Coordinator) writeSeal(sessionID, tip string, summary *useaid.SessionSeal, flags endFlags) error {
	canon, err := useaid.CanonicalJSON(summary)
	if err != nil {
		return fmt.Errorf("failed to canonicalise seal: %w", err)
	}
	signature := ""
	if c.signer != nil {
		signature = c.signer.Sign(useaid.HashHex(canon))
	}
	data := useaid.SessionSealData{
		Seal:          string(canon),
		SealSignature: signature,
		AutoSealed:    flags.autoSealed,
		Recovered:     flags.recovered,
	}
	if _, err := c.chains.Append(sessionID, useaid.RecordSessionSeal, data, tip); err != nil {
		metrics.AppendErrors.Inc()
		return err
	}
	metrics.RecordsAppended.WithLabelValues(string(useaid.RecordSessionSeal)).Inc()
	summary.SealSignature = signature

	if err := c.chains.SealMove(sessionID); err != nil {
		c.logger.Warn("failed to move sealed chain",
			"session_id", sessionID, "error", err)
	}
	return nil
}

// indexSeal upserts the seal and, when milestone tracking is enabled,
// appends the milestone entries.
func (c *Coordinator) indexSeal(summary *useaid.SessionSeal, entries []*useaid.Milestone, cfg *config.Config) error {
	if _, err := c.sessions.Upsert(summary); err != nil {
		return fmt.Errorf("failed to index seal: %w", err)
	}
	if len(entries) > 0 && cfg.MilestonesEnabled {
		if err := c.milestones.Append(entries...); err != nil {
			return fmt.Errorf("failed to index milestones: %w", err)
		}
	}
	return nil
}

func (c *Coordinator) chainStartHash(sessionID string) string {
	records, err := c.chains.Read(sessionID)
	if err != nil || len(records) == 0 {
		return ""
	}
	return records[0].Hash
}
