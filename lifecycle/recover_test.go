package lifecycle

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/useai-dev/useaid"
	"github.com/useai-dev/useaid/chain"
)

func TestHeartbeatRecoversAfterRestart(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	sessionID := env.start("conn-1", StartMeta{Client: "example-ide", TaskType: "coding", Title: "Wire up billing"})
	env.clock.Advance(3 * time.Minute)
	_, err := env.coord.Heartbeat(ctx, "conn-1")
	require.NoError(t, err)

	coord := restart(env)
	require.Equal(t, 0, coord.OpenContexts())

	env.clock.Advance(2 * time.Minute)
	ack, err := coord.Heartbeat(ctx, "conn-1")
	require.NoError(t, err)
	require.Equal(t, "Session active for 5m", ack)
	require.Equal(t, 1, coord.OpenContexts())

	records := env.readChain(sessionID)
	require.Len(t, records, 3)
	require.NoError(t, chain.Verify(records))
	var hb useaid.HeartbeatData
	require.NoError(t, json.Unmarshal(records[2].Data, &hb))
	require.True(t, hb.Recovered)
	require.Equal(t, 2, hb.HeartbeatNumber)
	require.Equal(t, int64(300), hb.CumulativeSeconds)

	// The rebuilt context now serves the normal path.
	env.clock.Advance(1 * time.Minute)
	ack, err = coord.Heartbeat(ctx, "conn-1")
	require.NoError(t, err)
	require.Equal(t, "Session active for 6m", ack)
	records = env.readChain(sessionID)
	require.Len(t, records, 4)
	var hb2 useaid.HeartbeatData
	require.NoError(t, json.Unmarshal(records[3].Data, &hb2))
	require.False(t, hb2.Recovered)
	require.Equal(t, 3, hb2.HeartbeatNumber)
}

func TestSessionEndRecoversAfterRestart(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	sessionID := env.start("conn-1", StartMeta{Client: "example-ide", TaskType: "coding"})
	env.clock.Advance(2 * time.Minute)
	_, err := env.coord.Heartbeat(ctx, "conn-1")
	require.NoError(t, err)

	coord := restart(env)
	env.clock.Advance(1 * time.Minute)
	ack, err := coord.SessionEnd(ctx, "conn-1", EndMeta{Languages: []string{"rust"}})
	require.NoError(t, err)
	require.Equal(t, "Session sealed after 3m (0 milestones)", ack)
	require.Equal(t, chain.StateSealed, env.chains.State(sessionID))
	require.Equal(t, 0, coord.OpenContexts())

	records := env.readChain(sessionID)
	require.Len(t, records, 4)
	var end useaid.SessionEndData
	require.NoError(t, json.Unmarshal(records[2].Data, &end))
	require.True(t, end.Recovered)
	require.False(t, end.AutoSealed)
	require.Equal(t, []string{"rust"}, end.Languages)

	seal, err := env.sessions.Get(sessionID)
	require.NoError(t, err)
	require.NotNil(t, seal)
	require.Equal(t, []string{"rust"}, seal.Languages)
	require.True(t, seal.Recovered)
	require.Equal(t, int64(180), seal.DurationSeconds)
}

func TestSessionStartRecoversAfterRestart(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	old := env.start("conn-1", StartMeta{Client: "example-ide", TaskType: "coding"})
	env.clock.Advance(2 * time.Minute)
	_, err := env.coord.Heartbeat(ctx, "conn-1")
	require.NoError(t, err)

	coord := restart(env)
	env.clock.Advance(1 * time.Minute)
	_, err = coord.SessionStart(ctx, "conn-1", StartMeta{Client: "example-ide", TaskType: "coding"})
	require.NoError(t, err)

	// The abandoned chain is sealed before the new session begins.
	require.Equal(t, chain.StateSealed, env.chains.State(old))
	data, summary := env.sealRecord(old)
	require.True(t, data.AutoSealed)
	// Effective end time is the last record written, not the new start.
	require.Equal(t, "2025-06-01T12:02:00.000Z", summary.EndedAt)
	require.Equal(t, int64(120), summary.DurationSeconds)

	fresh, ok, err := env.connmap.Get("conn-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, old, fresh)
	require.Equal(t, chain.StateActive, env.chains.State(fresh))

	records := env.readChain(fresh)
	require.Len(t, records, 1)
	var start useaid.SessionStartData
	require.NoError(t, json.Unmarshal(records[0].Data, &start))
	require.True(t, start.Recovered)
}

func TestHeartbeatAfterSealAcknowledges(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	sessionID := env.start("conn-1", StartMeta{Client: "cursor", TaskType: "review"})
	_, err := env.coord.SessionEnd(ctx, "conn-1", EndMeta{})
	require.NoError(t, err)

	before := len(env.readChain(sessionID))
	ack, err := env.coord.Heartbeat(ctx, "conn-1")
	require.NoError(t, err)
	require.Equal(t, "Session already ended", ack)

	// No record was appended; the chain still terminates with its seal.
	records := env.readChain(sessionID)
	require.Len(t, records, before)
	require.Equal(t, useaid.RecordSessionSeal, records[len(records)-1].Type)
}

func TestSessionEndTwiceReconciles(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	sessionID := env.start("conn-1", StartMeta{Client: "cursor", TaskType: "review"})
	env.clock.Advance(90 * time.Second)
	_, err := env.coord.SessionEnd(ctx, "conn-1", EndMeta{FilesTouched: 2})
	require.NoError(t, err)

	ack, err := env.coord.SessionEnd(ctx, "conn-1", EndMeta{FilesTouched: 5})
	require.NoError(t, err)
	require.Equal(t, "Session sealed after 1m 30s (reconciled)", ack)

	// The reconcile refreshes the index entry without touching the chain.
	records := env.readChain(sessionID)
	require.Equal(t, useaid.RecordSessionSeal, records[len(records)-1].Type)
	seal, err := env.sessions.Get(sessionID)
	require.NoError(t, err)
	require.NotNil(t, seal)
	require.Equal(t, 5, seal.FilesTouched)
	require.True(t, seal.Recovered)
	require.Equal(t, int64(90), seal.DurationSeconds)
}

func TestLateEndReconcilesWithSweptChain(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	sessionID := env.start("conn-1", StartMeta{Client: "example-ide", TaskType: "coding", Title: "Tune cache eviction"})
	env.clock.Advance(5 * time.Minute)
	_, err := env.coord.Heartbeat(ctx, "conn-1")
	require.NoError(t, err)

	// Machine slept; daemon restarted; sweep sealed the chain hours ago.
	coord := restart(env)
	env.clock.Advance(10 * time.Hour)
	sealed, err := coord.Sweep()
	require.NoError(t, err)
	require.Equal(t, 1, sealed)
	require.Equal(t, chain.StateSealed, env.chains.State(sessionID))

	recordsBefore := env.readChain(sessionID)
	ack, err := coord.SessionEnd(ctx, "conn-1", EndMeta{
		Languages:    []string{"python"},
		FilesTouched: 7,
		Milestones:   []MilestoneInput{{Title: "Tuned eviction thresholds", Category: "feature", Complexity: "complex"}},
	})
	require.NoError(t, err)
	require.Equal(t, "Session sealed after 5m (reconciled)", ack)

	// No new chain records after the seal.
	require.Len(t, env.readChain(sessionID), len(recordsBefore))

	seal, err := env.sessions.Get(sessionID)
	require.NoError(t, err)
	require.NotNil(t, seal)
	require.Equal(t, int64(300), seal.DurationSeconds)
	require.Equal(t, "2025-06-01T12:05:00.000Z", seal.EndedAt)
	require.Equal(t, []string{"python"}, seal.Languages)
	require.Equal(t, 7, seal.FilesTouched)
	require.False(t, seal.AutoSealed)
	require.True(t, seal.Recovered)

	// Late milestones land in the index but cannot point into the chain.
	milestones, err := env.milestones.BySession(sessionID)
	require.NoError(t, err)
	require.Len(t, milestones, 1)
	require.Empty(t, milestones[0].ChainHash)
	require.Equal(t, useaid.ComplexityComplex, milestones[0].Complexity)
}
