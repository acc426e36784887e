package query

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/useai-dev/useaid"
	"github.com/useai-dev/useaid/chain"
	"github.com/useai-dev/useaid/index"
)

var testNow = time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)

type testEnv struct {
	service    *Service
	sessions   *index.Sessions
	milestones *index.Milestones
	chains     *chain.Store
	dir        string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	sessions := index.NewSessions(filepath.Join(dir, "sessions.json"), nil)
	milestones := index.NewMilestones(filepath.Join(dir, "milestones.json"), nil)
	chains, err := chain.New(chain.Options{Dir: filepath.Join(dir, "data")})
	require.NoError(t, err)
	service := New(Options{
		Sessions:   sessions,
		Milestones: milestones,
		Chains:     chains,
		Now:        func() time.Time { return testNow },
	})
	return &testEnv{service: service, sessions: sessions, milestones: milestones, chains: chains, dir: dir}
}

func seal(id string, startedAt time.Time, mutate func(*useaid.SessionSeal)) *useaid.SessionSeal {
	s := &useaid.SessionSeal{
		SessionID: id,
		Client:    "example-ide",
		TaskType:  "coding",
		StartedAt: useaid.Timestamp(startedAt),
		EndedAt:   useaid.Timestamp(startedAt.Add(10 * time.Minute)),
	}
	if mutate != nil {
		mutate(s)
	}
	return s
}

// seedIndex writes seals straight into sessions.json, bypassing upsert, so
// tests can stage duplicate entries.
func seedIndex(t *testing.T, env *testEnv, seals ...*useaid.SessionSeal) {
	t.Helper()
	data, err := json.Marshal(seals)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(env.dir, "sessions.json"), data, 0644))
}

func TestSessionsFilter(t *testing.T) {
	env := newTestEnv(t)
	seedIndex(t, env,
		seal("s-1", testNow.Add(-3*time.Hour), func(s *useaid.SessionSeal) {
			s.Client = "example-ide"
			s.Project = "appserver"
		}),
		seal("s-2", testNow.Add(-2*time.Hour), func(s *useaid.SessionSeal) {
			s.Client = "other-tool"
			s.Project = "appserver"
			s.TaskType = "debugging"
		}),
		seal("s-3", testNow.Add(-1*time.Hour), func(s *useaid.SessionSeal) {
			s.Client = "example-cli"
			s.Project = "website"
		}),
	)

	t.Run("no filter returns all newest first", func(t *testing.T) {
		got, err := env.service.Sessions(Filter{})
		require.NoError(t, err)
		require.Len(t, got, 3)
		require.Equal(t, "s-3", got[0].SessionID)
		require.Equal(t, "s-1", got[2].SessionID)
	})

	t.Run("client glob", func(t *testing.T) {
		got, err := env.service.Sessions(Filter{Client: "example-*"})
		require.NoError(t, err)
		require.Len(t, got, 2)
	})

	t.Run("project exact", func(t *testing.T) {
		got, err := env.service.Sessions(Filter{Project: "appserver"})
		require.NoError(t, err)
		require.Len(t, got, 2)
	})

	t.Run("task type glob", func(t *testing.T) {
		got, err := env.service.Sessions(Filter{TaskType: "debug*"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, "s-2", got[0].SessionID)
	})

	t.Run("combined filters intersect", func(t *testing.T) {
		got, err := env.service.Sessions(Filter{Client: "example-*", Project: "appserver"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, "s-1", got[0].SessionID)
	})

	t.Run("invalid pattern", func(t *testing.T) {
		_, err := env.service.Sessions(Filter{Client: "[unclosed"})
		require.Error(t, err)
	})
}

func TestSessionsDeduplicatesView(t *testing.T) {
	env := newTestEnv(t)
	started := testNow.Add(-time.Hour)
	seedIndex(t, env,
		seal("s-1", started, func(s *useaid.SessionSeal) { s.AutoSealed = true }),
		seal("s-1", started, func(s *useaid.SessionSeal) {
			s.Title = "fix flaky retry test"
			s.ConversationID = "C1"
		}),
	)

	got, err := env.service.Sessions(Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "fix flaky retry test", got[0].Title)
}

func TestSession(t *testing.T) {
	env := newTestEnv(t)
	seedIndex(t, env, seal("s-1", testNow.Add(-time.Hour), nil))

	got, err := env.service.Session("s-1")
	require.NoError(t, err)
	require.Equal(t, "s-1", got.SessionID)

	_, err = env.service.Session("s-2")
	require.True(t, errors.Is(err, useaid.ErrSessionNotFound))
}

func TestDeleteSessionCascades(t *testing.T) {
	env := newTestEnv(t)

	record, err := env.chains.Append("s-1", useaid.RecordSessionStart, useaid.SessionStartData{
		Client: "example-ide", TaskType: "coding", ConversationID: "C1",
	}, useaid.GenesisHash)
	require.NoError(t, err)
	require.NoError(t, env.chains.SealMove("s-1"))

	_, err = env.sessions.Upsert(seal("s-1", testNow.Add(-time.Hour), nil))
	require.NoError(t, err)
	require.NoError(t, env.milestones.Append(
		&useaid.Milestone{ID: "m-1", SessionID: "s-1", Title: "added retry backoff", ChainHash: record.Hash},
		&useaid.Milestone{ID: "m-2", SessionID: "s-2", Title: "unrelated"},
	))

	require.NoError(t, env.service.DeleteSession("s-1"))

	got, err := env.service.Sessions(Filter{})
	require.NoError(t, err)
	require.Len(t, got, 0)

	remaining, err := env.milestones.All()
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "m-2", remaining[0].ID)

	require.Equal(t, chain.StateMissing, env.chains.State("s-1"))
}

func TestDeleteSessionMissing(t *testing.T) {
	env := newTestEnv(t)
	err := env.service.DeleteSession("nope")
	require.True(t, errors.Is(err, useaid.ErrSessionNotFound))
}

func TestDeleteConversation(t *testing.T) {
	env := newTestEnv(t)
	seedIndex(t, env,
		seal("s-1", testNow.Add(-3*time.Hour), func(s *useaid.SessionSeal) { s.ConversationID = "C1" }),
		seal("s-2", testNow.Add(-2*time.Hour), func(s *useaid.SessionSeal) { s.ConversationID = "C1" }),
		seal("s-3", testNow.Add(-1*time.Hour), func(s *useaid.SessionSeal) { s.ConversationID = "C2" }),
	)

	deleted, err := env.service.DeleteConversation("C1")
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	got, err := env.service.Sessions(Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "s-3", got[0].SessionID)

	deleted, err = env.service.DeleteConversation("C9")
	require.NoError(t, err)
	require.Equal(t, 0, deleted)
}

func TestDeleteMilestone(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.milestones.Append(
		&useaid.Milestone{ID: "m-1", SessionID: "s-1", Title: "added retry backoff"},
	))

	require.NoError(t, env.service.DeleteMilestone("m-1"))
	remaining, err := env.milestones.All()
	require.NoError(t, err)
	require.Len(t, remaining, 0)

	err = env.service.DeleteMilestone("m-1")
	require.True(t, errors.Is(err, useaid.ErrMilestoneNotFound))
}
