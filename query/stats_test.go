package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/useai-dev/useaid"
)

func TestStatsTotalsAndBreakdowns(t *testing.T) {
	env := newTestEnv(t)
	seedIndex(t, env,
		seal("s-1", testNow.Add(-3*time.Hour), func(s *useaid.SessionSeal) {
			s.DurationSeconds = 600
			s.FilesTouched = 4
			s.Languages = []string{"go", "sql"}
		}),
		seal("s-2", testNow.Add(-2*time.Hour), func(s *useaid.SessionSeal) {
			s.Client = "other-tool"
			s.TaskType = "debugging"
			s.DurationSeconds = 300
			s.FilesTouched = 1
			s.Languages = []string{"go"}
		}),
	)
	require.NoError(t, env.milestones.Append(
		&useaid.Milestone{ID: "m-1", SessionID: "s-1", Title: "added retry backoff"},
		&useaid.Milestone{ID: "m-2", SessionID: "s-1", Title: "fixed flaky test"},
		&useaid.Milestone{ID: "m-3", SessionID: "s-2", Title: "profiled allocation"},
	))

	stats, err := env.service.Stats()
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalSessions)
	require.Equal(t, int64(900), stats.TotalDuration)
	require.Equal(t, 3, stats.TotalMilestones)
	require.Equal(t, 5, stats.TotalFilesTouched)
	require.Equal(t, map[string]int{"example-ide": 1, "other-tool": 1}, stats.ByClient)
	require.Equal(t, map[string]int{"go": 2, "sql": 1}, stats.ByLanguage)
	require.Equal(t, map[string]int{"coding": 1, "debugging": 1}, stats.ByTaskType)
}

func TestStatsCountsDuplicateSessionOnce(t *testing.T) {
	env := newTestEnv(t)
	started := testNow.Add(-time.Hour)
	seedIndex(t, env,
		seal("s-1", started, func(s *useaid.SessionSeal) {
			s.DurationSeconds = 100
			s.AutoSealed = true
		}),
		seal("s-1", started, func(s *useaid.SessionSeal) {
			s.DurationSeconds = 100
			s.Title = "richer entry"
		}),
	)

	stats, err := env.service.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalSessions)
	require.Equal(t, int64(100), stats.TotalDuration)
}

func TestStreak(t *testing.T) {
	day := func(offset int) time.Time {
		return testNow.AddDate(0, 0, offset)
	}

	t.Run("empty index", func(t *testing.T) {
		require.Equal(t, 0, streak(nil, testNow))
	})

	t.Run("today only", func(t *testing.T) {
		seals := []*useaid.SessionSeal{seal("s-1", day(0), nil)}
		require.Equal(t, 1, streak(seals, testNow))
	})

	t.Run("yesterday only", func(t *testing.T) {
		seals := []*useaid.SessionSeal{seal("s-1", day(-1), nil)}
		require.Equal(t, 1, streak(seals, testNow))
	})

	t.Run("run ending today", func(t *testing.T) {
		seals := []*useaid.SessionSeal{
			seal("s-1", day(0), nil),
			seal("s-2", day(-1), nil),
			seal("s-3", day(-2), nil),
		}
		require.Equal(t, 3, streak(seals, testNow))
	})

	t.Run("run ending yesterday", func(t *testing.T) {
		seals := []*useaid.SessionSeal{
			seal("s-1", day(-1), nil),
			seal("s-2", day(-2), nil),
		}
		require.Equal(t, 2, streak(seals, testNow))
	})

	t.Run("gap breaks the run", func(t *testing.T) {
		seals := []*useaid.SessionSeal{
			seal("s-1", day(0), nil),
			seal("s-2", day(-2), nil),
			seal("s-3", day(-3), nil),
		}
		require.Equal(t, 1, streak(seals, testNow))
	})

	t.Run("no session today or yesterday", func(t *testing.T) {
		seals := []*useaid.SessionSeal{
			seal("s-1", day(-2), nil),
			seal("s-2", day(-3), nil),
		}
		require.Equal(t, 0, streak(seals, testNow))
	})

	t.Run("multiple sessions per day count once", func(t *testing.T) {
		seals := []*useaid.SessionSeal{
			seal("s-1", day(0), nil),
			seal("s-2", day(0).Add(2*time.Hour), nil),
			seal("s-3", day(-1), nil),
		}
		require.Equal(t, 2, streak(seals, testNow))
	})
}
