package query

import (
	"time"

	"github.com/useai-dev/useaid"
	"github.com/useai-dev/useaid/index"
)

// Stats is the aggregate view folded from the deduplicated indices on
// each request. Nothing here is persisted.
type Stats struct {
	TotalSessions     int            `json:"total_sessions"`
	TotalDuration     int64          `json:"total_duration_seconds"`
	TotalMilestones   int            `json:"total_milestones"`
	TotalFilesTouched int            `json:"total_files_touched"`
	ByClient          map[string]int `json:"by_client"`
	ByLanguage        map[string]int `json:"by_language"`
	ByTaskType        map[string]int `json:"by_task_type"`
	StreakDays        int            `json:"streak_days"`
}

// Stats folds the deduplicated sessions index into totals and breakdowns.
// A session counts once per language it lists.
func (s *Service) Stats() (*Stats, error) {
	seals, err := s.sessions.All()
	if err != nil {
		return nil, err
	}
	milestones, err := s.milestones.All()
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		ByClient:   make(map[string]int),
		ByLanguage: make(map[string]int),
		ByTaskType: make(map[string]int),
	}
	deduped := index.DedupeSeals(seals)
	for _, seal := range deduped {
		stats.TotalSessions++
		stats.TotalDuration += seal.DurationSeconds
		stats.TotalFilesTouched += seal.FilesTouched
		if seal.Client != "" {
			stats.ByClient[seal.Client]++
		}
		if seal.TaskType != "" {
			stats.ByTaskType[seal.TaskType]++
		}
		for _, lang := range seal.Languages {
			stats.ByLanguage[lang]++
		}
	}
	stats.TotalMilestones = len(milestones)
	stats.StreakDays = streak(deduped, s.now())
	return stats, nil
}

const dayFormat = "2006-01-02"

// streak counts consecutive calendar days, ending today or yesterday,
// that each contain at least one session start. Days are reckoned in
// now's location. No session today or yesterday means 0.
func streak(seals []*useaid.SessionSeal, now time.Time) int {
	days := make(map[string]bool)
	for _, seal := range seals {
		t, err := useaid.ParseTimestamp(seal.StartedAt)
		if err != nil {
			continue
		}
		days[t.In(now.Location()).Format(dayFormat)] = true
	}
	day := now
	if !days[day.Format(dayFormat)] {
		day = day.AddDate(0, 0, -1)
		if !days[day.Format(dayFormat)] {
			return 0
		}
	}
	count := 0
	for days[day.Format(dayFormat)] {
		count++
		day = day.AddDate(0, 0, -1)
	}
	return count
}
