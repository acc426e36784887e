// Package query answers the local dashboard's read, aggregate, and delete
// requests over the sealed indices. Views are deduplicated per session_id
// by richness before filtering; nothing here touches active chains.
package query

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gobwas/glob"
	"github.com/useai-dev/useaid"
	"github.com/useai-dev/useaid/chain"
	"github.com/useai-dev/useaid/index"
	"github.com/useai-dev/useaid/slogger"
)

// Filter narrows session views. Each non-empty field is a glob pattern
// matched against the corresponding seal field.
type Filter struct {
	Client   string
	Project  string
	TaskType string
}

type compiledFilter struct {
	client   glob.Glob
	project  glob.Glob
	taskType glob.Glob
}

func (f Filter) compile() (*compiledFilter, error) {
	var c compiledFilter
	var err error
	if f.Client != "" {
		if c.client, err = glob.Compile(f.Client); err != nil {
			return nil, fmt.Errorf("invalid client pattern: %w", err)
		}
	}
	if f.Project != "" {
		if c.project, err = glob.Compile(f.Project); err != nil {
			return nil, fmt.Errorf("invalid project pattern: %w", err)
		}
	}
	if f.TaskType != "" {
		if c.taskType, err = glob.Compile(f.TaskType); err != nil {
			return nil, fmt.Errorf("invalid task_type pattern: %w", err)
		}
	}
	return &c, nil
}

func (c *compiledFilter) matches(seal *useaid.SessionSeal) bool {
	if c.client != nil && !c.client.Match(seal.Client) {
		return false
	}
	if c.project != nil && !c.project.Match(seal.Project) {
		return false
	}
	if c.taskType != nil && !c.taskType.Match(seal.TaskType) {
		return false
	}
	return true
}

// Options configures a Service.
type Options struct {
	Sessions   *index.Sessions
	Milestones *index.Milestones
	Chains     *chain.Store
	Logger     slogger.Logger

	// Now overrides the clock, for tests. Streaks count calendar days in
	// Now's location.
	Now func() time.Time
}

// Service folds the indices into the views the dashboard consumes.
type Service struct {
	sessions   *index.Sessions
	milestones *index.Milestones
	chains     *chain.Store
	logger     slogger.Logger
	now        func() time.Time
}

// New creates a query service over the given indices and chain store.
func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slogger.DefaultLogger
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		sessions:   opts.Sessions,
		milestones: opts.Milestones,
		chains:     opts.Chains,
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

// Sessions returns the deduplicated seals matching filter, newest first.
func (s *Service) Sessions(filter Filter) ([]*useaid.SessionSeal, error) {
	compiled, err := filter.compile()
	if err != nil {
		return nil, err
	}
	seals, err := s.sessions.All()
	if err != nil {
		return nil, err
	}
	out := make([]*useaid.SessionSeal, 0, len(seals))
	for _, seal := range index.DedupeSeals(seals) {
		if compiled.matches(seal) {
			out = append(out, seal)
		}
	}
	// Timestamps are fixed-width ISO-8601, so string order is time order.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt > out[j].StartedAt
	})
	return out, nil
}

// Session returns one seal, or ErrSessionNotFound.
func (s *Service) Session(sessionID string) (*useaid.SessionSeal, error) {
	seal, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if seal == nil {
		return nil, useaid.ErrSessionNotFound
	}
	return seal, nil
}

// Milestones lists milestones, optionally restricted to one session.
func (s *Service) Milestones(sessionID string) ([]*useaid.Milestone, error) {
	if sessionID == "" {
		return s.milestones.All()
	}
	return s.milestones.BySession(sessionID)
}

// DeleteSession removes a session's seal from the index, cascades its
// milestones, and unlinks its sealed chain file. A failed unlink is
// logged, not returned: the index is authoritative and a leftover file in
// sealed/ is inert.
func (s *Service) DeleteSession(sessionID string) error {
	removed, err := s.sessions.Delete(sessionID)
	if err != nil {
		return err
	}
	if !removed {
		return useaid.ErrSessionNotFound
	}
	if _, err := s.milestones.DeleteBySession(sessionID); err != nil {
		return err
	}
	if s.chains != nil {
		if err := s.chains.Remove(sessionID); err != nil {
			s.logger.Warn("failed to unlink sealed chain", "session_id", sessionID, "error", err)
		}
	}
	s.logger.Info("deleted session", "session_id", sessionID)
	return nil
}

// DeleteConversation deletes every session carrying conversationID.
// Returns the number of sessions removed.
func (s *Service) DeleteConversation(conversationID string) (int, error) {
	members, err := s.sessions.ByConversation(conversationID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, seal := range members {
		if err := s.DeleteSession(seal.SessionID); err != nil {
			if errors.Is(err, useaid.ErrSessionNotFound) {
				continue
			}
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// DeleteMilestone removes one milestone from the index. The chain record
// it came from is untouched.
func (s *Service) DeleteMilestone(milestoneID string) error {
	removed, err := s.milestones.Delete(milestoneID)
	if err != nil {
		return err
	}
	if !removed {
		return useaid.ErrMilestoneNotFound
	}
	return nil
}
