package index

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/useai-dev/useaid"
	"github.com/useai-dev/useaid/slogger"
)

// Milestones is the milestones index stored in milestones.json.
type Milestones struct {
	mu     sync.Mutex
	path   string
	logger slogger.Logger
}

// NewMilestones returns a milestones index stored at path.
func NewMilestones(path string, logger slogger.Logger) *Milestones {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Milestones{path: path, logger: logger}
}

// All returns every milestone in index order.
func (m *Milestones) All() ([]*useaid.Milestone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load()
}

// Append adds milestones, skipping ids already present. Recovery can replay
// a session_end whose milestones were already indexed by a prior attempt.
func (m *Milestones) Append(milestones ...*useaid.Milestone) error {
	if len(milestones) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, err := m.load()
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(existing))
	for _, ms := range existing {
		seen[ms.ID] = true
	}
	added := false
	for _, ms := range milestones {
		if ms.ID == "" || seen[ms.ID] {
			continue
		}
		existing = append(existing, ms)
		seen[ms.ID] = true
		added = true
	}
	if !added {
		return nil
	}
	return m.save(existing)
}

// BySession returns the milestones recorded for sessionID.
func (m *Milestones) BySession(sessionID string) ([]*useaid.Milestone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all, err := m.load()
	if err != nil {
		return nil, err
	}
	var out []*useaid.Milestone
	for _, ms := range all {
		if ms.SessionID == sessionID {
			out = append(out, ms)
		}
	}
	return out, nil
}

// Delete removes one milestone by id. Returns false when absent.
func (m *Milestones) Delete(milestoneID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all, err := m.load()
	if err != nil {
		return false, err
	}
	kept := all[:0]
	removed := false
	for _, ms := range all {
		if ms.ID == milestoneID {
			removed = true
			continue
		}
		kept = append(kept, ms)
	}
	if !removed {
		return false, nil
	}
	return true, m.save(kept)
}

// DeleteBySession removes every milestone belonging to sessionID and
// returns how many were removed. Used by the session delete cascade.
func (m *Milestones) DeleteBySession(sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all, err := m.load()
	if err != nil {
		return 0, err
	}
	kept := all[:0]
	removed := 0
	for _, ms := range all {
		if ms.SessionID == sessionID {
			removed++
			continue
		}
		kept = append(kept, ms)
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, m.save(kept)
}

func (m *Milestones) load() ([]*useaid.Milestone, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read milestones index: %w", err)
	}
	var milestones []*useaid.Milestone
	if err := json.Unmarshal(data, &milestones); err != nil {
		return nil, fmt.Errorf("failed to parse milestones index: %w", err)
	}
	return milestones, nil
}

func (m *Milestones) save(milestones []*useaid.Milestone) error {
	if milestones == nil {
		milestones = []*useaid.Milestone{}
	}
	data, err := json.MarshalIndent(milestones, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(m.path, data)
}
