package index

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/useai-dev/useaid"
	"github.com/useai-dev/useaid/slogger"
)

// Sessions is the sessions index: an array of seals in sessions.json, at
// most one per session_id. All read-modify-write cycles hold a single
// mutex; the write rate is a handful per minute, so coarse is fine.
type Sessions struct {
	mu     sync.Mutex
	path   string
	logger slogger.Logger
}

// NewSessions returns a sessions index stored at path.
func NewSessions(path string, logger slogger.Logger) *Sessions {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &Sessions{path: path, logger: logger}
}

// All returns every seal in index order (arrival order).
func (s *Sessions) All() ([]*useaid.SessionSeal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Get returns the seal for sessionID, or nil when absent.
func (s *Sessions) Get(sessionID string) (*useaid.SessionSeal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seals, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, seal := range seals {
		if seal.SessionID == sessionID {
			return seal, nil
		}
	}
	return nil, nil
}

// Upsert stores seal, keeping at most one entry per session_id. When an
// entry already exists the richer seal wins; ties favour the new arrival.
// Returns true when the index now holds the given seal.
func (s *Sessions) Upsert(seal *useaid.SessionSeal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seals, err := s.load()
	if err != nil {
		return false, err
	}
	for i, existing := range seals {
		if existing.SessionID != seal.SessionID {
			continue
		}
		if seal.Richness() < existing.Richness() {
			return false, nil
		}
		seals[i] = seal
		return true, s.save(seals)
	}
	seals = append(seals, seal)
	return true, s.save(seals)
}

// Delete removes the seal for sessionID. Returns false when absent.
func (s *Sessions) Delete(sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seals, err := s.load()
	if err != nil {
		return false, err
	}
	kept := seals[:0]
	removed := false
	for _, seal := range seals {
		if seal.SessionID == sessionID {
			removed = true
			continue
		}
		kept = append(kept, seal)
	}
	if !removed {
		return false, nil
	}
	return true, s.save(kept)
}

// ByConversation returns the seals carrying conversationID.
func (s *Sessions) ByConversation(conversationID string) ([]*useaid.SessionSeal, error) {
	if conversationID == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seals, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []*useaid.SessionSeal
	for _, seal := range seals {
		if seal.ConversationID == conversationID {
			out = append(out, seal)
		}
	}
	return out, nil
}

// NextConversationIndex returns the next conversation_index for
// conversationID and whether the conversation already has sessions.
func (s *Sessions) NextConversationIndex(conversationID string) (int, bool, error) {
	members, err := s.ByConversation(conversationID)
	if err != nil {
		return 0, false, err
	}
	if len(members) == 0 {
		return 0, false, nil
	}
	max := -1
	for _, seal := range members {
		if seal.ConversationIndex > max {
			max = seal.ConversationIndex
		}
	}
	return max + 1, true, nil
}

// DedupeSeals collapses duplicate session_ids, keeping the richest seal
// per session (ties favour the later entry) and preserving first-arrival
// order between sessions.
func DedupeSeals(seals []*useaid.SessionSeal) []*useaid.SessionSeal {
	best := make(map[string]*useaid.SessionSeal)
	var order []string
	for _, seal := range seals {
		current, seen := best[seal.SessionID]
		if !seen {
			best[seal.SessionID] = seal
			order = append(order, seal.SessionID)
			continue
		}
		if seal.Richness() >= current.Richness() {
			best[seal.SessionID] = seal
		}
	}
	deduped := make([]*useaid.SessionSeal, 0, len(order))
	for _, id := range order {
		deduped = append(deduped, best[id])
	}
	return deduped
}

// Dedupe applies DedupeSeals to the stored index. Run at startup. Returns
// the number of entries removed.
func (s *Sessions) Dedupe() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seals, err := s.load()
	if err != nil {
		return 0, err
	}
	deduped := DedupeSeals(seals)
	removed := len(seals) - len(deduped)
	if removed == 0 {
		return 0, nil
	}
	if err := s.save(deduped); err != nil {
		return 0, err
	}
	s.logger.Info("deduplicated sessions index", "removed", removed)
	return removed, nil
}

func (s *Sessions) load() ([]*useaid.SessionSeal, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read sessions index: %w", err)
	}
	var seals []*useaid.SessionSeal
	if err := json.Unmarshal(data, &seals); err != nil {
		return nil, fmt.Errorf("failed to parse sessions index: %w", err)
	}
	return seals, nil
}

func (s *Sessions) save(seals []*useaid.SessionSeal) error {
	if seals == nil {
		seals = []*useaid.SessionSeal{}
	}
	data, err := json.MarshalIndent(seals, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(s.path, data)
}
