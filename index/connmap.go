package index

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/useai-dev/useaid"
	"github.com/useai-dev/useaid/slogger"
)

// ConnMap is the persisted connection_id to session_id mapping. It is the
// sole mechanism by which a post-restart call from a stale connection finds
// its session. Entries are set on every session start and never removed by
// the lifecycle itself; only a later start on the same connection
// overwrites one, and the GC pass drops entries whose session has been
// sealed for longer than the retention window.
type ConnMap struct {
	mu     sync.Mutex
	path   string
	logger slogger.Logger
}

// connEntry carries the mapped session and the time the mapping was last
// written. Readers ignore unknown fields, so the entry shape can grow.
type connEntry struct {
	SessionID string `json:"session_id"`
	UpdatedAt string `json:"updated_at"`
}

// NewConnMap returns a connection map stored at path.
func NewConnMap(path string, logger slogger.Logger) *ConnMap {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	return &ConnMap{path: path, logger: logger}
}

// Get returns the session mapped to connectionID.
func (c *ConnMap) Get(connectionID string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := c.load()
	if err != nil {
		return "", false, err
	}
	entry, ok := entries[connectionID]
	return entry.SessionID, ok, nil
}

// Set maps connectionID to sessionID, overwriting any prior mapping.
func (c *ConnMap) Set(connectionID, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := c.load()
	if err != nil {
		return err
	}
	entries[connectionID] = connEntry{
		SessionID: sessionID,
		UpdatedAt: useaid.Timestamp(time.Now()),
	}
	return c.save(entries)
}

// All returns the full connection_id to session_id mapping.
func (c *ConnMap) All() (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := c.load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(entries))
	for id, entry := range entries {
		out[id] = entry.SessionID
	}
	return out, nil
}

// GC removes entries last written before cutoff whose session sealed
// reports true. Returns the number of entries removed.
func (c *ConnMap) GC(cutoff time.Time, sealed func(sessionID string) bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := c.load()
	if err != nil {
		return 0, err
	}
	removed := 0
	for id, entry := range entries {
		ts, err := useaid.ParseTimestamp(entry.UpdatedAt)
		if err != nil || !ts.Before(cutoff) {
			continue
		}
		if sealed == nil || !sealed(entry.SessionID) {
			continue
		}
		delete(entries, id)
		removed++
	}
	if removed == 0 {
		return 0, nil
	}
	if err := c.save(entries); err != nil {
		return 0, err
	}
	c.logger.Debug("collected stale connection mappings", "removed", removed)
	return removed, nil
}

func (c *ConnMap) load() (map[string]connEntry, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]connEntry{}, nil
		}
		return nil, fmt.Errorf("failed to read connection map: %w", err)
	}
	entries := map[string]connEntry{}
	if err := json.Unmarshal(data, &entries); err == nil {
		return entries, nil
	}
	// Accept the bare connection_id -> session_id form written by earlier
	// versions.
	flat := map[string]string{}
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("failed to parse connection map: %w", err)
	}
	for id, sessionID := range flat {
		entries[id] = connEntry{SessionID: sessionID}
	}
	return entries, nil
}

func (c *ConnMap) save(entries map[string]connEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(c.path, data)
}
