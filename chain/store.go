// Package chain owns the per-session chain files: append-only JSONL
// sequences of hash-linked records, living under active/ while a session
// is open and moved to sealed/ when it closes.
package chain

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/useai-dev/useaid"
	"github.com/useai-dev/useaid/slogger"
)

// ErrInvalidSessionID is returned when a session ID contains path
// separators, relative path components, or other characters that could
// cause path traversal.
var ErrInvalidSessionID = errors.New("invalid session ID")

// ErrNotFound is returned when no chain file exists for a session.
var ErrNotFound = errors.New("chain not found")

// Signer produces a detached signature over a record hash. An empty
// signature is acceptable; the chain never depends on signing for
// progress.
type Signer interface {
	Sign(hashHex string) string
}

// FileState reports where a session's chain file lives.
type FileState int

const (
	StateMissing FileState = iota
	StateActive
	StateSealed
)

func (s FileState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSealed:
		return "sealed"
	default:
		return "missing"
	}
}

// Store persists chains as {dir}/active/{session_id}.jsonl and
// {dir}/sealed/{session_id}.jsonl. Append opens the active file in append
// mode and writes a single line, making it the efficient hot-path write.
// Callers serialise appends per session; the store's own lock only keeps
// multi-file operations coherent.
type Store struct {
	mu        sync.RWMutex
	activeDir string
	sealedDir string
	signer    Signer
	logger    slogger.Logger
	now       func() time.Time
}

// Options configures a Store.
type Options struct {
	// Dir is the data directory; active/ and sealed/ are created under it.
	Dir string

	// Signer signs record hashes. Nil leaves signatures empty.
	Signer Signer

	// Logger defaults to slogger.DefaultLogger.
	Logger slogger.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// New creates a Store rooted at opts.Dir. Both chain directories are
// created if they do not exist.
func New(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("chain store requires a directory")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		activeDir: filepath.Join(opts.Dir, "active"),
		sealedDir: filepath.Join(opts.Dir, "sealed"),
		signer:    opts.Signer,
		logger:    logger,
		now:       now,
	}
	for _, dir := range []string{s.activeDir, s.sealedDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create chain directory: %w", err)
		}
	}
	return s, nil
}

// validateID rejects session IDs that could escape the store directories.
func validateID(id string) error {
	if id == "" || id == "." || id == ".." ||
		strings.ContainsAny(id, "/\\") ||
		strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

func (s *Store) activePath(id string) string {
	return filepath.Join(s.activeDir, id+".jsonl")
}

func (s *Store) sealedPath(id string) string {
	return filepath.Join(s.sealedDir, id+".jsonl")
}

// Append builds a record with the current timestamp, hashes it over the
// canonical encoding, signs the hash, and writes one line to the active
// chain file. Fail-fast: a write error reaches the caller and no state
// changes, because the append is the state change.
func (s *Store) Append(sessionID string, recordType useaid.RecordType, payload any, prevHash string) (*useaid.ChainRecord, error) {
	if err := validateID(sessionID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if fileExists(s.sealedPath(sessionID)) {
		return nil, fmt.Errorf("%w: %s", useaid.ErrAlreadySealed, sessionID)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record payload: %w", err)
	}
	timestamp := useaid.Timestamp(s.now())
	hash, err := useaid.RecordHash(recordType, sessionID, timestamp, json.RawMessage(data), prevHash)
	if err != nil {
		return nil, err
	}
	record := &useaid.ChainRecord{
		Type:      recordType,
		SessionID: sessionID,
		Timestamp: timestamp,
		Data:      data,
		PrevHash:  prevHash,
		Hash:      hash,
	}
	if s.signer != nil {
		record.Signature = s.signer.Sign(hash)
	}

	line, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.activePath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open chain file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("failed to append chain record: %w", err)
	}
	return record, nil
}

// Read returns a session's records in file order, checking active/ first
// and then sealed/. Unparsable lines are skipped so a partially written
// trailing line never hides the records before it.
func (s *Store) Read(sessionID string) ([]*useaid.ChainRecord, error) {
	if err := validateID(sessionID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range []string{s.activePath(sessionID), s.sealedPath(sessionID)} {
		records, err := s.readFile(p, sessionID)
		if err == nil {
			return records, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
}

// LastRecord returns the terminal record of a session's chain.
func (s *Store) LastRecord(sessionID string) (*useaid.ChainRecord, error) {
	records, err := s.Read(sessionID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s has no records", ErrNotFound, sessionID)
	}
	return records[len(records)-1], nil
}

// SealMove renames a chain file from active/ to sealed/. No-op when the
// file is already sealed. The rename is atomic on the local file system;
// on failure the file stays in active/ and the next orphan sweep retries.
func (s *Store) SealMove(sessionID string) error {
	if err := validateID(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if fileExists(s.sealedPath(sessionID)) {
		return nil
	}
	src := s.activePath(sessionID)
	if !fileExists(src) {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err := os.Rename(src, s.sealedPath(sessionID)); err != nil {
		return fmt.Errorf("failed to move chain to sealed: %w", err)
	}
	return nil
}

// State reports where the session's chain file currently lives.
func (s *Store) State(sessionID string) FileState {
	if err := validateID(sessionID); err != nil {
		return StateMissing
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if fileExists(s.sealedPath(sessionID)) {
		return StateSealed
	}
	if fileExists(s.activePath(sessionID)) {
		return StateActive
	}
	return StateMissing
}

// ActiveSessions returns the session IDs with files in active/.
func (s *Store) ActiveSessions() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.activeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), ".jsonl"))
	}
	return ids, nil
}

// ActiveCount returns the number of open chain files. Health endpoint
// helper; counts files, not in-memory contexts.
func (s *Store) ActiveCount() int {
	ids, err := s.ActiveSessions()
	if err != nil {
		return 0
	}
	return len(ids)
}

// Remove unlinks a sealed chain file. Removing an absent file is not an
// error; the delete endpoints are idempotent.
func (s *Store) Remove(sessionID string) error {
	if err := validateID(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.sealedPath(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) readFile(path, sessionID string) ([]*useaid.ChainRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var records []*useaid.ChainRecord
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var record useaid.ChainRecord
		if err := json.Unmarshal([]byte(text), &record); err != nil {
			s.logger.Debug("skipping unparsable chain line",
				"session_id", sessionID, "line", lineNo, "error", err)
			continue
		}
		records = append(records, &record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chain file: %w", err)
	}
	return records, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
