package useaid

import (
	"encoding/json"
	"time"
)

// RecordType identifies the kind of a chain record.
type RecordType string

const (
	RecordSessionStart RecordType = "session_start"
	RecordHeartbeat    RecordType = "heartbeat"
	RecordMilestone    RecordType = "milestone"
	RecordSessionEnd   RecordType = "session_end"
	RecordSessionSeal  RecordType = "session_seal"
)

// GenesisHash is the prev_hash of the first record in every chain.
const GenesisHash = "GENESIS"

// TimestampFormat is the wire format for all record timestamps: ISO-8601
// UTC with millisecond precision. Timestamps are carried as strings so that
// the bytes that were hashed are the bytes that are verified, on any
// platform.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Timestamp formats t in the wire format.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// ParseTimestamp parses a wire-format timestamp. It accepts RFC 3339
// variants so that chains written by other implementations remain readable.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(TimestampFormat, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// ChainRecord is one line in a session chain file. Hash covers the
// canonical JSON of {type, session_id, timestamp, data, prev_hash};
// Signature is a detached signature of Hash by the installation key and is
// empty when signing was unavailable at append time.
type ChainRecord struct {
	Type      RecordType      `json:"type"`
	SessionID string          `json:"session_id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	Signature string          `json:"signature"`
}

// Time returns the parsed record timestamp, or the zero time if the
// timestamp does not parse.
func (r *ChainRecord) Time() time.Time {
	t, err := ParseTimestamp(r.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SessionStartData is the payload of a session_start record.
//
// ClientConversationIndex preserves a caller-supplied conversation index
// when it disagrees with the index the daemon derived from the sessions
// index; the caller's value is preferred when the seal is built.
type SessionStartData struct {
	Client                  string `json:"client"`
	TaskType                string `json:"task_type"`
	Project                 string `json:"project,omitempty"`
	Title                   string `json:"title,omitempty"`
	PrivateTitle            string `json:"private_title,omitempty"`
	Model                   string `json:"model,omitempty"`
	PromptSummary           string `json:"prompt_summary,omitempty"`
	ConversationID          string `json:"conversation_id"`
	ConversationIndex       int    `json:"conversation_index"`
	ClientConversationIndex *int   `json:"client_conversation_index,omitempty"`
	Recovered               bool   `json:"recovered,omitempty"`
}

// HeartbeatData is the payload of a heartbeat record. CumulativeSeconds
// excludes time spent paused in nested sub-sessions.
type HeartbeatData struct {
	HeartbeatNumber   int   `json:"heartbeat_number"`
	CumulativeSeconds int64 `json:"cumulative_seconds"`
	Recovered         bool  `json:"recovered,omitempty"`
}

// MilestoneData is the payload of a milestone record.
type MilestoneData struct {
	Title           string   `json:"title"`
	PrivateTitle    string   `json:"private_title,omitempty"`
	Category        string   `json:"category"`
	Complexity      string   `json:"complexity"`
	DurationMinutes int      `json:"duration_minutes"`
	Languages       []string `json:"languages"`
}

// SessionEndData is the payload of a session_end record.
type SessionEndData struct {
	DurationSeconds int64      `json:"duration_seconds"`
	TaskType        string     `json:"task_type,omitempty"`
	Languages       []string   `json:"languages"`
	FilesTouched    int        `json:"files_touched"`
	HeartbeatCount  int        `json:"heartbeat_count"`
	AutoSealed      bool       `json:"auto_sealed,omitempty"`
	Recovered       bool       `json:"recovered,omitempty"`
	Evaluation      Evaluation `json:"evaluation,omitempty"`
	Model           string     `json:"model,omitempty"`
}

// SessionSealData is the payload of the terminal session_seal record. Seal
// holds the canonical JSON of the SessionSeal summary; SealSignature signs
// the SHA-256 of that JSON.
type SessionSealData struct {
	Seal          string `json:"seal"`
	SealSignature string `json:"seal_signature"`
	AutoSealed    bool   `json:"auto_sealed,omitempty"`
	Recovered     bool   `json:"recovered,omitempty"`
}
