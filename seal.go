package useaid

// Evaluation is an assistant-supplied self-evaluation. The rubric is
// defined by external collaborators; the daemon stores and serves it
// opaquely.
type Evaluation map[string]any

// SessionSeal is the canonical per-session index entry: the session
// metadata superset plus the chain summary written when the session was
// sealed. Immutable once written, except for wholesale replacement by a
// richer variant during reconciliation.
type SessionSeal struct {
	SessionID         string `json:"session_id"`
	ConversationID    string `json:"conversation_id,omitempty"`
	ConversationIndex int    `json:"conversation_index"`
	Client            string `json:"client"`
	TaskType          string `json:"task_type,omitempty"`
	Project           string `json:"project,omitempty"`
	Title             string `json:"title,omitempty"`
	PrivateTitle      string `json:"private_title,omitempty"`
	Model             string `json:"model,omitempty"`
	PromptSummary     string `json:"prompt_summary,omitempty"`
	StartedAt         string `json:"started_at"`
	EndedAt           string `json:"ended_at"`
	DurationSeconds   int64  `json:"duration_seconds"`

	// RecordCount counts every record in the sealed chain file, the
	// terminal seal record included.
	RecordCount    int        `json:"record_count"`
	HeartbeatCount int        `json:"heartbeat_count"`
	Languages      []string   `json:"languages,omitempty"`
	FilesTouched   int        `json:"files_touched,omitempty"`
	ChainStartHash string     `json:"chain_start_hash,omitempty"`
	ChainEndHash   string     `json:"chain_end_hash,omitempty"`
	SealSignature  string     `json:"seal_signature,omitempty"`
	Evaluation     Evaluation `json:"evaluation,omitempty"`
	AutoSealed     bool       `json:"auto_sealed,omitempty"`
	Recovered      bool       `json:"recovered,omitempty"`
}

// genericProjects are project names that carry no information for
// reconciliation purposes.
var genericProjects = map[string]bool{
	"":         true,
	"untitled": true,
	"mcp":      true,
	"unknown":  true,
}

// Richness scores how much usable metadata a seal carries. When two seals
// exist for one session (auto-seal followed by a recovered explicit end,
// for example) the higher-scoring seal is kept; ties favour the later
// arrival. The score is additive and deliberately coarse: seals are
// replaced whole, never merged field by field.
func (s *SessionSeal) Richness() int {
	score := 0
	if s.Title != "" {
		score += 10
	}
	if s.PrivateTitle != "" {
		score += 10
	}
	if s.ConversationID != "" {
		score += 20
	}
	if len(s.Evaluation) > 0 {
		score += 20
	}
	if len(s.Languages) > 0 {
		score += 5
	}
	if s.FilesTouched > 0 {
		score += 5
	}
	if !genericProjects[s.Project] {
		score += 5
	}
	return score
}
