package timeline

import (
	"time"
)

// TimelineEvent is one persisted broadcast event. Summary is a one-line
// digest; Payload is the JSON encoded event payload.
type TimelineEvent struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	Step      int       `json:"step"`
	Summary   string    `json:"summary"`
	Payload   string    `json:"payload,omitempty"`
}

// UsageRecord is the token usage of one model call.
type UsageRecord struct {
	ID               int64     `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Source           string    `json:"source"` // act, summary, critique
	Model            string    `json:"model,omitempty"`
	Step             int       `json:"step"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	ReasoningTokens  int       `json:"reasoning_tokens"`
	TotalTokens      int       `json:"total_tokens"`
}

// UsageTotal aggregates usage per source.
type UsageTotal struct {
	Source      string `json:"source"`
	Calls       int    `json:"calls"`
	TotalTokens int    `json:"total_tokens"`
}

const Schema = `
CREATE TABLE IF NOT EXISTS timeline (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT UNIQUE,
	timestamp DATETIME,
	event_type TEXT NOT NULL,
	step INTEGER NOT NULL DEFAULT 0,
	summary TEXT,
	payload TEXT DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_timeline_timestamp ON timeline(timestamp);
CREATE INDEX IF NOT EXISTS idx_timeline_type ON timeline(event_type);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT,
	updated_at DATETIME
);

CREATE TABLE IF NOT EXISTS token_usage (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	source TEXT NOT NULL,
	model TEXT,
	step INTEGER NOT NULL DEFAULT 0,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	reasoning_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_token_usage_timestamp ON token_usage(timestamp);
`
