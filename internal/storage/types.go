package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal)
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL via DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgx default
}

// Suggestion is a proactive message candidate. Processed only moves false→true.
type Suggestion struct {
	ID         int64     `json:"id"`
	Text       string    `json:"text"`
	ReasonCode string    `json:"reason_code,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	Processed  bool      `json:"processed"`
	CreatedAt  time.Time `json:"created_at"`
}

// Feedback is the user's answer to a delivered suggestion.
type Feedback struct {
	ID           int64     `json:"id"`
	SuggestionID int64     `json:"suggestion_id"`
	ResponseText string    `json:"response_text"`
	Accepted     bool      `json:"accepted"`
	At           time.Time `json:"at"`
}

type FeedbackCounts struct {
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
}

func (c FeedbackCounts) Total() int64 { return c.Accepted + c.Rejected }

func (c *FeedbackCounts) add(accepted bool) {
	if accepted {
		c.Accepted++
	} else {
		c.Rejected++
	}
}
