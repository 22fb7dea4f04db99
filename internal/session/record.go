package session

import (
	"time"

	"github.com/triage-ai/palisade/services/trifecta_gate/internal/condition"
)

// HistoryEntry is one committed tool call.
type HistoryEntry struct {
	Tool      string              `json:"tool"`
	Condition condition.Condition `json:"condition"`
	Timestamp time.Time           `json:"timestamp"`
}

// Record is the per-session condition-tracking state.
type Record struct {
	SessionID string         `json:"session_id"`
	Active    condition.Set  `json:"active_conditions"`
	History   []HistoryEntry `json:"tool_history"`
	CallCount int            `json:"call_count"`
	CreatedAt time.Time      `json:"created_at"`
	// Version increments on every committed change. Stores use it for compare-and-swap.
	Version int64 `json:"version"`
}

// NewRecord returns an empty record for a session seen for the first time.
func NewRecord(sessionID string, now time.Time) *Record {
	return &Record{
		SessionID: sessionID,
		History:   []HistoryEntry{},
		CreatedAt: now,
	}
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	cp := *r
	cp.History = append(make([]HistoryEntry, 0, len(r.History)), r.History...)
	return &cp
}

// apply records a committed call. Conditions only ever grow.
func (r *Record) apply(tool string, c condition.Condition, now time.Time) {
	r.Active = r.Active.With(c)
	r.History = append(r.History, HistoryEntry{Tool: tool, Condition: c, Timestamp: now})
	r.CallCount++
}
