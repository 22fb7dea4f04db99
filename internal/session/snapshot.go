package session

import (
	"time"

	"github.com/triage-ai/palisade/services/trifecta_gate/internal/condition"
)

// Snapshot is the read-only projection of a session returned to clients.
type Snapshot struct {
	SessionID         string         `json:"session_id"`
	ActiveConditions  []string       `json:"active_conditions"`
	MissingConditions []string       `json:"missing_conditions"`
	ConditionsMet     int            `json:"conditions_met"`
	ConditionsTotal   int            `json:"conditions_total"`
	TrifectaComplete  bool           `json:"trifecta_complete"`
	CallCount         int            `json:"call_count"`
	ToolHistory       []HistoryEntry `json:"tool_history"`
	CreatedAt         time.Time      `json:"created_at"`
}

// NewSnapshot projects a record. Pure: depends only on rec.
func NewSnapshot(rec *Record) *Snapshot {
	history := make([]HistoryEntry, len(rec.History))
	copy(history, rec.History)
	return &Snapshot{
		SessionID:         rec.SessionID,
		ActiveConditions:  rec.Active.Names(),
		MissingConditions: rec.Active.Missing().Names(),
		ConditionsMet:     rec.Active.Len(),
		ConditionsTotal:   condition.Total,
		TrifectaComplete:  rec.Active.Complete(),
		CallCount:         rec.CallCount,
		ToolHistory:       history,
		CreatedAt:         rec.CreatedAt,
	}
}
