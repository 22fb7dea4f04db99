package api

import (
	"github.com/triage-ai/palisade/services/trifecta_gate/internal/auditread"
	"github.com/triage-ai/palisade/services/trifecta_gate/internal/session"
)

// EvaluateRequest is the JSON body for POST /api/evaluate.
type EvaluateRequest struct {
	SessionID *string `json:"session_id"`
	ToolName  *string `json:"tool_name"`
}

// SessionListResp is the body for GET /api/sessions.
type SessionListResp struct {
	Sessions []*session.Snapshot `json:"sessions"`
}

// ToolsResp is the body for GET /api/tools.
type ToolsResp struct {
	Tools      []any          `json:"tools"`
	Conditions map[string]any `json:"conditions"`
}

// HealthResp is the body for GET /api/health.
type HealthResp struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Store     string `json:"store"`
}

// SessionAuditResp is the body for GET /api/audit/sessions/{session_id}.
type SessionAuditResp struct {
	SessionID string                    `json:"session_id"`
	Summary   *auditread.SessionSummary `json:"summary"`
	Decisions []auditread.DecisionRow   `json:"decisions"`
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Error string `json:"error"`
}
