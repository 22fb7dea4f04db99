package audit

import (
	"strings"
	"time"

	"github.com/triage-ai/palisade/services/trifecta_gate/internal/policy"
)

// EventWriter is the interface for writing gate decisions.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *GateEvent)
	Close()
}

// GateEvent is a single evaluate() decision to be persisted.
type GateEvent struct {
	RequestID          string
	Timestamp          time.Time
	SessionID          string
	ToolName           string
	Condition          string // "" for unmapped tools
	Decision           string
	Reason             string
	ConditionsBefore   string // comma-joined names
	ConditionsAfter    string
	ConditionsMetCount uint8
	LatencyMs          float32
	Source             string
}

// SourceHTTP marks events produced by the HTTP gate.
const SourceHTTP = "http"

// NewGateEvent builds the audit record for a decision.
func NewGateEvent(requestID string, res *policy.Result, latency time.Duration, source string) *GateEvent {
	return &GateEvent{
		RequestID:          requestID,
		Timestamp:          time.Now().UTC(),
		SessionID:          res.SessionID,
		ToolName:           res.ToolName,
		Condition:          res.ConditionString(),
		Decision:           string(res.Decision),
		Reason:             res.Reason,
		ConditionsBefore:   strings.Join(res.ConditionsBefore, ","),
		ConditionsAfter:    strings.Join(res.ConditionsAfter, ","),
		ConditionsMetCount: uint8(len(res.ConditionsAfter)),
		LatencyMs:          float32(latency.Microseconds()) / 1000,
		Source:             source,
	}
}
