package policy

// Decision is the gate's verdict on a tool call.
type Decision string

const (
	Allow Decision = "ALLOW"
	Block Decision = "BLOCK"
)

// Result is the evaluation record returned to the caller and forwarded to audit.
type Result struct {
	Decision         Decision `json:"decision"`
	ToolName         string   `json:"tool_name"`
	Condition        *string  `json:"condition"` // nil for unmapped tools
	Reason           string   `json:"reason"`
	SessionID        string   `json:"session_id"`
	ConditionsBefore []string `json:"conditions_before"`
	ConditionsAfter  []string `json:"conditions_after"`
}

// ConditionString returns the condition name or "" for unmapped tools.
func (r *Result) ConditionString() string {
	if r.Condition == nil {
		return ""
	}
	return *r.Condition
}
