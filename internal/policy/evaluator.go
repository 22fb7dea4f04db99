package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/triage-ai/palisade/services/trifecta_gate/internal/condition"
	"github.com/triage-ai/palisade/services/trifecta_gate/internal/session"
	"go.uber.org/zap"
)

// ErrStorage marks evaluation failures caused by the session store. The
// boundary maps it to a failure status distinct from BLOCK. Evaluation never
// falls back to ALLOW on storage errors.
var ErrStorage = errors.New("session storage unavailable")

// Catalog resolves tool names to risk conditions.
type Catalog interface {
	// Lookup returns the tool's condition and whether the tool is registered.
	Lookup(toolName string) (condition.Condition, bool)
}

// Tracker is the session state the evaluator needs.
type Tracker interface {
	GetOrCreate(ctx context.Context, sessionID string) (*session.Record, error)
	CheckAndCommit(ctx context.Context, sessionID, tool string, c condition.Condition) (*session.Outcome, error)
}

// Evaluator applies the Rule of Two to individual tool calls.
type Evaluator struct {
	catalog Catalog
	tracker Tracker
	logger  *zap.Logger
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(catalog Catalog, tracker Tracker, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{catalog: catalog, tracker: tracker, logger: logger}
}

// Evaluate decides whether toolName may run in sessionID.
//
// Policy outcomes (ALLOW, BLOCK) are returned as results. A non-nil error
// means no decision was reached and wraps ErrStorage.
func (e *Evaluator) Evaluate(ctx context.Context, sessionID, toolName string) (*Result, error) {
	cond, known := e.catalog.Lookup(toolName)
	if !known || cond == condition.None {
		return e.allowUnmapped(ctx, sessionID, toolName, known)
	}

	out, err := e.tracker.CheckAndCommit(ctx, sessionID, toolName, cond)
	if err != nil {
		return nil, fmt.Errorf("Evaluate: %w: %w", ErrStorage, err)
	}

	if out.Blocked {
		e.logger.Warn("tool call blocked",
			zap.String("session_id", sessionID),
			zap.String("tool_name", toolName),
			zap.String("condition", cond.String()),
			zap.Strings("conditions_before", out.Before.Names()),
		)
		return &Result{
			Decision:         Block,
			ToolName:         toolName,
			Condition:        conditionName(cond),
			Reason:           blockReason(toolName, cond),
			SessionID:        sessionID,
			ConditionsBefore: out.Before.Names(),
			ConditionsAfter:  out.Before.Names(),
		}, nil
	}

	e.logger.Info("tool call allowed",
		zap.String("session_id", sessionID),
		zap.String("tool_name", toolName),
		zap.String("condition", cond.String()),
		zap.Int("conditions_met", out.Record.Active.Len()),
	)
	return &Result{
		Decision:         Allow,
		ToolName:         toolName,
		Condition:        conditionName(cond),
		Reason:           fmt.Sprintf("Tool '%s' allowed. Condition '%s' recorded.", toolName, cond),
		SessionID:        sessionID,
		ConditionsBefore: out.Before.Names(),
		ConditionsAfter:  out.Record.Active.Names(),
	}, nil
}

func (e *Evaluator) allowUnmapped(ctx context.Context, sessionID, toolName string, known bool) (*Result, error) {
	rec, err := e.tracker.GetOrCreate(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("Evaluate: %w: %w", ErrStorage, err)
	}

	reason := fmt.Sprintf("Tool '%s' is not in the registry; no condition applies", toolName)
	if known {
		reason = fmt.Sprintf("Tool '%s' maps to no trifecta condition", toolName)
	}
	e.logger.Info("tool call allowed, no condition mapping",
		zap.String("session_id", sessionID),
		zap.String("tool_name", toolName),
		zap.Bool("registered", known),
	)

	active := rec.Active.Names()
	return &Result{
		Decision:         Allow,
		ToolName:         toolName,
		Reason:           reason,
		SessionID:        sessionID,
		ConditionsBefore: active,
		ConditionsAfter:  active,
	}, nil
}

func blockReason(toolName string, cond condition.Condition) string {
	return fmt.Sprintf(
		"Tool '%s' would satisfy condition '%s', completing all 3 trifecta conditions. Blocked by Rule of Two.",
		toolName, cond)
}

func conditionName(c condition.Condition) *string {
	s := c.String()
	return &s
}
