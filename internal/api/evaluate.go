package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/triage-ai/palisade/services/trifecta_gate/internal/audit"
	"github.com/triage-ai/palisade/services/trifecta_gate/internal/policy"
	"go.uber.org/zap"
)

// handleEvaluate implements POST /api/evaluate.
// 200 on ALLOW, 403 on BLOCK, 503 when the session store cannot answer.
func (d *Dependencies) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req EvaluateRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: "Invalid JSON body"})
		return
	}

	var missing []string
	if req.SessionID == nil || strings.TrimSpace(*req.SessionID) == "" {
		missing = append(missing, "session_id")
	}
	if req.ToolName == nil || strings.TrimSpace(*req.ToolName) == "" {
		missing = append(missing, "tool_name")
	}
	if len(missing) > 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{
			Error: fmt.Sprintf("Missing required fields: %s", strings.Join(missing, ", ")),
		})
		return
	}

	res, err := d.Evaluator.Evaluate(r.Context(), *req.SessionID, *req.ToolName)
	if err != nil {
		d.Logger.Error("evaluation failed",
			zap.String("session_id", *req.SessionID),
			zap.String("tool_name", *req.ToolName),
			zap.Error(err),
		)
		if errors.Is(err, policy.ErrStorage) {
			writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Error: "Session store unavailable"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Error: "Evaluation failed"})
		return
	}

	// Decision is final here; audit cannot change it.
	d.writeDecisionEvent(requestIDFromContext(r.Context()), res, time.Since(start))

	status := http.StatusOK
	if res.Decision == policy.Block {
		status = http.StatusForbidden
	}
	writeJSON(w, status, res)
}

// writeDecisionEvent fires the decision at the async audit writer.
func (d *Dependencies) writeDecisionEvent(requestID string, res *policy.Result, latency time.Duration) {
	if d.Writer == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			d.Logger.Error("audit write panicked",
				zap.String("request_id", requestID),
				zap.Any("panic", rec),
			)
		}
	}()
	d.Writer.Write(audit.NewGateEvent(requestID, res, latency, audit.SourceHTTP))
}
