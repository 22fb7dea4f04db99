package audit

import "go.uber.org/zap"

// LogWriter is a fallback EventWriter for local development.
// It logs decisions as structured JSON via zap.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *GateEvent) {
	w.logger.Info("gate_decision",
		zap.String("request_id", event.RequestID),
		zap.String("session_id", event.SessionID),
		zap.String("tool_name", event.ToolName),
		zap.String("condition", event.Condition),
		zap.String("decision", event.Decision),
		zap.String("reason", event.Reason),
		zap.String("conditions_before", event.ConditionsBefore),
		zap.String("conditions_after", event.ConditionsAfter),
		zap.Uint8("conditions_met_count", event.ConditionsMetCount),
		zap.Float32("latency_ms", event.LatencyMs),
		zap.String("source", event.Source),
	)
}

func (w *LogWriter) Close() {}
