package auditread

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/trifecta_gate/internal/audit"
)

// DefaultLimit caps decision listings when the caller gives no limit.
const DefaultLimit = 100

// Reader provides read access to the trifecta_gate_decisions table.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	opts, err := audit.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("NewReader: %w", err)
	}

	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// DecisionRow is a single persisted gate decision.
type DecisionRow struct {
	RequestID          string    `json:"request_id"`
	Timestamp          time.Time `json:"timestamp"`
	SessionID          string    `json:"session_id"`
	ToolName           string    `json:"tool_name"`
	Condition          string    `json:"condition"`
	Decision           string    `json:"decision"`
	Reason             string    `json:"reason"`
	ConditionsBefore   string    `json:"conditions_before"`
	ConditionsAfter    string    `json:"conditions_after"`
	ConditionsMetCount uint8     `json:"conditions_met_count"`
	LatencyMs          float32   `json:"latency_ms"`
	Source             string    `json:"source"`
}

// ListSessionDecisions returns the most recent decisions for a session, newest first.
func (r *Reader) ListSessionDecisions(ctx context.Context, sessionID string, limit int) ([]DecisionRow, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := r.conn.Query(ctx,
		"SELECT request_id, timestamp, session_id, tool_name, condition, decision, reason, "+
			"conditions_before, conditions_after, conditions_met_count, latency_ms, source "+
			"FROM trifecta_gate_decisions "+
			"WHERE session_id = @session_id "+
			"ORDER BY timestamp DESC "+
			"LIMIT @limit",
		clickhouse.Named("session_id", sessionID),
		clickhouse.Named("limit", uint32(limit)),
	)
	if err != nil {
		return nil, fmt.Errorf("ListSessionDecisions query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	decisions := []DecisionRow{}
	for rows.Next() {
		var d DecisionRow
		if err := rows.Scan(
			&d.RequestID, &d.Timestamp, &d.SessionID, &d.ToolName, &d.Condition,
			&d.Decision, &d.Reason, &d.ConditionsBefore, &d.ConditionsAfter,
			&d.ConditionsMetCount, &d.LatencyMs, &d.Source,
		); err != nil {
			return nil, fmt.Errorf("ListSessionDecisions scan: %w", err)
		}
		decisions = append(decisions, d)
	}

	return decisions, rows.Err()
}

// SessionSummary holds aggregate counts for one session.
type SessionSummary struct {
	Total      int     `json:"total"`
	Allows     int     `json:"allows"`
	Blocks     int     `json:"blocks"`
	LatencyP95 float64 `json:"latency_p95_ms"`
}

// SummarizeSession aggregates every recorded decision for a session.
func (r *Reader) SummarizeSession(ctx context.Context, sessionID string) (*SessionSummary, error) {
	var total, allows, blocks uint64
	var p95 float64
	err := r.conn.QueryRow(ctx,
		"SELECT count() as total, "+
			"countIf(decision = 'ALLOW') as allows, "+
			"countIf(decision = 'BLOCK') as blocks, "+
			"quantile(0.95)(latency_ms) as p95 "+
			"FROM trifecta_gate_decisions "+
			"WHERE session_id = @session_id",
		clickhouse.Named("session_id", sessionID),
	).Scan(&total, &allows, &blocks, &p95)
	if err != nil {
		return nil, fmt.Errorf("SummarizeSession: %w", err)
	}

	return &SessionSummary{
		Total:      int(total),
		Allows:     int(allows),
		Blocks:     int(blocks),
		LatencyP95: safeFloat(p95),
	}, nil
}

// safeFloat replaces NaN/Inf (quantile over zero rows) with 0.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
