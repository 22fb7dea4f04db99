package api

import (
	"context"
	"net/http"
	"time"

	"github.com/triage-ai/palisade/services/trifecta_gate/internal/audit"
	"github.com/triage-ai/palisade/services/trifecta_gate/internal/auditread"
	"github.com/triage-ai/palisade/services/trifecta_gate/internal/catalog"
	"github.com/triage-ai/palisade/services/trifecta_gate/internal/policy"
	"github.com/triage-ai/palisade/services/trifecta_gate/internal/session"
	"go.uber.org/zap"
)

// AuditReader is the read side of the audit sink.
type AuditReader interface {
	ListSessionDecisions(ctx context.Context, sessionID string, limit int) ([]auditread.DecisionRow, error)
	SummarizeSession(ctx context.Context, sessionID string) (*auditread.SessionSummary, error)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Evaluator *policy.Evaluator
	Tracker   *session.Tracker
	Catalog   *catalog.Catalog
	Writer    audit.EventWriter
	Reader    AuditReader // nil if ClickHouse unavailable
	Logger    *zap.Logger
	Version   string

	// APIKeyHash is a bcrypt hash. When empty /api/evaluate is unauthenticated.
	APIKeyHash string
	CacheTTL   time.Duration
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	evaluate := http.HandlerFunc(deps.handleEvaluate)
	if deps.APIKeyHash != "" {
		evaluate = deps.authMiddleware(deps.handleEvaluate)
	}
	mux.Handle("POST /api/evaluate", evaluate)

	mux.HandleFunc("GET /api/session/{session_id}", deps.handleGetSession)
	mux.HandleFunc("GET /api/sessions", deps.handleListSessions)
	mux.HandleFunc("GET /api/tools", deps.handleListTools)
	mux.HandleFunc("GET /api/audit/sessions/{session_id}", deps.handleSessionAudit)
	mux.HandleFunc("GET /api/health", deps.handleHealth)

	return corsMiddleware(requestID(requestLogging(recovery(mux, deps.Logger), deps.Logger)))
}
