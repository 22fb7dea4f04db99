package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/triage-ai/palisade/services/trifecta_gate/internal/auditread"
	"github.com/triage-ai/palisade/services/trifecta_gate/internal/session"
	"go.uber.org/zap"
)

const serviceName = "trifecta-gate"

func (d *Dependencies) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: "session_id is required"})
		return
	}

	snap, err := d.Tracker.Snapshot(r.Context(), sessionID)
	if err != nil {
		d.Logger.Error("failed to load session", zap.String("session_id", sessionID), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Error: "Session store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (d *Dependencies) handleListSessions(w http.ResponseWriter, r *http.Request) {
	snaps, err := d.Tracker.List(r.Context())
	if errors.Is(err, session.ErrListUnsupported) {
		writeJSON(w, http.StatusNotImplemented, ErrorResp{Error: "Session store cannot list sessions"})
		return
	}
	if err != nil {
		d.Logger.Error("failed to list sessions", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Error: "Session store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, SessionListResp{Sessions: snaps})
}

func (d *Dependencies) handleListTools(w http.ResponseWriter, _ *http.Request) {
	doc := d.Catalog.Document()
	writeJSON(w, http.StatusOK, ToolsResp{Tools: doc.Tools, Conditions: doc.Conditions})
}

func (d *Dependencies) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResp{
		Status:    "healthy",
		Service:   serviceName,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Version:   d.Version,
		Store:     d.Tracker.StoreName(),
	})
}

func (d *Dependencies) handleSessionAudit(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Error: "ClickHouse not configured"})
		return
	}

	sessionID := r.PathValue("session_id")
	limit := queryInt(r, "limit", auditread.DefaultLimit)
	if limit > 1000 {
		limit = 1000
	}

	decisions, err := d.Reader.ListSessionDecisions(r.Context(), sessionID, limit)
	if err != nil {
		d.Logger.Error("failed to list decisions", zap.String("session_id", sessionID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Error: "Failed to list decisions"})
		return
	}
	summary, err := d.Reader.SummarizeSession(r.Context(), sessionID)
	if err != nil {
		d.Logger.Error("failed to summarize session", zap.String("session_id", sessionID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Error: "Failed to summarize session"})
		return
	}

	writeJSON(w, http.StatusOK, SessionAuditResp{
		SessionID: sessionID,
		Summary:   summary,
		Decisions: decisions,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
