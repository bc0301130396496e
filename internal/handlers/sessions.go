package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/termgate/termgate/internal/database"
	"github.com/termgate/termgate/internal/protocol"
	"github.com/termgate/termgate/internal/reconcile"
)

// Rec is the reconciler used by the admin reconcile endpoint, set from
// main.go during init.
var Rec *reconcile.Reconciler

type sessionView struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
	ResumedCount  int       `json:"resumed_count"`
	Orphaned      bool      `json:"orphaned"`
	Authenticated bool      `json:"authenticated"`
	BufferedLines int       `json:"buffered_lines"`
}

// ListSessions returns the live session registry.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := Reg.List()
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView{
			ID:            s.ID,
			CreatedAt:     s.CreationTime,
			LastActivity:  s.LastActivity(),
			ResumedCount:  s.ResumedCount(),
			Orphaned:      s.Orphaned(),
			Authenticated: s.Authenticated(),
			BufferedLines: s.Buffer.Len(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(views),
		"sessions": views,
	})
}

// CloseSession terminates one session gracefully.
func CloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if Reg.Get(id) == nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	Reg.TerminateSession(id, "closed by administrator", true, protocol.CloseNormal)
	w.WriteHeader(http.StatusNoContent)
}

// SessionHistory returns the audit trail, newest first.
func SessionHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	recs, err := database.ListSessionRecords(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": recs})
}

// RunReconcile runs a reconciliation pass. Default is report-only; pass
// ?fix=true to apply fixes.
func RunReconcile(w http.ResponseWriter, r *http.Request) {
	autoFix := r.URL.Query().Get("fix") == "true"

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	report, err := Rec.Reconcile(ctx, autoFix)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}
