package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snarg/readalong/internal/journal"
)

// IncidentSource lists recorded sync incidents. *journal.DB implements it.
type IncidentSource interface {
	RecentIncidents(ctx context.Context, limit int) ([]journal.SyncIncidentRow, error)
}

type IncidentsHandler struct {
	source IncidentSource
}

func NewIncidentsHandler(source IncidentSource) *IncidentsHandler {
	return &IncidentsHandler{source: source}
}

// ListIncidents returns the newest sync incidents. ?limit= caps the list (1-500).
func (h *IncidentsHandler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		WriteError(w, http.StatusServiceUnavailable, "journal not configured")
		return
	}
	limit := 50
	if v, ok := QueryInt(r, "limit"); ok {
		if v < 1 || v > 500 {
			WriteError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = v
	}
	rows, err := h.source.RecentIncidents(r.Context(), limit)
	if err != nil {
		WriteErrorDetail(w, http.StatusInternalServerError, "failed to list incidents", err.Error())
		return
	}
	if rows == nil {
		rows = []journal.SyncIncidentRow{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"incidents": rows, "total": len(rows)})
}

func (h *IncidentsHandler) Routes(r chi.Router) {
	r.Get("/sync/incidents", h.ListIncidents)
}
