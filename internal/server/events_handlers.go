package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/quotevault/internal/adjustments"
	"github.com/aristath/quotevault/internal/symbols"
)

// handleListEvents serves GET /api/events with optional filters
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := adjustments.EventFilter{
		EventType: q.Get("event_type"),
		Status:    q.Get("status"),
		From:      q.Get("from"),
		To:        q.Get("to"),
	}
	if raw := q.Get("symbol"); raw != "" {
		sym, err := symbols.Normalize(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
			return
		}
		filter.Symbol = sym
	}
	if limit, _ := strconv.Atoi(q.Get("limit")); limit > 0 && limit <= 500 {
		filter.Limit = limit
	}
	if offset, _ := strconv.Atoi(q.Get("offset")); offset > 0 {
		filter.Offset = offset
	}

	events, err := s.events.Query(filter)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// handleUpdateEventStatus serves PUT /api/events/{id}/status
func (s *Server) handleUpdateEventStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidation,
			"event id must be numeric", nil)
		return
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Status == "" {
		s.writeError(w, http.StatusBadRequest, codeValidation,
			"body must carry a status field", nil)
		return
	}

	if err := s.events.UpdateStatus(id, body.Status); err != nil {
		s.writeMappedError(w, err)
		return
	}

	event, err := s.events.GetByID(id)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, event)
}
