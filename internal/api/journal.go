package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/gray-logic-hublink/internal/registry"
)

// handleJournal returns a page of the sync journal.
//
// Query parameters:
//   - hub: filter by hub ID
//   - action: filter by action (device_created, device_deleted, ...)
//   - subject_type: filter by subject type (device, entity, scope)
//   - limit, offset: paging (default 50, max 200)
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	filter := registry.JournalFilter{
		HubID:       r.URL.Query().Get("hub"),
		Action:      r.URL.Query().Get("action"),
		SubjectType: r.URL.Query().Get("subject_type"),
	}

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	list, err := s.registry.Journal(r.Context(), filter)
	if err != nil {
		writeInternalError(w, "failed to list journal")
		return
	}

	writeJSON(w, http.StatusOK, list)
}
