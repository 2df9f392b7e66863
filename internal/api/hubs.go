package api

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-hublink/internal/hub"
	"github.com/nerrad567/gray-logic-hublink/internal/scope"
	"github.com/nerrad567/gray-logic-hublink/internal/sync"
)

// hubSummary is one hub's entry in the hub listing: live coordinator
// status plus the persisted scope state.
type hubSummary struct {
	sync.Status
	Scope *scope.HubScope `json:"scope,omitempty"`
}

// handleListHubs returns the status of every running hub coordinator.
func (s *Server) handleListHubs(w http.ResponseWriter, r *http.Request) {
	scopes, err := s.scope.Hubs(r.Context())
	if err != nil {
		writeInternalError(w, "failed to list hub scopes")
		return
	}
	byID := make(map[string]*scope.HubScope, len(scopes))
	for i := range scopes {
		byID[scopes[i].HubID] = &scopes[i]
	}

	summaries := make([]hubSummary, 0, len(s.order))
	for _, id := range s.order {
		summaries = append(summaries, hubSummary{
			Status: s.hubs[id].Status(),
			Scope:  byID[id],
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"hubs": summaries, "count": len(summaries)})
}

// handleGetHub returns the status of a single hub.
func (s *Server) handleGetHub(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controller(chi.URLParam(r, "id"))
	if ctrl == nil {
		writeNotFound(w, "hub not found")
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Status())
}

// handleForceSync queues an immediate full sync cycle. Forcing a sync
// also clears the needs-reauth latch, so it doubles as the "try the new
// token" action after a credential change.
func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controller(chi.URLParam(r, "id"))
	if ctrl == nil {
		writeNotFound(w, "hub not found")
		return
	}
	ctrl.ForceSync()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sync requested"})
}

// handleListZones returns the mirrored zone tree for one hub.
func (s *Server) handleListZones(w http.ResponseWriter, r *http.Request) {
	hubID := chi.URLParam(r, "id")
	if s.controller(hubID) == nil {
		writeNotFound(w, "hub not found")
		return
	}
	zones, err := s.registry.Zones(r.Context(), hubID)
	if err != nil {
		writeInternalError(w, "failed to list zones")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"zones": zones, "count": len(zones)})
}

// handleListFlows returns the mirrored flows for one hub.
func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	hubID := chi.URLParam(r, "id")
	if s.controller(hubID) == nil {
		writeNotFound(w, "hub not found")
		return
	}
	flows, err := s.registry.Flows(r.Context(), hubID)
	if err != nil {
		writeInternalError(w, "failed to list flows")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flows": flows, "count": len(flows)})
}

// handleTriggerFlow triggers a flow by ID or name.
func (s *Server) handleTriggerFlow(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controller(chi.URLParam(r, "id"))
	if ctrl == nil {
		writeNotFound(w, "hub not found")
		return
	}
	if err := ctrl.TriggerFlow(r.Context(), chi.URLParam(r, "flowID")); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "triggered"})
}

// handleEnableFlow enables a flow.
func (s *Server) handleEnableFlow(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controller(chi.URLParam(r, "id"))
	if ctrl == nil {
		writeNotFound(w, "hub not found")
		return
	}
	if err := ctrl.EnableFlow(r.Context(), chi.URLParam(r, "flowID")); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "enabled"})
}

// handleDisableFlow disables a flow.
func (s *Server) handleDisableFlow(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controller(chi.URLParam(r, "id"))
	if ctrl == nil {
		writeNotFound(w, "hub not found")
		return
	}
	if err := ctrl.DisableFlow(r.Context(), chi.URLParam(r, "flowID")); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "disabled"})
}

// handleListScenes returns the hub's scenes. Scenes are not mirrored, so
// this is a live read through the coordinator.
func (s *Server) handleListScenes(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controller(chi.URLParam(r, "id"))
	if ctrl == nil {
		writeNotFound(w, "hub not found")
		return
	}
	scenes, err := ctrl.Scenes(r.Context())
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scenes": sortedScenes(scenes), "count": len(scenes)})
}

// handleActivateScene activates a scene.
func (s *Server) handleActivateScene(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controller(chi.URLParam(r, "id"))
	if ctrl == nil {
		writeNotFound(w, "hub not found")
		return
	}
	if err := ctrl.ActivateScene(r.Context(), chi.URLParam(r, "sceneID")); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "activated"})
}

// handleListMoods returns the hub's moods, live through the coordinator.
func (s *Server) handleListMoods(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controller(chi.URLParam(r, "id"))
	if ctrl == nil {
		writeNotFound(w, "hub not found")
		return
	}
	moods, err := ctrl.Moods(r.Context())
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"moods": sortedMoods(moods), "count": len(moods)})
}

// handleActivateMood activates a mood.
func (s *Server) handleActivateMood(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controller(chi.URLParam(r, "id"))
	if ctrl == nil {
		writeNotFound(w, "hub not found")
		return
	}
	if err := ctrl.ActivateMood(r.Context(), chi.URLParam(r, "moodID")); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "activated"})
}

// sortedScenes flattens a scene map into a deterministic list.
func sortedScenes(scenes map[string]*hub.Scene) []*hub.Scene {
	out := make([]*hub.Scene, 0, len(scenes))
	for _, sc := range scenes {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// sortedMoods flattens a mood map into a deterministic list.
func sortedMoods(moods map[string]*hub.Mood) []*hub.Mood {
	out := make([]*hub.Mood, 0, len(moods))
	for _, m := range moods {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
