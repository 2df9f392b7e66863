package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-hublink/internal/registry"
)

// handleListDevices returns all mirrored device records, optionally
// filtered to one hub.
//
// Query parameters:
//   - hub: filter by hub ID
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var devices []*registry.Record
	if hubID := r.URL.Query().Get("hub"); hubID != "" {
		devices = s.registry.DevicesByHub(hubID)
	} else {
		devices = s.registry.Devices()
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device record with its entities.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	rec, err := s.registry.Device(r.Context(), key)
	if err != nil {
		if errors.Is(err, registry.ErrRecordNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device":   rec,
		"entities": s.registry.EntitiesByDevice(key),
	})
}

// handleListDeviceEntities returns the entities published for one device.
func (s *Server) handleListDeviceEntities(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if _, err := s.registry.Device(r.Context(), key); err != nil {
		if errors.Is(err, registry.ErrRecordNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	entities := s.registry.EntitiesByDevice(key)
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities, "count": len(entities)})
}

// handleListEntities returns every published entity across all hubs.
func (s *Server) handleListEntities(w http.ResponseWriter, _ *http.Request) {
	entities := s.registry.AllEntities()
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities, "count": len(entities)})
}

// setAreaRequest is the body of a manual area assignment.
type setAreaRequest struct {
	Area string `json:"area"`
}

// handleSetArea assigns a device's area manually. A manual assignment
// sticks: subsequent zone renames on the hub no longer touch it.
func (s *Server) handleSetArea(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req setAreaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	rec, err := s.registry.SetDeviceArea(r.Context(), key, req.Area)
	if err != nil {
		if errors.Is(err, registry.ErrRecordNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to set area")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// setCapabilityRequest is the body of a capability write.
type setCapabilityRequest struct {
	Value any `json:"value"`
}

// handleSetCapability writes a capability value through the owning hub's
// coordinator. The coordinator converts the value to the capability's
// type, sends the command, and schedules a single readback refresh.
func (s *Server) handleSetCapability(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	capabilityID := chi.URLParam(r, "capability")

	var req setCapabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	ctrl, _, err := s.controllerForKey(r.Context(), key)
	if err != nil {
		if errors.Is(err, registry.ErrRecordNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to resolve device")
		return
	}
	if ctrl == nil {
		writeNotFound(w, "hub not running")
		return
	}

	if err := ctrl.SetCapability(r.Context(), key, capabilityID, req.Value); err != nil {
		writeCommandError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "sent"})
}
