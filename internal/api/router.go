package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			// Hub endpoints
			r.Route("/hubs", func(r chi.Router) {
				r.Get("/", s.handleListHubs)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetHub)
					r.Post("/sync", s.handleForceSync)
					r.Get("/zones", s.handleListZones)
					r.Get("/flows", s.handleListFlows)
					r.Post("/flows/{flowID}/trigger", s.handleTriggerFlow)
					r.Post("/flows/{flowID}/enable", s.handleEnableFlow)
					r.Post("/flows/{flowID}/disable", s.handleDisableFlow)
					r.Get("/scenes", s.handleListScenes)
					r.Post("/scenes/{sceneID}/activate", s.handleActivateScene)
					r.Get("/moods", s.handleListMoods)
					r.Post("/moods/{moodID}/activate", s.handleActivateMood)
				})
			})

			// Device endpoints (registry mirror + command surface)
			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)

				r.Route("/{key}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Put("/area", s.handleSetArea)
					r.Get("/entities", s.handleListDeviceEntities)
					r.Put("/capabilities/{capability}", s.handleSetCapability)
				})
			})

			// Entity listing for presentation adapters
			r.Get("/entities", s.handleListEntities)

			// Sync journal
			r.Get("/journal", s.handleJournal)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
