package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
		r.Post("/refresh", s.HandleRefresh)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/status", s.HandleStatus)
		r.Get("/peers", s.HandleListPeers)

		if s.store != nil {
			r.Get("/detections", s.HandleListDetections)
			r.Get("/events", s.HandleListEvents)
		}

		r.Route("/engine", func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/start", s.HandleEngineStart)
			r.Post("/stop", s.HandleEngineStop)
			r.Post("/trigger", s.HandleEngineTrigger)
		})
	})
}
