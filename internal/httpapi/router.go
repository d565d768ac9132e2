package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Router builds the chi mux for the agent-facing surface: enrollment is
// unauthenticated (it mints the credential everything else requires),
// ingest and the WebSocket upgrade both sit behind requireAgent.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	r.Route("/agent", func(r chi.Router) {
		r.Post("/enroll", s.handleEnroll)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAgent)
			r.Post("/runs/ingest", s.handleIngest)
			r.Get("/ws", s.handleWebSocket)
		})
	})

	return r
}
