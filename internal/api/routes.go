package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// Routes builds the HTTP surface. The notebook is single-tenant, so every
// endpoint hangs off one /api/notebook tree.
func Routes(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	r.Use(LoggingMiddleware(deps.Log))

	r.Route("/api/notebook", func(r chi.Router) {
		r.Get("/", handleGetNotebook(deps))
		r.Patch("/settings", handleUpdateSettings(deps))

		r.Post("/cells", handleCreateCell(deps))
		r.Patch("/cells/{cellID}", handleUpdateCell(deps))
		r.Delete("/cells/{cellID}", handleDeleteCell(deps))

		r.Post("/run", handleRun(deps))
		r.Post("/test-connection", handleTestConnection(deps))

		r.Get("/events", handleEvents(deps))
		r.Get("/ws", handleWS(deps))
	})

	r.Get("/healthz", handleHealthz())

	return r
}
