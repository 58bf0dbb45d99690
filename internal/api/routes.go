package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/visitor-insights/internal/pkg/httputil"
	"github.com/ignite/visitor-insights/internal/worker"
)

// SetupRoutes wires all HTTP routes and middleware. allowedOrigins
// defaults to wildcard when empty.
func SetupRoutes(importHandler *ImportHandler, audienceHandler *AudienceHandler, refresher *worker.Refresher, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.OK(w, map[string]string{"status": "healthy"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/audiences", func(r chi.Router) {
			r.Post("/import", importHandler.HandleImport)
			r.Get("/{id}", audienceHandler.GetAudience)
			r.Post("/{id}/clear", audienceHandler.ClearContacts)
			r.Get("/{id}/visitors", audienceHandler.ListVisitors)
		})

		r.Route("/refresh", func(r chi.Router) {
			r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
				httputil.OK(w, refresher.Status())
			})
			r.Post("/trigger", func(w http.ResponseWriter, req *http.Request) {
				if !refresher.Trigger() {
					httputil.Error(w, http.StatusConflict, "refresh already running")
					return
				}
				httputil.OK(w, map[string]string{"status": "triggered"})
			})
		})
	})

	return r
}
