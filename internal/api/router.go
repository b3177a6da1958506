package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/modelkiln/modelkiln/internal/api/handlers"
	"github.com/modelkiln/modelkiln/internal/api/middleware"
	"github.com/modelkiln/modelkiln/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/models", func(r chi.Router) {
			r.Get("/", h.ListModels)
			r.Post("/", h.RegisterModel)
			r.Route("/{modelID}", func(r chi.Router) {
				r.Get("/", h.GetModel)
				r.Put("/", h.UpdateModel)
				r.Delete("/", h.DeleteModel)
				r.Get("/versions", h.VersionHistory)
				r.Post("/status", h.SetStatus)

				r.Post("/predict", h.Predict)
				r.Post("/predict/batch", h.PredictBatch)
				r.Post("/features/fit", h.FitFeatures)

				r.Get("/metrics", h.GetMetrics)
				r.Get("/drift", h.DetectDrift)
				r.Get("/trends", h.GetTrends)
			})
		})

		r.Route("/predictions", func(r chi.Router) {
			r.Post("/{predictionID}/ground-truth", h.UpdateGroundTruth)
		})

		r.Route("/engine", func(r chi.Router) {
			r.Get("/models", h.LoadedModels)
			r.Post("/models/{modelID}/load", h.LoadModel)
			r.Delete("/models/{modelID}", h.UnloadModel)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"version": cfg.Version})
	}
}
