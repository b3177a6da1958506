// Package server provides the public entry point for initializing the
// serving core: store selection, artifact store, services, HTTP router.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/modelkiln/modelkiln/internal/api"
	"github.com/modelkiln/modelkiln/internal/api/handlers"
	"github.com/modelkiln/modelkiln/internal/artifacts"
	"github.com/modelkiln/modelkiln/internal/config"
	"github.com/modelkiln/modelkiln/internal/engine"
	"github.com/modelkiln/modelkiln/internal/engine/jsonmodel"
	"github.com/modelkiln/modelkiln/internal/features"
	"github.com/modelkiln/modelkiln/internal/monitor"
	"github.com/modelkiln/modelkiln/internal/predict"
	"github.com/modelkiln/modelkiln/internal/registry"
	"github.com/modelkiln/modelkiln/internal/store"
	"github.com/modelkiln/modelkiln/internal/telemetry"
	"github.com/rs/zerolog/log"
)

// Server holds the initialized serving core.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the backing document store.
	Store store.Store

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all serving-core components from the environment and
// returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	cfg := config.Load()

	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var dataStore store.Store
	if cfg.Database.URL != "" {
		dataStore, err = store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	} else {
		dataStore = store.NewMemoryStore()
	}

	artifactStore, err := artifacts.NewFSStore(cfg.ArtifactDir)
	if err != nil {
		return nil, fmt.Errorf("init artifact store: %w", err)
	}

	reg := registry.New(dataStore, artifactStore)
	fp := features.NewProcessor(dataStore)
	eng := engine.New(reg, artifactStore, engine.Options{
		CacheSize: cfg.Engine.CacheSize,
		Timeout:   cfg.Engine.InferTimeout,
	})
	eng.RegisterAdapter(jsonmodel.Format, jsonmodel.New())
	mon := monitor.New(dataStore)
	svc := predict.New(reg, fp, eng, mon)

	log.Info().Msg("Serving core initialized")

	h := handlers.New(reg, fp, eng, mon, svc)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
