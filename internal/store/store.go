// Package store provides the document-store interface backing the model
// registry, the feature processor and the performance monitor, with an
// in-memory implementation (tests, zero-config runs) and a PostgreSQL
// implementation (production).
package store

import (
	"context"
	"time"

	"github.com/modelkiln/modelkiln/pkg/models"
)

// Store is the primary storage interface for the serving core.
// All service code depends on this interface, making it easy to swap
// between in-memory (tests) and PostgreSQL (production) implementations.
type Store interface {
	ModelStore
	TransformParamsStore
	PredictionLogStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Model Store ─────────────────────────────────────────────

type ModelStore interface {
	CreateModel(ctx context.Context, model *models.Model) error
	GetModel(ctx context.Context, id string) (*models.Model, error)
	ListModels(ctx context.Context, filter models.ModelFilter) ([]models.ModelSummary, error)

	// ReplaceModel overwrites the stored document for model.ID.
	// Callers serialize read-modify-write cycles per model id.
	ReplaceModel(ctx context.Context, model *models.Model) error

	DeleteModel(ctx context.Context, id string) error
}

// ── Transform Params Store ──────────────────────────────────

type TransformParamsStore interface {
	// UpsertTransformParams replaces the fitted pipeline for a model
	// (last writer wins, whole-record replacement).
	UpsertTransformParams(ctx context.Context, params *models.TransformParams) error

	// GetTransformParams returns (nil, nil) when the model has no
	// fitted pipeline; absence is not an error.
	GetTransformParams(ctx context.Context, modelID string) (*models.TransformParams, error)

	DeleteTransformParams(ctx context.Context, modelID string) error
}

// ── Prediction Log Store ────────────────────────────────────

type PredictionLogStore interface {
	CreatePredictionLog(ctx context.Context, log *models.PredictionLog) error
	GetPredictionLog(ctx context.Context, id string) (*models.PredictionLog, error)

	// UpdatePredictionLog overwrites the stored row for log.ID.
	UpdatePredictionLog(ctx context.Context, log *models.PredictionLog) error

	// ListPredictionLogs returns logs for a model with
	// start <= created_at < end, ascending by creation time.
	ListPredictionLogs(ctx context.Context, modelID string, start, end time.Time) ([]models.PredictionLog, error)

	// DeletePredictionLogs removes all logs for a model.
	DeletePredictionLogs(ctx context.Context, modelID string) error
}
