// Package contracts defines the capability interfaces of the serving core.
//
// The inference engine depends on FormatAdapter, so new model storage
// formats are added by registering a new implementation — never by
// modifying the engine. The service interfaces let embedders swap the
// shipped implementations for their own.
package contracts

import (
	"context"
	"time"

	"github.com/modelkiln/modelkiln/internal/store"
	"github.com/modelkiln/modelkiln/pkg/models"
)

// Store is a type alias for the internal Store interface, exposed in
// pkg/ so embedders can reference it without importing internal/.
type Store = store.Store

// FormatAdapter loads, verifies and executes models of one storage
// format. Implementations must be safe for concurrent Predict calls on
// the same loaded model object.
type FormatAdapter interface {
	// Kind returns the format tag this adapter serves.
	Kind() string

	// Load deserializes artifact bytes into an in-memory model object.
	Load(ctx context.Context, data []byte, meta *models.Model) (any, error)

	// Verify checks the loaded object's structural validity against the
	// model metadata before the engine caches it.
	Verify(model any, meta *models.Model) error

	// Predict executes the model against a transformed feature map.
	// Implementations should honor ctx cancellation.
	Predict(ctx context.Context, model any, features map[string]any, meta *models.Model) (*models.Prediction, error)
}

// InferenceService executes bounded-time predictions on loaded models.
type InferenceService interface {
	LoadModel(ctx context.Context, modelID, version string) error
	UnloadModel(modelID string) int
	Infer(ctx context.Context, modelID string, features map[string]any, version string, timeout time.Duration) (*models.Prediction, string, float64, error)
	LoadedModels() []models.LoadedModel
}

// PredictionService orchestrates validation, transformation, inference
// and result logging for prediction requests.
type PredictionService interface {
	Predict(ctx context.Context, modelID string, input *models.PredictionInput, version string) (*models.PredictionResult, error)
	PredictBatch(ctx context.Context, modelID string, inputs []models.PredictionInput, version string) []models.BatchItem
}
