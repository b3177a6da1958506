// Package predict orchestrates a prediction request: schema validation,
// feature transformation, inference and result logging.
package predict

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/modelkiln/modelkiln/internal/engine"
	"github.com/modelkiln/modelkiln/internal/features"
	"github.com/modelkiln/modelkiln/internal/monitor"
	"github.com/modelkiln/modelkiln/internal/registry"
	"github.com/modelkiln/modelkiln/pkg/models"
	"github.com/rs/zerolog/log"
)

// Service runs the validate → transform → infer → log pipeline. The
// four stages are strictly sequential; the caller blocks until all of
// them complete or one fails, and nothing is logged on failure.
type Service struct {
	registry *registry.Registry
	features *features.Processor
	engine   *engine.Engine
	monitor  *monitor.Monitor
}

// New creates a prediction service.
func New(reg *registry.Registry, fp *features.Processor, eng *engine.Engine, mon *monitor.Monitor) *Service {
	return &Service{registry: reg, features: fp, engine: eng, monitor: mon}
}

// Predict executes one prediction request against a model version
// (current version when empty).
func (s *Service) Predict(ctx context.Context, modelID string, input *models.PredictionInput, version string) (*models.PredictionResult, error) {
	predictionID := uuid.New().String()
	timestamp := time.Now().UTC()

	model, err := s.registry.Get(ctx, modelID)
	if err != nil {
		return nil, err
	}

	if err := validateInput(input, model.InputSchema); err != nil {
		log.Warn().Err(err).Str("model_id", modelID).Msg("Prediction input rejected")
		return nil, err
	}

	processed, err := s.features.Process(ctx, input.Features, modelID)
	if err != nil {
		log.Error().Err(err).Str("model_id", modelID).Msg("Feature transformation failed")
		return nil, err
	}

	prediction, versionUsed, elapsedMs, err := s.engine.Infer(ctx, modelID, processed.Features, version, 0)
	if err != nil {
		log.Error().Err(err).Str("model_id", modelID).Str("version", version).Msg("Inference failed")
		return nil, err
	}

	result := &models.PredictionResult{
		PredictionID: predictionID,
		ModelID:      modelID,
		ModelVersion: versionUsed,
		Prediction:   prediction.Value,
		Confidence:   prediction.Confidence,
		Metadata: models.PredictionMetadata{
			ProcessingTimeMs: elapsedMs,
			Timestamp:        timestamp,
			Features:         processed.Features,
			TransformVersion: processed.TransformVersion,
			AnomalyScore:     anomalyScore(prediction),
		},
	}

	entry := &models.PredictionLog{
		ID:           predictionID,
		ModelID:      modelID,
		ModelVersion: versionUsed,
		DeviceID:     input.DeviceID,
		Features:     processed.Features,
		Prediction:   prediction.Value,
		Confidence:   prediction.Confidence,
		RawOutput:    prediction.Extra,
		LatencyMs:    elapsedMs,
		CreatedAt:    timestamp,
	}
	if err := s.monitor.LogPrediction(ctx, entry); err != nil {
		log.Error().Err(err).Str("prediction_id", predictionID).Msg("Prediction log write failed")
		return nil, err
	}

	return result, nil
}

// PredictBatch runs inputs sequentially and independently; one item's
// failure is captured inline and does not abort the remaining items.
func (s *Service) PredictBatch(ctx context.Context, modelID string, inputs []models.PredictionInput, version string) []models.BatchItem {
	out := make([]models.BatchItem, 0, len(inputs))
	for i := range inputs {
		input := inputs[i]
		result, err := s.Predict(ctx, modelID, &input, version)
		if err != nil {
			out = append(out, models.BatchItem{Error: err.Error(), Input: &input})
			continue
		}
		out = append(out, models.BatchItem{Result: result})
	}
	return out
}

// validateInput checks the feature map against the model's input
// schema: the map must exist, every required field must be present, and
// declared number/string fields must carry the matching runtime type.
// Other declared types are not type-checked.
func validateInput(input *models.PredictionInput, schema *models.Schema) error {
	if input == nil || input.Features == nil {
		return models.Validation("features object is required")
	}
	if schema == nil {
		return nil
	}

	for _, field := range schema.Required {
		if _, ok := input.Features[field]; !ok {
			return models.Validation("missing required feature %q", field)
		}
	}

	for field, declared := range schema.Fields {
		v, ok := input.Features[field]
		if !ok || v == nil {
			continue
		}
		switch declared {
		case models.FieldNumber:
			if !isNumber(v) {
				return models.Validation("feature %q must be a number", field)
			}
		case models.FieldString:
			if _, ok := v.(string); !ok {
				return models.Validation("feature %q must be a string", field)
			}
		}
	}
	return nil
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64:
		return true
	default:
		return false
	}
}

// anomalyScore lifts the adapter's anomaly score into result metadata
// when present.
func anomalyScore(p *models.Prediction) *float64 {
	if p.Extra == nil {
		return nil
	}
	if v, ok := p.Extra["anomaly_score"].(float64); ok {
		return &v
	}
	return nil
}
