// Package features fits and applies deterministic per-field feature
// transformations: normalize, standardize, categorical encode and
// derived-feature extraction. Fitted parameters are persisted per model
// and cached; fitting never happens implicitly during processing.
package features

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/modelkiln/modelkiln/internal/store"
	"github.com/modelkiln/modelkiln/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// TransformVersionNone marks a result that passed through unchanged
// because the model has no fitted pipeline.
const TransformVersionNone = "none"

// FitConfig describes the pipeline to fit for a model.
type FitConfig struct {
	ModelID         string                 `json:"model_id"`
	Version         string                 `json:"version"`
	Transformations []models.TransformSpec `json:"transformations"`
}

// ProcessResult carries the transformed features and transform metadata.
type ProcessResult struct {
	Features         map[string]any `json:"features"`
	TransformVersion string         `json:"transform_version"`
}

// Processor fits and applies transform pipelines.
type Processor struct {
	store store.TransformParamsStore
	cache *ristretto.Cache
	group singleflight.Group
}

// cacheSize bounds the number of cached transform-param records.
const cacheSize = 1024

// NewProcessor creates a feature processor over the given params store.
func NewProcessor(s store.TransformParamsStore) *Processor {
	cache, _ := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10 * cacheSize,
		MaxCost:     cacheSize,
		BufferItems: 64,
	})
	return &Processor{store: s, cache: cache}
}

// Fit computes transform parameters from the training rows and persists
// them for the model, fully replacing any previous fit.
func (p *Processor) Fit(ctx context.Context, rows []map[string]any, cfg FitConfig) (*models.TransformParams, error) {
	if cfg.ModelID == "" {
		return nil, models.Validation("model_id is required")
	}
	if len(cfg.Transformations) == 0 {
		return nil, models.Validation("at least one transformation is required")
	}

	stats := make(map[string]models.FeatureStats)
	encodings := make(map[string]map[string]int)

	for _, spec := range cfg.Transformations {
		switch spec.Kind {
		case models.TransformNormalize, models.TransformStandardize:
			for _, field := range spec.Fields {
				if _, done := stats[field]; done {
					continue
				}
				if st, ok := fitStats(rows, field); ok {
					stats[field] = st
				}
			}
		case models.TransformEncode:
			for _, field := range spec.Fields {
				if _, done := encodings[field]; done {
					continue
				}
				encodings[field] = fitEncoding(rows, field)
			}
		case models.TransformExtract:
			// Extraction has no fitted parameters.
		default:
			return nil, models.Transform("fit", fmt.Errorf("unrecognized transformation kind %q", spec.Kind))
		}
	}

	now := time.Now().UTC()
	params := &models.TransformParams{
		ModelID:         cfg.ModelID,
		Version:         cfg.Version,
		Transformations: cfg.Transformations,
		Stats:           stats,
		Encodings:       encodings,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if params.Version == "" {
		params.Version = "1.0"
	}

	if err := p.store.UpsertTransformParams(ctx, params); err != nil {
		return nil, err
	}
	p.cache.Set(cfg.ModelID, params, 1)

	log.Info().
		Str("model_id", cfg.ModelID).
		Int("rows", len(rows)).
		Int("transformations", len(cfg.Transformations)).
		Msg("Transform pipeline fitted")
	return params, nil
}

// fitStats computes min/max/mean/std over the non-null numeric values
// of a field. Returns false when the field never appears.
func fitStats(rows []map[string]any, field string) (models.FeatureStats, bool) {
	var values []float64
	for _, row := range rows {
		if v, ok := toFloat(row[field]); ok {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return models.FeatureStats{}, false
	}

	st := models.FeatureStats{Min: values[0], Max: values[0], Count: len(values)}
	var sum float64
	for _, v := range values {
		if v < st.Min {
			st.Min = v
		}
		if v > st.Max {
			st.Max = v
		}
		sum += v
	}
	st.Mean = sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - st.Mean
		sq += d * d
	}
	st.Std = math.Sqrt(sq / float64(len(values)))
	return st, true
}

// fitEncoding assigns integers to distinct non-null values in
// first-seen order across the training rows.
func fitEncoding(rows []map[string]any, field string) map[string]int {
	enc := make(map[string]int)
	for _, row := range rows {
		v, ok := row[field]
		if !ok || v == nil {
			continue
		}
		key := categoryKey(v)
		if _, seen := enc[key]; !seen {
			enc[key] = len(enc)
		}
	}
	return enc
}

// GetParams returns the fitted pipeline for a model, cache-first.
// Absence is reported as (nil, nil), not an error.
func (p *Processor) GetParams(ctx context.Context, modelID string) (*models.TransformParams, error) {
	if cached, ok := p.cache.Get(modelID); ok {
		return cached.(*models.TransformParams), nil
	}

	// Single-flight: concurrent misses for the same model share one load.
	v, err, _ := p.group.Do(modelID, func() (any, error) {
		params, err := p.store.GetTransformParams(ctx, modelID)
		if err != nil {
			return nil, err
		}
		if params != nil {
			p.cache.Set(modelID, params, 1)
		}
		return params, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.TransformParams), nil
}

// Invalidate drops the cached pipeline for a model.
func (p *Processor) Invalidate(modelID string) {
	p.cache.Del(modelID)
}

// Process applies the model's fitted pipeline to a copy of the raw
// features, in stored order. Without a fitted pipeline the input passes
// through unchanged with transform version "none".
func (p *Processor) Process(ctx context.Context, raw map[string]any, modelID string) (*ProcessResult, error) {
	params, err := p.GetParams(ctx, modelID)
	if err != nil {
		return nil, err
	}

	features := make(map[string]any, len(raw))
	for k, v := range raw {
		features[k] = v
	}

	if params == nil {
		return &ProcessResult{Features: features, TransformVersion: TransformVersionNone}, nil
	}

	for _, spec := range params.Transformations {
		switch spec.Kind {
		case models.TransformNormalize:
			applyNormalize(features, spec.Fields, params.Stats)
		case models.TransformStandardize:
			applyStandardize(features, spec.Fields, params.Stats)
		case models.TransformEncode:
			applyEncode(features, spec.Fields, params.Encodings)
		case models.TransformExtract:
			if err := applyExtract(features, spec); err != nil {
				return nil, models.Transform("extract", err)
			}
		default:
			return nil, models.Transform("process", fmt.Errorf("unrecognized transformation kind %q", spec.Kind))
		}
	}

	return &ProcessResult{Features: features, TransformVersion: params.Version}, nil
}

// applyNormalize maps x to (x-min)/(max-min). Absent fields, non-numeric
// values and degenerate ranges (max == min) pass through unchanged.
func applyNormalize(features map[string]any, fields []string, stats map[string]models.FeatureStats) {
	for _, field := range fields {
		v, ok := toFloat(features[field])
		if !ok {
			continue
		}
		st, ok := stats[field]
		if !ok || st.Max == st.Min {
			continue
		}
		features[field] = (v - st.Min) / (st.Max - st.Min)
	}
}

// applyStandardize maps x to (x-mean)/std. Absent fields and zero-std
// fields pass through unchanged.
func applyStandardize(features map[string]any, fields []string, stats map[string]models.FeatureStats) {
	for _, field := range fields {
		v, ok := toFloat(features[field])
		if !ok {
			continue
		}
		st, ok := stats[field]
		if !ok || st.Std == 0 {
			continue
		}
		features[field] = (v - st.Mean) / st.Std
	}
}

// applyEncode replaces categorical values with their learned integers.
// Unseen categories map to the sentinel, never an error.
func applyEncode(features map[string]any, fields []string, encodings map[string]map[string]int) {
	for _, field := range fields {
		v, ok := features[field]
		if !ok || v == nil {
			continue
		}
		enc, ok := encodings[field]
		if !ok {
			continue
		}
		if code, seen := enc[categoryKey(v)]; seen {
			features[field] = code
		} else {
			features[field] = models.UnseenCategory
		}
	}
}

// applyExtract derives a new field per the spec's params.type selector.
func applyExtract(features map[string]any, spec models.TransformSpec) error {
	kind, _ := spec.Params["type"].(string)
	switch kind {
	case "hour_of_day":
		if len(spec.Fields) < 1 {
			return nil
		}
		field := spec.Fields[0]
		t, ok := toTime(features[field])
		if !ok {
			return nil
		}
		out := spec.Output
		if out == "" {
			out = field + "_hour"
		}
		features[out] = t.Hour()
	case "ratio":
		if len(spec.Fields) < 2 {
			return nil
		}
		num, okN := toFloat(features[spec.Fields[0]])
		den, okD := toFloat(features[spec.Fields[1]])
		if !okN || !okD || den == 0 {
			return nil
		}
		out := spec.Output
		if out == "" {
			out = spec.Fields[0] + "_" + spec.Fields[1] + "_ratio"
		}
		features[out] = num / den
	default:
		return fmt.Errorf("unrecognized extract type %q", kind)
	}
	return nil
}

// categoryKey normalizes a categorical value into a stable map key.
func categoryKey(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// toFloat coerces JSON-decoded numeric values to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// toTime coerces timestamp fields: RFC3339 strings, epoch milliseconds
// or time.Time values.
func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
		return time.Time{}, false
	default:
		if ms, ok := toFloat(v); ok {
			return time.UnixMilli(int64(ms)), true
		}
		return time.Time{}, false
	}
}
