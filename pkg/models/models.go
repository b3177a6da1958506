// Package models defines the domain records shared across the serving core:
// registered models and their version history, fitted transform parameters,
// prediction logs, and the aggregate shapes returned by the monitor.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ── Semantic Versioning Helpers ──────────────────────────────

// DefaultModelVersion is the version assigned to newly registered models.
const DefaultModelVersion = "1.0.0"

// ParseSemver splits a "major.minor.patch" string. Returns (1,0,0) on error.
func ParseSemver(v string) (major, minor, patch int) {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) != 3 {
		return 1, 0, 0
	}
	major, _ = strconv.Atoi(parts[0])
	minor, _ = strconv.Atoi(parts[1])
	patch, _ = strconv.Atoi(parts[2])
	return
}

// FormatSemver formats major.minor.patch into a version string.
func FormatSemver(major, minor, patch int) string {
	return fmt.Sprintf("%d.%d.%d", major, minor, patch)
}

// BumpPatch increments the patch component: 1.0.2 → 1.0.3
func BumpPatch(v string) string {
	major, minor, patch := ParseSemver(v)
	return FormatSemver(major, minor, patch+1)
}

// IsSemver returns true if the string looks like "X.Y.Z".
func IsSemver(v string) bool {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if _, err := strconv.Atoi(p); err != nil {
			return false
		}
	}
	return true
}

// CompareSemver returns -1, 0 or 1 as a is less than, equal to or
// greater than b under component-wise semver ordering.
func CompareSemver(a, b string) int {
	am, an, ap := ParseSemver(a)
	bm, bn, bp := ParseSemver(b)
	for _, d := range []int{am - bm, an - bn, ap - bp} {
		if d < 0 {
			return -1
		}
		if d > 0 {
			return 1
		}
	}
	return 0
}

// ── Model ────────────────────────────────────────────────────

type ModelStatus string

const (
	ModelStatusActive     ModelStatus = "active"
	ModelStatusDeprecated ModelStatus = "deprecated"
	ModelStatusRetired    ModelStatus = "retired"
)

// ModelType describes the prediction domain of a model.
type ModelType string

const (
	ModelTypeAnomalyDetection ModelType = "anomaly-detection"
	ModelTypeClassification   ModelType = "classification"
	ModelTypeRegression       ModelType = "regression"
)

// FieldType is a primitive type name used in input/output schemas.
type FieldType string

const (
	FieldNumber  FieldType = "number"
	FieldString  FieldType = "string"
	FieldBoolean FieldType = "boolean"
	FieldObject  FieldType = "object"
	FieldArray   FieldType = "array"
)

// Schema is a JSON-Schema-like description of a feature map:
// a required-field list plus a primitive type per declared field.
type Schema struct {
	Required []string             `json:"required,omitempty"`
	Fields   map[string]FieldType `json:"fields,omitempty"`
}

// Model is a registered model document. Versions is ordered and
// append-only; CurrentVersion always references one of its entries.
type Model struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Type           ModelType          `json:"type"`
	Format         string             `json:"format"`
	Description    string             `json:"description,omitempty"`
	CurrentVersion string             `json:"current_version"`
	Status         ModelStatus        `json:"status"`
	InputSchema    *Schema            `json:"input_schema,omitempty"`
	OutputSchema   *Schema            `json:"output_schema,omitempty"`
	Performance    map[string]float64 `json:"performance,omitempty"`
	Tags           []string           `json:"tags,omitempty"`
	Versions       []VersionRecord    `json:"versions"`
	CreatedBy      string             `json:"created_by,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Version returns the VersionRecord matching v, or nil.
func (m *Model) Version(v string) *VersionRecord {
	for i := range m.Versions {
		if m.Versions[i].Version == v {
			return &m.Versions[i]
		}
	}
	return nil
}

// VersionRecord is one entry in a model's append-only version history.
// Checksum and ArtifactPath are immutable once appended; only Status
// may change in place.
type VersionRecord struct {
	Version      string             `json:"version"`
	ArtifactPath string             `json:"artifact_path"`
	Checksum     string             `json:"checksum"`
	Status       ModelStatus        `json:"status"`
	Performance  map[string]float64 `json:"performance,omitempty"`
	CreatedBy    string             `json:"created_by,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

// ModelSummary is the listing shape returned by the registry.
type ModelSummary struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Type           ModelType   `json:"type"`
	Format         string      `json:"format"`
	Status         ModelStatus `json:"status"`
	CurrentVersion string      `json:"current_version"`
	Tags           []string    `json:"tags,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// ModelFilter selects models in registry listings. Fields are
// conjunctive; Tags matches when any requested tag is present.
type ModelFilter struct {
	Type   ModelType
	Status ModelStatus
	Tags   []string
}

// ModelUpdate carries the optional metadata fields of a registry
// update. Nil fields retain their prior values.
type ModelUpdate struct {
	Name         *string            `json:"name,omitempty"`
	Description  *string            `json:"description,omitempty"`
	Version      string             `json:"version,omitempty"` // explicit next version; empty → bump patch
	InputSchema  *Schema            `json:"input_schema,omitempty"`
	OutputSchema *Schema            `json:"output_schema,omitempty"`
	Tags         []string           `json:"tags,omitempty"`
	Performance  map[string]float64 `json:"performance,omitempty"`
	UpdatedBy    string             `json:"updated_by,omitempty"`
}

// ── Feature Transformation ───────────────────────────────────

type TransformKind string

const (
	TransformNormalize   TransformKind = "normalize"
	TransformStandardize TransformKind = "standardize"
	TransformEncode      TransformKind = "encode"
	TransformExtract     TransformKind = "extract"
)

// TransformSpec is one step of a model's transform pipeline.
type TransformSpec struct {
	Kind   TransformKind  `json:"kind"`
	Fields []string       `json:"fields"`
	Output string         `json:"output,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// FeatureStats holds per-field statistics computed during fit.
type FeatureStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Count int     `json:"count"`
}

// TransformParams is the fitted transform pipeline for one model.
// A re-fit fully replaces the record; stats and encodings are never
// mutated outside a re-fit.
type TransformParams struct {
	ModelID         string                    `json:"model_id"`
	Version         string                    `json:"version"`
	Transformations []TransformSpec           `json:"transformations"`
	Stats           map[string]FeatureStats   `json:"stats,omitempty"`
	Encodings       map[string]map[string]int `json:"encodings,omitempty"`
	CreatedAt       time.Time                 `json:"created_at"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// UnseenCategory is the sentinel an encode transform yields for a
// category not observed during fit.
const UnseenCategory = -1

// ── Predictions ──────────────────────────────────────────────

// PredictionInput is a single prediction request payload.
type PredictionInput struct {
	Features map[string]any `json:"features"`
	DeviceID string         `json:"device_id,omitempty"`
}

// Prediction is the raw output of a format adapter.
type Prediction struct {
	Value      any            `json:"value"`
	Confidence float64        `json:"confidence"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// PredictionResult is the envelope returned to callers.
type PredictionResult struct {
	PredictionID string             `json:"prediction_id"`
	ModelID      string             `json:"model_id"`
	ModelVersion string             `json:"model_version"`
	Prediction   any                `json:"prediction"`
	Confidence   float64            `json:"confidence"`
	Metadata     PredictionMetadata `json:"metadata"`
}

// PredictionMetadata carries timing and transform details of a result.
type PredictionMetadata struct {
	ProcessingTimeMs float64        `json:"processing_time_ms"`
	Timestamp        time.Time      `json:"timestamp"`
	Features         map[string]any `json:"features,omitempty"`
	TransformVersion string         `json:"transform_version,omitempty"`
	AnomalyScore     *float64       `json:"anomaly_score,omitempty"`
}

// BatchItem is one entry of a batch prediction response. Exactly one
// of Result or Error is set; failed items echo their input back.
type BatchItem struct {
	Result *PredictionResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
	Input  *PredictionInput  `json:"input,omitempty"`
}

// PredictionLog is the immutable record the monitor keeps per
// prediction. ActualLabel and Correct are set only by a later
// ground-truth update: Correct is non-nil iff ActualLabel is non-nil.
type PredictionLog struct {
	ID           string         `json:"id"`
	ModelID      string         `json:"model_id"`
	ModelVersion string         `json:"model_version"`
	DeviceID     string         `json:"device_id,omitempty"`
	Features     map[string]any `json:"features,omitempty"`
	Prediction   any            `json:"prediction"`
	Confidence   float64        `json:"confidence"`
	RawOutput    map[string]any `json:"raw_output,omitempty"`
	LatencyMs    float64        `json:"latency_ms"`
	ActualLabel  any            `json:"actual_label,omitempty"`
	Correct      *bool          `json:"correct,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ── Monitor Aggregates ───────────────────────────────────────

// Metrics is a windowed performance summary. Accuracy, Precision and
// Recall are nil when the window has no labeled predictions; accuracy
// values are percentages in [0,100].
type Metrics struct {
	ModelID      string    `json:"model_id"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Count        int       `json:"count"`
	LabeledCount int       `json:"labeled_count"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	Throughput   float64   `json:"throughput"` // predictions per second
	Accuracy     *float64  `json:"accuracy,omitempty"`
	Precision    *float64  `json:"precision,omitempty"` // macro-averaged
	Recall       *float64  `json:"recall,omitempty"`    // macro-averaged
}

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// DriftReport compares accuracy across two adjacent windows.
// Evaluated is false when either window lacks labeled data; the
// drift fields are only meaningful when Evaluated is true.
type DriftReport struct {
	ModelID            string  `json:"model_id"`
	Evaluated          bool    `json:"evaluated"`
	Reason             string  `json:"reason,omitempty"`
	DriftDetected      bool    `json:"drift_detected"`
	RecentAccuracy     float64 `json:"recent_accuracy"`
	HistoricalAccuracy float64 `json:"historical_accuracy"`
	AccuracyDrop       float64 `json:"accuracy_drop"`
	Threshold          float64 `json:"threshold"`
	RecentWindow       Window  `json:"recent_window"`
	HistoricalWindow   Window  `json:"historical_window"`
	Recommendation     string  `json:"recommendation"`
}

// TrendPoint is one day of the daily-bucketed performance trend.
type TrendPoint struct {
	Date                string  `json:"date"` // YYYY-MM-DD
	Count               int     `json:"count"`
	AvgConfidence       float64 `json:"avg_confidence"`
	AvgProcessingTimeMs float64 `json:"avg_processing_time_ms"`
}

// LoadedModel describes one loaded-model cache entry, for introspection.
type LoadedModel struct {
	Key      string    `json:"key"`
	ModelID  string    `json:"model_id"`
	Name     string    `json:"name"`
	LoadedAt time.Time `json:"loaded_at"`
}
