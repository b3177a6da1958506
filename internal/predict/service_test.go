package predict_test

import (
	"context"
	"testing"
	"time"

	"github.com/modelkiln/modelkiln/internal/artifacts"
	"github.com/modelkiln/modelkiln/internal/engine"
	"github.com/modelkiln/modelkiln/internal/engine/jsonmodel"
	"github.com/modelkiln/modelkiln/internal/features"
	"github.com/modelkiln/modelkiln/internal/monitor"
	"github.com/modelkiln/modelkiln/internal/predict"
	"github.com/modelkiln/modelkiln/internal/registry"
	"github.com/modelkiln/modelkiln/internal/store"
	"github.com/modelkiln/modelkiln/pkg/models"
)

const rulesArtifact = `{
	"kind": "rules",
	"rules": [
		{"condition": {"feature": "amplitude", "operator": ">", "value": 0.9},
		 "prediction": "critical", "confidence": 0.95}
	],
	"default_prediction": "nominal"
}`

type pipeline struct {
	service  *predict.Service
	registry *registry.Registry
	features *features.Processor
	store    store.Store
	model    *models.Model
}

// newPipeline wires the full prediction path against in-memory storage
// and registers one rules model with a numeric input schema.
func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	art, err := artifacts.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}

	reg := registry.New(s, art)
	fp := features.NewProcessor(s)
	eng := engine.New(reg, art, engine.Options{})
	eng.RegisterAdapter(jsonmodel.Format, jsonmodel.New())
	mon := monitor.New(s)

	model, err := reg.Register(context.Background(), []byte(rulesArtifact), registry.RegisterRequest{
		Name:   "pump-health",
		Type:   models.ModelTypeClassification,
		Format: jsonmodel.Format,
		InputSchema: &models.Schema{
			Required: []string{"amplitude"},
			Fields: map[string]models.FieldType{
				"amplitude": models.FieldNumber,
				"device":    models.FieldString,
			},
		},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	return &pipeline{
		service:  predict.New(reg, fp, eng, mon),
		registry: reg,
		features: fp,
		store:    s,
		model:    model,
	}
}

func TestPredict(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	result, err := p.service.Predict(ctx, p.model.ID, &models.PredictionInput{
		DeviceID: "pump-7",
		Features: map[string]any{"amplitude": 0.95},
	}, "")
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}

	if result.Prediction != "critical" {
		t.Errorf("Prediction = %v, want critical", result.Prediction)
	}
	if result.Confidence != 0.95 {
		t.Errorf("Confidence = %v, want 0.95", result.Confidence)
	}
	if result.ModelVersion != "1.0.0" {
		t.Errorf("ModelVersion = %q, want 1.0.0", result.ModelVersion)
	}
	if result.PredictionID == "" {
		t.Error("PredictionID is empty")
	}
	if result.Metadata.TransformVersion != features.TransformVersionNone {
		t.Errorf("TransformVersion = %q, want none for an unfitted model", result.Metadata.TransformVersion)
	}
	if result.Metadata.ProcessingTimeMs < 0 {
		t.Errorf("ProcessingTimeMs = %v, want >= 0", result.Metadata.ProcessingTimeMs)
	}

	// The pipeline must persist a matching log row before returning.
	entry, err := p.store.GetPredictionLog(ctx, result.PredictionID)
	if err != nil {
		t.Fatalf("GetPredictionLog() error = %v", err)
	}
	if entry.Prediction != "critical" || entry.DeviceID != "pump-7" {
		t.Errorf("logged entry = %+v, want critical from pump-7", entry)
	}
}

func TestPredict_AppliesTransformParams(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	// amplitude normalized over [0, 2]: raw 1.0 becomes 0.5, which no
	// longer trips the >0.9 rule the raw value would have tripped.
	if _, err := p.features.Fit(ctx, []map[string]any{{"amplitude": 0.0}, {"amplitude": 2.0}}, features.FitConfig{
		ModelID: p.model.ID,
		Transformations: []models.TransformSpec{
			{Kind: models.TransformNormalize, Fields: []string{"amplitude"}},
		},
	}); err != nil {
		t.Fatalf("Fit() error = %v", err)
	}

	result, err := p.service.Predict(ctx, p.model.ID, &models.PredictionInput{
		Features: map[string]any{"amplitude": 1.0},
	}, "")
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if result.Prediction != "nominal" {
		t.Errorf("Prediction = %v, want nominal for normalized 0.5", result.Prediction)
	}
	if got := result.Metadata.Features["amplitude"]; got != 0.5 {
		t.Errorf("transformed amplitude = %v, want 0.5", got)
	}
	if result.Metadata.TransformVersion == features.TransformVersionNone {
		t.Error("TransformVersion = none, want the fitted version")
	}
}

func TestPredict_ValidationFailures(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		input *models.PredictionInput
	}{
		{"no features", &models.PredictionInput{}},
		{"missing required", &models.PredictionInput{Features: map[string]any{"other": 1.0}}},
		{"wrong type", &models.PredictionInput{Features: map[string]any{"amplitude": "loud"}}},
	}
	for _, tc := range cases {
		_, err := p.service.Predict(ctx, p.model.ID, tc.input, "")
		if !models.IsKind(err, models.KindValidation) {
			t.Errorf("%s: Predict() error = %v, want validation", tc.name, err)
		}
	}

	// Nothing may be logged for rejected requests.
	now := time.Now().UTC()
	logs, _ := p.store.ListPredictionLogs(ctx, p.model.ID, now.Add(-time.Hour), now.Add(time.Hour))
	if len(logs) != 0 {
		t.Errorf("rejected requests produced %d log rows, want 0", len(logs))
	}
}

func TestPredict_UnknownModel(t *testing.T) {
	p := newPipeline(t)

	_, err := p.service.Predict(context.Background(), "ghost", &models.PredictionInput{
		Features: map[string]any{"amplitude": 0.5},
	}, "")
	if !models.IsKind(err, models.KindNotFound) {
		t.Errorf("Predict() error = %v, want not_found", err)
	}
}

func TestPredictBatch_IsolatesFailures(t *testing.T) {
	p := newPipeline(t)

	items := p.service.PredictBatch(context.Background(), p.model.ID, []models.PredictionInput{
		{Features: map[string]any{"amplitude": 0.95}},
		{Features: map[string]any{"wrong": 1.0}},
		{Features: map[string]any{"amplitude": 0.1}},
	}, "")

	if len(items) != 3 {
		t.Fatalf("PredictBatch() returned %d items, want 3", len(items))
	}
	if items[0].Result == nil || items[0].Result.Prediction != "critical" {
		t.Errorf("item 0 = %+v, want critical result", items[0])
	}
	if items[1].Error == "" || items[1].Result != nil {
		t.Errorf("item 1 = %+v, want inline error", items[1])
	}
	if items[1].Input == nil {
		t.Error("failed item must echo its input")
	}
	if items[2].Result == nil || items[2].Result.Prediction != "nominal" {
		t.Errorf("item 2 = %+v, want default nominal result", items[2])
	}
}
