package engine_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/modelkiln/modelkiln/internal/artifacts"
	"github.com/modelkiln/modelkiln/internal/engine"
	"github.com/modelkiln/modelkiln/internal/registry"
	"github.com/modelkiln/modelkiln/internal/store"
	"github.com/modelkiln/modelkiln/pkg/models"
)

// echoAdapter is a trivial adapter for exercising the engine: it keeps
// the artifact bytes as the model object and predicts their length. An
// optional delay simulates slow inference.
type echoAdapter struct {
	delay time.Duration
	loads int
}

func (a *echoAdapter) Kind() string { return "echo" }

func (a *echoAdapter) Load(ctx context.Context, data []byte, meta *models.Model) (any, error) {
	a.loads++
	return string(data), nil
}

func (a *echoAdapter) Verify(model any, meta *models.Model) error {
	if model.(string) == "" {
		return errors.New("empty model")
	}
	return nil
}

func (a *echoAdapter) Predict(ctx context.Context, model any, features map[string]any, meta *models.Model) (*models.Prediction, error) {
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &models.Prediction{Value: len(model.(string)), Confidence: 1.0}, nil
}

type fixture struct {
	registry *registry.Registry
	engine   *engine.Engine
	adapter  *echoAdapter
	store    *artifacts.FSStore
}

func newFixture(t *testing.T, opts engine.Options) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	art, err := artifacts.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	reg := registry.New(s, art)
	adapter := &echoAdapter{}
	eng := engine.New(reg, art, opts)
	eng.RegisterAdapter("echo", adapter)
	return &fixture{registry: reg, engine: eng, adapter: adapter, store: art}
}

func (f *fixture) register(t *testing.T, name string, artifact []byte) *models.Model {
	t.Helper()
	m, err := f.registry.Register(context.Background(), artifact, registry.RegisterRequest{
		Name:   name,
		Type:   models.ModelTypeClassification,
		Format: "echo",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return m
}

func TestLoadModel_Cached(t *testing.T) {
	f := newFixture(t, engine.Options{})
	m := f.register(t, "m", []byte("payload"))
	ctx := context.Background()

	if err := f.engine.LoadModel(ctx, m.ID, ""); err != nil {
		t.Fatalf("LoadModel() error = %v", err)
	}
	if err := f.engine.LoadModel(ctx, m.ID, ""); err != nil {
		t.Fatalf("LoadModel() second call error = %v", err)
	}
	if f.adapter.loads != 1 {
		t.Errorf("adapter loaded %d times, want 1 (cached)", f.adapter.loads)
	}

	loaded := f.engine.LoadedModels()
	if len(loaded) != 1 || loaded[0].ModelID != m.ID {
		t.Errorf("LoadedModels() = %v, want one entry for %s", loaded, m.ID)
	}
}

func TestLoadModel_UnknownModel(t *testing.T) {
	f := newFixture(t, engine.Options{})

	err := f.engine.LoadModel(context.Background(), "missing", "")
	if !models.IsKind(err, models.KindNotFound) {
		t.Errorf("LoadModel() error = %v, want not_found", err)
	}
}

func TestLoadModel_UnsupportedFormat(t *testing.T) {
	f := newFixture(t, engine.Options{})

	// A model registered under a format nobody handles.
	onnx, err := f.registry.Register(context.Background(), []byte("bin"), registry.RegisterRequest{
		Name:   "other",
		Type:   models.ModelTypeClassification,
		Format: "onnx",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	err = f.engine.LoadModel(context.Background(), onnx.ID, "")
	if !models.IsKind(err, models.KindUnsupportedFormat) {
		t.Errorf("LoadModel() error = %v, want unsupported_format", err)
	}
}

func TestLoadModel_CorruptedArtifact(t *testing.T) {
	f := newFixture(t, engine.Options{})
	m := f.register(t, "m", []byte("payload"))

	// Tamper with the artifact on disk after registration.
	path := m.Versions[0].ArtifactPath
	if err := os.WriteFile(path, []byte("tampered"), 0644); err != nil {
		t.Fatalf("corrupt artifact: %v", err)
	}

	err := f.engine.LoadModel(context.Background(), m.ID, "")
	if !models.IsKind(err, models.KindIntegrity) {
		t.Errorf("LoadModel() error = %v, want integrity", err)
	}
}

func TestInfer(t *testing.T) {
	f := newFixture(t, engine.Options{})
	m := f.register(t, "m", []byte("payload"))

	p, version, elapsed, err := f.engine.Infer(context.Background(), m.ID, map[string]any{"x": 1.0}, "", 0)
	if err != nil {
		t.Fatalf("Infer() error = %v", err)
	}
	if p.Value != len("payload") {
		t.Errorf("Infer() value = %v, want %d", p.Value, len("payload"))
	}
	if version != "1.0.0" {
		t.Errorf("Infer() resolved version = %q, want 1.0.0", version)
	}
	if elapsed < 0 {
		t.Errorf("Infer() elapsed = %v, want >= 0", elapsed)
	}
}

func TestInfer_SpecificVersion(t *testing.T) {
	f := newFixture(t, engine.Options{})
	m := f.register(t, "m", []byte("v1"))
	if _, err := f.registry.Update(context.Background(), m.ID, []byte("longer-v2"), models.ModelUpdate{}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	p, version, _, err := f.engine.Infer(context.Background(), m.ID, nil, "1.0.0", 0)
	if err != nil {
		t.Fatalf("Infer(1.0.0) error = %v", err)
	}
	if version != "1.0.0" || p.Value != len("v1") {
		t.Errorf("Infer(1.0.0) = %v @ %q, want v1 artifact", p.Value, version)
	}

	p, version, _, err = f.engine.Infer(context.Background(), m.ID, nil, "", 0)
	if err != nil {
		t.Fatalf("Infer(current) error = %v", err)
	}
	if version != "1.0.1" || p.Value != len("longer-v2") {
		t.Errorf("Infer(current) = %v @ %q, want v2 artifact", p.Value, version)
	}
}

func TestInfer_Timeout(t *testing.T) {
	f := newFixture(t, engine.Options{})
	f.adapter.delay = 200 * time.Millisecond
	m := f.register(t, "m", []byte("payload"))

	_, _, _, err := f.engine.Infer(context.Background(), m.ID, nil, "", 20*time.Millisecond)
	if !models.IsKind(err, models.KindTimeout) {
		t.Errorf("Infer() error = %v, want timeout", err)
	}
}

func TestUnloadModel(t *testing.T) {
	f := newFixture(t, engine.Options{})
	m := f.register(t, "m", []byte("payload"))
	ctx := context.Background()

	// Cache both the unpinned and the version-pinned entry.
	f.engine.LoadModel(ctx, m.ID, "")
	f.engine.LoadModel(ctx, m.ID, "1.0.0")

	if n := f.engine.UnloadModel(m.ID); n != 2 {
		t.Errorf("UnloadModel() evicted %d entries, want 2", n)
	}
	if loaded := f.engine.LoadedModels(); len(loaded) != 0 {
		t.Errorf("LoadedModels() after unload = %v, want empty", loaded)
	}

	if n := f.engine.UnloadModel(m.ID); n != 0 {
		t.Errorf("UnloadModel() on empty cache evicted %d entries, want 0", n)
	}
}

func TestCache_EvictsLRU(t *testing.T) {
	f := newFixture(t, engine.Options{CacheSize: 2})
	ctx := context.Background()

	a := f.register(t, "a", []byte("aa"))
	b := f.register(t, "b", []byte("bb"))
	c := f.register(t, "c", []byte("cc"))

	f.engine.LoadModel(ctx, a.ID, "")
	f.engine.LoadModel(ctx, b.ID, "")
	// Touch a so b becomes the LRU entry, then overflow.
	f.engine.LoadModel(ctx, a.ID, "")
	f.engine.LoadModel(ctx, c.ID, "")

	loaded := f.engine.LoadedModels()
	if len(loaded) != 2 {
		t.Fatalf("LoadedModels() = %d entries, want 2", len(loaded))
	}
	for _, lm := range loaded {
		if lm.ModelID == b.ID {
			t.Errorf("LRU entry %s survived eviction", b.ID)
		}
	}
}

func TestRegisterAdapter_Replaces(t *testing.T) {
	f := newFixture(t, engine.Options{})

	f.engine.RegisterAdapter("echo", &echoAdapter{})
	if got := len(f.engine.Adapters()); got != 1 {
		t.Errorf("Adapters() = %d formats, want 1 after re-registration", got)
	}
}
