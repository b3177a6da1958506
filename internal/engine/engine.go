// Package engine loads model artifacts through format-specific adapters,
// caches loaded models by (model, version) key and executes predictions
// under a cooperative deadline.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/modelkiln/modelkiln/internal/artifacts"
	"github.com/modelkiln/modelkiln/internal/registry"
	"github.com/modelkiln/modelkiln/pkg/contracts"
	"github.com/modelkiln/modelkiln/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds an inference when the caller supplies none.
const DefaultTimeout = 30 * time.Second

// DefaultCacheSize is the loaded-model cache capacity when unconfigured.
const DefaultCacheSize = 32

// Options configures the inference engine.
type Options struct {
	CacheSize int
	Timeout   time.Duration
}

// Engine executes predictions. Adapters and the loaded-model cache are
// instance state, injected at construction — there are no package-level
// registries.
type Engine struct {
	registry  *registry.Registry
	artifacts *artifacts.FSStore

	mu       sync.RWMutex
	adapters map[string]contracts.FormatAdapter

	cache   *modelCache
	group   singleflight.Group
	timeout time.Duration
}

// New creates an inference engine with no adapters registered.
func New(reg *registry.Registry, art *artifacts.FSStore, opts Options) *Engine {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Engine{
		registry:  reg,
		artifacts: art,
		adapters:  make(map[string]contracts.FormatAdapter),
		cache:     newModelCache(opts.CacheSize),
		timeout:   opts.Timeout,
	}
}

// RegisterAdapter adds an adapter for a format tag. A later registration
// for the same tag replaces the prior adapter.
func (e *Engine) RegisterAdapter(format string, adapter contracts.FormatAdapter) {
	e.mu.Lock()
	e.adapters[format] = adapter
	e.mu.Unlock()
	log.Info().Str("format", format).Str("kind", adapter.Kind()).Msg("Format adapter registered")
}

// Adapters returns the registered format tags.
func (e *Engine) Adapters() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.adapters))
	for format := range e.adapters {
		out = append(out, format)
	}
	return out
}

func (e *Engine) adapterFor(format string) (contracts.FormatAdapter, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	adapter, ok := e.adapters[format]
	if !ok {
		return nil, models.UnsupportedFormat(format)
	}
	return adapter, nil
}

func cacheKey(modelID, version string) string {
	if version == "" {
		return modelID
	}
	return modelID + ":" + version
}

// LoadModel resolves, verifies and caches the model for the requested
// version (current version when empty). Loading an already-cached key
// is a no-op; concurrent loads of the same key are collapsed into one.
func (e *Engine) LoadModel(ctx context.Context, modelID, version string) error {
	_, err := e.ensureLoaded(ctx, modelID, version)
	return err
}

func (e *Engine) ensureLoaded(ctx context.Context, modelID, version string) (*cacheEntry, error) {
	key := cacheKey(modelID, version)
	if entry, ok := e.cache.get(key); ok {
		return entry, nil
	}

	v, err, _ := e.group.Do(key, func() (any, error) {
		if entry, ok := e.cache.get(key); ok {
			return entry, nil
		}
		return e.load(ctx, modelID, version, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*cacheEntry), nil
}

func (e *Engine) load(ctx context.Context, modelID, version, key string) (*cacheEntry, error) {
	meta, vr, err := e.registry.ResolveVersion(ctx, modelID, version)
	if err != nil {
		return nil, err
	}

	adapter, err := e.adapterFor(meta.Format)
	if err != nil {
		return nil, err
	}

	// Content-addressed verification: recompute the digest before
	// trusting the artifact bytes.
	data, err := e.artifacts.ReadVerified(vr.ArtifactPath, vr.Checksum)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	object, err := adapter.Load(ctx, data, meta)
	if err != nil {
		return nil, models.Integrity("load %s %s: %v", modelID, vr.Version, err)
	}
	if err := adapter.Verify(object, meta); err != nil {
		return nil, models.Integrity("verify %s %s: %v", modelID, vr.Version, err)
	}

	entry := &cacheEntry{
		key:      key,
		modelID:  modelID,
		version:  vr.Version,
		object:   object,
		adapter:  adapter,
		meta:     meta,
		loadedAt: time.Now().UTC(),
	}
	if evicted := e.cache.add(entry); evicted != "" {
		log.Info().Str("evicted", evicted).Msg("Loaded-model cache evicted LRU entry")
	}

	log.Info().
		Str("model_id", modelID).
		Str("version", vr.Version).
		Str("format", meta.Format).
		Dur("load_time", time.Since(start)).
		Msg("Model loaded")
	return entry, nil
}

// UnloadModel evicts every cache entry for the model id, regardless of
// version suffix. Returns the number of entries evicted.
func (e *Engine) UnloadModel(modelID string) int {
	removed := e.cache.removeModel(modelID)
	if removed > 0 {
		log.Info().Str("model_id", modelID).Int("entries", removed).Msg("Model unloaded")
	}
	return removed
}

// Infer runs the adapter's predict under a deadline, loading the model
// on demand. It returns the prediction, the resolved model version and
// the measured wall-clock duration in milliseconds. When the deadline
// fires the context is cancelled, so a cooperative adapter stops its
// work rather than merely having its result discarded.
func (e *Engine) Infer(ctx context.Context, modelID string, features map[string]any, version string, timeout time.Duration) (*models.Prediction, string, float64, error) {
	entry, err := e.ensureLoaded(ctx, modelID, version)
	if err != nil {
		return nil, "", 0, err
	}

	if timeout <= 0 {
		timeout = e.timeout
	}
	inferCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	type outcome struct {
		prediction *models.Prediction
		err        error
	}
	done := make(chan outcome, 1)
	go func() {
		p, err := entry.adapter.Predict(inferCtx, entry.object, features, entry.meta)
		done <- outcome{p, err}
	}()

	select {
	case <-inferCtx.Done():
		elapsed := msSince(start)
		log.Warn().
			Str("model_id", modelID).
			Str("version", entry.version).
			Float64("elapsed_ms", elapsed).
			Msg("Inference timed out")
		return nil, entry.version, elapsed, models.Timeout("inference exceeded %s", timeout)
	case out := <-done:
		elapsed := msSince(start)
		if out.err != nil {
			return nil, entry.version, elapsed, out.err
		}
		return out.prediction, entry.version, elapsed, nil
	}
}

// LoadedModels reports the cache contents, most recently used first.
func (e *Engine) LoadedModels() []models.LoadedModel {
	entries := e.cache.entries()
	out := make([]models.LoadedModel, 0, len(entries))
	for _, entry := range entries {
		out = append(out, models.LoadedModel{
			Key:      entry.key,
			ModelID:  entry.modelID,
			Name:     entry.meta.Name,
			LoadedAt: entry.loadedAt,
		})
	}
	return out
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
