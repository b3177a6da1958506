// Package store — in-memory Store implementation.
// Used as a fallback when PostgreSQL is not available (local dev, tests).
// Supports file-based snapshot persistence so data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/modelkiln/modelkiln/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Models         map[string]*models.Model           `json:"models"`
	TransformParam map[string]*models.TransformParams `json:"transform_params"` // key: model_id
	PredictionLogs map[string]*models.PredictionLog   `json:"prediction_logs"`  // key: prediction id
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu     sync.RWMutex
	models map[string]*models.Model           // key: id
	params map[string]*models.TransformParams // key: model_id
	logs   map[string]*models.PredictionLog   // key: prediction id

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutine to stop
	closeOnce    sync.Once
}

// NewMemoryStore creates a new in-memory store.
// If MODELKILN_DATA_DIR is set, data is persisted to a JSON file in that
// directory; when unset, the store is purely in-memory.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		models: make(map[string]*models.Model),
		params: make(map[string]*models.TransformParams),
		logs:   make(map[string]*models.PredictionLog),
		saveCh: make(chan struct{}, 1),
		doneCh: make(chan struct{}),
	}

	if dataDir := os.Getenv("MODELKILN_DATA_DIR"); dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Models:         m.models,
		TransformParam: m.params,
		PredictionLogs: m.logs,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Cannot read snapshot")
		}
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Corrupt snapshot, starting empty")
		return
	}

	if snap.Models != nil {
		m.models = snap.Models
	}
	if snap.TransformParam != nil {
		m.params = snap.TransformParam
	}
	if snap.PredictionLogs != nil {
		m.logs = snap.PredictionLogs
	}

	log.Info().
		Int("models", len(m.models)).
		Int("transform_params", len(m.params)).
		Int("prediction_logs", len(m.logs)).
		Msg("Snapshot loaded")
}

// Ping always succeeds for the in-memory store.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close flushes a final snapshot and stops background goroutines.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
	})
	return nil
}

// ── Model Store ─────────────────────────────────────────────

func (m *MemoryStore) CreateModel(ctx context.Context, model *models.Model) error {
	m.mu.Lock()
	m.models[model.ID] = cloneModel(model)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetModel(ctx context.Context, id string) (*models.Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	model, ok := m.models[id]
	if !ok {
		return nil, models.NotFound("model", id)
	}
	return cloneModel(model), nil
}

func (m *MemoryStore) ListModels(ctx context.Context, filter models.ModelFilter) ([]models.ModelSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.ModelSummary, 0, len(m.models))
	for _, model := range m.models {
		if !matchesFilter(model, filter) {
			continue
		}
		out = append(out, models.ModelSummary{
			ID:             model.ID,
			Name:           model.Name,
			Type:           model.Type,
			Format:         model.Format,
			Status:         model.Status,
			CurrentVersion: model.CurrentVersion,
			Tags:           append([]string(nil), model.Tags...),
			UpdatedAt:      model.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func matchesFilter(model *models.Model, filter models.ModelFilter) bool {
	if filter.Type != "" && model.Type != filter.Type {
		return false
	}
	if filter.Status != "" && model.Status != filter.Status {
		return false
	}
	if len(filter.Tags) > 0 {
		found := false
		for _, want := range filter.Tags {
			for _, have := range model.Tags {
				if want == have {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (m *MemoryStore) ReplaceModel(ctx context.Context, model *models.Model) error {
	m.mu.Lock()
	defer func() {
		m.mu.Unlock()
		m.requestSave()
	}()
	if _, ok := m.models[model.ID]; !ok {
		return models.NotFound("model", model.ID)
	}
	m.models[model.ID] = cloneModel(model)
	return nil
}

func (m *MemoryStore) DeleteModel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer func() {
		m.mu.Unlock()
		m.requestSave()
	}()
	if _, ok := m.models[id]; !ok {
		return models.NotFound("model", id)
	}
	delete(m.models, id)
	return nil
}

// ── Transform Params Store ──────────────────────────────────

func (m *MemoryStore) UpsertTransformParams(ctx context.Context, params *models.TransformParams) error {
	m.mu.Lock()
	m.params[params.ModelID] = cloneParams(params)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetTransformParams(ctx context.Context, modelID string) (*models.TransformParams, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// Absence is not an error: the model may simply have no fitted pipeline.
	params, ok := m.params[modelID]
	if !ok {
		return nil, nil
	}
	return cloneParams(params), nil
}

func (m *MemoryStore) DeleteTransformParams(ctx context.Context, modelID string) error {
	m.mu.Lock()
	delete(m.params, modelID)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Prediction Log Store ────────────────────────────────────

func (m *MemoryStore) CreatePredictionLog(ctx context.Context, log *models.PredictionLog) error {
	m.mu.Lock()
	cp := *log
	m.logs[log.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetPredictionLog(ctx context.Context, id string) (*models.PredictionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.logs[id]
	if !ok {
		return nil, models.NotFound("prediction", id)
	}
	cp := *entry
	return &cp, nil
}

func (m *MemoryStore) UpdatePredictionLog(ctx context.Context, log *models.PredictionLog) error {
	m.mu.Lock()
	defer func() {
		m.mu.Unlock()
		m.requestSave()
	}()
	if _, ok := m.logs[log.ID]; !ok {
		return models.NotFound("prediction", log.ID)
	}
	cp := *log
	m.logs[log.ID] = &cp
	return nil
}

func (m *MemoryStore) ListPredictionLogs(ctx context.Context, modelID string, start, end time.Time) ([]models.PredictionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.PredictionLog
	for _, entry := range m.logs {
		if entry.ModelID != modelID {
			continue
		}
		if entry.CreatedAt.Before(start) || !entry.CreatedAt.Before(end) {
			continue
		}
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeletePredictionLogs(ctx context.Context, modelID string) error {
	m.mu.Lock()
	for id, entry := range m.logs {
		if entry.ModelID == modelID {
			delete(m.logs, id)
		}
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// cloneParams copies a transform-param record deeply enough that callers
// cannot alias stored stats, encodings or pipeline specs.
func cloneParams(params *models.TransformParams) *models.TransformParams {
	cp := *params
	cp.Transformations = append([]models.TransformSpec(nil), params.Transformations...)
	if params.Stats != nil {
		cp.Stats = make(map[string]models.FeatureStats, len(params.Stats))
		for k, v := range params.Stats {
			cp.Stats[k] = v
		}
	}
	if params.Encodings != nil {
		cp.Encodings = make(map[string]map[string]int, len(params.Encodings))
		for field, enc := range params.Encodings {
			inner := make(map[string]int, len(enc))
			for k, v := range enc {
				inner[k] = v
			}
			cp.Encodings[field] = inner
		}
	}
	return &cp
}

// cloneModel copies a model document deeply enough that callers cannot
// alias stored version history or tags.
func cloneModel(model *models.Model) *models.Model {
	cp := *model
	cp.Versions = append([]models.VersionRecord(nil), model.Versions...)
	cp.Tags = append([]string(nil), model.Tags...)
	if model.Performance != nil {
		cp.Performance = make(map[string]float64, len(model.Performance))
		for k, v := range model.Performance {
			cp.Performance[k] = v
		}
	}
	return &cp
}
