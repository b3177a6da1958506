// Package registry implements the model registry: durable model metadata,
// an append-only version history per model, and artifact placement with
// checksum integrity.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelkiln/modelkiln/internal/artifacts"
	"github.com/modelkiln/modelkiln/internal/store"
	"github.com/modelkiln/modelkiln/pkg/models"
	"github.com/rs/zerolog/log"
)

// RegisterRequest carries the metadata for a new model registration.
// Name, Type and Format are required.
type RegisterRequest struct {
	Name         string             `json:"name"`
	Type         models.ModelType   `json:"type"`
	Format       string             `json:"format"`
	Description  string             `json:"description,omitempty"`
	Version      string             `json:"version,omitempty"` // defaults to 1.0.0
	InputSchema  *models.Schema     `json:"input_schema,omitempty"`
	OutputSchema *models.Schema     `json:"output_schema,omitempty"`
	Tags         []string           `json:"tags,omitempty"`
	Performance  map[string]float64 `json:"performance,omitempty"`
	CreatedBy    string             `json:"created_by,omitempty"`
}

// Registry owns model documents and their artifacts.
type Registry struct {
	store     store.Store
	artifacts *artifacts.FSStore

	// Per-model locks serialize read-modify-write cycles so version
	// appends and narrow updates never lose writes. Different model
	// ids proceed in parallel.
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// New creates a model registry over the given store and artifact store.
func New(s store.Store, a *artifacts.FSStore) *Registry {
	return &Registry{
		store:     s,
		artifacts: a,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (r *Registry) lockModel(id string) func() {
	r.lockMu.Lock()
	mu, ok := r.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[id] = mu
	}
	r.lockMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Register stores the artifact, computes its checksum and creates the
// model document with a single initial version record.
func (r *Registry) Register(ctx context.Context, artifact []byte, req RegisterRequest) (*models.Model, error) {
	if req.Name == "" || req.Type == "" || req.Format == "" {
		return nil, models.Validation("name, type and format are required")
	}
	if len(artifact) == 0 {
		return nil, models.Validation("artifact is required")
	}

	version := req.Version
	if version == "" {
		version = models.DefaultModelVersion
	}
	if !models.IsSemver(version) {
		return nil, models.Validation("version %q is not MAJOR.MINOR.PATCH", version)
	}

	id := uuid.New().String()
	path, checksum, err := r.artifacts.Put(id, version, artifact)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	model := &models.Model{
		ID:             id,
		Name:           req.Name,
		Type:           req.Type,
		Format:         req.Format,
		Description:    req.Description,
		CurrentVersion: version,
		Status:         models.ModelStatusActive,
		InputSchema:    req.InputSchema,
		OutputSchema:   req.OutputSchema,
		Performance:    req.Performance,
		Tags:           req.Tags,
		Versions: []models.VersionRecord{{
			Version:      version,
			ArtifactPath: path,
			Checksum:     checksum,
			Status:       models.ModelStatusActive,
			CreatedBy:    req.CreatedBy,
			CreatedAt:    now,
		}},
		CreatedBy: req.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := r.store.CreateModel(ctx, model); err != nil {
		// Do not leave an artifact behind that no document references.
		if rmErr := r.artifacts.Remove(path); rmErr != nil {
			log.Warn().Err(rmErr).Str("model_id", id).Msg("Orphan artifact cleanup failed")
		}
		return nil, err
	}

	log.Info().
		Str("model_id", id).
		Str("name", req.Name).
		Str("format", req.Format).
		Str("version", version).
		Msg("Model registered")
	return model, nil
}

// Get returns the model document by id.
func (r *Registry) Get(ctx context.Context, id string) (*models.Model, error) {
	return r.store.GetModel(ctx, id)
}

// List returns model summaries matching the filter. Filter fields are
// conjunctive; tags match when any requested tag is present.
func (r *Registry) List(ctx context.Context, filter models.ModelFilter) ([]models.ModelSummary, error) {
	return r.store.ListModels(ctx, filter)
}

// Update appends a new version (when artifact bytes are supplied) and
// applies the partial metadata update. Omitted metadata fields retain
// their prior values; existing version records are never mutated.
//
// An explicit update version must be strictly greater than the current
// version; without one the patch component is bumped.
func (r *Registry) Update(ctx context.Context, id string, artifact []byte, upd models.ModelUpdate) (*models.Model, error) {
	unlock := r.lockModel(id)
	defer unlock()

	model, err := r.store.GetModel(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	var newArtifactPath string
	if len(artifact) > 0 {
		version := upd.Version
		if version == "" {
			version = models.BumpPatch(model.CurrentVersion)
		} else {
			if !models.IsSemver(version) {
				return nil, models.Validation("version %q is not MAJOR.MINOR.PATCH", version)
			}
			if models.CompareSemver(version, model.CurrentVersion) <= 0 {
				return nil, models.Validation("version %s must be greater than current %s", version, model.CurrentVersion)
			}
		}

		path, checksum, err := r.artifacts.Put(id, version, artifact)
		if err != nil {
			return nil, err
		}
		newArtifactPath = path
		model.Versions = append(model.Versions, models.VersionRecord{
			Version:      version,
			ArtifactPath: path,
			Checksum:     checksum,
			Status:       models.ModelStatusActive,
			CreatedBy:    upd.UpdatedBy,
			CreatedAt:    now,
		})
		model.CurrentVersion = version
	} else if upd.Version != "" {
		return nil, models.Validation("explicit version requires artifact bytes")
	}

	if upd.Name != nil {
		model.Name = *upd.Name
	}
	if upd.Description != nil {
		model.Description = *upd.Description
	}
	if upd.InputSchema != nil {
		model.InputSchema = upd.InputSchema
	}
	if upd.OutputSchema != nil {
		model.OutputSchema = upd.OutputSchema
	}
	if upd.Tags != nil {
		model.Tags = upd.Tags
	}
	if upd.Performance != nil {
		model.Performance = upd.Performance
	}
	model.UpdatedAt = now

	if err := r.store.ReplaceModel(ctx, model); err != nil {
		// Do not leave an artifact behind that no version record references.
		if newArtifactPath != "" {
			if rmErr := r.artifacts.Remove(newArtifactPath); rmErr != nil {
				log.Warn().Err(rmErr).Str("model_id", id).Msg("Orphan artifact cleanup failed")
			}
		}
		return nil, err
	}

	log.Info().
		Str("model_id", id).
		Str("version", model.CurrentVersion).
		Int("versions", len(model.Versions)).
		Msg("Model updated")
	return model, nil
}

// Delete removes the model document, its artifacts, its fitted
// transform parameters and its prediction logs. Irrecoverable.
func (r *Registry) Delete(ctx context.Context, id string) error {
	unlock := r.lockModel(id)
	defer unlock()

	if err := r.store.DeleteModel(ctx, id); err != nil {
		return err
	}
	if err := r.artifacts.DeleteModel(id); err != nil {
		log.Warn().Err(err).Str("model_id", id).Msg("Artifact cleanup failed")
	}
	if err := r.store.DeleteTransformParams(ctx, id); err != nil {
		log.Warn().Err(err).Str("model_id", id).Msg("Transform param cleanup failed")
	}
	if err := r.store.DeletePredictionLogs(ctx, id); err != nil {
		log.Warn().Err(err).Str("model_id", id).Msg("Prediction log cleanup failed")
	}

	log.Info().Str("model_id", id).Msg("Model deleted")
	return nil
}

// VersionHistory returns the ordered, append-only version records.
func (r *Registry) VersionHistory(ctx context.Context, id string) ([]models.VersionRecord, error) {
	model, err := r.store.GetModel(ctx, id)
	if err != nil {
		return nil, err
	}
	return model.Versions, nil
}

// SetStatus updates the lifecycle status in place and bumps updated_at.
func (r *Registry) SetStatus(ctx context.Context, id string, status models.ModelStatus) error {
	switch status {
	case models.ModelStatusActive, models.ModelStatusDeprecated, models.ModelStatusRetired:
	default:
		return models.Validation("unknown status %q", status)
	}

	unlock := r.lockModel(id)
	defer unlock()

	model, err := r.store.GetModel(ctx, id)
	if err != nil {
		return err
	}
	model.Status = status
	model.UpdatedAt = time.Now().UTC()
	return r.store.ReplaceModel(ctx, model)
}

// SetPerformanceMetrics replaces the aggregate performance snapshot and
// bumps updated_at.
func (r *Registry) SetPerformanceMetrics(ctx context.Context, id string, metrics map[string]float64) error {
	unlock := r.lockModel(id)
	defer unlock()

	model, err := r.store.GetModel(ctx, id)
	if err != nil {
		return err
	}
	model.Performance = metrics
	model.UpdatedAt = time.Now().UTC()
	return r.store.ReplaceModel(ctx, model)
}

// ResolveVersion returns the version record for the requested version,
// or the current version when the request is empty.
func (r *Registry) ResolveVersion(ctx context.Context, id, version string) (*models.Model, *models.VersionRecord, error) {
	model, err := r.store.GetModel(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	target := version
	if target == "" {
		target = model.CurrentVersion
	}
	vr := model.Version(target)
	if vr == nil {
		return nil, nil, models.NotFound("model version", id+":"+target)
	}
	return model, vr, nil
}
