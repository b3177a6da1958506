// Package handlers implements the HTTP handlers for the serving core.
// Handlers are a thin presentation adapter: they decode requests, call
// the services and render their results as JSON.
package handlers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelkiln/modelkiln/internal/engine"
	"github.com/modelkiln/modelkiln/internal/features"
	"github.com/modelkiln/modelkiln/internal/monitor"
	"github.com/modelkiln/modelkiln/internal/predict"
	"github.com/modelkiln/modelkiln/internal/registry"
	"github.com/modelkiln/modelkiln/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Registry  *registry.Registry
	Features  *features.Processor
	Engine    *engine.Engine
	Monitor   *monitor.Monitor
	Predictor *predict.Service
}

// New creates a new Handlers instance with all dependencies.
func New(reg *registry.Registry, fp *features.Processor, eng *engine.Engine, mon *monitor.Monitor, svc *predict.Service) *Handlers {
	return &Handlers{Registry: reg, Features: fp, Engine: eng, Monitor: mon, Predictor: svc}
}

// ── Model Registry Handlers ──────────────────────────────────

type registerPayload struct {
	registry.RegisterRequest
	Artifact string `json:"artifact"` // base64-encoded model bytes
}

func (h *Handlers) RegisterModel(w http.ResponseWriter, r *http.Request) {
	var payload registerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	artifact, err := base64.StdEncoding.DecodeString(payload.Artifact)
	if err != nil {
		respondError(w, http.StatusBadRequest, "artifact must be base64-encoded")
		return
	}

	model, err := h.Registry.Register(r.Context(), artifact, payload.RegisterRequest)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, model)
}

func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	filter := models.ModelFilter{
		Type:   models.ModelType(r.URL.Query().Get("type")),
		Status: models.ModelStatus(r.URL.Query().Get("status")),
	}
	if tags := r.URL.Query().Get("tags"); tags != "" {
		filter.Tags = splitCSV(tags)
	}

	summaries, err := h.Registry.List(r.Context(), filter)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summaries)
}

func (h *Handlers) GetModel(w http.ResponseWriter, r *http.Request) {
	model, err := h.Registry.Get(r.Context(), chi.URLParam(r, "modelID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, model)
}

type updatePayload struct {
	models.ModelUpdate
	Artifact string `json:"artifact,omitempty"` // base64; empty = metadata-only update
}

func (h *Handlers) UpdateModel(w http.ResponseWriter, r *http.Request) {
	var payload updatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	var artifact []byte
	if payload.Artifact != "" {
		var err error
		artifact, err = base64.StdEncoding.DecodeString(payload.Artifact)
		if err != nil {
			respondError(w, http.StatusBadRequest, "artifact must be base64-encoded")
			return
		}
	}

	model, err := h.Registry.Update(r.Context(), chi.URLParam(r, "modelID"), artifact, payload.ModelUpdate)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, model)
}

func (h *Handlers) DeleteModel(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	if err := h.Registry.Delete(r.Context(), modelID); err != nil {
		respondServiceError(w, err)
		return
	}
	h.Engine.UnloadModel(modelID)
	h.Features.Invalidate(modelID)
	respondJSON(w, http.StatusOK, map[string]string{"deleted": modelID})
}

func (h *Handlers) VersionHistory(w http.ResponseWriter, r *http.Request) {
	versions, err := h.Registry.VersionHistory(r.Context(), chi.URLParam(r, "modelID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, versions)
}

func (h *Handlers) SetStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.ModelStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := h.Registry.SetStatus(r.Context(), chi.URLParam(r, "modelID"), body.Status); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": body.Status})
}

// ── Prediction Handlers ──────────────────────────────────────

func (h *Handlers) Predict(w http.ResponseWriter, r *http.Request) {
	var input models.PredictionInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	result, err := h.Predictor.Predict(r.Context(), chi.URLParam(r, "modelID"), &input, r.URL.Query().Get("version"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handlers) PredictBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Inputs []models.PredictionInput `json:"inputs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	items := h.Predictor.PredictBatch(r.Context(), chi.URLParam(r, "modelID"), body.Inputs, r.URL.Query().Get("version"))
	respondJSON(w, http.StatusOK, items)
}

// ── Feature Processor Handlers ───────────────────────────────

type fitPayload struct {
	Rows            []map[string]any       `json:"rows"`
	Version         string                 `json:"version,omitempty"`
	Transformations []models.TransformSpec `json:"transformations"`
}

func (h *Handlers) FitFeatures(w http.ResponseWriter, r *http.Request) {
	var payload fitPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	params, err := h.Features.Fit(r.Context(), payload.Rows, features.FitConfig{
		ModelID:         chi.URLParam(r, "modelID"),
		Version:         payload.Version,
		Transformations: payload.Transformations,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, params)
}

// ── Performance Monitor Handlers ─────────────────────────────

func (h *Handlers) GetMetrics(w http.ResponseWriter, r *http.Request) {
	var start, end time.Time
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "start must be RFC3339")
			return
		}
		start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "end must be RFC3339")
			return
		}
		end = t
	}

	metrics, err := h.Monitor.GetMetrics(r.Context(), chi.URLParam(r, "modelID"), start, end)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, metrics)
}

func (h *Handlers) DetectDrift(w http.ResponseWriter, r *http.Request) {
	windowDays, _ := strconv.Atoi(r.URL.Query().Get("window_days"))
	report, err := h.Monitor.DetectDrift(r.Context(), chi.URLParam(r, "modelID"), windowDays)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (h *Handlers) GetTrends(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	trends, err := h.Monitor.GetPerformanceTrends(r.Context(), chi.URLParam(r, "modelID"), days)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trends)
}

func (h *Handlers) UpdateGroundTruth(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ActualLabel any `json:"actual_label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	correct, err := h.Monitor.UpdateGroundTruth(r.Context(), chi.URLParam(r, "predictionID"), body.ActualLabel)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"correct": correct})
}

// ── Engine Handlers ──────────────────────────────────────────

func (h *Handlers) LoadedModels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Engine.LoadedModels())
}

func (h *Handlers) LoadModel(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "modelID")
	version := r.URL.Query().Get("version")
	if err := h.Engine.LoadModel(r.Context(), modelID, version); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"loaded": modelID})
}

func (h *Handlers) UnloadModel(w http.ResponseWriter, r *http.Request) {
	removed := h.Engine.UnloadModel(chi.URLParam(r, "modelID"))
	respondJSON(w, http.StatusOK, map[string]int{"unloaded": removed})
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError maps the core error taxonomy onto HTTP statuses.
func respondServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch models.KindOf(err) {
	case models.KindNotFound:
		status = http.StatusNotFound
	case models.KindValidation:
		status = http.StatusBadRequest
	case models.KindUnsupportedFormat:
		status = http.StatusUnsupportedMediaType
	case models.KindIntegrity:
		status = http.StatusBadGateway
	case models.KindTransform:
		status = http.StatusUnprocessableEntity
	case models.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	respondError(w, status, err.Error())
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
