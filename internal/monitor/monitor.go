// Package monitor persists prediction logs and computes rolling
// performance metrics, daily trends and windowed accuracy drift.
package monitor

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/modelkiln/modelkiln/internal/store"
	"github.com/modelkiln/modelkiln/pkg/models"
	"github.com/rs/zerolog/log"
)

// DriftThreshold is the accuracy drop, in percentage points, beyond
// which drift is flagged.
const DriftThreshold = 5.0

// Default window sizes.
const (
	DefaultMetricsWindow = 30 * 24 * time.Hour
	DefaultDriftDays     = 7
	DefaultTrendDays     = 30
)

// Monitor computes performance metrics over the prediction log.
type Monitor struct {
	store store.PredictionLogStore

	// updateMu serializes ground-truth read-modify-write cycles so
	// concurrent labeling of the same prediction cannot lose updates.
	updateMu sync.Mutex

	now func() time.Time
}

// New creates a performance monitor over the given log store.
func New(s store.PredictionLogStore) *Monitor {
	return &Monitor{store: s, now: time.Now}
}

// LogPrediction appends an immutable prediction log row.
func (m *Monitor) LogPrediction(ctx context.Context, entry *models.PredictionLog) error {
	if entry.ID == "" {
		return models.Validation("prediction log requires an id")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now().UTC()
	}
	entry.UpdatedAt = entry.CreatedAt
	return m.store.CreatePredictionLog(ctx, entry)
}

// GetMetrics computes windowed metrics for a model. Zero start/end
// default to the trailing 30 days. Accuracy, precision and recall are
// computed only over labeled rows and macro-averaged across observed
// ground-truth classes; they stay nil when no labels exist.
func (m *Monitor) GetMetrics(ctx context.Context, modelID string, start, end time.Time) (*models.Metrics, error) {
	if end.IsZero() {
		end = m.now().UTC()
	}
	if start.IsZero() {
		start = end.Add(-DefaultMetricsWindow)
	}

	logs, err := m.store.ListPredictionLogs(ctx, modelID, start, end)
	if err != nil {
		return nil, err
	}

	metrics := &models.Metrics{ModelID: modelID, Start: start, End: end, Count: len(logs)}
	if len(logs) == 0 {
		return metrics, nil
	}

	var latencySum float64
	for _, entry := range logs {
		latencySum += entry.LatencyMs
	}
	metrics.AvgLatencyMs = latencySum / float64(len(logs))

	windowMs := float64(end.Sub(start).Milliseconds())
	if windowMs > 0 {
		metrics.Throughput = float64(len(logs)) / windowMs * 1000.0
	}

	labeled := labeledLogs(logs)
	metrics.LabeledCount = len(labeled)
	if len(labeled) == 0 {
		return metrics, nil
	}

	var correct int
	for _, entry := range labeled {
		if entry.Correct != nil && *entry.Correct {
			correct++
		}
	}
	accuracy := float64(correct) / float64(len(labeled)) * 100.0
	precision, recall := macroPrecisionRecall(labeled)

	metrics.Accuracy = &accuracy
	metrics.Precision = &precision
	metrics.Recall = &recall
	return metrics, nil
}

func labeledLogs(logs []models.PredictionLog) []models.PredictionLog {
	var out []models.PredictionLog
	for _, entry := range logs {
		if entry.ActualLabel != nil {
			out = append(out, entry)
		}
	}
	return out
}

// macroPrecisionRecall computes unweighted mean precision and recall
// across the distinct ground-truth classes observed in the labeled
// rows. Per class each metric is 0 when its denominator is 0. Returned
// values are percentages in [0,100].
func macroPrecisionRecall(labeled []models.PredictionLog) (precision, recall float64) {
	classes := map[string]struct{}{}
	for _, entry := range labeled {
		classes[labelKey(entry.ActualLabel)] = struct{}{}
	}
	if len(classes) == 0 {
		return 0, 0
	}

	var precSum, recSum float64
	for class := range classes {
		var tp, fp, fn int
		for _, entry := range labeled {
			predicted := labelKey(entry.Prediction) == class
			actual := labelKey(entry.ActualLabel) == class
			switch {
			case predicted && actual:
				tp++
			case predicted && !actual:
				fp++
			case !predicted && actual:
				fn++
			}
		}
		if tp+fp > 0 {
			precSum += float64(tp) / float64(tp+fp)
		}
		if tp+fn > 0 {
			recSum += float64(tp) / float64(tp+fn)
		}
	}

	n := float64(len(classes))
	return precSum / n * 100.0, recSum / n * 100.0
}

// DetectDrift compares accuracy across the trailing windowDays window
// and the immediately preceding window of equal length. Drift is
// flagged when historical accuracy exceeds recent accuracy by more
// than the fixed threshold. When either window lacks labeled data the
// report is returned unevaluated instead of a drift verdict.
func (m *Monitor) DetectDrift(ctx context.Context, modelID string, windowDays int) (*models.DriftReport, error) {
	if windowDays <= 0 {
		windowDays = DefaultDriftDays
	}
	window := time.Duration(windowDays) * 24 * time.Hour

	now := m.now().UTC()
	recentWindow := models.Window{Start: now.Add(-window), End: now}
	historicalWindow := models.Window{Start: now.Add(-2 * window), End: now.Add(-window)}

	recent, err := m.GetMetrics(ctx, modelID, recentWindow.Start, recentWindow.End)
	if err != nil {
		return nil, err
	}
	historical, err := m.GetMetrics(ctx, modelID, historicalWindow.Start, historicalWindow.End)
	if err != nil {
		return nil, err
	}

	report := &models.DriftReport{
		ModelID:          modelID,
		Threshold:        DriftThreshold,
		RecentWindow:     recentWindow,
		HistoricalWindow: historicalWindow,
	}

	if recent.Accuracy == nil || historical.Accuracy == nil {
		report.Reason = "insufficient labeled data in one or both windows"
		report.Recommendation = "collect ground-truth labels before evaluating drift"
		return report, nil
	}

	report.Evaluated = true
	report.RecentAccuracy = *recent.Accuracy
	report.HistoricalAccuracy = *historical.Accuracy
	report.AccuracyDrop = report.HistoricalAccuracy - report.RecentAccuracy
	report.DriftDetected = report.AccuracyDrop > DriftThreshold

	if report.DriftDetected {
		report.Recommendation = fmt.Sprintf(
			"accuracy dropped %.1f points over the last %d days; consider retraining or rolling back",
			report.AccuracyDrop, windowDays)
		log.Warn().
			Str("model_id", modelID).
			Float64("recent_accuracy", report.RecentAccuracy).
			Float64("historical_accuracy", report.HistoricalAccuracy).
			Msg("Model drift detected")
	} else {
		report.Recommendation = "no action needed"
	}
	return report, nil
}

// UpdateGroundTruth attaches the actual label to a prediction and
// derives its correctness flag.
func (m *Monitor) UpdateGroundTruth(ctx context.Context, predictionID string, actual any) (bool, error) {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	entry, err := m.store.GetPredictionLog(ctx, predictionID)
	if err != nil {
		return false, err
	}

	correct := valuesEqual(entry.Prediction, actual)
	entry.ActualLabel = actual
	entry.Correct = &correct
	entry.UpdatedAt = m.now().UTC()

	if err := m.store.UpdatePredictionLog(ctx, entry); err != nil {
		return false, err
	}
	return correct, nil
}

// GetPerformanceTrends aggregates the trailing days into daily buckets,
// ascending by date.
func (m *Monitor) GetPerformanceTrends(ctx context.Context, modelID string, days int) ([]models.TrendPoint, error) {
	if days <= 0 {
		days = DefaultTrendDays
	}

	end := m.now().UTC()
	start := end.Add(-time.Duration(days) * 24 * time.Hour)
	logs, err := m.store.ListPredictionLogs(ctx, modelID, start, end)
	if err != nil {
		return nil, err
	}

	type bucket struct {
		count      int
		confidence float64
		latency    float64
	}
	buckets := map[string]*bucket{}
	for _, entry := range logs {
		date := entry.CreatedAt.UTC().Format("2006-01-02")
		b, ok := buckets[date]
		if !ok {
			b = &bucket{}
			buckets[date] = b
		}
		b.count++
		b.confidence += entry.Confidence
		b.latency += entry.LatencyMs
	}

	out := make([]models.TrendPoint, 0, len(buckets))
	for date, b := range buckets {
		out = append(out, models.TrendPoint{
			Date:                date,
			Count:               b.count,
			AvgConfidence:       b.confidence / float64(b.count),
			AvgProcessingTimeMs: b.latency / float64(b.count),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// labelKey normalizes a prediction or label into a class key.
func labelKey(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// valuesEqual compares a prediction against a ground-truth label under
// the domain's equality: numeric when both sides are numeric, string
// otherwise, with deep equality for structured values.
func valuesEqual(prediction, actual any) bool {
	fp, okP := toFloat(prediction)
	fa, okA := toFloat(actual)
	if okP && okA {
		return fp == fa
	}
	sp, okP := prediction.(string)
	sa, okA := actual.(string)
	if okP && okA {
		return sp == sa
	}
	return reflect.DeepEqual(prediction, actual)
}

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
