package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/modelkiln/modelkiln/pkg/models"
	"github.com/rs/zerolog/log"
)

// PostgresStore implements Store using PostgreSQL with JSONB documents.
// Connection URL comes from DATABASE_URL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and runs the store migration.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS mk_models (
			id         TEXT PRIMARY KEY,
			doc        JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS mk_transform_params (
			model_id TEXT PRIMARY KEY,
			doc      JSONB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS mk_prediction_logs (
			id         TEXT PRIMARY KEY,
			model_id   TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			doc        JSONB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_mk_logs_model_time
			ON mk_prediction_logs (model_id, created_at);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── Model Store ─────────────────────────────────────────────

func (s *PostgresStore) CreateModel(ctx context.Context, model *models.Model) error {
	doc, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("marshal model: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO mk_models (id, doc, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`,
		model.ID, doc, model.UpdatedAt)
	return err
}

func (s *PostgresStore) GetModel(ctx context.Context, id string) (*models.Model, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM mk_models WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NotFound("model", id)
	}
	if err != nil {
		return nil, err
	}
	var model models.Model
	if err := json.Unmarshal(doc, &model); err != nil {
		return nil, fmt.Errorf("unmarshal model %s: %w", id, err)
	}
	return &model, nil
}

func (s *PostgresStore) ListModels(ctx context.Context, filter models.ModelFilter) ([]models.ModelSummary, error) {
	query := `SELECT doc FROM mk_models WHERE 1=1`
	var args []any
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += fmt.Sprintf(` AND doc->>'type' = $%d`, len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND doc->>'status' = $%d`, len(args))
	}
	if len(filter.Tags) > 0 {
		// Set-membership: match when any requested tag is present.
		args = append(args, filter.Tags)
		query += fmt.Sprintf(` AND doc->'tags' ?| $%d`, len(args))
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.ModelSummary{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var model models.Model
		if err := json.Unmarshal(doc, &model); err != nil {
			return nil, fmt.Errorf("unmarshal model: %w", err)
		}
		out = append(out, models.ModelSummary{
			ID:             model.ID,
			Name:           model.Name,
			Type:           model.Type,
			Format:         model.Format,
			Status:         model.Status,
			CurrentVersion: model.CurrentVersion,
			Tags:           model.Tags,
			UpdatedAt:      model.UpdatedAt,
		})
	}
	return out, rows.Err()
}

func (s *PostgresStore) ReplaceModel(ctx context.Context, model *models.Model) error {
	doc, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("marshal model: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE mk_models SET doc = $2, updated_at = $3 WHERE id = $1`,
		model.ID, doc, model.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.NotFound("model", model.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteModel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM mk_models WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.NotFound("model", id)
	}
	return nil
}

// ── Transform Params Store ──────────────────────────────────

func (s *PostgresStore) UpsertTransformParams(ctx context.Context, params *models.TransformParams) error {
	doc, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal transform params: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO mk_transform_params (model_id, doc) VALUES ($1, $2)
		ON CONFLICT (model_id) DO UPDATE SET doc = EXCLUDED.doc`,
		params.ModelID, doc)
	return err
}

func (s *PostgresStore) GetTransformParams(ctx context.Context, modelID string) (*models.TransformParams, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM mk_transform_params WHERE model_id = $1`, modelID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // absence is not an error
	}
	if err != nil {
		return nil, err
	}
	var params models.TransformParams
	if err := json.Unmarshal(doc, &params); err != nil {
		return nil, fmt.Errorf("unmarshal transform params %s: %w", modelID, err)
	}
	return &params, nil
}

func (s *PostgresStore) DeleteTransformParams(ctx context.Context, modelID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM mk_transform_params WHERE model_id = $1`, modelID)
	return err
}

// ── Prediction Log Store ────────────────────────────────────

func (s *PostgresStore) CreatePredictionLog(ctx context.Context, entry *models.PredictionLog) error {
	doc, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal prediction log: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO mk_prediction_logs (id, model_id, created_at, doc) VALUES ($1, $2, $3, $4)`,
		entry.ID, entry.ModelID, entry.CreatedAt, doc)
	return err
}

func (s *PostgresStore) GetPredictionLog(ctx context.Context, id string) (*models.PredictionLog, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM mk_prediction_logs WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NotFound("prediction", id)
	}
	if err != nil {
		return nil, err
	}
	var entry models.PredictionLog
	if err := json.Unmarshal(doc, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal prediction log %s: %w", id, err)
	}
	return &entry, nil
}

func (s *PostgresStore) UpdatePredictionLog(ctx context.Context, entry *models.PredictionLog) error {
	doc, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal prediction log: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE mk_prediction_logs SET doc = $2 WHERE id = $1`, entry.ID, doc)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.NotFound("prediction", entry.ID)
	}
	return nil
}

func (s *PostgresStore) ListPredictionLogs(ctx context.Context, modelID string, start, end time.Time) ([]models.PredictionLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM mk_prediction_logs
		WHERE model_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at ASC`,
		modelID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PredictionLog
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var entry models.PredictionLog
		if err := json.Unmarshal(doc, &entry); err != nil {
			return nil, fmt.Errorf("unmarshal prediction log: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeletePredictionLogs(ctx context.Context, modelID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM mk_prediction_logs WHERE model_id = $1`, modelID)
	return err
}
