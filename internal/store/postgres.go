package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/helix-bio/recalibra/internal/api"
)

// PostgresStore implements Repository on Postgres.
//
// Write-once semantics for records rely on a unique constraint plus
// ON CONFLICT DO NOTHING, so re-ingesting the same batch is harmless.
//
// Schema:
//
//	CREATE TABLE predictions (
//	  entity_id VARCHAR(255) NOT NULL,
//	  model_id VARCHAR(255) NOT NULL,
//	  predicted DOUBLE PRECISION NOT NULL,
//	  confidence DOUBLE PRECISION,
//	  context JSONB,
//	  produced_at TIMESTAMPTZ NOT NULL,
//	  PRIMARY KEY (model_id, entity_id, produced_at)
//	);
//
//	CREATE TABLE observations (
//	  entity_id VARCHAR(255) NOT NULL,
//	  assay_id VARCHAR(255) NOT NULL,
//	  observed DOUBLE PRECISION NOT NULL,
//	  uncertainty DOUBLE PRECISION,
//	  context JSONB,
//	  observed_at TIMESTAMPTZ NOT NULL,
//	  PRIMARY KEY (entity_id, assay_id, observed_at)
//	);
//
//	CREATE TABLE data_versions (
//	  model_id VARCHAR(255) PRIMARY KEY,
//	  version BIGINT NOT NULL DEFAULT 0
//	);
//	-- model_id '*' carries the observation counter shared by all models
//
//	CREATE TABLE drift_checks (
//	  id VARCHAR(255) PRIMARY KEY,
//	  model_id VARCHAR(255) NOT NULL,
//	  checked_at TIMESTAMPTZ NOT NULL,
//	  result JSONB NOT NULL
//	);
//	CREATE INDEX idx_drift_checks_model ON drift_checks(model_id, checked_at DESC);
//
//	CREATE TABLE recalibration_runs (
//	  id VARCHAR(255) PRIMARY KEY,
//	  model_id VARCHAR(255) NOT NULL,
//	  started_at TIMESTAMPTZ NOT NULL,
//	  run JSONB NOT NULL
//	);
//	CREATE INDEX idx_recal_runs_model ON recalibration_runs(model_id, started_at DESC);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// observationVersionKey is the data_versions row shared by every model,
// advanced on observation inserts.
const observationVersionKey = "*"

// NewPostgresStore connects to Postgres and verifies the connection.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) AddPredictions(ctx context.Context, records []api.PredictionRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO predictions (entity_id, model_id, predicted, confidence, context, produced_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (model_id, entity_id, produced_at) DO NOTHING
	`
	models := make(map[string]int64)
	for _, r := range records {
		contextJSON, err := marshalContext(r.Context)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, query, r.EntityID, r.ModelID, r.Predicted, r.Confidence, contextJSON, r.ProducedAt)
		if err != nil {
			return fmt.Errorf("prediction insert failed: %w", err)
		}
		models[r.ModelID] += tag.RowsAffected()
	}

	for modelID, inserted := range models {
		if inserted == 0 {
			continue
		}
		if err := bumpVersion(ctx, tx, modelID, inserted); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (p *PostgresStore) AddObservations(ctx context.Context, records []api.ObservationRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO observations (entity_id, assay_id, observed, uncertainty, context, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (entity_id, assay_id, observed_at) DO NOTHING
	`
	var inserted int64
	for _, r := range records {
		contextJSON, err := marshalContext(r.Context)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, query, r.EntityID, r.AssayID, r.Observed, r.Uncertainty, contextJSON, r.ObservedAt)
		if err != nil {
			return fmt.Errorf("observation insert failed: %w", err)
		}
		inserted += tag.RowsAffected()
	}

	if inserted > 0 {
		if err := bumpVersion(ctx, tx, observationVersionKey, inserted); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (p *PostgresStore) FetchPredictions(ctx context.Context, modelID string, since time.Time) ([]api.PredictionRecord, error) {
	query := `
		SELECT entity_id, model_id, predicted, confidence, context, produced_at
		FROM predictions
		WHERE model_id = $1 AND produced_at >= $2
		ORDER BY produced_at
	`
	if since.IsZero() {
		since = time.Unix(0, 0)
	}

	rows, err := p.pool.Query(ctx, query, modelID, since)
	if err != nil {
		return nil, fmt.Errorf("prediction query failed: %w", err)
	}
	defer rows.Close()

	var out []api.PredictionRecord
	for rows.Next() {
		var r api.PredictionRecord
		var contextJSON []byte
		if err := rows.Scan(&r.EntityID, &r.ModelID, &r.Predicted, &r.Confidence, &contextJSON, &r.ProducedAt); err != nil {
			return nil, fmt.Errorf("prediction scan failed: %w", err)
		}
		if r.Context, err = unmarshalContext(contextJSON); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) FetchObservations(ctx context.Context, entityIDs []string, since time.Time) ([]api.ObservationRecord, error) {
	query := `
		SELECT entity_id, assay_id, observed, uncertainty, context, observed_at
		FROM observations
		WHERE observed_at >= $1 AND ($2::text[] IS NULL OR entity_id = ANY($2))
		ORDER BY observed_at
	`
	if since.IsZero() {
		since = time.Unix(0, 0)
	}

	rows, err := p.pool.Query(ctx, query, since, entityIDs)
	if err != nil {
		return nil, fmt.Errorf("observation query failed: %w", err)
	}
	defer rows.Close()

	var out []api.ObservationRecord
	for rows.Next() {
		var r api.ObservationRecord
		var contextJSON []byte
		if err := rows.Scan(&r.EntityID, &r.AssayID, &r.Observed, &r.Uncertainty, &contextJSON, &r.ObservedAt); err != nil {
			return nil, fmt.Errorf("observation scan failed: %w", err)
		}
		if r.Context, err = unmarshalContext(contextJSON); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DataVersion(ctx context.Context, modelID string) (int64, error) {
	query := `
		SELECT COALESCE(SUM(version), 0)
		FROM data_versions
		WHERE model_id = $1 OR model_id = $2
	`
	var version int64
	if err := p.pool.QueryRow(ctx, query, modelID, observationVersionKey).Scan(&version); err != nil {
		return 0, fmt.Errorf("data version query failed: %w", err)
	}
	return version, nil
}

func (p *PostgresStore) SaveDriftCheck(ctx context.Context, result *api.DriftCheckResult) error {
	if result.ID == "" {
		result.ID = NewID("chk")
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal drift check: %w", err)
	}

	query := `
		INSERT INTO drift_checks (id, model_id, checked_at, result)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := p.pool.Exec(ctx, query, result.ID, result.ModelID, result.CheckedAt, resultJSON); err != nil {
		return fmt.Errorf("drift check insert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListDriftChecks(ctx context.Context, modelID string, limit int) ([]api.DriftCheckResult, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT result
		FROM drift_checks
		WHERE model_id = $1
		ORDER BY checked_at DESC
		LIMIT $2
	`
	rows, err := p.pool.Query(ctx, query, modelID, limit)
	if err != nil {
		return nil, fmt.Errorf("drift check query failed: %w", err)
	}
	defer rows.Close()

	var out []api.DriftCheckResult
	for rows.Next() {
		var resultJSON []byte
		if err := rows.Scan(&resultJSON); err != nil {
			return nil, fmt.Errorf("drift check scan failed: %w", err)
		}
		var r api.DriftCheckResult
		if err := json.Unmarshal(resultJSON, &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal drift check: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveRecalibrationRun(ctx context.Context, run *api.RecalibrationRun) error {
	runJSON, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	// Upsert by ID: status transitions rewrite the same audit row.
	query := `
		INSERT INTO recalibration_runs (id, model_id, started_at, run)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET run = EXCLUDED.run
	`
	if _, err := p.pool.Exec(ctx, query, run.ID, run.ModelID, run.StartedAt, runJSON); err != nil {
		return fmt.Errorf("run upsert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetRecalibrationRun(ctx context.Context, id string) (*api.RecalibrationRun, error) {
	query := `SELECT run FROM recalibration_runs WHERE id = $1`

	var runJSON []byte
	err := p.pool.QueryRow(ctx, query, id).Scan(&runJSON)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("run query failed: %w", err)
	}

	var run api.RecalibrationRun
	if err := json.Unmarshal(runJSON, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}

func (p *PostgresStore) ListRecalibrationRuns(ctx context.Context, modelID string, limit int) ([]api.RecalibrationRun, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT run
		FROM recalibration_runs
		WHERE model_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`
	rows, err := p.pool.Query(ctx, query, modelID, limit)
	if err != nil {
		return nil, fmt.Errorf("run query failed: %w", err)
	}
	defer rows.Close()

	var out []api.RecalibrationRun
	for rows.Next() {
		var runJSON []byte
		if err := rows.Scan(&runJSON); err != nil {
			return nil, fmt.Errorf("run scan failed: %w", err)
		}
		var r api.RecalibrationRun
		if err := json.Unmarshal(runJSON, &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func bumpVersion(ctx context.Context, tx pgx.Tx, modelID string, delta int64) error {
	query := `
		INSERT INTO data_versions (model_id, version)
		VALUES ($1, $2)
		ON CONFLICT (model_id) DO UPDATE SET version = data_versions.version + EXCLUDED.version
	`
	if _, err := tx.Exec(ctx, query, modelID, delta); err != nil {
		return fmt.Errorf("version bump failed: %w", err)
	}
	return nil
}

func marshalContext(ctx map[string]string) ([]byte, error) {
	if ctx == nil {
		return nil, nil
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal context: %w", err)
	}
	return data, nil
}

func unmarshalContext(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context: %w", err)
	}
	return out, nil
}
