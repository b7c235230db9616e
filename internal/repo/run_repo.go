package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shaiso/vgap/internal/domain"
)

const runColumns = `
	id, code, name, mode, status, cancel_requested, config, config_frozen_at,
	error, lease_owner, lease_expires_at, created_at, started_at, finished_at`

const sampleColumns = `
	id, run_id, name, position, r1, r2, status, stage_index, current_stage,
	failed_stage, metrics, artifacts, error, updated_at`

// CreateRun создаёт run вместе с samples.
func (s *PGStore) CreateRun(ctx context.Context, run *domain.Run) error {
	configJSON, err := marshalJSON("config", run.Config)
	if err != nil {
		return err
	}
	errJSON, err := errorJSON(run.Error)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		query := `
			INSERT INTO runs (id, code, name, mode, status, cancel_requested, config,
			                  config_frozen_at, error, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`
		_, err := tx.Exec(ctx, query,
			run.ID,
			run.Code,
			run.Name,
			run.Mode,
			run.Status,
			run.CancelRequested,
			configJSON,
			run.ConfigFrozenAt,
			errJSON,
			run.CreatedAt,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: run %s", ErrAlreadyExists, run.ID)
		}
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		for i := range run.Samples {
			if err := insertSample(ctx, tx, &run.Samples[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertSample(ctx context.Context, q querier, sm *domain.Sample) error {
	metricsJSON, err := marshalJSON("metrics", nonNilMetrics(sm.Metrics))
	if err != nil {
		return err
	}
	artifactsJSON, err := marshalJSON("artifacts", nonNilArtifacts(sm.Artifacts))
	if err != nil {
		return err
	}
	errJSON, err := errorJSON(sm.Error)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO samples (id, run_id, name, position, r1, r2, status, stage_index,
		                     current_stage, failed_stage, metrics, artifacts, error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = q.Exec(ctx, query,
		sm.ID,
		sm.RunID,
		sm.Name,
		sm.Position,
		sm.R1,
		nullString(sm.R2),
		sm.Status,
		sm.StageIndex,
		nullString(string(sm.CurrentStage)),
		nullString(string(sm.FailedStage)),
		metricsJSON,
		artifactsJSON,
		errJSON,
		sm.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: sample %s", ErrAlreadyExists, sm.Name)
	}
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// GetRun возвращает run с samples.
func (s *PGStore) GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	run, err := scanRun(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	run.Samples, err = listSamples(ctx, s.pool, id, false)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns возвращает страницу runs с фильтрацией.
func (s *PGStore) ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, int, error) {
	filter = normalizeFilter(filter)
	status := nullString(string(filter.Status))

	var total int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM runs WHERE ($1::text IS NULL OR status = $1)`,
		status,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`
	rows, err := s.pool.Query(ctx, query, status, filter.Limit, filter.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, *run)
	}
	return runs, total, rows.Err()
}

// UpdateRun выполняет read-modify-write run под блокировкой строки.
// Сохраняются только изменившиеся samples.
func (s *PGStore) UpdateRun(ctx context.Context, id uuid.UUID, fn func(run *domain.Run) error) (*domain.Run, error) {
	var updated *domain.Run
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1 FOR UPDATE`
		run, err := scanRun(tx.QueryRow(ctx, query, id))
		if err != nil {
			return err
		}
		run.Samples, err = listSamples(ctx, tx, id, true)
		if err != nil {
			return err
		}

		before := make(map[uuid.UUID][]byte, len(run.Samples))
		for i := range run.Samples {
			data, _ := json.Marshal(&run.Samples[i])
			before[run.Samples[i].ID] = data
		}

		if err := fn(run); err != nil {
			return err
		}
		run.ID = id

		if err := updateRunRow(ctx, tx, run); err != nil {
			return err
		}
		for i := range run.Samples {
			data, _ := json.Marshal(&run.Samples[i])
			if bytes.Equal(before[run.Samples[i].ID], data) {
				continue
			}
			if err := updateSampleRow(ctx, tx, &run.Samples[i]); err != nil {
				return err
			}
		}
		updated = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func updateRunRow(ctx context.Context, q querier, run *domain.Run) error {
	configJSON, err := marshalJSON("config", run.Config)
	if err != nil {
		return err
	}
	errJSON, err := errorJSON(run.Error)
	if err != nil {
		return err
	}

	query := `
		UPDATE runs
		SET name = $2, status = $3, cancel_requested = $4, config = $5,
		    config_frozen_at = $6, error = $7, lease_owner = $8, lease_expires_at = $9,
		    started_at = $10, finished_at = $11
		WHERE id = $1
	`
	result, err := q.Exec(ctx, query,
		run.ID,
		run.Name,
		run.Status,
		run.CancelRequested,
		configJSON,
		run.ConfigFrozenAt,
		errJSON,
		nullString(run.LeaseOwner),
		run.LeaseExpiresAt,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSampleStatus применяет обновление sample под блокировкой строки sample.
func (s *PGStore) UpdateSampleStatus(ctx context.Context, update domain.SampleUpdate) (*domain.Sample, error) {
	var updated *domain.Sample
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		sm, err := lockSample(ctx, tx, update.SampleID)
		if err != nil {
			return err
		}
		if !update.Apply(sm, time.Now()) {
			return ErrStaleUpdate
		}
		if err := updateSampleRow(ctx, tx, sm); err != nil {
			return err
		}
		updated = sm
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func lockSample(ctx context.Context, q querier, id uuid.UUID) (*domain.Sample, error) {
	query := `SELECT ` + sampleColumns + ` FROM samples WHERE id = $1 FOR UPDATE`
	sm, err := scanSample(q.QueryRow(ctx, query, id))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: sample %s", ErrNotFound, id)
	}
	return sm, err
}

func updateSampleRow(ctx context.Context, q querier, sm *domain.Sample) error {
	metricsJSON, err := marshalJSON("metrics", nonNilMetrics(sm.Metrics))
	if err != nil {
		return err
	}
	artifactsJSON, err := marshalJSON("artifacts", nonNilArtifacts(sm.Artifacts))
	if err != nil {
		return err
	}
	errJSON, err := errorJSON(sm.Error)
	if err != nil {
		return err
	}

	query := `
		UPDATE samples
		SET status = $2, stage_index = $3, current_stage = $4, failed_stage = $5,
		    metrics = $6, artifacts = $7, error = $8, updated_at = $9
		WHERE id = $1
	`
	result, err := q.Exec(ctx, query,
		sm.ID,
		sm.Status,
		sm.StageIndex,
		nullString(string(sm.CurrentStage)),
		nullString(string(sm.FailedStage)),
		metricsJSON,
		artifactsJSON,
		errJSON,
		sm.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update sample: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: sample %s", ErrNotFound, sm.ID)
	}
	return nil
}

func listSamples(ctx context.Context, q querier, runID uuid.UUID, forUpdate bool) ([]domain.Sample, error) {
	query := `SELECT ` + sampleColumns + ` FROM samples WHERE run_id = $1 ORDER BY position`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	defer rows.Close()

	var samples []domain.Sample
	for rows.Next() {
		sm, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, *sm)
	}
	return samples, rows.Err()
}

// --- Leases ---

// ClaimRun берёт аренду на ведение run, если текущая истекла.
func (s *PGStore) ClaimRun(ctx context.Context, runID uuid.UUID, owner string, ttl time.Duration) (*domain.Run, error) {
	now := time.Now()
	query := `
		UPDATE runs
		SET lease_owner = $2, lease_expires_at = $3
		WHERE id = $1
		  AND status IN ('queued', 'running')
		  AND (lease_expires_at IS NULL OR lease_expires_at <= $4)
		RETURNING ` + runColumns

	run, err := scanRun(s.pool.QueryRow(ctx, query, runID, owner, now.Add(ttl), now))
	if errors.Is(err, ErrNotFound) {
		return nil, s.claimFailure(ctx, runID)
	}
	if err != nil {
		return nil, err
	}
	run.Samples, err = listSamples(ctx, s.pool, runID, false)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// claimFailure объясняет, почему аренда не взята.
func (s *PGStore) claimFailure(ctx context.Context, runID uuid.UUID) error {
	var status domain.RunStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, runID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get run status: %w", err)
	}
	if !status.IsActive() {
		return fmt.Errorf("%w: run is %s", ErrInvalidState, status)
	}
	return ErrLeaseHeld
}

// RenewLease продлевает аренду owner'а.
func (s *PGStore) RenewLease(ctx context.Context, runID uuid.UUID, owner string, ttl time.Duration) error {
	result, err := s.pool.Exec(ctx,
		`UPDATE runs SET lease_expires_at = $3 WHERE id = $1 AND lease_owner = $2`,
		runID, owner, time.Now().Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// ReleaseRun снимает аренду owner'а.
func (s *PGStore) ReleaseRun(ctx context.Context, runID uuid.UUID, owner string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runs SET lease_owner = NULL, lease_expires_at = NULL WHERE id = $1 AND lease_owner = $2`,
		runID, owner,
	)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// ListClaimable возвращает активные runs без действующей аренды.
func (s *PGStore) ListClaimable(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id
		FROM runs
		WHERE status IN ('queued', 'running')
		  AND (lease_expires_at IS NULL OR lease_expires_at <= $1)
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, now, nullLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list claimable runs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PurgeRuns удаляет терминальные runs, завершённые до before.
// Зависимые записи удаляются каскадно.
func (s *PGStore) PurgeRuns(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		DELETE FROM runs
		WHERE id IN (
			SELECT id FROM runs
			WHERE status IN ('completed', 'failed', 'cancelled')
			  AND finished_at < $1
			ORDER BY finished_at
			LIMIT $2
		)
		RETURNING id
	`
	rows, err := s.pool.Query(ctx, query, before, nullLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("purge runs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Helpers ---

// scanRun сканирует одну строку в Run (без samples).
func scanRun(row pgx.Row) (*domain.Run, error) {
	var run domain.Run
	var configJSON, errJSON []byte
	var leaseOwner *string

	err := row.Scan(
		&run.ID,
		&run.Code,
		&run.Name,
		&run.Mode,
		&run.Status,
		&run.CancelRequested,
		&configJSON,
		&run.ConfigFrozenAt,
		&errJSON,
		&leaseOwner,
		&run.LeaseExpiresAt,
		&run.CreatedAt,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if err := unmarshalJSON("config", configJSON, &run.Config); err != nil {
		return nil, err
	}
	if run.Error, err = unmarshalError(errJSON); err != nil {
		return nil, err
	}
	run.LeaseOwner = deref(leaseOwner)
	return &run, nil
}

// scanSample сканирует одну строку в Sample.
func scanSample(row pgx.Row) (*domain.Sample, error) {
	var sm domain.Sample
	var r2, currentStage, failedStage *string
	var metricsJSON, artifactsJSON, errJSON []byte

	err := row.Scan(
		&sm.ID,
		&sm.RunID,
		&sm.Name,
		&sm.Position,
		&sm.R1,
		&r2,
		&sm.Status,
		&sm.StageIndex,
		&currentStage,
		&failedStage,
		&metricsJSON,
		&artifactsJSON,
		&errJSON,
		&sm.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan sample: %w", err)
	}

	sm.R2 = deref(r2)
	sm.CurrentStage = domain.StageKind(deref(currentStage))
	sm.FailedStage = domain.StageKind(deref(failedStage))
	if err := unmarshalJSON("metrics", metricsJSON, &sm.Metrics); err != nil {
		return nil, err
	}
	if err := unmarshalJSON("artifacts", artifactsJSON, &sm.Artifacts); err != nil {
		return nil, err
	}
	if sm.Error, err = unmarshalError(errJSON); err != nil {
		return nil, err
	}
	return &sm, nil
}

func nonNilMetrics(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilArtifacts(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// nullLimit превращает 0 в NULL (LIMIT NULL — без ограничения).
func nullLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
