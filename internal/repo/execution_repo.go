package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shaiso/vgap/internal/domain"
)

const executionColumns = `
	id, run_id, sample_id, stage, attempt, fingerprint, outcome, failure,
	output_ref, output, error, started_at, finished_at`

// claimRetries — сколько раз повторять захват, если держатель ключа
// завершился между INSERT и SELECT.
const claimRetries = 3

// ClaimExecution захватывает ключ (sample, stage, fingerprint) через
// частичный уникальный индекс ux_stage_executions_key.
func (s *PGStore) ClaimExecution(ctx context.Context, exec *domain.StageExecution) (*domain.StageExecution, bool, error) {
	outputJSON, err := marshalJSON("output", exec.Output)
	if err != nil {
		return nil, false, err
	}
	errJSON, err := errorJSON(exec.Error)
	if err != nil {
		return nil, false, err
	}

	insert := `
		INSERT INTO stage_executions (id, run_id, sample_id, stage, attempt, fingerprint,
		                              outcome, failure, output_ref, output, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (sample_id, stage, fingerprint) WHERE outcome IN ('running', 'succeeded')
		DO NOTHING
	`
	existing := `
		SELECT ` + executionColumns + `
		FROM stage_executions
		WHERE sample_id = $1 AND stage = $2 AND fingerprint = $3
		  AND outcome IN ('running', 'succeeded')
	`

	for i := 0; i < claimRetries; i++ {
		result, err := s.pool.Exec(ctx, insert,
			exec.ID,
			exec.RunID,
			exec.SampleID,
			exec.Stage,
			exec.Attempt,
			exec.Fingerprint,
			exec.Outcome,
			nullString(string(exec.Failure)),
			nullString(exec.OutputRef),
			outputJSON,
			errJSON,
			exec.StartedAt,
			exec.FinishedAt,
		)
		if isUniqueViolation(err) {
			return nil, false, fmt.Errorf("%w: execution %s", ErrAlreadyExists, exec.ID)
		}
		if err != nil {
			return nil, false, fmt.Errorf("insert stage execution: %w", err)
		}
		if result.RowsAffected() == 1 {
			return nil, true, nil
		}

		holder, err := scanExecution(s.pool.QueryRow(ctx, existing, exec.SampleID, exec.Stage, exec.Fingerprint))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return holder, false, nil
	}
	return nil, false, fmt.Errorf("%w: execution key contended", ErrInvalidState)
}

// FindSucceededExecution возвращает успешную попытку с тем же ключом.
func (s *PGStore) FindSucceededExecution(ctx context.Context, sampleID uuid.UUID, stage domain.StageKind, fingerprint string) (*domain.StageExecution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM stage_executions
		WHERE sample_id = $1 AND stage = $2 AND fingerprint = $3 AND outcome = 'succeeded'
	`
	return scanExecution(s.pool.QueryRow(ctx, query, sampleID, stage, fingerprint))
}

// RecordStageExecution в одной транзакции закрывает попытку,
// применяет обновление sample и добавляет provenance.
func (s *PGStore) RecordStageExecution(ctx context.Context, rec StageRecord) (bool, error) {
	exec := rec.Execution
	if exec == nil || !exec.Outcome.IsTerminal() {
		return false, fmt.Errorf("%w: execution must be finished", ErrInvalidState)
	}

	applied := true
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := upsertExecution(ctx, tx, exec); err != nil {
			return err
		}

		if rec.Sample != nil {
			sm, err := lockSample(ctx, tx, rec.Sample.SampleID)
			if err != nil {
				return err
			}
			applied = rec.Sample.Apply(sm, time.Now())
			if applied {
				if err := updateSampleRow(ctx, tx, sm); err != nil {
					return err
				}
			}
		}

		if rec.Provenance != nil {
			rec.Provenance.RunID = exec.RunID
			if err := insertProvenance(ctx, tx, rec.Provenance); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func upsertExecution(ctx context.Context, q querier, exec *domain.StageExecution) error {
	outputJSON, err := marshalJSON("output", exec.Output)
	if err != nil {
		return err
	}
	errJSON, err := errorJSON(exec.Error)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO stage_executions (id, run_id, sample_id, stage, attempt, fingerprint,
		                              outcome, failure, output_ref, output, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE
		SET outcome = EXCLUDED.outcome, failure = EXCLUDED.failure,
		    output_ref = EXCLUDED.output_ref, output = EXCLUDED.output,
		    error = EXCLUDED.error, finished_at = EXCLUDED.finished_at
	`
	_, err = q.Exec(ctx, query,
		exec.ID,
		exec.RunID,
		exec.SampleID,
		exec.Stage,
		exec.Attempt,
		exec.Fingerprint,
		exec.Outcome,
		nullString(string(exec.Failure)),
		nullString(exec.OutputRef),
		outputJSON,
		errJSON,
		exec.StartedAt,
		exec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record stage execution: %w", err)
	}
	return nil
}

// ListExecutions возвращает все попытки run.
func (s *PGStore) ListExecutions(ctx context.Context, runID uuid.UUID) ([]domain.StageExecution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM stage_executions
		WHERE run_id = $1
		ORDER BY started_at ASC, attempt ASC
	`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list stage executions: %w", err)
	}
	defer rows.Close()

	var execs []domain.StageExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, *exec)
	}
	return execs, rows.Err()
}

// AbandonRunningExecutions закрывает зависшие running попытки как transient failure.
func (s *PGStore) AbandonRunningExecutions(ctx context.Context, runID uuid.UUID, detail *domain.ErrorDetail) (int, error) {
	errJSON, err := errorJSON(detail)
	if err != nil {
		return 0, err
	}
	query := `
		UPDATE stage_executions
		SET outcome = 'failed', failure = 'transient', error = $2, finished_at = $3
		WHERE run_id = $1 AND outcome = 'running'
	`
	result, err := s.pool.Exec(ctx, query, runID, errJSON, time.Now())
	if err != nil {
		return 0, fmt.Errorf("abandon stage executions: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// scanExecution сканирует одну строку в StageExecution.
func scanExecution(row pgx.Row) (*domain.StageExecution, error) {
	var exec domain.StageExecution
	var failure, outputRef *string
	var outputJSON, errJSON []byte

	err := row.Scan(
		&exec.ID,
		&exec.RunID,
		&exec.SampleID,
		&exec.Stage,
		&exec.Attempt,
		&exec.Fingerprint,
		&exec.Outcome,
		&failure,
		&outputRef,
		&outputJSON,
		&errJSON,
		&exec.StartedAt,
		&exec.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan stage execution: %w", err)
	}

	exec.Failure = domain.FailureKind(deref(failure))
	exec.OutputRef = deref(outputRef)
	if len(outputJSON) > 0 && string(outputJSON) != "null" {
		exec.Output = &domain.StageOutput{}
		if err := unmarshalJSON("output", outputJSON, exec.Output); err != nil {
			return nil, err
		}
	}
	if exec.Error, err = unmarshalError(errJSON); err != nil {
		return nil, err
	}
	return &exec, nil
}
