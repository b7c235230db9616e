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

const reportColumns = `id, run_id, format, generated_at, location, content_type, size, checksum`

// CreateReport сохраняет запись отчёта.
//
// Строка run блокируется, поэтому параллельные генерации для одного run
// получают строго возрастающие GeneratedAt.
func (s *PGStore) CreateReport(ctx context.Context, artifact *domain.ReportArtifact, fill func(*domain.ReportArtifact) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var id uuid.UUID
		err := tx.QueryRow(ctx, `SELECT id FROM runs WHERE id = $1 FOR UPDATE`, artifact.RunID).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: run %s", ErrNotFound, artifact.RunID)
		}
		if err != nil {
			return fmt.Errorf("lock run: %w", err)
		}

		var last *time.Time
		err = tx.QueryRow(ctx, `SELECT max(generated_at) FROM reports WHERE run_id = $1`, artifact.RunID).Scan(&last)
		if err != nil {
			return fmt.Errorf("last report time: %w", err)
		}
		var lastAt time.Time
		if last != nil {
			lastAt = *last
		}
		artifact.GeneratedAt = nextReportTime(artifact.GeneratedAt, lastAt)
		if fill != nil {
			if err := fill(artifact); err != nil {
				return err
			}
		}

		query := `
			INSERT INTO reports (` + reportColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`
		_, err = tx.Exec(ctx, query,
			artifact.ID,
			artifact.RunID,
			artifact.Format,
			artifact.GeneratedAt,
			artifact.Location,
			artifact.ContentType,
			artifact.Size,
			artifact.Checksum,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: report %s", ErrAlreadyExists, artifact.ID)
		}
		if err != nil {
			return fmt.Errorf("insert report: %w", err)
		}
		return nil
	})
}

// GetReport возвращает отчёт run.
func (s *PGStore) GetReport(ctx context.Context, runID, reportID uuid.UUID) (*domain.ReportArtifact, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE run_id = $1 AND id = $2`
	return scanReport(s.pool.QueryRow(ctx, query, runID, reportID))
}

// ListReports возвращает отчёты run в порядке генерации.
func (s *PGStore) ListReports(ctx context.Context, runID uuid.UUID) ([]domain.ReportArtifact, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE run_id = $1 ORDER BY generated_at ASC`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	reports := []domain.ReportArtifact{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, *r)
	}
	return reports, rows.Err()
}

func scanReport(row pgx.Row) (*domain.ReportArtifact, error) {
	var r domain.ReportArtifact
	err := row.Scan(
		&r.ID,
		&r.RunID,
		&r.Format,
		&r.GeneratedAt,
		&r.Location,
		&r.ContentType,
		&r.Size,
		&r.Checksum,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan report: %w", err)
	}
	return &r, nil
}
