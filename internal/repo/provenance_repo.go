package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/vgap/internal/domain"
)

// AppendProvenance добавляет запись provenance.
//
// Seq берётся из глобальной последовательности: внутри run номера
// строго возрастают, но могут идти с пропусками.
func (s *PGStore) AppendProvenance(ctx context.Context, entry *domain.ProvenanceEntry) error {
	return insertProvenance(ctx, s.pool, entry)
}

func insertProvenance(ctx context.Context, q querier, entry *domain.ProvenanceEntry) error {
	entry.RecordedAt = time.Now().UTC().Truncate(time.Microsecond)
	entryJSON, err := marshalJSON("provenance", entry)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO provenance (run_id, execution_id, sample_id, entry, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq
	`
	err = q.QueryRow(ctx, query,
		entry.RunID,
		nullUUID(entry.ExecutionID),
		nullUUID(entry.SampleID),
		entryJSON,
		entry.RecordedAt,
	).Scan(&entry.Seq)
	if err != nil {
		return fmt.Errorf("insert provenance: %w", err)
	}
	return nil
}

// ListProvenance возвращает записи run в порядке Seq.
func (s *PGStore) ListProvenance(ctx context.Context, runID uuid.UUID) ([]domain.ProvenanceEntry, error) {
	query := `
		SELECT seq, entry, recorded_at
		FROM provenance
		WHERE run_id = $1
		ORDER BY seq ASC
	`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list provenance: %w", err)
	}
	defer rows.Close()

	entries := []domain.ProvenanceEntry{}
	for rows.Next() {
		var (
			seq        int64
			entryJSON  []byte
			recordedAt time.Time
			entry      domain.ProvenanceEntry
		)
		if err := rows.Scan(&seq, &entryJSON, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan provenance: %w", err)
		}
		if err := unmarshalJSON("provenance", entryJSON, &entry); err != nil {
			return nil, err
		}
		entry.RunID = runID
		entry.Seq = seq
		entry.RecordedAt = recordedAt
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
