package repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/vgap/internal/domain"
)

// Store — Run State Store: единственный источник истины о runs,
// samples, stage executions, provenance и отчётах.
//
// Все мутации транзакционны. Реализации: PGStore (PostgreSQL) и MemStore.
type Store interface {
	// CreateRun сохраняет run вместе с samples.
	CreateRun(ctx context.Context, run *domain.Run) error

	// GetRun возвращает run с samples в порядке Position.
	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)

	// ListRuns возвращает страницу runs (без samples) и общее число под фильтр.
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, int, error)

	// UpdateRun выполняет read-modify-write run в одной транзакции.
	// fn получает run с samples; изменения run и samples сохраняются,
	// если fn не вернула ошибку.
	UpdateRun(ctx context.Context, id uuid.UUID, fn func(run *domain.Run) error) (*domain.Run, error)

	// UpdateSampleStatus применяет обновление sample с проверкой порядка stages.
	// Возвращает ErrStaleUpdate, если обновление устарело.
	UpdateSampleStatus(ctx context.Context, update domain.SampleUpdate) (*domain.Sample, error)

	// ClaimExecution сохраняет попытку в статусе running, если для
	// (sample, stage, fingerprint) нет running или succeeded попытки.
	// Иначе возвращает существующую попытку и claimed=false.
	ClaimExecution(ctx context.Context, exec *domain.StageExecution) (existing *domain.StageExecution, claimed bool, err error)

	// FindSucceededExecution возвращает успешную попытку с тем же ключом.
	FindSucceededExecution(ctx context.Context, sampleID uuid.UUID, stage domain.StageKind, fingerprint string) (*domain.StageExecution, error)

	// RecordStageExecution атомарно закрывает попытку, применяет обновление
	// sample и добавляет запись provenance.
	// applied=false означает, что обновление sample устарело и отброшено
	// (попытка и provenance при этом записаны).
	RecordStageExecution(ctx context.Context, rec StageRecord) (applied bool, err error)

	// ListExecutions возвращает попытки run в порядке начала.
	ListExecutions(ctx context.Context, runID uuid.UUID) ([]domain.StageExecution, error)

	// AbandonRunningExecutions закрывает зависшие running попытки run
	// как transient failure. Используется при восстановлении после падения.
	AbandonRunningExecutions(ctx context.Context, runID uuid.UUID, detail *domain.ErrorDetail) (int, error)

	// ClaimRun берёт аренду на ведение run. ErrLeaseHeld, если аренда действует.
	ClaimRun(ctx context.Context, runID uuid.UUID, owner string, ttl time.Duration) (*domain.Run, error)

	// RenewLease продлевает аренду. ErrLeaseHeld, если аренда потеряна.
	RenewLease(ctx context.Context, runID uuid.UUID, owner string, ttl time.Duration) error

	// ReleaseRun снимает аренду owner'а.
	ReleaseRun(ctx context.Context, runID uuid.UUID, owner string) error

	// ListClaimable возвращает активные runs без действующей аренды.
	ListClaimable(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	// AppendProvenance добавляет запись provenance; Seq назначается хранилищем.
	AppendProvenance(ctx context.Context, entry *domain.ProvenanceEntry) error

	// ListProvenance возвращает записи run в порядке Seq.
	ListProvenance(ctx context.Context, runID uuid.UUID) ([]domain.ProvenanceEntry, error)

	// CreateReport сохраняет запись отчёта. GeneratedAt сдвигается вперёд,
	// если не строго больше времени последнего отчёта run. fill (если задан)
	// вызывается под блокировкой run уже с итоговым GeneratedAt и дописывает
	// поля артефакта до вставки; ошибка fill отменяет вставку.
	CreateReport(ctx context.Context, artifact *domain.ReportArtifact, fill func(*domain.ReportArtifact) error) error

	// GetReport возвращает отчёт run.
	GetReport(ctx context.Context, runID, reportID uuid.UUID) (*domain.ReportArtifact, error)

	// ListReports возвращает отчёты run в порядке генерации.
	ListReports(ctx context.Context, runID uuid.UUID) ([]domain.ReportArtifact, error)

	// PurgeRuns удаляет терминальные runs, завершённые до before, со всеми
	// зависимыми записями. Возвращает ID удалённых runs.
	PurgeRuns(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
}

// RunFilter — параметры фильтрации runs.
type RunFilter struct {
	Status domain.RunStatus
	Limit  int
	Offset int
}

// StageRecord — всё, что фиксируется по завершении попытки.
type StageRecord struct {
	// Execution — закрытая попытка (Outcome не running).
	Execution *domain.StageExecution

	// Sample — обновление sample (опционально).
	Sample *domain.SampleUpdate

	// Provenance — запись provenance (опционально). RunID и Seq назначаются хранилищем.
	Provenance *domain.ProvenanceEntry
}

// reportTimeResolution — точность хранения времени отчётов (как у timestamptz).
const reportTimeResolution = time.Microsecond

// nextReportTime возвращает t, если оно строго позже last, иначе last + resolution.
func nextReportTime(t, last time.Time) time.Time {
	t = t.UTC().Truncate(reportTimeResolution)
	if !last.IsZero() && !t.After(last) {
		return last.Add(reportTimeResolution)
	}
	return t
}

func normalizeFilter(f RunFilter) RunFilter {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
