package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/shaiso/vgap/internal/domain"
	"github.com/shaiso/vgap/internal/orchestrator"
	"github.com/shaiso/vgap/internal/progress"
	"github.com/shaiso/vgap/internal/provenance"
	"github.com/shaiso/vgap/internal/repo"
	"github.com/shaiso/vgap/internal/telemetry"
)

// RunService — control plane runs.
type RunService interface {
	CreateRun(ctx context.Context, params orchestrator.CreateRunParams) (*domain.Run, error)
	GetRun(ctx context.Context, runID uuid.UUID) (*domain.Run, error)
	ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, int, error)
	ListExecutions(ctx context.Context, runID uuid.UUID) ([]domain.StageExecution, error)
	UpdateConfig(ctx context.Context, runID uuid.UUID, cfg domain.RunConfig) (*domain.Run, error)
	ValidateRun(ctx context.Context, runID uuid.UUID) (*domain.ValidationReport, error)
	StartRun(ctx context.Context, runID uuid.UUID) (*domain.Run, error)
	CancelRun(ctx context.Context, runID uuid.UUID) (*domain.Run, error)
	RetrySample(ctx context.Context, runID, sampleID uuid.UUID) (*domain.Sample, error)
}

// ProgressReader — проекция прогресса run.
type ProgressReader interface {
	GetProgress(ctx context.Context, runID uuid.UUID) (*progress.Progress, error)
}

// ProvenanceReader — чтение журнала provenance.
type ProvenanceReader interface {
	GetProvenance(ctx context.Context, runID uuid.UUID) ([]domain.ProvenanceEntry, error)
	Manifest(ctx context.Context, runID uuid.UUID, w io.Writer) error
	Verify(ctx context.Context, runID, againstRunID uuid.UUID) (*provenance.Verification, error)
}

// ReportService — генерация и выдача отчётов.
type ReportService interface {
	Generate(ctx context.Context, runID uuid.UUID, format domain.ReportFormat) (*domain.ReportArtifact, error)
	List(ctx context.Context, runID uuid.UUID) ([]domain.ReportArtifact, error)
	Open(ctx context.Context, runID, reportID uuid.UUID) (*domain.ReportArtifact, io.ReadCloser, error)
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	runs       RunService
	progress   ProgressReader
	provenance ProvenanceReader
	reports    ReportService
	validator  *requestValidator
	logger     *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Runs       RunService
	Progress   ProgressReader
	Provenance ProvenanceReader
	Reports    ReportService
	Logger     *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		runs:       cfg.Runs,
		progress:   cfg.Progress,
		provenance: cfg.Provenance,
		reports:    cfg.Reports,
		validator:  newRequestValidator(),
		logger:     logger.With("component", "api"),
	}
}

// log возвращает логгер запроса (с request_id) или логгер handler'а.
func (h *Handler) log(r *http.Request) *slog.Logger {
	if logger, ok := r.Context().Value(telemetry.CtxLogger).(*slog.Logger); ok {
		return logger
	}
	return h.logger
}
