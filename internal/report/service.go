package report

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/vgap/internal/domain"
	"github.com/shaiso/vgap/internal/repo"
	"github.com/shaiso/vgap/internal/telemetry"
)

// Store — часть Run State Store, нужная генерации отчётов.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	ListProvenance(ctx context.Context, runID uuid.UUID) ([]domain.ProvenanceEntry, error)
	CreateReport(ctx context.Context, artifact *domain.ReportArtifact, fill func(*domain.ReportArtifact) error) error
	GetReport(ctx context.Context, runID, reportID uuid.UUID) (*domain.ReportArtifact, error)
	ListReports(ctx context.Context, runID uuid.UUID) ([]domain.ReportArtifact, error)
}

// Config — конфигурация Service.
type Config struct {
	Store     Store
	Artifacts ArtifactStore

	// Generators — генераторы по форматам (default: JSONGenerator).
	Generators []Generator

	Logger *slog.Logger
}

// Service — генерация и выдача отчётов.
type Service struct {
	store      Store
	artifacts  ArtifactStore
	generators map[domain.ReportFormat]Generator
	now        func() time.Time
	logger     *slog.Logger
}

// NewService создаёт Service.
func NewService(cfg Config) *Service {
	generators := cfg.Generators
	if len(generators) == 0 {
		generators = []Generator{JSONGenerator{}}
	}
	byFormat := make(map[domain.ReportFormat]Generator, len(generators))
	for _, g := range generators {
		byFormat[g.Format()] = g
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		store:      cfg.Store,
		artifacts:  cfg.Artifacts,
		generators: byFormat,
		now:        time.Now,
		logger:     logger.With("component", "report"),
	}
}

// Generate строит новый отчёт по completed run.
//
// Каждый вызов создаёт новый артефакт: свежий ID, текущее время,
// содержимое строится заново из состояния run.
func (s *Service) Generate(ctx context.Context, runID uuid.UUID, format domain.ReportFormat) (*domain.ReportArtifact, error) {
	if format == "" {
		format = domain.ReportFormatJSON
	}
	gen, ok := s.generators[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, translateNotFound(err, ErrRunNotFound, runID)
	}
	if run.Status != domain.RunStatusCompleted {
		return nil, fmt.Errorf("%w: run %s is %s", ErrRunNotCompleted, runID, run.Status)
	}

	entries, err := s.store.ListProvenance(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list provenance: %w", err)
	}

	artifact := &domain.ReportArtifact{
		ID:          uuid.New(),
		RunID:       runID,
		Format:      format,
		GeneratedAt: s.now().UTC(),
	}

	// Содержимое рендерится с тем GeneratedAt, который назначит хранилище.
	err = s.store.CreateReport(ctx, artifact, func(a *domain.ReportArtifact) error {
		data, contentType, err := gen.Render(ctx, Input{
			ReportID:    a.ID,
			GeneratedAt: a.GeneratedAt,
			Run:         run,
			Provenance:  entries,
		})
		if err != nil {
			return fmt.Errorf("render %s report: %w", format, err)
		}

		sum := sha256.Sum256(data)
		a.Location = objectKey(runID, a.ID, gen.Extension())
		a.ContentType = contentType
		a.Size = int64(len(data))
		a.Checksum = hex.EncodeToString(sum[:])

		if err := s.artifacts.Put(ctx, a.Location, bytes.NewReader(data), a.Size, contentType); err != nil {
			return fmt.Errorf("store report: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("save report: %w", err)
	}

	telemetry.ReportsGenerated.WithLabelValues(string(format)).Inc()
	s.logger.Info("report generated",
		"run_id", runID,
		"report_id", artifact.ID,
		"format", format,
		"size", artifact.Size,
	)
	return artifact, nil
}

// List возвращает артефакты run в порядке генерации.
func (s *Service) List(ctx context.Context, runID uuid.UUID) ([]domain.ReportArtifact, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, translateNotFound(err, ErrRunNotFound, runID)
	}
	reports, err := s.store.ListReports(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	return reports, nil
}

// Open возвращает артефакт и поток его содержимого. Поток закрывает вызывающий.
func (s *Service) Open(ctx context.Context, runID, reportID uuid.UUID) (*domain.ReportArtifact, io.ReadCloser, error) {
	artifact, err := s.store.GetReport(ctx, runID, reportID)
	if err != nil {
		return nil, nil, translateNotFound(err, ErrReportNotFound, reportID)
	}

	body, err := s.artifacts.Get(ctx, artifact.Location)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrReportNotFound, reportID)
		}
		return nil, nil, fmt.Errorf("open report: %w", err)
	}
	return artifact, body, nil
}

func translateNotFound(err, target error, id uuid.UUID) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: %s", target, id)
	}
	return err
}
