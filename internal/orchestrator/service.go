package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/vgap/internal/domain"
	"github.com/shaiso/vgap/internal/pipeline"
	"github.com/shaiso/vgap/internal/repo"
	"github.com/shaiso/vgap/internal/stage"
	"github.com/shaiso/vgap/internal/telemetry"
)

// publishTimeout — бюджет на best-effort публикацию команды.
const publishTimeout = 5 * time.Second

// Validator — pre-flight проверка run перед start.
type Validator interface {
	Validate(ctx context.Context, run *domain.Run) (*domain.ValidationReport, error)
}

// CommandPublisher — публикация команд для Orchestrator'а.
type CommandPublisher interface {
	PublishRunQueued(ctx context.Context, runID uuid.UUID) error
	PublishRunCancel(ctx context.Context, runID uuid.UUID) error
}

// SampleParams — входные данные одного sample.
type SampleParams struct {
	Name string
	R1   string
	R2   string
}

// CreateRunParams — параметры создания run.
type CreateRunParams struct {
	Name    string
	Mode    domain.Mode
	Samples []SampleParams

	// Config — nil означает domain.DefaultRunConfig().
	Config *domain.RunConfig
}

// Service — control plane runs.
type Service struct {
	store     repo.Store
	def       *pipeline.Definition
	registry  *stage.Registry
	validator Validator
	publisher CommandPublisher
	logger    *slog.Logger
}

// ServiceConfig — конфигурация Service.
type ServiceConfig struct {
	Store    repo.Store
	Pipeline *pipeline.Definition

	// Registry — executors, доступные оркестратору. Если nil,
	// проверка наличия executor'ов при start пропускается.
	Registry *stage.Registry

	// Validator — pre-flight проверка. Если nil, проверяется только pipeline.
	Validator Validator

	// Publisher — опционален: без него Orchestrator находит runs опросом.
	Publisher CommandPublisher

	Logger *slog.Logger
}

// NewService создаёт Service.
func NewService(cfg ServiceConfig) *Service {
	def := cfg.Pipeline
	if def == nil {
		def = pipeline.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     cfg.Store,
		def:       def,
		registry:  cfg.Registry,
		validator: cfg.Validator,
		publisher: cfg.Publisher,
		logger:    logger.With("component", "run_service"),
	}
}

// CreateRun сохраняет новый run в статусе pending.
func (s *Service) CreateRun(ctx context.Context, params CreateRunParams) (*domain.Run, error) {
	if !params.Mode.Valid() {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidParams, params.Mode)
	}
	if _, err := s.def.Sequence(params.Mode); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	seen := make(map[string]bool, len(params.Samples))
	for _, sp := range params.Samples {
		name := strings.TrimSpace(sp.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: sample name is required", ErrInvalidParams)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate sample name %q", ErrInvalidParams, name)
		}
		seen[name] = true
	}

	now := time.Now().UTC()
	cfg := domain.DefaultRunConfig()
	if params.Config != nil {
		cfg = *params.Config
	}

	run := &domain.Run{
		ID:        uuid.New(),
		Code:      domain.NewRunCode(now),
		Name:      params.Name,
		Mode:      params.Mode,
		Status:    domain.RunStatusPending,
		Config:    cfg,
		CreatedAt: now,
	}
	for i, sp := range params.Samples {
		run.Samples = append(run.Samples,
			domain.NewSample(run.ID, i, strings.TrimSpace(sp.Name), sp.R1, sp.R2))
	}

	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	s.logger.Info("run created",
		"run_id", run.ID,
		"code", run.Code,
		"mode", run.Mode,
		"samples", len(run.Samples),
	)
	return run, nil
}

// GetRun возвращает run с samples.
func (s *Service) GetRun(ctx context.Context, runID uuid.UUID) (*domain.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, s.mapNotFound(err, runID)
	}
	return run, nil
}

// ListRuns возвращает страницу runs и общее число.
func (s *Service) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, int, error) {
	runs, total, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	return runs, total, nil
}

// ListExecutions возвращает stage executions run.
func (s *Service) ListExecutions(ctx context.Context, runID uuid.UUID) ([]domain.StageExecution, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	execs, err := s.store.ListExecutions(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return execs, nil
}

// UpdateConfig заменяет конфигурацию run, пока он в pending.
func (s *Service) UpdateConfig(ctx context.Context, runID uuid.UUID, cfg domain.RunConfig) (*domain.Run, error) {
	run, err := s.store.UpdateRun(ctx, runID, func(r *domain.Run) error {
		return r.UpdateConfig(cfg)
	})
	if err != nil {
		return nil, s.mapNotFound(err, runID)
	}
	s.logger.Info("run config updated", "run_id", runID)
	return run, nil
}

// ValidateRun выполняет pre-flight проверку без изменения состояния.
func (s *Service) ValidateRun(ctx context.Context, runID uuid.UUID) (*domain.ValidationReport, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return s.validate(ctx, run)
}

// maxStartPasses — сколько раз StartRun перевалидирует run, если
// конфигурация изменилась между валидацией и переводом в queued.
const maxStartPasses = 3

// errStaleConfig — конфигурация в store отличается от провалидированной.
var errStaleConfig = errors.New("stale run config")

// StartRun валидирует run и переводит его pending → queued.
//
// При блокирующих ошибках возвращает *ValidationError, run остаётся pending.
// Предупреждения start не блокируют. Перевод в queued выполняется только
// если конфигурация в store совпадает с провалидированной; иначе run
// валидируется заново.
func (s *Service) StartRun(ctx context.Context, runID uuid.UUID) (*domain.Run, error) {
	for pass := 1; pass <= maxStartPasses; pass++ {
		run, err := s.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status != domain.RunStatusPending {
			return nil, &domain.InvalidTransitionError{From: run.Status, To: domain.RunStatusQueued}
		}

		report, err := s.validate(ctx, run)
		if err != nil {
			return nil, err
		}
		if report.Blocking() {
			s.logger.Info("run failed validation",
				"run_id", runID,
				"errors", len(report.Errors),
				"warnings", len(report.Warnings),
			)
			return nil, &ValidationError{Issues: report.Errors, Warnings: report.Warnings}
		}

		validated := run.Config
		updated, err := s.store.UpdateRun(ctx, runID, func(r *domain.Run) error {
			if !r.Config.Equal(validated) {
				return errStaleConfig
			}
			return r.TransitionTo(domain.RunStatusQueued, time.Now().UTC())
		})
		if errors.Is(err, errStaleConfig) {
			s.logger.Info("run config changed during validation, revalidating",
				"run_id", runID,
				"pass", pass,
			)
			continue
		}
		if err != nil {
			return nil, s.mapNotFound(err, runID)
		}
		telemetry.RunTransitions.WithLabelValues(string(domain.RunStatusQueued)).Inc()

		s.logger.Info("run queued",
			"run_id", runID,
			"code", updated.Code,
			"warnings", len(report.Warnings),
		)
		s.publishQueued(runID)
		return updated, nil
	}
	return nil, fmt.Errorf("%w: run %s", ErrConfigChanged, runID)
}

// CancelRun запрашивает отмену run.
//
// Допустимо для queued и running; повторный запрос принимается.
// Queued run без действующей аренды отменяется сразу: ни одна stage
// для него ещё не отправлена.
func (s *Service) CancelRun(ctx context.Context, runID uuid.UUID) (*domain.Run, error) {
	immediate := false
	updated, err := s.store.UpdateRun(ctx, runID, func(r *domain.Run) error {
		if err := r.RequestCancel(); err != nil {
			return err
		}
		now := time.Now().UTC()
		if r.Status == domain.RunStatusQueued && !leaseLive(r, now) {
			immediate = true
			for i := range r.Samples {
				if !r.Samples[i].Status.IsTerminal() {
					r.Samples[i].Status = domain.SampleStatusCancelled
					r.Samples[i].UpdatedAt = now
				}
			}
			return r.TransitionTo(domain.RunStatusCancelled, now)
		}
		return nil
	})
	if err != nil {
		return nil, s.mapNotFound(err, runID)
	}

	if immediate {
		telemetry.RunTransitions.WithLabelValues(string(domain.RunStatusCancelled)).Inc()
		s.logger.Info("queued run cancelled", "run_id", runID)
		return updated, nil
	}

	s.logger.Info("run cancel requested", "run_id", runID, "status", updated.Status)
	if s.publisher != nil {
		s.publish(runID, "run.cancel", s.publisher.PublishRunCancel)
	}
	return updated, nil
}

// RetrySample возвращает упавший sample running run'а к stage, на которой
// он упал. Цепочку заново запускает Orchestrator, ведущий run.
func (s *Service) RetrySample(ctx context.Context, runID, sampleID uuid.UUID) (*domain.Sample, error) {
	var retried domain.Sample
	_, err := s.store.UpdateRun(ctx, runID, func(r *domain.Run) error {
		if r.Status != domain.RunStatusRunning {
			return fmt.Errorf("%w: run is %s", ErrRetryNotAllowed, r.Status)
		}
		if r.CancelRequested {
			return fmt.Errorf("%w: run cancellation requested", ErrRetryNotAllowed)
		}
		sample, ok := r.Sample(sampleID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrSampleNotFound, sampleID)
		}
		if sample.Status != domain.SampleStatusFailed {
			return fmt.Errorf("%w: sample is %s", ErrRetryNotAllowed, sample.Status)
		}
		sample.ResetForRetry()
		retried = *sample
		return nil
	})
	if err != nil {
		return nil, s.mapNotFound(err, runID)
	}

	s.logger.Info("sample retry requested",
		"run_id", runID,
		"sample_id", sampleID,
		"stage_index", retried.StageIndex,
	)
	s.publishQueued(runID)
	return &retried, nil
}

// validate собирает отчёт валидатора и проверку наличия executor'ов.
func (s *Service) validate(ctx context.Context, run *domain.Run) (*domain.ValidationReport, error) {
	report := &domain.ValidationReport{}
	if s.validator != nil {
		r, err := s.validator.Validate(ctx, run)
		if err != nil {
			return nil, fmt.Errorf("validate run: %w", err)
		}
		if r != nil {
			report = r
		}
	}

	seq, err := s.def.Sequence(run.Mode)
	if err != nil {
		report.Add(domain.ValidationIssue{
			Code:        "PIPELINE_MODE_UNAVAILABLE",
			Message:     fmt.Sprintf("pipeline has no stage sequence for mode %s", run.Mode),
			Remediation: "choose a mode defined in the pipeline definition",
			Field:       "mode",
			Severity:    domain.SeverityError,
		})
		return report, nil
	}
	if s.registry != nil {
		for _, kind := range s.registry.Missing(seq) {
			report.Add(domain.ValidationIssue{
				Code:        "PIPELINE_STAGE_UNAVAILABLE",
				Message:     fmt.Sprintf("no executor is registered for stage %s", kind),
				Remediation: "configure a tool command for this stage in the pipeline definition",
				Field:       "pipeline." + string(kind),
				Severity:    domain.SeverityError,
			})
		}
	}
	return report, nil
}

func (s *Service) publishQueued(runID uuid.UUID) {
	if s.publisher != nil {
		s.publish(runID, "run.queued", s.publisher.PublishRunQueued)
	}
}

// publish отправляет команду best effort: run уже сохранён, Orchestrator
// найдёт его опросом.
func (s *Service) publish(runID uuid.UUID, command string, fn func(context.Context, uuid.UUID) error) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := fn(ctx, runID); err != nil {
		s.logger.Warn("failed to publish command",
			"run_id", runID,
			"command", command,
			"error", err,
		)
	}
}

func (s *Service) mapNotFound(err error, runID uuid.UUID) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return err
}

// leaseLive проверяет, ведёт ли run какой-либо оркестратор.
func leaseLive(r *domain.Run, now time.Time) bool {
	return r.LeaseOwner != "" && r.LeaseExpiresAt != nil && r.LeaseExpiresAt.After(now)
}
