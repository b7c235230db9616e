package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/shaiso/vgap/internal/report"
	"github.com/shaiso/vgap/internal/telemetry"
)

// Default configuration values.
const (
	DefaultSchedule  = "0 3 * * *"
	DefaultMaxAge    = 90 * 24 * time.Hour
	DefaultBatchSize = 100
)

// Store — часть Run State Store, нужная Sweeper'у.
type Store interface {
	PurgeRuns(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
}

// Artifacts — хранилище объектов отчётов.
type Artifacts interface {
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Config — конфигурация Sweeper.
type Config struct {
	Store Store

	// Artifacts — хранилище отчётов (опционально).
	Artifacts Artifacts

	// Schedule — cron-выражение (default: "0 3 * * *").
	Schedule string

	// MaxAge — сколько хранить терминальные runs (default: 90 дней).
	MaxAge time.Duration

	// BatchSize — runs за одну транзакцию удаления (default: 100).
	BatchSize int

	Logger *slog.Logger
}

// Result — итог одного sweep.
type Result struct {
	Runs    int
	Objects int
}

// Sweeper — периодическая очистка старых runs.
type Sweeper struct {
	store     Store
	artifacts Artifacts
	schedule  cron.Schedule
	maxAge    time.Duration
	batchSize int
	now       func() time.Time
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New создаёт Sweeper. Ошибка — если cron-выражение некорректно.
func New(cfg Config) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, errors.New("retention: store is required")
	}

	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}

	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sweeper{
		store:     cfg.Store,
		artifacts: cfg.Artifacts,
		schedule:  schedule,
		maxAge:    maxAge,
		batchSize: batchSize,
		now:       time.Now,
		logger:    logger.With("component", "retention"),
	}, nil
}

// NextRun возвращает время следующего sweep после from.
func (s *Sweeper) NextRun(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Start запускает цикл sweep по расписанию.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()

	s.logger.Info("retention sweeper started",
		"max_age", s.maxAge,
		"next_run", s.NextRun(s.now()),
	)
}

// Stop останавливает цикл и ждёт завершения текущего sweep.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	for {
		next := s.NextRun(s.now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("retention sweep failed", "error", err)
		}
	}
}

// Sweep удаляет терминальные runs старше MaxAge и их объекты отчётов.
//
// Runs удаляются пачками по BatchSize, пока очередная пачка не окажется
// неполной. Ошибка удаления объектов одного run не прерывает sweep.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	cutoff := s.now().Add(-s.maxAge)

	var res Result
	for {
		ids, err := s.store.PurgeRuns(ctx, cutoff, s.batchSize)
		if err != nil {
			return res, fmt.Errorf("purge runs: %w", err)
		}
		res.Runs += len(ids)
		telemetry.RetentionPurged.Add(float64(len(ids)))

		for _, id := range ids {
			res.Objects += s.deleteArtifacts(ctx, id)
		}

		if len(ids) < s.batchSize {
			break
		}
	}

	s.logger.Info("retention sweep completed",
		"cutoff", cutoff,
		"runs_purged", res.Runs,
		"objects_deleted", res.Objects,
	)
	return res, nil
}

func (s *Sweeper) deleteArtifacts(ctx context.Context, runID uuid.UUID) int {
	if s.artifacts == nil {
		return 0
	}
	n, err := s.artifacts.DeletePrefix(ctx, report.RunPrefix(runID))
	if err != nil {
		s.logger.Warn("failed to delete run artifacts",
			"run_id", runID,
			"error", err,
		)
		return 0
	}
	return n
}
