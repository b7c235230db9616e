package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/vgap/internal/dispatcher"
	"github.com/shaiso/vgap/internal/domain"
	"github.com/shaiso/vgap/internal/mq"
	"github.com/shaiso/vgap/internal/pipeline"
	"github.com/shaiso/vgap/internal/repo"
	"github.com/shaiso/vgap/internal/telemetry"
)

// Default configuration values.
const (
	defaultPollInterval = 10 * time.Second
	defaultBatchSize    = 100
	defaultLeaseTTL     = 30 * time.Second
	storeTimeout        = 10 * time.Second
)

// ReportGenerator — генерация отчёта по завершённому run.
type ReportGenerator interface {
	Generate(ctx context.Context, runID uuid.UUID, format domain.ReportFormat) (*domain.ReportArtifact, error)
}

// EventPublisher — публикация событий о ходе runs.
type EventPublisher interface {
	PublishRunStatus(ctx context.Context, payload mq.RunStatusPayload) error
	PublishStageCompleted(ctx context.Context, payload mq.StageCompletedPayload) error
}

// Orchestrator ведёт runs от queued до терминального статуса.
//
// Run достаётся Orchestrator'у через аренду в хранилище: из команды
// run.queued (event-driven) или опросом queued/running runs без
// действующей аренды (polling fallback и восстановление после падения
// другого экземпляра).
type Orchestrator struct {
	store      repo.Store
	dispatcher *dispatcher.Dispatcher
	def        *pipeline.Definition
	reports    ReportGenerator
	events     EventPublisher
	conn       *mq.Connection

	// Active runs — runs, которые ведёт этот экземпляр (runID → driver).
	activeRuns map[uuid.UUID]*runDriver
	mu         sync.RWMutex

	// Consumers
	queuedConsumer *mq.Consumer
	cancelConsumer *mq.Consumer

	// Configuration
	owner        string
	leaseTTL     time.Duration
	pollInterval time.Duration
	batchSize    int
	workRoot     string

	// Lifecycle
	baseCtx    context.Context
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Orchestrator.
type Config struct {
	Store      repo.Store
	Dispatcher *dispatcher.Dispatcher

	// Pipeline — определение pipeline (default: pipeline.Default()).
	Pipeline *pipeline.Definition

	// Reports — генерация отчёта после completed (опционально).
	Reports ReportGenerator

	// Events — публикация событий (опционально).
	Events EventPublisher

	// Conn — соединение RabbitMQ для команд. Nil — только polling.
	Conn *mq.Connection

	// OwnerID — идентификатор экземпляра в аренде (default: hostname + uuid).
	OwnerID string

	// LeaseTTL — срок аренды run (default: 30s). Продлевается каждую треть срока.
	LeaseTTL time.Duration

	// PollInterval — интервал polling (default: 10s).
	PollInterval time.Duration

	// BatchSize — количество runs за один poll (default: 100).
	BatchSize int

	// WorkRoot — корень рабочих директорий stages (опционально).
	WorkRoot string

	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}

	def := cfg.Pipeline
	if def == nil {
		def = pipeline.Default()
	}

	owner := cfg.OwnerID
	if owner == "" {
		host, _ := os.Hostname()
		owner = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		store:        cfg.Store,
		dispatcher:   cfg.Dispatcher,
		def:          def,
		reports:      cfg.Reports,
		events:       cfg.Events,
		conn:         cfg.Conn,
		activeRuns:   make(map[uuid.UUID]*runDriver),
		owner:        owner,
		leaseTTL:     leaseTTL,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		workRoot:     cfg.WorkRoot,
		logger:       logger.With("component", "orchestrator", "owner", owner),
	}
}

// Owner возвращает идентификатор экземпляра в арендах.
func (o *Orchestrator) Owner() string {
	return o.owner
}

// Start запускает Orchestrator.
//
// Запускает:
//   - Consumers для runs.queued и runs.cancel (если есть соединение)
//   - Polling горутину для fallback
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel
	o.baseCtx = ctx

	o.logger.Info("starting orchestrator",
		"poll_interval", o.pollInterval,
		"lease_ttl", o.leaseTTL,
		"capacity", o.dispatcher.Capacity(),
	)

	if o.conn != nil {
		o.queuedConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:    mq.QueueRunsQueued,
			Types:    []mq.MessageType{mq.MessageTypeRunQueued},
			Handler:  o.handleRunQueued,
			Prefetch: 10,
		})
		o.cancelConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
			Queue:    mq.QueueRunsCancel,
			Types:    []mq.MessageType{mq.MessageTypeRunCancel},
			Handler:  o.handleRunCancel,
			Prefetch: 10,
		})

		for _, c := range []*mq.Consumer{o.queuedConsumer, o.cancelConsumer} {
			o.wg.Add(1)
			go func(c *mq.Consumer) {
				defer o.wg.Done()
				if err := c.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					o.logger.Error("consumer error", "error", err)
				}
			}(c)
		}
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.pollLoop(ctx)
	}()

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает Orchestrator.
//
// Активные runs не финализируются: аренды снимаются, и run подхватит
// следующий экземпляр. Незакрытые попытки будут помечены INTERRUPTED.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}

	if o.queuedConsumer != nil {
		o.queuedConsumer.Stop()
	}
	if o.cancelConsumer != nil {
		o.cancelConsumer.Stop()
	}

	o.wg.Wait()

	o.logger.Info("orchestrator stopped")
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

// pollLoop — цикл polling для fallback.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу при старте (подхватываем runs, оставшиеся без ведущего)
	o.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.poll(ctx)
		}
	}
}

// poll выполняет один цикл polling.
func (o *Orchestrator) poll(ctx context.Context) {
	ids, err := o.store.ListClaimable(ctx, time.Now(), o.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error("failed to list claimable runs", "error", err)
		}
		return
	}

	if len(ids) == 0 {
		return
	}

	o.logger.Debug("poll found claimable runs", "count", len(ids))

	for _, id := range ids {
		if o.isRunActive(id) {
			continue
		}
		if err := o.acquire(ctx, id); err != nil && !errors.Is(err, ErrOrchestratorStopped) {
			o.logger.Error("failed to acquire run from poll",
				"run_id", id,
				"error", err,
			)
		}
	}
}

// acquire берёт аренду на run и запускает его driver.
//
// Если run уже ведётся этим экземпляром, driver будится: он перечитает
// run и подхватит новые изменения (например, retry sample).
func (o *Orchestrator) acquire(ctx context.Context, runID uuid.UUID) error {
	if d := o.getActiveRun(runID); d != nil {
		d.notify()
		return nil
	}
	if o.IsStopped() {
		return ErrOrchestratorStopped
	}

	run, err := o.store.ClaimRun(ctx, runID, o.owner, o.leaseTTL)
	switch {
	case errors.Is(err, repo.ErrLeaseHeld), errors.Is(err, repo.ErrInvalidState), errors.Is(err, repo.ErrNotFound):
		o.logger.Debug("run not claimed", "run_id", runID, "reason", err)
		return nil
	case err != nil:
		return fmt.Errorf("claim run: %w", err)
	}

	logger := telemetry.WithRunID(o.logger, runID.String()).With("code", run.Code)

	if run.Status == domain.RunStatusRunning {
		n, err := o.store.AbandonRunningExecutions(ctx, runID, domain.NewErrorDetail(
			"INTERRUPTED", "stage execution interrupted by orchestrator restart", ""))
		if err != nil {
			o.release(runID)
			return fmt.Errorf("abandon interrupted executions: %w", err)
		}
		if n > 0 {
			logger.Warn("recovered interrupted stage executions", "count", n)
		}
	}

	seq, err := o.def.Sequence(run.Mode)
	if err != nil {
		logger.Error("pipeline has no sequence for run mode", "mode", run.Mode)
		o.failRun(ctx, runID, domain.NewErrorDetail("PIPELINE_MODE_UNAVAILABLE",
			fmt.Sprintf("pipeline has no stage sequence for mode %s", run.Mode),
			"restore the mode in the pipeline definition and create a new run"))
		o.release(runID)
		return nil
	}

	d := newRunDriver(o, run, seq, logger)
	if err := o.addActiveRun(d); err != nil {
		// Гонка consumer и poll внутри одного экземпляра: run уже ведётся.
		return nil
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.removeActiveRun(runID)
		d.loop()
	}()

	logger.Info("run acquired",
		"status", run.Status,
		"samples", len(run.Samples),
		"stages", len(seq),
	)
	return nil
}

// failRun переводит run в failed до запуска цепочек.
func (o *Orchestrator) failRun(ctx context.Context, runID uuid.UUID, detail *domain.ErrorDetail) {
	run, err := o.store.UpdateRun(ctx, runID, func(r *domain.Run) error {
		now := time.Now().UTC()
		if r.Status == domain.RunStatusQueued {
			if err := r.TransitionTo(domain.RunStatusRunning, now); err != nil {
				return err
			}
		}
		for i := range r.Samples {
			if !r.Samples[i].Status.IsTerminal() {
				r.Samples[i].Status = domain.SampleStatusFailed
				r.Samples[i].Error = detail
				r.Samples[i].UpdatedAt = now
			}
		}
		r.Error = detail
		return r.TransitionTo(domain.RunStatusFailed, now)
	})
	if err != nil {
		o.logger.Error("failed to fail run", "run_id", runID, "error", err)
		return
	}
	o.publishRunStatus(run)
}

// release снимает аренду, не дожидаясь отменённого контекста.
func (o *Orchestrator) release(runID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := o.store.ReleaseRun(ctx, runID, o.owner); err != nil && !errors.Is(err, repo.ErrNotFound) {
		o.logger.Warn("failed to release run lease", "run_id", runID, "error", err)
	}
}

func (o *Orchestrator) publishRunStatus(run *domain.Run) {
	if o.events == nil || run == nil {
		return
	}
	payload := mq.RunStatusPayload{RunID: run.ID, Code: run.Code, Status: string(run.Status)}
	if run.Error != nil {
		payload.ErrorCode = run.Error.Code
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := o.events.PublishRunStatus(ctx, payload); err != nil {
		o.logger.Warn("failed to publish run.status", "run_id", run.ID, "error", err)
	}
}

func (o *Orchestrator) publishStageCompleted(exec *domain.StageExecution) {
	if o.events == nil || exec == nil {
		return
	}
	payload := mq.StageCompletedPayload{
		RunID:       exec.RunID,
		SampleID:    exec.SampleID,
		ExecutionID: exec.ID,
		Stage:       string(exec.Stage),
		Attempt:     exec.Attempt,
		Outcome:     string(exec.Outcome),
		DurationMS:  exec.Duration().Milliseconds(),
	}
	if exec.Error != nil {
		payload.ErrorCode = exec.Error.Code
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := o.events.PublishStageCompleted(ctx, payload); err != nil {
		o.logger.Warn("failed to publish stage.completed", "execution_id", exec.ID, "error", err)
	}
}

// isRunActive проверяет, ведётся ли run этим экземпляром.
func (o *Orchestrator) isRunActive(runID uuid.UUID) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, exists := o.activeRuns[runID]
	return exists
}

// getActiveRun возвращает driver активного run.
func (o *Orchestrator) getActiveRun(runID uuid.UUID) *runDriver {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.activeRuns[runID]
}

// addActiveRun добавляет run в активные.
func (o *Orchestrator) addActiveRun(d *runDriver) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.activeRuns[d.runID]; exists {
		return ErrRunAlreadyActive
	}

	o.activeRuns[d.runID] = d
	return nil
}

// removeActiveRun удаляет run из активных.
func (o *Orchestrator) removeActiveRun(runID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.activeRuns, runID)
}

// ActiveRunsCount возвращает количество активных runs.
func (o *Orchestrator) ActiveRunsCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.activeRuns)
}
