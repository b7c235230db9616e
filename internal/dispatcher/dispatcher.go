package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/shaiso/vgap/internal/domain"
	"github.com/shaiso/vgap/internal/repo"
	"github.com/shaiso/vgap/internal/stage"
	"github.com/shaiso/vgap/internal/telemetry"
)

// Default configuration values.
const (
	defaultCapacity = 4
	defaultTimeout  = 2 * time.Hour
)

// Store — часть хранилища, нужная Dispatcher'у.
type Store interface {
	ClaimExecution(ctx context.Context, exec *domain.StageExecution) (*domain.StageExecution, bool, error)
	FindSucceededExecution(ctx context.Context, sampleID uuid.UUID, stage domain.StageKind, fingerprint string) (*domain.StageExecution, error)
}

// Dispatcher выполняет stage executions на пуле из Capacity воркеров.
//
// Dispatcher:
//   - Распределяет слоты пула между runs по кругу (fairQueue)
//   - Объединяет одновременные submissions с одним ключом в один вызов (singleflight)
//   - Захватывает ключ в хранилище, чтобы не дублировать попытки между процессами
//   - Ограничивает попытку бюджетом времени stage (context.WithTimeout)
//   - Перехватывает panic executor'а как FatalFailure
type Dispatcher struct {
	store    Store
	registry *stage.Registry

	capacity       int
	defaultTimeout time.Duration

	group singleflight.Group

	mu        sync.Mutex
	cond      *sync.Cond
	queue     *fairQueue
	inFlight  int
	handles   map[uuid.UUID]map[uuid.UUID]*Handle
	cancelled map[uuid.UUID]struct{}
	succeeded map[string]Result
	runKeys   map[uuid.UUID][]string
	closed    bool

	// Lifecycle
	baseCtx    context.Context
	cancelFunc context.CancelFunc
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// Config — конфигурация Dispatcher.
type Config struct {
	Store    Store
	Registry *stage.Registry

	// Capacity — число параллельных stage executions (default: 4).
	Capacity int

	// DefaultTimeout — бюджет stage, если в Spec не задан (default: 2h).
	DefaultTimeout time.Duration

	Logger *slog.Logger
}

// New создаёт новый Dispatcher.
func New(cfg Config) *Dispatcher {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}

	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = stage.NewRegistry()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:          cfg.Store,
		registry:       registry,
		capacity:       capacity,
		defaultTimeout: timeout,
		queue:          newFairQueue(),
		handles:        make(map[uuid.UUID]map[uuid.UUID]*Handle),
		cancelled:      make(map[uuid.UUID]struct{}),
		succeeded:      make(map[string]Result),
		runKeys:        make(map[uuid.UUID][]string),
		baseCtx:        baseCtx,
		cancelFunc:     cancel,
		logger:         logger.With("component", "dispatcher"),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Capacity возвращает размер пула.
func (d *Dispatcher) Capacity() int {
	return d.capacity
}

// Start запускает воркеры пула.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("starting dispatcher", "capacity", d.capacity)

	for i := 0; i < d.capacity; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.workerLoop()
		}()
	}

	// Остановка по отмене родительского контекста.
	go func() {
		select {
		case <-ctx.Done():
			d.shutdown()
		case <-d.baseCtx.Done():
		}
	}()
	return nil
}

// Stop останавливает Dispatcher: ожидающие submissions получают Cancelled,
// выполняющиеся отменяются через context.
func (d *Dispatcher) Stop() {
	d.logger.Info("stopping dispatcher...")
	d.shutdown()
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	pending := d.queue.drain()
	d.mu.Unlock()

	d.cancelFunc()
	for _, h := range pending {
		d.finish(h, Result{Kind: ResultCancelled})
	}
	telemetry.DispatcherQueueDepth.Set(0)

	d.mu.Lock()
	d.cond.Broadcast()
	d.mu.Unlock()
}

// Submit принимает submission. При заполненном пуле submission ставится
// в очередь (Handle.Queued() == true); это не ошибка.
func (d *Dispatcher) Submit(ctx context.Context, spec Spec) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Request == nil || spec.RunID == uuid.Nil || spec.SampleID == uuid.Nil || spec.Stage == "" {
		return nil, ErrInvalidSpec
	}
	if _, err := d.registry.Get(spec.Stage); err != nil {
		return nil, err
	}
	if spec.Attempt <= 0 {
		spec.Attempt = 1
	}
	spec.Request.Attempt = spec.Attempt
	if spec.Fingerprint == "" {
		spec.Fingerprint = stage.Fingerprint(spec.Request)
	}
	if spec.Timeout <= 0 {
		spec.Timeout = d.defaultTimeout
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrStopped
	}
	if _, ok := d.cancelled[spec.RunID]; ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRunCancelled, spec.RunID)
	}

	h := newHandle(d.baseCtx, spec)
	if d.inFlight+d.queue.len() >= d.capacity {
		h.queued.Store(true)
	}
	d.queue.push(h)
	if d.handles[spec.RunID] == nil {
		d.handles[spec.RunID] = make(map[uuid.UUID]*Handle)
	}
	d.handles[spec.RunID][h.ID] = h
	depth := d.queue.len()
	d.cond.Signal()
	d.mu.Unlock()

	telemetry.DispatcherQueueDepth.Set(float64(depth))
	if h.Queued() {
		telemetry.DispatcherCapacityExceeded.Inc()
		d.logger.Debug("submission queued",
			"reason", ErrCapacityExceeded,
			"run_id", spec.RunID,
			"sample_id", spec.SampleID,
			"stage", spec.Stage,
			"queue_depth", depth,
		)
	}
	return h, nil
}

// Cancel отменяет submission. Ожидающая в очереди получает Cancelled сразу,
// выполняющаяся — после остановки executor'а.
func (d *Dispatcher) Cancel(h *Handle) {
	d.mu.Lock()
	removed := d.queue.remove(h)
	depth := d.queue.len()
	d.mu.Unlock()

	if removed {
		telemetry.DispatcherQueueDepth.Set(float64(depth))
		d.finish(h, Result{Kind: ResultCancelled})
		return
	}
	h.cancel()
}

// CancelRun отменяет все submissions run и отклоняет последующие.
func (d *Dispatcher) CancelRun(runID uuid.UUID) int {
	d.mu.Lock()
	d.cancelled[runID] = struct{}{}
	pending := d.queue.removeRun(runID)
	var running []*Handle
	for _, h := range d.handles[runID] {
		running = append(running, h)
	}
	depth := d.queue.len()
	d.mu.Unlock()

	telemetry.DispatcherQueueDepth.Set(float64(depth))
	for _, h := range pending {
		d.finish(h, Result{Kind: ResultCancelled})
	}
	for _, h := range running {
		h.cancel()
	}

	d.logger.Info("run cancelled in dispatcher",
		"run_id", runID,
		"signalled", len(running),
	)
	return len(running)
}

// Forget освобождает состояние run (после его финализации).
func (d *Dispatcher) Forget(runID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.cancelled, runID)
	for _, key := range d.runKeys[runID] {
		delete(d.succeeded, key)
	}
	delete(d.runKeys, runID)
}

// Await ожидает результат submission.
func (d *Dispatcher) Await(ctx context.Context, h *Handle) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Stats возвращает число выполняющихся и ожидающих submissions.
func (d *Dispatcher) Stats() (inFlight, queued int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight, d.queue.len()
}

// --- Worker ---

func (d *Dispatcher) workerLoop() {
	for {
		h, ok := d.next()
		if !ok {
			return
		}
		d.run(h)
	}
}

// next блокируется до появления submission или остановки.
func (d *Dispatcher) next() (*Handle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for d.queue.len() == 0 && !d.closed {
		d.cond.Wait()
	}
	if d.closed {
		return nil, false
	}
	h, _ := d.queue.pop()
	d.inFlight++
	telemetry.DispatcherQueueDepth.Set(float64(d.queue.len()))
	telemetry.DispatcherInFlight.Set(float64(d.inFlight))
	return h, true
}

func (d *Dispatcher) run(h *Handle) {
	defer func() {
		d.mu.Lock()
		d.inFlight--
		telemetry.DispatcherInFlight.Set(float64(d.inFlight))
		d.mu.Unlock()
	}()

	if h.ctx.Err() != nil {
		d.finish(h, Result{Kind: ResultCancelled})
		return
	}

	// Слот занят до завершения общего вызова: отменённый лидер
	// должен закрыть захваченную попытку как cancelled.
	res := <-d.group.DoChan(h.spec.key(), func() (any, error) {
		return d.invoke(h), nil
	})
	r := res.Val.(Result)

	own := r.Execution != nil && r.Execution.ID == h.ID
	switch {
	case h.ctx.Err() != nil && !own:
		r = Result{Kind: ResultCancelled}
	case !own && r.Kind == ResultSuccess:
		r.Deduplicated = true
	}
	d.finish(h, r)
}

// invoke выполняет submission лидера singleflight группы.
func (d *Dispatcher) invoke(h *Handle) Result {
	spec := h.spec
	logger := telemetry.WithStage(
		d.logger.With("run_id", spec.RunID, "sample_id", spec.SampleID),
		string(spec.Stage), spec.Attempt,
	)

	if r, ok := d.cachedSuccess(spec.key()); ok {
		telemetry.DispatcherDeduplicated.WithLabelValues("memory").Inc()
		return r
	}

	storeCtx, cancel := context.WithTimeout(h.ctx, 10*time.Second)
	defer cancel()

	if prev, err := d.store.FindSucceededExecution(storeCtx, spec.SampleID, spec.Stage, spec.Fingerprint); err == nil {
		telemetry.DispatcherDeduplicated.WithLabelValues("store").Inc()
		logger.Info("stage already succeeded, reusing output", "execution_id", prev.ID)
		return Result{Kind: ResultSuccess, Output: prev.Output, Execution: prev, Deduplicated: true}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return d.storeFailure(h, logger, err)
	}

	exec := domain.NewStageExecution(spec.RunID, spec.SampleID, spec.Stage, spec.Attempt, spec.Fingerprint)
	exec.ID = h.ID
	existing, claimed, err := d.store.ClaimExecution(storeCtx, exec)
	if err != nil {
		return d.storeFailure(h, logger, err)
	}
	if !claimed {
		if existing.Outcome == domain.OutcomeSucceeded {
			telemetry.DispatcherDeduplicated.WithLabelValues("store").Inc()
			return Result{Kind: ResultSuccess, Output: existing.Output, Execution: existing, Deduplicated: true}
		}
		logger.Warn("stage execution held elsewhere", "execution_id", existing.ID)
		telemetry.DispatcherDeduplicated.WithLabelValues("in_progress").Inc()
		return Result{
			Kind: ResultTransientFailure,
			Failure: stage.Transient("EXECUTION_IN_PROGRESS",
				"an identical stage execution is already running", nil),
		}
	}

	executor, err := d.registry.Get(spec.Stage)
	if err != nil {
		f := stage.Fatal("PIPELINE_STAGE_UNAVAILABLE", err.Error(), "register an executor for this stage")
		exec.MarkFailed(f.Kind, f.Detail())
		return Result{Kind: ResultFatalFailure, Failure: f, Execution: exec}
	}

	logger.Debug("stage execution started", "timeout", spec.Timeout)
	started := time.Now()
	out, execErr := d.execute(h, executor)
	telemetry.StageDuration.WithLabelValues(string(spec.Stage)).Observe(time.Since(started).Seconds())

	var r Result
	switch {
	case execErr == nil:
		exec.MarkSucceeded(out)
		r = Result{Kind: ResultSuccess, Output: out, Execution: exec}
		d.cacheSuccess(spec, r)
	case h.ctx.Err() != nil:
		exec.MarkCancelled()
		r = Result{Kind: ResultCancelled, Execution: exec}
	default:
		f := stage.Classify(execErr)
		exec.MarkFailed(f.Kind, f.Detail())
		kind := ResultTransientFailure
		if f.Fatal() {
			kind = ResultFatalFailure
		}
		r = Result{Kind: kind, Failure: f, Execution: exec}
		logger.Warn("stage execution failed",
			"kind", f.Kind,
			"code", f.Code,
			"error", f.Error(),
		)
	}

	telemetry.StageExecutions.WithLabelValues(string(spec.Stage), string(r.Kind)).Inc()
	logger.Info("stage execution finished",
		"result", r.Kind,
		"duration", time.Since(started),
	)
	return r
}

// execute вызывает executor под бюджетом времени stage.
// Panic executor'а превращается в фатальную ошибку.
func (d *Dispatcher) execute(h *Handle, executor stage.Executor) (out *domain.StageOutput, err error) {
	ctx, cancel := context.WithTimeout(h.ctx, h.spec.Timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("stage executor panic",
				"run_id", h.spec.RunID,
				"stage", h.spec.Stage,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			out = nil
			err = stage.Fatal("EXECUTOR_PANIC",
				fmt.Sprintf("stage executor crashed: %v", p),
				"report the failure to the pipeline maintainers")
		}
	}()

	out, err = executor.Execute(ctx, h.spec.Request)
	if err == nil && out == nil {
		out = &domain.StageOutput{}
	}
	return out, err
}

func (d *Dispatcher) storeFailure(h *Handle, logger *slog.Logger, err error) Result {
	if h.ctx.Err() != nil {
		return Result{Kind: ResultCancelled}
	}
	logger.Error("store unavailable for stage execution", "error", err)
	return Result{
		Kind:    ResultTransientFailure,
		Failure: stage.Transient("STORE_UNAVAILABLE", "cannot record stage execution", err),
	}
}

func (d *Dispatcher) cachedSuccess(key string) (Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.succeeded[key]
	if ok {
		r.Deduplicated = true
	}
	return r, ok
}

func (d *Dispatcher) cacheSuccess(spec Spec, r Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := spec.key()
	if _, ok := d.succeeded[key]; !ok {
		d.runKeys[spec.RunID] = append(d.runKeys[spec.RunID], key)
	}
	d.succeeded[key] = r
}

// finish фиксирует результат и снимает handle с учёта.
func (d *Dispatcher) finish(h *Handle, r Result) {
	if !h.resolve(r) {
		return
	}
	d.mu.Lock()
	if hs := d.handles[h.spec.RunID]; hs != nil {
		delete(hs, h.ID)
		if len(hs) == 0 {
			delete(d.handles, h.spec.RunID)
		}
	}
	d.mu.Unlock()
}
