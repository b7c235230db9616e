package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/vgap/internal/dispatcher"
	"github.com/shaiso/vgap/internal/domain"
	"github.com/shaiso/vgap/internal/repo"
	"github.com/shaiso/vgap/internal/stage"
	"github.com/shaiso/vgap/internal/telemetry"
)

// reportTimeout — бюджет генерации отчёта после completed.
const reportTimeout = 2 * time.Minute

var (
	// errNotSettled — в run остались нетерминальные samples.
	errNotSettled = errors.New("run has active samples")

	// errNoChange — обновление run не требуется.
	errNoChange = errors.New("no change")
)

// runDriver ведёт один run: по цепочке stages на каждый нетерминальный
// sample и финализация, когда цепочек не осталось.
//
// Состояние run driver не кэширует: перед каждым решением он перечитывает
// run из хранилища.
type runDriver struct {
	o      *Orchestrator
	runID  uuid.UUID
	seq    []domain.StageKind
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// wake — сигнал перечитать run (выход цепочки, команда, retry).
	wake chan struct{}

	mu              sync.Mutex
	chains          map[uuid.UUID]bool
	chainWG         sync.WaitGroup
	cancelSignalled bool

	startMu sync.Mutex
	started bool
}

func newRunDriver(o *Orchestrator, run *domain.Run, seq []domain.StageKind, logger *slog.Logger) *runDriver {
	ctx, cancel := context.WithCancel(o.baseCtx)
	return &runDriver{
		o:       o,
		runID:   run.ID,
		seq:     seq,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		chains:  make(map[uuid.UUID]bool),
		started: run.Status == domain.RunStatusRunning,
	}
}

// notify будит driver. Сигналы схлопываются.
func (d *runDriver) notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *runDriver) loop() {
	defer d.o.release(d.runID)
	defer d.o.dispatcher.Forget(d.runID)
	defer func() {
		d.cancel()
		d.chainWG.Wait()
	}()

	heartbeat := time.NewTicker(d.o.leaseTTL / 3)
	defer heartbeat.Stop()

	if d.sync() {
		return
	}

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-d.wake:
			if d.sync() {
				return
			}

		case <-heartbeat.C:
			if !d.renew() {
				// Контекст гасится до отмены handles: результаты
				// чужого теперь run не записываются.
				d.cancel()
				d.o.dispatcher.CancelRun(d.runID)
				return
			}
			if d.sync() {
				return
			}
		}
	}
}

// renew продлевает аренду. false — аренда потеряна.
func (d *runDriver) renew() bool {
	ctx, cancel := context.WithTimeout(d.ctx, storeTimeout)
	defer cancel()

	err := d.o.store.RenewLease(ctx, d.runID, d.o.owner, d.o.leaseTTL)
	switch {
	case err == nil:
		return true
	case errors.Is(err, repo.ErrLeaseHeld), errors.Is(err, repo.ErrNotFound):
		d.logger.Warn("run lease lost, abandoning run", "error", err)
		return false
	default:
		d.logger.Error("failed to renew run lease", "error", err)
		return true
	}
}

// sync перечитывает run, передаёт отмену в Dispatcher, запускает цепочки
// для samples без цепочки и финализирует run, если их не осталось.
// Возвращает true, когда вести run больше не нужно.
func (d *runDriver) sync() bool {
	ctx, cancel := context.WithTimeout(d.ctx, storeTimeout)
	run, err := d.o.store.GetRun(ctx, d.runID)
	cancel()
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return true
		}
		if d.ctx.Err() == nil {
			d.logger.Error("failed to load run", "error", err)
		}
		return false
	}
	if run.Status.IsTerminal() {
		return true
	}

	d.mu.Lock()
	if run.CancelRequested && !d.cancelSignalled {
		d.cancelSignalled = true
		d.mu.Unlock()
		n := d.o.dispatcher.CancelRun(d.runID)
		d.logger.Info("run cancellation signalled", "in_flight", n)
		d.mu.Lock()
	}
	for i := range run.Samples {
		s := &run.Samples[i]
		if s.Status.IsTerminal() || d.chains[s.ID] {
			continue
		}
		d.chains[s.ID] = true
		d.chainWG.Add(1)
		go d.runChain(s.ID)
	}
	live := len(d.chains)
	d.mu.Unlock()

	if live > 0 {
		return false
	}
	return d.finalize()
}

// finalize переводит run в терминальный статус, если все samples терминальны.
func (d *runDriver) finalize() bool {
	ctx, cancel := context.WithTimeout(d.ctx, storeTimeout)
	defer cancel()

	run, err := d.o.store.UpdateRun(ctx, d.runID, func(r *domain.Run) error {
		if r.Status.IsTerminal() {
			return errNoChange
		}
		completed, failed, _, active := r.Summary()
		if active > 0 {
			return errNotSettled
		}

		now := time.Now().UTC()
		var to domain.RunStatus
		switch {
		case r.CancelRequested:
			to = domain.RunStatusCancelled
		case completed > 0:
			to = domain.RunStatusCompleted
		default:
			to = domain.RunStatusFailed
			r.Error = aggregateError(r, failed)
		}
		if r.Status == domain.RunStatusQueued && to != domain.RunStatusCancelled {
			if err := r.TransitionTo(domain.RunStatusRunning, now); err != nil {
				return err
			}
		}
		return r.TransitionTo(to, now)
	})
	switch {
	case errors.Is(err, errNoChange):
		return true
	case errors.Is(err, errNotSettled):
		// Sample вернули в работу между чтением и финализацией.
		d.notify()
		return false
	case err != nil:
		if d.ctx.Err() == nil {
			d.logger.Error("failed to finalize run", "error", err)
		}
		return false
	}

	telemetry.RunTransitions.WithLabelValues(string(run.Status)).Inc()
	completed, failed, cancelled, _ := run.Summary()
	d.logger.Info("run finished",
		"status", run.Status,
		"completed", completed,
		"failed", failed,
		"cancelled", cancelled,
		"duration", run.Duration(),
	)
	d.o.publishRunStatus(run)

	if run.Status == domain.RunStatusCompleted && d.o.reports != nil {
		reportCtx, cancel := context.WithTimeout(d.ctx, reportTimeout)
		defer cancel()
		artifact, err := d.o.reports.Generate(reportCtx, run.ID, domain.ReportFormatJSON)
		if err != nil {
			d.logger.Error("failed to generate report", "error", err)
		} else {
			d.logger.Info("report generated", "report_id", artifact.ID)
		}
	}
	return true
}

// aggregateError строит ошибку run, в котором не осталось успешных samples.
func aggregateError(r *domain.Run, failed int) *domain.ErrorDetail {
	if len(r.Samples) == 0 {
		return domain.NewErrorDetail("NO_SAMPLES", "run has no samples", "add samples and create a new run")
	}
	msg := fmt.Sprintf("all %d samples failed", failed)
	for i := range r.Samples {
		if e := r.Samples[i].Error; e != nil {
			msg = fmt.Sprintf("%s; first error: %s at %s", msg, e.Code, r.Samples[i].FailedStage)
			break
		}
	}
	return domain.NewErrorDetail("ALL_SAMPLES_FAILED", msg,
		"inspect the per-sample errors, fix the inputs and create a new run")
}

func (d *runDriver) cancelRequested() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelSignalled
}

// markRunning переводит run queued → running при первой принятой submission.
func (d *runDriver) markRunning() {
	d.startMu.Lock()
	defer d.startMu.Unlock()
	if d.started {
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, storeTimeout)
	defer cancel()

	run, err := d.o.store.UpdateRun(ctx, d.runID, func(r *domain.Run) error {
		if r.Status != domain.RunStatusQueued {
			return errNoChange
		}
		return r.TransitionTo(domain.RunStatusRunning, time.Now().UTC())
	})
	switch {
	case errors.Is(err, errNoChange):
		d.started = true
		return
	case err != nil:
		d.logger.Error("failed to mark run running", "error", err)
		return
	}

	d.started = true
	telemetry.RunTransitions.WithLabelValues(string(domain.RunStatusRunning)).Inc()
	d.logger.Info("run running")
	d.o.publishRunStatus(run)
}

// --- Sample chain ---

// runChain проходит stages sample строго последовательно, начиная
// с первой незавершённой.
func (d *runDriver) runChain(sampleID uuid.UUID) {
	defer d.chainWG.Done()
	defer func() {
		d.mu.Lock()
		delete(d.chains, sampleID)
		d.mu.Unlock()
		d.notify()
	}()

	logger := telemetry.WithSampleID(d.logger, sampleID.String())

	for d.ctx.Err() == nil {
		run, sample, err := d.load(sampleID)
		if err != nil {
			if d.ctx.Err() == nil {
				logger.Error("failed to load sample", "error", err)
			}
			return
		}
		if sample.Status.IsTerminal() {
			return
		}

		idx := sample.StageIndex + 1
		if run.CancelRequested {
			d.cancelSample(sample, idx, nil, nil)
			return
		}
		if idx >= len(d.seq) {
			d.completeSample(sample)
			return
		}
		if !d.runStage(run, sample, idx, logger) {
			return
		}
	}
}

// runStage выполняет одну stage с retry транзиентных ошибок.
// Возвращает true, если цепочку нужно продолжить.
func (d *runDriver) runStage(run *domain.Run, sample *domain.Sample, idx int, logger *slog.Logger) bool {
	kind := d.seq[idx]
	req := d.request(run, sample, kind)
	fingerprint := stage.Fingerprint(req)
	policy := d.o.def.Retry

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			current, s, err := d.load(sample.ID)
			if err != nil || s.Status.IsTerminal() {
				return false
			}
			if current.CancelRequested {
				d.cancelSample(s, idx, nil, nil)
				return false
			}
		}

		attemptReq := *req
		attemptReq.Attempt = attempt
		stageLogger := telemetry.WithStage(logger, string(kind), attempt)

		h, err := d.o.dispatcher.Submit(d.ctx, dispatcher.Spec{
			RunID:       run.ID,
			SampleID:    sample.ID,
			Stage:       kind,
			Attempt:     attempt,
			Fingerprint: fingerprint,
			Request:     &attemptReq,
			Timeout:     d.o.def.Timeout(kind),
		})
		switch {
		case errors.Is(err, dispatcher.ErrRunCancelled):
			d.cancelSample(sample, idx, nil, nil)
			return false
		case errors.Is(err, dispatcher.ErrStopped), d.ctx.Err() != nil:
			return false
		case err != nil:
			f := stage.Fatal("PIPELINE_STAGE_UNAVAILABLE", err.Error(),
				"configure a tool command for this stage in the pipeline definition")
			d.failSample(sample, idx, f, nil, &attemptReq)
			return false
		}

		d.markRunning()
		if attempt == 1 {
			d.markStageStarted(sample, idx)
		}
		if h.Queued() {
			stageLogger.Debug("stage submission queued, worker pool saturated")
		}

		res, err := d.o.dispatcher.Await(d.ctx, h)
		if err != nil {
			d.o.dispatcher.Cancel(h)
			return false
		}

		switch res.Kind {
		case dispatcher.ResultSuccess:
			return d.commitSuccess(sample, idx, res, &attemptReq, stageLogger)

		case dispatcher.ResultCancelled:
			if !d.cancelRequested() {
				// Отмена без запроса на run: остановка Dispatcher'а.
				// Попытка закрывается, sample остаётся в работе.
				if res.Execution != nil {
					_, _ = d.record(repo.StageRecord{Execution: res.Execution})
				}
				return false
			}
			d.cancelSample(sample, idx, res.Execution, &attemptReq)
			return false

		case dispatcher.ResultFatalFailure:
			d.failSample(sample, idx, res.Failure, res.Execution, &attemptReq)
			return false

		case dispatcher.ResultTransientFailure:
			if attempt >= policy.MaxAttempts {
				d.failSample(sample, idx, res.Failure.Exhausted(attempt), res.Execution, &attemptReq)
				return false
			}
			if res.Execution != nil {
				if _, err := d.record(repo.StageRecord{
					Execution:  res.Execution,
					Provenance: d.provenance(res.Execution, sample.Name, &attemptReq),
				}); err != nil {
					return false
				}
				d.o.publishStageCompleted(res.Execution)
			}

			delay := calculateBackoff(attempt, policy)
			stageLogger.Info("retrying stage after transient failure",
				"code", res.Failure.Code,
				"delay", delay,
			)
			select {
			case <-time.After(delay):
			case <-d.ctx.Done():
				return false
			}
		}
	}
}

// commitSuccess атомарно фиксирует попытку, продвижение sample и provenance.
func (d *runDriver) commitSuccess(sample *domain.Sample, idx int, res dispatcher.Result, req *stage.Request, logger *slog.Logger) bool {
	status := domain.SampleStatusRunning
	if idx == len(d.seq)-1 {
		status = domain.SampleStatusCompleted
	}
	upd := &domain.SampleUpdate{
		SampleID:   sample.ID,
		Status:     status,
		Stage:      d.seq[idx],
		StageIndex: idx,
		Completed:  true,
	}
	if out := res.Output; out != nil {
		upd.Metrics = out.Metrics
		upd.Artifacts = out.Artifacts
	}

	if res.Execution == nil {
		return d.updateSample(upd)
	}

	rec := repo.StageRecord{Execution: res.Execution, Sample: upd}
	if !res.Deduplicated {
		rec.Provenance = d.provenance(res.Execution, sample.Name, req)
	}
	applied, err := d.record(rec)
	if err != nil {
		return false
	}
	if !applied {
		logger.Debug("stale sample update dropped")
	}
	if !res.Deduplicated {
		d.o.publishStageCompleted(res.Execution)
	}

	logger.Info("stage completed",
		"deduplicated", res.Deduplicated,
		"sample_status", status,
	)
	return true
}

// failSample помечает sample упавшим на stage idx.
func (d *runDriver) failSample(sample *domain.Sample, idx int, f *stage.Failure, exec *domain.StageExecution, req *stage.Request) {
	upd := &domain.SampleUpdate{
		SampleID:   sample.ID,
		Status:     domain.SampleStatusFailed,
		Stage:      d.seq[idx],
		StageIndex: idx,
		Error:      f.Detail(),
	}

	d.logger.Warn("sample failed",
		"sample_id", sample.ID,
		"stage", d.seq[idx],
		"code", f.Code,
		"error", f.Error(),
	)

	if exec == nil {
		d.updateSample(upd)
		return
	}
	if _, err := d.record(repo.StageRecord{
		Execution:  exec,
		Sample:     upd,
		Provenance: d.provenance(exec, sample.Name, req),
	}); err == nil {
		d.o.publishStageCompleted(exec)
	}
}

// cancelSample помечает sample отменённым.
func (d *runDriver) cancelSample(sample *domain.Sample, idx int, exec *domain.StageExecution, req *stage.Request) {
	upd := &domain.SampleUpdate{
		SampleID:   sample.ID,
		Status:     domain.SampleStatusCancelled,
		StageIndex: idx,
		Error:      domain.NewErrorDetail("RUN_CANCELLED", "run was cancelled", ""),
	}
	if sample.Status == domain.SampleStatusRunning && idx < len(d.seq) {
		upd.Stage = d.seq[idx]
	} else {
		upd.Stage = sample.CurrentStage
	}

	if exec == nil {
		d.updateSample(upd)
		return
	}
	if _, err := d.record(repo.StageRecord{
		Execution:  exec,
		Sample:     upd,
		Provenance: d.provenance(exec, sample.Name, req),
	}); err == nil {
		d.o.publishStageCompleted(exec)
	}
}

// completeSample закрывает sample, у которого пройдены все stages.
func (d *runDriver) completeSample(sample *domain.Sample) {
	ctx, cancel := context.WithTimeout(d.ctx, storeTimeout)
	defer cancel()

	_, err := d.o.store.UpdateRun(ctx, d.runID, func(r *domain.Run) error {
		s, ok := r.Sample(sample.ID)
		if !ok || s.Status.IsTerminal() {
			return errNoChange
		}
		s.Status = domain.SampleStatusCompleted
		s.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		d.logger.Error("failed to complete sample", "sample_id", sample.ID, "error", err)
	}
}

// markStageStarted отмечает stage, на которой сейчас находится sample.
func (d *runDriver) markStageStarted(sample *domain.Sample, idx int) {
	d.updateSample(&domain.SampleUpdate{
		SampleID:   sample.ID,
		Status:     domain.SampleStatusRunning,
		Stage:      d.seq[idx],
		StageIndex: idx,
	})
}

func (d *runDriver) updateSample(upd *domain.SampleUpdate) bool {
	if d.ctx.Err() != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(d.ctx, storeTimeout)
	defer cancel()

	_, err := d.o.store.UpdateSampleStatus(ctx, *upd)
	switch {
	case err == nil:
		return true
	case errors.Is(err, repo.ErrStaleUpdate):
		d.logger.Debug("stale sample update dropped", "sample_id", upd.SampleID, "stage", upd.Stage)
		return true
	default:
		if d.ctx.Err() == nil {
			d.logger.Error("failed to update sample", "sample_id", upd.SampleID, "error", err)
		}
		return false
	}
}

// record пишет закрытую попытку, повторяя запись, пока хранилище недоступно.
// Иначе успешный результат был бы потерян вместе с его provenance.
func (d *runDriver) record(rec repo.StageRecord) (bool, error) {
	delay := d.o.def.Retry.InitialDelay
	for {
		if d.ctx.Err() != nil {
			return false, d.ctx.Err()
		}
		ctx, cancel := context.WithTimeout(d.ctx, storeTimeout)
		applied, err := d.o.store.RecordStageExecution(ctx, rec)
		cancel()
		if err == nil {
			return applied, nil
		}
		if d.ctx.Err() != nil {
			return false, d.ctx.Err()
		}
		if errors.Is(err, repo.ErrNotFound) || errors.Is(err, repo.ErrInvalidState) {
			d.logger.Error("cannot record stage execution", "execution_id", rec.Execution.ID, "error", err)
			return false, err
		}

		d.logger.Warn("failed to record stage execution, retrying",
			"execution_id", rec.Execution.ID,
			"delay", delay,
			"error", err,
		)
		select {
		case <-time.After(delay):
		case <-d.ctx.Done():
		}
		delay = min(delay*2, d.o.def.Retry.MaxDelay)
	}
}

func (d *runDriver) load(sampleID uuid.UUID) (*domain.Run, *domain.Sample, error) {
	ctx, cancel := context.WithTimeout(d.ctx, storeTimeout)
	defer cancel()

	run, err := d.o.store.GetRun(ctx, d.runID)
	if err != nil {
		return nil, nil, err
	}
	sample, ok := run.Sample(sampleID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrSampleNotFound, sampleID)
	}
	return run, sample, nil
}

// request собирает вход executor'а из состояния sample и конфигурации run.
func (d *runDriver) request(run *domain.Run, sample *domain.Sample, kind domain.StageKind) *stage.Request {
	req := &stage.Request{
		RunID:      run.ID,
		SampleID:   sample.ID,
		SampleName: sample.Name,
		Stage:      kind,
		Mode:       run.Mode,
		Inputs:     sample.Inputs(),
		Params:     run.Config.StageParams(kind),
		Seed:       run.Config.Seed,
		Tool:       d.o.def.Tool(kind),
	}
	if d.o.workRoot != "" {
		req.WorkDir = filepath.Join(d.o.workRoot, run.Code, sample.Name, string(kind))
	}
	return req
}

// provenance строит запись по закрытой попытке.
func (d *runDriver) provenance(exec *domain.StageExecution, sampleName string, req *stage.Request) *domain.ProvenanceEntry {
	var params map[string]any
	if req != nil {
		params = req.Params
	}
	entry := domain.ProvenanceFromExecution(exec, sampleName, params)
	if req != nil {
		if entry.ToolName == "" {
			entry.ToolName = req.Tool.Name
			entry.ToolVersion = req.Tool.Version
		}
		if len(entry.Seeds) == 0 {
			entry.Seeds = map[string]int64{"seed": req.Seed}
		}
	}
	if entry.ToolName == "" {
		entry.ToolName = string(exec.Stage)
	}
	return entry
}
