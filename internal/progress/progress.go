// Package progress строит проекцию прогресса run по состоянию хранилища.
package progress

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/shaiso/vgap/internal/domain"
	"github.com/shaiso/vgap/internal/pipeline"
	"github.com/shaiso/vgap/internal/repo"
)

// ErrRunNotFound — run не найден.
var ErrRunNotFound = errors.New("run not found")

// Store — часть хранилища, нужная Reporter'у.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)
}

// Progress — снимок прогресса run.
type Progress struct {
	RunID           uuid.UUID        `json:"run_id"`
	Code            string           `json:"code"`
	Status          domain.RunStatus `json:"status"`
	CancelRequested bool             `json:"cancel_requested"`

	// Percent — от 0 до 100, с точностью до десятых.
	Percent float64 `json:"percent"`

	// CurrentStage — stage наименее продвинутого активного sample
	// или статус run, если активных нет.
	CurrentStage string `json:"current_stage"`

	Samples []SampleSummary `json:"samples"`

	Error *domain.ErrorDetail `json:"error,omitempty"`
}

// SampleSummary — прогресс одного sample.
type SampleSummary struct {
	ID           uuid.UUID           `json:"id"`
	Name         string              `json:"name"`
	Status       domain.SampleStatus `json:"status"`
	CurrentStage domain.StageKind    `json:"current_stage,omitempty"`
	FailedStage  domain.StageKind    `json:"failed_stage,omitempty"`
	Percent      float64             `json:"percent"`
	Error        *domain.ErrorDetail `json:"error,omitempty"`
	Metrics      map[string]any      `json:"metrics,omitempty"`
}

// Reporter считает прогресс по весам stages из определения pipeline.
type Reporter struct {
	store Store
	def   *pipeline.Definition
}

// NewReporter создаёт Reporter.
func NewReporter(store Store, def *pipeline.Definition) *Reporter {
	return &Reporter{store: store, def: def}
}

// GetProgress возвращает прогресс run.
func (r *Reporter) GetProgress(ctx context.Context, runID uuid.UUID) (*Progress, error) {
	run, err := r.store.GetRun(ctx, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r.Compute(run)
}

// Compute считает прогресс для уже загруженного run.
func (r *Reporter) Compute(run *domain.Run) (*Progress, error) {
	seq, err := r.def.Sequence(run.Mode)
	if err != nil {
		return nil, err
	}
	weights := r.def.StageWeights(run.Mode)

	p := &Progress{
		RunID:           run.ID,
		Code:            run.Code,
		Status:          run.Status,
		CancelRequested: run.CancelRequested,
		Samples:         make([]SampleSummary, 0, len(run.Samples)),
		Error:           run.Error,
	}

	var total float64
	leastIndex := math.MaxInt
	for i := range run.Samples {
		sm := &run.Samples[i]
		pct := samplePercent(sm, seq, weights)
		total += pct

		p.Samples = append(p.Samples, SampleSummary{
			ID:           sm.ID,
			Name:         sm.Name,
			Status:       sm.Status,
			CurrentStage: sm.CurrentStage,
			FailedStage:  sm.FailedStage,
			Percent:      floor1(pct),
			Error:        sm.Error,
			Metrics:      sm.Metrics,
		})

		if !sm.Status.IsTerminal() && sm.StageIndex < leastIndex {
			leastIndex = sm.StageIndex
		}
	}

	switch {
	case run.Status == domain.RunStatusCompleted || run.Status == domain.RunStatusFailed:
		p.Percent = 100
	case len(run.Samples) > 0:
		p.Percent = floor1(total / float64(len(run.Samples)))
	}

	p.CurrentStage = string(run.Status)
	if run.Status.IsActive() && leastIndex != math.MaxInt {
		next := leastIndex + 1
		if next >= 0 && next < len(seq) {
			p.CurrentStage = seq[next].Label()
		}
	}
	return p, nil
}

// samplePercent — сумма весов завершённых stages; completed sample — 100.
// Failed и cancelled sample остаются на точке остановки: explicit retry
// возвращает sample в работу с тем же StageIndex, и процент не падает.
func samplePercent(sm *domain.Sample, seq []domain.StageKind, weights map[domain.StageKind]float64) float64 {
	if sm.Status == domain.SampleStatusCompleted {
		return 100
	}
	var pct float64
	for i := 0; i <= sm.StageIndex && i < len(seq); i++ {
		pct += weights[seq[i]]
	}
	return math.Min(pct, 100)
}

// floor1 округляет вниз до одного знака после запятой.
func floor1(v float64) float64 {
	return math.Floor(v*10+1e-9) / 10
}
