package domain

import (
	"time"

	"github.com/google/uuid"
)

// Sample — один набор данных секвенирования внутри run.
//
// Sample движется только вперёд по последовательности stages режима run.
// Откат возможен только через явный retry (ResetForRetry).
type Sample struct {
	// ID — уникальный идентификатор sample.
	ID uuid.UUID `json:"id"`

	// RunID — ссылка на родительский run.
	RunID uuid.UUID `json:"run_id"`

	// Name — имя sample (уникально внутри run).
	Name string `json:"name"`

	// Position — порядковый номер sample в run.
	Position int `json:"position"`

	// R1 — ссылка на файл прямых ридов.
	R1 string `json:"r1"`

	// R2 — ссылка на файл обратных ридов (пусто для single-end).
	R2 string `json:"r2,omitempty"`

	// Status — текущий статус sample.
	Status SampleStatus `json:"status"`

	// StageIndex — индекс последней успешно завершённой stage (-1 до QC).
	StageIndex int `json:"stage_index"`

	// CurrentStage — последняя stage, о которой известно (выполняется или завершена).
	CurrentStage StageKind `json:"current_stage,omitempty"`

	// FailedStage — stage, на которой sample упал.
	FailedStage StageKind `json:"failed_stage,omitempty"`

	// Metrics — метрики, накапливаемые по мере завершения stages.
	Metrics map[string]any `json:"metrics,omitempty"`

	// Artifacts — ссылки на выходные файлы stages (вход следующих stages).
	Artifacts map[string]string `json:"artifacts,omitempty"`

	// Error — самая конкретная известная ошибка sample.
	Error *ErrorDetail `json:"error,omitempty"`

	// UpdatedAt — время последнего изменения.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSample создаёт sample в статусе pending.
func NewSample(runID uuid.UUID, position int, name, r1, r2 string) Sample {
	return Sample{
		ID:         uuid.New(),
		RunID:      runID,
		Name:       name,
		Position:   position,
		R1:         r1,
		R2:         r2,
		Status:     SampleStatusPending,
		StageIndex: -1,
		Metrics:    map[string]any{},
		Artifacts:  map[string]string{},
		UpdatedAt:  time.Now(),
	}
}

// IsPaired возвращает true для paired-end sample.
func (s *Sample) IsPaired() bool {
	return s.R2 != ""
}

// Inputs возвращает входные ссылки sample для executor'а:
// исходные риды плюс артефакты завершённых stages.
func (s *Sample) Inputs() map[string]string {
	inputs := make(map[string]string, len(s.Artifacts)+2)
	for k, v := range s.Artifacts {
		inputs[k] = v
	}
	inputs["r1"] = s.R1
	if s.R2 != "" {
		inputs["r2"] = s.R2
	}
	return inputs
}

// ResetForRetry возвращает упавший sample к stage, на которой он упал.
func (s *Sample) ResetForRetry() {
	s.Status = SampleStatusRunning
	s.FailedStage = ""
	s.Error = nil
	s.UpdatedAt = time.Now()
}

// SampleUpdate — изменение статуса sample, применяемое хранилищем
// с проверкой порядка stages.
type SampleUpdate struct {
	SampleID uuid.UUID
	Status   SampleStatus

	// Stage — stage, к которой относится обновление.
	Stage StageKind

	// StageIndex — индекс этой stage в последовательности режима.
	// Обновление, не продвигающее sample дальше StageIndex, отбрасывается.
	StageIndex int

	// Completed — stage завершена успешно (StageIndex sample продвигается).
	Completed bool

	// Metrics — метрики, сливаемые в metrics bag.
	Metrics map[string]any

	// Artifacts — выходные ссылки, сливаемые в artifacts.
	Artifacts map[string]string

	Error *ErrorDetail
}

// Apply применяет обновление к sample. Возвращает false, если обновление
// устарело: sample уже терминален или ушёл дальше по stages.
func (u SampleUpdate) Apply(s *Sample, now time.Time) bool {
	if s.Status.IsTerminal() {
		return false
	}
	if u.StageIndex <= s.StageIndex {
		return false
	}

	s.Status = u.Status
	s.CurrentStage = u.Stage
	if u.Completed {
		s.StageIndex = u.StageIndex
	}
	if u.Status == SampleStatusFailed {
		s.FailedStage = u.Stage
	}
	if u.Error != nil {
		s.Error = u.Error
	}
	if len(u.Metrics) > 0 && s.Metrics == nil {
		s.Metrics = make(map[string]any, len(u.Metrics))
	}
	for k, v := range u.Metrics {
		s.Metrics[k] = v
	}
	if len(u.Artifacts) > 0 && s.Artifacts == nil {
		s.Artifacts = make(map[string]string, len(u.Artifacts))
	}
	for k, v := range u.Artifacts {
		s.Artifacts[k] = v
	}
	s.UpdatedAt = now
	return true
}
