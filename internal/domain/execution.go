package domain

import (
	"time"

	"github.com/google/uuid"
)

// StageExecution — одна попытка выполнить stage для sample.
//
// StageExecution создаётся Dispatcher'ом при захвате ключа идемпотентности
// (sample, stage, fingerprint) и закрывается хранилищем атомарно вместе
// с обновлением sample.
type StageExecution struct {
	// ID — уникальный идентификатор попытки.
	ID uuid.UUID `json:"id"`

	// RunID — ссылка на run.
	RunID uuid.UUID `json:"run_id"`

	// SampleID — ссылка на sample.
	SampleID uuid.UUID `json:"sample_id"`

	// Stage — какая stage выполняется.
	Stage StageKind `json:"stage"`

	// Attempt — номер попытки (начиная с 1).
	// Увеличивается при retry, fingerprint при этом не меняется.
	Attempt int `json:"attempt"`

	// Fingerprint — хэш входов и параметров stage.
	Fingerprint string `json:"fingerprint"`

	// Outcome — исход попытки.
	Outcome ExecutionOutcome `json:"outcome"`

	// Failure — классификация ошибки для failed.
	Failure FailureKind `json:"failure,omitempty"`

	// OutputRef — ссылка на результат stage.
	OutputRef string `json:"output_ref,omitempty"`

	// Output — структурированный результат executor'а.
	Output *StageOutput `json:"output,omitempty"`

	// Error — ошибка попытки.
	Error *ErrorDetail `json:"error,omitempty"`

	// StartedAt — время начала выполнения.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt — время завершения.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// StageOutput — структурированный результат stage, сохраняемый в store.
type StageOutput struct {
	// Ref — ссылка на основной выходной артефакт.
	Ref string `json:"ref,omitempty"`

	// Metrics — метрики stage (сливаются в metrics bag sample).
	Metrics map[string]any `json:"metrics,omitempty"`

	// Artifacts — именованные выходные файлы.
	Artifacts map[string]string `json:"artifacts,omitempty"`

	// InputChecksums — sha256 входных файлов.
	InputChecksums map[string]string `json:"input_checksums,omitempty"`

	// Checksums — sha256 выходных файлов.
	Checksums map[string]string `json:"checksums,omitempty"`

	ToolName    string `json:"tool_name,omitempty"`
	ToolVersion string `json:"tool_version,omitempty"`

	// Seeds — использованные random seeds.
	Seeds map[string]int64 `json:"seeds,omitempty"`
}

// NewStageExecution создаёт попытку в статусе running.
func NewStageExecution(runID, sampleID uuid.UUID, stage StageKind, attempt int, fingerprint string) *StageExecution {
	return &StageExecution{
		ID:          uuid.New(),
		RunID:       runID,
		SampleID:    sampleID,
		Stage:       stage,
		Attempt:     attempt,
		Fingerprint: fingerprint,
		Outcome:     OutcomeRunning,
		StartedAt:   time.Now(),
	}
}

// Duration возвращает продолжительность выполнения.
func (e *StageExecution) Duration() time.Duration {
	if e.FinishedAt == nil {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// IsFinished возвращает true, если попытка завершена.
func (e *StageExecution) IsFinished() bool {
	return e.Outcome.IsTerminal()
}

// MarkSucceeded закрывает попытку успехом.
func (e *StageExecution) MarkSucceeded(out *StageOutput) {
	now := time.Now()
	e.Outcome = OutcomeSucceeded
	e.FinishedAt = &now
	e.Output = out
	if out != nil {
		e.OutputRef = out.Ref
	}
}

// MarkFailed закрывает попытку ошибкой.
func (e *StageExecution) MarkFailed(kind FailureKind, detail *ErrorDetail) {
	now := time.Now()
	e.Outcome = OutcomeFailed
	e.Failure = kind
	e.FinishedAt = &now
	e.Error = detail
}

// MarkCancelled закрывает попытку отменой.
func (e *StageExecution) MarkCancelled() {
	now := time.Now()
	e.Outcome = OutcomeCancelled
	e.FinishedAt = &now
	e.Error = NewErrorDetail("STAGE_CANCELLED", "stage execution cancelled", "")
}
