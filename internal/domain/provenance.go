package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProvenanceEntry — неизменяемая запись о вызове stage.
//
// Записи только добавляются. Ключ — (RunID, Seq), Seq назначается
// хранилищем внутри транзакции записи.
type ProvenanceEntry struct {
	// RunID — ссылка на run.
	RunID uuid.UUID `json:"run_id"`

	// Seq — порядковый номер записи внутри run (начиная с 1).
	Seq int64 `json:"seq"`

	// ExecutionID — ссылка на StageExecution (uuid.Nil для записей уровня run).
	ExecutionID uuid.UUID `json:"execution_id,omitempty"`

	// SampleID — ссылка на sample (uuid.Nil для записей уровня run).
	SampleID uuid.UUID `json:"sample_id,omitempty"`

	// SampleName — имя sample на момент записи.
	SampleName string `json:"sample_name,omitempty"`

	Stage   StageKind        `json:"stage,omitempty"`
	Attempt int              `json:"attempt,omitempty"`
	Outcome ExecutionOutcome `json:"outcome,omitempty"`

	// ToolName/ToolVersion — идентичность инструмента.
	ToolName    string `json:"tool_name"`
	ToolVersion string `json:"tool_version"`

	// Params — параметры вызова.
	Params map[string]any `json:"params,omitempty"`

	// Fingerprint — fingerprint соответствующей StageExecution.
	Fingerprint string `json:"fingerprint,omitempty"`

	// InputChecksums/OutputChecksums — путь → sha256.
	InputChecksums  map[string]string `json:"input_checksums,omitempty"`
	OutputChecksums map[string]string `json:"output_checksums,omitempty"`

	// Seeds — random seeds инструмента.
	Seeds map[string]int64 `json:"seeds,omitempty"`

	// StartedAt — начало вызова.
	StartedAt time.Time `json:"started_at"`

	// Duration — wall-clock продолжительность.
	Duration time.Duration `json:"duration_ns"`

	// RecordedAt — момент добавления записи.
	RecordedAt time.Time `json:"recorded_at"`
}

// ProvenanceFromExecution строит запись по закрытой попытке.
func ProvenanceFromExecution(exec *StageExecution, sampleName string, params map[string]any) *ProvenanceEntry {
	entry := &ProvenanceEntry{
		RunID:       exec.RunID,
		ExecutionID: exec.ID,
		SampleID:    exec.SampleID,
		SampleName:  sampleName,
		Stage:       exec.Stage,
		Attempt:     exec.Attempt,
		Outcome:     exec.Outcome,
		Params:      params,
		Fingerprint: exec.Fingerprint,
		StartedAt:   exec.StartedAt,
		Duration:    exec.Duration(),
	}
	if out := exec.Output; out != nil {
		entry.ToolName = out.ToolName
		entry.ToolVersion = out.ToolVersion
		entry.InputChecksums = out.InputChecksums
		entry.OutputChecksums = out.Checksums
		entry.Seeds = out.Seeds
	}
	return entry
}
