package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/vgap/internal/domain"
)

// Input — данные, из которых строится отчёт.
type Input struct {
	ReportID    uuid.UUID
	GeneratedAt time.Time
	Run         *domain.Run
	Provenance  []domain.ProvenanceEntry
}

// Generator — построитель содержимого отчёта одного формата.
type Generator interface {
	// Format — формат, который строит генератор.
	Format() domain.ReportFormat

	// Extension — расширение объекта в хранилище.
	Extension() string

	// Render возвращает содержимое и его MIME-тип.
	Render(ctx context.Context, in Input) ([]byte, string, error)
}

// JSONGenerator — машиночитаемая сводка run.
type JSONGenerator struct{}

var _ Generator = JSONGenerator{}

func (JSONGenerator) Format() domain.ReportFormat { return domain.ReportFormatJSON }

func (JSONGenerator) Extension() string { return "json" }

// Render строит JSON-сводку.
func (JSONGenerator) Render(ctx context.Context, in Input) ([]byte, string, error) {
	if in.Run == nil {
		return nil, "", fmt.Errorf("render report: run is required")
	}
	data, err := json.MarshalIndent(buildSummary(in), "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("marshal report: %w", err)
	}
	return data, "application/json", nil
}

type summary struct {
	ReportID    uuid.UUID        `json:"report_id"`
	GeneratedAt time.Time        `json:"generated_at"`
	Run         runSummary       `json:"run"`
	Samples     []sampleSummary  `json:"samples"`
	Tools       []toolSummary    `json:"tools"`
	Provenance  []provenanceLine `json:"provenance"`
}

type runSummary struct {
	ID         uuid.UUID        `json:"id"`
	Code       string           `json:"code"`
	Name       string           `json:"name"`
	Mode       domain.Mode      `json:"mode"`
	Status     domain.RunStatus `json:"status"`
	Config     domain.RunConfig `json:"config"`
	CreatedAt  time.Time        `json:"created_at"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Completed  int              `json:"samples_completed"`
	Failed     int              `json:"samples_failed"`
	Cancelled  int              `json:"samples_cancelled"`
}

type sampleSummary struct {
	ID          uuid.UUID           `json:"id"`
	Name        string              `json:"name"`
	Status      domain.SampleStatus `json:"status"`
	FailedStage domain.StageKind    `json:"failed_stage,omitempty"`
	Error       *domain.ErrorDetail `json:"error,omitempty"`
	Metrics     map[string]any      `json:"metrics,omitempty"`
	Artifacts   map[string]string   `json:"artifacts,omitempty"`
}

type toolSummary struct {
	Stage   domain.StageKind `json:"stage"`
	Name    string           `json:"name"`
	Version string           `json:"version"`
}

type provenanceLine struct {
	Seq         int64             `json:"seq"`
	SampleName  string            `json:"sample_name,omitempty"`
	Stage       domain.StageKind  `json:"stage,omitempty"`
	Attempt     int               `json:"attempt,omitempty"`
	Outcome     string            `json:"outcome,omitempty"`
	Tool        string            `json:"tool"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Outputs     map[string]string `json:"output_checksums,omitempty"`
}

func buildSummary(in Input) summary {
	run := in.Run
	completed, failed, cancelled, _ := run.Summary()

	s := summary{
		ReportID:    in.ReportID,
		GeneratedAt: in.GeneratedAt,
		Run: runSummary{
			ID:         run.ID,
			Code:       run.Code,
			Name:       run.Name,
			Mode:       run.Mode,
			Status:     run.Status,
			Config:     run.Config,
			CreatedAt:  run.CreatedAt,
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
			Completed:  completed,
			Failed:     failed,
			Cancelled:  cancelled,
		},
		Samples:    make([]sampleSummary, 0, len(run.Samples)),
		Tools:      []toolSummary{},
		Provenance: make([]provenanceLine, 0, len(in.Provenance)),
	}

	for _, sm := range run.Samples {
		s.Samples = append(s.Samples, sampleSummary{
			ID:          sm.ID,
			Name:        sm.Name,
			Status:      sm.Status,
			FailedStage: sm.FailedStage,
			Error:       sm.Error,
			Metrics:     sm.Metrics,
			Artifacts:   sm.Artifacts,
		})
	}

	seen := make(map[string]bool)
	for _, e := range in.Provenance {
		s.Provenance = append(s.Provenance, provenanceLine{
			Seq:         e.Seq,
			SampleName:  e.SampleName,
			Stage:       e.Stage,
			Attempt:     e.Attempt,
			Outcome:     string(e.Outcome),
			Tool:        e.ToolName + " " + e.ToolVersion,
			Fingerprint: e.Fingerprint,
			Outputs:     e.OutputChecksums,
		})

		if e.Stage == "" {
			continue
		}
		key := string(e.Stage) + "|" + e.ToolName + "|" + e.ToolVersion
		if !seen[key] {
			seen[key] = true
			s.Tools = append(s.Tools, toolSummary{Stage: e.Stage, Name: e.ToolName, Version: e.ToolVersion})
		}
	}
	return s
}
