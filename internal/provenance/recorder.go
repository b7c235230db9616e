package provenance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/shaiso/vgap/internal/domain"
	"github.com/shaiso/vgap/internal/repo"
)

// Store — часть хранилища, нужная Recorder'у.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	AppendProvenance(ctx context.Context, entry *domain.ProvenanceEntry) error
	ListProvenance(ctx context.Context, runID uuid.UUID) ([]domain.ProvenanceEntry, error)
}

// Recorder — доступ к журналу provenance.
type Recorder struct {
	store Store

	// baseDir — корень рабочих директорий; пути в manifest делаются относительно него.
	baseDir string
	logger  *slog.Logger
}

// NewRecorder создаёт Recorder.
func NewRecorder(store Store, baseDir string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:   store,
		baseDir: baseDir,
		logger:  logger.With("component", "provenance"),
	}
}

// Record добавляет запись в журнал run. Seq назначается хранилищем.
func (r *Recorder) Record(ctx context.Context, entry *domain.ProvenanceEntry) error {
	if entry == nil || entry.RunID == uuid.Nil {
		return fmt.Errorf("%w: run_id is required", ErrInvalidEntry)
	}
	if entry.ToolName == "" {
		return fmt.Errorf("%w: tool_name is required", ErrInvalidEntry)
	}
	if err := r.store.AppendProvenance(ctx, entry); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, entry.RunID)
		}
		return fmt.Errorf("append provenance: %w", err)
	}

	r.logger.Debug("provenance recorded",
		"run_id", entry.RunID,
		"seq", entry.Seq,
		"tool", entry.ToolName,
	)
	return nil
}

// GetProvenance возвращает журнал run в порядке Seq.
func (r *Recorder) GetProvenance(ctx context.Context, runID uuid.UUID) ([]domain.ProvenanceEntry, error) {
	if _, err := r.store.GetRun(ctx, runID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	entries, err := r.store.ListProvenance(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list provenance: %w", err)
	}
	return entries, nil
}

// Manifest пишет checksum manifest выходов успешных stages run.
func (r *Recorder) Manifest(ctx context.Context, runID uuid.UUID, w io.Writer) error {
	entries, err := r.GetProvenance(ctx, runID)
	if err != nil {
		return err
	}
	sums := make(map[string]string)
	for _, e := range latestSucceeded(entries) {
		for p, sum := range e.OutputChecksums {
			sums[p] = sum
		}
	}
	return WriteManifest(w, sums, r.baseDir)
}

// Mismatch — расхождение между двумя runs.
type Mismatch struct {
	// Key — sample/stage/файл (или sample/stage для расхождения версии инструмента).
	Key      string `json:"key"`
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Verification — результат сравнения выходов двух runs.
type Verification struct {
	RunID        uuid.UUID  `json:"run_id"`
	AgainstRunID uuid.UUID  `json:"against_run_id"`
	Matched      int        `json:"matched"`
	Mismatches   []Mismatch `json:"mismatches"`

	// Missing — ключи, которые есть только в одном из runs.
	Missing []string `json:"missing"`

	Reproducible bool `json:"reproducible"`
}

// Verify сравнивает checksums выходов run с эталонным run.
//
// Выходы сопоставляются по (имя sample, stage, имя файла): рабочие
// директории runs различаются, имена файлов внутри stage нет.
func (r *Recorder) Verify(ctx context.Context, runID, againstRunID uuid.UUID) (*Verification, error) {
	actual, err := r.GetProvenance(ctx, runID)
	if err != nil {
		return nil, err
	}
	expected, err := r.GetProvenance(ctx, againstRunID)
	if err != nil {
		return nil, err
	}

	v := &Verification{
		RunID:        runID,
		AgainstRunID: againstRunID,
		Mismatches:   []Mismatch{},
		Missing:      []string{},
	}

	actualOut, actualTools := outputIndex(actual)
	expectedOut, expectedTools := outputIndex(expected)

	for key, want := range expectedTools {
		got, ok := actualTools[key]
		if ok && got != want {
			v.Mismatches = append(v.Mismatches, Mismatch{Key: key, Field: "tool_version", Expected: want, Actual: got})
		}
	}

	for key, want := range expectedOut {
		got, ok := actualOut[key]
		switch {
		case !ok:
			v.Missing = append(v.Missing, key)
		case got != want:
			v.Mismatches = append(v.Mismatches, Mismatch{Key: key, Field: "sha256", Expected: want, Actual: got})
		default:
			v.Matched++
		}
	}
	for key := range actualOut {
		if _, ok := expectedOut[key]; !ok {
			v.Missing = append(v.Missing, key)
		}
	}

	sort.Strings(v.Missing)
	sort.Slice(v.Mismatches, func(i, j int) bool {
		if v.Mismatches[i].Key == v.Mismatches[j].Key {
			return v.Mismatches[i].Field < v.Mismatches[j].Field
		}
		return v.Mismatches[i].Key < v.Mismatches[j].Key
	})
	v.Reproducible = len(v.Mismatches) == 0 && len(v.Missing) == 0

	r.logger.Info("provenance verified",
		"run_id", runID,
		"against_run_id", againstRunID,
		"matched", v.Matched,
		"mismatches", len(v.Mismatches),
		"missing", len(v.Missing),
	)
	return v, nil
}

// latestSucceeded оставляет последнюю успешную запись на (sample, stage).
func latestSucceeded(entries []domain.ProvenanceEntry) []domain.ProvenanceEntry {
	type key struct {
		sample string
		stage  domain.StageKind
	}
	latest := make(map[key]int)
	var order []key
	for i, e := range entries {
		if e.Outcome != domain.OutcomeSucceeded {
			continue
		}
		k := key{e.SampleName, e.Stage}
		if _, ok := latest[k]; !ok {
			order = append(order, k)
		}
		latest[k] = i
	}
	out := make([]domain.ProvenanceEntry, 0, len(order))
	for _, k := range order {
		out = append(out, entries[latest[k]])
	}
	return out
}

// outputIndex строит индексы checksums и версий инструментов.
func outputIndex(entries []domain.ProvenanceEntry) (outputs, tools map[string]string) {
	outputs = make(map[string]string)
	tools = make(map[string]string)
	for _, e := range latestSucceeded(entries) {
		prefix := path.Join(e.SampleName, string(e.Stage))
		tools[prefix] = e.ToolName + "@" + e.ToolVersion
		for p, sum := range e.OutputChecksums {
			outputs[path.Join(prefix, filepath.Base(p))] = sum
		}
	}
	return outputs, tools
}
