package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/vgap/internal/domain"
)

// MemStore — in-memory реализация Store для тестов и dev-режима.
//
// Транзакционность обеспечивается одним мьютексом: каждая операция
// работает с копиями записей и фиксирует их только при успехе.
// Значения копируются через JSON, поэтому числа в map[string]any
// читаются как float64, так же как из JSONB в PGStore.
type MemStore struct {
	mu    sync.Mutex
	state memoryState
	now   func() time.Time
}

type memoryState struct {
	runs       map[uuid.UUID]*domain.Run
	executions map[uuid.UUID]*domain.StageExecution
	provenance map[uuid.UUID][]domain.ProvenanceEntry
	reports    map[uuid.UUID][]domain.ReportArtifact
	seq        int64
}

// NewMemStore создаёт пустое хранилище.
func NewMemStore() *MemStore {
	return &MemStore{
		state: memoryState{
			runs:       make(map[uuid.UUID]*domain.Run),
			executions: make(map[uuid.UUID]*domain.StageExecution),
			provenance: make(map[uuid.UUID][]domain.ProvenanceEntry),
			reports:    make(map[uuid.UUID][]domain.ReportArtifact),
		},
		now: time.Now,
	}
}

var _ Store = (*MemStore)(nil)

// clone возвращает глубокую копию значения.
func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("repo: clone %T: %v", v, err))
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("repo: clone %T: %v", v, err))
	}
	return &out
}

// CreateRun сохраняет run вместе с samples.
func (s *MemStore) CreateRun(ctx context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.runs[run.ID]; ok {
		return fmt.Errorf("%w: run %s", ErrAlreadyExists, run.ID)
	}
	seen := make(map[string]bool, len(run.Samples))
	for _, sm := range run.Samples {
		if seen[sm.Name] {
			return fmt.Errorf("%w: sample %s", ErrAlreadyExists, sm.Name)
		}
		seen[sm.Name] = true
	}
	s.state.runs[run.ID] = clone(run)
	return nil
}

// GetRun возвращает run с samples.
func (s *MemStore) GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.state.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(run), nil
}

// ListRuns возвращает страницу runs.
func (s *MemStore) ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, int, error) {
	filter = normalizeFilter(filter)

	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*domain.Run
	for _, run := range s.state.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		matched = append(matched, run)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	var page []domain.Run
	for i := filter.Offset; i < total && len(page) < filter.Limit; i++ {
		run := clone(matched[i])
		run.Samples = nil
		page = append(page, *run)
	}
	return page, total, nil
}

// UpdateRun выполняет read-modify-write run.
func (s *MemStore) UpdateRun(ctx context.Context, id uuid.UUID, fn func(run *domain.Run) error) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.state.runs[id]
	if !ok {
		return nil, ErrNotFound
	}

	draft := clone(current)
	if err := fn(draft); err != nil {
		return nil, err
	}
	draft.ID = current.ID
	s.state.runs[id] = draft
	return clone(draft), nil
}

// UpdateSampleStatus применяет обновление sample.
func (s *MemStore) UpdateSampleStatus(ctx context.Context, update domain.SampleUpdate) (*domain.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sample, err := s.findSampleLocked(update.SampleID)
	if err != nil {
		return nil, err
	}
	draft := clone(sample)
	if !update.Apply(draft, s.now()) {
		return nil, ErrStaleUpdate
	}
	*sample = *draft
	return clone(sample), nil
}

func (s *MemStore) findSampleLocked(id uuid.UUID) (*domain.Sample, error) {
	for _, run := range s.state.runs {
		if sm, ok := run.Sample(id); ok {
			return sm, nil
		}
	}
	return nil, fmt.Errorf("%w: sample %s", ErrNotFound, id)
}

// ClaimExecution захватывает ключ идемпотентности попытки.
func (s *MemStore) ClaimExecution(ctx context.Context, exec *domain.StageExecution) (*domain.StageExecution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.runs[exec.RunID]; !ok {
		return nil, false, fmt.Errorf("%w: run %s", ErrNotFound, exec.RunID)
	}

	for _, e := range s.state.executions {
		if e.SampleID == exec.SampleID && e.Stage == exec.Stage &&
			e.Fingerprint == exec.Fingerprint && e.Outcome.Blocking() {
			return clone(e), false, nil
		}
	}

	if _, ok := s.state.executions[exec.ID]; ok {
		return nil, false, fmt.Errorf("%w: execution %s", ErrAlreadyExists, exec.ID)
	}
	s.state.executions[exec.ID] = clone(exec)
	return nil, true, nil
}

// FindSucceededExecution возвращает успешную попытку с тем же ключом.
func (s *MemStore) FindSucceededExecution(ctx context.Context, sampleID uuid.UUID, stage domain.StageKind, fingerprint string) (*domain.StageExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.state.executions {
		if e.SampleID == sampleID && e.Stage == stage &&
			e.Fingerprint == fingerprint && e.Outcome == domain.OutcomeSucceeded {
			return clone(e), nil
		}
	}
	return nil, ErrNotFound
}

// RecordStageExecution атомарно фиксирует попытку, sample и provenance.
func (s *MemStore) RecordStageExecution(ctx context.Context, rec StageRecord) (bool, error) {
	if rec.Execution == nil || !rec.Execution.Outcome.IsTerminal() {
		return false, fmt.Errorf("%w: execution must be finished", ErrInvalidState)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exec := rec.Execution
	if _, ok := s.state.runs[exec.RunID]; !ok {
		return false, fmt.Errorf("%w: run %s", ErrNotFound, exec.RunID)
	}

	// Все проверки до первой мутации.
	var sample, draft *domain.Sample
	applied := true
	if rec.Sample != nil {
		var err error
		sample, err = s.findSampleLocked(rec.Sample.SampleID)
		if err != nil {
			return false, err
		}
		draft = clone(sample)
		applied = rec.Sample.Apply(draft, s.now())
	}

	s.state.executions[exec.ID] = clone(exec)
	if sample != nil && applied {
		*sample = *draft
	}
	if rec.Provenance != nil {
		s.appendProvenanceLocked(exec.RunID, rec.Provenance)
	}
	return applied, nil
}

// ListExecutions возвращает попытки run.
func (s *MemStore) ListExecutions(ctx context.Context, runID uuid.UUID) ([]domain.StageExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.StageExecution
	for _, e := range s.state.executions {
		if e.RunID == runID {
			out = append(out, *clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].Attempt < out[j].Attempt
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// AbandonRunningExecutions закрывает зависшие попытки run.
func (s *MemStore) AbandonRunningExecutions(ctx context.Context, runID uuid.UUID, detail *domain.ErrorDetail) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.state.executions {
		if e.RunID == runID && e.Outcome == domain.OutcomeRunning {
			e.MarkFailed(domain.FailureTransient, detail)
			n++
		}
	}
	return n, nil
}

// ClaimRun берёт аренду на ведение run.
func (s *MemStore) ClaimRun(ctx context.Context, runID uuid.UUID, owner string, ttl time.Duration) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.state.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	if !run.Status.IsActive() {
		return nil, fmt.Errorf("%w: run is %s", ErrInvalidState, run.Status)
	}
	now := s.now()
	if run.LeaseExpiresAt != nil && run.LeaseExpiresAt.After(now) {
		return nil, ErrLeaseHeld
	}

	expires := now.Add(ttl)
	run.LeaseOwner = owner
	run.LeaseExpiresAt = &expires
	return clone(run), nil
}

// RenewLease продлевает аренду.
func (s *MemStore) RenewLease(ctx context.Context, runID uuid.UUID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.state.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if run.LeaseOwner != owner {
		return ErrLeaseHeld
	}
	expires := s.now().Add(ttl)
	run.LeaseExpiresAt = &expires
	return nil
}

// ReleaseRun снимает аренду.
func (s *MemStore) ReleaseRun(ctx context.Context, runID uuid.UUID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.state.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if run.LeaseOwner == owner {
		run.LeaseOwner = ""
		run.LeaseExpiresAt = nil
	}
	return nil
}

// ListClaimable возвращает активные runs без действующей аренды.
func (s *MemStore) ListClaimable(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var runs []*domain.Run
	for _, run := range s.state.runs {
		if !run.Status.IsActive() {
			continue
		}
		if run.LeaseExpiresAt != nil && run.LeaseExpiresAt.After(now) {
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })

	var ids []uuid.UUID
	for _, run := range runs {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, run.ID)
	}
	return ids, nil
}

// AppendProvenance добавляет запись provenance.
func (s *MemStore) AppendProvenance(ctx context.Context, entry *domain.ProvenanceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.runs[entry.RunID]; !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, entry.RunID)
	}
	s.appendProvenanceLocked(entry.RunID, entry)
	return nil
}

func (s *MemStore) appendProvenanceLocked(runID uuid.UUID, entry *domain.ProvenanceEntry) {
	s.state.seq++
	stored := clone(entry)
	stored.RunID = runID
	stored.Seq = s.state.seq
	stored.RecordedAt = s.now().UTC()
	s.state.provenance[runID] = append(s.state.provenance[runID], *stored)

	entry.RunID = runID
	entry.Seq = stored.Seq
	entry.RecordedAt = stored.RecordedAt
}

// ListProvenance возвращает записи run в порядке Seq.
func (s *MemStore) ListProvenance(ctx context.Context, runID uuid.UUID) ([]domain.ProvenanceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.state.provenance[runID]
	out := make([]domain.ProvenanceEntry, 0, len(entries))
	for i := range entries {
		out = append(out, *clone(&entries[i]))
	}
	return out, nil
}

// CreateReport сохраняет запись отчёта.
func (s *MemStore) CreateReport(ctx context.Context, artifact *domain.ReportArtifact, fill func(*domain.ReportArtifact) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.runs[artifact.RunID]; !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, artifact.RunID)
	}

	var last time.Time
	for _, r := range s.state.reports[artifact.RunID] {
		if r.ID == artifact.ID {
			return fmt.Errorf("%w: report %s", ErrAlreadyExists, artifact.ID)
		}
		if r.GeneratedAt.After(last) {
			last = r.GeneratedAt
		}
	}

	artifact.GeneratedAt = nextReportTime(artifact.GeneratedAt, last)
	if fill != nil {
		if err := fill(artifact); err != nil {
			return err
		}
	}
	s.state.reports[artifact.RunID] = append(s.state.reports[artifact.RunID], *clone(artifact))
	return nil
}

// GetReport возвращает отчёт run.
func (s *MemStore) GetReport(ctx context.Context, runID, reportID uuid.UUID) (*domain.ReportArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.state.reports[runID] {
		if s.state.reports[runID][i].ID == reportID {
			return clone(&s.state.reports[runID][i]), nil
		}
	}
	return nil, ErrNotFound
}

// ListReports возвращает отчёты run.
func (s *MemStore) ListReports(ctx context.Context, runID uuid.UUID) ([]domain.ReportArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.ReportArtifact, 0, len(s.state.reports[runID]))
	for i := range s.state.reports[runID] {
		out = append(out, *clone(&s.state.reports[runID][i]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GeneratedAt.Before(out[j].GeneratedAt) })
	return out, nil
}

// PurgeRuns удаляет старые терминальные runs.
func (s *MemStore) PurgeRuns(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uuid.UUID
	for id, run := range s.state.runs {
		if limit > 0 && len(ids) >= limit {
			break
		}
		if !run.Status.IsTerminal() || run.FinishedAt == nil || !run.FinishedAt.Before(before) {
			continue
		}
		ids = append(ids, id)
	}

	for _, id := range ids {
		delete(s.state.runs, id)
		delete(s.state.provenance, id)
		delete(s.state.reports, id)
		for eid, e := range s.state.executions {
			if e.RunID == id {
				delete(s.state.executions, eid)
			}
		}
	}
	return ids, nil
}
