package stage

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/shaiso/vgap/internal/domain"
	"github.com/shaiso/vgap/internal/pipeline"
)

// Executor — capability contract одной stage pipeline.
//
// Execute должен быть идемпотентным при одинаковом fingerprint запроса.
// ctx отменяется при отмене run и по истечении бюджета времени stage.
type Executor interface {
	Execute(ctx context.Context, req *Request) (*domain.StageOutput, error)
}

// ExecutorFunc — адаптер функции к Executor.
type ExecutorFunc func(ctx context.Context, req *Request) (*domain.StageOutput, error)

// Execute вызывает f(ctx, req).
func (f ExecutorFunc) Execute(ctx context.Context, req *Request) (*domain.StageOutput, error) {
	return f(ctx, req)
}

// Request — типизированный вход stage.
type Request struct {
	RunID      uuid.UUID        `json:"run_id"`
	SampleID   uuid.UUID        `json:"sample_id"`
	SampleName string           `json:"sample_name"`
	Stage      domain.StageKind `json:"stage"`
	Mode       domain.Mode      `json:"mode"`

	// Attempt — номер попытки. В fingerprint не входит.
	Attempt int `json:"attempt"`

	// Inputs — ссылки на входные файлы: r1, r2 и артефакты предыдущих stages.
	Inputs map[string]string `json:"inputs"`

	// Params — параметры инструмента.
	Params map[string]any `json:"params"`

	// Seed — seed для стохастических инструментов.
	Seed int64 `json:"seed"`

	// Tool — идентичность инструмента из определения pipeline.
	Tool pipeline.Tool `json:"tool"`

	// WorkDir — рабочая директория stage.
	WorkDir string `json:"work_dir,omitempty"`
}

// Registry — таблица executor'ов по stage kind.
type Registry struct {
	executors map[domain.StageKind]Executor
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[domain.StageKind]Executor)}
}

// Register добавляет executor для stage kind.
func (r *Registry) Register(kind domain.StageKind, executor Executor) {
	r.executors[kind] = executor
}

// Get возвращает executor для stage kind.
func (r *Registry) Get(kind domain.StageKind) (Executor, error) {
	executor, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, kind)
	}
	return executor, nil
}

// Missing возвращает stages из последовательности, для которых нет executor'а.
func (r *Registry) Missing(seq []domain.StageKind) []domain.StageKind {
	var missing []domain.StageKind
	for _, kind := range seq {
		if _, ok := r.executors[kind]; !ok {
			missing = append(missing, kind)
		}
	}
	return missing
}

// Kinds возвращает зарегистрированные stage kinds в отсортированном виде.
func (r *Registry) Kinds() []domain.StageKind {
	kinds := make([]domain.StageKind, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// NewRegistryFromDefinition собирает реестр по определению pipeline:
// stages с command получают CommandExecutor, остальным назначается fallback
// (если он не nil).
func NewRegistryFromDefinition(def *pipeline.Definition, fallback func(kind domain.StageKind, tool pipeline.Tool) Executor) *Registry {
	r := NewRegistry()
	for _, kind := range domain.AllStageKinds {
		sd, ok := def.Stages[kind]
		switch {
		case ok && sd.Command != nil:
			r.Register(kind, NewCommandExecutor(*sd.Command, sd.Tool))
		case fallback != nil:
			if ex := fallback(kind, sd.Tool); ex != nil {
				r.Register(kind, ex)
			}
		}
	}
	return r
}
