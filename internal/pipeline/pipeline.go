package pipeline

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/vgap/internal/domain"
)

//go:embed default.yaml
var defaultDefinition []byte

// Значения по умолчанию для retry и таймаутов.
const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = 1 * time.Second
	defaultMaxDelay     = 30 * time.Second
	defaultStageTimeout = 2 * time.Hour
)

// Definition — декларативное описание pipeline.
type Definition struct {
	Version int `yaml:"version"`

	// Retry — политика повторов для transient ошибок.
	Retry RetryPolicy `yaml:"retry"`

	// Modes — последовательность stages для каждого режима.
	Modes map[domain.Mode][]domain.StageKind `yaml:"modes"`

	// Weights — относительные веса stages для расчёта прогресса.
	Weights map[domain.StageKind]float64 `yaml:"weights"`

	// Stages — настройки отдельных stages.
	Stages map[domain.StageKind]StageDef `yaml:"stages"`
}

// RetryPolicy — политика повторов.
type RetryPolicy struct {
	// MaxAttempts — максимальное число попыток (включая первую).
	MaxAttempts int `yaml:"max_attempts"`

	// Backoff — стратегия задержки: "fixed" или "exponential".
	Backoff string `yaml:"backoff"`

	// InitialDelay — начальная задержка.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay — максимальная задержка.
	MaxDelay time.Duration `yaml:"max_delay"`
}

// StageDef — настройки stage.
type StageDef struct {
	Tool    Tool          `yaml:"tool"`
	Timeout time.Duration `yaml:"timeout"`

	// Command — внешняя команда для stage.CommandExecutor (опционально).
	Command *Command `yaml:"command,omitempty"`
}

// Tool — идентичность инструмента для provenance и fingerprint.
type Tool struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
}

// Command — шаблон запуска внешнего инструмента.
//
// Args рендерятся как Go templates над запросом stage:
// {{ .Inputs.r1 }}, {{ .Params.min_depth }}, {{ .WorkDir }}.
type Command struct {
	Path string            `yaml:"path"`
	Args []string          `yaml:"args"`
	Env  map[string]string `yaml:"env,omitempty"`
}

// Default возвращает встроенное определение pipeline.
func Default() *Definition {
	def, err := Parse(defaultDefinition)
	if err != nil {
		panic(fmt.Sprintf("pipeline: invalid embedded definition: %v", err))
	}
	return def
}

// Load читает определение из YAML-файла. Пустой путь означает встроенное определение.
func Load(path string) (*Definition, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline definition: %w", err)
	}

	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("pipeline definition %s: %w", path, err)
	}
	return def, nil
}

// Parse разбирает и валидирует YAML определение.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	def.applyDefaults()

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) applyDefaults() {
	if d.Retry.MaxAttempts <= 0 {
		d.Retry.MaxAttempts = defaultMaxAttempts
	}
	if d.Retry.Backoff == "" {
		d.Retry.Backoff = "exponential"
	}
	if d.Retry.InitialDelay <= 0 {
		d.Retry.InitialDelay = defaultInitialDelay
	}
	if d.Retry.MaxDelay <= 0 {
		d.Retry.MaxDelay = defaultMaxDelay
	}
	if d.Weights == nil {
		d.Weights = make(map[domain.StageKind]float64)
	}
	if d.Stages == nil {
		d.Stages = make(map[domain.StageKind]StageDef)
	}
}

// Validate выполняет полную валидацию определения.
//
// Проверяет:
// - Наличие режимов и их последовательностей
// - Известность режимов и stage kinds
// - Отсутствие повторов stage внутри режима
// - Положительные веса для всех используемых stages
// - Корректность retry политики
func (d *Definition) Validate() error {
	if len(d.Modes) == 0 {
		return newValidationError("", "", "pipeline has no modes", ErrNoModes)
	}

	for mode, seq := range d.Modes {
		if !mode.Valid() {
			return newValidationError(string(mode), "", fmt.Sprintf("unknown mode: %s", mode), ErrUnknownMode)
		}
		if len(seq) == 0 {
			return newValidationError(string(mode), "", "mode has no stages", ErrEmptySequence)
		}

		seen := make(map[domain.StageKind]bool, len(seq))
		for _, kind := range seq {
			if !kind.Valid() {
				return newValidationError(string(mode), string(kind),
					fmt.Sprintf("unknown stage kind: %s", kind), ErrUnknownStage)
			}
			if seen[kind] {
				return newValidationError(string(mode), string(kind),
					"stage appears twice", ErrDuplicateStage)
			}
			seen[kind] = true

			if d.Weights[kind] <= 0 {
				return newValidationError(string(mode), string(kind),
					fmt.Sprintf("weight %v is not positive", d.Weights[kind]), ErrInvalidWeight)
			}
		}
	}

	for kind := range d.Stages {
		if !kind.Valid() {
			return newValidationError("", string(kind), fmt.Sprintf("unknown stage kind: %s", kind), ErrUnknownStage)
		}
	}

	switch d.Retry.Backoff {
	case "fixed", "exponential":
	default:
		return newValidationError("", "", fmt.Sprintf("unknown backoff %q", d.Retry.Backoff), ErrInvalidRetry)
	}
	if d.Retry.MaxDelay < d.Retry.InitialDelay {
		return newValidationError("", "", "max_delay is less than initial_delay", ErrInvalidRetry)
	}

	return nil
}

// Sequence возвращает последовательность stages режима.
func (d *Definition) Sequence(mode domain.Mode) ([]domain.StageKind, error) {
	seq, ok := d.Modes[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}
	return seq, nil
}

// StageIndex возвращает индекс stage в последовательности режима или -1.
func (d *Definition) StageIndex(mode domain.Mode, kind domain.StageKind) int {
	for i, k := range d.Modes[mode] {
		if k == kind {
			return i
		}
	}
	return -1
}

// StageWeights возвращает веса stages режима, нормированные к сумме 100.
func (d *Definition) StageWeights(mode domain.Mode) map[domain.StageKind]float64 {
	seq := d.Modes[mode]

	var total float64
	for _, kind := range seq {
		total += d.Weights[kind]
	}

	weights := make(map[domain.StageKind]float64, len(seq))
	if total == 0 {
		return weights
	}
	for _, kind := range seq {
		weights[kind] = d.Weights[kind] * 100 / total
	}
	return weights
}

// Tool возвращает инструмент stage.
func (d *Definition) Tool(kind domain.StageKind) Tool {
	return d.Stages[kind].Tool
}

// Timeout возвращает бюджет wall-clock времени stage.
func (d *Definition) Timeout(kind domain.StageKind) time.Duration {
	if t := d.Stages[kind].Timeout; t > 0 {
		return t
	}
	return defaultStageTimeout
}
