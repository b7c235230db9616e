package domain

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Run — одна аналитическая отправка: набор samples, проходящих
// pipeline выбранного режима.
//
// Run создаётся через API в статусе pending и переводится в queued
// явным start после pre-flight валидации. Всё дальнейшее ведёт Orchestrator.
type Run struct {
	// ID — уникальный идентификатор run.
	ID uuid.UUID `json:"id"`

	// Code — человеко-читаемый код вида RUN-20260101-1A2B3C4D.
	Code string `json:"code"`

	// Name — имя run, заданное пользователем.
	Name string `json:"name"`

	// Mode — режим секвенирования (amplicon или shotgun).
	Mode Mode `json:"mode"`

	// Status — текущий статус run.
	Status RunStatus `json:"status"`

	// CancelRequested — запрошена отмена, ожидаем остановки in-flight stages.
	CancelRequested bool `json:"cancel_requested"`

	// Config — снимок конфигурации. Заморожен после start.
	Config RunConfig `json:"config"`

	// ConfigFrozenAt — момент заморозки конфигурации (start).
	ConfigFrozenAt *time.Time `json:"config_frozen_at,omitempty"`

	// Samples — упорядоченный список samples run.
	Samples []Sample `json:"samples"`

	// Error — агрегированная ошибка run, только для failed.
	Error *ErrorDetail `json:"error,omitempty"`

	// LeaseOwner — идентификатор оркестратора, ведущего run.
	LeaseOwner string `json:"lease_owner,omitempty"`

	// LeaseExpiresAt — до какого момента действует аренда.
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	// CreatedAt — время создания run.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt — время перехода в running.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время перехода в терминальный статус.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RunConfig — параметры анализа, фиксируемые при старте run.
type RunConfig struct {
	// PrimerScheme — схема праймеров (обязательна для amplicon).
	PrimerScheme string `json:"primer_scheme,omitempty"`

	// Reference — идентификатор референсного генома.
	Reference string `json:"reference,omitempty"`

	MinDepth       int     `json:"min_depth"`
	MinAlleleFreq  float64 `json:"min_allele_freq"`
	MinReadLength  int     `json:"min_read_length"`
	MinBaseQuality int     `json:"min_base_quality"`

	// Seed — seed для стохастических инструментов.
	Seed int64 `json:"seed"`

	// Params — переопределения параметров по stage: stage → имя → значение.
	Params map[StageKind]map[string]any `json:"params,omitempty"`
}

// DefaultRunConfig возвращает пороги по умолчанию.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Reference:      "MN908947.3",
		MinDepth:       10,
		MinAlleleFreq:  0.5,
		MinReadLength:  50,
		MinBaseQuality: 20,
		Seed:           12345,
	}
}

// Equal сравнивает конфигурации, включая переопределения по stage.
func (c RunConfig) Equal(other RunConfig) bool {
	return reflect.DeepEqual(c, other)
}

// StageParams возвращает параметры для stage: общие пороги плюс переопределения.
func (c RunConfig) StageParams(kind StageKind) map[string]any {
	params := map[string]any{
		"min_depth":        c.MinDepth,
		"min_allele_freq":  c.MinAlleleFreq,
		"min_read_length":  c.MinReadLength,
		"min_base_quality": c.MinBaseQuality,
	}
	if c.Reference != "" {
		params["reference"] = c.Reference
	}
	if c.PrimerScheme != "" {
		params["primer_scheme"] = c.PrimerScheme
	}
	for k, v := range c.Params[kind] {
		params[k] = v
	}
	return params
}

// NewRunCode генерирует код run для момента now.
func NewRunCode(now time.Time) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("RUN-%s-%s", now.UTC().Format("20060102"), strings.ToUpper(hex[:8]))
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если run ещё не завершён.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// IsFinished возвращает true, если run завершён (в любом статусе).
func (r *Run) IsFinished() bool {
	return r.Status.IsTerminal()
}

// Sample возвращает sample по ID.
func (r *Run) Sample(id uuid.UUID) (*Sample, bool) {
	for i := range r.Samples {
		if r.Samples[i].ID == id {
			return &r.Samples[i], true
		}
	}
	return nil, false
}

// TransitionTo переводит run в статус to, если переход допустим.
// Проставляет временные метки соответствующего перехода.
func (r *Run) TransitionTo(to RunStatus, now time.Time) error {
	if !CanTransition(r.Status, to) {
		reason := ""
		if r.Status.IsTerminal() {
			reason = "run already terminal"
		}
		return &InvalidTransitionError{From: r.Status, To: to, Reason: reason}
	}

	switch to {
	case RunStatusQueued:
		r.ConfigFrozenAt = &now
	case RunStatusRunning:
		r.StartedAt = &now
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		r.FinishedAt = &now
		r.LeaseOwner = ""
		r.LeaseExpiresAt = nil
	}
	r.Status = to
	return nil
}

// RequestCancel выставляет флаг cancel_requested.
// Повторный запрос для уже отменяемого run допустим.
func (r *Run) RequestCancel() error {
	if !r.Status.IsActive() {
		reason := "run not started"
		if r.Status.IsTerminal() {
			reason = "run already terminal"
		}
		return &InvalidTransitionError{From: r.Status, To: RunStatusCancelled, Reason: reason}
	}
	r.CancelRequested = true
	return nil
}

// UpdateConfig заменяет конфигурацию, пока run не запущен.
func (r *Run) UpdateConfig(cfg RunConfig) error {
	if r.Status != RunStatusPending || r.ConfigFrozenAt != nil {
		return fmt.Errorf("%w: run is %s", ErrConfigFrozen, r.Status)
	}
	r.Config = cfg
	return nil
}

// Summary агрегирует исходы samples.
func (r *Run) Summary() (completed, failed, cancelled, active int) {
	for i := range r.Samples {
		switch r.Samples[i].Status {
		case SampleStatusCompleted:
			completed++
		case SampleStatusFailed:
			failed++
		case SampleStatusCancelled:
			cancelled++
		default:
			active++
		}
	}
	return completed, failed, cancelled, active
}
