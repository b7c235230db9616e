package domain

import (
	"errors"
	"fmt"
)

// Ошибки доменной модели.
var (
	// ErrInvalidTransition — переход статуса не входит в граф состояний run.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConfigFrozen — конфигурация run заморожена после start.
	ErrConfigFrozen = errors.New("run configuration is frozen")
)

// InvalidTransitionError — попытка перехода вне графа состояний.
//
// errors.Is(err, ErrInvalidTransition) возвращает true.
type InvalidTransitionError struct {
	From RunStatus
	To   RunStatus

	// Reason — пояснение для вызывающего (например, "run already terminal").
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// Is позволяет сравнивать с ErrInvalidTransition.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ErrorDetail — структурированная ошибка, единственная форма,
// в которой ошибки покидают ядро (никаких stack traces).
type ErrorDetail struct {
	// Code — машинно-читаемый код, например "FASTQ_NOT_FOUND".
	Code string `json:"code"`

	// Message — описание для пользователя.
	Message string `json:"message"`

	// Remediation — что сделать, чтобы исправить.
	Remediation string `json:"remediation,omitempty"`
}

// NewErrorDetail создаёт ErrorDetail.
func NewErrorDetail(code, message, remediation string) *ErrorDetail {
	return &ErrorDetail{Code: code, Message: message, Remediation: remediation}
}

func (d *ErrorDetail) Error() string {
	return d.Code + ": " + d.Message
}
