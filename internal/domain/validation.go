package domain

import "github.com/google/uuid"

// Severity — важность замечания валидатора.
type Severity string

const (
	// SeverityError — блокирует start.
	SeverityError Severity = "error"

	// SeverityWarning — не блокирует.
	SeverityWarning Severity = "warning"
)

// ValidationIssue — одно замечание pre-flight валидации.
type ValidationIssue struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Remediation string   `json:"remediation,omitempty"`
	Severity    Severity `json:"severity"`

	// Field — поле, к которому относится замечание.
	Field string `json:"field,omitempty"`

	// SampleID — sample, к которому относится замечание.
	SampleID *uuid.UUID `json:"sample_id,omitempty"`
}

// ValidationReport — результат работы Validator'а.
type ValidationReport struct {
	Errors   []ValidationIssue `json:"errors"`
	Warnings []ValidationIssue `json:"warnings"`
}

// Add добавляет замечание в нужный список по severity.
func (r *ValidationReport) Add(issue ValidationIssue) {
	if issue.Severity == SeverityWarning {
		r.Warnings = append(r.Warnings, issue)
		return
	}
	issue.Severity = SeverityError
	r.Errors = append(r.Errors, issue)
}

// Blocking возвращает true, если есть блокирующие ошибки.
func (r *ValidationReport) Blocking() bool {
	return r != nil && len(r.Errors) > 0
}

// Status возвращает "pass", "warning" или "fail".
func (r *ValidationReport) Status() string {
	switch {
	case r.Blocking():
		return "fail"
	case r != nil && len(r.Warnings) > 0:
		return "warning"
	default:
		return "pass"
	}
}
