package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shaiso/vgap/internal/domain"
)

// Ошибки оркестратора.
var (
	// ErrRunNotFound — run не найден в БД.
	ErrRunNotFound = errors.New("run not found")

	// ErrSampleNotFound — sample не найден в run.
	ErrSampleNotFound = errors.New("sample not found")

	// ErrInvalidParams — параметры создания run некорректны.
	ErrInvalidParams = errors.New("invalid run parameters")

	// ErrValidationFailed — pre-flight валидация нашла блокирующие ошибки.
	// Возвращается обёрнутой в *ValidationError.
	ErrValidationFailed = errors.New("run validation failed")

	// ErrRetryNotAllowed — sample нельзя перезапустить в текущем состоянии.
	ErrRetryNotAllowed = errors.New("sample retry not allowed")

	// ErrConfigChanged — конфигурация run менялась во время каждой
	// попытки валидации на start.
	ErrConfigChanged = errors.New("run config changed during validation")

	// ErrRunAlreadyActive — run уже ведётся этим оркестратором.
	ErrRunAlreadyActive = errors.New("run already being processed")

	// ErrOrchestratorStopped — оркестратор остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)

// ValidationError — run не прошёл pre-flight валидацию.
//
// Issues передаются вызывающему без изменений.
// errors.Is(err, ErrValidationFailed) возвращает true.
type ValidationError struct {
	Issues   []domain.ValidationIssue
	Warnings []domain.ValidationIssue
}

func (e *ValidationError) Error() string {
	codes := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		codes = append(codes, issue.Code)
	}
	return fmt.Sprintf("%s: %s", ErrValidationFailed, strings.Join(codes, ", "))
}

// Is позволяет сравнивать с ErrValidationFailed.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}
