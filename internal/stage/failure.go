package stage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/shaiso/vgap/internal/domain"
)

// Failure — типизированная ошибка stage.
type Failure struct {
	Kind        domain.FailureKind
	Code        string
	Message     string
	Remediation string

	// Err — исходная ошибка (только для логов, наружу не отдаётся).
	Err error
}

// Fatal создаёт детерминированную ошибку: плохой вход, ошибка валидации инструмента.
func Fatal(code, message, remediation string) *Failure {
	return &Failure{Kind: domain.FailureFatal, Code: code, Message: message, Remediation: remediation}
}

// Transient создаёт временную ошибку: таймаут, I/O, нехватка ресурсов.
func Transient(code, message string, err error) *Failure {
	return &Failure{Kind: domain.FailureTransient, Code: code, Message: message, Err: err}
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return f.Code + ": " + f.Message + ": " + f.Err.Error()
	}
	return f.Code + ": " + f.Message
}

// Unwrap возвращает исходную ошибку.
func (f *Failure) Unwrap() error {
	return f.Err
}

// Fatal возвращает true для детерминированных ошибок.
func (f *Failure) Fatal() bool {
	return f.Kind == domain.FailureFatal
}

// Detail возвращает структурированную ошибку для store и API.
func (f *Failure) Detail() *domain.ErrorDetail {
	return domain.NewErrorDetail(f.Code, f.Message, f.Remediation)
}

// Exhausted переклассифицирует временную ошибку в фатальную после исчерпания retry.
func (f *Failure) Exhausted(attempts int) *Failure {
	return &Failure{
		Kind:        domain.FailureFatal,
		Code:        f.Code,
		Message:     fmt.Sprintf("%s (after %d attempts)", f.Message, attempts),
		Remediation: "retried automatically without success; check tool resources and re-run the sample",
		Err:         f.Err,
	}
}

// Classify приводит ошибку executor'а к *Failure.
//
//   - *Failure возвращается как есть
//   - context.DeadlineExceeded → transient STAGE_TIMEOUT
//   - fs.ErrNotExist → fatal INPUT_NOT_FOUND
//   - остальное → transient EXECUTOR_ERROR
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}

	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Transient("STAGE_TIMEOUT", "stage exceeded its time budget", err)
	case errors.Is(err, fs.ErrNotExist):
		return &Failure{
			Kind:        domain.FailureFatal,
			Code:        "INPUT_NOT_FOUND",
			Message:     "stage input file not found",
			Remediation: "check that the sample input files exist and are readable",
			Err:         err,
		}
	default:
		return Transient("EXECUTOR_ERROR", "stage executor failed", err)
	}
}
